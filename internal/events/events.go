// Package events implements the gateway's internal event bus: a bounded,
// topic-filtered fan-out from backend components (circuit breaker, usage
// accounting, rate limiter) to WebSocket subscribers.
package events

import "time"

// Topic identifies a category of event a subscriber can filter on.
type Topic string

const (
	TopicAudit     Topic = "audit"
	TopicUsage     Topic = "usage"
	TopicHealth    Topic = "health"
	TopicBudget    Topic = "budget"
	TopicRateLimit Topic = "rate_limit"

	// TopicAll is a wildcard: subscribing to it receives every event
	// regardless of its own topic.
	TopicAll Topic = "all"
)

// ParseTopic validates a topic name received over the wire. Returns false
// for anything not in the fixed topic set.
func ParseTopic(s string) (Topic, bool) {
	switch Topic(s) {
	case TopicAudit, TopicUsage, TopicHealth, TopicBudget, TopicRateLimit, TopicAll:
		return Topic(s), true
	default:
		return "", false
	}
}

// Matches reports whether an event published under topic t should be
// delivered to a subscription filtered on sub. TopicAll on either side
// always matches.
func (t Topic) Matches(sub Topic) bool {
	return sub == TopicAll || t == TopicAll || t == sub
}

// Event is a single message carried on the bus. Type names the concrete
// event kind (e.g. "health_change"); Data carries kind-specific fields.
// Subscribers that only care about Topic-level filtering can ignore Type.
type Event struct {
	Topic     Topic          `json:"topic"`
	Type      string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewHealthChangeEvent reports a circuit breaker state transition for a
// single provider.
func NewHealthChangeEvent(provider, from, to string) Event {
	return Event{
		Topic: TopicHealth,
		Type:  "health_change",
		Data: map[string]any{
			"provider":   provider,
			"from_state": from,
			"to_state":   to,
		},
	}
}

// NewUsageRecordedEvent reports token/cost accounting for one completed
// request. Emitted regardless of whether cost injection (an external
// collaborator) is configured, so dashboards see usage even without it.
func NewUsageRecordedEvent(provider, model string, inputTokens, outputTokens int, latencyMs int64) Event {
	return Event{
		Topic: TopicUsage,
		Type:  "usage_recorded",
		Data: map[string]any{
			"provider":      provider,
			"model":         model,
			"input_tokens":  inputTokens,
			"output_tokens": outputTokens,
			"latency_ms":    latencyMs,
		},
	}
}

// NewRateLimitWarningEvent reports a client approaching or exceeding its
// requests-per-minute budget.
func NewRateLimitWarningEvent(keyID string, limit, current int) Event {
	return Event{
		Topic: TopicRateLimit,
		Type:  "rate_limit_warning",
		Data: map[string]any{
			"key_id":  keyID,
			"limit":   limit,
			"current": current,
		},
	}
}

// NewAuditLogEvent and NewBudgetThresholdEvent are provided for completeness
// of the topic set; this repo has no audit-log or budget-tracking subsystem
// to drive them (see DESIGN.md), so nothing currently calls them.

func NewAuditLogEvent(action, actor string, detail map[string]any) Event {
	data := map[string]any{"action": action, "actor": actor}
	for k, v := range detail {
		data[k] = v
	}
	return Event{Topic: TopicAudit, Type: "audit_log_created", Data: data}
}

func NewBudgetThresholdEvent(scope string, thresholdPct float64, spent, limit float64) Event {
	return Event{
		Topic: TopicBudget,
		Type:  "budget_threshold_reached",
		Data: map[string]any{
			"scope":         scope,
			"threshold_pct": thresholdPct,
			"spent":         spent,
			"limit":         limit,
		},
	}
}
