// Package proxy is the core LLM request dispatcher.
//
// The Gateway receives an incoming OpenAI-compatible request, resolves the
// target provider, checks the cache, applies rate limiting, and forwards the
// request to the selected provider — falling back to alternatives when the
// primary is unavailable.
//
// Key design constraints:
//   - Proxy overhead < 2 ms P50 (SLA). No blocking I/O on the hot path.
//   - Logger, cache, and rate limiter are optional and nil-safe.
//   - All I/O uses context.Context so timeouts propagate correctly.
//   - Streaming responses are pass-through (SSE); they are never cached.
package proxy

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ScriptSmith/hadrian-sub010/internal/cache"
	"github.com/ScriptSmith/hadrian-sub010/internal/events"
	"github.com/ScriptSmith/hadrian-sub010/internal/logger"
	"github.com/ScriptSmith/hadrian-sub010/internal/metrics"
	"github.com/ScriptSmith/hadrian-sub010/internal/providers"
	"github.com/ScriptSmith/hadrian-sub010/internal/ratelimit"
	"github.com/ScriptSmith/hadrian-sub010/internal/retry"
	"github.com/ScriptSmith/hadrian-sub010/pkg/apierr"
	"github.com/valyala/fasthttp"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"

	// defaultTPMLimit is a tokens-per-minute ceiling. Nothing in this package
	// reads it, so the gateway enforces no TPM limit.
	defaultTPMLimit = 2_000_000
)

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events and failover
	// diagnostics. Defaults to a no-op logger when nil.
	Logger *slog.Logger

	// MaxRetries is the maximum number of provider attempts per request
	// (including the first). Must be ≥ 1. Default: providers.MaxRetries (3).
	MaxRetries int

	// ProviderTimeout is the per-provider HTTP request timeout.
	// Default: providers.ProviderTimeout (30s).
	ProviderTimeout time.Duration

	// CBConfig configures the per-provider circuit breaker thresholds.
	// Zero values use the package-level defaults.
	CBConfig CBConfig

	// AllowClientAPIKeys enables forwarding Authorization headers from clients
	// directly to upstream providers. When false, client headers are ignored and
	// only configured keys are used.
	AllowClientAPIKeys bool

	// Metrics enables Prometheus metrics collection. When nil, metrics are disabled.
	Metrics *metrics.Registry

	// CacheTTL controls the default TTL for cached responses.
	// Default: 1h.
	CacheTTL time.Duration

	// RetryPolicy controls the per-provider backoff-and-retry loop applied
	// before failover moves on to the next candidate. Nil uses
	// retry.DefaultPolicy().
	RetryPolicy *retry.Policy

	// EventBus, when set, receives a HealthChange event on every circuit
	// breaker state transition and a UsageRecorded event on every completed
	// chat request.
	EventBus *events.Bus
}

// Gateway is the main proxy — all dependencies are injected via the constructor
// so they can be replaced with mock doubles in unit tests.
type Gateway struct {
	providers map[string]providers.Provider
	cache     cache.Cache
	cb        *CircuitBreaker
	health    *HealthChecker
	baseCtx   context.Context
	log       *slog.Logger
	metrics   *metrics.Registry

	// Configurable failover parameters (set from GatewayOptions).
	maxRetries      int
	providerTimeout time.Duration
	cacheTTL        time.Duration
	retryPolicy     retry.Policy

	// Optional dependencies — nil-safe when not configured.
	rpmLimiter      *ratelimit.RPMLimiter
	reqLogger       *logger.Logger
	cacheExclusions *cache.ExclusionList

	// CORS allowed origins. Nil, empty, or ["*"] means allow all.
	corsOrigins []string

	allowClientAPIKeys bool

	bus *events.Bus
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// publishUsage emits a UsageRecorded event for one completed request,
// independent of whether a cost-injection collaborator is configured —
// dashboards subscribed to the usage topic should see every request.
func (g *Gateway) publishUsage(provider, model string, inputTokens, outputTokens int, latencyMs int64) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(events.NewUsageRecordedEvent(provider, model, inputTokens, outputTokens, latencyMs))
}

// NewGateway creates a Gateway with default settings.
func NewGateway(ctx context.Context, provs map[string]providers.Provider, c cache.Cache) *Gateway {
	return NewGatewayWithOptions(ctx, provs, c, nil, GatewayOptions{})
}

// NewGatewayWithProbes creates a Gateway with an explicit readiness probe for
// the cache backend (used by GET /readiness for Kubernetes liveness checks).
func NewGatewayWithProbes(
	baseCtx context.Context,
	provs map[string]providers.Provider,
	c cache.Cache,
	cacheReady func() bool,
) *Gateway {
	return NewGatewayWithOptions(baseCtx, provs, c, cacheReady, GatewayOptions{})
}

// NewGatewayWithOptions creates a fully configured Gateway. Use this when you
// need to customise the logger, circuit breaker thresholds, or failover limits.
func NewGatewayWithOptions(
	baseCtx context.Context,
	provs map[string]providers.Provider,
	c cache.Cache,
	cacheReady func() bool,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	maxRetries := opts.MaxRetries
	if maxRetries < 1 {
		maxRetries = providers.MaxRetries
	}

	providerTimeout := opts.ProviderTimeout
	if providerTimeout <= 0 {
		providerTimeout = providers.ProviderTimeout
	}

	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}

	retryPolicy := retry.DefaultPolicy()
	if opts.RetryPolicy != nil {
		retryPolicy = *opts.RetryPolicy
	}

	gw := &Gateway{
		providers:          provs,
		cache:              c,
		cb:                 NewCircuitBreakerWithConfig(opts.CBConfig),
		baseCtx:            baseCtx,
		log:                log,
		maxRetries:         maxRetries,
		providerTimeout:    providerTimeout,
		cacheTTL:           cacheTTL,
		retryPolicy:        retryPolicy,
		metrics:            opts.Metrics,
		allowClientAPIKeys: opts.AllowClientAPIKeys,
		bus:                opts.EventBus,
	}

	// Initialise circuit breaker gauges (closed) for known providers.
	if gw.metrics != nil && gw.cb != nil {
		for _, name := range providers.DefaultFallbackOrder {
			gw.metrics.SetCircuitBreaker(name, int64(gw.cb.State(name)))
		}
	}

	if gw.bus != nil && gw.cb != nil {
		gw.cb.SetEventPublisher(func(provider, from, to string) {
			gw.bus.Publish(events.NewHealthChangeEvent(provider, from, to))
		})
	}

	if len(provs) > 0 {
		gw.health = NewHealthChecker(baseCtx, provs, cacheReady, gw.metrics)
	}

	return gw
}

// SetRateLimiters injects the RPM rate limiter.
func (g *Gateway) SetRateLimiters(rpm *ratelimit.RPMLimiter) {
	g.rpmLimiter = rpm
}

// SetLogger injects the async request logger (e.g. for ClickHouse or stdout).
func (g *Gateway) SetLogger(l *logger.Logger) {
	g.reqLogger = l
}

// SetCacheExclusions injects the cache exclusion list.
// Requests whose model name matches any rule skip both cache GET and SET.
func (g *Gateway) SetCacheExclusions(el *cache.ExclusionList) {
	g.cacheExclusions = el
}

// ── Internal request / response types ─────────────────────────────────────────

type (
	// inboundEmbeddingRequest mirrors the OpenAI POST /v1/embeddings body.
	// The "input" field accepts a string or array of strings; we normalise
	// to []string via a custom unmarshal in parseEmbeddingInput.
	inboundEmbeddingRequest struct {
		Model          string          `json:"model"`
		Input          json.RawMessage `json:"input"`
		EncodingFormat string          `json:"encoding_format"`
	}

	outboundEmbeddingData struct {
		Object    string    `json:"object"`
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	outboundEmbeddingUsage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}

	outboundEmbeddingResponse struct {
		Object string                  `json:"object"`
		Data   []outboundEmbeddingData `json:"data"`
		Model  string                  `json:"model"`
		Usage  outboundEmbeddingUsage  `json:"usage"`
	}
)

// parseEmbeddingInput converts the raw JSON "input" field into []string.
// The OpenAI API accepts either a bare string or an array of strings.
func parseEmbeddingInput(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("'input' is required")
	}
	// Try array first.
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) == 0 {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return arr, nil
	}
	// Try bare string.
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return []string{s}, nil
	}
	return nil, fmt.Errorf("'input' must be a string or array of strings")
}

// dispatchEmbeddings handles POST /v1/embeddings.
// It resolves the provider from the model name, delegates to the provider's
// Embed method, and returns an OpenAI-compatible response envelope.
func (g *Gateway) dispatchEmbeddings(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "embeddings"
	reqBytes := len(ctx.PostBody())
	servedProvider := "unknown"
	cacheLabel := "bypass"
	inputTokens, outputTokens := 0, 0
	cached := false
	respBytes := -1

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		if respBytes < 0 {
			respBytes = len(ctx.Response.Body())
		}
		g.metrics.ObserveHTTP(route, status, dur, reqBytes, respBytes)
		g.metrics.RecordRequest(servedProvider, status, dur.Milliseconds())
		g.metrics.ObserveGatewayRequest(servedProvider, route, cacheLabel, dur)
		g.metrics.AddTokens(servedProvider, route, inputTokens, outputTokens, cached)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)
	clientKey, clientKeyID := g.extractClientAPIKey(ctx)

	// 1. Parse request.
	var req inboundEmbeddingRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	inputs, err := parseEmbeddingInput(req.Input)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	// 2. Resolve provider.
	providerName := resolveEmbeddingProvider(req.Model)
	servedProvider = providerName

	g.log.InfoContext(ctx, "embedding_request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.String("provider", providerName),
		slog.Int("inputs", len(inputs)),
	)

	if len(g.providers) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			"no providers configured",
			apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}

	// 3. Find a provider that implements EmbeddingProvider.
	prov, ok := g.providers[providerName]
	if !ok {
		// Try the first available provider.
		for _, p := range g.providers {
			prov = p
			break
		}
	}
	if prov != nil {
		servedProvider = prov.Name()
	}

	embedder, ok := prov.(providers.EmbeddingProvider)
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("provider %q does not support embeddings", prov.Name()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	// 4. Call the provider.
	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	embReq := &providers.EmbeddingRequest{
		Input:     inputs,
		Model:     req.Model,
		RequestID: reqID,
		APIKey:    clientKey,
		APIKeyID:  clientKeyID,
	}

	upStart := time.Now()
	embResp, err := embedder.Embed(provCtx, embReq)
	upDur := time.Since(upStart)
	if err != nil {
		if g.metrics != nil {
			reason := classifyError(err)
			g.metrics.ObserveUpstreamAttempt(servedProvider, route, reason, upDur)
			g.metrics.RecordError(servedProvider, reason)
		}
		g.log.ErrorContext(ctx, "embedding_error",
			slog.String("request_id", reqID),
			slog.String("provider", providerName),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		handleProviderError(ctx, err)
		return
	}
	if g.metrics != nil {
		g.metrics.ObserveUpstreamAttempt(servedProvider, route, "success", upDur)
	}

	// 5. Build OpenAI-compatible response.
	outData := make([]outboundEmbeddingData, len(embResp.Data))
	for i, d := range embResp.Data {
		outData[i] = outboundEmbeddingData{
			Object:    "embedding",
			Index:     d.Index,
			Embedding: d.Embedding,
		}
	}

	out := outboundEmbeddingResponse{
		Object: "list",
		Data:   outData,
		Model:  embResp.Model,
		Usage: outboundEmbeddingUsage{
			PromptTokens: embResp.Usage.InputTokens,
			TotalTokens:  embResp.Usage.InputTokens,
		},
	}
	inputTokens = embResp.Usage.InputTokens
	g.publishUsage(servedProvider, embResp.Model, embResp.Usage.InputTokens, 0, time.Since(start).Milliseconds())

	body, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	g.log.DebugContext(ctx, "embedding_ok",
		slog.String("request_id", reqID),
		slog.String("provider", prov.Name()),
		slog.String("model", embResp.Model),
		slog.Int("vectors", len(embResp.Data)),
		slog.Int("input_tokens", embResp.Usage.InputTokens),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	respBytes = len(body)
}

// extractClientAPIKey returns the Authorization bearer token (if allowed and present)
// and a deterministic SHA-256 hash suitable for cache partitioning.
func (g *Gateway) extractClientAPIKey(ctx *fasthttp.RequestCtx) (token string, tokenID string) {
	if !g.allowClientAPIKeys {
		return "", ""
	}
	raw := strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization")))
	if raw == "" {
		return "", ""
	}
	token = parseBearerToken(raw)
	if token == "" {
		return "", ""
	}
	sum := sha256.Sum256([]byte(token))
	return token, hex.EncodeToString(sum[:])
}

func parseBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return ""
	}
	return token
}

type (
	// inboundImageURL is the "image_url" part of a multimodal content entry.
	inboundImageURL struct {
		URL string `json:"url"`
	}

	// inboundCacheControl mirrors Anthropic/Bedrock's cache_control hint,
	// which OpenAI-compatible clients attach to a content part to mark it
	// as a prompt-cache breakpoint.
	inboundCacheControl struct {
		Type string `json:"type"` // "ephemeral"
	}

	// inboundContentPart is one entry of a multimodal "content" array.
	inboundContentPart struct {
		Type         string               `json:"type"`
		Text         string               `json:"text,omitempty"`
		ImageURL     *inboundImageURL     `json:"image_url,omitempty"`
		CacheControl *inboundCacheControl `json:"cache_control,omitempty"`
	}

	inboundToolCall struct {
		ID       string `json:"id"`
		Type     string `json:"type"`
		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	}

	// inboundMessage accepts "content" as either a plain string or an array
	// of multimodal parts, per the OpenAI chat wire format.
	inboundMessage struct {
		Role       string            `json:"role"`
		Content    json.RawMessage   `json:"content"`
		ToolCalls  []inboundToolCall `json:"tool_calls,omitempty"`
		ToolCallID string            `json:"tool_call_id,omitempty"`
	}

	inboundToolDef struct {
		Type     string `json:"type"` // "function"
		Function struct {
			Name        string          `json:"name"`
			Description string          `json:"description,omitempty"`
			Parameters  json.RawMessage `json:"parameters,omitempty"`
		} `json:"function"`
	}

	inboundRequest struct {
		Model           string           `json:"model"`
		Messages        []inboundMessage `json:"messages"`
		Stream          bool             `json:"stream"`
		Temperature     float64          `json:"temperature"`
		TopP            float64          `json:"top_p"`
		MaxTokens       int              `json:"max_tokens"`
		Tools           []inboundToolDef `json:"tools,omitempty"`
		ToolChoice      json.RawMessage  `json:"tool_choice,omitempty"`
		ReasoningEffort string           `json:"reasoning_effort,omitempty"`
	}

	outboundPromptTokensDetails struct {
		CachedTokens int `json:"cached_tokens"`
	}

	outboundUsage struct {
		PromptTokens        int                          `json:"prompt_tokens"`
		CompletionTokens    int                          `json:"completion_tokens"`
		TotalTokens         int                          `json:"total_tokens"`
		PromptTokensDetails *outboundPromptTokensDetails `json:"prompt_tokens_details,omitempty"`
	}

	outboundToolCall struct {
		ID       string `json:"id"`
		Type     string `json:"type"`
		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	}

	outboundMessage struct {
		Role      string             `json:"role"`
		Content   string             `json:"content"`
		Reasoning string             `json:"reasoning,omitempty"`
		ToolCalls []outboundToolCall `json:"tool_calls,omitempty"`
	}

	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	outboundResponse struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []outboundChoice `json:"choices"`
		Usage   outboundUsage    `json:"usage"`
	}
)

// toProviderMessage converts one inbound chat message into the normalized
// providers.Message shape, expanding multimodal content arrays and
// attaching tool-call/tool-result fields.
func (m inboundMessage) toProviderMessage() providers.Message {
	pm := providers.Message{Role: m.Role, ToolCallID: m.ToolCallID}
	for _, tc := range m.ToolCalls {
		pm.ToolCalls = append(pm.ToolCalls, providers.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	if len(m.Content) == 0 {
		return pm
	}

	var s string
	if json.Unmarshal(m.Content, &s) == nil {
		pm.Content = s
		return pm
	}

	var parts []inboundContentPart
	if json.Unmarshal(m.Content, &parts) == nil {
		for _, p := range parts {
			cp := providers.ContentPart{Type: p.Type, CacheControl: p.CacheControl != nil}
			switch p.Type {
			case "image_url":
				if p.ImageURL != nil {
					cp.ImageURL = p.ImageURL.URL
				}
			default:
				cp.Type = "text"
				cp.Text = p.Text
			}
			pm.Parts = append(pm.Parts, cp)
		}
	}
	return pm
}

// parseToolChoice normalizes the OpenAI "tool_choice" field, which is
// either a bare string ("auto"/"none"/"required") or an object naming one
// specific tool, into the single string providers.ProxyRequest carries.
func parseToolChoice(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if json.Unmarshal(raw, &obj) == nil && obj.Function.Name != "" {
		return obj.Function.Name
	}
	return ""
}

// buildProxyRequest translates a parsed inboundRequest plus request-scoped
// identifiers into the normalized providers.ProxyRequest every adapter
// consumes. Shared by chat completions, legacy completions, and responses.
func buildProxyRequest(req inboundRequest, reqID, clientKey, clientKeyID string) *providers.ProxyRequest {
	msgs := make([]providers.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = m.toProviderMessage()
	}

	var tools []providers.ToolDefinition
	for _, t := range req.Tools {
		tools = append(tools, providers.ToolDefinition{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}

	return &providers.ProxyRequest{
		Model:           req.Model,
		Messages:        msgs,
		Stream:          req.Stream,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		MaxTokens:       req.MaxTokens,
		Tools:           tools,
		ToolChoice:      parseToolChoice(req.ToolChoice),
		ReasoningEffort: req.ReasoningEffort,
		RequestID:       reqID,
		APIKey:          clientKey,
		APIKeyID:        clientKeyID,
	}
}

// dispatchChat is the core handler for /v1/chat/completions. The router
// sends /v1/completions to dispatchCompletion instead.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	path := string(ctx.Path())
	route := "chat_completions"
	if path == "/v1/completions" {
		route = "completions"
	}
	reqBytes := len(ctx.PostBody())
	servedProvider := "unknown"
	cacheLabel := "bypass" // hit|miss|bypass
	inputTokens, outputTokens := 0, 0
	cached := false
	streaming := false
	respBytes := -1

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		if streaming {
			return // finalised by the stream writer
		}
		g.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		if respBytes < 0 {
			respBytes = len(ctx.Response.Body())
		}
		g.metrics.ObserveHTTP(route, status, dur, reqBytes, respBytes)
		g.metrics.RecordRequest(servedProvider, status, dur.Milliseconds())
		g.metrics.ObserveGatewayRequest(servedProvider, route, cacheLabel, dur)
		g.metrics.AddTokens(servedProvider, route, inputTokens, outputTokens, cached)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)
	clientKey, clientKeyID := g.extractClientAPIKey(ctx)

	// 1. Parse request body.
	var req inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	// 2. Route to provider based on model name.
	providerName, providerSource := resolveProviderWithSource(req.Model)
	servedProvider = providerName

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.String("provider", providerName),
		slog.Bool("stream", req.Stream),
	)

	if len(g.providers) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			"no providers configured",
			apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}

	// 3. Rate limit check (RPM).
	if g.rpmLimiter != nil {
		allowed, err := g.rpmLimiter.Allow(ctx)
		if err == nil && !allowed {
			if g.metrics != nil {
				g.metrics.RecordRateLimit("blocked")
			}
			g.log.WarnContext(ctx, "rate_limit_exceeded",
				slog.String("request_id", reqID),
				slog.String("provider", providerName),
			)
			if g.bus != nil {
				g.bus.Publish(events.NewRateLimitWarningEvent(clientKeyID, g.rpmLimiter.Limit(), 0))
			}
			apierr.WriteRateLimit(ctx)
			return
		}
		if g.metrics != nil {
			if err != nil {
				g.metrics.RecordRateLimit("error")
			} else {
				g.metrics.RecordRateLimit("allowed")
			}
		}
	}

	// 4. Build the normalized ProxyRequest.
	proxyReq := buildProxyRequest(req, reqID, clientKey, clientKeyID)

	// 5. Cache lookup — non-streaming only; skip excluded models.
	cacheEligible := !req.Stream && g.cache != nil && (g.cacheExclusions == nil || !g.cacheExclusions.Matches(req.Model))
	if g.metrics != nil && !cacheEligible {
		g.metrics.CacheGetBypass()
	}
	if cacheEligible {
		cacheKey := buildCacheKey(proxyReq)
		if cachedBody, ok := g.cache.Get(ctx, cacheKey); ok {
			cacheLabel = "hit"
			cached = true
			respBytes = len(cachedBody)
			if g.metrics != nil {
				g.metrics.CacheGetHit()
			}
			g.log.DebugContext(ctx, "cache_hit",
				slog.String("request_id", reqID),
				slog.String("model", req.Model),
			)
			ctx.Response.Header.Set("X-Cache", xCacheHIT)
			ctx.Response.Header.Set("X-Provider", providerName)
			ctx.Response.Header.Set("X-Provider-Source", providerSource)
			ctx.Response.Header.Set("X-Model", req.Model)
			ctx.SetContentType("application/json")
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBody(cachedBody)

			// Best-effort token extraction from cached payload.
			var cu struct {
				Model string `json:"model"`
				Usage struct {
					PromptTokens     int `json:"prompt_tokens"`
					CompletionTokens int `json:"completion_tokens"`
				} `json:"usage"`
			}
			if err := json.Unmarshal(cachedBody, &cu); err == nil {
				inputTokens = cu.Usage.PromptTokens
				outputTokens = cu.Usage.CompletionTokens
			}

			g.logRequest(reqID, providerName, req.Model,
				inputTokens, outputTokens, time.Since(start), fasthttp.StatusOK, true)
			return
		}
		cacheLabel = "miss"
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
	}

	// 6. Call provider with automatic failover.
	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	resp, usedProvider, err := g.requestWithFailover(provCtx, proxyReq, providerName, route)
	if err != nil {
		g.log.ErrorContext(ctx, "provider_error",
			slog.String("request_id", reqID),
			slog.String("primary_provider", providerName),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		handleProviderError(ctx, err)
		g.logRequest(reqID, providerName, req.Model,
			0, 0, time.Since(start), fasthttp.StatusBadGateway, false)
		return
	}
	servedProvider = usedProvider

	source := providerSource
	if usedProvider != providerName {
		source = "override" // failover substituted the routed provider
	}
	ctx.Response.Header.Set("X-Provider", usedProvider)
	ctx.Response.Header.Set("X-Provider-Source", source)
	ctx.Response.Header.Set("X-Model", resp.Model)

	// 7a. Streaming — SSE pass-through. Responses are never cached for streams.
	if req.Stream && resp.Stream != nil {
		streaming = true
		capturedStart := start
		capturedReqBytes := reqBytes
		capturedRoute := route
		capturedProvider := usedProvider
		writeSSE(ctx, resp, func(outputTokens int) {
			g.logRequest(reqID, usedProvider, resp.Model,
				0, outputTokens, time.Since(capturedStart), fasthttp.StatusOK, false)
			if g.metrics != nil {
				// End-to-end duration is measured until stream drain.
				dur := time.Since(capturedStart)
				g.metrics.ObserveHTTP(capturedRoute, fasthttp.StatusOK, dur, capturedReqBytes, -1)
				g.metrics.RecordRequest(capturedProvider, fasthttp.StatusOK, dur.Milliseconds())
				g.metrics.ObserveGatewayRequest(capturedProvider, capturedRoute, "bypass", dur)
				g.metrics.AddTokens(capturedProvider, capturedRoute, 0, outputTokens, false)
				g.metrics.DecInFlight()
			}
			g.publishUsage(capturedProvider, resp.Model, 0, outputTokens, time.Since(capturedStart).Milliseconds())
		})
		return
	}

	// 7b. Non-streaming — build an OpenAI-compatible response envelope.
	var toolCalls []outboundToolCall
	for _, tc := range resp.ToolCalls {
		otc := outboundToolCall{ID: tc.ID, Type: "function"}
		otc.Function.Name = tc.Name
		otc.Function.Arguments = tc.Arguments
		toolCalls = append(toolCalls, otc)
	}

	finishReason := resp.FinishReason
	if finishReason == "" {
		finishReason = "stop"
	}

	var usageDetails *outboundPromptTokensDetails
	if resp.Usage.CacheReadTokens > 0 {
		usageDetails = &outboundPromptTokensDetails{CachedTokens: resp.Usage.CacheReadTokens}
	}

	out := outboundResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []outboundChoice{
			{
				Index: 0,
				Message: outboundMessage{
					Role:      "assistant",
					Content:   resp.Content,
					Reasoning: resp.Reasoning,
					ToolCalls: toolCalls,
				},
				FinishReason: finishReason,
			},
		},
		Usage: outboundUsage{
			PromptTokens:        resp.Usage.InputTokens,
			CompletionTokens:    resp.Usage.OutputTokens,
			TotalTokens:         resp.Usage.InputTokens + resp.Usage.OutputTokens,
			PromptTokensDetails: usageDetails,
		},
	}

	body, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	// 8. Populate cache for future identical requests.
	if cacheEligible {
		cacheKey := buildCacheKey(proxyReq)
		if err := g.cache.Set(ctx, cacheKey, body, g.cacheTTL); err != nil {
			if g.metrics != nil {
				g.metrics.CacheSetError()
			}
		} else {
			if g.metrics != nil {
				g.metrics.CacheSetOK()
			}
		}
	}

	// 9. Emit request log entry asynchronously.
	g.logRequest(reqID, usedProvider, resp.Model,
		resp.Usage.InputTokens, resp.Usage.OutputTokens,
		time.Since(start), fasthttp.StatusOK, false)
	inputTokens = resp.Usage.InputTokens
	outputTokens = resp.Usage.OutputTokens
	if cacheEligible {
		cacheLabel = "miss"
	} else {
		cacheLabel = "bypass"
	}
	g.publishUsage(usedProvider, resp.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens, time.Since(start).Milliseconds())

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("used_provider", usedProvider),
		slog.String("model", resp.Model),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.Response.Header.Set("X-Cache", xCacheMISS)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	respBytes = len(body)
}

// logRequest enqueues a RequestLog entry to the async logger. Never blocks.
func (g *Gateway) logRequest(
	requestID, provider, model string,
	inputTokens, outputTokens int,
	latency time.Duration,
	status int,
	isCached bool,
) {
	if g.reqLogger == nil {
		return
	}

	reqUUID, _ := uuid.Parse(requestID)

	// Clamp to uint16 max so we don't overflow the field.
	latencyMs := uint16(latency.Milliseconds())
	if latency.Milliseconds() > 65535 {
		latencyMs = 65535
	}

	g.reqLogger.Log(logger.RequestLog{
		ID:           reqUUID,
		Provider:     provider,
		Model:        model,
		InputTokens:  uint32(inputTokens),
		OutputTokens: uint32(outputTokens),
		LatencyMs:    latencyMs,
		Status:       uint16(status),
		Cached:       isCached,
		CreatedAt:    time.Now(),
	})
}

// buildCacheKey returns a deterministic SHA-256 cache key for the request.
// The provider name is included to prevent cross-provider key collisions when
// two providers share a model name. Tools/tool_choice/reasoning_effort/top_p
// are folded in too, so two requests that differ only in those fields never
// collide on a cached completion meant for a different tool contract.
func buildCacheKey(req *providers.ProxyRequest) string {
	type msg struct {
		Role      string   `json:"role"`
		Content   string   `json:"content"`
		ToolCalls []string `json:"tool_calls,omitempty"`
	}
	msgs := make([]msg, len(req.Messages))
	for i, m := range req.Messages {
		var tcs []string
		for _, tc := range m.ToolCalls {
			tcs = append(tcs, tc.ID+":"+tc.Name+":"+tc.Arguments)
		}
		msgs[i] = msg{Role: m.Role, Content: m.Content, ToolCalls: tcs}
	}
	tools := make([]string, len(req.Tools))
	for i, t := range req.Tools {
		tools[i] = t.Name + ":" + string(t.Parameters)
	}
	data, _ := json.Marshal(struct {
		W     string   `json:"w"`
		K     string   `json:"k"`
		P     string   `json:"p"`
		M     string   `json:"m"`
		T     string   `json:"t"`
		TP    string   `json:"tp"`
		MT    int      `json:"mt"`
		Tools []string `json:"tools,omitempty"`
		TC    string   `json:"tc,omitempty"`
		RE    string   `json:"re,omitempty"`
		Msgs  []msg    `json:"msgs"`
	}{
		req.WorkspaceID,
		req.APIKeyID,
		resolveProvider(req.Model),
		req.Model,
		fmt.Sprintf("%.2f", req.Temperature),
		fmt.Sprintf("%.2f", req.TopP),
		req.MaxTokens,
		tools,
		req.ToolChoice,
		req.ReasoningEffort,
		msgs,
	})
	h := sha256.Sum256(data)
	return "cache:" + hex.EncodeToString(h[:])
}

// handleProviderError maps provider errors to the appropriate HTTP response.
//
//	statusCoder (providers that return HTTP codes) → passed through with remapping
//	context.DeadlineExceeded                       → 504 Gateway Timeout
//	all other errors                               → 502 Bad Gateway
func handleProviderError(ctx *fasthttp.RequestCtx, err error) {
	type statusCoder interface{ HTTPStatus() int }

	if sc, ok := err.(statusCoder); ok {
		apierr.WriteProviderError(ctx, sc.HTTPStatus(), err.Error())
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx)
		return
	}

	apierr.Write(ctx, fasthttp.StatusBadGateway,
		err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
}

// writeSSE streams response chunks from the provider as Server-Sent Events,
// translating the provider-agnostic StreamChunk sequence into OpenAI
// chat.completion.chunk frames: one initial role chunk, then content/
// reasoning/tool-call deltas (tool calls keyed by StreamChunk.ToolCall.Index),
// a finish_reason chunk, and — when the provider supplied one — a terminal
// usage chunk carrying prompt_tokens_details.cached_tokens, before [DONE].
// onComplete is called once the stream drains with the output token count:
// the provider's own usage when available, else a ≈chars/4 estimate.
func writeSSE(ctx *fasthttp.RequestCtx, resp *providers.ProxyResponse, onComplete func(outputTokens int)) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	const streamID = "chatcmpl-stream"

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		writeChunk := func(delta map[string]any, finishReason any) {
			frame := map[string]any{
				"id":      streamID,
				"object":  "chat.completion.chunk",
				"created": time.Now().Unix(),
				"choices": []map[string]any{
					{"index": 0, "delta": delta, "finish_reason": finishReason},
				},
			}
			data, _ := json.Marshal(frame)
			fmt.Fprintf(w, "data: %s\n\n", data)
			w.Flush() //nolint:errcheck
		}

		roleSent := false
		ensureRole := func() {
			if roleSent {
				return
			}
			roleSent = true
			writeChunk(map[string]any{"role": "assistant"}, nil)
		}

		var sb strings.Builder
		sawToolCalls := false
		finishReason := ""
		var finalUsage *providers.Usage

		for chunk := range resp.Stream {
			ensureRole()

			switch {
			case chunk.ToolCall != nil:
				sawToolCalls = true
				tc := chunk.ToolCall
				fn := map[string]any{}
				if tc.Name != "" {
					fn["name"] = tc.Name
				}
				if tc.ArgumentsDelta != "" {
					fn["arguments"] = tc.ArgumentsDelta
				}
				toolDelta := map[string]any{"index": tc.Index, "function": fn}
				if tc.ID != "" {
					toolDelta["id"] = tc.ID
					toolDelta["type"] = "function"
				}
				writeChunk(map[string]any{"tool_calls": []map[string]any{toolDelta}}, nil)

			case chunk.ReasoningDelta != "":
				writeChunk(map[string]any{"reasoning": chunk.ReasoningDelta}, nil)

			case chunk.Content != "":
				sb.WriteString(chunk.Content)
				writeChunk(map[string]any{"content": chunk.Content}, nil)
			}

			if chunk.FinishReason != "" {
				finishReason = chunk.FinishReason
			}
			if chunk.Usage != nil {
				finalUsage = chunk.Usage
			}
		}

		ensureRole()

		if finishReason != "" {
			if sawToolCalls && finishReason == "stop" {
				finishReason = "tool_calls"
			}
			writeChunk(map[string]any{}, finishReason)
		}

		if finalUsage != nil {
			usage := map[string]any{
				"prompt_tokens":     finalUsage.InputTokens,
				"completion_tokens": finalUsage.OutputTokens,
				"total_tokens":      finalUsage.InputTokens + finalUsage.OutputTokens,
			}
			if finalUsage.CacheReadTokens > 0 {
				usage["prompt_tokens_details"] = map[string]any{"cached_tokens": finalUsage.CacheReadTokens}
			}
			data, _ := json.Marshal(map[string]any{
				"id":      streamID,
				"object":  "chat.completion.chunk",
				"created": time.Now().Unix(),
				"choices": []any{},
				"usage":   usage,
			})
			fmt.Fprintf(w, "data: %s\n\n", data)
			w.Flush() //nolint:errcheck
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush() //nolint:errcheck

		outputTokens := 0
		if finalUsage != nil && finalUsage.OutputTokens > 0 {
			outputTokens = finalUsage.OutputTokens
		} else {
			// Estimate output tokens: ~4 characters per token (GPT-style heuristic).
			outputTokens = sb.Len() / 4
			if outputTokens == 0 {
				outputTokens = 1
			}
		}
		if onComplete != nil {
			onComplete(outputTokens)
		}
	})
}

// dispatchCompletion handles POST /v1/completions (the legacy, non-chat
// completions API). Only providers that implement LegacyCompletionProvider
// support it; everyone else returns 501, matching upstream OpenAI's own
// deprecation of this endpoint for most model families.
func (g *Gateway) dispatchCompletion(ctx *fasthttp.RequestCtx) {
	reqID, _ := ctx.UserValue("request_id").(string)
	clientKey, clientKeyID := g.extractClientAPIKey(ctx)

	var req inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	providerName := resolveProvider(req.Model)
	prov, ok := g.providers[providerName]
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			"no providers configured",
			apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}

	legacy, ok := prov.(providers.LegacyCompletionProvider)
	if !ok {
		apierr.WriteNotImplemented(ctx,
			fmt.Sprintf("provider %q does not implement legacy completions", prov.Name()))
		return
	}

	proxyReq := buildProxyRequest(req, reqID, clientKey, clientKeyID)

	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	resp, err := legacy.Completion(provCtx, proxyReq)
	if err != nil {
		handleProviderError(ctx, err)
		return
	}

	ctx.Response.Header.Set("X-Provider", prov.Name())
	ctx.Response.Header.Set("X-Model", resp.Model)

	body, err := json.Marshal(struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		Model   string `json:"model"`
		Choices []struct {
			Text         string `json:"text"`
			Index        int    `json:"index"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage outboundUsage `json:"usage"`
	}{
		ID:      resp.ID,
		Object:  "text_completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []struct {
			Text         string `json:"text"`
			Index        int    `json:"index"`
			FinishReason string `json:"finish_reason"`
		}{{Text: resp.Content, Index: 0, FinishReason: resp.FinishReason}},
		Usage: outboundUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	})
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// dispatchResponses handles POST /v1/responses, the OpenAI Responses API.
// Providers that implement ResponsesProvider get a dedicated call; others
// fall back to chat_completion, since the Responses schema is a superset
// of chat completions for the single-turn, non-agentic case this gateway
// supports.
func (g *Gateway) dispatchResponses(ctx *fasthttp.RequestCtx) {
	reqID, _ := ctx.UserValue("request_id").(string)
	clientKey, clientKeyID := g.extractClientAPIKey(ctx)

	var req inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	providerName := resolveProvider(req.Model)
	prov, ok := g.providers[providerName]
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			"no providers configured",
			apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}

	proxyReq := buildProxyRequest(req, reqID, clientKey, clientKeyID)

	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	var resp *providers.ProxyResponse
	var err error
	if rp, ok := prov.(providers.ResponsesProvider); ok {
		resp, err = rp.Responses(provCtx, proxyReq)
	} else {
		resp, err = prov.Request(provCtx, proxyReq)
	}
	if err != nil {
		handleProviderError(ctx, err)
		return
	}

	ctx.Response.Header.Set("X-Provider", prov.Name())
	ctx.Response.Header.Set("X-Model", resp.Model)

	finishReason := resp.FinishReason
	if finishReason == "" {
		finishReason = "stop"
	}

	body, err := json.Marshal(map[string]any{
		"id":         resp.ID,
		"object":     "response",
		"created_at": time.Now().Unix(),
		"model":      resp.Model,
		"status":     "completed",
		"output": []map[string]any{
			{
				"type": "message",
				"role": "assistant",
				"content": []map[string]any{
					{"type": "output_text", "text": resp.Content},
				},
			},
		},
		"usage": map[string]any{
			"input_tokens":  resp.Usage.InputTokens,
			"output_tokens": resp.Usage.OutputTokens,
			"total_tokens":  resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		"finish_reason": finishReason,
	})
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// dispatchModels handles GET /v1/models. Providers that implement
// ModelLister (Bedrock's foundation-model cache, Vertex's curated set) are
// queried directly; every other configured provider contributes its static
// alias-map entries instead.
func (g *Gateway) dispatchModels(ctx *fasthttp.RequestCtx) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}

	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	seen := make(map[string]bool)
	var out []modelEntry

	for name, prov := range g.providers {
		lister, ok := prov.(providers.ModelLister)
		if !ok {
			continue
		}
		models, err := lister.ListModels(provCtx)
		if err != nil {
			g.log.WarnContext(ctx, "list_models_error",
				slog.String("provider", name), slog.String("error", err.Error()))
			continue
		}
		for _, m := range models {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			out = append(out, modelEntry{ID: m.ID, Object: "model", Created: m.Created, OwnedBy: name})
		}
	}

	for modelID, provName := range providers.ModelAliases {
		if seen[modelID] {
			continue
		}
		if _, ok := g.providers[provName]; !ok {
			continue
		}
		seen[modelID] = true
		out = append(out, modelEntry{ID: modelID, Object: "model", OwnedBy: provName})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	writeJSON(ctx, map[string]any{"object": "list", "data": out})
}
