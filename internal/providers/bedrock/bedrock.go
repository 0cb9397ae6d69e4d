// Package bedrock implements the providers.Provider interface for AWS Bedrock.
// It uses the Bedrock Converse/ConverseStream API with AWS SigV4 request
// signing, tool use, reasoning content, and prompt-caching breakpoints.
//
// Required configuration:
//   - AWS_ACCESS_KEY_ID
//   - AWS_SECRET_ACCESS_KEY
//   - AWS_REGION (e.g. "us-east-1")
//
// Optional:
//   - AWS_SESSION_TOKEN — for temporary credentials (IAM roles, STS).
package bedrock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ScriptSmith/hadrian-sub010/internal/awssigv4"
	"github.com/ScriptSmith/hadrian-sub010/internal/providers"
	"github.com/ScriptSmith/hadrian-sub010/internal/providers/bedrock/eventstream"
	"github.com/ScriptSmith/hadrian-sub010/internal/ttlcache"
)

const (
	providerName = "bedrock"
	service      = "bedrock"

	resourceCacheTTL   = time.Hour
	streamBufferBudget = 1 << 20 // 1 MiB of undecoded event-stream bytes before giving up

	// claudeModelPrefix identifies Anthropic models hosted on Bedrock, which
	// reject a request that sets both temperature and top_p.
	claudeModelPrefix = "anthropic."

	// novaModelPrefix identifies Amazon Nova models, which carry their own
	// reasoning configuration shape distinct from Anthropic's.
	novaModelPrefix = "amazon.nova"
)

// Provider implements providers.Provider for AWS Bedrock via the Converse API.
type Provider struct {
	accessKey    string
	secretKey    string
	sessionToken string
	region       string
	endpointURL  string // optional override for the base endpoint (testing)
	client       *http.Client
	signer       *awssigv4.Signer
	log          *slog.Logger

	// inferenceProfiles caches the modelID -> inference profile ID map
	// fetched from ListInferenceProfiles, keyed by region.
	inferenceProfiles *ttlcache.Cache[string, map[string]string]
	// foundationModels caches the set of model IDs returned by
	// ListFoundationModels, keyed by region.
	foundationModels *ttlcache.Cache[string, map[string]bool]
}

// Option configures a Provider.
type Option func(*Provider)

// WithSessionToken sets the AWS session token for temporary credentials.
func WithSessionToken(token string) Option {
	return func(p *Provider) { p.sessionToken = token }
}

// WithEndpointURL overrides the Bedrock endpoint base URL (e.g. for local mocks).
// When set, all API calls use this URL instead of the regional AWS endpoint.
func WithEndpointURL(u string) Option {
	return func(p *Provider) { p.endpointURL = u }
}

// WithLogger attaches a structured logger; defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// New creates a new AWS Bedrock Provider.
func New(accessKey, secretKey, region string, opts ...Option) *Provider {
	p := &Provider{
		accessKey:         accessKey,
		secretKey:         secretKey,
		region:            region,
		client:            &http.Client{Timeout: providers.ProviderTimeout},
		log:               slog.Default(),
		inferenceProfiles: ttlcache.New[string, map[string]string](),
		foundationModels:  ttlcache.New[string, map[string]bool](),
	}
	for _, o := range opts {
		o(p)
	}
	p.signer = awssigv4.New(p.region, service)
	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) credentials() awssigv4.Credentials {
	return awssigv4.Credentials{
		AccessKeyID:     p.accessKey,
		SecretAccessKey: p.secretKey,
		SessionToken:    p.sessionToken,
	}
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.listFoundationModels(ctx)
	return err
}

func (p *Provider) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	modelID := p.resolveModelID(ctx, req.Model)
	if req.Stream {
		return p.handleStreaming(ctx, req, modelID)
	}
	return p.handleResponse(ctx, req, modelID)
}

// ─── Converse API types ───────────────────────────────────────────────────────

type converseRequest struct {
	Messages                 []converseMessage      `json:"messages"`
	System                   []systemContent        `json:"system,omitempty"`
	InferenceConfig          *inferenceConfig       `json:"inferenceConfig,omitempty"`
	ToolConfig               *toolConfig            `json:"toolConfig,omitempty"`
	AdditionalModelRequestFields json.RawMessage    `json:"additionalModelRequestFields,omitempty"`
}

type converseMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

// contentBlock is a tagged union over Bedrock's content block shapes. Only
// the fields relevant to the block's kind are populated on marshal; all are
// optional on unmarshal.
type contentBlock struct {
	Text             string            `json:"text,omitempty"`
	ToolUse          *toolUseBlock     `json:"toolUse,omitempty"`
	ToolResult       *toolResultBlock  `json:"toolResult,omitempty"`
	ReasoningContent *reasoningContent `json:"reasoningContent,omitempty"`
	CachePoint       *cachePoint       `json:"cachePoint,omitempty"`
}

type toolUseBlock struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

type toolResultBlock struct {
	ToolUseID string                `json:"toolUseId"`
	Content   []toolResultContent   `json:"content"`
	Status    string                `json:"status,omitempty"` // "success" or "error"
}

type toolResultContent struct {
	Text string `json:"text"`
}

type reasoningContent struct {
	ReasoningText *reasoningText `json:"reasoningText,omitempty"`
}

type reasoningText struct {
	Text string `json:"text"`
}

type cachePoint struct {
	Type string `json:"type"` // always "default"
}

type systemContent struct {
	Text       string      `json:"text,omitempty"`
	CachePoint *cachePoint `json:"cachePoint,omitempty"`
}

type inferenceConfig struct {
	MaxTokens   int     `json:"maxTokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"topP,omitempty"`
}

type toolConfig struct {
	Tools      []toolSpec  `json:"tools"`
	ToolChoice *toolChoice `json:"toolChoice,omitempty"`
}

// toolSpec is one entry in a toolConfig's Tools array. Like contentBlock,
// it's a tagged union: a normal entry sets ToolSpec, while a trailing
// cache-breakpoint entry sets only CachePoint.
type toolSpec struct {
	ToolSpec *struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		InputSchema struct {
			JSON json.RawMessage `json:"json"`
		} `json:"inputSchema"`
	} `json:"toolSpec,omitempty"`
	CachePoint *cachePoint `json:"cachePoint,omitempty"`
}

type toolChoice struct {
	Auto *struct{} `json:"auto,omitempty"`
	Any  *struct{} `json:"any,omitempty"`
	Tool *struct {
		Name string `json:"name"`
	} `json:"tool,omitempty"`
}

type converseResponse struct {
	Output     converseOutput `json:"output"`
	StopReason string         `json:"stopReason"`
	Usage      converseUsage  `json:"usage"`
}

type converseOutput struct {
	Message converseMessage `json:"message"`
}

type converseUsage struct {
	InputTokens          int `json:"inputTokens"`
	OutputTokens         int `json:"outputTokens"`
	CacheReadInputTokens  int `json:"cacheReadInputTokens"`
	CacheWriteInputTokens int `json:"cacheWriteInputTokens"`
}

// ─── Request building ─────────────────────────────────────────────────────────

func (p *Provider) buildConverseRequest(req *providers.ProxyRequest) (converseRequest, error) {
	var systemTexts []systemContent
	msgs := make([]converseMessage, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			systemTexts = append(systemTexts, systemContent{Text: m.Content})
		case "tool":
			msgs = append(msgs, converseMessage{
				Role: "user",
				Content: []contentBlock{{ToolResult: &toolResultBlock{
					ToolUseID: m.ToolCallID,
					Content:   []toolResultContent{{Text: m.Content}},
				}}},
			})
		default:
			role := "user"
			if strings.ToLower(m.Role) == "assistant" {
				role = "assistant"
			}
			msgs = append(msgs, converseMessage{Role: role, Content: buildContentBlocks(m)})
		}
	}

	cr := converseRequest{Messages: msgs, System: systemTexts}

	if req.MaxTokens > 0 || req.Temperature > 0 || req.TopP > 0 {
		ic := &inferenceConfig{MaxTokens: req.MaxTokens}
		// Claude models on Bedrock reject setting both temperature and
		// top_p in the same request; temperature wins when both are set.
		if strings.HasPrefix(strings.ToLower(req.Model), claudeModelPrefix) && req.Temperature > 0 && req.TopP > 0 {
			ic.Temperature = req.Temperature
		} else {
			ic.Temperature = req.Temperature
			ic.TopP = req.TopP
		}
		cr.InferenceConfig = ic
	}

	cachePointsRequested := requestHasCacheControl(req)

	if len(req.Tools) > 0 {
		tc := &toolConfig{Tools: make([]toolSpec, 0, len(req.Tools)+1)}
		for _, t := range req.Tools {
			spec := toolSpec{ToolSpec: &struct {
				Name        string          `json:"name"`
				Description string          `json:"description,omitempty"`
				InputSchema struct {
					JSON json.RawMessage `json:"json"`
				} `json:"inputSchema"`
			}{Name: t.Name, Description: t.Description}}
			spec.ToolSpec.InputSchema.JSON = t.Parameters
			tc.Tools = append(tc.Tools, spec)
		}
		if cachePointsRequested {
			tc.Tools = append(tc.Tools, toolSpec{CachePoint: &cachePoint{Type: "default"}})
		}
		switch req.ToolChoice {
		case "required":
			tc.ToolChoice = &toolChoice{Any: &struct{}{}}
		case "none":
			tc = nil // Bedrock has no "none"; omit toolConfig entirely
		case "", "auto":
			tc.ToolChoice = &toolChoice{Auto: &struct{}{}}
		default:
			tc.ToolChoice = &toolChoice{Tool: &struct {
				Name string `json:"name"`
			}{Name: req.ToolChoice}}
		}
		cr.ToolConfig = tc
	}

	if cachePointsRequested && len(cr.System) > 0 {
		cr.System = append(cr.System, systemContent{CachePoint: &cachePoint{Type: "default"}})
	}

	if fields := additionalModelRequestFields(req.Model, req.ReasoningEffort); fields != nil {
		cr.AdditionalModelRequestFields = fields
	}

	return cr, nil
}

// reasoningBudgetTokens maps the OpenAI-style reasoning_effort levels onto a
// concrete thinking-token budget, shared by every family that takes a
// numeric budget rather than a qualitative level.
var reasoningBudgetTokens = map[string]int{
	"minimal": 1024,
	"low":     4096,
	"medium":  8192,
	"high":    24576,
}

// additionalModelRequestFields builds the Bedrock additionalModelRequestFields
// payload that carries vendor-specific reasoning/thinking configuration.
// Anthropic models take Anthropic's extended-thinking block; Nova models take
// Nova's own reasoning_config shape; every other family has no documented
// equivalent and gets none.
func additionalModelRequestFields(model, reasoningEffort string) json.RawMessage {
	if reasoningEffort == "" || reasoningEffort == "none" {
		return nil
	}
	modelLower := strings.ToLower(model)
	budget, ok := reasoningBudgetTokens[reasoningEffort]
	if !ok {
		return nil
	}

	switch {
	case strings.HasPrefix(modelLower, claudeModelPrefix):
		data, _ := json.Marshal(struct {
			Thinking struct {
				Type         string `json:"type"`
				BudgetTokens int    `json:"budget_tokens"`
			} `json:"thinking"`
		}{
			Thinking: struct {
				Type         string `json:"type"`
				BudgetTokens int    `json:"budget_tokens"`
			}{Type: "enabled", BudgetTokens: budget},
		})
		return data
	case strings.HasPrefix(modelLower, novaModelPrefix):
		data, _ := json.Marshal(struct {
			ReasoningConfig struct {
				Type       string `json:"type"`
				MaxTokens  int    `json:"max_tokens"`
			} `json:"reasoningConfig"`
		}{
			ReasoningConfig: struct {
				Type       string `json:"type"`
				MaxTokens  int    `json:"max_tokens"`
			}{Type: "enabled", MaxTokens: budget},
		})
		return data
	default:
		return nil
	}
}

// requestHasCacheControl reports whether any message part in the request
// carries a cache_control hint. Bedrock prompt caching is requested per
// conversation, not per block, so one hint anywhere promotes a trailing
// cachePoint onto the system block and the tool list too, matching the
// breakpoint placement Anthropic/Bedrock recommend (after tools, after
// system, after the most recent cacheable turn).
func requestHasCacheControl(req *providers.ProxyRequest) bool {
	for _, m := range req.Messages {
		for _, part := range m.Parts {
			if part.CacheControl {
				return true
			}
		}
	}
	return false
}

// buildContentBlocks converts one normalized message into Bedrock content
// blocks, expanding multimodal parts and tool calls, and honoring any
// cache_control hint on a part by emitting a trailing cachePoint block —
// the only three sites this repo ever emits a cachePoint: here (per
// content part), in tool array entries, and in system text blocks.
func buildContentBlocks(m providers.Message) []contentBlock {
	if len(m.Parts) == 0 && len(m.ToolCalls) == 0 {
		return []contentBlock{{Text: m.Content}}
	}

	var blocks []contentBlock
	for _, part := range m.Parts {
		if part.Type == "text" || part.Type == "" {
			blocks = append(blocks, contentBlock{Text: part.Text})
		}
		if part.CacheControl {
			blocks = append(blocks, contentBlock{CachePoint: &cachePoint{Type: "default"}})
		}
	}
	if len(blocks) == 0 && m.Content != "" {
		blocks = append(blocks, contentBlock{Text: m.Content})
	}
	for _, tc := range m.ToolCalls {
		blocks = append(blocks, contentBlock{ToolUse: &toolUseBlock{
			ToolUseID: tc.ID,
			Name:      tc.Name,
			Input:     json.RawMessage(tc.Arguments),
		}})
	}
	return blocks
}

// ─── Non-streaming ────────────────────────────────────────────────────────────

func (p *Provider) handleResponse(ctx context.Context, req *providers.ProxyRequest, modelID string) (*providers.ProxyResponse, error) {
	body, err := p.buildConverseRequest(req)
	if err != nil {
		return nil, fmt.Errorf("bedrock: build request: %w", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("bedrock: marshal: %w", err)
	}

	endpoint := p.converseEndpoint(modelID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if err := p.signer.Sign(httpReq, payload, p.credentials()); err != nil {
		return nil, fmt.Errorf("bedrock: sign: %w", err)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.parseError(resp)
	}

	var cr converseResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("bedrock: decode response: %w", err)
	}

	var textBuf strings.Builder
	var reasoningBuf strings.Builder
	var toolCalls []providers.ToolCall
	for _, block := range cr.Output.Message.Content {
		switch {
		case block.Text != "":
			textBuf.WriteString(block.Text)
		case block.ReasoningContent != nil && block.ReasoningContent.ReasoningText != nil:
			reasoningBuf.WriteString(block.ReasoningContent.ReasoningText.Text)
		case block.ToolUse != nil:
			toolCalls = append(toolCalls, providers.ToolCall{
				ID:        block.ToolUse.ToolUseID,
				Name:      block.ToolUse.Name,
				Arguments: string(block.ToolUse.Input),
			})
		}
	}

	return &providers.ProxyResponse{
		ID:           req.RequestID,
		Model:        req.Model,
		Content:      textBuf.String(),
		Reasoning:    reasoningBuf.String(),
		ToolCalls:    toolCalls,
		FinishReason: mapStopReason(cr.StopReason),
		Usage: providers.Usage{
			InputTokens:      cr.Usage.InputTokens,
			OutputTokens:     cr.Usage.OutputTokens,
			CacheReadTokens:  cr.Usage.CacheReadInputTokens,
			CacheWriteTokens: cr.Usage.CacheWriteInputTokens,
		},
	}, nil
}

// mapStopReason translates Bedrock's stopReason vocabulary to the
// OpenAI-compatible finish_reason vocabulary the gateway's outer surface
// speaks.
func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "content_filtered", "guardrail_intervened":
		return "content_filter"
	default:
		return reason
	}
}

// ─── Streaming ────────────────────────────────────────────────────────────────

type streamState struct {
	toolCallIndex  map[string]int // toolUseId -> assigned StreamChunk index
	nextToolIndex  int
	reasoningOpen  bool
}

func (p *Provider) handleStreaming(ctx context.Context, req *providers.ProxyRequest, modelID string) (*providers.ProxyResponse, error) {
	body, err := p.buildConverseRequest(req)
	if err != nil {
		return nil, fmt.Errorf("bedrock: build request: %w", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("bedrock: marshal: %w", err)
	}

	endpoint := p.converseStreamEndpoint(modelID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if err := p.signer.Sign(httpReq, payload, p.credentials()); err != nil {
		return nil, fmt.Errorf("bedrock: sign: %w", err)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, p.parseError(resp)
	}

	ch := make(chan providers.StreamChunk, 64)

	go func() {
		defer resp.Body.Close()
		defer close(ch)

		dec := eventstream.NewDecoder(streamBufferBudget)
		state := &streamState{toolCallIndex: make(map[string]int)}
		buf := make([]byte, 32*1024)

		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				msgs, decErr := dec.Feed(buf[:n])
				if decErr != nil {
					p.log.Warn("bedrock stream decode error", "error", decErr)
					ch <- providers.StreamChunk{FinishReason: "error"}
					return
				}
				for _, msg := range msgs {
					if msg.IsException() {
						p.log.Warn("bedrock stream exception", "type", msg.Headers[":exception-type"])
						ch <- providers.StreamChunk{FinishReason: "error"}
						return
					}
					if chunk, ok := translateStreamMessage(msg, state); ok {
						ch <- chunk
					}
				}
			}
			if readErr != nil {
				if readErr != io.EOF {
					p.log.Warn("bedrock stream read error", "error", readErr)
				}
				return
			}
		}
	}()

	return &providers.ProxyResponse{Stream: ch}, nil
}

type contentBlockDeltaEvent struct {
	ContentBlockIndex int `json:"contentBlockIndex"`
	Delta             struct {
		Text             string            `json:"text"`
		ToolUse          *struct {
			Input string `json:"input"`
		} `json:"toolUse"`
		ReasoningContent *struct {
			Text string `json:"text"`
		} `json:"reasoningContent"`
	} `json:"delta"`
}

type contentBlockStartEvent struct {
	ContentBlockIndex int `json:"contentBlockIndex"`
	Start             struct {
		ToolUse *struct {
			ToolUseID string `json:"toolUseId"`
			Name      string `json:"name"`
		} `json:"toolUse"`
	} `json:"start"`
}

type messageStopEvent struct {
	StopReason string `json:"stopReason"`
}

type metadataEvent struct {
	Usage converseUsage `json:"usage"`
}

// translateStreamMessage converts one decoded event-stream frame into a
// StreamChunk. ok is false for event types that carry no client-visible
// delta (messageStart, contentBlockStop with nothing pending).
func translateStreamMessage(msg eventstream.Message, state *streamState) (providers.StreamChunk, bool) {
	switch msg.EventType() {
	case "contentBlockStart":
		var ev contentBlockStartEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return providers.StreamChunk{}, false
		}
		if ev.Start.ToolUse != nil {
			idx := state.nextToolIndex
			state.nextToolIndex++
			state.toolCallIndex[ev.Start.ToolUse.ToolUseID] = idx
			return providers.StreamChunk{ToolCall: &providers.ToolCallDelta{
				Index: idx,
				ID:    ev.Start.ToolUse.ToolUseID,
				Name:  ev.Start.ToolUse.Name,
			}}, true
		}
		return providers.StreamChunk{}, false

	case "contentBlockDelta":
		var ev contentBlockDeltaEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return providers.StreamChunk{}, false
		}
		switch {
		case ev.Delta.Text != "":
			return providers.StreamChunk{Content: ev.Delta.Text}, true
		case ev.Delta.ToolUse != nil:
			idx := ev.ContentBlockIndex
			return providers.StreamChunk{ToolCall: &providers.ToolCallDelta{
				Index:          idx,
				ArgumentsDelta: ev.Delta.ToolUse.Input,
			}}, true
		case ev.Delta.ReasoningContent != nil:
			return providers.StreamChunk{ReasoningDelta: ev.Delta.ReasoningContent.Text}, true
		}
		return providers.StreamChunk{}, false

	case "messageStop":
		var ev messageStopEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return providers.StreamChunk{}, false
		}
		return providers.StreamChunk{FinishReason: mapStopReason(ev.StopReason)}, true

	case "metadata":
		var ev metadataEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return providers.StreamChunk{}, false
		}
		return providers.StreamChunk{Usage: &providers.Usage{
			InputTokens:      ev.Usage.InputTokens,
			OutputTokens:     ev.Usage.OutputTokens,
			CacheReadTokens:  ev.Usage.CacheReadInputTokens,
			CacheWriteTokens: ev.Usage.CacheWriteInputTokens,
		}}, true

	default:
		return providers.StreamChunk{}, false
	}
}

// ─── Resource caches (inference profiles, foundation models) ─────────────────

type listInferenceProfilesResponse struct {
	InferenceProfileSummaries []struct {
		InferenceProfileID  string `json:"inferenceProfileId"`
		InferenceProfileArn string `json:"inferenceProfileArn"`
		Models              []struct {
			ModelArn string `json:"modelArn"`
		} `json:"models"`
	} `json:"inferenceProfileSummaries"`
}

// resolveModelID looks up whether modelID has a cross-region inference
// profile and, if so, returns the profile ID to invoke instead. IDs that
// already name a profile or an ARN (prefix global, us, eu, ap or arn:) are
// returned unchanged without a lookup. On any fetch failure it logs and
// returns modelID unchanged — inference profiles are an optimization, not a
// correctness requirement, so a failed lookup must never block a request.
func (p *Provider) resolveModelID(ctx context.Context, modelID string) string {
	for _, prefix := range []string{"global", "us", "eu", "ap", "arn:"} {
		if strings.HasPrefix(modelID, prefix) {
			return modelID
		}
	}
	profiles, err := p.inferenceProfiles.GetOrLoad(p.region, resourceCacheTTL, func() (map[string]string, error) {
		return p.fetchInferenceProfiles(ctx)
	})
	if err != nil {
		p.log.Warn("bedrock: inference profile fetch failed, using model id as-is", "model", modelID, "error", err)
		return modelID
	}
	if profileID, ok := profiles[modelID]; ok {
		return profileID
	}
	return modelID
}

func (p *Provider) fetchInferenceProfiles(ctx context.Context) (map[string]string, error) {
	endpoint := p.baseEndpoint("bedrock") + "/inference-profiles"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if err := p.signer.Sign(req, nil, p.credentials()); err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, p.parseError(resp)
	}

	var lr listInferenceProfilesResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return nil, err
	}

	out := make(map[string]string)
	for _, summary := range lr.InferenceProfileSummaries {
		for _, m := range summary.Models {
			modelID := m.ModelArn[strings.LastIndex(m.ModelArn, "/")+1:]
			out[modelID] = summary.InferenceProfileID
		}
	}
	return out, nil
}

type listFoundationModelsResponse struct {
	ModelSummaries []struct {
		ModelID string `json:"modelId"`
	} `json:"modelSummaries"`
}

func (p *Provider) listFoundationModels(ctx context.Context) (map[string]bool, error) {
	return p.foundationModels.GetOrLoad(p.region, resourceCacheTTL, func() (map[string]bool, error) {
		endpoint := p.baseEndpoint("bedrock") + "/foundation-models"
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("bedrock: health check: %w", err)
		}
		if err := p.signer.Sign(req, nil, p.credentials()); err != nil {
			return nil, fmt.Errorf("bedrock: health check sign: %w", err)
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("bedrock: health check: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("bedrock: health check: status %d", resp.StatusCode)
		}

		var lr listFoundationModelsResponse
		if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
			return nil, fmt.Errorf("bedrock: decode health check: %w", err)
		}
		out := make(map[string]bool, len(lr.ModelSummaries))
		for _, m := range lr.ModelSummaries {
			out[m.ModelID] = true
		}
		return out, nil
	})
}

// ListModels implements providers.ModelLister against the cached foundation-
// model catalog, so GET /v1/models reflects what ListFoundationModels
// actually reports for this account/region instead of a hardcoded list.
func (p *Provider) ListModels(ctx context.Context) ([]providers.ModelInfo, error) {
	models, err := p.listFoundationModels(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]providers.ModelInfo, 0, len(models))
	for id := range models {
		out = append(out, providers.ModelInfo{ID: id, Object: "model", OwnedBy: providerName})
	}
	return out, nil
}

// ─── Endpoints ───────────────────────────────────────────────────────────────

// baseEndpoint returns the root URL for a given Bedrock sub-service.
// When endpointURL is set (e.g. for testing), it is used for all services.
func (p *Provider) baseEndpoint(subservice string) string {
	if p.endpointURL != "" {
		return strings.TrimRight(p.endpointURL, "/")
	}
	return fmt.Sprintf("https://%s.%s.amazonaws.com", subservice, p.region)
}

func (p *Provider) converseEndpoint(modelID string) string {
	if p.endpointURL != "" {
		return fmt.Sprintf("%s/model/%s/converse", strings.TrimRight(p.endpointURL, "/"), modelID)
	}
	return fmt.Sprintf(
		"https://bedrock-runtime.%s.amazonaws.com/model/%s/converse",
		p.region, modelID,
	)
}

func (p *Provider) converseStreamEndpoint(modelID string) string {
	if p.endpointURL != "" {
		return fmt.Sprintf("%s/model/%s/converse-stream", strings.TrimRight(p.endpointURL, "/"), modelID)
	}
	return fmt.Sprintf(
		"https://bedrock-runtime.%s.amazonaws.com/model/%s/converse-stream",
		p.region, modelID,
	)
}

// ─── Error handling ───────────────────────────────────────────────────────────

type bedrockError struct {
	Message string `json:"message"`
	Type    string `json:"__type"`
}

// ProviderError is a structured error returned by the Bedrock API.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("bedrock: %s (status=%d)", e.Message, e.StatusCode)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func (p *Provider) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var be bedrockError
	if json.Unmarshal(body, &be) == nil && be.Message != "" {
		return &ProviderError{StatusCode: resp.StatusCode, Message: be.Message}
	}

	return &ProviderError{
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("unexpected status %d", resp.StatusCode),
	}
}
