// Package vertexai implements the providers.Provider interface for Google Vertex AI.
// It uses the same google.golang.org/genai SDK as the Gemini provider but
// connects to Vertex AI using Application Default Credentials instead of an API key.
//
// Required configuration:
//   - VERTEX_PROJECT  — Google Cloud project ID
//   - VERTEX_LOCATION — region, e.g. "us-central1" (default)
//
// Authentication is handled via ADC:
//   - GOOGLE_APPLICATION_CREDENTIALS pointing to a service account key file, or
//   - Workload Identity / GCE metadata server when running on GCP.
package vertexai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"

	"google.golang.org/genai"

	"github.com/ScriptSmith/hadrian-sub010/internal/providers"
)

const (
	defaultLocation = "us-central1"
	providerName    = "vertexai"
)

// curatedModels is the fixed catalog ListModels reports. Vertex has no
// lightweight list-models endpoint scoped to generally-available chat
// models, so — like the rest of this provider's capability surface — the
// catalog is curated rather than fetched live.
var curatedModels = []string{
	"gemini-3-pro",
	"gemini-3-flash",
	"gemini-2.5-pro",
	"gemini-2.5-flash",
	"gemini-2.0-flash",
}

// Provider implements providers.Provider for Google Vertex AI.
type Provider struct {
	project  string
	location string
	client   *genai.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithLocation overrides the default Vertex AI region.
func WithLocation(loc string) Option {
	return func(p *Provider) { p.location = loc }
}

// New creates a new Vertex AI Provider.
// Auth is resolved via Application Default Credentials — no API key needed.
func New(ctx context.Context, project string, opts ...Option) (*Provider, error) {
	p := &Provider{
		project:  project,
		location: defaultLocation,
	}
	for _, o := range opts {
		o(p)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  p.project,
		Location: p.location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, fmt.Errorf("vertexai: create client: %w", err)
	}

	p.client = client
	return p, nil
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return fmt.Errorf("vertexai: health check: %w", toProviderError(err))
	}
	return nil
}

// ListModels implements providers.ModelLister against a fixed curated set,
// since Vertex AI has no endpoint that cheaply enumerates just the
// generally-available chat models for a project/location pair.
func (p *Provider) ListModels(_ context.Context) ([]providers.ModelInfo, error) {
	out := make([]providers.ModelInfo, len(curatedModels))
	for i, id := range curatedModels {
		out[i] = providers.ModelInfo{ID: id, Object: "model", OwnedBy: providerName}
	}
	return out, nil
}

func (p *Provider) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	contents, cfg := buildContentsAndConfig(req)

	if req.Stream {
		return p.handleStreaming(ctx, req.Model, contents, cfg)
	}
	return p.handleResponse(ctx, req, contents, cfg)
}

// buildContentsAndConfig translates a normalized ProxyRequest into genai's
// Content/GenerateContentConfig shape, expanding multimodal parts, tool
// declarations/tool_choice, and reasoning-effort thinking configuration.
func buildContentsAndConfig(req *providers.ProxyRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		case "tool":
			contents = append(contents, functionResponseContent(m))
		case "assistant", "model":
			contents = append(contents, assistantContent(m))
		default:
			contents = append(contents, userContent(m))
		}
	}

	cfg := &genai.GenerateContentConfig{}
	hasCfg := false

	if systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: systemPrompt}}}
		hasCfg = true
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr[float32](float32(req.Temperature))
		hasCfg = true
	}
	if req.TopP > 0 {
		cfg.TopP = genai.Ptr[float32](float32(req.TopP))
		hasCfg = true
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
		hasCfg = true
	}

	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 t.Name,
				Description:          t.Description,
				ParametersJsonSchema: t.Parameters,
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
		cfg.ToolConfig = buildToolConfig(req.ToolChoice)
		hasCfg = true
	}

	if tc := thinkingConfig(req.Model, req.ReasoningEffort); tc != nil {
		cfg.ThinkingConfig = tc
		hasCfg = true
	}

	if !hasCfg {
		return contents, nil
	}
	return contents, cfg
}

// buildToolConfig maps the OpenAI tool_choice vocabulary onto genai's
// FunctionCallingConfig modes. "none" forces the model to answer in plain
// text; "required" forces a call; a named tool restricts the call to it;
// "auto"/"" leaves the decision to the model.
func buildToolConfig(toolChoice string) *genai.ToolConfig {
	switch toolChoice {
	case "none":
		return &genai.ToolConfig{FunctionCallingConfig: &genai.FunctionCallingConfig{
			Mode: genai.FunctionCallingConfigModeNone,
		}}
	case "required":
		return &genai.ToolConfig{FunctionCallingConfig: &genai.FunctionCallingConfig{
			Mode: genai.FunctionCallingConfigModeAny,
		}}
	case "", "auto":
		return &genai.ToolConfig{FunctionCallingConfig: &genai.FunctionCallingConfig{
			Mode: genai.FunctionCallingConfigModeAuto,
		}}
	default:
		return &genai.ToolConfig{FunctionCallingConfig: &genai.FunctionCallingConfig{
			Mode:                 genai.FunctionCallingConfigModeAny,
			AllowedFunctionNames: []string{toolChoice},
		}}
	}
}

// reasoningBudgetTokens maps reasoning_effort onto a Gemini 2.5 thinking
// token budget. -1 requests dynamic thinking (the model decides its own
// budget), matching what Google documents for the "high" tier.
var reasoningBudgetTokens = map[string]int32{
	"none":    0,
	"minimal": 1024,
	"low":     4096,
	"medium":  8192,
	"high":    -1,
}

// reasoningThinkingLevel maps reasoning_effort onto Gemini 3's qualitative
// thinking_level parameter.
var reasoningThinkingLevel = map[string]string{
	"minimal": "minimal",
	"low":     "low",
	"medium":  "medium",
	"high":    "high",
}

// thinkingConfig builds the ThinkingConfig for a reasoning-effort request.
// Gemini 3 and later take a qualitative thinking_level; Gemini 2.5 takes a
// numeric thinking_budget. Everything else (2.0 and earlier) has no
// thinking mode and gets nil.
func thinkingConfig(model, reasoningEffort string) *genai.ThinkingConfig {
	if reasoningEffort == "" {
		return nil
	}
	switch geminiGeneration(model) {
	case 3:
		level, ok := reasoningThinkingLevel[reasoningEffort]
		if !ok {
			return nil
		}
		return &genai.ThinkingConfig{ThinkingLevel: genai.ThinkingLevel(level)}
	case 25:
		budget, ok := reasoningBudgetTokens[reasoningEffort]
		if !ok {
			return nil
		}
		return &genai.ThinkingConfig{ThinkingBudget: genai.Ptr(budget)}
	default:
		return nil
	}
}

// geminiGeneration extracts the major generation from a model name like
// "gemini-3-pro" or "gemini-2.5-flash", returning 3 or 25 (2.5 scaled by
// ten to stay an integer); 0 if it can't tell, which falls through to "no
// thinking support."
func geminiGeneration(model string) int {
	model = strings.ToLower(model)
	if !strings.HasPrefix(model, "gemini-") {
		return 0
	}
	rest := strings.TrimPrefix(model, "gemini-")
	parts := strings.SplitN(rest, "-", 2)
	if len(parts) == 0 {
		return 0
	}
	version := parts[0]
	if strings.HasPrefix(version, "3") {
		return 3
	}
	if strings.HasPrefix(version, "2.5") {
		return 25
	}
	return 0
}

// userContent converts a user message into a genai Content, expanding
// multimodal parts (text and image_url, with an inline cache_control hint
// ignored — Vertex has no per-part cache breakpoint API).
func userContent(m providers.Message) *genai.Content {
	if len(m.Parts) == 0 {
		return genai.NewContentFromText(m.Content, genai.RoleUser)
	}
	parts := make([]*genai.Part, 0, len(m.Parts))
	for _, cp := range m.Parts {
		switch cp.Type {
		case "image_url":
			parts = append(parts, imagePart(cp.ImageURL))
		default:
			if cp.Text != "" {
				parts = append(parts, &genai.Part{Text: cp.Text})
			}
		}
	}
	return &genai.Content{Role: genai.RoleUser, Parts: parts}
}

// imagePart converts an OpenAI image_url value into a genai Part. Data URIs
// are decoded into inline bytes; anything else is passed through as a file
// reference (Vertex resolves gs:// and public https:// URIs this way).
func imagePart(url string) *genai.Part {
	if mime, data, ok := strings.Cut(url, ";base64,"); ok && strings.HasPrefix(mime, "data:") {
		mimeType := strings.TrimPrefix(mime, "data:")
		raw, err := base64.StdEncoding.DecodeString(data)
		if err == nil {
			return &genai.Part{InlineData: &genai.Blob{MIMEType: mimeType, Data: raw}}
		}
	}
	return &genai.Part{FileData: &genai.FileData{FileURI: url}}
}

// assistantContent converts an assistant message, including any tool calls,
// into a genai model-role Content.
func assistantContent(m providers.Message) *genai.Content {
	parts := make([]*genai.Part, 0, 1+len(m.ToolCalls))
	if m.Content != "" {
		parts = append(parts, &genai.Part{Text: m.Content})
	}
	for _, tc := range m.ToolCalls {
		var args map[string]any
		_ = json.Unmarshal([]byte(tc.Arguments), &args)
		parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
			ID:   tc.ID,
			Name: tc.Name,
			Args: args,
		}})
	}
	return &genai.Content{Role: genai.RoleModel, Parts: parts}
}

// functionResponseContent converts a tool-result message back into the
// FunctionResponse part format Gemini expects as a "user-role" follow-up.
func functionResponseContent(m providers.Message) *genai.Content {
	var response map[string]any
	if err := json.Unmarshal([]byte(m.Content), &response); err != nil {
		response = map[string]any{"result": m.Content}
	}
	return &genai.Content{
		Role: genai.RoleUser,
		Parts: []*genai.Part{{
			FunctionResponse: &genai.FunctionResponse{ID: m.ToolCallID, Response: response},
		}},
	}
}

func (p *Provider) handleResponse(
	ctx context.Context,
	req *providers.ProxyRequest,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*providers.ProxyResponse, error) {
	resp, err := p.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, toProviderError(err)
	}

	id := req.RequestID
	if id == "" {
		if resp != nil && resp.ResponseID != "" {
			id = resp.ResponseID
		} else {
			id = generateID()
		}
	}

	out := ""
	var toolCalls []providers.ToolCall
	finishReason := ""
	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		c := resp.Candidates[0]
		out = firstCandidateText(c)
		toolCalls = candidateToolCalls(c)
		finishReason = mapFinishReason(string(c.FinishReason), len(toolCalls) > 0)
	}

	var inTok, outTok, cacheTok int
	if resp != nil && resp.UsageMetadata != nil {
		inTok = int(resp.UsageMetadata.PromptTokenCount)
		outTok = int(resp.UsageMetadata.CandidatesTokenCount)
		cacheTok = int(resp.UsageMetadata.CachedContentTokenCount)
	}

	return &providers.ProxyResponse{
		ID:           id,
		Model:        req.Model,
		Content:      out,
		ToolCalls:    toolCalls,
		FinishReason: finishReason,
		Usage: providers.Usage{
			InputTokens:     inTok,
			OutputTokens:    outTok,
			CacheReadTokens: cacheTok,
		},
	}, nil
}

func (p *Provider) handleStreaming(
	ctx context.Context,
	model string,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*providers.ProxyResponse, error) {
	ch := make(chan providers.StreamChunk, 64)

	go func() {
		defer close(ch)

		sawToolCall := false
		toolIndex := 0

		for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				ch <- providers.StreamChunk{
					Content:      fmt.Sprintf("[stream error] %v", err),
					FinishReason: "error",
				}
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}

			c := resp.Candidates[0]
			if c.Content != nil {
				for _, part := range c.Content.Parts {
					if part == nil {
						continue
					}
					switch {
					case part.FunctionCall != nil:
						sawToolCall = true
						args, _ := json.Marshal(part.FunctionCall.Args)
						ch <- providers.StreamChunk{ToolCall: &providers.ToolCallDelta{
							Index:          toolIndex,
							ID:             part.FunctionCall.ID,
							Name:           part.FunctionCall.Name,
							ArgumentsDelta: string(args),
						}}
						toolIndex++
					case part.Thought:
						if part.Text != "" {
							ch <- providers.StreamChunk{ReasoningDelta: part.Text}
						}
					case part.Text != "":
						ch <- providers.StreamChunk{Content: part.Text}
					}
				}
			}

			if c.FinishReason != "" {
				chunk := providers.StreamChunk{FinishReason: mapFinishReason(string(c.FinishReason), sawToolCall)}
				if resp.UsageMetadata != nil {
					chunk.Usage = &providers.Usage{
						InputTokens:     int(resp.UsageMetadata.PromptTokenCount),
						OutputTokens:    int(resp.UsageMetadata.CandidatesTokenCount),
						CacheReadTokens: int(resp.UsageMetadata.CachedContentTokenCount),
					}
				}
				ch <- chunk
			}
		}
	}()

	return &providers.ProxyResponse{Stream: ch}, nil
}

// mapFinishReason translates Gemini's FinishReason vocabulary to the
// OpenAI-compatible finish_reason vocabulary. A STOP candidate that actually
// carried a function call is rewritten to tool_calls, matching how the rest
// of the OpenAI-compatible vocabulary signals a pending tool turn.
func mapFinishReason(reason string, hasToolCall bool) string {
	switch reason {
	case "STOP":
		if hasToolCall {
			return "tool_calls"
		}
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "PROHIBITED_CONTENT", "BLOCKLIST", "SPII":
		return "content_filter"
	case "RECITATION", "OTHER", "FINISH_REASON_UNSPECIFIED", "":
		return "stop"
	default:
		return "stop"
	}
}

// candidateToolCalls extracts every FunctionCall part of a candidate into
// the normalized ToolCall shape, JSON-encoding the Args map back into the
// string form ProxyResponse carries.
func candidateToolCalls(c *genai.Candidate) []providers.ToolCall {
	if c == nil || c.Content == nil {
		return nil
	}
	var calls []providers.ToolCall
	for _, part := range c.Content.Parts {
		if part == nil || part.FunctionCall == nil {
			continue
		}
		args, _ := json.Marshal(part.FunctionCall.Args)
		calls = append(calls, providers.ToolCall{
			ID:        part.FunctionCall.ID,
			Name:      part.FunctionCall.Name,
			Arguments: string(args),
		})
	}
	return calls
}

func firstCandidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" && !p.Thought {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func generateID() string {
	return fmt.Sprintf("vertexai-%x", rand.Int63())
}

// ProviderError wraps a Vertex AI API error.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("vertexai: %s (status=%d)", e.Message, e.StatusCode)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
		}
	}
	return err
}
