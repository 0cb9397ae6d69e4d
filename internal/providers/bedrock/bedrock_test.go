package bedrock

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ScriptSmith/hadrian-sub010/internal/providers"
)

func newTestProvider(srv *httptest.Server) *Provider {
	return New("AKIDEXAMPLE", "secret", "us-east-1", WithEndpointURL(srv.URL))
}

func baseRequest() *providers.ProxyRequest {
	return &providers.ProxyRequest{
		Model:     "anthropic.claude-3-5-sonnet-20241022-v2:0",
		Messages:  []providers.Message{{Role: "user", Content: "Hello"}},
		RequestID: "req-mock-1",
	}
}

func TestProvider_Name(t *testing.T) {
	p := New("ak", "sk", "us-east-1")
	if p.Name() != "bedrock" {
		t.Fatalf("expected 'bedrock', got %q", p.Name())
	}
}

func TestProvider_Request_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/inference-profiles") {
			_ = json.NewEncoder(w).Encode(listInferenceProfilesResponse{})
			return
		}
		if !strings.HasSuffix(r.URL.Path, "/converse") {
			t.Errorf("expected a /converse path, got %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") == "" {
			t.Errorf("expected a SigV4 Authorization header")
		}

		resp := converseResponse{
			Output:     converseOutput{Message: converseMessage{Role: "assistant", Content: []contentBlock{{Text: "Hello, world!"}}}},
			StopReason: "end_turn",
			Usage:      converseUsage{InputTokens: 10, OutputTokens: 5},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	resp, err := p.Request(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "Hello, world!" {
		t.Errorf("expected content 'Hello, world!', got %q", resp.Content)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("expected mapped finish reason 'stop', got %q", resp.FinishReason)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
}

func TestProvider_Request_ToolUse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/inference-profiles") {
			_ = json.NewEncoder(w).Encode(listInferenceProfilesResponse{})
			return
		}
		var body converseRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.ToolConfig == nil || len(body.ToolConfig.Tools) != 1 {
			t.Errorf("expected one tool in toolConfig, got %+v", body.ToolConfig)
		}

		resp := converseResponse{
			Output: converseOutput{Message: converseMessage{Role: "assistant", Content: []contentBlock{
				{ToolUse: &toolUseBlock{ToolUseID: "tool-1", Name: "get_weather", Input: json.RawMessage(`{"city":"nyc"}`)}},
			}}},
			StopReason: "tool_use",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	req := baseRequest()
	req.Tools = []providers.ToolDefinition{{Name: "get_weather", Description: "fetch weather", Parameters: json.RawMessage(`{"type":"object"}`)}}

	p := newTestProvider(srv)
	resp, err := p.Request(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("expected finish reason 'tool_calls', got %q", resp.FinishReason)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "get_weather" {
		t.Fatalf("unexpected tool calls: %+v", resp.ToolCalls)
	}
}

func TestBuildConverseRequest_CacheControlAddsThreeSites(t *testing.T) {
	req := &providers.ProxyRequest{
		Model: "anthropic.claude-3-5-sonnet-20241022-v2:0",
		Messages: []providers.Message{
			{Role: "system", Content: "be concise"},
			{Role: "user", Parts: []providers.ContentPart{{Type: "text", Text: "Hello", CacheControl: true}}},
		},
		Tools: []providers.ToolDefinition{{Name: "get_weather", Parameters: json.RawMessage(`{"type":"object"}`)}},
	}

	p := New("ak", "sk", "us-east-1")
	body, err := p.buildConverseRequest(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(body.System) != 2 || body.System[1].CachePoint == nil {
		t.Fatalf("expected a trailing system cachePoint, got %+v", body.System)
	}

	if body.ToolConfig == nil || len(body.ToolConfig.Tools) != 2 || body.ToolConfig.Tools[1].CachePoint == nil {
		t.Fatalf("expected a trailing tool cachePoint, got %+v", body.ToolConfig)
	}

	userMsg := body.Messages[0]
	foundContentCachePoint := false
	for _, block := range userMsg.Content {
		if block.CachePoint != nil {
			foundContentCachePoint = true
		}
	}
	if !foundContentCachePoint {
		t.Fatalf("expected a content-block cachePoint, got %+v", userMsg.Content)
	}
}

func TestBuildConverseRequest_ReasoningEffortClaude(t *testing.T) {
	req := &providers.ProxyRequest{
		Model:           "anthropic.claude-3-5-sonnet-20241022-v2:0",
		Messages:        []providers.Message{{Role: "user", Content: "Hello"}},
		ReasoningEffort: "medium",
	}

	p := New("ak", "sk", "us-east-1")
	body, err := p.buildConverseRequest(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if body.AdditionalModelRequestFields == nil {
		t.Fatal("expected additionalModelRequestFields to be populated")
	}

	var fields struct {
		Thinking struct {
			Type         string `json:"type"`
			BudgetTokens int    `json:"budget_tokens"`
		} `json:"thinking"`
	}
	if err := json.Unmarshal(body.AdditionalModelRequestFields, &fields); err != nil {
		t.Fatalf("failed to unmarshal additionalModelRequestFields: %v", err)
	}
	if fields.Thinking.Type != "enabled" || fields.Thinking.BudgetTokens != 8192 {
		t.Errorf("unexpected thinking config: %+v", fields.Thinking)
	}
}

func TestBuildConverseRequest_ReasoningEffortUnsupportedFamily(t *testing.T) {
	req := &providers.ProxyRequest{
		Model:           "meta.llama3-70b-instruct-v1:0",
		Messages:        []providers.Message{{Role: "user", Content: "Hello"}},
		ReasoningEffort: "high",
	}

	p := New("ak", "sk", "us-east-1")
	body, err := p.buildConverseRequest(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if body.AdditionalModelRequestFields != nil {
		t.Errorf("expected no additionalModelRequestFields for an unsupported family, got %s", body.AdditionalModelRequestFields)
	}
}

func TestMapStopReason_GuardrailIntervened(t *testing.T) {
	if got := mapStopReason("guardrail_intervened"); got != "content_filter" {
		t.Errorf("expected 'content_filter', got %q", got)
	}
}

func TestProvider_ListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := listFoundationModelsResponse{ModelSummaries: []struct {
			ModelID string `json:"modelId"`
		}{{ModelID: "anthropic.claude-3-5-sonnet-20241022-v2:0"}}}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	models, err := p.ListModels(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(models) != 1 || models[0].ID != "anthropic.claude-3-5-sonnet-20241022-v2:0" {
		t.Fatalf("unexpected models: %+v", models)
	}
}

func TestProvider_Request_Streaming(t *testing.T) {
	frames := [][]byte{
		encodeFrame(t, map[string]string{":event-type": "contentBlockDelta"}, mustJSON(t, map[string]any{
			"delta": map[string]any{"text": "Hi"},
		})),
		encodeFrame(t, map[string]string{":event-type": "messageStop"}, mustJSON(t, map[string]any{
			"stopReason": "end_turn",
		})),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for _, f := range frames {
			_, _ = w.Write(f)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	defer srv.Close()

	req := baseRequest()
	req.Stream = true

	p := newTestProvider(srv)
	resp, err := p.Request(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Stream == nil {
		t.Fatal("expected non-nil Stream channel")
	}

	var content, finish string
	for chunk := range resp.Stream {
		content += chunk.Content
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}
	if content != "Hi" {
		t.Errorf("expected content 'Hi', got %q", content)
	}
	if finish != "stop" {
		t.Errorf("expected finish reason 'stop', got %q", finish)
	}
}

func TestProvider_Request_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{"message": "rate exceeded", "__type": "ThrottlingException"})
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	_, err := p.Request(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected error for 429, got nil")
	}
	provErr, ok := err.(*ProviderError)
	if !ok {
		t.Fatalf("expected *ProviderError, got %T: %v", err, err)
	}
	if provErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", provErr.StatusCode)
	}
}

func TestProvider_ResolveModelID_FallsBackOnFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	got := p.resolveModelID(context.Background(), "anthropic.claude-3-5-sonnet-20241022-v2:0")
	if got != "anthropic.claude-3-5-sonnet-20241022-v2:0" {
		t.Errorf("expected model id unchanged on fetch failure, got %q", got)
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

// encodeFrame builds one valid AWS event-stream wire frame, mirroring the
// framing used by the eventstream package's own tests.
func encodeFrame(t *testing.T, headers map[string]string, payload []byte) []byte {
	t.Helper()

	var hb bytes.Buffer
	for name, value := range headers {
		hb.WriteByte(byte(len(name)))
		hb.WriteString(name)
		hb.WriteByte(7) // string type
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(value)))
		hb.Write(lenBuf[:])
		hb.WriteString(value)
	}

	totalLen := uint32(16 + hb.Len() + len(payload))

	var out bytes.Buffer
	var prelude [8]byte
	binary.BigEndian.PutUint32(prelude[0:4], totalLen)
	binary.BigEndian.PutUint32(prelude[4:8], uint32(hb.Len()))
	out.Write(prelude[:])

	var preludeCRC [4]byte
	binary.BigEndian.PutUint32(preludeCRC[:], crc32.ChecksumIEEE(prelude[:]))
	out.Write(preludeCRC[:])

	out.Write(hb.Bytes())
	out.Write(payload)

	var msgCRC [4]byte
	binary.BigEndian.PutUint32(msgCRC[:], crc32.ChecksumIEEE(out.Bytes()))
	out.Write(msgCRC[:])

	return out.Bytes()
}
