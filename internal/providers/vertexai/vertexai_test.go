package vertexai

import (
	"encoding/json"
	"testing"

	"google.golang.org/genai"

	"github.com/ScriptSmith/hadrian-sub010/internal/providers"
)

func TestGeminiGeneration(t *testing.T) {
	cases := map[string]int{
		"gemini-3-pro":     3,
		"gemini-3-flash":   3,
		"gemini-2.5-pro":   25,
		"gemini-2.5-flash": 25,
		"gemini-2.0-flash": 0,
		"claude-3-5":       0,
	}
	for model, want := range cases {
		if got := geminiGeneration(model); got != want {
			t.Errorf("geminiGeneration(%q) = %d, want %d", model, got, want)
		}
	}
}

func TestThinkingConfig_Gemini3UsesThinkingLevel(t *testing.T) {
	tc := thinkingConfig("gemini-3-pro", "high")
	if tc == nil {
		t.Fatal("expected non-nil ThinkingConfig")
	}
	if string(tc.ThinkingLevel) != "high" {
		t.Errorf("expected thinking_level 'high', got %q", tc.ThinkingLevel)
	}
}

func TestThinkingConfig_Gemini25UsesBudget(t *testing.T) {
	tc := thinkingConfig("gemini-2.5-flash", "high")
	if tc == nil || tc.ThinkingBudget == nil {
		t.Fatal("expected a non-nil thinking budget")
	}
	if *tc.ThinkingBudget != -1 {
		t.Errorf("expected dynamic budget -1 for 'high', got %d", *tc.ThinkingBudget)
	}

	tc = thinkingConfig("gemini-2.5-flash", "minimal")
	if tc == nil || tc.ThinkingBudget == nil || *tc.ThinkingBudget != 1024 {
		t.Fatalf("expected budget 1024 for 'minimal', got %+v", tc)
	}
}

func TestThinkingConfig_UnsupportedGenerationReturnsNil(t *testing.T) {
	if tc := thinkingConfig("gemini-2.0-flash", "high"); tc != nil {
		t.Errorf("expected nil ThinkingConfig for gemini-2.0, got %+v", tc)
	}
	if tc := thinkingConfig("gemini-3-pro", ""); tc != nil {
		t.Errorf("expected nil ThinkingConfig when reasoning_effort is empty, got %+v", tc)
	}
}

func TestBuildToolConfig(t *testing.T) {
	if cfg := buildToolConfig("none"); cfg.FunctionCallingConfig.Mode != genai.FunctionCallingConfigModeNone {
		t.Errorf("expected mode None for 'none', got %v", cfg.FunctionCallingConfig.Mode)
	}
	if cfg := buildToolConfig("required"); cfg.FunctionCallingConfig.Mode != genai.FunctionCallingConfigModeAny {
		t.Errorf("expected mode Any for 'required', got %v", cfg.FunctionCallingConfig.Mode)
	}
	if cfg := buildToolConfig(""); cfg.FunctionCallingConfig.Mode != genai.FunctionCallingConfigModeAuto {
		t.Errorf("expected mode Auto for '', got %v", cfg.FunctionCallingConfig.Mode)
	}
	cfg := buildToolConfig("get_weather")
	if cfg.FunctionCallingConfig.Mode != genai.FunctionCallingConfigModeAny {
		t.Errorf("expected mode Any for a named tool, got %v", cfg.FunctionCallingConfig.Mode)
	}
	if len(cfg.FunctionCallingConfig.AllowedFunctionNames) != 1 || cfg.FunctionCallingConfig.AllowedFunctionNames[0] != "get_weather" {
		t.Errorf("expected allowed function names to be ['get_weather'], got %v", cfg.FunctionCallingConfig.AllowedFunctionNames)
	}
}

func TestMapFinishReason(t *testing.T) {
	cases := []struct {
		reason      string
		hasToolCall bool
		want        string
	}{
		{"STOP", false, "stop"},
		{"STOP", true, "tool_calls"},
		{"MAX_TOKENS", false, "length"},
		{"SAFETY", false, "content_filter"},
		{"PROHIBITED_CONTENT", false, "content_filter"},
		{"RECITATION", false, "stop"},
		{"", false, "stop"},
	}
	for _, c := range cases {
		if got := mapFinishReason(c.reason, c.hasToolCall); got != c.want {
			t.Errorf("mapFinishReason(%q, %v) = %q, want %q", c.reason, c.hasToolCall, got, c.want)
		}
	}
}

func TestBuildContentsAndConfig_ToolsAndMultimodal(t *testing.T) {
	req := &providers.ProxyRequest{
		Model: "gemini-2.5-pro",
		Messages: []providers.Message{
			{Role: "system", Content: "be concise"},
			{Role: "user", Parts: []providers.ContentPart{
				{Type: "text", Text: "what is this?"},
				{Type: "image_url", ImageURL: "https://example.com/cat.png"},
			}},
		},
		Tools:      []providers.ToolDefinition{{Name: "get_weather", Description: "fetch weather", Parameters: json.RawMessage(`{"type":"object"}`)}},
		ToolChoice: "auto",
	}

	contents, cfg := buildContentsAndConfig(req)

	if len(contents) != 1 {
		t.Fatalf("expected 1 content (system goes to cfg), got %d", len(contents))
	}
	if len(contents[0].Parts) != 2 {
		t.Fatalf("expected 2 parts (text + image), got %d", len(contents[0].Parts))
	}
	if contents[0].Parts[1].FileData == nil || contents[0].Parts[1].FileData.FileURI != "https://example.com/cat.png" {
		t.Errorf("expected a FileData part for the image url, got %+v", contents[0].Parts[1])
	}

	if cfg == nil {
		t.Fatal("expected non-nil config")
	}
	if cfg.SystemInstruction == nil || cfg.SystemInstruction.Parts[0].Text != "be concise" {
		t.Errorf("expected system instruction to carry the system message")
	}
	if len(cfg.Tools) != 1 || len(cfg.Tools[0].FunctionDeclarations) != 1 {
		t.Fatalf("expected one tool with one function declaration, got %+v", cfg.Tools)
	}
	if cfg.Tools[0].FunctionDeclarations[0].Name != "get_weather" {
		t.Errorf("expected function name 'get_weather', got %q", cfg.Tools[0].FunctionDeclarations[0].Name)
	}
	if cfg.ToolConfig == nil || cfg.ToolConfig.FunctionCallingConfig.Mode != genai.FunctionCallingConfigModeAuto {
		t.Errorf("expected auto tool config, got %+v", cfg.ToolConfig)
	}
}

func TestImagePart_DataURIDecodesInline(t *testing.T) {
	p := imagePart("data:image/png;base64,aGVsbG8=")
	if p.InlineData == nil {
		t.Fatal("expected InlineData for a data URI")
	}
	if p.InlineData.MIMEType != "image/png" {
		t.Errorf("expected mime type 'image/png', got %q", p.InlineData.MIMEType)
	}
	if string(p.InlineData.Data) != "hello" {
		t.Errorf("expected decoded data 'hello', got %q", p.InlineData.Data)
	}
}

func TestCandidateToolCalls(t *testing.T) {
	c := &genai.Candidate{
		Content: &genai.Content{
			Parts: []*genai.Part{
				{FunctionCall: &genai.FunctionCall{ID: "call-1", Name: "get_weather", Args: map[string]any{"city": "nyc"}}},
			},
		},
	}
	calls := candidateToolCalls(c)
	if len(calls) != 1 || calls[0].Name != "get_weather" || calls[0].ID != "call-1" {
		t.Fatalf("unexpected tool calls: %+v", calls)
	}
	var args map[string]string
	if err := json.Unmarshal([]byte(calls[0].Arguments), &args); err != nil {
		t.Fatalf("failed to decode arguments: %v", err)
	}
	if args["city"] != "nyc" {
		t.Errorf("expected city 'nyc', got %q", args["city"])
	}
}

func TestProvider_ListModels(t *testing.T) {
	p := &Provider{}
	models, err := p.ListModels(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(models) == 0 {
		t.Fatal("expected a non-empty curated model list")
	}
	for _, m := range models {
		if m.OwnedBy != providerName {
			t.Errorf("expected owned_by %q, got %q", providerName, m.OwnedBy)
		}
	}
}
