package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// collect drains ch and returns the concatenated text and the terminal event.
func collect(t *testing.T, ch <-chan Event) (string, Event) {
	t.Helper()
	var b strings.Builder
	var last Event
	for ev := range ch {
		switch ev.Type {
		case EventTextDelta:
			b.WriteString(ev.TextDelta)
		default:
			last = ev
		}
	}
	return b.String(), last
}

// --- Provider metadata ---

func TestOpenAIProvider_NameDetection(t *testing.T) {
	tests := []struct {
		baseURL  string
		expected string
	}{
		{"", "openai"},
		{"https://api.deepseek.com/v1", "deepseek"},
		{"https://generativelanguage.googleapis.com/v1beta/openai/", "gemini-openai"},
		{"https://api.moonshot.cn/v1", "kimi"},
		{"https://dashscope.aliyuncs.com/v1", "qwen"},
		{"https://api.groq.com/openai/v1", "groq"},
		{"http://localhost:11434/v1", "local"},
		{"https://custom.api.com/v1", "openai"},
	}
	for _, tt := range tests {
		p := NewOpenAIProvider("test-key", tt.baseURL, "test-model")
		if p.Name() != tt.expected {
			t.Errorf("baseURL=%q: expected name %q, got %q", tt.baseURL, tt.expected, p.Name())
		}
	}
}

func TestProviderDefaults(t *testing.T) {
	if got := NewOpenAIProvider("k", "", "").DefaultModel(); got != "gpt-4o-mini" {
		t.Errorf("openai default model = %q", got)
	}
	a := NewAnthropicProvider("k", "", "")
	if a.Name() != "anthropic" || a.DefaultModel() != "claude-sonnet-4-20250514" {
		t.Errorf("anthropic metadata = %q/%q", a.Name(), a.DefaultModel())
	}
	g, err := NewGeminiProvider(context.Background(), "k", "", "")
	if err != nil {
		t.Fatalf("NewGeminiProvider: %v", err)
	}
	if g.Name() != "gemini" || g.DefaultModel() != "gemini-2.5-flash" {
		t.Errorf("gemini metadata = %q/%q", g.Name(), g.DefaultModel())
	}
	if _, err := NewGeminiProvider(context.Background(), "", "", ""); err == nil {
		t.Error("expected error for missing gemini key")
	}
}

func TestEventTypeString(t *testing.T) {
	if EventTextDelta.String() != "text_delta" || EventDone.String() != "done" || EventError.String() != "error" {
		t.Error("EventType.String mismatch")
	}
}

// --- Prompt construction ---

func TestBuildPrompt(t *testing.T) {
	if got := BuildPrompt("What is ARP?", ""); got != "What is ARP?" {
		t.Errorf("BuildPrompt without document = %q", got)
	}

	got := BuildPrompt("What is ARP?", "\n[Page 1]\nARP maps IP to MAC\n")
	want := "Based on the content of the following document, please answer the user's question. " +
		"If the document doesn't contain the answer, say that you cannot find the answer in the document.\n\n" +
		"--- DOCUMENT CONTENT START ---\n" +
		"\n[Page 1]\nARP maps IP to MAC\n" +
		"\n--- DOCUMENT CONTENT END ---\n\n" +
		"USER QUESTION:\nWhat is ARP?\n"
	if got != want {
		t.Errorf("BuildPrompt =\n%q\nwant\n%q", got, want)
	}
}

func TestSystemInstruction(t *testing.T) {
	tests := []struct {
		name    string
		hasDoc  bool
		persona string
		want    string
	}{
		{"document mode ignores persona", true, "custom", DocumentSystemInstruction},
		{"custom persona", false, "Be brief.", "Be brief."},
		{"blank persona falls back", false, "  ", TutorPersona()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SystemInstruction(tt.hasDoc, tt.persona); got != tt.want {
				t.Errorf("SystemInstruction() = %.40q, want %.40q", got, tt.want)
			}
		})
	}
}

func TestTutorPersonaIsJSON(t *testing.T) {
	var persona struct {
		AIPersona struct {
			Subject string `json:"subject"`
		} `json:"ai_persona"`
		Language struct {
			Response string `json:"response_language"`
		} `json:"language_settings"`
	}
	if err := json.Unmarshal([]byte(TutorPersona()), &persona); err != nil {
		t.Fatalf("persona is not valid JSON: %v", err)
	}
	if persona.AIPersona.Subject != "Computer network" {
		t.Errorf("subject = %q", persona.AIPersona.Subject)
	}
	if persona.Language.Response != "English" {
		t.Errorf("response language = %q", persona.Language.Response)
	}
}

// --- Streaming against fake endpoints ---

func sseHandler(t *testing.T, check func(r *http.Request), events ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(r)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func TestOpenAIProvider_Stream(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(sseHandler(t, func(r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
	},
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[],"usage":{"prompt_tokens":7,"completion_tokens":2,"total_tokens":9}}`,
		`[DONE]`,
	))
	defer srv.Close()

	p := NewOpenAIProvider("test-key", srv.URL, "m")
	ch, err := p.Generate(context.Background(), &GenerateRequest{Prompt: "hi", SystemInstruction: "sys", MaxTokens: 64})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	text, last := collect(t, ch)
	if text != "Hello" {
		t.Errorf("text = %q, want %q", text, "Hello")
	}
	if last.Type != EventDone {
		t.Fatalf("terminal event = %v (%v), want done", last.Type, last.Error)
	}
	if last.Usage.InputTokens != 7 || last.Usage.OutputTokens != 2 {
		t.Errorf("usage = %+v", last.Usage)
	}

	msgs, _ := gotBody["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("request carried %d messages, want system + user", len(msgs))
	}
	if role := msgs[1].(map[string]any)["role"]; role != "user" {
		t.Errorf("second message role = %v, want user", role)
	}
}

func TestOpenAIProvider_StreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"bad request","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("test-key", srv.URL, "m")
	ch, err := p.Generate(context.Background(), &GenerateRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	text, last := collect(t, ch)
	if text != "" {
		t.Errorf("unexpected text %q", text)
	}
	if last.Type != EventError || last.Error == nil {
		t.Fatalf("terminal event = %v, want error", last.Type)
	}
}

func TestGeminiProvider_Stream(t *testing.T) {
	var path string
	srv := httptest.NewServer(sseHandler(t, func(r *http.Request) { path = r.URL.Path },
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"TCP "}]}}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"is reliable."}]}}],"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":3}}`,
	))
	defer srv.Close()

	p, err := NewGeminiProvider(context.Background(), "test-key", srv.URL, "")
	if err != nil {
		t.Fatalf("NewGeminiProvider: %v", err)
	}
	ch, err := p.Generate(context.Background(), &GenerateRequest{Prompt: "What is TCP?", SystemInstruction: "sys"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	text, last := collect(t, ch)
	if text != "TCP is reliable." {
		t.Errorf("text = %q", text)
	}
	if last.Type != EventDone {
		t.Fatalf("terminal event = %v (%v), want done", last.Type, last.Error)
	}
	if last.Usage.InputTokens != 5 || last.Usage.OutputTokens != 3 {
		t.Errorf("usage = %+v", last.Usage)
	}
	if !strings.Contains(path, "gemini-2.5-flash:streamGenerateContent") {
		t.Errorf("request path = %q", path)
	}
}
