package gateway

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandleChatCompletionsRejectsMissingModel(t *testing.T) {
	g := &Gateway{}
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(`{"messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()

	g.handleChatCompletions(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "model is required") {
		t.Fatalf("expected model validation error, got %s", rec.Body.String())
	}
}

func TestHandleChatCompletionsRejectsEmptyMessages(t *testing.T) {
	g := &Gateway{}
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(`{"model":"grok-4-fast","messages":[]}`))
	rec := httptest.NewRecorder()

	g.handleChatCompletions(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "messages must be non-empty") {
		t.Fatalf("expected messages validation error, got %s", rec.Body.String())
	}
}

func TestHandleChatCompletionsRejectsUnknownModel(t *testing.T) {
	g := &Gateway{}
	body := `{"model":"not-a-real-model","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()

	g.handleChatCompletions(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "unknown model") {
		t.Fatalf("expected unknown model validation error, got %s", rec.Body.String())
	}
}

func TestFlattenContentString(t *testing.T) {
	if got := flattenContent("hello"); got != "hello" {
		t.Fatalf("expected \"hello\", got %q", got)
	}
}

func TestFlattenContentMultimodalPartsJoinsTextOnly(t *testing.T) {
	content := []any{
		map[string]any{"type": "text", "text": "describe this: "},
		map[string]any{"type": "image_url", "image_url": map[string]any{"url": "https://example.com/x.png"}},
		map[string]any{"type": "text", "text": "a cat"},
	}
	got := flattenContent(content)
	if got != "describe this: a cat" {
		t.Fatalf("expected text parts joined and image part dropped, got %q", got)
	}
}

func TestFlattenContentUnknownTypeReturnsEmpty(t *testing.T) {
	if got := flattenContent(42); got != "" {
		t.Fatalf("expected empty string for unknown content type, got %q", got)
	}
}

func TestBuildUpstreamMessagePrefixesRoles(t *testing.T) {
	messages := []chatMessage{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}
	got := buildUpstreamMessage(messages)
	want := "System: be terse\n\nhi\n\nAssistant: hello"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestBuildUpstreamMessageUserHasNoPrefix(t *testing.T) {
	messages := []chatMessage{{Role: "user", Content: "just this"}}
	got := buildUpstreamMessage(messages)
	if got != "just this" {
		t.Fatalf("expected no role prefix for user messages, got %q", got)
	}
}
