package streamproc

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/voici5986/grok2api-sub000/internal/apierr"
)

func lineSourceFrom(t *testing.T, lines ...string) *LineSource {
	t.Helper()
	return NewLineSource(io.NopCloser(strings.NewReader(strings.Join(lines, "\n"))))
}

// collectSSEContent decodes an SSE body's chat.completion.chunk frames and
// returns the concatenated delta content (json.Marshal escapes <, > and &,
// so raw substring checks against the body would miss tag text).
func collectSSEContent(t *testing.T, body string) string {
	t.Helper()
	var content strings.Builder
	for _, line := range strings.Split(body, "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || data == "[DONE]" {
			continue
		}
		var chunk sseChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			t.Fatalf("decode sse chunk %q: %v", data, err)
		}
		for _, c := range chunk.Choices {
			content.WriteString(c.Delta.Content)
		}
	}
	return content.String()
}

func TestNormalizeLine(t *testing.T) {
	if line, skip := NormalizeLine("  data: {\"x\":1}  "); skip || line != `{"x":1}` {
		t.Fatalf("expected data prefix stripped, got %q skip=%v", line, skip)
	}
	if _, skip := NormalizeLine("data: [DONE]"); !skip {
		t.Fatal("expected [DONE] skipped")
	}
	if _, skip := NormalizeLine("   "); !skip {
		t.Fatal("expected blank line skipped")
	}
}

func TestLineSourceIdleTimeout(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	ls := NewLineSource(pr)

	_, err := ls.Next(context.Background(), 30*time.Millisecond)
	ae, ok := err.(*apierr.Error)
	if !ok || ae.ErrType != apierr.TypeStreamIdle {
		t.Fatalf("expected stream_idle_timeout, got %v", err)
	}
}

func TestLineSourceDrainsThenEOF(t *testing.T) {
	ls := lineSourceFrom(t, "one", "two")
	ctx := context.Background()

	for _, want := range []string{"one", "two"} {
		got, err := ls.Next(ctx, time.Second)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}
	if _, err := ls.Next(ctx, time.Second); err != io.EOF {
		t.Fatalf("expected EOF after drain, got %v", err)
	}
}

func TestChatStreamProcessorEmitsRoleContentAndDone(t *testing.T) {
	rec := httptest.NewRecorder()
	p, err := NewChatStreamProcessor(rec, "chatcmpl-1", "grok-4-fast", DefaultFilteredTags, nil)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}

	ls := lineSourceFrom(t,
		`{"result":{"response":{"responseId":"r1","llmInfo":{"modelHash":"h1"},"token":"Hel"}}}`,
		`{"result":{"response":{"token":"lo"}}}`,
	)
	if err := p.Run(context.Background(), ls, time.Second); err != nil {
		t.Fatalf("run: %v", err)
	}

	body := rec.Body.String()
	if !strings.Contains(body, `"role":"assistant"`) {
		t.Fatalf("expected initial assistant role delta, got %s", body)
	}
	if !strings.Contains(body, `"content":"Hel"`) || !strings.Contains(body, `"content":"lo"`) {
		t.Fatalf("expected token deltas forwarded, got %s", body)
	}
	if !strings.Contains(body, `"finish_reason":"stop"`) {
		t.Fatalf("expected finish_reason stop, got %s", body)
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Fatalf("expected terminal [DONE], got %s", body)
	}
	if p.ResponseID != "r1" || p.ModelHash != "h1" {
		t.Fatalf("expected responseId/modelHash captured, got %q %q", p.ResponseID, p.ModelHash)
	}
}

func TestChatStreamProcessorFiltersTagsAcrossLines(t *testing.T) {
	rec := httptest.NewRecorder()
	p, err := NewChatStreamProcessor(rec, "chatcmpl-1", "grok-4-fast", DefaultFilteredTags, nil)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}

	ls := lineSourceFrom(t,
		`{"result":{"response":{"token":"keep <grok:"}}}`,
		`{"result":{"response":{"token":"render>drop</grok:render> this"}}}`,
	)
	if err := p.Run(context.Background(), ls, time.Second); err != nil {
		t.Fatalf("run: %v", err)
	}

	body := rec.Body.String()
	if strings.Contains(body, "drop") || strings.Contains(body, "grok:render") {
		t.Fatalf("expected filtered tag content elided, got %s", body)
	}
	if !strings.Contains(body, `"content":"keep "`) || !strings.Contains(body, `"content":" this"`) {
		t.Fatalf("expected surrounding text preserved, got %s", body)
	}
}

func TestChatStreamProcessorWrapsImageProgressInThink(t *testing.T) {
	rec := httptest.NewRecorder()
	p, err := NewChatStreamProcessor(rec, "chatcmpl-1", "grok-imagine", DefaultFilteredTags, nil)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}

	ls := lineSourceFrom(t,
		`{"result":{"response":{"streamingImageGenerationResponse":{"imageIndex":0,"progress":50}}}}`,
		`{"result":{"response":{"modelResponse":{"message":"done","generatedImageUrls":["https://assets.grok.com/img/1.jpg"]}}}}`,
	)
	if err := p.Run(context.Background(), ls, time.Second); err != nil {
		t.Fatalf("run: %v", err)
	}

	content := collectSSEContent(t, rec.Body.String())
	thinkOpen := strings.Index(content, "<think>")
	thinkClose := strings.Index(content, "</think>")
	if thinkOpen < 0 || thinkClose < 0 || thinkClose < thinkOpen {
		t.Fatalf("expected progress narration wrapped in a think block, got %q", content)
	}
	if !strings.Contains(content, "![image](https://assets.grok.com/img/1.jpg)") {
		t.Fatalf("expected image markdown emitted, got %q", content)
	}
}

func TestChatCollectProcessorAccumulatesAndStrips(t *testing.T) {
	p := NewChatCollectProcessor(nil, DefaultFilteredTags)

	ls := lineSourceFrom(t,
		`{"result":{"response":{"responseId":"r9","token":"a<grok:render>"}}}`,
		`{"result":{"response":{"token":"x</grok:render>b"}}}`,
	)
	res, err := p.Run(context.Background(), ls, time.Second)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Content != "ab" {
		t.Fatalf("expected filtered accumulated content \"ab\", got %q", res.Content)
	}
	if res.ResponseID != "r9" {
		t.Fatalf("expected responseId captured, got %q", res.ResponseID)
	}
}

func TestChatCollectProcessorSkipsMalformedLines(t *testing.T) {
	p := NewChatCollectProcessor(nil, nil)

	ls := lineSourceFrom(t,
		`not json at all`,
		`{"result":{"response":{"token":"ok"}}}`,
	)
	res, err := p.Run(context.Background(), ls, time.Second)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Content != "ok" {
		t.Fatalf("expected malformed line skipped, got %q", res.Content)
	}
}
