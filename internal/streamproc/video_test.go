package streamproc

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestVideoStreamProcessorEmitsProgressThenURL(t *testing.T) {
	rec := httptest.NewRecorder()
	p, err := NewVideoStreamProcessor(rec, "chatcmpl-v1", "grok-video", nil, "url")
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}

	ls := lineSourceFrom(t,
		`{"result":{"response":{"streamingVideoGenerationResponse":{"progress":25}}}}`,
		`{"result":{"response":{"streamingVideoGenerationResponse":{"progress":75}}}}`,
		`{"result":{"response":{"streamingVideoGenerationResponse":{"progress":100,"videoUrl":"https://assets.grok.com/v/clip.mp4"}}}}`,
	)
	if err := p.Run(context.Background(), ls, time.Second); err != nil {
		t.Fatalf("run: %v", err)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "Generating video: 25%") || !strings.Contains(body, "Generating video: 75%") {
		t.Fatalf("expected progress narration, got %s", body)
	}
	if !strings.Contains(body, "https://assets.grok.com/v/clip.mp4") {
		t.Fatalf("expected final video url, got %s", body)
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Fatalf("expected terminal [DONE], got %s", body)
	}
}

func TestVideoStreamProcessorHTMLFormat(t *testing.T) {
	rec := httptest.NewRecorder()
	p, err := NewVideoStreamProcessor(rec, "chatcmpl-v1", "grok-video", nil, "html")
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}

	ls := lineSourceFrom(t,
		`{"result":{"response":{"streamingVideoGenerationResponse":{"progress":100,"videoUrl":"https://assets.grok.com/v/clip.mp4"}}}}`,
	)
	if err := p.Run(context.Background(), ls, time.Second); err != nil {
		t.Fatalf("run: %v", err)
	}

	content := collectSSEContent(t, rec.Body.String())
	if !strings.Contains(content, `<video controls src="https://assets.grok.com/v/clip.mp4">`) {
		t.Fatalf("expected html video tag, got %q", content)
	}
}

func TestVideoStreamProcessorIgnoresUnrelatedLines(t *testing.T) {
	rec := httptest.NewRecorder()
	p, err := NewVideoStreamProcessor(rec, "chatcmpl-v1", "grok-video", nil, "url")
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}

	ls := lineSourceFrom(t,
		`{"result":{"response":{"token":"unrelated chat token"}}}`,
		`{"result":{"response":{"streamingVideoGenerationResponse":{"progress":100,"videoUrl":"https://assets.grok.com/v/clip.mp4"}}}}`,
	)
	if err := p.Run(context.Background(), ls, time.Second); err != nil {
		t.Fatalf("run: %v", err)
	}

	if strings.Contains(rec.Body.String(), "unrelated chat token") {
		t.Fatalf("expected non-video lines ignored, got %s", rec.Body.String())
	}
}
