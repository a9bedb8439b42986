package streamproc

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestImageStreamProcessorSingleImageEmitsIndexZero(t *testing.T) {
	rec := httptest.NewRecorder()
	p, err := NewImageStreamProcessor(rec, nil, 1)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}

	// Upstream always produces two candidates; only the surviving one may
	// reach the client, remapped to index 0.
	ls := lineSourceFrom(t,
		`{"result":{"response":{"streamingImageGenerationResponse":{"imageIndex":0,"progress":40}}}}`,
		`{"result":{"response":{"streamingImageGenerationResponse":{"imageIndex":1,"progress":40}}}}`,
		`{"result":{"response":{"modelResponse":{"generatedImageUrls":["https://assets.grok.com/a.jpg","https://assets.grok.com/b.jpg"]}}}}`,
	)
	if err := p.Run(context.Background(), ls, time.Second); err != nil {
		t.Fatalf("run: %v", err)
	}

	body := rec.Body.String()
	if got := strings.Count(body, "event: image_generation.completed"); got != 1 {
		t.Fatalf("expected exactly one completed event for n=1, got %d: %s", got, body)
	}
	if !strings.Contains(body, `"image_index":0`) {
		t.Fatalf("expected surviving candidate remapped to index 0, got %s", body)
	}
	if strings.Contains(body, `"image_index":1`) {
		t.Fatalf("expected no index-1 events for n=1, got %s", body)
	}
}

func TestImageStreamProcessorTwoImagesEmitsBoth(t *testing.T) {
	rec := httptest.NewRecorder()
	p, err := NewImageStreamProcessor(rec, nil, 2)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}

	ls := lineSourceFrom(t,
		`{"result":{"response":{"streamingImageGenerationResponse":{"imageIndex":0,"progress":80}}}}`,
		`{"result":{"response":{"modelResponse":{"generatedImageUrls":["https://assets.grok.com/a.jpg","https://assets.grok.com/b.jpg"]}}}}`,
	)
	if err := p.Run(context.Background(), ls, time.Second); err != nil {
		t.Fatalf("run: %v", err)
	}

	body := rec.Body.String()
	if got := strings.Count(body, "event: image_generation.completed"); got != 2 {
		t.Fatalf("expected two completed events for n=2, got %d", got)
	}
	if !strings.Contains(body, `"image_index":0`) || !strings.Contains(body, `"image_index":1`) {
		t.Fatalf("expected both candidate indices present, got %s", body)
	}
}

func TestImageStreamProcessorProgressPercentForwarded(t *testing.T) {
	rec := httptest.NewRecorder()
	p, err := NewImageStreamProcessor(rec, nil, 2)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}

	ls := lineSourceFrom(t,
		`{"result":{"response":{"streamingImageGenerationResponse":{"imageIndex":0,"progress":65}}}}`,
	)
	if err := p.Run(context.Background(), ls, time.Second); err != nil {
		t.Fatalf("run: %v", err)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "event: image_generation.partial_image") {
		t.Fatalf("expected partial_image event, got %s", body)
	}
	if !strings.Contains(body, `"progress_percent":65`) {
		t.Fatalf("expected progress forwarded, got %s", body)
	}
}

func TestCollectImageURLsGathersAcrossLines(t *testing.T) {
	ls := lineSourceFrom(t,
		`{"result":{"response":{"streamingImageGenerationResponse":{"imageIndex":0,"progress":10}}}}`,
		`{"result":{"response":{"modelResponse":{"generatedImageUrls":["https://assets.grok.com/a.jpg"]}}}}`,
		`{"result":{"response":{"modelResponse":{"generatedImageUrls":["https://assets.grok.com/b.jpg"]}}}}`,
	)
	urls, err := CollectImageURLs(context.Background(), ls, time.Second)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(urls) != 2 || urls[0] != "https://assets.grok.com/a.jpg" || urls[1] != "https://assets.grok.com/b.jpg" {
		t.Fatalf("expected both urls in upstream order, got %v", urls)
	}
}

func TestClassifyStageThresholds(t *testing.T) {
	const medium, final = 10_000, 100_000

	if got := classifyStage("https://x/img.webp", 5_000, medium, final); got != "preview" {
		t.Fatalf("expected preview below medium threshold, got %s", got)
	}
	if got := classifyStage("https://x/img.webp", 50_000, medium, final); got != "medium" {
		t.Fatalf("expected medium between thresholds, got %s", got)
	}
	if got := classifyStage("https://x/img.webp", 200_000, medium, final); got != "final" {
		t.Fatalf("expected final above threshold, got %s", got)
	}
	// A .jpg extension always means final regardless of blob size.
	if got := classifyStage("https://x/img.JPG", 1_000, medium, final); got != "final" {
		t.Fatalf("expected .jpg to classify as final at any size, got %s", got)
	}
	if got := classifyStage("https://x/img.jpeg", 1_000, medium, final); got != "final" {
		t.Fatalf("expected .jpeg to classify as final at any size, got %s", got)
	}
}
