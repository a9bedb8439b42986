package streamproc

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"
)

// ImageStreamProcessor emits SSE image_generation.partial_image/completed
// events from the HTTP streaming image-generation response. The
// upstream always produces at least two candidates per call; when the
// client asked for a single image, one candidate index is chosen at
// random and the other is dropped silently.
type ImageStreamProcessor struct {
	w           http.ResponseWriter
	flusher     http.Flusher
	resolver    AssetResolver
	targetIndex int // -1 means no filtering
}

func NewImageStreamProcessor(w http.ResponseWriter, resolver AssetResolver, n int) (*ImageStreamProcessor, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streamproc: response writer does not support flushing")
	}
	target := -1
	if n == 1 {
		bit, err := rand.Int(rand.Reader, big.NewInt(2))
		if err != nil {
			return nil, fmt.Errorf("streamproc: choose target index: %w", err)
		}
		target = int(bit.Int64())
	}
	return &ImageStreamProcessor{w: w, flusher: flusher, resolver: resolver, targetIndex: target}, nil
}

// outputIndex remaps the surviving candidate to index 0 when a single
// image was requested, so the client always sees contiguous indices.
func (p *ImageStreamProcessor) outputIndex(upstreamIndex int) int {
	if p.targetIndex >= 0 {
		return 0
	}
	return upstreamIndex
}

func (p *ImageStreamProcessor) writeEvent(eventType string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("streamproc: encode image event: %w", err)
	}
	if _, err := fmt.Fprintf(p.w, "event: %s\ndata: %s\n\n", eventType, body); err != nil {
		return err
	}
	p.flusher.Flush()
	return nil
}

func (p *ImageStreamProcessor) Run(ctx context.Context, lineSource *LineSource, idleTimeout time.Duration) error {
	for {
		raw, err := lineSource.Next(ctx, idleTimeout)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		line, skip := NormalizeLine(raw)
		if skip {
			continue
		}
		var parsed upstreamLine
		if err := json.Unmarshal([]byte(line), &parsed); err != nil {
			continue
		}
		resp := parsed.Result.Response

		if sir := resp.StreamingImageGenerationResponse; sir != nil {
			if p.targetIndex >= 0 && sir.ImageIndex != p.targetIndex {
				continue
			}
			p.writeEvent("image_generation.partial_image", map[string]any{
				"type":             "image_generation.partial_image",
				"image_index":      p.outputIndex(sir.ImageIndex),
				"progress_percent": sir.Progress,
			})
		}

		if resp.ModelResponse != nil {
			for idx, assetURL := range resp.ModelResponse.GeneratedImageUrls {
				if p.targetIndex >= 0 && idx != p.targetIndex {
					continue
				}
				payload := map[string]any{"type": "image_generation.completed", "image_index": p.outputIndex(idx)}
				resolved := assetURL
				if p.resolver != nil {
					if r, err := p.resolver.ResolveImage(ctx, assetURL); err == nil {
						resolved = r
					}
				}
				if strings.HasPrefix(resolved, "data:") {
					if _, data, ok := strings.Cut(resolved, ","); ok {
						payload["b64_json"] = data
					}
				} else {
					payload["url"] = resolved
				}
				p.writeEvent("image_generation.completed", payload)
			}
		}
	}
}

// CollectImageURLs drains a non-streaming image-generation response and
// returns every generated-image URL in upstream order, for the
// non-streaming images.generations entrypoint, which samples across one
// or more such collections rather
// than emitting progress events.
func CollectImageURLs(ctx context.Context, lineSource *LineSource, idleTimeout time.Duration) ([]string, error) {
	var urls []string
	for {
		raw, err := lineSource.Next(ctx, idleTimeout)
		if err == io.EOF {
			return urls, nil
		}
		if err != nil {
			return urls, err
		}
		line, skip := NormalizeLine(raw)
		if skip {
			continue
		}
		var parsed upstreamLine
		if err := json.Unmarshal([]byte(line), &parsed); err != nil {
			continue
		}
		if resp := parsed.Result.Response.ModelResponse; resp != nil {
			urls = append(urls, resp.GeneratedImageUrls...)
		}
	}
}
