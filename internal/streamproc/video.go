package streamproc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type videoLine struct {
	Result struct {
		Response struct {
			StreamingVideoGenerationResponse *struct {
				Progress int    `json:"progress"`
				VideoURL string `json:"videoUrl"`
			} `json:"streamingVideoGenerationResponse"`
		} `json:"response"`
	} `json:"result"`
}

// VideoStreamProcessor emits SSE progress narration followed by the
// resolved video URL (or an HTML <video> tag, per config) once progress
// reaches 100 (§4.5.5).
type VideoStreamProcessor struct {
	w        http.ResponseWriter
	flusher  http.Flusher
	id       string
	model    string
	resolver AssetResolver
	format   string // "url" | "html"
	roleSent bool
}

func NewVideoStreamProcessor(w http.ResponseWriter, id, model string, resolver AssetResolver, format string) (*VideoStreamProcessor, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streamproc: response writer does not support flushing")
	}
	return &VideoStreamProcessor{w: w, flusher: flusher, id: id, model: model, resolver: resolver, format: format}, nil
}

func (p *VideoStreamProcessor) writeDelta(role, content string) {
	c := sseChunk{
		ID: p.id, Object: "chat.completion.chunk", Created: time.Now().Unix(), Model: p.model,
		Choices: []sseChoice{{Index: 0, Delta: sseDelta{Role: role, Content: content}}},
	}
	body, err := json.Marshal(c)
	if err != nil {
		return
	}
	fmt.Fprintf(p.w, "data: %s\n\n", body)
	p.flusher.Flush()
}

func (p *VideoStreamProcessor) writeFinish() {
	c := sseChunk{
		ID: p.id, Object: "chat.completion.chunk", Created: time.Now().Unix(), Model: p.model,
		Choices: []sseChoice{{Index: 0, FinishReason: &finishStop}},
	}
	body, err := json.Marshal(c)
	if err != nil {
		return
	}
	fmt.Fprintf(p.w, "data: %s\n\n", body)
	p.flusher.Flush()
	fmt.Fprint(p.w, "data: [DONE]\n\n")
	p.flusher.Flush()
}

func (p *VideoStreamProcessor) Run(ctx context.Context, lineSource *LineSource, idleTimeout time.Duration) error {
	for {
		raw, err := lineSource.Next(ctx, idleTimeout)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		line, skip := NormalizeLine(raw)
		if skip {
			continue
		}
		var parsed videoLine
		if err := json.Unmarshal([]byte(line), &parsed); err != nil {
			continue
		}
		sv := parsed.Result.Response.StreamingVideoGenerationResponse
		if sv == nil {
			continue
		}
		if !p.roleSent {
			p.writeDelta("assistant", "")
			p.roleSent = true
		}
		if sv.Progress < 100 {
			p.writeDelta("", fmt.Sprintf("Generating video: %d%%\n", sv.Progress))
			continue
		}

		resolved := sv.VideoURL
		if p.resolver != nil {
			if r, err := p.resolver.ResolveVideo(ctx, sv.VideoURL); err == nil {
				resolved = r
			}
		}
		if p.format == "html" {
			p.writeDelta("", fmt.Sprintf(`<video controls src="%s"></video>`, resolved))
		} else {
			p.writeDelta("", resolved)
		}
	}
	p.writeFinish()
	return nil
}
