package streamproc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// upstreamLine is the shape of one streamed JSON line from
// /rest/app-chat/conversations/new.
type upstreamLine struct {
	Result struct {
		Response struct {
			ResponseID string `json:"responseId"`
			LlmInfo    struct {
				ModelHash string `json:"modelHash"`
			} `json:"llmInfo"`
			Token                             string `json:"token"`
			StreamingImageGenerationResponse *struct {
				ImageIndex int `json:"imageIndex"`
				Progress   int `json:"progress"`
			} `json:"streamingImageGenerationResponse"`
			ModelResponse *struct {
				Message            string   `json:"message"`
				GeneratedImageUrls []string `json:"generatedImageUrls"`
			} `json:"modelResponse"`
		} `json:"response"`
	} `json:"result"`
}

type sseChunk struct {
	ID      string      `json:"id"`
	Object  string      `json:"object"`
	Created int64       `json:"created"`
	Model   string      `json:"model"`
	Choices []sseChoice `json:"choices"`
}

type sseChoice struct {
	Index        int      `json:"index"`
	Delta        sseDelta `json:"delta"`
	FinishReason *string  `json:"finish_reason"`
}

type sseDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

var finishStop = "stop"

// ChatStreamProcessor emits an OpenAI-compatible SSE stream from the raw
// upstream line iterator, grounded on the passthrough loop in the
// teacher's internal/relay/relay.go streamResponse but re-parsing each
// line instead of forwarding it verbatim, since the wire shapes differ.
type ChatStreamProcessor struct {
	w        http.ResponseWriter
	flusher  http.Flusher
	id       string
	model    string
	filter   *TagFilter
	resolver AssetResolver
	thinkOpen bool
	roleSent  bool

	ResponseID string
	ModelHash  string
}

func NewChatStreamProcessor(w http.ResponseWriter, id, model string, filterTags []string, resolver AssetResolver) (*ChatStreamProcessor, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streamproc: response writer does not support flushing")
	}
	return &ChatStreamProcessor{
		w: w, flusher: flusher, id: id, model: model,
		filter: NewTagFilter(filterTags), resolver: resolver,
	}, nil
}

func (p *ChatStreamProcessor) writeDelta(role, content string) error {
	c := sseChunk{
		ID: p.id, Object: "chat.completion.chunk", Created: time.Now().Unix(), Model: p.model,
		Choices: []sseChoice{{Index: 0, Delta: sseDelta{Role: role, Content: content}}},
	}
	return p.writeChunk(c)
}

func (p *ChatStreamProcessor) writeFinish() error {
	c := sseChunk{
		ID: p.id, Object: "chat.completion.chunk", Created: time.Now().Unix(), Model: p.model,
		Choices: []sseChoice{{Index: 0, FinishReason: &finishStop}},
	}
	return p.writeChunk(c)
}

func (p *ChatStreamProcessor) writeChunk(c sseChunk) error {
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("streamproc: encode sse chunk: %w", err)
	}
	if _, err := fmt.Fprintf(p.w, "data: %s\n\n", body); err != nil {
		return err
	}
	p.flusher.Flush()
	return nil
}

func (p *ChatStreamProcessor) writeDone() {
	fmt.Fprint(p.w, "data: [DONE]\n\n")
	p.flusher.Flush()
}

// Run drains lineSource until EOF or error, translating every upstream
// line into client-facing SSE deltas, and returns once the stream ends.
func (p *ChatStreamProcessor) Run(ctx context.Context, lineSource *LineSource, idleTimeout time.Duration) error {
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
		if err := p.handleLine(line); err != nil {
			continue // malformed line; best-effort, keep draining
		}
	}

	if p.thinkOpen {
		p.writeDelta("", "</think>\n")
		p.thinkOpen = false
	}
	if trailing := p.filter.Flush(); trailing != "" {
		p.writeDelta("", trailing)
	}
	if err := p.writeFinish(); err != nil {
		return err
	}
	p.writeDone()
	return nil
}

func (p *ChatStreamProcessor) handleLine(line string) error {
	var parsed upstreamLine
	if err := json.Unmarshal([]byte(line), &parsed); err != nil {
		return err
	}
	resp := parsed.Result.Response

	if resp.ResponseID != "" {
		p.ResponseID = resp.ResponseID
	}
	if resp.LlmInfo.ModelHash != "" {
		p.ModelHash = resp.LlmInfo.ModelHash
	}

	if !p.roleSent {
		p.writeDelta("assistant", "")
		p.roleSent = true
	}

	if resp.StreamingImageGenerationResponse != nil {
		if !p.thinkOpen {
			p.writeDelta("", "<think>\n")
			p.thinkOpen = true
		}
		narration := fmt.Sprintf("Generating image %d: %d%%\n",
			resp.StreamingImageGenerationResponse.ImageIndex, resp.StreamingImageGenerationResponse.Progress)
		p.writeDelta("", narration)
	}

	if resp.ModelResponse != nil {
		if p.thinkOpen {
			p.writeDelta("", "</think>\n")
			p.thinkOpen = false
		}
		if resp.ModelResponse.Message != "" {
			p.writeDelta("", resp.ModelResponse.Message)
		}
		for _, assetURL := range resp.ModelResponse.GeneratedImageUrls {
			resolved := assetURL
			if p.resolver != nil {
				if r, err := p.resolver.ResolveImage(context.Background(), assetURL); err == nil {
					resolved = r
				}
			}
			p.writeDelta("", fmt.Sprintf("\n![image](%s)\n", resolved))
		}
	}

	if resp.Token != "" {
		if filtered := p.filter.Feed(resp.Token); filtered != "" {
			p.writeDelta("", filtered)
		}
	}
	return nil
}

// ChatResult is the accumulated output of a non-streaming chat completion.
type ChatResult struct {
	ResponseID string
	ModelHash  string
	Content    string
}

// stripFilteredTags removes complete `<tag>...</tag>` blocks for any tag in
// tags from already-accumulated content. Applied once at the end for the
// collect processor, versus the streaming processor's boundary-spanning
// state machine.
func stripFilteredTags(content string, tags []string) string {
	for _, tag := range tags {
		re := regexp.MustCompile(`(?s)<` + regexp.QuoteMeta(tag) + `>.*?</` + regexp.QuoteMeta(tag) + `>`)
		content = re.ReplaceAllString(content, "")
	}
	return content
}

// ChatCollectProcessor accumulates a full non-streaming chat.completion
// response instead of emitting SSE deltas.
type ChatCollectProcessor struct {
	resolver   AssetResolver
	filterTags []string
}

func NewChatCollectProcessor(resolver AssetResolver, filterTags []string) *ChatCollectProcessor {
	return &ChatCollectProcessor{resolver: resolver, filterTags: filterTags}
}

func (p *ChatCollectProcessor) Run(ctx context.Context, lineSource *LineSource, idleTimeout time.Duration) (*ChatResult, error) {
	var out ChatResult
	var content strings.Builder

	for {
		raw, err := lineSource.Next(ctx, idleTimeout)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
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
		if resp.ResponseID != "" {
			out.ResponseID = resp.ResponseID
		}
		if resp.LlmInfo.ModelHash != "" {
			out.ModelHash = resp.LlmInfo.ModelHash
		}
		if resp.ModelResponse != nil {
			content.WriteString(resp.ModelResponse.Message)
			for _, assetURL := range resp.ModelResponse.GeneratedImageUrls {
				resolved := assetURL
				if p.resolver != nil {
					if r, err := p.resolver.ResolveImage(ctx, assetURL); err == nil {
						resolved = r
					}
				}
				content.WriteString(fmt.Sprintf("\n![image](%s)\n", resolved))
			}
		}
		if resp.Token != "" {
			content.WriteString(resp.Token)
		}
	}

	out.Content = stripFilteredTags(content.String(), p.filterTags)
	return &out, nil
}
