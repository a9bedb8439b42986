package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voici5986/grok2api-sub000/internal/apierr"
	"github.com/voici5986/grok2api-sub000/internal/retryengine"
	"github.com/voici5986/grok2api-sub000/internal/routing"
	"github.com/voici5986/grok2api-sub000/internal/streamproc"
	"github.com/voici5986/grok2api-sub000/internal/tokenpool"
	"github.com/voici5986/grok2api-sub000/internal/upstream"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      *bool         `json:"stream"`
	Temperature *float64      `json:"temperature"`
	MaxTokens   *int          `json:"max_tokens"`
	TopP        *float64      `json:"top_p"`
	Thinking    *bool         `json:"thinking"`
	User        string        `json:"user"`
}

// flattenContent renders an OpenAI message's content field (string or a
// multimodal content-part array) down to plain text; image/file parts are
// dropped here since the upstream's chat endpoint takes attachments via
// fileAttachments, not inline in the message text.
func flattenContent(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var b strings.Builder
		for _, part := range v {
			m, ok := part.(map[string]any)
			if !ok {
				continue
			}
			if m["type"] == "text" {
				if text, ok := m["text"].(string); ok {
					b.WriteString(text)
				}
			}
		}
		return b.String()
	default:
		return ""
	}
}

// buildUpstreamMessage joins the OpenAI message list into the single
// transcript string the upstream's conversations/new endpoint expects,
// since the upstream has no notion of a structured message array.
func buildUpstreamMessage(messages []chatMessage) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		text := flattenContent(m.Content)
		switch m.Role {
		case "system":
			b.WriteString("System: ")
		case "assistant":
			b.WriteString("Assistant: ")
		}
		b.WriteString(text)
	}
	return b.String()
}

func (g *Gateway) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, apierr.Validation("invalid JSON body: %s", err))
		return
	}
	if req.Model == "" {
		writeAPIError(w, apierr.Validation("model is required"))
		return
	}
	if len(req.Messages) == 0 {
		writeAPIError(w, apierr.Validation("messages must be non-empty"))
		return
	}

	desc, err := routing.Lookup(req.Model)
	if err != nil {
		writeAPIError(w, apierr.Validation("unknown model %q", req.Model))
		return
	}
	if meta := requestMetaFrom(ctx); meta != nil {
		meta.Kind, meta.Model = "chat", req.Model
	}

	stream := g.cfg.Stream
	if req.Stream != nil {
		stream = *req.Stream
	}
	thinking := g.cfg.Thinking
	if req.Thinking != nil {
		thinking = *req.Thinking
	}

	pools, err := routing.PoolCandidatesForModel(req.Model, nil)
	if err != nil {
		writeAPIError(w, apierr.Validation("%s", err))
		return
	}

	message := buildUpstreamMessage(req.Messages)
	payload, err := json.Marshal(upstream.ChatRequest{
		Message:        message,
		ModelName:      desc.UpstreamModel,
		Temporary:      true,
		DisableSearch:  false,
		EnableImageGen: desc.IsImage,
		ModelConfigOverride: map[string]any{
			"mode":     desc.Mode,
			"thinking": thinking,
		},
	})
	if err != nil {
		writeAPIError(w, apierr.Internal("encode upstream chat request failed"))
		return
	}

	id := "chatcmpl-" + uuid.NewString()

	call := func(ctx context.Context, tok *tokenpool.TokenInfo) (*http.Response, error) {
		rc := retryengine.NewExcluding(g.cfg, http.StatusTooManyRequests)
		return g.upstream.ChatCompletion(ctx, rc, tok.Token, payload)
	}

	resp, tok, err := g.acquireAndCallSticky(ctx, pools, stickyHashFor(req.User), g.cfg.MaxTokenRetries, call)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	defer resp.Body.Close()

	lineSource := streamproc.NewLineSource(resp.Body)
	defer lineSource.Close()
	resolver := g.newResolver(tok.Token)

	if stream {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		proc, err := streamproc.NewChatStreamProcessor(w, id, req.Model, g.cfg.FilterTags, resolver)
		if err != nil {
			return
		}
		if err := proc.Run(ctx, lineSource, g.cfg.StreamIdleTimeout); err != nil {
			if f, ok := w.(http.Flusher); ok {
				fmt.Fprint(w, apierr.SSEEvent(err))
				f.Flush()
			}
			return
		}
		g.tokens.Consume(ctx, tok.Pool, tok.Token, desc.Effort)
		return
	}

	collector := streamproc.NewChatCollectProcessor(resolver, g.cfg.FilterTags)
	result, err := collector.Run(ctx, lineSource, g.cfg.StreamIdleTimeout)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	g.tokens.Consume(ctx, tok.Pool, tok.Token, desc.Effort)

	writeChatCompletionJSON(w, id, req.Model, result.Content)
}

type chatCompletionResponse struct {
	ID      string               `json:"id"`
	Object  string               `json:"object"`
	Created int64                `json:"created"`
	Model   string                `json:"model"`
	Choices []chatCompletionChoice `json:"choices"`
}

type chatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

func writeChatCompletionJSON(w http.ResponseWriter, id, model, content string) {
	resp := chatCompletionResponse{
		ID: id, Object: "chat.completion", Created: time.Now().Unix(), Model: model,
		Choices: []chatCompletionChoice{{
			Index:        0,
			Message:      chatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
