package upstream

import (
	"context"
	"net/http"

	"github.com/voici5986/grok2api-sub000/internal/retryengine"
)

// ChatRequest is the outbound body for conversations/new. Fields mirror
// what the upstream's own web client sends; callers populate only what
// the request shape requires (video requests add toolOverrides/modelMode).
type ChatRequest struct {
	Message            string         `json:"message"`
	ModelName          string         `json:"modelName"`
	Temporary          bool           `json:"temporary"`
	ConversationID     string         `json:"conversationId,omitempty"`
	ParentResponseID   string         `json:"parentResponseId,omitempty"`
	ParentPostID       string         `json:"parentPostId,omitempty"`
	FileAttachments    []string       `json:"fileAttachments,omitempty"`
	ToolOverrides      map[string]any `json:"toolOverrides,omitempty"`
	ModelConfigOverride map[string]any `json:"modelConfigOverride,omitempty"`
	DisableSearch      bool           `json:"disableSearch"`
	EnableImageGen     bool           `json:"enableImageGeneration,omitempty"`
}

// ChatCompletion opens the streaming conversations/new call and returns the
// live response for a stream processor (C5) to consume line by line. Only
// the connection phase is retried here; the chat entrypoint (C9) is
// expected to pass an rc whose retry-code set excludes 429 so a 429 bubbles
// up for cross-token fallover instead of being retried in place (§4.2).
func (c *Client) ChatCompletion(ctx context.Context, rc *retryengine.Context, token string, payload []byte) (*http.Response, error) {
	url := c.cfg.UpstreamBaseURL + "/rest/app-chat/conversations/new"
	return c.doStreamRetrying(ctx, rc, func(attempt int) (*http.Request, error) {
		return c.buildRequest(ctx, http.MethodPost, url, token, payload, false)
	})
}
