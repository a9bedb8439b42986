package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/voici5986/grok2api-sub000/internal/retryengine"
)

type mediaPostCreateResponse struct {
	Post struct {
		ID string `json:"id"`
	} `json:"post"`
}

// MediaPostCreate obtains a parentPostId, required ahead of a video
// generation chat call (§4.9's video entrypoint specifics).
func (c *Client) MediaPostCreate(ctx context.Context, rc *retryengine.Context, token string) (postID string, err error) {
	reqURL := c.cfg.UpstreamBaseURL + "/rest/media/post/create"
	body, _, err := c.doRetrying(ctx, rc, reqBuilder(c, ctx, http.MethodPost, reqURL, token, []byte("{}")))
	if err != nil {
		return "", err
	}
	var out mediaPostCreateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("upstream: decode media post response: %w", err)
	}
	return out.Post.ID, nil
}

type rateLimitsRequest struct {
	RequestKind string `json:"requestKind"`
	ModelName   string `json:"modelName"`
}

// RateLimitResult carries the quota fields C3.sync_usage needs.
type RateLimitResult struct {
	RemainingQueries int `json:"remainingQueries"`
	TotalQueries     int `json:"totalQueries"`
	WaitTimeSeconds  int `json:"waitTimeSeconds"`
}

// RateLimitsProbe queries remaining quota for a (requestKind, modelName)
// pair, feeding C3.sync_usage.
func (c *Client) RateLimitsProbe(ctx context.Context, rc *retryengine.Context, token, requestKind, modelName string) (*RateLimitResult, error) {
	body, err := json.Marshal(rateLimitsRequest{RequestKind: requestKind, ModelName: modelName})
	if err != nil {
		return nil, fmt.Errorf("upstream: encode rate-limits body: %w", err)
	}
	reqURL := c.cfg.UpstreamBaseURL + "/rest/rate-limits"
	respBody, _, err := c.doRetrying(ctx, rc, reqBuilder(c, ctx, http.MethodPost, reqURL, token, body))
	if err != nil {
		return nil, err
	}
	var out RateLimitResult
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("upstream: decode rate-limits response: %w", err)
	}
	return &out, nil
}

type livekitTokenRequest struct {
	RoomName        string `json:"roomName"`
	ParticipantName string `json:"participantName"`
}

// LiveKitToken is the voice-mode credential handed back to the client; the
// core only brokers this token and does not relay the WebSocket itself
// (spec.md §1's Non-goals).
type LiveKitToken struct {
	Token string `json:"token"`
}

func (c *Client) LiveKitToken(ctx context.Context, rc *retryengine.Context, token, roomName, participantName string) (*LiveKitToken, error) {
	body, err := json.Marshal(livekitTokenRequest{RoomName: roomName, ParticipantName: participantName})
	if err != nil {
		return nil, fmt.Errorf("upstream: encode livekit body: %w", err)
	}
	reqURL := c.cfg.UpstreamBaseURL + "/rest/livekit/tokens"
	respBody, _, err := c.doRetrying(ctx, rc, reqBuilder(c, ctx, http.MethodPost, reqURL, token, body))
	if err != nil {
		return nil, err
	}
	var out LiveKitToken
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("upstream: decode livekit response: %w", err)
	}
	return &out, nil
}

// reqBuilder adapts buildRequest into the doRetrying attempt-builder shape
// shared by the simple JSON POST/GET endpoints in this file.
func reqBuilder(c *Client, ctx context.Context, method, url, token string, body []byte) func(attempt int) (*http.Request, error) {
	return func(attempt int) (*http.Request, error) {
		return c.buildRequest(ctx, method, url, token, body, false)
	}
}
