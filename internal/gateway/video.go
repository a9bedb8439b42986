package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/voici5986/grok2api-sub000/internal/apierr"
	"github.com/voici5986/grok2api-sub000/internal/retryengine"
	"github.com/voici5986/grok2api-sub000/internal/routing"
	"github.com/voici5986/grok2api-sub000/internal/streamproc"
	"github.com/voici5986/grok2api-sub000/internal/tokenpool"
	"github.com/voici5986/grok2api-sub000/internal/upstream"
)

const defaultVideoModel = "grok-video"

var validAspectRatios = map[string]bool{"16:9": true, "9:16": true, "3:2": true, "2:3": true, "1:1": true}
var validVideoLengths = map[int]bool{6: true, 10: true, 15: true}
var validResolutions = map[string]bool{"480p": true, "720p": true}
var validPresets = map[string]bool{"fun": true, "normal": true, "spicy": true, "custom": true}

type videoGenerationRequest struct {
	Prompt         string `json:"prompt"`
	Model          string `json:"model"`
	AspectRatio    string `json:"aspect_ratio"`
	VideoLength    int    `json:"video_length"`
	ResolutionName string `json:"resolution_name"`
	Preset         string `json:"preset"`
}

func (g *Gateway) handleVideoGenerations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req videoGenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, apierr.Validation("invalid JSON body: %s", err))
		return
	}
	if req.Prompt == "" {
		writeAPIError(w, apierr.Validation("prompt is required"))
		return
	}
	if req.AspectRatio == "" {
		req.AspectRatio = "16:9"
	}
	if !validAspectRatios[req.AspectRatio] {
		writeAPIError(w, apierr.Validation("aspect_ratio must be one of 16:9, 9:16, 3:2, 2:3, 1:1"))
		return
	}
	if req.VideoLength == 0 {
		req.VideoLength = 6
	}
	if !validVideoLengths[req.VideoLength] {
		writeAPIError(w, apierr.Validation("video_length must be 6, 10, or 15"))
		return
	}
	if req.ResolutionName == "" {
		req.ResolutionName = "480p"
	}
	if !validResolutions[req.ResolutionName] {
		writeAPIError(w, apierr.Validation("resolution_name must be 480p or 720p"))
		return
	}
	if req.Preset == "" {
		req.Preset = "normal"
	}
	if !validPresets[req.Preset] {
		writeAPIError(w, apierr.Validation("preset must be one of fun, normal, spicy, custom"))
		return
	}
	if req.Model == "" {
		req.Model = defaultVideoModel
	}
	desc, err := routing.Lookup(req.Model)
	if err != nil || !desc.IsVideo {
		writeAPIError(w, apierr.Validation("unknown video model %q", req.Model))
		return
	}

	if meta := requestMetaFrom(ctx); meta != nil {
		meta.Kind, meta.Model = "video", req.Model
	}

	params := tokenpool.VideoParams{
		Resolution: req.ResolutionName,
		Length:     time.Duration(req.VideoLength) * time.Second,
	}

	basicPool, superPool := routing.PoolBasic, routing.PoolSuper
	if desc.RequiresSuper {
		basicPool = routing.PoolSuper
	}

	// media/post/create precedes the chat call to obtain parentPostId
	// (§4.9's video entrypoint specifics); it is acquired against the same
	// tier rule as the generation call itself.
	postTok := g.tokens.GetTokenForVideo(basicPool, superPool, params, nil)
	if postTok == nil {
		writeAPIError(w, apierr.RateLimitExceeded("no available session tokens"))
		return
	}
	parentPostID, err := g.upstream.MediaPostCreate(ctx, retryengine.New(g.cfg), postTok.Token)
	if err != nil {
		if ue, ok := err.(*upstream.Error); ok {
			writeAPIError(w, apierr.Upstream(ue.Status, string(ue.Body)))
			return
		}
		writeAPIError(w, apierr.Internal(err.Error()))
		return
	}

	payload, err := json.Marshal(upstream.ChatRequest{
		Message:      req.Prompt,
		ModelName:    desc.UpstreamModel,
		Temporary:    true,
		ParentPostID: parentPostID,
		ToolOverrides: map[string]any{
			"videoGen": true,
		},
		ModelConfigOverride: map[string]any{
			"mode":           desc.Mode,
			"aspectRatio":    req.AspectRatio,
			"videoLength":    req.VideoLength,
			"resolutionName": req.ResolutionName,
			"preset":         req.Preset,
		},
	})
	if err != nil {
		writeAPIError(w, apierr.Internal("encode upstream video request failed"))
		return
	}

	call := func(ctx context.Context, tok *tokenpool.TokenInfo) (*http.Response, error) {
		rc := retryengine.NewExcluding(g.cfg, http.StatusTooManyRequests)
		return g.upstream.ChatCompletion(ctx, rc, tok.Token, payload)
	}
	resp, tok, err := g.acquireAndCallVideo(ctx, basicPool, superPool, params, g.cfg.MaxTokenRetries, call)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	defer resp.Body.Close()

	lineSource := streamproc.NewLineSource(resp.Body)
	defer lineSource.Close()
	resolver := g.newResolver(tok.Token)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	id := "videocmpl-" + uuid.NewString()
	proc, err := streamproc.NewVideoStreamProcessor(w, id, req.Model, resolver, g.cfg.VideoFormat)
	if err != nil {
		return
	}
	if err := proc.Run(ctx, lineSource, g.cfg.VideoIdleTimeout); err != nil {
		return
	}
	g.tokens.Consume(ctx, tok.Pool, tok.Token, desc.Effort)
}
