package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/voici5986/grok2api-sub000/internal/apierr"
	"github.com/voici5986/grok2api-sub000/internal/retryengine"
	"github.com/voici5986/grok2api-sub000/internal/routing"
	"github.com/voici5986/grok2api-sub000/internal/streamproc"
	"github.com/voici5986/grok2api-sub000/internal/tokenpool"
	"github.com/voici5986/grok2api-sub000/internal/upstream"
)

const defaultImageModel = "grok-2-image"

type imageGenerationRequest struct {
	Prompt         string `json:"prompt"`
	Model          string `json:"model"`
	N              int    `json:"n"`
	Size           string `json:"size"`
	ResponseFormat string `json:"response_format"`
	Stream         bool   `json:"stream"`
}

type imageDatum struct {
	URL     string `json:"url,omitempty"`
	B64JSON string `json:"b64_json,omitempty"`
}

type imageGenerationResponse struct {
	Created int64        `json:"created"`
	Data    []imageDatum `json:"data"`
}

// imageSentinelError is the padding value used when a non-streaming image
// request under-delivers relative to n (§4.9's image entrypoint specifics).
const imageSentinelError = "error"

func newImageRetryContext(g *Gateway) *retryengine.Context {
	return retryengine.NewExcluding(g.cfg, http.StatusTooManyRequests)
}

func (g *Gateway) handleImageGenerations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req imageGenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, apierr.Validation("invalid JSON body: %s", err))
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeAPIError(w, apierr.Validation("prompt is required"))
		return
	}
	if req.N <= 0 {
		req.N = 1
	}
	if req.N > 10 {
		writeAPIError(w, apierr.Validation("n must be between 1 and 10"))
		return
	}
	if req.Model == "" {
		req.Model = defaultImageModel
	}
	desc, err := routing.Lookup(req.Model)
	if err != nil || !desc.IsImage {
		writeAPIError(w, apierr.Validation("unknown image model %q", req.Model))
		return
	}
	pools, err := routing.PoolCandidatesForModel(req.Model, nil)
	if err != nil {
		writeAPIError(w, apierr.Validation("%s", err))
		return
	}
	if meta := requestMetaFrom(ctx); meta != nil {
		meta.Kind, meta.Model = "image", req.Model
	}

	if req.Stream {
		if req.N > 2 {
			writeAPIError(w, apierr.Validation("n must be 1 or 2 when stream=true"))
			return
		}
		g.streamImageGeneration(ctx, w, req, desc, pools)
		return
	}

	payload, err := g.imageChatPayload(req.Prompt, desc)
	if err != nil {
		writeAPIError(w, apierr.Internal("encode upstream image request failed"))
		return
	}
	urls, err := g.runImageSubrequests(ctx, payload, pools, desc, req.N)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeImageGenerationResponse(w, g, urls, req.N, req.ResponseFormat)
}

// imageURLWithToken pairs a generated asset URL with the session token
// whose account produced it: asset downloads are auth-scoped per account
// (§4.7), so resolving the URL later must reuse that same token's cookie
// rather than an arbitrary one.
type imageURLWithToken struct {
	url   string
	token string
}

func writeImageGenerationResponse(w http.ResponseWriter, g *Gateway, urls []imageURLWithToken, n int, responseFormat string) {
	resp := imageGenerationResponse{Created: time.Now().Unix()}
	for i := 0; i < n; i++ {
		if i >= len(urls) {
			resp.Data = append(resp.Data, imageDatum{URL: imageSentinelError})
			continue
		}
		resp.Data = append(resp.Data, g.renderImageDatum(urls[i], responseFormat))
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// renderImageDatum resolves a raw upstream asset URL per the requested
// response_format, falling back to a direct upstream URL reference on
// resolution failure rather than failing the whole response.
func (g *Gateway) renderImageDatum(u imageURLWithToken, responseFormat string) imageDatum {
	resolver := g.newResolver(u.token)
	if responseFormat == "b64_json" || responseFormat == "base64" {
		if resolved, err := resolver.ResolveImage(context.Background(), u.url); err == nil && strings.HasPrefix(resolved, "data:") {
			if _, data, ok := strings.Cut(resolved, ","); ok {
				return imageDatum{B64JSON: data}
			}
		}
	}
	if resolved, err := resolver.ResolveImage(context.Background(), u.url); err == nil {
		return imageDatum{URL: resolved}
	}
	return imageDatum{URL: u.url}
}

func (g *Gateway) imageChatPayload(prompt string, desc routing.Descriptor) ([]byte, error) {
	return json.Marshal(upstream.ChatRequest{
		Message:        prompt,
		ModelName:      desc.UpstreamModel,
		Temporary:      true,
		EnableImageGen: true,
		ModelConfigOverride: map[string]any{
			"mode": desc.Mode,
		},
	})
}

// runImageSubrequests issues ceil(n/2) concurrent subrequests (the
// upstream always yields at least two candidates per call) and
// concatenates every returned URL; the caller samples/pads to exactly n.
func (g *Gateway) runImageSubrequests(ctx context.Context, payload []byte, pools []string, desc routing.Descriptor, n int) ([]imageURLWithToken, error) {
	subCount := int(math.Ceil(float64(n) / 2.0))

	var mu sync.Mutex
	var all []imageURLWithToken
	var firstErr error
	var wg sync.WaitGroup

	for i := 0; i < subCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			urls, err := g.runImageSubrequest(ctx, payload, pools, desc)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			all = append(all, urls...)
		}()
	}
	wg.Wait()

	if len(all) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return all, nil
}

func (g *Gateway) runImageSubrequest(ctx context.Context, payload []byte, pools []string, desc routing.Descriptor) ([]imageURLWithToken, error) {
	call := func(ctx context.Context, tok *tokenpool.TokenInfo) (*http.Response, error) {
		rc := newImageRetryContext(g)
		return g.upstream.ChatCompletion(ctx, rc, tok.Token, payload)
	}
	resp, tok, err := g.acquireAndCall(ctx, pools, g.cfg.MaxTokenRetries, call)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	lineSource := streamproc.NewLineSource(resp.Body)
	defer lineSource.Close()

	urls, err := streamproc.CollectImageURLs(ctx, lineSource, g.cfg.ImageTimeout)
	if err != nil {
		return nil, err
	}
	g.tokens.Consume(ctx, tok.Pool, tok.Token, desc.Effort)

	out := make([]imageURLWithToken, len(urls))
	for i, u := range urls {
		out[i] = imageURLWithToken{url: u, token: tok.Token}
	}
	return out, nil
}

func (g *Gateway) streamImageGeneration(ctx context.Context, w http.ResponseWriter, req imageGenerationRequest, desc routing.Descriptor, pools []string) {
	payload, err := g.imageChatPayload(req.Prompt, desc)
	if err != nil {
		writeAPIError(w, apierr.Internal("encode upstream image request failed"))
		return
	}

	call := func(ctx context.Context, tok *tokenpool.TokenInfo) (*http.Response, error) {
		rc := newImageRetryContext(g)
		return g.upstream.ChatCompletion(ctx, rc, tok.Token, payload)
	}
	resp, tok, err := g.acquireAndCall(ctx, pools, g.cfg.MaxTokenRetries, call)
	if err != nil {
		// No conversations/new-capable token served the request (none was
		// available, or every attempt failed); fall back to a ws-only
		// account's ws/imagine/listen transport (§6.2) rather than
		// surfacing the error when one exists.
		if wsTok := g.pickWSOnlyFromPools(pools, nil); wsTok != nil {
			g.streamImageGenerationWS(ctx, w, req, desc, wsTok)
			return
		}
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

	proc, err := streamproc.NewImageStreamProcessor(w, resolver, req.N)
	if err != nil {
		return
	}
	if err := proc.Run(ctx, lineSource, g.cfg.ImageStreamTimeout); err != nil {
		return
	}
	g.tokens.Consume(ctx, tok.Pool, tok.Token, desc.Effort)
}

// streamImageGenerationWS drives a ws-only token's image generation over
// the upstream's ws/imagine/listen socket instead of conversations/new.
func (g *Gateway) streamImageGenerationWS(ctx context.Context, w http.ResponseWriter, req imageGenerationRequest, desc routing.Descriptor, tok *tokenpool.TokenInfo) {
	conn, err := g.upstream.OpenImageWS(ctx, tok.Token, req.Prompt, req.N)
	if err != nil {
		if ue, ok := err.(*upstream.Error); ok {
			writeAPIError(w, apierr.Upstream(ue.Status, string(ue.Body)))
			return
		}
		writeAPIError(w, apierr.Internal(err.Error()))
		return
	}
	defer conn.Close()

	resolver := g.newResolver(tok.Token)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	proc, err := streamproc.NewImageWSProcessor(conn, w, resolver, req.N, g.cfg.ImageMediumMinBytes, g.cfg.ImageFinalMinBytes, g.cfg.ImageFinalTimeout)
	if err != nil {
		return
	}
	if err := proc.Run(ctx); err != nil {
		return
	}
	g.tokens.Consume(ctx, tok.Pool, tok.Token, desc.Effort)
}

// handleImageEdits accepts a multipart image-edit request and routes it
// through the same chat-based image pipeline with the source image(s)
// attached as fileAttachments, reusing the generation path's sampling and
// padding rules.
func (g *Gateway) handleImageEdits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseMultipartForm(50 << 20); err != nil {
		writeAPIError(w, apierr.Validation("invalid multipart form: %s", err))
		return
	}
	prompt := r.FormValue("prompt")
	if strings.TrimSpace(prompt) == "" {
		writeAPIError(w, apierr.Validation("prompt is required"))
		return
	}
	files := r.MultipartForm.File["image"]
	if len(files) == 0 {
		writeAPIError(w, apierr.Validation("at least one image file is required"))
		return
	}
	if len(files) > 16 {
		writeAPIError(w, apierr.Validation("at most 16 image files are allowed"))
		return
	}

	n := 1
	if raw := r.FormValue("n"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			n = parsed
		}
	}
	if n <= 0 || n > 10 {
		writeAPIError(w, apierr.Validation("n must be between 1 and 10"))
		return
	}

	desc, err := routing.Lookup(defaultImageModel)
	if err != nil {
		writeAPIError(w, apierr.Internal("default image model missing from routing table"))
		return
	}
	pools, err := routing.PoolCandidatesForModel(defaultImageModel, nil)
	if err != nil {
		writeAPIError(w, apierr.Internal(err.Error()))
		return
	}
	if meta := requestMetaFrom(ctx); meta != nil {
		meta.Kind, meta.Model = "image", defaultImageModel
	}

	fileIDs, err := g.uploadEditAttachments(ctx, pools, files)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	payload, err := json.Marshal(upstream.ChatRequest{
		Message:         prompt,
		ModelName:       desc.UpstreamModel,
		Temporary:       true,
		EnableImageGen:  true,
		FileAttachments: fileIDs,
	})
	if err != nil {
		writeAPIError(w, apierr.Internal("encode upstream image-edit request failed"))
		return
	}

	urls, err := g.runImageSubrequests(ctx, payload, pools, desc, n)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeImageGenerationResponse(w, g, urls, n, r.FormValue("response_format"))
}

// uploadEditAttachments uploads every multipart image file to the upstream
// using one acquired token, returning the file handles to attach to the
// subsequent chat call.
func (g *Gateway) uploadEditAttachments(ctx context.Context, pools []string, files []*multipart.FileHeader) ([]string, error) {
	tried := map[string]bool{}
	tok := g.pickFromPools(pools, tried)
	if tok == nil {
		return nil, apierr.RateLimitExceeded("no available session tokens")
	}

	rc := newImageRetryContext(g)
	var fileIDs []string
	for _, fh := range files {
		b64, mimeType, err := readMultipartFileAsBase64(fh)
		if err != nil {
			return nil, apierr.Validation("read uploaded file %q: %s", fh.Filename, err)
		}
		fileMetadataID, _, err := g.upstream.UploadFile(ctx, rc, tok.Token, fh.Filename, mimeType, b64)
		if err != nil {
			return nil, apierr.Upstream(http.StatusBadGateway, err.Error())
		}
		fileIDs = append(fileIDs, fileMetadataID)
	}
	return fileIDs, nil
}

func readMultipartFileAsBase64(fh *multipart.FileHeader) (b64, mimeType string, err error) {
	f, err := fh.Open()
	if err != nil {
		return "", "", err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return "", "", err
	}
	mimeType = fh.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return base64.StdEncoding.EncodeToString(data), mimeType, nil
}
