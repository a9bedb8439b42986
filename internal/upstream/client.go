// Package upstream builds and executes the per-endpoint requests against
// Grok's reverse-engineered web API (C4): chat completion, asset
// upload/list/delete/download, media-post creation, the rate-limits
// probe, NSFW enablement over gRPC-Web, the LiveKit voice token exchange,
// and the image-generation WebSocket. Every method emits headers via
// internal/header; the REST methods run inside internal/retryengine and
// surface non-2xx responses as *Error so the caller decides whether the
// failure counts against the token (§4.4's common contract). The WebSocket
// dial and the gRPC-Web calls are made once, without retries.
//
// Grounded on the teacher's internal/relay/relay.go request-construction
// style (build request, set headers, client.Do, classify status) adapted
// from a single combined handler into one client method per endpoint.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/voici5986/grok2api-sub000/internal/config"
	"github.com/voici5986/grok2api-sub000/internal/header"
	"github.com/voici5986/grok2api-sub000/internal/retryengine"
	"github.com/voici5986/grok2api-sub000/internal/transport"
)

// Error is an upstream non-2xx response, carrying enough to let the caller
// decide whether it counts as a token failure, a cooling signal, or a
// fatal error for the current request.
type Error struct {
	Status  int
	Body    []byte
	Headers http.Header
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream: status %d: %s", e.Status, truncate(string(e.Body), 300))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// RetryAfter extracts the Retry-After header as a duration, or nil if
// absent/unparseable. Honored ahead of any computed backoff (§4.2).
func (e *Error) RetryAfter() *time.Duration {
	raw := e.Headers.Get("Retry-After")
	if raw == "" {
		return nil
	}
	if secs, err := time.ParseDuration(raw + "s"); err == nil {
		return &secs
	}
	return nil
}

// RetryAfterOf adapts (*Error).RetryAfter to retryengine.RetryAfterFunc.
func RetryAfterOf(err error) *time.Duration {
	if ue, ok := err.(*Error); ok {
		return ue.RetryAfter()
	}
	return nil
}

// StatusOf extracts the HTTP status from err for retryengine's attempt
// loop, defaulting to 0 (non-retryable) for non-upstream errors.
func StatusOf(err error) int {
	if ue, ok := err.(*Error); ok {
		return ue.Status
	}
	return 0
}

// Client issues requests against one upstream deployment.
type Client struct {
	cfg       *config.Config
	headers   *header.Builder
	transport *transport.Manager
}

func NewClient(cfg *config.Config, headers *header.Builder, tm *transport.Manager) *Client {
	return &Client{cfg: cfg, headers: headers, transport: tm}
}

func (c *Client) httpClient() *http.Client {
	return c.transport.GetClient(nil)
}

// buildRequest constructs an upstream request with impersonation headers.
// body may be nil for GET/DELETE.
func (c *Client) buildRequest(ctx context.Context, method, url, token string, body []byte, uploadFile bool) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	h, err := c.headers.Build(req.URL.Path, token, c.cfg.CfClearance, uploadFile)
	if err != nil {
		return nil, fmt.Errorf("upstream: build headers: %w", err)
	}
	req.Header = h
	return req, nil
}

// do executes req once and classifies the response: 2xx returns the body
// and headers; anything else returns *Error.
func (c *Client) do(req *http.Request) ([]byte, http.Header, error) {
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("upstream: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("upstream: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, &Error{Status: resp.StatusCode, Body: body, Headers: resp.Header}
	}
	return body, resp.Header, nil
}

// doRetrying wraps do in the retry/backoff schedule described by rc. rc's
// retryable status set decides which statuses get retried here versus
// bubbling up as *Error for the caller (e.g. the chat entrypoint excludes
// 429 so it can fail over to another token instead, per §4.2).
func (c *Client) doRetrying(ctx context.Context, rc *retryengine.Context, buildReq func(attempt int) (*http.Request, error)) ([]byte, http.Header, error) {
	type result struct {
		body []byte
		hdr  http.Header
	}
	r, err := retryengine.Run(ctx, rc, func(ctx context.Context, attempt int) (result, int, error) {
		req, err := buildReq(attempt)
		if err != nil {
			return result{}, 0, err
		}
		body, hdr, err := c.do(req)
		if err != nil {
			return result{}, StatusOf(err), err
		}
		return result{body: body, hdr: hdr}, 200, nil
	}, RetryAfterOf)
	if err != nil {
		return nil, nil, err
	}
	return r.body, r.hdr, nil
}

// doStreamRetrying is like doRetrying but returns the live response body
// reader for streaming endpoints instead of buffering it. Only the
// connection-establishment phase is retried; once a 2xx is reached the
// raw *http.Response is handed to the caller for stream consumption.
func (c *Client) doStreamRetrying(ctx context.Context, rc *retryengine.Context, buildReq func(attempt int) (*http.Request, error)) (*http.Response, error) {
	return retryengine.Run(ctx, rc, func(ctx context.Context, attempt int) (*http.Response, int, error) {
		req, err := buildReq(attempt)
		if err != nil {
			return nil, 0, err
		}
		resp, err := c.httpClient().Do(req)
		if err != nil {
			return nil, 0, fmt.Errorf("upstream: request failed: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			uerr := &Error{Status: resp.StatusCode, Body: body, Headers: resp.Header}
			return nil, resp.StatusCode, uerr
		}
		return resp, 200, nil
	}, RetryAfterOf)
}
