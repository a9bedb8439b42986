package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/voici5986/grok2api-sub000/internal/grpcweb"
	"github.com/voici5986/grok2api-sub000/internal/retryengine"
)

// SetBirthDate satisfies the precondition the upstream enforces before
// NSFW content can be enabled for an account.
func (c *Client) SetBirthDate(ctx context.Context, rc *retryengine.Context, token, birthDate string) error {
	body, err := json.Marshal(map[string]string{"birthDate": birthDate})
	if err != nil {
		return fmt.Errorf("upstream: encode birth-date body: %w", err)
	}
	reqURL := c.cfg.UpstreamBaseURL + "/rest/auth/set-birth-date"
	_, _, err = c.doRetrying(ctx, rc, reqBuilder(c, ctx, http.MethodPost, reqURL, token, body))
	return err
}

// randomBirthDate synthesizes a plausible adult birth date/time (20-48
// years old), matching the shape the upstream's web client sends.
func randomBirthDate() string {
	today := time.Now()
	year := today.Year() - 20 - rand.Intn(29)
	month := 1 + rand.Intn(12)
	day := 1 + rand.Intn(28)
	hour, minute, sec, ms := rand.Intn(24), rand.Intn(60), rand.Intn(60), rand.Intn(1000)
	return fmt.Sprintf("%04d-%02d-%02dT%02d:%02d:%02d.%03dZ", year, month, day, hour, minute, sec, ms)
}

// grpcCall issues a single gRPC-Web request against method (e.g.
// "SetTosAcceptedVersion") and returns the decoded status.
func (c *Client) grpcCall(ctx context.Context, token, method string, message []byte) (grpcweb.Status, error) {
	reqURL := c.cfg.UpstreamBaseURL + "/auth_mgmt.AuthManagement/" + method

	h, err := c.headers.Build(reqURL, token, c.cfg.CfClearance, false)
	if err != nil {
		return grpcweb.Status{}, fmt.Errorf("upstream: build grpc-web headers: %w", err)
	}
	h.Set("Content-Type", "application/grpc-web+proto")
	h.Set("Accept", "application/grpc-web+proto")
	h.Set("X-Grpc-Web", "1")

	frame := grpcweb.EncodeDataFrame(message)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(frame))
	if err != nil {
		return grpcweb.Status{}, fmt.Errorf("upstream: build grpc-web request: %w", err)
	}
	req.Header = h

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return grpcweb.Status{}, fmt.Errorf("upstream: grpc-web request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return grpcweb.Status{}, fmt.Errorf("upstream: read grpc-web response: %w", err)
	}

	headerMap := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headerMap[k] = resp.Header.Get(k)
	}

	_, trailers, err := grpcweb.ParseResponse(respBody, resp.Header.Get("Content-Type"), headerMap)
	if err != nil {
		return grpcweb.Status{}, fmt.Errorf("upstream: parse grpc-web response: %w", err)
	}
	return grpcweb.GetStatus(trailers), nil
}

// NSFWEnable sets a birth date (the precondition the upstream enforces
// before NSFW content can be enabled), then runs the two-call gRPC-Web
// sequence (accept ToS version, then flip the NSFW feature control),
// mapping any non-OK status to *Error so the caller can classify it like
// any other upstream error (§4.4).
func (c *Client) NSFWEnable(ctx context.Context, token string) error {
	if err := c.SetBirthDate(ctx, retryengine.New(c.cfg), token, randomBirthDate()); err != nil {
		return err
	}

	status, err := c.grpcCall(ctx, token, "SetTosAcceptedVersion", []byte(`{"version":1}`))
	if err != nil {
		return err
	}
	if !status.OK() {
		return &Error{Status: status.HTTPEquiv(), Body: []byte(status.Message)}
	}

	status, err = c.grpcCall(ctx, token, "UpdateUserFeatureControls", []byte(`{"nsfwEnabled":true}`))
	if err != nil {
		return err
	}
	if !status.OK() {
		return &Error{Status: status.HTTPEquiv(), Body: []byte(status.Message)}
	}
	return nil
}
