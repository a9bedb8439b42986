package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// ImageWSRequest is the first message sent on the image-generation
// WebSocket once connected.
type ImageWSRequest struct {
	Prompt string `json:"prompt"`
	Count  int    `json:"count"`
}

// OpenImageWS dials the upstream's image-generation WebSocket, authenticated
// with the same cookie/impersonation headers as the HTTP clients, and sends
// the initial prompt message. The returned connection is handed to the
// image WebSocket stream processor (§4.5.4), which owns its lifecycle.
func (c *Client) OpenImageWS(ctx context.Context, token, prompt string, n int) (*websocket.Conn, error) {
	wsURL := strings.Replace(c.cfg.UpstreamBaseURL, "https://", "wss://", 1) + "/ws/imagine/listen"
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)

	h, err := c.headers.Build("/ws/imagine/listen", token, c.cfg.CfClearance, false)
	if err != nil {
		return nil, fmt.Errorf("upstream: build image-ws headers: %w", err)
	}
	reqHeader := http.Header{}
	reqHeader.Set("Cookie", h.Get("Cookie"))
	reqHeader.Set("User-Agent", h.Get("User-Agent"))
	reqHeader.Set("Origin", h.Get("Origin"))

	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	conn, resp, err := dialer.DialContext(ctx, wsURL, reqHeader)
	if err != nil {
		status := 502
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, &Error{Status: status, Body: []byte(err.Error())}
	}

	payload, err := json.Marshal(ImageWSRequest{Prompt: prompt, Count: n})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("upstream: encode image-ws request: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		conn.Close()
		return nil, fmt.Errorf("upstream: send image-ws request: %w", err)
	}
	return conn, nil
}
