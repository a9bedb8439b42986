package streamproc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voici5986/grok2api-sub000/internal/apierr"
)

type wsImageMessage struct {
	ImageID  string `json:"imageId"`
	URL      string `json:"url"`
	BlobSize int64  `json:"blobSize"`
}

type wsReadResult struct {
	data []byte
	err  error
}

// ImageWSProcessor consumes the upstream's image-generation WebSocket
// (§4.5.4): every image id progresses through preview, medium, then final
// stages, distinguished by blob size (or a .jpg/.jpeg URL extension, which
// always means final regardless of size). A final timeout guards against
// the upstream stalling between the first medium-stage message and a
// final one.
type ImageWSProcessor struct {
	conn     *websocket.Conn
	w        http.ResponseWriter
	flusher  http.Flusher
	resolver AssetResolver

	n              int
	mediumMinBytes int64
	finalMinBytes  int64
	finalTimeout   time.Duration

	indexByImageID map[string]int
	bestSeen       map[string]int64
	nextIndex      int
}

func NewImageWSProcessor(conn *websocket.Conn, w http.ResponseWriter, resolver AssetResolver, n int, mediumMinBytes, finalMinBytes int64, finalTimeout time.Duration) (*ImageWSProcessor, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streamproc: response writer does not support flushing")
	}
	return &ImageWSProcessor{
		conn: conn, w: w, flusher: flusher, resolver: resolver,
		n: n, mediumMinBytes: mediumMinBytes, finalMinBytes: finalMinBytes, finalTimeout: finalTimeout,
		indexByImageID: make(map[string]int), bestSeen: make(map[string]int64),
	}, nil
}

func (p *ImageWSProcessor) writeEvent(eventType string, payload map[string]any) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(p.w, "event: %s\ndata: %s\n\n", eventType, body)
	p.flusher.Flush()
}

func classifyStage(url string, blobSize, mediumMinBytes, finalMinBytes int64) string {
	lower := strings.ToLower(url)
	if strings.HasSuffix(lower, ".jpg") || strings.HasSuffix(lower, ".jpeg") || blobSize >= finalMinBytes {
		return "final"
	}
	if blobSize >= mediumMinBytes {
		return "medium"
	}
	return "preview"
}

func (p *ImageWSProcessor) pump(out chan<- wsReadResult) {
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			out <- wsReadResult{err: err}
			return
		}
		out <- wsReadResult{data: data}
	}
}

// Run drives the WebSocket until n finals have been assigned indices, the
// final timeout trips, or the connection errors.
func (p *ImageWSProcessor) Run(ctx context.Context) error {
	msgs := make(chan wsReadResult, 32)
	go p.pump(msgs)

	var finalDeadline <-chan time.Time
	finalsAssigned := 0

	for finalsAssigned < p.n {
		select {
		case m := <-msgs:
			if m.err != nil {
				return m.err
			}
			var msg wsImageMessage
			if err := json.Unmarshal(m.data, &msg); err != nil {
				continue
			}

			stage := classifyStage(msg.URL, msg.BlobSize, p.mediumMinBytes, p.finalMinBytes)
			if msg.BlobSize > p.bestSeen[msg.ImageID] {
				p.bestSeen[msg.ImageID] = msg.BlobSize
			}

			switch stage {
			case "preview":
				p.writeEvent("image_generation.partial_image", map[string]any{
					"type": "image_generation.partial_image", "partial_image_index": 0,
				})
			case "medium":
				if finalDeadline == nil {
					finalDeadline = time.NewTimer(p.finalTimeout).C
				}
				p.writeEvent("image_generation.partial_image", map[string]any{
					"type": "image_generation.partial_image", "partial_image_index": 1,
				})
			case "final":
				idx, seen := p.indexByImageID[msg.ImageID]
				if !seen {
					if p.nextIndex >= p.n {
						continue // drop beyond n
					}
					idx = p.nextIndex
					p.indexByImageID[msg.ImageID] = idx
					p.nextIndex++
					finalsAssigned++
				}

				resolved := msg.URL
				if p.resolver != nil {
					if r, err := p.resolver.ResolveImage(ctx, msg.URL); err == nil {
						resolved = r
					}
				}
				payload := map[string]any{"type": "image_generation.completed", "image_index": idx}
				if strings.HasPrefix(resolved, "data:") {
					if _, data, ok := strings.Cut(resolved, ","); ok {
						payload["b64_json"] = data
					}
				} else {
					payload["url"] = resolved
				}
				p.writeEvent("image_generation.completed", payload)
			}
		case <-finalDeadline:
			return apierr.Upstream(504, "image generation final timeout waiting for completion")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
