package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/voici5986/grok2api-sub000/internal/apierr"
	"github.com/voici5986/grok2api-sub000/internal/retryengine"
	"github.com/voici5986/grok2api-sub000/internal/routing"
	"github.com/voici5986/grok2api-sub000/internal/upstream"
)

type voiceTokenResponse struct {
	Token           string `json:"token"`
	URL             string `json:"url"`
	ParticipantName string `json:"participant_name"`
	RoomName        string `json:"room_name"`
}

// handleVoiceToken brokers a LiveKit access token for the client's own
// WebSocket relay; the core never relays voice-mode audio itself (§1's
// Non-goals).
func (g *Gateway) handleVoiceToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	pools, err := routing.PoolCandidatesForModel("grok-4-fast", nil)
	if err != nil {
		writeAPIError(w, apierr.Internal(err.Error()))
		return
	}
	tok := g.pickFromPools(pools, nil)
	if tok == nil {
		writeAPIError(w, apierr.RateLimitExceeded("no available session tokens"))
		return
	}

	roomName := "voice-" + uuid.NewString()
	participantName := "user-" + uuid.NewString()

	rc := retryengine.New(g.cfg)
	lk, err := g.upstream.LiveKitToken(ctx, rc, tok.Token, roomName, participantName)
	if err != nil {
		if ue, ok := err.(*upstream.Error); ok {
			writeAPIError(w, apierr.Upstream(ue.Status, string(ue.Body)))
			return
		}
		writeAPIError(w, apierr.Internal(err.Error()))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(voiceTokenResponse{
		Token:           lk.Token,
		URL:             "wss://livekit.grok.com",
		ParticipantName: participantName,
		RoomName:        roomName,
	})
}
