// Package routing implements the pure model-descriptor lookups (C8): which
// pools a model may draw tokens from, its effort tier, and its capability
// flags. Nothing here touches a token or the network — it is a table plus
// a handful of functions over it, deliberately kept free of I/O so it can
// be tested without a store or an upstream.
package routing

import (
	"fmt"
	"time"

	"github.com/voici5986/grok2api-sub000/internal/tokenpool"
)

// Pool name constants, matching the teacher's ssoBasic/ssoSuper convention.
const (
	PoolBasic = "ssoBasic"
	PoolSuper = "ssoSuper"
)

// Descriptor maps one external (OpenAI-shaped) model id onto the upstream
// model it is served by and the routing policy that applies to it.
type Descriptor struct {
	ID             string
	UpstreamModel  string
	Mode           string
	Effort         tokenpool.Effort
	Pools          []string // ordered candidate list for non-video models
	IsImage        bool
	IsVideo        bool
	RequiresSuper  bool // video models restricted to ssoSuper regardless of resolution
	DisplayName    string
}

// table is the static model registry. Video entries whose RequiresSuper is
// false still route through GetTokenForVideo's resolution/length rule;
// RequiresSuper pins a model to the super tier unconditionally (e.g. a
// premium-only video variant).
var table = map[string]Descriptor{
	"grok-4-fast": {
		ID: "grok-4-fast", UpstreamModel: "grok-4-fast", Mode: "default",
		Effort: tokenpool.EffortLow, Pools: []string{PoolBasic, PoolSuper},
		DisplayName: "Grok 4 Fast",
	},
	"grok-4-fast-reasoning": {
		ID: "grok-4-fast-reasoning", UpstreamModel: "grok-4-fast", Mode: "reasoning",
		Effort: tokenpool.EffortLow, Pools: []string{PoolBasic, PoolSuper},
		DisplayName: "Grok 4 Fast (Reasoning)",
	},
	"grok-4-fast-expert": {
		ID: "grok-4-fast-expert", UpstreamModel: "grok-4-fast", Mode: "expert",
		Effort: tokenpool.EffortHigh, Pools: []string{PoolSuper, PoolBasic},
		DisplayName: "Grok 4 Fast (Expert)",
	},
	"grok-4": {
		ID: "grok-4", UpstreamModel: "grok-4", Mode: "default",
		Effort: tokenpool.EffortHigh, Pools: []string{PoolSuper, PoolBasic},
		DisplayName: "Grok 4",
	},
	"grok-3": {
		ID: "grok-3", UpstreamModel: "grok-3", Mode: "default",
		Effort: tokenpool.EffortLow, Pools: []string{PoolBasic, PoolSuper},
		DisplayName: "Grok 3",
	},
	"grok-2-image": {
		ID: "grok-2-image", UpstreamModel: "grok-2-image", Mode: "default",
		Effort: tokenpool.EffortLow, Pools: []string{PoolBasic, PoolSuper},
		IsImage: true, DisplayName: "Grok 2 Image",
	},
	"grok-video": {
		ID: "grok-video", UpstreamModel: "grok-video", Mode: "default",
		Effort: tokenpool.EffortHigh, Pools: []string{PoolBasic, PoolSuper},
		IsVideo: true, DisplayName: "Grok Video",
	},
	"grok-video-super": {
		ID: "grok-video-super", UpstreamModel: "grok-video", Mode: "spicy",
		Effort: tokenpool.EffortHigh, Pools: []string{PoolSuper},
		IsVideo: true, RequiresSuper: true, DisplayName: "Grok Video (Spicy)",
	},
}

// ErrUnknownModel is returned when an id has no descriptor.
type ErrUnknownModel struct{ Model string }

func (e *ErrUnknownModel) Error() string { return fmt.Sprintf("routing: unknown model %q", e.Model) }

// Lookup returns the descriptor for modelID.
func Lookup(modelID string) (Descriptor, error) {
	d, ok := table[modelID]
	if !ok {
		return Descriptor{}, &ErrUnknownModel{Model: modelID}
	}
	return d, nil
}

// List returns every known descriptor, for the GET /v1/models surface.
func List() []Descriptor {
	out := make([]Descriptor, 0, len(table))
	for _, d := range table {
		out = append(out, d)
	}
	return out
}

// VideoParams mirrors tokenpool.VideoParams for the routing-level decision
// of which pool a video request's candidate list should start with.
type VideoParams struct {
	Resolution string
	Length     time.Duration
}

func (p VideoParams) requiresSuperTier() bool {
	return p.Resolution == "720p" || p.Length > 6*time.Second
}

// PoolCandidatesForModel returns the ordered pool candidate list for
// modelID. video is nil for non-video models; for video models it decides
// whether the super tier leads the list.
func PoolCandidatesForModel(modelID string, video *VideoParams) ([]string, error) {
	d, err := Lookup(modelID)
	if err != nil {
		return nil, err
	}
	if !d.IsVideo {
		return d.Pools, nil
	}
	if d.RequiresSuper {
		return []string{PoolSuper}, nil
	}
	if video != nil && video.requiresSuperTier() {
		return []string{PoolSuper, PoolBasic}, nil
	}
	return []string{PoolBasic, PoolSuper}, nil
}

// EffortForModel returns the quota-cost tier for modelID.
func EffortForModel(modelID string) (tokenpool.Effort, error) {
	d, err := Lookup(modelID)
	if err != nil {
		return "", err
	}
	return d.Effort, nil
}

// IsImage reports whether modelID is an image-generation model.
func IsImage(modelID string) bool {
	d, err := Lookup(modelID)
	return err == nil && d.IsImage
}

// IsVideo reports whether modelID is a video-generation model.
func IsVideo(modelID string) bool {
	d, err := Lookup(modelID)
	return err == nil && d.IsVideo
}
