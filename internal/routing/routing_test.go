package routing

import (
	"testing"
	"time"

	"github.com/voici5986/grok2api-sub000/internal/tokenpool"
)

func TestPoolCandidatesForModelNonVideo(t *testing.T) {
	pools, err := PoolCandidatesForModel("grok-4-fast", nil)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(pools) == 0 || pools[0] != PoolBasic {
		t.Fatalf("expected basic-first candidate list, got %v", pools)
	}
}

func TestPoolCandidatesForModelVideoHighRes(t *testing.T) {
	pools, err := PoolCandidatesForModel("grok-video", &VideoParams{Resolution: "720p"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if pools[0] != PoolSuper {
		t.Fatalf("expected super-first candidate list for 720p, got %v", pools)
	}
}

func TestPoolCandidatesForModelVideoLongLength(t *testing.T) {
	pools, err := PoolCandidatesForModel("grok-video", &VideoParams{Length: 10 * time.Second})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if pools[0] != PoolSuper {
		t.Fatalf("expected super-first candidate list for length>6s, got %v", pools)
	}
}

func TestPoolCandidatesForModelVideoRequiresSuperAlways(t *testing.T) {
	pools, err := PoolCandidatesForModel("grok-video-super", nil)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(pools) != 1 || pools[0] != PoolSuper {
		t.Fatalf("expected super-only candidate list, got %v", pools)
	}
}

func TestEffortForModel(t *testing.T) {
	effort, err := EffortForModel("grok-4-fast-expert")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if effort != tokenpool.EffortHigh {
		t.Fatalf("expected high effort, got %v", effort)
	}
}

func TestUnknownModelErrors(t *testing.T) {
	if _, err := Lookup("not-a-model"); err == nil {
		t.Fatal("expected error for unknown model")
	}
}

func TestCapabilityFlags(t *testing.T) {
	if !IsImage("grok-2-image") {
		t.Fatal("expected grok-2-image to be an image model")
	}
	if !IsVideo("grok-video") {
		t.Fatal("expected grok-video to be a video model")
	}
	if IsImage("grok-video") || IsVideo("grok-2-image") {
		t.Fatal("capability flags crossed")
	}
}
