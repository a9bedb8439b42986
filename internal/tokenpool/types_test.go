package tokenpool

import "testing"

func TestIsWSOnly(t *testing.T) {
	plain := &TokenInfo{Tags: []string{"nsfw"}}
	if plain.IsWSOnly() {
		t.Fatal("expected plain token to not be ws-only")
	}

	wsOnly := &TokenInfo{Tags: []string{"ws-only"}}
	if !wsOnly.IsWSOnly() {
		t.Fatal("expected tagged token to be ws-only")
	}
}
