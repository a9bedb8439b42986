package tokenpool

import "time"

// Status is a token's lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusCooling  Status = "cooling"
	StatusExpired  Status = "expired"
	StatusDisabled Status = "disabled"
)

// Effort is the atomic unit of quota decrement charged at request completion.
type Effort string

const (
	EffortLow  Effort = "low"
	EffortHigh Effort = "high"
)

// EffortCost maps an Effort to the quota units it consumes.
var EffortCost = map[Effort]int{
	EffortLow:  1,
	EffortHigh: 4,
}

// maxFailCount is the consecutive-401 threshold past which a token is
// marked expired.
const maxFailCount = 5

// TokenInfo is one upstream session-token credential.
type TokenInfo struct {
	Token  string
	Pool   string
	Status Status
	Quota  int

	CreatedAt        time.Time
	LastUsedAt       time.Time
	LastSyncAt       time.Time
	LastFailAt       time.Time
	LastAssetClearAt time.Time

	UseCount       int
	FailCount      int
	LastFailReason string

	Tags []string
}

// hasTag reports whether t carries tag.
func (t *TokenInfo) hasTag(tag string) bool {
	for _, existing := range t.Tags {
		if existing == tag {
			return true
		}
	}
	return false
}

// wsOnlyTag marks a token whose upstream account only supports the
// ws/imagine/listen image-generation transport, not the conversations/new
// chat-completion path (§6.2's WebSocket surface).
const wsOnlyTag = "ws-only"

// HasTag reports whether t carries tag. Exported for callers outside the
// package (request entrypoints branching on capability tags).
func (t *TokenInfo) HasTag(tag string) bool {
	return t.hasTag(tag)
}

// IsWSOnly reports whether t must use the WebSocket image-generation path.
func (t *TokenInfo) IsWSOnly() bool {
	return t.hasTag(wsOnlyTag)
}

// recomputeStatus applies the quota/status invariant: quota == 0 implies a
// non-active status, and a non-zero quota on a cooling token restores it to
// active. Expired and disabled are sticky — only admin action or
// record_success's recovery path (cooling -> active) may change them, so
// this never promotes an expired/disabled token.
func (t *TokenInfo) recomputeStatus() {
	if t.Status == StatusExpired || t.Status == StatusDisabled {
		return
	}
	if t.Quota <= 0 {
		t.Status = StatusCooling
	} else if t.Status == StatusCooling {
		t.Status = StatusActive
	}
}
