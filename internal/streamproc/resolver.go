package streamproc

import "context"

// AssetResolver turns an upstream-hosted asset URL into whatever form the
// client should see: the raw upstream URL, a rewritten gateway URL backed
// by C7's local cache, or an inline base64 data URI — the choice is left
// to the concrete implementation (wired in internal/gateway from
// internal/assetcache + internal/upstream + config's image/video format
// setting).
type AssetResolver interface {
	ResolveImage(ctx context.Context, assetURL string) (string, error)
	ResolveVideo(ctx context.Context, assetURL string) (string, error)
}
