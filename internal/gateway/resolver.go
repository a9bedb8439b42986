package gateway

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/voici5986/grok2api-sub000/internal/assetcache"
)

// assetResolver adapts assetcache.Cache + upstream.Client to the
// streamproc.AssetResolver interface for one in-flight request, bound to
// the session token that produced the asset (asset downloads are
// token-scoped, so the resolver can't be a shared, tokenless singleton).
type assetResolver struct {
	g     *Gateway
	token string
}

func (g *Gateway) newResolver(token string) *assetResolver {
	return &assetResolver{g: g, token: token}
}

func (r *assetResolver) ResolveImage(ctx context.Context, assetURL string) (string, error) {
	return r.resolve(ctx, assetcache.MediaImage, assetURL, r.g.cfg.ImageFormat, "image/jpeg")
}

func (r *assetResolver) ResolveVideo(ctx context.Context, assetURL string) (string, error) {
	format := r.g.cfg.VideoFormat
	if format == "html" {
		format = "url" // the HTML wrapping happens in the stream processor itself
	}
	return r.resolve(ctx, assetcache.MediaVideo, assetURL, format, "video/mp4")
}

func (r *assetResolver) resolve(ctx context.Context, mt assetcache.MediaType, assetURL, format, mimeType string) (string, error) {
	headers, err := r.g.upstream.DownloadHeaders(r.token)
	if err != nil {
		return "", err
	}
	path := pathOf(assetURL)
	key := assetcache.KeyFromPath(path)
	downloadURL := assetURL
	if !strings.Contains(assetURL, "://") {
		downloadURL = r.g.upstream.AssetURL(path)
	}

	if format == "base64" {
		b64, err := r.g.assets.DownloadBase64(ctx, mt, key, downloadURL, headers)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("data:%s;base64,%s", mimeType, b64), nil
	}

	if _, err := r.g.assets.Download(ctx, mt, key, downloadURL, headers); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/v1/files/%s/%s", strings.TrimSuffix(r.g.cfg.AppURL, "/"), mt, key), nil
}

// pathOf returns assetURL's path component, or assetURL itself if it isn't
// a well-formed absolute URL. A bare relative path is the common case for
// generatedImageUrls, which the upstream serves under its asset host.
func pathOf(assetURL string) string {
	u, err := url.Parse(assetURL)
	if err != nil || u.Path == "" {
		return assetURL
	}
	return u.Path
}
