package gateway

import (
	"net/http"

	"github.com/voici5986/grok2api-sub000/internal/apierr"
	"github.com/voici5986/grok2api-sub000/internal/assetcache"
)

// handleFiles serves a previously cached asset back to the client by its
// gateway-rewritten path (§6.1's GET /v1/files/{media_type}/{path}).
func (g *Gateway) handleFiles(w http.ResponseWriter, r *http.Request) {
	mediaType := assetcache.MediaType(r.PathValue("media_type"))
	key := r.PathValue("key")
	if mediaType != assetcache.MediaImage && mediaType != assetcache.MediaVideo {
		writeAPIError(w, apierr.Validation("unknown media type %q", mediaType))
		return
	}

	path := g.assets.Lookup(mediaType, key)
	if path == "" {
		writeAPIError(w, apierr.New(apierr.TypeValidation, "not_found", "asset not cached").WithStatus(http.StatusNotFound))
		return
	}
	http.ServeFile(w, r, path)
}
