package gateway

import (
	"net/http"
	"strings"

	"github.com/voici5986/grok2api-sub000/internal/apierr"
)

// requireAppKey gates the admin batch surface behind the static app key
// (§6's admin authentication contract), grounded on the teacher's
// auth.NewMiddleware bearer-token check.
func (g *Gateway) requireAppKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := bearerToken(r)
		if key == "" || key != g.cfg.StaticToken {
			writeAPIError(w, apierr.New(apierr.TypeAuthentication, "invalid_app_key", "missing or invalid app key"))
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return after
	}
	if k := r.Header.Get("X-App-Key"); k != "" {
		return k
	}
	return ""
}
