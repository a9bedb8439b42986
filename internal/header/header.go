package header

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/voici5986/grok2api-sub000/internal/config"
)

// Builder assembles upstream request headers and cookies for Grok's
// reverse-engineered web API, impersonating the browser fingerprint the
// upstream service's own frontend would send.
type Builder struct {
	cfg *config.Config
}

func NewBuilder(cfg *config.Config) *Builder {
	return &Builder{cfg: cfg}
}

// Build returns the header set for a request against pathname, using token
// as the session credential and cfClearance as the optional Cloudflare
// clearance cookie. uploadFile switches Content-Type for the file-upload
// endpoint, which expects text/plain instead of JSON.
func (b *Builder) Build(pathname, token, cfClearance string, uploadFile bool) (http.Header, error) {
	statsigID, err := GenStatsigID(b.cfg.DynamicStatsig)
	if err != nil {
		return nil, err
	}

	contentType := "application/json"
	if uploadFile {
		contentType = "text/plain;charset=UTF-8"
	}

	h := make(http.Header)
	h.Set("Accept", "*/*")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Accept-Encoding", "gzip, deflate, br, zstd")
	h.Set("Content-Type", contentType)
	h.Set("Connection", "keep-alive")
	h.Set("Origin", "https://grok.com")
	h.Set("Priority", "u=1, i")
	h.Set("User-Agent", b.cfg.UserAgent)
	h.Set("Sec-Ch-Ua", `"Not(A:Brand";v="99", "Google Chrome";v="133", "Chromium";v="133"`)
	h.Set("Sec-Ch-Ua-Mobile", "?0")
	h.Set("Sec-Ch-Ua-Platform", `"macOS"`)
	h.Set("Sec-Fetch-Dest", "empty")
	h.Set("Sec-Fetch-Mode", "cors")
	h.Set("Sec-Fetch-Site", "same-origin")
	h.Set("Baggage", "sentry-public_key=b311e0f2690c81f25e2c4cf6d4f7ce1c")
	h.Set("x-statsig-id", statsigID)
	h.Set("x-xai-request-id", uuid.NewString())
	h.Set("Cookie", BuildCookie(token, cfClearance))

	return h, nil
}

// BuildCookie assembles the session cookie header value: the session token
// as both sso and sso-rw (always both), plus an optional Cloudflare
// clearance cookie appended after a semicolon.
func BuildCookie(token, cfClearance string) string {
	var b strings.Builder
	b.WriteString("sso=")
	b.WriteString(token)
	b.WriteString("; sso-rw=")
	b.WriteString(token)
	if cfClearance != "" {
		b.WriteString("; cf_clearance=")
		b.WriteString(cfClearance)
	}
	return b.String()
}
