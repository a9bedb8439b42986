// Package assetcache is a content-addressed local cache of assets
// downloaded from the upstream (generated images and videos), bounded by a
// per-media-type size cap with least-recently-modified eviction (C7). It
// has no teacher equivalent in yansircc-cc-relayer — cc-relayer proxies
// Anthropic responses directly without a local asset store — so this
// package is grounded on the behavioral contract in spec.md §4.7 rather
// than a specific teacher file, following the teacher's general style
// (small struct, context-aware methods, slog for eviction activity).
package assetcache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// MediaType selects which subdirectory (and size cap) an asset belongs to.
type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
)

// Cache is a bounded local disk cache keyed by a path-derived filename.
type Cache struct {
	baseDir string
	caps    map[MediaType]int64 // bytes
	client  *http.Client

	mu sync.Mutex // serializes eviction scans
}

func New(baseDir string, imageCapMB, videoCapMB int64, client *http.Client) (*Cache, error) {
	for _, mt := range []MediaType{MediaImage, MediaVideo} {
		if err := os.MkdirAll(filepath.Join(baseDir, string(mt)), 0o755); err != nil {
			return nil, fmt.Errorf("assetcache: mkdir %s: %w", mt, err)
		}
	}
	return &Cache{
		baseDir: baseDir,
		caps: map[MediaType]int64{
			MediaImage: imageCapMB * 1024 * 1024,
			MediaVideo: videoCapMB * 1024 * 1024,
		},
		client: client,
	}, nil
}

// KeyFromPath derives the cache filename from an upstream URL path: the
// path with every "/" replaced by "-".
func KeyFromPath(urlPath string) string {
	trimmed := strings.TrimPrefix(urlPath, "/")
	return strings.ReplaceAll(trimmed, "/", "-")
}

func (c *Cache) dir(mt MediaType) string { return filepath.Join(c.baseDir, string(mt)) }

// Lookup returns the local path for key if already cached, or "" if not.
func (c *Cache) Lookup(mt MediaType, key string) string {
	path := filepath.Join(c.dir(mt), key)
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// Download issues an authenticated GET against assetURL, streams the body
// atomically to the cache directory under key, and schedules eviction.
// Returns the local path.
func (c *Cache) Download(ctx context.Context, mt MediaType, key, assetURL string, headers http.Header) (string, error) {
	if path := c.Lookup(mt, key); path != "" {
		return path, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, assetURL, nil)
	if err != nil {
		return "", fmt.Errorf("assetcache: build request: %w", err)
	}
	for k, vals := range headers {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("assetcache: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("assetcache: download status %d", resp.StatusCode)
	}

	final := filepath.Join(c.dir(mt), key)
	tmp := final + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("assetcache: create temp file: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("assetcache: write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("assetcache: close temp file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("assetcache: rename into place: %w", err)
	}

	go c.evict(mt)
	return final, nil
}

// DownloadBase64 downloads assetURL to a temporary cache entry, reads and
// base64-std-encodes it, then deletes the temporary file. Used when a
// client requested b64_json/inline responses instead of a gateway URL.
func (c *Cache) DownloadBase64(ctx context.Context, mt MediaType, key, assetURL string, headers http.Header) (string, error) {
	path, err := c.Download(ctx, mt, key, assetURL, headers)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("assetcache: read for inline: %w", err)
	}
	_ = os.Remove(path)
	return encodeBase64(data), nil
}

// evict removes entries in ascending mtime order until the media type's
// total size is under its cap. Errors during the scan are logged and
// otherwise ignored — eviction is best-effort background housekeeping.
func (c *Cache) evict(mt MediaType) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cap := c.caps[mt]
	if cap <= 0 {
		return
	}

	dir := c.dir(mt)
	entries, err := os.ReadDir(dir)
	if err != nil {
		slog.Warn("assetcache: read dir for eviction failed", "dir", dir, "error", err)
		return
	}

	type fileInfo struct {
		name    string
		size    int64
		modTime int64
	}
	var files []fileInfo
	var total int64
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{name: e.Name(), size: info.Size(), modTime: info.ModTime().UnixNano()})
		total += info.Size()
	}
	if total <= cap {
		return
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime < files[j].modTime })

	for _, f := range files {
		if total <= cap {
			break
		}
		if err := os.Remove(filepath.Join(dir, f.name)); err != nil {
			continue
		}
		total -= f.size
		slog.Debug("assetcache: evicted entry", "mediaType", mt, "file", f.name, "bytes", f.size)
	}
}
