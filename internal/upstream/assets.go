package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/voici5986/grok2api-sub000/internal/retryengine"
)

// Asset is one entry returned by the assets list endpoint.
type Asset struct {
	ID         string `json:"assetId"`
	FileName   string `json:"fileName"`
	CreateTime string `json:"createTime"`
}

type uploadFileRequest struct {
	FileName     string `json:"fileName"`
	FileMimeType string `json:"fileMimeType"`
	Content      string `json:"content"`
}

type uploadFileResponse struct {
	FileMetadataID string `json:"fileMetadataId"`
	FileURI        string `json:"fileUri"`
}

// UploadFile sends a base64-encoded file payload and returns the upstream's
// file handle for attaching to a subsequent chat request.
func (c *Client) UploadFile(ctx context.Context, rc *retryengine.Context, token, fileName, mimeType, base64Content string) (fileMetadataID, fileURI string, err error) {
	body, err := json.Marshal(uploadFileRequest{FileName: fileName, FileMimeType: mimeType, Content: base64Content})
	if err != nil {
		return "", "", fmt.Errorf("upstream: encode upload body: %w", err)
	}
	reqURL := c.cfg.UpstreamBaseURL + "/rest/app-chat/upload-file"
	respBody, _, err := c.doRetrying(ctx, rc, func(attempt int) (*http.Request, error) {
		return c.buildRequest(ctx, http.MethodPost, reqURL, token, body, true)
	})
	if err != nil {
		return "", "", err
	}
	var out uploadFileResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", "", fmt.Errorf("upstream: decode upload response: %w", err)
	}
	return out.FileMetadataID, out.FileURI, nil
}

type listAssetsResponse struct {
	Assets        []Asset `json:"assets"`
	NextPageToken string  `json:"nextPageToken"`
}

// ListAssets pages through GET /rest/assets until nextPageToken is absent
// or repeats, per §4.4's pagination contract.
func (c *Client) ListAssets(ctx context.Context, rc *retryengine.Context, token string) ([]Asset, error) {
	var all []Asset
	pageToken := ""
	for {
		reqURL := c.cfg.UpstreamBaseURL + "/rest/assets"
		if pageToken != "" {
			reqURL += "?pageToken=" + url.QueryEscape(pageToken)
		}
		respBody, _, err := c.doRetrying(ctx, rc, func(attempt int) (*http.Request, error) {
			return c.buildRequest(ctx, http.MethodGet, reqURL, token, nil, false)
		})
		if err != nil {
			return all, err
		}
		var page listAssetsResponse
		if err := json.Unmarshal(respBody, &page); err != nil {
			return all, fmt.Errorf("upstream: decode assets page: %w", err)
		}
		all = append(all, page.Assets...)
		if page.NextPageToken == "" || page.NextPageToken == pageToken {
			return all, nil
		}
		pageToken = page.NextPageToken
	}
}

// DeleteAsset removes a single asset by id.
func (c *Client) DeleteAsset(ctx context.Context, rc *retryengine.Context, token, assetID string) error {
	reqURL := c.cfg.UpstreamBaseURL + "/rest/assets/" + url.PathEscape(assetID)
	_, _, err := c.doRetrying(ctx, rc, func(attempt int) (*http.Request, error) {
		return c.buildRequest(ctx, http.MethodDelete, reqURL, token, nil, false)
	})
	return err
}

// DownloadHeaders builds the header set asset downloads need (cookie and
// browser-impersonation headers, no JSON-specific content type) for use
// with internal/assetcache against the asset host.
func (c *Client) DownloadHeaders(token string) (http.Header, error) {
	return c.headers.Build("/", token, c.cfg.CfClearance, false)
}

// AssetURL builds the absolute URL for a path returned by the upstream
// under its asset host (distinct from the API host).
func (c *Client) AssetURL(assetPath string) string {
	return c.cfg.AssetProxyURL + assetPath
}
