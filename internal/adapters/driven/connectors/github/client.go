// Package github fetches repository file trees and individual file contents
// from the GitHub REST API without cloning. It backs lazy onboarding (tree
// listing) and lazy retrieval (on-demand content fetch).
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/custodia-labs/quarry-core/internal/core/domain"
	"github.com/custodia-labs/quarry-core/internal/core/ports/driven"
)

// maxTreeEntries caps how many tree entries a single repository listing may
// return before truncation.
const maxTreeEntries = 50_000

// Client provides GitHub API operations for repository content.
type Client struct {
	token      string
	httpClient *http.Client
	baseURL    string
	maxRetries int
}

var _ driven.RepoContentSource = (*Client)(nil)

// NewClient creates a new GitHub API client. token may be empty for public
// repositories; baseURL defaults to https://api.github.com.
func NewClient(token, baseURL string) *Client {
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	return &Client{
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		maxRetries: 3,
	}
}

// treeEntry represents a file in a repository tree response.
type treeEntry struct {
	Path string `json:"path"`
	Mode string `json:"mode"`
	Type string `json:"type"` // "blob" or "tree"
	Size int64  `json:"size"`
	SHA  string `json:"sha"`
}

// FetchFileTree fetches the full recursive file tree for a repository at ref.
// Only blob entries (files) are returned; tree entries (directories) are
// dropped. Listings beyond maxTreeEntries are truncated.
func (c *Client) FetchFileTree(ctx context.Context, owner, repo, ref string) ([]domain.RepoTreeEntry, error) {
	if ref == "" {
		ref = "main"
	}
	path := fmt.Sprintf("/repos/%s/%s/git/trees/%s?recursive=1", owner, repo, url.PathEscape(ref))

	resp, err := c.doRequest(ctx, path, "application/vnd.github+json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result struct {
		Tree      []treeEntry `json:"tree"`
		Truncated bool        `json:"truncated"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode tree: %w", err)
	}

	tree := result.Tree
	if len(tree) > maxTreeEntries {
		tree = tree[:maxTreeEntries]
	}

	var files []domain.RepoTreeEntry
	for _, entry := range tree {
		if entry.Type != "blob" {
			continue
		}
		files = append(files, domain.RepoTreeEntry{
			Path: entry.Path,
			SHA:  entry.SHA,
			Size: entry.Size,
		})
	}
	return files, nil
}

// FetchFileContent fetches the raw content of a single file at ref. The raw
// media type avoids a base64 decode round trip.
func (c *Client) FetchFileContent(ctx context.Context, owner, repo, path, ref string) (string, error) {
	if ref == "" {
		ref = "main"
	}
	encoded := (&url.URL{Path: path}).EscapedPath()
	apiPath := fmt.Sprintf("/repos/%s/%s/contents/%s?ref=%s", owner, repo, encoded, url.QueryEscape(ref))

	resp, err := c.doRequest(ctx, apiPath, "application/vnd.github.raw+json")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read file content: %w", err)
	}
	return string(body), nil
}

// doRequest performs an authenticated GET with retry on rate limiting and
// server errors.
func (c *Client) doRequest(ctx context.Context, path, accept string) (*http.Response, error) {
	var resp *http.Response
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}

		req.Header.Set("Accept", accept)
		req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err = c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("do request: %w", err)
		}

		// Primary rate limiting reports 403 with a zero remaining quota;
		// secondary limits report 429.
		if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
			if resp.Header.Get("X-RateLimit-Remaining") == "0" || resp.StatusCode == http.StatusTooManyRequests {
				resp.Body.Close()
				if attempt == c.maxRetries {
					return nil, fmt.Errorf("%w: github api %s", domain.ErrRateLimited, path)
				}
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(time.Duration(attempt+1) * time.Second):
				}
				continue
			}
		}

		if resp.StatusCode < 500 {
			break
		}

		resp.Body.Close()
		if attempt == c.maxRetries {
			return nil, fmt.Errorf("github api error %d: %s", resp.StatusCode, path)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * time.Second):
		}
	}

	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, path)
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
		resp.Body.Close()
		return nil, fmt.Errorf("github api error %d: %s", resp.StatusCode, string(body))
	}

	return resp, nil
}
