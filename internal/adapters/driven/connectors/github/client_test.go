package github

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/custodia-labs/quarry-core/internal/core/domain"
)

func TestNewClient_DefaultBaseURL(t *testing.T) {
	c := NewClient("", "")
	if c.baseURL != "https://api.github.com" {
		t.Errorf("expected default base URL, got %s", c.baseURL)
	}
}

func TestNewClient_TrimsTrailingSlash(t *testing.T) {
	c := NewClient("", "https://ghe.example.com/api/v3/")
	if c.baseURL != "https://ghe.example.com/api/v3" {
		t.Errorf("expected trimmed base URL, got %s", c.baseURL)
	}
}

func TestFetchFileTree_BlobsOnly(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/widgets/git/trees/main" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("recursive") != "1" {
			t.Error("expected recursive=1")
		}
		if r.Header.Get("Authorization") != "Bearer ghp-test" {
			t.Error("expected Authorization header")
		}

		resp := map[string]any{
			"tree": []map[string]any{
				{"path": "README.md", "type": "blob", "sha": "aaa", "size": 120},
				{"path": "docs", "type": "tree", "sha": "bbb"},
				{"path": "docs/guide.md", "type": "blob", "sha": "ccc", "size": 340},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	c := NewClient("ghp-test", server.URL)
	files, err := c.FetchFileTree(context.Background(), "acme", "widgets", "main")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(files) != 2 {
		t.Fatalf("expected 2 blobs, got %d", len(files))
	}
	if files[0].Path != "README.md" || files[0].SHA != "aaa" || files[0].Size != 120 {
		t.Errorf("unexpected first entry: %+v", files[0])
	}
	if files[1].Path != "docs/guide.md" {
		t.Errorf("unexpected second entry: %+v", files[1])
	}
}

func TestFetchFileTree_DefaultRef(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewEncoder(w).Encode(map[string]any{"tree": []map[string]any{}})
	}))
	defer server.Close()

	c := NewClient("", server.URL)
	if _, err := c.FetchFileTree(context.Background(), "acme", "widgets", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/repos/acme/widgets/git/trees/main" {
		t.Errorf("expected default ref main, got %s", gotPath)
	}
}

func TestFetchFileTree_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message": "Not Found"}`))
	}))
	defer server.Close()

	c := NewClient("", server.URL)
	_, err := c.FetchFileTree(context.Background(), "acme", "gone", "main")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFetchFileContent_RawAccept(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/widgets/contents/docs/guide.md" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("ref") != "v1.2" {
			t.Errorf("expected ref=v1.2, got %s", r.URL.Query().Get("ref"))
		}
		if r.Header.Get("Accept") != "application/vnd.github.raw+json" {
			t.Errorf("expected raw accept header, got %s", r.Header.Get("Accept"))
		}
		_, _ = w.Write([]byte("# Guide\n\nHello."))
	}))
	defer server.Close()

	c := NewClient("", server.URL)
	content, err := c.FetchFileContent(context.Background(), "acme", "widgets", "docs/guide.md", "v1.2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if content != "# Guide\n\nHello." {
		t.Errorf("unexpected content: %q", content)
	}
}

func TestFetchFileContent_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message": "API rate limit exceeded"}`))
	}))
	defer server.Close()

	c := NewClient("", server.URL)
	c.maxRetries = 0
	_, err := c.FetchFileContent(context.Background(), "acme", "widgets", "README.md", "main")
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Errorf("expected ErrRateLimited, got %v", err)
	}
}

func TestFetchFileContent_ServerErrorRetries(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("recovered"))
	}))
	defer server.Close()

	c := NewClient("", server.URL)
	content, err := c.FetchFileContent(context.Background(), "acme", "widgets", "README.md", "main")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if content != "recovered" {
		t.Errorf("unexpected content: %q", content)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}
