// Package marketplace defines the local contract the extension runtime
// needs from a marketplace, plus an HTTP client implementation. The backend
// itself is out of scope.
package marketplace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Errors returned by marketplace operations.
var (
	// ErrNotFound is returned when the marketplace has no such entry.
	ErrNotFound = errors.New("marketplace: not found")
)

// Query filters a marketplace search.
type Query struct {
	Text string
	Type string // capability type filter, empty for all
	Tag  string
	Max  int // 0 means server default
}

// Listing is one marketplace entry.
type Listing struct {
	Name        string
	Version     string
	Description string
	Author      string
	Type        string
	Tags        []string
	Downloads   int64
	Rating      float64
}

// Client is the contract the runtime needs from a marketplace.
type Client interface {
	// Search returns listings matching the query.
	Search(ctx context.Context, q Query) ([]Listing, error)

	// Info returns the listing for a named extension.
	Info(ctx context.Context, name string) (*Listing, error)

	// Download fetches an extension bundle (manifest plus sources) into
	// dstDir, one file per bundle entry. An empty version means latest.
	Download(ctx context.Context, name, version, dstDir string) error

	// FetchLibrary fetches a shared Lua library into dstDir.
	FetchLibrary(ctx context.Context, name, version, dstDir string) error

	// LatestVersions returns the newest published version per name.
	// Names unknown to the marketplace are absent from the result.
	LatestVersions(ctx context.Context, names []string) (map[string]string, error)
}

// HTTPClient talks to a marketplace registry over HTTP.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient creates a client for the registry at baseURL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Search returns listings matching the query.
func (c *HTTPClient) Search(ctx context.Context, q Query) ([]Listing, error) {
	params := url.Values{}
	if q.Text != "" {
		params.Set("q", q.Text)
	}
	if q.Type != "" {
		params.Set("type", q.Type)
	}
	if q.Tag != "" {
		params.Set("tag", q.Tag)
	}
	if q.Max > 0 {
		params.Set("limit", fmt.Sprint(q.Max))
	}

	body, err := c.get(ctx, "/api/v1/extensions?"+params.Encode())
	if err != nil {
		return nil, err
	}

	var listings []Listing
	gjson.GetBytes(body, "extensions").ForEach(func(_, item gjson.Result) bool {
		listings = append(listings, parseListing(item))
		return true
	})
	return listings, nil
}

// Info returns the listing for a named extension.
func (c *HTTPClient) Info(ctx context.Context, name string) (*Listing, error) {
	body, err := c.get(ctx, "/api/v1/extensions/"+url.PathEscape(name))
	if err != nil {
		return nil, err
	}
	listing := parseListing(gjson.ParseBytes(body))
	if listing.Name == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return &listing, nil
}

// Download fetches an extension bundle into dstDir. The registry serves
// bundles as a JSON object of relative path to file contents.
func (c *HTTPClient) Download(ctx context.Context, name, version, dstDir string) error {
	path := "/api/v1/extensions/" + url.PathEscape(name) + "/download"
	if version != "" {
		path += "?version=" + url.QueryEscape(version)
	}
	body, err := c.get(ctx, path)
	if err != nil {
		return err
	}

	files := gjson.GetBytes(body, "files")
	if !files.IsObject() {
		return fmt.Errorf("marketplace: malformed bundle for %q", name)
	}

	var writeErr error
	files.ForEach(func(rel, content gjson.Result) bool {
		target := filepath.Join(dstDir, filepath.Clean(rel.String()))
		if !strings.HasPrefix(target, filepath.Clean(dstDir)+string(os.PathSeparator)) {
			writeErr = fmt.Errorf("marketplace: bundle path %q escapes destination", rel.String())
			return false
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			writeErr = err
			return false
		}
		if err := os.WriteFile(target, []byte(content.String()), 0o644); err != nil {
			writeErr = err
			return false
		}
		return true
	})
	return writeErr
}

// FetchLibrary fetches a shared library file into dstDir.
func (c *HTTPClient) FetchLibrary(ctx context.Context, name, version, dstDir string) error {
	path := "/api/v1/libraries/" + url.PathEscape(name)
	if version != "" {
		path += "?version=" + url.QueryEscape(version)
	}
	body, err := c.get(ctx, path)
	if err != nil {
		return err
	}

	source := gjson.GetBytes(body, "source")
	if !source.Exists() {
		return fmt.Errorf("marketplace: malformed library payload for %q", name)
	}
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dstDir, name+".lua"), []byte(source.String()), 0o644)
}

// LatestVersions returns the newest published version per name.
func (c *HTTPClient) LatestVersions(ctx context.Context, names []string) (map[string]string, error) {
	params := url.Values{}
	params.Set("names", strings.Join(names, ","))

	body, err := c.get(ctx, "/api/v1/versions?"+params.Encode())
	if err != nil {
		return nil, err
	}

	versions := make(map[string]string)
	gjson.GetBytes(body, "versions").ForEach(func(name, version gjson.Result) bool {
		versions[name.String()] = version.String()
		return true
	})
	return versions, nil
}

// get issues a GET and returns the response body.
func (c *HTTPClient) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("marketplace request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("marketplace returned %s for %s", resp.Status, path)
	}

	return io.ReadAll(io.LimitReader(resp.Body, 32<<20))
}

func parseListing(item gjson.Result) Listing {
	var tags []string
	item.Get("tags").ForEach(func(_, tag gjson.Result) bool {
		tags = append(tags, tag.String())
		return true
	})
	return Listing{
		Name:        item.Get("name").String(),
		Version:     item.Get("version").String(),
		Description: item.Get("description").String(),
		Author:      item.Get("author").String(),
		Type:        item.Get("type").String(),
		Tags:        tags,
		Downloads:   item.Get("downloads").Int(),
		Rating:      item.Get("rating").Float(),
	}
}

// Ensure HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
