package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	appLog "calfilter/internal/log"
)

// Source is where an ICS calendar is read from: a local file (Path or a
// file:// URL) or an HTTP subscription (URL).
type Source struct {
	// ID is the calendar ID the items are loaded into.
	ID   string
	Name string
	URL  string
	Path string
}

// location returns the file path of a local source, or "".
func (s Source) location() string {
	if s.Path != "" {
		return s.Path
	}
	if strings.HasPrefix(s.URL, "file://") {
		return strings.TrimPrefix(s.URL, "file://")
	}
	return ""
}

func (s Source) String() string {
	if p := s.location(); p != "" {
		return p
	}
	return redactURL(s.URL)
}

// FetchResult is the payload of one source.
type FetchResult struct {
	Source Source
	Body   []byte
	// FromCache is set when the body came from the disk cache (304 or an
	// upstream failure) instead of the network.
	FromCache bool
}

// cacheMeta is the validator state stored next to a cached body.
type cacheMeta struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// cacheSlot is the on-disk cache directory of one URL.
type cacheSlot struct {
	dir  string
	meta cacheMeta
	body []byte
}

func (c *cacheSlot) metaFile() string { return filepath.Join(c.dir, "meta.json") }
func (c *cacheSlot) bodyFile() string { return filepath.Join(c.dir, "body.ics") }

// Fetcher reads ICS sources. HTTP sources use conditional requests and keep
// the last good body on disk.
type Fetcher struct {
	client   *http.Client
	cacheDir string
}

// NewFetcher creates a Fetcher caching under cacheDir, e.g.
// "/var/lib/calfilter/ics-cache".
func NewFetcher(cacheDir string) *Fetcher {
	if cacheDir == "" {
		cacheDir = "./var/ics-cache"
	}
	return &Fetcher{
		client:   &http.Client{Timeout: 15 * time.Second},
		cacheDir: cacheDir,
	}
}

// FetchOne returns the current payload of src. For HTTP sources a failed
// request or non-OK status falls back to the cached body when there is one.
func (f *Fetcher) FetchOne(ctx context.Context, src Source) (FetchResult, error) {
	if path := src.location(); path != "" {
		return f.readFile(ctx, src, path)
	}
	if src.URL == "" {
		return FetchResult{}, errors.New("source has neither URL nor path")
	}

	slot, err := f.openSlot(src.URL)
	if err != nil {
		return FetchResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return FetchResult{}, err
	}
	if slot.meta.ETag != "" {
		req.Header.Set("If-None-Match", slot.meta.ETag)
	}
	if slot.meta.LastModified != "" {
		req.Header.Set("If-Modified-Since", slot.meta.LastModified)
	}

	appLog.Debug("ics fetch start", "calendar", src.ID, "url", redactURL(src.URL))

	resp, err := f.client.Do(req)
	if err != nil {
		return slot.fallback(src, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return slot.fallback(src, err)
		}
		slot.meta = cacheMeta{
			URL:          src.URL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		slot.body = body
		if err := slot.save(); err != nil {
			appLog.Error("ics cache save failed", err, "calendar", src.ID, "url", redactURL(src.URL))
		}
		appLog.Info("ics fetch success", "calendar", src.ID, "url", redactURL(src.URL), "bytes", len(body))
		return FetchResult{Source: src, Body: body}, nil

	case http.StatusNotModified:
		if len(slot.body) == 0 {
			return FetchResult{}, errors.New("received 304 Not Modified but no cached body available")
		}
		appLog.Debug("ics not modified; using cache", "calendar", src.ID)
		return FetchResult{Source: src, Body: slot.body, FromCache: true}, nil

	default:
		return slot.fallback(src, errors.New(resp.Status))
	}
}

func (f *Fetcher) readFile(ctx context.Context, src Source, path string) (FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return FetchResult{}, err
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return FetchResult{}, err
	}
	appLog.Debug("ics file read", "calendar", src.ID, "path", path, "bytes", len(body))
	return FetchResult{Source: src, Body: body}, nil
}

// openSlot loads the cache directory of rawURL, creating it if needed. A
// missing or unreadable cache yields an empty slot.
func (f *Fetcher) openSlot(rawURL string) (*cacheSlot, error) {
	sum := sha256.Sum256([]byte(rawURL))
	slot := &cacheSlot{dir: filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))}
	if err := os.MkdirAll(slot.dir, 0o700); err != nil {
		return nil, err
	}

	if data, err := os.ReadFile(slot.metaFile()); err == nil {
		if err := json.Unmarshal(data, &slot.meta); err != nil {
			slot.meta = cacheMeta{}
		}
	}
	slot.body, _ = os.ReadFile(slot.bodyFile())
	return slot, nil
}

func (c *cacheSlot) fallback(src Source, cause error) (FetchResult, error) {
	if len(c.body) == 0 {
		return FetchResult{}, fmt.Errorf("fetch %s: %w", redactURL(src.URL), cause)
	}
	appLog.Error("ics fetch failed, using cached body", cause, "calendar", src.ID, "url", redactURL(src.URL))
	return FetchResult{Source: src, Body: c.body, FromCache: true}, nil
}

// save writes the body before the metadata so the metadata never points at
// a missing body.
func (c *cacheSlot) save() error {
	if err := os.WriteFile(c.bodyFile(), c.body, 0o600); err != nil {
		return err
	}
	c.meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&c.meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.metaFile(), data, 0o600)
}

// redactURL keeps only scheme and host so tokens in paths or queries do not
// end up in logs.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "ics://...(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
