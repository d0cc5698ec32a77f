// Package httpcache is a durable HTTP response cache for catalog metadata.
//
// Responses are stored in a sqlite database keyed by the normalized request.
// Fresh entries are served without a round trip; stale ones are revalidated
// with a conditional GET. Bulk downloads go through Bypass instead.
package httpcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/pquerna/cachecontrol"
	"github.com/pquerna/cachecontrol/cacheobject"
	"go.uber.org/zap"

	"github.com/dfelinto/blender-cloud-addon/internal/metrics"
	"github.com/dfelinto/blender-cloud-addon/pkg/failure"
	"github.com/dfelinto/blender-cloud-addon/pkg/logger"
)

const (
	// DBName is the database file inside the cache directory.
	DBName = "responses.db"

	// DefaultMaxBodySize bounds the size of stored bodies.
	DefaultMaxBodySize = 8 << 20

	HeaderFromCache   = "X-From-Cache"
	HeaderRevalidated = "X-Cache-Revalidated"
)

// Headers that describe the connection rather than the resource.
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade", "Set-Cookie",
}

// Options configures a Cache.
type Options struct {
	// Dir holds the database, typically $CACHE/{user_id}/http_cache.
	Dir         string
	Client      *http.Client
	MaxBodySize int64
	Logger      *zap.Logger
}

// Cache serves GET requests from a durable store.
type Cache struct {
	client  *http.Client
	store   *store
	dbPath  string
	maxBody int64
	log     *zap.Logger
}

// Stats describes the stored responses.
type Stats struct {
	Path     string
	Entries  int
	Bytes    int64
	Disabled bool
}

// New opens the cache. An unreadable database is moved aside and recreated;
// if that fails too, the cache passes every request through to the network.
func New(opts Options) (*Cache, error) {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultMaxBodySize
	}
	if opts.Logger == nil {
		opts.Logger = logger.Named("httpcache")
	}

	c := &Cache{
		client:  opts.Client,
		maxBody: opts.MaxBodySize,
		log:     opts.Logger,
	}
	if opts.Dir == "" {
		c.log.Warn("no cache directory configured, running uncached")
		return c, nil
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, failure.Filesystem("mkdir", opts.Dir, err)
	}

	c.dbPath = filepath.Join(opts.Dir, DBName)
	st, err := openStore(c.dbPath)
	if err != nil {
		c.log.Warn("http cache unreadable, recreating", zap.String("path", c.dbPath), zap.Error(err))
		metrics.RecordCacheLookup("corrupt")
		moveAside(c.dbPath)
		st, err = openStore(c.dbPath)
		if err != nil {
			c.log.Error("http cache disabled", zap.String("path", c.dbPath), zap.Error(err))
			return c, nil
		}
	}
	c.store = st
	c.log.Debug("http cache opened", zap.String("path", c.dbPath))
	return c, nil
}

func moveAside(path string) {
	_ = os.Rename(path, path+".corrupt")
	_ = os.Remove(path + "-wal")
	_ = os.Remove(path + "-shm")
}

// Bypass returns the uncached client used for bulk binary downloads.
func (c *Cache) Bypass() *http.Client { return c.client }

// Get returns the response for a GET of rawURL with the given request
// headers, consulting the store first. The caller closes the body.
func (c *Cache) Get(ctx context.Context, rawURL string, header http.Header) (*http.Response, error) {
	if header == nil {
		header = make(http.Header)
	}
	key := Key(http.MethodGet, rawURL, header)

	entry := c.lookup(ctx, key)
	if entry != nil && entry.Fresh(time.Now()) {
		metrics.RecordCacheLookup("hit")
		resp := entry.response(nil)
		resp.Header.Set(HeaderFromCache, "1")
		return resp, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header = header.Clone()
	if entry != nil {
		etag, lastMod := entry.Validators()
		if etag != "" {
			req.Header.Set("If-None-Match", etag)
		}
		if lastMod != "" {
			req.Header.Set("If-Modified-Since", lastMod)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, failure.Network("GET", rawURL, err)
	}

	if entry != nil && resp.StatusCode == http.StatusNotModified {
		return c.revalidated(ctx, req, resp, entry), nil
	}
	if entry == nil {
		metrics.RecordCacheLookup("miss")
	}
	return c.storeResponse(ctx, req, resp, key, entry != nil)
}

func (c *Cache) lookup(ctx context.Context, key string) *Entry {
	if c.store == nil {
		return nil
	}
	entry, err := c.store.get(ctx, key)
	if err != nil {
		var corrupt *failure.CacheCorruption
		if errors.As(err, &corrupt) && ctx.Err() == nil {
			c.log.Warn("dropping unreadable cache entry", zap.String("key", key), zap.Error(err))
			metrics.RecordCacheLookup("corrupt")
			_ = c.store.delete(ctx, key)
		}
		return nil
	}
	return entry
}

// revalidated merges the 304 headers into the stored entry and serves the
// stored body.
func (c *Cache) revalidated(ctx context.Context, req *http.Request, resp *http.Response, entry *Entry) *http.Response {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	merged := entry.Header.Clone()
	for k, v := range resp.Header {
		if k == "Content-Length" || isHop(k) {
			continue
		}
		merged[k] = v
	}
	entry.Header = merged
	entry.StoredAt = time.Now()

	synthetic := entry.response(req)
	if exp, ok := c.freshness(req, synthetic); ok {
		entry.ExpiresAt = exp
	} else {
		entry.ExpiresAt = time.Time{}
	}
	if c.store != nil {
		if err := c.store.put(ctx, entry); err != nil {
			c.log.Warn("failed to refresh cache entry", zap.String("url", entry.URL), zap.Error(err))
		}
	}
	metrics.RecordCacheLookup("revalidated")

	out := entry.response(req)
	out.Header.Set(HeaderRevalidated, "1")
	return out
}

// storeResponse stores resp when it is cacheable and returns a response
// whose body the caller can read in full.
func (c *Cache) storeResponse(ctx context.Context, req *http.Request, resp *http.Response, key string, hadEntry bool) (*http.Response, error) {
	expires, ok := c.freshness(req, resp)
	if c.store == nil || !ok {
		if c.store != nil {
			metrics.RecordCacheLookup("uncacheable")
			if hadEntry {
				_ = c.store.delete(ctx, key)
			}
		}
		return resp, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		resp.Body.Close()
		return nil, failure.Network("read", req.URL.String(), err)
	}
	if int64(len(body)) > c.maxBody {
		metrics.RecordCacheLookup("uncacheable")
		if hadEntry {
			_ = c.store.delete(ctx, key)
		}
		resp.Body = readCloser{io.MultiReader(bytes.NewReader(body), resp.Body), resp.Body}
		return resp, nil
	}
	resp.Body.Close()

	entry := &Entry{
		Key:       key,
		URL:       req.URL.String(),
		Status:    resp.StatusCode,
		Header:    storedHeader(resp.Header),
		Body:      body,
		StoredAt:  time.Now(),
		ExpiresAt: expires,
	}
	if err := c.store.put(ctx, entry); err != nil {
		c.log.Warn("failed to store response", zap.String("url", entry.URL), zap.Error(err))
	} else {
		metrics.RecordCacheLookup("stored")
	}

	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	return resp, nil
}

// freshness decides whether resp may be stored and until when it is fresh.
// Responses marked no-store or private are never stored, nor are responses
// that carry neither freshness information nor validators.
func (c *Cache) freshness(req *http.Request, resp *http.Response) (time.Time, bool) {
	if resp.StatusCode != http.StatusOK {
		return time.Time{}, false
	}
	if cc, err := cacheobject.ParseResponseCacheControl(resp.Header.Get("Cache-Control")); err == nil {
		if cc.NoStore || cc.PrivatePresent {
			return time.Time{}, false
		}
	}
	reasons, expires, err := cachecontrol.CachableResponse(req, resp, cachecontrol.Options{PrivateCache: true})
	if err != nil {
		return time.Time{}, false
	}
	for _, r := range reasons {
		// The store is per user and the credential is part of the key.
		if r != cacheobject.ReasonRequestAuthorizationHeader {
			return time.Time{}, false
		}
	}
	hasValidators := resp.Header.Get("ETag") != "" || resp.Header.Get("Last-Modified") != ""
	if !expires.After(time.Now()) && !hasValidators {
		return time.Time{}, false
	}
	return expires, true
}

// Stats reports the number and size of stored responses.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Path: c.dbPath, Disabled: c.store == nil}
	if c.store == nil {
		return st, nil
	}
	n, bytes, err := c.store.stats(ctx)
	if err != nil {
		return st, &failure.CacheCorruption{Key: "stats", Err: err}
	}
	st.Entries, st.Bytes = n, bytes
	return st, nil
}

// Clear removes every stored response.
func (c *Cache) Clear(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	return c.store.clear(ctx)
}

// Close closes the store.
func (c *Cache) Close() error {
	if c.store == nil {
		return nil
	}
	err := c.store.close()
	c.store = nil
	return err
}

func (e *Entry) response(req *http.Request) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        e.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

func storedHeader(h http.Header) http.Header {
	out := h.Clone()
	for _, k := range hopHeaders {
		out.Del(k)
	}
	return out
}

func isHop(key string) bool {
	for _, k := range hopHeaders {
		if http.CanonicalHeaderKey(key) == k {
			return true
		}
	}
	return false
}

type readCloser struct {
	io.Reader
	io.Closer
}
