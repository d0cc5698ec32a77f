// Package client talks to the Pillar REST API behind Blender Cloud.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dfelinto/blender-cloud-addon/internal/metrics"
	"github.com/dfelinto/blender-cloud-addon/pkg/failure"
	"github.com/dfelinto/blender-cloud-addon/pkg/httpcache"
	"github.com/dfelinto/blender-cloud-addon/pkg/logger"
	"github.com/dfelinto/blender-cloud-addon/pkg/models"
)

// DefaultServerURL is the production API root.
const DefaultServerURL = "https://cloud.blender.org/api/"

const (
	maxDocumentSize = 32 << 20
	maxPages        = 1000
	pageSize        = 100
)

// Client is a Pillar API client. Metadata requests go through the HTTP
// cache; binaries are fetched by the content store with HTTPClient.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	cache      *httpcache.Cache
	log        *zap.Logger

	mu        sync.RWMutex
	authToken string
}

// Config holds client configuration.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	AuthToken string
	// HTTPClient is used when Cache is nil. Defaults to NewHTTPClient(Timeout).
	HTTPClient *http.Client
	Cache      *httpcache.Cache
	Logger     *zap.Logger
}

// NewHTTPClient returns an HTTP client with a tuned transport.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultServerURL
	}
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", cfg.BaseURL)
	}
	if cfg.HTTPClient == nil {
		if cfg.Cache != nil {
			cfg.HTTPClient = cfg.Cache.Bypass()
		} else {
			cfg.HTTPClient = NewHTTPClient(cfg.Timeout)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Named("client")
	}
	return &Client{
		baseURL:    base,
		httpClient: cfg.HTTPClient,
		cache:      cfg.Cache,
		log:        cfg.Logger,
		authToken:  cfg.AuthToken,
	}, nil
}

// SetAuthToken sets the bearer token for requests.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = token
}

// HTTPClient returns the uncached client for binary downloads.
func (c *Client) HTTPClient() *http.Client { return c.httpClient }

// BaseURL returns the API root.
func (c *Client) BaseURL() string { return c.baseURL.String() }

// AuthHeader returns the request headers carrying the credential.
func (c *Client) AuthHeader() http.Header {
	h := make(http.Header)
	c.applyAuth(h)
	return h
}

// applyAuth adds the auth header if a token is set.
func (c *Client) applyAuth(h http.Header) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.authToken != "" {
		h.Set("Authorization", "Bearer "+c.authToken)
	}
}

// ResolveURL turns a link from a document into an absolute URL.
func (c *Client) ResolveURL(link string) string {
	ref, err := url.Parse(link)
	if err != nil {
		return link
	}
	return c.baseURL.ResolveReference(ref).String()
}

func (c *Client) endpoint(p string, query url.Values) string {
	u := c.baseURL.ResolveReference(&url.URL{Path: p})
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// getJSON fetches a document and returns its raw body.
func (c *Client) getJSON(ctx context.Context, endpoint string) ([]byte, error) {
	header := make(http.Header)
	header.Set("Accept", "application/json")
	c.applyAuth(header)

	var (
		resp *http.Response
		err  error
	)
	if c.cache != nil {
		resp, err = c.cache.Get(ctx, endpoint, header)
	} else {
		var req *http.Request
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header = header
		resp, err = c.httpClient.Do(req)
		err = failure.Network("GET", endpoint, err)
	}
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, failure.Status(endpoint, resp)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, failure.Network("read", endpoint, err)
	}
	return data, nil
}

// rejectReason labels a decode failure for the rejected-documents metric.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, models.ErrMissingField):
		return "missing_field"
	case errors.Is(err, models.ErrInvalidField):
		return "invalid_field"
	case errors.Is(err, models.ErrUnsupportedType):
		return "unsupported_type"
	default:
		return "malformed"
	}
}

func (c *Client) reject(err error) {
	metrics.RecordRejectedDocument(rejectReason(err))
	if errors.Is(err, models.ErrUnsupportedType) {
		c.log.Debug("skipping node", zap.Error(err))
		return
	}
	c.log.Warn("skipping invalid document", zap.Error(err))
}

// GetProject fetches a project document.
func (c *Client) GetProject(ctx context.Context, id string) (*models.Project, error) {
	data, err := c.getJSON(ctx, c.endpoint("projects/"+id, nil))
	if err != nil {
		return nil, err
	}
	p, err := models.DecodeProject(data)
	if err != nil {
		metrics.RecordRejectedDocument(rejectReason(err))
		return nil, err
	}
	return p, nil
}

// GetNode fetches a node document.
func (c *Client) GetNode(ctx context.Context, id string) (*models.Node, error) {
	data, err := c.getJSON(ctx, c.endpoint("nodes/"+id, nil))
	if err != nil {
		return nil, err
	}
	n, err := models.DecodeNode(data)
	if err != nil {
		metrics.RecordRejectedDocument(rejectReason(err))
		return nil, err
	}
	return n, nil
}

// GetFile fetches a file document.
func (c *Client) GetFile(ctx context.Context, id string) (*models.File, error) {
	data, err := c.getJSON(ctx, c.endpoint("files/"+id, nil))
	if err != nil {
		return nil, err
	}
	f, err := models.DecodeFile(data)
	if err != nil {
		metrics.RecordRejectedDocument(rejectReason(err))
		return nil, err
	}
	return f, nil
}

type pageMeta struct {
	Total      int `json:"total"`
	MaxResults int `json:"max_results"`
	Page       int `json:"page"`
}

type page struct {
	Items []json.RawMessage `json:"_items"`
	Meta  pageMeta          `json:"_meta"`
}

// query walks every page of a collection filtered by where and hands each
// item to fn.
func (c *Client) query(ctx context.Context, collection string, where map[string]any, fn func(json.RawMessage)) error {
	filter, err := json.Marshal(where)
	if err != nil {
		return fmt.Errorf("encode filter: %w", err)
	}
	seen := 0
	for n := 1; n <= maxPages; n++ {
		q := url.Values{}
		q.Set("where", string(filter))
		q.Set("max_results", strconv.Itoa(pageSize))
		q.Set("page", strconv.Itoa(n))

		endpoint := c.endpoint(collection, q)
		data, err := c.getJSON(ctx, endpoint)
		if err != nil {
			return err
		}
		var pg page
		if err := json.Unmarshal(data, &pg); err != nil {
			return fmt.Errorf("decode %s: %w", endpoint, err)
		}
		for _, item := range pg.Items {
			fn(item)
		}
		seen += len(pg.Items)
		if len(pg.Items) == 0 || pg.Meta.Total <= seen {
			return nil
		}
	}
	return fmt.Errorf("query %s: more than %d pages", collection, maxPages)
}

// FindNodes returns the nodes matching where. Invalid or unsupported nodes
// are skipped.
func (c *Client) FindNodes(ctx context.Context, where map[string]any) ([]*models.Node, error) {
	var nodes []*models.Node
	err := c.query(ctx, "nodes", where, func(raw json.RawMessage) {
		n, err := models.DecodeNode(raw)
		if err != nil {
			c.reject(err)
			return
		}
		nodes = append(nodes, n)
	})
	return nodes, err
}

// HomeProject returns the home project of the authenticated user.
func (c *Client) HomeProject(ctx context.Context) (*models.Project, error) {
	data, err := c.getJSON(ctx, c.endpoint("bcloud/home-project", nil))
	if err != nil {
		return nil, err
	}
	return models.DecodeProject(data)
}

// TextureProjects lists the projects that hold texture libraries.
func (c *Client) TextureProjects(ctx context.Context) ([]*models.Project, error) {
	var projects []*models.Project
	err := c.query(ctx, "projects", map[string]any{"category": "assets"}, func(raw json.RawMessage) {
		p, err := models.DecodeProject(raw)
		if err != nil {
			c.reject(err)
			return
		}
		projects = append(projects, p)
	})
	return projects, err
}

// ListChildren returns the direct children of parent: the top-level nodes of
// a project, the nodes of a group, or the files of an asset with their
// variant set from the asset's map types.
func (c *Client) ListChildren(ctx context.Context, parent models.Entity) ([]models.Entity, error) {
	switch p := parent.(type) {
	case *models.Project:
		return c.childNodes(ctx, map[string]any{"project": p.UUID, "parent": nil})
	case *models.Node:
		if p.Kind() == models.KindAsset {
			return c.assetFiles(ctx, p)
		}
		return c.childNodes(ctx, map[string]any{"project": p.Project, "parent": p.UUID})
	case *models.File:
		return nil, nil
	default:
		return nil, fmt.Errorf("list children of %T: %w", parent, models.ErrUnsupportedType)
	}
}

func (c *Client) childNodes(ctx context.Context, where map[string]any) ([]models.Entity, error) {
	nodes, err := c.FindNodes(ctx, where)
	if err != nil {
		return nil, err
	}
	out := make([]models.Entity, len(nodes))
	for i, n := range nodes {
		out[i] = n
	}
	return out, nil
}

func (c *Client) assetFiles(ctx context.Context, asset *models.Node) ([]models.Entity, error) {
	var out []models.Entity
	for _, ref := range asset.Properties.Files {
		if ref.File == "" {
			continue
		}
		f, err := c.GetFile(ctx, ref.File)
		if err != nil {
			var de *models.DecodeError
			if errors.As(err, &de) {
				c.log.Warn("skipping invalid file", zap.String("asset", asset.UUID), zap.Error(err))
				continue
			}
			return nil, fmt.Errorf("files of %s: %w", asset.UUID, err)
		}
		f.Variant = ref.MapType
		f.Parent = asset.UUID
		f.Link = c.ResolveURL(f.Link)
		out = append(out, f)
	}
	return out, nil
}

// Picture returns the preview image file of a node.
func (c *Client) Picture(ctx context.Context, n *models.Node) (*models.File, error) {
	if n.Picture == "" {
		return nil, nil
	}
	f, err := c.GetFile(ctx, n.Picture)
	if err != nil {
		return nil, err
	}
	f.Parent = n.UUID
	return f, nil
}

// ThumbnailURL returns the link of the variation of f with the given size.
func (c *Client) ThumbnailURL(f *models.File, size string) (string, bool) {
	v, ok := f.Variation(size)
	if !ok || v.Link == "" {
		return "", false
	}
	return c.ResolveURL(v.Link), true
}

// User is the subset of the users/me document the host needs.
type User struct {
	ID       string `json:"_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
}

// Me returns the authenticated user. It bypasses the HTTP cache so a
// revoked token is noticed immediately.
func (c *Client) Me(ctx context.Context) (*User, error) {
	endpoint := c.endpoint("users/me", nil)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	c.applyAuth(req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, failure.Network("GET", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, failure.Status(endpoint, resp)
	}
	var u User
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentSize)).Decode(&u); err != nil {
		return nil, fmt.Errorf("parse user: %w", err)
	}
	if u.ID == "" {
		return nil, &models.DecodeError{Kind: "user", Field: "_id", Err: models.ErrMissingField}
	}
	return &u, nil
}
