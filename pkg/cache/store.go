// Package cache downloads binary assets to disk and decides whether a
// previously downloaded asset is still valid.
//
// Validity is tracked with a sidecar header file: an asset is valid when its
// sidecar exists and the recorded Content-Length equals the size of the data
// file. The sidecar is written only after the data file is complete.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/dfelinto/blender-cloud-addon/internal/metrics"
	"github.com/dfelinto/blender-cloud-addon/pkg/failure"
	"github.com/dfelinto/blender-cloud-addon/pkg/logger"
)

// PartSuffix marks a download in progress.
const PartSuffix = ".part"

// Asset describes one remote binary and where it lives locally.
type Asset struct {
	// Key identifies the asset within a run, usually the file UUID.
	Key  string
	URL  string
	Path string
	// HeaderPath is the sidecar location; defaults to Path + ".headers".
	HeaderPath string
	// Header is sent with the download request.
	Header http.Header
}

func (a Asset) headerPath() string {
	if a.HeaderPath != "" {
		return a.HeaderPath
	}
	return a.Path + ".headers"
}

// Outcome is the result of a successful Download.
type Outcome int

const (
	OutcomeDownloaded Outcome = iota + 1
	OutcomeSkipped
	OutcomeNotModified
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDownloaded:
		return "downloaded"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeNotModified:
		return "not_modified"
	default:
		return "unknown"
	}
}

// Options configures a Store.
type Options struct {
	// Client performs downloads. It should bypass the metadata HTTP cache.
	Client *http.Client
	// Revalidate sends a conditional GET for assets that are already valid.
	Revalidate bool
	Logger     *zap.Logger
}

// Store downloads assets. Its methods block and are meant to run inside
// scheduler ops.
type Store struct {
	client     *http.Client
	revalidate bool
	log        *zap.Logger
}

// New creates a store.
func New(opts Options) *Store {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 5 * time.Minute}
	}
	if opts.Logger == nil {
		opts.Logger = logger.Named("cache")
	}
	return &Store{client: opts.Client, revalidate: opts.Revalidate, log: opts.Logger}
}

// Valid reports whether a previously downloaded copy of a is complete.
func (s *Store) Valid(a Asset) (*Headers, bool) {
	info, err := os.Stat(a.Path)
	if err != nil || !info.Mode().IsRegular() {
		return nil, false
	}
	h, err := ReadHeaders(a.headerPath())
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Debug("ignoring sidecar", zap.String("path", a.headerPath()), zap.Error(err))
		}
		return nil, false
	}
	if h.ContentLength != info.Size() {
		s.log.Debug("size mismatch, re-downloading",
			zap.String("path", a.Path),
			zap.Int64("declared", h.ContentLength),
			zap.Int64("actual", info.Size()))
		return nil, false
	}
	return h, true
}

// Download makes sure a valid copy of a exists at a.Path. A valid copy is
// left alone without network access unless revalidation is enabled.
func (s *Store) Download(ctx context.Context, a Asset) (Outcome, error) {
	if a.URL == "" || a.Path == "" {
		return 0, fmt.Errorf("asset %s: missing url or path", a.Key)
	}
	if h, ok := s.Valid(a); ok {
		if !s.revalidate || (h.ETag == "" && h.LastModified == "") {
			metrics.RecordDownload(OutcomeSkipped.String(), 0)
			return OutcomeSkipped, nil
		}
		return s.fetch(ctx, a, h)
	}
	return s.fetch(ctx, a, nil)
}

func (s *Store) fetch(ctx context.Context, a Asset, cond *Headers) (Outcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	for k, v := range a.Header {
		req.Header[k] = v
	}
	if cond != nil {
		if cond.ETag != "" {
			req.Header.Set("If-None-Match", cond.ETag)
		}
		if cond.LastModified != "" {
			req.Header.Set("If-Modified-Since", cond.LastModified)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		metrics.RecordDownload("failed", 0)
		return 0, failure.Network("GET", a.URL, err)
	}
	defer resp.Body.Close()

	if cond != nil && resp.StatusCode == http.StatusNotModified {
		metrics.RecordDownload(OutcomeSkipped.String(), 0)
		return OutcomeNotModified, nil
	}
	if resp.StatusCode != http.StatusOK {
		metrics.RecordDownload("failed", 0)
		return 0, failure.Status(a.URL, resp)
	}

	n, err := s.write(ctx, a, resp)
	if err != nil {
		metrics.RecordDownload("failed", 0)
		return 0, err
	}
	metrics.RecordDownload(OutcomeDownloaded.String(), n)
	s.log.Debug("downloaded", zap.String("path", a.Path), zap.Int64("bytes", n))
	return OutcomeDownloaded, nil
}

// write streams the body to a .part file, verifies it and moves it into
// place, then records the sidecar.
func (s *Store) write(ctx context.Context, a Asset, resp *http.Response) (int64, error) {
	sidecar := a.headerPath()
	// The old sidecar must not vouch for a half-written file.
	if err := removeIfExists(sidecar); err != nil {
		return 0, err
	}

	dir := filepath.Dir(a.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, failure.Filesystem("mkdir", dir, err)
	}

	// Concurrent downloads of one path each get their own part file.
	f, err := os.CreateTemp(dir, filepath.Base(a.Path)+".*"+PartSuffix)
	if err != nil {
		return 0, failure.Filesystem("create", a.Path+PartSuffix, err)
	}
	part := f.Name()
	n, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()

	switch {
	case copyErr != nil:
		os.Remove(part)
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if errors.Is(copyErr, io.ErrUnexpectedEOF) {
			return 0, &failure.IntegrityError{Path: a.Path, Declared: resp.ContentLength, Actual: n, Reason: "truncated body"}
		}
		return 0, failure.Network("read", a.URL, copyErr)
	case closeErr != nil:
		os.Remove(part)
		return 0, failure.Filesystem("write", part, closeErr)
	case resp.ContentLength >= 0 && n != resp.ContentLength:
		os.Remove(part)
		return 0, &failure.IntegrityError{Path: a.Path, Declared: resp.ContentLength, Actual: n, Reason: "size mismatch"}
	}

	if err := os.Rename(part, a.Path); err != nil {
		os.Remove(part)
		return 0, failure.Filesystem("rename", a.Path, err)
	}
	if err := WriteHeaders(sidecar, headersFrom(resp, n)); err != nil {
		return 0, err
	}
	return n, nil
}

// Evict removes a downloaded asset together with its sidecar.
func (s *Store) Evict(a Asset) error {
	if err := removeIfExists(a.headerPath()); err != nil {
		return err
	}
	return removeIfExists(a.Path)
}

// Stats summarizes the files below a directory.
type Stats struct {
	Files   int
	Bytes   int64
	Partial int
}

// DirStats walks root and counts data files, skipping sidecars and the
// directories listed in skip (by base name).
func DirStats(root string, skip ...string) (Stats, error) {
	var st Stats
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			for _, name := range skip {
				if d.Name() == name && path != root {
					return filepath.SkipDir
				}
			}
			return nil
		}
		switch filepath.Ext(path) {
		case PartSuffix:
			st.Partial++
			return nil
		case ".headers", ".tmp":
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		st.Files++
		st.Bytes += info.Size()
		return nil
	})
	return st, err
}
