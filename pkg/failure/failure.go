// Package failure defines the error taxonomy shared by the download and cache layers.
package failure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error kinds reported by Kind.
const (
	KindNetwork         = "network"
	KindHTTPStatus      = "http_status"
	KindIntegrity       = "integrity"
	KindFilesystem      = "filesystem"
	KindCacheCorruption = "cache_corruption"
	KindCancelled       = "cancelled"
	KindOther           = "other"
)

// NetworkError is a connection or timeout failure. It is retryable across
// runs but never within a run.
type NetworkError struct {
	Op  string
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// StatusError is returned for responses that are neither 2xx nor 304.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	status := e.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("GET %s: server returned %s", e.URL, status)
}

// IntegrityError reports a downloaded file that does not match its declared size,
// or a sidecar that cannot be trusted.
type IntegrityError struct {
	Path     string
	Declared int64
	Actual   int64
	Reason   string
}

func (e *IntegrityError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("integrity check failed for %s: %s", e.Path, e.Reason)
	}
	return fmt.Sprintf("integrity check failed for %s: declared %d bytes, got %d",
		e.Path, e.Declared, e.Actual)
}

// FilesystemError wraps a local filesystem failure. It is fatal to a single
// asset, not to the run.
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error { return e.Err }

// CacheCorruption reports an unreadable persistent cache store or entry.
// Callers degrade to cache-miss behaviour.
type CacheCorruption struct {
	Key string
	Err error
}

func (e *CacheCorruption) Error() string {
	return fmt.Sprintf("cache entry %s unreadable: %v", e.Key, e.Err)
}

func (e *CacheCorruption) Unwrap() error { return e.Err }

// Network wraps err as a NetworkError. Context errors are passed through
// unchanged so cancellation stays recognisable.
func Network(op, url string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &NetworkError{Op: op, URL: url, Err: err}
}

// Filesystem wraps err as a FilesystemError.
func Filesystem(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &FilesystemError{Op: op, Path: path, Err: err}
}

// Status builds a StatusError from a response.
func Status(url string, resp *http.Response) error {
	return &StatusError{URL: url, StatusCode: resp.StatusCode, Status: resp.Status}
}

// AsStatus checks if an error is a StatusError and returns it.
func AsStatus(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// AsIntegrity checks if an error is an IntegrityError and returns it.
func AsIntegrity(err error) (*IntegrityError, bool) {
	var ie *IntegrityError
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}

// IsNetwork reports whether err is (or wraps) a NetworkError.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsNotFound reports whether err is a 404 StatusError.
func IsNotFound(err error) bool {
	se, ok := AsStatus(err)
	return ok && se.StatusCode == http.StatusNotFound
}

// Kind classifies err for reporting and metric labels.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	var (
		ne *NetworkError
		se *StatusError
		ie *IntegrityError
		fe *FilesystemError
		ce *CacheCorruption
	)
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.As(err, &se):
		return KindHTTPStatus
	case errors.As(err, &ie):
		return KindIntegrity
	case errors.As(err, &fe):
		return KindFilesystem
	case errors.As(err, &ce):
		return KindCacheCorruption
	case errors.As(err, &ne), errors.Is(err, context.DeadlineExceeded):
		return KindNetwork
	default:
		return KindOther
	}
}
