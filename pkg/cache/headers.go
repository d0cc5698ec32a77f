package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dfelinto/blender-cloud-addon/pkg/failure"
)

// Headers is the sidecar stored next to (or on behalf of) a downloaded file.
// Only these response headers are kept.
type Headers struct {
	ETag          string `json:"ETag,omitempty"`
	LastModified  string `json:"Last-Modified,omitempty"`
	ContentLength int64  `json:"Content-Length"`
	ContentType   string `json:"Content-Type,omitempty"`
}

// UnmarshalJSON accepts Content-Length as a number or as a string, the form
// the add-on's own sidecars use. A sidecar without it records -1, which never
// matches a file size.
func (h *Headers) UnmarshalJSON(data []byte) error {
	type plain Headers
	aux := struct {
		*plain
		ContentLength json.RawMessage `json:"Content-Length"`
	}{plain: (*plain)(h)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	n, err := parseLength(aux.ContentLength)
	if err != nil {
		return err
	}
	h.ContentLength = n
	return nil
}

func parseLength(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return -1, nil
	}
	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, err
		}
		text = strings.TrimSpace(text)
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid Content-Length %s", raw)
	}
	return n, nil
}

func headersFrom(resp *http.Response, written int64) Headers {
	return Headers{
		ETag:          resp.Header.Get("ETag"),
		LastModified:  resp.Header.Get("Last-Modified"),
		ContentLength: written,
		ContentType:   resp.Header.Get("Content-Type"),
	}
}

// ReadHeaders loads a sidecar. A missing sidecar returns an error matching
// os.ErrNotExist; an unparsable one an *failure.IntegrityError.
func ReadHeaders(path string) (*Headers, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var h Headers
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, &failure.IntegrityError{Path: path, Declared: -1, Actual: -1, Reason: fmt.Sprintf("unreadable sidecar: %v", err)}
	}
	return &h, nil
}

// WriteHeaders writes a sidecar atomically (temp file then rename).
func WriteHeaders(path string, h Headers) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return failure.Filesystem("remove", path, err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return failure.Filesystem("mkdir", dir, err)
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return failure.Filesystem("create", path, err)
	}
	tmp := f.Name()
	_, werr := f.Write(data)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = os.Chmod(tmp, 0644)
	}
	if werr != nil {
		os.Remove(tmp)
		return failure.Filesystem("write", tmp, werr)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return failure.Filesystem("rename", path, err)
	}
	return nil
}
