package projector

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/dfelinto/blender-cloud-addon/pkg/failure"
)

// ErrPathTaken is returned when a path is already mapped to another UUID.
var ErrPathTaken = errors.New("path already mapped to another node")

type indexEntry struct {
	UUID    string `json:"uuid"`
	Path    string `json:"path"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Index is the persistent bidirectional mapping between relative paths and
// UUIDs. It is an append-only JSON-lines log; a crash can at most truncate
// the last line, which is dropped when the log is compacted on open.
type Index struct {
	mu     sync.RWMutex
	path   string
	f      *os.File
	byUUID map[string]string
	byPath map[string]string
	log    *zap.Logger
}

// OpenIndex loads the log at p, compacting it if it holds superseded or
// damaged lines.
func OpenIndex(p string, log *zap.Logger) (*Index, error) {
	ix := &Index{
		path:   p,
		byUUID: make(map[string]string),
		byPath: make(map[string]string),
		log:    log,
	}

	data, err := os.ReadFile(p)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, failure.Filesystem("read", p, err)
	}
	lines, damaged := ix.replay(data)
	unterminated := len(data) > 0 && data[len(data)-1] != '\n'
	if damaged > 0 || unterminated || lines > len(ix.byUUID) {
		if damaged > 0 {
			log.Warn("dropping damaged index lines", zap.String("path", p), zap.Int("lines", damaged))
		}
		if err := ix.compact(); err != nil {
			return nil, err
		}
	}

	f, err := os.OpenFile(p, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return nil, failure.Filesystem("open", p, err)
	}
	ix.f = f
	return ix, nil
}

func (ix *Index) replay(data []byte) (lines, damaged int) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		lines++
		var e indexEntry
		if err := json.Unmarshal(line, &e); err != nil || e.UUID == "" || (!e.Deleted && e.Path == "") {
			damaged++
			continue
		}
		if e.Deleted {
			ix.drop(e.UUID)
			continue
		}
		ix.set(e.UUID, e.Path)
	}
	if sc.Err() != nil {
		damaged++
	}
	return lines, damaged
}

func (ix *Index) set(uuid, p string) {
	ix.drop(uuid)
	if owner, ok := ix.byPath[p]; ok {
		delete(ix.byUUID, owner)
	}
	ix.byUUID[uuid] = p
	ix.byPath[p] = uuid
}

func (ix *Index) drop(uuid string) {
	if old, ok := ix.byUUID[uuid]; ok {
		delete(ix.byPath, old)
		delete(ix.byUUID, uuid)
	}
}

func (ix *Index) compact() error {
	paths := make([]string, 0, len(ix.byPath))
	for p := range ix.byPath {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, p := range paths {
		if err := enc.Encode(indexEntry{UUID: ix.byPath[p], Path: p}); err != nil {
			return err
		}
	}
	return writeFileAtomic(ix.path, buf.Bytes())
}

func (ix *Index) append(e indexEntry) error {
	if ix.f == nil {
		return fmt.Errorf("index %s is closed", ix.path)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := ix.f.Write(data); err != nil {
		return failure.Filesystem("append", ix.path, err)
	}
	return nil
}

// Put maps uuid to the relative path p, releasing any previous path of uuid.
func (ix *Index) Put(uuid, p string) error {
	p = path.Clean(p)
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if owner, ok := ix.byPath[p]; ok && owner != uuid {
		return fmt.Errorf("map %s to %s: %w (%s)", uuid, p, ErrPathTaken, owner)
	}
	if ix.byUUID[uuid] == p {
		return nil
	}
	if err := ix.append(indexEntry{UUID: uuid, Path: p}); err != nil {
		return err
	}
	ix.set(uuid, p)
	return nil
}

// Remove forgets the mapping of uuid.
func (ix *Index) Remove(uuid string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, ok := ix.byUUID[uuid]; !ok {
		return nil
	}
	if err := ix.append(indexEntry{UUID: uuid, Deleted: true}); err != nil {
		return err
	}
	ix.drop(uuid)
	return nil
}

// Lookup returns the relative path of uuid.
func (ix *Index) Lookup(uuid string) (string, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	p, ok := ix.byUUID[uuid]
	return p, ok
}

// Owner returns the UUID mapped to the relative path p.
func (ix *Index) Owner(p string) (string, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	uuid, ok := ix.byPath[path.Clean(p)]
	return uuid, ok
}

// Len returns the number of mappings.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byUUID)
}

// Close closes the log.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.f == nil {
		return nil
	}
	err := ix.f.Close()
	ix.f = nil
	return err
}
