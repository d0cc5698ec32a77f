package projector

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dfelinto/blender-cloud-addon/pkg/cache"
	"github.com/dfelinto/blender-cloud-addon/pkg/failure"
	"github.com/dfelinto/blender-cloud-addon/pkg/models"
)

// MetaDirName is the metadata directory inside the texture root.
const MetaDirName = ".blender_cloud"

// MetaStore keeps a snapshot of every recorded catalog document plus the
// sidecar headers of downloaded files.
//
//	.blender_cloud/
//	  projects/{uuid}.json
//	  nodes/{uuid}.json
//	  files/{uuid}.json
//	  files/{uuid}.headers
//	  index.jsonl
type MetaStore struct {
	root string
}

// OpenMetaStore creates the layout below root if needed.
func OpenMetaStore(root string) (*MetaStore, error) {
	for _, sub := range []string{"projects", "nodes", "files"} {
		dir := filepath.Join(root, sub)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, failure.Filesystem("mkdir", dir, err)
		}
	}
	return &MetaStore{root: root}, nil
}

// Root returns the metadata directory.
func (m *MetaStore) Root() string { return m.root }

func subdir(kind models.Kind) string {
	switch kind {
	case models.KindProject:
		return "projects"
	case models.KindFile:
		return "files"
	default:
		return "nodes"
	}
}

// DocumentPath returns where the document of an entity is stored.
func (m *MetaStore) DocumentPath(kind models.Kind, uuid string) string {
	return filepath.Join(m.root, subdir(kind), uuid+".json")
}

// WriteDocument stores the raw document of e atomically.
func (m *MetaStore) WriteDocument(e models.Entity) error {
	data := []byte(e.Document())
	if len(data) == 0 {
		var err error
		if data, err = json.Marshal(e); err != nil {
			return fmt.Errorf("encode %s %s: %w", e.Kind(), e.ID(), err)
		}
	}
	return writeFileAtomic(m.DocumentPath(e.Kind(), e.ID()), data)
}

// ReadDocument returns a stored document.
func (m *MetaStore) ReadDocument(kind models.Kind, uuid string) ([]byte, error) {
	return os.ReadFile(m.DocumentPath(kind, uuid))
}

// HeadersPath returns the sidecar location for a file.
func (m *MetaStore) HeadersPath(fileUUID string) string {
	return filepath.Join(m.root, "files", fileUUID+".headers")
}

// ReadHeaders loads the sidecar of a file.
func (m *MetaStore) ReadHeaders(fileUUID string) (*cache.Headers, error) {
	return cache.ReadHeaders(m.HeadersPath(fileUUID))
}

// IndexPath returns the location of the path index log.
func (m *MetaStore) IndexPath() string {
	return filepath.Join(m.root, "index.jsonl")
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		os.Remove(tmp)
		return failure.Filesystem("write", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return failure.Filesystem("rename", path, err)
	}
	return nil
}
