// Package projector maps the remote catalog onto the local texture directory.
//
// Every catalog entity gets a deterministic path below the texture root made
// of sanitized name segments. The mapping between paths and UUIDs is kept in
// a persistent index so a local file can be traced back to its remote node
// after a restart.
package projector

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/dfelinto/blender-cloud-addon/pkg/logger"
	"github.com/dfelinto/blender-cloud-addon/pkg/models"
	"github.com/dfelinto/blender-cloud-addon/pkg/tree"
)

// ErrCycle is returned when an entity's ancestry repeats a UUID.
var ErrCycle = tree.ErrCycle

// Projector derives and records local paths for catalog entities.
//
// ProjectPath and Record are called from the scheduler's tick goroutine; the
// resolve methods are safe from any goroutine.
type Projector struct {
	root  string
	tree  *tree.Tree
	meta  *MetaStore
	index *Index
	log   *zap.Logger
}

// Open prepares the metadata store below texturesDir and loads the index.
func Open(texturesDir string, tr *tree.Tree, log *zap.Logger) (*Projector, error) {
	if log == nil {
		log = logger.Named("projector")
	}
	root, err := filepath.Abs(texturesDir)
	if err != nil {
		return nil, fmt.Errorf("resolve texture root: %w", err)
	}
	meta, err := OpenMetaStore(filepath.Join(root, MetaDirName))
	if err != nil {
		return nil, err
	}
	index, err := OpenIndex(meta.IndexPath(), log)
	if err != nil {
		return nil, err
	}
	log.Debug("projector opened", zap.String("root", root), zap.Int("mappings", index.Len()))
	return &Projector{root: root, tree: tr, meta: meta, index: index, log: log}, nil
}

// Root returns the absolute texture root.
func (p *Projector) Root() string { return p.root }

// Meta returns the metadata store.
func (p *Projector) Meta() *MetaStore { return p.meta }

// Index returns the path index.
func (p *Projector) Index() *Index { return p.index }

// Close releases the index.
func (p *Projector) Close() error { return p.index.Close() }

// ProjectPath returns the slash-separated path of e relative to the texture
// root. The ancestors of e must be in the tree.
func (p *Projector) ProjectPath(e models.Entity) (string, error) {
	var chain []models.Entity
	if pid := e.ParentID(); pid != "" {
		lineage, err := p.tree.Lineage(pid)
		if err != nil {
			return "", err
		}
		chain = lineage
	}
	for _, anc := range chain {
		if anc.ID() == e.ID() {
			return "", fmt.Errorf("project %s: %w", e.ID(), ErrCycle)
		}
	}
	chain = append(chain, e)

	rel := ""
	for _, node := range chain {
		rel = tree.ChildPath(rel, p.segment(node, rel))
	}
	return rel, nil
}

// LocalPath converts a relative path into an absolute one.
func (p *Projector) LocalPath(rel string) string {
	return filepath.Join(p.root, filepath.FromSlash(rel))
}

// baseSegment is the undisambiguated segment of e.
func baseSegment(e models.Entity) string {
	if f, ok := e.(*models.File); ok {
		name := Sanitize(f.Filename)
		if f.Variant == "" {
			return name
		}
		return Sanitize(f.Variant + "-" + f.Filename)
	}
	return Sanitize(e.Title())
}

func withSuffix(e models.Entity, seg, suffix string) string {
	if e.Kind() == models.KindFile {
		if ext := path.Ext(seg); ext != "" && ext != seg {
			return strings.TrimSuffix(seg, ext) + "-" + suffix + ext
		}
	}
	return seg + "-" + suffix
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[len(id)-8:]
}

// segment picks the name of e inside the directory parentRel. Siblings that
// sanitize to the same segment are ordered by UUID: the first keeps the plain
// segment and the others get a UUID suffix. A segment recorded in an earlier
// run is kept as long as it is still one of the candidates for e.
func (p *Projector) segment(e models.Entity, parentRel string) string {
	id := e.ID()
	base := baseSegment(e)
	candidates := []string{base, withSuffix(e, base, shortID(id)), withSuffix(e, base, id)}

	if rec, ok := p.index.Lookup(id); ok && parentOf(rec) == parentRel {
		for _, c := range candidates {
			if path.Base(rec) == c {
				return c
			}
		}
	}

	var clash []models.Entity
	if pid := e.ParentID(); pid != "" {
		for _, sib := range p.tree.Children(pid) {
			if sib.ID() != id && baseSegment(sib) == base {
				clash = append(clash, sib)
			}
		}
	}

	start := 0
	for _, sib := range clash {
		if sib.ID() < id {
			start = 1
			break
		}
	}
	if start == 1 && len(id) > 8 {
		for _, sib := range clash {
			if shortID(sib.ID()) == shortID(id) {
				start = 2
				break
			}
		}
	}

	for _, c := range candidates[start:] {
		owner, taken := p.index.Owner(tree.ChildPath(parentRel, c))
		if !taken || owner == id {
			return c
		}
	}
	return candidates[len(candidates)-1]
}

func parentOf(rel string) string {
	dir := path.Dir(rel)
	if dir == "." {
		return ""
	}
	return dir
}

// Record stores the document of e, then maps it to rel. If the process dies
// in between, only the mapping of e is missing.
func (p *Projector) Record(e models.Entity, rel string) error {
	if err := p.meta.WriteDocument(e); err != nil {
		return err
	}
	return p.index.Put(e.ID(), rel)
}

// ResolveUUID returns the UUID mapped to a local path, absolute or relative
// to the texture root.
func (p *Projector) ResolveUUID(local string) (string, bool) {
	rel := local
	if filepath.IsAbs(local) {
		r, err := filepath.Rel(p.root, local)
		if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
			return "", false
		}
		rel = r
	}
	return p.index.Owner(filepath.ToSlash(rel))
}

// ResolveLocalPath returns the absolute local path of uuid.
func (p *Projector) ResolveLocalPath(uuid string) (string, bool) {
	rel, ok := p.index.Lookup(uuid)
	if !ok {
		return "", false
	}
	return p.LocalPath(rel), true
}

// HeadersPath returns the sidecar location of a file.
func (p *Projector) HeadersPath(fileUUID string) string {
	return p.meta.HeadersPath(fileUUID)
}
