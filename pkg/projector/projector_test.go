package projector

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/dfelinto/blender-cloud-addon/pkg/models"
	"github.com/dfelinto/blender-cloud-addon/pkg/tree"
)

const (
	projectID = "5672beecc0261b2005ed1a00"
	groupID   = "5672beecc0261b2005ed1a10"
	assetID   = "5672beecc0261b2005ed1a20"
)

func openTest(t *testing.T, dir string, tr *tree.Tree) *Projector {
	t.Helper()
	p, err := Open(dir, tr, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func baseTree() *tree.Tree {
	tr := tree.New()
	tr.Add(&models.Project{UUID: projectID, Name: "Textures"})
	tr.Add(&models.Node{UUID: groupID, Name: "Wood/Stone", NodeType: "group_texture", Project: projectID})
	tr.Add(&models.Node{UUID: assetID, Name: "Oak: Planks", NodeType: "texture", Project: projectID, Parent: groupID})
	return tr
}

func TestSanitize(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Oak Planks", "Oak Planks"},
		{"Wood/Stone", "WoodStone"},
		{`a<b>c:d"e|f?g*h\i`, "abcdefghi"},
		{"  ..hidden.. ", "hidden"},
		{"..", "unnamed"},
		{"", "unnamed"},
		{"tabs\t\tand  spaces", "tabs and spaces"},
		{"Brick (old) [v2]", "Brick (old) [v2]"},
		{"Écorce", "Écorce"},
		{"CON", "_CON"},
		{"nul.txt", "_nul.txt"},
	}
	for _, tt := range tests {
		if got := Sanitize(tt.in); got != tt.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestProjectPath(t *testing.T) {
	tr := baseTree()
	file := &models.File{UUID: "f1", Filename: "oak_col.jpg", Variant: "color", Parent: assetID}
	tr.Add(file)
	noVariant := &models.File{UUID: "f2", Filename: "oak_preview.png", Parent: assetID}
	tr.Add(noVariant)

	p := openTest(t, t.TempDir(), tr)

	got, err := p.ProjectPath(file)
	if err != nil {
		t.Fatalf("ProjectPath: %v", err)
	}
	if want := "Textures/WoodStone/Oak Planks/color-oak_col.jpg"; got != want {
		t.Errorf("path = %q, want %q", got, want)
	}
	if got, _ := p.ProjectPath(noVariant); got != "Textures/WoodStone/Oak Planks/oak_preview.png" {
		t.Errorf("path without variant = %q", got)
	}
	if again, _ := p.ProjectPath(file); again != got {
		t.Errorf("second projection differs: %q", again)
	}
}

func TestProjectPath_SiblingCollision(t *testing.T) {
	tr := baseTree()
	first := &models.Node{UUID: "aaaaaaaa00000001", Name: "Bricks", NodeType: "group", Project: projectID, Parent: groupID}
	second := &models.Node{UUID: "bbbbbbbb00000002", Name: "Bricks?", NodeType: "group", Project: projectID, Parent: groupID}
	tr.Add(second)
	tr.Add(first)

	p := openTest(t, t.TempDir(), tr)
	p1, _ := p.ProjectPath(first)
	p2, _ := p.ProjectPath(second)

	if p1 != "Textures/WoodStone/Bricks" {
		t.Errorf("first = %q", p1)
	}
	if p2 != "Textures/WoodStone/Bricks-00000002" {
		t.Errorf("second = %q", p2)
	}
}

func TestProjectPath_FileCollisionKeepsExtension(t *testing.T) {
	tr := baseTree()
	a := &models.File{UUID: "file0000aaaa", Filename: "oak.jpg", Variant: "color", Parent: assetID}
	b := &models.File{UUID: "file0000bbbb", Filename: "oak.jpg", Variant: "color", Parent: assetID}
	tr.Add(a)
	tr.Add(b)

	p := openTest(t, t.TempDir(), tr)
	pb, _ := p.ProjectPath(b)
	if pb != "Textures/WoodStone/Oak Planks/color-oak-0000bbbb.jpg" {
		t.Errorf("second file = %q", pb)
	}
}

func TestProjectPath_ShortSuffixClashUsesFullUUID(t *testing.T) {
	tr := baseTree()
	a := &models.Node{UUID: "aaaa00000001", Name: "Tiles", NodeType: "group", Project: projectID, Parent: groupID}
	b := &models.Node{UUID: "bbbb00000001", Name: "Tiles", NodeType: "group", Project: projectID, Parent: groupID}
	tr.Add(a)
	tr.Add(b)

	p := openTest(t, t.TempDir(), tr)
	pb, _ := p.ProjectPath(b)
	if pb != "Textures/WoodStone/Tiles-bbbb00000001" {
		t.Errorf("second = %q", pb)
	}
}

func TestProjectPath_StableAcrossRuns(t *testing.T) {
	dir := t.TempDir()
	later := &models.Node{UUID: "bbbbbbbb00000002", Name: "Bricks", NodeType: "group", Project: projectID, Parent: groupID}

	tr := baseTree()
	tr.Add(later)
	p := openTest(t, dir, tr)
	rel, err := p.ProjectPath(later)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Record(later, rel); err != nil {
		t.Fatalf("Record: %v", err)
	}
	p.Close()

	// A new sibling with a smaller UUID shows up in the next run.
	earlier := &models.Node{UUID: "aaaaaaaa00000001", Name: "Bricks", NodeType: "group", Project: projectID, Parent: groupID}
	tr2 := baseTree()
	tr2.Add(earlier)
	tr2.Add(later)
	p2 := openTest(t, dir, tr2)

	relLater, _ := p2.ProjectPath(later)
	relEarlier, _ := p2.ProjectPath(earlier)
	if relLater != rel {
		t.Errorf("recorded path changed: %q -> %q", rel, relLater)
	}
	if relEarlier == relLater {
		t.Errorf("both siblings map to %q", relEarlier)
	}
}

func TestProjectPath_Cycle(t *testing.T) {
	tr := tree.New()
	tr.Add(&models.Node{UUID: "x", Name: "X", NodeType: "group", Project: "p", Parent: "y"})
	tr.Add(&models.Node{UUID: "y", Name: "Y", NodeType: "group", Project: "p", Parent: "x"})
	file := &models.File{UUID: "f", Filename: "a.png", Parent: "x"}

	p := openTest(t, t.TempDir(), tr)
	if _, err := p.ProjectPath(file); !errors.Is(err, ErrCycle) {
		t.Errorf("err = %v, want ErrCycle", err)
	}
}

func TestRecordAndResolve(t *testing.T) {
	dir := t.TempDir()
	tr := baseTree()
	file := &models.File{UUID: "f1", Filename: "oak.jpg", Variant: "normal", Parent: assetID, Raw: []byte(`{"_id":"f1"}`)}
	tr.Add(file)

	p := openTest(t, dir, tr)
	rel, _ := p.ProjectPath(file)
	if err := p.Record(file, rel); err != nil {
		t.Fatalf("Record: %v", err)
	}

	doc, err := p.Meta().ReadDocument(models.KindFile, "f1")
	if err != nil || string(doc) != `{"_id":"f1"}` {
		t.Errorf("document = %q, %v", doc, err)
	}

	abs, ok := p.ResolveLocalPath("f1")
	if !ok || abs != filepath.Join(p.Root(), "Textures", "WoodStone", "Oak Planks", "normal-oak.jpg") {
		t.Errorf("ResolveLocalPath = %q, %v", abs, ok)
	}
	if id, ok := p.ResolveUUID(abs); !ok || id != "f1" {
		t.Errorf("ResolveUUID(abs) = %q, %v", id, ok)
	}
	if id, ok := p.ResolveUUID(rel); !ok || id != "f1" {
		t.Errorf("ResolveUUID(rel) = %q, %v", id, ok)
	}
	if _, ok := p.ResolveUUID(filepath.Join(os.TempDir(), "elsewhere.png")); ok {
		t.Error("path outside the root resolved")
	}
	p.Close()

	// Survives a restart.
	p2 := openTest(t, dir, tree.New())
	if id, ok := p2.ResolveUUID(rel); !ok || id != "f1" {
		t.Errorf("after reopen ResolveUUID = %q, %v", id, ok)
	}
}

func TestRecord_DocumentWithoutRaw(t *testing.T) {
	tr := baseTree()
	p := openTest(t, t.TempDir(), tr)
	proj, _ := tr.Get(projectID)
	if err := p.Record(proj, "Textures"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	doc, err := p.Meta().ReadDocument(models.KindProject, projectID)
	if err != nil || len(doc) == 0 {
		t.Errorf("document = %q, %v", doc, err)
	}
}
