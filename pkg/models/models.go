// Package models contains the catalog data types shared by the sync core.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
)

// Kind is the type tag of a catalog entity.
type Kind int

const (
	KindProject Kind = iota
	KindGroup
	KindAsset
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindProject:
		return "project"
	case KindGroup:
		return "group"
	case KindAsset:
		return "asset"
	case KindFile:
		return "file"
	default:
		return "unknown"
	}
}

// Entity is a remote catalog node: a project, a group or asset node, or a file.
// Parent references are weak; they name the parent by UUID only.
type Entity interface {
	ID() string
	Title() string
	ParentID() string
	Kind() Kind
	// Document returns the raw JSON the entity was decoded from.
	Document() json.RawMessage
}

var (
	ErrMissingField    = errors.New("missing required field")
	ErrInvalidField    = errors.New("invalid field value")
	ErrUnsupportedType = errors.New("unsupported node type")
)

// DecodeError describes a remote document that failed validation.
type DecodeError struct {
	Kind  string
	ID    string
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	id := e.ID
	if id == "" {
		id = "?"
	}
	return fmt.Sprintf("decode %s %s: %s: %v", e.Kind, id, e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Project is the root of a catalog tree.
type Project struct {
	UUID     string          `json:"_id"`
	Name     string          `json:"name"`
	URL      string          `json:"url,omitempty"`
	Category string          `json:"category,omitempty"`
	Raw      json.RawMessage `json:"-"`
}

func (p *Project) ID() string                { return p.UUID }
func (p *Project) Title() string             { return p.Name }
func (p *Project) ParentID() string          { return "" }
func (p *Project) Kind() Kind                { return KindProject }
func (p *Project) Document() json.RawMessage { return p.Raw }

// FileRef links a texture node to one of its files.
type FileRef struct {
	File    string `json:"file"`
	MapType string `json:"map_type,omitempty"`
}

// NodeProperties holds the node fields the sync core cares about.
type NodeProperties struct {
	Order *int      `json:"order,omitempty"`
	Files []FileRef `json:"files,omitempty"`
}

// Node is a group (folder) or asset (texture) node.
type Node struct {
	UUID       string          `json:"_id"`
	Name       string          `json:"name"`
	NodeType   string          `json:"node_type"`
	Project    string          `json:"project"`
	Parent     string          `json:"parent,omitempty"`
	Picture    string          `json:"picture,omitempty"`
	Properties NodeProperties  `json:"properties"`
	Raw        json.RawMessage `json:"-"`
}

func (n *Node) ID() string    { return n.UUID }
func (n *Node) Title() string { return n.Name }

// ParentID returns the parent node, or the project for top-level nodes.
func (n *Node) ParentID() string {
	if n.Parent != "" {
		return n.Parent
	}
	return n.Project
}

func (n *Node) Kind() Kind {
	k, _ := nodeKind(n.NodeType)
	return k
}

func (n *Node) Document() json.RawMessage { return n.Raw }

// Order returns the display order, if set.
func (n *Node) Order() (int, bool) {
	if n.Properties.Order == nil {
		return 0, false
	}
	return *n.Properties.Order, true
}

func nodeKind(nodeType string) (Kind, bool) {
	switch nodeType {
	case "group", "group_texture":
		return KindGroup, true
	case "asset", "texture":
		return KindAsset, true
	default:
		return 0, false
	}
}

// Variation is a resized rendition of a file, e.g. a thumbnail.
type Variation struct {
	Size        string `json:"size"`
	Link        string `json:"link"`
	FilePath    string `json:"file_path,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Length      int64  `json:"length,omitempty"`
}

// File is a downloadable binary.
type File struct {
	UUID        string      `json:"_id"`
	Filename    string      `json:"filename"`
	Name        string      `json:"name,omitempty"`
	Link        string      `json:"link"`
	ContentType string      `json:"content_type,omitempty"`
	Length      int64       `json:"length,omitempty"`
	Variations  []Variation `json:"variations,omitempty"`

	// Variant and Parent come from the owning asset node, not the file document.
	Variant string          `json:"-"`
	Parent  string          `json:"-"`
	Raw     json.RawMessage `json:"-"`
}

func (f *File) ID() string                { return f.UUID }
func (f *File) Title() string             { return f.Filename }
func (f *File) ParentID() string          { return f.Parent }
func (f *File) Kind() Kind                { return KindFile }
func (f *File) Document() json.RawMessage { return f.Raw }

// URL returns the download URL.
func (f *File) URL() string { return f.Link }

// Ext returns the filename extension including the dot.
func (f *File) Ext() string { return path.Ext(f.Filename) }

// Variation returns the variation of the given size.
func (f *File) Variation(size string) (Variation, bool) {
	for _, v := range f.Variations {
		if v.Size == size {
			return v, true
		}
	}
	return Variation{}, false
}

// DecodeProject decodes and validates a project document.
func DecodeProject(data []byte) (*Project, error) {
	var p Project
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, &DecodeError{Kind: "project", Field: "document", Err: err}
	}
	if err := require("project", p.UUID, "_id", p.UUID); err != nil {
		return nil, err
	}
	if err := require("project", p.UUID, "name", p.Name); err != nil {
		return nil, err
	}
	p.Raw = append(json.RawMessage(nil), data...)
	return &p, nil
}

// DecodeNode decodes and validates a node document. Nodes of a type the sync
// core does not handle yield ErrUnsupportedType.
func DecodeNode(data []byte) (*Node, error) {
	var n Node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, &DecodeError{Kind: "node", Field: "document", Err: err}
	}
	for _, f := range []struct{ name, value string }{
		{"_id", n.UUID},
		{"name", n.Name},
		{"node_type", n.NodeType},
		{"project", n.Project},
	} {
		if err := require("node", n.UUID, f.name, f.value); err != nil {
			return nil, err
		}
	}
	if n.Parent != "" && !validID(n.Parent) {
		return nil, &DecodeError{Kind: "node", ID: n.UUID, Field: "parent", Err: ErrInvalidField}
	}
	if !validID(n.Project) {
		return nil, &DecodeError{Kind: "node", ID: n.UUID, Field: "project", Err: ErrInvalidField}
	}
	if _, ok := nodeKind(n.NodeType); !ok {
		return nil, &DecodeError{Kind: "node", ID: n.UUID, Field: "node_type", Err: ErrUnsupportedType}
	}
	n.Raw = append(json.RawMessage(nil), data...)
	return &n, nil
}

// DecodeFile decodes and validates a file document. The caller sets Variant
// and Parent from the owning node.
func DecodeFile(data []byte) (*File, error) {
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &DecodeError{Kind: "file", Field: "document", Err: err}
	}
	for _, fld := range []struct{ name, value string }{
		{"_id", f.UUID},
		{"filename", f.Filename},
		{"link", f.Link},
	} {
		if err := require("file", f.UUID, fld.name, fld.value); err != nil {
			return nil, err
		}
	}
	f.Raw = append(json.RawMessage(nil), data...)
	return &f, nil
}

func require(kind, id, field, value string) error {
	if value == "" {
		return &DecodeError{Kind: kind, ID: id, Field: field, Err: ErrMissingField}
	}
	if field == "_id" && !validID(value) {
		return &DecodeError{Kind: kind, ID: id, Field: field, Err: ErrInvalidField}
	}
	return nil
}

// validID rejects identifiers that could escape a directory when used as a
// file name.
func validID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`+"\x00")
}
