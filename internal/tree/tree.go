// Package tree provides the hierarchical project index: typed nodes for
// directories, files, and symbols, plus the import dependency graph.
package tree

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// NodeID uniquely identifies a node within a project. IDs are dense, start
// at 1, and are never reused; 0 is the invalid id.
type NodeID uint64

// InvalidID is the zero NodeID, used where no node applies.
const InvalidID NodeID = 0

// NodeKind discriminates the node variants.
type NodeKind string

const (
	KindDirectory NodeKind = "directory"
	KindFile      NodeKind = "file"
	KindSymbol    NodeKind = "symbol"
)

// SymbolKind classifies extracted symbols. Functions, types, interfaces and
// constants collapse into the first four kinds; top-level variables that are
// not constants are kept as SymbolOther, so the set has five kinds.
type SymbolKind string

const (
	SymbolFunction  SymbolKind = "function"
	SymbolType      SymbolKind = "type"
	SymbolInterface SymbolKind = "interface"
	SymbolConst     SymbolKind = "const"
	SymbolOther     SymbolKind = "other"
)

// Node is one entry in the project tree. Fields beyond the common set are
// populated according to Kind.
type Node struct {
	ID     NodeID   `json:"id"`
	Kind   NodeKind `json:"kind"`
	Name   string   `json:"name"`
	Parent NodeID   `json:"parent,omitempty"`

	// Directory fields.
	Children []NodeID `json:"children,omitempty"`

	// File fields.
	Relpath     string   `json:"relpath,omitempty"`
	Language    string   `json:"language,omitempty"`
	ContentHash string   `json:"content_hash,omitempty"`
	LineCount   int      `json:"line_count,omitempty"`
	Symbols     []NodeID `json:"symbols,omitempty"`
	Diagnostic  string   `json:"diagnostic,omitempty"`

	// Symbol fields.
	SymbolKind SymbolKind `json:"symbol_kind,omitempty"`
	File       NodeID     `json:"file,omitempty"`
	StartLine  int        `json:"start_line,omitempty"`
	EndLine    int        `json:"end_line,omitempty"`
	Signature  string     `json:"signature,omitempty"`
	Public     bool       `json:"public,omitempty"`
}

// Tree is the complete index for one project root.
type Tree struct {
	RootPath string
	RootID   NodeID
	Nodes    map[NodeID]*Node
	Deps     *Graph

	nextID NodeID
	byPath map[string]NodeID
}

// New creates a tree containing only the root directory node.
func New(rootPath string) *Tree {
	t := &Tree{
		RootPath: rootPath,
		Nodes:    make(map[NodeID]*Node),
		Deps:     NewGraph(),
		nextID:   1,
		byPath:   make(map[string]NodeID),
	}
	name := path.Base(strings.TrimSuffix(rootPath, "/"))
	if name == "" || name == "." {
		name = "root"
	}
	root := &Node{ID: t.alloc(), Kind: KindDirectory, Name: name}
	t.Nodes[root.ID] = root
	t.RootID = root.ID
	t.byPath[""] = root.ID
	return t
}

// alloc hands out the next NodeID. Retired ids are never handed out again.
func (t *Tree) alloc() NodeID {
	id := t.nextID
	t.nextID++
	return id
}

// Get returns a node by id.
func (t *Tree) Get(id NodeID) *Node {
	return t.Nodes[id]
}

// Root returns the root directory node.
func (t *Tree) Root() *Node {
	return t.Nodes[t.RootID]
}

// FileByPath returns the id of the File node at a project-relative path.
func (t *Tree) FileByPath(relpath string) (NodeID, bool) {
	id, ok := t.byPath[path.Clean(relpath)]
	if !ok {
		return InvalidID, false
	}
	if t.Nodes[id].Kind != KindFile {
		return InvalidID, false
	}
	return id, true
}

// NodeByPath returns the id of the node (file or directory) at a
// project-relative path.
func (t *Tree) NodeByPath(relpath string) (NodeID, bool) {
	id, ok := t.byPath[path.Clean(relpath)]
	return id, ok
}

// EnsureDir returns the directory node for a project-relative path, creating
// intermediate directories as needed. The empty path is the root.
func (t *Tree) EnsureDir(relpath string) NodeID {
	relpath = path.Clean(relpath)
	if relpath == "." || relpath == "" || relpath == "/" {
		return t.RootID
	}
	if id, ok := t.byPath[relpath]; ok {
		return id
	}

	parentID := t.EnsureDir(path.Dir(relpath))
	node := &Node{
		ID:     t.alloc(),
		Kind:   KindDirectory,
		Name:   path.Base(relpath),
		Parent: parentID,
	}
	t.Nodes[node.ID] = node
	t.byPath[relpath] = node.ID
	t.attachChild(parentID, node.ID)
	return node.ID
}

// AddFile inserts a File node under its parent directory, creating the
// directory chain as needed.
func (t *Tree) AddFile(relpath, language, contentHash string, lineCount int) NodeID {
	relpath = path.Clean(relpath)
	parentID := t.EnsureDir(path.Dir(relpath))
	node := &Node{
		ID:          t.alloc(),
		Kind:        KindFile,
		Name:        path.Base(relpath),
		Parent:      parentID,
		Relpath:     relpath,
		Language:    language,
		ContentHash: contentHash,
		LineCount:   lineCount,
	}
	t.Nodes[node.ID] = node
	t.byPath[relpath] = node.ID
	t.attachChild(parentID, node.ID)
	return node.ID
}

// AddSymbol inserts a Symbol node belonging to a File node.
func (t *Tree) AddSymbol(fileID NodeID, kind SymbolKind, name, signature string, startLine, endLine int, public bool) NodeID {
	file := t.Nodes[fileID]
	node := &Node{
		ID:         t.alloc(),
		Kind:       KindSymbol,
		Name:       name,
		Parent:     fileID,
		SymbolKind: kind,
		File:       fileID,
		StartLine:  startLine,
		EndLine:    endLine,
		Signature:  signature,
		Public:     public,
	}
	t.Nodes[node.ID] = node
	file.Symbols = append(file.Symbols, node.ID)
	return node.ID
}

// attachChild appends a child keeping the case-insensitive lexical order.
func (t *Tree) attachChild(parentID, childID NodeID) {
	parent := t.Nodes[parentID]
	parent.Children = append(parent.Children, childID)
	sort.SliceStable(parent.Children, func(i, j int) bool {
		a := t.Nodes[parent.Children[i]]
		b := t.Nodes[parent.Children[j]]
		return strings.ToLower(a.Name) < strings.ToLower(b.Name)
	})
}

// ReplaceFileSymbols swaps a file's symbol set after a re-parse. Symbols
// whose (kind, name, start line) match an existing symbol keep their NodeID;
// new symbols get fresh ids; unmatched old ids are retired. Returns the ids
// of retired symbols.
func (t *Tree) ReplaceFileSymbols(fileID NodeID, fresh []SymbolSpec) []NodeID {
	file := t.Nodes[fileID]

	type key struct {
		kind SymbolKind
		name string
		line int
	}
	old := make(map[key]NodeID, len(file.Symbols))
	for _, sid := range file.Symbols {
		s := t.Nodes[sid]
		old[key{s.SymbolKind, s.Name, s.StartLine}] = sid
	}

	newIDs := make([]NodeID, 0, len(fresh))
	for _, spec := range fresh {
		k := key{spec.Kind, spec.Name, spec.StartLine}
		if sid, ok := old[k]; ok {
			node := t.Nodes[sid]
			node.EndLine = spec.EndLine
			node.Signature = spec.Signature
			node.Public = spec.Public
			newIDs = append(newIDs, sid)
			delete(old, k)
			continue
		}
		sid := t.alloc()
		t.Nodes[sid] = &Node{
			ID:         sid,
			Kind:       KindSymbol,
			Name:       spec.Name,
			Parent:     fileID,
			SymbolKind: spec.Kind,
			File:       fileID,
			StartLine:  spec.StartLine,
			EndLine:    spec.EndLine,
			Signature:  spec.Signature,
			Public:     spec.Public,
		}
		newIDs = append(newIDs, sid)
	}

	var retired []NodeID
	for _, sid := range old {
		delete(t.Nodes, sid)
		retired = append(retired, sid)
	}
	file.Symbols = newIDs
	return retired
}

// SymbolSpec describes one symbol produced by a parse.
type SymbolSpec struct {
	Kind      SymbolKind
	Name      string
	Signature string
	StartLine int
	EndLine   int
	Public    bool
}

// RemoveFile removes a File node, its symbols, and every dependency edge
// mentioning it. Parent directories left empty are collapsed up to (but not
// including) the root. Returns every retired NodeID.
func (t *Tree) RemoveFile(fileID NodeID) []NodeID {
	file := t.Nodes[fileID]
	if file == nil || file.Kind != KindFile {
		return nil
	}

	retired := make([]NodeID, 0, len(file.Symbols)+1)
	for _, sid := range file.Symbols {
		delete(t.Nodes, sid)
		retired = append(retired, sid)
	}

	t.Deps.RemoveNode(fileID)
	t.detachChild(file.Parent, fileID)
	delete(t.byPath, file.Relpath)
	delete(t.Nodes, fileID)
	retired = append(retired, fileID)

	// Collapse directories that became empty.
	dirID := file.Parent
	for dirID != t.RootID && dirID != InvalidID {
		dir := t.Nodes[dirID]
		if dir == nil || len(dir.Children) > 0 {
			break
		}
		parentID := dir.Parent
		t.detachChild(parentID, dirID)
		delete(t.byPath, t.pathOf(dirID))
		delete(t.Nodes, dirID)
		retired = append(retired, dirID)
		dirID = parentID
	}
	return retired
}

// detachChild removes a child reference from a directory.
func (t *Tree) detachChild(parentID, childID NodeID) {
	parent := t.Nodes[parentID]
	if parent == nil {
		return
	}
	for i, c := range parent.Children {
		if c == childID {
			parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
			return
		}
	}
}

// pathOf reconstructs a node's project-relative path from parent links.
func (t *Tree) pathOf(id NodeID) string {
	var parts []string
	for id != t.RootID && id != InvalidID {
		node := t.Nodes[id]
		if node == nil {
			break
		}
		parts = append([]string{node.Name}, parts...)
		id = node.Parent
	}
	return strings.Join(parts, "/")
}

// Files returns every File node id in deterministic path order.
func (t *Tree) Files() []NodeID {
	paths := make([]string, 0, len(t.byPath))
	for p, id := range t.byPath {
		if t.Nodes[id] != nil && t.Nodes[id].Kind == KindFile {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	ids := make([]NodeID, len(paths))
	for i, p := range paths {
		ids[i] = t.byPath[p]
	}
	return ids
}

// FindSymbols returns symbol ids whose name matches exactly.
func (t *Tree) FindSymbols(name string) []NodeID {
	var out []NodeID
	for _, fid := range t.Files() {
		for _, sid := range t.Nodes[fid].Symbols {
			if t.Nodes[sid].Name == name {
				out = append(out, sid)
			}
		}
	}
	return out
}

// Counts returns the file and symbol counts and the per-language file mix.
func (t *Tree) Counts() (files, symbols int, mix map[string]int) {
	mix = make(map[string]int)
	for _, n := range t.Nodes {
		switch n.Kind {
		case KindFile:
			files++
			if n.Language != "" {
				mix[n.Language]++
			}
		case KindSymbol:
			symbols++
		}
	}
	return files, symbols, mix
}

// NextID exposes the allocator watermark for serialization.
func (t *Tree) NextID() NodeID {
	return t.nextID
}

// SetNextID restores the allocator watermark after deserialization.
func (t *Tree) SetNextID(id NodeID) {
	if id > t.nextID {
		t.nextID = id
	}
}

// RebuildPathIndex reconstructs the path lookup table from parent links.
// Used after loading a tree from a blob.
func (t *Tree) RebuildPathIndex() {
	t.byPath = make(map[string]NodeID, len(t.Nodes))
	t.byPath[""] = t.RootID
	for id, n := range t.Nodes {
		if n.Kind == KindSymbol {
			continue
		}
		if id == t.RootID {
			continue
		}
		t.byPath[t.pathOf(id)] = id
	}
}

// Validate checks tree well-formedness: unique parents, consistent
// parent/child links, and symbol file ancestry. Returns the first violation.
func (t *Tree) Validate() error {
	for id, n := range t.Nodes {
		if n.ID != id {
			return fmt.Errorf("node %d stored under id %d", n.ID, id)
		}
		if id == t.RootID {
			if n.Parent != InvalidID {
				return fmt.Errorf("root node has a parent")
			}
			continue
		}
		if n.Parent == InvalidID {
			return fmt.Errorf("node %d (%s) has no parent", id, n.Name)
		}
		parent := t.Nodes[n.Parent]
		if parent == nil {
			return fmt.Errorf("node %d parent %d missing", id, n.Parent)
		}

		switch n.Kind {
		case KindSymbol:
			if t.Nodes[n.File] == nil || t.Nodes[n.File].Kind != KindFile {
				return fmt.Errorf("symbol %d file link %d is not a file", id, n.File)
			}
			found := false
			for _, sid := range t.Nodes[n.File].Symbols {
				if sid == id {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("symbol %d missing from file %d symbol list", id, n.File)
			}
		default:
			found := false
			for _, cid := range parent.Children {
				if cid == id {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("node %d missing from parent %d children", id, n.Parent)
			}
		}
	}
	return nil
}
