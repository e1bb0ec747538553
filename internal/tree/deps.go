package tree

// Graph is the file-level import graph. Forward holds "A imports B"; Reverse
// holds "B is imported by A". Edges are derived data, fully recomputable from
// file contents. Adjacency is index-based so import cycles are fine.
type Graph struct {
	Forward map[NodeID][]NodeID `json:"forward"`
	Reverse map[NodeID][]NodeID `json:"reverse"`
}

// NewGraph creates an empty dependency graph.
func NewGraph() *Graph {
	return &Graph{
		Forward: make(map[NodeID][]NodeID),
		Reverse: make(map[NodeID][]NodeID),
	}
}

// SetImports replaces the outgoing edges of a file, keeping the reverse
// adjacency symmetric. Target order is preserved (source import order).
func (g *Graph) SetImports(file NodeID, targets []NodeID) {
	for _, old := range g.Forward[file] {
		g.Reverse[old] = removeID(g.Reverse[old], file)
		if len(g.Reverse[old]) == 0 {
			delete(g.Reverse, old)
		}
	}
	delete(g.Forward, file)

	if len(targets) == 0 {
		return
	}
	deduped := make([]NodeID, 0, len(targets))
	seen := make(map[NodeID]bool, len(targets))
	for _, tgt := range targets {
		if tgt == file || seen[tgt] {
			continue
		}
		seen[tgt] = true
		deduped = append(deduped, tgt)
		g.Reverse[tgt] = append(g.Reverse[tgt], file)
	}
	if len(deduped) > 0 {
		g.Forward[file] = deduped
	}
}

// RemoveNode drops every edge mentioning a file.
func (g *Graph) RemoveNode(id NodeID) {
	g.SetImports(id, nil)
	for _, importer := range g.Reverse[id] {
		g.Forward[importer] = removeID(g.Forward[importer], id)
		if len(g.Forward[importer]) == 0 {
			delete(g.Forward, importer)
		}
	}
	delete(g.Reverse, id)
}

// Imports returns the files a file imports, in source import order.
func (g *Graph) Imports(id NodeID) []NodeID {
	return g.Forward[id]
}

// ImportedBy returns the files that import a file.
func (g *Graph) ImportedBy(id NodeID) []NodeID {
	return g.Reverse[id]
}

// EdgeCount returns the number of forward edges.
func (g *Graph) EdgeCount() int {
	n := 0
	for _, targets := range g.Forward {
		n += len(targets)
	}
	return n
}

// CheckSymmetry verifies that forward and reverse adjacency mirror each
// other exactly.
func (g *Graph) CheckSymmetry() bool {
	for src, targets := range g.Forward {
		for _, dst := range targets {
			if !containsID(g.Reverse[dst], src) {
				return false
			}
		}
	}
	for dst, sources := range g.Reverse {
		for _, src := range sources {
			if !containsID(g.Forward[src], dst) {
				return false
			}
		}
	}
	return true
}

func removeID(ids []NodeID, id NodeID) []NodeID {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

func containsID(ids []NodeID, id NodeID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
