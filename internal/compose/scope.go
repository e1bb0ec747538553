// Package compose builds the three-layer context view (anchor, focus,
// horizon) for a project and optional prompt, and renders it to the
// injectable text document.
package compose

import (
	"engram/internal/changelog"
	"engram/internal/memory"
	"engram/internal/tree"
)

// ProjectView is the read-only slice of project state the composer needs.
// The daemon builds one from a live project handle.
type ProjectView struct {
	Hash     string
	RootPath string
	Tree     *tree.Tree
	Skeleton *tree.Skeleton
	Memory   *memory.Store
	Changes  *changelog.Log // nil when no change log is open
}

// Scope is one composed context view. It is transient: built per request,
// cached by fingerprint, never persisted.
type Scope struct {
	Anchor  Anchor
	Focus   Focus
	Horizon Horizon

	// Diagnostics records composition fallbacks (e.g. semantic index
	// absent) for debuggability via status.
	Diagnostics []string
}

// Anchor is the pinned layer: project rules, recent high-value memories,
// and caller constraints.
type Anchor struct {
	Rules          []string
	RecentMemories []memory.Entry
	Constraints    []string
}

// Focus is the elastic working set. The three id sets are pairwise
// disjoint.
type Focus struct {
	Primary    []tree.NodeID
	AutoLoaded []tree.NodeID
	Expanded   []tree.NodeID
}

// AllNodes returns every node in focus.
func (f *Focus) AllNodes() []tree.NodeID {
	out := make([]tree.NodeID, 0, len(f.Primary)+len(f.AutoLoaded)+len(f.Expanded))
	out = append(out, f.Primary...)
	out = append(out, f.AutoLoaded...)
	out = append(out, f.Expanded...)
	return out
}

// Contains reports whether a node is anywhere in focus.
func (f *Focus) Contains(id tree.NodeID) bool {
	for _, n := range f.AllNodes() {
		if n == id {
			return true
		}
	}
	return false
}

// Horizon is the read-only overview layer.
type Horizon struct {
	Skeleton string
	HotNodes []tree.NodeID
}

// NodeIDs returns every node id the scope references, focus first. Cache
// entries are invalidated when any of these is re-indexed.
func (s *Scope) NodeIDs() []tree.NodeID {
	ids := s.Focus.AllNodes()
	ids = append(ids, s.Horizon.HotNodes...)
	return ids
}
