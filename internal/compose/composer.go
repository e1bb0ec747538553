package compose

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"engram/internal/memory"
	"engram/internal/tree"
)

// RulesFile is the well-known project-relative path the anchor layer pulls
// rules from.
const RulesFile = "ENGRAM.md"

// Composer defaults.
const (
	DefaultMaxRenderBytes = 60 * 1024
	DefaultAutoLoadedCap  = 20
	DefaultSessionWindow  = 30 * time.Minute
	anchorMemoryCount     = 5
	primaryCap            = 10
	hotNodeCount          = 5
)

// anchorKinds are the memory kinds pinned into the anchor layer.
var anchorKinds = []memory.Kind{
	memory.KindDecision, memory.KindSessionSummary,
	memory.KindTaskResult, memory.KindFailure,
}

// Composer builds context scopes.
type Composer struct {
	MaxRenderBytes int
	AutoLoadedCap  int
	SessionWindow  time.Duration
	Semantic       SemanticIndex
}

// NewComposer creates a composer with defaults.
func NewComposer() *Composer {
	return &Composer{
		MaxRenderBytes: DefaultMaxRenderBytes,
		AutoLoadedCap:  DefaultAutoLoadedCap,
		SessionWindow:  DefaultSessionWindow,
	}
}

// Compose builds the scope for a project view and optional prompt.
func (c *Composer) Compose(view *ProjectView, prompt string, constraints []string) *Scope {
	scope := &Scope{}

	scope.Anchor = c.buildAnchor(view, constraints)

	var diags []string
	scope.Focus, diags = c.buildFocus(view, prompt)
	scope.Diagnostics = append(scope.Diagnostics, diags...)

	scope.Horizon = c.buildHorizon(view, &scope.Focus)
	return scope
}

// buildAnchor pulls project rules, the most recent high-value memories, and
// caller constraints.
func (c *Composer) buildAnchor(view *ProjectView, constraints []string) Anchor {
	anchor := Anchor{Constraints: constraints}

	rulesPath := filepath.Join(view.RootPath, RulesFile)
	if data, err := os.ReadFile(rulesPath); err == nil {
		text := strings.TrimSpace(string(data))
		if text != "" {
			anchor.Rules = append(anchor.Rules, text)
		}
	}

	if view.Memory != nil {
		anchor.RecentMemories = view.Memory.Recent(anchorKinds, anchorMemoryCount)
	}
	return anchor
}

// buildFocus picks the primary set (prompt-routed, or recent changes when
// no prompt) and closes it under depth-1 imports.
func (c *Composer) buildFocus(view *ProjectView, prompt string) (Focus, []string) {
	var focus Focus
	var diags []string

	if prompt != "" {
		router := NewRouter(view.Tree).WithSemanticIndex(c.Semantic)
		focus.Primary, diags = router.Route(prompt, primaryCap)
	} else {
		focus.Primary = c.recentFiles(view)
	}

	// Depth-1 closure under forward imports, oldest-import-first, capped.
	inPrimary := make(map[tree.NodeID]bool, len(focus.Primary))
	for _, id := range focus.Primary {
		inPrimary[id] = true
	}
	seen := make(map[tree.NodeID]bool)
	for _, id := range focus.Primary {
		for _, dep := range view.Tree.Deps.Imports(id) {
			if inPrimary[dep] || seen[dep] {
				continue
			}
			if len(focus.AutoLoaded) >= c.AutoLoadedCap {
				break
			}
			seen[dep] = true
			focus.AutoLoaded = append(focus.AutoLoaded, dep)
		}
	}
	return focus, diags
}

// recentFiles is the no-prompt fallback: files touched inside the session
// window, from the change log and from file-path tags on recent memories.
func (c *Composer) recentFiles(view *ProjectView) []tree.NodeID {
	var primary []tree.NodeID
	seen := make(map[tree.NodeID]bool)
	push := func(id tree.NodeID) {
		if !seen[id] && len(primary) < primaryCap {
			seen[id] = true
			primary = append(primary, id)
		}
	}

	if view.Changes != nil {
		paths, err := view.Changes.RecentPaths(c.SessionWindow, primaryCap)
		if err == nil {
			for _, p := range paths {
				if fid, ok := view.Tree.FileByPath(p); ok {
					push(fid)
				}
			}
		}
	}

	if view.Memory != nil {
		cutoff := time.Now().Add(-c.SessionWindow).UnixMilli()
		for _, e := range view.Memory.Recent(nil, primaryCap) {
			if e.CreatedAt < cutoff {
				continue
			}
			for _, tag := range e.Tags {
				if fid, ok := view.Tree.FileByPath(tag); ok {
					push(fid)
				}
			}
		}
	}
	return primary
}

// buildHorizon renders the skeleton with focus nodes elided and picks the
// hot nodes (most-imported files).
func (c *Composer) buildHorizon(view *ProjectView, focus *Focus) Horizon {
	exclude := make(map[tree.NodeID]bool)
	for _, id := range focus.AllNodes() {
		exclude[id] = true
	}

	skeleton := view.Skeleton
	if skeleton == nil {
		skeleton = tree.BuildSkeleton(view.Tree)
	}

	return Horizon{
		Skeleton: skeleton.Render(exclude, c.MaxRenderBytes/2),
		HotNodes: c.hotNodes(view, exclude),
	}
}

// hotNodes returns the files with the highest import fan-in, excluding
// focus members.
func (c *Composer) hotNodes(view *ProjectView, exclude map[tree.NodeID]bool) []tree.NodeID {
	type hot struct {
		id  tree.NodeID
		in  int
	}
	var candidates []hot
	for _, fid := range view.Tree.Files() {
		if exclude[fid] {
			continue
		}
		if n := len(view.Tree.Deps.ImportedBy(fid)); n > 0 {
			candidates = append(candidates, hot{id: fid, in: n})
		}
	}
	// Highest fan-in first; path order (from Files) breaks ties.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].in > candidates[j].in
	})
	if len(candidates) > hotNodeCount {
		candidates = candidates[:hotNodeCount]
	}
	out := make([]tree.NodeID, len(candidates))
	for i, h := range candidates {
		out[i] = h.id
	}
	return out
}

// ExpandFocus adds nodes to the expanded set, preserving pairwise
// disjointness with primary and auto-loaded.
func ExpandFocus(scope *Scope, ids []tree.NodeID) {
	for _, id := range ids {
		if scope.Focus.Contains(id) {
			continue
		}
		scope.Focus.Expanded = append(scope.Focus.Expanded, id)
	}
}
