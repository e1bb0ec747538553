package compose

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"

	"engram/internal/tree"
)

// Intent classifies a prompt for retrieval routing.
type Intent string

const (
	IntentStructural Intent = "structural"
	IntentSemantic   Intent = "semantic"
	IntentHybrid     Intent = "hybrid"
)

var (
	structuralTriggers = []string{
		"what calls", "who imports", "dependencies of",
		"in file", "in section", "in module",
	}
	semanticTriggers = []string{
		"how does", "explain", "similar to",
	}
)

// Classify maps a prompt to an intent.
func Classify(prompt string) Intent {
	p := strings.ToLower(prompt)
	structural := false
	for _, t := range structuralTriggers {
		if strings.Contains(p, t) {
			structural = true
			break
		}
	}
	semantic := false
	for _, t := range semanticTriggers {
		if strings.Contains(p, t) {
			semantic = true
			break
		}
	}

	switch {
	case structural && !semantic:
		return IntentStructural
	case semantic && !structural:
		return IntentSemantic
	default:
		return IntentHybrid
	}
}

// SemanticIndex is the optional second rank signal. The baseline daemon
// runs without one; the composer then falls back to structural-only and
// records the fallback.
type SemanticIndex interface {
	Query(prompt string, limit int) []tree.NodeID
}

// Router resolves prompts to ranked file nodes over the tree and
// dependency graph.
type Router struct {
	tree     *tree.Tree
	semantic SemanticIndex // nil in the baseline configuration
}

// NewRouter creates a router over a project tree.
func NewRouter(t *tree.Tree) *Router {
	return &Router{tree: t}
}

// WithSemanticIndex plugs in the optional semantic signal.
func (r *Router) WithSemanticIndex(idx SemanticIndex) *Router {
	r.semantic = idx
	return r
}

// Route returns ranked candidate file nodes for the prompt plus any
// routing diagnostics.
func (r *Router) Route(prompt string, limit int) ([]tree.NodeID, []string) {
	intent := Classify(prompt)
	var diags []string

	structural := r.structuralQuery(prompt, limit)

	switch intent {
	case IntentStructural:
		return structural, diags
	case IntentSemantic:
		if r.semantic == nil {
			diags = append(diags, "semantic_fallback")
			return structural, diags
		}
		return r.semantic.Query(prompt, limit), diags
	default: // hybrid
		if r.semantic == nil {
			diags = append(diags, "semantic_fallback")
			return structural, diags
		}
		semantic := r.semantic.Query(prompt, limit)
		merged := RRFMerge([][]tree.NodeID{structural, semantic})
		if len(merged) > limit {
			merged = merged[:limit]
		}
		return merged, diags
	}
}

// structuralQuery resolves the prompt by name, path, and import traversal.
func (r *Router) structuralQuery(prompt string, limit int) []tree.NodeID {
	p := strings.ToLower(prompt)

	// Import-relation queries resolve a target and walk the graph.
	if target := extractTarget(prompt); target != "" {
		if strings.Contains(p, "who imports") || strings.Contains(p, "what calls") {
			if fid, ok := r.resolveName(target); ok {
				return capIDs(r.tree.Deps.ImportedBy(fid), limit)
			}
		}
		if strings.Contains(p, "dependencies of") {
			if fid, ok := r.resolveName(target); ok {
				return capIDs(r.tree.Deps.Imports(fid), limit)
			}
		}
	}

	// Name match: exact symbol names first, then fuzzy over files and
	// symbols.
	var ranked []tree.NodeID
	seen := make(map[tree.NodeID]bool)
	push := func(id tree.NodeID) {
		if !seen[id] {
			seen[id] = true
			ranked = append(ranked, id)
		}
	}

	for _, token := range promptTokens(prompt) {
		for _, sid := range r.tree.FindSymbols(token) {
			push(r.tree.Get(sid).File)
		}
		if fid, ok := r.tree.FileByPath(token); ok {
			push(fid)
		}
	}

	// Fuzzy completion over the name corpus.
	names, ids := r.nameCorpus()
	for _, token := range promptTokens(prompt) {
		matches := fuzzy.Find(token, names)
		for i, m := range matches {
			if i >= 5 {
				break
			}
			push(ids[m.Index])
		}
	}

	return capIDs(ranked, limit)
}

// resolveName maps a symbol or file name to its file node.
func (r *Router) resolveName(name string) (tree.NodeID, bool) {
	if sids := r.tree.FindSymbols(name); len(sids) > 0 {
		return r.tree.Get(sids[0]).File, true
	}
	if fid, ok := r.tree.FileByPath(name); ok {
		return fid, true
	}
	// Match by basename.
	for _, fid := range r.tree.Files() {
		if r.tree.Get(fid).Name == name {
			return fid, true
		}
	}
	return tree.InvalidID, false
}

// nameCorpus builds parallel slices of searchable names and the file nodes
// they map to.
func (r *Router) nameCorpus() ([]string, []tree.NodeID) {
	var names []string
	var ids []tree.NodeID
	for _, fid := range r.tree.Files() {
		f := r.tree.Get(fid)
		names = append(names, f.Name)
		ids = append(ids, fid)
		for _, sid := range f.Symbols {
			names = append(names, r.tree.Get(sid).Name)
			ids = append(ids, fid)
		}
	}
	return names, ids
}

var targetPattern = regexp.MustCompile("`([^`]+)`|\"([^\"]+)\"")

// extractTarget pulls the query subject out of a structural prompt: quoted
// names first, else the word after the trigger phrase.
func extractTarget(prompt string) string {
	if m := targetPattern.FindStringSubmatch(prompt); m != nil {
		if m[1] != "" {
			return m[1]
		}
		return m[2]
	}

	p := strings.ToLower(prompt)
	for _, trigger := range []string{"who imports", "what calls", "dependencies of"} {
		idx := strings.Index(p, trigger)
		if idx < 0 {
			continue
		}
		rest := strings.TrimSpace(prompt[idx+len(trigger):])
		fields := strings.Fields(rest)
		if len(fields) > 0 {
			return strings.Trim(fields[0], "?.,!:;")
		}
	}
	return ""
}

// promptTokens splits a prompt into candidate identifiers, longest first.
func promptTokens(prompt string) []string {
	fields := strings.FieldsFunc(prompt, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' ||
			r >= '0' && r <= '9' || r == '_' || r == '.' || r == '/')
	})
	var out []string
	for _, f := range fields {
		f = strings.Trim(f, ".")
		if len(f) >= 2 {
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

// RRF merge constant.
const rrfK = 60

// rrfEpsilon bounds the near-tie window: items whose fused scores differ by
// less than this are ordered by their worst per-list rank instead, so an
// item ranked consistently mid-list beats one that swings between top and
// bottom.
const rrfEpsilon = 1e-5

// RRFMerge fuses ranked lists by Reciprocal Rank Fusion:
// score(n) = Σ 1/(k + rank_in_list(n)) with k=60 and 1-based ranks.
func RRFMerge(lists [][]tree.NodeID) []tree.NodeID {
	type fused struct {
		id    tree.NodeID
		score float64
		worst int
		first int // appearance order for final stability
	}
	byID := make(map[tree.NodeID]*fused)
	order := 0
	for _, list := range lists {
		for i, id := range list {
			rank := i + 1
			f := byID[id]
			if f == nil {
				f = &fused{id: id, first: order}
				order++
				byID[id] = f
			}
			f.score += 1.0 / float64(rrfK+rank)
			if rank > f.worst {
				f.worst = rank
			}
		}
	}

	all := make([]*fused, 0, len(byID))
	for _, f := range byID {
		all = append(all, f)
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if math.Abs(a.score-b.score) >= rrfEpsilon {
			return a.score > b.score
		}
		if a.worst != b.worst {
			return a.worst < b.worst
		}
		return a.first < b.first
	})

	out := make([]tree.NodeID, len(all))
	for i, f := range all {
		out[i] = f.id
	}
	return out
}

func capIDs(ids []tree.NodeID, limit int) []tree.NodeID {
	if limit > 0 && len(ids) > limit {
		return ids[:limit]
	}
	return ids
}
