// Package index applies debounced change batches to a live project tree:
// per-file re-parse, symbol id stability, and dependency graph patching.
package index

import (
	"context"

	"github.com/rs/zerolog/log"

	"engram/internal/scan"
	"engram/internal/tree"
)

// Indexer patches one project's tree incrementally. Callers serialize
// Apply through the project's mutation lock.
type Indexer struct {
	root        string
	tree        *tree.Tree
	maxFileSize int64
}

// New creates an indexer over a project tree.
func New(root string, t *tree.Tree) *Indexer {
	return &Indexer{root: root, tree: t, maxFileSize: scan.DefaultMaxFileSize}
}

// Result reports what one batch application touched.
type Result struct {
	// Touched holds every node id affected: re-parsed files, their new and
	// retired symbols, and removed nodes. Cache entries referencing any of
	// them are stale.
	Touched []tree.NodeID
	// Diagnostics carries per-file recoveries.
	Diagnostics []scan.Diagnostic
}

// Apply consumes one coalesced batch. Per-file failures degrade to opaque
// nodes and never abort the batch.
func (ix *Indexer) Apply(ctx context.Context, batch Batch) *Result {
	res := &Result{}

	for _, rel := range batch.Deleted {
		if fid, ok := ix.tree.FileByPath(rel); ok {
			retired := ix.tree.RemoveFile(fid)
			res.Touched = append(res.Touched, retired...)
			log.Debug().Str("path", rel).Int("retired", len(retired)).Msg("file removed from index")
		}
	}

	for _, rel := range append(append([]string{}, batch.Created...), batch.Modified...) {
		ix.reindexFile(ctx, rel, res)
	}
	return res
}

// Batch is the subset of a watcher batch the indexer consumes.
type Batch struct {
	Created  []string
	Modified []string
	Deleted  []string
}

// reindexFile re-reads and re-parses one file, replacing its symbols in
// place and recomputing its outgoing edges.
func (ix *Indexer) reindexFile(ctx context.Context, rel string, res *Result) {
	info := scan.AnalyzeFile(ctx, scan.NewParser(), ix.root, rel, ix.maxFileSize)

	fid, exists := ix.tree.FileByPath(rel)
	if !exists {
		fid = ix.tree.AddFile(rel, string(info.Language), info.Hash, info.Lines)
	}

	file := ix.tree.Get(fid)
	file.Language = string(info.Language)
	file.ContentHash = info.Hash
	file.LineCount = info.Lines
	file.Diagnostic = info.Diag
	if info.Diag != "" {
		res.Diagnostics = append(res.Diagnostics, scan.Diagnostic{Path: rel, Message: info.Diag})
	}

	// Replace symbols: ids stay stable for (kind, name, start line) matches.
	retired := ix.tree.ReplaceFileSymbols(fid, info.Symbols)
	res.Touched = append(res.Touched, fid)
	res.Touched = append(res.Touched, retired...)
	res.Touched = append(res.Touched, file.Symbols...)

	// Recompute outgoing edges; the reverse adjacency follows.
	var targets []tree.NodeID
	for _, imp := range info.Imports {
		resolved := scan.ResolveImport(ix.tree, rel, imp, info.Language)
		if len(resolved) == 0 {
			res.Diagnostics = append(res.Diagnostics, scan.Diagnostic{
				Path:    rel,
				Message: "unresolved import \"" + imp + "\"",
			})
			continue
		}
		targets = append(targets, resolved...)
	}
	ix.tree.Deps.SetImports(fid, targets)
}
