package scan

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"lukechampine.com/blake3"

	"engram/internal/ignore"
	"engram/internal/tree"
)

// DefaultMaxFileSize is the cap above which files become opaque nodes.
const DefaultMaxFileSize = 2 * 1024 * 1024

// Options tune a scan.
type Options struct {
	// MaxFileSize caps parseable file size in bytes.
	MaxFileSize int64
	// ExcludePatterns are extra gitignore-style rules from configuration.
	ExcludePatterns []string
	// Workers bounds parallel file parsing. Zero means NumCPU.
	Workers int
}

// Diagnostic records a per-file problem that did not abort the scan.
type Diagnostic struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Result is a completed scan.
type Result struct {
	Tree        *tree.Tree
	Diagnostics []Diagnostic
}

// FileInfo is the per-file output of analysis: everything needed to build
// or patch the file's tree node.
type FileInfo struct {
	Relpath  string
	Language Language
	Hash     string
	Lines    int
	Symbols  []tree.SymbolSpec
	Imports  []string
	Diag     string
}

// Scan walks a project root and builds its tree. File parsing runs in
// parallel; tree assembly is serialized. Per-file failures are recovered
// locally: the file becomes an opaque node with a diagnostic.
func Scan(ctx context.Context, root string, opts Options) (*Result, error) {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}

	matcher := ignore.NewMatcher(root)
	if err := matcher.LoadGitignore(); err != nil {
		return nil, fmt.Errorf("loading ignore rules: %w", err)
	}
	matcher.AddAll(opts.ExcludePatterns)

	relpaths, err := collectFiles(root, matcher)
	if err != nil {
		return nil, err
	}

	results := make([]*FileInfo, len(relpaths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for i, relpath := range relpaths {
		g.Go(func() error {
			results[i] = AnalyzeFile(gctx, acquireParser(), root, relpath, opts.MaxFileSize)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return assemble(root, results), nil
}

// parserPool hands each goroutine its own parser; tree-sitter parsers are
// not safe for concurrent use.
var parserPool = make(chan *Parser, 16)

func acquireParser() *Parser {
	select {
	case p := <-parserPool:
		return p
	default:
		return NewParser()
	}
}

func releaseParser(p *Parser) {
	select {
	case parserPool <- p:
	default:
	}
}

// collectFiles walks the root and returns project-relative paths of
// candidate files in deterministic order.
func collectFiles(root string, matcher *ignore.Matcher) ([]string, error) {
	var relpaths []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable entries are skipped, not fatal.
			log.Debug().Str("path", p).Err(err).Msg("skipping unreadable entry")
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if matcher.Match(rel, true) {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if matcher.Match(rel, false) {
			return nil
		}
		relpaths = append(relpaths, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}
	sort.Strings(relpaths)
	return relpaths, nil
}

// AnalyzeFile reads and parses a single file. Every failure degrades to an
// opaque file: the diagnostic is set and symbols stay empty.
func AnalyzeFile(ctx context.Context, parser *Parser, root, relpath string, maxSize int64) *FileInfo {
	defer releaseParser(parser)
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}

	full := filepath.Join(root, filepath.FromSlash(relpath))
	res := &FileInfo{Relpath: relpath}

	info, err := os.Stat(full)
	if err != nil {
		res.Diag = fmt.Sprintf("stat failed: %v", err)
		return res
	}
	if info.Size() > maxSize {
		res.Diag = "file exceeds size cap"
		return res
	}

	content, err := os.ReadFile(full)
	if err != nil {
		res.Diag = fmt.Sprintf("read failed: %v", err)
		return res
	}
	sum := blake3.Sum256(content)
	res.Hash = hex.EncodeToString(sum[:])
	res.Lines = countLines(content)
	res.Language = DetectLanguage(relpath, content)

	if IsBinary(content) {
		res.Language = LangUnknown
		res.Diag = "binary file"
		return res
	}
	if !res.Language.HasParser() {
		return res
	}

	parsed, err := parser.Parse(ctx, content, res.Language)
	if err != nil {
		res.Diag = fmt.Sprintf("parse failed: %v", err)
		return res
	}
	res.Symbols = parsed.Symbols
	res.Imports = parsed.Imports
	return res
}

// assemble builds the tree from parsed files and resolves imports to
// project-local edges. Unresolved imports are dropped into diagnostics.
func assemble(root string, results []*FileInfo) *Result {
	t := tree.New(root)
	out := &Result{Tree: t}

	fileIDs := make(map[string]tree.NodeID, len(results))
	for _, r := range results {
		if r == nil {
			continue
		}
		id := t.AddFile(r.Relpath, string(r.Language), r.Hash, r.Lines)
		fileIDs[r.Relpath] = id
		if r.Diag != "" {
			t.Get(id).Diagnostic = r.Diag
			out.Diagnostics = append(out.Diagnostics, Diagnostic{Path: r.Relpath, Message: r.Diag})
		}
		for _, spec := range r.Symbols {
			t.AddSymbol(id, spec.Kind, spec.Name, spec.Signature, spec.StartLine, spec.EndLine, spec.Public)
		}
	}

	for _, r := range results {
		if r == nil || len(r.Imports) == 0 {
			continue
		}
		var targets []tree.NodeID
		for _, imp := range r.Imports {
			resolved := ResolveImport(t, r.Relpath, imp, r.Language)
			if len(resolved) == 0 {
				out.Diagnostics = append(out.Diagnostics, Diagnostic{
					Path:    r.Relpath,
					Message: fmt.Sprintf("unresolved import %q", imp),
				})
				continue
			}
			targets = append(targets, resolved...)
		}
		t.Deps.SetImports(fileIDs[r.Relpath], targets)
	}
	return out
}

// ResolveImport maps an import string to project-local file nodes. The
// resolution is purely lexical: anything that does not land inside the root
// yields nil.
func ResolveImport(t *tree.Tree, fromRel, imp string, lang Language) []tree.NodeID {
	switch lang {
	case LangPython:
		return resolvePython(t, fromRel, imp)
	case LangJavaScript, LangTypeScript:
		return resolveJS(t, fromRel, imp)
	case LangGo:
		return resolveGo(t, imp)
	}
	return nil
}

func resolvePython(t *tree.Tree, fromRel, imp string) []tree.NodeID {
	relModule := strings.ReplaceAll(strings.TrimLeft(imp, "."), ".", "/")
	fromDir := path.Dir(fromRel)

	candidates := []string{
		path.Join(fromDir, relModule+".py"),
		path.Join(fromDir, relModule, "__init__.py"),
		relModule + ".py",
		path.Join(relModule, "__init__.py"),
	}
	for _, c := range candidates {
		if id, ok := t.FileByPath(c); ok {
			return []tree.NodeID{id}
		}
	}
	return nil
}

var jsExtensions = []string{
	"", ".js", ".jsx", ".ts", ".tsx", ".mjs", ".cjs",
	"/index.js", "/index.jsx", "/index.ts", "/index.tsx",
}

func resolveJS(t *tree.Tree, fromRel, imp string) []tree.NodeID {
	// Bare specifiers are package imports, never project-local.
	if !strings.HasPrefix(imp, ".") && !strings.HasPrefix(imp, "/") {
		return nil
	}
	base := path.Join(path.Dir(fromRel), imp)
	if strings.HasPrefix(imp, "/") {
		base = strings.TrimPrefix(imp, "/")
	}
	for _, ext := range jsExtensions {
		if id, ok := t.FileByPath(base + ext); ok {
			return []tree.NodeID{id}
		}
	}
	return nil
}

func resolveGo(t *tree.Tree, imp string) []tree.NodeID {
	// Try successively shorter suffixes of the import path as a directory
	// under the root; stdlib and external modules fall off the end.
	segments := strings.Split(imp, "/")
	for i := 0; i < len(segments); i++ {
		dir := strings.Join(segments[i:], "/")
		dirID, ok := t.NodeByPath(dir)
		if !ok {
			continue
		}
		node := t.Get(dirID)
		if node.Kind != tree.KindDirectory {
			continue
		}
		var ids []tree.NodeID
		for _, cid := range node.Children {
			child := t.Get(cid)
			if child.Kind == tree.KindFile && strings.HasSuffix(child.Name, ".go") &&
				!strings.HasSuffix(child.Name, "_test.go") {
				ids = append(ids, cid)
			}
		}
		if len(ids) > 0 {
			return ids
		}
	}
	return nil
}

func countLines(content []byte) int {
	if len(content) == 0 {
		return 0
	}
	n := bytes.Count(content, []byte{'\n'})
	if content[len(content)-1] != '\n' {
		n++
	}
	return n
}
