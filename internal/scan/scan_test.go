package scan

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"engram/internal/tree"
)

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		full := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestDetectLanguage(t *testing.T) {
	cases := []struct {
		path    string
		content string
		want    Language
	}{
		{"main.py", "", LangPython},
		{"app.ts", "", LangTypeScript},
		{"lib.go", "", LangGo},
		{"data.json", "", LangJSON},
		{"conf.yaml", "", LangYAML},
		{"script", "#!/usr/bin/env python3\nprint()", LangPython},
		{"run", "#!/bin/bash\necho hi", LangShell},
		{"mystery", "just text", LangUnknown},
		{"image.png", "", LangUnknown},
	}
	for _, c := range cases {
		if got := DetectLanguage(c.path, []byte(c.content)); got != c.want {
			t.Errorf("DetectLanguage(%s) = %q, want %q", c.path, got, c.want)
		}
	}
}

func TestIsBinary(t *testing.T) {
	if IsBinary([]byte("plain text")) {
		t.Error("text flagged as binary")
	}
	if !IsBinary([]byte{0x89, 'P', 'N', 'G', 0x00, 0x01}) {
		t.Error("NUL-bearing content should be binary")
	}
}

func TestParsePythonSymbols(t *testing.T) {
	src := `import b
from os import path

MAX_SIZE = 10

def hello(name):
    return name

class Greeter:
    def greet(self):
        pass

def _private():
    pass
`
	p := NewParser()
	res, err := p.Parse(context.Background(), []byte(src), LangPython)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	byName := map[string]tree.SymbolSpec{}
	for _, s := range res.Symbols {
		byName[s.Name] = s
	}

	if s, ok := byName["hello"]; !ok || s.Kind != tree.SymbolFunction || !s.Public {
		t.Errorf("hello not extracted correctly: %+v", s)
	}
	if s, ok := byName["Greeter"]; !ok || s.Kind != tree.SymbolType {
		t.Errorf("Greeter not extracted correctly: %+v", s)
	}
	if s, ok := byName["MAX_SIZE"]; !ok || s.Kind != tree.SymbolConst {
		t.Errorf("MAX_SIZE not extracted correctly: %+v", s)
	}
	if s, ok := byName["_private"]; !ok || s.Public {
		t.Errorf("_private should be non-public: %+v", s)
	}
	// Methods are not top-level symbols.
	if _, ok := byName["greet"]; ok {
		t.Error("method greet should not be a top-level symbol")
	}

	if len(res.Imports) != 2 {
		t.Fatalf("expected 2 imports, got %v", res.Imports)
	}
	if res.Imports[0] != "b" || res.Imports[1] != "os" {
		t.Errorf("wrong imports: %v", res.Imports)
	}
}

func TestParseJavaScriptSymbols(t *testing.T) {
	src := `import { helper } from './util';

export function render(el) {}

const LIMIT = 5;

export class View {}
`
	p := NewParser()
	res, err := p.Parse(context.Background(), []byte(src), LangJavaScript)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	byName := map[string]tree.SymbolSpec{}
	for _, s := range res.Symbols {
		byName[s.Name] = s
	}
	if s, ok := byName["render"]; !ok || s.Kind != tree.SymbolFunction || !s.Public {
		t.Errorf("render not extracted: %+v", s)
	}
	if s, ok := byName["LIMIT"]; !ok || s.Kind != tree.SymbolConst {
		t.Errorf("LIMIT not extracted: %+v", s)
	}
	if s, ok := byName["View"]; !ok || s.Kind != tree.SymbolType {
		t.Errorf("View not extracted: %+v", s)
	}
	if len(res.Imports) != 1 || res.Imports[0] != "./util" {
		t.Errorf("wrong imports: %v", res.Imports)
	}
}

func TestParseGoSymbols(t *testing.T) {
	src := `package demo

import (
	"fmt"
	"example/internal/util"
)

const MaxRetries = 3

type Server struct{}

type Handler interface{}

func Run() { fmt.Println() }

func helper() {}
`
	p := NewParser()
	res, err := p.Parse(context.Background(), []byte(src), LangGo)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	byName := map[string]tree.SymbolSpec{}
	for _, s := range res.Symbols {
		byName[s.Name] = s
	}
	if s := byName["Server"]; s.Kind != tree.SymbolType {
		t.Errorf("Server should be a type: %+v", s)
	}
	if s := byName["Handler"]; s.Kind != tree.SymbolInterface {
		t.Errorf("Handler should be an interface: %+v", s)
	}
	if s := byName["MaxRetries"]; s.Kind != tree.SymbolConst {
		t.Errorf("MaxRetries should be a const: %+v", s)
	}
	if s := byName["Run"]; !s.Public {
		t.Errorf("Run should be public: %+v", s)
	}
	if s := byName["helper"]; s.Public {
		t.Errorf("helper should be private: %+v", s)
	}
	if len(res.Imports) != 2 {
		t.Errorf("expected 2 imports, got %v", res.Imports)
	}
}

func TestScanBuildsTreeWithEdges(t *testing.T) {
	root := writeFiles(t, map[string]string{
		"a.py": "import b\n\ndef main():\n    pass\n",
		"b.py": "def hello():\n    return 1\n",
	})

	res, err := Scan(context.Background(), root, Options{})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	if err := res.Tree.Validate(); err != nil {
		t.Fatalf("scanned tree invalid: %v", err)
	}

	aid, ok := res.Tree.FileByPath("a.py")
	if !ok {
		t.Fatal("a.py missing")
	}
	bid, ok := res.Tree.FileByPath("b.py")
	if !ok {
		t.Fatal("b.py missing")
	}

	imports := res.Tree.Deps.Imports(aid)
	if len(imports) != 1 || imports[0] != bid {
		t.Errorf("a.py should import b.py, got %v", imports)
	}
	if rev := res.Tree.Deps.ImportedBy(bid); len(rev) != 1 || rev[0] != aid {
		t.Errorf("reverse edge missing: %v", rev)
	}

	syms := res.Tree.FindSymbols("hello")
	if len(syms) != 1 {
		t.Errorf("hello symbol not found: %v", syms)
	}
}

func TestScanHonorsIgnoreRules(t *testing.T) {
	root := writeFiles(t, map[string]string{
		".gitignore":          "generated/\n",
		"src/app.py":          "x = 1\n",
		"generated/out.py":    "y = 2\n",
		".git/objects/aa/bb":  "binary stuff",
		"node_modules/m/i.js": "module.exports = 1",
	})

	res, err := Scan(context.Background(), root, Options{
		ExcludePatterns: []string{"node_modules/"},
	})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	if _, ok := res.Tree.FileByPath("src/app.py"); !ok {
		t.Error("src/app.py should be scanned")
	}
	if _, ok := res.Tree.FileByPath("generated/out.py"); ok {
		t.Error("gitignored file should be skipped")
	}
	if _, ok := res.Tree.FileByPath(".git/objects/aa/bb"); ok {
		t.Error(".git should always be skipped")
	}
	if _, ok := res.Tree.FileByPath("node_modules/m/i.js"); ok {
		t.Error("config exclude should be honored")
	}
}

func TestScanOpaqueFiles(t *testing.T) {
	root := writeFiles(t, map[string]string{
		"data.bin": "abc\x00def",
		"note.txt": "plain text file",
	})

	res, err := Scan(context.Background(), root, Options{})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	bid, ok := res.Tree.FileByPath("data.bin")
	if !ok {
		t.Fatal("binary file should still be registered")
	}
	if len(res.Tree.Get(bid).Symbols) != 0 {
		t.Error("binary file should have no symbols")
	}

	tid, ok := res.Tree.FileByPath("note.txt")
	if !ok {
		t.Fatal("unknown-language file should still be registered")
	}
	if res.Tree.Get(tid).LineCount != 1 {
		t.Errorf("line count wrong: %d", res.Tree.Get(tid).LineCount)
	}
}

func TestScanUnresolvedImportsDropped(t *testing.T) {
	root := writeFiles(t, map[string]string{
		"a.py": "import numpy\n",
	})

	res, err := Scan(context.Background(), root, Options{})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	aid, _ := res.Tree.FileByPath("a.py")
	if len(res.Tree.Deps.Imports(aid)) != 0 {
		t.Error("external import should not produce an edge")
	}

	found := false
	for _, d := range res.Diagnostics {
		if d.Path == "a.py" {
			found = true
		}
	}
	if !found {
		t.Error("unresolved import should be recorded in diagnostics")
	}
}

func TestResolveJSRelative(t *testing.T) {
	tr := tree.New("/tmp/p")
	util := tr.AddFile("src/util.ts", "typescript", "h", 1)
	tr.AddFile("src/app.ts", "typescript", "h", 1)

	ids := ResolveImport(tr, "src/app.ts", "./util", LangTypeScript)
	if len(ids) != 1 || ids[0] != util {
		t.Errorf("relative TS import not resolved: %v", ids)
	}
	if ids := ResolveImport(tr, "src/app.ts", "react", LangTypeScript); ids != nil {
		t.Errorf("bare specifier should be unresolved, got %v", ids)
	}
}

func TestResolveGoSuffix(t *testing.T) {
	tr := tree.New("/tmp/p")
	lib := tr.AddFile("internal/util/util.go", "go", "h", 1)
	tr.AddFile("internal/util/util_test.go", "go", "h", 1)
	tr.AddFile("main.go", "go", "h", 1)

	ids := ResolveImport(tr, "main.go", "example.com/app/internal/util", LangGo)
	if len(ids) != 1 || ids[0] != lib {
		t.Errorf("go import should resolve to non-test files in dir: %v", ids)
	}
}
