// Package scan builds the project tree: it walks a root honoring ignore
// rules, detects languages, and extracts symbols and imports with
// tree-sitter.
package scan

import (
	"bytes"
	"path/filepath"
	"strings"
)

// Language identifies a detected source language.
type Language string

const (
	LangPython     Language = "python"
	LangJavaScript Language = "javascript"
	LangTypeScript Language = "typescript"
	LangGo         Language = "go"
	LangJSON       Language = "json"
	LangYAML       Language = "yaml"
	LangMarkdown   Language = "markdown"
	LangShell      Language = "shell"
	LangUnknown    Language = ""
)

// HasParser reports whether the language has tree-sitter symbol extraction.
func (l Language) HasParser() bool {
	switch l {
	case LangPython, LangJavaScript, LangTypeScript, LangGo:
		return true
	}
	return false
}

// DetectLanguage determines a file's language from its extension. For
// extensionless files, content is consulted for a shebang line.
func DetectLanguage(path string, content []byte) Language {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".py", ".pyi", ".pyw":
		return LangPython
	case ".js", ".jsx", ".mjs", ".cjs":
		return LangJavaScript
	case ".ts", ".tsx", ".mts", ".cts":
		return LangTypeScript
	case ".go":
		return LangGo
	case ".json":
		return LangJSON
	case ".yaml", ".yml":
		return LangYAML
	case ".md", ".markdown":
		return LangMarkdown
	case ".sh", ".bash", ".zsh":
		return LangShell
	case "":
		return detectShebang(content)
	}
	return LangUnknown
}

// detectShebang inspects the first line of an extensionless file.
func detectShebang(content []byte) Language {
	if !bytes.HasPrefix(content, []byte("#!")) {
		return LangUnknown
	}
	line := content
	if idx := bytes.IndexByte(content, '\n'); idx >= 0 {
		line = content[:idx]
	}
	interp := string(line)
	switch {
	case strings.Contains(interp, "python"):
		return LangPython
	case strings.Contains(interp, "node"):
		return LangJavaScript
	case strings.Contains(interp, "bash"), strings.Contains(interp, "/sh"),
		strings.Contains(interp, "zsh"):
		return LangShell
	}
	return LangUnknown
}

// IsBinary reports whether content looks like a binary file. Uses the git
// heuristic: a NUL byte in the first 8000 bytes.
func IsBinary(content []byte) bool {
	probe := content
	if len(probe) > 8000 {
		probe = probe[:8000]
	}
	return bytes.IndexByte(probe, 0) >= 0
}
