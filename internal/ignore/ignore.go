// Package ignore provides gitignore-style pattern matching for the scanner
// and watcher.
package ignore

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Pattern is a single compiled ignore rule.
type Pattern struct {
	glob     string
	negated  bool
	dirOnly  bool
	anchored bool // pattern started with / and matches from the root only
}

// Matcher evaluates ignore rules against project-relative paths. Matching is
// case-sensitive; the last matching pattern wins, as in gitignore.
type Matcher struct {
	patterns []Pattern
	root     string
}

// NewMatcher creates a matcher for a project root with the rules that are
// always in force.
func NewMatcher(root string) *Matcher {
	m := &Matcher{root: root}
	// The index store itself and VCS metadata are never scanned.
	m.Add(".git/")
	m.Add(".engram/")
	return m
}

// Add compiles and appends one pattern line. Blank lines and comments are
// skipped.
func (m *Matcher) Add(line string) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}

	var p Pattern
	if strings.HasPrefix(line, "!") {
		p.negated = true
		line = line[1:]
	}
	if strings.HasSuffix(line, "/") {
		p.dirOnly = true
		line = strings.TrimSuffix(line, "/")
	}
	if strings.HasPrefix(line, "/") {
		p.anchored = true
		line = line[1:]
	}

	// Unanchored patterns without a slash match the basename at any depth.
	if !p.anchored && !strings.Contains(line, "/") {
		line = "**/" + line
	}

	p.glob = line
	m.patterns = append(m.patterns, p)
}

// AddAll appends multiple pattern lines.
func (m *Matcher) AddAll(lines []string) {
	for _, line := range lines {
		m.Add(line)
	}
}

// LoadGitignore loads the project's .gitignore if present.
func (m *Matcher) LoadGitignore() error {
	return m.LoadFile(filepath.Join(m.root, ".gitignore"))
}

// LoadFile loads pattern lines from a gitignore-style file. A missing file
// is not an error.
func (m *Matcher) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		m.Add(scanner.Text())
	}
	return scanner.Err()
}

// Match reports whether a project-relative path is ignored. isDir
// distinguishes directory-only patterns.
func (m *Matcher) Match(relpath string, isDir bool) bool {
	relpath = strings.TrimPrefix(filepath.ToSlash(relpath), "./")

	ignored := false
	for _, p := range m.patterns {
		if p.dirOnly && !isDir {
			// A file under a matching directory is still ignored.
			if m.insideMatchingDir(p.glob, relpath) {
				ignored = !p.negated
			}
			continue
		}
		if m.matchGlob(p.glob, relpath) {
			ignored = !p.negated
		}
	}
	return ignored
}

// insideMatchingDir reports whether any strict parent of relpath matches the
// pattern.
func (m *Matcher) insideMatchingDir(glob, relpath string) bool {
	parts := strings.Split(relpath, "/")
	for i := 1; i < len(parts); i++ {
		if m.matchGlob(glob, strings.Join(parts[:i], "/")) {
			return true
		}
	}
	return false
}

// matchGlob matches a path against a glob, also treating a directory pattern
// as covering everything beneath it.
func (m *Matcher) matchGlob(glob, relpath string) bool {
	if ok, _ := doublestar.Match(glob, relpath); ok {
		return true
	}
	if !strings.HasSuffix(glob, "/**") {
		if ok, _ := doublestar.Match(glob+"/**", relpath); ok {
			return true
		}
	}
	return false
}
