package ignore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGitAlwaysIgnored(t *testing.T) {
	m := NewMatcher(t.TempDir())
	if !m.Match(".git", true) {
		t.Error(".git directory should always be ignored")
	}
	if !m.Match(".git/config", false) {
		t.Error("files under .git should be ignored")
	}
}

func TestBasenamePatternMatchesAnyDepth(t *testing.T) {
	m := NewMatcher(t.TempDir())
	m.Add("*.pyc")

	if !m.Match("a.pyc", false) {
		t.Error("top-level *.pyc should match")
	}
	if !m.Match("src/deep/b.pyc", false) {
		t.Error("nested *.pyc should match")
	}
	if m.Match("a.py", false) {
		t.Error("*.py should not match *.pyc pattern")
	}
}

func TestDirOnlyPattern(t *testing.T) {
	m := NewMatcher(t.TempDir())
	m.Add("node_modules/")

	if !m.Match("node_modules", true) {
		t.Error("node_modules dir should match")
	}
	if !m.Match("node_modules/react/index.js", false) {
		t.Error("files under node_modules should match")
	}
	if m.Match("node_modules", false) {
		t.Error("a plain file named node_modules should not match a dir-only pattern")
	}
}

func TestAnchoredPattern(t *testing.T) {
	m := NewMatcher(t.TempDir())
	m.Add("/build")

	if !m.Match("build", true) {
		t.Error("root build should match")
	}
	if m.Match("src/build", true) {
		t.Error("anchored pattern should not match nested dirs")
	}
}

func TestNegation(t *testing.T) {
	m := NewMatcher(t.TempDir())
	m.Add("*.log")
	m.Add("!keep.log")

	if !m.Match("debug.log", false) {
		t.Error("debug.log should be ignored")
	}
	if m.Match("keep.log", false) {
		t.Error("keep.log should be un-ignored by negation")
	}
}

func TestCaseSensitive(t *testing.T) {
	m := NewMatcher(t.TempDir())
	m.Add("Build/")
	if m.Match("build", true) {
		t.Error("matching should be case-sensitive")
	}
}

func TestCommentsAndBlanksSkipped(t *testing.T) {
	m := NewMatcher(t.TempDir())
	m.AddAll([]string{"", "# a comment", "*.tmp"})
	if !m.Match("x.tmp", false) {
		t.Error("*.tmp should match")
	}
	if m.Match("# a comment", false) {
		t.Error("comment lines must not become patterns")
	}
}

func TestLoadGitignore(t *testing.T) {
	root := t.TempDir()
	content := "dist/\n*.swp\n"
	if err := os.WriteFile(filepath.Join(root, ".gitignore"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	m := NewMatcher(root)
	if err := m.LoadGitignore(); err != nil {
		t.Fatalf("LoadGitignore failed: %v", err)
	}
	if !m.Match("dist/app.js", false) {
		t.Error("dist contents should be ignored")
	}
	if !m.Match("notes.swp", false) {
		t.Error("*.swp should be ignored")
	}
}

func TestLoadMissingGitignore(t *testing.T) {
	m := NewMatcher(t.TempDir())
	if err := m.LoadGitignore(); err != nil {
		t.Errorf("missing .gitignore should not error: %v", err)
	}
}
