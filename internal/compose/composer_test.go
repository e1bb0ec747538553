package compose

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"engram/internal/memory"
	"engram/internal/tree"
)

func testView(t *testing.T) *ProjectView {
	t.Helper()
	root := t.TempDir()

	tr := tree.New(root)
	a := tr.AddFile("a.py", "python", "ha", 10)
	b := tr.AddFile("b.py", "python", "hb", 20)
	tr.AddSymbol(b, tree.SymbolFunction, "hello", "def hello()", 1, 3, true)
	tr.Deps.SetImports(a, []tree.NodeID{b})

	store, err := memory.Open(filepath.Join(t.TempDir(), "memory.log"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	return &ProjectView{
		Hash:     "abc123",
		RootPath: root,
		Tree:     tr,
		Memory:   store,
	}
}

func TestComposeFocusFromPrompt(t *testing.T) {
	view := testView(t)
	bid, _ := view.Tree.FileByPath("b.py")

	scope := NewComposer().Compose(view, "explain hello", nil)

	if len(scope.Focus.Primary) == 0 || scope.Focus.Primary[0] != bid {
		t.Errorf("b.py should be primary: %v", scope.Focus.Primary)
	}
	if len(scope.Focus.Expanded) != 0 {
		t.Error("expanded should start empty")
	}
}

func TestComposeAutoLoadsImports(t *testing.T) {
	view := testView(t)
	aid, _ := view.Tree.FileByPath("a.py")
	bid, _ := view.Tree.FileByPath("b.py")

	// Focus on a.py; b.py arrives through the depth-1 import closure.
	scope := NewComposer().Compose(view, "dependencies of a.py", nil)
	_ = aid
	if len(scope.Focus.Primary) != 1 || scope.Focus.Primary[0] != bid {
		t.Fatalf("dependencies-of route wrong: %v", scope.Focus.Primary)
	}

	// And focusing a.py by name pulls b.py as auto-loaded.
	scope = NewComposer().Compose(view, "look at a.py", nil)
	if !containsNode(scope.Focus.Primary, aid) {
		t.Fatalf("a.py should be primary: %v", scope.Focus.Primary)
	}
	if !containsNode(scope.Focus.AutoLoaded, bid) {
		t.Errorf("b.py should be auto-loaded: %v", scope.Focus.AutoLoaded)
	}
}

func TestFocusSetsDisjoint(t *testing.T) {
	view := testView(t)
	scope := NewComposer().Compose(view, "look at a.py and b.py", nil)

	seen := map[tree.NodeID]int{}
	for _, id := range scope.Focus.Primary {
		seen[id]++
	}
	for _, id := range scope.Focus.AutoLoaded {
		seen[id]++
	}
	for _, id := range scope.Focus.Expanded {
		seen[id]++
	}
	for id, n := range seen {
		if n > 1 {
			t.Errorf("node %d appears in %d focus sets", id, n)
		}
	}
}

func TestAutoLoadedCap(t *testing.T) {
	root := t.TempDir()
	tr := tree.New(root)

	hub := tr.AddFile("hub.py", "python", "h", 1)
	tr.AddSymbol(hub, tree.SymbolFunction, "hub_main", "def hub_main()", 1, 1, true)
	var deps []tree.NodeID
	for i := 0; i < 30; i++ {
		deps = append(deps, tr.AddFile(
			"dep"+string(rune('a'+i%26))+string(rune('a'+i/26))+".py", "python", "h", 1))
	}
	tr.Deps.SetImports(hub, deps)

	view := &ProjectView{Hash: "h", RootPath: root, Tree: tr}
	c := NewComposer()
	scope := c.Compose(view, "explain hub_main", nil)

	if len(scope.Focus.AutoLoaded) > c.AutoLoadedCap {
		t.Errorf("auto-loaded exceeds cap: %d", len(scope.Focus.AutoLoaded))
	}
	// Oldest-import-first truncation keeps the head of the import order.
	if len(scope.Focus.AutoLoaded) > 0 && scope.Focus.AutoLoaded[0] != deps[0] {
		t.Errorf("truncation should keep oldest imports first: %v", scope.Focus.AutoLoaded[0])
	}
}

func TestComposeAnchorRulesAndMemories(t *testing.T) {
	view := testView(t)
	if err := os.WriteFile(filepath.Join(view.RootPath, RulesFile),
		[]byte("Always run the linter."), 0o644); err != nil {
		t.Fatal(err)
	}
	view.Memory.Put(memory.Entry{Kind: memory.KindDecision, Content: "use dataclasses"})
	view.Memory.Put(memory.Entry{Kind: memory.KindToolObservation, Content: "lint passed"})

	scope := NewComposer().Compose(view, "", nil)

	if len(scope.Anchor.Rules) != 1 || !strings.Contains(scope.Anchor.Rules[0], "linter") {
		t.Errorf("rules not loaded: %v", scope.Anchor.Rules)
	}
	// Only anchor kinds are pinned; tool observations are not.
	for _, e := range scope.Anchor.RecentMemories {
		if e.Kind == memory.KindToolObservation {
			t.Error("tool_observation should not be pinned in the anchor")
		}
	}
	if len(scope.Anchor.RecentMemories) != 1 {
		t.Errorf("expected 1 pinned memory, got %d", len(scope.Anchor.RecentMemories))
	}
}

func TestHorizonExcludesFocus(t *testing.T) {
	view := testView(t)
	scope := NewComposer().Compose(view, "explain hello", nil)

	if strings.Contains(scope.Horizon.Skeleton, "b.py") {
		t.Errorf("focused file should be elided from horizon:\n%s", scope.Horizon.Skeleton)
	}
}

func TestRenderScenarioS1(t *testing.T) {
	view := testView(t)
	scope := NewComposer().Compose(view, "explain hello", nil)
	out := Render(scope, view, DefaultMaxRenderBytes)

	for _, want := range []string{"## Focus Area", "b.py", "hello"} {
		if !strings.Contains(out, want) {
			t.Errorf("rendered context missing %q:\n%s", want, out)
		}
	}
}

func TestRenderBounded(t *testing.T) {
	view := testView(t)
	scope := NewComposer().Compose(view, "explain hello", nil)

	out := Render(scope, view, 512)
	if len(out) > 512 {
		t.Errorf("render exceeded cap: %d bytes", len(out))
	}
}

func TestRenderDeterministic(t *testing.T) {
	view := testView(t)
	c := NewComposer()
	a := Render(c.Compose(view, "explain hello", nil), view, DefaultMaxRenderBytes)
	b := Render(c.Compose(view, "explain hello", nil), view, DefaultMaxRenderBytes)
	if a != b {
		t.Error("identical inputs should render identically")
	}
}

func TestExpandFocusDisjoint(t *testing.T) {
	view := testView(t)
	aid, _ := view.Tree.FileByPath("a.py")
	bid, _ := view.Tree.FileByPath("b.py")

	scope := NewComposer().Compose(view, "explain hello", nil)
	ExpandFocus(scope, []tree.NodeID{aid, bid})

	// b.py is already primary; only a.py lands in expanded.
	if containsNode(scope.Focus.Expanded, bid) {
		t.Error("expand must not duplicate a primary node")
	}
	if !containsNode(scope.Focus.Expanded, aid) && !containsNode(scope.Focus.Primary, aid) &&
		!containsNode(scope.Focus.AutoLoaded, aid) {
		t.Error("a.py should be somewhere in focus after expand")
	}
}

func containsNode(ids []tree.NodeID, id tree.NodeID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
