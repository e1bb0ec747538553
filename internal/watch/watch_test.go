package watch

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"engram/internal/ignore"
)

func TestCoalesceCreateDeleteCancels(t *testing.T) {
	batch := Coalesce([]Event{
		{Path: "a.py", Kind: Created},
		{Path: "a.py", Kind: Deleted},
	})
	if !batch.Empty() {
		t.Errorf("create+delete should cancel, got %+v", batch)
	}
}

func TestCoalesceModifiesCollapse(t *testing.T) {
	batch := Coalesce([]Event{
		{Path: "a.py", Kind: Modified},
		{Path: "a.py", Kind: Modified},
		{Path: "a.py", Kind: Modified},
	})
	if len(batch.Modified) != 1 {
		t.Errorf("repeated modifies should collapse, got %+v", batch)
	}
}

func TestCoalesceCreateThenModifyStaysCreated(t *testing.T) {
	batch := Coalesce([]Event{
		{Path: "a.py", Kind: Created},
		{Path: "a.py", Kind: Modified},
	})
	if len(batch.Created) != 1 || len(batch.Modified) != 0 {
		t.Errorf("create+modify should stay created, got %+v", batch)
	}
}

func TestCoalesceDeleteThenCreateIsModify(t *testing.T) {
	batch := Coalesce([]Event{
		{Path: "a.py", Kind: Deleted},
		{Path: "a.py", Kind: Created},
	})
	if len(batch.Modified) != 1 {
		t.Errorf("delete+create should become modify, got %+v", batch)
	}
}

func TestCoalesceMixedPaths(t *testing.T) {
	batch := Coalesce([]Event{
		{Path: "a.py", Kind: Created},
		{Path: "b.py", Kind: Modified},
		{Path: "c.py", Kind: Deleted},
	})
	if len(batch.Created) != 1 || len(batch.Modified) != 1 || len(batch.Deleted) != 1 {
		t.Errorf("wrong grouping: %+v", batch)
	}
	if batch.Len() != 3 {
		t.Errorf("expected 3 changes, got %d", batch.Len())
	}
}

func TestWatcherSeesChanges(t *testing.T) {
	root := t.TempDir()

	w, err := New(root, ignore.NewMatcher(root))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	// Shorter windows keep the test fast.
	w.quiescence = 50 * time.Millisecond
	w.maxDelay = 200 * time.Millisecond
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(root, "x.py"), []byte("x=1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case batch := <-w.Batches():
		all := append(append([]string{}, batch.Created...), batch.Modified...)
		sort.Strings(all)
		found := false
		for _, p := range all {
			if p == "x.py" {
				found = true
			}
		}
		if !found {
			t.Errorf("x.py missing from batch: %+v", batch)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no batch arrived")
	}
}

func TestWatcherIgnoresFiltered(t *testing.T) {
	root := t.TempDir()
	m := ignore.NewMatcher(root)
	m.Add("*.log")

	w, err := New(root, m)
	if err != nil {
		t.Fatal(err)
	}
	w.quiescence = 50 * time.Millisecond
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(root, "junk.log"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case batch := <-w.Batches():
		t.Errorf("ignored file produced a batch: %+v", batch)
	case <-time.After(500 * time.Millisecond):
	}
}
