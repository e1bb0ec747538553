package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"engram/internal/config"
	"engram/internal/ipc"
	"engram/internal/memory"
)

// startDaemon spins up a full daemon on a throwaway socket and data dir.
func startDaemon(t *testing.T) (*Daemon, *ipc.Client) {
	t.Helper()

	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.SocketPath = filepath.Join(dir, "engram.sock")

	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	go func() {
		if err := d.Run(); err != nil {
			t.Errorf("Run failed: %v", err)
		}
	}()
	t.Cleanup(func() {
		d.RequestShutdown()
		time.Sleep(100 * time.Millisecond)
	})

	client := ipc.NewClient(cfg.SocketPath).WithTimeout(10 * time.Second)
	// Wait for the socket to come up.
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := client.Call(ipc.Request{Action: ipc.ActionPing}); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("daemon never came up")
		}
		time.Sleep(20 * time.Millisecond)
	}
	return d, client
}

func writeProject(t *testing.T, files map[string]string) string {
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

func TestColdInitWarmRead(t *testing.T) {
	_, client := startDaemon(t)
	root := writeProject(t, map[string]string{
		"a.py": "import b\n",
		"b.py": "def hello():\n    return 1\n",
	})

	// Scenario S1.
	resp, err := client.Call(ipc.Request{Action: ipc.ActionInitProject, Cwd: root})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != ipc.StatusOk {
		t.Fatalf("init failed: %+v", resp)
	}

	resp, err = client.Call(ipc.Request{Action: ipc.ActionGetContext, Cwd: root, Prompt: "explain hello"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != ipc.StatusOk || resp.Data == nil {
		t.Fatalf("get_context failed: %+v", resp)
	}
	for _, want := range []string{"## Focus Area", "b.py", "hello"} {
		if !strings.Contains(resp.Data.Context, want) {
			t.Errorf("context missing %q:\n%s", want, resp.Data.Context)
		}
	}
	if len(resp.Data.Nodes) == 0 {
		t.Error("context should reference node ids")
	}
}

func TestCheckInitTransitions(t *testing.T) {
	_, client := startDaemon(t)
	root := writeProject(t, map[string]string{"x.py": "x = 1\n"})

	resp, _ := client.Call(ipc.Request{Action: ipc.ActionCheckInit, Cwd: root})
	if resp.Data == nil || resp.Data.Initialized == nil || *resp.Data.Initialized {
		t.Errorf("expected uninitialized, got %+v", resp)
	}

	if resp, _ = client.Call(ipc.Request{Action: ipc.ActionInitProject, Cwd: root}); resp.Status != ipc.StatusOk {
		t.Fatalf("init failed: %+v", resp)
	}

	resp, _ = client.Call(ipc.Request{Action: ipc.ActionCheckInit, Cwd: root})
	if resp.Data == nil || resp.Data.Initialized == nil || !*resp.Data.Initialized {
		t.Errorf("expected initialized, got %+v", resp)
	}
}

func TestMemoryLifecycleOverSocket(t *testing.T) {
	_, client := startDaemon(t)
	root := writeProject(t, map[string]string{"x.py": "x = 1\n"})
	if resp, _ := client.Call(ipc.Request{Action: ipc.ActionInitProject, Cwd: root}); resp.Status != ipc.StatusOk {
		t.Fatal("init failed")
	}

	// Put
	resp, err := client.Call(ipc.Request{
		Action: ipc.ActionMemoryPut,
		Cwd:    root,
		Entry: &memory.Entry{
			Kind:    memory.KindDecision,
			Content: "use dataclasses",
			Tags:    []string{"python"},
		},
	})
	if err != nil || resp.Status != ipc.StatusOk || resp.Data == nil || resp.Data.ID == "" {
		t.Fatalf("put failed: %+v %v", resp, err)
	}
	id := resp.Data.ID

	// Get
	resp, _ = client.Call(ipc.Request{Action: ipc.ActionMemoryGet, Cwd: root, ID: id})
	if resp.Status != ipc.StatusOk || resp.Data.Entry == nil || resp.Data.Entry.Content != "use dataclasses" {
		t.Fatalf("get failed: %+v", resp)
	}

	// List filters by tag.
	resp, _ = client.Call(ipc.Request{Action: ipc.ActionMemoryList, Cwd: root, Tags: []string{"python"}})
	if resp.Status != ipc.StatusOk || len(resp.Data.Entries) != 1 {
		t.Fatalf("list failed: %+v", resp)
	}

	// Search finds it.
	resp, _ = client.Call(ipc.Request{Action: ipc.ActionMemorySearch, Cwd: root, Query: "dataclasses"})
	if resp.Status != ipc.StatusOk || len(resp.Data.Entries) == 0 {
		t.Fatalf("search failed: %+v", resp)
	}

	// Scenario S6: delete, then patch -> not_found, list excludes.
	resp, _ = client.Call(ipc.Request{Action: ipc.ActionMemoryDelete, Cwd: root, ID: id})
	if resp.Status != ipc.StatusOk {
		t.Fatalf("delete failed: %+v", resp)
	}
	content := "patched"
	resp, _ = client.Call(ipc.Request{
		Action: ipc.ActionMemoryPatch, Cwd: root, ID: id,
		Patch: &memory.Patch{Content: &content},
	})
	if resp.Status != ipc.StatusError || resp.Code != ipc.ErrNotFound {
		t.Errorf("patch on tombstone should be not_found: %+v", resp)
	}
	resp, _ = client.Call(ipc.Request{Action: ipc.ActionMemoryList, Cwd: root})
	for _, e := range resp.Data.Entries {
		if e.ID == id {
			t.Error("tombstoned entry leaked into list")
		}
	}
}

func TestGraftExperienceEquivalentToPut(t *testing.T) {
	_, client := startDaemon(t)
	root := writeProject(t, map[string]string{"x.py": "x = 1\n"})
	if resp, _ := client.Call(ipc.Request{Action: ipc.ActionInitProject, Cwd: root}); resp.Status != ipc.StatusOk {
		t.Fatal("init failed")
	}

	resp, err := client.Call(ipc.Request{
		Action: ipc.ActionGraftExperience,
		Cwd:    root,
		Experience: &ipc.Experience{
			AgentID:      "agent-7",
			Decision:     "split the parser",
			Rationale:    "file too large",
			FilesTouched: []string{"x.py"},
		},
	})
	if err != nil || resp.Status != ipc.StatusOk || resp.Data == nil {
		t.Fatalf("graft failed: %+v %v", resp, err)
	}

	get, _ := client.Call(ipc.Request{Action: ipc.ActionMemoryGet, Cwd: root, ID: resp.Data.ID})
	if get.Status != ipc.StatusOk || get.Data.Entry == nil {
		t.Fatalf("grafted entry not retrievable: %+v", get)
	}
	e := get.Data.Entry
	if e.Kind != memory.KindDecision {
		t.Errorf("graft should store kind decision, got %s", e.Kind)
	}
	if !strings.Contains(e.Content, "split the parser") {
		t.Errorf("decision text lost: %q", e.Content)
	}
	if len(e.Tags) != 1 || e.Tags[0] != "x.py" {
		t.Errorf("files_touched should become tags: %v", e.Tags)
	}
}

func TestNotifyFileChangeReindexes(t *testing.T) {
	_, client := startDaemon(t)
	root := writeProject(t, map[string]string{
		"b.py": "def hello():\n    return 1\n",
	})
	if resp, _ := client.Call(ipc.Request{Action: ipc.ActionInitProject, Cwd: root}); resp.Status != ipc.StatusOk {
		t.Fatal("init failed")
	}

	// Warm the cache, then rename the symbol (scenario S3 via notify).
	client.Call(ipc.Request{Action: ipc.ActionGetContext, Cwd: root, Prompt: "explain hello"})

	if err := os.WriteFile(filepath.Join(root, "b.py"),
		[]byte("def hi():\n    return 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	resp, err := client.Call(ipc.Request{
		Action: ipc.ActionNotifyFileChange, Cwd: root,
		Path: "b.py", ChangeType: "modified",
	})
	if err != nil || resp.Status != ipc.StatusAck {
		t.Fatalf("notify failed: %+v %v", resp, err)
	}

	// The indexer runs on the background queue; poll for the result.
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, _ = client.Call(ipc.Request{Action: ipc.ActionGetContext, Cwd: root, Prompt: "explain hello"})
		if resp.Status == ipc.StatusOk && !strings.Contains(resp.Data.Context, "hello") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("renamed symbol still in context:\n%s", resp.Data.Context)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestStatusReportsState(t *testing.T) {
	_, client := startDaemon(t)

	resp, err := client.Call(ipc.Request{Action: ipc.ActionStatus})
	if err != nil || resp.Status != ipc.StatusOk || resp.Data.DaemonStatus == nil {
		t.Fatalf("status failed: %+v %v", resp, err)
	}
	st := resp.Data.DaemonStatus
	if st.Version != Version {
		t.Errorf("wrong version: %s", st.Version)
	}
	if st.RequestsTotal == 0 {
		t.Error("requests_total should count the ping that probed startup")
	}
}

func TestPrepareContextAcksImmediately(t *testing.T) {
	_, client := startDaemon(t)
	root := writeProject(t, map[string]string{"x.py": "x = 1\n"})
	if resp, _ := client.Call(ipc.Request{Action: ipc.ActionInitProject, Cwd: root}); resp.Status != ipc.StatusOk {
		t.Fatal("init failed")
	}

	resp, err := client.Call(ipc.Request{Action: ipc.ActionPrepareContext, Cwd: root, Prompt: "warm me"})
	if err != nil || resp.Status != ipc.StatusAck {
		t.Fatalf("prepare should ack: %+v %v", resp, err)
	}
	if resp.Data != nil {
		t.Error("prepare must never return composed text")
	}
}

func TestGetContextUninitialized(t *testing.T) {
	_, client := startDaemon(t)
	root := writeProject(t, map[string]string{"x.py": "x = 1\n"})

	resp, _ := client.Call(ipc.Request{Action: ipc.ActionGetContext, Cwd: root})
	if resp.Status != ipc.StatusError || resp.Code != ipc.ErrNotInitialized {
		t.Errorf("expected not_initialized, got %+v", resp)
	}
}
