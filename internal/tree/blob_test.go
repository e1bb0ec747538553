package tree

import (
	"strings"
	"testing"
)

func TestTreeBlobRoundTrip(t *testing.T) {
	tr := buildTestTree()

	data, err := EncodeTree(tr)
	if err != nil {
		t.Fatalf("EncodeTree failed: %v", err)
	}

	decoded, err := DecodeTree(data, tr.RootPath)
	if err != nil {
		t.Fatalf("DecodeTree failed: %v", err)
	}

	if len(decoded.Nodes) != len(tr.Nodes) {
		t.Fatalf("node count mismatch: %d vs %d", len(decoded.Nodes), len(tr.Nodes))
	}
	if decoded.RootID != tr.RootID {
		t.Errorf("root id mismatch: %d vs %d", decoded.RootID, tr.RootID)
	}
	if decoded.NextID() != tr.NextID() {
		t.Errorf("allocator watermark lost: %d vs %d", decoded.NextID(), tr.NextID())
	}
	if err := decoded.Validate(); err != nil {
		t.Errorf("decoded tree invalid: %v", err)
	}

	// Path index survives the round trip.
	id, ok := decoded.FileByPath("src/b.py")
	if !ok {
		t.Fatal("src/b.py lost in round trip")
	}
	if decoded.Nodes[id].ContentHash != "hash-b" {
		t.Errorf("file content hash lost: %+v", decoded.Nodes[id])
	}
}

func TestBlobRandomAccess(t *testing.T) {
	tr := buildTestTree()
	fid, _ := tr.FileByPath("src/b.py")

	data, err := EncodeTree(tr)
	if err != nil {
		t.Fatal(err)
	}
	blob, err := OpenBlob(data)
	if err != nil {
		t.Fatalf("OpenBlob failed: %v", err)
	}

	if blob.NodeCount() != len(tr.Nodes) {
		t.Errorf("node count mismatch: %d", blob.NodeCount())
	}
	node, err := blob.Node(fid)
	if err != nil {
		t.Fatalf("Node(%d) failed: %v", fid, err)
	}
	if node.Name != "b.py" || node.Kind != KindFile {
		t.Errorf("wrong node decoded: %+v", node)
	}
	if _, err := blob.Node(9999); err == nil {
		t.Error("missing node id should error")
	}
}

func TestOpenBlobRejectsCorrupt(t *testing.T) {
	if _, err := OpenBlob([]byte("not a blob")); err == nil {
		t.Error("short/invalid data should be rejected")
	}

	tr := buildTestTree()
	data, _ := EncodeTree(tr)
	data[0] = 'X'
	if _, err := OpenBlob(data); err == nil {
		t.Error("bad magic should be rejected")
	}
}

func TestSkeletonRoundTripTopology(t *testing.T) {
	tr := buildTestTree()
	skel := BuildSkeleton(tr)

	data, err := EncodeSkeleton(skel)
	if err != nil {
		t.Fatalf("EncodeSkeleton failed: %v", err)
	}
	decoded, err := DecodeSkeleton(data)
	if err != nil {
		t.Fatalf("DecodeSkeleton failed: %v", err)
	}

	if decoded.NodeCount() != skel.NodeCount() {
		t.Errorf("topology changed: %d vs %d nodes", decoded.NodeCount(), skel.NodeCount())
	}
	if decoded.Root.Name != skel.Root.Name {
		t.Errorf("root name changed: %s", decoded.Root.Name)
	}
}

func TestSkeletonPublicSymbolsOnly(t *testing.T) {
	tr := buildTestTree()
	skel := BuildSkeleton(tr)

	out := skel.Render(nil, 0)
	if !contains(out, "def hello()") {
		t.Errorf("public symbol signature missing from skeleton:\n%s", out)
	}
	if contains(out, "_helper") {
		t.Errorf("private symbol leaked into skeleton:\n%s", out)
	}
}

func TestSkeletonRenderExcludesFocus(t *testing.T) {
	tr := buildTestTree()
	bid, _ := tr.FileByPath("src/b.py")
	skel := BuildSkeleton(tr)

	out := skel.Render(map[NodeID]bool{bid: true}, 0)
	if contains(out, "b.py") {
		t.Errorf("excluded node rendered:\n%s", out)
	}
	if !contains(out, "a.py") {
		t.Errorf("non-excluded node missing:\n%s", out)
	}
}

func TestSkeletonRenderBudget(t *testing.T) {
	tr := New("/tmp/big")
	for i := 0; i < 50; i++ {
		tr.AddFile(
			"pkg/sub/dir/deep/file"+string(rune('a'+i%26))+string(rune('a'+i/26))+".go",
			"go", "h", 10,
		)
	}
	skel := BuildSkeleton(tr)

	out := skel.Render(nil, 200)
	if len(out) > 200 {
		t.Errorf("render exceeded budget: %d bytes", len(out))
	}
}

func TestGraphBlobRoundTrip(t *testing.T) {
	g := NewGraph()
	g.SetImports(1, []NodeID{2, 3})
	g.SetImports(4, []NodeID{1})

	data, err := EncodeGraph(g)
	if err != nil {
		t.Fatalf("EncodeGraph failed: %v", err)
	}
	decoded, err := DecodeGraph(data)
	if err != nil {
		t.Fatalf("DecodeGraph failed: %v", err)
	}

	if !decoded.CheckSymmetry() {
		t.Error("decoded graph asymmetric")
	}
	if !containsID(decoded.Imports(1), 2) || !containsID(decoded.ImportedBy(1), 4) {
		t.Errorf("edges lost in round trip: %+v", decoded)
	}
}

func contains(s, sub string) bool {
	return strings.Contains(s, sub)
}
