package project

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// File names inside a project storage directory.
const (
	ManifestFile = "manifest.json"
	SkeletonFile = "skeleton.zst"
	TreeFile     = "tree.zst"
	DepsFile     = "deps.zst"
	MemoryLog    = "memory.log"
	ChangesDB    = "changes.db"
	SnapshotsDir = "snapshots"
)

// Layout maps a project hash to its storage paths under the data dir.
type Layout struct {
	projectsDir string
}

// NewLayout creates a layout rooted at the projects directory.
func NewLayout(projectsDir string) *Layout {
	return &Layout{projectsDir: projectsDir}
}

// Dir returns the storage directory for a project hash.
func (l *Layout) Dir(hash string) string {
	return filepath.Join(l.projectsDir, hash)
}

// ManifestPath returns the manifest location for a project hash.
func (l *Layout) ManifestPath(hash string) string {
	return filepath.Join(l.Dir(hash), ManifestFile)
}

// SkeletonPath returns the skeleton blob location.
func (l *Layout) SkeletonPath(hash string) string {
	return filepath.Join(l.Dir(hash), SkeletonFile)
}

// TreePath returns the full tree blob location.
func (l *Layout) TreePath(hash string) string {
	return filepath.Join(l.Dir(hash), TreeFile)
}

// DepsPath returns the dependency graph blob location.
func (l *Layout) DepsPath(hash string) string {
	return filepath.Join(l.Dir(hash), DepsFile)
}

// MemoryLogPath returns the append-only memory log location.
func (l *Layout) MemoryLogPath(hash string) string {
	return filepath.Join(l.Dir(hash), MemoryLog)
}

// ChangesDBPath returns the durable change queue location.
func (l *Layout) ChangesDBPath(hash string) string {
	return filepath.Join(l.Dir(hash), ChangesDB)
}

// SnapshotDir returns the snapshot directory for a timestamp.
func (l *Layout) SnapshotDir(hash string, ts int64) string {
	return filepath.Join(l.Dir(hash), SnapshotsDir, strconv.FormatInt(ts, 10))
}

// Initialized reports whether a project's manifest exists on disk.
func (l *Layout) Initialized(hash string) bool {
	_, err := os.Stat(l.ManifestPath(hash))
	return err == nil
}

// EnsureDir creates the project's storage directory.
func (l *Layout) EnsureDir(hash string) error {
	if err := os.MkdirAll(l.Dir(hash), 0o755); err != nil {
		return fmt.Errorf("creating project dir: %w", err)
	}
	return nil
}

// Snapshot copies manifest, skeleton, deps, and memory log into a
// timestamped snapshot directory, then prunes old snapshots keeping the
// newest keep.
func (l *Layout) Snapshot(hash string, ts int64, keep int) error {
	dir := l.SnapshotDir(hash, ts)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating snapshot dir: %w", err)
	}

	for _, name := range []string{ManifestFile, SkeletonFile, DepsFile, MemoryLog} {
		src := filepath.Join(l.Dir(hash), name)
		data, err := os.ReadFile(src)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("reading %s for snapshot: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return fmt.Errorf("writing snapshot %s: %w", name, err)
		}
	}

	return l.pruneSnapshots(hash, keep)
}

// pruneSnapshots removes all but the newest keep snapshot directories.
func (l *Layout) pruneSnapshots(hash string, keep int) error {
	root := filepath.Join(l.Dir(hash), SnapshotsDir)
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("listing snapshots: %w", err)
	}

	var stamps []int64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		ts, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		stamps = append(stamps, ts)
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i] > stamps[j] })

	for i := keep; i < len(stamps); i++ {
		old := filepath.Join(root, strconv.FormatInt(stamps[i], 10))
		if err := os.RemoveAll(old); err != nil {
			return fmt.Errorf("pruning snapshot: %w", err)
		}
	}
	return nil
}
