// Package project provides project identity hashing, manifest handling, and
// the per-project on-disk layout.
package project

import (
	"encoding/hex"
	"fmt"
	"path/filepath"

	"lukechampine.com/blake3"
)

// HashPath computes the 16-hex-character project hash for a root path. The
// path is canonicalized first so that equivalent paths map to the same
// project directory.
func HashPath(root string) (string, error) {
	canonical, err := Canonicalize(root)
	if err != nil {
		return "", err
	}
	return hashCanonical(canonical), nil
}

// Canonicalize resolves a path to its absolute, symlink-free form.
func Canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving path %s: %w", path, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolving path %s: %w", path, err)
	}
	return resolved, nil
}

// hashCanonical derives the 64-bit project hash from an already-canonical
// path and renders it as 16 lowercase hex characters.
func hashCanonical(canonical string) string {
	sum := blake3.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:8])
}
