package compose

import (
	"fmt"
	"strings"
	"time"

	"engram/internal/tree"
)

// Render produces the deterministic context document. Every memory and file
// reference carries its source id so results are debuggable. Output is hard
// capped at maxBytes.
func Render(scope *Scope, view *ProjectView, maxBytes int) string {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxRenderBytes
	}

	var b strings.Builder
	b.WriteString("# Project Context\n\n")
	fmt.Fprintf(&b, "Project: %s\n\n", view.RootPath)

	if len(scope.Anchor.Rules) > 0 {
		b.WriteString("## Rules\n\n")
		for _, rule := range scope.Anchor.Rules {
			b.WriteString(rule)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if len(scope.Anchor.Constraints) > 0 {
		b.WriteString("## Constraints\n\n")
		for _, c := range scope.Anchor.Constraints {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		b.WriteString("\n")
	}

	if len(scope.Anchor.RecentMemories) > 0 {
		b.WriteString("## Recent Memories\n\n")
		for _, e := range scope.Anchor.RecentMemories {
			ts := time.UnixMilli(e.CreatedAt).UTC().Format("2006-01-02")
			fmt.Fprintf(&b, "- [%s] %s (%s): %s\n", e.ID, e.Kind, ts, e.Content)
		}
		b.WriteString("\n")
	}

	if len(scope.Focus.Primary) > 0 || len(scope.Focus.Expanded) > 0 {
		b.WriteString("## Focus Area\n\n")
		for _, id := range scope.Focus.Primary {
			renderFocusFile(&b, view, id, "primary")
		}
		for _, id := range scope.Focus.Expanded {
			renderFocusFile(&b, view, id, "expanded")
		}
		if len(scope.Focus.AutoLoaded) > 0 {
			b.WriteString("### Dependencies\n\n")
			for _, id := range scope.Focus.AutoLoaded {
				if f := view.Tree.Get(id); f != nil {
					fmt.Fprintf(&b, "- %s [%d]\n", f.Relpath, id)
				}
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("## Project Structure\n\n```\n")
	b.WriteString(scope.Horizon.Skeleton)
	b.WriteString("```\n")

	if len(scope.Horizon.HotNodes) > 0 {
		b.WriteString("\nFrequently imported:\n")
		for _, id := range scope.Horizon.HotNodes {
			if f := view.Tree.Get(id); f != nil {
				fmt.Fprintf(&b, "- %s [%d]\n", f.Relpath, id)
			}
		}
	}

	out := b.String()
	if len(out) > maxBytes {
		out = out[:maxBytes]
	}
	return out
}

// renderFocusFile writes one focus entry: path, id, and symbol outline.
func renderFocusFile(b *strings.Builder, view *ProjectView, id tree.NodeID, role string) {
	f := view.Tree.Get(id)
	if f == nil || f.Kind != tree.KindFile {
		return
	}
	fmt.Fprintf(b, "### %s (%s) [%d]\n\n", f.Relpath, role, id)
	if len(f.Symbols) == 0 {
		fmt.Fprintf(b, "_%d lines, no extracted symbols_\n\n", f.LineCount)
		return
	}
	for _, sid := range f.Symbols {
		s := view.Tree.Get(sid)
		if s == nil {
			continue
		}
		sig := s.Signature
		if sig == "" {
			sig = s.Name
		}
		fmt.Fprintf(b, "- %s %s (lines %d-%d) [%d]\n", s.SymbolKind, sig, s.StartLine, s.EndLine, sid)
	}
	b.WriteString("\n")
}
