package tree

import (
	"strings"
)

// Skeleton is the low-detail projection of a tree: directory and file names
// plus public symbol signatures, no content.
type Skeleton struct {
	Version int          `json:"version"`
	Root    SkeletonNode `json:"root"`
}

// SkeletonNode mirrors one directory or file in the skeleton.
type SkeletonNode struct {
	ID       NodeID         `json:"id"`
	Name     string         `json:"name"`
	Kind     NodeKind       `json:"kind"`
	Symbols  []string       `json:"symbols,omitempty"`
	Children []SkeletonNode `json:"children,omitempty"`
}

// BuildSkeleton projects a tree down to its skeleton.
func BuildSkeleton(t *Tree) *Skeleton {
	return &Skeleton{
		Version: 1,
		Root:    buildSkeletonNode(t, t.RootID),
	}
}

func buildSkeletonNode(t *Tree, id NodeID) SkeletonNode {
	n := t.Nodes[id]
	sn := SkeletonNode{ID: id, Name: n.Name, Kind: n.Kind}

	switch n.Kind {
	case KindFile:
		for _, sid := range n.Symbols {
			sym := t.Nodes[sid]
			if !sym.Public {
				continue
			}
			sig := sym.Signature
			if sig == "" {
				sig = sym.Name
			}
			sn.Symbols = append(sn.Symbols, sig)
		}
	case KindDirectory:
		for _, cid := range n.Children {
			sn.Children = append(sn.Children, buildSkeletonNode(t, cid))
		}
	}
	return sn
}

// Render draws the skeleton as an ASCII tree, eliding nodes in exclude and
// capping output at maxBytes. When the full rendering exceeds the budget,
// depth is reduced until it fits.
func (s *Skeleton) Render(exclude map[NodeID]bool, maxBytes int) string {
	for depth := maxRenderDepth; depth >= 1; depth-- {
		var b strings.Builder
		b.WriteString(s.Root.Name)
		b.WriteString("/\n")
		renderChildren(&b, s.Root.Children, "", exclude, depth)
		out := b.String()
		if maxBytes <= 0 || len(out) <= maxBytes {
			return out
		}
		if depth == 1 {
			if len(out) > maxBytes {
				out = out[:maxBytes]
			}
			return out
		}
	}
	return ""
}

const maxRenderDepth = 32

func renderChildren(b *strings.Builder, children []SkeletonNode, prefix string, exclude map[NodeID]bool, depth int) {
	if depth <= 0 {
		return
	}
	visible := make([]SkeletonNode, 0, len(children))
	for _, c := range children {
		if exclude[c.ID] {
			continue
		}
		visible = append(visible, c)
	}

	for i, c := range visible {
		connector, childPrefix := "├── ", prefix+"│   "
		if i == len(visible)-1 {
			connector, childPrefix = "└── ", prefix+"    "
		}
		b.WriteString(prefix)
		b.WriteString(connector)
		b.WriteString(c.Name)
		if c.Kind == KindDirectory {
			b.WriteString("/")
		}
		b.WriteString("\n")

		for _, sig := range c.Symbols {
			b.WriteString(childPrefix)
			b.WriteString("· ")
			b.WriteString(sig)
			b.WriteString("\n")
		}
		renderChildren(b, c.Children, childPrefix, exclude, depth-1)
	}
}

// NodeCount returns the number of nodes in the skeleton.
func (s *Skeleton) NodeCount() int {
	return countSkeletonNodes(&s.Root)
}

func countSkeletonNodes(n *SkeletonNode) int {
	count := 1
	for i := range n.Children {
		count += countSkeletonNodes(&n.Children[i])
	}
	return count
}
