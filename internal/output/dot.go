package output

import (
	"fmt"
	"io"

	"github.com/quillaja/distbh/internal/tree"
)

// kindColor picks a Graphviz fill color per node Kind so a rendered
// tree reads at a glance: local structure vs. the distributed seams.
func kindColor(k tree.Kind) string {
	switch k {
	case tree.Bucket:
		return "lightyellow"
	case tree.Boundary:
		return "orange"
	case tree.NonLocal:
		return "lightblue"
	case tree.Top:
		return "gray"
	default:
		return "white"
	}
}

// DotGraphDump renders t to Graphviz dot text, kind-colored and
// annotated with each Boundary/NonLocal node's lookupKey, for visual
// debugging of a piece's tree shape.
func DotGraphDump(w io.Writer, t *tree.Tree) error {
	if _, err := fmt.Fprintln(w, "digraph tree {"); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w, `  node [style=filled, fontname="monospace"];`); err != nil {
		return err
	}

	var walk func(idx int32) error
	walk = func(idx int32) error {
		n := t.At(idx)
		if n == nil {
			return nil
		}

		label := fmt.Sprintf("%s\\nlevel=%d\\nn=%d\\nmass=%.3g",
			n.Kind, n.Level, n.EndParticle-n.BeginParticle, n.Moments.TotalMass)
		if n.Kind == tree.Boundary || n.Kind == tree.NonLocal {
			label += fmt.Sprintf("\\nlookupKey=%d", n.LookupKey())
		}
		if n.Kind == tree.NonLocal {
			label += fmt.Sprintf("\\nowner=%d", n.RemoteIndex)
		}
		if _, err := fmt.Fprintf(w, "  n%d [label=\"%s\", fillcolor=%s];\n", idx, label, kindColor(n.Kind)); err != nil {
			return err
		}

		for _, child := range []int32{n.Left, n.Right} {
			if t.At(child) == nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "  n%d -> n%d;\n", idx, child); err != nil {
				return err
			}
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(t.Root); err != nil {
		return err
	}

	_, err := fmt.Fprintln(w, "}")
	return err
}
