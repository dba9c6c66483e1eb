package dag

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/goccy/go-graphviz"
)

// ToDOT renders store as a Graphviz DOT digraph: one node per
// (round, source) certified node, edges to its immediate parents. Grounded
// on matzehuels-stacktower's PQTree.ToDOT/RenderSVG pair — a DOT
// string-builder followed by a separate render step.
func (s *Store) ToDOT() string {
	var buf bytes.Buffer
	buf.WriteString("digraph DAG {\n")
	buf.WriteString("  rankdir=BT;\n")
	buf.WriteString("  node [fontname=\"monospace\", fontsize=10, shape=box, style=filled, fillcolor=white];\n\n")

	for round, nodes := range s.rounds {
		sources := make([]string, 0, len(nodes))
		for source := range nodes {
			sources = append(sources, source.String())
		}
		sort.Strings(sources)

		for _, sourceStr := range sources {
			var node CertifiedNode
			for source, n := range nodes {
				if source.String() == sourceStr {
					node = n
					break
				}
			}
			id := nodeID(round, sourceStr)
			fmt.Fprintf(&buf, "  %q [label=\"round=%d\\n%s\"];\n", id, round, shortPeer(sourceStr))
			for _, parent := range node.Parents {
				parentID := nodeID(round-1, parent.Peer.String())
				fmt.Fprintf(&buf, "  %q -> %q;\n", id, parentID)
			}
		}
	}

	buf.WriteString("}\n")
	return buf.String()
}

func nodeID(round int, source string) string {
	return fmt.Sprintf("r%d/%s", round, source)
}

func shortPeer(source string) string {
	if len(source) <= 12 {
		return source
	}
	return source[:6] + ".." + source[len(source)-4:]
}

// RenderPNG renders store's current DOT representation to PNG bytes.
func (s *Store) RenderPNG(ctx context.Context) ([]byte, error) {
	return s.render(ctx, graphviz.PNG)
}

// RenderSVG renders store's current DOT representation to SVG bytes.
func (s *Store) RenderSVG(ctx context.Context) ([]byte, error) {
	return s.render(ctx, graphviz.SVG)
}

func (s *Store) render(ctx context.Context, format graphviz.Format) ([]byte, error) {
	dot := s.ToDOT()

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("init graphviz: %w", err)
	}
	defer gv.Close()

	g, err := graphviz.ParseBytes([]byte(dot))
	if err != nil {
		return nil, fmt.Errorf("parse dot: %w", err)
	}
	defer g.Close()

	var buf bytes.Buffer
	if err := gv.Render(ctx, g, format, &buf); err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	return buf.Bytes(), nil
}
