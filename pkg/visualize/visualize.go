// Package visualize renders operator graphs as diagrams.
package visualize

import (
	"fmt"
	"strings"

	"github.com/emicklei/dot"

	"github.com/l7mp/deltaview/pkg/query"
)

// Kind classifies the operators of a graph for display.
type Kind string

const (
	// KindSource is an operator without upstreams.
	KindSource Kind = "Source"
	// KindFork is a cursor of a shared computation.
	KindFork Kind = "Fork"
	// KindOperator is an intermediate operator.
	KindOperator Kind = "Operator"
	// KindSink is an operator that no other operator of the graph consumes.
	KindSink Kind = "Sink"
)

// Graph represents the visualization graph of a set of pipelines.
type Graph struct {
	Name  string
	Nodes []OperatorNode
	Edges []Edge
}

// OperatorNode represents a single operator in the graph.
type OperatorNode struct {
	ID    string
	Label string
	Kind  Kind
}

// Edge connects an upstream operator to its consumer.
type Edge struct {
	From, To string
}

// BuildGraph walks the operator graph upstream from the given roots, typically the sinks of an
// executor. An operator reachable along several paths, e.g., the upstream of a shared computation,
// appears once.
func BuildGraph(name string, roots ...query.Node) *Graph {
	g := &Graph{Name: name}
	ids := map[query.Node]string{}
	consumed := map[string]bool{}
	leaf := map[string]bool{}

	var walk func(n query.Node) string
	walk = func(n query.Node) string {
		if id, ok := ids[n]; ok {
			return id
		}
		id := fmt.Sprintf("n%d", len(ids))
		ids[n] = id
		g.Nodes = append(g.Nodes, OperatorNode{ID: id, Label: n.Name()})

		ups := n.Upstreams()
		leaf[id] = len(ups) == 0
		for _, u := range ups {
			uid := walk(u)
			consumed[uid] = true
			g.Edges = append(g.Edges, Edge{From: uid, To: id})
		}
		return id
	}
	for _, r := range roots {
		walk(r)
	}

	for i := range g.Nodes {
		n := &g.Nodes[i]
		switch {
		case leaf[n.ID]:
			n.Kind = KindSource
		case strings.HasPrefix(n.Label, "fork:"):
			n.Kind = KindFork
		case !consumed[n.ID]:
			n.Kind = KindSink
		default:
			n.Kind = KindOperator
		}
	}
	return g
}

// Sources returns the operators without upstreams.
func (g *Graph) Sources() []OperatorNode {
	ret := []OperatorNode{}
	for _, n := range g.Nodes {
		if n.Kind == KindSource {
			ret = append(ret, n)
		}
	}
	return ret
}

// BuildDotGraph creates a dot.Graph from the visualization graph.
// This unified graph can then be rendered in different formats (DOT, Mermaid, etc.).
func BuildDotGraph(g *Graph) *dot.Graph {
	graph := dot.NewGraph(dot.Directed)
	graph.Attr("rankdir", "LR")   // Left to right layout.
	graph.Attr("newrank", "true") // Better ranking algorithm.
	graph.Attr("label", g.Name)
	graph.Attr("labelloc", "t") // Label at top.
	graph.Attr("fontsize", "16")

	nodes := make(map[string]dot.Node, len(g.Nodes))
	for _, n := range g.Nodes {
		node := graph.Node(n.ID).
			Attr("label", n.Label).
			Attr("fontname", "helvetica")
		switch n.Kind {
		case KindSource:
			node.Attr("shape", "ellipse").
				Attr("style", "filled").
				Attr("fillcolor", "lightgreen")
		case KindFork:
			node.Attr("shape", "box").
				Attr("style", "filled,dashed").
				Attr("fillcolor", "lightcyan")
		case KindSink:
			node.Attr("shape", "box").
				Attr("style", "filled,rounded").
				Attr("fillcolor", "lightyellow")
		default:
			node.Attr("shape", "box").
				Attr("style", "filled,rounded").
				Attr("fillcolor", "lightblue").
				Attr("color", "darkblue").
				Attr("penwidth", "2")
		}
		nodes[n.ID] = node
	}

	for _, e := range g.Edges {
		edge := graph.Edge(nodes[e.From], nodes[e.To])
		if strings.HasPrefix(labelOf(g, e.To), "fork:") {
			edge.Attr("style", "dashed").Attr("color", "blue")
		}
	}

	return graph
}

func labelOf(g *Graph, id string) string {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n.Label
		}
	}
	return ""
}
