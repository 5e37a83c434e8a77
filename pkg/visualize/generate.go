package visualize

import (
	"fmt"

	"github.com/emicklei/dot"
)

// Generator renders a graph into a textual diagram format.
type Generator interface {
	Generate(g *Graph) string
}

// NewGenerator returns the generator for a format name, "dot" or "mermaid".
func NewGenerator(format string) (Generator, bool) {
	switch format {
	case "dot", "graphviz":
		return &DotGenerator{}, true
	case "mermaid":
		return &MermaidGenerator{}, true
	default:
		return nil, false
	}
}

// DotGenerator generates Graphviz DOT diagrams.
type DotGenerator struct{}

// Generate implements Generator.
func (d *DotGenerator) Generate(g *Graph) string { return BuildDotGraph(g).String() }

// MermaidGenerator generates left-to-right Mermaid flowcharts wrapped in a markdown code block.
type MermaidGenerator struct{}

// Generate implements Generator.
func (m *MermaidGenerator) Generate(g *Graph) string {
	return fmt.Sprintf("```mermaid\n%s\n```\n", dot.MermaidFlowchart(BuildDotGraph(g), dot.MermaidLeftToRight))
}
