// Package diagram renders flow graphs as Mermaid flowcharts and graphviz
// images for the introspection endpoints.
package diagram

// NodeKind classifies a diagram node by how the flow behaves at it.
type NodeKind string

const (
	NodeKindAction     NodeKind = "action"     // send, call, write, continue
	NodeKindCondition  NodeKind = "condition"  // branches by a computed value
	NodeKindWait       NodeKind = "wait"       // suspends for an external event
	NodeKindSubroutine NodeKind = "subroutine" // jumps into a subgraph and returns
	NodeKindStart      NodeKind = "start"
	NodeKindEnd        NodeKind = "end"
)

// Model is the intermediate representation used by all renderers.
type Model struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node represents a single flow node in the diagram.
type Node struct {
	ID    string
	Label string
	Kind  NodeKind
}

// Edge is a possible transition between two nodes. Label carries the case id
// that selects it, if any.
type Edge struct {
	From  string
	To    string
	Label string
}
