package diagram

import (
	"github.com/convoflow/convoflow/internal/flowgraph"
	"github.com/convoflow/convoflow/pkg/schema"
)

// Virtual node ids framing the conversation lifecycle.
const (
	virtualStart = "__start__"
	virtualEnd   = "__end__"
)

// FromGraph builds a diagram Model from a loaded flow graph. Every node's
// possible transitions become labeled edges; an empty successor means the
// conversation ends there and is drawn as an edge to the virtual end node.
func FromGraph(g *flowgraph.Graph) *Model {
	ids := g.NodeIDs()

	nodes := make([]*Node, 0, len(ids)+2)
	nodes = append(nodes, &Node{ID: virtualStart, Label: "Start", Kind: NodeKindStart})

	var edges []Edge
	if g.Node(schema.NodeStart) != nil {
		edges = append(edges, Edge{From: virtualStart, To: schema.NodeStart})
	}

	for _, id := range ids {
		n := g.Node(id)
		nodes = append(nodes, &Node{
			ID:    n.ID,
			Label: nodeLabel(n),
			Kind:  nodeKind(n.Type),
		})
		edges = append(edges, outgoing(n)...)
	}

	nodes = append(nodes, &Node{ID: virtualEnd, Label: "End", Kind: NodeKindEnd})

	return &Model{
		Title: g.FlowID(),
		Nodes: nodes,
		Edges: edges,
	}
}

func nodeKind(t schema.NodeType) NodeKind {
	switch t {
	case schema.NodeTypeSwitch, schema.NodeTypeCheckTime, schema.NodeTypeCheckHoliday:
		return NodeKindCondition
	case schema.NodeTypeInput, schema.NodeTypeWebhook, schema.NodeTypeInviteUser, schema.NodeTypeDelay:
		return NodeKindWait
	case schema.NodeTypeSubroutine:
		return NodeKindSubroutine
	default:
		return NodeKindAction
	}
}

func nodeLabel(n *schema.Node) string {
	return n.ID + "\n(" + string(n.Type) + ")"
}

// outgoing lists every transition a node can take, in definition order.
func outgoing(n *schema.Node) []Edge {
	var edges []Edge
	plain := func(target string) {
		edges = append(edges, edgeTo(n.ID, target, ""))
	}
	cased := func(cases []schema.Case) {
		for _, cs := range cases {
			edges = append(edges, edgeTo(n.ID, cs.OConnection, cs.ID))
		}
	}

	switch n.Type {
	case schema.NodeTypeMessage:
		plain(n.Message.OConnection)
	case schema.NodeTypeInput:
		cased(n.Input.Cases)
	case schema.NodeTypeSwitch:
		cased(n.Switch.Cases)
	case schema.NodeTypeHTTPRequest:
		cased(n.HTTPRequest.Cases)
	case schema.NodeTypeWebhook:
		cased(n.Webhook.Cases)
	case schema.NodeTypeDelay:
		plain(n.Delay.OConnection)
	case schema.NodeTypeSetVars:
		plain(n.SetVars.OConnection)
	case schema.NodeTypeSubroutine:
		edges = append(edges, edgeTo(n.ID, n.Subroutine.GoSub, "gosub"))
		edges = append(edges, edgeTo(n.ID, n.Subroutine.OConnection, "return"))
	case schema.NodeTypeEmail:
		plain(n.Email.OConnection)
	case schema.NodeTypeMedia:
		plain(n.Media.OConnection)
	case schema.NodeTypeLocation:
		plain(n.Location.OConnection)
	case schema.NodeTypeCheckTime:
		cased(n.CheckTime.Cases)
	case schema.NodeTypeCheckHoliday:
		cased(n.CheckHoliday.Cases)
	case schema.NodeTypeInviteUser:
		cased(n.InviteUser.Cases)
	case schema.NodeTypeLeave:
		plain(n.Leave.OConnection)
	case schema.NodeTypeGPTAssistant:
		if len(n.GPTAssistant.Cases) > 0 {
			cased(n.GPTAssistant.Cases)
		} else {
			plain(n.GPTAssistant.OConnection)
		}
	}
	return edges
}

func edgeTo(from, target, label string) Edge {
	if target == "" {
		target = virtualEnd
	}
	return Edge{From: from, To: target, Label: label}
}
