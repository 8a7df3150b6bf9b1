// Package replay re-derives data lineage from a plan's event log.
package replay

import (
	"strconv"
	"strings"

	"github.com/planguard/control-plane/pkg/models"
)

type NodeKind string

const (
	NodeStep   NodeKind = "step"
	NodeEntity NodeKind = "entity"
)

type EdgeKind string

const (
	// EdgeConsumed points from an entity to the step that read it.
	EdgeConsumed EdgeKind = "consumed"
	// EdgeProduced points from a step to the entity it created.
	EdgeProduced EdgeKind = "produced"
)

type Node struct {
	ID        string   `json:"id"`
	Kind      NodeKind `json:"kind"`
	StepIndex *int     `json:"step_index,omitempty"`
	Op        string   `json:"op,omitempty"`
	Error     string   `json:"error,omitempty"`
	EntityID  string   `json:"entity_id,omitempty"`
}

type Edge struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Kind EdgeKind `json:"kind"`
}

// Graph is the produces/consumes graph of one or more plans.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// StepNodeID names the node for a step of a plan.
func StepNodeID(planID string, index int) string {
	return "step:" + planID + ":" + strconv.Itoa(index)
}

// EntityNodeID names the node for an entity.
func EntityNodeID(id string) string {
	return "entity:" + id
}

// Derive builds the lineage graph from events in log order. Nodes and edges
// appear in first-seen order, so the same log always yields the same graph.
func Derive(events []models.Event) Graph {
	g := Graph{Nodes: []Node{}, Edges: []Edge{}}
	nodes := make(map[string]int)
	edges := make(map[Edge]bool)

	addNode := func(n Node) {
		if i, ok := nodes[n.ID]; ok {
			// A later attempt of the same step overrides op and error.
			if n.Kind == NodeStep {
				g.Nodes[i] = n
			}
			return
		}
		nodes[n.ID] = len(g.Nodes)
		g.Nodes = append(g.Nodes, n)
	}
	addEdge := func(e Edge) {
		if edges[e] {
			return
		}
		edges[e] = true
		g.Edges = append(g.Edges, e)
	}

	for _, ev := range events {
		idx := ev.StepIndex
		step := StepNodeID(ev.PlanID, idx)
		addNode(Node{ID: step, Kind: NodeStep, StepIndex: &idx, Op: ev.Op, Error: ev.Error})

		for _, id := range ev.Consumes {
			n := EntityNodeID(id)
			if _, ok := nodes[n]; !ok {
				addNode(Node{ID: n, Kind: NodeEntity, EntityID: id})
			}
			addEdge(Edge{From: n, To: step, Kind: EdgeConsumed})
		}
		for _, id := range ev.Produces {
			n := EntityNodeID(id)
			if _, ok := nodes[n]; !ok {
				addNode(Node{ID: n, Kind: NodeEntity, EntityID: id})
			}
			addEdge(Edge{From: step, To: n, Kind: EdgeProduced})
		}
	}
	return g
}

// Ancestors returns the entity ids the given entity was derived from,
// transitively, in breadth-first order.
func (g Graph) Ancestors(entityID string) []string {
	into := make(map[string][]string)
	for _, e := range g.Edges {
		into[e.To] = append(into[e.To], e.From)
	}

	var out []string
	seen := map[string]bool{EntityNodeID(entityID): true}
	queue := []string{EntityNodeID(entityID)}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, from := range into[cur] {
			if seen[from] {
				continue
			}
			seen[from] = true
			queue = append(queue, from)
			if id, ok := strings.CutPrefix(from, "entity:"); ok {
				out = append(out, id)
			}
		}
	}
	return out
}
