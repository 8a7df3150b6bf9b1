package replay_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/planguard/control-plane/internal/replay"
	"github.com/planguard/control-plane/pkg/models"
)

func sampleLog() []models.Event {
	return []models.Event{
		{PlanID: "p", StepIndex: 0, Op: "create_document", Consumes: []string{"src"}, Produces: []string{"doc"}},
		{PlanID: "p", StepIndex: 1, Op: "summarize", Consumes: []string{"doc"}, Produces: []string{"sum"}},
		{PlanID: "p", StepIndex: 2, Op: "send_message", Consumes: []string{"sum", "doc"}, Error: "smtp down"},
	}
}

func TestDerive(t *testing.T) {
	g := replay.Derive(sampleLog())

	assert.Len(t, g.Nodes, 6)
	assert.Contains(t, g.Edges, replay.Edge{From: "entity:src", To: replay.StepNodeID("p", 0), Kind: replay.EdgeConsumed})
	assert.Contains(t, g.Edges, replay.Edge{From: replay.StepNodeID("p", 0), To: "entity:doc", Kind: replay.EdgeProduced})
	assert.Contains(t, g.Edges, replay.Edge{From: "entity:doc", To: replay.StepNodeID("p", 2), Kind: replay.EdgeConsumed})
	assert.Len(t, g.Edges, 6)

	var failed replay.Node
	for _, n := range g.Nodes {
		if n.ID == replay.StepNodeID("p", 2) {
			failed = n
		}
	}
	assert.Equal(t, "smtp down", failed.Error)
}

func TestDerive_Deterministic(t *testing.T) {
	a := replay.Derive(sampleLog())
	b := replay.Derive(sampleLog())
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("graphs differ (-a +b):\n%s", diff)
	}
}

func TestDerive_Empty(t *testing.T) {
	g := replay.Derive(nil)
	assert.NotNil(t, g.Nodes)
	assert.NotNil(t, g.Edges)
	assert.Empty(t, g.Nodes)
}

func TestAncestors(t *testing.T) {
	g := replay.Derive(sampleLog())
	assert.Equal(t, []string{"doc", "src"}, g.Ancestors("sum"))
	assert.Empty(t, g.Ancestors("src"))
}
