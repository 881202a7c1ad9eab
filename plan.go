package txcoord

import (
	"fmt"
	"sort"

	"github.com/fortressi/txcoord/dag"
	"github.com/fortressi/txcoord/set"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/topo"
)

// Step is one unit of work bound to a participant.
type Step struct {
	// Name identifies the step within its transaction. Unique per plan.
	Name string

	// Participant executes (and, if needed, compensates) the step.
	Participant Participant

	// Retryable marks the step safe to re-execute after a transient
	// failure. Steps without an idempotency key should usually be
	// non-retryable.
	Retryable bool

	// IdempotencyKey is passed to the participant on every try so a
	// retried write can be recognized server-side as a no-op.
	IdempotencyKey string

	// Reads declares the versioned entities this step writes against,
	// with the versions last observed. Checked before every try.
	Reads []VersionedRead
}

// Plan is the validated, ordered step sequence of one transaction.
// Internally the sequence is a directed graph bracketed by start and
// end sentinels; execution order is its stabilized topological sort.
// The strict total order is what reverse-order compensation depends
// on.
type Plan struct {
	graph *dag.Graph
	start int64
	end   int64
	nodes map[int64]*Step
	order []*Step
}

// Steps returns the steps in execution order.
func (p *Plan) Steps() []*Step {
	return p.order
}

// Len returns the number of steps.
func (p *Plan) Len() int {
	return len(p.order)
}

// Step returns the named step, or nil.
func (p *Plan) Step(name string) *Step {
	for _, s := range p.order {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Dot renders the plan's graph in Graphviz format.
func (p *Plan) Dot() (string, error) {
	return p.graph.ExportToDot()
}

// PlanBuilder assembles a Plan one step at a time. Append chains each
// step after the previous one, giving the linear order the executor
// and the saga log require.
type PlanBuilder struct {
	graph *dag.Graph
	nodes map[int64]*Step
	names set.Set[string]
	first int64
	last  int64
}

// NewPlanBuilder creates an empty builder.
func NewPlanBuilder() *PlanBuilder {
	return &PlanBuilder{
		graph: dag.New(),
		nodes: make(map[int64]*Step),
		first: -1,
		last:  -1,
	}
}

// Append adds a step after all previously appended steps.
func (b *PlanBuilder) Append(step *Step) error {
	if step == nil {
		return fmt.Errorf("cannot append nil step")
	}
	if step.Name == "" {
		return fmt.Errorf("step must have a name")
	}
	if step.Participant == nil {
		return fmt.Errorf("step %q must have a participant", step.Name)
	}
	if b.names.Contains(step.Name) {
		return fmt.Errorf("duplicate step name %q", step.Name)
	}
	b.names.Insert(step.Name)

	node := b.graph.NewNode()
	b.graph.AddNode(node)
	b.nodes[node.ID()] = step

	if b.first < 0 {
		b.first = node.ID()
	} else {
		b.graph.Connect(b.last, node.ID())
	}
	b.last = node.ID()
	return nil
}

// Build validates the sequence, brackets it with start and end
// sentinels, and fixes the execution order.
func (b *PlanBuilder) Build() (*Plan, error) {
	if len(b.nodes) == 0 {
		return nil, fmt.Errorf("plan has no steps")
	}

	startNode := b.graph.NewNode()
	b.graph.AddNode(startNode)
	b.graph.Connect(startNode.ID(), b.first)

	endNode := b.graph.NewNode()
	b.graph.AddNode(endNode)
	b.graph.Connect(b.last, endNode.ID())

	order, err := executionOrder(b.graph)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		graph: b.graph,
		start: startNode.ID(),
		end:   endNode.ID(),
		nodes: b.nodes,
	}
	for _, id := range order {
		if step, ok := b.nodes[id]; ok {
			plan.order = append(plan.order, step)
		}
		// Sentinels carry no step.
	}
	return plan, nil
}

// executionOrder returns node IDs in stabilized topological order.
func executionOrder(g *dag.Graph) ([]int64, error) {
	sorted, err := topo.SortStabilized(g, func(nodes []graph.Node) {
		sort.Slice(nodes, func(i, j int) bool {
			return nodes[i].ID() < nodes[j].ID()
		})
	})
	if err != nil {
		return nil, fmt.Errorf("topological sort failed (cycle detected?): %w", err)
	}

	order := make([]int64, len(sorted))
	for i, node := range sorted {
		order[i] = node.ID()
	}
	return order, nil
}
