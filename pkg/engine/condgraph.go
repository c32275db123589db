package engine

import (
	"fmt"
	"sort"
	"strings"
)

// GraphNode is one conditioned action of one resource.
type GraphNode struct {
	Guid   Guid           `json:"guid"`
	Action ResourceAction `json:"action"`
	Level  int            `json:"level"`

	// Dependencies are the nodes that must complete first.
	Dependencies []string `json:"dependencies,omitempty"`

	// Dependents are the nodes waiting on this one.
	Dependents []string `json:"dependents,omitempty"`
}

// ID returns the node identifier, "<guid>.<action>".
func (n *GraphNode) ID() string {
	return nodeID(n.Guid, n.Action)
}

// GraphEdge is a "From must complete before To" relation.
type GraphEdge struct {
	From  string        `json:"from"`
	To    string        `json:"to"`
	State ResourceState `json:"state"`

	// Implicit marks the stop-after-start edge every resource carries.
	Implicit bool `json:"implicit,omitempty"`
}

// ConditionGraph is the start/stop dependency graph induced by conditions.
type ConditionGraph struct {
	Nodes map[string]*GraphNode `json:"nodes"`
	Edges []GraphEdge           `json:"edges"`

	// Levels groups nodes into waves that can proceed together.
	Levels [][]string `json:"levels"`
}

func nodeID(g Guid, a ResourceAction) string {
	return fmt.Sprintf("%d.%s", int64(g), a)
}

// completingAction returns the action whose completion puts a resource in
// state s, or "" when no conditioned action does.
func completingAction(s ResourceState) ResourceAction {
	switch s {
	case StateStarted, StateFinished:
		return ActionStart
	case StateStopped:
		return ActionStop
	default:
		return ""
	}
}

// ConditionGraph builds the graph of the registered START and STOP
// conditions. A condition cycle can never resolve and is reported as an
// invalid-usage error naming the cycle.
func (ec *ExperimentController) ConditionGraph() (*ConditionGraph, error) {
	conds := make(map[Guid]map[ResourceAction][]Condition)
	for _, g := range ec.Resources() {
		r, ok := ec.Resource(g)
		if !ok {
			continue
		}
		conds[g] = map[ResourceAction][]Condition{
			ActionStart: r.Conditions(ActionStart),
			ActionStop:  r.Conditions(ActionStop),
		}
	}
	return BuildConditionGraph(conds)
}

// BuildConditionGraph builds a condition graph from per-resource conditions.
func BuildConditionGraph(conds map[Guid]map[ResourceAction][]Condition) (*ConditionGraph, error) {
	b := newGraphBuilder()

	guids := make([]Guid, 0, len(conds))
	for g := range conds {
		guids = append(guids, g)
	}
	sort.Slice(guids, func(i, j int) bool { return guids[i] < guids[j] })

	for _, g := range guids {
		b.addNode(g, ActionStart)
		b.addNode(g, ActionStop)
	}
	for _, g := range guids {
		b.addEdge(nodeID(g, ActionStart), nodeID(g, ActionStop), StateStarted, true)
		for _, action := range []ResourceAction{ActionStart, ActionStop} {
			for _, c := range conds[g][action] {
				dep := completingAction(c.State)
				if dep == "" {
					continue
				}
				for _, member := range c.Group {
					from := nodeID(member, dep)
					if _, ok := b.nodes[from]; !ok {
						return nil, NewInvalidError(
							fmt.Sprintf("%s waits on unknown resource %d", nodeID(g, action), member), nil,
						).WithCode(ErrCodeNotFound).WithResource(g)
					}
					b.addEdge(from, nodeID(g, action), c.State, false)
				}
			}
		}
	}

	if cycle := b.findCycle(); cycle != nil {
		return nil, NewInvalidError(
			fmt.Sprintf("condition cycle detected: %s", strings.Join(cycle, " -> ")), nil,
		).WithCode(ErrCodeValidation)
	}

	b.computeLevels()
	return b.build(), nil
}

type graphBuilder struct {
	nodes   map[string]*GraphNode
	order   []string
	out     map[string][]string
	in      map[string][]string
	edges   []GraphEdge
	levels  [][]string
	edgeSet map[[2]string]bool
}

func newGraphBuilder() *graphBuilder {
	return &graphBuilder{
		nodes:   make(map[string]*GraphNode),
		out:     make(map[string][]string),
		in:      make(map[string][]string),
		edgeSet: make(map[[2]string]bool),
	}
}

func (b *graphBuilder) addNode(g Guid, a ResourceAction) {
	id := nodeID(g, a)
	b.nodes[id] = &GraphNode{Guid: g, Action: a}
	b.order = append(b.order, id)
}

func (b *graphBuilder) addEdge(from, to string, state ResourceState, implicit bool) {
	key := [2]string{from, to}
	if b.edgeSet[key] {
		return
	}
	b.edgeSet[key] = true
	b.out[from] = append(b.out[from], to)
	b.in[to] = append(b.in[to], from)
	b.edges = append(b.edges, GraphEdge{From: from, To: to, State: state, Implicit: implicit})
}

// findCycle runs a depth-first search and returns the first cycle found.
func (b *graphBuilder) findCycle() []string {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)

	var path []string
	var visit func(id string) []string
	visit = func(id string) []string {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)

		for _, next := range b.out[id] {
			if !visited[next] {
				if cycle := visit(next); cycle != nil {
					return cycle
				}
				continue
			}
			if onStack[next] {
				for i, p := range path {
					if p == next {
						return append(append([]string(nil), path[i:]...), next)
					}
				}
			}
		}

		onStack[id] = false
		path = path[:len(path)-1]
		return nil
	}

	for _, id := range b.order {
		if !visited[id] {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// computeLevels assigns levels with Kahn's algorithm. It must run on an
// acyclic graph.
func (b *graphBuilder) computeLevels() {
	inDegree := make(map[string]int, len(b.nodes))
	for _, id := range b.order {
		inDegree[id] = len(b.in[id])
	}

	var current []string
	for _, id := range b.order {
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}

	for len(current) > 0 {
		b.levels = append(b.levels, current)
		var next []string
		for _, id := range current {
			for _, dep := range b.out[id] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		sort.Strings(next)
		current = next
	}
}

func (b *graphBuilder) build() *ConditionGraph {
	g := &ConditionGraph{
		Nodes:  b.nodes,
		Edges:  b.edges,
		Levels: b.levels,
	}
	for level, ids := range b.levels {
		for _, id := range ids {
			n := b.nodes[id]
			n.Level = level
			n.Dependencies = b.in[id]
			n.Dependents = b.out[id]
		}
	}
	return g
}

// Depth returns the number of levels.
func (g *ConditionGraph) Depth() int {
	return len(g.Levels)
}

// ToDOT renders the graph in Graphviz DOT format, one cluster per level.
func (g *ConditionGraph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Conditions {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range g.Levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			n := g.Nodes[id]
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%d\\n%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				id, int64(n.Guid), n.Action, actionColor(n.Action)))
		}
		sb.WriteString("  }\n\n")
	}

	for _, e := range g.Edges {
		style := "style=solid, color=black"
		if e.Implicit {
			style = "style=dotted, color=gray"
		}
		sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [label=\"%s\", %s];\n", e.From, e.To, e.State, style))
	}

	sb.WriteString("}\n")
	return sb.String()
}

func actionColor(a ResourceAction) string {
	switch a {
	case ActionStart:
		return "lightgreen"
	case ActionStop:
		return "lightcoral"
	default:
		return "white"
	}
}
