// Package graph builds the task dependency graph for a run and derives the
// read-only views the coordinator schedules from: levels, topological order,
// critical path and transitive dependents.
package graph

import (
	"container/heap"
	"fmt"

	"github.com/ShayCichocki/ensemble/pkg/models"
)

// TaskGraph is a directed acyclic graph of task nodes. Edges run from a
// dependency to its dependents.
//
// The structure is immutable once Build returns. Node status fields are
// owned by the execution coordinator.
type TaskGraph struct {
	// nodes maps task ID to the node.
	nodes map[string]*models.TaskNode
	// order holds task IDs in submission order.
	order []string
	// deps maps task ID to the IDs it depends on (deduplicated, submission order kept).
	deps map[string][]string
	// dependents maps task ID to the IDs that depend on it, in submission order.
	dependents map[string][]string

	levels  [][]string
	levelOf map[string]int
	topo    []string

	debugLog func(format string, args ...interface{})
}

// Option configures Build.
type Option func(*TaskGraph)

// WithDebugLog sets a printf-style trace hook.
func WithDebugLog(fn func(format string, args ...interface{})) Option {
	return func(g *TaskGraph) {
		if fn != nil {
			g.debugLog = fn
		}
	}
}

// Build constructs the graph from a task submission. It fails with a
// *GraphError on duplicate ids, unknown dependencies or cycles, and never
// returns a partial graph.
func Build(specs []models.TaskSpec, opts ...Option) (*TaskGraph, error) {
	g := &TaskGraph{
		nodes:      make(map[string]*models.TaskNode, len(specs)),
		deps:       make(map[string][]string, len(specs)),
		dependents: make(map[string][]string, len(specs)),
		levelOf:    make(map[string]int, len(specs)),
		debugLog:   func(format string, args ...interface{}) {},
	}
	for _, opt := range opts {
		opt(g)
	}

	g.debugLog("[graph.Build] building graph from %d tasks", len(specs))

	// First pass: register all tasks as nodes.
	for i, spec := range specs {
		if spec.ID == "" {
			return nil, &GraphError{Kind: ErrEmptyTaskID, Msg: fmt.Sprintf("task at position %d", i)}
		}
		if _, exists := g.nodes[spec.ID]; exists {
			return nil, duplicateError(spec.ID)
		}
		g.nodes[spec.ID] = models.NewTaskNode(spec, i)
		g.order = append(g.order, spec.ID)
	}

	// Second pass: resolve dependencies.
	for _, id := range g.order {
		seen := make(map[string]bool)
		for _, depID := range g.nodes[id].Dependencies {
			if _, exists := g.nodes[depID]; !exists {
				return nil, unknownDependencyError(id, depID)
			}
			if seen[depID] {
				continue
			}
			seen[depID] = true
			g.deps[id] = append(g.deps[id], depID)
			g.dependents[depID] = append(g.dependents[depID], id)
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		g.debugLog("[graph.Build] cycle detected: %v", cycle)
		return nil, cycleError(cycle)
	}

	g.computeLevels()
	g.computeTopo()

	g.debugLog("[graph.Build] graph built: %d nodes, %d levels", len(g.nodes), len(g.levels))
	return g, nil
}

// findCycle runs a depth-first search with colouring over dependency edges,
// visiting roots in submission order. It returns the cycle as a path that
// follows "depends on" edges and repeats its first node at the end, or nil.
func (g *TaskGraph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	colors := make(map[string]int, len(g.nodes))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = gray
		stack = append(stack, id)

		for _, depID := range g.deps[id] {
			switch colors[depID] {
			case gray:
				// Back edge: the cycle is the stack suffix starting at depID.
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == depID {
						cycle = append(cycle, stack[i:]...)
						cycle = append(cycle, depID)
						return true
					}
				}
			case white:
				if visit(depID) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = black
		return false
	}

	for _, id := range g.order {
		if colors[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

// computeLevels partitions nodes with Kahn's algorithm: every node whose
// remaining dependency count reaches zero enters the next level together.
func (g *TaskGraph) computeLevels() {
	remaining := make(map[string]int, len(g.nodes))
	var current []string
	for _, id := range g.order {
		remaining[id] = len(g.deps[id])
		if remaining[id] == 0 {
			current = append(current, id)
		}
	}

	for len(current) > 0 {
		level := len(g.levels)
		g.levels = append(g.levels, current)
		var next []string
		for _, id := range current {
			g.levelOf[id] = level
			for _, dep := range g.dependents[id] {
				remaining[dep]--
				if remaining[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		sortBySubmission(g, next)
		current = next
	}
}

// computeTopo builds a topological order breaking ties by submission order.
func (g *TaskGraph) computeTopo() {
	remaining := make(map[string]int, len(g.nodes))
	h := &indexHeap{}
	for _, id := range g.order {
		remaining[id] = len(g.deps[id])
		if remaining[id] == 0 {
			heap.Push(h, g.nodes[id].Index)
		}
	}

	g.topo = make([]string, 0, len(g.nodes))
	for h.Len() > 0 {
		id := g.order[heap.Pop(h).(int)]
		g.topo = append(g.topo, id)
		for _, dep := range g.dependents[id] {
			remaining[dep]--
			if remaining[dep] == 0 {
				heap.Push(h, g.nodes[dep].Index)
			}
		}
	}
}

// Len returns the number of tasks in the graph.
func (g *TaskGraph) Len() int {
	return len(g.order)
}

// Node returns the node for a given ID, or nil if not found.
func (g *TaskGraph) Node(id string) *models.TaskNode {
	return g.nodes[id]
}

// Nodes returns all nodes in submission order.
func (g *TaskGraph) Nodes() []*models.TaskNode {
	out := make([]*models.TaskNode, len(g.order))
	for i, id := range g.order {
		out[i] = g.nodes[id]
	}
	return out
}

// IDs returns all task IDs in submission order.
func (g *TaskGraph) IDs() []string {
	return append([]string(nil), g.order...)
}

// Dependencies returns the IDs the given task depends on.
func (g *TaskGraph) Dependencies(id string) []string {
	return append([]string(nil), g.deps[id]...)
}

// Dependents returns the IDs of tasks that directly depend on the given task.
func (g *TaskGraph) Dependents(id string) []string {
	return append([]string(nil), g.dependents[id]...)
}

// TransitiveDependents returns every task reachable from id along
// dependency edges, ordered by submission index.
func (g *TaskGraph) TransitiveDependents(id string) []string {
	seen := map[string]bool{id: true}
	queue := append([]string(nil), g.dependents[id]...)
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		out = append(out, cur)
		queue = append(queue, g.dependents[cur]...)
	}
	sortBySubmission(g, out)
	return out
}

// Levels returns the level partition. Level 0 holds nodes without
// dependencies; every dependency of a node in level k lies in a level below k.
func (g *TaskGraph) Levels() [][]string {
	out := make([][]string, len(g.levels))
	for i, l := range g.levels {
		out[i] = append([]string(nil), l...)
	}
	return out
}

// Level returns the level index of a node, or -1 if unknown.
func (g *TaskGraph) Level(id string) int {
	if l, ok := g.levelOf[id]; ok {
		return l
	}
	return -1
}

// TopologicalOrder returns task IDs so that dependencies precede dependents.
// Ties are broken by submission order.
func (g *TaskGraph) TopologicalOrder() []string {
	return append([]string(nil), g.topo...)
}

// Ready returns, in submission order, the pending nodes whose dependencies
// are all merged according to status.
func (g *TaskGraph) Ready(status func(id string) models.TaskStatus) []string {
	var ready []string
	for _, id := range g.order {
		if status(id) != models.TaskStatusPending {
			continue
		}
		ok := true
		for _, dep := range g.deps[id] {
			if status(dep) != models.TaskStatusMerged {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}

func sortBySubmission(g *TaskGraph, ids []string) {
	// Insertion sort; level and dependent lists are short.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && g.nodes[ids[j]].Index < g.nodes[ids[j-1]].Index; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

// indexHeap is a min-heap of submission indexes.
type indexHeap []int

func (h indexHeap) Len() int           { return len(h) }
func (h indexHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *indexHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *indexHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
