package graph

import "github.com/ShayCichocki/ensemble/pkg/models"

// CriticalPath is the longest cost-weighted chain from a source to a sink.
type CriticalPath struct {
	Tasks []string `json:"tasks"`
	Cost  float64  `json:"cost"`
}

// Contains reports whether id lies on the path.
func (p CriticalPath) Contains(id string) bool {
	for _, t := range p.Tasks {
		if t == id {
			return true
		}
	}
	return false
}

// CriticalPath computes the longest path by summed node cost using dynamic
// programming over the topological order. Ties go to the node submitted first.
func (g *TaskGraph) CriticalPath() CriticalPath {
	if len(g.topo) == 0 {
		return CriticalPath{}
	}

	dist := make(map[string]float64, len(g.topo))
	prev := make(map[string]string, len(g.topo))

	for _, id := range g.topo {
		best := 0.0
		from := ""
		for _, dep := range g.deps[id] {
			d := dist[dep]
			if from == "" || d > best || (d == best && g.nodes[dep].Index < g.nodes[from].Index) {
				best, from = d, dep
			}
		}
		dist[id] = best + g.nodes[id].Cost
		if from != "" {
			prev[id] = from
		}
	}

	end := ""
	for _, id := range g.order {
		if end == "" || dist[id] > dist[end] {
			end = id
		}
	}

	var path []string
	for cur := end; cur != ""; cur = prev[cur] {
		path = append(path, cur)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return CriticalPath{Tasks: path, Cost: dist[end]}
}

// SequentialDuration is the summed cost of every node.
func (g *TaskGraph) SequentialDuration() float64 {
	total := 0.0
	for _, n := range g.nodes {
		total += n.Cost
	}
	return total
}

// ParallelDuration is the summed cost of the most expensive node in each
// level, the duration of a level-gated run with unlimited parallelism.
func (g *TaskGraph) ParallelDuration() float64 {
	total := 0.0
	for _, level := range g.levels {
		top := 0.0
		for _, id := range level {
			if c := g.nodes[id].Cost; c > top {
				top = c
			}
		}
		total += top
	}
	return total
}

// Speedup is SequentialDuration divided by ParallelDuration.
func (g *TaskGraph) Speedup() float64 {
	p := g.ParallelDuration()
	if p == 0 {
		return 1
	}
	return g.SequentialDuration() / p
}

// Edge is a dependency edge, From being the dependency.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Snapshot is the serialisable form of a graph and its derived views.
type Snapshot struct {
	Nodes              []SnapshotNode `json:"nodes"`
	Edges              []Edge         `json:"edges"`
	Levels             [][]string     `json:"levels"`
	CriticalPath       CriticalPath   `json:"critical_path"`
	SequentialDuration float64        `json:"sequential_duration"`
	ParallelDuration   float64        `json:"parallel_duration"`
	Speedup            float64        `json:"speedup"`
}

// SnapshotNode embeds a node with its level.
type SnapshotNode struct {
	*models.TaskNode
	Level int `json:"level"`
}

// Snapshot captures the graph, including current node statuses.
func (g *TaskGraph) Snapshot() Snapshot {
	s := Snapshot{
		Levels:             g.Levels(),
		CriticalPath:       g.CriticalPath(),
		SequentialDuration: g.SequentialDuration(),
		ParallelDuration:   g.ParallelDuration(),
		Speedup:            g.Speedup(),
		Edges:              []Edge{},
	}
	for _, id := range g.order {
		s.Nodes = append(s.Nodes, SnapshotNode{TaskNode: g.nodes[id], Level: g.levelOf[id]})
		for _, dep := range g.deps[id] {
			s.Edges = append(s.Edges, Edge{From: dep, To: id})
		}
	}
	return s
}
