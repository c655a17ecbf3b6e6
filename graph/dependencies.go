// Package graph builds dependency graphs over issue-tracker tasks and answers
// ordering questions about them: topological order, cycles, and which tasks
// are ready to run given a completed set.
//
// All functions are pure. Ordering and cycle detection ignore relations that
// point at tasks outside the input set. The ready set does not: a task that
// depends on an outside id waits until that id is reported completed.
package graph

import (
	"container/heap"
	"slices"

	"github.com/c360studio/semflow/workflow"
)

// Relation is an outgoing edge from a task.
type Relation struct {
	Type     workflow.RelationType
	TargetID string
}

// Task is a node input: an id, a priority (lower runs first) and its relations.
type Task struct {
	ID        string
	Title     string
	Priority  int
	Relations []Relation
}

// Node holds the resolved edges for one task.
// Dependencies are tasks that must finish first; Dependents are the reverse.
type Node struct {
	ID           string
	Dependencies map[string]struct{}
	Dependents   map[string]struct{}
}

// Graph is a dependency graph that remembers the input order of its tasks.
type Graph struct {
	nodes map[string]*Node
	order []string
	index map[string]int
}

// BuildGraph creates a graph from tasks.
//
// "A blocks B" and "B depends_on A" both produce the edge A -> B, meaning B
// depends on A. Relations naming a task not in tasks are dropped.
func BuildGraph(tasks []Task) *Graph {
	g := &Graph{
		nodes: make(map[string]*Node, len(tasks)),
		index: make(map[string]int, len(tasks)),
	}
	for _, t := range tasks {
		if _, dup := g.nodes[t.ID]; dup {
			continue
		}
		g.index[t.ID] = len(g.order)
		g.order = append(g.order, t.ID)
		g.nodes[t.ID] = &Node{
			ID:           t.ID,
			Dependencies: make(map[string]struct{}),
			Dependents:   make(map[string]struct{}),
		}
	}

	for _, t := range tasks {
		for _, rel := range t.Relations {
			switch rel.Type {
			case workflow.RelationBlocks:
				g.addEdge(t.ID, rel.TargetID)
			case workflow.RelationDependsOn:
				g.addEdge(rel.TargetID, t.ID)
			}
		}
	}
	return g
}

// addEdge records that to depends on from.
func (g *Graph) addEdge(from, to string) {
	fromNode, ok := g.nodes[from]
	if !ok {
		return
	}
	toNode, ok := g.nodes[to]
	if !ok {
		return
	}
	fromNode.Dependents[to] = struct{}{}
	toNode.Dependencies[from] = struct{}{}
}

// Len returns the number of tasks in the graph.
func (g *Graph) Len() int {
	return len(g.order)
}

// IDs returns task ids in input order.
func (g *Graph) IDs() []string {
	return slices.Clone(g.order)
}

// Node returns the node for id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Dependencies returns the ids id depends on, in input order.
func (g *Graph) Dependencies(id string) []string {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	return g.sorted(n.Dependencies)
}

// Dependents returns the ids that depend on id, in input order.
func (g *Graph) Dependents(id string) []string {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	return g.sorted(n.Dependents)
}

func (g *Graph) sorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.SortFunc(out, func(a, b string) int {
		return g.index[a] - g.index[b]
	})
	return out
}

// indexHeap is a min-heap of input positions.
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

// TopologicalSort returns every task id with dependencies before dependents,
// or nil if the graph contains a cycle. Among tasks that are ready at the
// same time, input order wins.
func TopologicalSort(g *Graph) []string {
	inDegree := make(map[string]int, len(g.nodes))
	ready := &indexHeap{}
	for _, id := range g.order {
		inDegree[id] = len(g.nodes[id].Dependencies)
		if inDegree[id] == 0 {
			heap.Push(ready, g.index[id])
		}
	}

	result := make([]string, 0, len(g.order))
	for ready.Len() > 0 {
		id := g.order[heap.Pop(ready).(int)]
		result = append(result, id)
		for dep := range g.nodes[id].Dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				heap.Push(ready, g.index[dep])
			}
		}
	}

	if len(result) != len(g.order) {
		return nil
	}
	return result
}

// DetectCycles returns every cycle reachable by a depth-first walk over
// dependency edges. Each cycle lists its members starting from the task
// where the walk re-entered it. An acyclic graph yields an empty slice.
func DetectCycles(g *Graph) [][]string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(g.nodes))
	var stack []string
	position := make(map[string]int)
	cycles := [][]string{}

	var visit func(id string)
	visit = func(id string) {
		state[id] = visiting
		position[id] = len(stack)
		stack = append(stack, id)

		for _, dep := range g.Dependencies(id) {
			switch state[dep] {
			case visiting:
				cycles = append(cycles, slices.Clone(stack[position[dep]:]))
			case unvisited:
				visit(dep)
			}
		}

		stack = stack[:len(stack)-1]
		delete(position, id)
		state[id] = done
	}

	for _, id := range g.order {
		if state[id] == unvisited {
			visit(id)
		}
	}
	return cycles
}

// Analysis summarizes a task set.
type Analysis struct {
	HasCycles        bool
	Cycles           [][]string
	TopologicalOrder []string
}

// AnalyzeDependencies builds the graph for tasks and reports cycles and, when
// acyclic, the topological order.
func AnalyzeDependencies(tasks []Task) Analysis {
	g := BuildGraph(tasks)
	cycles := DetectCycles(g)
	if len(cycles) > 0 {
		return Analysis{HasCycles: true, Cycles: cycles}
	}
	return Analysis{Cycles: cycles, TopologicalOrder: TopologicalSort(g)}
}

// GetReadyTasks returns the tasks not yet completed whose dependencies are
// all in completedIDs, sorted by ascending priority. Ties keep input order.
// A depends_on target outside tasks still has to appear in completedIDs.
func GetReadyTasks(tasks []Task, completedIDs []string) []Task {
	completed := make(map[string]struct{}, len(completedIDs))
	for _, id := range completedIDs {
		completed[id] = struct{}{}
	}

	g := BuildGraph(tasks)
	var ready []Task
	seen := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		if _, dup := seen[t.ID]; dup {
			continue
		}
		seen[t.ID] = struct{}{}
		if _, done := completed[t.ID]; done {
			continue
		}
		if allCompleted(declaredDependencies(g, t), completed) {
			ready = append(ready, t)
		}
	}

	slices.SortStableFunc(ready, func(a, b Task) int {
		return a.Priority - b.Priority
	})
	return ready
}

// declaredDependencies returns the in-set blockers of t plus every
// depends_on target it names, whether or not that target is in the graph.
func declaredDependencies(g *Graph, t Task) []string {
	deps := g.Dependencies(t.ID)
	for _, rel := range t.Relations {
		if rel.Type == workflow.RelationDependsOn && !slices.Contains(deps, rel.TargetID) {
			deps = append(deps, rel.TargetID)
		}
	}
	return deps
}

func allCompleted(ids []string, completed map[string]struct{}) bool {
	for _, id := range ids {
		if _, done := completed[id]; !done {
			return false
		}
	}
	return true
}

// GetNextTask returns the highest-priority ready task, or nil if none.
func GetNextTask(tasks []Task, completedIDs []string) *Task {
	ready := GetReadyTasks(tasks, completedIDs)
	if len(ready) == 0 {
		return nil
	}
	return &ready[0]
}
