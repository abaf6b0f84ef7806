// Package taskgraph partitions a task list into dependency-ordered groups of
// tasks that can run concurrently.
//
// Analysis is pure: the same input always yields the same groups, in the same
// order. Tasks that sit on a dependency cycle are reported in
// [Analysis.CyclicTaskIDs]; tasks that only depend on one are reported in
// [Analysis.BlockedByCycle]. Neither is ever scheduled.
package taskgraph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Iron-Ham/parallax/internal/task"
)

// MinParallelTasks is the smallest number of actionable tasks for which
// parallel execution is recommended.
const MinParallelTasks = 3

// Node is the graph metadata computed for one task.
type Node struct {
	Task task.Task

	// Dependencies are the unsatisfied dependency IDs that take part in the graph.
	Dependencies []string
	// Dependents are the IDs of actionable tasks that depend on this one.
	Dependents []string

	// Depth is 0 for tasks with no unsatisfied dependency, otherwise one more
	// than the deepest dependency. It is -1 for cyclic and terminal tasks.
	Depth int
	// InCycle is set for tasks reachable from themselves.
	InCycle bool
	// BlockedByCycle is set for tasks outside a cycle that depend on one.
	BlockedByCycle bool
}

// Group is one depth layer of the graph.
type Group struct {
	Index int
	Tasks []task.Task
	Depth int
	// MaxPriority is the most urgent (numerically lowest) priority in the group.
	MaxPriority int
}

// IDs returns the task IDs of the group in order.
func (g Group) IDs() []string {
	ids := make([]string, len(g.Tasks))
	for i, t := range g.Tasks {
		ids[i] = t.ID
	}
	return ids
}

// Analysis is the result of Analyze.
type Analysis struct {
	Nodes               map[string]*Node
	Groups              []Group
	CyclicTaskIDs       []string
	BlockedByCycle      []string
	ActionableTaskCount int
	MaxParallelism      int
	RecommendParallel   bool
}

// Analyze builds the dependency graph for tasks and groups the actionable ones
// by depth. Dependencies on unknown or terminal tasks are treated as satisfied.
func Analyze(tasks []task.Task) *Analysis {
	a := &Analysis{Nodes: make(map[string]*Node, len(tasks))}

	order := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if _, dup := a.Nodes[t.ID]; dup {
			continue
		}
		a.Nodes[t.ID] = &Node{Task: t, Depth: -1}
		order = append(order, t.ID)
	}

	for _, id := range order {
		n := a.Nodes[id]
		if n.Task.Status.IsTerminal() {
			continue
		}
		for _, depID := range n.Task.DependsOn {
			dep, ok := a.Nodes[depID]
			if !ok || dep.Task.Status.IsTerminal() {
				continue
			}
			if !contains(n.Dependencies, depID) {
				n.Dependencies = append(n.Dependencies, depID)
				dep.Dependents = append(dep.Dependents, id)
			}
		}
	}

	a.markCycles(order)

	for _, id := range order {
		a.depthOf(id)
	}

	for _, id := range order {
		n := a.Nodes[id]
		if n.InCycle {
			a.CyclicTaskIDs = append(a.CyclicTaskIDs, id)
			continue
		}
		if n.BlockedByCycle {
			a.BlockedByCycle = append(a.BlockedByCycle, id)
			continue
		}
		if n.Depth < 0 {
			continue
		}
		a.ActionableTaskCount++
		for len(a.Groups) <= n.Depth {
			d := len(a.Groups)
			a.Groups = append(a.Groups, Group{Index: d, Depth: d, MaxPriority: task.PriorityLowest})
		}
		g := &a.Groups[n.Depth]
		g.Tasks = append(g.Tasks, n.Task)
		if p := task.ClampPriority(n.Task.Priority); p < g.MaxPriority {
			g.MaxPriority = p
		}
	}

	for _, g := range a.Groups {
		if len(g.Tasks) > a.MaxParallelism {
			a.MaxParallelism = len(g.Tasks)
		}
	}
	a.RecommendParallel = ShouldRunParallel(a)
	return a
}

// markCycles flags every task reachable from itself as InCycle, then every
// other task that transitively depends on one as BlockedByCycle.
func (a *Analysis) markCycles(order []string) {
	// Tarjan's strongly connected components over the dependency edges.
	index := 0
	indices := make(map[string]int)
	lowlink := make(map[string]int)
	onStack := make(map[string]bool)
	var stack []string

	var strongConnect func(id string)
	strongConnect = func(id string) {
		indices[id] = index
		lowlink[id] = index
		index++
		stack = append(stack, id)
		onStack[id] = true

		for _, depID := range a.Nodes[id].Dependencies {
			if _, seen := indices[depID]; !seen {
				strongConnect(depID)
				lowlink[id] = min(lowlink[id], lowlink[depID])
			} else if onStack[depID] {
				lowlink[id] = min(lowlink[id], indices[depID])
			}
		}

		if lowlink[id] != indices[id] {
			return
		}
		var component []string
		for {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[top] = false
			component = append(component, top)
			if top == id {
				break
			}
		}
		if len(component) > 1 || contains(a.Nodes[id].Dependencies, id) {
			for _, member := range component {
				a.Nodes[member].InCycle = true
			}
		}
	}

	for _, id := range order {
		if a.Nodes[id].Task.Status.IsTerminal() {
			continue
		}
		if _, seen := indices[id]; !seen {
			strongConnect(id)
		}
	}

	// Anything downstream of a cycle can never become eligible.
	var queue []string
	for _, id := range order {
		if a.Nodes[id].InCycle {
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, depID := range a.Nodes[id].Dependents {
			if n := a.Nodes[depID]; !n.InCycle && !n.BlockedByCycle {
				n.BlockedByCycle = true
				queue = append(queue, depID)
			}
		}
	}
}

// depthOf computes and memoizes the depth of an acyclic, non-terminal task.
func (a *Analysis) depthOf(id string) int {
	n := a.Nodes[id]
	if n.InCycle || n.BlockedByCycle || n.Task.Status.IsTerminal() {
		return -1
	}
	if n.Depth >= 0 {
		return n.Depth
	}
	depth := 0
	for _, depID := range n.Dependencies {
		if d := a.depthOf(depID) + 1; d > depth {
			depth = d
		}
	}
	n.Depth = depth
	return depth
}

// ShouldRunParallel reports whether parallel execution is worth the overhead:
// there must be at least MinParallelTasks actionable tasks and at least one
// group with more than one task. A linear chain never qualifies.
func ShouldRunParallel(a *Analysis) bool {
	if a == nil {
		return false
	}
	return a.ActionableTaskCount >= MinParallelTasks && a.MaxParallelism > 1
}

// GroupOf returns the index of the group containing id.
func (a *Analysis) GroupOf(id string) (int, bool) {
	n, ok := a.Nodes[id]
	if !ok || n.Depth < 0 {
		return 0, false
	}
	return n.Depth, true
}

// HasCycles reports whether any task sits on a dependency cycle.
func (a *Analysis) HasCycles() bool {
	return len(a.CyclicTaskIDs) > 0
}

// Clone returns a deep copy of a. Callers may modify the copy freely.
func (a *Analysis) Clone() *Analysis {
	if a == nil {
		return nil
	}
	c := *a
	c.Nodes = make(map[string]*Node, len(a.Nodes))
	for id, n := range a.Nodes {
		cn := *n
		cn.Task = n.Task.Clone()
		cn.Dependencies = append([]string(nil), n.Dependencies...)
		cn.Dependents = append([]string(nil), n.Dependents...)
		c.Nodes[id] = &cn
	}
	c.Groups = make([]Group, len(a.Groups))
	for i, g := range a.Groups {
		g.Tasks = make([]task.Task, len(a.Groups[i].Tasks))
		for j, t := range a.Groups[i].Tasks {
			g.Tasks[j] = t.Clone()
		}
		c.Groups[i] = g
	}
	c.CyclicTaskIDs = append([]string(nil), a.CyclicTaskIDs...)
	c.BlockedByCycle = append([]string(nil), a.BlockedByCycle...)
	return &c
}

// Summary renders a short human-readable description of the analysis.
func (a *Analysis) Summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d actionable tasks in %d groups (max parallelism %d)\n",
		a.ActionableTaskCount, len(a.Groups), a.MaxParallelism)
	for _, g := range a.Groups {
		fmt.Fprintf(&sb, "  group %d (priority %d): %s\n", g.Index, g.MaxPriority, strings.Join(g.IDs(), ", "))
	}
	if a.HasCycles() {
		cyclic := append([]string(nil), a.CyclicTaskIDs...)
		sort.Strings(cyclic)
		fmt.Fprintf(&sb, "  cyclic: %s\n", strings.Join(cyclic, ", "))
	}
	if len(a.BlockedByCycle) > 0 {
		blocked := append([]string(nil), a.BlockedByCycle...)
		sort.Strings(blocked)
		fmt.Fprintf(&sb, "  blocked by cycle: %s\n", strings.Join(blocked, ", "))
	}
	if a.RecommendParallel {
		sb.WriteString("parallel execution recommended\n")
	} else {
		sb.WriteString("parallel execution not recommended\n")
	}
	return sb.String()
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
