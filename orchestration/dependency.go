package orchestration

import (
	"sort"

	"github.com/reactive-review/rrc/core"
)

// DependencyAnalyzer (C4) is a pure transformation from a flat step list to a
// DependencyGraph: topological order, critical path, parallel groups.
type DependencyAnalyzer struct{}

// NewDependencyAnalyzer creates a DependencyAnalyzer. It holds no state; every
// call to Analyze is independent and safe for concurrent use.
func NewDependencyAnalyzer() *DependencyAnalyzer {
	return &DependencyAnalyzer{}
}

// Analyze builds a DependencyGraph from steps' depends_on relations. Returns
// core.ErrCyclicPlan if the relation is not acyclic.
func (a *DependencyAnalyzer) Analyze(steps []PlanStep) (*DependencyGraph, error) {
	graph := &DependencyGraph{
		Nodes:          make([]int, 0, len(steps)),
		Edges:          make(map[int][]int),
		ExecutionOrder: make([]int, 0, len(steps)),
		CriticalPath:   []int{},
		ParallelGroups: [][]int{},
	}

	if len(steps) == 0 {
		return graph, nil
	}

	byNumber := make(map[int]PlanStep, len(steps))
	for _, s := range steps {
		byNumber[s.StepNumber] = s
		graph.Nodes = append(graph.Nodes, s.StepNumber)
	}
	sort.Ints(graph.Nodes)

	// edges[dep] = list of steps that depend on dep (the transpose used for
	// Kahn's algorithm and for reporting "blocks").
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			graph.Edges[dep] = append(graph.Edges[dep], s.StepNumber)
		}
	}
	for dep := range graph.Edges {
		sort.Ints(graph.Edges[dep])
	}

	if hasCycle(byNumber) {
		return nil, core.NewFrameworkError("DependencyAnalyzer.Analyze", "invalid_input", core.ErrCyclicPlan)
	}

	order := kahnOrder(graph.Nodes, byNumber)
	graph.ExecutionOrder = order

	levels := computeLevels(graph.Nodes, byNumber)
	graph.ParallelGroups = levelsToGroups(levels)

	graph.CriticalPath = criticalPath(graph.Nodes, byNumber, levels)

	return graph, nil
}

// hasCycle runs a three-color DFS over depends_on edges.
func hasCycle(byNumber map[int]PlanStep) bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[int]int, len(byNumber))

	var visit func(n int) bool
	visit = func(n int) bool {
		color[n] = gray
		for _, dep := range byNumber[n].DependsOn {
			switch color[dep] {
			case gray:
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		color[n] = black
		return false
	}

	nodes := make([]int, 0, len(byNumber))
	for n := range byNumber {
		nodes = append(nodes, n)
	}
	sort.Ints(nodes)

	for _, n := range nodes {
		if color[n] == white {
			if visit(n) {
				return true
			}
		}
	}
	return false
}

// kahnOrder performs a stable Kahn's-algorithm traversal, breaking ties by
// ascending step_number, as required by the spec's execution_order contract.
func kahnOrder(nodes []int, byNumber map[int]PlanStep) []int {
	inDegree := make(map[int]int, len(nodes))
	for _, n := range nodes {
		inDegree[n] = len(byNumber[n].DependsOn)
	}

	ready := make([]int, 0)
	for _, n := range nodes {
		if inDegree[n] == 0 {
			ready = append(ready, n)
		}
	}
	sort.Ints(ready)

	dependents := make(map[int][]int, len(nodes))
	for _, n := range nodes {
		for _, dep := range byNumber[n].DependsOn {
			dependents[dep] = append(dependents[dep], n)
		}
	}

	order := make([]int, 0, len(nodes))
	for len(ready) > 0 {
		sort.Ints(ready)
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)

		next := append([]int{}, dependents[n]...)
		sort.Ints(next)
		for _, d := range next {
			inDegree[d]--
			if inDegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}

	return order
}

// computeLevels assigns level(v) = 1 + max(level(u) for u in depends_on(v)),
// level(root) = 0, via memoized recursion over the (already cycle-checked) DAG.
func computeLevels(nodes []int, byNumber map[int]PlanStep) map[int]int {
	levels := make(map[int]int, len(nodes))

	var levelOf func(n int) int
	levelOf = func(n int) int {
		if lv, ok := levels[n]; ok {
			return lv
		}
		deps := byNumber[n].DependsOn
		if len(deps) == 0 {
			levels[n] = 0
			return 0
		}
		max := -1
		for _, dep := range deps {
			if lv := levelOf(dep); lv > max {
				max = lv
			}
		}
		lv := max + 1
		levels[n] = lv
		return lv
	}

	for _, n := range nodes {
		levelOf(n)
	}
	return levels
}

// levelsToGroups partitions nodes by level, ascending, empty when every node
// is on its own level (the spec's "empty when no level has >=2 nodes"
// convention is a special case of this general partition).
func levelsToGroups(levels map[int]int) [][]int {
	if len(levels) == 0 {
		return [][]int{}
	}

	byLevel := make(map[int][]int)
	maxLevel := 0
	for n, lv := range levels {
		byLevel[lv] = append(byLevel[lv], n)
		if lv > maxLevel {
			maxLevel = lv
		}
	}

	multiNode := false
	for _, ns := range byLevel {
		if len(ns) >= 2 {
			multiNode = true
			break
		}
	}
	if !multiNode {
		return [][]int{}
	}

	groups := make([][]int, 0, maxLevel+1)
	for lv := 0; lv <= maxLevel; lv++ {
		ns := append([]int{}, byLevel[lv]...)
		sort.Ints(ns)
		groups = append(groups, ns)
	}
	return groups
}

// effortWeight parses an estimated_effort string into a minute count. Unparseable
// or absent estimates weight 1, per spec.
func effortWeight(effort string) int {
	// Efforts in this corpus are free-text ("2h", "30m", "small"); only a
	// bare integer is trusted as minutes, everything else defaults to 1.
	n := 0
	for _, r := range effort {
		if r < '0' || r > '9' {
			return 1
		}
		n = n*10 + int(r-'0')
	}
	if n == 0 {
		return 1
	}
	return n
}

// criticalPath finds the longest path in the DAG by node weight, tie-broken
// by lexicographic node sequence.
func criticalPath(nodes []int, byNumber map[int]PlanStep, levels map[int]int) []int {
	if len(nodes) == 0 {
		return []int{}
	}

	weight := make(map[int]int, len(nodes))
	for _, n := range nodes {
		weight[n] = effortWeight(byNumber[n].EstimatedEffort)
	}

	// Process in increasing level order so every dependency's best path is
	// already known.
	order := append([]int{}, nodes...)
	sort.Slice(order, func(i, j int) bool { return levels[order[i]] < levels[order[j]] })

	bestLen := make(map[int]int, len(nodes))
	bestPrev := make(map[int]int, len(nodes))
	for _, n := range order {
		bestLen[n] = weight[n]
		bestPrev[n] = -1
		for _, dep := range byNumber[n].DependsOn {
			candidate := bestLen[dep] + weight[n]
			if candidate > bestLen[n] || (candidate == bestLen[n] && dep < bestPrev[n]) {
				bestLen[n] = candidate
				bestPrev[n] = dep
			}
		}
	}

	endNode, endLen := -1, -1
	for _, n := range nodes {
		if bestLen[n] > endLen || (bestLen[n] == endLen && (endNode == -1 || n < endNode)) {
			endLen = bestLen[n]
			endNode = n
		}
	}

	path := []int{}
	for n := endNode; n != -1; n = bestPrev[n] {
		path = append([]int{n}, path...)
	}
	return path
}
