package orchestrator

import (
	"sort"
)

// validateEdges checks that every dependency names a known task and that no
// task depends on itself.
func validateEdges(deps map[string]IDSet, exists func(string) bool) error {
	ids := make([]string, 0, len(deps))
	for id := range deps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		for _, dep := range deps[id].Sorted() {
			if dep == id {
				return cycleError([]string{id, id})
			}
			if !exists(dep) {
				return invalidf("task %q depends on unknown task %q", id, dep)
			}
		}
	}
	return nil
}

// topoSort orders tasks so that every task follows its dependencies, using
// Kahn's algorithm with the given order as tie-break. It returns false when
// the relation has a cycle; the returned slice then holds only the tasks that
// could be ordered.
func topoSort(order []string, deps map[string]IDSet) ([]string, bool) {
	position := make(map[string]int, len(order))
	for i, id := range order {
		position[id] = i
	}

	indegree := make(map[string]int, len(order))
	dependents := make(map[string][]string, len(order))
	for _, id := range order {
		for dep := range deps[id] {
			if _, ok := position[dep]; !ok {
				continue
			}
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var queue []string
	for _, id := range order {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	out := make([]string, 0, len(order))
	for len(queue) > 0 {
		sort.SliceStable(queue, func(i, j int) bool { return position[queue[i]] < position[queue[j]] })
		id := queue[0]
		queue = queue[1:]
		out = append(out, id)
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return out, len(out) == len(order)
}

// checkAcyclic returns a cycle error naming one concrete cycle if the
// dependency relation is not a DAG.
func checkAcyclic(order []string, deps map[string]IDSet) error {
	if _, ok := topoSort(order, deps); ok {
		return nil
	}
	return cycleError(findCycle(order, deps))
}

// findCycle returns a deterministic cycle witness, first node repeated at the end.
func findCycle(order []string, deps map[string]IDSet) []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(order))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range deps[id].Sorted() {
			switch color[dep] {
			case gray:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == dep {
						cycle = append(append([]string(nil), stack[i:]...), dep)
						return true
					}
				}
			case white:
				if _, known := deps[dep]; known && visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	sorted := append([]string(nil), order...)
	sort.Strings(sorted)
	for _, id := range sorted {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}
