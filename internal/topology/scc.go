package topology

// tarjan returns the strongly connected components of the subgraph induced
// by nodes, following adj. Components are emitted in reverse topological
// order, as Tarjan's algorithm produces them.
func tarjan(nodes []int, adj func(int) []int) [][]int {
	inSet := make(map[int]bool, len(nodes))
	for _, n := range nodes {
		inSet[n] = true
	}

	var (
		counter int
		stack   []int
		onStack = make(map[int]bool, len(nodes))
		index   = make(map[int]int, len(nodes))
		low     = make(map[int]int, len(nodes))
		comps   [][]int
	)

	var connect func(v int)
	connect = func(v int) {
		index[v] = counter
		low[v] = counter
		counter++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range adj(v) {
			if !inSet[w] {
				continue
			}
			if _, seen := index[w]; !seen {
				connect(w)
				low[v] = min(low[v], low[w])
			} else if onStack[w] {
				low[v] = min(low[v], index[w])
			}
		}

		if low[v] == index[v] {
			var comp []int
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp = append(comp, w)
				if w == v {
					break
				}
			}
			comps = append(comps, sortedUnique(comp))
		}
	}

	for _, n := range nodes {
		if _, seen := index[n]; !seen {
			connect(n)
		}
	}
	return comps
}

// hasCycle reports whether the subgraph induced by nodes contains a cycle,
// self-loops included.
func hasCycle(nodes []int, adj func(int) []int) bool {
	for _, n := range nodes {
		for _, w := range adj(n) {
			if w == n {
				return true
			}
		}
	}
	for _, comp := range tarjan(nodes, adj) {
		if len(comp) > 1 {
			return true
		}
	}
	return false
}
