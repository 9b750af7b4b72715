package ledger

import "sort"

// =============================================================================
// CYCLE DETECTOR - Circular debts in the raw graph
// =============================================================================

// Cycle is a circular debt. Participants are in edge order: each owes the
// next and the last owes the first. CancelAmount is the bottleneck edge.
type Cycle struct {
	Participants []UserID `json:"participants"`
	CancelAmount Money    `json:"cancelAmount"`
}

type dfsFrame struct {
	node UserID
	next int
}

// DetectCycles finds circular debts with a depth-first search from every
// node, reporting a cycle each time an edge reaches a node already on the
// current path. Nodes whose search has finished are not explored again, so
// the result is best-effort rather than an enumeration of every simple
// cycle.
//
// Parallel edges in the same direction are summed before walking. Opposing
// edges are not netted, so A->B plus B->A is a two-member cycle. Cycles are
// reported once, rotated to start at their smallest user id, in discovery
// order. The ledger is never touched.
func DetectCycles(raw []Edge) []Cycle {
	weight := make(map[UserID]map[UserID]Money)
	for _, e := range raw {
		if e.From == e.To || !e.Amount.IsPositive() {
			continue
		}
		if weight[e.From] == nil {
			weight[e.From] = make(map[UserID]Money)
		}
		weight[e.From][e.To] += e.Amount
	}

	adj := make(map[UserID][]UserID, len(weight))
	starts := make([]UserID, 0, len(weight))
	for from, tos := range weight {
		starts = append(starts, from)
		for to := range tos {
			adj[from] = append(adj[from], to)
		}
		sort.Slice(adj[from], func(i, j int) bool { return adj[from][i] < adj[from][j] })
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	cycles := make([]Cycle, 0)
	seen := make(map[string]bool)
	done := make(map[UserID]bool)

	for _, root := range starts {
		if done[root] {
			continue
		}
		path := []UserID{root}
		onPath := map[UserID]int{root: 0}
		stack := []dfsFrame{{node: root}}

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			neighbors := adj[top.node]
			if top.next >= len(neighbors) {
				done[top.node] = true
				delete(onPath, top.node)
				path = path[:len(path)-1]
				stack = stack[:len(stack)-1]
				continue
			}
			w := neighbors[top.next]
			top.next++

			if idx, ok := onPath[w]; ok {
				members := canonicalRotation(path[idx:])
				key := cycleKey(members)
				if seen[key] {
					continue
				}
				seen[key] = true
				cycles = append(cycles, Cycle{
					Participants: members,
					CancelAmount: bottleneck(members, weight),
				})
				continue
			}
			if done[w] {
				continue
			}
			onPath[w] = len(path)
			path = append(path, w)
			stack = append(stack, dfsFrame{node: w})
		}
	}
	return cycles
}

func canonicalRotation(c []UserID) []UserID {
	minIdx := 0
	for i, id := range c {
		if id < c[minIdx] {
			minIdx = i
		}
	}
	out := make([]UserID, 0, len(c))
	out = append(out, c[minIdx:]...)
	return append(out, c[:minIdx]...)
}

func cycleKey(c []UserID) string {
	b := make([]byte, 0, len(c)*8)
	for _, id := range c {
		v := uint64(id)
		for i := 0; i < 8; i++ {
			b = append(b, byte(v>>(8*i)))
		}
	}
	return string(b)
}

func bottleneck(c []UserID, weight map[UserID]map[UserID]Money) Money {
	var low Money
	for i, from := range c {
		w := weight[from][c[(i+1)%len(c)]]
		if i == 0 || w < low {
			low = w
		}
	}
	return low
}
