package opt

import (
	"math"
	"math/rand"
)

// ConstructionOptions tune the greedy builder used for the initial population
// and for repairs.
type ConstructionOptions struct {
	// RandomTieBreak shuffles clients sharing a due date and picks uniformly
	// among insertion positions of equal cost.
	RandomTieBreak bool `json:"randomTieBreak" yaml:"random_tie_break"`
	// Noise scales each insertion delta by 1 + Noise*U(0,1). Zero disables it.
	Noise float64 `json:"noise" yaml:"noise"`
}

const costEpsilon = 1e-5

type insertion struct {
	route, pos int
	delta      float64
}

// bestInsertion finds the cheapest feasible position for client c among the
// given routes. routeCosts caches RouteCost of each route. ok is false when no
// existing route can take the client.
func bestInsertion(p *Problem, routes [][]int, routeCosts []float64, c int, rng *rand.Rand, opts ConstructionOptions) (insertion, bool) {
	node, known := p.Clients[c]
	if !known {
		return insertion{}, false
	}
	best := insertion{route: -1, delta: math.Inf(1)}
	ties := 0
	buf := make([]int, 0, 16)
	for ri, r := range routes {
		if math.IsInf(routeCosts[ri], 1) {
			continue
		}
		if p.routeDemand(r)+node.Demand > p.Capacity || !p.compatibleWith(r, c) {
			continue
		}
		for pos := 0; pos <= len(r); pos++ {
			buf = insertAt(buf[:0], r, pos, c)
			cost := p.RouteCost(buf)
			if math.IsInf(cost, 1) {
				continue
			}
			delta := cost - routeCosts[ri]
			if opts.Noise > 0 && rng != nil {
				delta *= 1 + opts.Noise*rng.Float64()
			}
			switch {
			case delta < best.delta:
				best = insertion{route: ri, pos: pos, delta: delta}
				ties = 1
			case delta == best.delta && opts.RandomTieBreak && rng != nil:
				ties++
				if rng.Intn(ties) == 0 {
					best = insertion{route: ri, pos: pos, delta: delta}
				}
			}
		}
	}
	return best, best.route >= 0
}

// insertAt writes r with c inserted at pos into dst and returns it.
func insertAt(dst, r []int, pos, c int) []int {
	dst = append(dst, r[:pos]...)
	dst = append(dst, c)
	return append(dst, r[pos:]...)
}

// insertClients places clients, in the given order, into routes using best
// insertion. A client that fits nowhere opens a new route when it is feasible
// alone; otherwise it is returned in dropped. routes is modified in place.
func insertClients(p *Problem, routes [][]int, clients []int, rng *rand.Rand, opts ConstructionOptions) ([][]int, []int) {
	costs := make([]float64, len(routes))
	for i, r := range routes {
		costs[i] = p.RouteCost(r)
	}
	var dropped []int
	for _, c := range clients {
		if ins, ok := bestInsertion(p, routes, costs, c, rng, opts); ok {
			r := insertAt(make([]int, 0, len(routes[ins.route])+1), routes[ins.route], ins.pos, c)
			routes[ins.route] = r
			costs[ins.route] = p.RouteCost(r)
			continue
		}
		solo := []int{c}
		if cost := p.RouteCost(solo); !math.IsInf(cost, 1) {
			routes = append(routes, solo)
			costs = append(costs, cost)
			continue
		}
		dropped = append(dropped, c)
	}
	return routes, dropped
}

// dueOrder sorts clients by due date and, with random tie-breaking, shuffles
// each run of equal due dates.
func dueOrder(p *Problem, clients []int, rng *rand.Rand, opts ConstructionOptions) []int {
	order := p.byDue(clients)
	if !opts.RandomTieBreak || rng == nil {
		return order
	}
	for start := 0; start < len(order); {
		end := start + 1
		due := p.Clients[order[start]].Due
		for end < len(order) && p.Clients[order[end]].Due == due {
			end++
		}
		group := order[start:end]
		rng.Shuffle(len(group), func(i, j int) { group[i], group[j] = group[j], group[i] })
		start = end
	}
	return order
}

// Construct builds one candidate with the greedy best-insertion heuristic.
// The result is evaluated; clients that could not be served are in Dropped.
func Construct(p *Problem, rng *rand.Rand, opts ConstructionOptions) *Individual {
	order := dueOrder(p, p.ClientIDs(), rng, opts)
	routes, dropped := insertClients(p, nil, order, rng, opts)
	ind := NewIndividual(routes)
	ind.Dropped = dropped
	ind.Evaluate(p)
	return ind
}
