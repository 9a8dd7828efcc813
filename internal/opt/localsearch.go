package opt

import (
	"math"
	"math/rand"
)

// MoveCounts tallies accepted local search moves.
type MoveCounts struct {
	TwoOpt   int `json:"twoOpt"`
	Relocate int `json:"relocate"`
	Exchange int `json:"exchange"`
}

func (m *MoveCounts) add(o MoveCounts) {
	m.TwoOpt += o.TwoOpt
	m.Relocate += o.Relocate
	m.Exchange += o.Exchange
}

// LocalSearch runs 2-opt on every route, then one relocate and one exchange
// improvement. It returns a new evaluated individual; ind is not modified.
func LocalSearch(p *Problem, ind *Individual, rng *rand.Rand) (*Individual, MoveCounts) {
	var moves MoveCounts
	out := ind.Clone()
	for i, r := range out.Routes {
		improved, n := twoOptRoute(p, r)
		out.Routes[i] = improved
		moves.TwoOpt += n
	}
	if relocate(p, out, rng) {
		moves.Relocate++
	}
	if exchange(p, out, rng) {
		moves.Exchange++
	}
	out.Evaluate(p)
	return out, moves
}

// twoOptRoute reverses segments while the route cost strictly drops, taking the
// first improving move and restarting the scan. Infeasible routes are returned
// as is. The input slice is not modified.
func twoOptRoute(p *Problem, route []int) ([]int, int) {
	best := append([]int(nil), route...)
	if len(best) < 2 {
		return best, 0
	}
	bestCost := p.RouteCost(best)
	if math.IsInf(bestCost, 1) {
		return best, 0
	}
	cand := make([]int, len(best))
	moves := 0
	for improved := true; improved; {
		improved = false
	scan:
		for i := 0; i < len(best)-1; i++ {
			for j := i + 1; j < len(best); j++ {
				copy(cand, best)
				reverse(cand[i : j+1])
				if c := p.RouteCost(cand); c < bestCost-costEpsilon {
					best, cand = cand, best
					bestCost = c
					moves++
					improved = true
					break scan
				}
			}
		}
	}
	return best, moves
}

func reverse(s []int) {
	for a, b := 0, len(s)-1; a < b; a, b = a+1, b-1 {
		s[a], s[b] = s[b], s[a]
	}
}

// twoRoutes picks two distinct route indices uniformly.
func twoRoutes(n int, rng *rand.Rand) (int, int) {
	a := rng.Intn(n)
	b := rng.Intn(n - 1)
	if b >= a {
		b++
	}
	return a, b
}

// relocate moves one random client to its best position in another random
// route. Removing the last client of a route saves Alpha. It applies the first
// strictly improving move found within NumClients attempts and reports whether
// one was applied.
func relocate(p *Problem, ind *Individual, rng *rand.Rand) bool {
	routes := ind.Routes
	if len(routes) < 2 {
		return false
	}
	buf := make([]int, 0, 16)
	for attempt := 0; attempt < p.NumClients(); attempt++ {
		i1, i2 := twoRoutes(len(routes), rng)
		r1, r2 := routes[i1], routes[i2]
		if len(r1) == 0 {
			continue
		}
		c1, c2 := p.RouteCost(r1), p.RouteCost(r2)
		if math.IsInf(c1, 1) || math.IsInf(c2, 1) {
			continue
		}
		k := rng.Intn(len(r1))
		c := r1[k]
		before := c1 + c2
		if len(r1) == 1 {
			before += p.Alpha
		}
		if p.routeDemand(r2)+p.Clients[c].Demand > p.Capacity || !p.compatibleWith(r2, c) {
			continue
		}
		r1New := make([]int, 0, len(r1)-1)
		r1New = append(append(r1New, r1[:k]...), r1[k+1:]...)
		r1Cost := p.RouteCost(r1New)
		if len(r1New) == 0 {
			r1Cost = 0
		}
		if math.IsInf(r1Cost, 1) {
			continue
		}
		bestPos, bestAfter := -1, math.Inf(1)
		for pos := 0; pos <= len(r2); pos++ {
			buf = insertAt(buf[:0], r2, pos, c)
			if after := r1Cost + p.RouteCost(buf); after < bestAfter {
				bestAfter, bestPos = after, pos
			}
		}
		if bestPos >= 0 && bestAfter < before-costEpsilon {
			routes[i2] = insertAt(make([]int, 0, len(r2)+1), r2, bestPos, c)
			routes[i1] = r1New
			ind.Routes = cloneRoutes(routes)
			return true
		}
	}
	return false
}

// exchange swaps the tails of two random routes at random cut points. Both new
// routes must be feasible and cheaper together. It applies the first
// improvement found within NumClients attempts.
func exchange(p *Problem, ind *Individual, rng *rand.Rand) bool {
	routes := ind.Routes
	if len(routes) < 2 {
		return false
	}
	for attempt := 0; attempt < p.NumClients(); attempt++ {
		i1, i2 := twoRoutes(len(routes), rng)
		r1, r2 := routes[i1], routes[i2]
		if len(r1) == 0 || len(r2) == 0 {
			continue
		}
		cut1, cut2 := rng.Intn(len(r1)), rng.Intn(len(r2))
		n1 := append(append(make([]int, 0, cut1+len(r2)-cut2), r1[:cut1]...), r2[cut2:]...)
		n2 := append(append(make([]int, 0, cut2+len(r1)-cut1), r2[:cut2]...), r1[cut1:]...)
		before := p.RouteCost(r1) + p.RouteCost(r2)
		if math.IsInf(before, 1) {
			continue
		}
		a, b := p.RouteCost(n1), p.RouteCost(n2)
		if math.IsInf(a, 1) || math.IsInf(b, 1) {
			continue
		}
		if a+b < before-costEpsilon {
			routes[i1], routes[i2] = n1, n2
			return true
		}
	}
	return false
}
