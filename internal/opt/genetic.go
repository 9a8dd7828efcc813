package opt

import (
	"math"
	"math/rand"
	"sort"
)

// Tournament samples k distinct members and returns the one with the lowest
// fitness. A population smaller than k yields its best member.
func Tournament(pop []*Individual, k int, rng *rand.Rand) *Individual {
	if len(pop) == 0 {
		return nil
	}
	if len(pop) < k || k <= 0 {
		return bestOf(pop)
	}
	var winner *Individual
	for _, i := range rng.Perm(len(pop))[:k] {
		if winner == nil || pop[i].Fitness < winner.Fitness {
			winner = pop[i]
		}
	}
	return winner
}

func bestOf(pop []*Individual) *Individual {
	var best *Individual
	for _, ind := range pop {
		if best == nil || ind.Fitness < best.Fitness {
			best = ind
		}
	}
	return best
}

type pricedRoute struct {
	cost  float64
	route []int
}

// Crossover pools the routes of both parents, keeps the cheapest feasible
// routes that do not repeat a client, and reinserts the missing clients by
// best insertion in due-date order. Clients with no feasible place are
// recorded in the child's Dropped. Parents are not modified.
func Crossover(p *Problem, a, b *Individual, rng *rand.Rand, opts ConstructionOptions) *Individual {
	pool := make([]pricedRoute, 0, len(a.Routes)+len(b.Routes))
	for _, parent := range []*Individual{a, b} {
		for _, r := range parent.Routes {
			if len(r) == 0 {
				continue
			}
			if c := p.RouteCost(r); !math.IsInf(c, 1) {
				pool = append(pool, pricedRoute{cost: c, route: r})
			}
		}
	}
	sort.SliceStable(pool, func(i, j int) bool { return pool[i].cost < pool[j].cost })

	served := make(map[int]bool, p.NumClients())
	var routes [][]int
	for _, pr := range pool {
		dup := false
		for _, c := range pr.route {
			if served[c] {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		routes = append(routes, append([]int(nil), pr.route...))
		for _, c := range pr.route {
			served[c] = true
		}
	}

	var missing []int
	for _, id := range p.ClientIDs() {
		if !served[id] {
			missing = append(missing, id)
		}
	}
	var dropped []int
	if len(missing) > 0 {
		routes, dropped = insertClients(p, routes, dueOrder(p, missing, rng, opts), rng, opts)
	}
	child := NewIndividual(routes)
	child.Dropped = dropped
	return child
}

// MutationKind identifies the mutation variant applied to an offspring.
type MutationKind int

const (
	MutationDestroy MutationKind = iota
	MutationExchange
	MutationSwap
)

func (k MutationKind) String() string {
	switch k {
	case MutationDestroy:
		return "destroy"
	case MutationExchange:
		return "exchange"
	case MutationSwap:
		return "swap"
	}
	return "unknown"
}

// Mutate applies one variant drawn as destroy-route 25%, exchange 50%,
// swap 25%. The input is not modified.
func Mutate(p *Problem, ind *Individual, rng *rand.Rand, opts ConstructionOptions) (*Individual, MutationKind) {
	switch u := rng.Float64(); {
	case u < 0.25:
		return destroyRoute(p, ind, rng, opts), MutationDestroy
	case u < 0.75:
		return exchangeClients(ind, rng), MutationExchange
	default:
		return swapWithinRoute(ind, rng), MutationSwap
	}
}

// destroyRoute removes the shortest route and reinserts its clients.
func destroyRoute(p *Problem, ind *Individual, rng *rand.Rand, opts ConstructionOptions) *Individual {
	out := ind.Clone()
	if len(out.Routes) < 2 {
		return out
	}
	smallest := 0
	for i, r := range out.Routes {
		if len(r) < len(out.Routes[smallest]) {
			smallest = i
		}
	}
	orphans := out.Routes[smallest]
	rest := append(out.Routes[:smallest:smallest], out.Routes[smallest+1:]...)
	routes, dropped := insertClients(p, rest, dueOrder(p, orphans, rng, opts), rng, opts)
	out.Routes = cloneRoutes(routes)
	out.Dropped = append(out.Dropped, dropped...)
	out.Fitness = math.Inf(1)
	out.Violation = ViolationUnevaluated
	return out
}

// exchangeClients swaps one random client between two distinct routes
// without checking feasibility.
func exchangeClients(ind *Individual, rng *rand.Rand) *Individual {
	out := ind.Clone()
	if len(out.Routes) < 2 {
		return out
	}
	i1, i2 := twoRoutes(len(out.Routes), rng)
	r1, r2 := out.Routes[i1], out.Routes[i2]
	a, b := rng.Intn(len(r1)), rng.Intn(len(r2))
	r1[a], r2[b] = r2[b], r1[a]
	out.Fitness = math.Inf(1)
	out.Violation = ViolationUnevaluated
	return out
}

// swapWithinRoute transposes two positions of one random route.
func swapWithinRoute(ind *Individual, rng *rand.Rand) *Individual {
	out := ind.Clone()
	if len(out.Routes) == 0 {
		return out
	}
	r := out.Routes[rng.Intn(len(out.Routes))]
	if len(r) >= 2 {
		a := rng.Intn(len(r))
		b := rng.Intn(len(r) - 1)
		if b >= a {
			b++
		}
		r[a], r[b] = r[b], r[a]
		out.Fitness = math.Inf(1)
		out.Violation = ViolationUnevaluated
	}
	return out
}
