package opt

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Violation names the hard constraint that made a candidate infeasible.
type Violation int

const (
	ViolationNone Violation = iota
	ViolationCapacity
	ViolationIncompatible
	ViolationDueDate
	ViolationUnknownClient
	ViolationUnevaluated
)

func (v Violation) String() string {
	switch v {
	case ViolationNone:
		return "none"
	case ViolationCapacity:
		return "capacity"
	case ViolationIncompatible:
		return "incompatible"
	case ViolationDueDate:
		return "due_date"
	case ViolationUnknownClient:
		return "unknown_client"
	case ViolationUnevaluated:
		return "unevaluated"
	}
	return fmt.Sprintf("violation(%d)", int(v))
}

// Individual is one candidate solution: an explicit list of routes, each an
// ordered list of client ids. The depot is implicit at both ends of a route.
type Individual struct {
	Routes [][]int

	Fitness       float64
	TotalDistance float64
	Vehicles      int
	Tardiness     float64
	Violation     Violation

	// Dropped lists clients left unserved by the operators that produced it.
	Dropped []int
}

// NewIndividual deep-copies routes, discards empty ones and leaves the
// candidate unevaluated (fitness +Inf).
func NewIndividual(routes [][]int) *Individual {
	ind := &Individual{Routes: cloneRoutes(routes), Fitness: math.Inf(1), Violation: ViolationUnevaluated}
	return ind
}

func cloneRoutes(routes [][]int) [][]int {
	out := make([][]int, 0, len(routes))
	for _, r := range routes {
		if len(r) == 0 {
			continue
		}
		out = append(out, append([]int(nil), r...))
	}
	return out
}

// Clone returns an independent copy including derived metrics.
func (ind *Individual) Clone() *Individual {
	c := *ind
	c.Routes = cloneRoutes(ind.Routes)
	c.Dropped = append([]int(nil), ind.Dropped...)
	return &c
}

// Feasible reports whether the last evaluation produced a finite cost.
func (ind *Individual) Feasible() bool { return !math.IsInf(ind.Fitness, 1) }

// NumClients counts client visits across all routes.
func (ind *Individual) NumClients() int {
	n := 0
	for _, r := range ind.Routes {
		n += len(r)
	}
	return n
}

// Flat encodes the routes as a depot-delimited sequence: [0, r1..., 0, r2..., 0].
func (ind *Individual) Flat() []int {
	out := make([]int, 0, ind.NumClients()+len(ind.Routes)+1)
	out = append(out, DepotID)
	for _, r := range ind.Routes {
		if len(r) == 0 {
			continue
		}
		out = append(out, r...)
		out = append(out, DepotID)
	}
	return out
}

var ErrBadEncoding = errors.New("bad route encoding")

// FromFlat decodes a depot-delimited sequence. The sequence must start and end
// at the depot; consecutive depot visits are allowed and yield no route.
func FromFlat(seq []int) (*Individual, error) {
	if len(seq) < 2 || seq[0] != DepotID || seq[len(seq)-1] != DepotID {
		return nil, fmt.Errorf("from flat: sequence must start and end at depot: %w", ErrBadEncoding)
	}
	var routes [][]int
	var cur []int
	for _, id := range seq[1:] {
		if id == DepotID {
			if len(cur) > 0 {
				routes = append(routes, cur)
			}
			cur = nil
			continue
		}
		cur = append(cur, id)
	}
	return NewIndividual(routes), nil
}

// routeEval is the outcome of walking one route depot to depot.
type routeEval struct {
	distance  float64
	tardiness float64
	violation Violation
}

func (e routeEval) feasible() bool { return e.violation == ViolationNone }

// evalRoute checks capacity, compatibility and due dates, accumulating
// distance and tardiness. It stops at the first violation.
func (p *Problem) evalRoute(route []int) routeEval {
	var ev routeEval
	load := 0.0
	for i, id := range route {
		c, ok := p.Clients[id]
		if !ok {
			ev.violation = ViolationUnknownClient
			return ev
		}
		load += c.Demand
		if load > p.Capacity {
			ev.violation = ViolationCapacity
			return ev
		}
		for _, other := range route[i+1:] {
			if p.Incompatible(id, other) {
				ev.violation = ViolationIncompatible
				return ev
			}
		}
	}
	clock := 0.0
	prev := DepotID
	for _, id := range route {
		c := p.Clients[id]
		d := p.Distance(prev, id)
		start := math.Max(clock+d, c.Ready)
		if start > c.Due {
			ev.violation = ViolationDueDate
			return ev
		}
		ev.tardiness += start - c.Ready
		ev.distance += d
		clock = start + c.Service
		prev = id
	}
	ev.distance += p.Distance(prev, DepotID)
	return ev
}

// RouteCost is distance + Beta*tardiness for one route, or +Inf when the route
// breaks capacity, compatibility or a due date. The vehicle fixed cost is not included.
func (p *Problem) RouteCost(route []int) float64 {
	ev := p.evalRoute(route)
	if !ev.feasible() {
		return math.Inf(1)
	}
	return ev.distance + p.Beta*ev.tardiness
}

// Evaluate recomputes the derived fields and returns the fitness.
func (ind *Individual) Evaluate(p *Problem) float64 {
	ind.TotalDistance = 0
	ind.Tardiness = 0
	ind.Vehicles = 0
	ind.Violation = ViolationNone
	for _, r := range ind.Routes {
		if len(r) == 0 {
			continue
		}
		ev := p.evalRoute(r)
		if !ev.feasible() {
			ind.Violation = ev.violation
			ind.Fitness = math.Inf(1)
			return ind.Fitness
		}
		ind.Vehicles++
		ind.TotalDistance += ev.distance
		ind.Tardiness += ev.tardiness
	}
	ind.Fitness = ind.TotalDistance + p.Alpha*float64(ind.Vehicles) + p.Beta*ind.Tardiness
	return ind.Fitness
}

// Completeness is the client coverage report of a candidate.
type Completeness struct {
	Duplicates []int
	Missing    []int
	Phantom    []int
}

// OK reports full coverage without duplicates.
func (c Completeness) OK() bool {
	return len(c.Duplicates) == 0 && len(c.Missing) == 0 && len(c.Phantom) == 0
}

// VerifyCompleteness checks that every client is served exactly once and no
// unknown id appears.
func VerifyCompleteness(p *Problem, ind *Individual) Completeness {
	var out Completeness
	seen := make(map[int]int, p.NumClients())
	for _, r := range ind.Routes {
		for _, id := range r {
			seen[id]++
		}
	}
	for id, n := range seen {
		if _, ok := p.Clients[id]; !ok {
			out.Phantom = append(out.Phantom, id)
			continue
		}
		if n > 1 {
			out.Duplicates = append(out.Duplicates, id)
		}
	}
	for _, id := range p.ClientIDs() {
		if seen[id] == 0 {
			out.Missing = append(out.Missing, id)
		}
	}
	sort.Ints(out.Duplicates)
	sort.Ints(out.Phantom)
	return out
}

// RouteSummary is the per-vehicle breakdown used by reports.
type RouteSummary struct {
	Vehicle   int     `json:"vehicle"`
	Clients   []int   `json:"clients"`
	Distance  float64 `json:"distance"`
	Demand    float64 `json:"demand"`
	Tardiness float64 `json:"tardiness"`
	Cost      float64 `json:"cost"`
}

// Summaries returns one RouteSummary per non-empty route. Cost includes Alpha.
func Summaries(p *Problem, ind *Individual) []RouteSummary {
	out := make([]RouteSummary, 0, len(ind.Routes))
	for _, r := range ind.Routes {
		if len(r) == 0 {
			continue
		}
		ev := p.evalRoute(r)
		cost := math.Inf(1)
		if ev.feasible() {
			cost = ev.distance + p.Alpha + p.Beta*ev.tardiness
		}
		out = append(out, RouteSummary{
			Vehicle:   len(out),
			Clients:   append([]int(nil), r...),
			Distance:  ev.distance,
			Demand:    p.routeDemand(r),
			Tardiness: ev.tardiness,
			Cost:      cost,
		})
	}
	return out
}
