package opt

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// toyProblem is the five client instance used across the package tests.
func toyProblem(t *testing.T) *Problem {
	t.Helper()
	p, err := NewProblem(ProblemInput{
		Depot: Node{ID: 0, X: 50, Y: 50, Due: 1000},
		Clients: []Node{
			{ID: 1, X: 40, Y: 40, Demand: 10, Ready: 100, Due: 200, Service: 10},
			{ID: 2, X: 60, Y: 60, Demand: 20, Ready: 0, Due: 150, Service: 15},
			{ID: 3, X: 40, Y: 60, Demand: 15, Ready: 300, Due: 400, Service: 10},
			{ID: 4, X: 60, Y: 40, Demand: 20, Ready: 100, Due: 180, Service: 10},
			{ID: 5, X: 70, Y: 50, Demand: 10, Ready: 50, Due: 100, Service: 20},
		},
		Capacity: 50,
		Alpha:    100,
		Beta:     2,
		Pairs:    [][2]int{{2, 4}},
	})
	require.NoError(t, err)
	return p
}

// randomProblem builds n clients in a 100x100 square with wide windows so
// every client is servable alone, plus a few incompatible pairs.
func randomProblem(t *testing.T, seed int64, n int) *Problem {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	in := ProblemInput{
		Depot:    Node{ID: 0, X: 50, Y: 50, Due: 2000},
		Capacity: 60,
		Alpha:    100,
		Beta:     0.5,
	}
	for id := 1; id <= n; id++ {
		ready := rng.Float64() * 300
		in.Clients = append(in.Clients, Node{
			ID:      id,
			X:       rng.Float64() * 100,
			Y:       rng.Float64() * 100,
			Demand:  float64(5 + rng.Intn(15)),
			Ready:   ready,
			Due:     ready + 250 + rng.Float64()*200,
			Service: 5,
		})
	}
	for k := 0; k < n/5; k++ {
		a, b := 1+rng.Intn(n), 1+rng.Intn(n)
		if a != b {
			in.Pairs = append(in.Pairs, [2]int{a, b})
		}
	}
	p, err := NewProblem(in)
	require.NoError(t, err)
	return p
}

func testConfig(seed int64) Config {
	cfg := DefaultConfig()
	cfg.PopulationSize = 12
	cfg.Generations = 15
	cfg.EliteSize = 2
	cfg.Seed = seed
	return cfg
}

// requireRoutesFeasible checks every route of ind against the raw constraints.
func requireRoutesFeasible(t *testing.T, p *Problem, ind *Individual) {
	t.Helper()
	for _, r := range ind.Routes {
		require.NotEmpty(t, r)
		load := 0.0
		for i, c := range r {
			load += p.Clients[c].Demand
			for _, o := range r[i+1:] {
				require.False(t, p.Incompatible(c, o), "clients %d and %d share a route", c, o)
			}
		}
		require.LessOrEqual(t, load, p.Capacity)
	}
}
