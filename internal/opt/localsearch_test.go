package opt

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTwoOptUncrossesRoute(t *testing.T) {
	// Square corners visited in crossing order; no windows bind.
	p, err := NewProblem(ProblemInput{
		Depot:    Node{ID: 0, X: 0, Y: 0, Due: 1000},
		Capacity: 100,
		Clients: []Node{
			{ID: 1, X: 0, Y: 10, Due: 1000},
			{ID: 2, X: 10, Y: 10, Due: 1000},
			{ID: 3, X: 10, Y: 0, Due: 1000},
		},
	})
	require.NoError(t, err)

	in := []int{2, 1, 3}
	out, moves := twoOptRoute(p, in)
	require.Equal(t, []int{2, 1, 3}, in, "input must not be modified")
	require.Positive(t, moves)
	require.InDelta(t, 40.0, p.RouteCost(out), 1e-9)
	require.Less(t, p.RouteCost(out), p.RouteCost(in))
}

func TestTwoOptLeavesInfeasibleRoute(t *testing.T) {
	p := toyProblem(t)
	out, moves := twoOptRoute(p, []int{2, 4})
	require.Zero(t, moves)
	require.Equal(t, []int{2, 4}, out)
}

func TestRelocateMergesSingletonRoutes(t *testing.T) {
	p, err := NewProblem(ProblemInput{
		Depot:    Node{ID: 0, X: 0, Y: 0, Due: 1000},
		Capacity: 100,
		Alpha:    100,
		Clients: []Node{
			{ID: 1, X: 10, Y: 0, Due: 1000},
			{ID: 2, X: 11, Y: 0, Due: 1000},
		},
	})
	require.NoError(t, err)

	ind := NewIndividual([][]int{{1}, {2}})
	before := ind.Evaluate(p)
	require.True(t, relocate(p, ind, rand.New(rand.NewSource(1))))
	require.Len(t, ind.Routes, 1)
	require.Less(t, ind.Evaluate(p), before)
}

func TestExchangeKeepsClients(t *testing.T) {
	p := randomProblem(t, 11, 30)
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 20; i++ {
		ind := Construct(p, rng, ConstructionOptions{RandomTieBreak: true, Noise: 1})
		before := ind.Fitness
		if exchange(p, ind, rng) {
			require.Less(t, ind.Evaluate(p), before)
		}
		require.True(t, VerifyCompleteness(p, ind).OK())
	}
}

func TestLocalSearchMonotone(t *testing.T) {
	p := randomProblem(t, 21, 40)
	rng := rand.New(rand.NewSource(8))
	for i := 0; i < 25; i++ {
		ind := Construct(p, rng, ConstructionOptions{RandomTieBreak: true, Noise: 2})
		snapshot := ind.Clone()

		out, _ := LocalSearch(p, ind, rng)
		require.Equal(t, snapshot.Routes, ind.Routes, "input must not be modified")
		require.True(t, out.Feasible())
		require.LessOrEqual(t, out.Fitness, ind.Fitness+1e-9)
		require.True(t, VerifyCompleteness(p, out).OK())
		requireRoutesFeasible(t, p, out)
	}
}

func TestLocalSearchOnInfeasibleInput(t *testing.T) {
	p := toyProblem(t)
	ind := NewIndividual([][]int{{2, 4}, {5}, {1, 3}})
	ind.Evaluate(p)
	require.True(t, math.IsInf(ind.Fitness, 1))

	out, _ := LocalSearch(p, ind, rand.New(rand.NewSource(3)))
	require.LessOrEqual(t, out.Fitness, ind.Fitness)
	require.True(t, VerifyCompleteness(p, out).OK())
}
