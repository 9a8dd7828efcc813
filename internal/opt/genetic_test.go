package opt

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func withFitness(values ...float64) []*Individual {
	pop := make([]*Individual, len(values))
	for i, v := range values {
		pop[i] = &Individual{Fitness: v}
	}
	return pop
}

func TestTournamentSmallPopulationReturnsBest(t *testing.T) {
	pop := withFitness(9, 3)
	require.Same(t, pop[1], Tournament(pop, 3, rand.New(rand.NewSource(1))))
	require.Nil(t, Tournament(nil, 3, nil))
}

func TestTournamentFullSampleReturnsBest(t *testing.T) {
	pop := withFitness(5, 4, 7)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 10; i++ {
		require.Same(t, pop[1], Tournament(pop, 3, rng))
	}
}

func TestTournamentNeverPicksWorst(t *testing.T) {
	pop := withFitness(1, 2, 3, 4, 5, 6)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		w := Tournament(pop, 3, rng)
		require.LessOrEqual(t, w.Fitness, 4.0, "k=3 without replacement cannot select the two worst")
	}
}

func TestCrossoverCompleteAndParentsUntouched(t *testing.T) {
	p := randomProblem(t, 31, 35)
	rng := rand.New(rand.NewSource(5))
	opts := ConstructionOptions{RandomTieBreak: true, Noise: 1}
	for i := 0; i < 15; i++ {
		a := Construct(p, rng, opts)
		b := Construct(p, rng, opts)
		ac, bc := a.Clone(), b.Clone()

		child := Crossover(p, a, b, rng, opts)
		child.Evaluate(p)

		require.Equal(t, ac.Routes, a.Routes)
		require.Equal(t, bc.Routes, b.Routes)
		require.True(t, child.Feasible())
		require.Empty(t, child.Dropped)
		require.True(t, VerifyCompleteness(p, child).OK())
		requireRoutesFeasible(t, p, child)
	}
}

func TestCrossoverSkipsInfeasibleRoutes(t *testing.T) {
	p := toyProblem(t)
	a := NewIndividual([][]int{{2, 4}, {5}, {1, 3}})
	b := NewIndividual([][]int{{2, 4, 1}, {3, 5}})
	child := Crossover(p, a, b, nil, ConstructionOptions{})
	child.Evaluate(p)

	require.True(t, child.Feasible())
	require.True(t, VerifyCompleteness(p, child).OK())
	requireRoutesFeasible(t, p, child)
}

func TestCrossoverRecordsDroppedClients(t *testing.T) {
	p, err := NewProblem(ProblemInput{
		Depot:    Node{ID: 0, Due: 1000},
		Capacity: 10,
		Clients: []Node{
			{ID: 1, X: 1, Demand: 1, Due: 100},
			{ID: 2, X: 50, Demand: 1, Due: 5},
		},
	})
	require.NoError(t, err)
	child := Crossover(p, NewIndividual([][]int{{1}}), NewIndividual(nil), nil, ConstructionOptions{})
	require.Equal(t, []int{2}, child.Dropped)
	require.Equal(t, [][]int{{1}}, child.Routes)
}

func TestMutateVariants(t *testing.T) {
	p := randomProblem(t, 41, 30)
	rng := rand.New(rand.NewSource(6))
	seen := map[MutationKind]int{}
	for i := 0; i < 200; i++ {
		ind := Construct(p, rng, ConstructionOptions{RandomTieBreak: true, Noise: 1})
		snapshot := ind.Clone()
		out, kind := Mutate(p, ind, rng, ConstructionOptions{})
		seen[kind]++

		require.Equal(t, snapshot.Routes, ind.Routes)
		require.Equal(t, snapshot.Fitness, ind.Fitness)
		require.True(t, VerifyCompleteness(p, out).OK(), kind.String())
	}
	require.Len(t, seen, 3)
	require.Greater(t, seen[MutationExchange], seen[MutationSwap])
}

func TestDestroyRouteRemovesSmallest(t *testing.T) {
	p := toyProblem(t)
	ind := NewIndividual([][]int{{5, 2}, {4, 1}, {3}})
	out := destroyRoute(p, ind, nil, ConstructionOptions{})
	out.Evaluate(p)

	require.True(t, VerifyCompleteness(p, out).OK())
	require.True(t, out.Feasible())
	for _, r := range out.Routes {
		require.NotEqual(t, []int{3}, r)
	}
}

func TestMutationsNeedTwoRoutes(t *testing.T) {
	p := toyProblem(t)
	ind := NewIndividual([][]int{{5, 1, 3}})
	rng := rand.New(rand.NewSource(1))
	require.Equal(t, ind.Routes, destroyRoute(p, ind, rng, ConstructionOptions{}).Routes)
	require.Equal(t, ind.Routes, exchangeClients(ind, rng).Routes)
}
