package opt

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	mutate := []func(*Config){
		func(c *Config) { c.PopulationSize = 0 },
		func(c *Config) { c.Generations = -1 },
		func(c *Config) { c.CrossoverRate = 1.5 },
		func(c *Config) { c.MutationRate = -0.1 },
		func(c *Config) { c.EliteSize = c.PopulationSize + 1 },
		func(c *Config) { c.TournamentSize = 0 },
		func(c *Config) { c.InitAttemptsFactor = 0 },
		func(c *Config) { c.Construction.Noise = -1 },
		func(c *Config) { c.PopulationSize = MaxPopulationSize + 1 },
		func(c *Config) { c.Generations = MaxGenerations + 1 },
		func(c *Config) { c.InitAttemptsFactor = MaxInitAttemptsFactor + 1 },
	}
	for i, m := range mutate {
		cfg := DefaultConfig()
		m(&cfg)
		require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig, "case %d", i)
	}
}

func TestSolveToy(t *testing.T) {
	p := toyProblem(t)
	best, m, err := Solve(p, testConfig(42))
	require.NoError(t, err)

	require.True(t, best.Feasible())
	require.True(t, VerifyCompleteness(p, best).OK())
	requireRoutesFeasible(t, p, best)
	require.Equal(t, best.Fitness, best.Clone().Evaluate(p))
	require.Equal(t, best.Fitness, m.BestFitness)
	require.LessOrEqual(t, m.BestFitness, m.InitialBest)
	require.Equal(t, 15, m.Generations)
	require.Len(t, m.History, 16)
	require.Equal(t, int64(42), m.Seed)
}

func TestSolveBestEverNonIncreasing(t *testing.T) {
	p := randomProblem(t, 77, 30)
	cfg := testConfig(7)
	cfg.Generations = 25

	e, err := NewEngine(p, cfg, nil)
	require.NoError(t, err)
	var seen []GenerationStats
	e.OnGeneration(func(st GenerationStats) { seen = append(seen, st) })
	require.Equal(t, StateUninitialized, e.State())

	best, m, err := e.Run()
	require.NoError(t, err)
	require.Equal(t, StateTerminated, e.State())
	require.Len(t, seen, cfg.Generations+1)
	for i := 1; i < len(seen); i++ {
		require.Equal(t, i, seen[i].Generation)
		require.LessOrEqual(t, seen[i].BestEver, seen[i-1].BestEver)
		require.LessOrEqual(t, seen[i].BestEver, seen[i].Best+1e-9)
		require.Equal(t, cfg.PopulationSize, seen[i].Size)
	}
	require.Equal(t, seen[len(seen)-1].BestEver, best.Fitness)
	require.Zero(t, m.DroppedClients)
	require.Equal(t, m.Crossovers+m.Clones, cfg.Generations*(cfg.PopulationSize-cfg.EliteSize))
	require.True(t, VerifyCompleteness(p, best).OK())
}

func TestSolveDeterministicForSeed(t *testing.T) {
	p := randomProblem(t, 12, 25)
	a, _, err := Solve(p, testConfig(99))
	require.NoError(t, err)
	b, _, err := Solve(p, testConfig(99))
	require.NoError(t, err)
	require.Equal(t, a.Routes, b.Routes)
	require.Equal(t, a.Fitness, b.Fitness)
}

func TestEngineReturnsIndependentBest(t *testing.T) {
	p := toyProblem(t)
	e, err := NewEngine(p, testConfig(3), rand.New(rand.NewSource(3)))
	require.NoError(t, err)
	require.Nil(t, e.Best())

	best, _, err := e.Run()
	require.NoError(t, err)
	best.Routes[0][0] = 999
	require.NotEqual(t, 999, e.Best().Routes[0][0])

	again, _, err := e.Run()
	require.NoError(t, err)
	require.Equal(t, e.Best().Fitness, again.Fitness)
}

func TestInitializationFailsOnUnservableClient(t *testing.T) {
	p, err := NewProblem(ProblemInput{
		Depot:    Node{ID: 0, Due: 1000},
		Capacity: 10,
		Clients: []Node{
			{ID: 1, X: 1, Demand: 1, Due: 100},
			{ID: 2, X: 80, Demand: 1, Due: 20},
		},
	})
	require.NoError(t, err)

	_, _, err = Solve(p, testConfig(1))
	require.ErrorIs(t, err, ErrInitialization)
}

func TestInitBudgetSaturates(t *testing.T) {
	require.Equal(t, 10_000, initBudget(50, 200))
	require.Equal(t, math.MaxInt, initBudget(math.MaxInt/2, 3))
	require.Zero(t, initBudget(0, 200))
}

func TestRunElapsed(t *testing.T) {
	p, err := NewProblem(ProblemInput{
		Depot:    Node{ID: 0, Due: 1000},
		Capacity: 10,
		Clients:  []Node{{ID: 1, X: 80, Demand: 1, Due: 20}},
	})
	require.NoError(t, err)
	e, err := NewEngine(p, testConfig(1), nil)
	require.NoError(t, err)
	_, m, err := e.Run()
	require.ErrorIs(t, err, ErrInitialization)
	require.NotZero(t, m.Elapsed)

	e, err = NewEngine(toyProblem(t), testConfig(2), nil)
	require.NoError(t, err)
	_, first, err := e.Run()
	require.NoError(t, err)
	require.NotZero(t, first.Elapsed)
	_, second, err := e.Run()
	require.NoError(t, err)
	require.Equal(t, first.Elapsed, second.Elapsed)
}

func TestNewEngineRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(1)
	cfg.EliteSize = -1
	_, err := NewEngine(toyProblem(t), cfg, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewEngine(nil, testConfig(1), nil)
	require.ErrorIs(t, err, ErrInvalidProblem)
}

func TestZeroGenerations(t *testing.T) {
	cfg := testConfig(5)
	cfg.Generations = 0
	best, m, err := Solve(toyProblem(t), cfg)
	require.NoError(t, err)
	require.Equal(t, m.InitialBest, best.Fitness)
	require.Len(t, m.History, 1)
}

func TestPopulationStats(t *testing.T) {
	pop := withFitness(2, 4, math.Inf(1), 6)
	st := populationStats(3, pop, 1.5, 2)
	require.Equal(t, 3, st.Generation)
	require.Equal(t, 3, st.Feasible)
	require.Equal(t, 4, st.Size)
	require.Equal(t, 2.0, st.Best)
	require.InDelta(t, 4.0, st.Mean, 1e-12)
	require.InDelta(t, 2.0, st.StdDev, 1e-12)
	require.Equal(t, 1.5, st.BestEver)

	empty := populationStats(0, withFitness(math.Inf(1)), 0, 0)
	require.Zero(t, empty.Best)
	require.Zero(t, empty.StdDev)
}

func TestSummarize(t *testing.T) {
	s := Summarize([]float64{3, 1, math.Inf(1), 2})
	require.Equal(t, 3, s.Runs)
	require.Equal(t, 1.0, s.Min)
	require.Equal(t, 3.0, s.Max)
	require.Equal(t, 2.0, s.Median)
	require.InDelta(t, 2.0, s.Mean, 1e-12)
	require.Zero(t, Summarize(nil).Runs)
}

func TestRunBatch(t *testing.T) {
	p := randomProblem(t, 55, 20)
	cfg := testConfig(1234)
	cfg.Generations = 5

	var calls = make(chan int, 64)
	res, err := RunBatch(context.Background(), p, cfg, 4, 2, func(run int, _ GenerationStats) {
		calls <- run
	})
	require.NoError(t, err)
	require.Len(t, res.Runs, 4)
	for i, r := range res.Runs {
		require.Equal(t, i, r.Run)
		require.True(t, VerifyCompleteness(p, r.Best).OK())
		require.GreaterOrEqual(t, r.Best.Fitness, res.Best.Fitness)
	}
	require.Equal(t, res.Runs[res.BestRun].Best, res.Best)
	require.Equal(t, 4, res.Summary.Runs)
	require.NotEqual(t, res.Runs[0].Metrics.Seed, res.Runs[1].Metrics.Seed)
	require.Len(t, calls, 4*(cfg.Generations+1))

	again, err := RunBatch(context.Background(), p, cfg, 4, 4, nil)
	require.NoError(t, err)
	for i := range res.Runs {
		require.Equal(t, res.Runs[i].Best.Fitness, again.Runs[i].Best.Fitness)
	}
}

func TestRunBatchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := RunBatch(ctx, toyProblem(t), testConfig(1), 3, 1, nil)
	require.ErrorIs(t, err, context.Canceled)

	_, err = RunBatch(context.Background(), toyProblem(t), testConfig(1), 0, 1, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestDeriveSeedSpreads(t *testing.T) {
	seen := map[int64]bool{}
	for i := uint64(0); i < 100; i++ {
		s := deriveSeed(1, i)
		require.False(t, seen[s])
		seen[s] = true
	}
	require.Equal(t, deriveSeed(5, 3), deriveSeed(5, 3))
}

func TestMetricsStore(t *testing.T) {
	RecordMetrics("t1", "run-a", Metrics{Generations: 3})
	RecordMetrics("t1", "run-b", Metrics{Generations: 4})
	RecordMetrics("t2", "run-a", Metrics{Generations: 5})

	m, ok := GetMetrics("t1", "run-a")
	require.True(t, ok)
	require.Equal(t, 3, m.Generations)
	require.Len(t, TenantMetrics("t1"), 2)

	ForgetMetrics("t1", "run-a")
	_, ok = GetMetrics("t1", "run-a")
	require.False(t, ok)
	_, ok = GetMetrics("t2", "run-a")
	require.True(t, ok)
}

func TestMetricsStoreEvictsOldest(t *testing.T) {
	total := MaxRecordedRuns + 44
	for i := 0; i < total; i++ {
		RecordMetrics("evict", fmt.Sprintf("run-%d", i), Metrics{Generations: i})
	}
	// re-recording does not grow the store
	RecordMetrics("evict", fmt.Sprintf("run-%d", total-1), Metrics{Generations: -1})
	require.Len(t, TenantMetrics("evict"), MaxRecordedRuns)

	_, ok := GetMetrics("evict", "run-0")
	require.False(t, ok)
	m, ok := GetMetrics("evict", fmt.Sprintf("run-%d", total-1))
	require.True(t, ok)
	require.Equal(t, -1, m.Generations)

	ForgetMetrics("evict", fmt.Sprintf("run-%d", total-1))
	RecordMetrics("evict", "late", Metrics{})
	_, ok = GetMetrics("evict", fmt.Sprintf("run-%d", total-MaxRecordedRuns))
	require.True(t, ok, "forgetting a run frees its slot")

	for i := 0; i < total; i++ {
		ForgetMetrics("evict", fmt.Sprintf("run-%d", i))
	}
	ForgetMetrics("evict", "late")
	require.Empty(t, TenantMetrics("evict"))
}
