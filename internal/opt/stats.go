package opt

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// GenerationStats describes the population after one generation.
// Best, Mean and StdDev are zero when Feasible is zero.
type GenerationStats struct {
	Generation int     `json:"generation"`
	Best       float64 `json:"best"`
	BestEver   float64 `json:"bestEver"`
	Mean       float64 `json:"mean"`
	StdDev     float64 `json:"stdDev"`
	Feasible   int     `json:"feasible"`
	Size       int     `json:"size"`
	Dropped    int     `json:"dropped"`
}

// populationStats summarizes the finite fitness values of pop. Mean and
// StdDev are zero when fewer than one (resp. two) members are feasible.
func populationStats(gen int, pop []*Individual, bestEver float64, dropped int) GenerationStats {
	st := GenerationStats{Generation: gen, BestEver: bestEver, Size: len(pop), Dropped: dropped, Best: math.Inf(1)}
	xs := make([]float64, 0, len(pop))
	for _, ind := range pop {
		if !ind.Feasible() {
			continue
		}
		xs = append(xs, ind.Fitness)
		if ind.Fitness < st.Best {
			st.Best = ind.Fitness
		}
	}
	st.Feasible = len(xs)
	switch len(xs) {
	case 0:
		st.Best = 0
	case 1:
		st.Mean = xs[0]
	default:
		st.Mean, st.StdDev = stat.MeanStdDev(xs, nil)
	}
	return st
}

// Summary aggregates the best fitness of several runs.
type Summary struct {
	Runs   int     `json:"runs"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stdDev"`
	Median float64 `json:"median"`
}

// Summarize computes order statistics over finite values; infinite values are ignored.
func Summarize(values []float64) Summary {
	xs := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsInf(v, 0) && !math.IsNaN(v) {
			xs = append(xs, v)
		}
	}
	s := Summary{Runs: len(xs)}
	if len(xs) == 0 {
		return s
	}
	sort.Float64s(xs)
	s.Min, s.Max = xs[0], xs[len(xs)-1]
	s.Median = stat.Quantile(0.5, stat.Empirical, xs, nil)
	if len(xs) == 1 {
		s.Mean = xs[0]
		return s
	}
	s.Mean, s.StdDev = stat.MeanStdDev(xs, nil)
	return s
}
