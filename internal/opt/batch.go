package opt

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sourcegraph/conc/pool"
)

// RunResult is the outcome of one engine inside a batch.
type RunResult struct {
	Run     int         `json:"run"`
	Best    *Individual `json:"-"`
	Metrics Metrics     `json:"metrics"`
}

// BatchResult collects a multi-seed batch ordered by run index.
type BatchResult struct {
	Runs    []RunResult `json:"runs"`
	Best    *Individual `json:"-"`
	BestRun int         `json:"bestRun"`
	Summary Summary     `json:"summary"`
}

// BatchObserver receives per-generation stats tagged with the run index.
// It is called from several goroutines.
type BatchObserver func(run int, st GenerationStats)

// deriveSeed mixes a base seed and a run index with the SplitMix64 finalizer.
func deriveSeed(base int64, run uint64) int64 {
	x := uint64(base) ^ (run + 0x9e3779b97f4a7c15)
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	x ^= x >> 31
	return int64(x)
}

// RunBatch runs independent engines on p, each with a seed derived from
// cfg.Seed and its run index, at most parallelism at a time. The Problem is
// shared read-only. Runs not yet started when ctx is done are skipped and the
// context error is returned.
func RunBatch(ctx context.Context, p *Problem, cfg Config, runs, parallelism int, observe BatchObserver) (BatchResult, error) {
	if runs < 1 {
		return BatchResult{}, fmt.Errorf("run batch: runs %d must be >= 1: %w", runs, ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return BatchResult{}, fmt.Errorf("run batch: %w", err)
	}
	if parallelism < 1 {
		parallelism = 1
	}
	base := cfg.Seed
	if base == 0 {
		base = time.Now().UnixNano()
	}
	wp := pool.NewWithResults[RunResult]().WithContext(ctx).WithMaxGoroutines(parallelism)
	for i := 0; i < runs; i++ {
		run := i
		wp.Go(func(ctx context.Context) (RunResult, error) {
			if err := ctx.Err(); err != nil {
				return RunResult{}, err
			}
			rc := cfg
			rc.Seed = deriveSeed(base, uint64(run))
			e, err := NewEngine(p, rc, nil)
			if err != nil {
				return RunResult{}, err
			}
			if observe != nil {
				e.OnGeneration(func(st GenerationStats) { observe(run, st) })
			}
			best, m, err := e.Run()
			if err != nil {
				return RunResult{}, fmt.Errorf("run %d: %w", run, err)
			}
			return RunResult{Run: run, Best: best, Metrics: m}, nil
		})
	}
	results, err := wp.Wait()
	if err != nil {
		return BatchResult{}, fmt.Errorf("run batch: %w", err)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Run < results[j].Run })

	out := BatchResult{Runs: results, BestRun: -1}
	values := make([]float64, 0, len(results))
	bestFit := math.Inf(1)
	for _, r := range results {
		values = append(values, r.Best.Fitness)
		if out.Best == nil || r.Best.Fitness < bestFit {
			out.Best, out.BestRun, bestFit = r.Best, r.Run, r.Best.Fitness
		}
	}
	out.Summary = Summarize(values)
	return out, nil
}
