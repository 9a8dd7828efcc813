package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"vrptwc/internal/instance"
	"vrptwc/internal/metrics"
	"vrptwc/internal/model"
	"vrptwc/internal/opt"
)

var errQueueFull = errors.New("run queue full")

// maxBatchParallelism caps the engines one multi-seed run evolves at once.
const maxBatchParallelism = 4

type job struct {
	run model.Run
	doc []byte
}

// runner executes queued runs on a fixed number of workers.
type runner struct {
	s     *Server
	queue chan job
	wp    *pool.Pool

	mu     sync.Mutex
	closed bool
}

func newRunner(s *Server, workers, depth int) *runner {
	if workers < 1 {
		workers = 1
	}
	r := &runner{s: s, queue: make(chan job, depth), wp: pool.New().WithMaxGoroutines(workers)}
	for i := 0; i < workers; i++ {
		r.wp.Go(func() {
			for j := range r.queue {
				r.execute(context.Background(), j)
			}
		})
	}
	return r
}

func (r *runner) submit(j job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errQueueFull
	}
	select {
	case r.queue <- j:
		return nil
	default:
		return errQueueFull
	}
}

func (r *runner) close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	done := make(chan struct{})
	go func() {
		r.wp.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *runner) execute(ctx context.Context, j job) {
	s := r.s
	run := j.run
	entry := log.WithFields(log.Fields{"run_id": run.ID, "tenant": run.TenantID, "instance_id": run.InstanceID})
	if err := s.Store.StartRun(ctx, run.TenantID, run.ID); err != nil {
		entry.WithError(err).Warn("start run")
		return
	}
	metrics.SolverActiveRuns.Inc()
	defer metrics.SolverActiveRuns.Dec()
	s.Broker.Publish(run.ID, SSEEvent{Type: EventRunStarted, Data: map[string]any{"runId": run.ID}})

	start := time.Now()
	fin, err := solveRun(ctx, run, j.doc, func(runIdx int, st opt.GenerationStats) {
		metrics.SolverGenerations.Inc()
		s.Broker.Publish(run.ID, SSEEvent{Type: EventGeneration, Data: generationData(run.ID, runIdx, st)})
		if st.Generation%10 == 0 {
			entry.WithFields(log.Fields{"run": runIdx, "generation": st.Generation, "best": st.BestEver, "dropped": st.Dropped}).Debug("progress")
		}
	})
	metrics.SolverDuration.Observe(time.Since(start).Seconds())
	event := model.EventRunCompleted
	data := map[string]any{"runId": run.ID, "instanceId": run.InstanceID}
	if err != nil {
		event = model.EventRunFailed
		fin = model.RunFinish{Status: model.RunFailed, Error: err.Error()}
		data["error"] = err.Error()
		entry.WithError(err).Warn("run failed")
	} else {
		data["fitness"] = fin.Result.Report.Total
		data["vehicles"] = fin.Result.Report.Vehicles
		metrics.SolverBestFitness.WithLabelValues(run.InstanceID).Set(fin.Result.Report.Total)
		opt.RecordMetrics(run.TenantID, run.ID, *fin.Metrics)
		entry.WithFields(log.Fields{"fitness": fin.Result.Report.Total, "vehicles": fin.Result.Report.Vehicles, "elapsed": time.Since(start)}).Info("run completed")
	}
	metrics.SolverRuns.WithLabelValues(fin.Status).Inc()
	if err := s.Store.FinishRun(ctx, run.TenantID, run.ID, fin); err != nil {
		entry.WithError(err).Warn("finish run")
	}
	s.Broker.Publish(run.ID, SSEEvent{Type: event, Data: data})
	if _, err := s.Pub.Emit(ctx, run.TenantID, event, data); err != nil {
		entry.WithError(err).Warn("emit webhook")
	}
}

// solveRun decodes the instance document and evolves it with the run's
// parameters. Several runs go through a batch and keep the best.
func solveRun(ctx context.Context, run model.Run, doc []byte, observe opt.BatchObserver) (model.RunFinish, error) {
	in, err := instance.DecodeJSON(bytes.NewReader(doc))
	if err != nil {
		return model.RunFinish{}, err
	}
	p, err := in.Problem(run.Params.Alpha, run.Params.Beta)
	if err != nil {
		return model.RunFinish{}, err
	}
	var (
		best    *opt.Individual
		m       opt.Metrics
		summary *opt.Summary
	)
	if run.Runs <= 1 {
		e, err := opt.NewEngine(p, run.Params.Config, nil)
		if err != nil {
			return model.RunFinish{}, err
		}
		e.OnGeneration(func(st opt.GenerationStats) { observe(0, st) })
		if best, m, err = e.Run(); err != nil {
			return model.RunFinish{}, err
		}
	} else {
		res, err := opt.RunBatch(ctx, p, run.Params.Config, run.Runs, min(run.Runs, maxBatchParallelism), observe)
		if err != nil {
			return model.RunFinish{}, err
		}
		best, m = res.Best, res.Runs[res.BestRun].Metrics
		summary = &res.Summary
	}
	if !best.Feasible() {
		return model.RunFinish{}, fmt.Errorf("best solution infeasible: %s", best.Violation)
	}
	name := in.Name
	if name == "" {
		name = run.InstanceID
	}
	comp := opt.VerifyCompleteness(p, best)
	status := "feasible"
	if !comp.OK() {
		status = "incomplete"
	}
	return model.RunFinish{
		Status: model.RunCompleted,
		Result: &model.RunResult{
			Routes:   best.Routes,
			Report:   instance.NewReport(name, p, best, status),
			Complete: comp.OK(),
		},
		Metrics: &m,
		Summary: summary,
	}, nil
}

// generationData is the payload of a generation event. best, mean and stdDev
// are null while no member of the population is feasible.
func generationData(runID string, runIdx int, st opt.GenerationStats) map[string]any {
	var best, mean, stdDev, bestEver any
	if st.Feasible > 0 {
		best, mean, stdDev = st.Best, st.Mean, st.StdDev
	}
	if !math.IsInf(st.BestEver, 0) {
		bestEver = st.BestEver
	}
	return map[string]any{
		"runId":      runID,
		"run":        runIdx,
		"generation": st.Generation,
		"best":       best,
		"bestEver":   bestEver,
		"mean":       mean,
		"stdDev":     stdDev,
		"feasible":   st.Feasible,
		"dropped":    st.Dropped,
	}
}
