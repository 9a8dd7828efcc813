package opt

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"
)

// Upper bounds accepted by Config.Validate.
const (
	MaxPopulationSize     = 100_000
	MaxGenerations        = 1_000_000
	MaxInitAttemptsFactor = 10_000
)

var (
	ErrInvalidConfig  = errors.New("invalid solver config")
	ErrInitialization = errors.New("population initialization failed")
)

// Config holds the evolution parameters.
type Config struct {
	PopulationSize int     `json:"populationSize" yaml:"population_size"`
	Generations    int     `json:"generations" yaml:"generations"`
	CrossoverRate  float64 `json:"crossoverRate" yaml:"crossover_rate"`
	MutationRate   float64 `json:"mutationRate" yaml:"mutation_rate"`
	EliteSize      int     `json:"eliteSize" yaml:"elite_size"`
	TournamentSize int     `json:"tournamentSize" yaml:"tournament_size"`
	// Seed 0 picks a time based seed; the one used is reported in Metrics.Seed.
	Seed int64 `json:"seed" yaml:"seed"`
	// InitAttemptsFactor bounds population initialization to
	// PopulationSize*InitAttemptsFactor constructions.
	InitAttemptsFactor int                 `json:"initAttemptsFactor" yaml:"init_attempts_factor"`
	Construction       ConstructionOptions `json:"construction" yaml:"construction"`
}

// DefaultConfig returns the stock parameter set.
func DefaultConfig() Config {
	return Config{
		PopulationSize:     50,
		Generations:        100,
		CrossoverRate:      0.8,
		MutationRate:       0.2,
		EliteSize:          5,
		TournamentSize:     3,
		InitAttemptsFactor: 200,
		Construction:       ConstructionOptions{RandomTieBreak: true},
	}
}

// Validate reports the first parameter out of range.
func (c Config) Validate() error {
	switch {
	case c.PopulationSize < 1 || c.PopulationSize > MaxPopulationSize:
		return fmt.Errorf("population size %d must be in [1,%d]: %w", c.PopulationSize, MaxPopulationSize, ErrInvalidConfig)
	case c.Generations < 0 || c.Generations > MaxGenerations:
		return fmt.Errorf("generations %d must be in [0,%d]: %w", c.Generations, MaxGenerations, ErrInvalidConfig)
	case c.CrossoverRate < 0 || c.CrossoverRate > 1:
		return fmt.Errorf("crossover rate %g must be in [0,1]: %w", c.CrossoverRate, ErrInvalidConfig)
	case c.MutationRate < 0 || c.MutationRate > 1:
		return fmt.Errorf("mutation rate %g must be in [0,1]: %w", c.MutationRate, ErrInvalidConfig)
	case c.EliteSize < 0 || c.EliteSize > c.PopulationSize:
		return fmt.Errorf("elite size %d must be in [0,%d]: %w", c.EliteSize, c.PopulationSize, ErrInvalidConfig)
	case c.TournamentSize < 1:
		return fmt.Errorf("tournament size %d must be >= 1: %w", c.TournamentSize, ErrInvalidConfig)
	case c.InitAttemptsFactor < 1 || c.InitAttemptsFactor > MaxInitAttemptsFactor:
		return fmt.Errorf("init attempts factor %d must be in [1,%d]: %w", c.InitAttemptsFactor, MaxInitAttemptsFactor, ErrInvalidConfig)
	case c.Construction.Noise < 0:
		return fmt.Errorf("construction noise %g must be >= 0: %w", c.Construction.Noise, ErrInvalidConfig)
	}
	return nil
}

// MutationCounts tallies applied mutation variants.
type MutationCounts struct {
	Destroy  int `json:"destroy"`
	Exchange int `json:"exchange"`
	Swap     int `json:"swap"`
}

// Metrics summarizes one engine run.
type Metrics struct {
	Seed                int64             `json:"seed"`
	Generations         int               `json:"generations"`
	InitAttempts        int               `json:"initAttempts"`
	InitialPopulation   int               `json:"initialPopulation"`
	Evaluations         int               `json:"evaluations"`
	InfeasibleOffspring int               `json:"infeasibleOffspring"`
	Crossovers          int               `json:"crossovers"`
	Clones              int               `json:"clones"`
	Mutations           MutationCounts    `json:"mutations"`
	Moves               MoveCounts        `json:"moves"`
	DroppedClients      int               `json:"droppedClients"`
	Improvements        int               `json:"improvements"`
	InitialBest         float64           `json:"initialBest"`
	BestFitness         float64           `json:"bestFitness"`
	Elapsed             time.Duration     `json:"elapsed"`
	History             []GenerationStats `json:"history,omitempty"`
}

// State is the lifecycle stage of an Engine.
type State int

const (
	StateUninitialized State = iota
	StatePopulationReady
	StateEvolving
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StatePopulationReady:
		return "population_ready"
	case StateEvolving:
		return "evolving"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// Observer receives the statistics of each generation, generation 0 being the
// initial population. It runs on the engine goroutine and must not block.
type Observer func(GenerationStats)

// Engine runs the memetic search on one Problem. It is not safe for
// concurrent use; run independent engines for parallelism.
type Engine struct {
	p        *Problem
	cfg      Config
	rng      *rand.Rand
	observer Observer

	state   State
	pop     []*Individual
	best    *Individual
	metrics Metrics
}

// NewEngine validates cfg and prepares an engine. A nil rng is seeded from cfg.Seed.
func NewEngine(p *Problem, cfg Config, rng *rand.Rand) (*Engine, error) {
	if p == nil {
		return nil, fmt.Errorf("new engine: nil problem: %w", ErrInvalidProblem)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("new engine: %w", err)
	}
	if rng == nil {
		if cfg.Seed == 0 {
			cfg.Seed = time.Now().UnixNano()
		}
		rng = rand.New(rand.NewSource(cfg.Seed))
	}
	e := &Engine{p: p, cfg: cfg, rng: rng}
	e.metrics.Seed = cfg.Seed
	return e, nil
}

// OnGeneration installs an observer. Call before Run.
func (e *Engine) OnGeneration(fn Observer) { e.observer = fn }

// State returns the current lifecycle stage.
func (e *Engine) State() State { return e.state }

// Best returns a copy of the best individual seen so far, or nil before initialization.
func (e *Engine) Best() *Individual {
	if e.best == nil {
		return nil
	}
	return e.best.Clone()
}

// Initialize builds the starting population from repeated constructions,
// keeping feasible ones that serve every client. It fails when some client
// cannot be served at all or no construction qualifies within the budget.
func (e *Engine) Initialize() error {
	if e.state != StateUninitialized {
		return nil
	}
	if bad := unservable(e.p); len(bad) > 0 {
		return fmt.Errorf("initialize: clients %v cannot be served even alone: %w", bad, ErrInitialization)
	}
	budget := initBudget(e.cfg.PopulationSize, e.cfg.InitAttemptsFactor)
	for e.metrics.InitAttempts < budget && len(e.pop) < e.cfg.PopulationSize {
		ind := Construct(e.p, e.rng, e.cfg.Construction)
		e.metrics.InitAttempts++
		e.metrics.Evaluations++
		if ind.Feasible() && len(ind.Dropped) == 0 {
			e.pop = append(e.pop, ind)
		}
	}
	if len(e.pop) == 0 {
		return fmt.Errorf("initialize: no feasible individual in %d attempts: %w", budget, ErrInitialization)
	}
	e.metrics.InitialPopulation = len(e.pop)
	e.best = bestOf(e.pop).Clone()
	e.metrics.InitialBest = e.best.Fitness
	e.metrics.BestFitness = e.best.Fitness
	e.state = StatePopulationReady
	e.record(0, 0)
	return nil
}

// initBudget is size*factor, saturating at math.MaxInt.
func initBudget(size, factor int) int {
	if size <= 0 || factor <= 0 {
		return 0
	}
	if size > math.MaxInt/factor {
		return math.MaxInt
	}
	return size * factor
}

// unservable lists clients whose single-client route breaks a constraint.
func unservable(p *Problem) []int {
	var out []int
	for _, id := range p.ClientIDs() {
		if math.IsInf(p.RouteCost([]int{id}), 1) {
			out = append(out, id)
		}
	}
	return out
}

// Run initializes when needed, evolves for the configured number of
// generations and returns the best individual found.
// Elapsed covers the first call that reached the terminal state, or the
// failed initialization.
func (e *Engine) Run() (*Individual, Metrics, error) {
	start := time.Now()
	if err := e.Initialize(); err != nil {
		e.metrics.Elapsed = time.Since(start)
		return nil, e.Metrics(), err
	}
	if e.state == StateTerminated {
		return e.Best(), e.Metrics(), nil
	}
	e.state = StateEvolving
	for g := 1; g <= e.cfg.Generations; g++ {
		e.step(g)
	}
	e.state = StateTerminated
	e.metrics.Elapsed = time.Since(start)
	return e.Best(), e.Metrics(), nil
}

// Metrics returns a copy of the counters collected so far.
func (e *Engine) Metrics() Metrics {
	m := e.metrics
	m.History = append([]GenerationStats(nil), e.metrics.History...)
	return m
}

func (e *Engine) step(gen int) {
	sort.SliceStable(e.pop, func(i, j int) bool { return e.pop[i].Fitness < e.pop[j].Fitness })
	elite := e.cfg.EliteSize
	if elite > len(e.pop) {
		elite = len(e.pop)
	}
	next := make([]*Individual, 0, e.cfg.PopulationSize)
	next = append(next, e.pop[:elite]...)
	dropped := 0
	for len(next) < e.cfg.PopulationSize {
		child, d := e.offspring()
		dropped += d
		next = append(next, child)
	}
	e.pop = next
	if cand := bestOf(e.pop); cand != nil && cand.Fitness < e.best.Fitness {
		e.best = cand.Clone()
		e.metrics.Improvements++
		e.metrics.BestFitness = e.best.Fitness
	}
	e.metrics.Generations = gen
	e.metrics.DroppedClients += dropped
	e.record(gen, dropped)
}

// offspring produces one evaluated child and the number of clients its
// operators newly dropped.
func (e *Engine) offspring() (*Individual, int) {
	k := e.cfg.TournamentSize
	p1 := Tournament(e.pop, k, e.rng)
	var child *Individual
	dropped := 0
	if e.rng.Float64() < e.cfg.CrossoverRate {
		p2 := Tournament(e.pop, k, e.rng)
		child = Crossover(e.p, p1, p2, e.rng, e.cfg.Construction)
		dropped = len(child.Dropped)
		e.metrics.Crossovers++
	} else {
		child = p1.Clone()
		e.metrics.Clones++
	}
	if e.rng.Float64() < e.cfg.MutationRate {
		before := len(child.Dropped)
		var kind MutationKind
		child, kind = Mutate(e.p, child, e.rng, e.cfg.Construction)
		dropped += len(child.Dropped) - before
		switch kind {
		case MutationDestroy:
			e.metrics.Mutations.Destroy++
		case MutationExchange:
			e.metrics.Mutations.Exchange++
		case MutationSwap:
			e.metrics.Mutations.Swap++
		}
	}
	child, moves := LocalSearch(e.p, child, e.rng)
	e.metrics.Moves.add(moves)
	e.metrics.Evaluations++
	if !child.Feasible() {
		e.metrics.InfeasibleOffspring++
	}
	return child, dropped
}

func (e *Engine) record(gen, dropped int) {
	st := populationStats(gen, e.pop, e.best.Fitness, dropped)
	e.metrics.History = append(e.metrics.History, st)
	if e.observer != nil {
		e.observer(st)
	}
}

// Solve runs one engine seeded from cfg.Seed and returns the best individual.
func Solve(p *Problem, cfg Config) (*Individual, Metrics, error) {
	e, err := NewEngine(p, cfg, nil)
	if err != nil {
		return nil, Metrics{}, err
	}
	return e.Run()
}
