// Package config loads solver parameters from YAML and service settings from
// the environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	yaml "gopkg.in/yaml.v3"

	"vrptwc/internal/opt"
)

// Solver is the full parameter set of a run: cost coefficients plus the
// evolution parameters.
type Solver struct {
	Alpha      float64 `json:"alpha" yaml:"alpha"`
	Beta       float64 `json:"beta" yaml:"beta"`
	opt.Config `yaml:",inline"`
}

// Default returns alpha 100, beta 2 and opt.DefaultConfig.
func Default() Solver {
	return Solver{Alpha: 100, Beta: 2, Config: opt.DefaultConfig()}
}

// Validate checks the coefficients and the evolution parameters.
func (s Solver) Validate() error {
	if s.Alpha < 0 || s.Beta < 0 {
		return fmt.Errorf("alpha %g and beta %g must be >= 0: %w", s.Alpha, s.Beta, opt.ErrInvalidConfig)
	}
	return s.Config.Validate()
}

// Decode reads YAML over the defaults. Unknown keys are rejected.
func Decode(r io.Reader) (Solver, error) {
	s := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return Solver{}, fmt.Errorf("decode solver config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Solver{}, fmt.Errorf("decode solver config: %w", err)
	}
	return s, nil
}

// Load reads a YAML file; an empty path yields the defaults.
func Load(path string) (Solver, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Solver{}, fmt.Errorf("load solver config: %w", err)
	}
	return Decode(bytes.NewReader(b))
}

// Encode writes s as YAML.
func Encode(w io.Writer, s Solver) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("encode solver config: %w", err)
	}
	return enc.Close()
}

// Overrides is a partial Solver; nil fields keep the base value.
type Overrides struct {
	Alpha          *float64                 `json:"alpha,omitempty" yaml:"alpha,omitempty"`
	Beta           *float64                 `json:"beta,omitempty" yaml:"beta,omitempty"`
	PopulationSize *int                     `json:"populationSize,omitempty" yaml:"population_size,omitempty"`
	Generations    *int                     `json:"generations,omitempty" yaml:"generations,omitempty"`
	CrossoverRate  *float64                 `json:"crossoverRate,omitempty" yaml:"crossover_rate,omitempty"`
	MutationRate   *float64                 `json:"mutationRate,omitempty" yaml:"mutation_rate,omitempty"`
	EliteSize      *int                     `json:"eliteSize,omitempty" yaml:"elite_size,omitempty"`
	TournamentSize *int                     `json:"tournamentSize,omitempty" yaml:"tournament_size,omitempty"`
	Seed           *int64                   `json:"seed,omitempty" yaml:"seed,omitempty"`
	Construction   *opt.ConstructionOptions `json:"construction,omitempty" yaml:"construction,omitempty"`
}

// Apply returns base with every set override replaced.
func (o Overrides) Apply(base Solver) Solver {
	s := base
	if o.Alpha != nil {
		s.Alpha = *o.Alpha
	}
	if o.Beta != nil {
		s.Beta = *o.Beta
	}
	if o.PopulationSize != nil {
		s.PopulationSize = *o.PopulationSize
	}
	if o.Generations != nil {
		s.Generations = *o.Generations
	}
	if o.CrossoverRate != nil {
		s.CrossoverRate = *o.CrossoverRate
	}
	if o.MutationRate != nil {
		s.MutationRate = *o.MutationRate
	}
	if o.EliteSize != nil {
		s.EliteSize = *o.EliteSize
	}
	if o.TournamentSize != nil {
		s.TournamentSize = *o.TournamentSize
	}
	if o.Seed != nil {
		s.Seed = *o.Seed
	}
	if o.Construction != nil {
		s.Construction = *o.Construction
	}
	return s
}

// Service holds the process settings of the API binary.
type Service struct {
	Port               string
	DatabaseURL        string
	RedisURL           string
	SolveRateRPS       float64
	SolveRateBurst     int
	WebhookMaxAttempts int
	LogLevel           string
	SolverConfigPath   string
	MaxParallelRuns    int
}

// FromEnv reads Service from getenv, falling back to defaults for unset or
// malformed values.
func FromEnv(getenv func(string) string) Service {
	str := func(key, fallback string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return fallback
	}
	num := func(key string, fallback int) int {
		if n, err := strconv.Atoi(str(key, "")); err == nil && n > 0 {
			return n
		}
		return fallback
	}
	rps := 2.0
	if f, err := strconv.ParseFloat(str("SOLVE_RATE_RPS", ""), 64); err == nil && f > 0 {
		rps = f
	}
	return Service{
		Port:               str("PORT", "8080"),
		DatabaseURL:        str("DATABASE_URL", ""),
		RedisURL:           str("REDIS_URL", ""),
		SolveRateRPS:       rps,
		SolveRateBurst:     num("SOLVE_RATE_BURST", 4),
		WebhookMaxAttempts: num("WEBHOOK_MAX_ATTEMPTS", 8),
		LogLevel:           str("LOG_LEVEL", "info"),
		SolverConfigPath:   str("SOLVER_CONFIG", ""),
		MaxParallelRuns:    num("MAX_PARALLEL_RUNS", 2),
	}
}
