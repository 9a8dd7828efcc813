package instance

import (
	"fmt"
	"math"
	"math/rand"

	"vrptwc/internal/opt"
)

// GenerateOptions shape a synthetic instance.
type GenerateOptions struct {
	Name     string
	Clients  int
	Seed     int64
	Size     float64 // side of the square holding depot and clients
	Capacity float64
	Horizon  float64 // depot closing time
	// Attributes draws temperature and access classes and explicit
	// incompatibility lists.
	Attributes bool
	// PairProbability is the chance that a client lists an earlier client as
	// incompatible. Used only with Attributes.
	PairProbability float64
}

// DefaultGenerateOptions returns a 100x100 square with attributes enabled.
func DefaultGenerateOptions(clients int, seed int64) GenerateOptions {
	return GenerateOptions{
		Clients:         clients,
		Seed:            seed,
		Size:            100,
		Capacity:        200,
		Horizon:         1000,
		Attributes:      true,
		PairProbability: 0.05,
	}
}

var (
	temperatureClasses = []string{"ambient", "frozen", "multi-temp"}
	accessClasses      = []string{"none", "tail_lift", "all"}
)

// Generate draws a reproducible instance. Every client is reachable from the
// depot within its window, so each one can always be served alone.
func Generate(o GenerateOptions) (*Instance, error) {
	if o.Clients < 1 {
		return nil, fmt.Errorf("generate: clients %d must be >= 1: %w", o.Clients, ErrInvalidInstance)
	}
	if o.Size <= 0 || o.Capacity <= 0 || o.Horizon <= 0 {
		return nil, fmt.Errorf("generate: size, capacity and horizon must be > 0: %w", ErrInvalidInstance)
	}
	rng := rand.New(rand.NewSource(o.Seed))
	name := o.Name
	if name == "" {
		name = fmt.Sprintf("synthetic-%d-%d", o.Clients, o.Seed)
	}
	center := o.Size / 2
	in := &Instance{
		Name:     name,
		Capacity: o.Capacity,
		Depot:    opt.Node{ID: opt.DepotID, X: center, Y: center, Due: o.Horizon},
	}
	if o.Attributes {
		in.Depot.Attrs = opt.Attributes{Temperature: "multi-temp", Access: "all"}
	}
	maxDemand := math.Max(1, math.Floor(o.Capacity/5))
	for id := 1; id <= o.Clients; id++ {
		x, y := rng.Float64()*o.Size, rng.Float64()*o.Size
		travel := math.Hypot(x-center, y-center)
		slack := math.Max(0, o.Horizon/2-travel)
		ready := math.Floor(travel + rng.Float64()*slack)
		width := math.Floor(o.Horizon/20 + rng.Float64()*o.Horizon/10)
		c := opt.Node{
			ID:      id,
			X:       math.Round(x),
			Y:       math.Round(y),
			Demand:  float64(1 + rng.Intn(int(maxDemand))),
			Ready:   ready,
			Due:     ready + width,
			Service: 10,
		}
		// Rounding may move the client slightly away.
		if d := math.Hypot(c.X-center, c.Y-center); c.Due < d {
			c.Due = math.Ceil(d) + width
		}
		if o.Attributes {
			c.Attrs.Temperature = temperatureClasses[rng.Intn(len(temperatureClasses))]
			c.Attrs.Access = accessClasses[rng.Intn(len(accessClasses))]
			for prev := 1; prev < id; prev++ {
				if rng.Float64() < o.PairProbability {
					c.Attrs.IncompatibleWith = append(c.Attrs.IncompatibleWith, prev)
				}
			}
		}
		in.Clients = append(in.Clients, c)
	}
	return in, nil
}
