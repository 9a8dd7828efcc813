package opt

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// DepotID is the identity of the depot node in every instance.
const DepotID = 0

var ErrInvalidProblem = errors.New("invalid problem")

// Attributes carry the optional compatibility data of a client.
type Attributes struct {
	Temperature      string `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	Access           string `json:"access_requires,omitempty" yaml:"access_requires,omitempty"`
	IncompatibleWith []int  `json:"incompatible_with,omitempty" yaml:"incompatible_with,omitempty"`
}

// Node is a depot or client location with its service data.
type Node struct {
	ID      int
	X, Y    float64
	Demand  float64
	Ready   float64 // window open
	Due     float64 // window close
	Service float64
	Attrs   Attributes
}

// ProblemInput is everything needed to build a Problem.
type ProblemInput struct {
	Depot    Node
	Clients  []Node
	Capacity float64
	Alpha    float64 // fixed cost per vehicle used
	Beta     float64 // cost per unit of tardiness
	// Pairs are manual incompatibilities in addition to the attribute rules.
	Pairs [][2]int
	// Distances is optional; indexed as [depot, Clients...]. Euclidean when nil.
	Distances [][]float64
}

type pair struct{ a, b int }

func makePair(a, b int) pair {
	if a > b {
		a, b = b, a
	}
	return pair{a, b}
}

// Problem is the immutable instance shared by every operator of a run.
type Problem struct {
	Depot    Node
	Clients  map[int]Node
	Capacity float64
	Alpha    float64
	Beta     float64

	ids      []int       // client ids, ascending
	index    map[int]int // node id -> matrix row
	dist     [][]float64
	incompat map[pair]struct{}
}

// NewProblem validates the input, computes the distance matrix when needed and
// expands attribute rules into the incompatibility set.
func NewProblem(in ProblemInput) (*Problem, error) {
	if in.Depot.ID != DepotID {
		return nil, fmt.Errorf("new problem: depot id must be %d, got %d: %w", DepotID, in.Depot.ID, ErrInvalidProblem)
	}
	if in.Capacity <= 0 {
		return nil, fmt.Errorf("new problem: capacity must be > 0: %w", ErrInvalidProblem)
	}
	if in.Alpha < 0 || in.Beta < 0 {
		return nil, fmt.Errorf("new problem: alpha and beta must be >= 0: %w", ErrInvalidProblem)
	}
	p := &Problem{
		Depot:    in.Depot,
		Clients:  make(map[int]Node, len(in.Clients)),
		Capacity: in.Capacity,
		Alpha:    in.Alpha,
		Beta:     in.Beta,
		index:    make(map[int]int, len(in.Clients)+1),
		incompat: map[pair]struct{}{},
	}
	nodes := make([]Node, 0, len(in.Clients)+1)
	nodes = append(nodes, in.Depot)
	p.index[DepotID] = 0
	for _, c := range in.Clients {
		if c.ID == DepotID {
			return nil, fmt.Errorf("new problem: client uses depot id %d: %w", DepotID, ErrInvalidProblem)
		}
		if _, dup := p.Clients[c.ID]; dup {
			return nil, fmt.Errorf("new problem: duplicate client id %d: %w", c.ID, ErrInvalidProblem)
		}
		if c.Due < c.Ready {
			return nil, fmt.Errorf("new problem: client %d window [%g,%g] is empty: %w", c.ID, c.Ready, c.Due, ErrInvalidProblem)
		}
		p.Clients[c.ID] = c
		p.index[c.ID] = len(nodes)
		p.ids = append(p.ids, c.ID)
		nodes = append(nodes, c)
	}
	sort.Ints(p.ids)

	if in.Distances != nil {
		if err := validateMatrix(in.Distances, len(nodes)); err != nil {
			return nil, fmt.Errorf("new problem: %w", err)
		}
		p.dist = in.Distances
	} else {
		p.dist = euclidean(nodes)
	}

	for _, pr := range in.Pairs {
		if err := p.addIncompatibility(pr[0], pr[1]); err != nil {
			return nil, fmt.Errorf("new problem: %w", err)
		}
	}
	p.deriveIncompatibilities()
	return p, nil
}

func euclidean(nodes []Node) [][]float64 {
	m := make([][]float64, len(nodes))
	for i := range nodes {
		m[i] = make([]float64, len(nodes))
		for j := range nodes {
			if i == j {
				continue
			}
			m[i][j] = math.Hypot(nodes[i].X-nodes[j].X, nodes[i].Y-nodes[j].Y)
		}
	}
	return m
}

func validateMatrix(m [][]float64, n int) error {
	if len(m) != n {
		return fmt.Errorf("distance matrix has %d rows, want %d: %w", len(m), n, ErrInvalidProblem)
	}
	for i := range m {
		if len(m[i]) != n {
			return fmt.Errorf("distance matrix row %d has %d columns, want %d: %w", i, len(m[i]), n, ErrInvalidProblem)
		}
		if m[i][i] != 0 {
			return fmt.Errorf("distance matrix diagonal (%d,%d) is not zero: %w", i, i, ErrInvalidProblem)
		}
		for j := 0; j < i; j++ {
			if m[i][j] < 0 || math.IsNaN(m[i][j]) {
				return fmt.Errorf("distance matrix (%d,%d) is not a non-negative number: %w", i, j, ErrInvalidProblem)
			}
			if m[i][j] != m[j][i] {
				return fmt.Errorf("distance matrix is not symmetric at (%d,%d): %w", i, j, ErrInvalidProblem)
			}
		}
	}
	return nil
}

func (p *Problem) addIncompatibility(a, b int) error {
	if a == b {
		return nil
	}
	if _, ok := p.Clients[a]; !ok {
		return fmt.Errorf("incompatible pair references unknown client %d: %w", a, ErrInvalidProblem)
	}
	if _, ok := p.Clients[b]; !ok {
		return fmt.Errorf("incompatible pair references unknown client %d: %w", b, ErrInvalidProblem)
	}
	p.incompat[makePair(a, b)] = struct{}{}
	return nil
}

// deriveIncompatibilities applies the attribute rules: conflicting temperature
// classes, conflicting access equipment, and explicit lists in either direction.
func (p *Problem) deriveIncompatibilities() {
	for i, a := range p.ids {
		ca := p.Clients[a]
		for _, b := range p.ids[i+1:] {
			cb := p.Clients[b]
			if conflicts(ca.Attrs.Temperature, cb.Attrs.Temperature, temperatureWildcards) ||
				conflicts(ca.Attrs.Access, cb.Attrs.Access, accessWildcards) ||
				contains(ca.Attrs.IncompatibleWith, b) || contains(cb.Attrs.IncompatibleWith, a) {
				p.incompat[makePair(a, b)] = struct{}{}
			}
		}
	}
}

var (
	temperatureWildcards = map[string]bool{"": true, "any": true, "multi-temp": true}
	accessWildcards      = map[string]bool{"": true, "none": true, "all": true}
)

func conflicts(a, b string, wildcard map[string]bool) bool {
	return !wildcard[a] && !wildcard[b] && a != b
}

func contains(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// Distance returns the travel distance (and time) between two nodes.
// Unknown ids yield +Inf so that any route using them is rejected.
func (p *Problem) Distance(a, b int) float64 {
	i, ok := p.index[a]
	if !ok {
		return math.Inf(1)
	}
	j, ok := p.index[b]
	if !ok {
		return math.Inf(1)
	}
	return p.dist[i][j]
}

// Node returns the node for an id; the depot is returned for DepotID.
func (p *Problem) Node(id int) (Node, bool) {
	if id == DepotID {
		return p.Depot, true
	}
	n, ok := p.Clients[id]
	return n, ok
}

// Incompatible reports whether two clients may not share a vehicle.
func (p *Problem) Incompatible(a, b int) bool {
	_, ok := p.incompat[makePair(a, b)]
	return ok
}

// IncompatiblePairs returns the number of unordered incompatible pairs.
func (p *Problem) IncompatiblePairs() int { return len(p.incompat) }

// ClientIDs returns the client identities in ascending order. The slice is shared; do not modify.
func (p *Problem) ClientIDs() []int { return p.ids }

// NumClients returns the number of clients.
func (p *Problem) NumClients() int { return len(p.ids) }

// Demand of a route; unknown ids count as zero.
func (p *Problem) routeDemand(route []int) float64 {
	total := 0.0
	for _, id := range route {
		total += p.Clients[id].Demand
	}
	return total
}

// compatibleWith reports whether client c can join route without a conflict.
func (p *Problem) compatibleWith(route []int, c int) bool {
	for _, other := range route {
		if p.Incompatible(c, other) {
			return false
		}
	}
	return true
}

// byDue returns ids sorted by window close ascending, ties broken by id.
func (p *Problem) byDue(ids []int) []int {
	out := append([]int(nil), ids...)
	sort.SliceStable(out, func(i, j int) bool {
		di, dj := p.Clients[out[i]].Due, p.Clients[out[j]].Due
		if di != dj {
			return di < dj
		}
		return out[i] < out[j]
	})
	return out
}
