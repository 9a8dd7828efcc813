// Package instance reads, writes and generates VRPTW-C instances.
package instance

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"vrptwc/internal/opt"
)

var ErrInvalidInstance = errors.New("invalid instance")

// Instance is the raw data of a problem before costs are attached.
type Instance struct {
	Name     string
	Capacity float64
	Depot    opt.Node
	Clients  []opt.Node
	// Pairs are manual incompatibilities from a side file or the document.
	Pairs [][2]int
}

// Problem builds the optimization context with the given cost coefficients.
func (in *Instance) Problem(alpha, beta float64) (*opt.Problem, error) {
	p, err := opt.NewProblem(opt.ProblemInput{
		Depot:    in.Depot,
		Clients:  in.Clients,
		Capacity: in.Capacity,
		Alpha:    alpha,
		Beta:     beta,
		Pairs:    in.Pairs,
	})
	if err != nil {
		return nil, fmt.Errorf("instance %q: %w", in.Name, err)
	}
	return p, nil
}

type coordinates struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type customerDoc struct {
	Coordinates *coordinates    `json:"coordinates"`
	Demand      *float64        `json:"demand"`
	ReadyTime   *float64        `json:"ready_time"`
	DueTime     *float64        `json:"due_time"`
	ServiceTime *float64        `json:"service_time"`
	Attributes  *opt.Attributes `json:"attributes,omitempty"`
}

const (
	keyCapacity = "vehicle_capacity"
	keyPairs    = "incompatible_pairs"
	keyName     = "name"
	keyCustomer = "customer_"
)

// DecodeJSON reads the customer_<id> document format. customer_0 is the depot.
func DecodeJSON(r io.Reader) (*Instance, error) {
	var doc map[string]json.RawMessage
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode instance: %v: %w", err, ErrInvalidInstance)
	}
	raw, ok := doc[keyCapacity]
	if !ok {
		return nil, fmt.Errorf("decode instance: %s missing: %w", keyCapacity, ErrInvalidInstance)
	}
	in := &Instance{}
	if err := json.Unmarshal(raw, &in.Capacity); err != nil {
		return nil, fmt.Errorf("decode instance: %s: %v: %w", keyCapacity, err, ErrInvalidInstance)
	}
	if raw, ok := doc[keyName]; ok {
		_ = json.Unmarshal(raw, &in.Name)
	}
	if raw, ok := doc[keyPairs]; ok {
		if err := json.Unmarshal(raw, &in.Pairs); err != nil {
			return nil, fmt.Errorf("decode instance: %s: %v: %w", keyPairs, err, ErrInvalidInstance)
		}
	}
	haveDepot := false
	for key, raw := range doc {
		if !strings.HasPrefix(key, keyCustomer) {
			continue
		}
		id, err := strconv.Atoi(strings.TrimPrefix(key, keyCustomer))
		if err != nil {
			continue
		}
		var c customerDoc
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode instance: %s: %v: %w", key, err, ErrInvalidInstance)
		}
		node, err := c.node(id)
		if err != nil {
			return nil, fmt.Errorf("decode instance: %s: %w", key, err)
		}
		if id == opt.DepotID {
			in.Depot = node
			haveDepot = true
			continue
		}
		in.Clients = append(in.Clients, node)
	}
	if !haveDepot {
		return nil, fmt.Errorf("decode instance: customer_0 (depot) missing: %w", ErrInvalidInstance)
	}
	sort.Slice(in.Clients, func(i, j int) bool { return in.Clients[i].ID < in.Clients[j].ID })
	return in, nil
}

func (c customerDoc) node(id int) (opt.Node, error) {
	missing := func(field string) error {
		return fmt.Errorf("field %s missing: %w", field, ErrInvalidInstance)
	}
	switch {
	case c.Coordinates == nil:
		return opt.Node{}, missing("coordinates")
	case c.Demand == nil:
		return opt.Node{}, missing("demand")
	case c.ReadyTime == nil:
		return opt.Node{}, missing("ready_time")
	case c.DueTime == nil:
		return opt.Node{}, missing("due_time")
	case c.ServiceTime == nil:
		return opt.Node{}, missing("service_time")
	}
	n := opt.Node{
		ID:      id,
		X:       c.Coordinates.X,
		Y:       c.Coordinates.Y,
		Demand:  *c.Demand,
		Ready:   *c.ReadyTime,
		Due:     *c.DueTime,
		Service: *c.ServiceTime,
	}
	if c.Attributes != nil {
		n.Attrs = *c.Attributes
	}
	return n, nil
}

func docOf(n opt.Node) customerDoc {
	d := customerDoc{
		Coordinates: &coordinates{X: n.X, Y: n.Y},
		Demand:      &n.Demand,
		ReadyTime:   &n.Ready,
		DueTime:     &n.Due,
		ServiceTime: &n.Service,
	}
	if n.Attrs.Temperature != "" || n.Attrs.Access != "" || len(n.Attrs.IncompatibleWith) > 0 {
		attrs := n.Attrs
		d.Attributes = &attrs
	}
	return d
}

// EncodeJSON writes the instance in the format DecodeJSON reads.
func EncodeJSON(w io.Writer, in *Instance) error {
	doc := map[string]any{keyCapacity: in.Capacity}
	if in.Name != "" {
		doc[keyName] = in.Name
	}
	if len(in.Pairs) > 0 {
		doc[keyPairs] = in.Pairs
	}
	doc[keyCustomer+"0"] = docOf(in.Depot)
	for _, c := range in.Clients {
		doc[keyCustomer+strconv.Itoa(c.ID)] = docOf(c)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// ParsePairs reads whitespace separated id pairs, one per line. Blank lines
// and lines starting with # are skipped.
func ParsePairs(r io.Reader) ([][2]int, error) {
	var out [][2]int
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) < 2 {
			return nil, fmt.Errorf("pairs line %d: want two ids: %w", line, ErrInvalidInstance)
		}
		a, errA := strconv.Atoi(fields[0])
		b, errB := strconv.Atoi(fields[1])
		if errA != nil || errB != nil {
			return nil, fmt.Errorf("pairs line %d: ids must be integers: %w", line, ErrInvalidInstance)
		}
		out = append(out, [2]int{a, b})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read pairs: %w", err)
	}
	return out, nil
}

// PairsPath returns the side file holding manual incompatibilities of path.
func PairsPath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + "_incomp.txt"
}

// LoadFile reads a .json or Solomon .txt instance and, when present, its
// _incomp.txt side file.
func LoadFile(path string) (*Instance, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load instance: %w", err)
	}
	defer f.Close()

	var in *Instance
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		in, err = DecodeJSON(f)
	case ".txt":
		in, err = ParseSolomon(f)
	default:
		return nil, fmt.Errorf("load instance: unknown extension %q: %w", filepath.Ext(path), ErrInvalidInstance)
	}
	if err != nil {
		return nil, fmt.Errorf("load instance %s: %w", path, err)
	}
	if in.Name == "" {
		in.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	pf, err := os.Open(PairsPath(path))
	switch {
	case errors.Is(err, os.ErrNotExist):
		return in, nil
	case err != nil:
		return nil, fmt.Errorf("load instance pairs: %w", err)
	}
	defer pf.Close()
	pairs, err := ParsePairs(pf)
	if err != nil {
		return nil, fmt.Errorf("load instance pairs %s: %w", PairsPath(path), err)
	}
	in.Pairs = append(in.Pairs, pairs...)
	return in, nil
}
