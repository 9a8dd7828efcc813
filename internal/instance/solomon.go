package instance

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"vrptwc/internal/opt"
)

// ParseSolomon reads the classic text benchmark layout: a name line, a
// VEHICLE section whose second following line holds "<count> <capacity>", and
// a CUSTOMER section whose rows are "id x y demand ready due service".
func ParseSolomon(r io.Reader) (*Instance, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if t := strings.TrimSpace(sc.Text()); t != "" {
			lines = append(lines, t)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read solomon: %w", err)
	}

	vehicle, customer := -1, -1
	for i, l := range lines {
		upper := strings.ToUpper(l)
		switch {
		case vehicle < 0 && strings.HasPrefix(upper, "VEHICLE"):
			vehicle = i
		case customer < 0 && strings.HasPrefix(upper, "CUSTOMER"):
			customer = i
		}
	}
	if vehicle < 0 || vehicle+2 >= len(lines) {
		return nil, fmt.Errorf("parse solomon: VEHICLE section missing: %w", ErrInvalidInstance)
	}
	if customer < 0 {
		return nil, fmt.Errorf("parse solomon: CUSTOMER section missing: %w", ErrInvalidInstance)
	}

	in := &Instance{}
	if vehicle > 0 {
		in.Name = lines[0]
	}
	capFields := strings.Fields(lines[vehicle+2])
	if len(capFields) < 2 {
		return nil, fmt.Errorf("parse solomon: capacity line %q: %w", lines[vehicle+2], ErrInvalidInstance)
	}
	c, err := strconv.ParseFloat(capFields[1], 64)
	if err != nil {
		return nil, fmt.Errorf("parse solomon: capacity %q: %w", capFields[1], ErrInvalidInstance)
	}
	in.Capacity = c

	haveDepot := false
	for _, l := range lines[min(customer+2, len(lines)):] {
		f := strings.Fields(l)
		if len(f) < 7 {
			continue
		}
		id, err := strconv.Atoi(f[0])
		if err != nil {
			continue
		}
		var v [6]float64
		for i := range v {
			if v[i], err = strconv.ParseFloat(f[i+1], 64); err != nil {
				return nil, fmt.Errorf("parse solomon: customer %d field %d %q: %w", id, i+1, f[i+1], ErrInvalidInstance)
			}
		}
		node := opt.Node{ID: id, X: v[0], Y: v[1], Demand: v[2], Ready: v[3], Due: v[4], Service: v[5]}
		if id == opt.DepotID {
			in.Depot = node
			haveDepot = true
			continue
		}
		in.Clients = append(in.Clients, node)
	}
	if !haveDepot {
		return nil, fmt.Errorf("parse solomon: depot row 0 missing: %w", ErrInvalidInstance)
	}
	return in, nil
}
