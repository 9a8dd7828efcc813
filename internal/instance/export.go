package instance

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"vrptwc/internal/opt"
)

// Report is the cost breakdown of a solved instance.
type Report struct {
	Instance     string             `json:"instance"`
	Clients      int                `json:"clients"`
	Vehicles     int                `json:"vehicles"`
	Capacity     float64            `json:"capacity"`
	Total        float64            `json:"total"`
	DistanceCost float64            `json:"distanceCost"`
	VehicleCost  float64            `json:"vehicleCost"`
	PenaltyCost  float64            `json:"penaltyCost"`
	Alpha        float64            `json:"alpha"`
	Beta         float64            `json:"beta"`
	Status       string             `json:"status"`
	Routes       []opt.RouteSummary `json:"routes"`
}

// NewReport evaluates ind against p and splits its cost.
func NewReport(name string, p *opt.Problem, ind *opt.Individual, status string) Report {
	ev := ind.Clone()
	ev.Evaluate(p)
	return Report{
		Instance:     name,
		Clients:      p.NumClients(),
		Vehicles:     ev.Vehicles,
		Capacity:     p.Capacity,
		Total:        ev.Fitness,
		DistanceCost: ev.TotalDistance,
		VehicleCost:  p.Alpha * float64(ev.Vehicles),
		PenaltyCost:  p.Beta * ev.Tardiness,
		Alpha:        p.Alpha,
		Beta:         p.Beta,
		Status:       status,
		Routes:       opt.Summaries(p, ev),
	}
}

func ftoa(v float64) string { return strconv.FormatFloat(v, 'f', 4, 64) }

// RoutePath renders a route as "0 -> a -> b -> 0".
func RoutePath(route []int) string {
	parts := make([]string, 0, len(route)+2)
	parts = append(parts, strconv.Itoa(opt.DepotID))
	for _, c := range route {
		parts = append(parts, strconv.Itoa(c))
	}
	parts = append(parts, strconv.Itoa(opt.DepotID))
	return strings.Join(parts, " -> ")
}

// WriteCSV writes the summary row, a blank separator and one row per route.
func WriteCSV(w io.Writer, r Report) error {
	cw := csv.NewWriter(w)
	rows := [][]string{
		{"instance", "clients", "vehicles_used", "capacity", "total_cost", "distance_cost", "vehicle_cost", "penalty_cost", "alpha", "beta", "status"},
		{r.Instance, strconv.Itoa(r.Clients), strconv.Itoa(r.Vehicles), ftoa(r.Capacity), ftoa(r.Total),
			ftoa(r.DistanceCost), ftoa(r.VehicleCost), ftoa(r.PenaltyCost), ftoa(r.Alpha), ftoa(r.Beta), r.Status},
		{},
		{"vehicle", "route", "distance", "demand", "tardiness"},
	}
	for _, s := range r.Routes {
		rows = append(rows, []string{strconv.Itoa(s.Vehicle), RoutePath(s.Clients), ftoa(s.Distance), ftoa(s.Demand), ftoa(s.Tardiness)})
	}
	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}
