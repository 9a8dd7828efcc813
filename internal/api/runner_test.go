package api

import (
	"encoding/json"
	"math"
	"strings"
	"testing"

	"vrptwc/internal/opt"
)

func TestGenerationDataWithoutFeasibleMembers(t *testing.T) {
	st := opt.GenerationStats{Generation: 4, BestEver: 812.5, Size: 6, Dropped: 2}
	b, err := json.Marshal(generationData("run-1", 0, st))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	body := string(b)
	for _, want := range []string{`"best":null`, `"mean":null`, `"stdDev":null`, `"bestEver":812.5`, `"feasible":0`} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %s in %s", want, body)
		}
	}

	st.BestEver = math.Inf(1)
	b, err = json.Marshal(generationData("run-1", 0, st))
	if err != nil {
		t.Fatalf("marshal infinite best: %v", err)
	}
	if !strings.Contains(string(b), `"bestEver":null`) {
		t.Fatalf("infinite bestEver not null: %s", b)
	}
}

func TestGenerationDataFeasible(t *testing.T) {
	st := opt.GenerationStats{Generation: 1, Best: 90, BestEver: 90, Mean: 95, StdDev: 5, Feasible: 3, Size: 3}
	data := generationData("run-1", 2, st)
	if data["best"] != 90.0 || data["mean"] != 95.0 || data["run"] != 2 {
		t.Fatalf("unexpected payload: %+v", data)
	}
}
