package store

import (
	"encoding/hex"
	"reflect"
	"testing"
)

func TestComputeDedupKeyFromID(t *testing.T) {
	body := []byte(`{"id":"evt_123","type":"run.completed"}`)
	got := computeDedupKey(body)
	if got != "evt_123" {
		t.Fatalf("want evt_123, got %s", got)
	}
}

func TestComputeDedupKeyFromHash(t *testing.T) {
	body := []byte(`{"notId":"x"}`)
	got := computeDedupKey(body)
	// hex-encoded first 8 bytes -> 16 hex chars
	b, err := hex.DecodeString(got)
	if err != nil {
		t.Fatalf("invalid hex: %v", err)
	}
	if len(b) != 8 {
		t.Fatalf("expected 8 bytes, got %d", len(b))
	}
	if computeDedupKey(body) != got {
		t.Fatalf("hash key not stable")
	}
}

func TestPageQuery(t *testing.T) {
	q, args := pageQuery(`SELECT id FROM runs WHERE tenant_id=$1 AND status=$2`, []any{"t1", "completed"}, "abc", 10)
	want := `SELECT id FROM runs WHERE tenant_id=$1 AND status=$2 AND id::text > $3 ORDER BY id LIMIT $4`
	if q != want {
		t.Fatalf("query:\n got %s\nwant %s", q, want)
	}
	if !reflect.DeepEqual(args, []any{"t1", "completed", "abc", 10}) {
		t.Fatalf("args: %v", args)
	}
	q, args = pageQuery(`SELECT id FROM runs WHERE tenant_id=$1`, []any{"t1"}, "", 5)
	if q != `SELECT id FROM runs WHERE tenant_id=$1 ORDER BY id LIMIT $2` || len(args) != 2 {
		t.Fatalf("no cursor: %s %v", q, args)
	}
}

func TestNormLimit(t *testing.T) {
	for in, want := range map[int]int{0: 100, -3: 100, 501: 100, 20: 20, 500: 500} {
		if got := normLimit(in); got != want {
			t.Fatalf("normLimit(%d)=%d want %d", in, got, want)
		}
	}
}

func TestNullIfEmpty(t *testing.T) {
	if nullIfEmpty("") != nil || nullIfEmpty("  ") != nil {
		t.Fatalf("blank -> nil expected")
	}
	if nullIfEmpty("x") != "x" {
		t.Fatalf("non-blank passthrough expected")
	}
}
