package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return out.String()
}

func TestGenerateThenSolve(t *testing.T) {
	dir := t.TempDir()
	inst := filepath.Join(dir, "inst.json")
	cfg := filepath.Join(dir, "solver.yaml")
	csv := filepath.Join(dir, "out.csv")

	execute(t, "generate", "--clients", "8", "--seed", "3", "--out", inst)
	require.FileExists(t, inst)

	require.NoError(t, os.WriteFile(cfg, []byte("population_size: 6\ngenerations: 3\nelite_size: 1\ntournament_size: 2\n"), 0o644))

	out := execute(t, "solve", "--instance", inst, "--config", cfg, "--seed", "11", "--csv", csv)
	require.Contains(t, out, "status")
	require.Contains(t, out, "feasible")

	b, err := os.ReadFile(csv)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(b), "synthetic-8-3"))

	out = execute(t, "solve", "--instance", inst, "--config", cfg, "--runs", "3", "--parallel", "2", "--seed", "5")
	require.Contains(t, out, "vehicle 0")
}

func TestSolveRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	inst := filepath.Join(dir, "inst.json")
	execute(t, "generate", "--clients", "3", "--out", inst)

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"solve", "--instance", inst, "--beta", "-1"})
	require.Error(t, cmd.Execute())
}
