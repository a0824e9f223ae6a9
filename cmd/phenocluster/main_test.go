package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorplex-labs/phenocluster/internal/sweep"
	"github.com/tensorplex-labs/phenocluster/internal/tableio"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(append(args, "--quiet"))
	require.NoError(t, cmd.Execute())
	return out.String()
}

func TestSimulateSweepCluster(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "pipeline.yaml")

	out := execute(t, "simulate", "--out", dir, "--genes", "150", "--clusters", "3", "--controls", "30")
	assert.Contains(t, out, cfgPath)

	out = execute(t, "sweep", "--config", cfgPath)
	assert.Contains(t, out, "Resolution sweep")

	var res sweep.Result
	require.NoError(t, tableio.ReadJSON(filepath.Join(dir, "results", "sweep.json"), &res))
	assert.NotEmpty(t, res.RunID)
	assert.Len(t, res.Points, 6)
	assert.FileExists(t, filepath.Join(dir, "results", "sweep_series.tsv"))

	execute(t, "cluster", "--config", cfgPath, "--resolution", "0.5")
	assert.FileExists(t, filepath.Join(dir, "results", "assignment_res0.5.tsv"))
	assert.FileExists(t, filepath.Join(dir, "results", "score_res0.5.json"))
	assert.FileExists(t, filepath.Join(dir, "results", "markers_res0.5.tsv"))
}

func TestInfoFlagOverridesEnvironment(t *testing.T) {
	t.Setenv("ENVIRONMENT", "dev")
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"simulate", "--out", t.TempDir(), "--genes", "20", "--clusters", "2", "--controls", "6", "--info"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}

func TestSweepWithoutFeatureTable(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"sweep", "--quiet"})
	assert.Error(t, cmd.Execute())
}
