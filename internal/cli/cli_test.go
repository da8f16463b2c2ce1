package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navcache/navcache/internal/preload"
	"github.com/navcache/navcache/internal/storage"
	"github.com/navcache/navcache/pkg/errors"
)

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(RootCmd)

	var out bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetErr(&bytes.Buffer{})
	RootCmd.SetArgs(args)
	err := RootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestConfigPrintsDefaults(t *testing.T) {
	out, err := execute(t, "config")
	require.NoError(t, err)
	assert.Contains(t, out, "capacity: 50MiB")
	assert.Contains(t, out, "backend: memory")
	assert.Contains(t, out, "log_level: INFO")
}

func TestConfigLayersFileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "navcache.yaml", "cache:\n  capacity: 10MiB\n  strategy: memory-only\n")
	t.Setenv("NAVCACHE_CACHE_STRATEGY", "persistent-first")

	out, err := execute(t, "config", "--config", path, "--log-level", "warn")
	require.NoError(t, err)
	assert.Contains(t, out, "capacity: 10MiB")
	assert.Contains(t, out, "strategy: persistent-first")
	assert.Contains(t, out, "log_level: WARN")
}

func TestConfigFromEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "navcache.yaml", "durable:\n  backend: sqlite\n")
	t.Setenv("NAVCACHE_CONFIG", path)
	t.Setenv("NAVCACHE_LOG_LEVEL", "debug")

	out, err := execute(t, "config")
	require.NoError(t, err)
	assert.Contains(t, out, "backend: sqlite")
	assert.Contains(t, out, "log_level: DEBUG")
}

func TestConfigRejectsInvalidValues(t *testing.T) {
	path := writeFile(t, t.TempDir(), "bad.yaml", "cache:\n  capacity: 0B\n")

	_, err := execute(t, "config", "--config", path)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConfigValidation), err.Error())
}

const testTrace = `start: 2025-04-09T12:00:00Z
step: 1m
payload_size: 2KiB
data:
  /detail: [detail:header, detail:body]
sessions:
  - id: s1
    routes: [/dash, /list, /detail]
  - id: s2
    routes: [/dash, /list, /detail]
  - id: s3
    routes: [/dash, /list, /detail]
`

func TestSimulateThenInspect(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "navcache.yaml",
		"durable:\n  backend: sqlite\n  path: "+filepath.Join(dir, "state.db")+"\n")
	tracePath := writeFile(t, dir, "trace.yaml", testTrace)

	out, err := execute(t, "simulate", "--config", cfgPath, "--trace", tracePath)
	require.NoError(t, err)

	var res SimulationResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 9, res.Navigations)
	assert.Equal(t, 12, res.PageLoads.Reads)
	assert.Positive(t, res.PageLoads.Hits)
	assert.Equal(t, res.PageLoads.Reads, res.PageLoads.Hits+res.PageLoads.Misses)
	assert.Equal(t, 2, res.Engine.Edges)
	assert.Equal(t, "idle", res.Engine.Preloader)

	out, err = execute(t, "inspect", "--config", cfgPath, "--from", "/dash")
	require.NoError(t, err)

	var state InspectResult
	require.NoError(t, json.Unmarshal([]byte(out), &state))
	assert.Equal(t, "sqlite", state.Backend)
	assert.Equal(t, 2, state.Edges)
	require.Len(t, state.Routes, 1)
	require.NotEmpty(t, state.Routes[0].Transitions)
	assert.Equal(t, "/list", state.Routes[0].Transitions[0].To)
	assert.Contains(t, state.Feedback, "minConfidence")
}

func TestSimulateRequiresTrace(t *testing.T) {
	_, err := execute(t, "simulate")
	assert.Error(t, err)

	_, err = execute(t, "simulate", "--trace", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	empty := writeFile(t, t.TempDir(), "empty.yaml", "step: 1m\n")
	_, err = execute(t, "simulate", "--trace", empty)
	assert.ErrorContains(t, err, "no sessions")
}

func TestInspectEmptyStore(t *testing.T) {
	res, err := inspect(context.Background(), storage.NewMemoryKV(0), "", 5)
	require.NoError(t, err)
	assert.Zero(t, res.Edges)
	assert.Empty(t, res.Routes)
	assert.Nil(t, res.Feedback)
}

func TestInspectReportsCorruptState(t *testing.T) {
	kv := storage.NewMemoryKV(0)
	require.NoError(t, kv.Set(context.Background(), preload.PatternsKey, []byte("{not json")))

	_, err := inspect(context.Background(), kv, "", 5)
	assert.ErrorContains(t, err, preload.PatternsKey)
}
