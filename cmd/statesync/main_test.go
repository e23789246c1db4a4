package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cli struct {
	t      *testing.T
	dir    string
	config string
}

func newCLI(t *testing.T) *cli {
	dir := t.TempDir()
	config := filepath.Join(dir, "statesync.yaml")
	content := "store:\n  backend: sqlite\n  sqlite_path: " + filepath.Join(dir, "state.db") + "\n" +
		"metrics:\n  enabled: false\n" +
		"seed:\n  demo_size: 3\n" +
		"log:\n  file: " + filepath.Join(dir, "statesync.log") + "\n"
	require.NoError(t, os.WriteFile(config, []byte(content), 0o644))
	return &cli{t: t, dir: dir, config: config}
}

func (c *cli) run(args ...string) (string, error) {
	c.t.Helper()
	var out, errOut bytes.Buffer
	err := run(append([]string{"--config", c.config}, args...), &out, &errOut)
	return out.String(), err
}

func (c *cli) mustRun(args ...string) string {
	c.t.Helper()
	out, err := c.run(args...)
	require.NoError(c.t, err, "statesync %v", args)
	return out
}

func TestCLI_ImportGetExport(t *testing.T) {
	c := newCLI(t)

	snapshot := filepath.Join(c.dir, "in.json")
	require.NoError(t, os.WriteFile(snapshot, []byte(`{
		"backupSchemaVersion": "1",
		"backupDate": "2026-01-01T00:00:00Z",
		"data": {"settings": {"theme": "dark"}, "tasks": [1, 2, 3]}
	}`), 0o644))

	out := c.mustRun("import", "--in", snapshot)
	assert.Contains(t, out, "Restored 2, skipped 0, failed 0")

	out = c.mustRun("get", "settings")
	assert.JSONEq(t, `{"theme":"dark"}`, out)

	_, err := c.run("get", "missing")
	assert.ErrorContains(t, err, "not found")

	exported := filepath.Join(c.dir, "out.json")
	c.mustRun("export", "--out", exported)
	data, err := os.ReadFile(exported)
	require.NoError(t, err)

	var snap struct {
		Data map[string]json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.JSONEq(t, `[1,2,3]`, string(snap.Data["tasks"]))
	assert.JSONEq(t, `{"theme":"dark"}`, string(snap.Data["settings"]))

	out = c.mustRun("gc", "--grace", "0s")
	assert.Contains(t, out, "Removed 0 orphaned shards")

	_, err = os.Stat(filepath.Join(c.dir, "statesync.log"))
	assert.NoError(t, err)
}

func TestCLI_SeedAndClear(t *testing.T) {
	c := newCLI(t)

	c.mustRun("seed")
	out := c.mustRun("seed", "status")

	var status struct {
		Seeded bool `json:"seeded"`
		State  struct {
			Levels []struct {
				Status string `json:"status"`
			} `json:"levels"`
		} `json:"state"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.True(t, status.Seeded)
	require.Len(t, status.State.Levels, 3)
	for _, l := range status.State.Levels {
		assert.Equal(t, "Done", l.Status)
	}

	_, err := c.run("clear")
	assert.ErrorContains(t, err, "--yes")

	c.mustRun("clear", "--yes")
	out = c.mustRun("seed", "status")
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.False(t, status.Seeded)
}

func TestCLI_ImportRejectsMalformedSnapshot(t *testing.T) {
	c := newCLI(t)

	snapshot := filepath.Join(c.dir, "bad.json")
	require.NoError(t, os.WriteFile(snapshot, []byte(`{"backupDate":"2026-01-01T00:00:00Z"}`), 0o644))

	_, err := c.run("import", "--in", snapshot)
	require.Error(t, err)

	_, err = c.run("get", "settings")
	assert.ErrorContains(t, err, "not found")
}

func TestCLI_ConfigShowAppliesFlags(t *testing.T) {
	c := newCLI(t)

	out := c.mustRun("--log-format", "json", "config", "show")
	assert.Contains(t, out, "backend: sqlite")
	assert.Contains(t, out, "format: json")
}

func TestCLI_InvalidConfig(t *testing.T) {
	c := newCLI(t)
	require.NoError(t, os.WriteFile(c.config, []byte("store:\n  backend: redis\n"), 0o644))

	_, err := c.run("config", "show")
	assert.ErrorContains(t, err, "store.backend")
}
