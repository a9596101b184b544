package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackflow/stackflow/pkg/definitions"
)

const restartFlow = `
flows: "db-restart": {
	states: {
		Start: {kind: "initial", action: "database.start", message: "Starting database"}
		Wait: {kind: "intermediate", action: "database.wait_available"}
		Done: {kind: "success"}
		Fail: {kind: "failure"}
	}
	transitions: [
		{from: "Start", event: "SUCCESS", to: "Wait"},
		{from: "Wait", event: "SUCCESS", to: "Done"},
	]
}
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestBuildPayload(t *testing.T) {
	payload, err := buildPayload(`{"reason":"maintenance","instance_count":1}`, map[string]string{
		"instance_count": "3",
		"force":          "true",
		"target_version": "7.4",
	})
	require.NoError(t, err)

	assert.Equal(t, "maintenance", payload["reason"])
	assert.Equal(t, 3, payload["instance_count"])
	assert.Equal(t, true, payload["force"])
	assert.Equal(t, "7.4", payload["target_version"])

	_, err = buildPayload(`{not json`, nil)
	assert.ErrorContains(t, err, "invalid --payload")
}

func TestLoadFixtures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixtures.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
settle_after: 0
clusters:
  - id: cluster-1
    account_id: acc-1
    instances: 3
    runtime_version: 7.2.16
databases:
  db-1: stopped
`), 0o644))

	p, err := loadFixtures(path)
	require.NoError(t, err)

	c, err := p.GetCluster(context.Background(), "cluster-1")
	require.NoError(t, err)
	assert.Equal(t, "acc-1", c.AccountID)
	assert.Equal(t, 3, c.Instances)
	assert.Equal(t, "7.2.16", c.RuntimeVersion)

	status, err := p.DatabaseStatus(context.Background(), "db-1")
	require.NoError(t, err)
	assert.Equal(t, "stopped", status)

	require.NoError(t, os.WriteFile(path, []byte("clusters:\n  - instances: 1\n"), 0o644))
	_, err = loadFixtures(path)
	assert.ErrorContains(t, err, "without id")

	empty, err := loadFixtures("")
	require.NoError(t, err)
	_, err = empty.GetCluster(context.Background(), "cluster-1")
	assert.Error(t, err)
}

func TestValidateDefinitions(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "restart.cue"), []byte(restartFlow), 0o644))

	defs, err := validateDefinitions([]string{dir})
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "db-restart", defs[0].ID())

	broken := filepath.Join(dir, "broken.cue")
	require.NoError(t, os.WriteFile(broken, []byte(`flows: x: {
		states: {
			A: {kind: "initial", action: "cluster.explode"}
			Done: {kind: "success"}
			Fail: {kind: "failure"}
		}
		transitions: [{from: "A", event: "SUCCESS", to: "Done"}]
	}`), 0o644))

	_, err = validateDefinitions([]string{broken})
	var loadErr *definitions.LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Contains(t, err.Error(), "cluster.explode")

	out, err := execute(t, "definitions", "validate", dir)
	require.Error(t, err)
	assert.Contains(t, out, "cluster.explode")
}

func TestDefinitionsShow(t *testing.T) {
	out, err := execute(t, "definitions", "show", "upscale", "--json")
	require.NoError(t, err)

	var view definitionView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, "upscale", view.ID)
	assert.Equal(t, "Init", string(view.Initial))
	assert.Equal(t, "Fail", string(view.Failure))
	require.NotEmpty(t, view.States)
	assert.Equal(t, "Init", string(view.States[0].ID))
	assert.Equal(t, "AddInstances", string(view.States[0].Transitions["SUCCESS"]))

	_, err = execute(t, "definitions", "show", "nope")
	assert.Error(t, err)
}

func TestStartDetachedThenStatus(t *testing.T) {
	dir := t.TempDir()
	fixtures := filepath.Join(dir, "fixtures.yaml")
	require.NoError(t, os.WriteFile(fixtures, []byte("databases:\n  db-1: stopped\n"), 0o644))
	t.Setenv("STACKFLOW_STORE_DRIVER", "sqlite")
	t.Setenv("STACKFLOW_SQLITE_PATH", filepath.Join(dir, "stackflow.db"))

	out, err := execute(t, "--fixtures", fixtures, "start", "db-1", "database-start", "--detach")
	require.NoError(t, err)
	assert.Contains(t, out, "created for db-1")

	_, err = execute(t, "--fixtures", fixtures, "start", "db-1", "database-start", "--detach")
	assert.Error(t, err)

	out, err = execute(t, "--fixtures", fixtures, "status", "db-1", "--json")
	require.NoError(t, err)
	var status struct {
		Status   string `json:"status"`
		Terminal bool   `json:"terminal"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, "IN_PROGRESS", status.Status)
	assert.False(t, status.Terminal)

	out, err = execute(t, "abort", "db-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Abort requested")
}

func TestPoliciesEval(t *testing.T) {
	out, err := execute(t, "policies", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, "max-scale-step")

	cfg := filepath.Join(t.TempDir(), "stackflow.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("policies:\n  params:\n    max_scale_step: 2\n"), 0o644))

	out, err = execute(t, "-c", cfg, "policies", "eval", "cluster-1", "upscale", "--param", "instance_count=5")
	require.Error(t, err)
	assert.Contains(t, out, "Denied")
	assert.Contains(t, out, "max-scale-step")

	out, err = execute(t, "-c", cfg, "policies", "eval", "cluster-1", "upscale", "--param", "instance_count=1")
	require.NoError(t, err)
	assert.Contains(t, out, "Allowed")
}
