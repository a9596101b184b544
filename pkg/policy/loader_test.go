package policy

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRego = `# Rejects everything on
# the sandbox account.
package stackflow.admission.sandbox

import rego.v1

deny contains "sandbox" if {
	input.account_id == "sandbox"
}
`

func TestLoadRegoFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sandbox.rego")
	require.NoError(t, os.WriteFile(path, []byte(testRego), 0o644))

	p, err := NewLoader(zerolog.Nop()).loadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "sandbox", p.Name)
	assert.Equal(t, "Rejects everything on the sandbox account.", p.Description)
	assert.Equal(t, SeverityError, p.Severity)
	assert.Equal(t, testRego, p.Rego)
	assert.Equal(t, path, p.Source)
	assert.True(t, p.Enabled)
}

func TestLoadJSONFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quota.json")
	content := `{"description": "quota", "severity": "warning", "rego": "package q\n"}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	p, err := NewLoader(zerolog.Nop()).loadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "quota", p.Name)
	assert.Equal(t, SeverityWarning, p.Severity)
	assert.True(t, p.Enabled)

	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))
	_, err = NewLoader(zerolog.Nop()).loadFromFile(path)
	assert.Error(t, err)
}

func TestLoadFromPathsSkipsOtherFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sandbox.rego"), []byte(testRego), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# policies"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "other.rego"), []byte(testRego), 0o644))

	policies, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{dir})
	require.NoError(t, err)
	assert.Len(t, policies, 2)

	_, err = NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")})
	assert.Error(t, err)
}

func TestWatchReloadsPolicies(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sandbox.rego"), []byte(testRego), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reloads atomic.Int32
	var count atomic.Int32
	err := NewLoader(zerolog.Nop()).Watch(ctx, []string{dir}, func(policies []Policy) error {
		count.Store(int32(len(policies)))
		reloads.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "second.rego"), []byte(testRego), 0o644))

	require.Eventually(t, func() bool { return reloads.Load() > 0 }, 5*time.Second, 50*time.Millisecond)
	require.Eventually(t, func() bool { return count.Load() == 2 }, 5*time.Second, 50*time.Millisecond)
}
