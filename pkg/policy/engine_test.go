package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop(), opts...)
	require.NoError(t, err)
	return eng
}

func TestNewEngineLoadsBuiltins(t *testing.T) {
	eng := newTestEngine(t)

	var names []string
	for _, p := range eng.Policies() {
		names = append(names, p.Name)
		assert.True(t, p.Enabled)
	}
	assert.Equal(t, []string{"frozen-resources", "max-scale-step", "upgrade-target"}, names)

	empty := newTestEngine(t, WithoutBuiltins())
	assert.Empty(t, empty.Policies())
}

func TestEvaluateBuiltins(t *testing.T) {
	eng := newTestEngine(t, WithParams(Params{
		MaxScaleStep:    10,
		FrozenResources: []string{"prod-*"},
	}))

	tests := []struct {
		name     string
		input    Input
		allowed  bool
		policies []string
	}{
		{
			name: "upscale within step",
			input: Input{
				ResourceID: "cluster-1",
				FlowType:   "upscale",
				Payload:    map[string]interface{}{"instance_count": 4},
			},
			allowed: true,
		},
		{
			name: "upscale beyond step",
			input: Input{
				ResourceID: "cluster-1",
				FlowType:   "upscale-full",
				Payload:    map[string]interface{}{"instance_count": 12},
			},
			policies: []string{"max-scale-step"},
		},
		{
			name: "frozen resource",
			input: Input{
				ResourceID: "prod-eu-1",
				FlowType:   "database-start",
			},
			policies: []string{"frozen-resources"},
		},
		{
			name: "upgrade without target",
			input: Input{
				ResourceID: "cluster-1",
				FlowType:   "cluster-upgrade",
			},
			policies: []string{"upgrade-target"},
		},
		{
			name: "upgrade with target",
			input: Input{
				ResourceID: "cluster-1",
				FlowType:   "cluster-upgrade",
				Payload:    map[string]interface{}{"target_version": "7.4.2"},
			},
			allowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := eng.Evaluate(context.Background(), tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, decision.Allowed)
			assert.Len(t, decision.EvaluatedPolicies, 3)

			var got []string
			for _, v := range decision.Violations {
				got = append(got, v.Policy)
				assert.Equal(t, tt.input.ResourceID, v.Resource)
				assert.NotEmpty(t, v.Message)
			}
			assert.Equal(t, tt.policies, got)

			if tt.allowed {
				assert.NoError(t, decision.Err())
			} else {
				var denied *DeniedError
				require.True(t, errors.As(decision.Err(), &denied))
				assert.Contains(t, denied.Error(), "denied by policy: "+tt.policies[0])
			}
		})
	}
}

func TestZeroScaleStepDisablesCheck(t *testing.T) {
	eng := newTestEngine(t)

	decision, err := eng.Evaluate(context.Background(), Input{
		ResourceID: "cluster-1",
		FlowType:   "upscale",
		Payload:    map[string]interface{}{"instance_count": 500},
	})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	input := Input{ResourceID: "cluster-1", FlowType: "cluster-upgrade"}

	require.NoError(t, eng.DisablePolicy("upgrade-target"))
	decision, err := eng.Evaluate(context.Background(), input)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.NotContains(t, decision.EvaluatedPolicies, "upgrade-target")

	require.NoError(t, eng.EnablePolicy("upgrade-target"))
	decision, err = eng.Evaluate(context.Background(), input)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)

	assert.Error(t, eng.DisablePolicy("missing"))
}

func TestWarningsDoNotBlock(t *testing.T) {
	eng := newTestEngine(t, WithoutBuiltins())
	err := eng.Replace(context.Background(), []Policy{{
		Name:     "weekend",
		Severity: SeverityWarning,
		Enabled:  true,
		Rego: `package stackflow.admission.weekend

import rego.v1

deny contains "database starts are discouraged" if {
	input.flow_type == "database-start"
}

deny contains {"message": "hard stop", "severity": "critical"} if {
	input.payload.force == false
}
`,
	}})
	require.NoError(t, err)

	decision, err := eng.Evaluate(context.Background(), Input{ResourceID: "db-1", FlowType: "database-start"})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	require.Len(t, decision.Warnings, 1)
	assert.Equal(t, "database starts are discouraged", decision.Warnings[0].Message)
	assert.Equal(t, "db-1", decision.Warnings[0].Resource)

	decision, err = eng.Evaluate(context.Background(), Input{
		ResourceID: "db-1",
		FlowType:   "database-start",
		Payload:    map[string]interface{}{"force": false},
	})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	require.Len(t, decision.Violations, 1)
	assert.Equal(t, SeverityCritical, decision.Violations[0].Severity)
}

func TestReplaceRejectsBrokenPolicy(t *testing.T) {
	eng := newTestEngine(t)

	err := eng.Replace(context.Background(), []Policy{{
		Name:    "broken",
		Enabled: true,
		Rego:    "package broken\n\ndeny contains x if {",
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.Len(t, eng.Policies(), 3)
}

func TestLoadPoliciesFromDirectory(t *testing.T) {
	dir := t.TempDir()
	rego := `# Blocks upgrades of the legacy fleet.
# severity: critical
package stackflow.admission.legacy

import rego.v1

deny contains "legacy clusters cannot be upgraded" if {
	input.flow_type == "cluster-upgrade"
	startswith(input.resource_id, "legacy-")
}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "legacy.rego"), []byte(rego), 0o644))

	eng := newTestEngine(t)
	require.NoError(t, eng.LoadPolicies(context.Background(), []string{dir}))
	assert.Len(t, eng.Policies(), 4)

	decision, err := eng.Evaluate(context.Background(), Input{
		ResourceID: "legacy-7",
		FlowType:   "cluster-upgrade",
		Payload:    map[string]interface{}{"target_version": "7.4.2"},
	})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	require.Len(t, decision.Violations, 1)
	assert.Equal(t, "legacy", decision.Violations[0].Policy)
	assert.Equal(t, SeverityCritical, decision.Violations[0].Severity)
}
