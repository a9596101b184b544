package policy

import (
	"fmt"
	"strings"
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for violations that are reported but do not block.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the flow from starting.
	SeverityError Severity = "error"

	// SeverityCritical blocks the flow from starting.
	SeverityCritical Severity = "critical"
)

// Blocking returns true if a violation of this severity denies admission.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is an admission rule written in Rego. The module must define a
// deny set in its package; every member is one violation.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego module.
	Rego string `json:"rego"`

	// Severity is the default severity of violations that carry none.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is evaluated.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Params are operator settings handed to every policy as input.params.
type Params struct {
	// MaxScaleStep caps the instances one upscale may add. Zero disables the check.
	MaxScaleStep int `json:"max_scale_step" yaml:"max_scale_step" validate:"gte=0"`

	// FrozenResources lists glob patterns of resources no flow may start on.
	FrozenResources []string `json:"frozen_resources" yaml:"frozen_resources"`
}

// Input is the document policies evaluate when a flow is requested.
type Input struct {
	ResourceID string                 `json:"resource_id"`
	FlowType   string                 `json:"flow_type"`
	ActorID    string                 `json:"actor_id,omitempty"`
	AccountID  string                 `json:"account_id,omitempty"`
	Payload    map[string]interface{} `json:"payload"`
	Params     Params                 `json:"params"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Violation is one member of a policy's deny set.
type Violation struct {
	Policy   string   `json:"policy"`
	Resource string   `json:"resource,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Decision is the outcome of evaluating every enabled policy.
type Decision struct {
	// Allowed is false when any blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations lists the blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations and evaluation failures.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Err returns a *DeniedError when the decision denies admission.
func (d *Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &DeniedError{Violations: d.Violations}
}

// DeniedError reports the violations that blocked a flow.
type DeniedError struct {
	Violations []Violation
}

func (e *DeniedError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	return "denied by policy: " + strings.Join(msgs, "; ")
}
