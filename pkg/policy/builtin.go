package policy

// BuiltinPolicies returns the admission policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		maxScaleStepPolicy(),
		frozenResourcesPolicy(),
		upgradeTargetPolicy(),
	}
}

func maxScaleStepPolicy() Policy {
	return Policy{
		Name:        "max-scale-step",
		Description: "Limits how many instances a single upscale may add",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package stackflow.admission.scale

import rego.v1

deny contains violation if {
	startswith(input.flow_type, "upscale")
	input.params.max_scale_step > 0
	n := input.payload.instance_count
	n > input.params.max_scale_step
	violation := {
		"message": sprintf("upscale by %v instances exceeds the maximum step of %v", [n, input.params.max_scale_step]),
		"resource": input.resource_id,
	}
}
`,
	}
}

func frozenResourcesPolicy() Policy {
	return Policy{
		Name:        "frozen-resources",
		Description: "Rejects every flow on resources matching a frozen pattern",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package stackflow.admission.frozen

import rego.v1

deny contains violation if {
	some pattern in input.params.frozen_resources
	glob.match(pattern, [], input.resource_id)
	violation := {
		"message": sprintf("resource %s is frozen (%s)", [input.resource_id, pattern]),
		"resource": input.resource_id,
	}
}
`,
	}
}

func upgradeTargetPolicy() Policy {
	return Policy{
		Name:        "upgrade-target",
		Description: "Requires a target version for runtime upgrades",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package stackflow.admission.upgrade

import rego.v1

deny contains violation if {
	input.flow_type == "cluster-upgrade"
	not input.payload.target_version
	violation := {
		"message": "cluster-upgrade requires target_version",
		"resource": input.resource_id,
	}
}
`,
	}
}
