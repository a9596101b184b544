// Package policy gates flow starts with Open Policy Agent admission policies.
//
// Every policy is a Rego module defining a deny set. The engine evaluates
// all enabled policies against an Input describing the requested flow:
//
//	{
//	  "resource_id": "cluster-1",
//	  "flow_type":   "upscale",
//	  "account_id":  "acc-1",
//	  "payload":     {"instance_count": 12},
//	  "params":      {"max_scale_step": 10, "frozen_resources": ["prod-*"]}
//	}
//
// Members of deny are strings or objects with message, severity and
// resource keys. Violations with error or critical severity deny the start;
// the rest are returned as warnings.
//
// Built-in policies cap the upscale step, reject flows on frozen resources
// and require a target version for runtime upgrades. Operator policies are
// loaded from .rego and .json files and can be watched for changes:
//
//	eng, err := policy.NewEngine(logger, policy.WithParams(params))
//	if err := eng.LoadPolicies(ctx, []string{"/etc/stackflow/policies"}); err != nil {
//	    return err
//	}
//	decision, err := eng.Evaluate(ctx, policy.Input{ResourceID: id, FlowType: "upscale"})
package policy
