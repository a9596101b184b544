// Package flow provides the core types of the StackFlow orchestration engine.
//
// # Overview
//
// A flow is one run of a state machine against an infrastructure resource, such
// as scaling a managed cluster or upgrading its runtime. Each step may wait
// seconds to minutes for an external provider to converge. The package defines
// the static side of a flow and the values exchanged with the engine:
//
//   - Definition: an immutable transition table (StateID, EventKind) -> StateID
//     with one Action per non-terminal state
//   - Builder: assembles and validates a Definition
//   - Instance: the persisted state of one flow run
//   - Event: the outcome of an action, consumed by the transition table
//   - HistoryEntry: an immutable audit record per committed transition
//   - Error: the classified error taxonomy used across the engine
//
// # Building a Definition
//
//	def, err := flow.NewBuilder("upscale").
//	    Initial("Init", initAction).
//	    Step("AddInstances", addInstances).
//	    Step("Validate", validate).
//	    Succeed("Finished").
//	    Fail("Fail").
//	    Then("Init", "AddInstances").
//	    Then("AddInstances", "Validate").
//	    Then("Validate", "Finished").
//	    Build()
//
// FAILURE and TIMEOUT events of every non-terminal state route to the first
// failure state unless mapped explicitly. Build runs Validate, which rejects
// unreachable states, states without a path to a terminal state and declared
// events without a transition.
//
// # Error Classification
//
//   - Transient: temporary external failure, retried by polling or backoff
//   - NotFoundYet: eventually-consistent lookup miss, retried by the retry wrapper
//   - Permanent: routes the flow to its failure state
//   - Programming: definition defect (unknown transition, unbound action)
//   - Cancelled: user-initiated abort
//
// Use the helper functions to inspect errors:
//
//	if flow.IsNotFoundYet(err) {
//	    // retry the lookup
//	}
package flow
