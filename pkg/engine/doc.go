// Package engine executes flow instances against their definitions.
//
// # Overview
//
// The Engine runs one step at a time: it resolves the action of the current
// state, executes it, maps the outcome to an event, looks up the next state
// and commits the transition together with its history entry before any
// notification is sent. A crash between two commits re-runs the interrupted
// action on resume and never duplicates history.
//
// Outcome mapping:
//
//   - nil error: the event returned by the action, SUCCESS by default
//   - classified flow error (transient, not-found-yet, permanent): FAILURE
//   - poll.ErrPollTimeout: TIMEOUT
//   - unclassified error or panic: FAILURE routed straight to the failure state
//   - programming error: the instance halts until aborted (strict engines panic)
//
// Abort requests are honoured between steps only. A cancelled context stops
// the run without a transition.
//
// # Pool and Watchdog
//
// Pool runs at most cfg.Workers instances at once. An instance gives its
// execution slot up while it sleeps in a poll or between retries:
//
//	pool := engine.NewPool(eng, cfg.Workers, cfg.QueueSize, engine.PoolTelemetry(tel))
//	pool.Start(ctx)
//	defer pool.Stop()
//
//	if err := pool.Submit(ctx, inst); err != nil {
//	    return err
//	}
//
// Watchdog periodically lists active instances and warns about those that
// made no transition within the stall ceiling.
package engine
