package flow

import (
	"errors"
	"fmt"
)

// Validate checks the structural invariants of a definition:
//
//   - an initial state and a terminal-failure state exist
//   - every non-terminal state has an action and handles SUCCESS-or-declared
//     events, FAILURE and TIMEOUT
//   - terminal states have no action and no outgoing transitions
//   - transitions only reference known states
//   - every state is reachable from the initial state
//   - every non-terminal state has a path to a terminal state
func Validate(d *Definition) error {
	var issues []error

	if d.initial == "" {
		issues = append(issues, errors.New("no initial state"))
	} else if _, ok := d.states[d.initial]; !ok {
		issues = append(issues, fmt.Errorf("initial state %s is not declared", d.initial))
	}
	if d.failure == "" {
		issues = append(issues, errors.New("no terminal-failure state"))
	}

	for from, edges := range d.transitions {
		if _, ok := d.states[from]; !ok {
			issues = append(issues, fmt.Errorf("transition from undeclared state %s", from))
			continue
		}
		for event, to := range edges {
			if _, ok := d.states[to]; !ok {
				issues = append(issues, fmt.Errorf("transition %s --%s--> undeclared state %s", from, event, to))
			}
		}
	}

	for _, id := range d.order {
		s := d.states[id]
		if err := s.Kind.Validate(); err != nil {
			issues = append(issues, err)
			continue
		}
		if s.Kind.IsTerminal() {
			if s.Action != nil {
				issues = append(issues, fmt.Errorf("terminal state %s has an action", id))
			}
			if len(d.transitions[id]) > 0 {
				issues = append(issues, fmt.Errorf("terminal state %s has outgoing transitions", id))
			}
			continue
		}
		if s.Action == nil {
			issues = append(issues, fmt.Errorf("state %s has no action", id))
		}
		if len(d.transitions[id]) == 0 {
			issues = append(issues, fmt.Errorf("state %s has no outgoing transition", id))
		}
		for _, event := range d.Events(id) {
			if _, ok := d.transitions[id][event]; !ok {
				issues = append(issues, fmt.Errorf("state %s does not handle event %s", id, event))
			}
		}
	}

	if len(issues) == 0 {
		issues = append(issues, checkReachability(d)...)
	}

	if len(issues) > 0 {
		return NewProgrammingError("invalid definition "+d.id, errors.Join(issues...)).
			WithCode(ErrCodeInvalidDefinition)
	}
	return nil
}

// checkReachability runs a forward search from the initial state and a backward
// search from the terminal states.
func checkReachability(d *Definition) []error {
	var issues []error

	reachable := map[StateID]bool{d.initial: true}
	queue := []StateID{d.initial}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range d.transitions[cur] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}

	reverse := make(map[StateID][]StateID)
	for from, edges := range d.transitions {
		for _, to := range edges {
			reverse[to] = append(reverse[to], from)
		}
	}
	live := make(map[StateID]bool)
	queue = queue[:0]
	for _, id := range d.order {
		if d.states[id].Kind.IsTerminal() {
			live[id] = true
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, prev := range reverse[cur] {
			if !live[prev] {
				live[prev] = true
				queue = append(queue, prev)
			}
		}
	}

	for _, id := range d.order {
		if !reachable[id] {
			issues = append(issues, fmt.Errorf("state %s is unreachable from %s", id, d.initial))
		}
		if !live[id] {
			issues = append(issues, fmt.Errorf("state %s has no path to a terminal state", id))
		}
	}
	return issues
}
