package definitions

// schemaSource constrains definition files. Every file holds a top-level
// flows map keyed by flow type.
const schemaSource = `
#Kind: "initial" | "intermediate" | "success" | "failure"

#State: {
	// kind decides whether the state runs an action or ends the flow
	kind: #Kind

	// action names a registered action
	action?: string & != ""

	// script is an inline Starlark action
	script?: string & != ""

	// message is the history message of transitions into the state
	message?: string

	// emits lists the success events the action may produce
	emits?: [...string & =~"^[A-Z][A-Z0-9_]*$"]
}

#Transition: {
	from:  string & != ""
	event: string & =~"^[A-Z][A-Z0-9_]*$"
	to:    string & != ""
}

#Flow: {
	// failure picks the designated failure state when several exist
	failure?: string
	states: [string]: #State
	transitions: [...#Transition]
}

flows: [string & =~"^[a-z0-9][a-z0-9_.-]*$"]: #Flow
`
