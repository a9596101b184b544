// Package definitions loads flow definitions from CUE files. States bind
// either a registered action by name or an inline Starlark script.
package definitions

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"

	"github.com/stackflow/stackflow/pkg/flow"
)

// Problem is one error found in a definition file.
type Problem struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (p Problem) String() string {
	var b strings.Builder
	if p.File != "" {
		b.WriteString(p.File)
		if p.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", p.Line, p.Column)
		}
		b.WriteString(": ")
	}
	if p.Path != "" {
		b.WriteString(p.Path)
		b.WriteString(": ")
	}
	b.WriteString(p.Message)
	return b.String()
}

// LoadError collects every problem of a load.
type LoadError struct {
	Problems []Problem
}

func (e *LoadError) Error() string {
	lines := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		lines = append(lines, p.String())
	}
	return fmt.Sprintf("%d definition problem(s):\n  %s", len(e.Problems), strings.Join(lines, "\n  "))
}

type stateSpec struct {
	Kind    string   `json:"kind" validate:"required,oneof=initial intermediate success failure"`
	Action  string   `json:"action,omitempty" validate:"excluded_with=Script"`
	Script  string   `json:"script,omitempty"`
	Message string   `json:"message,omitempty"`
	Emits   []string `json:"emits,omitempty"`
}

type transitionSpec struct {
	From  string `json:"from" validate:"required"`
	Event string `json:"event" validate:"required"`
	To    string `json:"to" validate:"required"`
}

// Loader turns definition files into validated flow definitions.
type Loader struct {
	ctx           *cue.Context
	schema        cue.Value
	actions       map[string]flow.Action
	validate      *validator.Validate
	scriptTimeout time.Duration
}

// Option configures a Loader.
type Option func(*Loader)

// WithScriptTimeout bounds every script action execution.
func WithScriptTimeout(d time.Duration) Option {
	return func(l *Loader) { l.scriptTimeout = d }
}

// NewLoader creates a loader resolving action names against actions.
func NewLoader(actions map[string]flow.Action, opts ...Option) (*Loader, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile definition schema: %w", err)
	}
	l := &Loader{
		ctx:           ctx,
		schema:        schema,
		actions:       actions,
		validate:      validator.New(),
		scriptTimeout: DefaultScriptTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// LoadDir loads every .cue file of a directory, sorted by name.
func (l *Loader) LoadDir(dir string) ([]*flow.Definition, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.cue"))
	if err != nil {
		return nil, fmt.Errorf("failed to list definitions in %s: %w", dir, err)
	}
	sort.Strings(files)
	return l.LoadFiles(files...)
}

// LoadFiles loads the given files. A flow type defined twice is an error.
func (l *Loader) LoadFiles(paths ...string) ([]*flow.Definition, error) {
	var (
		defs     []*flow.Definition
		problems []Problem
		seen     = make(map[string]string)
	)
	for _, path := range paths {
		content, err := os.ReadFile(path)
		if err != nil {
			problems = append(problems, Problem{File: path, Message: fmt.Sprintf("failed to read file: %v", err)})
			continue
		}
		fileDefs, err := l.Parse(path, content)
		if err != nil {
			problems = append(problems, problemsOf(err)...)
			continue
		}
		for _, d := range fileDefs {
			if prev, dup := seen[d.ID()]; dup {
				problems = append(problems, Problem{File: path, Path: "flows." + d.ID(),
					Message: fmt.Sprintf("flow type already defined in %s", prev)})
				continue
			}
			seen[d.ID()] = path
			defs = append(defs, d)
		}
	}
	if len(problems) > 0 {
		return nil, &LoadError{Problems: problems}
	}
	return defs, nil
}

// Parse loads the definitions of one CUE document.
func (l *Loader) Parse(filename string, content []byte) ([]*flow.Definition, error) {
	val := l.ctx.CompileBytes(content, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, &LoadError{Problems: convertCUEErrors(err)}
	}
	val = l.schema.Unify(val)
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, &LoadError{Problems: convertCUEErrors(err)}
	}

	flows := val.LookupPath(cue.ParsePath("flows"))
	if !flows.Exists() {
		return nil, nil
	}
	iter, err := flows.Fields()
	if err != nil {
		return nil, &LoadError{Problems: []Problem{{File: filename, Path: "flows", Message: err.Error()}}}
	}

	var (
		defs     []*flow.Definition
		problems []Problem
	)
	for iter.Next() {
		id := iter.Selector().Unquoted()
		def, err := l.build(id, iter.Value())
		if err != nil {
			for _, p := range problemsOf(err) {
				if p.File == "" {
					p.File = filename
				}
				problems = append(problems, p)
			}
			continue
		}
		defs = append(defs, def)
	}
	if len(problems) > 0 {
		return nil, &LoadError{Problems: problems}
	}
	return defs, nil
}

// build assembles one flow. States are added in file order so the first
// failure state wins unless the flow names one.
func (l *Loader) build(id string, val cue.Value) (*flow.Definition, error) {
	path := "flows." + id
	var failure string
	if v := val.LookupPath(cue.ParsePath("failure")); v.Exists() {
		if err := v.Decode(&failure); err != nil {
			return nil, Problem{Path: path + ".failure", Message: err.Error()}
		}
	}

	states, err := val.LookupPath(cue.ParsePath("states")).Fields()
	if err != nil {
		return nil, Problem{Path: path + ".states", Message: err.Error()}
	}

	b := flow.NewBuilder(id)
	var problems []Problem
	var failures []stateEntry
	for states.Next() {
		name := states.Selector().Unquoted()
		statePath := path + ".states." + name
		var spec stateSpec
		if err := states.Value().Decode(&spec); err != nil {
			problems = append(problems, Problem{Path: statePath, Message: err.Error()})
			continue
		}
		if err := l.validate.Struct(spec); err != nil {
			problems = append(problems, Problem{Path: statePath, Message: err.Error()})
			continue
		}
		opts := stateOptions(spec)
		switch spec.Kind {
		case "success":
			b.Succeed(flow.StateID(name), opts...)
		case "failure":
			failures = append(failures, stateEntry{name: name, opts: opts})
		default:
			action, err := l.resolve(id, name, spec)
			if err != nil {
				problems = append(problems, Problem{Path: statePath, Message: err.Error()})
				continue
			}
			if spec.Kind == "initial" {
				b.Initial(flow.StateID(name), action, opts...)
			} else {
				b.Step(flow.StateID(name), action, opts...)
			}
		}
	}

	if failure != "" {
		sort.SliceStable(failures, func(i, j int) bool { return failures[i].name == failure && failures[j].name != failure })
	}
	for _, f := range failures {
		b.Fail(flow.StateID(f.name), f.opts...)
	}

	var transitions []transitionSpec
	if err := val.LookupPath(cue.ParsePath("transitions")).Decode(&transitions); err != nil {
		problems = append(problems, Problem{Path: path + ".transitions", Message: err.Error()})
	}
	for i, t := range transitions {
		if err := l.validate.Struct(t); err != nil {
			problems = append(problems, Problem{Path: fmt.Sprintf("%s.transitions[%d]", path, i), Message: err.Error()})
			continue
		}
		b.On(flow.StateID(t.From), flow.EventKind(t.Event), flow.StateID(t.To))
	}
	if len(problems) > 0 {
		return nil, &LoadError{Problems: problems}
	}

	def, err := b.Build()
	if err != nil {
		return nil, Problem{Path: path, Message: err.Error()}
	}
	return def, nil
}

type stateEntry struct {
	name string
	opts []flow.StateOption
}

func stateOptions(spec stateSpec) []flow.StateOption {
	var opts []flow.StateOption
	if spec.Message != "" {
		opts = append(opts, flow.Describe(spec.Message))
	}
	if len(spec.Emits) > 0 {
		kinds := make([]flow.EventKind, 0, len(spec.Emits))
		for _, e := range spec.Emits {
			kinds = append(kinds, flow.EventKind(e))
		}
		opts = append(opts, flow.Emits(kinds...))
	}
	return opts
}

func (l *Loader) resolve(flowID, state string, spec stateSpec) (flow.Action, error) {
	switch {
	case spec.Script != "":
		return NewScriptAction(flowID+"."+state, spec.Script, l.scriptTimeout)
	case spec.Action != "":
		action, ok := l.actions[spec.Action]
		if !ok {
			return nil, fmt.Errorf("unknown action %q", spec.Action)
		}
		return action, nil
	default:
		return nil, fmt.Errorf("%s state needs an action or a script", spec.Kind)
	}
}

// Error lets a single Problem travel as an error.
func (p Problem) Error() string { return p.String() }

func problemsOf(err error) []Problem {
	switch e := err.(type) {
	case *LoadError:
		return e.Problems
	case Problem:
		return []Problem{e}
	default:
		return []Problem{{Message: err.Error()}}
	}
}

func convertCUEErrors(err error) []Problem {
	var problems []Problem
	for _, e := range errors.Errors(err) {
		p := Problem{Message: errors.Details(e, nil)}
		if pos := errors.Positions(e); len(pos) > 0 {
			p.File = pos[0].Filename()
			p.Line = pos[0].Line()
			p.Column = pos[0].Column()
		}
		problems = append(problems, p)
	}
	return problems
}
