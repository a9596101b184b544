package definitions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/stackflow/stackflow/pkg/flow"
)

// DefaultScriptTimeout bounds a script action unless the loader says otherwise.
const DefaultScriptTimeout = 10 * time.Second

// Globals read back from a script after it ran.
const (
	scriptEvent     = "event"
	scriptError     = "error"
	scriptTransient = "transient"
	scriptOutputs   = "outputs"
)

var scriptPredeclared = map[string]bool{
	"payload":     true,
	"resource_id": true,
	"flow_id":     true,
	"state":       true,
	"struct":      true,
}

// ScriptAction runs an inline Starlark program as a flow action.
//
// The program sees payload, resource_id, flow_id and state. It reports its
// result through globals: event names the emitted event (SUCCESS when
// unset), error fails the action, transient marks that failure as
// retryable, and the outputs dict is merged into the payload.
type ScriptAction struct {
	name    string
	program *starlark.Program
	timeout time.Duration
}

// NewScriptAction compiles the script. Syntax and unresolved name errors are
// reported here rather than at execution.
func NewScriptAction(name, source string, timeout time.Duration) (*ScriptAction, error) {
	_, program, err := starlark.SourceProgram(name+".star", source, func(name string) bool {
		return scriptPredeclared[name]
	})
	if err != nil {
		return nil, fmt.Errorf("failed to compile script: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	return &ScriptAction{name: name, program: program, timeout: timeout}, nil
}

// Execute implements flow.Action.
func (s *ScriptAction) Execute(ctx context.Context, ac *flow.ActionContext) (flow.Event, error) {
	payload, err := toStarlarkValue(normalize(ac.Payload))
	if err != nil {
		return flow.Event{}, flow.NewProgrammingError("payload is not representable in a script", err).
			WithState(ac.State)
	}
	predeclared := starlark.StringDict{
		"payload":     payload,
		"resource_id": starlark.String(ac.ResourceID),
		"flow_id":     starlark.String(ac.FlowID),
		"state":       starlark.String(string(ac.State)),
		"struct":      starlark.NewBuiltin("struct", starlarkstruct.Make),
	}

	thread := &starlark.Thread{
		Name: s.name,
		Print: func(_ *starlark.Thread, msg string) {
			ac.Logger.Debug().Str("script", s.name).Msg(msg)
		},
	}
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	stop := context.AfterFunc(runCtx, func() { thread.Cancel(runCtx.Err().Error()) })
	defer stop()

	globals, err := s.program.Init(thread, predeclared)
	if err != nil {
		if runCtx.Err() != nil {
			return flow.Event{}, flow.NewTransientError(fmt.Sprintf("script %s did not finish in %s", s.name, s.timeout), err).
				WithResource(ac.ResourceID).WithState(ac.State)
		}
		return flow.Event{}, flow.NewPermanentError(fmt.Sprintf("script %s failed", s.name), err).
			WithResource(ac.ResourceID).WithState(ac.State)
	}
	return s.result(ac, globals)
}

func (s *ScriptAction) result(ac *flow.ActionContext, globals starlark.StringDict) (flow.Event, error) {
	if v, ok := globals[scriptError]; ok && v != starlark.None {
		msg, _ := starlark.AsString(v)
		if msg == "" {
			msg = v.String()
		}
		transient := false
		if t, ok := globals[scriptTransient]; ok {
			transient = bool(t.Truth())
		}
		if transient {
			return flow.Event{}, flow.NewTransientError(msg, nil).WithResource(ac.ResourceID).WithState(ac.State)
		}
		return flow.Event{}, flow.NewPermanentError(msg, nil).WithResource(ac.ResourceID).WithState(ac.State)
	}

	ev := flow.Success()
	if v, ok := globals[scriptEvent]; ok {
		kind, isString := starlark.AsString(v)
		if !isString || kind == "" {
			return flow.Event{}, flow.NewProgrammingError(
				fmt.Sprintf("script %s set event to %s, want a non-empty string", s.name, v.String()), nil).
				WithState(ac.State)
		}
		ev = flow.Emit(flow.EventKind(kind))
	}

	if v, ok := globals[scriptOutputs]; ok {
		outputs, err := fromStarlarkValue(v)
		if err != nil {
			return flow.Event{}, flow.NewProgrammingError(fmt.Sprintf("script %s outputs", s.name), err).
				WithState(ac.State)
		}
		m, ok := outputs.(map[string]interface{})
		if !ok {
			return flow.Event{}, flow.NewProgrammingError(
				fmt.Sprintf("script %s outputs must be a dict, got %s", s.name, v.Type()), nil).
				WithState(ac.State)
		}
		for k, val := range m {
			ev = ev.With(k, val)
		}
	}
	return ev, nil
}

// normalize turns payload values into plain JSON types.
func normalize(payload map[string]interface{}) map[string]interface{} {
	data, err := json.Marshal(payload)
	if err != nil {
		return payload
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return payload
	}
	return out
}

func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		if val == float64(int64(val)) {
			return starlark.MakeInt64(int64(val)), nil
		}
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			goVal, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = goVal
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{}, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
