// Package actions is the catalogue of operations the research agent can take
// inside its workspace, and the registry the environment dispatches through.
//
// Primitive actions touch the workspace directly. Composite actions are built
// from primitives, invoked through the same Registry so that every primitive
// execution lands in the trace's low-level steps.
package actions

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/martinemde/autoresearch/trace"
	"github.com/martinemde/autoresearch/unifiedllm"
)

// Executor runs an action. args has already been checked against the
// action's usage; tc carries the session context shared by all actions.
type Executor func(ctx context.Context, args map[string]any, tc *Context) (string, error)

// Tool pairs an action's description with its executor.
type Tool struct {
	Info     trace.ActionInfo
	Executor Executor
}

// Context is the fixed session data handed to every action invocation.
type Context struct {
	WorkDir         string
	ReadOnlyFiles   []string
	Device          string
	Python          string
	ResearchProblem string

	// LogFile is the per-step tool log path.
	LogFile string
	Trace   *trace.Trace

	Registry  *Registry
	Processes *ProcessTracker

	// LLM serves understanding, reflection and retrieval; EditLLM serves
	// script edits and falls back to LLM when nil.
	LLM       unifiedllm.Completer
	EditLLM   unifiedllm.Completer
	FastModel string
	EditModel string

	Logger *zap.Logger
	Now    func() time.Time
}

func (tc *Context) now() time.Time {
	if tc.Now != nil {
		return tc.Now()
	}
	return time.Now()
}

func (tc *Context) logger() *zap.Logger {
	if tc.Logger != nil {
		return tc.Logger
	}
	return zap.NewNop()
}

func (tc *Context) editLLM() unifiedllm.Completer {
	if tc.EditLLM != nil {
		return tc.EditLLM
	}
	return tc.LLM
}

// PanicError is a recovered panic from an executor.
type PanicError struct {
	Action string
	Value  any
	Stack  []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Action, e.Value)
}

// Registry is an immutable name-keyed set of tools. Names keep registration
// order, which is the order actions are listed to the model.
type Registry struct {
	tools map[string]Tool
	names []string
}

// NewRegistry builds a registry, rejecting duplicate or empty names.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		name := t.Info.Name
		if name == "" {
			return nil, fmt.Errorf("tool with empty name")
		}
		if t.Executor == nil {
			return nil, fmt.Errorf("tool %q has no executor", name)
		}
		if _, dup := r.tools[name]; dup {
			return nil, fmt.Errorf("duplicate tool %q", name)
		}
		r.tools[name] = t
		r.names = append(r.names, name)
	}
	return r, nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	return slices.Clone(r.names)
}

// Infos returns the serializable description of every tool.
func (r *Registry) Infos() map[string]trace.ActionInfo {
	infos := make(map[string]trace.ActionInfo, len(r.tools))
	for name, t := range r.tools {
		infos[name] = t.Info
	}
	return infos
}

// Invoke checks args against the tool's usage and runs it. Every primitive
// invocation that returns an observation or a ToolError is appended to the
// trace's low-level steps.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any, tc *Context) (out string, err error) {
	t, ok := r.tools[name]
	if !ok {
		return "", Errorf("Invalid action: %s", name)
	}
	if err := checkArgs(t.Info, args); err != nil {
		return "", err
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = &PanicError{Action: name, Value: rec, Stack: debug.Stack()}
		}
	}()

	out, err = t.Executor(ctx, args, tc)
	if t.Info.IsPrimitive && tc != nil && tc.Trace != nil {
		observation := out
		var te *ToolError
		switch {
		case err == nil:
		case errors.As(err, &te):
			observation = te.Message
		default:
			return out, err
		}
		tc.Trace.AppendLowLevel(trace.Step{
			Action:      trace.Action{Name: name, Args: args},
			Observation: observation,
			Timestamp:   trace.Timestamp(tc.now()),
		})
	}
	return out, err
}

func checkArgs(info trace.ActionInfo, args map[string]any) error {
	var missing, unexpected []string
	for _, key := range info.Usage.Keys() {
		if _, ok := args[key]; !ok {
			missing = append(missing, key)
		}
	}
	for key := range args {
		if !info.Usage.Has(key) {
			unexpected = append(unexpected, key)
		}
	}
	if len(missing) == 0 && len(unexpected) == 0 {
		return nil
	}
	sort.Strings(unexpected)
	return &ArgumentError{Action: info.Name, Missing: missing, Unexpected: unexpected}
}
