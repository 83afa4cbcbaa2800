package actions

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/martinemde/autoresearch/trace"
	"github.com/martinemde/autoresearch/unifiedllm"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func echoTool(name string, primitive bool, run Executor) Tool {
	return Tool{
		Info: trace.ActionInfo{
			Name:        name,
			Usage:       trace.Usage{{Name: "text", Description: "what to echo"}},
			IsPrimitive: primitive,
		},
		Executor: run,
	}
}

// newSession builds a tool context over a temp workspace with the builtin
// registry and a completer stub.
func newSession(t *testing.T, llm unifiedllm.Completer) *Context {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, BackupDir), 0o755))
	reg := NewBuiltinRegistry()
	clock := time.Unix(1700000000, 0)
	return &Context{
		WorkDir:         dir,
		Python:          "sh",
		Device:          "0",
		ResearchProblem: "make the tests pass",
		Trace:           trace.New(reg.Infos(), "make the tests pass"),
		Registry:        reg,
		Processes:       NewProcessTracker(),
		LLM:             llm,
		FastModel:       "fast",
		EditModel:       "edit",
		Now: func() time.Time {
			clock = clock.Add(time.Millisecond)
			return clock
		},
	}
}

func TestNewRegistryRejectsDuplicates(t *testing.T) {
	ok := func(context.Context, map[string]any, *Context) (string, error) { return "", nil }
	_, err := NewRegistry(echoTool("a", true, ok), echoTool("a", false, ok))
	require.ErrorContains(t, err, `duplicate tool "a"`)

	_, err = NewRegistry(Tool{Info: trace.ActionInfo{Name: "b"}})
	require.ErrorContains(t, err, "no executor")
}

func TestRegistryNamesKeepOrder(t *testing.T) {
	reg := NewBuiltinRegistry()
	names := reg.Names()
	require.Len(t, names, 15)
	assert.Equal(t, "List Files", names[0])
	assert.Equal(t, RetrievalAction, names[len(names)-1])

	names[0] = "mutated"
	assert.Equal(t, "List Files", reg.Names()[0])
	assert.True(t, reg.Infos()["Execute Script"].IsPrimitive)
	assert.False(t, reg.Infos()["Reflection"].IsPrimitive)
}

func TestInvokeChecksCallShape(t *testing.T) {
	called := false
	reg, err := NewRegistry(echoTool("Echo", true, func(_ context.Context, args map[string]any, _ *Context) (string, error) {
		called = true
		return args["text"].(string), nil
	}))
	require.NoError(t, err)

	_, err = reg.Invoke(context.Background(), "Echo", map[string]any{"txt": "x"}, nil)
	var argErr *ArgumentError
	require.ErrorAs(t, err, &argErr)
	assert.Equal(t, []string{"text"}, argErr.Missing)
	assert.Equal(t, []string{"txt"}, argErr.Unexpected)
	assert.False(t, called)
}

func TestInvokeRecoversPanics(t *testing.T) {
	reg, err := NewRegistry(echoTool("Boom", false, func(context.Context, map[string]any, *Context) (string, error) {
		panic("kaboom")
	}))
	require.NoError(t, err)

	_, err = reg.Invoke(context.Background(), "Boom", map[string]any{"text": "x"}, nil)
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "kaboom", pe.Value)
	assert.NotEmpty(t, pe.Stack)
}

func TestInvokeRecordsPrimitiveSteps(t *testing.T) {
	tc := newSession(t, nil)
	reg, err := NewRegistry(
		echoTool("Echo", true, func(_ context.Context, args map[string]any, _ *Context) (string, error) {
			return "echo " + args["text"].(string), nil
		}),
		echoTool("Fail", true, func(context.Context, map[string]any, *Context) (string, error) {
			return "", Errorf("no such thing")
		}),
		echoTool("Crash", true, func(context.Context, map[string]any, *Context) (string, error) {
			return "", errors.New("unexpected")
		}),
		echoTool("Twice", false, func(ctx context.Context, args map[string]any, tc *Context) (string, error) {
			if _, err := tc.invoke(ctx, "Echo", args); err != nil {
				return "", err
			}
			return tc.invoke(ctx, "Echo", args)
		}),
	)
	require.NoError(t, err)
	tc.Registry = reg
	ctx := context.Background()

	_, err = reg.Invoke(ctx, "Echo", map[string]any{"text": "a"}, tc)
	require.NoError(t, err)
	_, err = reg.Invoke(ctx, "Fail", map[string]any{"text": "b"}, tc)
	require.True(t, IsToolError(err))
	_, err = reg.Invoke(ctx, "Crash", map[string]any{"text": "c"}, tc)
	require.Error(t, err)
	_, err = reg.Invoke(ctx, "Twice", map[string]any{"text": "d"}, tc)
	require.NoError(t, err)

	var got []string
	for _, s := range tc.Trace.LowLevelSteps {
		got = append(got, s.Action.Name+": "+s.Observation)
	}
	assert.Equal(t, []string{"Echo: echo a", "Fail: no such thing", "Echo: echo d", "Echo: echo d"}, got)
	assert.Empty(t, tc.Trace.Steps)
}

func TestDecodeConvertsWeakTypes(t *testing.T) {
	var in struct {
		Start int    `arg:"start_line_number"`
		Name  string `arg:"script_name"`
	}
	require.NoError(t, Decode("Inspect Script Lines", map[string]any{"start_line_number": "12", "script_name": "train.py"}, &in))
	assert.Equal(t, 12, in.Start)

	err := Decode("Inspect Script Lines", map[string]any{"start_line_number": "twelve"}, &in)
	var argErr *ArgumentError
	require.ErrorAs(t, err, &argErr)
}
