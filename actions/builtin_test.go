package actions

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/autoresearch/unifiedllm"
)

func writeWorkspace(t *testing.T, tc *Context, name, content string) {
	t.Helper()
	path := filepath.Join(tc.WorkDir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readWorkspace(t *testing.T, tc *Context, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(tc.WorkDir, name))
	require.NoError(t, err)
	return string(data)
}

func invoke(t *testing.T, tc *Context, name string, args map[string]any) (string, error) {
	t.Helper()
	return tc.Registry.Invoke(context.Background(), name, args, tc)
}

// countingLLM replies with reply(prompt) and counts calls.
type countingLLM struct {
	calls  atomic.Int32
	models []string
	reply  func(prompt string) string
}

func (c *countingLLM) Complete(_ context.Context, prompt, model string) (string, error) {
	c.calls.Add(1)
	c.models = append(c.models, model)
	return c.reply(prompt), nil
}

func TestWriteReadListFiles(t *testing.T) {
	tc := newSession(t, nil)

	out, err := invoke(t, tc, "Write File", map[string]any{"file_name": "src/train.py", "content": "print(1)\n"})
	require.NoError(t, err)
	assert.Equal(t, "File src/train.py written successfully.", out)

	out, err = invoke(t, tc, "Read File", map[string]any{"file_name": "src/train.py"})
	require.NoError(t, err)
	assert.Equal(t, "print(1)\n", out)

	out, err = invoke(t, tc, "List Files", map[string]any{"dir_path": "."})
	require.NoError(t, err)
	assert.Equal(t, "backup/\nsrc/\n", out)
}

func TestWritesStayInsideWorkspace(t *testing.T) {
	tc := newSession(t, nil)
	tc.ReadOnlyFiles = []string{"./data.csv"}
	writeWorkspace(t, tc, "data.csv", "a,b\n")

	_, err := invoke(t, tc, "Write File", map[string]any{"file_name": "../escape.txt", "content": "x"})
	require.True(t, IsToolError(err))
	assert.Contains(t, err.Error(), "outside the work directory")

	_, err = invoke(t, tc, "Write File", map[string]any{"file_name": "data.csv", "content": "x"})
	require.True(t, IsToolError(err))
	assert.Contains(t, err.Error(), "read-only")
	assert.Equal(t, "a,b\n", readWorkspace(t, tc, "data.csv"))

	_, err = invoke(t, tc, "Read File", map[string]any{"file_name": "data.csv"})
	require.NoError(t, err)
}

func TestUndoEditScriptRestoresPreviousContent(t *testing.T) {
	tc := newSession(t, nil)
	writeWorkspace(t, tc, "train.py", "v1\n")

	_, err := invoke(t, tc, "Write File", map[string]any{"file_name": "train.py", "content": "v2\n"})
	require.NoError(t, err)
	_, err = invoke(t, tc, "Write File", map[string]any{"file_name": "train.py", "content": "v3\n"})
	require.NoError(t, err)

	out, err := invoke(t, tc, "Undo Edit Script", map[string]any{"script_name": "train.py"})
	require.NoError(t, err)
	assert.Equal(t, "Content of train.py after undo the most recent edit:\nv2\n", out)
	_, err = invoke(t, tc, "Undo Edit Script", map[string]any{"script_name": "train.py"})
	require.NoError(t, err)
	assert.Equal(t, "v1\n", readWorkspace(t, tc, "train.py"))

	_, err = invoke(t, tc, "Undo Edit Script", map[string]any{"script_name": "train.py"})
	require.True(t, IsToolError(err))
}

func TestCopyAndAppendFile(t *testing.T) {
	tc := newSession(t, nil)
	writeWorkspace(t, tc, "a.txt", "hello\n")

	_, err := invoke(t, tc, "Copy File", map[string]any{"source": "a.txt", "destination": "b.txt"})
	require.NoError(t, err)
	_, err = invoke(t, tc, "Append File", map[string]any{"file_name": "b.txt", "content": "world\n"})
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld\n", readWorkspace(t, tc, "b.txt"))

	_, err = invoke(t, tc, "Copy File", map[string]any{"source": "missing.txt", "destination": "c.txt"})
	require.True(t, IsToolError(err))
}

func TestExecuteScript(t *testing.T) {
	tc := newSession(t, nil)
	tc.LogFile = filepath.Join(t.TempDir(), "tool_logs", "step_0_tool_log.log")
	writeWorkspace(t, tc, "hello.sh", "echo hi from $CUDA_VISIBLE_DEVICES\nexit 3\n")

	out, err := invoke(t, tc, "Execute Script", map[string]any{"script_name": "hello.sh"})
	require.NoError(t, err)
	assert.Equal(t, "The script has been executed. Here is the output:\nhi from 0\n", out)

	logged, err := os.ReadFile(tc.LogFile)
	require.NoError(t, err)
	assert.Equal(t, "hi from 0\n", string(logged))
	assert.Zero(t, tc.Processes.Active())

	_, err = invoke(t, tc, "Execute Script", map[string]any{"script_name": "nope.sh"})
	require.True(t, IsToolError(err))
	assert.Contains(t, err.Error(), "does not exist")
}

func TestExecuteScriptStopsOnCancel(t *testing.T) {
	tc := newSession(t, nil)
	writeWorkspace(t, tc, "slow.sh", "sleep 30\n")
	cause := fmt.Errorf("deadline")
	ctx, cancel := context.WithCancelCause(context.Background())
	time.AfterFunc(50*time.Millisecond, func() { cancel(cause) })

	start := time.Now()
	_, err := tc.Registry.Invoke(ctx, "Execute Script", map[string]any{"script_name": "slow.sh"}, tc)
	require.ErrorIs(t, err, cause)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestProcessTrackerKillAll(t *testing.T) {
	tc := newSession(t, nil)
	writeWorkspace(t, tc, "forever.sh", "sleep 30 &\nsleep 30\n")

	done := make(chan error, 1)
	go func() {
		_, err := invoke(t, tc, "Execute Script", map[string]any{"script_name": "forever.sh"})
		done <- err
	}()
	require.Eventually(t, func() bool { return tc.Processes.Active() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, tc.Processes.KillAll())
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("script still running after KillAll")
	}
	assert.Zero(t, tc.Processes.Active())
}

func TestProcessTrackerKillAllReachesBackgroundChildren(t *testing.T) {
	tc := newSession(t, nil)
	writeWorkspace(t, tc, "quick.sh", "exit 0\n")
	writeWorkspace(t, tc, "spawn.sh", "sleep 300 >/dev/null 2>&1 &\necho $! > bg.pid\n")

	_, err := invoke(t, tc, "Execute Script", map[string]any{"script_name": "quick.sh"})
	require.NoError(t, err)
	_, err = invoke(t, tc, "Execute Script", map[string]any{"script_name": "spawn.sh"})
	require.NoError(t, err)
	require.Zero(t, tc.Processes.Active(), "the script itself has exited")

	pid, err := strconv.Atoi(strings.TrimSpace(readWorkspace(t, tc, "bg.pid")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = syscall.Kill(pid, syscall.SIGKILL) })
	require.False(t, processGone(pid), "background child should outlive the script")

	require.NoError(t, tc.Processes.KillAll(), "the empty quick.sh group is not an error")
	assert.Eventually(t, func() bool { return processGone(pid) }, 5*time.Second, 10*time.Millisecond)
}

// processGone reports whether pid no longer exists or is a zombie waiting on
// a parent that does not reap.
func processGone(pid int) bool {
	if errors.Is(syscall.Kill(pid, 0), syscall.ESRCH) {
		return true
	}
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return os.IsNotExist(err)
	}
	i := strings.LastIndex(string(stat), ") ")
	return i >= 0 && strings.HasPrefix(string(stat)[i+2:], "Z")
}

func TestInspectScriptLines(t *testing.T) {
	tc := newSession(t, nil)
	var lines []string
	for i := 1; i <= 10; i++ {
		lines = append(lines, fmt.Sprintf("line %d", i))
	}
	writeWorkspace(t, tc, "s.py", strings.Join(lines, "\n")+"\n")

	out, err := invoke(t, tc, "Inspect Script Lines", map[string]any{"script_name": "s.py", "start_line_number": "2", "end_line_number": 3})
	require.NoError(t, err)
	assert.Equal(t, "Here are the lines (the file ends at line 10):\n\nline 2\nline 3", out)

	_, err = invoke(t, tc, "Inspect Script Lines", map[string]any{"script_name": "s.py", "start_line_number": 1, "end_line_number": 500})
	require.True(t, IsToolError(err))
}

func TestEditScriptWritesAndDiffs(t *testing.T) {
	llm := &countingLLM{reply: func(string) string { return "Sure:\n```python\nprint(2)\n```\nDone." }}
	tc := newSession(t, llm)
	writeWorkspace(t, tc, "train.py", "print(1)\n")

	out, err := invoke(t, tc, "Edit Script (AI)", map[string]any{
		"script_name": "train.py", "edit_instruction": "print 2", "save_name": "train.py",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "The edited file is saved to train.py.")
	assert.Contains(t, out, "-print(1)")
	assert.Contains(t, out, "+print(2)")
	assert.Equal(t, "print(2)\n", readWorkspace(t, tc, "train.py"))
	assert.Equal(t, []string{"edit"}, llm.models)

	var names []string
	for _, s := range tc.Trace.LowLevelSteps {
		names = append(names, s.Action.Name)
	}
	assert.Equal(t, []string{"Read File", "Write File"}, names)

	_, err = invoke(t, tc, "Undo Edit Script", map[string]any{"script_name": "train.py"})
	require.NoError(t, err)
	assert.Equal(t, "print(1)\n", readWorkspace(t, tc, "train.py"))
}

func TestEditScriptSegment(t *testing.T) {
	llm := &countingLLM{reply: func(string) string { return "```python\nB = 20\n```" }}
	tc := newSession(t, llm)
	writeWorkspace(t, tc, "cfg.py", "A = 1\nB = 2\nC = 3\n")

	_, err := invoke(t, tc, "Edit Script Segment (AI)", map[string]any{
		"script_name": "cfg.py", "start_line_number": 2, "end_line_number": 2,
		"edit_instruction": "set B to 20", "save_name": "cfg_new.py",
	})
	require.NoError(t, err)
	assert.Equal(t, "A = 1\nB = 20\nC = 3\n", readWorkspace(t, tc, "cfg_new.py"))
	assert.Equal(t, "A = 1\nB = 2\nC = 3\n", readWorkspace(t, tc, "cfg.py"))
}

func TestEditScriptCreatesMissingScript(t *testing.T) {
	llm := &countingLLM{reply: func(string) string { return "```python\nimport os\n```" }}
	tc := newSession(t, llm)

	_, err := invoke(t, tc, "Edit Script (AI)", map[string]any{
		"script_name": "new.py", "edit_instruction": "import os", "save_name": "new.py",
	})
	require.NoError(t, err)
	assert.Equal(t, "import os\n", readWorkspace(t, tc, "new.py"))
}

func TestUnderstandFileSummarizesBlocks(t *testing.T) {
	llm := &countingLLM{reply: func(p string) string {
		if strings.HasPrefix(p, "Given the relevant observations") {
			return "combined"
		}
		return "part"
	}}
	tc := newSession(t, llm)
	line := strings.Repeat("x", 99) + "\n"
	writeWorkspace(t, tc, "big.txt", strings.Repeat(line, 250))

	out, err := invoke(t, tc, "Understand File", map[string]any{"file_name": "big.txt", "things_to_look_for": "x"})
	require.NoError(t, err)
	assert.Equal(t, "combined", out)
	assert.Equal(t, int32(4), llm.calls.Load(), "three blocks and one merge")
}

func TestResearchLogRoundTrip(t *testing.T) {
	llm := &countingLLM{reply: func(p string) string { return "digest" }}
	tc := newSession(t, llm)

	out, err := invoke(t, tc, RetrievalAction, map[string]any{"current_plan": ""})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Zero(t, llm.calls.Load(), "empty log needs no completion")

	out, err = invoke(t, tc, AppendLogAction, map[string]any{"content": "\n\nStep 0:\nlisted files\n"})
	require.NoError(t, err)
	assert.Equal(t, "Successfully appended to research log", out)
	assert.Equal(t, "\n\nStep 0:\nlisted files\n", readWorkspace(t, tc, ResearchLog))

	out, err = invoke(t, tc, RetrievalAction, map[string]any{"current_plan": "plan"})
	require.NoError(t, err)
	assert.Equal(t, "digest", out)

	out, err = invoke(t, tc, "Reflection", map[string]any{"things_to_reflect_on": "progress"})
	require.NoError(t, err)
	assert.Equal(t, "Reflection: digest", out)
}

func TestCompletionErrorsPropagateUnchanged(t *testing.T) {
	tooLong := &unifiedllm.ContextLengthError{}
	tc := newSession(t, unifiedllm.CompleterFunc(func(context.Context, string, string) (string, error) {
		return "", tooLong
	}))
	writeWorkspace(t, tc, "a.txt", "content\n")

	_, err := invoke(t, tc, "Understand File", map[string]any{"file_name": "a.txt", "things_to_look_for": "x"})
	assert.True(t, unifiedllm.IsPromptTooLong(err))
}
