package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/autoresearch/agentloop"
	"github.com/martinemde/autoresearch/config"
	"github.com/martinemde/autoresearch/trace"
)

func TestApplyFlagsOnlyOverridesChanged(t *testing.T) {
	cfg = config.Default()
	cmd := &cobra.Command{}
	cmd.Flags().IntVar(&maxSteps, "max-steps", 0, "")
	cmd.Flags().DurationVar(&maxTime, "max-time", 0, "")
	cmd.Flags().StringVar(&llmName, "llm-name", "", "")
	require.NoError(t, cmd.Flags().Parse([]string{"--max-steps", "7", "--llm-name", "gpt-4o"}))

	applyFlags(cmd)
	assert.Equal(t, 7, cfg.Environment.MaxSteps)
	assert.Equal(t, config.Default().Environment.MaxTime, cfg.Environment.MaxTime)
	assert.Equal(t, "gpt-4o", cfg.LLM.Model)
}

func TestShowTrace(t *testing.T) {
	dir := t.TempDir()
	tr := trace.New(nil, "problem")
	at := trace.Timestamp(time.Date(2026, 1, 2, 3, 4, 5, 0, time.Local))
	tr.Append(trace.Step{Action: trace.Action{Name: "List Files"}, Observation: "train.py\ndata/\n", Timestamp: at})
	tr.Append(trace.Step{Action: trace.Action{Name: trace.FinalAnswer}, Observation: "end", Timestamp: at})
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "env_log"), 0o755))
	require.NoError(t, tr.Save(filepath.Join(dir, "env_log", "trace.json")))

	traceLogDir = dir
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	require.NoError(t, showTrace(cmd, nil))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "2 steps, 0 low-level steps", lines[0])
	assert.Contains(t, lines[1], "03:04:05")
	assert.Contains(t, lines[1], "List Files")
	assert.True(t, strings.HasSuffix(lines[1], "train.py"))
	assert.True(t, strings.HasSuffix(lines[2], "end"))
}

func TestStdinFeedback(t *testing.T) {
	var out bytes.Buffer
	fb := stdinFeedback(strings.NewReader("  use a smaller lr \n"), &out)
	got, err := fb(t.Context(), &agentloop.Checkpoint{Cycle: 2, Action: "List Files", Observation: "train.py"})
	require.NoError(t, err)
	assert.Equal(t, "use a smaller lr", got)
	assert.Contains(t, out.String(), "=== cycle 2 ===")
	assert.Contains(t, out.String(), "Action: List Files")

	got, err = fb(t.Context(), &agentloop.Checkpoint{Cycle: 3})
	require.NoError(t, err, "EOF means no feedback")
	assert.Empty(t, got)
}
