package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/martinemde/autoresearch/agentloop"
	"github.com/martinemde/autoresearch/environment"
	"github.com/martinemde/autoresearch/trace"
	"github.com/martinemde/autoresearch/unifiedllm"
)

func runSession(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	problem, err := cfg.ResearchProblem()
	if err != nil {
		return err
	}
	mainModel, _, _ := cfg.Models()

	client, err := newClient(mainModel)
	if err != nil {
		return err
	}
	defer client.Close()

	llm := unifiedllm.NewTextCompleter(client,
		unifiedllm.WithStopSequences("Observation:"),
		unifiedllm.WithCompleterLogger(logger))
	fast := unifiedllm.NewTextCompleter(client, unifiedllm.WithCompleterLogger(logger))
	edit := unifiedllm.NewTextCompleter(client,
		unifiedllm.WithCompletionMaxTokens(cfg.LLM.EditScriptMaxTokens),
		unifiedllm.WithCompleterLogger(logger))

	env, err := environment.New(cfg.EnvironmentConfig(problem),
		environment.WithLogger(logger),
		environment.WithCompleters(fast, edit))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var res *agentloop.Result
	err = env.Run(ctx, func(ctx context.Context) error {
		agent, err := agentloop.New(env, llm, cfg.AgentConfig(),
			agentloop.WithLogger(logger),
			agentloop.WithFastCompleter(fast))
		if err != nil {
			return err
		}
		drained := make(chan struct{})
		go func() {
			defer close(drained)
			for ev := range agent.Events() {
				logger.Debug("agent event",
					zap.String("kind", string(ev.Kind)),
					zap.Int("cycle", ev.Cycle),
					zap.Any("data", ev.Data))
			}
		}()
		defer func() {
			agent.Close()
			<-drained
		}()

		var feedback agentloop.FeedbackFunc
		if interactive {
			feedback = stdinFeedback(cmd.InOrStdin(), out)
		}
		res, err = agent.Run(ctx, feedback)
		if err != nil {
			return err
		}
		if err := env.SaveSnapshot("final"); err != nil {
			return err
		}
		if res.Failed {
			return fmt.Errorf("agent failed: %s", res.Message)
		}
		return nil
	})
	if res != nil {
		fmt.Fprintf(out, "finished after %d steps: %s\n", env.StepCount(), res.Message)
	}
	if errors.Is(err, environment.ErrTimeout) {
		return fmt.Errorf("%w after %s", err, cfg.Environment.MaxTime)
	}
	return err
}

func newClient(model string) (*unifiedllm.Client, error) {
	provider := cfg.LLM.Provider
	adapter, err := unifiedllm.NewGollmAdapter(provider, cfg.LLM.APIKey, unifiedllm.WithModel(model))
	if err != nil {
		return nil, err
	}
	return unifiedllm.NewClient(
		unifiedllm.WithProvider(provider, adapter),
		unifiedllm.WithDefaultProvider(provider),
		unifiedllm.WithMiddleware(unifiedllm.LoggingMiddleware(logger)),
	), nil
}

// stdinFeedback prints each checkpoint and reads one line of feedback.
func stdinFeedback(in io.Reader, out io.Writer) agentloop.FeedbackFunc {
	r := bufio.NewReader(in)
	return func(ctx context.Context, cp *agentloop.Checkpoint) (string, error) {
		printCheckpoint(out, cp)
		fmt.Fprint(out, "Feedback (empty to continue): ")
		line, err := r.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		return strings.TrimSpace(line), ctx.Err()
	}
}

func printCheckpoint(w io.Writer, cp *agentloop.Checkpoint) {
	fmt.Fprintf(w, "\n=== cycle %d ===\n", cp.Cycle)
	for _, f := range []struct{ label, value string }{
		{"Reflection", cp.Reflection},
		{"Research Plan and Status", cp.ResearchPlanStatus},
		{"Thought", cp.Thought},
		{"Action", cp.Action},
	} {
		if f.value != "" {
			fmt.Fprintf(w, "%s: %s\n", f.label, strings.TrimSpace(f.value))
		}
	}
	fmt.Fprintf(w, "Observation:\n%s\n", cp.Observation)
}

func showTrace(cmd *cobra.Command, args []string) error {
	t, err := trace.Load(filepath.Join(traceLogDir, "env_log", "trace.json"))
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%d steps, %d low-level steps\n", len(t.Steps), len(t.LowLevelSteps))
	for i, s := range t.Steps {
		obs, _, _ := strings.Cut(strings.TrimSpace(s.Observation), "\n")
		fmt.Fprintf(out, "%3d  %s  %-24s %s\n", i, s.Time().Format("15:04:05"), s.Action.Name, obs)
	}
	return nil
}
