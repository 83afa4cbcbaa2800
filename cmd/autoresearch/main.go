// Command autoresearch runs an autonomous research agent inside a workspace.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/martinemde/autoresearch/config"
	"github.com/martinemde/autoresearch/logging"
)

var (
	configPath string
	verbose    bool

	// run flags
	researchProblemFile string
	workDir             string
	logDir              string
	maxSteps            int
	maxTime             time.Duration
	device              string
	python              string
	modifiableFiles     []string
	resume              string
	resumeStep          int
	llmProvider         string
	llmName             string
	fastLLMName         string
	editScriptLLMName   string
	editScriptMaxTokens int
	agentMaxSteps       int
	maxStepsInContext   int
	maxObsInContext     int
	maxRetries          int
	removeFromPrompt    []string
	addToPrompt         []string
	validFormatEntries  []string
	retrieval           bool
	interactive         bool

	traceLogDir string

	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "autoresearch",
	Short: "Autonomous research agent",
	Long: `autoresearch gives a language model a workspace, a research problem and a
fixed set of actions (read, edit and run scripts, keep a research log) and
lets it work until it submits a final answer or runs out of steps or time.

Every step is recorded under <log_dir>/env_log so a run can be inspected or
resumed from any step.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one research session",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		applyFlags(cmd)
		if err := cfg.Validate(); err != nil {
			return err
		}
		logFile := cfg.Logging.File
		if logFile == "" {
			logFile = "main.log"
		}
		if !filepath.IsAbs(logFile) {
			logFile = filepath.Join(cfg.Environment.LogDir, logFile)
		}
		logger, err = logging.New(logging.Options{Level: cfg.Logging.Level, Verbose: verbose, File: logFile})
		return err
	},
	PostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runSession,
}

var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "List the steps recorded in a session's log directory",
	RunE:  showTrace,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default " + config.DefaultFile,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = config.DefaultFile
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default "+config.DefaultFile+" if present)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	f := runCmd.Flags()
	f.StringVar(&researchProblemFile, "research-problem", "", "file holding the research problem")
	f.StringVar(&workDir, "work-dir", "", "workspace directory")
	f.StringVar(&logDir, "log-dir", "", "log directory")
	f.IntVar(&maxSteps, "max-steps", 0, "maximum number of environment steps")
	f.DurationVar(&maxTime, "max-time", 0, "wall-clock budget for the session")
	f.StringVar(&device, "device", "", "CUDA device exposed to scripts")
	f.StringVar(&python, "python", "", "interpreter used by Execute Script")
	f.StringSliceVar(&modifiableFiles, "modifiable-files", nil, "patterns of files the agent may modify")
	f.StringVar(&resume, "resume", "", "log directory of a session to resume")
	f.IntVar(&resumeStep, "resume-step", 0, "step to resume from")
	f.StringVar(&llmProvider, "llm-provider", "", "completion provider (anthropic, openai)")
	f.StringVar(&llmName, "llm-name", "", "model for the agent")
	f.StringVar(&fastLLMName, "fast-llm-name", "", "model for summaries and composite actions")
	f.StringVar(&editScriptLLMName, "edit-script-llm-name", "", "model for script edits")
	f.IntVar(&editScriptMaxTokens, "edit-script-llm-max-tokens", 0, "max tokens for script edits")
	f.IntVar(&agentMaxSteps, "agent-max-steps", 0, "maximum number of agent cycles")
	f.IntVar(&maxStepsInContext, "max-steps-in-context", 0, "recent cycles shown in the prompt")
	f.IntVar(&maxObsInContext, "max-observation-steps-in-context", 0, "recent cycles whose observation is shown")
	f.IntVar(&maxRetries, "max-retries", 0, "attempts to get a well-formed response")
	f.StringSliceVar(&removeFromPrompt, "actions-remove-from-prompt", nil, "actions hidden from the tools prompt")
	f.StringSliceVar(&addToPrompt, "actions-add-to-prompt", nil, "actions added to the tools prompt")
	f.StringSliceVar(&validFormatEntries, "valid-format-entries", nil, "response fields the model must produce")
	f.BoolVar(&retrieval, "retrieval", false, "advertise Reflection and the research log actions")
	f.BoolVarP(&interactive, "interactive", "i", false, "ask for feedback on stdin after every step")

	traceCmd.Flags().StringVar(&traceLogDir, "log-dir", "logs", "log directory of the session")

	rootCmd.AddCommand(runCmd, traceCmd, initCmd)
}

// applyFlags overrides file settings with every flag set on the command line.
func applyFlags(cmd *cobra.Command) {
	set := cmd.Flags().Changed
	env, agent, llm := &cfg.Environment, &cfg.Agent, &cfg.LLM
	if set("research-problem") {
		env.ResearchProblem, env.ResearchProblemFile = "", researchProblemFile
	}
	if set("work-dir") {
		env.WorkDir = workDir
	}
	if set("log-dir") {
		env.LogDir = logDir
	}
	if set("max-steps") {
		env.MaxSteps = maxSteps
	}
	if set("max-time") {
		env.MaxTime = maxTime
	}
	if set("device") {
		env.Device = device
	}
	if set("python") {
		env.Python = python
	}
	if set("modifiable-files") {
		env.ModifiableFiles = modifiableFiles
	}
	if set("resume") {
		env.Resume = resume
	}
	if set("resume-step") {
		env.ResumeStep = resumeStep
	}
	if set("llm-provider") {
		llm.Provider = llmProvider
	}
	if set("llm-name") {
		llm.Model = llmName
	}
	if set("fast-llm-name") {
		llm.FastModel = fastLLMName
	}
	if set("edit-script-llm-name") {
		llm.EditScriptModel = editScriptLLMName
	}
	if set("edit-script-llm-max-tokens") {
		llm.EditScriptMaxTokens = editScriptMaxTokens
	}
	if set("agent-max-steps") {
		agent.AgentMaxSteps = agentMaxSteps
	}
	if set("max-steps-in-context") {
		agent.MaxStepsInContext = maxStepsInContext
	}
	if set("max-observation-steps-in-context") {
		agent.MaxObservationStepsInContext = maxObsInContext
	}
	if set("max-retries") {
		agent.MaxRetries = maxRetries
	}
	if set("actions-remove-from-prompt") {
		agent.ActionsRemoveFromPrompt = removeFromPrompt
	}
	if set("actions-add-to-prompt") {
		agent.ActionsAddToPrompt = addToPrompt
	}
	if set("valid-format-entries") {
		agent.ValidFormatEntries = validFormatEntries
	}
	if set("retrieval") {
		agent.Retrieval = retrieval
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
