// Package environment is the session controller. It owns one workspace for
// its lifetime, dispatches actions through an actions.Registry, turns every
// failure an action can report into an observation for the model, and makes
// each step durable: the trace and a full workspace snapshot are written after
// every action.
//
// A session is bounded by a step budget and a wall-clock budget. The
// wall-clock budget is enforced by Run, which cancels the session context
// with ErrTimeout; that condition is never turned into an observation.
package environment

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"go.uber.org/zap"

	"github.com/martinemde/autoresearch/actions"
	"github.com/martinemde/autoresearch/trace"
	"github.com/martinemde/autoresearch/unifiedllm"
)

// ErrTimeout is the cancellation cause installed when the wall-clock budget
// runs out.
var ErrTimeout = errors.New("environment: wall-clock budget exhausted")

// Observations with fixed text.
const (
	FinalAnswerObservation = "end"
	ShutDownObservation    = "The environment has shut down because the maximum number of steps or time has been reached. Please submit your final answer."
	TooLongObservation     = "EnvError: too long input for the tool"
	ParsingErrorPrefix     = "ActionInputParsingError"
)

// Files and directories under the log directory.
const (
	envLogDir     = "env_log"
	traceFile     = "trace.json"
	tracesDir     = "traces"
	toolLogsDir   = "tool_logs"
	scriptsDir    = "scripts"
	envCopyDir    = "env"
	errorFile     = "error.txt"
	timeFile      = "overall_time.txt"
	envCopyMaxMiB = 10
)

// Config holds the settings of one session.
type Config struct {
	WorkDir         string        `json:"work_dir"`
	LogDir          string        `json:"log_dir"`
	ResearchProblem string        `json:"research_problem"`
	MaxSteps        int           `json:"max_steps"`
	MaxTime         time.Duration `json:"max_time"`
	Device          string        `json:"device"`
	Python          string        `json:"python"`

	// ModifiablePatterns are fnmatch-style globs; files matching none of
	// them are read-only to the agent.
	ModifiablePatterns []string `json:"modifiable_patterns"`

	// Resume is the log directory of an earlier session to continue from,
	// at step ResumeStep.
	Resume     string `json:"resume,omitempty"`
	ResumeStep int    `json:"resume_step,omitempty"`

	FastModel string `json:"fast_model"`
	EditModel string `json:"edit_model"`
}

// DefaultConfig returns the default session settings.
func DefaultConfig() Config {
	return Config{
		WorkDir:            "workspace",
		LogDir:             "logs",
		MaxSteps:           50,
		MaxTime:            5 * time.Hour,
		Device:             "0",
		Python:             "python",
		ModifiablePatterns: []string{"*"},
	}
}

func (c Config) validate() error {
	switch {
	case c.WorkDir == "":
		return fmt.Errorf("work dir is required")
	case c.LogDir == "":
		return fmt.Errorf("log dir is required")
	case c.MaxSteps <= 0:
		return fmt.Errorf("max steps must be positive, got %d", c.MaxSteps)
	case c.MaxTime <= 0:
		return fmt.Errorf("max time must be positive, got %s", c.MaxTime)
	case c.Resume != "" && c.ResumeStep < 0:
		return fmt.Errorf("resume step must not be negative, got %d", c.ResumeStep)
	}
	return nil
}

// Option configures an Environment.
type Option func(*Environment)

// WithLogger sets the operator-facing logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Environment) { e.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Environment) { e.now = now }
}

// WithCompleters sets the completion services used by composite actions.
// edit serves script edits; nil means llm.
func WithCompleters(llm, edit unifiedllm.Completer) Option {
	return func(e *Environment) {
		e.llm = llm
		e.editLLM = edit
	}
}

// WithRegistry replaces the builtin action registry.
func WithRegistry(r *actions.Registry) Option {
	return func(e *Environment) { e.registry = r }
}

// Environment is the session controller. It is not safe for concurrent use;
// one agent drives it from one goroutine.
type Environment struct {
	cfg      Config
	logDir   string
	registry *actions.Registry
	trace    *trace.Trace
	readOnly []string
	procs    *actions.ProcessTracker
	llm      unifiedllm.Completer
	editLLM  unifiedllm.Completer
	logger   *zap.Logger
	now      func() time.Time
	start    time.Time

	closeOnce sync.Once
	closeErr  error
}

// New prepares the workspace and log directory and builds the trace, fresh
// or restored from cfg.Resume.
func New(cfg Config, opts ...Option) (*Environment, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid environment config: %w", err)
	}
	if len(cfg.ModifiablePatterns) == 0 {
		cfg.ModifiablePatterns = []string{"*"}
	}
	e := &Environment{
		cfg:    cfg,
		logDir: filepath.Join(cfg.LogDir, envLogDir),
		procs:  actions.NewProcessTracker(),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = actions.NewBuiltinRegistry()
	}

	if err := e.setupLogDir(); err != nil {
		return nil, err
	}
	if err := e.initWorkspace(); err != nil {
		return nil, err
	}
	if err := e.initTrace(); err != nil {
		return nil, err
	}
	e.start = e.now()
	return e, nil
}

func (e *Environment) setupLogDir() error {
	for _, dir := range []string{e.logDir, filepath.Join(e.logDir, toolLogsDir), filepath.Join(e.logDir, tracesDir), filepath.Join(e.logDir, scriptsDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
	}
	return nil
}

func (e *Environment) initWorkspace() error {
	work := e.cfg.WorkDir
	if err := os.MkdirAll(work, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}

	if e.cfg.Resume != "" {
		src := snapshotDir(filepath.Join(e.cfg.Resume, envLogDir), strconv.Itoa(e.cfg.ResumeStep))
		e.logger.Info("restoring workspace", zap.String("from", src))
		if _, err := os.Stat(src); err != nil {
			return fmt.Errorf("resume snapshot: %w", err)
		}
		if err := replaceTree(src, work); err != nil {
			return fmt.Errorf("restore workspace from %s: %w", src, err)
		}
	}

	readOnly, err := e.classify()
	if err != nil {
		return err
	}
	e.readOnly = readOnly

	size, err := treeSize(work)
	if err != nil {
		return fmt.Errorf("measure work dir: %w", err)
	}
	envCopy := filepath.Join(e.logDir, envCopyDir)
	if _, err := os.Lstat(envCopy); os.IsNotExist(err) && size < envCopyMaxMiB*1000*1000 {
		if err := copyTree(work, envCopy); err != nil {
			return fmt.Errorf("copy initial workspace: %w", err)
		}
	}

	if err := os.WriteFile(filepath.Join(e.logDir, scriptsDir, "research_problem.txt"), []byte(e.cfg.ResearchProblem), 0o644); err != nil {
		return fmt.Errorf("write research problem: %w", err)
	}
	if err := os.WriteFile(filepath.Join(e.logDir, scriptsDir, "read_only_files.txt"), []byte(strings.Join(readOnly, "\n")), 0o644); err != nil {
		return fmt.Errorf("write read-only files: %w", err)
	}

	// A resumed workspace keeps its backups so earlier edits can be undone.
	backup := filepath.Join(work, actions.BackupDir)
	if e.cfg.Resume == "" {
		if err := os.RemoveAll(backup); err != nil {
			return fmt.Errorf("clear backup dir: %w", err)
		}
	}
	if err := os.MkdirAll(backup, 0o755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}
	return nil
}

// classify walks the workspace and returns every file that matches none of
// the modifiable patterns. Paths are relative to the workspace, with
// top-level files written as "./name".
func (e *Environment) classify() ([]string, error) {
	patterns := make([]glob.Glob, 0, len(e.cfg.ModifiablePatterns))
	for _, p := range e.cfg.ModifiablePatterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("modifiable pattern %q: %w", p, err)
		}
		patterns = append(patterns, g)
	}

	var readOnly []string
	err := filepath.WalkDir(e.cfg.WorkDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != e.cfg.WorkDir && d.Name() == actions.BackupDir && filepath.Dir(path) == filepath.Clean(e.cfg.WorkDir) {
				return filepath.SkipDir
			}
			return nil
		}
		dir, err := filepath.Rel(e.cfg.WorkDir, filepath.Dir(path))
		if err != nil {
			return err
		}
		rel := filepath.ToSlash(dir + "/" + d.Name())
		for _, g := range patterns {
			if g.Match(rel) {
				return nil
			}
		}
		readOnly = append(readOnly, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan work dir: %w", err)
	}
	return readOnly, nil
}

func (e *Environment) initTrace() error {
	infos := e.registry.Infos()
	if e.cfg.Resume == "" {
		e.trace = trace.New(infos, e.cfg.ResearchProblem)
		return nil
	}
	path := filepath.Join(e.cfg.Resume, envLogDir, traceFile)
	e.logger.Info("restoring trace", zap.String("from", path), zap.Int("step", e.cfg.ResumeStep))
	prev, err := trace.Load(path)
	if err != nil {
		return fmt.Errorf("resume trace: %w", err)
	}
	if err := prev.Truncate(e.cfg.ResumeStep); err != nil {
		return fmt.Errorf("resume trace: %w", err)
	}
	prev.ActionInfos = infos
	prev.TaskDescription = e.cfg.ResearchProblem
	e.trace = prev
	return nil
}

// WorkDir returns the workspace root.
func (e *Environment) WorkDir() string { return e.cfg.WorkDir }

// LogDir returns the env_log directory.
func (e *Environment) LogDir() string { return e.logDir }

// ResearchProblem returns the task description.
func (e *Environment) ResearchProblem() string { return e.cfg.ResearchProblem }

// ReadOnlyFiles returns the workspace files the agent may not modify.
func (e *Environment) ReadOnlyFiles() []string { return append([]string(nil), e.readOnly...) }

// Registry returns the action registry.
func (e *Environment) Registry() *actions.Registry { return e.registry }

// Trace returns a deep copy of the trace.
func (e *Environment) Trace() *trace.Trace { return e.trace.Clone() }

// StepCount returns the number of recorded steps.
func (e *Environment) StepCount() int { return len(e.trace.Steps) }

// Elapsed returns the time since the session started.
func (e *Environment) Elapsed() time.Duration { return e.now().Sub(e.start) }

// IsFinal reports whether the step budget is spent, a final answer was
// recorded, or the wall-clock budget has run out.
func (e *Environment) IsFinal() bool {
	return len(e.trace.Steps) >= e.cfg.MaxSteps ||
		e.trace.HasFinalAnswer() ||
		e.Elapsed() > e.cfg.MaxTime
}

// Execute runs one action and records it. It returns an error only when ctx
// was cancelled (ErrTimeout for the wall-clock budget) or the step could not
// be persisted; every action failure becomes the returned observation.
func (e *Environment) Execute(ctx context.Context, action trace.Action) (string, error) {
	curr := len(e.trace.Steps)

	var observation string
	switch {
	case action.Name == trace.FinalAnswer:
		observation = FinalAnswerObservation
	case e.IsFinal():
		observation = ShutDownObservation
	case !e.registry.Has(action.Name):
		observation = fmt.Sprintf("Invalid action: %s. Action did not execute. Please use one of the following actions:\n%s",
			action.Name, strings.Join(e.registry.Names(), ", "))
	default:
		obs, err := e.dispatch(ctx, curr, action)
		if err != nil {
			e.logger.Warn("action interrupted", zap.Int("step", curr), zap.String("action", action.Name), zap.Error(err))
			return "", err
		}
		observation = obs
	}

	e.trace.Append(trace.Step{
		Action:      action,
		Observation: observation,
		Timestamp:   trace.Timestamp(e.now()),
	})
	e.logger.Info("step executed",
		zap.Int("step", curr),
		zap.String("action", action.Name),
		zap.Int("observation_len", len(observation)))

	if err := e.save(strconv.Itoa(curr)); err != nil {
		return observation, fmt.Errorf("save step %d: %w", curr, err)
	}
	return observation, nil
}

func (e *Environment) dispatch(ctx context.Context, curr int, action trace.Action) (string, error) {
	tool, _ := e.registry.Get(action.Name)
	hint := tool.Info.Usage.Hint()

	args, ok := action.Input()
	if !ok {
		if u, parsed := action.Args.(trace.UnparsedArgs); parsed {
			return ParsingErrorPrefix + ": " + u.Reason + "\n" + fmt.Sprintf(
				"The action input for %s needs to be a valid json with proper entries. You may have missed the comma between entries or used triple quotes (json does not recognizes triple quotes). Please use the correct format and try again:\n%s",
				action.Name, hint), nil
		}
		return invalidInput(action.Name, hint), nil
	}

	out, err := e.registry.Invoke(ctx, action.Name, args, e.toolContext(curr))
	if ctx.Err() != nil {
		return "", context.Cause(ctx)
	}
	if err == nil {
		return out, nil
	}
	return e.normalize(curr, action, err, hint), nil
}

func invalidInput(name, hint string) string {
	return fmt.Sprintf("The action input for %s needs to be a valid json with proper entries. You may have missed the comma between entries. Please use the correct format and try again:\n%s", name, hint)
}

// normalize converts an action failure into the observation shown to the
// model. Unexpected failures are logged in full and reported generically.
func (e *Environment) normalize(curr int, action trace.Action, err error, hint string) string {
	var (
		argErr  *actions.ArgumentError
		toolErr *actions.ToolError
		panicE  *actions.PanicError
	)
	switch {
	case errors.As(err, &argErr):
		e.logger.Info("bad action input", zap.Int("step", curr), zap.String("action", action.Name), zap.Error(err))
		return "EnvError: " + invalidInput(action.Name, hint)
	case errors.As(err, &toolErr):
		if toolErr.Cause != nil {
			e.logger.Debug("tool error", zap.Int("step", curr), zap.String("action", action.Name), zap.Error(toolErr.Cause))
		}
		return "EnvError: " + toolErr.Message
	case unifiedllm.IsPromptTooLong(err):
		return TooLongObservation
	case unifiedllm.IsSDKError(err):
		return "LLMError: " + err.Error()
	}

	fields := []zap.Field{
		zap.Int("step", curr),
		zap.String("action", action.Name),
		zap.Any("args", action.Args),
		zap.Error(err),
	}
	if errors.As(err, &panicE) {
		fields = append(fields, zap.ByteString("stack", panicE.Stack))
	}
	e.logger.Error("unexpected action failure", fields...)
	return fmt.Sprintf("EnvError: Error executing %s.", action.Name)
}

func (e *Environment) toolContext(curr int) *actions.Context {
	return &actions.Context{
		WorkDir:         e.cfg.WorkDir,
		ReadOnlyFiles:   e.readOnly,
		Device:          e.cfg.Device,
		Python:          e.cfg.Python,
		ResearchProblem: e.cfg.ResearchProblem,
		LogFile:         filepath.Join(e.logDir, toolLogsDir, fmt.Sprintf("step_%d_tool_log.log", curr)),
		Trace:           e.trace,
		Registry:        e.registry,
		Processes:       e.procs,
		LLM:             e.llm,
		EditLLM:         e.editLLM,
		FastModel:       e.cfg.FastModel,
		EditModel:       e.cfg.EditModel,
		Logger:          e.logger,
		Now:             e.now,
	}
}

func snapshotDir(logDir, label string) string {
	return filepath.Join(logDir, tracesDir, "step_"+label+"_files")
}

// save writes trace.json and replaces the snapshot for label.
func (e *Environment) save(label string) error {
	if err := e.trace.Save(filepath.Join(e.logDir, traceFile)); err != nil {
		return err
	}
	if err := replaceTree(e.cfg.WorkDir, snapshotDir(e.logDir, label)); err != nil {
		return fmt.Errorf("snapshot workspace: %w", err)
	}
	return nil
}

// SaveSnapshot writes the trace and a workspace snapshot under an arbitrary
// label, such as "final".
func (e *Environment) SaveSnapshot(label string) error {
	return e.save(label)
}
