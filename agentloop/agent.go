package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/martinemde/autoresearch/actions"
	"github.com/martinemde/autoresearch/trace"
	"github.com/martinemde/autoresearch/unifiedllm"
)

// State is the position of the agent in its decision cycle.
type State string

const (
	StateInitializing          State = "initializing"
	StateAwaitingModelResponse State = "awaiting_model_response"
	StateParsingResponse       State = "parsing_response"
	StateExecutingAction       State = "executing_action"
	StateSummarizing           State = "summarizing"
	StateAwaitingFeedback      State = "awaiting_feedback"
	StateTerminal              State = "terminal"
)

// NoValidResponse is the failure message when the model never produced a
// well-formed response within the retry ceiling.
const NoValidResponse = "No valid response after max_retries"

// ErrFinished is returned by Advance once the agent is terminal.
var ErrFinished = errors.New("agentloop: agent has finished")

// Environment is the session controller the agent drives.
type Environment interface {
	Execute(ctx context.Context, action trace.Action) (string, error)
	IsFinal() bool
	StepCount() int
	ResearchProblem() string
	Registry() *actions.Registry
}

// Config holds the agent's budgets and prompt settings.
type Config struct {
	AgentMaxSteps                int      `json:"agent_max_steps"`
	MaxStepsInContext            int      `json:"max_steps_in_context"`
	MaxObservationStepsInContext int      `json:"max_observation_steps_in_context"`
	MaxRetries                   int      `json:"max_retries"`
	ValidFormatEntries           []string `json:"valid_format_entries,omitempty"`
	// ActionsRemoveFromPrompt extends DefaultRemovedFromPrompt.
	ActionsRemoveFromPrompt []string `json:"actions_remove_from_prompt,omitempty"`
	ActionsAddToPrompt           []string `json:"actions_add_to_prompt,omitempty"`
	Model                        string   `json:"model"`
	FastModel                    string   `json:"fast_model"`
	LoopDetectionWindow          int      `json:"loop_detection_window"`

	// LogDir receives full_log.jsonl. Empty disables it.
	LogDir string `json:"log_dir,omitempty"`
}

// DefaultConfig returns the default agent configuration.
func DefaultConfig() Config {
	return Config{
		AgentMaxSteps:                50,
		MaxStepsInContext:            3,
		MaxObservationStepsInContext: 3,
		MaxRetries:                   5,
		ValidFormatEntries:           DefaultFormatEntries(),
		LoopDetectionWindow:          6,
	}
}

func (c Config) validate() error {
	switch {
	case c.AgentMaxSteps <= 0:
		return fmt.Errorf("agent max steps must be positive, got %d", c.AgentMaxSteps)
	case c.MaxRetries <= 0:
		return fmt.Errorf("max retries must be positive, got %d", c.MaxRetries)
	case c.MaxStepsInContext < 0 || c.MaxObservationStepsInContext < 0:
		return fmt.Errorf("context window sizes must not be negative")
	}
	for _, label := range c.ValidFormatEntries {
		if _, ok := formatInstruction(label); !ok {
			return fmt.Errorf("unknown response entry %q", label)
		}
	}
	for _, required := range []string{FieldAction, FieldActionInput} {
		if !slices.Contains(c.ValidFormatEntries, required) {
			return fmt.Errorf("response entries must include %q", required)
		}
	}
	return nil
}

// Checkpoint is what the agent hands to its observer after each cycle.
type Checkpoint struct {
	Cycle              int    `json:"cycle"`
	RelevantHistory    string `json:"relevant_history"`
	Reflection         string `json:"reflection"`
	ResearchPlanStatus string `json:"research_plan_status"`
	FactCheck          string `json:"fact_check"`
	Thought            string `json:"thought"`
	Questions          string `json:"questions"`
	Action             string `json:"action"`
	ActionInput        any    `json:"action_input"`
	Observation        string `json:"observation"`
}

// Result is the outcome of a finished agent.
type Result struct {
	// Checkpoint is the last checkpoint emitted, nil if none was.
	Checkpoint *Checkpoint
	Failed     bool
	Message    string
}

// FeedbackFunc returns the feedback for a checkpoint.
type FeedbackFunc func(ctx context.Context, cp *Checkpoint) (string, error)

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the operator-facing logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithFastCompleter sets the completion service used for summaries. It
// defaults to the main completer.
func WithFastCompleter(c unifiedllm.Completer) Option {
	return func(a *Agent) { a.fast = c }
}

// WithEventBuffer sets the size of the event channel buffer.
func WithEventBuffer(n int) Option {
	return func(a *Agent) { a.eventBuffer = n }
}

type pendingCycle struct {
	cycle           int
	prompt          string
	response        *Response
	action          string
	input           any
	fullObservation string
	observation     string
}

// Agent is the research agent's control loop, driven one cycle at a time
// through Advance. It is not safe for concurrent use.
type Agent struct {
	id          string
	env         Environment
	llm         unifiedllm.Completer
	fast        unifiedllm.Completer
	cfg         Config
	logger      *zap.Logger
	eventBuffer int
	emitter     *EventEmitter
	fullLog     *os.File

	preamble    string
	actionNames []string
	infos       map[string]trace.ActionInfo

	state    State
	cycles   int
	history  []HistoryStep
	feedback string
	pending  *pendingCycle
	last     *Checkpoint
	result   *Result
}

// New creates an agent over env. llm answers the main prompt.
func New(env Environment, llm unifiedllm.Completer, cfg Config, opts ...Option) (*Agent, error) {
	if len(cfg.ValidFormatEntries) == 0 {
		cfg.ValidFormatEntries = DefaultFormatEntries()
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid agent config: %w", err)
	}
	if llm == nil {
		return nil, fmt.Errorf("agent needs a completer")
	}

	a := &Agent{
		id:     uuid.NewString(),
		env:    env,
		llm:    llm,
		cfg:    cfg,
		logger: zap.NewNop(),
		state:  StateInitializing,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.fast == nil {
		a.fast = llm
	}
	a.logger = a.logger.With(zap.String("run_id", a.id))
	a.emitter = NewEventEmitter(a.id, a.eventBuffer)

	reg := env.Registry()
	a.actionNames = reg.Names()
	a.infos = reg.Infos()
	remove := append(slices.Clone(DefaultRemovedFromPrompt), cfg.ActionsRemoveFromPrompt...)
	names := promptToolNames(a.actionNames, remove, cfg.ActionsAddToPrompt)
	a.preamble = initialPrompt(toolsPrompt(names, a.infos), env.ResearchProblem(), cfg.ValidFormatEntries)

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("create agent log dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(cfg.LogDir, "full_log.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open full log: %w", err)
		}
		a.fullLog = f
	}

	a.emitter.Emit(EventRunStart, 0, map[string]any{"research_problem": env.ResearchProblem()})
	return a, nil
}

// ID returns the run identifier.
func (a *Agent) ID() string { return a.id }

// State returns the current state.
func (a *Agent) State() State { return a.state }

// Events returns the event channel for the host application.
func (a *Agent) Events() <-chan AgentEvent { return a.emitter.Events() }

// History returns a copy of the remembered cycles.
func (a *Agent) History() []HistoryStep { return slices.Clone(a.history) }

// Prompt returns the fixed preamble of every prompt.
func (a *Agent) Prompt() string { return a.preamble }

// Result returns the outcome, or nil while the agent is still running.
func (a *Agent) Result() *Result { return a.result }

// Close releases the full log and closes the event channel.
func (a *Agent) Close() error {
	a.emitter.Close()
	if a.fullLog == nil {
		return nil
	}
	err := a.fullLog.Close()
	a.fullLog = nil
	return err
}

// Advance completes the pending cycle with feedback, then runs the next
// cycle up to its checkpoint. It returns ErrFinished when the environment
// is final, the cycle budget is spent, or the model failed to produce a
// valid response; Result then reports the outcome. Any other error is
// fatal and also leaves the agent terminal.
func (a *Agent) Advance(ctx context.Context, feedback string) (*Checkpoint, error) {
	if a.state == StateTerminal {
		return nil, ErrFinished
	}
	if a.pending != nil {
		if err := a.completeCycle(ctx, feedback); err != nil {
			return nil, a.abort(err)
		}
	}
	if a.env.IsFinal() || a.cycles >= a.cfg.AgentMaxSteps {
		a.finish(Result{Checkpoint: a.last})
		return nil, ErrFinished
	}
	cp, err := a.runCycle(ctx)
	if err != nil {
		return nil, a.abort(err)
	}
	if cp == nil {
		a.finish(Result{Checkpoint: a.last, Failed: true, Message: NoValidResponse})
		return nil, ErrFinished
	}
	return cp, nil
}

// Run drives the agent to completion, asking feedback for every checkpoint.
// A nil feedback function always answers "".
func (a *Agent) Run(ctx context.Context, feedback FeedbackFunc) (*Result, error) {
	var fb string
	for {
		cp, err := a.Advance(ctx, fb)
		if errors.Is(err, ErrFinished) {
			return a.result, nil
		}
		if err != nil {
			return nil, err
		}
		fb = ""
		if feedback != nil {
			if fb, err = feedback(ctx, cp); err != nil {
				return nil, a.abort(fmt.Errorf("feedback: %w", err))
			}
		}
	}
}

func (a *Agent) finish(r Result) {
	a.state = StateTerminal
	a.result = &r
	a.logger.Info("agent finished",
		zap.Int("cycles", a.cycles),
		zap.Bool("failed", r.Failed),
		zap.String("message", r.Message))
	a.emitter.Emit(EventFinished, a.cycles, map[string]any{"failed": r.Failed, "message": r.Message})
}

func (a *Agent) abort(err error) error {
	a.state = StateTerminal
	a.logger.Error("agent aborted", zap.Int("cycle", a.cycles), zap.Error(err))
	a.emitter.Emit(EventFinished, a.cycles, map[string]any{"failed": true, "error": err.Error()})
	return err
}

// runCycle builds the prompt, obtains a valid response, executes its action
// and returns the checkpoint. A nil checkpoint with a nil error means the
// retry ceiling was hit.
func (a *Agent) runCycle(ctx context.Context) (*Checkpoint, error) {
	curr := a.cycles
	a.state = StateInitializing
	a.emitter.Emit(EventCycleStart, curr, nil)

	relevant, err := a.env.Execute(ctx, trace.Action{
		Name: actions.RetrievalAction,
		Args: map[string]any{"current_plan": ""},
	})
	if err != nil {
		return nil, fmt.Errorf("retrieve research log: %w", err)
	}

	entries := a.cfg.ValidFormatEntries
	prompt := cyclePrompt(a.preamble, relevant, a.history, entries,
		a.cfg.MaxStepsInContext, a.cfg.MaxObservationStepsInContext, a.feedback)

	resp, prompt, err := a.query(ctx, curr, prompt)
	if err != nil || resp == nil {
		return nil, err
	}

	a.state = StateExecutingAction
	if _, ok := resp.Fields[FieldResearchPlanStatus]; ok {
		resp.Fields[FieldResearchPlanStatus] = normalizePlan(resp.Fields[FieldResearchPlanStatus])
	}
	name := resp.ActionName()
	raw := resp.Get(FieldActionInput)
	var input, actionArgs any
	if args, perr := ParseActionInput(raw, a.infos[name].Usage); perr == nil {
		input, actionArgs = args, args
	} else {
		a.logger.Debug("unparsable action input", zap.Int("cycle", curr), zap.String("action", name), zap.Error(perr))
		input, actionArgs = raw, trace.UnparsedArgs{Raw: raw, Reason: perr.Error()}
	}

	observation, err := a.env.Execute(ctx, trace.Action{Name: name, Args: actionArgs})
	if err != nil {
		return nil, fmt.Errorf("execute %s: %w", name, err)
	}
	a.emitter.Emit(EventActionExecuted, curr, map[string]any{"action": name, "observation_len": len(observation)})

	a.state = StateSummarizing
	full := observation
	if n := utf8.RuneCountInString(observation); n > SummaryBlockSize {
		a.logger.Info("observation is too long, summarizing", zap.Int("cycle", curr), zap.Int("chars", n))
		observation, err = a.condense(ctx, resp.Render(entries), observation)
		if err != nil {
			return nil, err
		}
		a.emitter.Emit(EventObservationSummarized, curr, map[string]any{"from": len(full), "to": len(observation)})
	}

	cp := &Checkpoint{
		Cycle:              curr,
		RelevantHistory:    relevant,
		Reflection:         resp.Get(FieldReflection),
		ResearchPlanStatus: resp.Get(FieldResearchPlanStatus),
		FactCheck:          resp.Get(FieldFactCheck),
		Thought:            resp.Get(FieldThought),
		Questions:          resp.Get(FieldQuestions),
		Action:             name,
		ActionInput:        input,
		Observation:        observation,
	}
	a.pending = &pendingCycle{
		cycle:           curr,
		prompt:          prompt,
		response:        resp,
		action:          name,
		input:           input,
		fullObservation: full,
		observation:     observation,
	}
	a.last = cp
	a.cycles++
	a.state = StateAwaitingFeedback
	a.emitter.Emit(EventCheckpoint, curr, map[string]any{"action": name})
	return cp, nil
}

// query asks the model until it produces a valid response, at most
// MaxRetries times. Each malformed response extends the prompt with a
// correction. It returns the final prompt as sent.
func (a *Agent) query(ctx context.Context, curr int, prompt string) (*Response, string, error) {
	entries := a.cfg.ValidFormatEntries
	for attempt := 1; attempt <= a.cfg.MaxRetries; attempt++ {
		a.state = StateAwaitingModelResponse
		completion, err := a.llm.Complete(ctx, prompt, a.cfg.Model)
		if err != nil {
			if ctx.Err() != nil {
				return nil, prompt, context.Cause(ctx)
			}
			a.logger.Warn("completion failed", zap.Int("cycle", curr), zap.Int("attempt", attempt), zap.Error(err))
			a.emitter.Emit(EventInvalidResponse, curr, map[string]any{"attempt": attempt, "error": err.Error()})
			continue
		}

		a.state = StateParsingResponse
		resp, err := ParseResponse(completion, entries, a.actionNames)
		if err == nil {
			return resp, prompt, nil
		}
		a.logger.Warn("response is invalid and discarded",
			zap.Int("cycle", curr),
			zap.Int("attempt", attempt),
			zap.Error(err),
			zap.String("completion", completion))
		a.emitter.Emit(EventInvalidResponse, curr, map[string]any{"attempt": attempt, "error": err.Error()})
		prompt += correctionPrompt(entries)
	}
	return nil, prompt, nil
}

// condense summarizes a long observation, retrying up to MaxRetries times
// and truncating it if every attempt fails.
func (a *Agent) condense(ctx context.Context, action, observation string) (string, error) {
	for attempt := 1; attempt <= a.cfg.MaxRetries; attempt++ {
		summary, err := a.summarizeObservation(ctx, action, observation)
		if err == nil {
			return summary, nil
		}
		if ctx.Err() != nil {
			return "", context.Cause(ctx)
		}
		a.logger.Warn("observation summary failed", zap.Int("attempt", attempt), zap.Error(err))
	}
	a.emitter.Emit(EventWarning, a.cycles, map[string]any{"message": "observation truncated"})
	return TruncateOutput(observation, SummaryBlockSize, TruncateHeadTail), nil
}

type fullLogEntry struct {
	Prompt          string         `json:"prompt"`
	Entries         map[string]any `json:"entries"`
	FullObservation string         `json:"full_observation"`
	Observation     string         `json:"observation"`
	Feedback        string         `json:"feedback"`
}

// completeCycle records the pending cycle with its feedback and writes its
// research log entry.
func (a *Agent) completeCycle(ctx context.Context, feedback string) error {
	p := a.pending
	a.feedback = feedback
	entries := a.cfg.ValidFormatEntries

	if err := a.writeFullLog(p, feedback); err != nil {
		a.logger.Warn("full log write failed", zap.Error(err))
	}

	a.history = appendHistory(a.history, HistoryStep{
		StepIdx:     a.env.StepCount(),
		Response:    p.response,
		Action:      p.action,
		ActionInput: p.input,
		Observation: p.observation,
		Feedback:    feedback,
	})
	if DetectLoop(a.history, a.cfg.LoopDetectionWindow) {
		a.logger.Warn("agent is repeating itself", zap.Int("cycle", p.cycle), zap.Int("window", a.cfg.LoopDetectionWindow))
		a.emitter.Emit(EventLoopDetection, p.cycle, map[string]any{"window": a.cfg.LoopDetectionWindow})
	}

	summary := TooLongToSummarize
	for attempt := 1; attempt <= a.cfg.MaxRetries; attempt++ {
		s, err := a.summarizeLogEntry(ctx, p.response.Render(entries), p.observation, feedback)
		if err == nil {
			summary = s
			break
		}
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		a.logger.Warn("log entry summary failed", zap.Int("cycle", p.cycle), zap.Int("attempt", attempt), zap.Error(err))
	}

	content := "\n\nStep " + strconv.Itoa(p.cycle) + ":\n" + summary + "\n"
	if _, err := a.env.Execute(ctx, trace.Action{
		Name: actions.AppendLogAction,
		Args: map[string]any{"content": content},
	}); err != nil {
		return fmt.Errorf("append research log: %w", err)
	}
	a.pending = nil
	a.emitter.Emit(EventLogUpdated, p.cycle, nil)
	return nil
}

func (a *Agent) writeFullLog(p *pendingCycle, feedback string) error {
	if a.fullLog == nil {
		return nil
	}
	entries := make(map[string]any, len(p.response.Fields))
	for k, v := range p.response.Fields {
		entries[k] = v
	}
	entries[FieldActionInput] = p.input
	data, err := json.Marshal(fullLogEntry{
		Prompt:          p.prompt,
		Entries:         entries,
		FullObservation: p.fullObservation,
		Observation:     p.observation,
		Feedback:        feedback,
	})
	if err != nil {
		return err
	}
	_, err = a.fullLog.Write(append(data, '\n'))
	return multierr.Append(err, a.fullLog.Sync())
}
