// Package trace holds the durable record of a session: the high-level steps
// the agent took, the primitive steps executed underneath them, and the
// static catalogue of actions the session was run with.
//
// A Trace serializes to the trace.json layout used for resuming sessions.
package trace

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"
)

// FinalAnswer is the reserved action name that ends a session.
const FinalAnswer = "Final Answer"

// Action names a registry entry and the arguments to invoke it with.
//
// Args is normally a map[string]any. When the agent could not parse the
// model's input into a mapping it carries UnparsedArgs (or, after a round
// trip through JSON, the raw string) so the environment can report it.
type Action struct {
	Name string `json:"name"`
	Args any    `json:"args"`
}

// Input returns the argument mapping, or false if Args is not a mapping.
func (a Action) Input() (map[string]any, bool) {
	m, ok := a.Args.(map[string]any)
	return m, ok
}

// UnparsedArgs is action input that could not be parsed into a mapping.
type UnparsedArgs struct {
	Raw    string
	Reason string
}

// MarshalJSON records unparsed input as the raw text the model produced.
func (u UnparsedArgs) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.Raw)
}

// Step is one executed action and the observation it produced.
type Step struct {
	Action      Action  `json:"action"`
	Observation string  `json:"observation"`
	Timestamp   float64 `json:"timestamp"`
}

// Time converts the step timestamp back to a time.Time.
func (s Step) Time() time.Time {
	sec, frac := math.Modf(s.Timestamp)
	return time.Unix(int64(sec), int64(frac*1e9))
}

// Timestamp converts t to float seconds since the epoch.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// Trace is the append-only log of a session.
type Trace struct {
	Steps           []Step                `json:"steps"`
	LowLevelSteps   []Step                `json:"low_level_steps"`
	ActionInfos     map[string]ActionInfo `json:"action_infos"`
	TaskDescription string                `json:"task_description"`
}

// New creates an empty trace for the given catalogue and task.
func New(infos map[string]ActionInfo, taskDescription string) *Trace {
	return &Trace{
		Steps:           []Step{},
		LowLevelSteps:   []Step{},
		ActionInfos:     infos,
		TaskDescription: taskDescription,
	}
}

// Append adds a high-level step. The timestamp is raised to the previous
// step's timestamp if the clock went backwards, so the sequence never
// decreases. The stored step is returned.
func (t *Trace) Append(step Step) Step {
	if n := len(t.Steps); n > 0 && step.Timestamp < t.Steps[n-1].Timestamp {
		step.Timestamp = t.Steps[n-1].Timestamp
	}
	t.Steps = append(t.Steps, step)
	return step
}

// AppendLowLevel adds a primitive step with the same ordering guarantee as
// Append.
func (t *Trace) AppendLowLevel(step Step) Step {
	if n := len(t.LowLevelSteps); n > 0 && step.Timestamp < t.LowLevelSteps[n-1].Timestamp {
		step.Timestamp = t.LowLevelSteps[n-1].Timestamp
	}
	t.LowLevelSteps = append(t.LowLevelSteps, step)
	return step
}

// HasFinalAnswer reports whether any recorded step submitted a final answer.
func (t *Trace) HasFinalAnswer() bool {
	for _, s := range t.Steps {
		if s.Action.Name == FinalAnswer {
			return true
		}
	}
	return false
}

// Truncate keeps steps [0, index] and the low-level steps recorded strictly
// before step index. It is used when resuming from a checkpoint.
func (t *Trace) Truncate(index int) error {
	if index < 0 || index >= len(t.Steps) {
		return fmt.Errorf("trace: cannot truncate to step %d of %d", index, len(t.Steps))
	}
	t.Steps = t.Steps[:index+1]
	cutoff := t.Steps[index].Timestamp
	kept := make([]Step, 0, len(t.LowLevelSteps))
	for _, s := range t.LowLevelSteps {
		if s.Timestamp < cutoff {
			kept = append(kept, s)
		}
	}
	t.LowLevelSteps = kept
	return nil
}

// Clone returns a deep copy that shares nothing with t.
func (t *Trace) Clone() *Trace {
	c := &Trace{
		Steps:           cloneSteps(t.Steps),
		LowLevelSteps:   cloneSteps(t.LowLevelSteps),
		ActionInfos:     make(map[string]ActionInfo, len(t.ActionInfos)),
		TaskDescription: t.TaskDescription,
	}
	for name, info := range t.ActionInfos {
		info.Usage = append(Usage(nil), info.Usage...)
		c.ActionInfos[name] = info
	}
	return c
}

func cloneSteps(steps []Step) []Step {
	out := make([]Step, len(steps))
	for i, s := range steps {
		s.Action.Args = cloneValue(s.Action.Args)
		out[i] = s
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[k] = cloneValue(e)
		}
		return m
	case []any:
		s := make([]any, len(x))
		for i, e := range x {
			s[i] = cloneValue(e)
		}
		return s
	default:
		return v
	}
}

// Load reads a trace previously written by Save.
func Load(path string) (*Trace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("trace: read %s: %w", path, err)
	}
	var t Trace
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("trace: decode %s: %w", path, err)
	}
	if t.Steps == nil {
		t.Steps = []Step{}
	}
	if t.LowLevelSteps == nil {
		t.LowLevelSteps = []Step{}
	}
	return &t, nil
}

// Save writes the trace as indented JSON. The file is replaced atomically so
// a crash mid-write leaves the previous trace intact.
func (t *Trace) Save(path string) error {
	data, err := json.MarshalIndent(t, "", "    ")
	if err != nil {
		return fmt.Errorf("trace: encode: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".trace-*.json")
	if err != nil {
		return fmt.Errorf("trace: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("trace: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("trace: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("trace: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("trace: rename: %w", err)
	}
	return nil
}
