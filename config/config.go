// Package config loads the autoresearch.yaml file that configures a research
// session: the workspace and budgets, the agent loop, the completion
// service and logging.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/martinemde/autoresearch/actions"
	"github.com/martinemde/autoresearch/agentloop"
	"github.com/martinemde/autoresearch/environment"
	"github.com/martinemde/autoresearch/unifiedllm"
)

// DefaultFile is the config file looked up when none is named.
const DefaultFile = "autoresearch.yaml"

// DefaultYAML is the commented config written by `autoresearch init`.
const DefaultYAML = `# autoresearch configuration
environment:
  work_dir: workspace
  log_dir: logs
  # research_problem_file: problem.txt
  max_steps: 50
  max_time: 5h
  device: "0"
  python: python
  # Files matching none of these patterns are read-only to the agent.
  modifiable_files:
    - "*"
  # resume: logs/previous-run
  # resume_step: 0

agent:
  agent_max_steps: 50
  max_steps_in_context: 3
  max_observation_steps_in_context: 3
  max_retries: 5
  loop_detection_window: 6
  # Advertise Reflection and the research log actions in the prompt.
  retrieval: false

llm:
  provider: anthropic
  # model: claude-sonnet-4-5
  # fast_model: claude-haiku-4-5
  # edit_script_model: claude-sonnet-4-5
  edit_script_max_tokens: 4000

logging:
  level: info
  # file: main.log
`

// EnvironmentConfig configures the session controller.
type EnvironmentConfig struct {
	WorkDir             string        `yaml:"work_dir"`
	LogDir              string        `yaml:"log_dir"`
	ResearchProblem     string        `yaml:"research_problem,omitempty"`
	ResearchProblemFile string        `yaml:"research_problem_file,omitempty"`
	MaxSteps            int           `yaml:"max_steps"`
	MaxTime             time.Duration `yaml:"max_time"`
	Device              string        `yaml:"device"`
	Python              string        `yaml:"python"`
	ModifiableFiles     []string      `yaml:"modifiable_files"`
	Resume              string        `yaml:"resume,omitempty"`
	ResumeStep          int           `yaml:"resume_step,omitempty"`
}

// AgentConfig configures the agent loop.
type AgentConfig struct {
	AgentMaxSteps                int      `yaml:"agent_max_steps"`
	MaxStepsInContext            int      `yaml:"max_steps_in_context"`
	MaxObservationStepsInContext int      `yaml:"max_observation_steps_in_context"`
	MaxRetries                   int      `yaml:"max_retries"`
	ValidFormatEntries           []string `yaml:"valid_format_entries,omitempty"`
	ActionsRemoveFromPrompt      []string `yaml:"actions_remove_from_prompt,omitempty"`
	ActionsAddToPrompt           []string `yaml:"actions_add_to_prompt,omitempty"`
	LoopDetectionWindow          int      `yaml:"loop_detection_window"`
	// Retrieval advertises the research log actions and Reflection.
	Retrieval bool `yaml:"retrieval"`
}

// LLMConfig configures the completion service.
type LLMConfig struct {
	Provider            string `yaml:"provider"`
	Model               string `yaml:"model,omitempty"`
	FastModel           string `yaml:"fast_model,omitempty"`
	EditScriptModel     string `yaml:"edit_script_model,omitempty"`
	EditScriptMaxTokens int    `yaml:"edit_script_max_tokens"`
	APIKey              string `yaml:"api_key,omitempty"`
}

// LoggingConfig configures the operator log.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file,omitempty"`
}

// Config is the whole configuration file.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Agent       AgentConfig       `yaml:"agent"`
	LLM         LLMConfig         `yaml:"llm"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	env := environment.DefaultConfig()
	agent := agentloop.DefaultConfig()
	return Config{
		Environment: EnvironmentConfig{
			WorkDir:         env.WorkDir,
			LogDir:          env.LogDir,
			MaxSteps:        env.MaxSteps,
			MaxTime:         env.MaxTime,
			Device:          env.Device,
			Python:          env.Python,
			ModifiableFiles: env.ModifiablePatterns,
		},
		Agent: AgentConfig{
			AgentMaxSteps:                agent.AgentMaxSteps,
			MaxStepsInContext:            agent.MaxStepsInContext,
			MaxObservationStepsInContext: agent.MaxObservationStepsInContext,
			MaxRetries:                   agent.MaxRetries,
			LoopDetectionWindow:          agent.LoopDetectionWindow,
		},
		LLM: LLMConfig{
			Provider:            "anthropic",
			EditScriptMaxTokens: 4000,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads path over the defaults. A missing file at the default path is
// not an error; a missing file that was named explicitly is.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if f := cfg.Environment.ResearchProblemFile; f != "" && !filepath.IsAbs(f) {
		cfg.Environment.ResearchProblemFile = filepath.Join(filepath.Dir(path), f)
	}
	return cfg, nil
}

// WriteDefault writes DefaultYAML to path, refusing to overwrite.
func WriteDefault(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.WriteString(DefaultYAML); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var problems []string
	if c.Environment.WorkDir == "" {
		problems = append(problems, "environment.work_dir is required")
	}
	if c.Environment.LogDir == "" {
		problems = append(problems, "environment.log_dir is required")
	}
	if c.Environment.MaxSteps <= 0 {
		problems = append(problems, "environment.max_steps must be positive")
	}
	if c.Environment.MaxTime <= 0 {
		problems = append(problems, "environment.max_time must be positive")
	}
	if c.Environment.ResumeStep < 0 {
		problems = append(problems, "environment.resume_step must not be negative")
	}
	if c.Agent.AgentMaxSteps <= 0 {
		problems = append(problems, "agent.agent_max_steps must be positive")
	}
	if c.Agent.MaxRetries <= 0 {
		problems = append(problems, "agent.max_retries must be positive")
	}
	if c.Agent.MaxStepsInContext < 0 || c.Agent.MaxObservationStepsInContext < 0 {
		problems = append(problems, "agent context sizes must not be negative")
	}
	if c.LLM.Provider == "" {
		problems = append(problems, "llm.provider is required")
	}
	if c.LLM.EditScriptMaxTokens <= 0 {
		problems = append(problems, "llm.edit_script_max_tokens must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ResearchProblem returns the task text, reading research_problem_file
// when the text is not given inline.
func (c Config) ResearchProblem() (string, error) {
	if c.Environment.ResearchProblem != "" {
		return c.Environment.ResearchProblem, nil
	}
	if c.Environment.ResearchProblemFile == "" {
		return "", fmt.Errorf("no research problem: set environment.research_problem or research_problem_file")
	}
	data, err := os.ReadFile(c.Environment.ResearchProblemFile)
	if err != nil {
		return "", fmt.Errorf("read research problem: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Models resolves the main, fast and edit models, falling back to the
// provider's catalog defaults.
func (c Config) Models() (main, fast, edit string) {
	main, fast, edit = c.LLM.Model, c.LLM.FastModel, c.LLM.EditScriptModel
	if main == "" {
		if info := unifiedllm.GetDefaultModel(c.LLM.Provider, false); info != nil {
			main = info.ID
		}
	}
	if fast == "" {
		if info := unifiedllm.GetDefaultModel(c.LLM.Provider, true); info != nil {
			fast = info.ID
		} else {
			fast = main
		}
	}
	if edit == "" {
		edit = main
	}
	return main, fast, edit
}

// EnvironmentConfig converts the file settings for environment.New.
func (c Config) EnvironmentConfig(researchProblem string) environment.Config {
	_, fast, edit := c.Models()
	return environment.Config{
		WorkDir:            c.Environment.WorkDir,
		LogDir:             c.Environment.LogDir,
		ResearchProblem:    researchProblem,
		MaxSteps:           c.Environment.MaxSteps,
		MaxTime:            c.Environment.MaxTime,
		Device:             c.Environment.Device,
		Python:             c.Environment.Python,
		ModifiablePatterns: c.Environment.ModifiableFiles,
		Resume:             c.Environment.Resume,
		ResumeStep:         c.Environment.ResumeStep,
		FastModel:          fast,
		EditModel:          edit,
	}
}

// withoutRetrieval are hidden from the prompt unless retrieval is enabled.
var withoutRetrieval = []string{
	actions.RetrievalAction,
	actions.AppendLogAction,
	actions.ReflectionAction,
}

// AgentConfig converts the file settings for agentloop.New.
func (c Config) AgentConfig() agentloop.Config {
	main, fast, _ := c.Models()
	remove := c.Agent.ActionsRemoveFromPrompt
	if !c.Agent.Retrieval {
		remove = append(slices.Clone(remove), withoutRetrieval...)
	}
	return agentloop.Config{
		AgentMaxSteps:                c.Agent.AgentMaxSteps,
		MaxStepsInContext:            c.Agent.MaxStepsInContext,
		MaxObservationStepsInContext: c.Agent.MaxObservationStepsInContext,
		MaxRetries:                   c.Agent.MaxRetries,
		ValidFormatEntries:           c.Agent.ValidFormatEntries,
		ActionsRemoveFromPrompt:      remove,
		ActionsAddToPrompt:           c.Agent.ActionsAddToPrompt,
		Model:                        main,
		FastModel:                    fast,
		LoopDetectionWindow:          c.Agent.LoopDetectionWindow,
		LogDir:                       filepath.Join(c.Environment.LogDir, "agent_log"),
	}
}
