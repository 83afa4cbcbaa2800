package unifiedllm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmAdapter implements ProviderAdapter over gollm. A gollm.LLM keeps
// every option it is given, so the adapter holds one instance per request
// profile instead of mutating a shared one.
type GollmAdapter struct {
	provider string
	model    string
	cfg      gollmAdapterConfig

	mu   sync.Mutex
	llms map[requestProfile]gollm.LLM
}

// requestProfile is the set of request parameters baked into a gollm.LLM.
type requestProfile struct {
	model       string
	maxTokens   int
	temperature float64
	stop        string // stop sequences joined by NUL
	system      bool
}

// GollmAdapterOption configures a GollmAdapter.
type GollmAdapterOption func(*gollmAdapterConfig)

type gollmAdapterConfig struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

// WithAPIKey sets the API key for the adapter.
func WithAPIKey(key string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.apiKey = key
	}
}

// WithModel sets the default model for the adapter.
func WithModel(model string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.model = model
	}
}

// WithMaxTokens sets the default max tokens.
func WithMaxTokens(n int) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.maxTokens = n
	}
}

// WithTemperature sets the default temperature.
func WithTemperature(t float64) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.temperature = t
	}
}

// WithGollmOptions adds extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.extraOpts = append(c.extraOpts, opts...)
	}
}

// NewGollmAdapter creates a new GollmAdapter for the given provider.
// If apiKey is empty, gollm will attempt to read it from environment variables.
func NewGollmAdapter(provider string, apiKey string, opts ...GollmAdapterOption) (*GollmAdapter, error) {
	cfg := gollmAdapterConfig{
		apiKey:      apiKey,
		maxTokens:   4096,
		temperature: 0.5,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	model := cfg.model
	if model == "" {
		if info := GetDefaultModel(provider, false); info != nil {
			model = info.ID
		} else {
			model = "gpt-4o-mini"
		}
	}

	a := &GollmAdapter{
		provider: provider,
		model:    model,
		cfg:      cfg,
		llms:     make(map[requestProfile]gollm.LLM),
	}
	// Build the default profile now so configuration errors surface here.
	if _, err := a.llmFor(a.profile(Request{}, false)); err != nil {
		return nil, err
	}
	return a, nil
}

// profile resolves the parameters of req against the adapter defaults.
func (a *GollmAdapter) profile(req Request, system bool) requestProfile {
	p := requestProfile{
		model:       req.Model,
		maxTokens:   a.cfg.maxTokens,
		temperature: a.cfg.temperature,
		stop:        strings.Join(req.StopSequences, "\x00"),
		system:      system,
	}
	if p.model == "" {
		p.model = a.model
	}
	if req.MaxTokens != nil {
		p.maxTokens = *req.MaxTokens
	}
	if req.Temperature != nil {
		p.temperature = *req.Temperature
	}
	return p
}

// llmFor returns the gollm instance for p, creating it on first use.
// a.mu must be held or the adapter not yet shared.
func (a *GollmAdapter) llmFor(p requestProfile) (gollm.LLM, error) {
	if llm, ok := a.llms[p]; ok {
		return llm, nil
	}
	opts := []gollm.ConfigOption{
		gollm.SetProvider(a.provider),
		gollm.SetModel(p.model),
		gollm.SetMaxTokens(p.maxTokens),
		gollm.SetTemperature(p.temperature),
		gollm.SetMaxRetries(0), // Retries are handled by Retry.
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if a.cfg.apiKey != "" {
		opts = append(opts, gollm.SetAPIKey(a.cfg.apiKey))
	}
	opts = append(opts, a.cfg.extraOpts...)

	llm, err := gollm.NewLLM(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gollm LLM for provider %s: %w", a.provider, err)
	}
	llm.SetOption("model", p.model)
	llm.SetOption("max_tokens", p.maxTokens)
	llm.SetOption("temperature", p.temperature)
	if p.stop != "" {
		llm.SetOption("stop", strings.Split(p.stop, "\x00"))
	}
	a.llms[p] = llm
	return llm, nil
}

// Name returns the provider identifier.
func (a *GollmAdapter) Name() string {
	return a.provider
}

// Complete sends a blocking request and returns the full response.
func (a *GollmAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	system, text := promptText(req.Messages)
	if text == "" {
		return nil, &InvalidRequestError{ProviderError: ProviderError{
			SDKError: SDKError{Message: "request has no prompt text"}, Provider: a.provider,
		}}
	}

	var promptOpts []gollm.PromptOption
	if system != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(system, gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		promptOpts = append(promptOpts, gollm.WithMaxLength(*req.MaxTokens))
	}
	prompt := gollm.NewPrompt(text, promptOpts...)

	// Instances with a system prompt keep the last one set; the lock keeps
	// each Generate paired with its own.
	a.mu.Lock()
	defer a.mu.Unlock()
	llm, err := a.llmFor(a.profile(req, system != ""))
	if err != nil {
		return nil, err
	}

	out, err := llm.Generate(ctx, prompt)
	if err != nil {
		return nil, a.translateError(err)
	}
	return a.buildResponse(req, out), nil
}

func (a *GollmAdapter) buildResponse(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = a.model
	}
	in := estimateTokens(req)
	out := len(text) / 4 // gollm does not expose usage
	return &Response{
		ID:           "resp_" + uuid.New().String()[:8],
		Model:        model,
		Provider:     a.provider,
		Message:      AssistantMessage(text),
		FinishReason: FinishReason{Reason: "stop", Raw: "stop"},
		Usage:        Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out},
	}
}

// translateError converts a gollm error into the unified error hierarchy.
func (a *GollmAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	base := func(status int, retryable bool) ProviderError {
		return ProviderError{
			SDKError:   SDKError{Message: msg, Cause: err},
			Provider:   a.provider,
			StatusCode: status,
			Retryable:  retryable,
		}
	}

	msgLower := strings.ToLower(msg)
	switch {
	case strings.Contains(msgLower, "401") || strings.Contains(msgLower, "unauthorized") || strings.Contains(msgLower, "invalid api key"):
		return &AuthenticationError{ProviderError: base(401, false)}
	case strings.Contains(msgLower, "403") || strings.Contains(msgLower, "forbidden"):
		return &AccessDeniedError{ProviderError: base(403, false)}
	case strings.Contains(msgLower, "context length") || strings.Contains(msgLower, "too many tokens") ||
		strings.Contains(msgLower, "prompt is too long") || strings.Contains(msgLower, "maximum context"):
		return &ContextLengthError{ProviderError: base(413, false)}
	case strings.Contains(msgLower, "404") || strings.Contains(msgLower, "not found"):
		return &NotFoundError{ProviderError: base(404, false)}
	case strings.Contains(msgLower, "429") || strings.Contains(msgLower, "rate limit"):
		return &RateLimitError{ProviderError: base(429, true)}
	case strings.Contains(msgLower, "500") || strings.Contains(msgLower, "internal server") || strings.Contains(msgLower, "overloaded"):
		return &ServerError{ProviderError: base(500, true)}
	case strings.Contains(msgLower, "timeout"):
		return &RequestTimeoutError{SDKError: SDKError{Message: msg, Cause: err}}
	case strings.Contains(msgLower, "content filter") || strings.Contains(msgLower, "safety"):
		return &ContentFilterError{ProviderError: base(0, false)}
	default:
		pe := base(0, true)
		return &pe
	}
}

// estimateTokens provides a rough token count estimate from request messages.
func estimateTokens(req Request) int {
	total := 0
	for _, msg := range req.Messages {
		total += len(msg.Content) / 4
	}
	if total == 0 {
		total = 10
	}
	return total
}
