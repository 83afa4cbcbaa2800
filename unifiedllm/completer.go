package unifiedllm

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Completer is the text-in, text-out contract the harness depends on.
type Completer interface {
	Complete(ctx context.Context, prompt, model string) (string, error)
}

// CompleterFunc adapts a function to the Completer interface.
type CompleterFunc func(ctx context.Context, prompt, model string) (string, error)

// Complete calls f.
func (f CompleterFunc) Complete(ctx context.Context, prompt, model string) (string, error) {
	return f(ctx, prompt, model)
}

// TextCompleter sends single-message prompts through a Client, retrying
// transport failures with a RetryPolicy.
type TextCompleter struct {
	client    *Client
	policy    RetryPolicy
	maxTokens int
	stop      []string
	logger    *zap.Logger
}

// TextCompleterOption configures a TextCompleter.
type TextCompleterOption func(*TextCompleter)

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) TextCompleterOption {
	return func(t *TextCompleter) { t.policy = p }
}

// WithCompletionMaxTokens caps the length of every completion.
func WithCompletionMaxTokens(n int) TextCompleterOption {
	return func(t *TextCompleter) { t.maxTokens = n }
}

// WithStopSequences sets sequences that end generation.
func WithStopSequences(stop ...string) TextCompleterOption {
	return func(t *TextCompleter) { t.stop = stop }
}

// WithCompleterLogger sets the logger used for retry reports.
func WithCompleterLogger(l *zap.Logger) TextCompleterOption {
	return func(t *TextCompleter) { t.logger = l }
}

// NewTextCompleter wraps client.
func NewTextCompleter(client *Client, opts ...TextCompleterOption) *TextCompleter {
	t := &TextCompleter{
		client: client,
		policy: DefaultRetryPolicy(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Complete sends prompt as a single user message to model.
func (t *TextCompleter) Complete(ctx context.Context, prompt, model string) (string, error) {
	req := Request{
		Model:         model,
		Messages:      []Message{UserMessage(prompt)},
		StopSequences: t.stop,
	}
	if t.maxTokens > 0 {
		n := t.maxTokens
		req.MaxTokens = &n
	}

	policy := t.policy
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		t.logger.Warn("retrying completion",
			zap.String("model", model),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if t.policy.OnRetry != nil {
			t.policy.OnRetry(err, attempt, delay)
		}
	}

	resp, err := Retry(ctx, policy, func(ctx context.Context) (*Response, error) {
		return t.client.Complete(ctx, req)
	})
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}
