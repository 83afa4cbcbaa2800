package unifiedllm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// stubAdapter is a ProviderAdapter that replays canned replies and records
// the requests it saw.
type stubAdapter struct {
	name    string
	replies []string
	errs    []error
	seen    []Request
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) Complete(_ context.Context, req Request) (*Response, error) {
	i := len(s.seen)
	s.seen = append(s.seen, req)
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	text := ""
	if len(s.replies) > 0 {
		text = s.replies[min(i, len(s.replies)-1)]
	}
	return &Response{
		ID:           "resp_test",
		Model:        req.Model,
		Provider:     s.name,
		Message:      AssistantMessage(text),
		FinishReason: FinishReason{Reason: "stop"},
		Usage:        Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30},
	}, nil
}

func newStub(name string, replies ...string) *stubAdapter {
	return &stubAdapter{name: name, replies: replies}
}

func userRequest(model, text string) Request {
	return Request{Model: model, Messages: []Message{UserMessage(text)}}
}

func TestClientComplete(t *testing.T) {
	stub := newStub("local", "Hello!")
	client := NewClient(WithProvider("local", stub), WithDefaultProvider("local"))

	resp, err := client.Complete(context.Background(), userRequest("m", "Hi"))
	require.NoError(t, err)
	assert.Equal(t, "Hello!", resp.Text())
	assert.Equal(t, "local", resp.Provider)
	require.Len(t, stub.seen, 1)
	assert.Equal(t, "local", stub.seen[0].Provider)
}

func TestClientProviderRouting(t *testing.T) {
	openai := newStub("openai", "from openai")
	anthropic := newStub("anthropic", "from anthropic")
	client := NewClient(
		WithProvider("openai", openai),
		WithProvider("anthropic", anthropic),
		WithDefaultProvider("openai"),
	)
	ctx := context.Background()

	explicit := userRequest("anything", "Hi")
	explicit.Provider = "anthropic"
	resp, err := client.Complete(ctx, explicit)
	require.NoError(t, err)
	assert.Equal(t, "from anthropic", resp.Text())

	// Catalog lookup beats the default provider.
	resp, err = client.Complete(ctx, userRequest("claude-haiku-4-5", "Hi"))
	require.NoError(t, err)
	assert.Equal(t, "from anthropic", resp.Text())

	resp, err = client.Complete(ctx, userRequest("unknown-model", "Hi"))
	require.NoError(t, err)
	assert.Equal(t, "from openai", resp.Text())
}

func TestClientNoProvider(t *testing.T) {
	_, err := NewClient().Complete(context.Background(), userRequest("m", "Hi"))
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.True(t, IsSDKError(err))
}

func TestClientUnregisteredProvider(t *testing.T) {
	client := NewClient(WithProvider("openai", newStub("openai", "x")))
	req := userRequest("m", "Hi")
	req.Provider = "gemini"
	_, err := client.Complete(context.Background(), req)
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, err.Error(), `"gemini"`)
}

func TestClientMiddlewareOrder(t *testing.T) {
	var order []string
	trace := func(name string) Middleware {
		return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
			order = append(order, "enter "+name)
			resp, err := next(ctx, req)
			order = append(order, "leave "+name)
			return resp, err
		}
	}
	client := NewClient(
		WithProvider("local", newStub("local", "ok")),
		WithMiddleware(trace("outer"), trace("inner")),
	)

	_, err := client.Complete(context.Background(), userRequest("m", "Hi"))
	require.NoError(t, err)
	assert.Equal(t, []string{"enter outer", "enter inner", "leave inner", "leave outer"}, order)
}

func TestClientRegisterProviderBecomesDefault(t *testing.T) {
	client := NewClient()
	client.RegisterProvider("dynamic", newStub("dynamic", "dynamic response"))

	resp, err := client.Complete(context.Background(), userRequest("m", "Hi"))
	require.NoError(t, err)
	assert.Equal(t, "dynamic response", resp.Text())
}

func TestLoggingMiddleware(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	failing := &stubAdapter{name: "local", errs: []error{errors.New("boom")}}
	client := NewClient(
		WithProvider("local", failing),
		WithMiddleware(LoggingMiddleware(zap.New(core))),
	)

	_, err := client.Complete(context.Background(), userRequest("m", "Hi"))
	require.Error(t, err)
	_, err = client.Complete(context.Background(), userRequest("m", "Hi again"))
	require.NoError(t, err)

	require.Equal(t, 1, logs.FilterMessage("completion failed").Len())
	require.Equal(t, 1, logs.FilterMessage("completion").Len())
	entry := logs.FilterMessage("completion").All()[0]
	assert.Equal(t, int64(20), entry.ContextMap()["output_tokens"])
}
