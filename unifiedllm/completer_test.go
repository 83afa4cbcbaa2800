package unifiedllm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextCompleterSendsSingleUserMessage(t *testing.T) {
	stub := newStub("local", "done")
	llm := NewTextCompleter(NewClient(WithProvider("local", stub)),
		WithCompletionMaxTokens(2000), WithStopSequences("Observation:"))

	got, err := llm.Complete(context.Background(), "write a plan", "m1")
	require.NoError(t, err)
	assert.Equal(t, "done", got)

	require.Len(t, stub.seen, 1)
	req := stub.seen[0]
	assert.Equal(t, "m1", req.Model)
	assert.Equal(t, []Message{UserMessage("write a plan")}, req.Messages)
	require.NotNil(t, req.MaxTokens)
	assert.Equal(t, 2000, *req.MaxTokens)
	assert.Equal(t, []string{"Observation:"}, req.StopSequences)
}

func TestTextCompleterRetriesTransportErrors(t *testing.T) {
	stub := &stubAdapter{name: "local", replies: []string{"", "", "third time"}, errs: []error{serverErr(), serverErr()}}
	var attempts []int
	policy := fastPolicy(2)
	policy.OnRetry = func(_ error, attempt int, _ time.Duration) { attempts = append(attempts, attempt) }
	llm := NewTextCompleter(NewClient(WithProvider("local", stub)), WithRetryPolicy(policy))

	got, err := llm.Complete(context.Background(), "p", "m")
	require.NoError(t, err)
	assert.Equal(t, "third time", got)
	assert.Len(t, stub.seen, 3)
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestTextCompleterDoesNotRetryPromptTooLong(t *testing.T) {
	stub := &stubAdapter{name: "local", errs: []error{&ContextLengthError{}}}
	llm := NewTextCompleter(NewClient(WithProvider("local", stub)), WithRetryPolicy(fastPolicy(3)))

	_, err := llm.Complete(context.Background(), "p", "m")
	assert.True(t, IsPromptTooLong(err))
	assert.Len(t, stub.seen, 1)
}

func TestCompleterFunc(t *testing.T) {
	var c Completer = CompleterFunc(func(_ context.Context, prompt, model string) (string, error) {
		return model + ":" + prompt, nil
	})
	got, err := c.Complete(context.Background(), "hi", "m")
	require.NoError(t, err)
	assert.Equal(t, "m:hi", got)
}
