// Package unifiedllm is the completion service used by the research agent and
// its tools. It routes text prompts to provider adapters, currently backed by
// github.com/teilomillet/gollm, through a middleware chain.
//
// The agent only needs text in and text out, so most callers use a
// TextCompleter:
//
//	client := unifiedllm.NewClientFromEnv(
//	    unifiedllm.WithMiddleware(unifiedllm.LoggingMiddleware(logger)))
//	llm := unifiedllm.NewTextCompleter(client)
//	text, err := llm.Complete(ctx, "Summarize this log", "claude-haiku-4-5")
//
// Transport failures are classified into a typed error hierarchy rooted at
// SDKError. IsRetryable drives Retry, and IsPromptTooLong lets callers shrink
// their input instead of retrying.
package unifiedllm
