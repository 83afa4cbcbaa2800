package agentloop

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// SummaryBlockSize is the observation length in characters above which an
// observation is summarized, and the chunk size used to summarize it.
const SummaryBlockSize = 10000

// TooLongToSummarize is the research log entry used when every attempt to
// summarize a cycle failed.
const TooLongToSummarize = "Too long to summarize."

const observationSummaryFormat = `Summarize the observation concisely in this format:
[Observation]: Summarize all relevant details in the observation objectively

Do not include any result that is guessed rather than directly confirmed by the observation. Do not include additional information or suggestions.
`

// chunks splits s into pieces of at most size characters.
func chunks(s string, size int) []string {
	var out []string
	for s != "" {
		end, n := 0, 0
		for end < len(s) && n < size {
			_, w := utf8.DecodeRuneInString(s[end:])
			end += w
			n++
		}
		out = append(out, s[:end])
		s = s[end:]
	}
	return out
}

// summarizeObservation condenses an observation in SummaryBlockSize chunks,
// one fast completion per chunk plus one to merge them when there is more
// than one. The text after the "[Observation]:" marker is returned, or the
// whole completion if the marker is missing.
func (a *Agent) summarizeObservation(ctx context.Context, action, observation string) (string, error) {
	blocks := chunks(observation, SummaryBlockSize)
	descriptions := make([]string, 0, len(blocks))
	for idx, b := range blocks {
		start := SummaryBlockSize*idx + 1
		prompt := fmt.Sprintf("\n%s\n\nThe full observation is too long. Given this (partial) observation from character %d to character %d: \n``` \n%s\n```\n%s",
			action, start, start+utf8.RuneCountInString(b), b, observationSummaryFormat)
		desc, err := a.fast.Complete(ctx, prompt, a.cfg.FastModel)
		if err != nil {
			return "", fmt.Errorf("summarize observation segment %d: %w", idx, err)
		}
		descriptions = append(descriptions, desc)
	}

	completion := descriptions[0]
	if len(descriptions) > 1 {
		segments := make([]string, len(descriptions))
		for i, d := range descriptions {
			segments[i] = fmt.Sprintf("Segment %d: \n\n%s", i, d)
		}
		prompt := fmt.Sprintf("\n%s\n\nThe full observation is too long. \nGiven summaries for each segments of the whole observation, summarize to get a cohesive description of the entire observation.\n%s\n\n%s",
			action, strings.Join(segments, "\n\n"), observationSummaryFormat)
		var err error
		completion, err = a.fast.Complete(ctx, prompt, a.cfg.FastModel)
		if err != nil {
			return "", fmt.Errorf("merge observation summaries: %w", err)
		}
	}

	if _, after, ok := strings.Cut(completion, "[Observation]:"); ok {
		obs, _, _ := strings.Cut(after, "[Observation]:")
		return obs, nil
	}
	return completion, nil
}

// summarizeLogEntry condenses one cycle into a research log entry. The
// completion must contain a "[Reasoning]:" marker.
func (a *Agent) summarizeLogEntry(ctx context.Context, action, observation, feedback string) (string, error) {
	prompt := fmt.Sprintf(`Given your action, the observation, and the human feedback:
[Action]:
%s
[Observation]:
`+"```"+`
%s
`+"```"+`
[Feedback]:
%s

Summarize your action and the observation in this format concisely in under 300 words:
[Reasoning]: Summarize the reasoning behind the action
[Action]: Summarize all relevant details of the action objectively
[Observation]: Summarize all relevant details in the observation objectively
[Feedback]: Summarize all relevant details in the human feedback objectively
Do not include any result that is guessed rather than directly confirmed by the observation. Do not include additional information or suggestions.
`, action, observation, feedback)

	completion, err := a.fast.Complete(ctx, prompt, a.cfg.FastModel)
	if err != nil {
		return "", err
	}
	_, after, ok := strings.Cut(completion, "[Reasoning]:")
	if !ok {
		return "", fmt.Errorf("log summary has no [Reasoning] section")
	}
	reasoning, _, _ := strings.Cut(after, "[Reasoning]:")
	return "[Reasoning]:" + reasoning, nil
}
