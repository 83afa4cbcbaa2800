package agentloop

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/autoresearch/trace"
)

func TestSummarizeSingleBlock(t *testing.T) {
	fast := always("noise\n[Observation]: accuracy is 0.8")
	a := newAgent(t, newFakeEnv(), always(""), fast)

	got, err := a.summarizeObservation(t.Context(), "Action: Execute Script", strings.Repeat("x", SummaryBlockSize))
	require.NoError(t, err)
	assert.Equal(t, " accuracy is 0.8", got)
	require.Equal(t, 1, fast.calls(), "one block needs no merge")
	assert.Contains(t, fast.prompts[0], "from character 1 to character 10001")
}

func TestSummarizeMergesSegments(t *testing.T) {
	fast := &scripted{reply: func(prompt string, call int) (string, error) {
		if call == 4 {
			return "merged without marker", nil
		}
		return "[Observation]: part", nil
	}}
	a := newAgent(t, newFakeEnv(), always(""), fast)

	got, err := a.summarizeObservation(t.Context(), "Action: Execute Script", strings.Repeat("x", 25000))
	require.NoError(t, err)
	assert.Equal(t, "merged without marker", got)
	require.Equal(t, 4, fast.calls())
	assert.Contains(t, fast.prompts[2], "from character 20001 to character 25001")
	assert.Contains(t, fast.prompts[3], "Segment 0: \n\n[Observation]: part")
	assert.Contains(t, fast.prompts[3], "Segment 2: \n\n[Observation]: part")
}

func TestWideCharacterObservationUnderLimitIsKept(t *testing.T) {
	env := newFakeEnv()
	wide := strings.Repeat("中", 6000)
	env.observe = func(trace.Action) string { return wide }
	fast := always("[Observation]: should not be asked")
	a := newAgent(t, env, always(response("List Files", `{"dir_path": "."}`)), fast)

	cp, err := a.Advance(t.Context(), "")
	require.NoError(t, err)
	assert.Equal(t, wide, cp.Observation)
	assert.Zero(t, fast.calls())
}

func TestSummarizeSplitsOnCharacters(t *testing.T) {
	fast := always("[Observation]: part")
	a := newAgent(t, newFakeEnv(), always(""), fast)

	_, err := a.summarizeObservation(t.Context(), "Action: Execute Script", strings.Repeat("中", 25000))
	require.NoError(t, err)
	require.Equal(t, 4, fast.calls())
	for i, p := range fast.prompts {
		assert.True(t, utf8.ValidString(p), "prompt %d is not valid UTF-8", i)
	}
	assert.Contains(t, fast.prompts[0], "from character 1 to character 10001")
	assert.Contains(t, fast.prompts[0], strings.Repeat("中", SummaryBlockSize)+"\n```")
	assert.Contains(t, fast.prompts[2], "from character 20001 to character 25001")
}

func TestChunks(t *testing.T) {
	assert.Nil(t, chunks("", 3))
	assert.Equal(t, []string{"abc", "de"}, chunks("abcde", 3))
	assert.Equal(t, []string{"中文字", "符"}, chunks("中文字符", 3))
}

func TestSummarizeLogEntryNeedsReasoning(t *testing.T) {
	a := newAgent(t, newFakeEnv(), always(""), always("[Action]: only this"))
	_, err := a.summarizeLogEntry(t.Context(), "Action: List Files", "train.py", "")
	require.ErrorContains(t, err, "[Reasoning]")

	b := newAgent(t, newFakeEnv(), always(""), logSummarizer())
	got, err := b.summarizeLogEntry(t.Context(), "Action: List Files", "train.py", "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, "[Reasoning]: listed files\n[Action]: List Files"))
}
