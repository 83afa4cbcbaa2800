package trace

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTrace(n int) *Trace {
	tr := New(map[string]ActionInfo{
		"Write File": {
			Name:        "Write File",
			Description: "Write a file.",
			Usage: Usage{
				{Name: "file_name", Description: "a valid file name"},
				{Name: "content", Description: "the content to be written"},
			},
			ReturnValue: "A success message.",
			Function:    "write_file",
			IsPrimitive: true,
		},
	}, "train a model")
	for i := 0; i < n; i++ {
		ts := float64(100 + 10*i)
		tr.AppendLowLevel(Step{Action: Action{Name: "Write File"}, Observation: "ok", Timestamp: ts - 1})
		tr.Append(Step{
			Action:      Action{Name: "Write File", Args: map[string]any{"file_name": "a.py", "content": "x"}},
			Observation: "ok",
			Timestamp:   ts,
		})
	}
	return tr
}

func TestAppendKeepsTimestampsMonotonic(t *testing.T) {
	tr := New(nil, "")
	tr.Append(Step{Timestamp: 10})
	got := tr.Append(Step{Timestamp: 5})
	assert.Equal(t, 10.0, got.Timestamp)
	tr.Append(Step{Timestamp: 11})

	for i := 0; i+1 < len(tr.Steps); i++ {
		assert.LessOrEqual(t, tr.Steps[i].Timestamp, tr.Steps[i+1].Timestamp)
	}
}

func TestTruncateForResume(t *testing.T) {
	tr := sampleTrace(5)
	require.NoError(t, tr.Truncate(2))

	require.Len(t, tr.Steps, 3)
	cutoff := tr.Steps[2].Timestamp
	for _, s := range tr.LowLevelSteps {
		assert.Less(t, s.Timestamp, cutoff)
	}
	assert.Len(t, tr.LowLevelSteps, 3)
}

func TestTruncateOutOfRange(t *testing.T) {
	tr := sampleTrace(2)
	assert.Error(t, tr.Truncate(2))
	assert.Error(t, tr.Truncate(-1))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	tr := sampleTrace(3)
	path := filepath.Join(t.TempDir(), "trace.json")
	require.NoError(t, tr.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	if diff := cmp.Diff(tr, loaded); diff != "" {
		t.Errorf("trace changed after round trip (-want +got):\n%s", diff)
	}
}

func TestUsageKeepsOrder(t *testing.T) {
	u := Usage{{Name: "z", Description: "last letter"}, {Name: "a", Description: "first letter"}}
	data, err := json.Marshal(u)
	require.NoError(t, err)
	assert.Equal(t, `{"z":"last letter","a":"first letter"}`, string(data))

	var back Usage
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, []string{"z", "a"}, back.Keys())
}

func TestUnparsedArgsSerializeAsRawText(t *testing.T) {
	data, err := json.Marshal(Action{Name: "Write File", Args: UnparsedArgs{Raw: "{oops", Reason: "bad"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Write File","args":"{oops"}`, string(data))
}

func TestCloneIsDeep(t *testing.T) {
	tr := sampleTrace(1)
	c := tr.Clone()
	c.Steps[0].Action.Args.(map[string]any)["file_name"] = "b.py"
	assert.Equal(t, "a.py", tr.Steps[0].Action.Args.(map[string]any)["file_name"])
}

func TestHasFinalAnswer(t *testing.T) {
	tr := sampleTrace(1)
	assert.False(t, tr.HasFinalAnswer())
	tr.Append(Step{Action: Action{Name: FinalAnswer}, Timestamp: 1e9})
	assert.True(t, tr.HasFinalAnswer())
}
