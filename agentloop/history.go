package agentloop

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/martinemde/autoresearch/environment"
)

// HistoryStep is one completed cycle as the agent remembers it.
type HistoryStep struct {
	StepIdx     int       `json:"step_idx"`
	Response    *Response `json:"-"`
	Action      string    `json:"action"`
	ActionInput any       `json:"action_input"`
	Observation string    `json:"observation"`
	Feedback    string    `json:"feedback"`
}

func (h HistoryStep) isParsingError() bool {
	return strings.HasPrefix(h.Observation, environment.ParsingErrorPrefix)
}

// appendHistory adds step and, unless step itself reports an input parsing
// error, drops every earlier entry that does.
func appendHistory(history []HistoryStep, step HistoryStep) []HistoryStep {
	history = append(history, step)
	if step.isParsingError() {
		return history
	}
	kept := history[:0]
	for _, h := range history {
		if !h.isParsingError() {
			kept = append(kept, h)
		}
	}
	return kept
}

// actionSignature identifies an action and its input.
func actionSignature(name string, input any) string {
	data, err := json.Marshal(input)
	if err != nil {
		data = []byte(fmt.Sprint(input))
	}
	h := sha256.Sum256(data)
	return fmt.Sprintf("%s:%x", name, h[:8])
}

// DetectLoop checks if the last windowSize actions follow a repeating
// pattern of length 1, 2, or 3.
func DetectLoop(history []HistoryStep, windowSize int) bool {
	if windowSize <= 0 || len(history) < windowSize {
		return false
	}
	sigs := make([]string, 0, windowSize)
	for _, h := range history[len(history)-windowSize:] {
		sigs = append(sigs, actionSignature(h.Action, h.ActionInput))
	}

	for patternLen := 1; patternLen <= 3; patternLen++ {
		if windowSize%patternLen != 0 {
			continue
		}
		pattern := sigs[:patternLen]
		allMatch := true
		for i := patternLen; i < windowSize && allMatch; i += patternLen {
			for j := 0; j < patternLen; j++ {
				if sigs[i+j] != pattern[j] {
					allMatch = false
					break
				}
			}
		}
		if allMatch {
			return true
		}
	}
	return false
}
