package agentloop

import (
	"fmt"
	"unicode/utf8"
)

// TruncationMode specifies how output is truncated.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

// TruncateOutput applies character-based truncation to output. It is the
// fallback when an observation could not be summarized.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	n := utf8.RuneCountInString(output)
	if n <= maxChars {
		return output
	}

	runes := []rune(output)
	removed := n - maxChars
	switch mode {
	case TruncateTail:
		return fmt.Sprintf("[WARNING: Observation was truncated. First %d characters were removed. "+
			"The full observation is kept in the agent log.]\n\n", removed) +
			string(runes[n-maxChars:])

	default:
		half := maxChars / 2
		return string(runes[:half]) +
			fmt.Sprintf("\n\n[WARNING: Observation was truncated. %d characters were removed from the middle. "+
				"The full observation is kept in the agent log. "+
				"If you need to see specific parts, re-run the action with more targeted input.]\n\n",
				removed) +
			string(runes[n-half:])
	}
}
