package agentloop

import (
	"fmt"
	"slices"
	"strings"

	"github.com/martinemde/autoresearch/trace"
)

// DefaultRemovedFromPrompt are actions the agent may call but that are not
// advertised in the tools prompt.
var DefaultRemovedFromPrompt = []string{
	"Read File",
	"Write File",
	"Append File",
	"Retrieval from Research Log",
	"Append Summary to Research Log",
	"Python REPL",
	"Edit Script Segment (AI)",
}

const instructions = `You do not know anything about this problem so far.

Follow these instructions and do not forget them:
- First, come up with a high level plan based on your understanding of the problem and available tools and record it in the Research Plan and Status. You can revise the plan later.
- Research Plan and Status should well organized and succinctly keep track of 1) high level plan (can be revised), 2) what steps have been done and what steps are in progress, 3) short results and conclusions of each step after it has been performed.
- Research Plan and Status must only include progress that has been made by previous steps. It should not include results not directly confirmed by the previous observation.
- Performance numbers and estimates can only be confirmed and included in the status by running the code and observing the output.
- You should come up with a good experiment design that addresses the problem, and whenever applicable, define and measure the baseline performance of the relevant system or model before attempting any improvements.
- Follow the plan and try to achieve the goal as straightforwardly as possible, but pay strong attention to human feedback
- Highlight the supporting experiment results and reasoning before drawing any conclusions.
- If you believe you have solved the problem, you can use the Final Answer action to submit your answer. You can only submit once, so double check that you have achieved the goal before submitting.
`

// promptToolNames lists the registry actions advertised in the prompt: every
// name not removed, plus explicit additions, without duplicates.
func promptToolNames(all, remove, add []string) []string {
	var names []string
	for _, n := range all {
		if !slices.Contains(remove, n) {
			names = append(names, n)
		}
	}
	for _, n := range add {
		if slices.Contains(all, n) && !slices.Contains(names, n) {
			names = append(names, n)
		}
	}
	return names
}

func toolPrompt(info trace.ActionInfo) string {
	usage := make([]string, len(info.Usage))
	for i, f := range info.Usage {
		usage[i] = fmt.Sprintf("%q: [%s]", f.Name, f.Description)
	}
	return fmt.Sprintf("%s\nUsage:\n```\nAction: %s\nAction Input: {\n    %s\n}\nObservation: [%s]\n```\n\n",
		info.Description, info.Name, strings.Join(usage, ",\n    "), info.ReturnValue)
}

func toolsPrompt(names []string, infos map[string]trace.ActionInfo) string {
	var sb strings.Builder
	for _, n := range names {
		sb.WriteString("- " + n + ":\n")
		sb.WriteString(toolPrompt(infos[n]))
	}
	return sb.String()
}

func formatPrompt(entries []string) string {
	lines := make([]string, 0, len(entries))
	for _, label := range entries {
		instr, _ := formatInstruction(label)
		lines = append(lines, label+": "+instr)
	}
	return strings.Join(lines, "\n")
}

// initialPrompt is the fixed preamble of every cycle's prompt.
func initialPrompt(tools, researchProblem string, entries []string) string {
	var sb strings.Builder
	sb.WriteString("You are a helpful research assistant. You have access to the following tools:\n")
	sb.WriteString(tools)
	sb.WriteString("\nResearch Problem: " + researchProblem + "\n\n")
	sb.WriteString(instructions)
	sb.WriteString("\nAlways respond in this format exactly:\n")
	sb.WriteString(formatPrompt(entries))
	sb.WriteString("\nObservation: \n```\nthe result of the action\n```\n\n")
	return sb.String()
}

// cyclePrompt appends the retrieved digest, the recent history and the last
// feedback to the preamble. Of the last maxSteps entries, observations older
// than maxObservationSteps cycles are shown as <Done>.
func cyclePrompt(preamble, relevantHistory string, history []HistoryStep, entries []string, maxSteps, maxObservationSteps int, feedback string) string {
	var sb strings.Builder
	sb.WriteString(preamble)
	sb.WriteString("\nHere is a summary of relevant actions and observations you have done:\n```\n")
	sb.WriteString(relevantHistory)
	sb.WriteString("\n```\n")
	fmt.Fprintf(&sb, "Here are the %d most recent actions actions and observations\n", maxSteps)

	curr := len(history)
	for idx := max(curr-maxSteps, 0); idx < curr; idx++ {
		sb.WriteString("Action:\n" + history[idx].Response.Render(entries) + "\nObservation:\n")
		if curr-idx > maxObservationSteps {
			sb.WriteString("<Done>\n\n")
		} else {
			sb.WriteString("```\n" + history[idx].Observation + "\n```\n\n")
		}
	}

	sb.WriteString("\nPrevious Feedback from Human: " + feedback + "\n")
	sb.WriteString("\nNow let's start!\n\n")
	return sb.String()
}

func correctionPrompt(entries []string) string {
	return "\n\n Your response was in incorrect format. Please provide a valid response with all entries: " + strings.Join(entries, ", ") + "\n\n"
}
