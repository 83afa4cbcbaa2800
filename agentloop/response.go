package agentloop

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/martinemde/autoresearch/trace"
)

// Response field labels, in the order the model is asked to produce them.
const (
	FieldReflection         = "Reflection"
	FieldResearchPlanStatus = "Research Plan and Status"
	FieldFactCheck          = "Fact Check"
	FieldThought            = "Thought"
	FieldQuestions          = "Questions"
	FieldAction             = "Action"
	FieldActionInput        = "Action Input"
)

// observationLabel ends a response; models often continue by inventing the
// observation themselves.
const observationLabel = "Observation"

// FormatField is one labeled entry of the response schema.
type FormatField struct {
	Label       string
	Instruction string
}

// ResponseFormat is the full response schema, in prompt order.
var ResponseFormat = []FormatField{
	{FieldReflection, "What does the observation mean? If there is an error, what caused the error and how to debug?"},
	{FieldResearchPlanStatus, "The full high level research plan, with current status and confirmed results of each step briefly annotated. It must only include progress that has been made by previous steps. If there is any update, enclose the new update text in double asterisks **like this**. If there is no update, just copy the previous step Research Plan and Status. The high level plan from the previous step should be fully retained, unless it is intentionally revised."},
	{FieldFactCheck, "List all objective statements in the updates to Research Plan and Status one by one and point out whether it is guessed versus directly confirmed by the previous observation directly above. Performance numbers can only be confirmed by running the code and observing the output."},
	{FieldThought, "What you are currently doing, what actions to perform and why"},
	{FieldQuestions, "What questions you would like to be answered by a human researcher, as well as any advice you seek"},
	{FieldAction, "the action to take, should be one of the names of the tools"},
	{FieldActionInput, "the input to the action as a valid JSON string"},
}

// DefaultFormatEntries returns every label of ResponseFormat.
func DefaultFormatEntries() []string {
	labels := make([]string, len(ResponseFormat))
	for i, f := range ResponseFormat {
		labels[i] = f.Label
	}
	return labels
}

func formatInstruction(label string) (string, bool) {
	for _, f := range ResponseFormat {
		if f.Label == label {
			return f.Instruction, true
		}
	}
	return "", false
}

// ResponseFormatError reports a completion that does not follow the
// response schema.
type ResponseFormatError struct {
	Missing   []string
	Duplicate []string
	Unknown   string
}

func (e *ResponseFormatError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.Duplicate) > 0 {
		parts = append(parts, "duplicate "+strings.Join(e.Duplicate, ", "))
	}
	if e.Unknown != "" {
		parts = append(parts, fmt.Sprintf("unknown action %q", e.Unknown))
	}
	return "invalid response: " + strings.Join(parts, "; ")
}

// Response is a parsed model completion. Fields holds the text of every
// expected label, trimmed of surrounding whitespace.
type Response struct {
	Fields map[string]string
}

// Get returns the text of a field, or "" if the field was not requested.
func (r *Response) Get(label string) string { return r.Fields[label] }

// ActionName returns the trimmed action name.
func (r *Response) ActionName() string { return strings.TrimSpace(r.Fields[FieldAction]) }

// Render prints the fields in order, the way they appear in a completion.
func (r *Response) Render(entries []string) string {
	var sb strings.Builder
	for _, label := range entries {
		sb.WriteString(label)
		sb.WriteString(": ")
		sb.WriteString(r.Fields[label])
		sb.WriteString("\n")
	}
	return sb.String()
}

// ParseResponse extracts the labeled fields from a completion. A label
// counts only at the start of a line. Every entry must appear exactly
// once; parsing stops at the first "Observation:" line. The action name
// must be one of actionNames.
func ParseResponse(completion string, entries, actionNames []string) (*Response, error) {
	// Longest labels first so "Action Input:" is not read as "Action:".
	labels := append([]string(nil), entries...)
	sort.Slice(labels, func(i, j int) bool { return len(labels[i]) > len(labels[j]) })

	values := make(map[string]*strings.Builder, len(entries))
	seen := make(map[string]int, len(entries))
	var current *strings.Builder

scan:
	for _, line := range strings.SplitAfter(completion, "\n") {
		trimmed := strings.TrimLeft(line, " \t*#")
		if strings.HasPrefix(trimmed, observationLabel+":") {
			break scan
		}
		for _, label := range labels {
			if rest, ok := strings.CutPrefix(trimmed, label+":"); ok {
				seen[label]++
				current = &strings.Builder{}
				values[label] = current
				current.WriteString(rest)
				continue scan
			}
		}
		if current != nil {
			current.WriteString(line)
		}
	}

	ferr := &ResponseFormatError{}
	for _, label := range entries {
		switch seen[label] {
		case 0:
			ferr.Missing = append(ferr.Missing, label)
		case 1:
		default:
			ferr.Duplicate = append(ferr.Duplicate, label)
		}
	}
	if len(ferr.Missing) > 0 || len(ferr.Duplicate) > 0 {
		return nil, ferr
	}

	resp := &Response{Fields: make(map[string]string, len(entries))}
	for _, label := range entries {
		resp.Fields[label] = strings.TrimSpace(values[label].String())
	}
	if slices.Contains(entries, FieldAction) && !slices.Contains(actionNames, resp.ActionName()) {
		return nil, &ResponseFormatError{Unknown: resp.ActionName()}
	}
	return resp, nil
}

// normalizePlan strips code fences and emphasis markers from the research
// plan, keeping a blank line after it.
func normalizePlan(plan string) string {
	plan = strings.Trim(plan, "`") + "\n\n"
	return strings.ReplaceAll(plan, "**", "")
}

var jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

// ParseActionInput parses the model's action input against the action's
// usage. It accepts a JSON object, a JSON object with raw newlines inside
// strings, or as a last resort the quoted keys in usage order. The keys
// must match the usage exactly.
func ParseActionInput(raw string, usage trace.Usage) (map[string]any, error) {
	body := jsonObject.FindString(raw)
	if body == "" {
		return nil, fmt.Errorf("no JSON object found in action input")
	}

	args, err := decodeObject(body)
	if err != nil {
		if fixed, ferr := decodeObject(escapeControlChars(body)); ferr == nil {
			args, err = fixed, nil
		}
	}
	if err == nil {
		if err := matchUsage(args, usage); err != nil {
			return nil, err
		}
		return args, nil
	}

	if matched, merr := matchByKeys(body, usage); merr == nil {
		return matched, nil
	}
	return nil, err
}

func decodeObject(s string) (map[string]any, error) {
	var v map[string]any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// escapeControlChars escapes newlines and tabs that appear inside JSON
// string literals.
func escapeControlChars(s string) string {
	var sb strings.Builder
	inString, escaped := false, false
	for _, r := range s {
		switch {
		case escaped:
			escaped = false
		case r == '\\' && inString:
			escaped = true
		case r == '"':
			inString = !inString
		case inString && r == '\n':
			sb.WriteString(`\n`)
			continue
		case inString && r == '\r':
			sb.WriteString(`\r`)
			continue
		case inString && r == '\t':
			sb.WriteString(`\t`)
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func matchUsage(args map[string]any, usage trace.Usage) error {
	var missing, extra []string
	for _, k := range usage.Keys() {
		if _, ok := args[k]; !ok {
			missing = append(missing, k)
		}
	}
	for k := range args {
		if !usage.Has(k) {
			extra = append(extra, k)
		}
	}
	if len(missing) == 0 && len(extra) == 0 {
		return nil
	}
	sort.Strings(extra)
	return fmt.Errorf("argument mismatch: missing [%s], unexpected [%s]", strings.Join(missing, ", "), strings.Join(extra, ", "))
}

// matchByKeys reads `"key": value` pairs in usage order from a malformed
// object body, taking everything up to the next key as the value.
func matchByKeys(body string, usage trace.Usage) (map[string]any, error) {
	keys := usage.Keys()
	if len(keys) == 0 {
		return nil, fmt.Errorf("action takes no input")
	}
	inner := strings.TrimSpace(body[1 : len(body)-1])
	var pattern strings.Builder
	pattern.WriteString(`(?s)^`)
	for i, k := range keys {
		if i > 0 {
			pattern.WriteString(`,\s*`)
		}
		pattern.WriteString(`"` + regexp.QuoteMeta(k) + `"\s*:\s*(.*?)`)
	}
	pattern.WriteString(`,?\s*$`)
	re, err := regexp.Compile(pattern.String())
	if err != nil {
		return nil, err
	}
	m := re.FindStringSubmatch(inner)
	if m == nil {
		return nil, fmt.Errorf("invalid format")
	}
	args := make(map[string]any, len(keys))
	for i, k := range keys {
		args[k] = strings.Trim(strings.TrimSpace(m[i+1]), `"`)
	}
	return args, nil
}
