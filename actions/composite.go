package actions

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/martinemde/autoresearch/trace"
)

// ResearchLog is the workspace file the agent's per-step summaries go to.
const ResearchLog = "research_log.log"

// Names of actions referenced outside this package.
const (
	RetrievalAction  = "Retrieval from Research Log"
	AppendLogAction  = "Append Summary to Research Log"
	ReflectionAction = "Reflection"
)

const understandBlockSize = 10000

func composite(name, function, description, returnValue string, usage trace.Usage, run Executor) Tool {
	t := primitive(name, function, description, returnValue, usage, run)
	t.Info.IsPrimitive = false
	return t
}

// Composites returns the actions built from primitives and completion calls.
func Composites() []Tool {
	return []Tool{
		composite("Understand File", "understand_file",
			"Use this to read the whole file and understand certain aspects. You should provide detailed description on what to look for and what should be returned. To get a better understanding of the file, you can use Inspect Script Lines action to inspect specific part of the file.",
			"The observation will be a description of relevant content and lines in the file. If the file does not exist, the observation will be an error message.",
			trace.Usage{
				{Name: "file_name", Description: fileNameHint},
				{Name: "things_to_look_for", Description: "a detailed description on what to look for and what should returned"},
			},
			understandFile),
		composite(AppendLogAction, "append_to_research_log",
			"Append to the research log with the summary of the current step.",
			"The observation will be a success message if the content is appended to the research log. Otherwise, the observation will be an error message.",
			trace.Usage{{Name: "content", Description: "a string within 500 character limit"}},
			appendToResearchLog),
		composite("Inspect Script Lines", "inspect_script_lines",
			"Use this to inspect specific part of a python script precisely, or the full content of a short script. The number of lines to display is limited to 100 lines. This is especially helpful when debugging.",
			"The observation will be the content of the script between start_line_number and end_line_number . If the script does not exist, the observation will be an error message.",
			trace.Usage{
				{Name: "script_name", Description: scriptNameHint},
				{Name: "start_line_number", Description: "a valid line number"},
				{Name: "end_line_number", Description: "a valid line number"},
			},
			inspectScriptLines),
		composite("Edit Script (AI)", "edit_script",
			"Use this to do a relatively large but cohesive edit over a python script. Instead of editing the script directly, you should describe the edit instruction so that another AI can help you do this.",
			"The observation will be the edited content of the script. If the script does not exist, the observation will be an error message. You should always double check whether the edit is correct. If it is far from correct, you can use the Undo Edit Script action to undo the edit.",
			trace.Usage{
				{Name: "script_name", Description: scriptNameHint + ". An empty script will be created if it does not exist."},
				{Name: "edit_instruction", Description: "a detailed step by step description on how to edit it."},
				{Name: "save_name", Description: "a valid file name with relative path to current directory if needed"},
			},
			editScript),
		composite("Edit Script Segment (AI)", "edit_script_lines",
			"Use this to do a relatively large but cohesive edit over a python script over a segment. Instead of editing the script directly, you should describe the edit instruction so that another AI can help you do this.",
			"The observation will be the edited content of the script. If the script does not exist, the observation will be an error message. You should always double check whether the edit is correct. If it is far from correct, you can use the Undo Edit Script action to undo the edit.",
			trace.Usage{
				{Name: "script_name", Description: scriptNameHint + ". An empty script will be created if it does not exist."},
				{Name: "start_line_number", Description: "a valid line number"},
				{Name: "end_line_number", Description: "a valid line number"},
				{Name: "edit_instruction", Description: "a detailed step by step description on how to edit it."},
				{Name: "save_name", Description: "a valid file name with relative path to current directory if needed"},
			},
			editScriptSegment),
		composite(ReflectionAction, "reflection",
			"Use this to look over all the past steps and reflect. You should provide detailed description on what to reflect on and what should be returned.",
			"The observation will be a the reflection.",
			trace.Usage{{Name: "things_to_reflect_on", Description: "a detailed description on what to reflect on and what should be returned"}},
			reflection),
		composite(RetrievalAction, "retrieval_from_research_log",
			"Use this to retrieve relevant information from the research log. You should provide detailed description on what to look for and what should be returned.",
			"The observation will be a description of relevant content and lines in the research log.",
			trace.Usage{{Name: "current_plan", Description: "a detailed description of the current research plan and status"}},
			retrievalFromResearchLog),
	}
}

// Builtin returns every built-in action, primitives first.
func Builtin() []Tool {
	return append(Primitives(), Composites()...)
}

// NewBuiltinRegistry returns a registry of Builtin.
func NewBuiltinRegistry() *Registry {
	r, err := NewRegistry(Builtin()...)
	if err != nil {
		panic(err)
	}
	return r
}

// invoke runs a nested action through the session registry.
func (tc *Context) invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	if tc.Registry == nil {
		return "", Errorf("no action registry available for %s", name)
	}
	return tc.Registry.Invoke(ctx, name, args, tc)
}

func (tc *Context) complete(ctx context.Context, prompt string, edit bool) (string, error) {
	llm, model := tc.LLM, tc.FastModel
	if edit {
		llm, model = tc.editLLM(), tc.EditModel
	}
	if llm == nil {
		return "", Errorf("no completion service is configured")
	}
	return llm.Complete(ctx, prompt, model)
}

func (tc *Context) readWorkspaceFile(ctx context.Context, name string) (string, error) {
	return tc.invoke(ctx, "Read File", map[string]any{"file_name": name})
}

func splitBlocks(content string, size int) []string {
	lines := strings.SplitAfter(content, "\n")
	var blocks []string
	var cur strings.Builder
	for _, line := range lines {
		if cur.Len() > 0 && cur.Len()+len(line) > size {
			blocks = append(blocks, cur.String())
			cur.Reset()
		}
		cur.WriteString(line)
	}
	if cur.Len() > 0 || len(blocks) == 0 {
		blocks = append(blocks, cur.String())
	}
	return blocks
}

func understandFile(ctx context.Context, args map[string]any, tc *Context) (string, error) {
	var in struct {
		FileName        string `arg:"file_name"`
		ThingsToLookFor string `arg:"things_to_look_for"`
	}
	if err := Decode("Understand File", args, &in); err != nil {
		return "", err
	}
	content, err := tc.readWorkspaceFile(ctx, in.FileName)
	if err != nil {
		return "", err
	}

	blocks := splitBlocks(content, understandBlockSize)
	descriptions := make([]string, 0, len(blocks))
	line := 1
	for _, b := range blocks {
		end := line + strings.Count(b, "\n")
		prompt := fmt.Sprintf(`Given this (partial) file from line %d to line %d:

`+"```"+`
%s
`+"```"+`

Here is a detailed description on what to look for and what should returned: %s

The description should be short and also reference critical lines in the script relevant to what is being looked for. Only describe what is objectively confirmed by the file content. Do not include guessed numbers. If you cannot find the answer to certain parts of the request, you should say "In this segment, I cannot find ...".
`, line, end, b, in.ThingsToLookFor)
		desc, err := tc.complete(ctx, prompt, false)
		if err != nil {
			return "", err
		}
		descriptions = append(descriptions, desc)
		line = end
	}
	if len(descriptions) == 1 {
		return descriptions[0], nil
	}

	var segments strings.Builder
	for i, d := range descriptions {
		fmt.Fprintf(&segments, "Segment %d: \n\n%s\n\n", i, d)
	}
	prompt := fmt.Sprintf(`Given the relevant observations for each segments of a file, summarize to get a cohesive description of the entire file on what to look for and what should returned: %s
%s`, in.ThingsToLookFor, segments.String())
	return tc.complete(ctx, prompt, false)
}

func appendToResearchLog(ctx context.Context, args map[string]any, tc *Context) (string, error) {
	var in struct {
		Content string `arg:"content"`
	}
	if err := Decode(AppendLogAction, args, &in); err != nil {
		return "", err
	}
	if _, err := tc.invoke(ctx, "Append File", map[string]any{"file_name": ResearchLog, "content": in.Content}); err != nil {
		return "", err
	}
	return "Successfully appended to research log", nil
}

func scriptLines(content string) []string {
	lines := strings.Split(content, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func inspectScriptLines(ctx context.Context, args map[string]any, tc *Context) (string, error) {
	var in struct {
		ScriptName string `arg:"script_name"`
		Start      int    `arg:"start_line_number"`
		End        int    `arg:"end_line_number"`
	}
	if err := Decode("Inspect Script Lines", args, &in); err != nil {
		return "", err
	}
	if in.End-in.Start > 100 {
		return "", Errorf("the number of lines to display is limited to 100 lines")
	}
	content, err := tc.readWorkspaceFile(ctx, in.ScriptName)
	if err != nil {
		return "", err
	}
	lines := scriptLines(content)
	start, end := clampRange(in.Start, in.End, len(lines))
	return fmt.Sprintf("Here are the lines (the file ends at line %d):\n\n%s", len(lines), strings.Join(lines[start:end], "\n")), nil
}

// clampRange converts 1-based inclusive line numbers to slice bounds.
func clampRange(start, end, n int) (int, int) {
	start = max(start-1, 0)
	end = min(end, n)
	if start > end {
		start = end
	}
	return start, end
}

// extractCode returns the body of the first fenced block in a completion.
func extractCode(completion string) string {
	for _, fence := range []string{"```python", "```"} {
		_, rest, ok := strings.Cut(completion, fence)
		if !ok {
			continue
		}
		rest = strings.TrimPrefix(rest, "\n")
		body, _, _ := strings.Cut(rest, "```")
		return body
	}
	return completion
}

func (tc *Context) loadOrCreateScript(ctx context.Context, name string) (string, error) {
	abs, _, err := tc.resolve(name)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); os.IsNotExist(err) {
		if _, err := tc.invoke(ctx, "Write File", map[string]any{"file_name": name, "content": ""}); err != nil {
			return "", err
		}
		return "", nil
	}
	return tc.readWorkspaceFile(ctx, name)
}

func (tc *Context) rewrite(ctx context.Context, code, instruction string) (string, error) {
	prompt := fmt.Sprintf("Given this python script:\n```python\n%s\n```\nEdit the script by following the instruction:\n%s\nProvide the full code after the edit, making no other changes. Start the python code with \"```python\". \n\n", code, instruction)
	completion, err := tc.complete(ctx, prompt, true)
	if err != nil {
		return "", err
	}
	return extractCode(completion), nil
}

func (tc *Context) saveEdit(ctx context.Context, scriptName, saveName, before, after string) (string, error) {
	if saveName == "" {
		return "", Errorf("the save_name is empty")
	}
	if _, err := tc.invoke(ctx, "Write File", map[string]any{"file_name": saveName, "content": after}); err != nil {
		return "", err
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: scriptName,
		ToFile:   saveName,
		Context:  3,
	})
	if err != nil {
		return "", Errorf("cannot diff the edit of %s", scriptName).WithCause(err)
	}
	return fmt.Sprintf("The edited file is saved to %s. Here is the diff, please check if the edit is correct and desirable:\n\n%s", saveName, diff), nil
}

func editScript(ctx context.Context, args map[string]any, tc *Context) (string, error) {
	var in struct {
		ScriptName      string `arg:"script_name"`
		EditInstruction string `arg:"edit_instruction"`
		SaveName        string `arg:"save_name"`
	}
	if err := Decode("Edit Script (AI)", args, &in); err != nil {
		return "", err
	}
	before, err := tc.loadOrCreateScript(ctx, in.ScriptName)
	if err != nil {
		return "", err
	}
	after, err := tc.rewrite(ctx, before, in.EditInstruction)
	if err != nil {
		return "", err
	}
	return tc.saveEdit(ctx, in.ScriptName, in.SaveName, before, after)
}

func editScriptSegment(ctx context.Context, args map[string]any, tc *Context) (string, error) {
	var in struct {
		ScriptName      string `arg:"script_name"`
		Start           int    `arg:"start_line_number"`
		End             int    `arg:"end_line_number"`
		EditInstruction string `arg:"edit_instruction"`
		SaveName        string `arg:"save_name"`
	}
	if err := Decode("Edit Script Segment (AI)", args, &in); err != nil {
		return "", err
	}
	before, err := tc.loadOrCreateScript(ctx, in.ScriptName)
	if err != nil {
		return "", err
	}
	lines := scriptLines(before)
	start, end := clampRange(in.Start, in.End, len(lines))
	edited, err := tc.rewrite(ctx, strings.Join(lines[start:end], "\n"), in.EditInstruction)
	if err != nil {
		return "", err
	}

	parts := append([]string{}, lines[:start]...)
	parts = append(parts, strings.TrimSuffix(edited, "\n"))
	parts = append(parts, lines[end:]...)
	after := strings.Join(parts, "\n") + "\n"
	return tc.saveEdit(ctx, in.ScriptName, in.SaveName, before, after)
}

func (tc *Context) researchLog(ctx context.Context) (string, error) {
	abs, _, err := tc.resolve(ResearchLog)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); os.IsNotExist(err) {
		return "", nil
	}
	return tc.readWorkspaceFile(ctx, ResearchLog)
}

func reflection(ctx context.Context, args map[string]any, tc *Context) (string, error) {
	var in struct {
		ThingsToReflectOn string `arg:"things_to_reflect_on"`
	}
	if err := Decode(ReflectionAction, args, &in); err != nil {
		return "", err
	}
	log, err := tc.researchLog(ctx)
	if err != nil {
		return "", err
	}
	prompt := fmt.Sprintf(`We are trying to solve this research problem: %s
Your current research log:
`+"```"+`
%s
`+"```"+`
Reflect on this: %s
Give an answer in natural language paragraphs as truthfully as possible.
`, tc.ResearchProblem, log, in.ThingsToReflectOn)
	out, err := tc.complete(ctx, prompt, false)
	if err != nil {
		return "", err
	}
	return "Reflection: " + out, nil
}

func retrievalFromResearchLog(ctx context.Context, args map[string]any, tc *Context) (string, error) {
	var in struct {
		CurrentPlan string `arg:"current_plan"`
	}
	if err := Decode(RetrievalAction, args, &in); err != nil {
		return "", err
	}
	log, err := tc.researchLog(ctx)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(log) == "" {
		return "", nil
	}
	prompt := fmt.Sprintf(`We are trying to solve this research problem: %s
Your current Research Plan and Status
%s

Your current research log:
`+"```"+`
%s
`+"```"+`
Concisely summarize and list all relevant information from the research log that will be helpful for future step in this format:
`, tc.ResearchProblem, in.CurrentPlan, log)
	return tc.complete(ctx, prompt, false)
}
