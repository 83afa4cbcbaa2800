package actions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/martinemde/autoresearch/trace"
)

const (
	fileNameHint   = "a valid file name with relative path to current directory if needed"
	scriptNameHint = "a valid python script name with relative path to current directory if needed"
)

func primitive(name, function, description, returnValue string, usage trace.Usage, run Executor) Tool {
	return Tool{
		Info: trace.ActionInfo{
			Name:        name,
			Description: description,
			Usage:       usage,
			ReturnValue: returnValue,
			Function:    function,
			IsPrimitive: true,
		},
		Executor: run,
	}
}

// Primitives returns the actions that operate on the workspace directly.
func Primitives() []Tool {
	return []Tool{
		primitive("List Files", "list_files",
			"Use this to navigate the file system.",
			"The observation will be a list of files and folders in dir_path or current directory is dir_path is empty, or an error message if dir_path is invalid.",
			trace.Usage{{Name: "dir_path", Description: `a valid relative path to a directory, such as "." or "folder1/folder2"`}},
			listFiles),
		primitive("Read File", "read_file",
			"Use this to read an existing file.",
			"The observation will be the contents of the file read.",
			trace.Usage{{Name: "file_name", Description: fileNameHint}},
			readFile),
		primitive("Write File", "write_file",
			"Use this to write a file. If the file already exists, it will be overwritten.",
			"A success message if the file is written successfully, or an error message if the file cannot be written.",
			trace.Usage{
				{Name: "file_name", Description: fileNameHint},
				{Name: "content", Description: "the content to be written to the file"},
			},
			writeFile),
		primitive("Append File", "append_file",
			"Use this to append content to the end of a file. The file is created if it does not exist.",
			"A success message if the file is appended successfully, or an error message if the file cannot be appended.",
			trace.Usage{
				{Name: "file_name", Description: fileNameHint},
				{Name: "content", Description: "the content to be appended to the file"},
			},
			appendFile),
		primitive("Copy File", "copy_file",
			"Use this to copy a file to a new location with a new name.",
			"A success message if the file is copied successfully, or an error message if the file cannot be copied.",
			trace.Usage{
				{Name: "source", Description: fileNameHint},
				{Name: "destination", Description: fileNameHint},
			},
			copyFile),
		primitive("Undo Edit Script", "undo_edit_script",
			"Use this to undo the last edit of the python script.",
			"The observation will be the content of the script before the last edit. If the script does not exist, the observation will be an error message.",
			trace.Usage{{Name: "script_name", Description: scriptNameHint}},
			undoEditScript),
		primitive("Execute Script", "execute_script",
			"Use this to execute the python script. The script must already exist.",
			"The observation will be output of the script or errors.",
			trace.Usage{{Name: "script_name", Description: scriptNameHint}},
			executeScript),
		primitive(trace.FinalAnswer, "final_answer",
			"Use this to provide the final answer to the current task.",
			"The observation will be empty.",
			trace.Usage{{Name: "final_answer", Description: "a detailed description on the final answer"}},
			finalAnswer),
	}
}

func listFiles(_ context.Context, args map[string]any, tc *Context) (string, error) {
	var in struct {
		DirPath string `arg:"dir_path"`
	}
	if err := Decode("List Files", args, &in); err != nil {
		return "", err
	}
	dir := in.DirPath
	if dir == "" {
		dir = "."
	}
	abs, _, err := tc.resolve(dir)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return "", Errorf("Cannot list file in the %s directory", in.DirPath).WithCause(err)
	}
	var sb strings.Builder
	for _, e := range entries {
		sb.WriteString(e.Name())
		switch {
		case e.IsDir():
			sb.WriteString("/")
		case e.Type()&os.ModeSymlink != 0:
			sb.WriteString("@")
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func readFile(_ context.Context, args map[string]any, tc *Context) (string, error) {
	var in struct {
		FileName string `arg:"file_name"`
	}
	if err := Decode("Read File", args, &in); err != nil {
		return "", err
	}
	abs, _, err := tc.resolve(in.FileName)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", Errorf("cannot read file %s", in.FileName).WithCause(err)
	}
	return string(data), nil
}

func writeFile(_ context.Context, args map[string]any, tc *Context) (string, error) {
	var in struct {
		FileName string `arg:"file_name"`
		Content  string `arg:"content"`
	}
	if err := Decode("Write File", args, &in); err != nil {
		return "", err
	}
	if err := tc.writeFile(in.FileName, in.Content, false); err != nil {
		return "", err
	}
	return fmt.Sprintf("File %s written successfully.", in.FileName), nil
}

func appendFile(_ context.Context, args map[string]any, tc *Context) (string, error) {
	var in struct {
		FileName string `arg:"file_name"`
		Content  string `arg:"content"`
	}
	if err := Decode("Append File", args, &in); err != nil {
		return "", err
	}
	if err := tc.writeFile(in.FileName, in.Content, true); err != nil {
		return "", err
	}
	return fmt.Sprintf("File %s appended successfully.", in.FileName), nil
}

func copyFile(_ context.Context, args map[string]any, tc *Context) (string, error) {
	var in struct {
		Source      string `arg:"source"`
		Destination string `arg:"destination"`
	}
	if err := Decode("Copy File", args, &in); err != nil {
		return "", err
	}
	src, _, err := tc.resolve(in.Source)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return "", Errorf("File %s copy to %s failed. Check whether the source and destinations are valid.", in.Source, in.Destination).WithCause(err)
	}
	if err := tc.writeFile(in.Destination, string(data), false); err != nil {
		return "", err
	}
	return fmt.Sprintf("File %s copied to %s", in.Source, in.Destination), nil
}

func undoEditScript(_ context.Context, args map[string]any, tc *Context) (string, error) {
	var in struct {
		ScriptName string `arg:"script_name"`
	}
	if err := Decode("Undo Edit Script", args, &in); err != nil {
		return "", err
	}
	abs, rel, err := tc.writable(in.ScriptName)
	if err != nil {
		return "", err
	}
	backup, ok := tc.latestBackup(rel)
	if !ok {
		return "", Errorf("There is no change to undo.")
	}
	data, err := os.ReadFile(backup)
	if err != nil {
		return "", Errorf("cannot undo the edit of %s", in.ScriptName).WithCause(err)
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return "", Errorf("cannot undo the edit of %s", in.ScriptName).WithCause(err)
	}
	if err := os.Remove(backup); err != nil {
		tc.logger().Warn("remove used backup", zap.String("path", backup), zap.Error(err))
	}
	return fmt.Sprintf("Content of %s after undo the most recent edit:\n%s", in.ScriptName, data), nil
}

func executeScript(ctx context.Context, args map[string]any, tc *Context) (string, error) {
	var in struct {
		ScriptName string `arg:"script_name"`
	}
	if err := Decode("Execute Script", args, &in); err != nil {
		return "", err
	}
	abs, rel, err := tc.resolve(in.ScriptName)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); err != nil {
		return "", Errorf("The file %s does not exist.", in.ScriptName)
	}

	python := strings.Fields(tc.Python)
	if len(python) == 0 {
		python = []string{"python"}
	}
	cmd := exec.Command(python[0], append(python[1:], rel)...)
	cmd.Dir = tc.WorkDir
	cmd.Env = append(os.Environ(), "CUDA_VISIBLE_DEVICES="+tc.Device, "PYTHONUNBUFFERED=1")

	var out bytes.Buffer
	var sink io.Writer = &out
	if tc.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(tc.LogFile), 0o755); err == nil {
			if f, err := os.OpenFile(tc.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				defer f.Close()
				sink = io.MultiWriter(&out, f)
			}
		}
	}
	cmd.Stdout = sink
	cmd.Stderr = sink

	procs := tc.Processes
	if procs == nil {
		procs = NewProcessTracker()
	}
	err = procs.Run(ctx, cmd)
	if ctx.Err() != nil {
		return "", err
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return "", Errorf("Something went wrong in executing %s: %v. Please check if it is ready to be executed.", in.ScriptName, err).WithCause(err)
	}
	return "The script has been executed. Here is the output:\n" + out.String(), nil
}

func finalAnswer(_ context.Context, args map[string]any, _ *Context) (string, error) {
	var in struct {
		FinalAnswer string `arg:"final_answer"`
	}
	if err := Decode(trace.FinalAnswer, args, &in); err != nil {
		return "", err
	}
	return in.FinalAnswer, nil
}
