package actions

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
)

// BackupDir is the scratch directory inside the workspace used for undo.
const BackupDir = "backup"

// resolve maps a workspace-relative name to an absolute path, refusing
// anything that escapes the workspace.
func (tc *Context) resolve(name string) (abs, rel string, err error) {
	if name == "" {
		return "", "", Errorf("file name is empty")
	}
	root, err := filepath.Abs(tc.WorkDir)
	if err != nil {
		return "", "", Errorf("cannot resolve workspace").WithCause(err)
	}
	if filepath.IsAbs(name) {
		abs = filepath.Clean(name)
	} else {
		abs = filepath.Join(root, name)
	}
	rel, err = filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", Errorf("cannot access %s because it is outside the work directory", name)
	}
	return abs, rel, nil
}

// writable resolves name and checks it is not a read-only file.
func (tc *Context) writable(name string) (abs, rel string, err error) {
	abs, rel, err = tc.resolve(name)
	if err != nil {
		return "", "", err
	}
	if slices.Contains(tc.ReadOnlyFiles, rel) || slices.Contains(tc.ReadOnlyFiles, "./"+rel) {
		return "", "", Errorf("cannot write file %s because it is a read-only file", name)
	}
	if rel == BackupDir || strings.HasPrefix(rel, BackupDir+string(filepath.Separator)) {
		return "", "", Errorf("cannot write file %s because the backup folder is reserved", name)
	}
	return abs, rel, nil
}

func backupPrefix(rel string) string {
	return strings.ReplaceAll(filepath.ToSlash(rel), "/", "_") + "_"
}

// backup copies the current content of rel, if any, into the backup folder.
func (tc *Context) backup(abs, rel string) error {
	data, err := os.ReadFile(abs)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	dir := filepath.Join(tc.WorkDir, BackupDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	name := backupPrefix(rel) + strconv.FormatInt(tc.now().UnixNano(), 10)
	return os.WriteFile(filepath.Join(dir, name), data, 0o644)
}

// latestBackup returns the newest backup of rel.
func (tc *Context) latestBackup(rel string) (string, bool) {
	entries, err := os.ReadDir(filepath.Join(tc.WorkDir, BackupDir))
	if err != nil {
		return "", false
	}
	prefix := backupPrefix(rel)
	var stamps []int64
	for _, e := range entries {
		suffix, ok := strings.CutPrefix(e.Name(), prefix)
		if !ok {
			continue
		}
		if n, err := strconv.ParseInt(suffix, 10, 64); err == nil {
			stamps = append(stamps, n)
		}
	}
	if len(stamps) == 0 {
		return "", false
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i] < stamps[j] })
	return filepath.Join(tc.WorkDir, BackupDir, fmt.Sprintf("%s%d", prefix, stamps[len(stamps)-1])), true
}

// writeFile replaces, or appends to, a workspace file. Replaced content is
// backed up first.
func (tc *Context) writeFile(name, content string, appendOnly bool) error {
	abs, rel, err := tc.writable(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return Errorf("cannot write file %s", name).WithCause(err)
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if !appendOnly {
		if err := tc.backup(abs, rel); err != nil {
			return Errorf("cannot back up file %s", name).WithCause(err)
		}
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	f, err := os.OpenFile(abs, flags, 0o644)
	if err != nil {
		return Errorf("cannot write file %s", name).WithCause(err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return Errorf("cannot write file %s", name).WithCause(err)
	}
	if err := f.Close(); err != nil {
		return Errorf("cannot write file %s", name).WithCause(err)
	}
	return nil
}
