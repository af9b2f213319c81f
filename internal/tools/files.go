package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/stellarlinkco/clawgate/internal/dispatch"
	"github.com/stellarlinkco/clawgate/internal/sandbox"
)

const (
	readDefaultLimit  = 2000
	readMaxLineLength = 2000
	listMaxEntries    = 1000
)

type files struct {
	policy    *sandbox.Policy
	maxOutput int
}

func (f *files) resolve(args map[string]any) (string, error) {
	raw, err := stringArg(args, "path")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(raw) == "" {
		return "", errors.New("path must not be empty")
	}
	return f.policy.Resolve(raw)
}

func (f *files) display(path string) string {
	if rel, err := filepath.Rel(f.policy.Base(), path); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return path
}

type readFile struct{ *files }

func (t *readFile) Spec() dispatch.Spec {
	return dispatch.Spec{
		Name: "read_file",
		Description: "Read a text file. Output uses cat -n numbering. A file must be read before it can be " +
			"written or edited, and read again if it changed since.",
		Access: dispatch.AccessRead,
		Schema: map[string]any{
			"type":     "object",
			"required": []any{"path"},
			"properties": map[string]any{
				"path":   map[string]any{"type": "string", "description": "Absolute path or path relative to the workspace"},
				"offset": map[string]any{"type": "integer", "minimum": 1, "description": "First line to return"},
				"limit":  map[string]any{"type": "integer", "minimum": 1, "description": "Number of lines to return"},
			},
		},
	}
}

func (t *readFile) Run(_ context.Context, args map[string]any) (dispatch.Result, error) {
	path, err := t.resolve(args)
	if err != nil {
		return dispatch.Result{}, err
	}
	offset, err := optionalInt(args, "offset")
	if err != nil {
		return dispatch.Result{}, err
	}
	limit, err := optionalInt(args, "limit")
	if err != nil {
		return dispatch.Result{}, err
	}
	if offset <= 0 {
		offset = 1
	}
	if limit <= 0 {
		limit = readDefaultLimit
	}

	info, err := os.Stat(path)
	if err != nil {
		return dispatch.Result{}, err
	}
	if info.IsDir() {
		return dispatch.Result{}, fmt.Errorf("%s is a directory; use list_dir", t.display(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return dispatch.Result{}, err
	}
	if looksBinary(data) {
		return dispatch.Result{}, fmt.Errorf("%s looks like a binary file", t.display(path))
	}
	if len(data) == 0 {
		return dispatch.Result{Output: "(file is empty)", Metadata: map[string]any{"path": t.display(path), "total_lines": 0}}, nil
	}

	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if offset > len(lines) {
		return dispatch.Result{
			Output:   fmt.Sprintf("no content in requested range (file has %d lines)", len(lines)),
			Metadata: map[string]any{"path": t.display(path), "total_lines": len(lines)},
		}, nil
	}
	end := offset - 1 + limit
	if end > len(lines) {
		end = len(lines)
	}
	var sb strings.Builder
	for i := offset - 1; i < end; i++ {
		line := lines[i]
		if len(line) > readMaxLineLength {
			line = line[:readMaxLineLength] + "..."
		}
		fmt.Fprintf(&sb, "%6d\t%s\n", i+1, line)
	}
	return dispatch.Result{
		Output: capOutput(sb.String(), t.maxOutput),
		Metadata: map[string]any{
			"path":           t.display(path),
			"total_lines":    len(lines),
			"returned_lines": end - offset + 1,
		},
	}, nil
}

type writeFile struct{ *files }

func (t *writeFile) Spec() dispatch.Spec {
	return dispatch.Spec{
		Name:        "write_file",
		Description: "Write a file, replacing its contents. Existing files must have been read first with read_file.",
		Access:      dispatch.AccessWrite,
		Schema: map[string]any{
			"type":     "object",
			"required": []any{"path", "content"},
			"properties": map[string]any{
				"path":    map[string]any{"type": "string"},
				"content": map[string]any{"type": "string"},
			},
		},
	}
}

func (t *writeFile) Run(_ context.Context, args map[string]any) (dispatch.Result, error) {
	path, err := t.resolve(args)
	if err != nil {
		return dispatch.Result{}, err
	}
	content, err := stringArg(args, "content")
	if err != nil {
		return dispatch.Result{}, err
	}
	if err := writeAtomic(path, []byte(content)); err != nil {
		return dispatch.Result{}, err
	}
	return dispatch.Result{
		Output:   fmt.Sprintf("wrote %d bytes to %s", len(content), t.display(path)),
		Metadata: map[string]any{"path": t.display(path), "bytes": len(content)},
	}, nil
}

type editFile struct{ *files }

func (t *editFile) Spec() dispatch.Spec {
	return dispatch.Spec{
		Name:        "edit_file",
		Description: "Replace old_string with new_string in a file that was read first. old_string must be unique unless replace_all is set.",
		Access:      dispatch.AccessWrite,
		Schema: map[string]any{
			"type":     "object",
			"required": []any{"path", "old_string", "new_string"},
			"properties": map[string]any{
				"path":        map[string]any{"type": "string"},
				"old_string":  map[string]any{"type": "string", "minLength": 1},
				"new_string":  map[string]any{"type": "string"},
				"replace_all": map[string]any{"type": "boolean"},
			},
		},
	}
}

func (t *editFile) Run(_ context.Context, args map[string]any) (dispatch.Result, error) {
	path, err := t.resolve(args)
	if err != nil {
		return dispatch.Result{}, err
	}
	oldStr, err := stringArg(args, "old_string")
	if err != nil {
		return dispatch.Result{}, err
	}
	newStr, err := stringArg(args, "new_string")
	if err != nil {
		return dispatch.Result{}, err
	}
	if oldStr == newStr {
		return dispatch.Result{}, errors.New("old_string and new_string are identical")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return dispatch.Result{}, err
	}
	content := string(data)
	count := strings.Count(content, oldStr)
	switch {
	case count == 0:
		return dispatch.Result{}, fmt.Errorf("old_string not found in %s", t.display(path))
	case count > 1 && !optionalBool(args, "replace_all"):
		return dispatch.Result{}, fmt.Errorf("old_string occurs %d times in %s; make it unique or set replace_all", count, t.display(path))
	}
	n := 1
	if optionalBool(args, "replace_all") {
		n = -1
	}
	updated := strings.Replace(content, oldStr, newStr, n)
	if err := writeAtomic(path, []byte(updated)); err != nil {
		return dispatch.Result{}, err
	}
	replaced := 1
	if n < 0 {
		replaced = count
	}
	return dispatch.Result{
		Output:   fmt.Sprintf("replaced %d occurrence(s) in %s", replaced, t.display(path)),
		Metadata: map[string]any{"path": t.display(path), "replacements": replaced},
	}, nil
}

type listDir struct{ *files }

func (t *listDir) Spec() dispatch.Spec {
	return dispatch.Spec{
		Name:        "list_dir",
		Description: "List a directory. Directories end with a slash.",
		Access:      dispatch.AccessRead,
		Schema: map[string]any{
			"type":     "object",
			"required": []any{"path"},
			"properties": map[string]any{
				"path": map[string]any{"type": "string"},
			},
		},
	}
}

func (t *listDir) Run(_ context.Context, args map[string]any) (dispatch.Result, error) {
	path, err := t.resolve(args)
	if err != nil {
		return dispatch.Result{}, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return dispatch.Result{}, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	truncated := false
	if len(names) > listMaxEntries {
		names = names[:listMaxEntries]
		truncated = true
	}
	out := strings.Join(names, "\n")
	if truncated {
		out += fmt.Sprintf("\n... %d more entries", len(entries)-listMaxEntries)
	}
	if out == "" {
		out = "(empty directory)"
	}
	return dispatch.Result{Output: out, Metadata: map[string]any{"path": t.display(path), "entries": len(entries)}}, nil
}

// writeAtomic replaces path through a temp file in the same directory so
// readers never observe a half-written file.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		if info.IsDir() {
			return fmt.Errorf("%s is a directory", path)
		}
		mode = info.Mode().Perm()
	}
	tmp, err := os.CreateTemp(dir, ".clawgate-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func looksBinary(data []byte) bool {
	sample := data
	if len(sample) > 8000 {
		sample = sample[:8000]
	}
	return bytes.IndexByte(sample, 0) >= 0
}
