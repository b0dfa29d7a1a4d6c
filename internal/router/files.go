package router

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/nextlevelbuilder/quorum/internal/action"
)

const (
	defaultReadLines   = 2000
	maxLineChars       = 2000
)

func (r *Router) handleFileRead(p action.Params) Outcome {
	path := getStr(p, "path")
	if !filepath.IsAbs(path) {
		return fail(fmt.Errorf("%w: path must be absolute", ErrInvalidWorkingDir))
	}

	info, err := os.Stat(path)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrRequestFailed, err))
	}
	if info.IsDir() {
		return fail(fmt.Errorf("%w: %s is a directory", ErrInvalidMode, path))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrRequestFailed, err))
	}
	if bytes.IndexByte(data, 0) >= 0 || !utf8.Valid(data) {
		return fail(fmt.Errorf("%w: binary file", ErrInvalidMode))
	}

	offset := int(getInt(p, "offset", 0))
	limit := int(getInt(p, "limit", defaultReadLines))
	if limit <= 0 {
		limit = defaultReadLines
	}

	lines := strings.Split(string(data), "\n")
	total := len(lines)
	if offset >= total {
		return fail(fmt.Errorf("%w: offset %d beyond end of file (%d lines)", ErrRequestFailed, offset, total))
	}
	end := offset + limit
	if end > total {
		end = total
	}
	window := lines[offset:end]
	for i, line := range window {
		if len(line) > maxLineChars {
			window[i] = line[:maxLineChars] + "…"
		}
	}

	content := strings.Join(window, "\n")
	truncated := total > end
	if truncated {
		content += fmt.Sprintf("\n[%d more lines not shown]", total-end)
	}

	return success(action.MapOf(map[string]action.Value{
		"path":        action.Str(path),
		"content":     action.Str(content),
		"total_lines": action.Int(int64(total)),
		"truncated":   action.Bool(truncated),
	}), fmt.Sprintf("read %s (%d/%d lines)", path, end-offset, total))
}

func (r *Router) handleFileWrite(p action.Params) Outcome {
	path := getStr(p, "path")
	if !filepath.IsAbs(path) {
		return fail(fmt.Errorf("%w: path must be absolute", ErrInvalidWorkingDir))
	}

	switch getStr(p, "mode") {
	case "write":
		return r.fileWriteNew(path, p)
	case "edit":
		return r.fileEdit(path, p)
	default:
		return fail(fmt.Errorf("%w: mode must be write or edit", ErrInvalidMode))
	}
}

func (r *Router) fileWriteNew(path string, p action.Params) Outcome {
	content, ok := p["content"]
	if !ok {
		return fail(fmt.Errorf("%w: content", action.ErrMissingParam))
	}
	if _, err := os.Stat(path); err == nil {
		return fail(fmt.Errorf("%w: %s already exists (use mode=edit)", ErrInvalidMode, path))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fail(fmt.Errorf("%w: %v", ErrRequestFailed, err))
	}
	if err := os.WriteFile(path, []byte(content.S), 0o644); err != nil {
		return fail(fmt.Errorf("%w: %v", ErrRequestFailed, err))
	}
	return success(action.MapOf(map[string]action.Value{
		"path":  action.Str(path),
		"bytes": action.Int(int64(len(content.S))),
	}), fmt.Sprintf("wrote %s (%d bytes)", path, len(content.S)))
}

func (r *Router) fileEdit(path string, p action.Params) Outcome {
	oldString, okOld := p["old_string"]
	newString, okNew := p["new_string"]
	if !okOld || !okNew {
		return fail(fmt.Errorf("%w: old_string and new_string", action.ErrMissingParam))
	}
	replaceAll := getBool(p, "replace_all")

	data, err := os.ReadFile(path)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrRequestFailed, err))
	}
	content := string(data)

	count := strings.Count(content, oldString.S)
	switch {
	case count == 0:
		return fail(fmt.Errorf("%w: old_string not found in %s", ErrRequestFailed, path))
	case count > 1 && !replaceAll:
		return fail(fmt.Errorf("%w: old_string matches %d times; set replace_all", ErrInvalidMode, count))
	}

	replaced := count
	if replaceAll {
		content = strings.ReplaceAll(content, oldString.S, newString.S)
	} else {
		content = strings.Replace(content, oldString.S, newString.S, 1)
		replaced = 1
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fail(fmt.Errorf("%w: %v", ErrRequestFailed, err))
	}
	return success(action.MapOf(map[string]action.Value{
		"path":     action.Str(path),
		"replaced": action.Int(int64(replaced)),
	}), fmt.Sprintf("edited %s (%d replacements)", path, replaced))
}
