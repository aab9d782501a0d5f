// Package file provides the file_read tool: read files and list
// directories under the task's workspace root.
package file

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/moonbotlabs/moonbot"
)

// defaultMaxBytes bounds a single read when the policy sets no limit.
const defaultMaxBytes = 1 << 20

// Spec returns the file_read tool. Paths are resolved against the
// invocation's workspace root; anything escaping it is rejected with
// INVALID_PATH.
func Spec() moonbot.ToolSpec {
	return moonbot.ToolSpec{
		ID:          "file_read",
		Description: "Read a file or list a directory inside the workspace.",
		Schema: moonbot.ObjectSchema{
			Properties: map[string]moonbot.FieldType{
				"path": moonbot.FieldString,
			},
			Required: []string{"path"},
		},
		Run: run,
	}
}

func run(_ context.Context, input json.RawMessage, tc moonbot.ToolContext) (moonbot.ToolResult, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return fail(moonbot.CodeInvalidInput, "invalid input"), nil
	}

	resolved, err := resolve(params.Path, tc.WorkspaceRoot)
	if err != nil {
		return fail(moonbot.CodeInvalidPath, err.Error()), nil
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return fail(moonbot.CodeInvalidPath, "no such file: "+params.Path), nil
	}

	if info.IsDir() {
		return listDir(resolved)
	}
	return readFile(resolved, info.Size(), policyLimit(tc))
}

func policyLimit(tc moonbot.ToolContext) int64 {
	if tc.Policy.MaxBytes > 0 {
		return tc.Policy.MaxBytes
	}
	return defaultMaxBytes
}

// resolve joins path with the workspace root and rejects escapes. An
// empty root means the process working directory.
func resolve(path, root string) (string, error) {
	if path == "" {
		return "", errInvalid("path is required")
	}
	if root == "" {
		root = "."
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", errInvalid("workspace root is not resolvable")
	}
	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(absRoot, candidate)
	}
	candidate = filepath.Clean(candidate)
	rel, err := filepath.Rel(absRoot, candidate)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errInvalid("path is outside the workspace")
	}
	return candidate, nil
}

type invalidPathError string

func errInvalid(msg string) error        { return invalidPathError(msg) }
func (e invalidPathError) Error() string { return string(e) }

func readFile(path string, size, limit int64) (moonbot.ToolResult, error) {
	if size > limit {
		return fail(moonbot.CodeSizeLimit, "file exceeds the read limit"), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return fail(moonbot.CodeInvalidPath, "cannot open file"), nil
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit))
	if err != nil {
		return fail(moonbot.CodeExecutionError, "read failed"), nil
	}

	payload, err := json.Marshal(map[string]any{
		"path":    path,
		"content": string(data),
		"size":    len(data),
	})
	if err != nil {
		return fail(moonbot.CodeExecutionError, "encode failed"), nil
	}
	return moonbot.ToolResult{OK: true, Data: payload}, nil
}

func listDir(path string) (moonbot.ToolResult, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return fail(moonbot.CodeInvalidPath, "cannot list directory"), nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	payload, err := json.Marshal(map[string]any{"path": path, "entries": names})
	if err != nil {
		return fail(moonbot.CodeExecutionError, "encode failed"), nil
	}
	return moonbot.ToolResult{OK: true, Data: payload}, nil
}

func fail(code, message string) moonbot.ToolResult {
	return moonbot.ToolResult{OK: false, Error: &moonbot.ToolError{Code: code, Message: message}}
}
