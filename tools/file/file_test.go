package file

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/moonbotlabs/moonbot"
)

func invoke(t *testing.T, input string, tc moonbot.ToolContext) moonbot.ToolResult {
	t.Helper()
	res, err := run(context.Background(), json.RawMessage(input), tc)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return res
}

func workspace(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("hello world"), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o700); err != nil {
		t.Fatalf("mkdir fixture: %v", err)
	}
	return root
}

func TestRun_ReadsFile(t *testing.T) {
	root := workspace(t)
	res := invoke(t, `{"path":"notes.txt"}`, moonbot.ToolContext{WorkspaceRoot: root})
	if !res.OK {
		t.Fatalf("read failed: %+v", res.Error)
	}
	var payload struct {
		Content string `json:"content"`
		Size    int    `json:"size"`
	}
	if err := json.Unmarshal(res.Data, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.Content != "hello world" || payload.Size != len("hello world") {
		t.Errorf("got %+v, want the file content", payload)
	}
}

func TestRun_ListsDirectory(t *testing.T) {
	root := workspace(t)
	res := invoke(t, `{"path":"."}`, moonbot.ToolContext{WorkspaceRoot: root})
	if !res.OK {
		t.Fatalf("list failed: %+v", res.Error)
	}
	var payload struct {
		Entries []string `json:"entries"`
	}
	if err := json.Unmarshal(res.Data, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := map[string]bool{"notes.txt": true, "sub/": true}
	if len(payload.Entries) != 2 {
		t.Fatalf("got entries %v, want 2", payload.Entries)
	}
	for _, e := range payload.Entries {
		if !want[e] {
			t.Errorf("unexpected entry %q", e)
		}
	}
}

func TestRun_RejectsEscapes(t *testing.T) {
	root := workspace(t)
	tests := []struct {
		name string
		path string
	}{
		{"parent traversal", "../outside.txt"},
		{"deep traversal", "sub/../../outside.txt"},
		{"absolute outside", "/etc/passwd"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input, _ := json.Marshal(map[string]string{"path": tt.path})
			res := invoke(t, string(input), moonbot.ToolContext{WorkspaceRoot: root})
			if res.OK || res.Error == nil || res.Error.Code != moonbot.CodeInvalidPath {
				t.Errorf("path %q: got %+v, want INVALID_PATH", tt.path, res.Error)
			}
		})
	}
}

func TestRun_AbsolutePathInsideWorkspace(t *testing.T) {
	root := workspace(t)
	input, _ := json.Marshal(map[string]string{"path": filepath.Join(root, "notes.txt")})
	res := invoke(t, string(input), moonbot.ToolContext{WorkspaceRoot: root})
	if !res.OK {
		t.Errorf("absolute in-workspace path refused: %+v", res.Error)
	}
}

func TestRun_SizeLimit(t *testing.T) {
	root := workspace(t)
	tc := moonbot.ToolContext{
		WorkspaceRoot: root,
		Policy:        moonbot.Policy{MaxBytes: 5},
	}
	res := invoke(t, `{"path":"notes.txt"}`, tc)
	if res.OK || res.Error == nil || res.Error.Code != moonbot.CodeSizeLimit {
		t.Errorf("got %+v, want SIZE_LIMIT", res.Error)
	}
}

func TestRun_MissingFile(t *testing.T) {
	root := workspace(t)
	res := invoke(t, `{"path":"ghost.txt"}`, moonbot.ToolContext{WorkspaceRoot: root})
	if res.OK || res.Error == nil || res.Error.Code != moonbot.CodeInvalidPath {
		t.Errorf("got %+v, want INVALID_PATH for a missing file", res.Error)
	}
}

func TestRun_InvalidInput(t *testing.T) {
	res := invoke(t, `[1,2]`, moonbot.ToolContext{WorkspaceRoot: t.TempDir()})
	if res.OK || res.Error == nil || res.Error.Code != moonbot.CodeInvalidInput {
		t.Errorf("got %+v, want INVALID_INPUT", res.Error)
	}
}
