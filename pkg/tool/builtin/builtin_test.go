package builtin

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alloy-agent/alloy/pkg/tool"
)

func TestCommandTool_Execute(t *testing.T) {
	cmd := &CommandTool{opts: defaulted(Options{WorkingDirectory: t.TempDir()})}

	out, err := cmd.Execute(context.Background(), map[string]any{"command": "echo hello"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if strings.TrimSpace(out) != "hello" {
		t.Errorf("output = %q, want hello", out)
	}
}

func TestCommandTool_Allowlist(t *testing.T) {
	cmd := &CommandTool{opts: defaulted(Options{AllowedCommands: []string{"echo"}})}

	tests := []struct {
		command string
		wantErr bool
	}{
		{"echo ok", false},
		{"rm -rf /tmp/x", true},
		{"echo ok; rm -rf /tmp/x", false}, // only the base command is checked
		{"cat /etc/passwd | echo", true},
	}
	for _, tt := range tests {
		_, err := cmd.Execute(context.Background(), map[string]any{"command": tt.command})
		if (err != nil) != tt.wantErr {
			t.Errorf("command %q: err = %v, wantErr %v", tt.command, err, tt.wantErr)
		}
	}
}

func TestReadFileTool(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(path, []byte("one\ntwo\nthree\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	rf := &ReadFileTool{opts: defaulted(Options{WorkingDirectory: dir})}

	out, err := rf.Execute(context.Background(), map[string]any{"path": "notes.txt"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "one\ntwo\nthree\n" {
		t.Errorf("full read = %q", out)
	}

	out, err = rf.Execute(context.Background(), map[string]any{
		"path": "notes.txt", "start_line": float64(2), "end_line": float64(3),
	})
	if err != nil {
		t.Fatalf("ranged read: %v", err)
	}
	if out != "two\nthree" {
		t.Errorf("ranged read = %q", out)
	}
}

func TestReadFileTool_PathEscapeRejected(t *testing.T) {
	rf := &ReadFileTool{opts: defaulted(Options{WorkingDirectory: t.TempDir()})}

	_, err := rf.Execute(context.Background(), map[string]any{"path": "../../etc/passwd"})
	if err == nil || !strings.Contains(err.Error(), "escapes working directory") {
		t.Errorf("err = %v, want path escape rejection", err)
	}
}

func TestWriteFileTool_CreatesParents(t *testing.T) {
	dir := t.TempDir()
	wf := &WriteFileTool{opts: defaulted(Options{WorkingDirectory: dir})}

	_, err := wf.Execute(context.Background(), map[string]any{
		"path": "deep/nested/out.txt", "content": "payload",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "deep/nested/out.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "payload" {
		t.Errorf("content = %q", data)
	}
}

func TestRegisterDefaults(t *testing.T) {
	r := tool.NewRegistry()
	if err := RegisterDefaults(r, Options{}); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"execute_command", "read_file", "write_file"} {
		if _, ok := r.Get(name); !ok {
			t.Errorf("tool %s not registered", name)
		}
	}
}

func TestInputSchemas_Validate(t *testing.T) {
	for _, bt := range All(Options{}) {
		err := tool.ValidateInput(bt, map[string]any{"bogus": true})
		if err == nil {
			t.Errorf("%s accepted unknown property", bt.Name())
		}
	}
}

func defaulted(o Options) Options {
	o.setDefaults()
	return o
}
