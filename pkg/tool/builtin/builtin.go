// Package builtin provides local tools an agent can use out of the box:
// shell command execution, file reads, and file writes. All paths resolve
// under a working directory and commands can be restricted to an allowlist.
package builtin

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/alloy-agent/alloy/pkg/tool"
)

const (
	defaultCommandTimeout = 30 * time.Second
	defaultMaxFileSize    = 10 << 20
)

// Options bound what the built-in tools may touch.
type Options struct {
	// WorkingDirectory anchors relative paths and command execution.
	// Defaults to the current directory.
	WorkingDirectory string

	// AllowedCommands restricts execute_command to the listed base
	// commands. Empty means unrestricted.
	AllowedCommands []string

	// CommandTimeout caps a single command run.
	CommandTimeout time.Duration

	// MaxFileSize caps read_file, in bytes.
	MaxFileSize int64
}

func (o *Options) setDefaults() {
	if o.WorkingDirectory == "" {
		o.WorkingDirectory = "."
	}
	if o.CommandTimeout == 0 {
		o.CommandTimeout = defaultCommandTimeout
	}
	if o.MaxFileSize == 0 {
		o.MaxFileSize = defaultMaxFileSize
	}
}

// All returns the built-in tool set.
func All(opts Options) []tool.Tool {
	opts.setDefaults()
	return []tool.Tool{
		&CommandTool{opts: opts},
		&ReadFileTool{opts: opts},
		&WriteFileTool{opts: opts},
	}
}

// RegisterDefaults registers the built-in tools on a registry.
func RegisterDefaults(r *tool.Registry, opts Options) error {
	return r.RegisterAll(All(opts)...)
}

// resolvePath keeps a user-supplied path inside the working directory.
func resolvePath(workdir, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	root, err := filepath.Abs(workdir)
	if err != nil {
		return "", err
	}
	resolved := filepath.Clean(filepath.Join(root, path))
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes working directory: %s", path)
	}
	return resolved, nil
}

func stringArg(input map[string]any, key string) string {
	s, _ := input[key].(string)
	return s
}

// CommandTool runs a shell command under the working directory.
type CommandTool struct {
	opts Options
}

func (t *CommandTool) Name() string { return "execute_command" }

func (t *CommandTool) Description() string {
	return "Execute a shell command in the working directory and return its combined output."
}

func (t *CommandTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Shell command to run.",
			},
		},
		"required":             []any{"command"},
		"additionalProperties": false,
	}
}

func (t *CommandTool) Execute(ctx context.Context, input map[string]any) (string, error) {
	command := stringArg(input, "command")
	if command == "" {
		return "", fmt.Errorf("command is required")
	}
	if err := t.checkAllowed(command); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, t.opts.CommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = t.opts.WorkingDirectory
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("command timed out after %s", t.opts.CommandTimeout)
		}
		return "", fmt.Errorf("command failed: %w\n%s", err, output)
	}
	return string(output), nil
}

func (t *CommandTool) checkAllowed(command string) error {
	if len(t.opts.AllowedCommands) == 0 {
		return nil
	}
	base := baseCommand(command)
	for _, allowed := range t.opts.AllowedCommands {
		if base == allowed {
			return nil
		}
	}
	return fmt.Errorf("command not allowed: %s", base)
}

// baseCommand extracts the first program name, before any pipe or
// redirection, so the allowlist cannot be bypassed with compounds.
func baseCommand(command string) string {
	parts := strings.FieldsFunc(command, func(r rune) bool {
		return r == '|' || r == '>' || r == '<' || r == ';' || r == '&'
	})
	if len(parts) == 0 {
		return ""
	}
	fields := strings.Fields(strings.TrimSpace(parts[0]))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// ReadFileTool reads a file, optionally a line range.
type ReadFileTool struct {
	opts Options
}

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read a file relative to the working directory, optionally limited to a line range."
}

func (t *ReadFileTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "File path relative to the working directory.",
			},
			"start_line": map[string]any{
				"type":        "integer",
				"description": "First line to include, 1-indexed.",
			},
			"end_line": map[string]any{
				"type":        "integer",
				"description": "Last line to include, inclusive.",
			},
		},
		"required":             []any{"path"},
		"additionalProperties": false,
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, input map[string]any) (string, error) {
	path, err := resolvePath(t.opts.WorkingDirectory, stringArg(input, "path"))
	if err != nil {
		return "", err
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.Size() > t.opts.MaxFileSize {
		return "", fmt.Errorf("file too large: %d bytes (limit %d)", info.Size(), t.opts.MaxFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	start := intArg(input, "start_line")
	end := intArg(input, "end_line")
	if start == 0 && end == 0 {
		return string(data), nil
	}

	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if start < 1 {
		start = 1
	}
	if end == 0 || end > len(lines) {
		end = len(lines)
	}
	if start > len(lines) || start > end {
		return "", fmt.Errorf("line range %d-%d out of bounds (file has %d lines)", start, end, len(lines))
	}
	return strings.Join(lines[start-1:end], "\n"), nil
}

func intArg(input map[string]any, key string) int {
	switch v := input[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// WriteFileTool writes content to a file, creating parent directories.
type WriteFileTool struct {
	opts Options
}

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) Description() string {
	return "Write content to a file relative to the working directory, creating it if needed."
}

func (t *WriteFileTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "File path relative to the working directory.",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Full file content to write.",
			},
		},
		"required":             []any{"path", "content"},
		"additionalProperties": false,
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, input map[string]any) (string, error) {
	path, err := resolvePath(t.opts.WorkingDirectory, stringArg(input, "path"))
	if err != nil {
		return "", err
	}
	content, ok := input["content"].(string)
	if !ok {
		return "", fmt.Errorf("content is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), stringArg(input, "path")), nil
}
