// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package runner

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const (
	// bashTimeout bounds agent shell commands.
	bashTimeout = 2 * time.Minute
	// maxToolOutput caps what flows back into the conversation.
	maxToolOutput = 100 << 10
	maxGrepFiles  = 1000
)

// toolExecutor runs the local toolset inside one working directory.
// Permission decisions happen upstream in the broker; the executor still
// resolves relative paths against the working directory.
type toolExecutor struct {
	workDir string
}

func newToolExecutor(workDir string) *toolExecutor {
	return &toolExecutor{workDir: workDir}
}

// Execute dispatches one tool call. The second return reports whether the
// content is an error message.
func (e *toolExecutor) Execute(ctx context.Context, name string, input map[string]any) (string, bool) {
	switch name {
	case "Read":
		return e.read(input)
	case "Write":
		return e.write(input)
	case "Edit":
		return e.edit(input)
	case "Bash":
		return e.bash(ctx, input)
	case "Glob":
		return e.glob(input)
	case "Grep":
		return e.grep(input)
	case "TodoWrite", "TaskCreate", "TaskUpdate", "TaskList", "TeamStatus":
		// Bookkeeping tools are observed from the stream; acknowledge.
		return "ok", false
	default:
		return fmt.Sprintf("unknown tool %q", name), true
	}
}

func (e *toolExecutor) resolve(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(e.workDir, path)
}

func (e *toolExecutor) read(input map[string]any) (string, bool) {
	path, ok := input["file_path"].(string)
	if !ok || path == "" {
		return "file_path is required", true
	}
	data, err := os.ReadFile(e.resolve(path))
	if err != nil {
		return err.Error(), true
	}
	return capOutput(string(data)), false
}

func (e *toolExecutor) write(input map[string]any) (string, bool) {
	path, _ := input["file_path"].(string)
	content, _ := input["content"].(string)
	if path == "" {
		return "file_path is required", true
	}
	abs := e.resolve(path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err.Error(), true
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return err.Error(), true
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), path), false
}

func (e *toolExecutor) edit(input map[string]any) (string, bool) {
	path, _ := input["file_path"].(string)
	oldStr, _ := input["old_string"].(string)
	newStr, _ := input["new_string"].(string)
	if path == "" || oldStr == "" {
		return "file_path and old_string are required", true
	}
	abs := e.resolve(path)
	data, err := os.ReadFile(abs)
	if err != nil {
		return err.Error(), true
	}
	if !bytes.Contains(data, []byte(oldStr)) {
		return "old_string not found in file", true
	}
	updated := bytes.Replace(data, []byte(oldStr), []byte(newStr), 1)
	if err := os.WriteFile(abs, updated, 0o644); err != nil {
		return err.Error(), true
	}
	return "edit applied", false
}

func (e *toolExecutor) bash(ctx context.Context, input map[string]any) (string, bool) {
	command, ok := input["command"].(string)
	if !ok || command == "" {
		return "command is required", true
	}
	ctx, cancel := context.WithTimeout(ctx, bashTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = e.workDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return capOutput(fmt.Sprintf("%s\n%s", err, out)), true
	}
	return capOutput(string(out)), false
}

func (e *toolExecutor) glob(input map[string]any) (string, bool) {
	pattern, ok := input["pattern"].(string)
	if !ok || pattern == "" {
		return "pattern is required", true
	}
	matches, err := filepath.Glob(filepath.Join(e.workDir, pattern))
	if err != nil {
		return err.Error(), true
	}
	rel := make([]string, 0, len(matches))
	for _, m := range matches {
		if r, err := filepath.Rel(e.workDir, m); err == nil {
			rel = append(rel, r)
		}
	}
	if len(rel) == 0 {
		return "no matches", false
	}
	return capOutput(strings.Join(rel, "\n")), false
}

func (e *toolExecutor) grep(input map[string]any) (string, bool) {
	pattern, ok := input["pattern"].(string)
	if !ok || pattern == "" {
		return "pattern is required", true
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err.Error(), true
	}
	root := e.workDir
	if sub, ok := input["path"].(string); ok && sub != "" {
		root = e.resolve(sub)
	}

	var b strings.Builder
	seen := 0
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if seen >= maxGrepFiles || b.Len() >= maxToolOutput {
			return filepath.SkipAll
		}
		seen++
		data, err := os.ReadFile(path)
		if err != nil || bytes.IndexByte(data, 0) >= 0 {
			return nil
		}
		rel, _ := filepath.Rel(e.workDir, path)
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				fmt.Fprintf(&b, "%s:%d:%s\n", rel, i+1, line)
			}
		}
		return nil
	})
	if walkErr != nil {
		return walkErr.Error(), true
	}
	if b.Len() == 0 {
		return "no matches", false
	}
	return capOutput(b.String()), false
}

func capOutput(s string) string {
	if len(s) <= maxToolOutput {
		return s
	}
	return s[:maxToolOutput] + "\n[output truncated]"
}
