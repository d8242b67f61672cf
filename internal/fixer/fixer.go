// Package fixer is Conductor's Fixer: given a list of prior review issues,
// it invokes the agent with a focused repair prompt and collects the files
// it touched (spec §4.9).
package fixer

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/conductor-dev/conductor/internal/agentrunner"
	"github.com/conductor-dev/conductor/internal/model"
)

// Result is the Fixer's outcome.
type Result struct {
	Success       bool
	FilesModified []string
	InputTokens   int64
	OutputTokens  int64
	TotalCost     float64
}

// GitStatusFunc returns the set of file paths with uncommitted changes in
// the workspace, used to supplement the runner-reported file list with a
// source-control-derived one.
type GitStatusFunc func(ctx context.Context) ([]string, error)

// Fix invokes the Agent Runner with a prompt enumerating issues, one per
// line as "[severity] file[:line] message (suggestion)".
func Fix(ctx context.Context, issues []model.ReviewIssue, runAgent func(context.Context, agentrunner.Options) (*agentrunner.Output, error), gitStatus GitStatusFunc, opts agentrunner.Options) (*Result, error) {
	opts.Prompt = BuildPrompt(issues)
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = SystemPrompt
	}

	out, err := runAgent(ctx, opts)
	if err != nil {
		return nil, errors.Wrap(err, "fixer: agent invocation failed")
	}
	if out == nil {
		return nil, errors.New("fixer: agent returned no output")
	}

	files := out.FilesModified
	if gitStatus != nil {
		if statusFiles, err := gitStatus(ctx); err == nil {
			files = unionFiles(files, statusFiles)
		}
	}

	return &Result{
		Success:       out.Success,
		FilesModified: files,
		InputTokens:   out.InputTokens,
		OutputTokens:  out.OutputTokens,
		TotalCost:     out.TotalCost,
	}, nil
}

// SystemPrompt is the Fixer's default agent instruction, used whenever a
// caller doesn't supply its own (e.g. one invocation per affected
// subproject, run through an Agent Pool).
const SystemPrompt = `You are Conductor's repair agent. Address each listed review issue with a
minimal, targeted change. Do not introduce unrelated changes.`

// BuildPrompt renders issues as one "[severity] file[:line] message
// (suggestion)" line each, the prompt body the Fixer sends to the agent.
func BuildPrompt(issues []model.ReviewIssue) string {
	var b strings.Builder
	b.WriteString("Fix the following review issues:\n")
	for _, issue := range issues {
		location := issue.File
		if issue.Line != nil {
			location = fmt.Sprintf("%s:%d", issue.File, *issue.Line)
		}
		suggestion := ""
		if issue.Suggestion != "" {
			suggestion = fmt.Sprintf(" (%s)", issue.Suggestion)
		}
		fmt.Fprintf(&b, "[%s] %s %s%s\n", issue.Severity, location, issue.Message, suggestion)
	}
	return b.String()
}

// UnionFiles merges two file-path lists, preserving first-seen order and
// dropping duplicates.
func UnionFiles(a, b []string) []string {
	return unionFiles(a, b)
}

func unionFiles(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, f := range append(append([]string{}, a...), b...) {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
