package fixer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-dev/conductor/internal/agentrunner"
	"github.com/conductor-dev/conductor/internal/model"
)

func intPtr(i int) *int { return &i }

func TestFix_BuildsPromptFromIssuesAndReturnsResult(t *testing.T) {
	var capturedPrompt string
	runAgent := func(ctx context.Context, opts agentrunner.Options) (*agentrunner.Output, error) {
		capturedPrompt = opts.Prompt
		return &agentrunner.Output{
			Success:       true,
			FilesModified: []string{"a.go"},
			InputTokens:   10,
			OutputTokens:  5,
			TotalCost:     0.01,
		}, nil
	}

	issues := []model.ReviewIssue{
		{File: "a.go", Line: intPtr(12), Severity: model.SeverityError, Message: "nil deref", Suggestion: "add a nil check"},
	}

	result, err := Fix(context.Background(), issues, runAgent, nil, agentrunner.Options{Model: "sonnet"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, []string{"a.go"}, result.FilesModified)
	assert.Contains(t, capturedPrompt, "a.go:12")
	assert.Contains(t, capturedPrompt, "nil deref")
	assert.Contains(t, capturedPrompt, "add a nil check")
}

func TestFix_DefaultsSystemPromptWhenUnset(t *testing.T) {
	var capturedSystemPrompt string
	runAgent := func(ctx context.Context, opts agentrunner.Options) (*agentrunner.Output, error) {
		capturedSystemPrompt = opts.SystemPrompt
		return &agentrunner.Output{Success: true}, nil
	}

	_, err := Fix(context.Background(), nil, runAgent, nil, agentrunner.Options{})
	require.NoError(t, err)
	assert.Equal(t, SystemPrompt, capturedSystemPrompt)
}

func TestFix_PreservesCallerSystemPrompt(t *testing.T) {
	var capturedSystemPrompt string
	runAgent := func(ctx context.Context, opts agentrunner.Options) (*agentrunner.Output, error) {
		capturedSystemPrompt = opts.SystemPrompt
		return &agentrunner.Output{Success: true}, nil
	}

	_, err := Fix(context.Background(), nil, runAgent, nil, agentrunner.Options{SystemPrompt: "custom"})
	require.NoError(t, err)
	assert.Equal(t, "custom", capturedSystemPrompt)
}

func TestFix_UnionsGitStatusFilesWithRunnerReportedFiles(t *testing.T) {
	runAgent := func(ctx context.Context, opts agentrunner.Options) (*agentrunner.Output, error) {
		return &agentrunner.Output{Success: true, FilesModified: []string{"a.go"}}, nil
	}
	gitStatus := func(ctx context.Context) ([]string, error) {
		return []string{"a.go", "b.go"}, nil
	}

	result, err := Fix(context.Background(), nil, runAgent, gitStatus, agentrunner.Options{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.go", "b.go"}, result.FilesModified)
}

func TestFix_IgnoresGitStatusErrors(t *testing.T) {
	runAgent := func(ctx context.Context, opts agentrunner.Options) (*agentrunner.Output, error) {
		return &agentrunner.Output{Success: true, FilesModified: []string{"a.go"}}, nil
	}
	gitStatus := func(ctx context.Context) ([]string, error) {
		return nil, errors.New("git status failed")
	}

	result, err := Fix(context.Background(), nil, runAgent, gitStatus, agentrunner.Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.go"}, result.FilesModified)
}

func TestFix_PropagatesAgentError(t *testing.T) {
	runAgent := func(ctx context.Context, opts agentrunner.Options) (*agentrunner.Output, error) {
		return nil, errors.New("boom")
	}

	_, err := Fix(context.Background(), nil, runAgent, nil, agentrunner.Options{})
	assert.Error(t, err)
}
