package agentpool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-dev/conductor/internal/agentrunner"
)

func TestNew_FloorsConcurrencyAtDefault(t *testing.T) {
	p := New(0)
	assert.Equal(t, defaultMaxConcurrency, p.maxConcurrency)

	p = New(3)
	assert.Equal(t, 3, p.maxConcurrency)
}

func TestAdd_RejectsDuplicateID(t *testing.T) {
	p := New(2)
	require.NoError(t, p.Add("a", agentrunner.Options{Prompt: "first"}))
	err := p.Add("a", agentrunner.Options{Prompt: "second"})
	assert.Error(t, err)
}

func TestRunAll_StoppedBeforeStartFailsEveryRunner(t *testing.T) {
	p := New(2)
	require.NoError(t, p.Add("a", agentrunner.Options{}))
	require.NoError(t, p.Add("b", agentrunner.Options{}))
	p.Stop()

	var states []RunState
	results := p.RunAll(context.Background(), func(id string, state RunState) {
		states = append(states, state)
	})

	require.Len(t, results, 2)
	for id, res := range results {
		assert.Error(t, res.Err, "runner %s should have failed", id)
		assert.Nil(t, res.Output)
	}
	assert.Contains(t, states, StatePending)
	assert.Contains(t, states, StateFailed)
}

func TestRunAll_NoRunnersReturnsEmptyMap(t *testing.T) {
	p := New(2)
	results := p.RunAll(context.Background(), nil)
	assert.Empty(t, results)
}

func TestRunAll_UsesInjectedRunnerInsteadOfRealAgentCLI(t *testing.T) {
	p := New(2)
	var calledWith []string
	p.Runner = func(ctx context.Context, opts agentrunner.Options) (*agentrunner.Output, error) {
		calledWith = append(calledWith, opts.Prompt)
		return &agentrunner.Output{Success: true, FilesModified: []string{opts.Prompt + ".go"}}, nil
	}
	require.NoError(t, p.Add("a", agentrunner.Options{Prompt: "fix a"}))
	require.NoError(t, p.Add("b", agentrunner.Options{Prompt: "fix b"}))

	results := p.RunAll(context.Background(), nil)
	require.Len(t, results, 2)
	assert.ElementsMatch(t, []string{"fix a", "fix b"}, calledWith)
	assert.True(t, results["a"].Output.Success)
	assert.Equal(t, []string{"fix a.go"}, results["a"].Output.FilesModified)
}

func TestSummary_CountsSuccessAndFailure(t *testing.T) {
	results := map[string]Result{
		"a": {Output: &agentrunner.Output{Success: true}},
		"b": {Output: &agentrunner.Output{Success: false}},
		"c": {Err: assert.AnError},
	}
	summary := Summary(results)
	assert.Equal(t, "1 succeeded, 2 failed", summary)
}
