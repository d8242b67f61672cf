package decomposer

import (
	"context"
	"testing"

	"github.com/google/go-github/v68/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-dev/conductor/internal/agentrunner"
	"github.com/conductor-dev/conductor/internal/config"
	"github.com/conductor-dev/conductor/internal/ghclient"
	"github.com/conductor-dev/conductor/internal/model"
)

type fakeClient struct {
	tree        []string
	files       map[string]string
	treeErr     error
}

func (f *fakeClient) GetRepositoryTree(ctx context.Context, owner, repo string) ([]string, error) {
	return f.tree, f.treeErr
}
func (f *fakeClient) GetDefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	return "main", nil
}
func (f *fakeClient) GetFileContent(ctx context.Context, owner, repo, path string) (string, error) {
	return f.files[path], nil
}
func (f *fakeClient) CompareCommits(ctx context.Context, owner, repo, base, head string) ([]ghclient.FileDiff, error) {
	return nil, nil
}
func (f *fakeClient) CreatePullRequest(ctx context.Context, owner, repo, title, body, head, base string) (*github.PullRequest, error) {
	return nil, nil
}
func (f *fakeClient) GetPullRequestByBranch(ctx context.Context, owner, repo, branch string) (*github.PullRequest, error) {
	return nil, nil
}
func (f *fakeClient) CreateComment(ctx context.Context, owner, repo string, number int, body string) (*github.IssueComment, error) {
	return nil, nil
}
func (f *fakeClient) CreateIssue(ctx context.Context, owner, repo, title, body string, labels []string) (*github.Issue, error) {
	return nil, nil
}
func (f *fakeClient) MarkPRReadyForReview(ctx context.Context, owner, repo string, prNumber int) error {
	return nil
}
func (f *fakeClient) AddIssueToProject(ctx context.Context, projectID, contentNodeID string) (string, error) {
	return "", nil
}
func (f *fakeClient) MoveProjectItem(ctx context.Context, projectID, itemID, fieldID, optionID string) error {
	return nil
}
func (f *fakeClient) GetProjectStatusField(ctx context.Context, projectID, fieldName string) (string, map[string]string, error) {
	return "", nil, nil
}
func (f *fakeClient) GetProjectItem(ctx context.Context, itemID, statusFieldName string) (*ghclient.ProjectItemDetails, error) {
	return nil, nil
}
func (f *fakeClient) ListIssueComments(ctx context.Context, owner, repo string, number int) ([]*github.IssueComment, error) {
	return nil, nil
}
func (f *fakeClient) ListPullRequestReviews(ctx context.Context, owner, repo string, number int) ([]*github.PullRequestReview, error) {
	return nil, nil
}

var _ ghclient.Client = (*fakeClient)(nil)

func fencedJSON(body string) string {
	return "Here is the plan:\n```json\n" + body + "\n```\n"
}

func TestDecompose_SimplePlanReturnsSubtasks(t *testing.T) {
	gh := &fakeClient{tree: []string{"packages/api/main.go", "packages/web/index.ts"}}
	task := &model.Task{ID: "t1", Title: "Add widgets", Description: "wire up widgets"}

	runAgent := func(ctx context.Context, opts agentrunner.Options) (*agentrunner.Output, error) {
		return &agentrunner.Output{Success: true, Stdout: fencedJSON(`{
			"type": "simple",
			"summary": "add widgets",
			"affectedSubprojects": ["packages/api"],
			"subtasks": [
				{"title": "backend", "description": "wire route", "subprojectPath": "packages/api"},
				{"title": "frontend", "description": "wire ui", "subprojectPath": "packages/web", "dependsOn": ["backend"]}
			]
		}`)}, nil
	}

	result, err := Decompose(context.Background(), task, gh, "acme", "widgets", runAgent, config.AgentConfig{Model: "sonnet"})
	require.NoError(t, err)
	require.False(t, result.IsEpic)
	require.Len(t, result.Subtasks, 2)
	assert.Equal(t, "backend", result.Subtasks[0].Title)
	assert.Equal(t, "t1", result.Subtasks[0].TaskID)
	assert.Equal(t, model.SubtaskPending, result.Subtasks[1].Status)
}

func TestDecompose_EpicPlanReturnsChildren(t *testing.T) {
	gh := &fakeClient{tree: []string{"main.go"}}
	task := &model.Task{ID: "t1", Title: "Rewrite auth"}

	runAgent := func(ctx context.Context, opts agentrunner.Options) (*agentrunner.Output, error) {
		return &agentrunner.Output{Success: true, Stdout: fencedJSON(`{
			"type": "epic",
			"summary": "rewrite auth across services",
			"children": [{"title": "service-a", "description": "rewrite a"}]
		}`)}, nil
	}

	result, err := Decompose(context.Background(), task, gh, "acme", "widgets", runAgent, config.AgentConfig{})
	require.NoError(t, err)
	assert.True(t, result.IsEpic)
	require.Len(t, result.Children, 1)
	assert.Equal(t, "service-a", result.Children[0].Title)
}

func TestDecompose_NeedsHumanReviewShortCircuits(t *testing.T) {
	gh := &fakeClient{tree: []string{"main.go"}}
	task := &model.Task{ID: "t1", Title: "Ambiguous ask"}

	runAgent := func(ctx context.Context, opts agentrunner.Options) (*agentrunner.Output, error) {
		return &agentrunner.Output{Success: true, Stdout: fencedJSON(`{
			"needsHumanReview": true,
			"question": "which service should this target?"
		}`)}, nil
	}

	result, err := Decompose(context.Background(), task, gh, "acme", "widgets", runAgent, config.AgentConfig{})
	require.NoError(t, err)
	assert.True(t, result.NeedsHumanReview)
	assert.Equal(t, "which service should this target?", result.Question)
}

func TestDecompose_UnknownDependencyIsRejected(t *testing.T) {
	gh := &fakeClient{tree: []string{"main.go"}}
	task := &model.Task{ID: "t1", Title: "Add widgets"}

	runAgent := func(ctx context.Context, opts agentrunner.Options) (*agentrunner.Output, error) {
		return &agentrunner.Output{Success: true, Stdout: fencedJSON(`{
			"type": "simple",
			"subtasks": [{"title": "a", "description": "d", "dependsOn": ["nonexistent"]}]
		}`)}, nil
	}

	_, err := Decompose(context.Background(), task, gh, "acme", "widgets", runAgent, config.AgentConfig{})
	assert.Error(t, err)
}

func TestDecompose_UnknownSubprojectPathFallsBackToRoot(t *testing.T) {
	gh := &fakeClient{tree: []string{"main.go"}}
	task := &model.Task{ID: "t1", Title: "Add widgets"}

	runAgent := func(ctx context.Context, opts agentrunner.Options) (*agentrunner.Output, error) {
		return &agentrunner.Output{Success: true, Stdout: fencedJSON(`{
			"type": "simple",
			"subtasks": [{"title": "a", "description": "d", "subprojectPath": "packages/missing"}]
		}`)}, nil
	}

	result, err := Decompose(context.Background(), task, gh, "acme", "widgets", runAgent, config.AgentConfig{})
	require.NoError(t, err)
	require.Len(t, result.Subtasks, 1)
	assert.Equal(t, ".", result.Subtasks[0].SubprojectPath)
}

func TestDecompose_NoSubtasksDefaultsToSingleTaskMirror(t *testing.T) {
	gh := &fakeClient{tree: []string{"main.go"}}
	task := &model.Task{ID: "t1", Title: "Fix typo", Description: "fix the readme typo"}

	runAgent := func(ctx context.Context, opts agentrunner.Options) (*agentrunner.Output, error) {
		return &agentrunner.Output{Success: true, Stdout: fencedJSON(`{"type": "simple", "subtasks": []}`)}, nil
	}

	result, err := Decompose(context.Background(), task, gh, "acme", "widgets", runAgent, config.AgentConfig{})
	require.NoError(t, err)
	require.Len(t, result.Subtasks, 1)
	assert.Equal(t, "Fix typo", result.Subtasks[0].Title)
}

func TestDecompose_AgentFailureIsPropagated(t *testing.T) {
	gh := &fakeClient{tree: nil}
	task := &model.Task{ID: "t1", Title: "Add widgets"}

	runAgent := func(ctx context.Context, opts agentrunner.Options) (*agentrunner.Output, error) {
		return &agentrunner.Output{Success: false}, nil
	}

	_, err := Decompose(context.Background(), task, gh, "acme", "widgets", runAgent, config.AgentConfig{})
	assert.Error(t, err)
}

func TestDecompose_MissingJSONFenceFallsBackToSingleSubtask(t *testing.T) {
	gh := &fakeClient{tree: nil}
	task := &model.Task{ID: "t1", Title: "Add widgets"}

	runAgent := func(ctx context.Context, opts agentrunner.Options) (*agentrunner.Output, error) {
		return &agentrunner.Output{Success: true, Stdout: "no plan here"}, nil
	}

	result, err := Decompose(context.Background(), task, gh, "acme", "widgets", runAgent, config.AgentConfig{})
	require.NoError(t, err)
	require.Len(t, result.Subtasks, 1)
	assert.Equal(t, "Add widgets", result.Subtasks[0].Title)
	assert.Equal(t, ".", result.Subtasks[0].SubprojectPath)
}

func TestBuildPrompt_TruncatesLargeTreesAndIncludesContextFiles(t *testing.T) {
	task := &model.Task{Title: "Add widgets", Description: "wire up widgets"}
	files := make([]string, maxTreePaths+10)
	for i := range files {
		files[i] = "file.go"
	}
	contexts := map[string]string{"README.md": "hello"}

	prompt := buildPrompt(task, files, nil, contexts)
	assert.Contains(t, prompt, "500/510 paths shown")
	assert.Contains(t, prompt, "README.md")
	assert.Contains(t, prompt, "hello")
}
