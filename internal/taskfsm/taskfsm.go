// Package taskfsm is Conductor's Task Processor: it drives the task state
// machine's decompose→execute→review→fix→create_pr→smoke_test action
// dispatch (spec §4.4).
package taskfsm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/conductor-dev/conductor/internal/agentpool"
	"github.com/conductor-dev/conductor/internal/agentrunner"
	"github.com/conductor-dev/conductor/internal/config"
	"github.com/conductor-dev/conductor/internal/decomposer"
	"github.com/conductor-dev/conductor/internal/fixer"
	"github.com/conductor-dev/conductor/internal/ghclient"
	"github.com/conductor-dev/conductor/internal/model"
	"github.com/conductor-dev/conductor/internal/queue"
	"github.com/conductor-dev/conductor/internal/reviewer"
	"github.com/conductor-dev/conductor/internal/store"
	"github.com/conductor-dev/conductor/internal/subproject"
	"github.com/conductor-dev/conductor/internal/workspace"
)

// Action is one of the six task-job actions (spec §4.4).
type Action string

const (
	ActionDecompose Action = "decompose"
	ActionExecute   Action = "execute"
	ActionReview    Action = "review"
	ActionFix       Action = "fix"
	ActionCreatePR  Action = "create_pr"
	ActionSmokeTest Action = "smoke_test"
)

// Payload is the tasks-queue job body.
type Payload struct {
	TaskID string `json:"taskId"`
	Action Action `json:"action"`
}

const pollDelay = 30 * time.Second

// Dependencies the processor needs from the rest of the system.
type Dependencies struct {
	Store             store.Store
	Queue             *queue.Queue
	GH                ghclient.Client
	Workspace         *workspace.Manager
	RunAgent          func(ctx context.Context, opts agentrunner.Options) (*agentrunner.Output, error)
	RepoCloneURL      func(repositoryFullName string) string
	DefaultBranch     func(ctx context.Context, repositoryFullName string) (string, error)
	RepoOwnerName     func(repositoryFullName string) (owner, name string)
	ProjectFieldCache *ProjectFieldCache
	Config            *config.Config
	Now               func() time.Time
	Nonce             func() string
	Log               zerolog.Logger
}

// Process dispatches one tasks-queue job by action. Any error transitions
// the task to failed and is returned so the queue records the failure (spec
// §4.4: "on any exception, transitions the task to failed ... and rethrows").
func Process(ctx context.Context, deps Dependencies, payload Payload) error {
	task, err := deps.Store.GetTask(ctx, payload.TaskID)
	if err != nil {
		return errors.Wrap(err, "taskfsm: failed to load task")
	}

	var actionErr error
	switch payload.Action {
	case ActionDecompose:
		actionErr = decompose(ctx, deps, task)
	case ActionExecute:
		actionErr = execute(ctx, deps, task)
	case ActionReview:
		actionErr = review(ctx, deps, task)
	case ActionFix:
		actionErr = fix(ctx, deps, task)
	case ActionCreatePR:
		actionErr = createPR(ctx, deps, task)
	case ActionSmokeTest:
		actionErr = smokeTest(ctx, deps, task)
	default:
		actionErr = errors.Errorf("taskfsm: unknown action %q", payload.Action)
	}

	if actionErr != nil {
		if _, failErr := deps.Store.TransitionTask(ctx, task.ID, model.TaskFailed, func(t *model.Task) {
			t.ErrorMessage = actionErr.Error()
		}); failErr != nil {
			deps.Log.Error().Err(failErr).Str("task_id", task.ID).Msg("failed to record task failure")
		}
		return actionErr
	}
	return nil
}

func owner(deps Dependencies, task *model.Task) (string, string) {
	return deps.RepoOwnerName(task.RepositoryFullName)
}

// --- decompose ---

func decompose(ctx context.Context, deps Dependencies, task *model.Task) error {
	task, err := deps.Store.TransitionTask(ctx, task.ID, model.TaskDecomposing, nil)
	if err != nil {
		return errors.Wrap(err, "taskfsm: failed to transition to decomposing")
	}

	ownerName, repoName := owner(deps, task)
	if err := moveCard(ctx, deps, task, "In Progress"); err != nil {
		deps.Log.Warn().Err(err).Msg("failed to move card to In Progress")
	}

	result, err := decomposer.Decompose(ctx, task, deps.GH, ownerName, repoName, deps.RunAgent, deps.Config.Agents.Master)
	if err != nil {
		return errors.Wrap(err, "taskfsm: decomposer failed")
	}

	switch {
	case result.NeedsHumanReview:
		return handleHumanReviewNeeded(ctx, deps, task, result.Question)
	case result.IsEpic:
		return handleEpic(ctx, deps, task, result)
	default:
		return handleSimple(ctx, deps, task, result)
	}
}

func handleHumanReviewNeeded(ctx context.Context, deps Dependencies, task *model.Task, question string) error {
	if err := moveCard(ctx, deps, task, "Human Review"); err != nil {
		deps.Log.Warn().Err(err).Msg("failed to move card to Human Review")
	}
	if task.LinkedGithubIssueNumber != nil {
		ownerName, repoName := owner(deps, task)
		if _, err := deps.GH.CreateComment(ctx, ownerName, repoName, *task.LinkedGithubIssueNumber, question); err != nil {
			deps.Log.Warn().Err(err).Msg("failed to post human-review question")
		}
	}
	if _, err := deps.Store.TransitionTask(ctx, task.ID, model.TaskHumanReview, func(t *model.Task) {
		t.HumanReviewQuestion = question
	}); err != nil {
		return errors.Wrap(err, "taskfsm: failed to transition to human_review")
	}
	if err := enqueueNotification(ctx, deps, task, "human_review_needed", question); err != nil {
		deps.Log.Warn().Err(err).Msg("failed to enqueue human_review_needed notification")
	}
	return nil
}

func handleEpic(ctx context.Context, deps Dependencies, task *model.Task, result *decomposer.Result) error {
	ownerName, repoName := owner(deps, task)

	for _, child := range result.Children {
		body := fmt.Sprintf("%s\n\nDepends on: %s", child.Description, strings.Join(child.DependsOn, ", "))
		issue, err := deps.GH.CreateIssue(ctx, ownerName, repoName, child.Title, body, []string{"conductor", "automated"})
		if err != nil {
			return errors.Wrapf(err, "taskfsm: failed to create child issue %q", child.Title)
		}

		if issue.GetNodeID() != "" {
			if itemID, err := deps.GH.AddIssueToProject(ctx, task.GithubProjectID, issue.GetNodeID()); err == nil {
				if err := moveProjectItemByID(ctx, deps, task.GithubProjectID, itemID, "Todo"); err != nil {
					deps.Log.Warn().Err(err).Msg("failed to move child card to Todo")
				}
			}
		}

		issueNumber := issue.GetNumber()
		childTask := &model.Task{
			GithubProjectItemID:     fmt.Sprintf("%s-child-%d", task.ID, issueNumber),
			GithubProjectID:         task.GithubProjectID,
			RepositoryFullName:      task.RepositoryFullName,
			RepositoryID:            task.RepositoryID,
			InstallationID:          task.InstallationID,
			Title:                   child.Title,
			Description:             child.Description,
			Status:                  model.TaskPending,
			ParentTaskID:            &task.ID,
			LinkedGithubIssueNumber: &issueNumber,
			ChildDependencies:       model.StringSlice(child.DependsOn),
		}
		if err := deps.Store.InsertTask(ctx, childTask); err != nil {
			return errors.Wrapf(err, "taskfsm: failed to insert child task %q", child.Title)
		}

		if len(child.DependsOn) == 0 {
			if err := enqueueDecompose(ctx, deps, childTask.ID, false); err != nil {
				deps.Log.Warn().Err(err).Msg("failed to enqueue child decompose job")
			}
		}
	}

	if _, err := deps.Store.TransitionTask(ctx, task.ID, model.TaskExecuting, func(t *model.Task) {
		t.IsEpic = true
	}); err != nil {
		return errors.Wrap(err, "taskfsm: failed to transition epic to executing")
	}
	return enqueueExecute(ctx, deps, task.ID, 0)
}

func handleSimple(ctx context.Context, deps Dependencies, task *model.Task, result *decomposer.Result) error {
	for _, subtask := range result.Subtasks {
		if err := deps.Store.InsertSubtask(ctx, subtask); err != nil {
			return errors.Wrapf(err, "taskfsm: failed to insert subtask %q", subtask.Title)
		}
		if err := deps.Queue.EnqueueNow(ctx, fmt.Sprintf("subtask-%s", subtask.ID), queue.Subtasks, subtaskPayload(task.ID, subtask.ID)); err != nil && !errors.Is(err, queue.ErrDuplicateJob) {
			return errors.Wrapf(err, "taskfsm: failed to enqueue subtask %q", subtask.ID)
		}
	}

	if _, err := deps.Store.TransitionTask(ctx, task.ID, model.TaskExecuting, nil); err != nil {
		return errors.Wrap(err, "taskfsm: failed to transition to executing")
	}
	return deps.Queue.Enqueue(ctx, fmt.Sprintf("check-complete-%s", task.ID), queue.Tasks, taskPayload(task.ID, ActionExecute), deps.Now().Add(pollDelay))
}

// --- execute ---

func execute(ctx context.Context, deps Dependencies, task *model.Task) error {
	if task.IsEpic {
		return executeEpic(ctx, deps, task)
	}
	return executeSimple(ctx, deps, task)
}

func executeSimple(ctx context.Context, deps Dependencies, task *model.Task) error {
	subtasks, err := deps.Store.ListSubtasks(ctx, task.ID)
	if err != nil {
		return errors.Wrap(err, "taskfsm: failed to list subtasks")
	}
	if !store.AreAllSubtasksComplete(subtasks) {
		return enqueueExecute(ctx, deps, task.ID, pollDelay)
	}
	return enqueueReview(ctx, deps, task.ID)
}

func executeEpic(ctx context.Context, deps Dependencies, task *model.Task) error {
	children, err := deps.Store.ListChildTasks(ctx, task.ID)
	if err != nil {
		return errors.Wrap(err, "taskfsm: failed to list child tasks")
	}

	doneTitles := make(map[string]bool)
	for _, c := range children {
		if c.Status == model.TaskDone {
			doneTitles[c.Title] = true
		}
	}

	allTerminal := true
	anyFailed := false
	for _, c := range children {
		if c.Status == model.TaskPending && dependenciesSatisfied(c.ChildDependencies, doneTitles) {
			if err := enqueueDecompose(ctx, deps, c.ID, false); err != nil {
				deps.Log.Warn().Err(err).Msg("failed to enqueue child decompose")
			}
		}
		if c.Status != model.TaskDone && c.Status != model.TaskFailed {
			allTerminal = false
		}
		if c.Status == model.TaskFailed {
			anyFailed = true
		}
	}

	if !allTerminal {
		return enqueueExecute(ctx, deps, task.ID, pollDelay)
	}

	if anyFailed {
		if _, err := deps.Store.TransitionTask(ctx, task.ID, model.TaskFailed, nil); err != nil {
			return errors.Wrap(err, "taskfsm: failed to transition epic to failed")
		}
		return moveCard(ctx, deps, task, "Human Review")
	}

	if _, err := deps.Store.TransitionTask(ctx, task.ID, model.TaskDone, nil); err != nil {
		return errors.Wrap(err, "taskfsm: failed to transition epic to done")
	}
	if err := moveCard(ctx, deps, task, "Done"); err != nil {
		deps.Log.Warn().Err(err).Msg("failed to move epic card to Done")
	}

	var prURLs []string
	for _, c := range children {
		if c.PullRequestURL != "" {
			prURLs = append(prURLs, c.PullRequestURL)
		}
	}
	if task.LinkedGithubIssueNumber != nil {
		ownerName, repoName := owner(deps, task)
		body := "All child tasks completed.\n\n" + strings.Join(prURLs, "\n")
		if _, err := deps.GH.CreateComment(ctx, ownerName, repoName, *task.LinkedGithubIssueNumber, body); err != nil {
			deps.Log.Warn().Err(err).Msg("failed to post epic completion comment")
		}
	}
	return nil
}

func dependenciesSatisfied(deps model.StringSlice, doneTitles map[string]bool) bool {
	for _, d := range deps {
		if !doneTitles[d] {
			return false
		}
	}
	return true
}

// --- review ---

func review(ctx context.Context, deps Dependencies, task *model.Task) error {
	task, err := deps.Store.TransitionTask(ctx, task.ID, model.TaskReview, nil)
	if err != nil {
		return errors.Wrap(err, "taskfsm: failed to transition to review")
	}

	ws := &workspace.Workspace{Path: deps.Workspace.Path(task.ID), BranchName: task.BranchName}
	if _, err := deps.Workspace.CommitAndPush(ctx, ws, fmt.Sprintf("conductor: %s", task.Title)); err != nil {
		deps.Log.Warn().Err(err).Msg("commit/push before review failed (non-fatal)")
	}

	subtasks, err := deps.Store.ListSubtasks(ctx, task.ID)
	if err != nil {
		return errors.Wrap(err, "taskfsm: failed to list subtasks for review")
	}
	filesModified := uniqueFiles(subtasks)

	iteration, err := deps.Store.CountReviewsForTask(ctx, task.ID)
	if err != nil {
		return errors.Wrap(err, "taskfsm: failed to count prior reviews")
	}
	iteration++

	ownerName, repoName := owner(deps, task)
	defaultBranch, err := deps.DefaultBranch(ctx, task.RepositoryFullName)
	if err != nil {
		return errors.Wrap(err, "taskfsm: failed to resolve default branch for review")
	}

	run := &model.AgentRun{TaskID: task.ID, Type: model.AgentRunCodeReview, Status: model.AgentRunRunning, Model: deps.Config.Agents.CodeReview.Model}
	if err := deps.Store.InsertAgentRun(ctx, run); err != nil {
		return errors.Wrap(err, "taskfsm: failed to insert review agent run")
	}

	codeReview, err := reviewer.Review(ctx, reviewer.Dependencies{
		GH:       deps.GH,
		RunAgent: deps.RunAgent,
		ReadWorkspaceFile: func(path string) (string, error) {
			return deps.Workspace.ReadFile(task.ID, path)
		},
	}, ownerName, repoName, defaultBranch, task.BranchName, filesModified, iteration, deps.Config.Agents.CodeReview.MaxIterations, deps.Config.Agents.CodeReview.PassThreshold, "", deps.Config.Agents.CodeReview.Model)
	if err != nil {
		return errors.Wrap(err, "taskfsm: reviewer failed")
	}
	codeReview.TaskID = task.ID
	codeReview.AgentRunID = run.ID

	completedAt := time.Now()
	if _, err := deps.Store.UpdateAgentRun(ctx, run.ID, func(r *model.AgentRun) {
		r.Status = model.AgentRunCompleted
		r.CompletedAt = &completedAt
	}); err != nil {
		deps.Log.Warn().Err(err).Msg("failed to record review agent run completion")
	}
	if err := deps.Store.InsertCodeReview(ctx, codeReview); err != nil {
		return errors.Wrap(err, "taskfsm: failed to persist code review")
	}

	switch codeReview.Result {
	case model.ReviewApproved:
		if deps.Config.Workflow.RequireSmokeTest {
			return deps.Queue.EnqueueNow(ctx, fmt.Sprintf("smoke-test-%s", task.ID), queue.Tasks, taskPayload(task.ID, ActionSmokeTest))
		}
		return deps.Queue.EnqueueNow(ctx, fmt.Sprintf("create-pr-%s", task.ID), queue.Tasks, taskPayload(task.ID, ActionCreatePR))
	case model.ReviewChangesRequested:
		maxIter := deps.Config.Agents.CodeReview.MaxIterations
		if maxIter <= 0 {
			maxIter = 3
		}
		if iteration < maxIter {
			issuesJSON, err := json.Marshal(codeReview.Issues)
			if err != nil {
				return errors.Wrap(err, "taskfsm: failed to marshal review issues")
			}
			if _, err := deps.Store.TransitionTask(ctx, task.ID, model.TaskExecuting, func(t *model.Task) {
				t.ErrorMessage = string(issuesJSON)
			}); err != nil {
				return errors.Wrap(err, "taskfsm: failed to transition review to executing")
			}
			return deps.Queue.Enqueue(ctx, fmt.Sprintf("fix-%s-iter-%d", task.ID, iteration), queue.Tasks, taskPayload(task.ID, ActionFix), deps.Now())
		}
		fallthrough
	default:
		return errors.New("Code review failed after maximum iterations")
	}
}

func uniqueFiles(subtasks []*model.Subtask) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, s := range subtasks {
		for _, f := range s.FilesModified {
			if _, ok := seen[f]; ok {
				continue
			}
			seen[f] = struct{}{}
			out = append(out, f)
		}
	}
	return out
}

// --- fix ---

func fix(ctx context.Context, deps Dependencies, task *model.Task) error {
	var issues []model.ReviewIssue
	if task.ErrorMessage != "" {
		if err := json.Unmarshal([]byte(task.ErrorMessage), &issues); err != nil {
			return errors.Wrap(err, "taskfsm: failed to parse stored review issues")
		}
	}

	ws := &workspace.Workspace{Path: deps.Workspace.Path(task.ID), BranchName: task.BranchName}
	gitStatus := func(ctx context.Context) ([]string, error) {
		return deps.Workspace.GitStatus(ctx, task.ID)
	}

	groups := groupIssuesBySubproject(issues, deps.Config.Subprojects)

	var result *fixer.Result
	var err error
	if len(groups) > 1 {
		result, err = fixParallel(ctx, deps, ws, groups, gitStatus)
	} else {
		result, err = fixer.Fix(ctx, issues, deps.RunAgent, gitStatus, agentrunner.Options{
			WorkDir: ws.Path,
			Model:   deps.Config.Agents.SubAgent.Model,
		})
	}
	if err != nil {
		return errors.Wrap(err, "taskfsm: fixer failed")
	}
	if !result.Success {
		return errors.New("taskfsm: fixer did not succeed")
	}

	if _, err := deps.Store.TransitionTask(ctx, task.ID, model.TaskExecuting, func(t *model.Task) {
		t.ErrorMessage = ""
	}); err != nil {
		return errors.Wrap(err, "taskfsm: failed to clear error message after fix")
	}
	// fix doesn't change status (stays executing per spec prose, which only
	// names the review->executing edge occurring in the review stage); here
	// we simply re-enqueue review.
	return deps.Queue.EnqueueNow(ctx, fmt.Sprintf("review-%s-%s", task.ID, deps.Nonce()), queue.Tasks, taskPayload(task.ID, ActionReview))
}

// groupIssuesBySubproject buckets review issues by the configured subproject
// whose path prefixes the issue's file, so fixParallel can dispatch one
// focused repair agent per affected subproject instead of one prompt
// covering the whole repository.
func groupIssuesBySubproject(issues []model.ReviewIssue, cfg config.Subprojects) map[string][]model.ReviewIssue {
	subprojects := subproject.Detect(nil, cfg)
	groups := make(map[string][]model.ReviewIssue)
	for _, issue := range issues {
		path := subproject.ResolvePath(issue.File, subprojects)
		groups[path] = append(groups[path], issue)
	}
	return groups
}

// fixParallel runs one repair agent per affected subproject through an
// Agent Pool bounded by the same concurrency the subtask consumer uses
// (spec §4.11), instead of a single prompt spanning every issue.
func fixParallel(ctx context.Context, deps Dependencies, ws *workspace.Workspace, groups map[string][]model.ReviewIssue, gitStatus fixer.GitStatusFunc) (*fixer.Result, error) {
	pool := agentpool.New(deps.Config.Agents.SubAgent.MaxParallel)
	pool.Runner = deps.RunAgent
	for subprojectPath, groupIssues := range groups {
		opts := agentrunner.Options{
			WorkDir:      ws.Path,
			Model:        deps.Config.Agents.SubAgent.Model,
			Prompt:       fixer.BuildPrompt(groupIssues),
			SystemPrompt: fixer.SystemPrompt,
		}
		if err := pool.Add(subprojectPath, opts); err != nil {
			return nil, errors.Wrapf(err, "taskfsm: failed to queue fix run for subproject %q", subprojectPath)
		}
	}

	results := pool.RunAll(ctx, func(id string, state agentpool.RunState) {
		deps.Log.Debug().Str("subproject", id).Str("state", string(state)).Msg("fix pool progress")
	})

	merged := &fixer.Result{Success: true}
	var filesModified []string
	for subprojectPath, r := range results {
		if r.Err != nil || r.Output == nil || !r.Output.Success {
			merged.Success = false
			deps.Log.Warn().Str("subproject", subprojectPath).Err(r.Err).Msg("fix agent did not succeed")
			continue
		}
		filesModified = append(filesModified, r.Output.FilesModified...)
		merged.InputTokens += r.Output.InputTokens
		merged.OutputTokens += r.Output.OutputTokens
		merged.TotalCost += r.Output.TotalCost
	}

	if statusFiles, err := gitStatus(ctx); err == nil {
		filesModified = fixer.UnionFiles(filesModified, statusFiles)
	}
	merged.FilesModified = filesModified
	return merged, nil
}

// --- create_pr ---

func createPR(ctx context.Context, deps Dependencies, task *model.Task) error {
	ws := &workspace.Workspace{Path: deps.Workspace.Path(task.ID), BranchName: task.BranchName}
	headSHA, err := deps.Workspace.CommitAndPush(ctx, ws, fmt.Sprintf("conductor: %s", task.Title))
	if err != nil {
		return errors.Wrap(err, "taskfsm: failed to push before opening PR")
	}

	ownerName, repoName := owner(deps, task)
	defaultBranch, err := deps.DefaultBranch(ctx, task.RepositoryFullName)
	if err != nil {
		return errors.Wrap(err, "taskfsm: failed to resolve default branch for PR")
	}

	pr, err := deps.GH.CreatePullRequest(ctx, ownerName, repoName, task.Title, task.Description, task.BranchName, defaultBranch)
	if err != nil {
		return errors.Wrap(err, "taskfsm: failed to create pull request")
	}

	record := &model.PullRequest{
		TaskID:             task.ID,
		RepositoryFullName: task.RepositoryFullName,
		Number:             pr.GetNumber(),
		Title:              pr.GetTitle(),
		Body:               pr.GetBody(),
		BranchName:         task.BranchName,
		HeadCommitID:       headSHA,
		URL:                pr.GetHTMLURL(),
		Status:             model.PullRequestOpen,
	}
	if err := deps.Store.InsertPullRequest(ctx, record); err != nil {
		return errors.Wrap(err, "taskfsm: failed to persist pull request")
	}

	if _, err := deps.Store.TransitionTask(ctx, task.ID, model.TaskPRCreated, func(t *model.Task) {
		t.PullRequestNumber = intPtr(pr.GetNumber())
		t.PullRequestURL = pr.GetHTMLURL()
	}); err != nil {
		return errors.Wrap(err, "taskfsm: failed to transition to pr_created")
	}
	return moveCard(ctx, deps, task, "Human Review")
}

func intPtr(i int) *int { return &i }

// --- smoke_test ---

func smokeTest(ctx context.Context, deps Dependencies, task *model.Task) error {
	if deps.Config.Workflow.SmokeTestWebhook != "" {
		ok, err := postSmokeTestWebhook(ctx, deps.Config.Workflow.SmokeTestWebhook, task)
		if err != nil || !ok {
			if err != nil {
				return errors.Wrap(err, "taskfsm: smoke test webhook call failed")
			}
			if _, failErr := deps.Store.TransitionTask(ctx, task.ID, model.TaskFailed, nil); failErr != nil {
				return errors.Wrap(failErr, "taskfsm: failed to transition after smoke test failure")
			}
			return errors.New("taskfsm: smoke test webhook reported failure")
		}
		return deps.Queue.EnqueueNow(ctx, fmt.Sprintf("create-pr-%s", task.ID), queue.Tasks, taskPayload(task.ID, ActionCreatePR))
	}

	ws := &workspace.Workspace{Path: deps.Workspace.Path(task.ID), BranchName: task.BranchName}
	testCmd := subprojectTestCommand(deps.Config)
	if testCmd != "" {
		if err := deps.Workspace.RunTestCommand(ctx, ws, testCmd, 2*time.Minute); err != nil {
			if _, failErr := deps.Store.TransitionTask(ctx, task.ID, model.TaskFailed, func(t *model.Task) {
				t.ErrorMessage = err.Error()
			}); failErr != nil {
				return errors.Wrap(failErr, "taskfsm: failed to transition after smoke test failure")
			}
			return errors.Wrap(err, "taskfsm: smoke test command failed")
		}
	}
	return deps.Queue.EnqueueNow(ctx, fmt.Sprintf("create-pr-%s", task.ID), queue.Tasks, taskPayload(task.ID, ActionCreatePR))
}

func subprojectTestCommand(cfg *config.Config) string {
	for _, sp := range cfg.Subprojects.Explicit {
		if sp.TestCommand != "" {
			return sp.TestCommand
		}
	}
	return ""
}

func postSmokeTestWebhook(ctx context.Context, url string, task *model.Task) (bool, error) {
	body, err := json.Marshal(map[string]string{
		"taskId":             task.ID,
		"title":              task.Title,
		"branchName":         task.BranchName,
		"repositoryFullName": task.RepositoryFullName,
	})
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, nil
	}
	var parsed struct {
		Success *bool `json:"success"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&parsed)
	if parsed.Success != nil && !*parsed.Success {
		return false, nil
	}
	return true, nil
}

// --- shared helpers ---

func taskPayload(taskID string, action Action) Payload { return Payload{TaskID: taskID, Action: action} }
func subtaskPayload(taskID, subtaskID string) interface{} {
	return struct {
		TaskID    string `json:"taskId"`
		SubtaskID string `json:"subtaskId"`
	}{TaskID: taskID, SubtaskID: subtaskID}
}

func enqueueExecute(ctx context.Context, deps Dependencies, taskID string, delay time.Duration) error {
	jobID := fmt.Sprintf("check-complete-%s-%s", taskID, deps.Nonce())
	return deps.Queue.Enqueue(ctx, jobID, queue.Tasks, taskPayload(taskID, ActionExecute), deps.Now().Add(delay))
}

func enqueueReview(ctx context.Context, deps Dependencies, taskID string) error {
	jobID := fmt.Sprintf("review-%s-%s", taskID, deps.Nonce())
	return deps.Queue.EnqueueNow(ctx, jobID, queue.Tasks, taskPayload(taskID, ActionReview))
}

func enqueueDecompose(ctx context.Context, deps Dependencies, taskID string, salted bool) error {
	jobID := fmt.Sprintf("decompose-%s", taskID)
	if salted {
		jobID = fmt.Sprintf("decompose-%s-%s", taskID, deps.Nonce())
	}
	return deps.Queue.EnqueueNow(ctx, jobID, queue.Tasks, taskPayload(taskID, ActionDecompose))
}

func enqueueNotification(ctx context.Context, deps Dependencies, task *model.Task, notifType, body string) error {
	payload, err := json.Marshal(map[string]string{"taskId": task.ID, "title": task.Title, "body": body, "type": notifType})
	if err != nil {
		return err
	}
	return deps.Queue.EnqueueNow(ctx, fmt.Sprintf("notify-%s-%s", task.ID, notifType), queue.Notifications, json.RawMessage(payload))
}

// ProjectFieldCache memoises a project's status field id and option ids so
// MoveProjectItem calls don't re-resolve the GraphQL schema every time.
type ProjectFieldCache struct {
	fieldID string
	options map[string]string
}

func moveCard(ctx context.Context, deps Dependencies, task *model.Task, columnName string) error {
	if task.GithubProjectID == "" {
		return nil
	}
	return moveProjectItemByID(ctx, deps, task.GithubProjectID, task.GithubProjectItemID, columnName)
}

func moveProjectItemByID(ctx context.Context, deps Dependencies, projectID, itemID, columnName string) error {
	cache := deps.ProjectFieldCache
	if cache == nil || cache.fieldID == "" {
		fieldID, options, err := deps.GH.GetProjectStatusField(ctx, projectID, "Status")
		if err != nil {
			return err
		}
		if cache != nil {
			cache.fieldID = fieldID
			cache.options = options
		} else {
			cache = &ProjectFieldCache{fieldID: fieldID, options: options}
		}
	}
	optionID, ok := cache.options[columnName]
	if !ok {
		return errors.Errorf("taskfsm: no project status option named %q", columnName)
	}
	return deps.GH.MoveProjectItem(ctx, projectID, itemID, cache.fieldID, optionID)
}
