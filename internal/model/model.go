// Package model defines the core entities shared across Conductor's
// components: Task, Subtask, AgentRun, PullRequest, CodeReview, and
// Notification, plus their status enumerations.
package model

import "time"

// TaskStatus is one of the states of the task state machine (spec §4.1).
type TaskStatus string

const (
	TaskPending      TaskStatus = "pending"
	TaskDecomposing  TaskStatus = "decomposing"
	TaskExecuting    TaskStatus = "executing"
	TaskReview       TaskStatus = "review"
	TaskHumanReview  TaskStatus = "human_review"
	TaskPRCreated    TaskStatus = "pr_created"
	TaskDone         TaskStatus = "done"
	TaskFailed       TaskStatus = "failed"
)

// taskTransitions enumerates the permitted edges of the task state graph.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:     {TaskDecomposing, TaskFailed},
	TaskDecomposing: {TaskExecuting, TaskHumanReview, TaskFailed},
	TaskExecuting:   {TaskReview, TaskHumanReview, TaskFailed},
	TaskReview:      {TaskPRCreated, TaskExecuting, TaskHumanReview, TaskFailed},
	TaskHumanReview: {TaskDecomposing, TaskExecuting, TaskFailed},
	TaskPRCreated:   {TaskDone, TaskHumanReview, TaskFailed},
	TaskFailed:      {TaskPending},
	TaskDone:        {},
}

// CanTransition reports whether from->to is an edge of the task state graph.
func CanTransition(from, to TaskStatus) bool {
	for _, candidate := range taskTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// SubtaskStatus is one of the states of the subtask state machine (spec §4.2).
type SubtaskStatus string

const (
	SubtaskPending   SubtaskStatus = "pending"
	SubtaskQueued    SubtaskStatus = "queued"
	SubtaskRunning   SubtaskStatus = "running"
	SubtaskCompleted SubtaskStatus = "completed"
	SubtaskFailed    SubtaskStatus = "failed"
)

var subtaskTransitions = map[SubtaskStatus][]SubtaskStatus{
	SubtaskPending:   {SubtaskQueued, SubtaskRunning, SubtaskFailed},
	SubtaskQueued:    {SubtaskRunning, SubtaskFailed},
	SubtaskRunning:   {SubtaskRunning, SubtaskCompleted, SubtaskFailed},
	SubtaskCompleted: {},
	SubtaskFailed:    {SubtaskPending},
}

// CanTransitionSubtask reports whether from->to is an edge of the subtask
// state graph.
func CanTransitionSubtask(from, to SubtaskStatus) bool {
	for _, candidate := range subtaskTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// AgentRunType distinguishes the three kinds of LLM invocation.
type AgentRunType string

const (
	AgentRunMaster     AgentRunType = "master"
	AgentRunSubAgent   AgentRunType = "sub_agent"
	AgentRunCodeReview AgentRunType = "code_review"
)

// AgentRunStatus tracks one LLM invocation's lifecycle.
type AgentRunStatus string

const (
	AgentRunStarting  AgentRunStatus = "starting"
	AgentRunRunning   AgentRunStatus = "running"
	AgentRunCompleted AgentRunStatus = "completed"
	AgentRunFailed    AgentRunStatus = "failed"
	AgentRunTimeout   AgentRunStatus = "timeout"
)

// PullRequestStatus is the lifecycle of one external pull request.
type PullRequestStatus string

const (
	PullRequestOpen   PullRequestStatus = "open"
	PullRequestMerged PullRequestStatus = "merged"
	PullRequestClosed PullRequestStatus = "closed"
)

// ReviewResult is the outcome of one review pass.
type ReviewResult string

const (
	ReviewApproved         ReviewResult = "approved"
	ReviewChangesRequested ReviewResult = "changes_requested"
	ReviewFailed           ReviewResult = "failed"
)

// IssueSeverity classifies one reviewer-reported issue.
type IssueSeverity string

const (
	SeverityError      IssueSeverity = "error"
	SeverityWarning    IssueSeverity = "warning"
	SeveritySuggestion IssueSeverity = "suggestion"
)

// NotificationChannel is the outbound transport for one Notification.
type NotificationChannel string

const (
	ChannelTelegram NotificationChannel = "telegram"
	ChannelSlack    NotificationChannel = "slack"
	ChannelWebhook  NotificationChannel = "webhook"
)

// Task is a unit of human intent (spec §3).
type Task struct {
	ID                      string     `db:"id" json:"id"`
	GithubProjectItemID     string     `db:"github_project_item_id" json:"githubProjectItemId"`
	GithubProjectID         string     `db:"github_project_id" json:"githubProjectId"`
	RepositoryFullName      string     `db:"repository_full_name" json:"repositoryFullName"`
	RepositoryID            int64      `db:"repository_id" json:"repositoryId"`
	InstallationID          int64      `db:"installation_id" json:"installationId"`
	Title                   string     `db:"title" json:"title"`
	Description             string     `db:"description" json:"description"`
	Status                  TaskStatus `db:"status" json:"status"`
	BranchName              string     `db:"branch_name" json:"branchName"`
	PullRequestNumber       *int       `db:"pull_request_number" json:"pullRequestNumber,omitempty"`
	PullRequestURL          string     `db:"pull_request_url" json:"pullRequestUrl,omitempty"`
	ErrorMessage            string     `db:"error_message" json:"errorMessage,omitempty"`
	HumanReviewQuestion     string     `db:"human_review_question" json:"humanReviewQuestion,omitempty"`
	HumanReviewAnswer       string     `db:"human_review_answer" json:"humanReviewAnswer,omitempty"`
	RetryCount              int        `db:"retry_count" json:"retryCount"`
	IsEpic                  bool       `db:"is_epic" json:"isEpic"`
	ParentTaskID            *string     `db:"parent_task_id" json:"parentTaskId,omitempty"`
	LinkedGithubIssueNumber *int        `db:"linked_github_issue_number" json:"linkedGithubIssueNumber,omitempty"`
	ChildDependencies       StringSlice `db:"child_dependencies" json:"childDependencies,omitempty"`
	CreatedAt               time.Time   `db:"created_at" json:"createdAt"`
	UpdatedAt               time.Time   `db:"updated_at" json:"updatedAt"`
	StartedAt               *time.Time  `db:"started_at" json:"startedAt,omitempty"`
	CompletedAt             *time.Time  `db:"completed_at" json:"completedAt,omitempty"`
}

// IsSimple reports whether the task is a leaf (non-epic) unit of work.
func (t *Task) IsSimple() bool { return !t.IsEpic }

// Subtask is a unit of agent work within one task (spec §3).
type Subtask struct {
	ID             string        `db:"id" json:"id"`
	TaskID         string        `db:"task_id" json:"taskId"`
	SubprojectPath string        `db:"subproject_path" json:"subprojectPath"`
	Title          string        `db:"title" json:"title"`
	Description    string        `db:"description" json:"description"`
	Status         SubtaskStatus `db:"status" json:"status"`
	DependsOn      StringSlice   `db:"depends_on" json:"dependsOn,omitempty"`
	AgentRunID     *string       `db:"agent_run_id" json:"agentRunId,omitempty"`
	FilesModified  StringSlice   `db:"files_modified" json:"filesModified,omitempty"`
	ErrorMessage   string        `db:"error_message" json:"errorMessage,omitempty"`
	CreatedAt      time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time     `db:"updated_at" json:"updatedAt"`
	StartedAt      *time.Time    `db:"started_at" json:"startedAt,omitempty"`
	CompletedAt    *time.Time    `db:"completed_at" json:"completedAt,omitempty"`
}

// AgentRun is one LLM invocation (spec §3).
type AgentRun struct {
	ID                string         `db:"id" json:"id"`
	TaskID            string         `db:"task_id" json:"taskId"`
	SubtaskID         *string        `db:"subtask_id" json:"subtaskId,omitempty"`
	Type              AgentRunType   `db:"type" json:"type"`
	Status            AgentRunStatus `db:"status" json:"status"`
	Model             string         `db:"model" json:"model"`
	InputTokens       int64          `db:"input_tokens" json:"inputTokens"`
	OutputTokens      int64          `db:"output_tokens" json:"outputTokens"`
	TotalCost         float64        `db:"total_cost" json:"totalCost"`
	Log               string         `db:"log" json:"log,omitempty"`
	StartedAt         time.Time      `db:"started_at" json:"startedAt"`
	CompletedAt       *time.Time     `db:"completed_at" json:"completedAt,omitempty"`
}

// PullRequest is one external PR opened for a task (spec §3).
type PullRequest struct {
	ID                 string            `db:"id" json:"id"`
	TaskID             string            `db:"task_id" json:"taskId"`
	RepositoryFullName string            `db:"repository_full_name" json:"repositoryFullName"`
	Number             int               `db:"number" json:"number"`
	Title              string            `db:"title" json:"title"`
	Body               string            `db:"body" json:"body"`
	BranchName         string            `db:"branch_name" json:"branchName"`
	HeadCommitID       string            `db:"head_commit_id" json:"headCommitId"`
	URL                string            `db:"url" json:"url"`
	Status             PullRequestStatus `db:"status" json:"status"`
	ReviewsPassed      bool              `db:"reviews_passed" json:"reviewsPassed"`
	CheckStatus        string            `db:"check_status" json:"checkStatus"`
	CreatedAt          time.Time         `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time         `db:"updated_at" json:"updatedAt"`
}

// ReviewIssue is one finding reported by a review pass.
type ReviewIssue struct {
	File       string        `json:"file"`
	Line       *int          `json:"line,omitempty"`
	Severity   IssueSeverity `json:"severity"`
	Message    string        `json:"message"`
	Suggestion string        `json:"suggestion,omitempty"`
}

// CodeReview is the outcome of one review pass (spec §3).
type CodeReview struct {
	ID         string        `db:"id" json:"id"`
	TaskID     string        `db:"task_id" json:"taskId"`
	AgentRunID string        `db:"agent_run_id" json:"agentRunId"`
	Result     ReviewResult  `db:"result" json:"result"`
	Iteration  int           `db:"iteration" json:"iteration"`
	Summary    string        `db:"summary" json:"summary"`
	Issues     ReviewIssues  `db:"issues" json:"issues"`
	CreatedAt  time.Time     `db:"created_at" json:"createdAt"`
}

// Notification is one outbound message (spec §3).
type Notification struct {
	ID      string              `db:"id" json:"id"`
	TaskID  string              `db:"task_id" json:"taskId"`
	Type    string              `db:"type" json:"type"`
	Channel NotificationChannel `db:"channel" json:"channel"`
	Payload []byte              `db:"payload" json:"payload"`
	SentAt  *time.Time          `db:"sent_at" json:"sentAt,omitempty"`
	Error   string              `db:"error" json:"error,omitempty"`
}
