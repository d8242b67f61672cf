// Package store is Conductor's durable record of tasks, subtasks, agent
// runs, reviews, pull requests, and notifications, with transactional state
// transitions (spec §3, §6).
package store

import (
	"context"

	"github.com/conductor-dev/conductor/internal/model"
)

// ErrInvalidTransition is returned when a caller attempts a task or subtask
// status transition that is not an edge of the relevant state graph (spec
// §4.1/§4.2, error taxonomy §7). It is a programmer error and is never
// retried by the queue.
var ErrInvalidTransition = newSentinel("invalid state transition")

// ErrNotFound is returned when a lookup by id finds no matching row.
var ErrNotFound = newSentinel("not found")

type sentinelError string

func newSentinel(msg string) error { return sentinelError(msg) }
func (e sentinelError) Error() string { return string(e) }

// TaskStore is the subset of Store mutated exclusively by the Task
// Processor (plus inserts from Webhook Intake), per spec §3's ownership
// rule.
type TaskStore interface {
	InsertTask(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	GetTaskByBoardItemID(ctx context.Context, boardItemID string) (*model.Task, error)
	ListChildTasks(ctx context.Context, parentID string) ([]*model.Task, error)
	ListRecentTasks(ctx context.Context, limit int) ([]*model.Task, error)
	TransitionTask(ctx context.Context, id string, to model.TaskStatus, mutate func(*model.Task)) (*model.Task, error)

	// SetTaskBranchName persists the workspace's branch name onto a task
	// without going through the status state machine (spec §4.5: "if the
	// task had no branch name, persist the workspace's branch name").
	SetTaskBranchName(ctx context.Context, id, branchName string) error
}

// SubtaskStore is the subset of Store mutated exclusively by the Subtask
// Processor.
type SubtaskStore interface {
	InsertSubtask(ctx context.Context, s *model.Subtask) error
	GetSubtask(ctx context.Context, id string) (*model.Subtask, error)
	ListSubtasks(ctx context.Context, taskID string) ([]*model.Subtask, error)
	TransitionSubtask(ctx context.Context, id string, to model.SubtaskStatus, mutate func(*model.Subtask)) (*model.Subtask, error)
}

// Store is the full persistence surface Conductor's components depend on.
type Store interface {
	TaskStore
	SubtaskStore

	// Ping reports whether the underlying database is reachable, used by
	// the readiness endpoint (spec §6 GET /health/ready).
	Ping(ctx context.Context) error

	InsertAgentRun(ctx context.Context, r *model.AgentRun) error
	UpdateAgentRun(ctx context.Context, id string, mutate func(*model.AgentRun)) (*model.AgentRun, error)

	InsertPullRequest(ctx context.Context, pr *model.PullRequest) error
	GetPullRequestByBranch(ctx context.Context, repoFullName, branch string) (*model.PullRequest, error)
	UpdatePullRequestStatus(ctx context.Context, id string, status model.PullRequestStatus, headSHA string) error

	InsertCodeReview(ctx context.Context, r *model.CodeReview) error
	CountReviewsForTask(ctx context.Context, taskID string) (int, error)

	InsertNotification(ctx context.Context, n *model.Notification) error
	MarkNotificationSent(ctx context.Context, id string, sendErr error) error

	// Webhook idempotency (spec §6.1 webhook_deliveries).
	HasDeliveryBeenProcessed(ctx context.Context, deliveryID string) (bool, error)
	MarkDeliveryProcessed(ctx context.Context, deliveryID, eventType string) error

	// MetricsSnapshot aggregates current counts and sums for internal/metrics
	// to refresh its Prometheus collectors on each scrape.
	MetricsSnapshot(ctx context.Context) (*MetricsSnapshot, error)
}

// MetricsSnapshot is one point-in-time read of the aggregate figures spec
// §10's /metrics endpoint exposes: task/subtask counts by status, agent-run
// counts by type, token and cost totals, and average task duration.
type MetricsSnapshot struct {
	TasksByStatus          map[model.TaskStatus]int64
	SubtasksByStatus       map[model.SubtaskStatus]int64
	AgentRunsByType        map[model.AgentRunType]int64
	InputTokensTotal       int64
	OutputTokensTotal      int64
	CostTotal              float64
	AvgTaskDurationSeconds float64
}

// AreAllSubtasksComplete implements the predicate from spec §4.2: true iff
// there is at least one subtask and every subtask is completed.
func AreAllSubtasksComplete(subtasks []*model.Subtask) bool {
	if len(subtasks) == 0 {
		return false
	}
	for _, s := range subtasks {
		if s.Status != model.SubtaskCompleted {
			return false
		}
	}
	return true
}
