package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-dev/conductor/internal/model"
)

func newTestStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := sqlx.NewDb(mockDB, "sqlmock")
	return &Postgres{db: db}, mock
}

var taskColumns = []string{
	"id", "github_project_item_id", "github_project_id", "repository_full_name",
	"repository_id", "installation_id", "title", "description", "status",
	"branch_name", "pull_request_number", "pull_request_url", "error_message",
	"human_review_question", "human_review_answer", "retry_count", "is_epic",
	"parent_task_id", "linked_github_issue_number", "child_dependencies",
	"created_at", "updated_at", "started_at", "completed_at",
}

func taskRow(id string, status model.TaskStatus) []driverValue {
	now := time.Now()
	return []driverValue{
		id, "", "", "acme/widgets", int64(1), int64(1), "Add widgets", "desc", string(status),
		"", nil, "", "", "", "", 0, false, nil, nil, "[]", now, now, nil, nil,
	}
}

type driverValue = interface{}

func TestPing_ReturnsNilWhenReachable(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectPing()
	require.NoError(t, s.Ping(context.Background()))
}

func TestDB_ExposesUnderlyingPool(t *testing.T) {
	s, _ := newTestStore(t)
	assert.NotNil(t, s.DB())
}

func TestInsertTask_AssignsIDWhenEmpty(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectExec("INSERT INTO tasks").WillReturnResult(sqlmock.NewResult(1, 1))

	task := &model.Task{RepositoryFullName: "acme/widgets", Title: "Add widgets", Status: model.TaskPending}
	require.NoError(t, s.InsertTask(context.Background(), task))
	assert.NotEmpty(t, task.ID)
	assert.False(t, task.CreatedAt.IsZero())
}

func TestGetTask_ReturnsErrNotFoundWhenMissing(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectQuery("SELECT \\* FROM tasks WHERE id = \\$1").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetTask(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetTask_ReturnsTaskOnSuccess(t *testing.T) {
	s, mock := newTestStore(t)
	rows := sqlmock.NewRows(taskColumns).AddRow(taskRow("t1", model.TaskPending)...)
	mock.ExpectQuery("SELECT \\* FROM tasks WHERE id = \\$1").
		WithArgs("t1").
		WillReturnRows(rows)

	task, err := s.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", task.ID)
	assert.Equal(t, model.TaskPending, task.Status)
}

func TestTransitionTask_RejectsInvalidEdge(t *testing.T) {
	s, mock := newTestStore(t)
	rows := sqlmock.NewRows(taskColumns).AddRow(taskRow("t1", model.TaskDone)...)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM tasks WHERE id = \\$1 FOR UPDATE").
		WithArgs("t1").
		WillReturnRows(rows)
	mock.ExpectRollback()

	_, err := s.TransitionTask(context.Background(), "t1", model.TaskPending, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTransitionTask_AppliesMutateOnValidEdge(t *testing.T) {
	s, mock := newTestStore(t)
	rows := sqlmock.NewRows(taskColumns).AddRow(taskRow("t1", model.TaskPending)...)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM tasks WHERE id = \\$1 FOR UPDATE").
		WithArgs("t1").
		WillReturnRows(rows)
	mock.ExpectExec("UPDATE tasks SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	task, err := s.TransitionTask(context.Background(), "t1", model.TaskDecomposing, func(t *model.Task) {
		t.ErrorMessage = "note"
	})
	require.NoError(t, err)
	assert.Equal(t, model.TaskDecomposing, task.Status)
	assert.Equal(t, "note", task.ErrorMessage)
	assert.NotNil(t, task.StartedAt)
}

func TestHasDeliveryBeenProcessed_ReturnsStoredValue(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("delivery-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	processed, err := s.HasDeliveryBeenProcessed(context.Background(), "delivery-1")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestMarkDeliveryProcessed_InsertsRow(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectExec("INSERT INTO webhook_deliveries").
		WithArgs("delivery-1", "push", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.MarkDeliveryProcessed(context.Background(), "delivery-1", "push"))
}

func TestCountReviewsForTask_ReturnsCount(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM code_reviews").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	count, err := s.CountReviewsForTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestUpdateAgentRun_RejectsDecreasingTokenCounters(t *testing.T) {
	s, mock := newTestStore(t)
	rows := sqlmock.NewRows([]string{
		"id", "task_id", "subtask_id", "type", "status", "model",
		"input_tokens", "output_tokens", "total_cost", "log", "started_at", "completed_at",
	}).AddRow("run-1", "t1", nil, "sub_agent", "running", "sonnet", int64(100), int64(50), 0.5, "", time.Now(), nil)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM agent_runs WHERE id = \\$1 FOR UPDATE").
		WithArgs("run-1").
		WillReturnRows(rows)
	mock.ExpectRollback()

	_, err := s.UpdateAgentRun(context.Background(), "run-1", func(r *model.AgentRun) {
		r.InputTokens = 10
		r.OutputTokens = 10
	})
	assert.Error(t, err)
}
