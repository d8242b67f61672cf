package queue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Queue, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := sqlx.NewDb(mockDB, "sqlmock")
	return New(db, zerolog.Nop()), mock
}

func TestEnqueue_InsertsJob(t *testing.T) {
	q, mock := newTestQueue(t)

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs("task-1", "tasks", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := q.EnqueueNow(context.Background(), "task-1", Tasks, map[string]string{"foo": "bar"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueue_DuplicateJobIDIsNoop(t *testing.T) {
	q, mock := newTestQueue(t)

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs("task-1", "tasks", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := q.EnqueueNow(context.Background(), "task-1", Tasks, map[string]string{})
	assert.ErrorIs(t, err, ErrDuplicateJob)
}

func TestReclaimStuck_ReturnsReclaimedCount(t *testing.T) {
	q, mock := newTestQueue(t)

	mock.ExpectExec("UPDATE jobs SET status = 'queued'").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := q.ReclaimStuck(context.Background(), 10*time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReclaimStuck_NoneStuck(t *testing.T) {
	q, mock := newTestQueue(t)

	mock.ExpectExec("UPDATE jobs SET status = 'queued'").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	n, err := q.ReclaimStuck(context.Background(), 10*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBackoffDelay_GrowsExponentiallyAndCaps(t *testing.T) {
	assert.Equal(t, 5*time.Second, backoffDelay(1))
	assert.Equal(t, 10*time.Second, backoffDelay(2))
	assert.Equal(t, 20*time.Second, backoffDelay(3))
	assert.Equal(t, retryCapDelay, backoffDelay(10))
}

func TestNewConsumer_FloorsConcurrencyAtOne(t *testing.T) {
	q, _ := newTestQueue(t)
	c := NewConsumer(q, Tasks, 0, func(ctx context.Context, job Job, progress ProgressFunc) error {
		return nil
	})
	assert.EqualValues(t, 1, c.concurrency)
}

func TestConsumer_ClaimsAndMarksJobDone(t *testing.T) {
	q, mock := newTestQueue(t)

	rows := sqlmock.NewRows([]string{"id", "job_id", "payload", "attempts", "max_attempts"}).
		AddRow(int64(1), "job-1", []byte(`{}`), 0, 3)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, job_id, payload, attempts, max_attempts FROM jobs").
		WithArgs("tasks").
		WillReturnRows(rows)
	mock.ExpectExec("UPDATE jobs SET status = 'running'").
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec("UPDATE jobs SET status = 'done'").
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	handled := make(chan struct{})
	c := NewConsumer(q, Tasks, 1, func(ctx context.Context, job Job, progress ProgressFunc) error {
		assert.Equal(t, "job-1", job.JobID)
		close(handled)
		return nil
	})

	job, err := q.claim(context.Background(), Tasks)
	require.NoError(t, err)
	require.NotNil(t, job)
	c.process(context.Background(), job)

	select {
	case <-handled:
	default:
		t.Fatal("handler was not invoked")
	}
}

func TestConsumer_ClaimReturnsNilWhenQueueEmpty(t *testing.T) {
	q, mock := newTestQueue(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, job_id, payload, attempts, max_attempts FROM jobs").
		WithArgs("tasks").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	job, err := q.claim(context.Background(), Tasks)
	require.NoError(t, err)
	assert.Nil(t, job)
}
