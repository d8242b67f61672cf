package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/conductor-dev/conductor/internal/model"
)

// Postgres implements Store against a Postgres database via sqlx, in the
// same two-piece shape the teacher splits kvstore.go (interface + types)
// from store.go (implementation maintaining indexes on save) -- here the
// "indexes maintained on save" discipline is expressed as indexed columns
// plus plain SQL rather than hand-rolled secondary keys.
type Postgres struct {
	db *sqlx.DB
}

// Open connects to dsn (a Postgres connection string) and verifies
// reachability.
func Open(dsn string) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to postgres")
	}
	return &Postgres{db: db}, nil
}

// Close releases the underlying connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

// DB exposes the underlying connection pool for components, like
// internal/queue, that need to share it rather than open a second pool.
func (p *Postgres) DB() *sqlx.DB { return p.db }

// Ping reports whether the database is reachable, used by the readiness
// endpoint (spec §6 GET /health/ready).
func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func newID() string { return uuid.NewString() }

// --- Tasks ---

func (p *Postgres) InsertTask(ctx context.Context, t *model.Task) error {
	if t.ID == "" {
		t.ID = newID()
	}
	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, github_project_item_id, github_project_id, repository_full_name,
			repository_id, installation_id, title, description, status,
			branch_name, error_message, human_review_question, human_review_answer,
			retry_count, is_epic, parent_task_id, linked_github_issue_number,
			child_dependencies, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		t.ID, t.GithubProjectItemID, t.GithubProjectID, t.RepositoryFullName,
		t.RepositoryID, t.InstallationID, t.Title, t.Description, t.Status,
		t.BranchName, t.ErrorMessage, t.HumanReviewQuestion, t.HumanReviewAnswer,
		t.RetryCount, t.IsEpic, t.ParentTaskID, t.LinkedGithubIssueNumber,
		t.ChildDependencies, t.CreatedAt, t.UpdatedAt,
	)
	return errors.Wrap(err, "failed to insert task")
}

func (p *Postgres) GetTask(ctx context.Context, id string) (*model.Task, error) {
	var t model.Task
	err := p.db.GetContext(ctx, &t, `SELECT * FROM tasks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get task")
	}
	return &t, nil
}

func (p *Postgres) GetTaskByBoardItemID(ctx context.Context, boardItemID string) (*model.Task, error) {
	var t model.Task
	err := p.db.GetContext(ctx, &t, `SELECT * FROM tasks WHERE github_project_item_id = $1`, boardItemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get task by board item id")
	}
	return &t, nil
}

func (p *Postgres) ListChildTasks(ctx context.Context, parentID string) ([]*model.Task, error) {
	var tasks []*model.Task
	err := p.db.SelectContext(ctx, &tasks, `SELECT * FROM tasks WHERE parent_task_id = $1 ORDER BY created_at`, parentID)
	return tasks, errors.Wrap(err, "failed to list child tasks")
}

func (p *Postgres) ListRecentTasks(ctx context.Context, limit int) ([]*model.Task, error) {
	var tasks []*model.Task
	err := p.db.SelectContext(ctx, &tasks, `SELECT * FROM tasks ORDER BY created_at DESC LIMIT $1`, limit)
	return tasks, errors.Wrap(err, "failed to list recent tasks")
}

func (p *Postgres) SetTaskBranchName(ctx context.Context, id, branchName string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE tasks SET branch_name = $1, updated_at = now()
		WHERE id = $2 AND branch_name = ''`, branchName, id)
	return errors.Wrap(err, "failed to set task branch name")
}

// TransitionTask validates the requested edge against model.CanTransition,
// applies mutate under a row-level lock, and stamps started_at/completed_at
// per spec §4.1's transition contract.
func (p *Postgres) TransitionTask(ctx context.Context, id string, to model.TaskStatus, mutate func(*model.Task)) (*model.Task, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	var t model.Task
	if err := tx.GetContext(ctx, &t, `SELECT * FROM tasks WHERE id = $1 FOR UPDATE`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to load task for transition")
	}

	if !model.CanTransition(t.Status, to) {
		return nil, errors.Wrapf(ErrInvalidTransition, "%s -> %s", t.Status, to)
	}

	now := time.Now()
	t.Status = to
	t.UpdatedAt = now
	if to == model.TaskDecomposing && t.StartedAt == nil {
		t.StartedAt = &now
	}
	if to == model.TaskDone || to == model.TaskFailed {
		t.CompletedAt = &now
	}
	if mutate != nil {
		mutate(&t)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET status=$1, updated_at=$2, started_at=$3, completed_at=$4,
			branch_name=$5, pull_request_number=$6, pull_request_url=$7,
			error_message=$8, human_review_question=$9, human_review_answer=$10,
			retry_count=$11, is_epic=$12, child_dependencies=$13
		WHERE id=$14`,
		t.Status, t.UpdatedAt, t.StartedAt, t.CompletedAt,
		t.BranchName, t.PullRequestNumber, t.PullRequestURL,
		t.ErrorMessage, t.HumanReviewQuestion, t.HumanReviewAnswer,
		t.RetryCount, t.IsEpic, t.ChildDependencies, t.ID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to persist task transition")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit task transition")
	}
	return &t, nil
}

// --- Subtasks ---

func (p *Postgres) InsertSubtask(ctx context.Context, s *model.Subtask) error {
	if s.ID == "" {
		s.ID = newID()
	}
	now := time.Now()
	s.CreatedAt, s.UpdatedAt = now, now

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO subtasks (
			id, task_id, subproject_path, title, description, status,
			depends_on, files_modified, error_message, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		s.ID, s.TaskID, s.SubprojectPath, s.Title, s.Description, s.Status,
		s.DependsOn, s.FilesModified, s.ErrorMessage, s.CreatedAt, s.UpdatedAt,
	)
	return errors.Wrap(err, "failed to insert subtask")
}

func (p *Postgres) GetSubtask(ctx context.Context, id string) (*model.Subtask, error) {
	var s model.Subtask
	err := p.db.GetContext(ctx, &s, `SELECT * FROM subtasks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &s, errors.Wrap(err, "failed to get subtask")
}

func (p *Postgres) ListSubtasks(ctx context.Context, taskID string) ([]*model.Subtask, error) {
	var subtasks []*model.Subtask
	err := p.db.SelectContext(ctx, &subtasks, `SELECT * FROM subtasks WHERE task_id = $1 ORDER BY created_at`, taskID)
	return subtasks, errors.Wrap(err, "failed to list subtasks")
}

func (p *Postgres) TransitionSubtask(ctx context.Context, id string, to model.SubtaskStatus, mutate func(*model.Subtask)) (*model.Subtask, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	var s model.Subtask
	if err := tx.GetContext(ctx, &s, `SELECT * FROM subtasks WHERE id = $1 FOR UPDATE`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to load subtask for transition")
	}

	if !model.CanTransitionSubtask(s.Status, to) {
		return nil, errors.Wrapf(ErrInvalidTransition, "%s -> %s", s.Status, to)
	}

	now := time.Now()
	s.Status = to
	s.UpdatedAt = now
	if to == model.SubtaskRunning && s.StartedAt == nil {
		s.StartedAt = &now
	}
	if to == model.SubtaskCompleted || to == model.SubtaskFailed {
		s.CompletedAt = &now
	}
	if mutate != nil {
		mutate(&s)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE subtasks SET status=$1, updated_at=$2, started_at=$3, completed_at=$4,
			agent_run_id=$5, files_modified=$6, error_message=$7
		WHERE id=$8`,
		s.Status, s.UpdatedAt, s.StartedAt, s.CompletedAt,
		s.AgentRunID, s.FilesModified, s.ErrorMessage, s.ID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to persist subtask transition")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit subtask transition")
	}
	return &s, nil
}

// --- Agent runs ---

func (p *Postgres) InsertAgentRun(ctx context.Context, r *model.AgentRun) error {
	if r.ID == "" {
		r.ID = newID()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO agent_runs (
			id, task_id, subtask_id, type, status, model,
			input_tokens, output_tokens, total_cost, log, started_at, completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		r.ID, r.TaskID, r.SubtaskID, r.Type, r.Status, r.Model,
		r.InputTokens, r.OutputTokens, r.TotalCost, r.Log, r.StartedAt, r.CompletedAt,
	)
	return errors.Wrap(err, "failed to insert agent run")
}

func (p *Postgres) UpdateAgentRun(ctx context.Context, id string, mutate func(*model.AgentRun)) (*model.AgentRun, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	var r model.AgentRun
	if err := tx.GetContext(ctx, &r, `SELECT * FROM agent_runs WHERE id = $1 FOR UPDATE`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to load agent run")
	}

	beforeIn, beforeOut := r.InputTokens, r.OutputTokens
	if mutate != nil {
		mutate(&r)
	}
	// Token counters must be monotonic non-decreasing (spec §8 invariant 8).
	if r.InputTokens < beforeIn || r.OutputTokens < beforeOut {
		return nil, errors.New("agent run token counters may not decrease")
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE agent_runs SET status=$1, model=$2, input_tokens=$3, output_tokens=$4,
			total_cost=$5, log=$6, completed_at=$7
		WHERE id=$8`,
		r.Status, r.Model, r.InputTokens, r.OutputTokens, r.TotalCost, r.Log, r.CompletedAt, r.ID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to persist agent run update")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit agent run update")
	}
	return &r, nil
}

// --- Pull requests ---

func (p *Postgres) InsertPullRequest(ctx context.Context, pr *model.PullRequest) error {
	if pr.ID == "" {
		pr.ID = newID()
	}
	now := time.Now()
	pr.CreatedAt, pr.UpdatedAt = now, now
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO pull_requests (
			id, task_id, repository_full_name, number, title, body, branch_name,
			head_commit_id, url, status, reviews_passed, check_status, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		pr.ID, pr.TaskID, pr.RepositoryFullName, pr.Number, pr.Title, pr.Body, pr.BranchName,
		pr.HeadCommitID, pr.URL, pr.Status, pr.ReviewsPassed, pr.CheckStatus, pr.CreatedAt, pr.UpdatedAt,
	)
	return errors.Wrap(err, "failed to insert pull request")
}

func (p *Postgres) GetPullRequestByBranch(ctx context.Context, repoFullName, branch string) (*model.PullRequest, error) {
	var pr model.PullRequest
	err := p.db.GetContext(ctx, &pr, `
		SELECT * FROM pull_requests WHERE repository_full_name = $1 AND branch_name = $2
		ORDER BY created_at DESC LIMIT 1`, repoFullName, branch)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &pr, errors.Wrap(err, "failed to get pull request by branch")
}

func (p *Postgres) UpdatePullRequestStatus(ctx context.Context, id string, status model.PullRequestStatus, headSHA string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE pull_requests SET status=$1, head_commit_id=COALESCE(NULLIF($2,''), head_commit_id), updated_at=$3
		WHERE id=$4`, status, headSHA, time.Now(), id)
	return errors.Wrap(err, "failed to update pull request status")
}

// --- Code reviews ---

func (p *Postgres) InsertCodeReview(ctx context.Context, r *model.CodeReview) error {
	if r.ID == "" {
		r.ID = newID()
	}
	r.CreatedAt = time.Now()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO code_reviews (id, task_id, agent_run_id, result, iteration, summary, issues, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		r.ID, r.TaskID, r.AgentRunID, r.Result, r.Iteration, r.Summary, r.Issues, r.CreatedAt,
	)
	return errors.Wrap(err, "failed to insert code review")
}

func (p *Postgres) CountReviewsForTask(ctx context.Context, taskID string) (int, error) {
	var count int
	err := p.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM code_reviews WHERE task_id = $1`, taskID)
	return count, errors.Wrap(err, "failed to count reviews")
}

// --- Notifications ---

func (p *Postgres) InsertNotification(ctx context.Context, n *model.Notification) error {
	if n.ID == "" {
		n.ID = newID()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO notifications (id, task_id, type, channel, payload, sent_at, error)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		n.ID, n.TaskID, n.Type, n.Channel, n.Payload, n.SentAt, n.Error,
	)
	return errors.Wrap(err, "failed to insert notification")
}

func (p *Postgres) MarkNotificationSent(ctx context.Context, id string, sendErr error) error {
	now := time.Now()
	errMsg := ""
	if sendErr != nil {
		errMsg = sendErr.Error()
	}
	_, err := p.db.ExecContext(ctx, `UPDATE notifications SET sent_at=$1, error=$2 WHERE id=$3`, now, errMsg, id)
	return errors.Wrap(err, "failed to mark notification sent")
}

// --- Webhook idempotency (spec §6.1) ---

func (p *Postgres) HasDeliveryBeenProcessed(ctx context.Context, deliveryID string) (bool, error) {
	var exists bool
	err := p.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM webhook_deliveries WHERE delivery_id = $1)`, deliveryID)
	return exists, errors.Wrap(err, "failed to check delivery idempotency")
}

func (p *Postgres) MarkDeliveryProcessed(ctx context.Context, deliveryID, eventType string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (delivery_id, event_type, received_at)
		VALUES ($1,$2,$3) ON CONFLICT (delivery_id) DO NOTHING`, deliveryID, eventType, time.Now())
	return errors.Wrap(err, "failed to mark delivery processed")
}

// --- Metrics (spec §10 /metrics) ---

func (p *Postgres) MetricsSnapshot(ctx context.Context) (*MetricsSnapshot, error) {
	snapshot := &MetricsSnapshot{
		TasksByStatus:    make(map[model.TaskStatus]int64),
		SubtasksByStatus: make(map[model.SubtaskStatus]int64),
		AgentRunsByType:  make(map[model.AgentRunType]int64),
	}

	var taskRows []struct {
		Status model.TaskStatus `db:"status"`
		Count  int64            `db:"count"`
	}
	if err := p.db.SelectContext(ctx, &taskRows, `SELECT status, COUNT(*) AS count FROM tasks GROUP BY status`); err != nil {
		return nil, errors.Wrap(err, "failed to aggregate task counts")
	}
	for _, row := range taskRows {
		snapshot.TasksByStatus[row.Status] = row.Count
	}

	var subtaskRows []struct {
		Status model.SubtaskStatus `db:"status"`
		Count  int64               `db:"count"`
	}
	if err := p.db.SelectContext(ctx, &subtaskRows, `SELECT status, COUNT(*) AS count FROM subtasks GROUP BY status`); err != nil {
		return nil, errors.Wrap(err, "failed to aggregate subtask counts")
	}
	for _, row := range subtaskRows {
		snapshot.SubtasksByStatus[row.Status] = row.Count
	}

	var agentRunRows []struct {
		Type  model.AgentRunType `db:"type"`
		Count int64              `db:"count"`
	}
	if err := p.db.SelectContext(ctx, &agentRunRows, `SELECT type, COUNT(*) AS count FROM agent_runs GROUP BY type`); err != nil {
		return nil, errors.Wrap(err, "failed to aggregate agent run counts")
	}
	for _, row := range agentRunRows {
		snapshot.AgentRunsByType[row.Type] = row.Count
	}

	var totals struct {
		InputTokens  int64   `db:"input_tokens"`
		OutputTokens int64   `db:"output_tokens"`
		Cost         float64 `db:"cost"`
	}
	err := p.db.GetContext(ctx, &totals, `
		SELECT COALESCE(SUM(input_tokens), 0) AS input_tokens,
		       COALESCE(SUM(output_tokens), 0) AS output_tokens,
		       COALESCE(SUM(total_cost), 0) AS cost
		FROM agent_runs`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to aggregate agent run totals")
	}
	snapshot.InputTokensTotal = totals.InputTokens
	snapshot.OutputTokensTotal = totals.OutputTokens
	snapshot.CostTotal = totals.Cost

	var avgSeconds sql.NullFloat64
	err = p.db.GetContext(ctx, &avgSeconds, `
		SELECT AVG(EXTRACT(EPOCH FROM (completed_at - started_at)))
		FROM tasks
		WHERE status = $1 AND started_at IS NOT NULL AND completed_at IS NOT NULL`,
		model.TaskDone)
	if err != nil {
		return nil, errors.Wrap(err, "failed to average task duration")
	}
	if avgSeconds.Valid {
		snapshot.AvgTaskDurationSeconds = avgSeconds.Float64
	}

	return snapshot, nil
}
