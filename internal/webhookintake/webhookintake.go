// Package webhookintake is Conductor's Webhook Intake (spec §4.12):
// authenticates inbound source-forge webhook deliveries, discards duplicate
// deliveries, and translates the three event families that carry
// orchestration side effects (board item changes, pull request closures, and
// issue-comment commands) into new Tasks and queue jobs. All other event
// types are acknowledged and ignored.
//
// Signature verification, delivery-id idempotency, and the
// read-verify-route-mark procedure are grounded on the teacher's
// server/webhook.go handleGitHubWebhook.
package webhookintake

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/go-github/v68/github"
	"github.com/rs/zerolog"

	"github.com/conductor-dev/conductor/internal/config"
	"github.com/conductor-dev/conductor/internal/ghclient"
	"github.com/conductor-dev/conductor/internal/model"
	"github.com/conductor-dev/conductor/internal/queue"
	"github.com/conductor-dev/conductor/internal/store"
)

const (
	signatureHeader = "X-Hub-Signature-256"
	eventHeader     = "X-GitHub-Event"
	deliveryHeader  = "X-GitHub-Delivery"

	eventPing           = "ping"
	eventProjectItem    = "projects_v2_item"
	eventPullRequest    = "pull_request"
	eventIssueComment   = "issue_comment"

	projectItemActionCreated = "created"
	projectItemActionEdited  = "edited"

	prActionClosed      = "closed"
	prActionSynchronize = "synchronize"

	issueCommentActionCreated = "created"

	columnRedo = "Redo"

	// maxWebhookBodySize bounds the request body Webhook Intake will read,
	// mirroring the teacher's 1 MiB cap.
	maxWebhookBodySize = 1 << 20

	statusFieldName = "Status"
)

var conductorCommandPattern = regexp.MustCompile(`/conductor\s+(\S+)`)

// Dependencies wires Webhook Intake to the store, queue, and GitHub client.
type Dependencies struct {
	Store  store.Store
	Queue  *queue.Queue
	GH     ghclient.Client
	Config *config.Config
	Now    func() time.Time
	Nonce  func() string
	Log    zerolog.Logger
}

// --- inbound payload shapes ---

type ghRepository struct {
	FullName string `json:"full_name"`
}

type ghUser struct {
	Login string `json:"login"`
}

type projectsV2ItemEvent struct {
	Action         string `json:"action"`
	ProjectsV2Item struct {
		NodeID        string `json:"node_id"`
		ProjectNodeID string `json:"project_node_id"`
		ContentNodeID string `json:"content_node_id"`
	} `json:"projects_v2_item"`
	Changes struct {
		FieldValue struct {
			FieldName string `json:"field_name"`
		} `json:"field_value"`
	} `json:"changes"`
}

type pullRequestEvent struct {
	Action      string `json:"action"`
	PullRequest struct {
		Number int    `json:"number"`
		Merged bool   `json:"merged"`
		HTMLURL string `json:"html_url"`
		Head    struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		} `json:"head"`
	} `json:"pull_request"`
	Repository ghRepository `json:"repository"`
}

type issueCommentEvent struct {
	Action  string `json:"action"`
	Issue   struct {
		Number int    `json:"number"`
		HTMLURL string `json:"html_url"`
	} `json:"issue"`
	Comment struct {
		Body string `json:"body"`
		User ghUser `json:"user"`
	} `json:"comment"`
	Repository ghRepository `json:"repository"`
}

// statusRecorder wraps http.ResponseWriter to capture the status written, so
// the delivery is only marked processed after a successful handling pass.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Handle is the HTTP handler for POST /webhooks.
func Handle(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		defer func() { _ = r.Body.Close() }()

		secret := deps.Config.Webhook.Secret
		if secret == "" {
			deps.Log.Warn().Msg("webhook received but no secret is configured")
			http.Error(w, "webhook secret not configured", http.StatusInternalServerError)
			return
		}
		if !verifySignature([]byte(secret), r.Header.Get(signatureHeader), body) {
			deps.Log.Warn().Msg("webhook signature verification failed")
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}

		deliveryID := r.Header.Get(deliveryHeader)
		ctx := r.Context()
		if deliveryID != "" {
			seen, _ := deps.Store.HasDeliveryBeenProcessed(ctx, deliveryID)
			if seen {
				deps.Log.Debug().Str("delivery", deliveryID).Msg("duplicate webhook delivery, skipping")
				w.WriteHeader(http.StatusOK)
				return
			}
		}

		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		eventType := r.Header.Get(eventHeader)
		deps.Log.Debug().Str("event", eventType).Str("delivery", deliveryID).Msg("webhook received")

		switch eventType {
		case eventPing:
			sr.WriteHeader(http.StatusOK)
		case eventProjectItem:
			handleProjectItemEvent(ctx, deps, sr, body)
		case eventPullRequest:
			handlePullRequestEvent(ctx, deps, sr, body)
		case eventIssueComment:
			handleIssueCommentEvent(ctx, deps, sr, body)
		default:
			deps.Log.Debug().Str("event", eventType).Msg("ignoring unhandled event type")
			sr.WriteHeader(http.StatusOK)
		}

		if deliveryID != "" && sr.status >= 200 && sr.status < 300 {
			_ = deps.Store.MarkDeliveryProcessed(ctx, deliveryID, eventType)
		}
	}
}

func verifySignature(secret []byte, signature string, body []byte) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(signature, prefix) {
		return false
	}
	sigBytes, err := hex.DecodeString(signature[len(prefix):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(sigBytes, mac.Sum(nil))
}

// --- board item changed or created (spec §4.12) ---

func handleProjectItemEvent(ctx context.Context, deps Dependencies, w http.ResponseWriter, body []byte) {
	var event projectsV2ItemEvent
	if err := json.Unmarshal(body, &event); err != nil {
		deps.Log.Warn().Err(err).Msg("failed to parse projects_v2_item event")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if event.Action != projectItemActionCreated && event.Action != projectItemActionEdited {
		w.WriteHeader(http.StatusOK)
		return
	}
	if event.Action == projectItemActionEdited && !strings.EqualFold(event.Changes.FieldValue.FieldName, statusFieldName) {
		w.WriteHeader(http.StatusOK)
		return
	}

	itemID := event.ProjectsV2Item.NodeID
	details, err := deps.GH.GetProjectItem(ctx, itemID, statusFieldName)
	if err != nil {
		deps.Log.Error().Err(err).Str("item", itemID).Msg("failed to resolve project item")
		http.Error(w, "failed to resolve project item", http.StatusInternalServerError)
		return
	}

	todoColumn := deps.Config.Workflow.Triggers.StartColumn
	if details.Status != todoColumn && details.Status != columnRedo {
		w.WriteHeader(http.StatusOK)
		return
	}

	existing, err := deps.Store.GetTaskByBoardItemID(ctx, itemID)
	if err != nil && err != store.ErrNotFound {
		deps.Log.Error().Err(err).Str("item", itemID).Msg("failed to look up task by board item")
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}

	switch {
	case existing == nil && details.Status == todoColumn:
		createTaskFromBoardItem(ctx, deps, w, itemID, event.ProjectsV2Item.ProjectNodeID, details)
	case existing != nil && existing.Status == model.TaskHumanReview && details.Status == todoColumn:
		reopenFromHumanReview(ctx, deps, w, existing, details)
	case existing != nil && existing.Status == model.TaskPRCreated && details.Status == columnRedo:
		reopenFromRedo(ctx, deps, w, existing)
	default:
		// Any other existing-task/status combination is a no-op, preventing
		// duplicate task creation for items we've already seen.
		w.WriteHeader(http.StatusOK)
	}
}

func createTaskFromBoardItem(ctx context.Context, deps Dependencies, w http.ResponseWriter, itemID, projectID string, details *ghclient.ProjectItemDetails) {
	task := &model.Task{
		GithubProjectItemID: itemID,
		GithubProjectID:     projectID,
		RepositoryFullName:  details.RepositoryFullName,
		Title:               details.Title,
		Description:         details.Body,
		Status:              model.TaskPending,
	}
	if details.IssueNumber != 0 {
		n := details.IssueNumber
		task.LinkedGithubIssueNumber = &n
	}
	if err := deps.Store.InsertTask(ctx, task); err != nil {
		deps.Log.Error().Err(err).Msg("failed to insert task from board item")
		http.Error(w, "failed to create task", http.StatusInternalServerError)
		return
	}
	if err := deps.Queue.EnqueueNow(ctx, fmt.Sprintf("decompose-%s", task.ID), queue.Tasks, taskPayload(task.ID)); err != nil && err != queue.ErrDuplicateJob {
		deps.Log.Error().Err(err).Str("task", task.ID).Msg("failed to enqueue decompose job")
		http.Error(w, "failed to enqueue decompose job", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func reopenFromHumanReview(ctx context.Context, deps Dependencies, w http.ResponseWriter, task *model.Task, details *ghclient.ProjectItemDetails) {
	answer := ""
	if task.LinkedGithubIssueNumber != nil {
		owner, repo := splitRepoFullName(task.RepositoryFullName)
		comments, err := deps.GH.ListIssueComments(ctx, owner, repo, *task.LinkedGithubIssueNumber)
		if err != nil {
			deps.Log.Error().Err(err).Str("task", task.ID).Msg("failed to list issue comments for human review answer")
		} else {
			answer = mostRecentNonBotComment(comments, deps.Config.Webhook.BotLogin)
		}
	}

	if _, err := deps.Store.TransitionTask(ctx, task.ID, model.TaskPending, func(t *model.Task) {
		t.HumanReviewAnswer = answer
	}); err != nil {
		deps.Log.Error().Err(err).Str("task", task.ID).Msg("failed to transition task out of human review")
		http.Error(w, "transition failed", http.StatusInternalServerError)
		return
	}

	jobID := fmt.Sprintf("decompose-%s-%s", task.ID, deps.Nonce())
	if err := deps.Queue.EnqueueNow(ctx, jobID, queue.Tasks, taskPayload(task.ID)); err != nil && err != queue.ErrDuplicateJob {
		deps.Log.Error().Err(err).Str("task", task.ID).Msg("failed to enqueue decompose job")
	}
	w.WriteHeader(http.StatusOK)
}

func reopenFromRedo(ctx context.Context, deps Dependencies, w http.ResponseWriter, task *model.Task) {
	feedback := ""
	if task.PullRequestNumber != nil {
		owner, repo := splitRepoFullName(task.RepositoryFullName)
		var parts []string

		reviews, err := deps.GH.ListPullRequestReviews(ctx, owner, repo, *task.PullRequestNumber)
		if err != nil {
			deps.Log.Error().Err(err).Str("task", task.ID).Msg("failed to list pull request reviews for redo feedback")
		} else {
			for _, r := range reviews {
				if body := r.GetBody(); body != "" {
					parts = append(parts, body)
				}
			}
		}

		comments, err := deps.GH.ListIssueComments(ctx, owner, repo, *task.PullRequestNumber)
		if err != nil {
			deps.Log.Error().Err(err).Str("task", task.ID).Msg("failed to list PR comments for redo feedback")
		} else {
			for _, c := range comments {
				if isBotLogin(c.GetUser().GetLogin(), deps.Config.Webhook.BotLogin) {
					continue
				}
				if body := c.GetBody(); body != "" {
					parts = append(parts, body)
				}
			}
		}
		feedback = strings.Join(parts, "\n\n---\n\n")
	}

	if _, err := deps.Store.TransitionTask(ctx, task.ID, model.TaskPending, func(t *model.Task) {
		t.HumanReviewAnswer = feedback
	}); err != nil {
		deps.Log.Error().Err(err).Str("task", task.ID).Msg("failed to transition task out of redo")
		http.Error(w, "transition failed", http.StatusInternalServerError)
		return
	}

	jobID := fmt.Sprintf("decompose-%s-%s", task.ID, deps.Nonce())
	if err := deps.Queue.EnqueueNow(ctx, jobID, queue.Tasks, taskPayload(task.ID)); err != nil && err != queue.ErrDuplicateJob {
		deps.Log.Error().Err(err).Str("task", task.ID).Msg("failed to enqueue decompose job")
	}
	w.WriteHeader(http.StatusOK)
}

// --- pull request closed / synchronized (spec §4.12) ---

func handlePullRequestEvent(ctx context.Context, deps Dependencies, w http.ResponseWriter, body []byte) {
	var event pullRequestEvent
	if err := json.Unmarshal(body, &event); err != nil {
		deps.Log.Warn().Err(err).Msg("failed to parse pull_request event")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if event.Action != prActionClosed && event.Action != prActionSynchronize {
		w.WriteHeader(http.StatusOK)
		return
	}
	if !strings.HasPrefix(event.PullRequest.Head.Ref, "conductor/") {
		w.WriteHeader(http.StatusOK)
		return
	}

	pr, err := deps.Store.GetPullRequestByBranch(ctx, event.Repository.FullName, event.PullRequest.Head.Ref)
	if err != nil {
		if err == store.ErrNotFound {
			w.WriteHeader(http.StatusOK)
			return
		}
		deps.Log.Error().Err(err).Msg("failed to look up pull request by branch")
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}

	switch event.Action {
	case prActionSynchronize:
		if err := deps.Store.UpdatePullRequestStatus(ctx, pr.ID, pr.Status, event.PullRequest.Head.SHA); err != nil {
			deps.Log.Error().Err(err).Str("pr", pr.ID).Msg("failed to update pull request head sha")
		}
	case prActionClosed:
		if event.PullRequest.Merged {
			if err := deps.Store.UpdatePullRequestStatus(ctx, pr.ID, model.PullRequestMerged, event.PullRequest.Head.SHA); err != nil {
				deps.Log.Error().Err(err).Str("pr", pr.ID).Msg("failed to mark pull request merged")
			}
			if _, err := deps.Store.TransitionTask(ctx, pr.TaskID, model.TaskDone, nil); err != nil {
				deps.Log.Error().Err(err).Str("task", pr.TaskID).Msg("failed to transition task to done")
			}
			moveCardBestEffort(ctx, deps, pr.TaskID, "Done")
		} else {
			if err := deps.Store.UpdatePullRequestStatus(ctx, pr.ID, model.PullRequestClosed, event.PullRequest.Head.SHA); err != nil {
				deps.Log.Error().Err(err).Str("pr", pr.ID).Msg("failed to mark pull request closed")
			}
		}
	}
	w.WriteHeader(http.StatusOK)
}

// --- issue comment /conductor command (spec §4.12) ---

func handleIssueCommentEvent(ctx context.Context, deps Dependencies, w http.ResponseWriter, body []byte) {
	var event issueCommentEvent
	if err := json.Unmarshal(body, &event); err != nil {
		deps.Log.Warn().Err(err).Msg("failed to parse issue_comment event")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if event.Action != issueCommentActionCreated {
		w.WriteHeader(http.StatusOK)
		return
	}
	if isBotLogin(event.Comment.User.Login, deps.Config.Webhook.BotLogin) {
		w.WriteHeader(http.StatusOK)
		return
	}

	matches := conductorCommandPattern.FindStringSubmatch(event.Comment.Body)
	if matches == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	owner, repo := splitRepoFullName(event.Repository.FullName)

	switch strings.ToLower(matches[1]) {
	case "status":
		reply := renderStatusTable(ctx, deps)
		postComment(ctx, deps, owner, repo, event.Issue.Number, reply)
	case "retry":
		reply := retryFailedTask(ctx, deps, event.Repository.FullName, event.Issue.Number)
		postComment(ctx, deps, owner, repo, event.Issue.Number, reply)
	case "help":
		postComment(ctx, deps, owner, repo, event.Issue.Number, helpText)
	default:
		postComment(ctx, deps, owner, repo, event.Issue.Number, fmt.Sprintf("unknown command: %q", matches[1]))
	}
	w.WriteHeader(http.StatusOK)
}

const helpText = "Supported commands: `/conductor status`, `/conductor retry`, `/conductor help`."

func renderStatusTable(ctx context.Context, deps Dependencies) string {
	tasks, err := deps.Store.ListRecentTasks(ctx, 20)
	if err != nil {
		deps.Log.Error().Err(err).Msg("failed to list recent tasks for status command")
		return "failed to load recent tasks"
	}
	if len(tasks) == 0 {
		return "No recent tasks."
	}
	var b strings.Builder
	b.WriteString("| Task | Status |\n|---|---|\n")
	for _, t := range tasks {
		fmt.Fprintf(&b, "| %s | %s |\n", t.Title, t.Status)
	}
	return b.String()
}

func retryFailedTask(ctx context.Context, deps Dependencies, repositoryFullName string, issueNumber int) string {
	tasks, err := deps.Store.ListRecentTasks(ctx, 50)
	if err != nil {
		deps.Log.Error().Err(err).Msg("failed to list recent tasks for retry command")
		return "failed to load recent tasks"
	}
	for _, t := range tasks {
		if t.Status != model.TaskFailed || t.RepositoryFullName != repositoryFullName {
			continue
		}
		if t.LinkedGithubIssueNumber == nil || *t.LinkedGithubIssueNumber != issueNumber {
			continue
		}
		updated, err := deps.Store.TransitionTask(ctx, t.ID, model.TaskPending, func(task *model.Task) {
			task.RetryCount++
		})
		if err != nil {
			deps.Log.Error().Err(err).Str("task", t.ID).Msg("failed to retry task")
			return "failed to retry task"
		}
		if err := deps.Queue.EnqueueNow(ctx, fmt.Sprintf("decompose-%s-%s", updated.ID, deps.Nonce()), queue.Tasks, taskPayload(updated.ID)); err != nil && err != queue.ErrDuplicateJob {
			deps.Log.Error().Err(err).Str("task", updated.ID).Msg("failed to enqueue retry decompose job")
		}
		return fmt.Sprintf("Retrying task %q (attempt %d).", updated.Title, updated.RetryCount)
	}
	return "No failed task found for this issue."
}

func postComment(ctx context.Context, deps Dependencies, owner, repo string, number int, body string) {
	if _, err := deps.GH.CreateComment(ctx, owner, repo, number, body); err != nil {
		deps.Log.Error().Err(err).Str("repo", owner+"/"+repo).Int("number", number).Msg("failed to post comment")
	}
}

// --- shared helpers ---

func taskPayload(taskID string) interface{} {
	return struct {
		TaskID string `json:"taskId"`
		Action string `json:"action"`
	}{TaskID: taskID, Action: "decompose"}
}

func splitRepoFullName(full string) (owner, repo string) {
	parts := strings.SplitN(full, "/", 2)
	if len(parts) != 2 {
		return full, ""
	}
	return parts[0], parts[1]
}

func isBotLogin(login, configuredBot string) bool {
	if login == "" {
		return false
	}
	if strings.HasSuffix(login, "[bot]") {
		return true
	}
	return configuredBot != "" && strings.EqualFold(login, configuredBot)
}

func mostRecentNonBotComment(comments []*github.IssueComment, configuredBot string) string {
	for i := len(comments) - 1; i >= 0; i-- {
		c := comments[i]
		if isBotLogin(c.GetUser().GetLogin(), configuredBot) {
			continue
		}
		return c.GetBody()
	}
	return ""
}

// moveCardBestEffort moves a task's board item to columnName, tolerating the
// absence of a project id (tasks created outside a board) and logging any
// GraphQL failure without surfacing it to the webhook caller, mirroring the
// Task Processor's best-effort card moves.
func moveCardBestEffort(ctx context.Context, deps Dependencies, taskID, columnName string) {
	task, err := deps.Store.GetTask(ctx, taskID)
	if err != nil || task.GithubProjectID == "" || task.GithubProjectItemID == "" {
		return
	}
	fieldID, options, err := deps.GH.GetProjectStatusField(ctx, task.GithubProjectID, statusFieldName)
	if err != nil {
		deps.Log.Error().Err(err).Str("task", taskID).Msg("failed to resolve project status field")
		return
	}
	optionID, ok := options[columnName]
	if !ok {
		deps.Log.Warn().Str("column", columnName).Msg("project board has no matching status option")
		return
	}
	if err := deps.GH.MoveProjectItem(ctx, task.GithubProjectID, task.GithubProjectItemID, fieldID, optionID); err != nil {
		deps.Log.Error().Err(err).Str("task", taskID).Msg("failed to move board card")
	}
}
