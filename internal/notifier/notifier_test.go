package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-dev/conductor/internal/config"
	"github.com/conductor-dev/conductor/internal/model"
	"github.com/conductor-dev/conductor/internal/queue"
	"github.com/conductor-dev/conductor/internal/store"
)

var (
	_ store.Store   = (*fakeStore)(nil)
	_ SlackPoster    = (*fakeSlack)(nil)
)

// fakeStore implements store.Store, recording only the notification calls
// notifier exercises; every other method is unused by these tests.
type fakeStore struct {
	inserted []*model.Notification
	marked   map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{marked: make(map[string]error)}
}

func (f *fakeStore) Ping(ctx context.Context) error                     { return nil }
func (f *fakeStore) InsertTask(ctx context.Context, t *model.Task) error { return nil }
func (f *fakeStore) GetTask(ctx context.Context, id string) (*model.Task, error) { return nil, nil }
func (f *fakeStore) GetTaskByBoardItemID(ctx context.Context, boardItemID string) (*model.Task, error) {
	return nil, nil
}
func (f *fakeStore) ListChildTasks(ctx context.Context, parentID string) ([]*model.Task, error) {
	return nil, nil
}
func (f *fakeStore) ListRecentTasks(ctx context.Context, limit int) ([]*model.Task, error) {
	return nil, nil
}
func (f *fakeStore) TransitionTask(ctx context.Context, id string, to model.TaskStatus, mutate func(*model.Task)) (*model.Task, error) {
	return nil, nil
}
func (f *fakeStore) SetTaskBranchName(ctx context.Context, id, branchName string) error { return nil }
func (f *fakeStore) InsertSubtask(ctx context.Context, s *model.Subtask) error          { return nil }
func (f *fakeStore) GetSubtask(ctx context.Context, id string) (*model.Subtask, error) {
	return nil, nil
}
func (f *fakeStore) ListSubtasks(ctx context.Context, taskID string) ([]*model.Subtask, error) {
	return nil, nil
}
func (f *fakeStore) TransitionSubtask(ctx context.Context, id string, to model.SubtaskStatus, mutate func(*model.Subtask)) (*model.Subtask, error) {
	return nil, nil
}
func (f *fakeStore) InsertAgentRun(ctx context.Context, r *model.AgentRun) error { return nil }
func (f *fakeStore) UpdateAgentRun(ctx context.Context, id string, mutate func(*model.AgentRun)) (*model.AgentRun, error) {
	return nil, nil
}
func (f *fakeStore) InsertPullRequest(ctx context.Context, pr *model.PullRequest) error { return nil }
func (f *fakeStore) GetPullRequestByBranch(ctx context.Context, repoFullName, branch string) (*model.PullRequest, error) {
	return nil, nil
}
func (f *fakeStore) UpdatePullRequestStatus(ctx context.Context, id string, status model.PullRequestStatus, headSHA string) error {
	return nil
}
func (f *fakeStore) InsertCodeReview(ctx context.Context, r *model.CodeReview) error { return nil }
func (f *fakeStore) CountReviewsForTask(ctx context.Context, taskID string) (int, error) {
	return 0, nil
}
func (f *fakeStore) InsertNotification(ctx context.Context, n *model.Notification) error {
	if n.ID == "" {
		n.ID = fmt.Sprintf("notif-%d", len(f.inserted))
	}
	f.inserted = append(f.inserted, n)
	return nil
}
func (f *fakeStore) MarkNotificationSent(ctx context.Context, id string, sendErr error) error {
	f.marked[id] = sendErr
	return nil
}
func (f *fakeStore) HasDeliveryBeenProcessed(ctx context.Context, deliveryID string) (bool, error) {
	return false, nil
}
func (f *fakeStore) MarkDeliveryProcessed(ctx context.Context, deliveryID, eventType string) error {
	return nil
}
func (f *fakeStore) MetricsSnapshot(ctx context.Context) (*store.MetricsSnapshot, error) {
	return &store.MetricsSnapshot{}, nil
}

type fakeSlack struct {
	channel   string
	optionCount int
	err       error
}

func (f *fakeSlack) PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	f.channel = channelID
	f.optionCount = len(options)
	if f.err != nil {
		return "", "", f.err
	}
	return channelID, "1234.5678", nil
}

func basePayload(t *testing.T) []byte {
	raw, err := json.Marshal(Payload{TaskID: "task-1", Title: "My task", Body: "needs review", Type: "human_review_needed"})
	require.NoError(t, err)
	return raw
}

func TestHandler_NoChannelsEnabled_NoOp(t *testing.T) {
	fs := newFakeStore()
	deps := Dependencies{
		Store:  fs,
		Config: &config.Config{},
		Log:    zerolog.Nop(),
	}
	h := Handler(deps)
	err := h(context.Background(), queue.Job{Payload: basePayload(t)}, func(string, string) {})
	require.NoError(t, err)
	assert.Empty(t, fs.inserted)
}

func TestHandler_WebhookChannel_PostsPayload(t *testing.T) {
	var receivedBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	fs := newFakeStore()
	deps := Dependencies{
		Store: fs,
		Config: &config.Config{
			Notifications: config.Notifications{
				Webhook: config.NotificationChannel{Enabled: true, Endpoint: server.URL},
			},
		},
		Log: zerolog.Nop(),
	}
	h := Handler(deps)
	err := h(context.Background(), queue.Job{Payload: basePayload(t)}, func(string, string) {})
	require.NoError(t, err)

	require.Len(t, fs.inserted, 1)
	assert.Equal(t, model.ChannelWebhook, fs.inserted[0].Channel)
	assert.Contains(t, fs.marked, fs.inserted[0].ID)
	assert.NoError(t, fs.marked[fs.inserted[0].ID])

	var sent Payload
	require.NoError(t, json.Unmarshal(receivedBody, &sent))
	assert.Equal(t, "task-1", sent.TaskID)
}

func TestHandler_WebhookChannel_MissingEndpointRecordsFailure(t *testing.T) {
	fs := newFakeStore()
	deps := Dependencies{
		Store: fs,
		Config: &config.Config{
			Notifications: config.Notifications{
				Webhook: config.NotificationChannel{Enabled: true},
			},
		},
		Log: zerolog.Nop(),
	}
	h := Handler(deps)
	err := h(context.Background(), queue.Job{Payload: basePayload(t)}, func(string, string) {})
	require.Error(t, err)

	require.Len(t, fs.inserted, 1)
	assert.Error(t, fs.marked[fs.inserted[0].ID])
}

func TestHandler_SlackChannel_PostsMessage(t *testing.T) {
	fake := &fakeSlack{}
	fs := newFakeStore()
	deps := Dependencies{
		Store: fs,
		Config: &config.Config{
			Notifications: config.Notifications{
				Slack: config.NotificationChannel{Enabled: true, Endpoint: "C12345", Token: "xoxb-test"},
			},
		},
		NewSlack: func(token string) SlackPoster { return fake },
		Log:      zerolog.Nop(),
	}
	h := Handler(deps)
	err := h(context.Background(), queue.Job{Payload: basePayload(t)}, func(string, string) {})
	require.NoError(t, err)
	assert.Equal(t, "C12345", fake.channel)
	assert.Equal(t, 1, fake.optionCount)
}

func TestHandler_MultipleChannels_PartialFailureReturnsError(t *testing.T) {
	fake := &fakeSlack{err: fmt.Errorf("slack down")}
	fs := newFakeStore()
	deps := Dependencies{
		Store: fs,
		Config: &config.Config{
			Notifications: config.Notifications{
				Slack:   config.NotificationChannel{Enabled: true, Endpoint: "C1", Token: "xoxb"},
				Webhook: config.NotificationChannel{Enabled: true},
			},
		},
		NewSlack: func(token string) SlackPoster { return fake },
		Log:      zerolog.Nop(),
	}
	h := Handler(deps)
	err := h(context.Background(), queue.Job{Payload: basePayload(t)}, func(string, string) {})
	require.Error(t, err)
	assert.Len(t, fs.inserted, 2)
}

func TestMessageText(t *testing.T) {
	assert.Equal(t, "Title: Body", messageText(Payload{Title: "Title", Body: "Body"}))
	assert.Equal(t, "Body only", messageText(Payload{Body: "Body only"}))
}
