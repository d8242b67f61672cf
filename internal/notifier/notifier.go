// Package notifier dispatches queued notification jobs to the three
// outbound channels (telegram, slack, webhook), recording a persisted
// Notification row per channel attempt.
//
// Generalised from the teacher's bot-post dispatch functions in
// server/poller.go (postBotReplyToThread, publishAgentStatusChange), which
// push an agent status change to a single Mattermost channel; here the same
// "one event, fan out to whichever channels are configured" shape fans out
// to independent external services instead of one chat backend.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/conductor-dev/conductor/internal/config"
	"github.com/conductor-dev/conductor/internal/model"
	"github.com/conductor-dev/conductor/internal/queue"
	"github.com/conductor-dev/conductor/internal/store"
)

// Payload is the notifications-queue job body enqueued by taskfsm's
// enqueueNotification.
type Payload struct {
	TaskID string `json:"taskId"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	Type   string `json:"type"`
}

// SlackPoster is the subset of *slack.Client notifier depends on, so tests
// can substitute a fake without a live Slack workspace.
type SlackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Dependencies wires notifier to the store and the configured channels.
type Dependencies struct {
	Store      store.Store
	Config     *config.Config
	HTTPClient *http.Client
	NewSlack   func(token string) SlackPoster
	Log        zerolog.Logger
}

// Handler adapts Dependencies into a queue.Handler for the notifications
// queue (spec §4.3 consumer: concurrency 5).
func Handler(deps Dependencies) queue.Handler {
	if deps.HTTPClient == nil {
		deps.HTTPClient = http.DefaultClient
	}
	if deps.NewSlack == nil {
		deps.NewSlack = func(token string) SlackPoster { return slack.New(token) }
	}

	return func(ctx context.Context, job queue.Job, progress queue.ProgressFunc) error {
		var payload Payload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return errors.Wrap(err, "notifier: failed to parse notification payload")
		}

		channels := enabledChannels(deps.Config.Notifications)
		if len(channels) == 0 {
			deps.Log.Debug().Str("task", payload.TaskID).Msg("no notification channels enabled, skipping")
			return nil
		}

		var failures []string
		for _, channel := range channels {
			progress("dispatch", string(channel))

			notification := &model.Notification{
				TaskID:  payload.TaskID,
				Type:    payload.Type,
				Channel: channel,
				Payload: job.Payload,
			}
			if err := deps.Store.InsertNotification(ctx, notification); err != nil {
				deps.Log.Error().Err(err).Str("channel", string(channel)).Msg("failed to persist notification record")
				failures = append(failures, fmt.Sprintf("%s: failed to persist: %s", channel, err))
				continue
			}

			sendErr := dispatch(ctx, deps, channel, payload)
			if markErr := deps.Store.MarkNotificationSent(ctx, notification.ID, sendErr); markErr != nil {
				deps.Log.Error().Err(markErr).Str("channel", string(channel)).Msg("failed to record notification outcome")
			}
			if sendErr != nil {
				deps.Log.Error().Err(sendErr).Str("channel", string(channel)).Str("task", payload.TaskID).Msg("failed to dispatch notification")
				failures = append(failures, fmt.Sprintf("%s: %s", channel, sendErr))
			}
		}

		if len(failures) > 0 {
			return errors.Errorf("notifier: %d/%d channels failed: %v", len(failures), len(channels), failures)
		}
		return nil
	}
}

func enabledChannels(cfg config.Notifications) []model.NotificationChannel {
	var channels []model.NotificationChannel
	if cfg.Telegram.Enabled {
		channels = append(channels, model.ChannelTelegram)
	}
	if cfg.Slack.Enabled {
		channels = append(channels, model.ChannelSlack)
	}
	if cfg.Webhook.Enabled {
		channels = append(channels, model.ChannelWebhook)
	}
	return channels
}

func dispatch(ctx context.Context, deps Dependencies, channel model.NotificationChannel, payload Payload) error {
	switch channel {
	case model.ChannelTelegram:
		return sendTelegram(ctx, deps, payload)
	case model.ChannelSlack:
		return sendSlack(ctx, deps, payload)
	case model.ChannelWebhook:
		return sendWebhook(ctx, deps, payload)
	default:
		return errors.Errorf("notifier: unknown channel %q", channel)
	}
}

func messageText(payload Payload) string {
	if payload.Title == "" {
		return payload.Body
	}
	return fmt.Sprintf("%s: %s", payload.Title, payload.Body)
}

// sendTelegram POSTs a sendMessage call to the Telegram Bot API. There is no
// telegram client library anywhere in the retrieved examples, so a direct
// bot-token HTTP POST is the idiomatic minimal integration.
func sendTelegram(ctx context.Context, deps Dependencies, payload Payload) error {
	cfg := deps.Config.Notifications.Telegram
	if cfg.Token == "" || cfg.Endpoint == "" {
		return errors.New("notifier: telegram channel enabled but token or chat id is not configured")
	}

	body, err := json.Marshal(map[string]string{
		"chat_id": cfg.Endpoint,
		"text":    messageText(payload),
	})
	if err != nil {
		return errors.Wrap(err, "notifier: failed to marshal telegram request")
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", cfg.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "notifier: failed to build telegram request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := deps.HTTPClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "notifier: telegram request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return errors.Errorf("notifier: telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

func sendSlack(ctx context.Context, deps Dependencies, payload Payload) error {
	cfg := deps.Config.Notifications.Slack
	if cfg.Token == "" || cfg.Endpoint == "" {
		return errors.New("notifier: slack channel enabled but token or channel id is not configured")
	}

	client := deps.NewSlack(cfg.Token)
	_, _, err := client.PostMessageContext(ctx, cfg.Endpoint, slack.MsgOptionText(messageText(payload), false))
	return errors.Wrap(err, "notifier: slack post failed")
}

// sendWebhook POSTs the raw notification payload to a generic webhook
// endpoint. No ecosystem library wraps "POST JSON to a configured URL" any
// more usefully than net/http, so this stays on the standard library (see
// DESIGN.md's standard-library justifications).
func sendWebhook(ctx context.Context, deps Dependencies, payload Payload) error {
	cfg := deps.Config.Notifications.Webhook
	if cfg.Endpoint == "" {
		return errors.New("notifier: webhook channel enabled but endpoint is not configured")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "notifier: failed to marshal webhook body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "notifier: failed to build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Token)
	}

	resp, err := deps.HTTPClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "notifier: webhook request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return errors.Errorf("notifier: webhook endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
