// Package subtaskfsm is Conductor's Subtask Processor: it drives the
// subtask state machine from a queued job to completion (spec §4.5),
// preparing a workspace and invoking the Agent Runner.
package subtaskfsm

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/conductor-dev/conductor/internal/agentrunner"
	"github.com/conductor-dev/conductor/internal/model"
	"github.com/conductor-dev/conductor/internal/store"
	"github.com/conductor-dev/conductor/internal/workspace"
)

// Payload is the subtasks-queue job body.
type Payload struct {
	TaskID    string `json:"taskId"`
	SubtaskID string `json:"subtaskId"`
}

// Dependencies the processor needs from the rest of the system.
type Dependencies struct {
	Store     store.Store
	Workspace *workspace.Manager
	RunAgent  func(ctx context.Context, opts agentrunner.Options) (*agentrunner.Output, error)
	Credential func(installationID int64) workspace.Credential
	RepoCloneURL func(repositoryFullName string) string
	DefaultBranch func(ctx context.Context, repositoryFullName string) (string, error)
	BranchPattern string
	SubAgentConfig struct {
		Model          string
		MaxTurns       int
		TimeoutMinutes int
	}
	Log zerolog.Logger
}

// Process implements spec §4.5 in full, including the exception path: on
// any failure it transitions the subtask to failed and returns the error so
// the queue records it.
func Process(ctx context.Context, deps Dependencies, payload Payload) error {
	task, err := deps.Store.GetTask(ctx, payload.TaskID)
	if err != nil {
		return errors.Wrap(err, "subtaskfsm: failed to load task")
	}
	subtask, err := deps.Store.GetSubtask(ctx, payload.SubtaskID)
	if err != nil {
		return errors.Wrap(err, "subtaskfsm: failed to load subtask")
	}

	if err := processSubtask(ctx, deps, task, subtask); err != nil {
		if _, failErr := deps.Store.TransitionSubtask(ctx, subtask.ID, model.SubtaskFailed, func(s *model.Subtask) {
			s.ErrorMessage = err.Error()
		}); failErr != nil {
			deps.Log.Error().Err(failErr).Str("subtask_id", subtask.ID).Msg("failed to record subtask failure")
		}
		return err
	}
	return nil
}

func processSubtask(ctx context.Context, deps Dependencies, task *model.Task, subtask *model.Subtask) error {
	if subtask.Status == model.SubtaskPending {
		var err error
		subtask, err = deps.Store.TransitionSubtask(ctx, subtask.ID, model.SubtaskQueued, nil)
		if err != nil {
			return errors.Wrap(err, "subtaskfsm: failed to transition to queued")
		}
	}

	run := &model.AgentRun{
		TaskID:    task.ID,
		SubtaskID: &subtask.ID,
		Type:      model.AgentRunSubAgent,
		Status:    model.AgentRunStarting,
		Model:     deps.SubAgentConfig.Model,
	}
	if err := deps.Store.InsertAgentRun(ctx, run); err != nil {
		return errors.Wrap(err, "subtaskfsm: failed to insert agent run")
	}

	subtask, err := deps.Store.TransitionSubtask(ctx, subtask.ID, model.SubtaskRunning, func(s *model.Subtask) {
		s.AgentRunID = &run.ID
	})
	if err != nil {
		return errors.Wrap(err, "subtaskfsm: failed to transition to running")
	}

	branchName := task.BranchName
	if branchName == "" {
		branchName = workspace.BranchName(deps.BranchPattern, task.ID, task.Title)
	}

	unlock := deps.Workspace.Lock(task.ID)
	defer unlock()

	defaultBranch, err := deps.DefaultBranch(ctx, task.RepositoryFullName)
	if err != nil {
		return errors.Wrap(err, "subtaskfsm: failed to resolve default branch")
	}

	ws, err := deps.Workspace.PrepareWorkspace(ctx, task.ID, deps.RepoCloneURL(task.RepositoryFullName), branchName, defaultBranch, deps.Credential(task.InstallationID))
	if err != nil {
		return errors.Wrap(err, "subtaskfsm: failed to prepare workspace")
	}

	if task.BranchName == "" {
		if err := deps.Store.SetTaskBranchName(ctx, task.ID, ws.BranchName); err != nil {
			return errors.Wrap(err, "subtaskfsm: failed to persist branch name onto task")
		}
	}

	if _, err := deps.Store.UpdateAgentRun(ctx, run.ID, func(r *model.AgentRun) {
		r.Status = model.AgentRunRunning
	}); err != nil {
		return errors.Wrap(err, "subtaskfsm: failed to mark run running")
	}

	timeout := time.Duration(deps.SubAgentConfig.TimeoutMinutes) * time.Minute
	out, err := deps.RunAgent(ctx, agentrunner.Options{
		WorkDir:  ws.Path,
		Prompt:   buildSubtaskPrompt(subtask),
		Model:    deps.SubAgentConfig.Model,
		MaxTurns: deps.SubAgentConfig.MaxTurns,
		Timeout:  timeout,
	})
	if err != nil {
		return errors.Wrap(err, "subtaskfsm: agent runner invocation failed")
	}

	completedAt := time.Now()
	status := model.AgentRunCompleted
	switch {
	case out.TimedOut:
		status = model.AgentRunTimeout
	case !out.Success:
		status = model.AgentRunFailed
	}
	if _, err := deps.Store.UpdateAgentRun(ctx, run.ID, func(r *model.AgentRun) {
		r.Status = status
		r.InputTokens = out.InputTokens
		r.OutputTokens = out.OutputTokens
		r.TotalCost = out.TotalCost
		r.Log = out.Stdout
		r.CompletedAt = &completedAt
	}); err != nil {
		return errors.Wrap(err, "subtaskfsm: failed to record run completion")
	}

	if !out.Success {
		return errors.Errorf("subtaskfsm: agent run did not succeed (exit %d)", out.ExitCode)
	}

	if _, err := deps.Store.TransitionSubtask(ctx, subtask.ID, model.SubtaskCompleted, func(s *model.Subtask) {
		s.FilesModified = model.StringSlice(out.FilesModified)
	}); err != nil {
		return errors.Wrap(err, "subtaskfsm: failed to transition to completed")
	}
	return nil
}

func buildSubtaskPrompt(subtask *model.Subtask) string {
	return subtask.Title + "\n\n" + subtask.Description
}
