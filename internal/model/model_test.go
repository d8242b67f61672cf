package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition_PermitsDeclaredEdges(t *testing.T) {
	assert.True(t, CanTransition(TaskPending, TaskDecomposing))
	assert.True(t, CanTransition(TaskReview, TaskPRCreated))
	assert.True(t, CanTransition(TaskFailed, TaskPending))
}

func TestCanTransition_RejectsUndeclaredEdges(t *testing.T) {
	assert.False(t, CanTransition(TaskPending, TaskDone))
	assert.False(t, CanTransition(TaskDone, TaskPending))
}

func TestCanTransitionSubtask_PermitsDeclaredEdges(t *testing.T) {
	assert.True(t, CanTransitionSubtask(SubtaskPending, SubtaskQueued))
	assert.True(t, CanTransitionSubtask(SubtaskRunning, SubtaskCompleted))
	assert.True(t, CanTransitionSubtask(SubtaskRunning, SubtaskRunning))
}

func TestCanTransitionSubtask_RejectsTerminalEdges(t *testing.T) {
	assert.False(t, CanTransitionSubtask(SubtaskCompleted, SubtaskPending))
	assert.False(t, CanTransitionSubtask(SubtaskPending, SubtaskCompleted))
}

func TestStringSlice_RoundTripsThroughValueAndScan(t *testing.T) {
	original := StringSlice{"a.go", "b.go"}
	val, err := original.Value()
	require.NoError(t, err)

	var scanned StringSlice
	require.NoError(t, scanned.Scan(val))
	assert.Equal(t, original, scanned)
}

func TestStringSlice_NilValueEncodesEmptyArray(t *testing.T) {
	var s StringSlice
	val, err := s.Value()
	require.NoError(t, err)
	assert.Equal(t, "[]", val)
}

func TestStringSlice_ScanNilClears(t *testing.T) {
	s := StringSlice{"a"}
	require.NoError(t, s.Scan(nil))
	assert.Nil(t, s)
}

func TestStringSlice_ScanRejectsUnsupportedType(t *testing.T) {
	var s StringSlice
	err := s.Scan(42)
	assert.Error(t, err)
}

func TestReviewIssues_RoundTripsThroughValueAndScan(t *testing.T) {
	line := 10
	original := ReviewIssues{{File: "a.go", Line: &line, Severity: SeverityError, Message: "oops"}}
	val, err := original.Value()
	require.NoError(t, err)

	var scanned ReviewIssues
	require.NoError(t, scanned.Scan(val))
	require.Len(t, scanned, 1)
	assert.Equal(t, "a.go", scanned[0].File)
	assert.Equal(t, SeverityError, scanned[0].Severity)
}

func TestReviewIssues_ScanFromStringSource(t *testing.T) {
	var r ReviewIssues
	require.NoError(t, r.Scan(`[{"file":"a.go","severity":"warning","message":"hmm"}]`))
	require.Len(t, r, 1)
	assert.Equal(t, IssueSeverity("warning"), r[0].Severity)
}
