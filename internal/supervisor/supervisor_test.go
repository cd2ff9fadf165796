// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package supervisor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ManuGH/factoryd/internal/backlog"
	"github.com/ManuGH/factoryd/internal/core/model"
	"github.com/ManuGH/factoryd/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSupervisor(t *testing.T, heartbeatTimeout time.Duration) (*Supervisor, *backlog.SQLBacklog) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "factory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	bl := backlog.NewSQLBacklog(db, time.Minute)
	return New(db, bl, heartbeatTimeout), bl
}

func seedTicket(t *testing.T, bl *backlog.SQLBacklog, id string) {
	t.Helper()
	_, err := bl.Create(context.Background(), &model.Ticket{
		ID:             id,
		Source:         "github",
		Type:           "bug",
		Priority:       model.PriorityHigh,
		Repo:           "acme/app",
		IdempotencyKey: id + "-key",
	})
	require.NoError(t, err)
}

func ticketRow(t *testing.T, s *Supervisor, id string) (status string, attempts int, reason string) {
	t.Helper()
	var lastFailure *string
	require.NoError(t, s.DB.QueryRow(
		"SELECT status, attempts, last_failure_reason FROM tickets WHERE id = ?", id).
		Scan(&status, &attempts, &lastFailure))
	if lastFailure != nil {
		reason = *lastFailure
	}
	return status, attempts, reason
}

func defaultBudget() model.Budget {
	return model.Budget{MaxMinutes: 45, MaxTokens: 120000}
}

func TestDispatchCreatesRunAndEvent(t *testing.T) {
	s, bl := newSupervisor(t, 2*time.Minute)
	ctx := context.Background()
	seedTicket(t, bl, "ENG-1")

	run, err := s.Dispatch(ctx, "ENG-1", "worker-a", "codex", defaultBudget())
	require.NoError(t, err)
	require.NotNil(t, run)

	assert.Equal(t, model.RunClaimed, run.State)
	assert.Equal(t, "ENG-1", run.TicketID)
	assert.NotEmpty(t, run.LeaseToken)
	assert.Zero(t, run.TokenCount)

	status, _, _ := ticketRow(t, s, "ENG-1")
	assert.Equal(t, "CLAIMED", status)

	events, err := s.Events(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventRunClaimed, events[0].EventType)
	assert.Equal(t, "worker-a", events[0].Payload["owner"])
	assert.Equal(t, "codex", events[0].Payload["harness"])
}

func TestDispatchValidation(t *testing.T) {
	s, bl := newSupervisor(t, 2*time.Minute)
	ctx := context.Background()
	seedTicket(t, bl, "ENG-1")

	_, err := s.Dispatch(ctx, "ENG-1", "worker-a", "codex", model.Budget{MaxMinutes: 0, MaxTokens: 100})
	assert.ErrorIs(t, err, backlog.ErrValidation)

	_, err = s.Dispatch(ctx, "ENG-1", "worker-a", "", defaultBudget())
	assert.ErrorIs(t, err, backlog.ErrValidation)

	// The ticket stays dispatchable after rejected inputs.
	run, err := s.Dispatch(ctx, "ENG-1", "worker-a", "codex", defaultBudget())
	require.NoError(t, err)
	assert.NotNil(t, run)
}

func TestDispatchLostClaimReturnsNil(t *testing.T) {
	s, bl := newSupervisor(t, 2*time.Minute)
	ctx := context.Background()
	seedTicket(t, bl, "ENG-1")

	lease, err := bl.Claim(ctx, "ENG-1", "other-worker")
	require.NoError(t, err)
	require.NotNil(t, lease)

	run, err := s.Dispatch(ctx, "ENG-1", "worker-a", "codex", defaultBudget())
	require.NoError(t, err)
	assert.Nil(t, run)

	var count int
	require.NoError(t, s.DB.QueryRow("SELECT COUNT(*) FROM runs").Scan(&count))
	assert.Zero(t, count)
}

func TestMonitorInvalidTransitionIsANoOp(t *testing.T) {
	s, bl := newSupervisor(t, 2*time.Minute)
	ctx := context.Background()
	seedTicket(t, bl, "ENG-1")

	run, err := s.Dispatch(ctx, "ENG-1", "worker-a", "codex", defaultBudget())
	require.NoError(t, err)
	require.NotNil(t, run)

	// CLAIMED -> SUCCEEDED is not an edge; nothing may change.
	got, err := s.Monitor(ctx, run.ID, model.RunSucceeded, 0, nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	current, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunClaimed, current.State)

	status, _, _ := ticketRow(t, s, "ENG-1")
	assert.Equal(t, "CLAIMED", status)

	events, err := s.Events(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestMonitorUnknownRunReturnsNil(t *testing.T) {
	s, _ := newSupervisor(t, 2*time.Minute)

	run, err := s.Monitor(context.Background(), "no-such-run", model.RunRunning, 0, nil)
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestSucceededRunCompletesTicket(t *testing.T) {
	s, bl := newSupervisor(t, 2*time.Minute)
	ctx := context.Background()
	seedTicket(t, bl, "ENG-1")

	run, err := s.Dispatch(ctx, "ENG-1", "worker-a", "codex", defaultBudget())
	require.NoError(t, err)
	require.NotNil(t, run)

	running, err := s.Monitor(ctx, run.ID, model.RunRunning, 0, nil)
	require.NoError(t, err)
	require.NotNil(t, running)
	assert.Equal(t, model.RunRunning, running.State)

	done, err := s.Monitor(ctx, run.ID, model.RunSucceeded, 1500, nil)
	require.NoError(t, err)
	require.NotNil(t, done)
	assert.Equal(t, model.RunSucceeded, done.State)
	assert.Equal(t, 1500, done.TokenCount)
	assert.False(t, done.EndedAt.IsZero())

	status, attempts, _ := ticketRow(t, s, "ENG-1")
	assert.Equal(t, "COMPLETED", status)
	assert.Zero(t, attempts)

	var released int
	require.NoError(t, s.DB.QueryRow(
		"SELECT COUNT(*) FROM leases WHERE token = ? AND released_at IS NOT NULL",
		run.LeaseToken).Scan(&released))
	assert.Equal(t, 1, released)
}

func TestFailedRunFailsTicketAndCountsAttempt(t *testing.T) {
	s, bl := newSupervisor(t, 2*time.Minute)
	ctx := context.Background()
	seedTicket(t, bl, "ENG-1")

	run, err := s.Dispatch(ctx, "ENG-1", "worker-a", "codex", defaultBudget())
	require.NoError(t, err)
	require.NotNil(t, run)
	_, err = s.Monitor(ctx, run.ID, model.RunRunning, 0, nil)
	require.NoError(t, err)

	failed, err := s.Monitor(ctx, run.ID, model.RunFailed, 0, map[string]any{"caller": "harness"})
	require.NoError(t, err)
	require.NotNil(t, failed)

	status, attempts, reason := ticketRow(t, s, "ENG-1")
	assert.Equal(t, "FAILED", status)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, "FAILED", reason)
}

func TestMonitorStatePredicateAllowsOnlyOneWinner(t *testing.T) {
	s, bl := newSupervisor(t, 2*time.Minute)
	ctx := context.Background()
	seedTicket(t, bl, "ENG-1")

	run, err := s.Dispatch(ctx, "ENG-1", "worker-a", "codex", defaultBudget())
	require.NoError(t, err)
	_, err = s.Monitor(ctx, run.ID, model.RunRunning, 0, nil)
	require.NoError(t, err)

	first, err := s.Monitor(ctx, run.ID, model.RunCanceled, 0, nil)
	require.NoError(t, err)
	require.NotNil(t, first)

	// The run is terminal now; a second terminalizer finds no valid edge.
	second, err := s.Monitor(ctx, run.ID, model.RunFailed, 0, nil)
	require.NoError(t, err)
	assert.Nil(t, second)

	status, attempts, reason := ticketRow(t, s, "ENG-1")
	assert.Equal(t, "FAILED", status)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, "CANCELED", reason)
}

func TestRecoverStaleTimesOutSilentRuns(t *testing.T) {
	s, bl := newSupervisor(t, 2*time.Minute)
	ctx := context.Background()
	seedTicket(t, bl, "ENG-1")
	seedTicket(t, bl, "ENG-2")

	stale, err := s.Dispatch(ctx, "ENG-1", "worker-a", "codex", defaultBudget())
	require.NoError(t, err)
	_, err = s.Monitor(ctx, stale.ID, model.RunRunning, 0, nil)
	require.NoError(t, err)

	fresh, err := s.Dispatch(ctx, "ENG-2", "worker-b", "codex", defaultBudget())
	require.NoError(t, err)
	_, err = s.Monitor(ctx, fresh.ID, model.RunRunning, 0, nil)
	require.NoError(t, err)

	backdated := time.Now().UTC().Add(-10 * time.Minute).UnixMilli()
	_, err = s.DB.Exec("UPDATE runs SET heartbeat_at = ? WHERE id = ?", backdated, stale.ID)
	require.NoError(t, err)

	recovered, err := s.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{stale.ID}, recovered)

	got, err := s.GetRun(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunTimedOut, got.State)

	status, _, reason := ticketRow(t, s, "ENG-1")
	assert.Equal(t, "FAILED", status)
	assert.Equal(t, "TIMED_OUT", reason)

	untouched, err := s.GetRun(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunRunning, untouched.State)

	events, err := s.Events(ctx, stale.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, model.EventStateTransition, last.EventType)
	assert.Equal(t, "stale_heartbeat", last.Payload["reason"])
}

func TestEnforceLimitsTokensExceeded(t *testing.T) {
	s, bl := newSupervisor(t, 2*time.Minute)
	ctx := context.Background()
	seedTicket(t, bl, "ENG-1")

	run, err := s.Dispatch(ctx, "ENG-1", "worker-a", "codex", model.Budget{MaxMinutes: 45, MaxTokens: 1000})
	require.NoError(t, err)
	_, err = s.Monitor(ctx, run.ID, model.RunRunning, 0, nil)
	require.NoError(t, err)

	over := 1001
	got, err := s.EnforceLimits(ctx, run.ID, &over)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.RunTimedOut, got.State)

	stored, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.ErrorMessage, "max_tokens")

	status, _, _ := ticketRow(t, s, "ENG-1")
	assert.Equal(t, "FAILED", status)
}

func TestEnforceLimitsRuntimeBeatsTokens(t *testing.T) {
	s, bl := newSupervisor(t, 2*time.Minute)
	ctx := context.Background()
	seedTicket(t, bl, "ENG-1")

	run, err := s.Dispatch(ctx, "ENG-1", "worker-a", "codex", model.Budget{MaxMinutes: 5, MaxTokens: 1000})
	require.NoError(t, err)
	_, err = s.Monitor(ctx, run.ID, model.RunRunning, 0, nil)
	require.NoError(t, err)

	backdated := time.Now().UTC().Add(-time.Hour).UnixMilli()
	_, err = s.DB.Exec("UPDATE runs SET started_at = ? WHERE id = ?", backdated, run.ID)
	require.NoError(t, err)

	over := 1001
	got, err := s.EnforceLimits(ctx, run.ID, &over)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.RunTimedOut, got.State)

	stored, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.ErrorMessage, "max_minutes")
}

func TestEnforceLimitsWithinBudgetUpdatesTokens(t *testing.T) {
	s, bl := newSupervisor(t, 2*time.Minute)
	ctx := context.Background()
	seedTicket(t, bl, "ENG-1")

	run, err := s.Dispatch(ctx, "ENG-1", "worker-a", "codex", defaultBudget())
	require.NoError(t, err)
	_, err = s.Monitor(ctx, run.ID, model.RunRunning, 0, nil)
	require.NoError(t, err)
	before, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)

	count := 4200
	got, err := s.EnforceLimits(ctx, run.ID, &count)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.RunRunning, got.State)
	assert.Equal(t, 4200, got.TokenCount)
	assert.False(t, got.HeartbeatAt.Before(before.HeartbeatAt))

	events, err := s.Events(ctx, run.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, model.EventBudgetCheck, last.EventType)
	assert.EqualValues(t, 4200, last.Payload["token_count"])
}

func TestEventLedgerIsAppendOnlyAndOrdered(t *testing.T) {
	s, bl := newSupervisor(t, 2*time.Minute)
	ctx := context.Background()
	seedTicket(t, bl, "ENG-1")

	run, err := s.Dispatch(ctx, "ENG-1", "worker-a", "codex", defaultBudget())
	require.NoError(t, err)
	_, err = s.Monitor(ctx, run.ID, model.RunRunning, 0, nil)
	require.NoError(t, err)
	_, err = s.Monitor(ctx, run.ID, model.RunBlocked, 0, nil)
	require.NoError(t, err)
	_, err = s.Monitor(ctx, run.ID, model.RunRunning, 0, nil)
	require.NoError(t, err)
	_, err = s.Monitor(ctx, run.ID, model.RunSucceeded, 0, nil)
	require.NoError(t, err)

	events, err := s.Events(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, events, 5)

	assert.Equal(t, model.EventRunClaimed, events[0].EventType)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].ID, events[i-1].ID)
		assert.Equal(t, model.EventStateTransition, events[i].EventType)
	}
	assert.Equal(t, "RUNNING", events[4].Payload["from"])
	assert.Equal(t, "SUCCEEDED", events[4].Payload["to"])
}

func TestTransitionTable(t *testing.T) {
	terminal := []model.RunState{
		model.RunSucceeded, model.RunFailed, model.RunTimedOut, model.RunCanceled,
	}
	all := append([]model.RunState{
		model.RunClaimed, model.RunRunning, model.RunBlocked, model.RunAwaitingApproval,
	}, terminal...)

	for _, from := range terminal {
		for _, to := range all {
			assert.Falsef(t, CanTransition(from, to), "%s -> %s must be rejected", from, to)
		}
	}

	assert.True(t, CanTransition(model.RunClaimed, model.RunRunning))
	assert.True(t, CanTransition(model.RunRunning, model.RunAwaitingApproval))
	assert.True(t, CanTransition(model.RunAwaitingApproval, model.RunRunning))
	assert.True(t, CanTransition(model.RunBlocked, model.RunRunning))
	assert.False(t, CanTransition(model.RunClaimed, model.RunSucceeded))
	assert.False(t, CanTransition(model.RunBlocked, model.RunSucceeded))
	assert.False(t, CanTransition(model.RunAwaitingApproval, model.RunFailed))
}
