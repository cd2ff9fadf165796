// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package supervisor owns the run state machine and the append-only run
// event ledger. A run's terminal transition and its ticket outcome commit
// in one transaction, so observers never see a finished run with a still
// CLAIMED ticket.
package supervisor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/factoryd/internal/backlog"
	"github.com/ManuGH/factoryd/internal/core/model"
	"github.com/ManuGH/factoryd/internal/log"
	"github.com/ManuGH/factoryd/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const runColumns = `id, ticket_id, harness, state, sandbox_id, lease_token,
	max_minutes, max_tokens, token_count, started_at, heartbeat_at, ended_at, error_message`

// Supervisor dispatches claimed tickets into runs and drives them to a
// terminal state.
type Supervisor struct {
	DB               *sql.DB
	Backlog          *backlog.SQLBacklog
	HeartbeatTimeout time.Duration

	logger zerolog.Logger
}

// New wires a supervisor against the shared store handle and the backlog.
// heartbeatTimeout bounds how stale a run heartbeat may be before the
// recovery sweep times the run out.
func New(db *sql.DB, bl *backlog.SQLBacklog, heartbeatTimeout time.Duration) *Supervisor {
	return &Supervisor{
		DB:               db,
		Backlog:          bl,
		HeartbeatTimeout: heartbeatTimeout,
		logger:           log.WithComponent("supervisor"),
	}
}

// Dispatch claims the ticket and creates a run in state CLAIMED. A nil
// return means the claim lost; the caller should move on. If the run
// insert fails after a successful claim the lease is deliberately left to
// expire rather than rolled back.
func (s *Supervisor) Dispatch(ctx context.Context, ticketID, owner, harness string, budget model.Budget) (*model.Run, error) {
	if !budget.Valid() {
		return nil, fmt.Errorf("%w: budget must be positive", backlog.ErrValidation)
	}
	if harness == "" {
		return nil, fmt.Errorf("%w: harness must not be empty", backlog.ErrValidation)
	}

	lease, err := s.Backlog.Claim(ctx, ticketID, owner)
	if err != nil {
		return nil, err
	}
	if lease == nil {
		return nil, nil
	}

	now := time.Now().UTC()
	run := &model.Run{
		ID:          uuid.NewString(),
		TicketID:    ticketID,
		Harness:     harness,
		State:       model.RunClaimed,
		LeaseToken:  lease.Token,
		Budget:      budget,
		TokenCount:  0,
		StartedAt:   now,
		HeartbeatAt: now,
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("supervisor: dispatch %s: %w", ticketID, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs (id, ticket_id, harness, state, lease_token,
			max_minutes, max_tokens, token_count, started_at, heartbeat_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		run.ID, run.TicketID, run.Harness, string(run.State), run.LeaseToken,
		budget.MaxMinutes, budget.MaxTokens, now.UnixMilli(), now.UnixMilli(),
	); err != nil {
		return nil, fmt.Errorf("supervisor: dispatch %s: insert run: %w", ticketID, err)
	}

	if err := s.appendEvent(ctx, tx, run.ID, run.TicketID, model.EventRunClaimed, map[string]any{
		"owner":   owner,
		"harness": harness,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("supervisor: dispatch %s: %w", ticketID, err)
	}

	metrics.RunDispatched(harness)
	s.logger.Info().
		Str(log.FieldTicketID, ticketID).
		Str(log.FieldRunID, run.ID).
		Str(log.FieldOwner, owner).
		Str(log.FieldHarness, harness).
		Str(log.FieldEvent, "run.dispatched").
		Msg("run dispatched")

	return run, nil
}

// Monitor transitions a run and records a state_transition event. The
// state predicate is part of the UPDATE, so two callers observing the same
// run cannot both win. Terminal transitions settle the ticket in the same
// transaction.
func (s *Supervisor) Monitor(ctx context.Context, runID string, newState model.RunState, tokenDelta int, payload map[string]any) (*model.Run, error) {
	now := time.Now().UTC()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("supervisor: monitor %s: %w", runID, err)
	}
	defer func() { _ = tx.Rollback() }()

	run, err := s.getRun(ctx, tx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, nil
	}
	from := run.State
	if !CanTransition(from, newState) {
		return nil, nil
	}

	var endedAt any
	if newState.IsTerminal() {
		endedAt = now.UnixMilli()
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE runs
		SET state = ?, token_count = token_count + ?, heartbeat_at = ?, ended_at = ?
		WHERE id = ? AND state = ?`,
		string(newState), tokenDelta, now.UnixMilli(), endedAt,
		runID, string(from),
	)
	if err != nil {
		return nil, fmt.Errorf("supervisor: monitor %s: %w", runID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("supervisor: monitor %s: %w", runID, err)
	}
	if affected != 1 {
		// Another caller moved the run first.
		return nil, nil
	}

	eventPayload := map[string]any{
		"from": string(from),
		"to":   string(newState),
	}
	for k, v := range payload {
		eventPayload[k] = v
	}
	if err := s.appendEvent(ctx, tx, run.ID, run.TicketID, model.EventStateTransition, eventPayload); err != nil {
		return nil, err
	}

	switch newState {
	case model.RunSucceeded:
		if _, err := s.Backlog.SettleTx(ctx, tx, run.TicketID, run.LeaseToken, model.TicketCompleted, ""); err != nil {
			return nil, err
		}
	case model.RunFailed, model.RunTimedOut, model.RunCanceled:
		if _, err := s.Backlog.SettleTx(ctx, tx, run.TicketID, run.LeaseToken, model.TicketFailed, string(newState)); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("supervisor: monitor %s: %w", runID, err)
	}

	metrics.RunTransition(string(from), string(newState))
	s.logger.Info().
		Str(log.FieldRunID, runID).
		Str(log.FieldTicketID, run.TicketID).
		Str(log.FieldOldState, string(from)).
		Str(log.FieldNewState, string(newState)).
		Str(log.FieldEvent, "run.transition").
		Msg("run state changed")

	run.State = newState
	run.TokenCount += tokenDelta
	run.HeartbeatAt = now
	if newState.IsTerminal() {
		run.EndedAt = now
	}
	return run, nil
}

// EnforceLimits applies the run budget. Runtime takes precedence over
// tokens when both are exceeded. A non-nil tokenCount updates the counter
// and writes a budget_check event when within budget.
func (s *Supervisor) EnforceLimits(ctx context.Context, runID string, tokenCount *int) (*model.Run, error) {
	now := time.Now().UTC()

	run, err := s.getRun(ctx, s.DB, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, nil
	}

	runtimeExceeded := now.After(run.StartedAt.Add(time.Duration(run.Budget.MaxMinutes) * time.Minute))
	tokenExceeded := tokenCount != nil && *tokenCount > run.Budget.MaxTokens

	if runtimeExceeded || tokenExceeded {
		reason := "max_minutes"
		if !runtimeExceeded {
			reason = "max_tokens"
		}
		if _, err := s.DB.ExecContext(ctx,
			`UPDATE runs SET error_message = ? WHERE id = ?`,
			"Budget exceeded: "+reason, runID,
		); err != nil {
			return nil, fmt.Errorf("supervisor: enforce %s: %w", runID, err)
		}
		metrics.BudgetExceeded(reason)
		payload := map[string]any{"reason": reason}
		if tokenCount != nil {
			payload["token_count"] = *tokenCount
		}
		return s.Monitor(ctx, runID, model.RunTimedOut, 0, payload)
	}

	if tokenCount != nil {
		tx, err := s.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("supervisor: enforce %s: %w", runID, err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx,
			`UPDATE runs SET token_count = ?, heartbeat_at = ? WHERE id = ?`,
			*tokenCount, now.UnixMilli(), runID,
		); err != nil {
			return nil, fmt.Errorf("supervisor: enforce %s: %w", runID, err)
		}
		if err := s.appendEvent(ctx, tx, run.ID, run.TicketID, model.EventBudgetCheck, map[string]any{
			"token_count": *tokenCount,
		}); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("supervisor: enforce %s: %w", runID, err)
		}
		run.TokenCount = *tokenCount
		run.HeartbeatAt = now
	}

	return run, nil
}

// AttachSandbox records the sandbox hosting the run once the harness has
// launched it.
func (s *Supervisor) AttachSandbox(ctx context.Context, runID, sandboxID string) error {
	if _, err := s.DB.ExecContext(ctx,
		`UPDATE runs SET sandbox_id = ? WHERE id = ?`, sandboxID, runID,
	); err != nil {
		return fmt.Errorf("supervisor: attach sandbox %s: %w", runID, err)
	}
	return nil
}

// RecoverStale times out non-terminal runs whose heartbeat is older than
// the configured timeout. Each run transitions in its own transaction so
// one failure cannot poison the batch.
func (s *Supervisor) RecoverStale(ctx context.Context) ([]string, error) {
	cutoff := time.Now().UTC().Add(-s.HeartbeatTimeout)

	rows, err := s.DB.QueryContext(ctx, `
		SELECT id FROM runs
		WHERE state IN (?, ?, ?) AND heartbeat_at < ?`,
		string(model.RunClaimed), string(model.RunRunning), string(model.RunBlocked),
		cutoff.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("supervisor: recover stale: %w", err)
	}
	var staleIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("supervisor: recover stale: %w", err)
		}
		staleIDs = append(staleIDs, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("supervisor: recover stale: %w", err)
	}
	_ = rows.Close()

	var recovered []string
	for _, id := range staleIDs {
		run, err := s.Monitor(ctx, id, model.RunTimedOut, 0, map[string]any{"reason": "stale_heartbeat"})
		if err != nil {
			s.logger.Warn().Err(err).Str(log.FieldRunID, id).Msg("stale recovery transition failed")
			continue
		}
		if run != nil {
			recovered = append(recovered, id)
			metrics.StaleRunRecovered()
		}
	}

	if len(recovered) > 0 {
		s.logger.Info().
			Int("count", len(recovered)).
			Str(log.FieldEvent, "runs.recovered").
			Msg("recovered stale runs")
	}
	return recovered, nil
}

// GetRun returns the run by id, or nil when absent.
func (s *Supervisor) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	return s.getRun(ctx, s.DB, runID)
}

// Events returns the run's ledger ordered by id ascending.
func (s *Supervisor) Events(ctx context.Context, runID string) ([]*model.RunEvent, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, run_id, ticket_id, event_type, payload, created_at
		FROM run_events WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("supervisor: events %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.RunEvent
	for rows.Next() {
		var ev model.RunEvent
		var payloadJSON []byte
		var createdAt int64
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.TicketID, &ev.EventType, &payloadJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("supervisor: events %s: %w", runID, err)
		}
		_ = json.Unmarshal(payloadJSON, &ev.Payload)
		ev.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (s *Supervisor) appendEvent(ctx context.Context, tx *sql.Tx, runID, ticketID, eventType string, payload map[string]any) error {
	payloadJSON, _ := json.Marshal(payload)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO run_events (run_id, ticket_id, event_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		runID, ticketID, eventType, string(payloadJSON), time.Now().UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("supervisor: append event %s for run %s: %w", eventType, runID, err)
	}
	return nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Supervisor) getRun(ctx context.Context, q rowQuerier, runID string) (*model.Run, error) {
	var run model.Run
	var sandboxID, errorMessage sql.NullString
	var endedAt sql.NullInt64
	var startedAt, heartbeatAt int64

	err := q.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, runID).Scan(
		&run.ID, &run.TicketID, &run.Harness, (*string)(&run.State), &sandboxID,
		&run.LeaseToken, &run.Budget.MaxMinutes, &run.Budget.MaxTokens,
		&run.TokenCount, &startedAt, &heartbeatAt, &endedAt, &errorMessage,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("supervisor: read run %s: %w", runID, err)
	}

	run.SandboxID = sandboxID.String
	run.ErrorMessage = errorMessage.String
	run.StartedAt = time.UnixMilli(startedAt).UTC()
	run.HeartbeatAt = time.UnixMilli(heartbeatAt).UTC()
	if endedAt.Valid {
		run.EndedAt = time.UnixMilli(endedAt.Int64).UTC()
	}
	return &run, nil
}
