// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package backlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/factoryd/internal/core/model"
	"github.com/ManuGH/factoryd/internal/log"
	"github.com/ManuGH/factoryd/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const ticketColumns = `id, source, type, priority, repo, context, acceptance_criteria,
	idempotency_key, status, attempts, lease_owner, lease_token, lease_expires_at,
	last_failure_reason, created_at, updated_at`

// SQLBacklog implements Backlog over the shared control-plane database.
type SQLBacklog struct {
	DB       *sql.DB
	LeaseTTL time.Duration

	logger zerolog.Logger
}

// NewSQLBacklog wires the backlog against an opened store handle.
// leaseTTL is the configured default lease TTL.
func NewSQLBacklog(db *sql.DB, leaseTTL time.Duration) *SQLBacklog {
	return &SQLBacklog{
		DB:       db,
		LeaseTTL: leaseTTL,
		logger:   log.WithComponent("backlog"),
	}
}

// Create inserts a ticket idempotently. The unique constraint on
// idempotency_key is the collision authority: on a concurrent duplicate
// insert the loser re-reads and returns the stored row.
func (b *SQLBacklog) Create(ctx context.Context, ticket *model.Ticket) (*model.Ticket, error) {
	if ticket == nil || ticket.IdempotencyKey == "" {
		return nil, fmt.Errorf("%w: idempotency key must not be empty", ErrValidation)
	}
	if ticket.ID == "" {
		return nil, fmt.Errorf("%w: ticket id must not be empty", ErrValidation)
	}
	if !ticket.Priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrValidation, ticket.Priority)
	}

	existing, err := b.getByIdempotencyKey(ctx, ticket.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := time.Now().UTC()
	contextJSON, _ := json.Marshal(orEmptyMap(ticket.Context))
	criteriaJSON, _ := json.Marshal(orEmptySlice(ticket.AcceptanceCriteria))

	_, err = b.DB.ExecContext(ctx, `
		INSERT INTO tickets (id, source, type, priority, repo, context, acceptance_criteria,
			idempotency_key, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		ticket.ID, ticket.Source, ticket.Type, string(ticket.Priority), ticket.Repo,
		string(contextJSON), string(criteriaJSON), ticket.IdempotencyKey,
		string(model.TicketReady), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		// Lost a duplicate-key race: the stored row wins.
		winner, readErr := b.getByIdempotencyKey(ctx, ticket.IdempotencyKey)
		if readErr == nil && winner != nil {
			return winner, nil
		}
		return nil, fmt.Errorf("%w: create %s: %v", ErrUnavailable, ticket.ID, err)
	}

	metrics.TicketCreated()
	b.logger.Info().
		Str(log.FieldTicketID, ticket.ID).
		Str(log.FieldEvent, "ticket.created").
		Str("priority", string(ticket.Priority)).
		Msg("ticket created")

	return b.getByID(ctx, b.DB, ticket.ID)
}

// FetchReady returns READY tickets in dispatch order.
func (b *SQLBacklog) FetchReady(ctx context.Context, limit int) ([]*model.Ticket, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := b.DB.QueryContext(ctx, `
		SELECT `+ticketColumns+` FROM tickets
		WHERE status = ?
		ORDER BY CASE priority
			WHEN 'CRITICAL' THEN 0
			WHEN 'HIGH' THEN 1
			WHEN 'MEDIUM' THEN 2
			WHEN 'LOW' THEN 3
			ELSE 4 END,
			created_at ASC, id ASC
		LIMIT ?`, string(model.TicketReady), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch ready: %v", ErrUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: fetch ready: %v", ErrUnavailable, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: fetch ready: %v", ErrUnavailable, err)
	}
	return out, nil
}

// Claim transitions a ticket to CLAIMED iff it is READY or its lease has
// expired. The predicate lives inside a single UPDATE so only one caller's
// row matches under concurrency.
func (b *SQLBacklog) Claim(ctx context.Context, ticketID, owner string) (*model.Lease, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(b.LeaseTTL)
	token := uuid.NewString()

	tx, err := b.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: claim %s: %v", ErrUnavailable, ticketID, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE tickets
		SET status = ?, lease_owner = ?, lease_token = ?, lease_expires_at = ?, updated_at = ?
		WHERE id = ?
		  AND (status = ?
		       OR (status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?))`,
		string(model.TicketClaimed), owner, token, expiresAt.UnixMilli(), now.UnixMilli(),
		ticketID,
		string(model.TicketReady),
		string(model.TicketClaimed), now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: claim %s: %v", ErrUnavailable, ticketID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("%w: claim %s: %v", ErrUnavailable, ticketID, err)
	}
	if affected != 1 {
		// Lost the race, ticket missing, or lease still valid.
		return nil, nil
	}

	leaseRes, err := tx.ExecContext(ctx, `
		INSERT INTO leases (ticket_id, owner, token, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		ticketID, owner, token, expiresAt.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: claim %s: lease append: %v", ErrUnavailable, ticketID, err)
	}
	leaseID, _ := leaseRes.LastInsertId()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: claim %s: %v", ErrUnavailable, ticketID, err)
	}

	b.logger.Info().
		Str(log.FieldTicketID, ticketID).
		Str(log.FieldOwner, owner).
		Str(log.FieldEvent, "ticket.claimed").
		Time("lease_expires_at", expiresAt).
		Msg("ticket claimed")

	return &model.Lease{
		ID:        leaseID,
		TicketID:  ticketID,
		Owner:     owner,
		Token:     token,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}, nil
}

// Heartbeat extends a lease that is still valid at call time. The expiry
// predicate is part of the UPDATE: a lease that lapsed cannot be revived.
func (b *SQLBacklog) Heartbeat(ctx context.Context, ticketID, leaseToken string) (*model.Lease, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(b.LeaseTTL)

	tx, err := b.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: heartbeat %s: %v", ErrUnavailable, ticketID, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE tickets
		SET lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND lease_token = ?
		  AND lease_expires_at IS NOT NULL AND lease_expires_at >= ?`,
		expiresAt.UnixMilli(), now.UnixMilli(),
		ticketID, string(model.TicketClaimed), leaseToken, now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: heartbeat %s: %v", ErrUnavailable, ticketID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("%w: heartbeat %s: %v", ErrUnavailable, ticketID, err)
	}
	if affected != 1 {
		return nil, nil
	}

	// Mirror the extension onto the newest audit row for this token.
	if _, err := tx.ExecContext(ctx, `
		UPDATE leases SET expires_at = ?
		WHERE id = (SELECT MAX(id) FROM leases WHERE token = ?)`,
		expiresAt.UnixMilli(), leaseToken,
	); err != nil {
		return nil, fmt.Errorf("%w: heartbeat %s: lease update: %v", ErrUnavailable, ticketID, err)
	}

	var owner sql.NullString
	if err := tx.QueryRowContext(ctx,
		`SELECT lease_owner FROM tickets WHERE id = ?`, ticketID).Scan(&owner); err != nil {
		return nil, fmt.Errorf("%w: heartbeat %s: %v", ErrUnavailable, ticketID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: heartbeat %s: %v", ErrUnavailable, ticketID, err)
	}

	return &model.Lease{
		TicketID:  ticketID,
		Owner:     owner.String,
		Token:     leaseToken,
		ExpiresAt: expiresAt,
	}, nil
}

// Complete terminally marks a ticket COMPLETED under lease authority.
func (b *SQLBacklog) Complete(ctx context.Context, ticketID, leaseToken string) (*model.Ticket, error) {
	return b.terminalUpdate(ctx, ticketID, leaseToken, model.TicketCompleted, "")
}

// Fail terminally marks a ticket FAILED, counting the attempt.
func (b *SQLBacklog) Fail(ctx context.Context, ticketID, leaseToken, reason string) (*model.Ticket, error) {
	return b.terminalUpdate(ctx, ticketID, leaseToken, model.TicketFailed, reason)
}

func (b *SQLBacklog) terminalUpdate(ctx context.Context, ticketID, leaseToken string, status model.TicketStatus, reason string) (*model.Ticket, error) {
	tx, err := b.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: settle %s: %v", ErrUnavailable, ticketID, err)
	}
	defer func() { _ = tx.Rollback() }()

	ok, err := b.SettleTx(ctx, tx, ticketID, leaseToken, status, reason)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	ticket, err := b.getByID(ctx, tx, ticketID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: settle %s: %v", ErrUnavailable, ticketID, err)
	}

	b.logger.Info().
		Str(log.FieldTicketID, ticketID).
		Str(log.FieldStatus, string(status)).
		Str(log.FieldEvent, "ticket.settled").
		Msg("ticket settled")

	return ticket, nil
}

// SettleTx performs the lease-guarded terminal ticket update inside an
// externally owned transaction. The run supervisor uses this so a run's
// terminal transition and its ticket outcome commit atomically; external
// callers go through Complete/Fail instead.
//
// Returns false when the caller is no longer authoritative (token mismatch,
// ticket not CLAIMED, or row missing). No rows are touched in that case.
func (b *SQLBacklog) SettleTx(ctx context.Context, tx *sql.Tx, ticketID, leaseToken string, status model.TicketStatus, reason string) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("%w: settle status %q is not terminal", ErrValidation, status)
	}
	now := time.Now().UTC()

	var res sql.Result
	var err error
	if status == model.TicketFailed {
		res, err = tx.ExecContext(ctx, `
			UPDATE tickets
			SET status = ?, attempts = attempts + 1, last_failure_reason = ?,
			    lease_owner = NULL, lease_token = NULL, lease_expires_at = NULL, updated_at = ?
			WHERE id = ? AND status = ? AND lease_token = ?`,
			string(status), nullableString(reason), now.UnixMilli(),
			ticketID, string(model.TicketClaimed), leaseToken,
		)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE tickets
			SET status = ?, lease_owner = NULL, lease_token = NULL, lease_expires_at = NULL, updated_at = ?
			WHERE id = ? AND status = ? AND lease_token = ?`,
			string(status), now.UnixMilli(),
			ticketID, string(model.TicketClaimed), leaseToken,
		)
	}
	if err != nil {
		return false, fmt.Errorf("%w: settle %s: %v", ErrUnavailable, ticketID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: settle %s: %v", ErrUnavailable, ticketID, err)
	}
	if affected != 1 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE leases SET released_at = ?
		WHERE token = ? AND released_at IS NULL`,
		now.UnixMilli(), leaseToken,
	); err != nil {
		return false, fmt.Errorf("%w: settle %s: lease release: %v", ErrUnavailable, ticketID, err)
	}
	return true, nil
}

// Get returns the ticket by id, or nil when absent.
func (b *SQLBacklog) Get(ctx context.Context, id string) (*model.Ticket, error) {
	return b.getByID(ctx, b.DB, id)
}

// --- row access helpers ---

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (b *SQLBacklog) getByID(ctx context.Context, q rowQuerier, id string) (*model.Ticket, error) {
	t, err := scanTicket(q.QueryRowContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read ticket %s: %v", ErrUnavailable, id, err)
	}
	return t, nil
}

func (b *SQLBacklog) getByIdempotencyKey(ctx context.Context, key string) (*model.Ticket, error) {
	t, err := scanTicket(b.DB.QueryRowContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE idempotency_key = ?`, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read ticket by key: %v", ErrUnavailable, err)
	}
	return t, nil
}

func scanTicket(scanner interface{ Scan(dest ...any) error }) (*model.Ticket, error) {
	var t model.Ticket
	var contextJSON, criteriaJSON []byte
	var leaseOwner, leaseToken, failureReason sql.NullString
	var leaseExpires sql.NullInt64
	var createdAt, updatedAt int64

	err := scanner.Scan(
		&t.ID, &t.Source, &t.Type, (*string)(&t.Priority), &t.Repo,
		&contextJSON, &criteriaJSON, &t.IdempotencyKey, (*string)(&t.Status),
		&t.Attempts, &leaseOwner, &leaseToken, &leaseExpires, &failureReason,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	_ = json.Unmarshal(contextJSON, &t.Context)
	_ = json.Unmarshal(criteriaJSON, &t.AcceptanceCriteria)
	t.LeaseOwner = leaseOwner.String
	t.LeaseToken = leaseToken.String
	if leaseExpires.Valid {
		t.LeaseExpiresAt = time.UnixMilli(leaseExpires.Int64).UTC()
	}
	t.LastFailureReason = failureReason.String
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	t.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &t, nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
