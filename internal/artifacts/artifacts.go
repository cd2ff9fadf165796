// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package artifacts stores pointer rows for run outputs. The bytes live
// wherever the harness put them; this package only records where.
package artifacts

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ManuGH/factoryd/internal/core/model"
	"github.com/ManuGH/factoryd/internal/log"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store persists artifact rows in the shared sqlite database.
type Store struct {
	DB *sql.DB

	logger zerolog.Logger
}

// NewStore wires the store against the shared database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db, logger: log.WithComponent("artifacts")}
}

// Record inserts an artifact row. A missing ID is filled with a fresh
// uuid; CreatedAt is always set server-side.
func (s *Store) Record(ctx context.Context, a *model.Artifact) (*model.Artifact, error) {
	if a.RunID == "" || a.TicketID == "" || a.URI == "" {
		return nil, fmt.Errorf("artifacts: run id, ticket id and uri are required")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Type == "" {
		a.Type = "file"
	}
	a.CreatedAt = time.Now().UTC()

	metadata := a.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("artifacts: record %s: %w", a.ID, err)
	}

	if _, err := s.DB.ExecContext(ctx, `
		INSERT INTO artifacts (id, run_id, ticket_id, artifact_type, uri, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RunID, a.TicketID, a.Type, a.URI, string(metadataJSON), a.CreatedAt.UnixMilli(),
	); err != nil {
		return nil, fmt.Errorf("artifacts: record %s: %w", a.ID, err)
	}

	s.logger.Info().
		Str(log.FieldRunID, a.RunID).
		Str(log.FieldTicketID, a.TicketID).
		Str("artifact_id", a.ID).
		Str("uri", a.URI).
		Msg("artifact recorded")
	return a, nil
}

// ListByRun returns the run's artifacts, oldest first.
func (s *Store) ListByRun(ctx context.Context, runID string) ([]*model.Artifact, error) {
	return s.list(ctx, "run_id", runID)
}

// ListByTicket returns every artifact across the ticket's runs, oldest
// first.
func (s *Store) ListByTicket(ctx context.Context, ticketID string) ([]*model.Artifact, error) {
	return s.list(ctx, "ticket_id", ticketID)
}

func (s *Store) list(ctx context.Context, column, value string) ([]*model.Artifact, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, run_id, ticket_id, artifact_type, uri, metadata, created_at
		FROM artifacts WHERE `+column+` = ? ORDER BY created_at ASC, id ASC`, value)
	if err != nil {
		return nil, fmt.Errorf("artifacts: list by %s %s: %w", column, value, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Artifact
	for rows.Next() {
		var a model.Artifact
		var metadataJSON string
		var createdAt int64
		if err := rows.Scan(&a.ID, &a.RunID, &a.TicketID, &a.Type, &a.URI, &metadataJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("artifacts: list by %s %s: %w", column, value, err)
		}
		_ = json.Unmarshal([]byte(metadataJSON), &a.Metadata)
		a.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, &a)
	}
	return out, rows.Err()
}
