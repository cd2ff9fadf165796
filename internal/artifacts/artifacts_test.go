// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package artifacts

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/ManuGH/factoryd/internal/core/model"
	"github.com/ManuGH/factoryd/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "factory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

// seedRun satisfies the foreign keys so artifact rows can attach.
func seedRun(t *testing.T, db *sql.DB, ticketID, runID string) {
	t.Helper()
	now := time.Now().UTC().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO tickets (id, source, type, priority, repo, idempotency_key, created_at, updated_at)
		VALUES (?, 'github', 'bug', 'MEDIUM', 'acme/app', ?, ?, ?)`,
		ticketID, ticketID+"-key", now, now)
	require.NoError(t, err)
	_, err = db.Exec(`
		INSERT INTO runs (id, ticket_id, harness, state, lease_token, max_minutes, max_tokens, started_at, heartbeat_at)
		VALUES (?, ?, 'codex', 'RUNNING', 'tok', 45, 120000, ?, ?)`,
		runID, ticketID, now, now)
	require.NoError(t, err)
}

func TestRecordAndListByRun(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedRun(t, s.DB, "ENG-1", "run-1")

	first, err := s.Record(ctx, &model.Artifact{
		RunID:    "run-1",
		TicketID: "ENG-1",
		Type:     "patch",
		URI:      "s3://artifacts/run-1/diff.patch",
		Metadata: map[string]any{"lines": float64(12)},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.False(t, first.CreatedAt.IsZero())

	_, err = s.Record(ctx, &model.Artifact{
		RunID:    "run-1",
		TicketID: "ENG-1",
		URI:      "s3://artifacts/run-1/test.log",
	})
	require.NoError(t, err)

	got, err := s.ListByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "patch", got[0].Type)
	assert.Equal(t, map[string]any{"lines": float64(12)}, got[0].Metadata)
	assert.Equal(t, "file", got[1].Type)
}

func TestListByTicketSpansRuns(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedRun(t, s.DB, "ENG-1", "run-1")
	now := time.Now().UTC().UnixMilli()
	_, err := s.DB.Exec(`
		INSERT INTO runs (id, ticket_id, harness, state, lease_token, max_minutes, max_tokens, started_at, heartbeat_at)
		VALUES ('run-2', 'ENG-1', 'codex', 'RUNNING', 'tok2', 45, 120000, ?, ?)`, now, now)
	require.NoError(t, err)

	for _, runID := range []string{"run-1", "run-2"} {
		_, err := s.Record(ctx, &model.Artifact{
			RunID:    runID,
			TicketID: "ENG-1",
			URI:      "s3://artifacts/" + runID + "/out",
		})
		require.NoError(t, err)
	}

	got, err := s.ListByTicket(ctx, "ENG-1")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	empty, err := s.ListByRun(ctx, "run-404")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRecordValidation(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Record(ctx, &model.Artifact{RunID: "run-1", TicketID: "ENG-1"})
	assert.Error(t, err)
	_, err = s.Record(ctx, &model.Artifact{URI: "s3://x"})
	assert.Error(t, err)
}
