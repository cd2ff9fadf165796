// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package harness

import (
	"context"
	"testing"

	"github.com/ManuGH/factoryd/internal/core/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryFiltersByEnabledList(t *testing.T) {
	codex := NewLocalAdapter("codex")
	claude := NewLocalAdapter("claude")

	r := NewRegistry([]string{"codex"}, codex, claude)
	assert.Equal(t, []string{"codex"}, r.Names())

	got, err := r.Get("codex")
	require.NoError(t, err)
	assert.Same(t, codex, got)

	_, err = r.Get("claude")
	assert.Error(t, err)
}

func TestRegistryEmptyEnabledAdmitsAll(t *testing.T) {
	r := NewRegistry(nil, NewLocalAdapter("codex"), NewLocalAdapter("claude"))
	assert.Equal(t, []string{"claude", "codex"}, r.Names())
}

func TestLocalAdapterLifecycle(t *testing.T) {
	a := NewLocalAdapter("codex")
	ctx := context.Background()

	run := &model.Run{ID: "run-1", TicketID: "ENG-1", Harness: "codex"}
	ticket := &model.Ticket{ID: "ENG-1", Repo: "acme/app"}

	sandboxID, err := a.LaunchTask(ctx, run, ticket)
	require.NoError(t, err)
	assert.NotEmpty(t, sandboxID)

	// Double launch of the same run is rejected.
	_, err = a.LaunchTask(ctx, run, ticket)
	assert.Error(t, err)

	events, err := a.StreamEvents(ctx, run.ID)
	require.NoError(t, err)

	first := <-events
	assert.Equal(t, "started", first.Type)
	assert.Equal(t, "ENG-1", first.Detail["ticket_id"])

	require.NoError(t, a.SendControl(ctx, run.ID, SignalPause))
	ctrl := <-events
	assert.Equal(t, "control", ctrl.Type)
	assert.Equal(t, "pause", ctrl.Detail["signal"])

	require.NoError(t, a.Terminate(ctx, run.ID))
	for range events {
		// Drain until the adapter closes the stream.
	}

	_, err = a.StreamEvents(ctx, run.ID)
	assert.Error(t, err)
}

func TestLocalAdapterUnknownRun(t *testing.T) {
	a := NewLocalAdapter("codex")
	ctx := context.Background()

	_, err := a.StreamEvents(ctx, "nope")
	assert.Error(t, err)
	assert.Error(t, a.SendControl(ctx, "nope", SignalResume))
	assert.NoError(t, a.Terminate(ctx, "nope"))
}
