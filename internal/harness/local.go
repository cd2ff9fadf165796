// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package harness

import (
	"context"
	"fmt"
	"sync"

	"github.com/ManuGH/factoryd/internal/core/model"
	"github.com/ManuGH/factoryd/internal/log"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// LocalAdapter runs tasks in-process. It exists for development setups
// and for exercising the dispatch path without a real agent runtime.
type LocalAdapter struct {
	name   string
	logger zerolog.Logger

	mu    sync.Mutex
	tasks map[string]*localTask
}

type localTask struct {
	sandboxID string
	events    chan Event
	cancel    context.CancelFunc
}

// NewLocalAdapter returns an adapter answering to the given name.
func NewLocalAdapter(name string) *LocalAdapter {
	return &LocalAdapter{
		name:   name,
		logger: log.WithComponent("harness." + name),
		tasks:  make(map[string]*localTask),
	}
}

func (a *LocalAdapter) Name() string { return a.name }

// Supports accepts every ticket type; the local runtime has no
// specialization.
func (a *LocalAdapter) Supports(string) bool { return true }

// LaunchTask registers the run and emits a single started event.
func (a *LocalAdapter) LaunchTask(ctx context.Context, run *model.Run, ticket *model.Ticket) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.tasks[run.ID]; exists {
		return "", fmt.Errorf("harness: run %s already launched", run.ID)
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	task := &localTask{
		sandboxID: "local-" + uuid.NewString(),
		events:    make(chan Event, 8),
		cancel:    cancel,
	}
	a.tasks[run.ID] = task

	task.events <- Event{Type: "started", Detail: map[string]any{
		"ticket_id": ticket.ID,
		"repo":      ticket.Repo,
	}}

	go func() {
		<-taskCtx.Done()
		a.mu.Lock()
		defer a.mu.Unlock()
		if t, ok := a.tasks[run.ID]; ok {
			close(t.events)
			delete(a.tasks, run.ID)
		}
	}()

	a.logger.Info().
		Str(log.FieldRunID, run.ID).
		Str(log.FieldTicketID, ticket.ID).
		Str("sandbox_id", task.sandboxID).
		Msg("task launched")
	return task.sandboxID, nil
}

func (a *LocalAdapter) StreamEvents(_ context.Context, runID string) (<-chan Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	task, ok := a.tasks[runID]
	if !ok {
		return nil, fmt.Errorf("harness: run %s not launched", runID)
	}
	return task.events, nil
}

// SendControl acknowledges the signal as an event on the stream.
func (a *LocalAdapter) SendControl(_ context.Context, runID string, signal ControlSignal) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	task, ok := a.tasks[runID]
	if !ok {
		return fmt.Errorf("harness: run %s not launched", runID)
	}
	select {
	case task.events <- Event{Type: "control", Detail: map[string]any{"signal": string(signal)}}:
		return nil
	default:
		return fmt.Errorf("harness: run %s event buffer full", runID)
	}
}

// CollectArtifacts returns nothing; local tasks leave outputs in place.
func (a *LocalAdapter) CollectArtifacts(context.Context, string) ([]ArtifactRef, error) {
	return nil, nil
}

// Terminate stops the task and closes its event stream.
func (a *LocalAdapter) Terminate(_ context.Context, runID string) error {
	a.mu.Lock()
	task, ok := a.tasks[runID]
	a.mu.Unlock()
	if !ok {
		return nil
	}
	task.cancel()
	return nil
}
