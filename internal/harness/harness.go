// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package harness defines the adapter contract between the supervisor and
// the agent runtimes that execute tickets.
package harness

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ManuGH/factoryd/internal/core/model"
)

// Event is a progress notification emitted by a running task.
type Event struct {
	Type       string         `json:"type"`
	TokenCount int            `json:"tokenCount,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// ControlSignal steers a running task.
type ControlSignal string

const (
	SignalPause   ControlSignal = "pause"
	SignalResume  ControlSignal = "resume"
	SignalApprove ControlSignal = "approve"
)

// ArtifactRef points at an output the task produced.
type ArtifactRef struct {
	Kind string `json:"kind"`
	URI  string `json:"uri"`
}

// Adapter executes tickets on a concrete agent runtime. Implementations
// must be safe for concurrent use; the dispatcher fans tasks out across
// workers.
type Adapter interface {
	// Name identifies the adapter in config and run records.
	Name() string
	// Supports reports whether this adapter can execute the ticket type.
	Supports(ticketType string) bool
	// LaunchTask starts the work for a dispatched run and returns the
	// sandbox id hosting it.
	LaunchTask(ctx context.Context, run *model.Run, ticket *model.Ticket) (sandboxID string, err error)
	// StreamEvents yields progress events until the task ends or ctx is
	// canceled. The channel is closed by the adapter.
	StreamEvents(ctx context.Context, runID string) (<-chan Event, error)
	// SendControl delivers a steering signal to the running task.
	SendControl(ctx context.Context, runID string, signal ControlSignal) error
	// CollectArtifacts returns the task outputs after a terminal state.
	CollectArtifacts(ctx context.Context, runID string) ([]ArtifactRef, error)
	// Terminate force-stops the task and releases its sandbox.
	Terminate(ctx context.Context, runID string) error
}

// Registry resolves adapters by name. Only adapters on the enabled list
// are registered; asking for anything else is an error.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry builds a registry holding the given adapters, filtered to
// the enabled names. An empty enabled list admits every adapter.
func NewRegistry(enabled []string, adapters ...Adapter) *Registry {
	allow := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		allow[name] = true
	}

	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		if len(allow) > 0 && !allow[a.Name()] {
			continue
		}
		r.adapters[a.Name()] = a
	}
	return r
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("harness: no adapter registered for %q", name)
	}
	return a, nil
}

// Names returns the registered adapter names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
