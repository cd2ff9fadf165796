// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package daemon holds the long-running loops: the dispatcher that turns
// READY tickets into runs, and the sweeper that recovers stale ones.
package daemon

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ManuGH/factoryd/internal/backlog"
	"github.com/ManuGH/factoryd/internal/core/model"
	"github.com/ManuGH/factoryd/internal/harness"
	"github.com/ManuGH/factoryd/internal/log"
	"github.com/ManuGH/factoryd/internal/metrics"
	"github.com/ManuGH/factoryd/internal/queue"
	"github.com/ManuGH/factoryd/internal/supervisor"
	"github.com/rs/zerolog"
)

// DispatcherConfig bounds one dispatcher instance.
type DispatcherConfig struct {
	Owner    string
	Budget   model.Budget
	Interval time.Duration
	// BatchSize caps how many tickets one tick may dispatch.
	BatchSize int
}

// Dispatcher claims READY tickets and hands them to a harness adapter.
// The queue is consulted first as a hint; a periodic backlog scan catches
// tickets whose hint was lost.
type Dispatcher struct {
	Backlog    *backlog.SQLBacklog
	Supervisor *supervisor.Supervisor
	Queue      queue.Queue // optional
	Registry   *harness.Registry
	Conf       DispatcherConfig

	paused atomic.Bool
	logger zerolog.Logger
}

// NewDispatcher wires a dispatcher. Queue may be nil; the dispatcher then
// relies on backlog scans alone.
func NewDispatcher(bl *backlog.SQLBacklog, sup *supervisor.Supervisor, q queue.Queue, reg *harness.Registry, conf DispatcherConfig) *Dispatcher {
	if conf.BatchSize <= 0 {
		conf.BatchSize = 10
	}
	return &Dispatcher{
		Backlog:    bl,
		Supervisor: sup,
		Queue:      q,
		Registry:   reg,
		Conf:       conf,
		logger:     log.WithComponent("dispatcher"),
	}
}

// Pause stops new dispatches; in-flight runs are unaffected.
func (d *Dispatcher) Pause() {
	d.paused.Store(true)
	metrics.SetDispatchPaused(true)
	d.logger.Info().Msg("dispatching paused")
}

// Resume re-enables dispatching.
func (d *Dispatcher) Resume() {
	d.paused.Store(false)
	metrics.SetDispatchPaused(false)
	d.logger.Info().Msg("dispatching resumed")
}

// Paused reports the pause flag.
func (d *Dispatcher) Paused() bool { return d.paused.Load() }

// Run drives DispatchOnce on a ticker until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	if d.Conf.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(d.Conf.Interval)
	defer ticker.Stop()

	d.logger.Info().Dur("interval", d.Conf.Interval).Msg("dispatcher started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.DispatchOnce(ctx); err != nil {
				d.logger.Warn().Err(err).Msg("dispatch pass failed")
			}
		}
	}
}

// DispatchOnce performs exactly one dispatch pass and returns how many
// runs it started. Deterministic and suitable for unit testing.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	if d.paused.Load() {
		return 0, nil
	}

	tickets, err := d.candidates(ctx)
	if err != nil {
		return 0, err
	}

	started := 0
	for _, ticket := range tickets {
		if d.dispatchTicket(ctx, ticket) {
			started++
		}
	}

	if d.Queue != nil {
		if depth, err := d.Queue.PendingCount(ctx); err == nil {
			metrics.SetQueueDepth(depth)
		}
	}
	return started, nil
}

// candidates drains queue hints first, then falls back to a backlog scan.
func (d *Dispatcher) candidates(ctx context.Context) ([]*model.Ticket, error) {
	var out []*model.Ticket
	seen := make(map[string]bool)

	if d.Queue != nil {
		for len(out) < d.Conf.BatchSize {
			id, err := d.Queue.Dequeue(ctx)
			if err != nil {
				d.logger.Warn().Err(err).Msg("queue dequeue failed, falling back to scan")
				break
			}
			if id == "" {
				break
			}
			ticket, err := d.Backlog.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			// Hints can be stale: the ticket may be gone or already taken.
			if ticket == nil || ticket.Status != model.TicketReady || seen[ticket.ID] {
				continue
			}
			seen[ticket.ID] = true
			out = append(out, ticket)
		}
	}

	if len(out) < d.Conf.BatchSize {
		scanned, err := d.Backlog.FetchReady(ctx, d.Conf.BatchSize-len(out))
		if err != nil {
			return nil, err
		}
		for _, ticket := range scanned {
			if !seen[ticket.ID] {
				seen[ticket.ID] = true
				out = append(out, ticket)
			}
		}
	}
	return out, nil
}

// dispatchTicket claims the ticket, launches it on the first supporting
// adapter, and moves the run to RUNNING. Reports whether a run started.
func (d *Dispatcher) dispatchTicket(ctx context.Context, ticket *model.Ticket) bool {
	adapter := d.adapterFor(ticket.Type)
	if adapter == nil {
		d.logger.Warn().
			Str(log.FieldTicketID, ticket.ID).
			Str("ticket_type", ticket.Type).
			Msg("no adapter supports ticket type")
		if d.Queue != nil {
			if err := d.Queue.DeadLetter(ctx, ticket.ID, "no adapter for type "+ticket.Type); err != nil {
				d.logger.Warn().Err(err).Str(log.FieldTicketID, ticket.ID).Msg("dead-letter failed")
			}
		}
		return false
	}

	run, err := d.Supervisor.Dispatch(ctx, ticket.ID, d.Conf.Owner, adapter.Name(), d.Conf.Budget)
	if err != nil {
		d.logger.Warn().Err(err).Str(log.FieldTicketID, ticket.ID).Msg("dispatch failed")
		return false
	}
	if run == nil {
		metrics.ClaimOutcome("lost")
		return false
	}
	metrics.ClaimOutcome("won")

	sandboxID, err := adapter.LaunchTask(ctx, run, ticket)
	if err != nil {
		d.logger.Error().Err(err).
			Str(log.FieldRunID, run.ID).
			Str(log.FieldTicketID, ticket.ID).
			Msg("harness launch failed")
		if _, merr := d.Supervisor.Monitor(ctx, run.ID, model.RunFailed, 0, map[string]any{
			"reason": "launch_failed",
			"error":  err.Error(),
		}); merr != nil {
			d.logger.Error().Err(merr).Str(log.FieldRunID, run.ID).Msg("failed to terminalize run")
		}
		return false
	}

	if err := d.Supervisor.AttachSandbox(ctx, run.ID, sandboxID); err != nil {
		d.logger.Warn().Err(err).Str(log.FieldRunID, run.ID).Msg("sandbox attach failed")
	}
	if _, err := d.Supervisor.Monitor(ctx, run.ID, model.RunRunning, 0, map[string]any{
		"sandbox_id": sandboxID,
	}); err != nil {
		d.logger.Warn().Err(err).Str(log.FieldRunID, run.ID).Msg("transition to RUNNING failed")
		return false
	}
	return true
}

func (d *Dispatcher) adapterFor(ticketType string) harness.Adapter {
	for _, name := range d.Registry.Names() {
		adapter, err := d.Registry.Get(name)
		if err != nil {
			continue
		}
		if adapter.Supports(ticketType) {
			return adapter
		}
	}
	return nil
}
