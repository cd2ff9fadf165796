// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package backlog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ManuGH/factoryd/internal/core/model"
	"github.com/google/uuid"
)

// MemoryBacklog is an in-process Backlog for unit tests and local
// bring-up. Semantics mirror SQLBacklog; the mutex plays the role of the
// store's conditional updates.
type MemoryBacklog struct {
	LeaseTTL time.Duration

	mu      sync.Mutex
	tickets map[string]*model.Ticket
	byKey   map[string]string // idempotency_key -> ticket id
	leases  []*model.Lease
	nextID  int64
}

// NewMemoryBacklog returns an empty in-memory backlog.
func NewMemoryBacklog(leaseTTL time.Duration) *MemoryBacklog {
	return &MemoryBacklog{
		LeaseTTL: leaseTTL,
		tickets:  make(map[string]*model.Ticket),
		byKey:    make(map[string]string),
	}
}

func (m *MemoryBacklog) Create(_ context.Context, ticket *model.Ticket) (*model.Ticket, error) {
	if ticket == nil || ticket.IdempotencyKey == "" {
		return nil, fmt.Errorf("%w: idempotency key must not be empty", ErrValidation)
	}
	if ticket.ID == "" {
		return nil, fmt.Errorf("%w: ticket id must not be empty", ErrValidation)
	}
	if !ticket.Priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrValidation, ticket.Priority)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byKey[ticket.IdempotencyKey]; ok {
		return copyTicket(m.tickets[id]), nil
	}

	now := time.Now().UTC()
	stored := copyTicket(ticket)
	stored.Status = model.TicketReady
	stored.Attempts = 0
	stored.LeaseOwner = ""
	stored.LeaseToken = ""
	stored.LeaseExpiresAt = time.Time{}
	stored.CreatedAt = now
	stored.UpdatedAt = now

	m.tickets[stored.ID] = stored
	m.byKey[stored.IdempotencyKey] = stored.ID
	return copyTicket(stored), nil
}

func (m *MemoryBacklog) FetchReady(_ context.Context, limit int) ([]*model.Ticket, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var ready []*model.Ticket
	for _, t := range m.tickets {
		if t.Status == model.TicketReady {
			ready = append(ready, copyTicket(t))
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ri, rj := ready[i].Priority.Rank(), ready[j].Priority.Rank(); ri != rj {
			return ri < rj
		}
		if !ready[i].CreatedAt.Equal(ready[j].CreatedAt) {
			return ready[i].CreatedAt.Before(ready[j].CreatedAt)
		}
		return ready[i].ID < ready[j].ID
	})
	if len(ready) > limit {
		ready = ready[:limit]
	}
	return ready, nil
}

func (m *MemoryBacklog) Claim(_ context.Context, ticketID, owner string) (*model.Lease, error) {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tickets[ticketID]
	if !ok {
		return nil, nil
	}
	claimable := t.Status == model.TicketReady ||
		(t.Status == model.TicketClaimed && !t.LeaseExpiresAt.IsZero() && t.LeaseExpiresAt.Before(now))
	if !claimable {
		return nil, nil
	}

	token := uuid.NewString()
	expiresAt := now.Add(m.LeaseTTL)
	t.Status = model.TicketClaimed
	t.LeaseOwner = owner
	t.LeaseToken = token
	t.LeaseExpiresAt = expiresAt
	t.UpdatedAt = now

	m.nextID++
	lease := &model.Lease{
		ID:        m.nextID,
		TicketID:  ticketID,
		Owner:     owner,
		Token:     token,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}
	m.leases = append(m.leases, lease)
	cp := *lease
	return &cp, nil
}

func (m *MemoryBacklog) Heartbeat(_ context.Context, ticketID, leaseToken string) (*model.Lease, error) {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tickets[ticketID]
	if !ok || t.Status != model.TicketClaimed || t.LeaseToken != leaseToken ||
		t.LeaseExpiresAt.IsZero() || t.LeaseExpiresAt.Before(now) {
		return nil, nil
	}

	expiresAt := now.Add(m.LeaseTTL)
	t.LeaseExpiresAt = expiresAt
	t.UpdatedAt = now
	if lease := m.latestLease(leaseToken); lease != nil {
		lease.ExpiresAt = expiresAt
	}
	return &model.Lease{
		TicketID:  ticketID,
		Owner:     t.LeaseOwner,
		Token:     leaseToken,
		ExpiresAt: expiresAt,
	}, nil
}

func (m *MemoryBacklog) Complete(_ context.Context, ticketID, leaseToken string) (*model.Ticket, error) {
	return m.terminal(ticketID, leaseToken, model.TicketCompleted, "")
}

func (m *MemoryBacklog) Fail(_ context.Context, ticketID, leaseToken, reason string) (*model.Ticket, error) {
	return m.terminal(ticketID, leaseToken, model.TicketFailed, reason)
}

func (m *MemoryBacklog) terminal(ticketID, leaseToken string, status model.TicketStatus, reason string) (*model.Ticket, error) {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tickets[ticketID]
	if !ok || t.Status != model.TicketClaimed || t.LeaseToken != leaseToken {
		return nil, nil
	}

	t.Status = status
	if status == model.TicketFailed {
		t.Attempts++
		t.LastFailureReason = reason
	}
	t.LeaseOwner = ""
	t.LeaseToken = ""
	t.LeaseExpiresAt = time.Time{}
	t.UpdatedAt = now

	if lease := m.latestLease(leaseToken); lease != nil && lease.ReleasedAt.IsZero() {
		lease.ReleasedAt = now
	}
	return copyTicket(t), nil
}

// Leases returns a snapshot of the audit trail, newest last.
func (m *MemoryBacklog) Leases() []*model.Lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Lease, 0, len(m.leases))
	for _, l := range m.leases {
		cp := *l
		out = append(out, &cp)
	}
	return out
}

func (m *MemoryBacklog) latestLease(token string) *model.Lease {
	for i := len(m.leases) - 1; i >= 0; i-- {
		if m.leases[i].Token == token {
			return m.leases[i]
		}
	}
	return nil
}

func copyTicket(t *model.Ticket) *model.Ticket {
	cp := *t
	if t.Context != nil {
		cp.Context = make(map[string]any, len(t.Context))
		for k, v := range t.Context {
			cp.Context[k] = v
		}
	}
	if t.AcceptanceCriteria != nil {
		cp.AcceptanceCriteria = append([]string(nil), t.AcceptanceCriteria...)
	}
	return &cp
}
