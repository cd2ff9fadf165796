// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package queue carries readiness hints between ticket ingestion and the
// dispatcher. The queue is a hint channel only: the sqlite backlog stays
// the source of truth, and a lost or duplicated hint costs at most one
// redundant claim attempt.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/factoryd/internal/log"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	readyKey      = "factory:ready"
	deadLetterKey = "factory:dlq"
)

// Queue is the readiness-hint transport used by the dispatcher.
type Queue interface {
	// Enqueue pushes a ticket id onto the ready list.
	Enqueue(ctx context.Context, ticketID string) error
	// Dequeue pops the oldest ticket id, or returns "" when the list is
	// empty.
	Dequeue(ctx context.Context) (string, error)
	// DeadLetter parks a ticket id with a reason for operator review.
	DeadLetter(ctx context.Context, ticketID, reason string) error
	// PendingCount returns the ready-list depth.
	PendingCount(ctx context.Context) (int64, error)
}

// DeadLetterEntry is the JSON shape stored on the dead-letter list.
type DeadLetterEntry struct {
	TicketID string    `json:"ticketId"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failedAt"`
}

// RedisConfig holds the Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisQueue is a Redis-list-backed Queue.
type RedisQueue struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisQueue connects to Redis and verifies the connection.
func NewRedisQueue(config RedisConfig) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("queue: redis connection failed: %w", err)
	}

	logger := log.WithComponent("queue")
	logger.Info().
		Str("addr", config.Addr).
		Int("db", config.DB).
		Msg("connected to redis queue")

	return &RedisQueue{client: client, logger: logger}, nil
}

// newRedisQueueWithClient wires an existing client; used by tests.
func newRedisQueueWithClient(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client, logger: zerolog.Nop()}
}

// Enqueue pushes the ticket id onto the tail of the ready list.
func (q *RedisQueue) Enqueue(ctx context.Context, ticketID string) error {
	if err := q.client.RPush(ctx, readyKey, ticketID).Err(); err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", ticketID, err)
	}
	return nil
}

// Dequeue pops the head of the ready list. An empty list yields "" with a
// nil error so the dispatcher can fall back to a backlog scan.
func (q *RedisQueue) Dequeue(ctx context.Context) (string, error) {
	id, err := q.client.LPop(ctx, readyKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("queue: dequeue: %w", err)
	}
	return id, nil
}

// DeadLetter records the ticket on the dead-letter list.
func (q *RedisQueue) DeadLetter(ctx context.Context, ticketID, reason string) error {
	entry, err := json.Marshal(DeadLetterEntry{
		TicketID: ticketID,
		Reason:   reason,
		FailedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("queue: dead-letter %s: %w", ticketID, err)
	}
	if err := q.client.RPush(ctx, deadLetterKey, entry).Err(); err != nil {
		return fmt.Errorf("queue: dead-letter %s: %w", ticketID, err)
	}
	q.logger.Warn().
		Str(log.FieldTicketID, ticketID).
		Str(log.FieldReason, reason).
		Msg("ticket dead-lettered")
	return nil
}

// PendingCount returns the depth of the ready list.
func (q *RedisQueue) PendingCount(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, readyKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: pending count: %w", err)
	}
	return n, nil
}

// DeadLetters returns the parked entries, oldest first.
func (q *RedisQueue) DeadLetters(ctx context.Context) ([]DeadLetterEntry, error) {
	raw, err := q.client.LRange(ctx, deadLetterKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: dead letters: %w", err)
	}
	out := make([]DeadLetterEntry, 0, len(raw))
	for _, item := range raw {
		var entry DeadLetterEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			q.logger.Warn().Err(err).Msg("skipping malformed dead-letter entry")
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// HealthCheck reports whether Redis answers a ping.
func (q *RedisQueue) HealthCheck(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
