/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package queue defines the consumer-group-capable message stream that feeds
// the sync dispatch engine and provides in-memory and Postgres-backed
// implementations of it. A claimed-but-unacknowledged operation becomes
// reclaimable by another worker after its visibility timeout expires.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/acronis/go-syncdispatch/syncop"
)

// ErrOperationNotFound is returned by Ack and Requeue for unknown or already acknowledged operations.
var ErrOperationNotFound = errors.New("operation not found")

// ErrClaimNotHeld is returned by Ack and Requeue when the operation is claimed
// by a different worker. This happens when a claim's visibility timeout expired
// and the operation was redelivered: the original worker's claim is fenced off
// so it cannot clobber the live one.
var ErrClaimNotHeld = errors.New("claim not held by worker")

// Queue is a durable, consumer-group-capable stream of sync operations.
//
// Implementations must guarantee that an operation claimed by one worker is
// not concurrently claimable by another until it is acknowledged, requeued,
// or its visibility timeout expires.
type Queue interface {
	// Enqueue adds a new operation to the stream.
	Enqueue(ctx context.Context, op *syncop.Operation) error

	// Claim returns the next available operation and makes it invisible to
	// other workers for the duration of the visibility timeout.
	// It returns nil when no operation is currently available.
	Claim(ctx context.Context, workerID string, visibilityTimeout time.Duration) (*syncop.Operation, error)

	// Ack permanently removes a claimed operation from the stream.
	// Only the worker currently holding the claim may acknowledge.
	Ack(ctx context.Context, workerID, operationID string) error

	// Requeue releases the claim and makes the operation available again
	// after the given delay. The stored operation state is replaced by op,
	// so attempt counts and failure history survive redelivery.
	// Only the worker currently holding the claim may requeue.
	Requeue(ctx context.Context, workerID string, op *syncop.Operation, delay time.Duration) error

	// DeadLetter appends a terminal record to the dead letter store.
	DeadLetter(ctx context.Context, entry *syncop.DeadLetterEntry) error
}

// DeadLetterStore exposes the operator surface of the dead letter queue.
type DeadLetterStore interface {
	// ListDeadLetters returns up to limit dead letter entries, oldest first.
	// A non-positive limit returns all entries.
	ListDeadLetters(ctx context.Context, limit int) ([]*syncop.DeadLetterEntry, error)

	// ReplayDeadLetter re-enqueues the operation of a dead letter entry with
	// a reset attempt budget and removes the entry. Replay is an explicit
	// operator action, never done by the engine itself.
	ReplayDeadLetter(ctx context.Context, operationID string) error
}

// DepthReporter is implemented by queues that can report their current depth
// for monitoring.
type DepthReporter interface {
	Depths(ctx context.Context) (Lengths, error)
}

// Lengths describes the current depth of a queue for monitoring.
type Lengths struct {
	Ready   int
	Delayed int
	Claimed int
	Dead    int
}
