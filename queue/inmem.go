/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/acronis/go-syncdispatch/syncop"
)

// InMemQueue is an in-process Queue implementation with consumer-group
// semantics: visibility timeouts, delayed redelivery, and a dead letter store.
// It is suitable for single-process deployments and for tests;
// use PostgresQueue when operations must survive a process restart.
type InMemQueue struct {
	mu      sync.Mutex
	pending *pendingHeap
	claimed map[string]*queueItem
	dead    []*syncop.DeadLetterEntry

	now func() time.Time
}

type queueItem struct {
	op            *syncop.Operation
	readyAt       time.Time
	claimedBy     string
	claimDeadline time.Time
}

// NewInMemQueue creates a new empty in-memory queue.
func NewInMemQueue() *InMemQueue {
	q := &InMemQueue{
		pending: &pendingHeap{},
		claimed: make(map[string]*queueItem),
		now:     time.Now,
	}
	heap.Init(q.pending)
	return q
}

// Enqueue adds a new operation to the queue.
func (q *InMemQueue) Enqueue(_ context.Context, op *syncop.Operation) error {
	if op == nil || op.ID == "" {
		return fmt.Errorf("operation must have an ID")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = now
	}
	if op.Status == "" {
		op.Status = syncop.StatusPending
	}
	heap.Push(q.pending, &queueItem{op: op, readyAt: now})
	return nil
}

// Claim returns the next ready operation, making it invisible to other
// workers until the visibility timeout expires. Expired claims are released
// back to the queue first, so operations held by a crashed worker become
// redeliverable here.
func (q *InMemQueue) Claim(_ context.Context, workerID string, visibilityTimeout time.Duration) (*syncop.Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.releaseExpiredClaimsLocked(now)

	if q.pending.Len() == 0 {
		return nil, nil
	}
	next := (*q.pending)[0]
	if next.readyAt.After(now) {
		return nil, nil
	}

	heap.Pop(q.pending)
	next.claimedBy = workerID
	next.claimDeadline = now.Add(visibilityTimeout)
	q.claimed[next.op.ID] = next
	return next.op, nil
}

// Ack permanently removes a claimed operation from the queue. A worker whose
// claim expired and was redelivered no longer holds the claim and cannot ack.
func (q *InMemQueue) Ack(_ context.Context, workerID, operationID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.claimed[operationID]
	if !ok {
		return fmt.Errorf("ack %q: %w", operationID, ErrOperationNotFound)
	}
	if item.claimedBy != workerID {
		return fmt.Errorf("ack %q by %q: %w", operationID, workerID, ErrClaimNotHeld)
	}
	delete(q.claimed, operationID)
	return nil
}

// Requeue releases the claim on an operation and schedules its redelivery after delay.
// A worker whose claim expired and was redelivered no longer holds the claim and cannot requeue.
func (q *InMemQueue) Requeue(_ context.Context, workerID string, op *syncop.Operation, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.claimed[op.ID]
	if !ok {
		return fmt.Errorf("requeue %q: %w", op.ID, ErrOperationNotFound)
	}
	if item.claimedBy != workerID {
		return fmt.Errorf("requeue %q by %q: %w", op.ID, workerID, ErrClaimNotHeld)
	}
	delete(q.claimed, op.ID)

	item.op = op
	item.claimedBy = ""
	item.claimDeadline = time.Time{}
	item.readyAt = q.now().Add(delay)
	heap.Push(q.pending, item)
	return nil
}

// DeadLetter appends a terminal record to the dead letter store.
func (q *InMemQueue) DeadLetter(_ context.Context, entry *syncop.DeadLetterEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, entry)
	return nil
}

// ListDeadLetters returns up to limit dead letter entries, oldest first.
func (q *InMemQueue) ListDeadLetters(_ context.Context, limit int) ([]*syncop.DeadLetterEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.dead)
	if limit > 0 && limit < n {
		n = limit
	}
	entries := make([]*syncop.DeadLetterEntry, n)
	copy(entries, q.dead[:n])
	return entries, nil
}

// ReplayDeadLetter re-enqueues the operation of a dead letter entry with a
// reset attempt budget and removes the entry from the store.
func (q *InMemQueue) ReplayDeadLetter(ctx context.Context, operationID string) error {
	q.mu.Lock()
	var entry *syncop.DeadLetterEntry
	for i, e := range q.dead {
		if e.Operation.ID == operationID {
			entry = e
			q.dead = append(q.dead[:i], q.dead[i+1:]...)
			break
		}
	}
	q.mu.Unlock()

	if entry == nil {
		return fmt.Errorf("replay %q: %w", operationID, ErrOperationNotFound)
	}

	op := entry.Operation.Clone()
	op.Status = syncop.StatusPending
	op.Attempts = 0
	return q.Enqueue(ctx, op)
}

// Depths returns the current queue depth. Implements DepthReporter.
func (q *InMemQueue) Depths(_ context.Context) (Lengths, error) {
	return q.Lengths(), nil
}

// Lengths returns the current queue depth.
func (q *InMemQueue) Lengths() Lengths {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var ready, delayed int
	for _, item := range *q.pending {
		if item.readyAt.After(now) {
			delayed++
		} else {
			ready++
		}
	}
	return Lengths{
		Ready:   ready,
		Delayed: delayed,
		Claimed: len(q.claimed),
		Dead:    len(q.dead),
	}
}

func (q *InMemQueue) releaseExpiredClaimsLocked(now time.Time) {
	for id, item := range q.claimed {
		if now.After(item.claimDeadline) {
			delete(q.claimed, id)
			item.claimedBy = ""
			item.claimDeadline = time.Time{}
			item.readyAt = now
			heap.Push(q.pending, item)
		}
	}
}

// pendingHeap orders queue items by readiness time.
type pendingHeap []*queueItem

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool { return h[i].readyAt.Before(h[j].readyAt) }

func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pendingHeap) Push(x interface{}) {
	*h = append(*h, x.(*queueItem))
}

func (h *pendingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

var (
	_ Queue           = (*InMemQueue)(nil)
	_ DeadLetterStore = (*InMemQueue)(nil)
	_ DepthReporter   = (*InMemQueue)(nil)
)
