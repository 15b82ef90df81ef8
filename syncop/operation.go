/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package syncop defines the unit of work of the sync dispatch core:
// operations destined for external providers, their lifecycle states,
// failure classification, and the dead-letter record of terminal failures.
package syncop

import (
	"time"

	"github.com/rs/xid"
)

// Kind represents the kind of a sync operation.
type Kind string

// Supported operation kinds.
const (
	KindCreate Kind = "CREATE"
	KindUpdate Kind = "UPDATE"
	KindDelete Kind = "DELETE"
)

// Status represents the current state of an operation in its lifecycle.
type Status string

// Operation statuses. Transitions are monotonic
// (Pending -> InFlight -> Succeeded|RetryScheduled|Dead),
// except RetryScheduled -> InFlight which may repeat on re-dispatch.
const (
	StatusPending        Status = "PENDING"
	StatusInFlight       Status = "IN_FLIGHT"
	StatusSucceeded      Status = "SUCCEEDED"
	StatusRetryScheduled Status = "RETRY_SCHEDULED"
	StatusDead           Status = "DEAD"
)

// Terminal reports whether the status is a terminal one.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusDead
}

// Operation is a single unit of work: one CRUD-like call to an external provider.
// The payload is opaque to the dispatch core.
type Operation struct {
	ID            string          `json:"id"`
	Kind          Kind            `json:"kind"`
	Provider      string          `json:"provider"`
	Payload       []byte          `json:"payload,omitempty"`
	Attempts      int             `json:"attempts"`
	EnqueuedAt    time.Time       `json:"enqueuedAt"`
	LastAttemptAt time.Time       `json:"lastAttemptAt,omitempty"`
	Status        Status          `json:"status"`
	History       []AttemptOutcome `json:"history,omitempty"`
}

// NewOperation creates a new pending operation with a generated ID.
func NewOperation(kind Kind, provider string, payload []byte) *Operation {
	return &Operation{
		ID:       xid.New().String(),
		Kind:     kind,
		Provider: provider,
		Payload:  payload,
		Status:   StatusPending,
	}
}

// RecordFailure appends an attempt outcome to the operation's failure history.
func (op *Operation) RecordFailure(at time.Time, class ErrorClass, detail string) {
	op.History = append(op.History, AttemptOutcome{
		Attempt: op.Attempts,
		At:      at,
		Class:   class,
		Detail:  detail,
	})
}

// Clone returns a deep copy of the operation.
// Dead-letter entries keep a snapshot that must not alias live queue state.
func (op *Operation) Clone() *Operation {
	snapshot := *op
	snapshot.Payload = append([]byte(nil), op.Payload...)
	snapshot.History = append([]AttemptOutcome(nil), op.History...)
	return &snapshot
}

// AttemptOutcome is one entry of an operation's failure history.
type AttemptOutcome struct {
	Attempt int        `json:"attempt"`
	At      time.Time  `json:"at"`
	Class   ErrorClass `json:"class"`
	Detail  string     `json:"detail,omitempty"`
}

// DeadLetterEntry is the terminal, immutable record of a permanently failed operation.
type DeadLetterEntry struct {
	Operation *Operation       `json:"operation"`
	History   []AttemptOutcome `json:"history,omitempty"`
	Reason    string           `json:"reason"`
	DeadAt    time.Time        `json:"deadAt"`
}

// NewDeadLetterEntry builds a dead-letter entry from a snapshot of the given operation.
func NewDeadLetterEntry(op *Operation, reason string, deadAt time.Time) *DeadLetterEntry {
	snapshot := op.Clone()
	snapshot.Status = StatusDead
	return &DeadLetterEntry{
		Operation: snapshot,
		History:   snapshot.History,
		Reason:    reason,
		DeadAt:    deadAt,
	}
}

// Result is the queryable outcome of an operation as seen by callers.
type Result struct {
	OperationID   string           `json:"operationId"`
	Provider      string           `json:"provider"`
	Status        Status           `json:"status"`
	Attempts      int              `json:"attempts"`
	EnqueuedAt    time.Time        `json:"enqueuedAt"`
	LastAttemptAt time.Time        `json:"lastAttemptAt,omitempty"`
	History       []AttemptOutcome `json:"history,omitempty"`
}

// ResultOf builds a Result from the operation's current state.
func ResultOf(op *Operation) Result {
	return Result{
		OperationID:   op.ID,
		Provider:      op.Provider,
		Status:        op.Status,
		Attempts:      op.Attempts,
		EnqueuedAt:    op.EnqueuedAt,
		LastAttemptAt: op.LastAttemptAt,
		History:       append([]AttemptOutcome(nil), op.History...),
	}
}
