// The MIT License
//
// Copyright (c) 2024 Functionless Corp.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// Package store defines the engine's data-plane interfaces: the
// History Store, Execution Store, Execution Queue, Task Claim table,
// Entity Store, Blob Store, Search Index, and dead-letter sink.
// Callers depend only on these interfaces, never on a concrete
// backend.
package store

import (
	"context"
	"time"

	"github.com/functionless/eventual/pkg/event"
)

// HistoryStore is the append-only per-execution event log.
type HistoryStore interface {
	// AppendHistory appends events to executionID's log. Implementations
	// must be safe for a single concurrent writer per executionID.
	AppendHistory(ctx context.Context, executionID string, events []*event.Event) error

	// ReadHistory returns the full ordered event log for executionID.
	ReadHistory(ctx context.Context, executionID string) ([]*event.Event, error)
}

// ErrNotFound is returned by store lookups that find nothing.
var ErrNotFound = storeError("store: not found")

// ErrConflict is returned by optimistic-concurrency writes whose
// precondition did not hold.
var ErrConflict = storeError("store: conflict")

type storeError string

func (e storeError) Error() string { return string(e) }

// ExecutionStore is the execution metadata index.
type ExecutionStore interface {
	// CreateExecution inserts a new IN_PROGRESS execution record. It
	// returns ErrConflict if an execution with the same ExecutionID
	// already exists.
	CreateExecution(ctx context.Context, exe *event.Execution) error

	// GetExecution returns ErrNotFound if no such execution exists.
	GetExecution(ctx context.Context, executionID string) (*event.Execution, error)

	// CompleteExecution transitions executionID from IN_PROGRESS to a
	// terminal status, conditional on the current status still being
	// IN_PROGRESS.
	// Returns ErrConflict if the execution was already terminal.
	CompleteExecution(ctx context.Context, executionID string, status event.Status, endTime time.Time, result []byte, errName, message string) error

	// ListExecutions pages through executions, optionally filtered by
	// status and/or workflow name.
	ListExecutions(ctx context.Context, filter ListFilter) (ListPage, error)
}

// ListFilter narrows ListExecutions.
type ListFilter struct {
	Status       *event.Status
	WorkflowName string
	PageToken    string
	PageSize     int
}

// ListPage is one page of executions plus an opaque continuation token.
type ListPage struct {
	Executions    []*event.Execution
	NextPageToken string
}

// WorkflowTask is the unit of delivery from the Execution Queue: one
// execution's ordered batch of events, grouped FIFO per execution.
type WorkflowTask struct {
	ExecutionID string
	Events      []*event.Event
}

// ExecutionQueue delivers WorkflowTasks FIFO per execution. A single
// in-flight task per ExecutionID is the queue's job to guarantee; the
// Orchestrator groups by ExecutionID defensively in case a given
// implementation only guarantees best-effort ordering.
type ExecutionQueue interface {
	// Enqueue submits one event addressed to executionID as a new
	// workflow task.
	Enqueue(ctx context.Context, executionID string, e *event.Event) error

	// Dequeue pops up to max pending WorkflowTasks for the Orchestrator to
	// process. Implementations may coalesce multiple Enqueue calls for the
	// same executionID into a single WorkflowTask.
	Dequeue(ctx context.Context, max int) ([]WorkflowTask, error)
}

// TaskClaim is one claim row, keyed by (executionID, seq, retry).
type TaskClaim struct {
	ExecutionID string
	Seq         int64
	Retry       int
	Claimer     string
	ClaimedAt   time.Time
	Heartbeat   time.Time
}

// TaskClaimStore implements first-writer-wins claiming.
type TaskClaimStore interface {
	// Claim attempts to claim (executionID, seq, retry) for claimer. It
	// returns (true, nil) if this call won the claim, (false, nil) if
	// already claimed by someone else.
	Claim(ctx context.Context, executionID string, seq int64, retry int, claimer string, now time.Time) (bool, error)

	// Heartbeat records a heartbeat timestamp on an existing claim.
	Heartbeat(ctx context.Context, executionID string, seq int64, retry int, now time.Time) error

	// Get returns the current claim row, or ErrNotFound.
	Get(ctx context.Context, executionID string, seq int64, retry int) (*TaskClaim, error)
}

// EntityVersion is the opaque optimistic-concurrency token returned from
// an entity read and required (if non-empty) on a conditional write.
type EntityVersion = string

// EntityRecord is one row of the Entity Store backing EntityOp and the
// Transaction Executor.
type EntityRecord struct {
	Value   []byte
	Version EntityVersion
}

// EntityStore is a versioned key/value store: reads observe a version,
// writes are conditional on that version being unchanged.
type EntityStore interface {
	// Get returns ErrNotFound if key does not exist.
	Get(ctx context.Context, key string) (EntityRecord, error)

	// Put writes value at key, conditional on expectedVersion matching the
	// key's current version (empty expectedVersion means "key must not
	// exist"). Returns the new version on success, ErrConflict otherwise.
	Put(ctx context.Context, key string, value []byte, expectedVersion EntityVersion) (EntityVersion, error)

	// Delete removes key, conditional on expectedVersion. Returns
	// ErrConflict if the version does not match.
	Delete(ctx context.Context, key string, expectedVersion EntityVersion) error

	// AssertUnchanged checks that key's current version still matches
	// observedVersion, without reading its value.
	AssertUnchanged(ctx context.Context, key string, observedVersion EntityVersion) error
}

// BlobStore backs BucketOp.
type BlobStore interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key string, value []byte) error
	Delete(ctx context.Context, bucket, key string) error
}

// SearchIndex backs SearchOp.
type SearchIndex interface {
	Query(ctx context.Context, query string) (json []byte, err error)
}

// DeadLetterSink receives event deliveries the Event Router exhausted
// its retry budget on.
type DeadLetterSink interface {
	Put(ctx context.Context, eventName string, payload []byte, reason string) error
}

// EventJournal records externally produced history events for audit /
// replay tooling. It is additive to
// HistoryStore: the Orchestrator writes every newly produced event here
// in addition to appending it to the execution's own history.
type EventJournal interface {
	Record(ctx context.Context, executionID string, e *event.Event) error
}

// TimerRequest is either a scheduled event delivery or a heartbeat
// monitor registration.
type TimerRequest struct {
	ID          string
	ExecutionID string
	DueTime     time.Time

	// ScheduleEvent variant: deliver Event to ExecutionID at DueTime.
	Event *event.Event

	// HeartbeatMonitor variant: fire HeartbeatTimeout at DueTime unless a
	// heartbeat newer than DueTime-HeartbeatTimeout is observed first.
	IsHeartbeatMonitor bool
	Seq                int64
	HeartbeatTimeout   time.Duration
}

// TimerStore persists pending timer schedules, keyed by the opaque ID
// TimerRequest carries.
type TimerStore interface {
	Schedule(ctx context.Context, req TimerRequest) error
	Cancel(ctx context.Context, id string) error
	// DuePending returns scheduled requests whose DueTime has elapsed and
	// have not yet been cancelled, for the long-timer tier to promote.
	DuePending(ctx context.Context, asOf time.Time) ([]TimerRequest, error)
}
