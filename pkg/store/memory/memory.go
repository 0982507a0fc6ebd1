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

// Package memory implements every store.* interface against in-process
// maps guarded by a mutex: no backend process required, used by
// cmd/enginesrv's "memory" store driver and by every package's tests.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/functionless/eventual/pkg/event"
	"github.com/functionless/eventual/pkg/store"
)

// HistoryStore is an in-memory store.HistoryStore.
type HistoryStore struct {
	mu   sync.Mutex
	logs map[string][]*event.Event
}

func NewHistoryStore() *HistoryStore {
	return &HistoryStore{logs: map[string][]*event.Event{}}
}

var _ store.HistoryStore = (*HistoryStore)(nil)

func (h *HistoryStore) AppendHistory(_ context.Context, executionID string, events []*event.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logs[executionID] = append(h.logs[executionID], events...)
	return nil
}

func (h *HistoryStore) ReadHistory(_ context.Context, executionID string) ([]*event.Event, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	log := h.logs[executionID]
	out := make([]*event.Event, len(log))
	copy(out, log)
	return out, nil
}

// ExecutionStore is an in-memory store.ExecutionStore.
type ExecutionStore struct {
	mu   sync.Mutex
	rows map[string]*event.Execution
}

func NewExecutionStore() *ExecutionStore {
	return &ExecutionStore{rows: map[string]*event.Execution{}}
}

var _ store.ExecutionStore = (*ExecutionStore)(nil)

func (s *ExecutionStore) CreateExecution(_ context.Context, exe *event.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[exe.ExecutionID]; ok {
		return store.ErrConflict
	}
	cp := *exe
	s.rows[exe.ExecutionID] = &cp
	return nil
}

func (s *ExecutionStore) GetExecution(_ context.Context, executionID string) (*event.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[executionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (s *ExecutionStore) CompleteExecution(_ context.Context, executionID string, status event.Status, endTime time.Time, result []byte, errName, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[executionID]
	if !ok {
		return store.ErrNotFound
	}
	if row.Status != event.StatusInProgress {
		return store.ErrConflict
	}
	row.Status = status
	row.EndTime = &endTime
	row.Result = result
	row.Error = errName
	row.Message = message
	return nil
}

func (s *ExecutionStore) ListExecutions(_ context.Context, filter store.ListFilter) (store.ListPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*event.Execution
	for _, row := range s.rows {
		if filter.Status != nil && row.Status != *filter.Status {
			continue
		}
		if filter.WorkflowName != "" && row.WorkflowName != filter.WorkflowName {
			continue
		}
		cp := *row
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StartTime.Before(all[j].StartTime) })

	start := 0
	if filter.PageToken != "" {
		n, err := strconv.Atoi(filter.PageToken)
		if err == nil {
			start = n
		}
	}
	size := filter.PageSize
	if size <= 0 {
		size = len(all)
	}
	end := start + size
	if end > len(all) {
		end = len(all)
	}
	if start > len(all) {
		start = len(all)
	}
	page := store.ListPage{Executions: all[start:end]}
	if end < len(all) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

// ExecutionQueue is an in-memory store.ExecutionQueue: a map of
// per-execution FIFO slices plus a set of executionIDs with pending
// work, so Dequeue can return one WorkflowTask per execution and
// coalesce events enqueued between polls.
type ExecutionQueue struct {
	mu      sync.Mutex
	pending map[string][]*event.Event
	order   []string
}

func NewExecutionQueue() *ExecutionQueue {
	return &ExecutionQueue{pending: map[string][]*event.Event{}}
}

var _ store.ExecutionQueue = (*ExecutionQueue)(nil)

func (q *ExecutionQueue) Enqueue(_ context.Context, executionID string, e *event.Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[executionID]; !ok {
		q.order = append(q.order, executionID)
	}
	q.pending[executionID] = append(q.pending[executionID], e)
	return nil
}

func (q *ExecutionQueue) Dequeue(_ context.Context, max int) ([]store.WorkflowTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var tasks []store.WorkflowTask
	n := 0
	var remaining []string
	for _, id := range q.order {
		if max > 0 && n >= max {
			remaining = append(remaining, id)
			continue
		}
		events := q.pending[id]
		delete(q.pending, id)
		tasks = append(tasks, store.WorkflowTask{ExecutionID: id, Events: events})
		n++
	}
	q.order = remaining
	return tasks, nil
}

// TaskClaimStore is an in-memory store.TaskClaimStore.
type TaskClaimStore struct {
	mu   sync.Mutex
	rows map[string]*store.TaskClaim
}

func NewTaskClaimStore() *TaskClaimStore {
	return &TaskClaimStore{rows: map[string]*store.TaskClaim{}}
}

var _ store.TaskClaimStore = (*TaskClaimStore)(nil)

func claimKey(executionID string, seq int64, retry int) string {
	return executionID + "#" + strconv.FormatInt(seq, 10) + "#" + strconv.Itoa(retry)
}

func (t *TaskClaimStore) Claim(_ context.Context, executionID string, seq int64, retry int, claimer string, now time.Time) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := claimKey(executionID, seq, retry)
	if _, ok := t.rows[k]; ok {
		return false, nil
	}
	t.rows[k] = &store.TaskClaim{ExecutionID: executionID, Seq: seq, Retry: retry, Claimer: claimer, ClaimedAt: now, Heartbeat: now}
	return true, nil
}

func (t *TaskClaimStore) Heartbeat(_ context.Context, executionID string, seq int64, retry int, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	row, ok := t.rows[claimKey(executionID, seq, retry)]
	if !ok {
		return store.ErrNotFound
	}
	row.Heartbeat = now
	return nil
}

func (t *TaskClaimStore) Get(_ context.Context, executionID string, seq int64, retry int) (*store.TaskClaim, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	row, ok := t.rows[claimKey(executionID, seq, retry)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

// EntityStore is an in-memory store.EntityStore with monotonically
// increasing integer-string versions.
type EntityStore struct {
	mu   sync.Mutex
	rows map[string]store.EntityRecord
	seq  int64
}

func NewEntityStore() *EntityStore {
	return &EntityStore{rows: map[string]store.EntityRecord{}}
}

var _ store.EntityStore = (*EntityStore)(nil)

func (e *EntityStore) nextVersion() string {
	e.seq++
	return strconv.FormatInt(e.seq, 10)
}

func (e *EntityStore) Get(_ context.Context, key string) (store.EntityRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.rows[key]
	if !ok {
		return store.EntityRecord{}, store.ErrNotFound
	}
	return rec, nil
}

func (e *EntityStore) Put(_ context.Context, key string, value []byte, expectedVersion store.EntityVersion) (store.EntityVersion, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur, exists := e.rows[key]
	if expectedVersion == "" {
		if exists {
			return "", store.ErrConflict
		}
	} else if !exists || cur.Version != expectedVersion {
		return "", store.ErrConflict
	}
	v := e.nextVersion()
	e.rows[key] = store.EntityRecord{Value: append([]byte(nil), value...), Version: v}
	return v, nil
}

func (e *EntityStore) Delete(_ context.Context, key string, expectedVersion store.EntityVersion) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur, exists := e.rows[key]
	if !exists {
		return store.ErrNotFound
	}
	if expectedVersion != "" && cur.Version != expectedVersion {
		return store.ErrConflict
	}
	delete(e.rows, key)
	return nil
}

func (e *EntityStore) AssertUnchanged(_ context.Context, key string, observedVersion store.EntityVersion) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur, exists := e.rows[key]
	if observedVersion == "" {
		if exists {
			return store.ErrConflict
		}
		return nil
	}
	if !exists || cur.Version != observedVersion {
		return store.ErrConflict
	}
	return nil
}

// BlobStore is an in-memory store.BlobStore.
type BlobStore struct {
	mu   sync.Mutex
	rows map[string][]byte
}

func NewBlobStore() *BlobStore { return &BlobStore{rows: map[string][]byte{}} }

var _ store.BlobStore = (*BlobStore)(nil)

func blobKey(bucket, key string) string { return bucket + "/" + key }

func (b *BlobStore) Get(_ context.Context, bucket, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.rows[blobKey(bucket, key)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (b *BlobStore) Put(_ context.Context, bucket, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows[blobKey(bucket, key)] = append([]byte(nil), value...)
	return nil
}

func (b *BlobStore) Delete(_ context.Context, bucket, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rows, blobKey(bucket, key))
	return nil
}

// DeadLetterSink is an in-memory store.DeadLetterSink, retained for
// inspection in tests.
type DeadLetterSink struct {
	mu      sync.Mutex
	Entries []DeadLetterEntry
}

// DeadLetterEntry is one recorded dead-lettered delivery.
type DeadLetterEntry struct {
	EventName string
	Payload   []byte
	Reason    string
}

func NewDeadLetterSink() *DeadLetterSink { return &DeadLetterSink{} }

var _ store.DeadLetterSink = (*DeadLetterSink)(nil)

func (d *DeadLetterSink) Put(_ context.Context, eventName string, payload []byte, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Entries = append(d.Entries, DeadLetterEntry{EventName: eventName, Payload: payload, Reason: reason})
	return nil
}

// EventJournal is an in-memory store.EventJournal.
type EventJournal struct {
	mu      sync.Mutex
	Entries []JournalEntry
}

// JournalEntry is one recorded event-journal row.
type JournalEntry struct {
	ExecutionID string
	Timestamp   time.Time
	Event       *event.Event
}

func NewEventJournal() *EventJournal { return &EventJournal{} }

var _ store.EventJournal = (*EventJournal)(nil)

func (j *EventJournal) Record(_ context.Context, executionID string, e *event.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Entries = append(j.Entries, JournalEntry{ExecutionID: executionID, Timestamp: e.Timestamp, Event: e})
	return nil
}

// TimerStore is an in-memory store.TimerStore.
type TimerStore struct {
	mu   sync.Mutex
	rows map[string]store.TimerRequest
}

func NewTimerStore() *TimerStore { return &TimerStore{rows: map[string]store.TimerRequest{}} }

var _ store.TimerStore = (*TimerStore)(nil)

func (t *TimerStore) Schedule(_ context.Context, req store.TimerRequest) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows[req.ID] = req
	return nil
}

func (t *TimerStore) Cancel(_ context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rows, id)
	return nil
}

func (t *TimerStore) DuePending(_ context.Context, asOf time.Time) ([]store.TimerRequest, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var due []store.TimerRequest
	for _, req := range t.rows {
		if !req.DueTime.After(asOf) {
			due = append(due, req)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].DueTime.Before(due[j].DueTime) })
	return due, nil
}
