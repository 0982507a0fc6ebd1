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

// Package timer delivers delayed events: a two-tier (short/long)
// mechanism that submits a due payload to the target execution's
// Execution Queue.
//
// A local gate holds near-term timers in process and fires them
// directly; a remote gate periodically re-evaluates a persisted store
// for anything approaching due and hands it to the local gate.
package timer

import (
	"container/heap"
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/functionless/eventual/internal/clock"
	"github.com/functionless/eventual/internal/log"
	"github.com/functionless/eventual/internal/log/tag"
	"github.com/functionless/eventual/pkg/event"
	"github.com/functionless/eventual/pkg/store"
)

// Service is the Timer Service. Short timers (due within Threshold) are
// held in an in-process LocalGate; anything further out is persisted to
// a TimerStore and periodically re-checked by a RemoteGate loop, which
// hands newly-due entries back to the LocalGate once they cross the
// threshold.
type Service struct {
	queue     store.ExecutionQueue
	timers    store.TimerStore
	clock     clock.TimeSource
	log       log.Logger
	threshold time.Duration

	local *localGate

	stop chan struct{}
	wg   sync.WaitGroup

	heartbeats *heartbeatTracker
}

// New constructs a Service. threshold is the short/long tier boundary;
// pollInterval is how often the remote-gate tier re-scans the
// TimerStore for entries that have crossed into the short tier.
func New(queue store.ExecutionQueue, timers store.TimerStore, ts clock.TimeSource, logger log.Logger, threshold, pollInterval time.Duration) *Service {
	s := &Service{
		queue:      queue,
		timers:     timers,
		clock:      ts,
		log:        logger,
		threshold:  threshold,
		local:      newLocalGate(),
		stop:       make(chan struct{}),
		heartbeats: newHeartbeatTracker(),
	}
	s.wg.Add(2)
	go s.runLocalGate()
	go s.runRemoteGate(pollInterval)
	return s
}

// Close stops both gate loops.
func (s *Service) Close() {
	close(s.stop)
	s.wg.Wait()
}

// StartTimer accepts either TimerRequest variant. Short due times go
// straight to the local gate; everything else is persisted for the
// remote-gate loop to pick up.
func (s *Service) StartTimer(ctx context.Context, req store.TimerRequest) error {
	if req.IsHeartbeatMonitor {
		s.heartbeats.track(req)
	}
	if req.DueTime.Sub(s.clock.Now()) <= s.threshold {
		s.local.add(req)
		return nil
	}
	return s.timers.Schedule(ctx, req)
}

// ScheduleEvent is the convenience form of StartTimer: deliver e to
// executionID at dueTime.
func (s *Service) ScheduleEvent(ctx context.Context, id, executionID string, dueTime time.Time, e *event.Event) error {
	return s.StartTimer(ctx, store.TimerRequest{ID: id, ExecutionID: executionID, DueTime: dueTime, Event: e})
}

// ClearSchedule cancels a pending timer by id, in both tiers.
func (s *Service) ClearSchedule(ctx context.Context, id string) error {
	s.local.cancel(id)
	return s.timers.Cancel(ctx, id)
}

// RecordHeartbeat resets the deadline tracked for (executionID, seq)'s
// heartbeat monitor, if any.
func (s *Service) RecordHeartbeat(executionID string, seq int64, now time.Time) {
	s.heartbeats.record(executionID, seq, now)
}

func (s *Service) runLocalGate() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case req := <-s.local.fired():
			s.deliver(req)
		}
	}
}

func (s *Service) runRemoteGate(pollInterval time.Duration) {
	defer s.wg.Done()
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.promoteDue()
		}
	}
}

// promoteDue scans the TimerStore for requests that have crossed into
// the short tier and hands them to the LocalGate, removing them from
// persisted storage.
func (s *Service) promoteDue() {
	now := s.clock.Now()
	due, err := s.timers.DuePending(context.Background(), now.Add(s.threshold))
	if err != nil {
		s.log.Warn("timer: scan due pending failed", tag.Error(err))
		return
	}
	for _, req := range due {
		s.local.add(req)
		if err := s.timers.Cancel(context.Background(), req.ID); err != nil {
			s.log.Warn("timer: cancel promoted entry failed", tag.Error(err), tag.ExecutionID(req.ExecutionID))
		}
	}
}

// deliver submits a fired request's payload. Heartbeat monitors are
// checked against the tracked last-heartbeat time before emitting
// TaskHeartbeatTimedOut, so a heartbeat recorded just before the
// deadline still suppresses the timeout; the monitor is then re-armed
// to come due one full window after that heartbeat.
func (s *Service) deliver(req store.TimerRequest) {
	ctx := context.Background()
	if req.IsHeartbeatMonitor {
		if s.heartbeats.stillAlive(req.ExecutionID, req.Seq, req.HeartbeatTimeout, s.clock.Now()) {
			s.heartbeats.mu.Lock()
			last := s.heartbeats.last[hbKey(req.ExecutionID, req.Seq)]
			s.heartbeats.mu.Unlock()
			req.DueTime = last.Add(req.HeartbeatTimeout)
			s.local.add(req)
			return
		}
		e := event.NewSequenced(event.TaskHeartbeatTimedOut, s.clock.Now(), req.Seq, &event.TaskHeartbeatTimedOutAttrs{})
		if err := s.queue.Enqueue(ctx, req.ExecutionID, e); err != nil {
			s.log.Warn("timer: enqueue heartbeat timeout failed", tag.Error(err), tag.ExecutionID(req.ExecutionID))
		}
		return
	}
	if req.Event == nil {
		return
	}
	if err := s.queue.Enqueue(ctx, req.ExecutionID, req.Event); err != nil {
		s.log.Warn("timer: enqueue fired event failed", tag.Error(err), tag.ExecutionID(req.ExecutionID))
	}
}

// --- LocalGate ---

// localGate holds near-term timers in a min-heap keyed by due time and
// fires them onto a channel as they come due; the heap lets many
// concurrently pending timers share one waiting goroutine.
type localGate struct {
	mu      sync.Mutex
	entries *timerHeap
	cancelled map[string]bool
	out     chan store.TimerRequest
	wake    chan struct{}
}

func newLocalGate() *localGate {
	g := &localGate{
		entries: &timerHeap{},
		cancelled: map[string]bool{},
		out:     make(chan store.TimerRequest, 64),
		wake:    make(chan struct{}, 1),
	}
	heap.Init(g.entries)
	go g.run()
	return g
}

func (g *localGate) fired() <-chan store.TimerRequest { return g.out }

func (g *localGate) add(req store.TimerRequest) {
	g.mu.Lock()
	heap.Push(g.entries, req)
	g.mu.Unlock()
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

func (g *localGate) cancel(id string) {
	g.mu.Lock()
	g.cancelled[id] = true
	g.mu.Unlock()
}

func (g *localGate) run() {
	for {
		g.mu.Lock()
		var next *store.TimerRequest
		for g.entries.Len() > 0 {
			top := (*g.entries)[0]
			if g.cancelled[top.ID] {
				heap.Pop(g.entries)
				delete(g.cancelled, top.ID)
				continue
			}
			next = &top
			break
		}
		g.mu.Unlock()

		if next == nil {
			<-g.wake
			continue
		}
		wait := time.Until(next.DueTime)
		if wait <= 0 {
			g.mu.Lock()
			heap.Pop(g.entries)
			g.mu.Unlock()
			g.out <- *next
			continue
		}
		select {
		case <-time.After(wait):
		case <-g.wake:
		}
	}
}

type timerHeap []store.TimerRequest

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].DueTime.Before(h[j].DueTime) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(store.TimerRequest)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// --- heartbeat tracking ---

// heartbeatTracker records the last-seen heartbeat time per
// (executionID, seq) so the LocalGate/RemoteGate firing path can decide
// whether a heartbeat monitor should actually time out.
type heartbeatTracker struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func newHeartbeatTracker() *heartbeatTracker {
	return &heartbeatTracker{last: map[string]time.Time{}}
}

func (t *heartbeatTracker) track(req store.TimerRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := hbKey(req.ExecutionID, req.Seq)
	if _, ok := t.last[k]; !ok {
		t.last[k] = req.DueTime.Add(-req.HeartbeatTimeout)
	}
}

func (t *heartbeatTracker) record(executionID string, seq int64, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last[hbKey(executionID, seq)] = now
}

func (t *heartbeatTracker) stillAlive(executionID string, seq int64, timeout time.Duration, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.last[hbKey(executionID, seq)]
	if !ok {
		return false
	}
	return now.Sub(last) < timeout
}

func hbKey(executionID string, seq int64) string {
	return executionID + "#" + strconv.FormatInt(seq, 10)
}
