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

// Package router delivers the engine's messaging: it
// delivers signals to a target execution's Execution Queue with a
// client-supplied (or generated) idempotency id, and fans emitted events
// out to whatever subscriptions are registered against this process,
// retrying failed deliveries with an attempt-bounded policy before
// routing terminal failures to a dead-letter sink.
package router

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/functionless/eventual/internal/log"
	"github.com/functionless/eventual/internal/log/tag"
	"github.com/functionless/eventual/internal/metrics"
	"github.com/functionless/eventual/internal/retry"
	"github.com/functionless/eventual/pkg/command"
	"github.com/functionless/eventual/pkg/event"
	"github.com/functionless/eventual/pkg/store"
)

var _ command.EventEmitter = (*Router)(nil)

// Filter decides whether envelope e should be delivered to a
// Subscription. A nil Filter matches every event.
type Filter func(e event.EmittedEvent) bool

// Handler delivers one matched event to a subscriber. Handlers are
// out-of-core: the router doesn't know or care what a subscriber is,
// only that delivering to it can fail and should be retried, then
// dead-lettered.
type Handler func(ctx context.Context, e event.EmittedEvent) error

// Subscription pairs a name-equality/predicate filter with a Handler.
type Subscription struct {
	ID      string
	Name    string
	Filter  Filter
	Handler Handler
}

func (s Subscription) matches(e event.EmittedEvent) bool {
	if s.Name != "" && s.Name != e.Name {
		return false
	}
	if s.Filter != nil && !s.Filter(e) {
		return false
	}
	return true
}

// Router is the Signal/Event Router.
type Router struct {
	queue       store.ExecutionQueue
	deadLetters store.DeadLetterSink
	log         log.Logger
	policy      retry.Policy

	mu   sync.RWMutex
	subs []Subscription
}

// New constructs a Router. policy bounds the per-delivery retry attempts
// before a failed delivery is dead-lettered.
func New(queue store.ExecutionQueue, deadLetters store.DeadLetterSink, logger log.Logger, policy retry.Policy) *Router {
	return &Router{queue: queue, deadLetters: deadLetters, log: logger, policy: policy}
}

// Subscribe registers a subscription and returns its id, usable with
// Unsubscribe. Subscriptions live only for the process lifetime; nothing
// here is persisted.
func (r *Router) Subscribe(sub Subscription) string {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, sub)
	return sub.ID
}

// Unsubscribe removes a previously registered subscription by id.
func (r *Router) Unsubscribe(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.subs {
		if s.ID == id {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			return
		}
	}
}

// SendSignal writes SignalReceived to targetExecutionID's Execution
// Queue with id, falling back to a generated id when the caller
// supplies none. This is the externally-facing path; signals issued by
// a workflow's own SendSignal command go straight from the Command
// Executor to the Execution Queue with their own deterministic dedup
// key instead.
func (r *Router) SendSignal(ctx context.Context, targetExecutionID, signalID string, payload json.RawMessage, id string, now time.Time) error {
	if id == "" {
		id = uuid.NewString()
	}
	e := event.NewIdentified(event.SignalReceived, now, id, &event.SignalReceivedAttrs{
		SignalID: signalID,
		Payload:  payload,
		DedupID:  id,
	})
	return r.queue.Enqueue(ctx, targetExecutionID, e)
}

// EmitEvents implements command.EventEmitter: fan events out to every
// matching subscription, retrying each delivery up to r.policy's attempt
// bound before dead-lettering it.
func (r *Router) EmitEvents(ctx context.Context, events []event.EmittedEvent) error {
	r.mu.RLock()
	subs := make([]Subscription, len(r.subs))
	copy(subs, r.subs)
	r.mu.RUnlock()

	for _, e := range events {
		for _, sub := range subs {
			if !sub.matches(e) {
				continue
			}
			r.deliver(ctx, sub, e)
		}
	}
	return nil
}

func (r *Router) deliver(ctx context.Context, sub Subscription, e event.EmittedEvent) {
	err := retry.Do(ctx, r.policy, func() error {
		return sub.Handler(ctx, e)
	})
	if err == nil {
		return
	}
	r.log.Warn("router: delivery exhausted retries, dead-lettering",
		tag.Value("subscription", sub.ID), tag.Value("event", e.Name), tag.Error(err))
	metrics.RecordDeadLettered(e.Name)
	if dlErr := r.deadLetters.Put(ctx, e.Name, e.Payload, err.Error()); dlErr != nil {
		r.log.Error("router: dead-letter sink write failed", tag.Error(dlErr))
	}
}
