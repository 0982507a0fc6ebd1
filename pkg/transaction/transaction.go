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

// Package transaction runs user-supplied transaction functions against
// a shadow view of the Entity Store that records observed versions,
// then commits with a conditional multi-write, retrying on conflict
// with exponential backoff before reporting back to the calling
// execution.
package transaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/functionless/eventual/internal/log"
	"github.com/functionless/eventual/internal/log/tag"
	"github.com/functionless/eventual/internal/metrics"
	"github.com/functionless/eventual/internal/retry"
	"github.com/functionless/eventual/pkg/command"
	"github.com/functionless/eventual/pkg/event"
	"github.com/functionless/eventual/pkg/store"
)

// Func is a user-registered transaction body. It reads/writes entities
// only through the TxContext it's given, never through the Entity Store
// directly, so the executor can shadow-execute it and retry it wholesale
// on conflict.
type Func func(ctx *TxContext, input json.RawMessage) (json.RawMessage, error)

// Registry maps transaction names to their Func, the same shape as
// workflow.Registry and the Task Worker's task registry.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func NewRegistry() *Registry { return &Registry{funcs: map[string]Func{}} }

func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

type writeOp struct {
	deleted bool
	value   []byte
}

// TxContext is the shadow environment a Func runs in: every Get records
// the version it observed; Set/Delete implicitly read first if the
// key hasn't been observed yet, so every written key also has an
// observed version to condition its commit on.
type TxContext struct {
	ctx      context.Context
	entities store.EntityStore

	reads   map[string]store.EntityVersion
	writes  map[string]writeOp
	emitted []event.EmittedEvent
}

func newTxContext(ctx context.Context, entities store.EntityStore) *TxContext {
	return &TxContext{
		ctx:      ctx,
		entities: entities,
		reads:    map[string]store.EntityVersion{},
		writes:   map[string]writeOp{},
	}
}

// Get reads key, preferring a value already written earlier in this same
// transaction attempt over the committed store.
func (tc *TxContext) Get(key string) ([]byte, error) {
	if w, ok := tc.writes[key]; ok {
		if w.deleted {
			return nil, store.ErrNotFound
		}
		return w.value, nil
	}
	rec, err := tc.entities.Get(tc.ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			tc.observe(key, "")
		}
		return nil, err
	}
	tc.observe(key, rec.Version)
	return rec.Value, nil
}

// Set stages a write, to be applied conditionally on the version this
// key had when it (or an earlier Set/Delete of it) was first observed
// in this attempt; later reads of the key do not change that version.
func (tc *TxContext) Set(key string, value []byte) error {
	if err := tc.ensureObserved(key); err != nil {
		return err
	}
	tc.writes[key] = writeOp{value: value}
	return nil
}

// Delete stages a removal, same conditioning as Set.
func (tc *TxContext) Delete(key string) error {
	if err := tc.ensureObserved(key); err != nil {
		return err
	}
	tc.writes[key] = writeOp{deleted: true}
	return nil
}

// Emit buffers an event to publish through the Event Router, released
// only after a successful commit.
func (tc *TxContext) Emit(name string, payload json.RawMessage) {
	tc.emitted = append(tc.emitted, event.EmittedEvent{Name: name, Payload: payload})
}

func (tc *TxContext) ensureObserved(key string) error {
	if _, ok := tc.reads[key]; ok {
		return nil
	}
	if _, ok := tc.writes[key]; ok {
		return nil
	}
	_, err := tc.Get(key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

func (tc *TxContext) observe(key string, version store.EntityVersion) {
	if _, ok := tc.reads[key]; !ok {
		tc.reads[key] = version
	}
}

// Executor is the Transaction Executor.
type Executor struct {
	entities store.EntityStore
	queue    store.ExecutionQueue
	events   command.EventEmitter
	registry *Registry
	policy   retry.Policy
	log      log.Logger
}

var _ command.TransactionDispatcher = (*Executor)(nil)

func New(entities store.EntityStore, queue store.ExecutionQueue, events command.EventEmitter, registry *Registry, logger log.Logger) *Executor {
	return &Executor{
		entities: entities,
		queue:    queue,
		events:   events,
		registry: registry,
		policy:   retry.DefaultPolicy(),
		log:      logger,
	}
}

// Dispatch runs req's transaction to completion (retrying conflicts
// in-process) and reports TransactionRequestSucceeded/Failed back to
// req.ExecutionID's queue, keyed by req.Seq.
func (ex *Executor) Dispatch(ctx context.Context, req command.TransactionDispatchRequest) error {
	fn, ok := ex.registry.Lookup(req.Name)
	if !ok {
		return ex.report(ctx, req, nil, fmt.Errorf("transaction: unregistered name %q", req.Name))
	}
	output, err := ex.run(ctx, req.Name, fn, req.Input)
	if err != nil {
		return ex.report(ctx, req, nil, err)
	}
	return ex.report(ctx, req, output, nil)
}

// Run executes name synchronously and returns its output directly,
// rather than through Dispatch's queue-reporting path. This serves the
// Engine's direct ExecuteTransaction operation, which is not
// tied to any workflow execution.
func (ex *Executor) Run(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	fn, ok := ex.registry.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("transaction: unregistered name %q", name)
	}
	return ex.run(ctx, name, fn, input)
}

func (ex *Executor) run(ctx context.Context, name string, fn Func, input json.RawMessage) (json.RawMessage, error) {
	var output json.RawMessage
	var lastErr error
	attempts := 0
	runErr := retry.Do(ctx, ex.policy, func() error {
		attempts++
		tc := newTxContext(ctx, ex.entities)
		out, err := fn(tc, input)
		if err != nil {
			lastErr = err
			return retry.Permanent(err)
		}
		if err := ex.commit(ctx, tc); err != nil {
			if errors.Is(err, store.ErrConflict) {
				metrics.RecordTransactionRetry(name)
				lastErr = err
				return err
			}
			lastErr = err
			return retry.Permanent(err)
		}
		output = out
		ex.flush(ctx, tc)
		return nil
	})
	if attempts > 1 {
		ex.log.Info("transaction: retried to completion", tag.Value("name", name), tag.Attempt(attempts))
	}
	if runErr != nil {
		return nil, lastErr
	}
	return output, nil
}

// commit applies tc's staged writes conditionally and asserts every
// read-only key is unchanged.
func (ex *Executor) commit(ctx context.Context, tc *TxContext) error {
	for key, version := range tc.reads {
		if _, written := tc.writes[key]; written {
			continue
		}
		if err := ex.entities.AssertUnchanged(ctx, key, version); err != nil {
			return err
		}
	}
	for key, w := range tc.writes {
		version := tc.reads[key]
		if w.deleted {
			if err := ex.entities.Delete(ctx, key, version); err != nil {
				return err
			}
			continue
		}
		if _, err := ex.entities.Put(ctx, key, w.value, version); err != nil {
			return err
		}
	}
	return nil
}

func (ex *Executor) flush(ctx context.Context, tc *TxContext) {
	if len(tc.emitted) == 0 || ex.events == nil {
		return
	}
	if err := ex.events.EmitEvents(ctx, tc.emitted); err != nil {
		ex.log.Warn("transaction: post-commit emit failed", tag.Error(err))
	}
}

func (ex *Executor) report(ctx context.Context, req command.TransactionDispatchRequest, output json.RawMessage, err error) error {
	var e *event.Event
	if err != nil {
		e = event.NewSequenced(event.TransactionRequestFailed, req.ScheduledTime, req.Seq, &event.TransactionRequestFailedAttrs{
			Error: "TransactionFailed", Message: err.Error(),
		})
	} else {
		e = event.NewSequenced(event.TransactionRequestSucceeded, req.ScheduledTime, req.Seq, &event.TransactionRequestSucceededAttrs{Output: output})
	}
	return ex.queue.Enqueue(ctx, req.ExecutionID, e)
}
