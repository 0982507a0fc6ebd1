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

// Package taskworker runs user task handlers: it claims a dispatched
// task first-writer-wins, registers a heartbeat monitor with the Timer
// Service when asked, resolves and invokes the task handler inside a
// scoped environment, and reports the result back to the calling
// execution's queue — unless the handler opts into the async-result
// sentinel, in which case no result is emitted and a later out-of-band
// SendTaskSuccess/Failure call is expected.
package taskworker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/functionless/eventual/internal/clock"
	"github.com/functionless/eventual/internal/concurrency"
	"github.com/functionless/eventual/internal/log"
	"github.com/functionless/eventual/internal/log/tag"
	"github.com/functionless/eventual/internal/metrics"
	"github.com/functionless/eventual/pkg/command"
	"github.com/functionless/eventual/pkg/event"
	"github.com/functionless/eventual/pkg/store"
)

// ErrAsync is the async-result sentinel: a handler returns it to mean
// "I will complete this task myself, later, via
// SendTaskSuccess/Failure" rather than through this invocation's return
// value.
var ErrAsync = errors.New("taskworker: result reported asynchronously")

// EncodeToken opaquely encodes (executionID, seq, retry) as a task
// token, handed to a dispatched task so a handler that returns
// ErrAsync can later address the same claim via
// SendTaskSuccess/Failure/Heartbeat.
func EncodeToken(executionID string, seq int64, retry int) string {
	raw := fmt.Sprintf("%s\x00%d\x00%d", executionID, seq, retry)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeToken reverses EncodeToken.
func DecodeToken(token string) (executionID string, seq int64, retry int, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", 0, 0, fmt.Errorf("taskworker: malformed token: %w", err)
	}
	parts := strings.Split(string(raw), "\x00")
	if len(parts) != 3 {
		return "", 0, 0, fmt.Errorf("taskworker: malformed token")
	}
	seqVal, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, 0, fmt.Errorf("taskworker: malformed token seq: %w", err)
	}
	retryVal, err := strconv.Atoi(parts[2])
	if err != nil {
		return "", 0, 0, fmt.Errorf("taskworker: malformed token retry: %w", err)
	}
	return parts[0], seqVal, retryVal, nil
}

// ServiceClient is the subset of engine-level operations a task handler
// may need (signals, event emission, starting a child workflow),
// narrowed to an interface so this package doesn't import pkg/engine.
type ServiceClient interface {
	SendSignal(ctx context.Context, targetExecutionID, signalID string, payload json.RawMessage, id string, now time.Time) error
	EmitEvents(ctx context.Context, events []event.EmittedEvent) error
	StartChildWorkflow(ctx context.Context, req command.StartExecutionRequest) (executionID string, alreadyRunning bool, err error)
}

// TaskScope is the invocation scope handed to one handler call: the
// worker's logger (shared by all invocations), the service client and
// the task's token.
type TaskScope struct {
	ctx    context.Context
	Log    log.Logger
	Client ServiceClient
	Token  string

	mu        sync.Mutex
	heartbeat func()
}

func (s *TaskScope) Context() context.Context { return s.ctx }

// Heartbeat resets this task's heartbeat-monitor deadline in the Timer
// Service. It does not update the claim record's heartbeat timestamp,
// and it does nothing when the task was dispatched without a heartbeat
// timeout.
func (s *TaskScope) Heartbeat() {
	s.mu.Lock()
	hb := s.heartbeat
	s.mu.Unlock()
	if hb != nil {
		hb()
	}
}

// HandlerFunc is a registered task body.
type HandlerFunc func(scope *TaskScope, input json.RawMessage) (json.RawMessage, error)

// Registry maps task names to their HandlerFunc.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry { return &Registry{handlers: map[string]HandlerFunc{}} }

func (r *Registry) Register(name string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = fn
}

func (r *Registry) Lookup(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[name]
	return fn, ok
}

// TimerStarter is the subset of the Timer Service the Task Worker needs
// to register a heartbeat monitor (pkg/timer.Service satisfies this
// directly).
type TimerStarter interface {
	StartTimer(ctx context.Context, req store.TimerRequest) error
	RecordHeartbeat(executionID string, seq int64, now time.Time)
}

// Worker is the Task Worker. Dispatched tasks run on a bounded pool so a
// burst of StartTask commands doesn't spawn unbounded goroutines.
type Worker struct {
	claims    store.TaskClaimStore
	queue     store.ExecutionQueue
	timers    TimerStarter
	registry  *Registry
	client    ServiceClient
	clock     clock.TimeSource
	log       log.Logger
	claimerID string

	pool *concurrency.Pool
}

var _ command.TaskDispatcher = (*Worker)(nil)

// New constructs a Worker whose pool runs workers goroutines over one
// shared queue of up to queueSize pending dispatches. claimerID identifies this process for
// first-writer-wins claims (hostname/pid/uuid, chosen by the caller).
// The returned Worker's pool is already started.
func New(claims store.TaskClaimStore, queue store.ExecutionQueue, timers TimerStarter, registry *Registry, client ServiceClient, ts clock.TimeSource, logger log.Logger, claimerID string, workers, queueSize int) *Worker {
	w := &Worker{
		claims:    claims,
		queue:     queue,
		timers:    timers,
		registry:  registry,
		client:    client,
		clock:     ts,
		log:       logger,
		claimerID: claimerID,
		pool:      concurrency.NewPool(workers, queueSize),
	}
	w.pool.Start()
	return w
}

// Close stops the worker pool, draining any in-flight dispatches.
func (w *Worker) Close() { w.pool.Stop() }

// Dispatch implements command.TaskDispatcher: it hands req to the bounded
// pool for asynchronous processing so the Command Executor's own
// Execute call isn't blocked on task execution.
func (w *Worker) Dispatch(ctx context.Context, req command.TaskDispatchRequest) error {
	w.pool.Submit(func() {
		w.process(ctx, req)
	})
	return nil
}

func (w *Worker) process(ctx context.Context, req command.TaskDispatchRequest) {
	now := w.clock.Now()
	claimed, err := w.claims.Claim(ctx, req.ExecutionID, req.Seq, req.Retry, w.claimerID, now)
	if err != nil {
		w.log.Warn("taskworker: claim failed", tag.ExecutionID(req.ExecutionID), tag.Seq(req.Seq), tag.Error(err))
		return
	}
	if !claimed {
		w.log.Info("taskworker: claim rejected, already owned", tag.ExecutionID(req.ExecutionID), tag.Seq(req.Seq))
		return
	}

	if req.HeartbeatTimeout != nil {
		due := now.Add(*req.HeartbeatTimeout)
		if err := w.timers.StartTimer(ctx, store.TimerRequest{
			ID:                 fmt.Sprintf("%s/heartbeat/%d", req.ExecutionID, req.Seq),
			ExecutionID:        req.ExecutionID,
			DueTime:            due,
			IsHeartbeatMonitor: true,
			Seq:                req.Seq,
			HeartbeatTimeout:   *req.HeartbeatTimeout,
		}); err != nil {
			w.log.Warn("taskworker: heartbeat monitor registration failed", tag.ExecutionID(req.ExecutionID), tag.Seq(req.Seq), tag.Error(err))
		}
	}

	handler, ok := w.registry.Lookup(req.Name)
	if !ok {
		w.emitFailure(ctx, req, "TaskNotFound", fmt.Sprintf("no task registered with name %q", req.Name))
		metrics.RecordTaskClaim(req.Name, "not_found")
		return
	}

	scope := &TaskScope{ctx: ctx, Log: w.log, Client: w.client, Token: EncodeToken(req.ExecutionID, req.Seq, req.Retry)}
	if req.HeartbeatTimeout != nil {
		scope.heartbeat = func() { w.timers.RecordHeartbeat(req.ExecutionID, req.Seq, w.clock.Now()) }
	}

	result, err := w.invoke(scope, handler, req.Input)
	if errors.Is(err, ErrAsync) {
		metrics.RecordTaskClaim(req.Name, "async")
		return
	}
	if err != nil {
		w.emitFailure(ctx, req, "TaskError", err.Error())
		metrics.RecordTaskClaim(req.Name, "failed")
		return
	}
	w.emitSuccess(ctx, req, result)
	metrics.RecordTaskClaim(req.Name, "succeeded")
}

// invoke recovers a handler panic into an error, the same defensive
// boundary the Workflow Executor uses around user code.
func (w *Worker) invoke(scope *TaskScope, handler HandlerFunc, input json.RawMessage) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("taskworker: handler panic: %v", r)
		}
	}()
	return handler(scope, input)
}

func (w *Worker) emitSuccess(ctx context.Context, req command.TaskDispatchRequest, result json.RawMessage) {
	e := event.NewSequenced(event.TaskSucceeded, w.clock.Now(), req.Seq, &event.TaskSucceededAttrs{Result: result})
	if err := w.queue.Enqueue(ctx, req.ExecutionID, e); err != nil {
		w.log.Warn("taskworker: enqueue success failed", tag.ExecutionID(req.ExecutionID), tag.Seq(req.Seq), tag.Error(err))
	}
}

func (w *Worker) emitFailure(ctx context.Context, req command.TaskDispatchRequest, errName, message string) {
	e := event.NewSequenced(event.TaskFailed, w.clock.Now(), req.Seq, &event.TaskFailedAttrs{Error: errName, Message: message})
	if err := w.queue.Enqueue(ctx, req.ExecutionID, e); err != nil {
		w.log.Warn("taskworker: enqueue failure failed", tag.ExecutionID(req.ExecutionID), tag.Seq(req.Seq), tag.Error(err))
	}
}
