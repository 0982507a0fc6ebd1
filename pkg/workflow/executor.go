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

// Package workflow implements the deterministic workflow executor:
// history replay plus advancement of one execution, exposed through a
// Context a user workflow function calls into.
//
// The workflow body runs in its own goroutine, handed control one
// suspension point at a time by a two-channel baton: exactly one of
// the driver and the workflow goroutine runs at any moment, so the
// body can use ordinary blocking calls as suspension points while the
// engine observes a single-threaded, replayable execution.
package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/functionless/eventual/pkg/event"
)

// Func is a registered workflow body. input/output are raw JSON so the
// engine never needs reflection over user types.
type Func func(ctx *Context, input json.RawMessage) (json.RawMessage, error)

// Execution carries the read-only identity a running workflow can see
// about itself.
type Execution struct {
	WorkflowName string
	ID           string
	Name         string
	StartTime    time.Time
	ParentID     string
}

// ResultStatus is the outcome of one executor run.
type ResultStatus int

const (
	Pending ResultStatus = iota
	Succeeded
	Failed
	TimedOut
)

// Result is the outcome of one executor run.
type Result struct {
	Status   ResultStatus
	Output   json.RawMessage
	Failure  *Failure
	Commands []Command
}

// SystemError reports an engine-internal fault (determinism violation
// or contract violation) distinct from a workflow-authored failure. A
// SystemError halts event draining immediately.
type SystemError struct {
	msg string
}

func (s *SystemError) Error() string { return s.msg }

// Executor replays or advances exactly one workflow run.
type Executor struct {
	fn  Func
	exe Execution

	expected    []*event.Event
	expectedIdx int

	results    []*event.Event
	resultIdx  int

	nextSeq int64
	bySeq   map[int64]*eventual

	signalWaiters    map[string][]*eventual
	standingHandlers map[string][]func(json.RawMessage)
	afterEvery       []*eventual

	baseTime    time.Time
	currentTime time.Time

	baton struct {
		toWorkflow chan struct{}
		toDriver   chan struct{}
	}
	released chan struct{}
	finished bool
	output   json.RawMessage
	failure  *Failure
	sysErr   *SystemError

	commands []Command
}

// New constructs an Executor for one run. history is the full ordered
// event log seen so far.
func New(fn Func, exe Execution, history []*event.Event, baseTime time.Time) *Executor {
	ex := &Executor{
		fn:               fn,
		exe:              exe,
		bySeq:            map[int64]*eventual{},
		signalWaiters:    map[string][]*eventual{},
		standingHandlers: map[string][]func(json.RawMessage){},
		baseTime:         baseTime,
		currentTime:      baseTime,
	}
	for _, e := range history {
		switch e.Type.Category() {
		case event.CategoryScheduled:
			ex.expected = append(ex.expected, e)
		case event.CategoryResult:
			ex.results = append(ex.results, e)
		}
		// Workflow code observes time only through Context.Now(), which
		// must be replay-invariant: anchor it to the persisted start
		// timestamp, never to this run's wall clock.
		if e.Type == event.WorkflowStarted {
			ex.currentTime = e.Timestamp
		}
	}
	ex.baton.toWorkflow = make(chan struct{})
	ex.baton.toDriver = make(chan struct{})
	ex.released = make(chan struct{})
	return ex
}

// Start runs (or replays) the executor to completion or to the point
// where it is blocked waiting on more events than history currently
// supplies. input is the already-extracted WorkflowStarted input.
func (ex *Executor) Start(input json.RawMessage) *Result {
	ctx := &Context{exec: ex}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				switch v := r.(type) {
				case releasedSentinel:
					// Release() tore down a blocked run; no driver is
					// listening anymore.
					return
				case *determinismError:
					ex.sysErr = &SystemError{msg: v.msg}
				case *Failure:
					ex.failure = v
				default:
					ex.failure = NewFailure("WorkflowPanic", fmt.Sprint(v))
				}
			}
			ex.finished = true
			ex.baton.toDriver <- struct{}{}
		}()
		<-ex.baton.toWorkflow
		out, err := ex.fn(ctx, input)
		if err != nil {
			if f, ok := err.(*Failure); ok {
				ex.failure = f
			} else {
				ex.failure = NewFailure("WorkflowError", err.Error())
			}
			return
		}
		ex.output = out
	}()

	ex.resumeWorkflow()
	ex.drainEvents()

	return ex.buildResult()
}

func (ex *Executor) resumeWorkflow() {
	ex.baton.toWorkflow <- struct{}{}
	<-ex.baton.toDriver
}

func (ex *Executor) drainEvents() {
	for !ex.finished && ex.sysErr == nil && ex.resultIdx < len(ex.results) {
		e := ex.results[ex.resultIdx]
		ex.resultIdx++
		ex.currentTime = e.Timestamp
		ex.dispatchResult(e)
		ex.resumeWorkflow()
		for !ex.finished && ex.sysErr == nil && ex.evaluateAfterEvery() {
			ex.resumeWorkflow()
		}
	}
}

func (ex *Executor) dispatchResult(e *event.Event) {
	switch a := e.Attrs.(type) {
	case *event.SignalReceivedAttrs:
		waiters := ex.signalWaiters[a.SignalID]
		ex.signalWaiters[a.SignalID] = nil
		for _, ev := range waiters {
			ev.resolve(a.Payload)
		}
		for _, h := range ex.standingHandlers[a.SignalID] {
			h(a.Payload)
		}
		return
	}
	if e.Seq == nil {
		return
	}
	ev, ok := ex.bySeq[*e.Seq]
	if !ok {
		return
	}
	switch a := e.Attrs.(type) {
	case *event.TaskSucceededAttrs:
		ev.resolve(a.Result)
	case *event.TaskFailedAttrs:
		ev.reject(NewFailure(a.Error, a.Message))
	case *event.TaskHeartbeatTimedOutAttrs:
		ev.reject(NewFailure("HeartbeatTimedOut", "task heartbeat timed out"))
	case *event.TimerCompletedAttrs:
		ev.resolve(nil)
	case *event.ChildWorkflowSucceededAttrs:
		ev.resolve(a.Result)
	case *event.ChildWorkflowFailedAttrs:
		ev.reject(NewFailure(a.Error, a.Message))
	case *event.SignalTimedOutAttrs:
		ev.reject(NewFailure("Timeout", "signal not received before timeout"))
	case *event.ConditionTimedOutAttrs:
		ev.resolve(mustJSON(false))
	case *event.EntityRequestSucceededAttrs:
		ev.resolve(mustJSON(EntityResult{Value: a.Value, Version: a.Version}))
	case *event.EntityRequestFailedAttrs:
		ev.reject(NewFailure(a.Error, a.Message))
	case *event.BucketRequestSucceededAttrs:
		ev.resolve(a.Value)
	case *event.BucketRequestFailedAttrs:
		ev.reject(NewFailure(a.Error, a.Message))
	case *event.SearchRequestSucceededAttrs:
		ev.resolve(a.Page)
	case *event.SearchRequestFailedAttrs:
		ev.reject(NewFailure(a.Error, a.Message))
	case *event.TransactionRequestSucceededAttrs:
		ev.resolve(a.Output)
	case *event.TransactionRequestFailedAttrs:
		ev.reject(NewFailure(a.Error, a.Message))
	}
}

// EntityResult is the decoded shape of a resolved EntityOp future.
type EntityResult struct {
	Value   json.RawMessage `json:"value,omitempty"`
	Version string          `json:"version"`
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func (ex *Executor) evaluateAfterEvery() bool {
	resolvedAny := false
	remaining := ex.afterEvery[:0]
	for _, ev := range ex.afterEvery {
		if ev.settled() {
			continue
		}
		if ev.predicate != nil && ev.predicate() {
			ev.resolve(mustJSON(true))
			resolvedAny = true
			continue
		}
		remaining = append(remaining, ev)
	}
	ex.afterEvery = remaining
	return resolvedAny
}

func (ex *Executor) await(ev *eventual) {
	for !ev.settled() {
		ex.baton.toDriver <- struct{}{}
		select {
		case <-ex.baton.toWorkflow:
		case <-ex.released:
			panic(releasedSentinel{})
		}
	}
}

type releasedSentinel struct{}

// Release tears down a run that finished Pending, unblocking the parked
// workflow goroutine so it can exit. Safe to call after any Start,
// including completed runs, and safe to call more than once.
func (ex *Executor) Release() {
	if ex.finished {
		return
	}
	select {
	case <-ex.released:
	default:
		close(ex.released)
	}
}

func (ex *Executor) buildResult() *Result {
	r := &Result{Commands: ex.commands}
	switch {
	case ex.sysErr != nil:
		r.Status = Failed
		r.Failure = NewFailure("DeterminismError", ex.sysErr.Error())
	case !ex.finished:
		r.Status = Pending
	case ex.failure != nil:
		r.Status = Failed
		r.Failure = ex.failure
	default:
		r.Status = Succeeded
		r.Output = ex.output
	}
	return r
}

// SyntheticTimerCompletions scans history for TimerScheduled events whose
// due time has already elapsed and for which no TimerCompleted result
// exists yet, and synthesizes one for each. The Orchestrator
// calls this before invoking the executor and merges the result into the
// result-event stream it passes in via history.
func SyntheticTimerCompletions(history []*event.Event, baseTime time.Time) []*event.Event {
	fired := map[int64]bool{}
	var pending []*event.Event
	for _, e := range history {
		if e.Type == event.TimerScheduled && e.Seq != nil {
			if a, ok := e.Attrs.(*event.TimerScheduledAttrs); ok && !a.UntilTime.After(baseTime) {
				pending = append(pending, e)
			}
		}
		if e.Type == event.TimerCompleted && e.Seq != nil {
			fired[*e.Seq] = true
		}
	}
	var synthetic []*event.Event
	for _, e := range pending {
		if !fired[*e.Seq] {
			synthetic = append(synthetic, event.NewSequenced(event.TimerCompleted, baseTime, *e.Seq, &event.TimerCompletedAttrs{}))
		}
	}
	return synthetic
}
