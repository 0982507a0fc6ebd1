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

package workflow

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/functionless/eventual/pkg/event"
)

// Context is the only handle a workflow body receives. Every method that
// issues an engine primitive allocates the next seq and either matches
// it against history (replay) or records a new Command (forward
// progress).
type Context struct {
	exec *Executor
}

// Execution returns the read-only identity of the running execution.
func (c *Context) Execution() Execution { return c.exec.exe }

// Now returns the timestamp of the most recently drained event, or,
// before any event has been drained, the WorkflowStarted event's
// timestamp (the run's base time if history has no WorkflowStarted
// event). It never calls the
// host clock: workflow code must not observe wall-clock time that the
// Workflow Executor did not hand it.
func (c *Context) Now() time.Time { return c.exec.currentTime }

// issue allocates the next seq, checks it against the next expected
// Scheduled event (if replaying) or records a new Command (if making
// forward progress), and returns the eventual the command will resolve.
// build is only called when a new command must be recorded.
func (c *Context) issue(kind Kind, check func(a event.Attrs) bool, build func(seq int64) Command) *eventual {
	ex := c.exec
	seq := ex.nextSeq
	ex.nextSeq++
	ev := newEventual(seq)

	if ex.expectedIdx < len(ex.expected) {
		sched := ex.expected[ex.expectedIdx]
		if sched.Seq == nil || *sched.Seq != seq || sched.Type != commandScheduledType(kind) || !check(sched.Attrs) {
			panic(&determinismError{msg: "replay mismatch at seq " + itoa(seq) + ": history expects " + string(sched.Type)})
		}
		ex.expectedIdx++
	} else {
		ex.commands = append(ex.commands, build(seq))
	}

	ex.bySeq[seq] = ev
	return ev
}

func commandScheduledType(k Kind) event.Type {
	switch k {
	case StartTask:
		return event.TaskScheduled
	case StartTimer:
		return event.TimerScheduled
	case StartChildWorkflow:
		return event.ChildWorkflowScheduled
	case SendSignal:
		return event.SignalSent
	case EmitEvents:
		return event.EventsEmitted
	case ExpectSignal:
		return event.SignalExpectStarted
	case StartCondition:
		return event.ConditionStarted
	case InvokeTransaction:
		return event.TransactionRequest
	case EntityOp:
		return event.EntityRequest
	case BucketOp:
		return event.BucketRequest
	case SearchOp:
		return event.SearchRequest
	}
	return ""
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

// Task schedules the named task with input, returning a Future for its
// result.
func (c *Context) Task(name string, input any, opts ...TaskOption) *Future {
	raw := marshalInput(input)
	o := &taskOptions{}
	for _, opt := range opts {
		opt(o)
	}
	ev := c.issue(StartTask, func(a event.Attrs) bool {
		ta, ok := a.(*event.TaskScheduledAttrs)
		return ok && ta.Name == name
	}, func(seq int64) Command {
		return Command{Kind: StartTask, Seq: seq, TaskName: name, TaskInput: raw, TaskTimeout: o.timeout, HeartbeatTimeout: o.heartbeatTimeout}
	})
	return &Future{e: ev}
}

type taskOptions struct {
	timeout          *time.Duration
	heartbeatTimeout *time.Duration
}

// TaskOption configures a Task() call.
type TaskOption func(*taskOptions)

func WithTaskTimeout(d time.Duration) TaskOption {
	return func(o *taskOptions) { o.timeout = &d }
}

func WithHeartbeatTimeout(d time.Duration) TaskOption {
	return func(o *taskOptions) { o.heartbeatTimeout = &d }
}

// Sleep starts a relative timer and blocks until it fires.
func (c *Context) Sleep(d time.Duration) {
	c.Timer(c.Now().Add(d)).Get(c, nil)
}

// Timer starts an absolute timer and returns a Future that resolves once
// it fires.
func (c *Context) Timer(until time.Time) *Future {
	ev := c.issue(StartTimer, func(a event.Attrs) bool {
		ta, ok := a.(*event.TimerScheduledAttrs)
		return ok && ta.UntilTime.Equal(until)
	}, func(seq int64) Command {
		return Command{Kind: StartTimer, Seq: seq, TimerAbsolute: &until}
	})
	return &Future{e: ev}
}

// Child starts a child workflow by name and returns a Future for its
// terminal result.
func (c *Context) Child(name string, input any) *Future {
	raw := marshalInput(input)
	ev := c.issue(StartChildWorkflow, func(a event.Attrs) bool {
		ca, ok := a.(*event.ChildWorkflowScheduledAttrs)
		return ok && ca.Name == name
	}, func(seq int64) Command {
		return Command{Kind: StartChildWorkflow, Seq: seq, ChildWorkflowName: name, ChildWorkflowInput: raw}
	})
	return &Future{e: ev}
}

// SignalTarget addresses a SendSignal command either at an explicit
// execution id or at a child by (workflow name, parent execution id,
// seq).
type SignalTarget struct {
	ExecutionID string

	// ChildWorkflow + Parent address a child this execution started.
	ChildWorkflow string
	Parent        *event.ParentRef
}

// ChildTarget addresses the child workflow this execution scheduled at
// seq, for use with Signal.
func (c *Context) ChildTarget(childWorkflowName string, seq int64) SignalTarget {
	return SignalTarget{
		ChildWorkflow: childWorkflowName,
		Parent:        &event.ParentRef{ExecutionID: c.exec.exe.ID, Seq: seq},
	}
}

// Signal sends a signal to another execution. The
// send itself is fire-and-forget from the workflow's point of view; it
// still consumes a seq because it is an externally visible side effect.
func (c *Context) Signal(target SignalTarget, signalID string, payload any) {
	raw := marshalInput(payload)
	c.issue(SendSignal, func(a event.Attrs) bool {
		sa, ok := a.(*event.SignalSentAttrs)
		return ok && sa.SignalID == signalID
	}, func(seq int64) Command {
		return Command{Kind: SendSignal, Seq: seq, TargetExecutionID: target.ExecutionID, TargetChildWorkflow: target.ChildWorkflow, TargetParent: target.Parent, SignalID: signalID, SignalPayload: raw}
	})
}

// ExpectSignal waits for a signal with the given id, optionally bounded
// by a timeout.
func (c *Context) ExpectSignal(signalID string, timeout *time.Duration) *Future {
	ev := c.issue(ExpectSignal, func(a event.Attrs) bool {
		sa, ok := a.(*event.SignalExpectStartedAttrs)
		return ok && sa.SignalID == signalID
	}, func(seq int64) Command {
		return Command{Kind: ExpectSignal, Seq: seq, SignalID: signalID, Timeout: timeout}
	})
	c.exec.signalWaiters[signalID] = append(c.exec.signalWaiters[signalID], ev)
	return &Future{e: ev}
}

// OnSignal registers a standing handler for a signal id. Unlike
// ExpectSignal it does not consume history beyond what the workflow
// code path itself already deterministically re-executes on replay, so
// it issues no command.
func (c *Context) OnSignal(signalID string, handler func(payload json.RawMessage)) {
	c.exec.standingHandlers[signalID] = append(c.exec.standingHandlers[signalID], handler)
}

// Condition blocks until predicate becomes true or timeout elapses,
// returning false on timeout rather than failing.
func (c *Context) Condition(predicate func() bool, timeout *time.Duration) bool {
	f := c.StartCondition(predicate, timeout)
	var ok bool
	f.Get(c, &ok)
	return ok
}

// StartCondition is the non-blocking form of Condition, returning a
// Future a caller can combine with others via All/Any/Race.
func (c *Context) StartCondition(predicate func() bool, timeout *time.Duration) *Future {
	already := predicate()
	ev := c.issue(StartCondition, func(a event.Attrs) bool {
		_, ok := a.(*event.ConditionStartedAttrs)
		return ok
	}, func(seq int64) Command {
		return Command{Kind: StartCondition, Seq: seq, Timeout: timeout}
	})
	if already {
		ev.resolve(mustJSON(true))
	} else {
		ev.predicate = predicate
		c.exec.afterEvery = append(c.exec.afterEvery, ev)
	}
	return &Future{e: ev}
}

// Emit hands events to the Event Router for fan-out to subscribers.
func (c *Context) Emit(events ...event.EmittedEvent) {
	c.issue(EmitEvents, func(a event.Attrs) bool {
		_, ok := a.(*event.EventsEmittedAttrs)
		return ok
	}, func(seq int64) Command {
		return Command{Kind: EmitEvents, Seq: seq, Events: events}
	})
}

// Transaction invokes a named transaction by input and returns a Future
// for its output.
func (c *Context) Transaction(name string, input any) *Future {
	raw := marshalInput(input)
	ev := c.issue(InvokeTransaction, func(a event.Attrs) bool {
		ta, ok := a.(*event.TransactionRequestAttrs)
		return ok && ta.Name == name
	}, func(seq int64) Command {
		return Command{Kind: InvokeTransaction, Seq: seq, TransactionName: name, TransactionInput: raw}
	})
	return &Future{e: ev}
}

// EntityGet/EntityPut/EntityDelete issue EntityOp commands.
func (c *Context) EntityGet(key string) *Future {
	return c.entityOp(event.EntityGet, key, nil, "")
}

func (c *Context) EntityPut(key string, value any, expectedVersion string) *Future {
	return c.entityOp(event.EntityPut, key, marshalInput(value), expectedVersion)
}

func (c *Context) EntityDelete(key string, expectedVersion string) *Future {
	return c.entityOp(event.EntityDelete, key, nil, expectedVersion)
}

func (c *Context) entityOp(op event.EntityOpKind, key string, value json.RawMessage, expectedVersion string) *Future {
	ev := c.issue(EntityOp, func(a event.Attrs) bool {
		ea, ok := a.(*event.EntityRequestAttrs)
		return ok && ea.Op == op && ea.Key == key
	}, func(seq int64) Command {
		return Command{Kind: EntityOp, Seq: seq, EntityOpKind: op, EntityKey: key, EntityValue: value, ExpectedVersion: expectedVersion}
	})
	return &Future{e: ev}
}

// BucketGet/BucketPut/BucketDelete issue BucketOp commands.
func (c *Context) BucketGet(bucket, key string) *Future {
	return c.bucketOp(event.BucketGet, bucket, key, nil)
}

func (c *Context) BucketPut(bucket, key string, value any) *Future {
	return c.bucketOp(event.BucketPut, bucket, key, marshalInput(value))
}

func (c *Context) BucketDelete(bucket, key string) *Future {
	return c.bucketOp(event.BucketDelete, bucket, key, nil)
}

func (c *Context) bucketOp(op event.BucketOpKind, bucket, key string, value json.RawMessage) *Future {
	ev := c.issue(BucketOp, func(a event.Attrs) bool {
		ba, ok := a.(*event.BucketRequestAttrs)
		return ok && ba.Op == op && ba.Bucket == bucket && ba.Key == key
	}, func(seq int64) Command {
		return Command{Kind: BucketOp, Seq: seq, BucketOpKind: op, Bucket: bucket, BucketKey: key, BucketValue: value}
	})
	return &Future{e: ev}
}

// Search issues a SearchOp command against the Search Index.
func (c *Context) Search(query string) *Future {
	ev := c.issue(SearchOp, func(a event.Attrs) bool {
		sa, ok := a.(*event.SearchRequestAttrs)
		return ok && sa.Query == query
	}, func(seq int64) Command {
		return Command{Kind: SearchOp, Seq: seq, SearchQuery: query}
	})
	return &Future{e: ev}
}

func marshalInput(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		panic(NewFailure("EncodingError", err.Error()))
	}
	return b
}
