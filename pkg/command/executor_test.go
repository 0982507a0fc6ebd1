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

package command

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/functionless/eventual/internal/log"
	"github.com/functionless/eventual/pkg/event"
	"github.com/functionless/eventual/pkg/store"
	"github.com/functionless/eventual/pkg/store/memory"
	"github.com/functionless/eventual/pkg/workflow"
)

type capturingTasks struct {
	mu       sync.Mutex
	requests []TaskDispatchRequest
}

func (c *capturingTasks) Dispatch(_ context.Context, req TaskDispatchRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	return nil
}

type capturingTimers struct {
	mu        sync.Mutex
	scheduled []store.TimerRequest
}

func (c *capturingTimers) ScheduleEvent(_ context.Context, id, executionID string, dueTime time.Time, e *event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scheduled = append(c.scheduled, store.TimerRequest{ID: id, ExecutionID: executionID, DueTime: dueTime, Event: e})
	return nil
}

type capturingTransactions struct {
	mu       sync.Mutex
	requests []TransactionDispatchRequest
}

func (c *capturingTransactions) Dispatch(_ context.Context, req TransactionDispatchRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	return nil
}

type capturingEmitter struct {
	mu     sync.Mutex
	events []event.EmittedEvent
}

func (c *capturingEmitter) EmitEvents(_ context.Context, events []event.EmittedEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, events...)
	return nil
}

type commandSuite struct {
	suite.Suite
	*require.Assertions

	baseTime     time.Time
	queue        *memory.ExecutionQueue
	entities     *memory.EntityStore
	blobs        *memory.BlobStore
	tasks        *capturingTasks
	timers       *capturingTimers
	transactions *capturingTransactions
	emitter      *capturingEmitter
	childStarts  []StartExecutionRequest
	executor     *Executor
}

func TestCommandSuite(t *testing.T) {
	suite.Run(t, new(commandSuite))
}

func (s *commandSuite) SetupTest() {
	s.Assertions = require.New(s.T())
	s.baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.queue = memory.NewExecutionQueue()
	s.entities = memory.NewEntityStore()
	s.blobs = memory.NewBlobStore()
	s.tasks = &capturingTasks{}
	s.timers = &capturingTimers{}
	s.transactions = &capturingTransactions{}
	s.emitter = &capturingEmitter{}
	s.childStarts = nil
	executions := memory.NewExecutionStore()

	s.executor = New(Deps{
		Queue:        s.queue,
		Entities:     s.entities,
		Blobs:        s.blobs,
		Search:       memory.NewSearchIndex(executions),
		Timers:       s.timers,
		Tasks:        s.tasks,
		Transactions: s.transactions,
		Events:       s.emitter,
		StartChild: func(_ context.Context, req StartExecutionRequest) (string, bool, error) {
			s.childStarts = append(s.childStarts, req)
			return event.ID(req.WorkflowName, req.ExecutionName), false, nil
		},
		Log: log.NewTestLogger(),
	})
}

func (s *commandSuite) execute(cmd workflow.Command) *event.Event {
	e, err := s.executor.Execute(context.Background(), "order", "order/run-1", cmd, s.baseTime)
	s.NoError(err)
	s.NotNil(e)
	return e
}

func (s *commandSuite) queuedResults(executionID string) []*event.Event {
	tasks, err := s.queue.Dequeue(context.Background(), 10)
	s.NoError(err)
	var out []*event.Event
	for _, t := range tasks {
		if t.ExecutionID == executionID {
			out = append(out, t.Events...)
		}
	}
	return out
}

func (s *commandSuite) TestStartTask() {
	timeout := time.Minute
	e := s.execute(workflow.Command{
		Kind: workflow.StartTask, Seq: 0, TaskName: "greet",
		TaskInput: json.RawMessage(`"world"`), TaskTimeout: &timeout,
	})

	s.Equal(event.TaskScheduled, e.Type)
	s.Equal(int64(0), *e.Seq)
	s.Equal("greet", e.Attrs.(*event.TaskScheduledAttrs).Name)

	s.Len(s.tasks.requests, 1)
	s.Equal(0, s.tasks.requests[0].Retry)
	s.True(s.tasks.requests[0].ScheduledTime.Equal(s.baseTime))

	// A task timeout is a deferred TaskFailed delivery.
	s.Len(s.timers.scheduled, 1)
	s.True(s.timers.scheduled[0].DueTime.Equal(s.baseTime.Add(timeout)))
	s.Equal(event.TaskFailed, s.timers.scheduled[0].Event.Type)
	s.Equal("Timeout", s.timers.scheduled[0].Event.Attrs.(*event.TaskFailedAttrs).Error)
}

func (s *commandSuite) TestStartTimerAbsoluteAndRelative() {
	until := s.baseTime.Add(time.Hour)
	e := s.execute(workflow.Command{Kind: workflow.StartTimer, Seq: 0, TimerAbsolute: &until})
	s.Equal(event.TimerScheduled, e.Type)
	s.True(e.Attrs.(*event.TimerScheduledAttrs).UntilTime.Equal(until))

	rel := 5 * time.Second
	e = s.execute(workflow.Command{Kind: workflow.StartTimer, Seq: 1, TimerRelative: &rel})
	s.True(e.Attrs.(*event.TimerScheduledAttrs).UntilTime.Equal(s.baseTime.Add(rel)))

	s.Len(s.timers.scheduled, 2)
	s.Equal(event.TimerCompleted, s.timers.scheduled[0].Event.Type)

	_, err := s.executor.Execute(context.Background(), "order", "order/run-1", workflow.Command{Kind: workflow.StartTimer, Seq: 2}, s.baseTime)
	s.Error(err)
}

func (s *commandSuite) TestStartChildWorkflow() {
	e := s.execute(workflow.Command{
		Kind: workflow.StartChildWorkflow, Seq: 2,
		ChildWorkflowName: "sub", ChildWorkflowInput: json.RawMessage(`7`),
	})
	s.Equal(event.ChildWorkflowScheduled, e.Type)

	s.Len(s.childStarts, 1)
	s.Equal("sub", s.childStarts[0].WorkflowName)
	s.Equal("order/run-1-child-2", s.childStarts[0].ExecutionName)
	s.Equal("order/run-1", s.childStarts[0].ParentExecutionID)
	s.Equal(int64(2), s.childStarts[0].ParentSeq)
}

func (s *commandSuite) TestSendSignalToExplicitTarget() {
	e := s.execute(workflow.Command{
		Kind: workflow.SendSignal, Seq: 1,
		TargetExecutionID: "billing/run-9", SignalID: "approve", SignalPayload: json.RawMessage(`true`),
	})
	s.Equal(event.SignalSent, e.Type)
	s.Equal("billing/run-9", e.Attrs.(*event.SignalSentAttrs).ExecutionID)

	delivered := s.queuedResults("billing/run-9")
	s.Len(delivered, 1)
	s.Equal(event.SignalReceived, delivered[0].Type)
	attrs := delivered[0].Attrs.(*event.SignalReceivedAttrs)
	s.Equal("approve", attrs.SignalID)
	s.Equal("order/run-1/1", attrs.DedupID)
}

func (s *commandSuite) TestSendSignalToChildTarget() {
	e := s.execute(workflow.Command{
		Kind: workflow.SendSignal, Seq: 4,
		TargetChildWorkflow: "sub",
		TargetParent:        &event.ParentRef{ExecutionID: "order/run-1", Seq: 0},
		SignalID:            "stop",
	})
	s.Equal("sub/order/run-1-child-0", e.Attrs.(*event.SignalSentAttrs).ExecutionID)
}

func (s *commandSuite) TestEmitEvents() {
	e := s.execute(workflow.Command{
		Kind: workflow.EmitEvents, Seq: 0,
		Events: []event.EmittedEvent{{Name: "order.created", Payload: json.RawMessage(`{"id":1}`)}},
	})
	s.Equal(event.EventsEmitted, e.Type)
	s.Len(s.emitter.events, 1)
	s.Equal("order.created", s.emitter.events[0].Name)
}

func (s *commandSuite) TestExpectSignalWithTimeout() {
	timeout := time.Minute
	e := s.execute(workflow.Command{Kind: workflow.ExpectSignal, Seq: 0, SignalID: "go", Timeout: &timeout})
	s.Equal(event.SignalExpectStarted, e.Type)

	s.Len(s.timers.scheduled, 1)
	s.Equal(event.SignalTimedOut, s.timers.scheduled[0].Event.Type)
	s.True(s.timers.scheduled[0].DueTime.Equal(s.baseTime.Add(timeout)))
}

func (s *commandSuite) TestStartConditionWithTimeout() {
	timeout := 30 * time.Second
	e := s.execute(workflow.Command{Kind: workflow.StartCondition, Seq: 0, Timeout: &timeout})
	s.Equal(event.ConditionStarted, e.Type)
	s.Len(s.timers.scheduled, 1)
	s.Equal(event.ConditionTimedOut, s.timers.scheduled[0].Event.Type)
}

func (s *commandSuite) TestInvokeTransaction() {
	e := s.execute(workflow.Command{
		Kind: workflow.InvokeTransaction, Seq: 0,
		TransactionName: "credit", TransactionInput: json.RawMessage(`{"n":1}`),
	})
	s.Equal(event.TransactionRequest, e.Type)
	s.Len(s.transactions.requests, 1)
	s.Equal("credit", s.transactions.requests[0].Name)
	s.Equal("order/run-1", s.transactions.requests[0].ExecutionID)
}

func (s *commandSuite) TestEntityOpRoundTrip() {
	put := s.execute(workflow.Command{
		Kind: workflow.EntityOp, Seq: 0,
		EntityOpKind: event.EntityPut, EntityKey: "k", EntityValue: json.RawMessage(`1`),
	})
	s.Equal(event.EntityRequest, put.Type)

	results := s.queuedResults("order/run-1")
	s.Len(results, 1)
	s.Equal(event.EntityRequestSucceeded, results[0].Type)
	version := results[0].Attrs.(*event.EntityRequestSucceededAttrs).Version
	s.NotEmpty(version)

	s.execute(workflow.Command{Kind: workflow.EntityOp, Seq: 1, EntityOpKind: event.EntityGet, EntityKey: "k"})
	results = s.queuedResults("order/run-1")
	s.Len(results, 1)
	got := results[0].Attrs.(*event.EntityRequestSucceededAttrs)
	s.JSONEq(`1`, string(got.Value))
	s.Equal(version, got.Version)

	// A conflicting conditional write reports VersionConflict as a
	// failed result, not an executor error.
	s.execute(workflow.Command{
		Kind: workflow.EntityOp, Seq: 2,
		EntityOpKind: event.EntityPut, EntityKey: "k", EntityValue: json.RawMessage(`2`), ExpectedVersion: "stale",
	})
	results = s.queuedResults("order/run-1")
	s.Len(results, 1)
	s.Equal(event.EntityRequestFailed, results[0].Type)
	s.Equal("VersionConflict", results[0].Attrs.(*event.EntityRequestFailedAttrs).Error)
}

func (s *commandSuite) TestBucketOpRoundTrip() {
	s.execute(workflow.Command{
		Kind: workflow.BucketOp, Seq: 0,
		BucketOpKind: event.BucketPut, Bucket: "receipts", BucketKey: "r-1", BucketValue: json.RawMessage(`"pdf"`),
	})
	s.queuedResults("order/run-1")

	s.execute(workflow.Command{Kind: workflow.BucketOp, Seq: 1, BucketOpKind: event.BucketGet, Bucket: "receipts", BucketKey: "r-1"})
	results := s.queuedResults("order/run-1")
	s.Len(results, 1)
	s.Equal(event.BucketRequestSucceeded, results[0].Type)
	s.JSONEq(`"pdf"`, string(results[0].Attrs.(*event.BucketRequestSucceededAttrs).Value))

	s.execute(workflow.Command{Kind: workflow.BucketOp, Seq: 2, BucketOpKind: event.BucketGet, Bucket: "receipts", BucketKey: "missing"})
	results = s.queuedResults("order/run-1")
	s.Equal(event.BucketRequestFailed, results[0].Type)
	s.Equal("NotFound", results[0].Attrs.(*event.BucketRequestFailedAttrs).Error)
}

func (s *commandSuite) TestUnknownCommandKind() {
	_, err := s.executor.Execute(context.Background(), "order", "order/run-1", workflow.Command{Kind: "Bogus"}, s.baseTime)
	s.Error(err)
}

func TestFormatExecutionID(t *testing.T) {
	r := require.New(t)

	id, err := FormatExecutionID("billing/run-9", "", nil)
	r.NoError(err)
	r.Equal("billing/run-9", id)

	id, err = FormatExecutionID("", "sub", &event.ParentRef{ExecutionID: "order/run-1", Seq: 3})
	r.NoError(err)
	r.Equal("sub/order/run-1-child-3", id)

	_, err = FormatExecutionID("", "", nil)
	r.Error(err)

	_, err = FormatExecutionID("", "sub", &event.ParentRef{ExecutionID: "malformed", Seq: 0})
	r.Error(err)
}
