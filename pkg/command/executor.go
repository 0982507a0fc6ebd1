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

// Package command executes workflow intents: it
// turns one Workflow Command into its side effect plus the Scheduled
// history event that records the side effect was issued.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/functionless/eventual/internal/log"
	"github.com/functionless/eventual/internal/log/tag"
	"github.com/functionless/eventual/internal/metrics"
	"github.com/functionless/eventual/pkg/event"
	"github.com/functionless/eventual/pkg/store"
	"github.com/functionless/eventual/pkg/workflow"
)

// StartExecutionFunc starts a (possibly child) execution; the
// Orchestrator supplies the engine's own StartExecution so the Command
// Executor never imports pkg/engine (which in turn depends on this
// package to run commands — importing it back would cycle).
type StartExecutionFunc func(ctx context.Context, req StartExecutionRequest) (executionID string, alreadyRunning bool, err error)

// StartExecutionRequest carries the StartExecution fields a
// child-workflow command needs to supply.
type StartExecutionRequest struct {
	WorkflowName        string
	ExecutionName       string
	Input               json.RawMessage
	ParentExecutionID   string
	ParentSeq           int64
}

// TaskDispatcher hands a scheduled task off to the Task Worker's own
// delivery mechanism; kept as a narrow
// interface so the Command Executor doesn't import pkg/taskworker.
type TaskDispatcher interface {
	Dispatch(ctx context.Context, req TaskDispatchRequest) error
}

// TaskDispatchRequest is one dispatched task invocation: the first
// dispatch always carries retry=0; redispatches bump it.
type TaskDispatchRequest struct {
	ExecutionID      string
	Seq              int64
	WorkflowName     string
	Name             string
	Input            json.RawMessage
	Retry            int
	ScheduledTime    time.Time
	HeartbeatTimeout *time.Duration
}

// TimerScheduler is the subset of the Timer Service the Command
// Executor needs.
type TimerScheduler interface {
	ScheduleEvent(ctx context.Context, id, executionID string, dueTime time.Time, e *event.Event) error
}

// TransactionDispatcher hands a scheduled transaction request to the
// Transaction Executor.
type TransactionDispatcher interface {
	Dispatch(ctx context.Context, req TransactionDispatchRequest) error
}

// TransactionDispatchRequest addresses one InvokeTransaction command.
type TransactionDispatchRequest struct {
	ExecutionID   string
	Seq           int64
	Name          string
	Input         json.RawMessage
	ScheduledTime time.Time
}

// EventEmitter hands EmitEvents commands to the Signal/Event Router.
type EventEmitter interface {
	EmitEvents(ctx context.Context, events []event.EmittedEvent) error
}

// Executor turns workflow commands into side effects.
type Executor struct {
	queue         store.ExecutionQueue
	entities      store.EntityStore
	blobs         store.BlobStore
	search        store.SearchIndex
	timers        TimerScheduler
	tasks         TaskDispatcher
	transactions  TransactionDispatcher
	events        EventEmitter
	startChild    StartExecutionFunc
	log           log.Logger
}

// Deps bundles the Executor's collaborators.
type Deps struct {
	Queue        store.ExecutionQueue
	Entities     store.EntityStore
	Blobs        store.BlobStore
	Search       store.SearchIndex
	Timers       TimerScheduler
	Tasks        TaskDispatcher
	Transactions TransactionDispatcher
	Events       EventEmitter
	StartChild   StartExecutionFunc
	Log          log.Logger
}

func New(d Deps) *Executor {
	return &Executor{
		queue:        d.Queue,
		entities:     d.Entities,
		blobs:        d.Blobs,
		search:       d.Search,
		timers:       d.Timers,
		tasks:        d.Tasks,
		transactions: d.Transactions,
		events:       d.Events,
		startChild:   d.StartChild,
		log:          d.Log,
	}
}

// Execute performs cmd's side effect and returns the Scheduled history
// event it produces. baseTime is
// the orchestrator run's current time, used to resolve relative timers
// and timeouts.
func (ex *Executor) Execute(ctx context.Context, workflowName, executionID string, cmd workflow.Command, baseTime time.Time) (*event.Event, error) {
	outcome := "ok"
	e, err := ex.dispatch(ctx, workflowName, executionID, cmd, baseTime)
	if err != nil {
		outcome = "error"
		ex.log.Warn("command: execute failed", tag.Value("kind", string(cmd.Kind)), tag.ExecutionID(executionID), tag.Seq(cmd.Seq), tag.Error(err))
	}
	metrics.RecordCommandExecuted(string(cmd.Kind), outcome)
	return e, err
}

func (ex *Executor) dispatch(ctx context.Context, workflowName, executionID string, cmd workflow.Command, baseTime time.Time) (*event.Event, error) {
	switch cmd.Kind {
	case workflow.StartTask:
		return ex.startTask(ctx, workflowName, executionID, cmd, baseTime)
	case workflow.StartTimer:
		return ex.startTimer(ctx, executionID, cmd, baseTime)
	case workflow.StartChildWorkflow:
		return ex.startChildWorkflow(ctx, executionID, cmd, baseTime)
	case workflow.SendSignal:
		return ex.sendSignal(ctx, executionID, cmd, baseTime)
	case workflow.EmitEvents:
		return ex.emitEvents(ctx, cmd, baseTime)
	case workflow.ExpectSignal:
		return ex.expectSignal(ctx, executionID, cmd, baseTime)
	case workflow.StartCondition:
		return ex.startCondition(ctx, executionID, cmd, baseTime)
	case workflow.InvokeTransaction:
		return ex.invokeTransaction(ctx, executionID, cmd, baseTime)
	case workflow.EntityOp:
		return ex.entityOp(ctx, executionID, cmd, baseTime)
	case workflow.BucketOp:
		return ex.bucketOp(ctx, executionID, cmd, baseTime)
	case workflow.SearchOp:
		return ex.searchOp(ctx, executionID, cmd, baseTime)
	}
	return nil, fmt.Errorf("command: unknown kind %q", cmd.Kind)
}

func (ex *Executor) startTask(ctx context.Context, workflowName, executionID string, cmd workflow.Command, baseTime time.Time) (*event.Event, error) {
	if err := ex.tasks.Dispatch(ctx, TaskDispatchRequest{
		ExecutionID:      executionID,
		Seq:              cmd.Seq,
		WorkflowName:     workflowName,
		Name:             cmd.TaskName,
		Input:            cmd.TaskInput,
		Retry:            0,
		ScheduledTime:    baseTime,
		HeartbeatTimeout: cmd.HeartbeatTimeout,
	}); err != nil {
		return nil, fmt.Errorf("command: dispatch task: %w", err)
	}
	if cmd.TaskTimeout != nil {
		due := baseTime.Add(*cmd.TaskTimeout)
		timeoutEvt := event.NewSequenced(event.TaskFailed, due, cmd.Seq, &event.TaskFailedAttrs{Error: "Timeout", Message: "task timed out"})
		id := fmt.Sprintf("%s/task-timeout/%d", executionID, cmd.Seq)
		if err := ex.timers.ScheduleEvent(ctx, id, executionID, due, timeoutEvt); err != nil {
			return nil, fmt.Errorf("command: schedule task timeout: %w", err)
		}
	}
	return event.NewSequenced(event.TaskScheduled, baseTime, cmd.Seq, &event.TaskScheduledAttrs{Name: cmd.TaskName, Input: cmd.TaskInput}), nil
}

func (ex *Executor) startTimer(ctx context.Context, executionID string, cmd workflow.Command, baseTime time.Time) (*event.Event, error) {
	var due time.Time
	switch {
	case cmd.TimerAbsolute != nil:
		due = *cmd.TimerAbsolute
	case cmd.TimerRelative != nil:
		due = baseTime.Add(*cmd.TimerRelative)
	default:
		return nil, fmt.Errorf("command: StartTimer missing due time")
	}
	payload := event.NewSequenced(event.TimerCompleted, due, cmd.Seq, &event.TimerCompletedAttrs{})
	id := fmt.Sprintf("%s/timer/%d", executionID, cmd.Seq)
	if err := ex.timers.ScheduleEvent(ctx, id, executionID, due, payload); err != nil {
		return nil, fmt.Errorf("command: schedule timer: %w", err)
	}
	return event.NewSequenced(event.TimerScheduled, baseTime, cmd.Seq, &event.TimerScheduledAttrs{UntilTime: due}), nil
}

func (ex *Executor) startChildWorkflow(ctx context.Context, executionID string, cmd workflow.Command, baseTime time.Time) (*event.Event, error) {
	childName := FormatChildExecutionName(executionID, cmd.Seq)
	_, _, err := ex.startChild(ctx, StartExecutionRequest{
		WorkflowName:      cmd.ChildWorkflowName,
		ExecutionName:     childName,
		Input:             cmd.ChildWorkflowInput,
		ParentExecutionID: executionID,
		ParentSeq:         cmd.Seq,
	})
	if err != nil {
		return nil, fmt.Errorf("command: start child workflow: %w", err)
	}
	return event.NewSequenced(event.ChildWorkflowScheduled, baseTime, cmd.Seq, &event.ChildWorkflowScheduledAttrs{Name: cmd.ChildWorkflowName, Input: cmd.ChildWorkflowInput}), nil
}

// FormatChildExecutionName derives a deterministic child execution name
// from its parent and seq.
func FormatChildExecutionName(parentExecutionID string, seq int64) string {
	return fmt.Sprintf("%s-child-%d", parentExecutionID, seq)
}

// FormatExecutionID resolves a SendSignal target, either an explicit
// execution id or (childWorkflowName, parentId, seq) for a child: the
// child's id is its workflow name joined with the deterministic child
// execution name.
func FormatExecutionID(executionID, childWorkflowName string, parent *event.ParentRef) (string, error) {
	if executionID != "" {
		return executionID, nil
	}
	if parent == nil || childWorkflowName == "" {
		return "", fmt.Errorf("command: signal target has neither executionId nor a child workflow ref")
	}
	if _, _, err := event.SplitID(parent.ExecutionID); err != nil {
		return "", err
	}
	return event.ID(childWorkflowName, FormatChildExecutionName(parent.ExecutionID, parent.Seq)), nil
}

func (ex *Executor) sendSignal(ctx context.Context, sourceExecutionID string, cmd workflow.Command, baseTime time.Time) (*event.Event, error) {
	targetID, err := FormatExecutionID(cmd.TargetExecutionID, cmd.TargetChildWorkflow, cmd.TargetParent)
	if err != nil {
		return nil, err
	}
	dedupID := fmt.Sprintf("%s/%d", sourceExecutionID, cmd.Seq)
	received := event.NewIdentified(event.SignalReceived, baseTime, uuid.NewString(), &event.SignalReceivedAttrs{
		SignalID: cmd.SignalID,
		Payload:  cmd.SignalPayload,
		DedupID:  dedupID,
	})
	if err := ex.queue.Enqueue(ctx, targetID, received); err != nil {
		return nil, fmt.Errorf("command: send signal: %w", err)
	}
	return event.NewSequenced(event.SignalSent, baseTime, cmd.Seq, &event.SignalSentAttrs{ExecutionID: targetID, SignalID: cmd.SignalID, Payload: cmd.SignalPayload}), nil
}

func (ex *Executor) emitEvents(ctx context.Context, cmd workflow.Command, baseTime time.Time) (*event.Event, error) {
	if err := ex.events.EmitEvents(ctx, cmd.Events); err != nil {
		return nil, fmt.Errorf("command: emit events: %w", err)
	}
	return event.NewSequenced(event.EventsEmitted, baseTime, cmd.Seq, &event.EventsEmittedAttrs{Events: cmd.Events}), nil
}

func (ex *Executor) expectSignal(ctx context.Context, executionID string, cmd workflow.Command, baseTime time.Time) (*event.Event, error) {
	if cmd.Timeout != nil {
		due := baseTime.Add(*cmd.Timeout)
		timeoutEvt := event.NewSequenced(event.SignalTimedOut, due, cmd.Seq, &event.SignalTimedOutAttrs{SignalID: cmd.SignalID})
		id := fmt.Sprintf("%s/signal-timeout/%d", executionID, cmd.Seq)
		if err := ex.timers.ScheduleEvent(ctx, id, executionID, due, timeoutEvt); err != nil {
			return nil, fmt.Errorf("command: schedule signal timeout: %w", err)
		}
	}
	return event.NewSequenced(event.SignalExpectStarted, baseTime, cmd.Seq, &event.SignalExpectStartedAttrs{SignalID: cmd.SignalID}), nil
}

func (ex *Executor) startCondition(ctx context.Context, executionID string, cmd workflow.Command, baseTime time.Time) (*event.Event, error) {
	if cmd.Timeout != nil {
		due := baseTime.Add(*cmd.Timeout)
		timeoutEvt := event.NewSequenced(event.ConditionTimedOut, due, cmd.Seq, &event.ConditionTimedOutAttrs{})
		id := fmt.Sprintf("%s/condition-timeout/%d", executionID, cmd.Seq)
		if err := ex.timers.ScheduleEvent(ctx, id, executionID, due, timeoutEvt); err != nil {
			return nil, fmt.Errorf("command: schedule condition timeout: %w", err)
		}
	}
	return event.NewSequenced(event.ConditionStarted, baseTime, cmd.Seq, &event.ConditionStartedAttrs{}), nil
}

func (ex *Executor) invokeTransaction(ctx context.Context, executionID string, cmd workflow.Command, baseTime time.Time) (*event.Event, error) {
	if err := ex.transactions.Dispatch(ctx, TransactionDispatchRequest{
		ExecutionID:   executionID,
		Seq:           cmd.Seq,
		Name:          cmd.TransactionName,
		Input:         cmd.TransactionInput,
		ScheduledTime: baseTime,
	}); err != nil {
		return nil, fmt.Errorf("command: invoke transaction: %w", err)
	}
	return event.NewSequenced(event.TransactionRequest, baseTime, cmd.Seq, &event.TransactionRequestAttrs{Name: cmd.TransactionName, Input: cmd.TransactionInput}), nil
}

// entityOp, bucketOp, and searchOp execute synchronously against their
// backing stores and enqueue the
// matching Result event back onto the same execution's queue, the same
// Scheduled-then-Result shape every other command uses even though here
// nothing external is actually in flight.
func (ex *Executor) entityOp(ctx context.Context, executionID string, cmd workflow.Command, baseTime time.Time) (*event.Event, error) {
	var result event.Attrs
	switch cmd.EntityOpKind {
	case event.EntityGet:
		rec, err := ex.entities.Get(ctx, cmd.EntityKey)
		if err != nil {
			result = entityFailure(err)
		} else {
			result = &event.EntityRequestSucceededAttrs{Value: rec.Value, Version: rec.Version}
		}
	case event.EntityPut:
		v, err := ex.entities.Put(ctx, cmd.EntityKey, cmd.EntityValue, cmd.ExpectedVersion)
		if err != nil {
			result = entityFailure(err)
		} else {
			result = &event.EntityRequestSucceededAttrs{Version: v}
		}
	case event.EntityDelete:
		if err := ex.entities.Delete(ctx, cmd.EntityKey, cmd.ExpectedVersion); err != nil {
			result = entityFailure(err)
		} else {
			result = &event.EntityRequestSucceededAttrs{}
		}
	default:
		return nil, fmt.Errorf("command: unknown entity op %q", cmd.EntityOpKind)
	}
	if err := ex.enqueueResult(ctx, executionID, cmd.Seq, result, baseTime); err != nil {
		return nil, err
	}
	return event.NewSequenced(event.EntityRequest, baseTime, cmd.Seq, &event.EntityRequestAttrs{
		Op: cmd.EntityOpKind, Key: cmd.EntityKey, Value: cmd.EntityValue, ExpectedVersion: cmd.ExpectedVersion,
	}), nil
}

func entityFailure(err error) event.Attrs {
	name := "EntityStoreError"
	if errors.Is(err, store.ErrConflict) {
		name = "VersionConflict"
	} else if errors.Is(err, store.ErrNotFound) {
		name = "NotFound"
	}
	return &event.EntityRequestFailedAttrs{Error: name, Message: err.Error()}
}

func (ex *Executor) bucketOp(ctx context.Context, executionID string, cmd workflow.Command, baseTime time.Time) (*event.Event, error) {
	var result event.Attrs
	switch cmd.BucketOpKind {
	case event.BucketGet:
		v, err := ex.blobs.Get(ctx, cmd.Bucket, cmd.BucketKey)
		if err != nil {
			result = bucketFailure(err)
		} else {
			result = &event.BucketRequestSucceededAttrs{Value: v}
		}
	case event.BucketPut:
		if err := ex.blobs.Put(ctx, cmd.Bucket, cmd.BucketKey, cmd.BucketValue); err != nil {
			result = bucketFailure(err)
		} else {
			result = &event.BucketRequestSucceededAttrs{}
		}
	case event.BucketDelete:
		if err := ex.blobs.Delete(ctx, cmd.Bucket, cmd.BucketKey); err != nil {
			result = bucketFailure(err)
		} else {
			result = &event.BucketRequestSucceededAttrs{}
		}
	default:
		return nil, fmt.Errorf("command: unknown bucket op %q", cmd.BucketOpKind)
	}
	if err := ex.enqueueResult(ctx, executionID, cmd.Seq, result, baseTime); err != nil {
		return nil, err
	}
	return event.NewSequenced(event.BucketRequest, baseTime, cmd.Seq, &event.BucketRequestAttrs{
		Op: cmd.BucketOpKind, Bucket: cmd.Bucket, Key: cmd.BucketKey, Value: cmd.BucketValue,
	}), nil
}

func bucketFailure(err error) event.Attrs {
	name := "BlobStoreError"
	if errors.Is(err, store.ErrNotFound) {
		name = "NotFound"
	}
	return &event.BucketRequestFailedAttrs{Error: name, Message: err.Error()}
}

func (ex *Executor) searchOp(ctx context.Context, executionID string, cmd workflow.Command, baseTime time.Time) (*event.Event, error) {
	page, err := ex.search.Query(ctx, cmd.SearchQuery)
	var result event.Attrs
	if err != nil {
		result = &event.SearchRequestFailedAttrs{Error: "SearchError", Message: err.Error()}
	} else {
		result = &event.SearchRequestSucceededAttrs{Page: page}
	}
	if err := ex.enqueueResult(ctx, executionID, cmd.Seq, result, baseTime); err != nil {
		return nil, err
	}
	return event.NewSequenced(event.SearchRequest, baseTime, cmd.Seq, &event.SearchRequestAttrs{Query: cmd.SearchQuery}), nil
}

func (ex *Executor) enqueueResult(ctx context.Context, executionID string, seq int64, attrs event.Attrs, baseTime time.Time) error {
	resultType, ok := resultEventType(attrs)
	if !ok {
		return fmt.Errorf("command: unmapped result attrs %T", attrs)
	}
	e := event.NewSequenced(resultType, baseTime, seq, attrs)
	if err := ex.queue.Enqueue(ctx, executionID, e); err != nil {
		return fmt.Errorf("command: enqueue result: %w", err)
	}
	return nil
}

func resultEventType(attrs event.Attrs) (event.Type, bool) {
	switch attrs.(type) {
	case *event.EntityRequestSucceededAttrs:
		return event.EntityRequestSucceeded, true
	case *event.EntityRequestFailedAttrs:
		return event.EntityRequestFailed, true
	case *event.BucketRequestSucceededAttrs:
		return event.BucketRequestSucceeded, true
	case *event.BucketRequestFailedAttrs:
		return event.BucketRequestFailed, true
	case *event.SearchRequestSucceededAttrs:
		return event.SearchRequestSucceeded, true
	case *event.SearchRequestFailedAttrs:
		return event.SearchRequestFailed, true
	}
	return "", false
}
