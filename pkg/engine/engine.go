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

// Package engine is the service API: the single entry point that wires
// the Orchestrator, Command Executor, Task Worker, Timer Service,
// Signal/Event Router, and Transaction Executor to the store backends,
// and exposes StartExecution, GetExecution, ListExecutions,
// GetExecutionHistory, SendSignal, EmitEvents,
// SendTaskSuccess/Failure/Heartbeat, and ExecuteTransaction. The
// facade owns no durable state of its own, only the wiring between the
// stores and the sibling engine components.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/functionless/eventual/internal/clock"
	"github.com/functionless/eventual/internal/log"
	"github.com/functionless/eventual/internal/log/tag"
	"github.com/functionless/eventual/internal/retry"
	"github.com/functionless/eventual/pkg/command"
	"github.com/functionless/eventual/pkg/event"
	"github.com/functionless/eventual/pkg/orchestrator"
	"github.com/functionless/eventual/pkg/router"
	"github.com/functionless/eventual/pkg/store"
	"github.com/functionless/eventual/pkg/taskworker"
	"github.com/functionless/eventual/pkg/timer"
	"github.com/functionless/eventual/pkg/transaction"
	"github.com/functionless/eventual/pkg/workflow"
)

// Config bundles every store backend and registry the Engine wires
// together, plus tuning knobs for the components it constructs.
type Config struct {
	History     store.HistoryStore
	Executions  store.ExecutionStore
	Queue       store.ExecutionQueue
	Claims      store.TaskClaimStore
	Entities    store.EntityStore
	Blobs       store.BlobStore
	Search      store.SearchIndex
	DeadLetters store.DeadLetterSink
	Journal     store.EventJournal
	TimerStore  store.TimerStore

	Workflows    *workflow.Registry
	Tasks        *taskworker.Registry
	Transactions *transaction.Registry

	// ClaimerID identifies this process to the Task Claim store's
	// first-writer-wins protocol. Defaults to a generated
	// uuid if empty.
	ClaimerID string

	TaskWorkers           int
	TaskQueueSize         int
	OrchestratorWorkers   int
	OrchestratorQueueSize int
	TimerThreshold        time.Duration
	TimerPollInterval     time.Duration
	EventRetryPolicy      retry.Policy

	Clock clock.TimeSource
	Log   log.Logger
}

// Engine is the service API facade.
type Engine struct {
	history    store.HistoryStore
	executions store.ExecutionStore
	queue      store.ExecutionQueue
	claims     store.TaskClaimStore

	timers       *timer.Service
	router       *router.Router
	transactions *transaction.Executor
	taskworker   *taskworker.Worker
	orchestrator *orchestrator.Orchestrator

	clock clock.TimeSource
	log   log.Logger
}

// New constructs an Engine from cfg, wiring every sibling component.
// cfg.Workflows and the store backends (history, executions, queue and
// the rest) must be supplied: New neither checks nor defaults them. The
// other registries, the tuning knobs, the claimer id, the clock, the
// logger and the event retry policy default to usable values (an
// in-memory-friendly tuning, a generated claimer id, the real clock, a
// stderr logger).
func New(cfg Config) (*Engine, error) {
	if cfg.Workflows == nil {
		return nil, errors.New("engine: Config.Workflows is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real
	}
	if cfg.Log == nil {
		cfg.Log = log.NewProductionLogger("info")
	}
	if cfg.ClaimerID == "" {
		cfg.ClaimerID = uuid.NewString()
	}
	if cfg.Tasks == nil {
		cfg.Tasks = taskworker.NewRegistry()
	}
	if cfg.Transactions == nil {
		cfg.Transactions = transaction.NewRegistry()
	}
	if cfg.TaskWorkers <= 0 {
		cfg.TaskWorkers = 8
	}
	if cfg.TaskQueueSize <= 0 {
		cfg.TaskQueueSize = 64
	}
	if cfg.OrchestratorWorkers <= 0 {
		cfg.OrchestratorWorkers = 4
	}
	if cfg.OrchestratorQueueSize <= 0 {
		cfg.OrchestratorQueueSize = 64
	}
	if cfg.TimerThreshold <= 0 {
		cfg.TimerThreshold = 5 * time.Second
	}
	if cfg.TimerPollInterval <= 0 {
		cfg.TimerPollInterval = time.Second
	}
	if cfg.EventRetryPolicy == (retry.Policy{}) {
		cfg.EventRetryPolicy = retry.DefaultEventPolicy()
	}

	e := &Engine{
		history:    cfg.History,
		executions: cfg.Executions,
		queue:      cfg.Queue,
		claims:     cfg.Claims,
		clock:      cfg.Clock,
		log:        cfg.Log,
	}

	timers := timer.New(cfg.Queue, cfg.TimerStore, cfg.Clock, cfg.Log, cfg.TimerThreshold, cfg.TimerPollInterval)
	e.timers = timers

	rtr := router.New(cfg.Queue, cfg.DeadLetters, cfg.Log, cfg.EventRetryPolicy)
	e.router = rtr

	e.transactions = transaction.New(cfg.Entities, cfg.Queue, rtr, cfg.Transactions, cfg.Log)

	// e is already allocated, so its StartChildWorkflow method value and
	// the serviceClient adapter below are safe to hand to components
	// built before e.taskworker/e.orchestrator themselves are set: those
	// fields are only read once a call actually reaches them, by which
	// time New has returned.
	worker := taskworker.New(cfg.Claims, cfg.Queue, timers, cfg.Tasks, serviceClient{e}, cfg.Clock, cfg.Log, cfg.ClaimerID, cfg.TaskWorkers, cfg.TaskQueueSize)
	e.taskworker = worker

	cmdExec := command.New(command.Deps{
		Queue:        cfg.Queue,
		Entities:     cfg.Entities,
		Blobs:        cfg.Blobs,
		Search:       cfg.Search,
		Timers:       timers,
		Tasks:        worker,
		Transactions: e.transactions,
		Events:       rtr,
		StartChild:   e.StartChildWorkflow,
		Log:          cfg.Log,
	})

	e.orchestrator = orchestrator.New(orchestrator.Deps{
		History:    cfg.History,
		Executions: cfg.Executions,
		Queue:      cfg.Queue,
		Journal:    cfg.Journal,
		Timers:     timers,
		Commands:   cmdExec,
		Workflows:  cfg.Workflows,
		Clock:      cfg.Clock,
		Log:        cfg.Log,
		Workers:    cfg.OrchestratorWorkers,
		QueueSize:  cfg.OrchestratorQueueSize,
	})

	return e, nil
}

// Close stops every background component the Engine owns.
func (e *Engine) Close() {
	e.taskworker.Close()
	e.orchestrator.Close()
	e.timers.Close()
}

// serviceClient narrows Engine down to taskworker.ServiceClient, keeping
// the internal now-parameterized SendSignal off Engine's own public
// surface.
type serviceClient struct{ engine *Engine }

func (c serviceClient) SendSignal(ctx context.Context, targetExecutionID, signalID string, payload json.RawMessage, id string, now time.Time) error {
	return c.engine.router.SendSignal(ctx, targetExecutionID, signalID, payload, id, now)
}

func (c serviceClient) EmitEvents(ctx context.Context, events []event.EmittedEvent) error {
	return c.engine.router.EmitEvents(ctx, events)
}

func (c serviceClient) StartChildWorkflow(ctx context.Context, req command.StartExecutionRequest) (string, bool, error) {
	return c.engine.StartChildWorkflow(ctx, req)
}

// ProcessBatch drains up to maxTasks pending workflow tasks and runs them
// through the Orchestrator. cmd/enginesrv calls this in a poll loop; it
// is exposed here rather than started automatically so callers control
// their own polling cadence and shutdown.
func (e *Engine) ProcessBatch(ctx context.Context, maxTasks int) (orchestrator.Result, error) {
	tasks, err := e.queue.Dequeue(ctx, maxTasks)
	if err != nil {
		return orchestrator.Result{}, err
	}
	if len(tasks) == 0 {
		return orchestrator.Result{}, nil
	}
	result := e.orchestrator.ProcessBatch(ctx, tasks)

	// System-level orchestration failures NACK the task back for
	// redelivery rather than failing the execution: the
	// executor's event-id set makes the retry idempotent.
	if len(result.FailedExecutionIDs) > 0 {
		failed := make(map[string]bool, len(result.FailedExecutionIDs))
		for _, id := range result.FailedExecutionIDs {
			failed[id] = true
		}
		for _, t := range tasks {
			if !failed[t.ExecutionID] {
				continue
			}
			for _, ev := range t.Events {
				if err := e.queue.Enqueue(ctx, t.ExecutionID, ev); err != nil {
					e.log.Warn("engine: redeliver failed task", tag.ExecutionID(t.ExecutionID), tag.Error(err))
				}
			}
		}
	}
	return result, nil
}

// StartExecutionRequest is StartExecution's request shape.
type StartExecutionRequest struct {
	WorkflowName      string
	ExecutionName     string
	Input             json.RawMessage
	Timeout           *time.Duration
	ParentExecutionID string
	ParentSeq         *int64
}

// StartExecution starts a new execution, idempotent on
// (workflowName, executionName, inputHash). A second call with the same
// name and input returns alreadyRunning=true; the same name with
// different input is a conflict error.
func (e *Engine) StartExecution(ctx context.Context, req StartExecutionRequest) (executionID string, alreadyRunning bool, err error) {
	return e.startExecution(ctx, req)
}

// StartChildWorkflow implements command.StartExecutionFunc (and
// taskworker.ServiceClient's identical method): the path a StartChild
// workflow command or a task handler uses to start a child execution.
func (e *Engine) StartChildWorkflow(ctx context.Context, req command.StartExecutionRequest) (string, bool, error) {
	seq := req.ParentSeq
	return e.startExecution(ctx, StartExecutionRequest{
		WorkflowName:      req.WorkflowName,
		ExecutionName:     req.ExecutionName,
		Input:             req.Input,
		ParentExecutionID: req.ParentExecutionID,
		ParentSeq:         &seq,
	})
}

func (e *Engine) startExecution(ctx context.Context, req StartExecutionRequest) (string, bool, error) {
	if req.ExecutionName == "" {
		req.ExecutionName = uuid.NewString()
	}
	executionID := event.ID(req.WorkflowName, req.ExecutionName)
	inputHash := hashInput(req.Input)

	if existing, err := e.executions.GetExecution(ctx, executionID); err == nil {
		return e.checkIdempotent(executionID, existing, inputHash)
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", false, err
	}

	now := e.clock.Now()
	var timeoutTime *time.Time
	if req.Timeout != nil {
		t := now.Add(*req.Timeout)
		timeoutTime = &t
	}
	var parent *event.ParentRef
	if req.ParentExecutionID != "" && req.ParentSeq != nil {
		parent = &event.ParentRef{ExecutionID: req.ParentExecutionID, Seq: *req.ParentSeq}
	}

	exe := &event.Execution{
		ExecutionID:   executionID,
		WorkflowName:  req.WorkflowName,
		ExecutionName: req.ExecutionName,
		Input:         req.Input,
		InputHash:     inputHash,
		StartTime:     now,
		Status:        event.StatusInProgress,
		Parent:        parent,
	}
	if err := e.executions.CreateExecution(ctx, exe); err != nil {
		if errors.Is(err, store.ErrConflict) {
			existing, gerr := e.executions.GetExecution(ctx, executionID)
			if gerr != nil {
				return "", false, gerr
			}
			return e.checkIdempotent(executionID, existing, inputHash)
		}
		return "", false, err
	}

	attrs := &event.WorkflowStartedAttrs{
		WorkflowName:      req.WorkflowName,
		ExecutionName:     req.ExecutionName,
		Input:             req.Input,
		InputHash:         inputHash,
		TimeoutTime:       timeoutTime,
		ParentExecutionID: req.ParentExecutionID,
	}
	if parent != nil {
		attrs.ParentSeq = &parent.Seq
	}
	started := event.NewIdentified(event.WorkflowStarted, now, uuid.NewString(), attrs)
	if err := e.queue.Enqueue(ctx, executionID, started); err != nil {
		return "", false, err
	}
	return executionID, false, nil
}

func (e *Engine) checkIdempotent(executionID string, existing *event.Execution, inputHash string) (string, bool, error) {
	if existing.InputHash != inputHash {
		return "", false, fmt.Errorf("engine: execution %q already exists with a different input", executionID)
	}
	return executionID, true, nil
}

func hashInput(input json.RawMessage) string {
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:])
}

// GetExecution returns the execution record. Callers check
// errors.Is(err, store.ErrNotFound) for the "no such execution" case.
func (e *Engine) GetExecution(ctx context.Context, executionID string) (*event.Execution, error) {
	return e.executions.GetExecution(ctx, executionID)
}

// ListExecutions pages through execution records.
func (e *Engine) ListExecutions(ctx context.Context, filter store.ListFilter) (store.ListPage, error) {
	return e.executions.ListExecutions(ctx, filter)
}

// HistoryPage is one page of an execution's history, mirroring
// store.ListPage's shape for the Execution Store.
type HistoryPage struct {
	Events        []*event.Event
	NextPageToken string
}

// GetExecutionHistory returns one page of an execution's history.
// HistoryStore itself keeps no paging state, so pagination is done
// in-process over the full log; NextPageToken is the decimal offset of
// the first event not yet returned.
func (e *Engine) GetExecutionHistory(ctx context.Context, executionID, pageToken string, pageSize int) (HistoryPage, error) {
	all, err := e.history.ReadHistory(ctx, executionID)
	if err != nil {
		return HistoryPage{}, err
	}
	offset := 0
	if pageToken != "" {
		n, perr := strconv.Atoi(pageToken)
		if perr != nil || n < 0 {
			return HistoryPage{}, fmt.Errorf("engine: invalid page token %q", pageToken)
		}
		offset = n
	}
	if offset >= len(all) {
		return HistoryPage{}, nil
	}
	end := len(all)
	if pageSize > 0 && offset+pageSize < end {
		end = offset + pageSize
	}
	page := HistoryPage{Events: all[offset:end]}
	if end < len(all) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

// SendSignal delivers signalID with
// payload to targetExecutionID's queue, deduplicated by id if the caller
// supplies one.
func (e *Engine) SendSignal(ctx context.Context, targetExecutionID, signalID string, payload json.RawMessage, id string) error {
	return e.router.SendSignal(ctx, targetExecutionID, signalID, payload, id, e.clock.Now())
}

// EmitEvents fans events out to every
// registered in-process subscription.
func (e *Engine) EmitEvents(ctx context.Context, events []event.EmittedEvent) error {
	return e.router.EmitEvents(ctx, events)
}

// SendTaskSuccess completes the
// task named by token's (executionId, seq) with result, used by a
// handler that previously returned taskworker.ErrAsync.
func (e *Engine) SendTaskSuccess(ctx context.Context, token string, result json.RawMessage) error {
	executionID, seq, _, err := taskworker.DecodeToken(token)
	if err != nil {
		return err
	}
	ev := event.NewSequenced(event.TaskSucceeded, e.clock.Now(), seq, &event.TaskSucceededAttrs{Result: result})
	return e.queue.Enqueue(ctx, executionID, ev)
}

// SendTaskFailure fails the task named by token's (executionId, seq).
func (e *Engine) SendTaskFailure(ctx context.Context, token, errName, message string) error {
	executionID, seq, _, err := taskworker.DecodeToken(token)
	if err != nil {
		return err
	}
	ev := event.NewSequenced(event.TaskFailed, e.clock.Now(), seq, &event.TaskFailedAttrs{Error: errName, Message: message})
	return e.queue.Enqueue(ctx, executionID, ev)
}

// SendTaskHeartbeat resets the claim's heartbeat deadline in both the
// durable claim record and the Timer Service's in-memory tracker. No
// task-cancellation signal exists in this engine, so the response is
// always cancelled=false.
func (e *Engine) SendTaskHeartbeat(ctx context.Context, token string) (cancelled bool, err error) {
	executionID, seq, retry, err := taskworker.DecodeToken(token)
	if err != nil {
		return false, err
	}
	now := e.clock.Now()
	if e.claims != nil {
		if err := e.claims.Heartbeat(ctx, executionID, seq, retry, now); err != nil {
			return false, err
		}
	}
	e.timers.RecordHeartbeat(executionID, seq, now)
	return false, nil
}

// ExecuteTransaction runs name
// synchronously, outside of any workflow execution.
func (e *Engine) ExecuteTransaction(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	return e.transactions.Run(ctx, name, input)
}
