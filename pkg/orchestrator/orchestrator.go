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

// Package orchestrator drives executions forward: it
// drains batches of workflow tasks, groups them by execution, loads and
// merges history, runs the Workflow Executor, executes the commands it
// produced, and persists the result — concurrently across executions,
// with a per-execution partial-failure policy.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/functionless/eventual/internal/clock"
	"github.com/functionless/eventual/internal/concurrency"
	"github.com/functionless/eventual/internal/log"
	"github.com/functionless/eventual/internal/log/tag"
	"github.com/functionless/eventual/internal/metrics"
	"github.com/functionless/eventual/pkg/command"
	"github.com/functionless/eventual/pkg/event"
	"github.com/functionless/eventual/pkg/store"
	"github.com/functionless/eventual/pkg/workflow"
)

// TimerScheduler is the subset of the Timer Service the Orchestrator
// needs directly, to schedule a workflow-level timeout.
type TimerScheduler interface {
	ScheduleEvent(ctx context.Context, id, executionID string, dueTime time.Time, e *event.Event) error
}

// Deps bundles the Orchestrator's collaborators.
type Deps struct {
	History     store.HistoryStore
	Executions  store.ExecutionStore
	Queue       store.ExecutionQueue
	Journal     store.EventJournal
	Timers      TimerScheduler
	Commands    *command.Executor
	Workflows   *workflow.Registry
	Clock       clock.TimeSource
	Log         log.Logger
	Workers     int
	QueueSize   int
}

// Orchestrator is the batch-driven execution driver.
type Orchestrator struct {
	history    store.HistoryStore
	executions store.ExecutionStore
	queue      store.ExecutionQueue
	journal    store.EventJournal
	timers     TimerScheduler
	commands   *command.Executor
	workflows  *workflow.Registry
	clock      clock.TimeSource
	log        log.Logger
	pool       *concurrency.Pool
}

func New(d Deps) *Orchestrator {
	workers := d.Workers
	if workers < 1 {
		workers = 4
	}
	queueSize := d.QueueSize
	if queueSize < 1 {
		queueSize = 64
	}
	o := &Orchestrator{
		history:    d.History,
		executions: d.Executions,
		queue:      d.Queue,
		journal:    d.Journal,
		timers:     d.Timers,
		commands:   d.Commands,
		workflows:  d.Workflows,
		clock:      d.Clock,
		log:        d.Log,
		pool:       concurrency.NewPool(workers, queueSize),
	}
	o.pool.Start()
	return o
}

func (o *Orchestrator) Close() { o.pool.Stop() }

// Result reports the outcome of one batch.
type Result struct {
	FailedExecutionIDs []string
}

// ProcessBatch groups tasks by executionId and processes each execution
// concurrently, returning the set of executions
// whose orchestration failed so other callers can retry/NACK them.
func (o *Orchestrator) ProcessBatch(ctx context.Context, tasks []store.WorkflowTask) Result {
	groups := map[string][]*event.Event{}
	var order []string
	for _, t := range tasks {
		if _, ok := groups[t.ExecutionID]; !ok {
			order = append(order, t.ExecutionID)
		}
		groups[t.ExecutionID] = append(groups[t.ExecutionID], t.Events...)
	}

	var mu sync.Mutex
	var failed []string
	var wg sync.WaitGroup
	for _, executionID := range order {
		executionID := executionID
		newEvents := groups[executionID]
		wg.Add(1)
		o.pool.Submit(func() {
			defer wg.Done()
			start := o.clock.Now()
			err := o.processExecution(ctx, executionID, newEvents)
			workflowName, _, splitErr := event.SplitID(executionID)
			if splitErr != nil {
				workflowName = executionID
			}
			metrics.ObserveOrchestratorBatch(workflowName, o.clock.Now().Sub(start).Seconds())
			if err != nil {
				o.log.Warn("orchestrator: execution failed", tag.ExecutionID(executionID), tag.Error(err))
				mu.Lock()
				failed = append(failed, executionID)
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	return Result{FailedExecutionIDs: failed}
}

func (o *Orchestrator) processExecution(ctx context.Context, executionID string, newEvents []*event.Event) error {
	priorHistory, err := o.history.ReadHistory(ctx, executionID)
	if err != nil {
		return fmt.Errorf("orchestrator: read history: %w", err)
	}

	merged, fresh := dedupMerge(priorHistory, newEvents)
	baseTime := o.clock.Now()

	// Workflow-level timeout: arrival short-circuits everything else;
	// no further events are processed for this execution.
	for _, e := range fresh {
		if e.Type == event.WorkflowTimedOut {
			return o.finalizeTimeout(ctx, executionID, fresh, baseTime)
		}
	}

	startedAttrs, ok := findWorkflowStarted(merged)
	if !ok {
		wfName, _, _ := event.SplitID(executionID)
		metrics.RecordDeterminismError(wfName)
		if exeRecord, gerr := o.executions.GetExecution(ctx, executionID); gerr == nil {
			return o.finalizeFailure(ctx, executionID, exeRecord, baseTime, "DeterminismError", "history has no WorkflowStarted event")
		}
		return fmt.Errorf("orchestrator: no WorkflowStarted event for %s", executionID)
	}

	firstRun := !containsType(priorHistory, event.WorkflowRunCompleted)
	if firstRun && startedAttrs.TimeoutTime != nil {
		id := fmt.Sprintf("%s/workflow-timeout", executionID)
		timeoutEvt := event.NewIdentified(event.WorkflowTimedOut, *startedAttrs.TimeoutTime, uuid.NewString(), &event.WorkflowTimedOutAttrs{})
		if err := o.timers.ScheduleEvent(ctx, id, executionID, *startedAttrs.TimeoutTime, timeoutEvt); err != nil {
			o.log.Warn("orchestrator: schedule workflow timeout failed", tag.ExecutionID(executionID), tag.Error(err))
		}
	}

	workflowName, executionName, err := event.SplitID(executionID)
	if err != nil {
		return err
	}
	exeRecord, err := o.executions.GetExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("orchestrator: get execution: %w", err)
	}

	fn, ok := o.workflows.Lookup(startedAttrs.WorkflowName)
	if !ok {
		return o.finalizeFailure(ctx, executionID, exeRecord, baseTime, "WorkflowNotFound",
			fmt.Sprintf("no workflow registered with name %q", startedAttrs.WorkflowName))
	}

	synthetic := workflow.SyntheticTimerCompletions(merged, baseTime)
	runHistory := append(append([]*event.Event{}, merged...), synthetic...)

	exec := workflow.Execution{
		WorkflowName: startedAttrs.WorkflowName,
		ID:           executionID,
		Name:         executionName,
		StartTime:    exeRecord.StartTime,
		ParentID:     startedAttrs.ParentExecutionID,
	}
	run := workflow.New(fn, exec, runHistory, baseTime)
	result := run.Start(startedAttrs.Input)
	run.Release()

	produced := []*event.Event{event.NewIdentified(event.WorkflowRunStarted, baseTime, uuid.NewString(), &event.WorkflowRunStartedAttrs{})}
	produced = append(produced, fresh...)
	produced = append(produced, synthetic...)

	// Commands are executed regardless of whether the run finished: a
	// Pending run's StartTask/StartTimer side effects are exactly what
	// will eventually unblock it.
	commandEvents, cmdErr := o.executeCommands(ctx, workflowName, executionID, result.Commands, baseTime)
	produced = append(produced, commandEvents...)
	produced = append(produced, event.NewIdentified(event.WorkflowRunCompleted, baseTime, uuid.NewString(), &event.WorkflowRunCompletedAttrs{CommandCount: len(result.Commands)}))

	if cmdErr != nil {
		// Persist the gap-free prefix of scheduled events so replay stays
		// consistent, then surface the fault: the task is NACKed and the
		// unrecorded commands re-execute on redelivery.
		if err := o.persistAppend(ctx, executionID, produced); err != nil {
			return err
		}
		return cmdErr
	}

	switch result.Status {
	case workflow.Succeeded:
		produced = append(produced, event.NewIdentified(event.WorkflowSucceeded, baseTime, uuid.NewString(), &event.WorkflowSucceededAttrs{Output: result.Output}))
		return o.finalize(ctx, executionID, exeRecord, produced, baseTime, event.StatusSucceeded, result.Output, "", "")
	case workflow.Failed:
		errName, msg := "WorkflowError", ""
		if result.Failure != nil {
			errName, msg = result.Failure.Err, result.Failure.Msg
		}
		produced = append(produced, event.NewIdentified(event.WorkflowFailed, baseTime, uuid.NewString(), &event.WorkflowFailedAttrs{Error: errName, Message: msg}))
		return o.finalize(ctx, executionID, exeRecord, produced, baseTime, event.StatusFailed, nil, errName, msg)
	default:
		return o.persistAppend(ctx, executionID, produced)
	}
}

// executeCommands runs every command concurrently through the Command
// Executor and returns the longest gap-free
// prefix of the Scheduled events they produced, in seq order. A
// mid-batch failure must not record a later seq without its
// predecessors: the executor assigns seqs densely, so a gap in
// scheduled events would fail every subsequent replay.
func (o *Orchestrator) executeCommands(ctx context.Context, workflowName, executionID string, cmds []workflow.Command, baseTime time.Time) ([]*event.Event, error) {
	events := make([]*event.Event, len(cmds))
	var wg sync.WaitGroup
	for i, cmd := range cmds {
		i, cmd := i, cmd
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := o.commands.Execute(ctx, workflowName, executionID, cmd, baseTime)
			if err != nil {
				o.log.Warn("orchestrator: command execution failed", tag.ExecutionID(executionID), tag.Seq(cmd.Seq), tag.Error(err))
				return
			}
			events[i] = e
		}()
	}
	wg.Wait()

	// cmds are already in seq order.
	out := make([]*event.Event, 0, len(events))
	for _, e := range events {
		if e == nil {
			return out, fmt.Errorf("orchestrator: %d of %d commands failed for %s", len(cmds)-len(out), len(cmds), executionID)
		}
		out = append(out, e)
	}
	return out, nil
}

func (o *Orchestrator) persistAppend(ctx context.Context, executionID string, newEvents []*event.Event) error {
	if len(newEvents) == 0 {
		return nil
	}
	if err := o.history.AppendHistory(ctx, executionID, newEvents); err != nil {
		return fmt.Errorf("orchestrator: append history: %w", err)
	}
	for _, e := range newEvents {
		if err := o.journal.Record(ctx, executionID, e); err != nil {
			o.log.Warn("orchestrator: journal record failed", tag.ExecutionID(executionID), tag.Error(err))
		}
	}
	return nil
}

func (o *Orchestrator) finalize(ctx context.Context, executionID string, exeRecord *event.Execution, newEvents []*event.Event, endTime time.Time, status event.Status, result []byte, errName, message string) error {
	if err := o.persistAppend(ctx, executionID, newEvents); err != nil {
		return err
	}
	if err := o.executions.CompleteExecution(ctx, executionID, status, endTime, result, errName, message); err != nil {
		// A redelivered terminal run loses the optimistic status check;
		// the first writer already notified the parent.
		if errors.Is(err, store.ErrConflict) {
			o.log.Info("orchestrator: execution already terminal", tag.ExecutionID(executionID))
			return nil
		}
		return fmt.Errorf("orchestrator: complete execution: %w", err)
	}
	o.notifyParent(ctx, exeRecord, status, result, errName, message, endTime)
	return nil
}

func (o *Orchestrator) finalizeFailure(ctx context.Context, executionID string, exeRecord *event.Execution, baseTime time.Time, errName, message string) error {
	e := event.NewIdentified(event.WorkflowFailed, baseTime, uuid.NewString(), &event.WorkflowFailedAttrs{Error: errName, Message: message})
	return o.finalize(ctx, executionID, exeRecord, []*event.Event{e}, baseTime, event.StatusFailed, nil, errName, message)
}

func (o *Orchestrator) finalizeTimeout(ctx context.Context, executionID string, newEvents []*event.Event, now time.Time) error {
	exeRecord, err := o.executions.GetExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("orchestrator: get execution: %w", err)
	}
	produced := append([]*event.Event{}, newEvents...)
	return o.finalize(ctx, executionID, exeRecord, produced, now, event.StatusTimedOut, nil, "Timeout", "workflow timed out")
}

func (o *Orchestrator) notifyParent(ctx context.Context, exeRecord *event.Execution, status event.Status, result []byte, errName, message string, now time.Time) {
	if exeRecord == nil || exeRecord.Parent == nil {
		return
	}
	var e *event.Event
	if status == event.StatusSucceeded {
		e = event.NewSequenced(event.ChildWorkflowSucceeded, now, exeRecord.Parent.Seq, &event.ChildWorkflowSucceededAttrs{Result: result})
	} else {
		if errName == "" {
			errName = "Timeout"
		}
		e = event.NewSequenced(event.ChildWorkflowFailed, now, exeRecord.Parent.Seq, &event.ChildWorkflowFailedAttrs{Error: errName, Message: message})
	}
	if err := o.queue.Enqueue(ctx, exeRecord.Parent.ExecutionID, e); err != nil {
		o.log.Warn("orchestrator: notify parent failed", tag.ExecutionID(exeRecord.Parent.ExecutionID), tag.Error(err))
	}
}

// dedupMerge unions history with newEvents under the event-id identity,
// returning both the merged log and the events that were genuinely new
// (the ones to persist).
func dedupMerge(history []*event.Event, newEvents []*event.Event) (merged, fresh []*event.Event) {
	seen := make(map[string]bool, len(history))
	for _, e := range history {
		seen[e.EventID()] = true
	}
	merged = append(merged, history...)
	for _, e := range newEvents {
		id := e.EventID()
		if seen[id] {
			continue
		}
		seen[id] = true
		merged = append(merged, e)
		fresh = append(fresh, e)
	}
	return merged, fresh
}

func findWorkflowStarted(history []*event.Event) (*event.WorkflowStartedAttrs, bool) {
	for _, e := range history {
		if a, ok := e.Attrs.(*event.WorkflowStartedAttrs); ok {
			return a, true
		}
	}
	return nil, false
}

func containsType(history []*event.Event, typ event.Type) bool {
	for _, e := range history {
		if e.Type == typ {
			return true
		}
	}
	return false
}
