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
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/functionless/eventual/pkg/event"
)

type executorSuite struct {
	suite.Suite
	*require.Assertions

	startTime time.Time
	exe       Execution
}

func TestExecutorSuite(t *testing.T) {
	suite.Run(t, new(executorSuite))
}

func (s *executorSuite) SetupTest() {
	s.Assertions = require.New(s.T())
	s.startTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.exe = Execution{
		WorkflowName: "test-workflow",
		ID:           "test-workflow/run-1",
		Name:         "run-1",
		StartTime:    s.startTime,
	}
}

func (s *executorSuite) started(input string) *event.Event {
	return event.NewIdentified(event.WorkflowStarted, s.startTime, "started-1", &event.WorkflowStartedAttrs{
		WorkflowName:  "test-workflow",
		ExecutionName: "run-1",
		Input:         json.RawMessage(input),
	})
}

// run replays fn over history, releasing the coroutine on exit.
func (s *executorSuite) run(fn Func, history []*event.Event, input string) *Result {
	ex := New(fn, s.exe, history, s.startTime)
	defer ex.Release()
	return ex.Start(json.RawMessage(input))
}

func helloWorkflow(ctx *Context, input json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}
	var out string
	if err := ctx.Task("hello", in.Name).Get(ctx, &out); err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// Scenario: a single task is scheduled, then its success resolves the
// workflow.
func (s *executorSuite) TestSingleTaskSuccess() {
	input := `{"name":"world"}`

	first := s.run(helloWorkflow, []*event.Event{s.started(input)}, input)
	s.Equal(Pending, first.Status)
	s.Len(first.Commands, 1)
	s.Equal(StartTask, first.Commands[0].Kind)
	s.Equal(int64(0), first.Commands[0].Seq)
	s.Equal("hello", first.Commands[0].TaskName)

	history := []*event.Event{
		s.started(input),
		event.NewSequenced(event.TaskScheduled, s.startTime, 0, &event.TaskScheduledAttrs{Name: "hello"}),
		event.NewSequenced(event.TaskSucceeded, s.startTime.Add(time.Second), 0, &event.TaskSucceededAttrs{Result: json.RawMessage(`"hi world"`)}),
	}
	second := s.run(helloWorkflow, history, input)
	s.Equal(Succeeded, second.Status)
	s.Empty(second.Commands)
	s.JSONEq(`"hi world"`, string(second.Output))
}

func timerThenTaskWorkflow(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
	ctx.Sleep(5 * time.Second)
	var out int
	if err := ctx.Task("a", nil).Get(ctx, &out); err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// Scenario: sleep then task; the timer's absolute due time must be
// derived from the persisted start time so replays agree on it.
func (s *executorSuite) TestTimerThenTask() {
	until := s.startTime.Add(5 * time.Second)

	first := s.run(timerThenTaskWorkflow, []*event.Event{s.started(`{}`)}, `{}`)
	s.Equal(Pending, first.Status)
	s.Len(first.Commands, 1)
	s.Equal(StartTimer, first.Commands[0].Kind)
	s.True(first.Commands[0].TimerAbsolute.Equal(until))

	afterTimer := []*event.Event{
		s.started(`{}`),
		event.NewSequenced(event.TimerScheduled, s.startTime, 0, &event.TimerScheduledAttrs{UntilTime: until}),
		event.NewSequenced(event.TimerCompleted, until, 0, &event.TimerCompletedAttrs{}),
	}
	second := s.run(timerThenTaskWorkflow, afterTimer, `{}`)
	s.Equal(Pending, second.Status)
	s.Len(second.Commands, 1)
	s.Equal(StartTask, second.Commands[0].Kind)
	s.Equal(int64(1), second.Commands[0].Seq)
	s.Equal("a", second.Commands[0].TaskName)

	full := append(afterTimer,
		event.NewSequenced(event.TaskScheduled, until, 1, &event.TaskScheduledAttrs{Name: "a"}),
		event.NewSequenced(event.TaskSucceeded, until.Add(time.Second), 1, &event.TaskSucceededAttrs{Result: json.RawMessage(`42`)}),
	)
	third := s.run(timerThenTaskWorkflow, full, `{}`)
	s.Equal(Succeeded, third.Status)
	s.JSONEq(`42`, string(third.Output))
}

func parallelAllWorkflow(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
	a := ctx.Task("a", nil)
	b := ctx.Task("b", nil)
	var out []json.RawMessage
	if err := All(a, b).Get(ctx, &out); err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// Scenario: two parallel tasks resolved out of order still produce
// results in seq order.
func (s *executorSuite) TestParallelAll() {
	first := s.run(parallelAllWorkflow, []*event.Event{s.started(`{}`)}, `{}`)
	s.Equal(Pending, first.Status)
	s.Len(first.Commands, 2)
	s.Equal("a", first.Commands[0].TaskName)
	s.Equal("b", first.Commands[1].TaskName)

	history := []*event.Event{
		s.started(`{}`),
		event.NewSequenced(event.TaskScheduled, s.startTime, 0, &event.TaskScheduledAttrs{Name: "a"}),
		event.NewSequenced(event.TaskScheduled, s.startTime, 1, &event.TaskScheduledAttrs{Name: "b"}),
		event.NewSequenced(event.TaskSucceeded, s.startTime.Add(time.Second), 1, &event.TaskSucceededAttrs{Result: json.RawMessage(`"B"`)}),
		event.NewSequenced(event.TaskSucceeded, s.startTime.Add(2*time.Second), 0, &event.TaskSucceededAttrs{Result: json.RawMessage(`"A"`)}),
	}
	final := s.run(parallelAllWorkflow, history, `{}`)
	s.Equal(Succeeded, final.Status)
	s.JSONEq(`["A","B"]`, string(final.Output))
}

func expectSignalWorkflow(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
	timeout := 60 * time.Second
	var payload json.RawMessage
	if err := ctx.ExpectSignal("go", &timeout).Get(ctx, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Scenario: expect-signal resolved by arrival, or failed by timeout.
func (s *executorSuite) TestExpectSignal() {
	first := s.run(expectSignalWorkflow, []*event.Event{s.started(`{}`)}, `{}`)
	s.Equal(Pending, first.Status)
	s.Len(first.Commands, 1)
	s.Equal(ExpectSignal, first.Commands[0].Kind)
	s.Equal("go", first.Commands[0].SignalID)

	base := []*event.Event{
		s.started(`{}`),
		event.NewSequenced(event.SignalExpectStarted, s.startTime, 0, &event.SignalExpectStartedAttrs{SignalID: "go"}),
	}

	delivered := append(append([]*event.Event{}, base...),
		event.NewIdentified(event.SignalReceived, s.startTime.Add(time.Second), "sig-1", &event.SignalReceivedAttrs{SignalID: "go", Payload: json.RawMessage(`"ok"`)}),
	)
	resolved := s.run(expectSignalWorkflow, delivered, `{}`)
	s.Equal(Succeeded, resolved.Status)
	s.JSONEq(`"ok"`, string(resolved.Output))

	timedOut := append(append([]*event.Event{}, base...),
		event.NewSequenced(event.SignalTimedOut, s.startTime.Add(60*time.Second), 0, &event.SignalTimedOutAttrs{SignalID: "go"}),
	)
	failed := s.run(expectSignalWorkflow, timedOut, `{}`)
	s.Equal(Failed, failed.Status)
	s.Equal("Timeout", failed.Failure.Err)
}

func childWorkflowParent(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
	var out int
	if err := ctx.Child("sub", 7).Get(ctx, &out); err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// Scenario: child workflow result plumbs back into the parent's await.
func (s *executorSuite) TestChildWorkflow() {
	first := s.run(childWorkflowParent, []*event.Event{s.started(`{}`)}, `{}`)
	s.Equal(Pending, first.Status)
	s.Len(first.Commands, 1)
	s.Equal(StartChildWorkflow, first.Commands[0].Kind)
	s.Equal("sub", first.Commands[0].ChildWorkflowName)
	s.JSONEq(`7`, string(first.Commands[0].ChildWorkflowInput))

	history := []*event.Event{
		s.started(`{}`),
		event.NewSequenced(event.ChildWorkflowScheduled, s.startTime, 0, &event.ChildWorkflowScheduledAttrs{Name: "sub", Input: json.RawMessage(`7`)}),
		event.NewSequenced(event.ChildWorkflowSucceeded, s.startTime.Add(time.Minute), 0, &event.ChildWorkflowSucceededAttrs{Result: json.RawMessage(`42`)}),
	}
	final := s.run(childWorkflowParent, history, `{}`)
	s.Equal(Succeeded, final.Status)
	s.JSONEq(`42`, string(final.Output))
}

// Scenario: the replayed program diverges from recorded history.
func (s *executorSuite) TestDeterminismFault() {
	history := []*event.Event{
		s.started(`{}`),
		event.NewSequenced(event.TaskScheduled, s.startTime, 0, &event.TaskScheduledAttrs{Name: "a"}),
	}
	divergent := func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
		ctx.Sleep(time.Second)
		return nil, nil
	}
	result := s.run(divergent, history, `{}`)
	s.Equal(Failed, result.Status)
	s.Equal("DeterminismError", result.Failure.Err)
	s.Empty(result.Commands)
}

func (s *executorSuite) TestWorkflowErrorBecomesFailure() {
	fail := func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, NewFailure("OrderRejected", "no inventory")
	}
	result := s.run(fail, []*event.Event{s.started(`{}`)}, `{}`)
	s.Equal(Failed, result.Status)
	s.Equal("OrderRejected", result.Failure.Err)
	s.Equal("no inventory", result.Failure.Msg)
}

func (s *executorSuite) TestWorkflowPanicBecomesFailure() {
	boom := func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
		panic("boom")
	}
	result := s.run(boom, []*event.Event{s.started(`{}`)}, `{}`)
	s.Equal(Failed, result.Status)
	s.Equal("WorkflowPanic", result.Failure.Err)
}

func conditionWorkflow(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
	received := false
	ctx.OnSignal("go", func(json.RawMessage) { received = true })
	timeout := 30 * time.Second
	ok := ctx.Condition(func() bool { return received }, &timeout)
	return json.Marshal(ok)
}

func (s *executorSuite) TestConditionResolvedBySignal() {
	history := []*event.Event{
		s.started(`{}`),
		event.NewSequenced(event.ConditionStarted, s.startTime, 0, &event.ConditionStartedAttrs{}),
		event.NewIdentified(event.SignalReceived, s.startTime.Add(time.Second), "sig-1", &event.SignalReceivedAttrs{SignalID: "go"}),
	}
	result := s.run(conditionWorkflow, history, `{}`)
	s.Equal(Succeeded, result.Status)
	s.JSONEq(`true`, string(result.Output))
}

func (s *executorSuite) TestConditionTimeoutResolvesFalse() {
	history := []*event.Event{
		s.started(`{}`),
		event.NewSequenced(event.ConditionStarted, s.startTime, 0, &event.ConditionStartedAttrs{}),
		event.NewSequenced(event.ConditionTimedOut, s.startTime.Add(30*time.Second), 0, &event.ConditionTimedOutAttrs{}),
	}
	result := s.run(conditionWorkflow, history, `{}`)
	s.Equal(Succeeded, result.Status)
	s.JSONEq(`false`, string(result.Output))
}

func (s *executorSuite) TestConditionAlreadyTrue() {
	immediate := func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
		ok := ctx.Condition(func() bool { return true }, nil)
		return json.Marshal(ok)
	}
	result := s.run(immediate, []*event.Event{s.started(`{}`)}, `{}`)
	s.Equal(Succeeded, result.Status)
	s.JSONEq(`true`, string(result.Output))
	s.Len(result.Commands, 1)
	s.Equal(StartCondition, result.Commands[0].Kind)
}

// Feeding the same result event twice must not change the outcome or
// produce extra commands.
func (s *executorSuite) TestDuplicateResultEventIsIdempotent() {
	succeeded := event.NewSequenced(event.TaskSucceeded, s.startTime.Add(time.Second), 0, &event.TaskSucceededAttrs{Result: json.RawMessage(`"hi world"`)})
	history := []*event.Event{
		s.started(`{"name":"world"}`),
		event.NewSequenced(event.TaskScheduled, s.startTime, 0, &event.TaskScheduledAttrs{Name: "hello"}),
		succeeded,
		succeeded,
	}
	result := s.run(helloWorkflow, history, `{"name":"world"}`)
	s.Equal(Succeeded, result.Status)
	s.Empty(result.Commands)
	s.JSONEq(`"hi world"`, string(result.Output))
}

// Replaying any prefix of a history and then the full history must
// produce the same commands overall and the same terminal result,
// regardless of where the history is split across runs.
func (s *executorSuite) TestReplayDeterminismAcrossPartitions() {
	until := s.startTime.Add(5 * time.Second)
	results := []*event.Event{
		event.NewSequenced(event.TimerCompleted, until, 0, &event.TimerCompletedAttrs{}),
		event.NewSequenced(event.TaskSucceeded, until.Add(time.Second), 1, &event.TaskSucceededAttrs{Result: json.RawMessage(`42`)}),
	}
	scheduled := []*event.Event{
		event.NewSequenced(event.TimerScheduled, s.startTime, 0, &event.TimerScheduledAttrs{UntilTime: until}),
		event.NewSequenced(event.TaskScheduled, until, 1, &event.TaskScheduledAttrs{Name: "a"}),
	}

	full := []*event.Event{s.started(`{}`), scheduled[0], results[0], scheduled[1], results[1]}
	reference := s.run(timerThenTaskWorkflow, full, `{}`)
	s.Equal(Succeeded, reference.Status)

	// Every partition point: the events before it plus their scheduled
	// records form one run's history; commands produced across runs must
	// be exactly the scheduled set, in order.
	var replayed []Command
	for cut := 1; cut <= len(full); cut++ {
		r := s.run(timerThenTaskWorkflow, full[:cut], `{}`)
		s.NotEqual("DeterminismError", failureName(r))
		for _, c := range r.Commands {
			replayed = append(replayed, c)
		}
		// A later run sees the command's scheduled event in history and
		// must not re-issue it; only count each seq once.
		replayed = dedupBySeq(replayed)
	}
	s.Len(replayed, 2)
	s.Equal(int64(0), replayed[0].Seq)
	s.Equal(StartTimer, replayed[0].Kind)
	s.Equal(int64(1), replayed[1].Seq)
	s.Equal(StartTask, replayed[1].Kind)

	if diff := cmp.Diff(string(reference.Output), `42`); diff != "" {
		s.Failf("unexpected output", "diff: %s", diff)
	}
}

// The multiset of seq values issued by a run must be dense from zero.
func (s *executorSuite) TestSeqDensity() {
	fanout := func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
		futures := []*Future{
			ctx.Task("a", nil),
			ctx.Task("b", nil),
			ctx.Timer(ctx.Now().Add(time.Minute)),
			ctx.Task("c", nil),
		}
		AllSettled(futures...).Get(ctx, nil)
		return nil, nil
	}
	result := s.run(fanout, []*event.Event{s.started(`{}`)}, `{}`)
	s.Equal(Pending, result.Status)
	s.Len(result.Commands, 4)
	for i, c := range result.Commands {
		s.Equal(int64(i), c.Seq)
	}
}

func failureName(r *Result) string {
	if r.Failure == nil {
		return ""
	}
	return r.Failure.Err
}

func dedupBySeq(cmds []Command) []Command {
	seen := map[int64]bool{}
	var out []Command
	for _, c := range cmds {
		if seen[c.Seq] {
			continue
		}
		seen[c.Seq] = true
		out = append(out, c)
	}
	return out
}

func TestSyntheticTimerCompletions(t *testing.T) {
	r := require.New(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	history := []*event.Event{
		event.NewSequenced(event.TimerScheduled, base.Add(-time.Hour), 0, &event.TimerScheduledAttrs{UntilTime: base.Add(-time.Minute)}),
		event.NewSequenced(event.TimerScheduled, base.Add(-time.Hour), 1, &event.TimerScheduledAttrs{UntilTime: base.Add(time.Hour)}),
		event.NewSequenced(event.TimerScheduled, base.Add(-time.Hour), 2, &event.TimerScheduledAttrs{UntilTime: base.Add(-time.Minute)}),
		event.NewSequenced(event.TimerCompleted, base.Add(-time.Minute), 2, &event.TimerCompletedAttrs{}),
	}
	synthetic := SyntheticTimerCompletions(history, base)
	r.Len(synthetic, 1)
	r.Equal(event.TimerCompleted, synthetic[0].Type)
	r.Equal(int64(0), *synthetic[0].Seq)
	r.True(synthetic[0].Timestamp.Equal(base))
}

func TestCombinators(t *testing.T) {
	startTime := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	exe := Execution{WorkflowName: "test-workflow", ID: "test-workflow/run-1", Name: "run-1", StartTime: startTime}
	started := event.NewIdentified(event.WorkflowStarted, startTime, "started-1", &event.WorkflowStartedAttrs{})

	history := func(extra ...*event.Event) []*event.Event {
		h := []*event.Event{
			started,
			event.NewSequenced(event.TaskScheduled, startTime, 0, &event.TaskScheduledAttrs{Name: "a"}),
			event.NewSequenced(event.TaskScheduled, startTime, 1, &event.TaskScheduledAttrs{Name: "b"}),
		}
		return append(h, extra...)
	}
	aFails := event.NewSequenced(event.TaskFailed, startTime.Add(time.Second), 0, &event.TaskFailedAttrs{Error: "Boom", Message: "a failed"})
	bSucceeds := event.NewSequenced(event.TaskSucceeded, startTime.Add(2*time.Second), 1, &event.TaskSucceededAttrs{Result: json.RawMessage(`"B"`)})

	cases := []struct {
		name       string
		combine    func(a, b *Future) *Future
		events     []*event.Event
		wantStatus ResultStatus
		wantOutput string
		wantErr    string
	}{
		{
			name:       "Any prefers the first fulfilled",
			combine:    func(a, b *Future) *Future { return Any(a, b) },
			events:     []*event.Event{aFails, bSucceeds},
			wantStatus: Succeeded,
			wantOutput: `"B"`,
		},
		{
			name:       "Race adopts the first settled outcome",
			combine:    func(a, b *Future) *Future { return Race(a, b) },
			events:     []*event.Event{aFails, bSucceeds},
			wantStatus: Failed,
			wantErr:    "Boom",
		},
		{
			name:       "All rejects on first failure",
			combine:    func(a, b *Future) *Future { return All(a, b) },
			events:     []*event.Event{aFails, bSucceeds},
			wantStatus: Failed,
			wantErr:    "Boom",
		},
		{
			name:       "AllSettled never rejects",
			combine:    func(a, b *Future) *Future { return AllSettled(a, b) },
			events:     []*event.Event{aFails, bSucceeds},
			wantStatus: Succeeded,
			wantOutput: `[{"status":"rejected","error":{"error":"Boom","message":"a failed"}},{"status":"fulfilled","value":"B"}]`,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			r := require.New(t)
			fn := func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
				a := ctx.Task("a", nil)
				b := ctx.Task("b", nil)
				var out json.RawMessage
				if err := tc.combine(a, b).Get(ctx, &out); err != nil {
					return nil, err
				}
				return out, nil
			}
			ex := New(fn, exe, history(tc.events...), startTime)
			defer ex.Release()
			result := ex.Start(json.RawMessage(`{}`))
			r.Equal(tc.wantStatus, result.Status)
			if tc.wantOutput != "" {
				r.JSONEq(tc.wantOutput, string(result.Output))
			}
			if tc.wantErr != "" {
				r.Equal(tc.wantErr, result.Failure.Err)
			}
		})
	}
}
