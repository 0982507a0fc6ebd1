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

package timer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/functionless/eventual/internal/clock"
	"github.com/functionless/eventual/internal/log"
	"github.com/functionless/eventual/pkg/event"
	"github.com/functionless/eventual/pkg/store"
	"github.com/functionless/eventual/pkg/store/memory"
)

type timerSuite struct {
	suite.Suite
	*require.Assertions

	queue  *memory.ExecutionQueue
	timers *memory.TimerStore
	svc    *Service
}

func TestTimerSuite(t *testing.T) {
	suite.Run(t, new(timerSuite))
}

func (s *timerSuite) SetupTest() {
	s.Assertions = require.New(s.T())
	s.queue = memory.NewExecutionQueue()
	s.timers = memory.NewTimerStore()
	s.svc = New(s.queue, s.timers, clock.Real, log.NewTestLogger(), 5*time.Second, 20*time.Millisecond)
}

func (s *timerSuite) TearDownTest() {
	s.svc.Close()
}

func (s *timerSuite) awaitDelivery(executionID string, deadline time.Duration) []*event.Event {
	expire := time.After(deadline)
	for {
		tasks, err := s.queue.Dequeue(context.Background(), 10)
		s.NoError(err)
		for _, t := range tasks {
			if t.ExecutionID == executionID {
				return t.Events
			}
		}
		select {
		case <-expire:
			return nil
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (s *timerSuite) TestShortTimerFires() {
	due := time.Now().Add(30 * time.Millisecond)
	e := event.NewSequenced(event.TimerCompleted, due, 0, &event.TimerCompletedAttrs{})
	s.NoError(s.svc.ScheduleEvent(context.Background(), "t-1", "order/run-1", due, e))

	events := s.awaitDelivery("order/run-1", 2*time.Second)
	s.Len(events, 1)
	s.Equal(event.TimerCompleted, events[0].Type)
}

func (s *timerSuite) TestPastDueTimerFiresImmediately() {
	due := time.Now().Add(-time.Second)
	e := event.NewSequenced(event.TimerCompleted, due, 0, &event.TimerCompletedAttrs{})
	s.NoError(s.svc.ScheduleEvent(context.Background(), "t-1", "order/run-1", due, e))

	events := s.awaitDelivery("order/run-1", 2*time.Second)
	s.Len(events, 1)
}

func (s *timerSuite) TestLongTimerPersistsThenPromotes() {
	// Dedicated stores so the suite's 5s-threshold service doesn't
	// promote this entry first.
	queue := memory.NewExecutionQueue()
	timers := memory.NewTimerStore()
	svc := New(queue, timers, clock.Real, log.NewTestLogger(), 100*time.Millisecond, 20*time.Millisecond)
	defer svc.Close()

	// Far enough out to land in the long tier, close enough that the
	// remote gate promotes it within the test deadline.
	due := time.Now().Add(400 * time.Millisecond)
	e := event.NewSequenced(event.TimerCompleted, due, 0, &event.TimerCompletedAttrs{})
	s.NoError(svc.ScheduleEvent(context.Background(), "t-long", "order/run-1", due, e))

	// Persisted, not yet in the local tier.
	pending, err := timers.DuePending(context.Background(), due.Add(time.Minute))
	s.NoError(err)
	s.Len(pending, 1)

	expire := time.After(5 * time.Second)
	for {
		tasks, err := queue.Dequeue(context.Background(), 10)
		s.NoError(err)
		if len(tasks) > 0 {
			s.Equal(event.TimerCompleted, tasks[0].Events[0].Type)
			return
		}
		select {
		case <-expire:
			s.FailNow("long timer never delivered")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (s *timerSuite) TestClearScheduleCancelsBeforeFire() {
	due := time.Now().Add(150 * time.Millisecond)
	e := event.NewSequenced(event.TimerCompleted, due, 0, &event.TimerCompletedAttrs{})
	s.NoError(s.svc.ScheduleEvent(context.Background(), "t-cancel", "order/run-1", due, e))
	s.NoError(s.svc.ClearSchedule(context.Background(), "t-cancel"))

	events := s.awaitDelivery("order/run-1", 500*time.Millisecond)
	s.Empty(events)
}

func (s *timerSuite) TestHeartbeatMonitorFiresWithoutHeartbeat() {
	s.NoError(s.svc.StartTimer(context.Background(), store.TimerRequest{
		ID:                 "hb-1",
		ExecutionID:        "order/run-1",
		DueTime:            time.Now().Add(50 * time.Millisecond),
		IsHeartbeatMonitor: true,
		Seq:                4,
		HeartbeatTimeout:   50 * time.Millisecond,
	}))

	events := s.awaitDelivery("order/run-1", 2*time.Second)
	s.Len(events, 1)
	s.Equal(event.TaskHeartbeatTimedOut, events[0].Type)
	s.Equal(int64(4), *events[0].Seq)
}

func (s *timerSuite) TestHeartbeatSuppressesTimeout() {
	s.NoError(s.svc.StartTimer(context.Background(), store.TimerRequest{
		ID:                 "hb-2",
		ExecutionID:        "order/run-1",
		DueTime:            time.Now().Add(60 * time.Millisecond),
		IsHeartbeatMonitor: true,
		Seq:                4,
		HeartbeatTimeout:   time.Minute,
	}))
	s.svc.RecordHeartbeat("order/run-1", 4, time.Now())

	events := s.awaitDelivery("order/run-1", 300*time.Millisecond)
	s.Empty(events)
}
