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

package transaction

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/functionless/eventual/internal/log"
	"github.com/functionless/eventual/pkg/command"
	"github.com/functionless/eventual/pkg/event"
	"github.com/functionless/eventual/pkg/store"
	"github.com/functionless/eventual/pkg/store/memory"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []event.EmittedEvent
}

func (r *recordingEmitter) EmitEvents(_ context.Context, events []event.EmittedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

func (r *recordingEmitter) emitted() []event.EmittedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.EmittedEvent, len(r.events))
	copy(out, r.events)
	return out
}

type transactionSuite struct {
	suite.Suite
	*require.Assertions

	entities *memory.EntityStore
	queue    *memory.ExecutionQueue
	emitter  *recordingEmitter
	registry *Registry
	executor *Executor
}

func TestTransactionSuite(t *testing.T) {
	suite.Run(t, new(transactionSuite))
}

func (s *transactionSuite) SetupTest() {
	s.Assertions = require.New(s.T())
	s.entities = memory.NewEntityStore()
	s.queue = memory.NewExecutionQueue()
	s.emitter = &recordingEmitter{}
	s.registry = NewRegistry()
	s.executor = New(s.entities, s.queue, s.emitter, s.registry, log.NewTestLogger())
}

func (s *transactionSuite) TestCommitAppliesWrites() {
	s.registry.Register("credit", func(tc *TxContext, input json.RawMessage) (json.RawMessage, error) {
		s.NoError(tc.Set("balance", []byte(`100`)))
		return json.RawMessage(`"done"`), nil
	})

	out, err := s.executor.Run(context.Background(), "credit", nil)
	s.NoError(err)
	s.JSONEq(`"done"`, string(out))

	rec, err := s.entities.Get(context.Background(), "balance")
	s.NoError(err)
	s.Equal([]byte(`100`), rec.Value)
}

func (s *transactionSuite) TestReadModifyWrite() {
	_, err := s.entities.Put(context.Background(), "counter", []byte(`5`), "")
	s.NoError(err)

	s.registry.Register("increment", func(tc *TxContext, _ json.RawMessage) (json.RawMessage, error) {
		raw, err := tc.Get("counter")
		if err != nil {
			return nil, err
		}
		var n int
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		next, _ := json.Marshal(n + 1)
		if err := tc.Set("counter", next); err != nil {
			return nil, err
		}
		return next, nil
	})

	out, err := s.executor.Run(context.Background(), "increment", nil)
	s.NoError(err)
	s.JSONEq(`6`, string(out))
}

func (s *transactionSuite) TestConflictRetriesUntilCommit() {
	_, err := s.entities.Put(context.Background(), "counter", []byte(`0`), "")
	s.NoError(err)

	// The first attempt observes a version, then a contending writer
	// bumps it before commit, forcing one retry round.
	var attempts int
	s.registry.Register("contended", func(tc *TxContext, _ json.RawMessage) (json.RawMessage, error) {
		attempts++
		if _, err := tc.Get("counter"); err != nil {
			return nil, err
		}
		if attempts == 1 {
			rec, err := s.entities.Get(context.Background(), "counter")
			s.NoError(err)
			_, err = s.entities.Put(context.Background(), "counter", []byte(`99`), rec.Version)
			s.NoError(err)
		}
		if err := tc.Set("counter", []byte(`1`)); err != nil {
			return nil, err
		}
		return json.RawMessage(`"ok"`), nil
	})

	out, err := s.executor.Run(context.Background(), "contended", nil)
	s.NoError(err)
	s.JSONEq(`"ok"`, string(out))
	s.Equal(2, attempts)

	rec, err := s.entities.Get(context.Background(), "counter")
	s.NoError(err)
	s.Equal([]byte(`1`), rec.Value)
}

func (s *transactionSuite) TestReadOnlyKeysAssertedUnchanged() {
	_, err := s.entities.Put(context.Background(), "watched", []byte(`"v1"`), "")
	s.NoError(err)

	var attempts int
	s.registry.Register("guarded", func(tc *TxContext, _ json.RawMessage) (json.RawMessage, error) {
		attempts++
		if _, err := tc.Get("watched"); err != nil {
			return nil, err
		}
		if attempts == 1 {
			rec, err := s.entities.Get(context.Background(), "watched")
			s.NoError(err)
			_, err = s.entities.Put(context.Background(), "watched", []byte(`"v2"`), rec.Version)
			s.NoError(err)
		}
		if err := tc.Set("other", []byte(`1`)); err != nil {
			return nil, err
		}
		return nil, nil
	})

	_, err = s.executor.Run(context.Background(), "guarded", nil)
	s.NoError(err)
	s.Equal(2, attempts)
}

func (s *transactionSuite) TestUserErrorIsNotRetried() {
	var attempts int
	s.registry.Register("bad", func(*TxContext, json.RawMessage) (json.RawMessage, error) {
		attempts++
		return nil, errors.New("invalid order")
	})

	_, err := s.executor.Run(context.Background(), "bad", nil)
	s.Error(err)
	s.Equal(1, attempts)
}

func (s *transactionSuite) TestEventsBufferedUntilCommit() {
	s.registry.Register("notify", func(tc *TxContext, _ json.RawMessage) (json.RawMessage, error) {
		tc.Emit("order.created", json.RawMessage(`{"id":1}`))
		s.Empty(s.emitter.emitted())
		if err := tc.Set("order-1", []byte(`{}`)); err != nil {
			return nil, err
		}
		return nil, nil
	})

	_, err := s.executor.Run(context.Background(), "notify", nil)
	s.NoError(err)
	s.Len(s.emitter.emitted(), 1)
	s.Equal("order.created", s.emitter.emitted()[0].Name)
}

func (s *transactionSuite) TestEventsDroppedOnFailure() {
	s.registry.Register("doomed", func(tc *TxContext, _ json.RawMessage) (json.RawMessage, error) {
		tc.Emit("never.seen", nil)
		return nil, errors.New("rollback")
	})

	_, err := s.executor.Run(context.Background(), "doomed", nil)
	s.Error(err)
	s.Empty(s.emitter.emitted())
}

func (s *transactionSuite) TestDispatchReportsToQueue() {
	s.registry.Register("credit", func(tc *TxContext, _ json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`"done"`), nil
	})

	s.NoError(s.executor.Dispatch(context.Background(), command.TransactionDispatchRequest{
		ExecutionID: "order/run-1",
		Seq:         2,
		Name:        "credit",
	}))

	tasks, err := s.queue.Dequeue(context.Background(), 10)
	s.NoError(err)
	s.Len(tasks, 1)
	s.Equal("order/run-1", tasks[0].ExecutionID)
	s.Len(tasks[0].Events, 1)
	s.Equal(event.TransactionRequestSucceeded, tasks[0].Events[0].Type)
	s.Equal(int64(2), *tasks[0].Events[0].Seq)
}

func (s *transactionSuite) TestDispatchUnknownNameReportsFailure() {
	s.NoError(s.executor.Dispatch(context.Background(), command.TransactionDispatchRequest{
		ExecutionID: "order/run-1",
		Seq:         0,
		Name:        "missing",
	}))

	tasks, err := s.queue.Dequeue(context.Background(), 10)
	s.NoError(err)
	s.Len(tasks, 1)
	s.Equal(event.TransactionRequestFailed, tasks[0].Events[0].Type)
}

func (s *transactionSuite) TestDeleteStaged() {
	_, err := s.entities.Put(context.Background(), "gone", []byte(`1`), "")
	s.NoError(err)

	s.registry.Register("remove", func(tc *TxContext, _ json.RawMessage) (json.RawMessage, error) {
		if err := tc.Delete("gone"); err != nil {
			return nil, err
		}
		_, err := tc.Get("gone")
		if !errors.Is(err, store.ErrNotFound) {
			return nil, errors.New("delete not visible within transaction")
		}
		return nil, nil
	})

	_, err = s.executor.Run(context.Background(), "remove", nil)
	s.NoError(err)
	_, err = s.entities.Get(context.Background(), "gone")
	s.ErrorIs(err, store.ErrNotFound)
}
