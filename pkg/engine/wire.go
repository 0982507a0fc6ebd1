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

package engine

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/functionless/eventual/internal/config"
	"github.com/functionless/eventual/internal/log"
	"github.com/functionless/eventual/pkg/store"
	"github.com/functionless/eventual/pkg/store/disk"
	"github.com/functionless/eventual/pkg/store/memory"
	"github.com/functionless/eventual/pkg/store/sqlite"
	"github.com/functionless/eventual/pkg/taskworker"
	"github.com/functionless/eventual/pkg/transaction"
	"github.com/functionless/eventual/pkg/workflow"
)

// Registries bundles the user-registered handlers a process hosts.
type Registries struct {
	Workflows    *workflow.Registry
	Tasks        *taskworker.Registry
	Transactions *transaction.Registry
}

// FromConfig builds an Engine wired to the store backend cfg selects:
// "memory" keeps everything in-process; "sqlite" persists executions,
// history, claims, and entities to cfg.Store.DSN with the NDJSON
// dead-letter/journal files alongside under cfg.Store.DataDir. The
// Execution Queue is in-process for either driver — durable queue
// transports are external collaborators behind store.ExecutionQueue.
// The returned closer releases the backend (nil-safe to call).
func FromConfig(cfg config.Config, regs Registries, logger log.Logger) (*Engine, func() error, error) {
	if regs.Workflows == nil {
		regs.Workflows = workflow.NewRegistry()
	}
	if logger == nil {
		logger = log.NewProductionLogger(cfg.Log.Level)
	}

	ec := Config{
		Queue:        memory.NewExecutionQueue(),
		TimerStore:   memory.NewTimerStore(),
		Workflows:    regs.Workflows,
		Tasks:        regs.Tasks,
		Transactions: regs.Transactions,

		TaskWorkers:         cfg.Worker.Concurrency,
		OrchestratorWorkers: cfg.Orchestrator.Concurrency,

		Log: logger,
	}

	closer := func() error { return nil }

	switch cfg.Store.Driver {
	case "", "memory":
		executions := memory.NewExecutionStore()
		ec.History = memory.NewHistoryStore()
		ec.Executions = executions
		ec.Claims = memory.NewTaskClaimStore()
		ec.Entities = memory.NewEntityStore()
		ec.Blobs = memory.NewBlobStore()
		ec.Search = memory.NewSearchIndex(executions)
		ec.DeadLetters = memory.NewDeadLetterSink()
		ec.Journal = memory.NewEventJournal()

	case "sqlite":
		if cfg.Store.DSN == "" {
			return nil, nil, fmt.Errorf("engine: sqlite driver requires store.dsn")
		}
		db, err := sqlite.Open(cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		closer = db.Close

		dataDir := cfg.Store.DataDir
		if dataDir == "" {
			dataDir = "."
		}
		blobs, err := disk.NewBlobStore(filepath.Join(dataDir, "buckets"))
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		deadLetters, err := disk.NewDeadLetterSink(filepath.Join(dataDir, "dead-letters.ndjson"))
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		journal, err := disk.NewEventJournal(filepath.Join(dataDir, "journal.ndjson"))
		if err != nil {
			db.Close()
			return nil, nil, err
		}

		ec.History = db.HistoryStore()
		ec.Executions = db.ExecutionStore()
		ec.Claims = db.TaskClaimStore()
		ec.Entities = db.EntityStore()
		ec.Blobs = blobs
		ec.DeadLetters = deadLetters
		ec.Journal = journal
		ec.Search = sqliteSearch{db.ExecutionStore()}

	default:
		return nil, nil, fmt.Errorf("engine: unknown store driver %q", cfg.Store.Driver)
	}

	e, err := New(ec)
	if err != nil {
		closer()
		return nil, nil, err
	}
	return e, closer, nil
}

// sqliteSearch evaluates the in-memory SearchIndex's tiny query grammar
// over the sqlite ExecutionStore instead.
type sqliteSearch struct {
	executions store.ExecutionStore
}

var _ store.SearchIndex = sqliteSearch{}

func (s sqliteSearch) Query(ctx context.Context, query string) ([]byte, error) {
	return memory.EvalQuery(ctx, s.executions, query)
}
