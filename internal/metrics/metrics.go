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

// Package metrics exposes the engine's Prometheus instrumentation:
// promauto-registered vectors behind small recording functions, no
// metrics client threaded through call sites.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	commandsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventual_commands_executed_total",
			Help: "Total commands executed by the Command Executor, by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	orchestratorBatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "eventual_orchestrator_batch_duration_seconds",
			Help: "Time to process one orchestrator batch for an execution",
		},
		[]string{"workflow"},
	)

	taskClaims = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventual_task_claims_total",
			Help: "Total task claims by the Task Worker, by task name and outcome",
		},
		[]string{"task", "outcome"},
	)

	determinismErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventual_determinism_errors_total",
			Help: "Total DeterminismError occurrences by workflow name",
		},
		[]string{"workflow"},
	)

	transactionRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventual_transaction_retries_total",
			Help: "Total transaction retry attempts by transaction name",
		},
		[]string{"transaction"},
	)

	deadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventual_events_dead_lettered_total",
			Help: "Total emitted events routed to the dead-letter sink",
		},
		[]string{"event"},
	)
)

func RecordCommandExecuted(kind, outcome string) { commandsExecuted.WithLabelValues(kind, outcome).Inc() }

func ObserveOrchestratorBatch(workflow string, seconds float64) {
	orchestratorBatchDuration.WithLabelValues(workflow).Observe(seconds)
}

func RecordTaskClaim(task, outcome string) { taskClaims.WithLabelValues(task, outcome).Inc() }

func RecordDeterminismError(workflow string) { determinismErrors.WithLabelValues(workflow).Inc() }

func RecordTransactionRetry(transaction string) { transactionRetries.WithLabelValues(transaction).Inc() }

func RecordDeadLettered(event string) { deadLettered.WithLabelValues(event).Inc() }
