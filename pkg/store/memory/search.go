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

package memory

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/functionless/eventual/pkg/event"
	"github.com/functionless/eventual/pkg/store"
)

// SearchIndex is an in-memory store.SearchIndex that evaluates a query
// over an ExecutionStore's rows.
// The query language is deliberately tiny: "workflow=<name>" and
// "status=<STATUS>" clauses joined by spaces, ANDed together. It exists
// to exercise the search operation end to end, not to be a real query
// planner.
type SearchIndex struct {
	executions store.ExecutionStore
}

func NewSearchIndex(executions store.ExecutionStore) *SearchIndex {
	return &SearchIndex{executions: executions}
}

var _ store.SearchIndex = (*SearchIndex)(nil)

func (s *SearchIndex) Query(ctx context.Context, query string) ([]byte, error) {
	return EvalQuery(ctx, s.executions, query)
}

// EvalQuery parses and evaluates the clause grammar against any
// ExecutionStore, so sqlite-backed deployments reuse the same
// evaluator.
func EvalQuery(ctx context.Context, executions store.ExecutionStore, query string) ([]byte, error) {
	var workflowName, status string
	for _, clause := range strings.Fields(query) {
		k, v, ok := strings.Cut(clause, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(k) {
		case "workflow":
			workflowName = v
		case "status":
			status = v
		}
	}

	filter := store.ListFilter{WorkflowName: workflowName}
	if status != "" {
		st := event.Status(strings.ToUpper(status))
		filter.Status = &st
	}
	page, err := executions.ListExecutions(ctx, filter)
	if err != nil {
		return nil, err
	}
	return json.Marshal(page.Executions)
}
