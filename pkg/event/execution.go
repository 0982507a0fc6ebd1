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

package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the monotonic lifecycle state of an Execution.
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusSucceeded  Status = "SUCCEEDED"
	StatusFailed     Status = "FAILED"
	StatusTimedOut   Status = "TIMED_OUT"
)

func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusTimedOut
}

// ParentRef identifies the execution and seq that started a child
// execution. Only ids are stored; the Execution Store resolves them,
// so parent and child never hold pointers to each other.
type ParentRef struct {
	ExecutionID string `json:"executionId"`
	Seq         int64  `json:"seq"`
}

// ID formats the canonical ExecutionId = workflowName "/" executionName.
func ID(workflowName, executionName string) string {
	return workflowName + "/" + executionName
}

// SplitID reverses ID; it is deliberately forgiving of "/" inside
// executionName since workflowName never contains one.
func SplitID(executionID string) (workflowName, executionName string, err error) {
	for i := 0; i < len(executionID); i++ {
		if executionID[i] == '/' {
			return executionID[:i], executionID[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("event: malformed execution id %q", executionID)
}

// Execution is the metadata record tracked by the Execution Store.
type Execution struct {
	ExecutionID string          `json:"executionId"`
	WorkflowName string         `json:"workflowName"`
	ExecutionName string        `json:"executionName"`
	Input        json.RawMessage `json:"input"`
	InputHash    string          `json:"inputHash"`
	StartTime    time.Time       `json:"startTime"`
	EndTime      *time.Time      `json:"endTime,omitempty"`
	Status       Status          `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	Message      string          `json:"message,omitempty"`
	Parent       *ParentRef      `json:"parent,omitempty"`
}
