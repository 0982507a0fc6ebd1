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
	"time"

	"github.com/functionless/eventual/pkg/event"
)

// Kind discriminates the Command variants.
// Commands are internal and never persisted directly — only the Scheduled
// event the Command Executor derives from them is.
type Kind string

const (
	StartTask          Kind = "StartTask"
	StartTimer         Kind = "StartTimer"
	StartChildWorkflow Kind = "StartChildWorkflow"
	SendSignal         Kind = "SendSignal"
	EmitEvents         Kind = "EmitEvents"
	ExpectSignal       Kind = "ExpectSignal"
	StartCondition     Kind = "StartCondition"
	InvokeTransaction  Kind = "InvokeTransaction"
	EntityOp           Kind = "EntityOp"
	BucketOp           Kind = "BucketOp"
	SearchOp           Kind = "SearchOp"
)

// Command is the flat, non-persisted intent the Workflow Executor hands to
// the Command Executor. It is a plain struct rather than a tagged union of
// types: every field set is cheap and the shape never crosses a
// process boundary.
type Command struct {
	Kind Kind
	Seq  int64

	// StartTask
	TaskName         string
	TaskInput        json.RawMessage
	TaskTimeout      *time.Duration
	HeartbeatTimeout *time.Duration

	// StartTimer
	TimerAbsolute *time.Time
	TimerRelative *time.Duration

	// StartChildWorkflow
	ChildWorkflowName  string
	ChildWorkflowInput json.RawMessage

	// SendSignal
	TargetExecutionID   string
	TargetChildWorkflow string
	TargetParent        *event.ParentRef
	SignalID            string
	SignalPayload       json.RawMessage

	// EmitEvents
	Events []event.EmittedEvent

	// ExpectSignal / StartCondition share Timeout
	Timeout *time.Duration

	// InvokeTransaction
	TransactionName  string
	TransactionInput json.RawMessage

	// EntityOp
	EntityOpKind    event.EntityOpKind
	EntityKey       string
	EntityValue     json.RawMessage
	ExpectedVersion string

	// BucketOp
	BucketOpKind event.BucketOpKind
	Bucket       string
	BucketKey    string
	BucketValue  json.RawMessage

	// SearchOp
	SearchQuery string
}
