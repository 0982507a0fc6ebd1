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

// Package event defines the durable data model of the engine: the
// execution record, the history event envelope, and the event payload
// taxonomy. History is a flat, append-only event log keyed by either an
// id (lifecycle and signals) or a dense per-execution sequence number
// (everything tied to a workflow command).
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type is the discriminator for a history event's payload.
type Type string

const (
	// Lifecycle
	WorkflowStarted       Type = "WorkflowStarted"
	WorkflowRunStarted    Type = "WorkflowRunStarted"
	WorkflowRunCompleted  Type = "WorkflowRunCompleted"
	WorkflowSucceeded     Type = "WorkflowSucceeded"
	WorkflowFailed        Type = "WorkflowFailed"
	WorkflowTimedOut      Type = "WorkflowTimedOut"

	// Scheduled
	TaskScheduled           Type = "TaskScheduled"
	TimerScheduled          Type = "TimerScheduled"
	ChildWorkflowScheduled  Type = "ChildWorkflowScheduled"
	SignalSent              Type = "SignalSent"
	EventsEmitted           Type = "EventsEmitted"
	SignalExpectStarted     Type = "SignalExpectStarted"
	ConditionStarted        Type = "ConditionStarted"
	EntityRequest           Type = "EntityRequest"
	BucketRequest           Type = "BucketRequest"
	SearchRequest           Type = "SearchRequest"
	TransactionRequest      Type = "TransactionRequest"

	// Result
	TaskSucceeded              Type = "TaskSucceeded"
	TaskFailed                 Type = "TaskFailed"
	TaskHeartbeatTimedOut      Type = "TaskHeartbeatTimedOut"
	TimerCompleted             Type = "TimerCompleted"
	ChildWorkflowSucceeded     Type = "ChildWorkflowSucceeded"
	ChildWorkflowFailed        Type = "ChildWorkflowFailed"
	SignalReceived             Type = "SignalReceived"
	SignalTimedOut             Type = "SignalTimedOut"
	ConditionTimedOut          Type = "ConditionTimedOut"
	EntityRequestSucceeded     Type = "EntityRequestSucceeded"
	EntityRequestFailed        Type = "EntityRequestFailed"
	BucketRequestSucceeded     Type = "BucketRequestSucceeded"
	BucketRequestFailed        Type = "BucketRequestFailed"
	SearchRequestSucceeded     Type = "SearchRequestSucceeded"
	SearchRequestFailed        Type = "SearchRequestFailed"
	TransactionRequestSucceeded Type = "TransactionRequestSucceeded"
	TransactionRequestFailed    Type = "TransactionRequestFailed"
)

// Category groups event types by role: lifecycle, scheduled, result.
type Category int

const (
	CategoryLifecycle Category = iota
	CategoryScheduled
	CategoryResult
)

var categories = map[Type]Category{
	WorkflowStarted:      CategoryLifecycle,
	WorkflowRunStarted:   CategoryLifecycle,
	WorkflowRunCompleted: CategoryLifecycle,
	WorkflowSucceeded:    CategoryLifecycle,
	WorkflowFailed:       CategoryLifecycle,
	WorkflowTimedOut:     CategoryLifecycle,

	TaskScheduled:          CategoryScheduled,
	TimerScheduled:         CategoryScheduled,
	ChildWorkflowScheduled: CategoryScheduled,
	SignalSent:             CategoryScheduled,
	EventsEmitted:          CategoryScheduled,
	SignalExpectStarted:    CategoryScheduled,
	ConditionStarted:       CategoryScheduled,
	EntityRequest:          CategoryScheduled,
	BucketRequest:          CategoryScheduled,
	SearchRequest:          CategoryScheduled,
	TransactionRequest:     CategoryScheduled,

	TaskSucceeded:               CategoryResult,
	TaskFailed:                  CategoryResult,
	TaskHeartbeatTimedOut:       CategoryResult,
	TimerCompleted:              CategoryResult,
	ChildWorkflowSucceeded:      CategoryResult,
	ChildWorkflowFailed:         CategoryResult,
	SignalReceived:              CategoryResult,
	SignalTimedOut:              CategoryResult,
	ConditionTimedOut:           CategoryResult,
	EntityRequestSucceeded:      CategoryResult,
	EntityRequestFailed:         CategoryResult,
	BucketRequestSucceeded:      CategoryResult,
	BucketRequestFailed:         CategoryResult,
	SearchRequestSucceeded:      CategoryResult,
	SearchRequestFailed:         CategoryResult,
	TransactionRequestSucceeded: CategoryResult,
	TransactionRequestFailed:    CategoryResult,
}

func (t Type) Category() Category { return categories[t] }

// Attrs is implemented by every event's payload type.
type Attrs interface {
	eventType() Type
}

// Event is the persisted envelope: either sequenced (tied to a workflow
// command, identified by Seq) or non-sequenced (identified by ID).
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	ID        string    `json:"id,omitempty"`
	Seq       *int64    `json:"seq,omitempty"`
	Attrs     Attrs     `json:"attrs"`
}

// EventID is the event's durable identity: seq-qualified type for
// sequenced events, the assigned id otherwise. History is a set under
// this identity, so replaying the same event twice is a no-op.
func (e *Event) EventID() string {
	if e.Seq != nil {
		return fmt.Sprintf("%d_%s", *e.Seq, e.Type)
	}
	return e.ID
}

func New(typ Type, ts time.Time, attrs Attrs) *Event {
	return &Event{Type: typ, Timestamp: ts, Attrs: attrs}
}

func NewSequenced(typ Type, ts time.Time, seq int64, attrs Attrs) *Event {
	s := seq
	return &Event{Type: typ, Timestamp: ts, Seq: &s, Attrs: attrs}
}

func NewIdentified(typ Type, ts time.Time, id string, attrs Attrs) *Event {
	return &Event{Type: typ, Timestamp: ts, ID: id, Attrs: attrs}
}

// --- attribute payloads ---

type WorkflowStartedAttrs struct {
	WorkflowName     string          `json:"workflowName"`
	ExecutionName    string          `json:"executionName"`
	Input            json.RawMessage `json:"input"`
	InputHash        string          `json:"inputHash"`
	TimeoutTime      *time.Time      `json:"timeoutTime,omitempty"`
	ParentExecutionID string         `json:"parentExecutionId,omitempty"`
	ParentSeq        *int64          `json:"parentSeq,omitempty"`
}

func (*WorkflowStartedAttrs) eventType() Type { return WorkflowStarted }

type WorkflowRunStartedAttrs struct{}

func (*WorkflowRunStartedAttrs) eventType() Type { return WorkflowRunStarted }

type WorkflowRunCompletedAttrs struct {
	CommandCount int `json:"commandCount"`
}

func (*WorkflowRunCompletedAttrs) eventType() Type { return WorkflowRunCompleted }

type WorkflowSucceededAttrs struct {
	Output json.RawMessage `json:"output"`
}

func (*WorkflowSucceededAttrs) eventType() Type { return WorkflowSucceeded }

type WorkflowFailedAttrs struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (*WorkflowFailedAttrs) eventType() Type { return WorkflowFailed }

type WorkflowTimedOutAttrs struct{}

func (*WorkflowTimedOutAttrs) eventType() Type { return WorkflowTimedOut }

type TaskScheduledAttrs struct {
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

func (*TaskScheduledAttrs) eventType() Type { return TaskScheduled }

type TimerScheduledAttrs struct {
	UntilTime time.Time `json:"untilTime"`
}

func (*TimerScheduledAttrs) eventType() Type { return TimerScheduled }

type ChildWorkflowScheduledAttrs struct {
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

func (*ChildWorkflowScheduledAttrs) eventType() Type { return ChildWorkflowScheduled }

type SignalSentAttrs struct {
	ExecutionID string          `json:"executionId"`
	SignalID    string          `json:"signalId"`
	Payload     json.RawMessage `json:"payload"`
}

func (*SignalSentAttrs) eventType() Type { return SignalSent }

type EmittedEvent struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

type EventsEmittedAttrs struct {
	Events []EmittedEvent `json:"events"`
}

func (*EventsEmittedAttrs) eventType() Type { return EventsEmitted }

type SignalExpectStartedAttrs struct {
	SignalID string `json:"signalId"`
}

func (*SignalExpectStartedAttrs) eventType() Type { return SignalExpectStarted }

type ConditionStartedAttrs struct{}

func (*ConditionStartedAttrs) eventType() Type { return ConditionStarted }

type EntityOpKind string

const (
	EntityGet    EntityOpKind = "Get"
	EntityPut    EntityOpKind = "Put"
	EntityDelete EntityOpKind = "Delete"
)

type EntityRequestAttrs struct {
	Op              EntityOpKind    `json:"op"`
	Key             string          `json:"key"`
	Value           json.RawMessage `json:"value,omitempty"`
	ExpectedVersion string          `json:"expectedVersion,omitempty"`
}

func (*EntityRequestAttrs) eventType() Type { return EntityRequest }

type BucketOpKind string

const (
	BucketPut    BucketOpKind = "Put"
	BucketGet    BucketOpKind = "Get"
	BucketDelete BucketOpKind = "Delete"
)

type BucketRequestAttrs struct {
	Op     BucketOpKind    `json:"op"`
	Bucket string          `json:"bucket"`
	Key    string          `json:"key"`
	Value  json.RawMessage `json:"value,omitempty"`
}

func (*BucketRequestAttrs) eventType() Type { return BucketRequest }

type SearchRequestAttrs struct {
	Query string `json:"query"`
}

func (*SearchRequestAttrs) eventType() Type { return SearchRequest }

type TransactionRequestAttrs struct {
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

func (*TransactionRequestAttrs) eventType() Type { return TransactionRequest }

type TaskSucceededAttrs struct {
	Result json.RawMessage `json:"result"`
}

func (*TaskSucceededAttrs) eventType() Type { return TaskSucceeded }

type TaskFailedAttrs struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (*TaskFailedAttrs) eventType() Type { return TaskFailed }

type TaskHeartbeatTimedOutAttrs struct{}

func (*TaskHeartbeatTimedOutAttrs) eventType() Type { return TaskHeartbeatTimedOut }

type TimerCompletedAttrs struct{}

func (*TimerCompletedAttrs) eventType() Type { return TimerCompleted }

type ChildWorkflowSucceededAttrs struct {
	Result json.RawMessage `json:"result"`
}

func (*ChildWorkflowSucceededAttrs) eventType() Type { return ChildWorkflowSucceeded }

type ChildWorkflowFailedAttrs struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (*ChildWorkflowFailedAttrs) eventType() Type { return ChildWorkflowFailed }

type SignalReceivedAttrs struct {
	SignalID string          `json:"signalId"`
	Payload  json.RawMessage `json:"payload"`
	DedupID  string          `json:"dedupId,omitempty"`
}

func (*SignalReceivedAttrs) eventType() Type { return SignalReceived }

type SignalTimedOutAttrs struct {
	SignalID string `json:"signalId"`
}

func (*SignalTimedOutAttrs) eventType() Type { return SignalTimedOut }

type ConditionTimedOutAttrs struct{}

func (*ConditionTimedOutAttrs) eventType() Type { return ConditionTimedOut }

type EntityRequestSucceededAttrs struct {
	Value   json.RawMessage `json:"value,omitempty"`
	Version string          `json:"version"`
}

func (*EntityRequestSucceededAttrs) eventType() Type { return EntityRequestSucceeded }

type EntityRequestFailedAttrs struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (*EntityRequestFailedAttrs) eventType() Type { return EntityRequestFailed }

type BucketRequestSucceededAttrs struct {
	Value json.RawMessage `json:"value,omitempty"`
}

func (*BucketRequestSucceededAttrs) eventType() Type { return BucketRequestSucceeded }

type BucketRequestFailedAttrs struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (*BucketRequestFailedAttrs) eventType() Type { return BucketRequestFailed }

type SearchRequestSucceededAttrs struct {
	Page json.RawMessage `json:"page"`
}

func (*SearchRequestSucceededAttrs) eventType() Type { return SearchRequestSucceeded }

type SearchRequestFailedAttrs struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (*SearchRequestFailedAttrs) eventType() Type { return SearchRequestFailed }

type TransactionRequestSucceededAttrs struct {
	Output json.RawMessage `json:"output"`
}

func (*TransactionRequestSucceededAttrs) eventType() Type { return TransactionRequestSucceeded }

type TransactionRequestFailedAttrs struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (*TransactionRequestFailedAttrs) eventType() Type { return TransactionRequestFailed }
