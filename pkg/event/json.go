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
)

// envelope mirrors Event but with Attrs as a raw payload, so a single
// newline-delimited JSON line round-trips through the discriminated
// union without a generated codec.
type envelope struct {
	Type      Type            `json:"type"`
	Timestamp string          `json:"timestamp"`
	ID        string          `json:"id,omitempty"`
	Seq       *int64          `json:"seq,omitempty"`
	Attrs     json.RawMessage `json:"attrs"`
}

func (e *Event) MarshalJSON() ([]byte, error) {
	attrs, err := json.Marshal(e.Attrs)
	if err != nil {
		return nil, fmt.Errorf("event: marshal attrs for %s: %w", e.Type, err)
	}
	env := envelope{
		Type:      e.Type,
		Timestamp: e.Timestamp.UTC().Format(timeLayout),
		ID:        e.ID,
		Seq:       e.Seq,
		Attrs:     attrs,
	}
	return json.Marshal(env)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	ts, err := parseTime(env.Timestamp)
	if err != nil {
		return fmt.Errorf("event: parse timestamp: %w", err)
	}
	attrs, err := decodeAttrs(env.Type, env.Attrs)
	if err != nil {
		return err
	}
	e.Type = env.Type
	e.Timestamp = ts
	e.ID = env.ID
	e.Seq = env.Seq
	e.Attrs = attrs
	return nil
}

func decodeAttrs(typ Type, raw json.RawMessage) (Attrs, error) {
	var a Attrs
	switch typ {
	case WorkflowStarted:
		a = &WorkflowStartedAttrs{}
	case WorkflowRunStarted:
		a = &WorkflowRunStartedAttrs{}
	case WorkflowRunCompleted:
		a = &WorkflowRunCompletedAttrs{}
	case WorkflowSucceeded:
		a = &WorkflowSucceededAttrs{}
	case WorkflowFailed:
		a = &WorkflowFailedAttrs{}
	case WorkflowTimedOut:
		a = &WorkflowTimedOutAttrs{}
	case TaskScheduled:
		a = &TaskScheduledAttrs{}
	case TimerScheduled:
		a = &TimerScheduledAttrs{}
	case ChildWorkflowScheduled:
		a = &ChildWorkflowScheduledAttrs{}
	case SignalSent:
		a = &SignalSentAttrs{}
	case EventsEmitted:
		a = &EventsEmittedAttrs{}
	case SignalExpectStarted:
		a = &SignalExpectStartedAttrs{}
	case ConditionStarted:
		a = &ConditionStartedAttrs{}
	case EntityRequest:
		a = &EntityRequestAttrs{}
	case BucketRequest:
		a = &BucketRequestAttrs{}
	case SearchRequest:
		a = &SearchRequestAttrs{}
	case TransactionRequest:
		a = &TransactionRequestAttrs{}
	case TaskSucceeded:
		a = &TaskSucceededAttrs{}
	case TaskFailed:
		a = &TaskFailedAttrs{}
	case TaskHeartbeatTimedOut:
		a = &TaskHeartbeatTimedOutAttrs{}
	case TimerCompleted:
		a = &TimerCompletedAttrs{}
	case ChildWorkflowSucceeded:
		a = &ChildWorkflowSucceededAttrs{}
	case ChildWorkflowFailed:
		a = &ChildWorkflowFailedAttrs{}
	case SignalReceived:
		a = &SignalReceivedAttrs{}
	case SignalTimedOut:
		a = &SignalTimedOutAttrs{}
	case ConditionTimedOut:
		a = &ConditionTimedOutAttrs{}
	case EntityRequestSucceeded:
		a = &EntityRequestSucceededAttrs{}
	case EntityRequestFailed:
		a = &EntityRequestFailedAttrs{}
	case BucketRequestSucceeded:
		a = &BucketRequestSucceededAttrs{}
	case BucketRequestFailed:
		a = &BucketRequestFailedAttrs{}
	case SearchRequestSucceeded:
		a = &SearchRequestSucceededAttrs{}
	case SearchRequestFailed:
		a = &SearchRequestFailedAttrs{}
	case TransactionRequestSucceeded:
		a = &TransactionRequestSucceededAttrs{}
	case TransactionRequestFailed:
		a = &TransactionRequestFailedAttrs{}
	default:
		return nil, fmt.Errorf("event: unknown type %q", typ)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, a); err != nil {
			return nil, fmt.Errorf("event: decode attrs for %s: %w", typ, err)
		}
	}
	return a, nil
}
