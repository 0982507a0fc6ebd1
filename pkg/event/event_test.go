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
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestEventID(t *testing.T) {
	r := require.New(t)
	now := time.Now()

	sequenced := NewSequenced(TaskSucceeded, now, 3, &TaskSucceededAttrs{})
	r.Equal("3_TaskSucceeded", sequenced.EventID())

	identified := NewIdentified(SignalReceived, now, "ulid-1", &SignalReceivedAttrs{SignalID: "go"})
	r.Equal("ulid-1", identified.EventID())

	// The same seq under a different type is a different identity, so a
	// TaskScheduled and its TaskSucceeded never collide.
	scheduled := NewSequenced(TaskScheduled, now, 3, &TaskScheduledAttrs{Name: "a"})
	r.NotEqual(sequenced.EventID(), scheduled.EventID())
}

func TestSplitID(t *testing.T) {
	r := require.New(t)

	wf, exe, err := SplitID("order/run-1")
	r.NoError(err)
	r.Equal("order", wf)
	r.Equal("run-1", exe)

	// Execution names may themselves contain slashes (child names embed
	// the parent's id).
	wf, exe, err = SplitID("sub/order/run-1-child-0")
	r.NoError(err)
	r.Equal("sub", wf)
	r.Equal("order/run-1-child-0", exe)

	_, _, err = SplitID("no-separator")
	r.Error(err)

	r.Equal("order/run-1", ID("order", "run-1"))
}

func TestStatusTerminal(t *testing.T) {
	r := require.New(t)
	r.False(StatusInProgress.Terminal())
	r.True(StatusSucceeded.Terminal())
	r.True(StatusFailed.Terminal())
	r.True(StatusTimedOut.Terminal())
}

func TestJSONRoundTrip(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	timeout := base.Add(time.Hour)

	events := []*Event{
		NewIdentified(WorkflowStarted, base, "started-1", &WorkflowStartedAttrs{
			WorkflowName:      "order",
			ExecutionName:     "run-1",
			Input:             json.RawMessage(`{"n":1}`),
			InputHash:         "abc",
			TimeoutTime:       &timeout,
			ParentExecutionID: "parent/run-1",
		}),
		NewSequenced(TimerScheduled, base, 0, &TimerScheduledAttrs{UntilTime: base.Add(5 * time.Second)}),
		NewSequenced(EntityRequest, base, 1, &EntityRequestAttrs{Op: EntityPut, Key: "k", Value: json.RawMessage(`1`), ExpectedVersion: "2"}),
		NewIdentified(SignalReceived, base, "sig-1", &SignalReceivedAttrs{SignalID: "go", Payload: json.RawMessage(`"ok"`), DedupID: "parent/run-1/4"}),
	}

	for _, original := range events {
		data, err := json.Marshal(original)
		require.NoError(t, err)

		var decoded Event
		require.NoError(t, json.Unmarshal(data, &decoded))
		if diff := cmp.Diff(original, &decoded); diff != "" {
			t.Fatalf("%s did not round-trip (-want +got):\n%s", original.Type, diff)
		}
	}
}

func TestUnmarshalUnknownType(t *testing.T) {
	var e Event
	err := json.Unmarshal([]byte(`{"type":"NoSuchEvent","timestamp":"2024-05-01T12:00:00Z","attrs":{}}`), &e)
	require.Error(t, err)
}

func TestCategories(t *testing.T) {
	r := require.New(t)
	r.Equal(CategoryLifecycle, WorkflowStarted.Category())
	r.Equal(CategoryScheduled, TaskScheduled.Category())
	r.Equal(CategoryScheduled, TransactionRequest.Category())
	r.Equal(CategoryResult, TaskSucceeded.Category())
	r.Equal(CategoryResult, SignalReceived.Category())
	r.Equal(CategoryResult, TransactionRequestFailed.Category())
}
