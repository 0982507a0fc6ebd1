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
	"strings"
)

// Combinators compose already-issued Futures. They are themselves not
// engine primitives — the children were the operations that consumed a
// seq — so, like OnSignal, they never touch the executor's seq counter or
// correspondence check.

func whenSettled(e *eventual, cb func()) {
	if e.settled() {
		cb()
		return
	}
	e.onSettle = append(e.onSettle, cb)
}

// All waits for every future to fulfill and resolves with their values in
// argument order; it rejects as soon as any future rejects, with that
// future's failure (standard Promise.all semantics).
func All(futures ...*Future) *Future {
	combined := newEventual(-1)
	if len(futures) == 0 {
		combined.resolve(mustJSON([]json.RawMessage{}))
		return &Future{e: combined}
	}
	values := make([]json.RawMessage, len(futures))
	remaining := len(futures)
	for i, f := range futures {
		i := i
		whenSettled(f.e, func() {
			if combined.settled() {
				return
			}
			if f.e.kind == rejected {
				combined.reject(f.e.failure)
				return
			}
			values[i] = f.e.value
			remaining--
			if remaining == 0 {
				combined.resolve(mustJSON(values))
			}
		})
	}
	return &Future{e: combined}
}

// SettledResult is one element of an AllSettled result array.
type SettledResult struct {
	Status string          `json:"status"` // "fulfilled" | "rejected"
	Value  json.RawMessage `json:"value,omitempty"`
	Error  *Failure        `json:"error,omitempty"`
}

// AllSettled waits for every future to settle, regardless of outcome, and
// resolves with one SettledResult per future in argument order. It never
// rejects.
func AllSettled(futures ...*Future) *Future {
	combined := newEventual(-1)
	if len(futures) == 0 {
		combined.resolve(mustJSON([]SettledResult{}))
		return &Future{e: combined}
	}
	results := make([]SettledResult, len(futures))
	remaining := len(futures)
	for i, f := range futures {
		i := i
		whenSettled(f.e, func() {
			if f.e.kind == rejected {
				results[i] = SettledResult{Status: "rejected", Error: f.e.failure}
			} else {
				results[i] = SettledResult{Status: "fulfilled", Value: f.e.value}
			}
			remaining--
			if remaining == 0 {
				combined.resolve(mustJSON(results))
			}
		})
	}
	return &Future{e: combined}
}

// Any resolves with the value of the first future to fulfill. It rejects
// only once every future has rejected, with an aggregate failure
// (standard Promise.any semantics).
func Any(futures ...*Future) *Future {
	combined := newEventual(-1)
	if len(futures) == 0 {
		combined.reject(NewFailure("AggregateError", "Any() called with no futures"))
		return &Future{e: combined}
	}
	reasons := make([]string, len(futures))
	remaining := len(futures)
	for i, f := range futures {
		i := i
		whenSettled(f.e, func() {
			if combined.settled() {
				return
			}
			if f.e.kind == fulfilled {
				combined.resolve(f.e.value)
				return
			}
			reasons[i] = f.e.failure.Error()
			remaining--
			if remaining == 0 {
				combined.reject(NewFailure("AggregateError", strings.Join(reasons, "; ")))
			}
		})
	}
	return &Future{e: combined}
}

// Race settles with whichever future settles first, adopting its outcome
// (fulfilled or rejected) verbatim.
func Race(futures ...*Future) *Future {
	combined := newEventual(-1)
	for _, f := range futures {
		whenSettled(f.e, func() {
			if combined.settled() {
				return
			}
			if f.e.kind == rejected {
				combined.reject(f.e.failure)
			} else {
				combined.resolve(f.e.value)
			}
		})
	}
	return &Future{e: combined}
}
