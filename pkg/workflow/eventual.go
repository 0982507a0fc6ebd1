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
	"fmt"
)

// Failure is the stable {error, message} shape recorded for every
// user-visible or awaiter-visible failure — never a raw Go error, so
// replay never depends on a host exception type.
type Failure struct {
	Err string `json:"error"`
	Msg string `json:"message"`
}

func (f *Failure) Error() string { return fmt.Sprintf("%s: %s", f.Err, f.Msg) }

func NewFailure(errName, message string) *Failure {
	return &Failure{Err: errName, Msg: message}
}

// determinismError is raised internally when a replayed command does not
// correspond to the next expected Scheduled event. It is fatal for the
// run and is never exposed to workflow code as a recoverable error.
type determinismError struct {
	msg string
}

func (d *determinismError) Error() string { return d.msg }

type settleKind int

const (
	pending settleKind = iota
	fulfilled
	rejected
)

// eventual is a pending
// computation identified by seq, alive only for the lifetime of the
// current run.
type eventual struct {
	seq     int64
	kind    settleKind
	value   json.RawMessage
	failure *Failure

	onSettle []func()

	// condition-style eventuals additionally carry a predicate evaluated
	// after every drained event.
	predicate func() bool
}

func newEventual(seq int64) *eventual {
	return &eventual{seq: seq, kind: pending}
}

func (e *eventual) settled() bool { return e.kind != pending }

func (e *eventual) resolve(v json.RawMessage) {
	if e.settled() {
		return
	}
	e.kind = fulfilled
	e.value = v
	e.fire()
}

func (e *eventual) reject(f *Failure) {
	if e.settled() {
		return
	}
	e.kind = rejected
	e.failure = f
	e.fire()
}

func (e *eventual) fire() {
	cbs := e.onSettle
	e.onSettle = nil
	for _, cb := range cbs {
		cb()
	}
}

// Future is the handle a workflow holds for a pending or resolved
// computation. It is deliberately untyped at this layer (raw JSON) — the
// caller decodes into whatever Go type it expects, mirroring how the
// value will have round-tripped through a Result history event.
type Future struct {
	e *eventual
}

// Get blocks the calling workflow until the future settles, then decodes
// its value into out (skipped if out is nil or the future carried no
// value). Blocking here is a suspension point: the executor's cooperative
// scheduler drains history events while this call is parked.
func (f *Future) Get(ctx *Context, out any) error {
	ctx.exec.await(f.e)
	if f.e.kind == rejected {
		return f.e.failure
	}
	if out != nil && len(f.e.value) > 0 {
		return json.Unmarshal(f.e.value, out)
	}
	return nil
}

// Settled reports whether the future has already resolved or failed,
// without blocking.
func (f *Future) Settled() bool { return f.e.settled() }
