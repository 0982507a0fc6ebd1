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

// Package tag defines the structured logging fields used across the
// engine. A Tag wraps a zap.Field so call sites never import zap
// directly.
package tag

import "go.uber.org/zap"

// Tag is one structured logging field.
type Tag struct {
	Field zap.Field
}

func newString(key, value string) Tag { return Tag{Field: zap.String(key, value)} }
func newInt64(key string, value int64) Tag { return Tag{Field: zap.Int64(key, value)} }
func newError(err error) Tag { return Tag{Field: zap.Error(err)} }
func newAny(key string, value any) Tag { return Tag{Field: zap.Any(key, value)} }

func ExecutionID(id string) Tag     { return newString("execution-id", id) }
func WorkflowName(name string) Tag  { return newString("workflow-name", name) }
func ExecutionName(name string) Tag { return newString("execution-name", name) }
func RunID(id string) Tag           { return newString("run-id", id) }
func Seq(seq int64) Tag             { return newInt64("seq", seq) }
func TaskName(name string) Tag      { return newString("task-name", name) }
func TaskToken(token string) Tag    { return newString("task-token", token) }
func SignalID(id string) Tag        { return newString("signal-id", id) }
func TransactionName(name string) Tag { return newString("transaction-name", name) }
func EntityKey(key string) Tag      { return newString("entity-key", key) }
func BucketName(name string) Tag    { return newString("bucket", name) }
func Error(err error) Tag           { return newError(err) }
func Value(key string, v any) Tag   { return newAny(key, v) }
func Attempt(n int) Tag             { return newInt64("attempt", int64(n)) }
