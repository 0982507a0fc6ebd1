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

// Package disk implements the file-backed store variants: a
// store.HistoryStore writing the newline-delimited JSON history blob
// format, a store.BlobStore over a local directory tree, a
// store.DeadLetterSink appending NDJSON records, and a matching
// store.EventJournal. History is one file per execution and blobs one
// file per bucket key; the dead-letter sink and the journal each append
// to a single file. History, dead-letter and journal files are only
// appended to, while a blob Put replaces the key's file whole.
package disk

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/functionless/eventual/pkg/event"
	"github.com/functionless/eventual/pkg/store"
)

// encodePathSegment keeps execution ids (which contain "/") and user
// keys from escaping the store's root directory.
func encodePathSegment(s string) string {
	return url.PathEscape(s)
}

// HistoryStore is a store.HistoryStore holding one NDJSON file per
// execution, one event per line in append order.
type HistoryStore struct {
	dir string
	mu  sync.Mutex
}

func NewHistoryStore(dir string) (*HistoryStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("disk: create history dir: %w", err)
	}
	return &HistoryStore{dir: dir}, nil
}

var _ store.HistoryStore = (*HistoryStore)(nil)

func (h *HistoryStore) path(executionID string) string {
	return filepath.Join(h.dir, encodePathSegment(executionID)+".ndjson")
}

func (h *HistoryStore) AppendHistory(_ context.Context, executionID string, events []*event.Event) error {
	if len(events) == 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := os.OpenFile(h.path(executionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("disk: open history blob: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, e := range events {
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("disk: marshal event: %w", err)
		}
		if _, err := w.Write(line); err != nil {
			return fmt.Errorf("disk: write history blob: %w", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return fmt.Errorf("disk: write history blob: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("disk: flush history blob: %w", err)
	}
	return f.Sync()
}

func (h *HistoryStore) ReadHistory(_ context.Context, executionID string) ([]*event.Event, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := os.Open(h.path(executionID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("disk: open history blob: %w", err)
	}
	defer f.Close()

	var events []*event.Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e event.Event
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("disk: decode history line: %w", err)
		}
		events = append(events, &e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("disk: read history blob: %w", err)
	}
	return events, nil
}

// BlobStore is a store.BlobStore where each bucket is a directory and
// each key a file under it.
type BlobStore struct {
	dir string
	mu  sync.Mutex
}

func NewBlobStore(dir string) (*BlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("disk: create blob dir: %w", err)
	}
	return &BlobStore{dir: dir}, nil
}

var _ store.BlobStore = (*BlobStore)(nil)

func (b *BlobStore) path(bucket, key string) string {
	return filepath.Join(b.dir, encodePathSegment(bucket), encodePathSegment(key))
}

func (b *BlobStore) Get(_ context.Context, bucket, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := os.ReadFile(b.path(bucket, key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("disk: read blob: %w", err)
	}
	return data, nil
}

func (b *BlobStore) Put(_ context.Context, bucket, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.path(bucket, key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("disk: create bucket dir: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, value, 0o644); err != nil {
		return fmt.Errorf("disk: write blob: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("disk: rename blob: %w", err)
	}
	return nil
}

func (b *BlobStore) Delete(_ context.Context, bucket, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := os.Remove(b.path(bucket, key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("disk: delete blob: %w", err)
	}
	return nil
}

// deadLetterRecord is the NDJSON line shape of one dead-lettered
// delivery.
type deadLetterRecord struct {
	Time      time.Time       `json:"time"`
	EventName string          `json:"eventName"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Reason    string          `json:"reason"`
}

// DeadLetterSink is a store.DeadLetterSink appending NDJSON records to
// a single file, the same line-per-record encoding the History Store
// uses.
type DeadLetterSink struct {
	path string
	mu   sync.Mutex
}

func NewDeadLetterSink(path string) (*DeadLetterSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("disk: create dead-letter dir: %w", err)
	}
	return &DeadLetterSink{path: path}, nil
}

var _ store.DeadLetterSink = (*DeadLetterSink)(nil)

func (d *DeadLetterSink) Put(_ context.Context, eventName string, payload []byte, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	line, err := json.Marshal(deadLetterRecord{
		Time:      time.Now().UTC(),
		EventName: eventName,
		Payload:   payload,
		Reason:    reason,
	})
	if err != nil {
		return fmt.Errorf("disk: marshal dead-letter record: %w", err)
	}
	return appendLine(d.path, line)
}

// journalRecord is the NDJSON line shape of one event-journal row:
// pk=executionId, sk=timestamp#eventId.
type journalRecord struct {
	ExecutionID string       `json:"pk"`
	SortKey     string       `json:"sk"`
	Payload     *event.Event `json:"payload"`
}

// EventJournal is a store.EventJournal appending NDJSON records to a
// single file.
type EventJournal struct {
	path string
	mu   sync.Mutex
}

func NewEventJournal(path string) (*EventJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("disk: create journal dir: %w", err)
	}
	return &EventJournal{path: path}, nil
}

var _ store.EventJournal = (*EventJournal)(nil)

func (j *EventJournal) Record(_ context.Context, executionID string, e *event.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	line, err := json.Marshal(journalRecord{
		ExecutionID: executionID,
		SortKey:     e.Timestamp.UTC().Format(time.RFC3339Nano) + "#" + e.EventID(),
		Payload:     e,
	})
	if err != nil {
		return fmt.Errorf("disk: marshal journal record: %w", err)
	}
	return appendLine(j.path, line)
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("disk: open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("disk: append %s: %w", path, err)
	}
	return nil
}
