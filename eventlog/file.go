package eventlog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sync"

	"github.com/migadu/selftest/logger"
)

// maxLineSize bounds a single JSONL record when reading the log back.
const maxLineSize = 1 << 20

// FileLog stores events as JSON lines in a single append-only file.
type FileLog struct {
	path   string
	mu     sync.Mutex
	f      *os.File
	closed bool
}

// OpenFile opens (creating if needed) the JSONL log at path.
func OpenFile(path string) (*FileLog, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create event log directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	return &FileLog{path: path, f: f}, nil
}

// Path returns the file backing the log.
func (l *FileLog) Path() string {
	return l.path
}

// Append writes ev as one line. The record is encoded before the lock is
// taken and written with a single call, so concurrent appends never
// interleave.
func (l *FileLog) Append(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if _, err := l.f.Write(data); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// Query scans the file from the beginning on every iteration.
func (l *FileLog) Query(ctx context.Context, session, protocol string) iter.Seq[Event] {
	return l.scan(ctx, func(ev *Event) bool { return ev.Matches(session, protocol) })
}

// All yields every readable record, sessionless ones included.
func (l *FileLog) All(ctx context.Context) iter.Seq[Event] {
	return l.scan(ctx, func(*Event) bool { return true })
}

func (l *FileLog) scan(ctx context.Context, match func(*Event) bool) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		f, err := os.Open(l.path)
		if err != nil {
			logger.Warn("Event log: failed to open for reading", "path", l.path, "error", err)
			return
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var ev Event
			if err := json.Unmarshal(line, &ev); err != nil {
				// A torn tail or a hand-edited line; skip it.
				continue
			}
			if !match(&ev) {
				continue
			}
			if !yield(ev) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			logger.Warn("Event log: read failed", "path", l.path, "error", err)
		}
	}
}

// Close flushes and closes the file. Later appends fail with ErrClosed.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.f.Sync(); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}
