// Package history keeps a per-object event log in step with the
// contents of a folder.
package history

import (
	"context"
	gosync "sync"
	"time"

	"github.com/nhle/kolab-storage/internal/model"
	"github.com/nhle/kolab-storage/internal/stamp"
)

// Action is the kind of change a log entry records.
type Action string

// Actions written to the log.
const (
	ActionAdd    Action = "add"
	ActionModify Action = "modify"
	ActionDelete Action = "delete"
)

// Entry is one record of an object's history. Entries are never changed
// once written.
type Entry struct {
	Action    Action
	BackendID model.BackendID // zero when unknown
	Stamp     *stamp.Stamp    // nil when unknown
	Timestamp time.Time
}

// Log is the append-only history store, one ordered sequence per object
// uid.
type Log interface {
	// History returns the entries of uid in the order they were written.
	History(ctx context.Context, uid string) ([]Entry, error)

	// Log appends e to the history of uid.
	Log(ctx context.Context, uid string, e Entry) error
}

// Latest returns the most recent entry by timestamp. When timestamps are
// equal the entry written last wins.
func Latest(entries []Entry) (Entry, bool) {
	if len(entries) == 0 {
		return Entry{}, false
	}
	best := entries[0]
	for _, e := range entries[1:] {
		if !e.Timestamp.Before(best.Timestamp) {
			best = e
		}
	}
	return best, true
}

// MemoryLog is a Log kept in process memory.
type MemoryLog struct {
	mu      gosync.Mutex
	entries map[string][]Entry
}

// NewMemoryLog creates an empty MemoryLog.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{entries: make(map[string][]Entry)}
}

// History implements Log.
func (l *MemoryLog) History(_ context.Context, uid string) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries[uid]...), nil
}

// Log implements Log.
func (l *MemoryLog) Log(_ context.Context, uid string, e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[uid] = append(l.entries[uid], e)
	return nil
}

// Len returns the number of objects with at least one entry.
func (l *MemoryLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
