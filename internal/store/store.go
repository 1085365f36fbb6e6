// Package store persists the object history log, folder mapping caches
// and synchronization runs in SQLite.
package store

import (
	"context"
	"time"

	"github.com/nhle/kolab-storage/internal/data"
	"github.com/nhle/kolab-storage/internal/history"
)

// SyncRun is the outcome of the last synchronization of a folder.
type SyncRun struct {
	Folder   string
	RanAt    time.Time
	Appended int
	Error    string
}

// Store defines the persistence interface for history entries, mapping
// caches and synchronization runs.
type Store interface {
	history.Log
	data.Cache

	RecordSync(ctx context.Context, run SyncRun) error
	SyncRuns(ctx context.Context) ([]SyncRun, error)

	Close() error
}

var _ Store = (*SQLiteStore)(nil)
