package store

import (
	"context"
	"fmt"
	"time"
)

// RecordSync stores the outcome of a folder synchronization, replacing
// the previous one.
func (s *SQLiteStore) RecordSync(ctx context.Context, run SyncRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_runs (folder, ran_at, appended, error)
		VALUES (?, ?, ?, ?)`,
		run.Folder, run.RanAt.UnixMicro(), run.Appended, run.Error,
	)
	if err != nil {
		return fmt.Errorf("recording sync of %s: %w", run.Folder, err)
	}
	return nil
}

// SyncRuns returns the last synchronization of every folder, by folder
// name.
func (s *SQLiteStore) SyncRuns(ctx context.Context) ([]SyncRun, error) {
	var rows []struct {
		Folder   string `db:"folder"`
		RanAt    int64  `db:"ran_at"`
		Appended int    `db:"appended"`
		Error    string `db:"error"`
	}
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM sync_runs ORDER BY folder"); err != nil {
		return nil, fmt.Errorf("querying sync runs: %w", err)
	}

	runs := make([]SyncRun, 0, len(rows))
	for _, r := range rows {
		runs = append(runs, SyncRun{
			Folder:   r.Folder,
			RanAt:    time.UnixMicro(r.RanAt).UTC(),
			Appended: r.Appended,
			Error:    r.Error,
		})
	}
	return runs, nil
}
