package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nhle/kolab-storage/internal/history"
	"github.com/nhle/kolab-storage/internal/model"
	"github.com/nhle/kolab-storage/internal/stamp"
)

// historyRow is one row of the history table.
type historyRow struct {
	ID        int64  `db:"id"`
	ObjectUID string `db:"object_uid"`
	Action    string `db:"action"`
	BackendID int64  `db:"backend_id"`
	Stamp     string `db:"stamp"`
	TS        int64  `db:"ts"`
}

// History returns the entries of uid in insertion order.
func (s *SQLiteStore) History(ctx context.Context, uid string) ([]history.Entry, error) {
	var rows []historyRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM history WHERE object_uid = ? ORDER BY id", uid,
	)
	if err != nil {
		return nil, fmt.Errorf("querying history of %s: %w", uid, err)
	}

	entries := make([]history.Entry, 0, len(rows))
	for _, r := range rows {
		e, err := r.entry()
		if err != nil {
			return nil, fmt.Errorf("reading history row %d: %w", r.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Log appends e to the history of uid.
func (s *SQLiteStore) Log(ctx context.Context, uid string, e history.Entry) error {
	st := ""
	if e.Stamp != nil {
		b, err := json.Marshal(e.Stamp)
		if err != nil {
			return fmt.Errorf("marshaling stamp for %s: %w", uid, err)
		}
		st = string(b)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO history (object_uid, action, backend_id, stamp, ts)
		VALUES (?, ?, ?, ?, ?)`,
		uid, string(e.Action), int64(e.BackendID), st, e.Timestamp.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("appending history of %s: %w", uid, err)
	}
	return nil
}

func (r historyRow) entry() (history.Entry, error) {
	e := history.Entry{
		Action:    history.Action(r.Action),
		BackendID: model.BackendID(r.BackendID),
		Timestamp: time.UnixMicro(r.TS).UTC(),
	}
	if r.Stamp != "" {
		st, err := stamp.Parse([]byte(r.Stamp))
		if err != nil {
			return history.Entry{}, err
		}
		e.Stamp = st
	}
	return e, nil
}
