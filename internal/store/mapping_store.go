package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/kolab-storage/internal/model"
	"github.com/nhle/kolab-storage/internal/stamp"
)

// LoadMapping returns the cached stamp and backend id to uid pairs of
// folder as read with objectType, or a nil stamp when nothing is cached.
func (s *SQLiteStore) LoadMapping(
	ctx context.Context,
	folder, objectType string,
) (*stamp.Stamp, map[model.BackendID]string, error) {
	var row struct {
		Stamp string `db:"stamp"`
		Pairs string `db:"pairs"`
	}
	err := s.db.GetContext(ctx, &row,
		"SELECT stamp, pairs FROM mapping_cache WHERE folder = ? AND object_type = ?",
		folder, objectType,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("loading mapping of %s: %w", folder, err)
	}

	st, err := stamp.Parse([]byte(row.Stamp))
	if err != nil {
		return nil, nil, fmt.Errorf("loading mapping of %s: %w", folder, err)
	}
	pairs := make(map[model.BackendID]string)
	if err := json.Unmarshal([]byte(row.Pairs), &pairs); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling pairs of %s: %w", folder, err)
	}
	return st, pairs, nil
}

// StoreMapping replaces the cached mapping of folder for objectType.
func (s *SQLiteStore) StoreMapping(
	ctx context.Context,
	folder, objectType string,
	st *stamp.Stamp,
	pairs map[model.BackendID]string,
) error {
	stampJSON, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshaling stamp of %s: %w", folder, err)
	}
	pairsJSON, err := json.Marshal(pairs)
	if err != nil {
		return fmt.Errorf("marshaling pairs of %s: %w", folder, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO mapping_cache (folder, object_type, stamp, pairs, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		folder, objectType, string(stampJSON), string(pairsJSON), time.Now().UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("storing mapping of %s: %w", folder, err)
	}
	return nil
}
