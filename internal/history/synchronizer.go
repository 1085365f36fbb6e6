package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/nhle/kolab-storage/internal/data"
	"github.com/nhle/kolab-storage/internal/model"
	"github.com/nhle/kolab-storage/internal/stamp"
)

// QueryName is the name the Synchronizer is registered under on a
// data.Data.
const QueryName = "history"

// Source provides the consistent mapping and stamp of a folder.
type Source interface {
	Folder() string
	Mapping(ctx context.Context) (*data.Mapping, error)
}

// Options configures a Synchronizer.
type Options struct {
	Logger *slog.Logger
	Now    func() time.Time
}

// Synchronizer appends add and modify entries to a Log so that it
// reflects the current backend id of every object in a folder. It never
// rewrites entries and never infers deletions.
type Synchronizer struct {
	source Source
	log    Log
	logger *slog.Logger
	now    func() time.Time
}

// NewSynchronizer creates a Synchronizer for source writing to log.
func NewSynchronizer(source Source, log Log, opts Options) *Synchronizer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Synchronizer{source: source, log: log, logger: logger, now: now}
}

// Folder returns the folder the synchronizer follows.
func (s *Synchronizer) Folder() string {
	return s.source.Folder()
}

// Synchronize implements data.Query.
func (s *Synchronizer) Synchronize(ctx context.Context) error {
	_, err := s.Reconcile(ctx)
	return err
}

// Reconcile brings the log up to date in a single pass and returns the
// number of entries appended. Repeating it without a folder change
// appends nothing. After a failure the entries already written stay;
// the next call continues from there.
func (s *Synchronizer) Reconcile(ctx context.Context) (int, error) {
	m, err := s.source.Mapping(ctx)
	if err != nil {
		return 0, err
	}

	appended := 0
	for _, uid := range m.UIDs() {
		if err := ctx.Err(); err != nil {
			return appended, err
		}
		id, _ := m.BackendID(uid)

		entries, err := s.log.History(ctx, uid)
		if err != nil {
			return appended, &model.LogError{Op: "read", UID: uid, Err: err}
		}
		action, ok := nextAction(entries, id, m.Stamp)
		if !ok {
			continue
		}

		entry := Entry{Action: action, BackendID: id, Stamp: m.Stamp, Timestamp: s.now()}
		if err := s.log.Log(ctx, uid, entry); err != nil {
			return appended, &model.LogError{Op: "append", UID: uid, Err: err}
		}
		appended++
		s.logger.Debug("history entry appended",
			"folder", s.source.Folder(),
			"uid", uid,
			"action", string(action),
			"id", id.String(),
		)
	}
	return appended, nil
}

// nextAction decides which entry, if any, brings entries up to date
// with an object now stored at id under cur.
func nextAction(entries []Entry, id model.BackendID, cur *stamp.Stamp) (Action, bool) {
	last, ok := Latest(entries)
	if !ok {
		return ActionAdd, true
	}
	if last.BackendID == 0 || last.BackendID != id {
		return ActionModify, true
	}
	if last.Stamp != nil && last.Stamp.IsReset(cur) {
		return ActionModify, true
	}
	return "", false
}

var _ data.Query = (*Synchronizer)(nil)
