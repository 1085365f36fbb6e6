// Package storage hands out one object store per folder and keeps the
// handles of different folders consistent with each other.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	gosync "sync"
	"time"

	"github.com/nhle/kolab-storage/internal/data"
	"github.com/nhle/kolab-storage/internal/driver"
	"github.com/nhle/kolab-storage/internal/format"
	"github.com/nhle/kolab-storage/internal/history"
	"github.com/nhle/kolab-storage/internal/model"
)

// Options configures a Storage.
type Options struct {
	// FolderTypes maps folder names to object types. Folders without an
	// entry use the default format.
	FolderTypes map[string]string

	// IgnoreParseErrors is passed to every folder handle.
	IgnoreParseErrors bool

	// Cache persists folder mappings. Optional.
	Cache data.Cache

	// Log receives the history of every folder. When set, a history
	// synchronizer is registered on each handle.
	Log history.Log

	Logger *slog.Logger
	Now    func() time.Time
}

type handleKey struct {
	folder string
	typ    string
}

// Storage creates and caches folder handles over one Driver.
type Storage struct {
	driver driver.Driver
	opts   Options
	logger *slog.Logger

	mu      gosync.Mutex
	handles map[handleKey]*data.Data
}

// New creates a Storage over d.
func New(d driver.Driver, opts Options) *Storage {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Storage{
		driver:  d,
		opts:    opts,
		logger:  logger,
		handles: make(map[handleKey]*data.Data),
	}
}

// Folders lists every folder of the backend.
func (s *Storage) Folders(ctx context.Context) ([]string, error) {
	names, err := s.driver.GetMailboxes(ctx)
	if err != nil {
		return nil, &model.BackendError{Op: "list folders", Err: err}
	}
	sort.Strings(names)
	return names, nil
}

// FoldersOfType lists the backend folders configured for objectType.
func (s *Storage) FoldersOfType(ctx context.Context, objectType string) ([]string, error) {
	names, err := s.Folders(ctx)
	if err != nil {
		return nil, err
	}
	var result []string
	for _, name := range names {
		if s.FolderType(name) == objectType {
			result = append(result, name)
		}
	}
	return result, nil
}

// FolderType returns the object type configured for folder, or
// format.Default.
func (s *Storage) FolderType(folder string) string {
	if t := s.opts.FolderTypes[folder]; t != "" {
		return t
	}
	return format.Default
}

// Data returns the handle of folder using its configured object type.
func (s *Storage) Data(folder string) *data.Data {
	return s.DataOfType(folder, s.FolderType(folder))
}

// DataOfType returns the handle of folder reading objects of
// objectType. Handles are created once and reused.
func (s *Storage) DataOfType(folder, objectType string) *data.Data {
	key := handleKey{folder: folder, typ: objectType}

	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.handles[key]; ok {
		return d
	}

	d := data.New(s.driver, folder, format.ForType(objectType), data.Options{
		IgnoreParseErrors: s.opts.IgnoreParseErrors,
		Logger:            s.logger,
		Cache:             s.opts.Cache,
		OnMove:            s.invalidate,
		Now:               s.opts.Now,
	})
	if s.opts.Log != nil {
		d.RegisterQuery(history.QueryName, history.NewSynchronizer(d, s.opts.Log, history.Options{
			Logger: s.logger,
			Now:    s.opts.Now,
		}))
	}
	s.handles[key] = d
	return d
}

// History returns the history synchronizer registered on folder's
// handle.
func (s *Storage) History(folder string) (*history.Synchronizer, error) {
	q, ok := s.Data(folder).Query(history.QueryName)
	if !ok {
		return nil, fmt.Errorf("no history log configured for %s", folder)
	}
	h, ok := q.(*history.Synchronizer)
	if !ok {
		return nil, fmt.Errorf("query %s on %s is %T", history.QueryName, folder, q)
	}
	return h, nil
}

// Synchronize runs the registered queries of every open handle.
func (s *Storage) Synchronize(ctx context.Context) error {
	s.mu.Lock()
	handles := make([]*data.Data, 0, len(s.handles))
	for _, d := range s.handles {
		handles = append(handles, d)
	}
	s.mu.Unlock()

	sort.Slice(handles, func(i, j int) bool { return handles[i].Folder() < handles[j].Folder() })
	for _, d := range handles {
		if err := d.Synchronize(ctx); err != nil {
			return err
		}
	}
	return nil
}

// invalidate marks every handle of folder stale.
func (s *Storage) invalidate(folder string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, d := range s.handles {
		if key.folder == folder {
			d.Invalidate()
		}
	}
}
