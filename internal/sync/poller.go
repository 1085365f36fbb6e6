// Package sync periodically brings the history log of every configured
// folder up to date.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	gosync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nhle/kolab-storage/internal/store"
)

// SyncState represents the current state of a folder sync operation.
type SyncState int

const (
	SyncIdle SyncState = iota
	SyncRunning
	SyncError
)

func (s SyncState) String() string {
	switch s {
	case SyncIdle:
		return "idle"
	case SyncRunning:
		return "running"
	case SyncError:
		return "error"
	default:
		return fmt.Sprintf("SyncState(%d)", int(s))
	}
}

// SyncStatus holds the sync state for a single folder.
type SyncStatus struct {
	Folder   string
	State    SyncState
	LastSync time.Time
	Appended int
	Error    error
}

// Target is one folder whose history the poller keeps current.
type Target interface {
	Folder() string
	Reconcile(ctx context.Context) (int, error)
}

// Recorder persists the outcome of each folder sync.
type Recorder interface {
	RecordSync(ctx context.Context, run store.SyncRun) error
}

// syncTimeout is the maximum time allowed for a single folder sync.
const syncTimeout = 5 * time.Minute

// Options configures a Poller.
type Options struct {
	// Interval between rounds. Defaults to five minutes.
	Interval time.Duration

	// Concurrency bounds the folders synchronized at once.
	Concurrency int

	// Recorder is optional.
	Recorder Recorder

	Logger *slog.Logger
	Now    func() time.Time
}

// Poller orchestrates background synchronization of folders.
type Poller struct {
	targets  []Target
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
	statuses map[string]*SyncStatus
	mu       gosync.Mutex
}

// New creates a Poller over targets.
func New(targets []Target, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	p := &Poller{
		targets:  targets,
		opts:     opts,
		logger:   logger,
		now:      now,
		statuses: make(map[string]*SyncStatus, len(targets)),
	}
	for _, t := range targets {
		p.statuses[t.Folder()] = &SyncStatus{Folder: t.Folder(), State: SyncIdle}
	}
	return p
}

// RunOnce synchronizes every folder once. A failing folder does not stop
// the others; all failures are returned joined.
func (p *Poller) RunOnce(ctx context.Context) error {
	var (
		g    errgroup.Group
		mu   gosync.Mutex
		errs []error
	)
	g.SetLimit(p.opts.Concurrency)

	for _, t := range p.targets {
		g.Go(func() error {
			if err := p.syncFolder(ctx, t); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("syncing %s: %w", t.Folder(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	return errors.Join(errs...)
}

// Run synchronizes immediately and then on every tick until ctx is
// canceled. Folder failures are logged and retried on the next tick.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		if err := p.RunOnce(ctx); err != nil {
			p.logger.Warn("sync round failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Statuses returns the current sync status of all folders, by name.
func (p *Poller) Statuses() []SyncStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	statuses := make([]SyncStatus, 0, len(p.statuses))
	for _, s := range p.statuses {
		statuses = append(statuses, *s)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Folder < statuses[j].Folder })
	return statuses
}

// syncFolder performs a single reconciliation and records its outcome.
func (p *Poller) syncFolder(ctx context.Context, t Target) error {
	folder := t.Folder()
	p.setStatus(folder, SyncRunning, 0, nil, time.Time{})

	ctx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()

	appended, err := t.Reconcile(ctx)
	ranAt := p.now()
	if err != nil {
		p.setStatus(folder, SyncError, appended, err, ranAt)
	} else {
		p.setStatus(folder, SyncIdle, appended, nil, ranAt)
	}
	p.logger.Info("folder synchronized",
		"folder", folder,
		"appended", appended,
		"ok", err == nil,
	)

	if p.opts.Recorder != nil {
		run := store.SyncRun{Folder: folder, RanAt: ranAt, Appended: appended}
		if err != nil {
			run.Error = err.Error()
		}
		if rerr := p.opts.Recorder.RecordSync(context.WithoutCancel(ctx), run); rerr != nil {
			p.logger.Warn("recording sync failed", "folder", folder, "error", rerr)
		}
	}
	return err
}

// setStatus updates the sync status for a folder.
func (p *Poller) setStatus(folder string, state SyncState, appended int, err error, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	status, ok := p.statuses[folder]
	if !ok {
		return
	}

	status.State = state
	status.Error = err
	if state != SyncRunning {
		status.Appended = appended
	}
	if state == SyncIdle && err == nil {
		status.LastSync = at
	}
}
