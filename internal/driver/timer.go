package driver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nhle/kolab-storage/internal/model"
)

// NewRequestHistogram returns the histogram the Timer reports request
// durations to, labelled by operation and result. The caller registers it.
func NewRequestHistogram() *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kolabsync_backend_request_duration_seconds",
			Help:    "Outgoing backend request duration in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20},
		},
		[]string{
			"op",
			"result", // ok, error
		},
	)
}

// Timer is a Driver decorator that measures every outgoing request and
// logs one line per call. Results and errors pass through untouched.
type Timer struct {
	Driver

	protocol string
	logger   *slog.Logger
	metrics  *prometheus.HistogramVec
	now      func() time.Time
}

// TimerOption customizes a Timer.
type TimerOption func(*Timer)

// WithMetrics additionally records each request in h.
func WithMetrics(h *prometheus.HistogramVec) TimerOption {
	return func(t *Timer) { t.metrics = h }
}

// withClock replaces the time source; used by tests.
func withClock(now func() time.Time) TimerOption {
	return func(t *Timer) { t.now = now }
}

// NewTimer wraps inner. protocol is the label written into the log line,
// usually "IMAP".
func NewTimer(inner Driver, protocol string, logger *slog.Logger, opts ...TimerOption) *Timer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	t := &Timer{
		Driver:   inner,
		protocol: protocol,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// start returns a function that reports the elapsed time for op.
func (t *Timer) start(op string) func(err error) {
	begin := t.now()
	return func(err error) {
		elapsed := t.now().Sub(begin)
		t.logger.Info(fmt.Sprintf(
			"REQUEST OUT %s: %d ms [%s]", t.protocol, elapsed.Milliseconds(), op,
		))
		if t.metrics != nil {
			result := "ok"
			if err != nil {
				result = "error"
			}
			t.metrics.WithLabelValues(op, result).Observe(elapsed.Seconds())
		}
	}
}

// GetMailboxes implements Driver.
func (t *Timer) GetMailboxes(ctx context.Context) ([]string, error) {
	done := t.start("getMailboxes")
	result, err := t.Driver.GetMailboxes(ctx)
	done(err)
	return result, err
}

// Status implements Driver.
func (t *Timer) Status(ctx context.Context, folder string) (Status, error) {
	done := t.start("status")
	result, err := t.Driver.Status(ctx, folder)
	done(err)
	return result, err
}

// ListUIDs implements Driver.
func (t *Timer) ListUIDs(ctx context.Context, folder string) ([]model.BackendID, error) {
	done := t.start("getUids")
	result, err := t.Driver.ListUIDs(ctx, folder)
	done(err)
	return result, err
}

// FetchStructure implements Driver.
func (t *Timer) FetchStructure(
	ctx context.Context,
	folder string,
	ids []model.BackendID,
) (map[model.BackendID]*Structure, error) {
	done := t.start("fetchStructure")
	result, err := t.Driver.FetchStructure(ctx, folder, ids)
	done(err)
	return result, err
}

// FetchBodypart implements Driver.
func (t *Timer) FetchBodypart(
	ctx context.Context,
	folder string,
	id model.BackendID,
	partID string,
) (io.ReadCloser, error) {
	done := t.start("fetchBodypart")
	result, err := t.Driver.FetchBodypart(ctx, folder, id, partID)
	done(err)
	return result, err
}

// Append implements Driver.
func (t *Timer) Append(ctx context.Context, folder string, msg io.Reader) (model.BackendID, error) {
	done := t.start("appendMessage")
	result, err := t.Driver.Append(ctx, folder, msg)
	done(err)
	return result, err
}

// DeleteMessages implements Driver.
func (t *Timer) DeleteMessages(ctx context.Context, folder string, ids []model.BackendID) error {
	done := t.start("deleteMessages")
	err := t.Driver.DeleteMessages(ctx, folder, ids)
	done(err)
	return err
}

// MoveMessage implements Driver.
func (t *Timer) MoveMessage(ctx context.Context, id model.BackendID, from, to string) error {
	done := t.start("moveMessage")
	err := t.Driver.MoveMessage(ctx, id, from, to)
	done(err)
	return err
}

var _ Driver = (*Timer)(nil)
