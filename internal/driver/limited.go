package driver

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/time/rate"

	"github.com/nhle/kolab-storage/internal/model"
)

// Limited is a Driver decorator that waits on a rate limiter before
// every outgoing request.
type Limited struct {
	Driver

	limiter *rate.Limiter
}

// NewLimited wraps inner so that at most rps requests per second reach
// it, with bursts of up to burst requests.
func NewLimited(inner Driver, rps float64, burst int) *Limited {
	if burst < 1 {
		burst = 1
	}
	return &Limited{
		Driver:  inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (l *Limited) wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate wait canceled: %w", err)
	}
	return nil
}

// GetMailboxes implements Driver.
func (l *Limited) GetMailboxes(ctx context.Context) ([]string, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	return l.Driver.GetMailboxes(ctx)
}

// Status implements Driver.
func (l *Limited) Status(ctx context.Context, folder string) (Status, error) {
	if err := l.wait(ctx); err != nil {
		return Status{}, err
	}
	return l.Driver.Status(ctx, folder)
}

// ListUIDs implements Driver.
func (l *Limited) ListUIDs(ctx context.Context, folder string) ([]model.BackendID, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	return l.Driver.ListUIDs(ctx, folder)
}

// FetchStructure implements Driver.
func (l *Limited) FetchStructure(
	ctx context.Context,
	folder string,
	ids []model.BackendID,
) (map[model.BackendID]*Structure, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	return l.Driver.FetchStructure(ctx, folder, ids)
}

// FetchBodypart implements Driver.
func (l *Limited) FetchBodypart(
	ctx context.Context,
	folder string,
	id model.BackendID,
	partID string,
) (io.ReadCloser, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	return l.Driver.FetchBodypart(ctx, folder, id, partID)
}

// Append implements Driver.
func (l *Limited) Append(ctx context.Context, folder string, msg io.Reader) (model.BackendID, error) {
	if err := l.wait(ctx); err != nil {
		return 0, err
	}
	return l.Driver.Append(ctx, folder, msg)
}

// DeleteMessages implements Driver.
func (l *Limited) DeleteMessages(ctx context.Context, folder string, ids []model.BackendID) error {
	if err := l.wait(ctx); err != nil {
		return err
	}
	return l.Driver.DeleteMessages(ctx, folder, ids)
}

// MoveMessage implements Driver.
func (l *Limited) MoveMessage(ctx context.Context, id model.BackendID, from, to string) error {
	if err := l.wait(ctx); err != nil {
		return err
	}
	return l.Driver.MoveMessage(ctx, id, from, to)
}

var _ Driver = (*Limited)(nil)
