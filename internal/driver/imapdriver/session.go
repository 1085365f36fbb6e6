package imapdriver

import (
	"context"
	"errors"
	"sync"
)

// session keeps one authenticated connection open between calls and
// remembers which folder it has selected. Calls are serialized.
//
// A connection is dropped when its call is canceled or when an error
// reports that the connection itself failed; the next call dials again.
type session[C any] struct {
	dial         func(ctx context.Context) (C, error)
	close        func(C)
	selectFolder func(C, string) error
	broken       func(error) bool

	mu       sync.Mutex
	conn     C
	open     bool
	selected string
}

// with runs fn on the open connection, selecting folder first unless it
// is empty or already selected.
func (s *session[C]) with(ctx context.Context, folder string, fn func(C) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		conn, err := s.dial(ctx)
		if err != nil {
			return err
		}
		s.conn, s.open, s.selected = conn, true, ""
	}

	conn := s.conn
	stop := context.AfterFunc(ctx, func() { s.close(conn) })
	err := s.run(conn, folder, fn)
	if !stop() {
		// Already closed by the cancellation.
		s.drop()
		if err != nil {
			return errors.Join(ctx.Err(), err)
		}
		return nil
	}
	if err != nil && s.broken(err) {
		s.close(conn)
		s.drop()
	}
	return err
}

func (s *session[C]) run(conn C, folder string, fn func(C) error) error {
	if folder != "" && folder != s.selected {
		// A failed SELECT leaves no mailbox selected.
		s.selected = ""
		if err := s.selectFolder(conn, folder); err != nil {
			return err
		}
		s.selected = folder
	}
	return fn(conn)
}

func (s *session[C]) drop() {
	var zero C
	s.conn, s.open, s.selected = zero, false, ""
}

// shutdown hands the open connection, if any, to fn and forgets it.
func (s *session[C]) shutdown(fn func(C)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		fn(s.conn)
		s.drop()
	}
}
