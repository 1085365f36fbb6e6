package imapdriver

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/google/go-cmp/cmp"
)

// fakeConn stands in for an IMAP client.
type fakeConn struct {
	id      int
	closed  bool
	gone    chan struct{}
	once    sync.Once
	selects []string
}

type fakeDialer struct {
	dials   int
	dialErr error
	conns   []*fakeConn
}

func (f *fakeDialer) session() *session[*fakeConn] {
	return &session[*fakeConn]{
		dial: func(context.Context) (*fakeConn, error) {
			f.dials++
			if f.dialErr != nil {
				return nil, f.dialErr
			}
			c := &fakeConn{id: f.dials, gone: make(chan struct{})}
			f.conns = append(f.conns, c)
			return c, nil
		},
		close: func(c *fakeConn) {
			c.once.Do(func() {
				c.closed = true
				close(c.gone)
			})
		},
		selectFolder: func(c *fakeConn, folder string) error {
			c.selects = append(c.selects, folder)
			if folder == "missing" {
				return &imap.Error{Type: imap.StatusResponseTypeNo, Text: "no such mailbox"}
			}
			return nil
		},
		broken: connectionFailed,
	}
}

func noop(*fakeConn) error { return nil }

func TestSessionReusesConnection(t *testing.T) {
	ctx := context.Background()
	f := &fakeDialer{}
	s := f.session()

	for _, folder := range []string{"INBOX/Notes", "INBOX/Notes", "", "INBOX/Calendar", "INBOX/Calendar"} {
		if err := s.with(ctx, folder, noop); err != nil {
			t.Fatalf("with(%q) error = %v", folder, err)
		}
	}
	if f.dials != 1 {
		t.Errorf("dials = %d, want 1", f.dials)
	}
	want := []string{"INBOX/Notes", "INBOX/Calendar"}
	if diff := cmp.Diff(want, f.conns[0].selects); diff != "" {
		t.Errorf("selects mismatch (-want +got):\n%s", diff)
	}
}

func TestSessionKeepsConnectionOnCommandError(t *testing.T) {
	ctx := context.Background()
	f := &fakeDialer{}
	s := f.session()

	cmdErr := &imap.Error{Type: imap.StatusResponseTypeNo, Text: "quota exceeded"}
	err := s.with(ctx, "INBOX", func(*fakeConn) error { return cmdErr })
	if !errors.Is(err, cmdErr) {
		t.Fatalf("with() error = %v, want %v", err, cmdErr)
	}
	if err := s.with(ctx, "missing", noop); err == nil {
		t.Fatal("with(missing) error = nil, want select failure")
	}
	if err := s.with(ctx, "INBOX", noop); err != nil {
		t.Fatalf("with() error = %v", err)
	}

	if f.dials != 1 {
		t.Errorf("dials = %d, want 1", f.dials)
	}
	if f.conns[0].closed {
		t.Error("connection closed after a command error")
	}
	want := []string{"INBOX", "missing", "INBOX"}
	if diff := cmp.Diff(want, f.conns[0].selects); diff != "" {
		t.Errorf("selects mismatch (-want +got):\n%s", diff)
	}
}

func TestSessionRedialsAfterBrokenConnection(t *testing.T) {
	ctx := context.Background()
	f := &fakeDialer{}
	s := f.session()

	err := s.with(ctx, "INBOX", func(*fakeConn) error { return io.ErrUnexpectedEOF })
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("with() error = %v, want %v", err, io.ErrUnexpectedEOF)
	}
	if !f.conns[0].closed {
		t.Error("broken connection not closed")
	}

	var used *fakeConn
	if err := s.with(ctx, "INBOX", func(c *fakeConn) error { used = c; return nil }); err != nil {
		t.Fatalf("with() error = %v", err)
	}
	if f.dials != 2 || used != f.conns[1] {
		t.Errorf("dials = %d, used conn %d; want a second connection", f.dials, used.id)
	}
	if diff := cmp.Diff([]string{"INBOX"}, f.conns[1].selects); diff != "" {
		t.Errorf("new connection selects mismatch (-want +got):\n%s", diff)
	}
}

func TestSessionDialFailure(t *testing.T) {
	ctx := context.Background()
	f := &fakeDialer{dialErr: errors.New("connection refused")}
	s := f.session()

	if err := s.with(ctx, "INBOX", noop); !errors.Is(err, f.dialErr) {
		t.Fatalf("with() error = %v, want %v", err, f.dialErr)
	}
	f.dialErr = nil
	if err := s.with(ctx, "INBOX", noop); err != nil {
		t.Fatalf("with() after recovery error = %v", err)
	}
	if f.dials != 2 {
		t.Errorf("dials = %d, want 2", f.dials)
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if err := s.with(canceled, "INBOX", noop); !errors.Is(err, context.Canceled) {
		t.Errorf("with(canceled) error = %v, want %v", err, context.Canceled)
	}
	if f.dials != 2 {
		t.Errorf("dials after canceled call = %d, want 2", f.dials)
	}
}

func TestSessionCancelDropsConnection(t *testing.T) {
	f := &fakeDialer{}
	s := f.session()

	ctx, cancel := context.WithCancel(context.Background())
	err := s.with(ctx, "INBOX", func(c *fakeConn) error {
		cancel()
		// The close runs on its own goroutine; a real client fails the
		// pending command once its connection is gone.
		<-c.gone
		return io.ErrUnexpectedEOF
	})
	if !errors.Is(err, context.Canceled) || !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("with() error = %v, want cancellation and the command error", err)
	}

	if err := s.with(context.Background(), "INBOX", noop); err != nil {
		t.Fatalf("with() error = %v", err)
	}
	if f.dials != 2 {
		t.Errorf("dials = %d, want 2", f.dials)
	}
}

func TestSessionShutdown(t *testing.T) {
	f := &fakeDialer{}
	s := f.session()

	calls := 0
	s.shutdown(func(*fakeConn) { calls++ })
	if calls != 0 {
		t.Errorf("shutdown without connection called fn %d times", calls)
	}

	if err := s.with(context.Background(), "INBOX", noop); err != nil {
		t.Fatalf("with() error = %v", err)
	}
	s.shutdown(func(c *fakeConn) { calls++; c.closed = true })
	if calls != 1 || !f.conns[0].closed {
		t.Errorf("shutdown calls = %d, closed = %v; want 1, true", calls, f.conns[0].closed)
	}
	if err := s.with(context.Background(), "INBOX", noop); err != nil {
		t.Fatalf("with() after shutdown error = %v", err)
	}
	if f.dials != 2 {
		t.Errorf("dials = %d, want 2", f.dials)
	}
}
