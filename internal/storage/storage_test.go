package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nhle/kolab-storage/internal/driver/memory"
	"github.com/nhle/kolab-storage/internal/format"
	"github.com/nhle/kolab-storage/internal/history"
	"github.com/nhle/kolab-storage/internal/model"
)

func newStorage(opts Options) (*Storage, *memory.Driver) {
	mem := memory.New("INBOX", "INBOX/Calendar", "INBOX/Notes", "INBOX/Archive")
	opts.FolderTypes = map[string]string{
		"INBOX/Calendar": format.Event,
		"INBOX/Notes":    format.Note,
		"INBOX/Archive":  format.Note,
	}
	return New(mem, opts), mem
}

func TestFolderTypes(t *testing.T) {
	s, _ := newStorage(Options{})

	cases := []struct {
		folder string
		want   string
	}{
		{"INBOX/Calendar", format.Event},
		{"INBOX/Notes", format.Note},
		{"INBOX", format.Default},
		{"unknown", format.Default},
	}
	for _, tc := range cases {
		if got := s.Data(tc.folder).Type(); got != tc.want {
			t.Errorf("Data(%q).Type() = %q, want %q", tc.folder, got, tc.want)
		}
	}

	if got := s.DataOfType("INBOX/Notes", "other").Type(); got != "other" {
		t.Errorf("DataOfType(other).Type() = %q, want other", got)
	}
}

func TestHandlesAreCached(t *testing.T) {
	s, _ := newStorage(Options{})

	if s.Data("INBOX/Notes") != s.Data("INBOX/Notes") {
		t.Error("Data() returned different handles for the same folder")
	}
	if s.Data("INBOX/Notes") == s.DataOfType("INBOX/Notes", format.Event) {
		t.Error("DataOfType() shared a handle across object types")
	}
}

func TestFolders(t *testing.T) {
	ctx := context.Background()
	s, mem := newStorage(Options{})

	got, err := s.Folders(ctx)
	if err != nil {
		t.Fatalf("Folders() error = %v", err)
	}
	want := []string{"INBOX", "INBOX/Archive", "INBOX/Calendar", "INBOX/Notes"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Folders() mismatch (-want +got):\n%s", diff)
	}

	notes, err := s.FoldersOfType(ctx, format.Note)
	if err != nil {
		t.Fatalf("FoldersOfType() error = %v", err)
	}
	if diff := cmp.Diff([]string{"INBOX/Archive", "INBOX/Notes"}, notes); diff != "" {
		t.Errorf("FoldersOfType(note) mismatch (-want +got):\n%s", diff)
	}

	boom := errors.New("not logged in")
	mem.FailOn("GetMailboxes", boom)
	if _, err := s.Folders(ctx); !model.IsBackend(err) || !errors.Is(err, boom) {
		t.Errorf("Folders() error = %v, want BackendError wrapping %v", err, boom)
	}
}

func TestDefaultFormatReadsAnyType(t *testing.T) {
	ctx := context.Background()
	s, _ := newStorage(Options{})

	if _, err := s.DataOfType("INBOX", format.Event).Create(ctx, model.Object{"uid": "ev"}, false); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	ids, err := s.Data("INBOX").ObjectIDs(ctx)
	if err != nil {
		t.Fatalf("ObjectIDs() error = %v", err)
	}
	if diff := cmp.Diff([]string{"ev"}, ids); diff != "" {
		t.Errorf("ObjectIDs() mismatch (-want +got):\n%s", diff)
	}
}

func TestMoveAcrossHandles(t *testing.T) {
	ctx := context.Background()
	s, _ := newStorage(Options{})
	src := s.Data("INBOX/Notes")
	dst := s.Data("INBOX/Archive")

	if _, err := src.Create(ctx, model.Object{"uid": "UID", "summary": "x"}, false); err != nil {
		t.Fatal(err)
	}
	if ids, _ := dst.ObjectIDs(ctx); len(ids) != 0 {
		t.Fatalf("target ObjectIDs() = %v before move", ids)
	}

	if err := src.Move(ctx, "UID", "INBOX/Archive"); err != nil {
		t.Fatalf("Move() error = %v", err)
	}
	if ok, _ := src.ObjectIDExists(ctx, "UID"); ok {
		t.Error("source still holds UID after move")
	}
	obj, err := dst.Object(ctx, "UID")
	if err != nil || obj["summary"] != "x" {
		t.Errorf("target Object() = %v, %v", obj, err)
	}
}

func TestHistoryRegistration(t *testing.T) {
	ctx := context.Background()
	log := history.NewMemoryLog()
	s, _ := newStorage(Options{Log: log})

	notes := s.Data("INBOX/Notes")
	if _, err := notes.Create(ctx, model.Object{"uid": "UID"}, false); err != nil {
		t.Fatal(err)
	}
	if err := s.Synchronize(ctx); err != nil {
		t.Fatalf("Synchronize() error = %v", err)
	}
	entries, _ := log.History(ctx, "UID")
	if len(entries) != 1 || entries[0].Action != history.ActionAdd {
		t.Errorf("history = %+v, want one add", entries)
	}

	h, err := s.History("INBOX/Notes")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if n, err := h.Reconcile(ctx); err != nil || n != 0 {
		t.Errorf("Reconcile() = %d, %v; want 0, nil", n, err)
	}

	plain, _ := newStorage(Options{})
	if _, err := plain.History("INBOX/Notes"); err == nil {
		t.Error("History() without a log error = nil, want error")
	}
}
