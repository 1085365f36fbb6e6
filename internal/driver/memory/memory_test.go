package memory

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nhle/kolab-storage/internal/model"
)

const multipartMessage = "Subject: test\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=XX\r\n" +
	"\r\n" +
	"--XX\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"explanation\r\n" +
	"--XX\r\n" +
	"Content-Type: application/x-vnd.kolab.note; name=kolab.xml\r\n" +
	"Content-Disposition: attachment; filename=kolab.xml\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"PG5vdGU+PHVpZD4xPC91aWQ+PC9ub3RlPg==\r\n" +
	"--XX--\r\n"

func TestAppendListStatus(t *testing.T) {
	ctx := context.Background()
	d := New("INBOX/Notes")

	for i := 0; i < 3; i++ {
		if _, err := d.Append(ctx, "INBOX/Notes", strings.NewReader("Subject: x\r\n\r\nbody\r\n")); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	if err := d.DeleteMessages(ctx, "INBOX/Notes", []model.BackendID{2}); err != nil {
		t.Fatalf("DeleteMessages() error = %v", err)
	}

	ids, err := d.ListUIDs(ctx, "INBOX/Notes")
	if err != nil {
		t.Fatalf("ListUIDs() error = %v", err)
	}
	if diff := cmp.Diff([]model.BackendID{1, 3}, ids); diff != "" {
		t.Errorf("ListUIDs() mismatch (-want +got):\n%s", diff)
	}

	st, err := d.Status(ctx, "INBOX/Notes")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.UIDNext != 4 {
		t.Errorf("Status().UIDNext = %d, want 4", st.UIDNext)
	}

	if _, err := d.Status(ctx, "missing"); err == nil {
		t.Error("Status(missing) error = nil, want error")
	}
}

func TestCompactRenumbers(t *testing.T) {
	ctx := context.Background()
	d := New("INBOX")
	for i := 0; i < 4; i++ {
		d.Append(ctx, "INBOX", strings.NewReader("Subject: x\r\n\r\nbody\r\n"))
	}
	d.DeleteMessages(ctx, "INBOX", []model.BackendID{1, 2})
	before, _ := d.Status(ctx, "INBOX")

	if err := d.Compact("INBOX"); err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	after, _ := d.Status(ctx, "INBOX")
	ids, _ := d.ListUIDs(ctx, "INBOX")

	if after.UIDValidity == before.UIDValidity {
		t.Error("Compact() kept the UID validity")
	}
	if after.UIDNext != 3 {
		t.Errorf("UIDNext after Compact() = %d, want 3", after.UIDNext)
	}
	if diff := cmp.Diff([]model.BackendID{1, 2}, ids); diff != "" {
		t.Errorf("ListUIDs() after Compact() mismatch (-want +got):\n%s", diff)
	}
}

func TestStructureAndBodypart(t *testing.T) {
	ctx := context.Background()
	d := New()
	id, err := d.Append(ctx, "INBOX/Notes", strings.NewReader(multipartMessage))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	structs, err := d.FetchStructure(ctx, "INBOX/Notes", []model.BackendID{id, 99})
	if err != nil {
		t.Fatalf("FetchStructure() error = %v", err)
	}
	if len(structs) != 1 {
		t.Fatalf("FetchStructure() returned %d entries, want 1", len(structs))
	}
	root := structs[id]
	if !root.IsMultipart() || len(root.Parts) != 2 {
		t.Fatalf("root = %+v, want multipart with two parts", root)
	}
	if root.Subject != "test" {
		t.Errorf("root.Subject = %q, want test", root.Subject)
	}
	kolab := root.Parts[1]
	if kolab.PartID != "2" || kolab.MediaType != "application/x-vnd.kolab.note" || kolab.Filename != "kolab.xml" {
		t.Errorf("part 2 = %+v", kolab)
	}

	rc, err := d.FetchBodypart(ctx, "INBOX/Notes", id, "2")
	if err != nil {
		t.Fatalf("FetchBodypart() error = %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if string(body) != "<note><uid>1</uid></note>" {
		t.Errorf("FetchBodypart() = %q, want decoded payload", body)
	}

	if _, err := d.FetchBodypart(ctx, "INBOX/Notes", id, "7"); err == nil {
		t.Error("FetchBodypart(unknown part) error = nil, want error")
	}
}

func TestSinglePartIsPartOne(t *testing.T) {
	ctx := context.Background()
	d := New()
	id, _ := d.Append(ctx, "INBOX", strings.NewReader("Content-Type: text/plain\r\n\r\nhello"))

	structs, err := d.FetchStructure(ctx, "INBOX", []model.BackendID{id})
	if err != nil {
		t.Fatalf("FetchStructure() error = %v", err)
	}
	if got := structs[id].PartID; got != "1" {
		t.Errorf("PartID = %q, want 1", got)
	}
}

func TestMoveMessage(t *testing.T) {
	ctx := context.Background()
	d := New("INBOX")
	id, _ := d.Append(ctx, "INBOX", strings.NewReader("Subject: x\r\n\r\nbody\r\n"))

	if err := d.MoveMessage(ctx, id, "INBOX", "Archive"); err != nil {
		t.Fatalf("MoveMessage() error = %v", err)
	}
	src, _ := d.ListUIDs(ctx, "INBOX")
	dst, _ := d.ListUIDs(ctx, "Archive")
	if len(src) != 0 || len(dst) != 1 {
		t.Errorf("after move: INBOX=%v Archive=%v", src, dst)
	}

	if err := d.MoveMessage(ctx, 42, "INBOX", "Archive"); err == nil {
		t.Error("MoveMessage(unknown id) error = nil, want error")
	}

	names, _ := d.GetMailboxes(ctx)
	if diff := cmp.Diff([]string{"Archive", "INBOX"}, names); diff != "" {
		t.Errorf("GetMailboxes() mismatch (-want +got):\n%s", diff)
	}
}

func TestFailOnAndCalls(t *testing.T) {
	ctx := context.Background()
	d := New("INBOX")
	boom := errors.New("boom")

	d.FailOn("ListUIDs", boom)
	if _, err := d.ListUIDs(ctx, "INBOX"); !errors.Is(err, boom) {
		t.Errorf("ListUIDs() error = %v, want %v", err, boom)
	}
	d.FailOn("ListUIDs", nil)
	if _, err := d.ListUIDs(ctx, "INBOX"); err != nil {
		t.Errorf("ListUIDs() after clearing error = %v", err)
	}
	if got := d.Calls("ListUIDs"); got != 2 {
		t.Errorf("Calls(ListUIDs) = %d, want 2", got)
	}
}
