package stamp

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nhle/kolab-storage/internal/model"
)

func ids(v ...model.BackendID) []model.BackendID { return v }

func TestIsReset(t *testing.T) {
	a := New(1, 4, ids(1, 2, 3))
	b := New(2, 4, ids(1, 2, 3))

	if !a.IsReset(b) {
		t.Error("IsReset() = false for changed validity, want true")
	}
	if a.IsReset(New(1, 5, ids(1, 2, 3, 4))) {
		t.Error("IsReset() = true for same validity, want false")
	}
	if a.Supersedes(b) || b.Supersedes(a) {
		t.Error("Supersedes() = true across a reset, want false")
	}
}

func TestSupersedes(t *testing.T) {
	cases := []struct {
		name  string
		older *Stamp
		newer *Stamp
		want  bool
	}{
		{"identical", New(7, 4, ids(1, 2, 3)), New(7, 4, ids(1, 2, 3)), true},
		{"appended", New(7, 4, ids(1, 2, 3)), New(7, 6, ids(1, 2, 3, 5)), true},
		{"removed", New(7, 4, ids(1, 2, 3)), New(7, 4, ids(1, 3)), false},
		{"replaced", New(7, 4, ids(1, 2, 3)), New(7, 5, ids(1, 3, 4)), false},
	}
	for _, tc := range cases {
		if got := tc.newer.Supersedes(tc.older); got != tc.want {
			t.Errorf("%s: Supersedes() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestOnlyAppended(t *testing.T) {
	base := New(3, 4, ids(1, 2, 3))
	cases := []struct {
		newer *Stamp
		want  bool
	}{
		{New(3, 4, ids(1, 2, 3)), true},
		{New(3, 6, ids(1, 2, 3, 4, 5)), true},
		{New(3, 6, ids(1, 3, 4, 5)), false},
		{New(3, 4, ids(1, 2)), false},
		{New(4, 6, ids(1, 2, 3, 4, 5)), false},
	}
	for _, tc := range cases {
		if got := base.OnlyAppended(tc.newer); got != tc.want {
			t.Errorf("OnlyAppended(%v) = %v, want %v", tc.newer.UIDs, got, tc.want)
		}
	}
}

func TestDiff(t *testing.T) {
	older := New(1, 9, ids(1, 3, 5, 8))
	newer := New(1, 12, ids(3, 4, 8, 10, 11))

	added, removed := older.Diff(newer)
	if diff := cmp.Diff(ids(4, 10, 11), added); diff != "" {
		t.Errorf("added mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(ids(1, 5), removed); diff != "" {
		t.Errorf("removed mismatch (-want +got):\n%s", diff)
	}
}

func TestEqualAndContains(t *testing.T) {
	a := New(1, 4, ids(3, 1, 2))
	if diff := cmp.Diff(ids(1, 2, 3), a.UIDs); diff != "" {
		t.Errorf("New() did not sort ids (-want +got):\n%s", diff)
	}
	if !a.Equal(New(1, 4, ids(1, 2, 3))) {
		t.Error("Equal() = false, want true")
	}
	if a.Equal(New(1, 5, ids(1, 2, 3))) {
		t.Error("Equal() = true for different uidnext, want false")
	}
	if !a.Contains(2) || a.Contains(4) {
		t.Error("Contains() wrong")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	in := &Stamp{UIDValidity: 12346789, UIDNext: 5, UIDs: ids(4, 9, 4000000000)}

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	const want = `{"uidvalidity":12346789,"uidnext":5,"uids":[4,9,4000000000]}`
	if string(data) != want {
		t.Errorf("json.Marshal() = %s, want %s", data, want)
	}

	out, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	if _, err := Parse([]byte("{")); err == nil {
		t.Error("Parse() of truncated input error = nil")
	}
}
