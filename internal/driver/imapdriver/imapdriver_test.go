package imapdriver

import (
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/google/go-cmp/cmp"

	"github.com/nhle/kolab-storage/internal/driver"
	"github.com/nhle/kolab-storage/internal/model"
)

func TestConvertStructure(t *testing.T) {
	bs := &imap.BodyStructureMultiPart{
		Subtype: "MIXED",
		Children: []imap.BodyStructure{
			&imap.BodyStructureSinglePart{
				Type:     "TEXT",
				Subtype:  "PLAIN",
				Params:   map[string]string{"charset": "utf-8"},
				Encoding: "QUOTED-PRINTABLE",
				Size:     120,
			},
			&imap.BodyStructureSinglePart{
				Type:     "APPLICATION",
				Subtype:  "X-VND.KOLAB.NOTE",
				Params:   map[string]string{"name": "kolab.xml"},
				Encoding: "BASE64",
				Size:     80,
				Extended: &imap.BodyStructureSinglePartExt{
					Disposition: &imap.BodyStructureDisposition{
						Value:  "ATTACHMENT",
						Params: map[string]string{"filename": "kolab.xml"},
					},
				},
			},
			&imap.BodyStructureMultiPart{
				Subtype: "alternative",
				Children: []imap.BodyStructure{
					&imap.BodyStructureSinglePart{Type: "image", Subtype: "png", Params: map[string]string{"name": "a.png"}},
				},
			},
		},
		Extended: &imap.BodyStructureMultiPartExt{
			Params: map[string]string{"boundary": "b1"},
		},
	}

	want := &driver.Structure{
		MediaType: "multipart/mixed",
		Params:    map[string]string{"boundary": "b1"},
		Parts: []*driver.Structure{
			{
				PartID:    "1",
				MediaType: "text/plain",
				Params:    map[string]string{"charset": "utf-8"},
				Encoding:  "quoted-printable",
				Size:      120,
			},
			{
				PartID:      "2",
				MediaType:   "application/x-vnd.kolab.note",
				Params:      map[string]string{"name": "kolab.xml"},
				Encoding:    "base64",
				Disposition: "attachment",
				Filename:    "kolab.xml",
				Size:        80,
			},
			{
				PartID:    "3",
				MediaType: "multipart/alternative",
				Params:    map[string]string{},
				Parts: []*driver.Structure{
					{PartID: "3.1", MediaType: "image/png", Params: map[string]string{"name": "a.png"}, Filename: "a.png"},
				},
			},
		},
	}

	got := convertStructure(bs, "")
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("convertStructure() mismatch (-want +got):\n%s", diff)
	}
}

func TestConvertStructureSinglePart(t *testing.T) {
	got := convertStructure(&imap.BodyStructureSinglePart{Type: "text", Subtype: "plain"}, "")
	if got.PartID != "1" {
		t.Errorf("single part PartID = %q, want %q", got.PartID, "1")
	}
	if got.Params == nil {
		t.Error("single part Params = nil, want empty map")
	}
}

func TestParsePartID(t *testing.T) {
	cases := []struct {
		in      string
		want    []int
		wantErr bool
	}{
		{"1", []int{1}, false},
		{"2.1", []int{2, 1}, false},
		{"3.2.10", []int{3, 2, 10}, false},
		{"", nil, true},
		{"0", nil, true},
		{"1..2", nil, true},
		{"a", nil, true},
	}
	for _, tc := range cases {
		got, err := parsePartID(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("parsePartID(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
			continue
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("parsePartID(%q) mismatch (-want +got):\n%s", tc.in, diff)
		}
	}
}

func TestDecodePart(t *testing.T) {
	cases := []struct {
		name   string
		header string
		body   string
		want   string
	}{
		{"base64", "Content-Type: application/x-vnd.kolab.note\r\nContent-Transfer-Encoding: base64\r\n\r\n", "PG5vdGUvPg==", "<note/>"},
		{"quoted-printable", "Content-Transfer-Encoding: quoted-printable\r\n\r\n", "a=3Db", "a=b"},
		{"no header", "", "plain", "plain"},
	}
	for _, tc := range cases {
		r, err := decodePart([]byte(tc.header), []byte(tc.body))
		if err != nil {
			t.Errorf("%s: decodePart() error = %v", tc.name, err)
			continue
		}
		got, err := io.ReadAll(r)
		if err != nil {
			t.Errorf("%s: reading part: %v", tc.name, err)
			continue
		}
		if string(got) != tc.want {
			t.Errorf("%s: decodePart() = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestForeignDeleted(t *testing.T) {
	cases := []struct {
		name    string
		flagged []imap.UID
		ids     []model.BackendID
		want    []imap.UID
	}{
		{"only ours", []imap.UID{3, 5}, []model.BackendID{3, 5}, nil},
		{"nothing flagged", nil, []model.BackendID{3}, nil},
		{"another client's", []imap.UID{2, 3, 9}, []model.BackendID{3}, []imap.UID{2, 9}},
	}
	for _, tc := range cases {
		got := foreignDeleted(tc.flagged, tc.ids)
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("%s: foreignDeleted() mismatch (-want +got):\n%s", tc.name, diff)
		}
	}
}

func TestConnectionFailed(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"tagged NO", fmt.Errorf("selecting x: %w", &imap.Error{Type: imap.StatusResponseTypeNo}), false},
		{"missing message", fmt.Errorf("message 4 not found: %w", errNoMessage), false},
		{"eof", io.ErrUnexpectedEOF, true},
		{"closed", net.ErrClosed, true},
	}
	for _, tc := range cases {
		if got := connectionFailed(tc.err); got != tc.want {
			t.Errorf("%s: connectionFailed() = %v, want %v", tc.name, got, tc.want)
		}
	}
}
