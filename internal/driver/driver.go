// Package driver defines the narrow contract this module needs from a
// mailbox backend, and decorators that wrap any implementation of it.
package driver

import (
	"context"
	"io"
	"strings"

	"github.com/nhle/kolab-storage/internal/model"
)

// Status is the lightweight folder state returned by a STATUS call.
type Status struct {
	UIDValidity uint32
	UIDNext     uint32
}

// Structure is one node of a message's MIME tree as reported by the
// backend. PartID follows IMAP section numbering ("1", "2", "2.1"); the
// root of a multipart message has an empty PartID.
type Structure struct {
	// Subject is the decoded Subject header of the message. Only the
	// root node carries it.
	Subject string

	PartID      string
	MediaType   string // lower case "type/subtype"
	Params      map[string]string
	Encoding    string
	Disposition string
	Filename    string
	Size        int64
	Parts       []*Structure
}

// IsMultipart reports whether the node is a multipart container.
func (s *Structure) IsMultipart() bool {
	return strings.HasPrefix(s.MediaType, "multipart/")
}

// Walk visits s and its descendants depth first, in part order. It stops
// descending into a node when fn returns false.
func (s *Structure) Walk(fn func(part *Structure) bool) {
	if !fn(s) {
		return
	}
	for _, p := range s.Parts {
		p.Walk(fn)
	}
}

// Driver is the capability a mailbox backend must provide. All calls are
// synchronous and may block on network I/O; implementations own
// timeouts and retries.
type Driver interface {
	// GetMailboxes lists all folder names visible to the session.
	GetMailboxes(ctx context.Context) ([]string, error)

	// Status returns the folder's UID validity and next UID.
	Status(ctx context.Context, folder string) (Status, error)

	// ListUIDs returns the backend ids in the folder, ascending.
	ListUIDs(ctx context.Context, folder string) ([]model.BackendID, error)

	// FetchStructure returns the MIME structure of each requested
	// message, keyed by backend id.
	FetchStructure(
		ctx context.Context,
		folder string,
		ids []model.BackendID,
	) (map[model.BackendID]*Structure, error)

	// FetchBodypart returns one MIME part of a message with its
	// content-transfer-encoding removed.
	FetchBodypart(
		ctx context.Context,
		folder string,
		id model.BackendID,
		partID string,
	) (io.ReadCloser, error)

	// Append stores a complete RFC 5322 message and returns its
	// backend id.
	Append(ctx context.Context, folder string, msg io.Reader) (model.BackendID, error)

	// DeleteMessages removes the messages from the folder.
	DeleteMessages(ctx context.Context, folder string, ids []model.BackendID) error

	// MoveMessage moves one message between folders.
	MoveMessage(ctx context.Context, id model.BackendID, from, to string) error
}
