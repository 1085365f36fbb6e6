// Package structure turns the MIME structure of a stored message into a
// groupware object. It decides which part holds the Kolab payload and
// which parts are attachments.
package structure

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/nhle/kolab-storage/internal/driver"
	"github.com/nhle/kolab-storage/internal/format"
	"github.com/nhle/kolab-storage/internal/model"
)

// ReasonNoPayload is the MalformedObjectError reason used when no part
// of a message carries a recognized payload.
const ReasonNoPayload = "unable to identify kolab mime part"

// Locate returns the first leaf part of st whose media type f accepts.
func Locate(st *driver.Structure, f format.Format) (*driver.Structure, bool) {
	var found *driver.Structure
	st.Walk(func(p *driver.Structure) bool {
		if found != nil {
			return false
		}
		if !p.IsMultipart() && f.Accepts(p.MediaType) {
			found = p
			return false
		}
		return true
	})
	return found, found != nil
}

// Attachments lists the leaf parts of st other than the payload part
// that carry a file name or an attachment disposition.
func Attachments(
	folder string,
	id model.BackendID,
	st *driver.Structure,
	payloadPartID string,
) []model.AttachmentDescriptor {
	var result []model.AttachmentDescriptor
	st.Walk(func(p *driver.Structure) bool {
		if p.IsMultipart() || p.PartID == payloadPartID {
			return true
		}
		if p.Filename == "" && p.Disposition != "attachment" {
			return true
		}
		result = append(result, model.AttachmentDescriptor{
			Folder:    folder,
			BackendID: id,
			PartID:    p.PartID,
			Name:      p.Filename,
			Type:      p.MediaType,
			Size:      p.Size,
		})
		return true
	})
	return result
}

// Options controls what Resolve returns besides the parsed fields.
type Options struct {
	// Raw returns the uid and the payload bytes under model.FieldContent
	// instead of the decoded fields.
	Raw bool

	// Attachments adds the message's attachment descriptors under
	// model.FieldAttachments.
	Attachments bool
}

// Resolver reads objects of one format through a Driver.
type Resolver struct {
	driver driver.Driver
	format format.Format
}

// NewResolver creates a Resolver.
func NewResolver(d driver.Driver, f format.Format) *Resolver {
	return &Resolver{driver: d, format: f}
}

// Format returns the object format the resolver recognizes.
func (r *Resolver) Format() format.Format {
	return r.format
}

// Identify returns the uid of the object stored in message id. The
// uid is read from the message subject; messages without one have their
// payload fetched and decoded. A message without a recognized payload
// part yields a *model.MalformedObjectError.
func (r *Resolver) Identify(
	ctx context.Context,
	folder string,
	id model.BackendID,
	st *driver.Structure,
) (string, error) {
	part, err := r.locate(folder, id, st)
	if err != nil {
		return "", err
	}
	if st.Subject != "" {
		return st.Subject, nil
	}
	payload, err := r.payload(ctx, folder, id, part)
	if err != nil {
		return "", err
	}
	obj, err := r.decode(folder, id, payload)
	if err != nil {
		return "", err
	}
	return obj.UID(), nil
}

// Resolve fetches the payload part of message id and decodes it. It
// returns a *model.MalformedObjectError when no part is recognized or
// the payload cannot be decoded, and a *model.BackendError when the
// part cannot be fetched.
//
// In raw mode the payload is returned undecoded under
// model.FieldContent, next to the uid from the message subject.
func (r *Resolver) Resolve(
	ctx context.Context,
	folder string,
	id model.BackendID,
	st *driver.Structure,
	opts Options,
) (model.Object, error) {
	part, err := r.locate(folder, id, st)
	if err != nil {
		return nil, err
	}
	payload, err := r.payload(ctx, folder, id, part)
	if err != nil {
		return nil, err
	}

	var obj model.Object
	if opts.Raw {
		uid := st.Subject
		if uid == "" {
			decoded, err := r.decode(folder, id, payload)
			if err != nil {
				return nil, err
			}
			uid = decoded.UID()
		}
		obj = model.Object{
			model.FieldUID:     uid,
			model.FieldContent: bytes.NewReader(payload),
		}
	} else {
		obj, err = r.decode(folder, id, payload)
		if err != nil {
			return nil, err
		}
	}
	if opts.Attachments {
		obj[model.FieldAttachments] = Attachments(folder, id, st, part.PartID)
	}
	return obj, nil
}

func (r *Resolver) locate(folder string, id model.BackendID, st *driver.Structure) (*driver.Structure, error) {
	if st == nil {
		return nil, &model.MalformedObjectError{Folder: folder, BackendID: id, Reason: "missing structure"}
	}
	part, ok := Locate(st, r.format)
	if !ok {
		return nil, &model.MalformedObjectError{Folder: folder, BackendID: id, Reason: ReasonNoPayload}
	}
	return part, nil
}

func (r *Resolver) payload(
	ctx context.Context,
	folder string,
	id model.BackendID,
	part *driver.Structure,
) ([]byte, error) {
	rc, err := r.driver.FetchBodypart(ctx, folder, id, part.PartID)
	if err != nil {
		return nil, &model.BackendError{Op: "fetch bodypart", Folder: folder, Err: err}
	}
	defer rc.Close()
	payload, err := io.ReadAll(rc)
	if err != nil {
		return nil, &model.BackendError{Op: "fetch bodypart", Folder: folder, Err: err}
	}
	return payload, nil
}

func (r *Resolver) decode(folder string, id model.BackendID, payload []byte) (model.Object, error) {
	obj, err := r.format.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, &model.MalformedObjectError{
			Folder:    folder,
			BackendID: id,
			Reason:    fmt.Sprintf("%s: %v", ReasonNoPayload, err),
		}
	}
	return obj, nil
}

// FetchPart returns one MIME part of a message, passing backend errors
// through unchanged.
func (r *Resolver) FetchPart(
	ctx context.Context,
	folder string,
	id model.BackendID,
	partID string,
) (io.ReadCloser, error) {
	return r.driver.FetchBodypart(ctx, folder, id, partID)
}
