// Package format converts groupware objects to and from the Kolab XML
// payload stored inside mailbox messages.
package format

import (
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/nhle/kolab-storage/internal/model"
)

// Object types with a dedicated format.
const (
	Event   = "event"
	Contact = "contact"
	Note    = "note"
	Task    = "task"

	// Default names the fallback format used for unknown types.
	Default = "default"
)

// mimePrefix starts the content type of every Kolab payload part.
const mimePrefix = "application/x-vnd.kolab."

// Format is the per-object-type capability used to recognize, decode and
// encode the Kolab payload of a message.
type Format interface {
	// Type returns the object type name, e.g. "event".
	Type() string

	// MIMEType returns the content type written for new payload parts.
	MIMEType() string

	// Accepts reports whether a MIME part of the given media type holds
	// a payload this format can decode.
	Accepts(mediaType string) bool

	// Decode parses a payload. The result always carries a uid.
	Decode(r io.Reader) (model.Object, error)

	// Encode serializes obj into a payload.
	Encode(obj model.Object) ([]byte, error)
}

// ForType returns the format for the named object type. Unknown names
// get a lenient format that keeps the name but reads any Kolab payload.
func ForType(name string) Format {
	switch name {
	case Event, Contact, Note, Task:
		return &kolabFormat{typ: name}
	case "":
		return &kolabFormat{typ: Default, lenient: true}
	default:
		return &kolabFormat{typ: name, lenient: true}
	}
}

// kolabFormat implements Format for Kolab XML (format version 2).
type kolabFormat struct {
	typ     string
	lenient bool
}

func (f *kolabFormat) Type() string { return f.typ }

func (f *kolabFormat) MIMEType() string { return mimePrefix + f.typ }

func (f *kolabFormat) Accepts(mediaType string) bool {
	mediaType = strings.ToLower(mediaType)
	if f.lenient {
		return strings.HasPrefix(mediaType, mimePrefix)
	}
	return mediaType == f.MIMEType()
}

func (f *kolabFormat) Decode(r io.Reader) (model.Object, error) {
	root, obj, err := decodeXML(r)
	if err != nil {
		return nil, err
	}
	if !f.lenient && root != f.typ {
		return nil, fmt.Errorf("unexpected root element <%s>, want <%s>", root, f.typ)
	}
	if obj.UID() == "" {
		return nil, fmt.Errorf("<%s> payload has no uid", root)
	}
	return obj, nil
}

func (f *kolabFormat) Encode(obj model.Object) ([]byte, error) {
	return encodeXML(f.typ, obj)
}

// DeriveUID returns a stable uid for an object that was created without
// one, computed from its encoded payload.
func DeriveUID(objectType string, payload []byte) string {
	name := append([]byte("kolab:"+objectType+":"), payload...)
	return uuid.NewSHA1(uuid.NameSpaceURL, name).String()
}
