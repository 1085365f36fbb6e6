package model

import (
	"sort"
	"strconv"
)

// Well-known object field names.
const (
	// FieldUID holds the logical object identifier.
	FieldUID = "uid"

	// FieldContent holds the raw Kolab payload when an object is
	// created or fetched in raw mode.
	FieldContent = "content"

	// FieldAttachments holds the []AttachmentDescriptor resolved for an
	// object when attachment fetching was requested.
	FieldAttachments = "_attachments"
)

// BackendID is the identifier the mailbox backend assigns to a stored
// message. It is only meaningful together with the folder's UID validity.
type BackendID uint32

// String returns the decimal form used in logs and error messages.
func (id BackendID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// SortBackendIDs sorts ids in ascending backend order.
func SortBackendIDs(ids []BackendID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

// Object is a groupware record (event, contact, note, task) as a mapping
// of field name to value. Values are strings, nested map[string]any
// records, or []any for repeated fields.
type Object map[string]any

// UID returns the logical identifier of the object, or "" if none is set.
func (o Object) UID() string {
	uid, _ := o[FieldUID].(string)
	return uid
}

// Clone returns a shallow copy of the object.
func (o Object) Clone() Object {
	c := make(Object, len(o))
	for k, v := range o {
		c[k] = v
	}
	return c
}

// Attachments returns the attachment descriptors stored on the object.
func (o Object) Attachments() []AttachmentDescriptor {
	a, _ := o[FieldAttachments].([]AttachmentDescriptor)
	return a
}

// AttachmentDescriptor references a MIME part of a stored message. The
// part content is fetched on demand.
type AttachmentDescriptor struct {
	Folder    string
	BackendID BackendID
	PartID    string
	Name      string
	Type      string
	Size      int64
}
