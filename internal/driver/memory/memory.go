// Package memory provides a Driver that keeps folders and messages in
// process memory. It backs the test suites and the "memory" driver kind.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	gosync "sync"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/nhle/kolab-storage/internal/driver"
	"github.com/nhle/kolab-storage/internal/model"
)

// mailbox holds the messages of one folder in ascending uid order.
type mailbox struct {
	validity uint32
	next     model.BackendID
	msgs     []stored
}

type stored struct {
	id  model.BackendID
	raw []byte
}

// Driver is an in-memory implementation of driver.Driver. Folders are
// created on first append or move into them.
type Driver struct {
	mu           gosync.Mutex
	folders      map[string]*mailbox
	lastValidity uint32
	failures     map[string]error
	calls        map[string]int
}

// New creates a driver with the given empty folders.
func New(folders ...string) *Driver {
	d := &Driver{
		folders:      make(map[string]*mailbox),
		lastValidity: 1000,
		failures:     make(map[string]error),
		calls:        make(map[string]int),
	}
	for _, f := range folders {
		d.mailbox(f)
	}
	return d
}

// mailbox returns the named folder, creating it if needed. Callers hold mu.
func (d *Driver) mailbox(name string) *mailbox {
	mb, ok := d.folders[name]
	if !ok {
		d.lastValidity++
		mb = &mailbox{validity: d.lastValidity, next: 1}
		d.folders[name] = mb
	}
	return mb
}

// existing returns the named folder or an error. Callers hold mu.
func (d *Driver) existing(name string) (*mailbox, error) {
	mb, ok := d.folders[name]
	if !ok {
		return nil, fmt.Errorf("mailbox %q does not exist", name)
	}
	return mb, nil
}

// enter records a call and returns any failure injected for op. Callers
// hold mu.
func (d *Driver) enter(op string) error {
	d.calls[op]++
	return d.failures[op]
}

// FailOn makes every later call of op fail with err; a nil err clears it.
// Operation names match the Driver method names.
func (d *Driver) FailOn(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failures, op)
		return
	}
	d.failures[op] = err
}

// Calls returns how often op was invoked.
func (d *Driver) Calls(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

// Compact renumbers the folder's messages from 1 and assigns a new UID
// validity, as a server does after rebuilding a mailbox.
func (d *Driver) Compact(folder string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	mb, err := d.existing(folder)
	if err != nil {
		return err
	}
	d.lastValidity++
	mb.validity = d.lastValidity
	for i := range mb.msgs {
		mb.msgs[i].id = model.BackendID(i + 1)
	}
	mb.next = model.BackendID(len(mb.msgs) + 1)
	return nil
}

// GetMailboxes implements driver.Driver.
func (d *Driver) GetMailboxes(_ context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("GetMailboxes"); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(d.folders))
	for name := range d.folders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Status implements driver.Driver.
func (d *Driver) Status(_ context.Context, folder string) (driver.Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("Status"); err != nil {
		return driver.Status{}, err
	}

	mb, err := d.existing(folder)
	if err != nil {
		return driver.Status{}, err
	}
	return driver.Status{UIDValidity: mb.validity, UIDNext: uint32(mb.next)}, nil
}

// ListUIDs implements driver.Driver.
func (d *Driver) ListUIDs(_ context.Context, folder string) ([]model.BackendID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("ListUIDs"); err != nil {
		return nil, err
	}

	mb, err := d.existing(folder)
	if err != nil {
		return nil, err
	}
	ids := make([]model.BackendID, 0, len(mb.msgs))
	for _, m := range mb.msgs {
		ids = append(ids, m.id)
	}
	return ids, nil
}

// lookup returns the raw message with the given id. Callers hold mu.
func (mb *mailbox) lookup(id model.BackendID) ([]byte, bool) {
	for _, m := range mb.msgs {
		if m.id == id {
			return m.raw, true
		}
	}
	return nil, false
}

// FetchStructure implements driver.Driver. Unknown ids are left out of
// the result, as an IMAP server does.
func (d *Driver) FetchStructure(
	_ context.Context,
	folder string,
	ids []model.BackendID,
) (map[model.BackendID]*driver.Structure, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("FetchStructure"); err != nil {
		return nil, err
	}

	mb, err := d.existing(folder)
	if err != nil {
		return nil, err
	}

	result := make(map[model.BackendID]*driver.Structure, len(ids))
	for _, id := range ids {
		raw, ok := mb.lookup(id)
		if !ok {
			continue
		}
		st, _, err := parseMessage(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing message %s: %w", id, err)
		}
		result[id] = st
	}
	return result, nil
}

// FetchBodypart implements driver.Driver.
func (d *Driver) FetchBodypart(
	_ context.Context,
	folder string,
	id model.BackendID,
	partID string,
) (io.ReadCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("FetchBodypart"); err != nil {
		return nil, err
	}

	mb, err := d.existing(folder)
	if err != nil {
		return nil, err
	}
	raw, ok := mb.lookup(id)
	if !ok {
		return nil, fmt.Errorf("message %s not found in %q", id, folder)
	}
	_, parts, err := parseMessage(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing message %s: %w", id, err)
	}
	body, ok := parts[partID]
	if !ok {
		return nil, fmt.Errorf("message %s has no part %q", id, partID)
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

// Append implements driver.Driver.
func (d *Driver) Append(_ context.Context, folder string, msg io.Reader) (model.BackendID, error) {
	raw, err := io.ReadAll(msg)
	if err != nil {
		return 0, fmt.Errorf("reading message: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("Append"); err != nil {
		return 0, err
	}

	return d.mailbox(folder).add(raw), nil
}

// add stores raw under the next uid. Callers hold mu.
func (mb *mailbox) add(raw []byte) model.BackendID {
	id := mb.next
	mb.next++
	mb.msgs = append(mb.msgs, stored{id: id, raw: raw})
	return id
}

// DeleteMessages implements driver.Driver.
func (d *Driver) DeleteMessages(_ context.Context, folder string, ids []model.BackendID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("DeleteMessages"); err != nil {
		return err
	}

	mb, err := d.existing(folder)
	if err != nil {
		return err
	}
	drop := make(map[model.BackendID]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := mb.msgs[:0]
	for _, m := range mb.msgs {
		if !drop[m.id] {
			kept = append(kept, m)
		}
	}
	mb.msgs = kept
	return nil
}

// MoveMessage implements driver.Driver.
func (d *Driver) MoveMessage(_ context.Context, id model.BackendID, from, to string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("MoveMessage"); err != nil {
		return err
	}

	src, err := d.existing(from)
	if err != nil {
		return err
	}
	for i, m := range src.msgs {
		if m.id != id {
			continue
		}
		d.mailbox(to).add(m.raw)
		src.msgs = append(src.msgs[:i], src.msgs[i+1:]...)
		return nil
	}
	return fmt.Errorf("message %s not found in %q", id, from)
}

// parseMessage reads raw into a structure tree and the decoded body of
// every leaf part keyed by part id.
func parseMessage(raw []byte) (*driver.Structure, map[string][]byte, error) {
	e, err := message.Read(bytes.NewReader(raw))
	if err != nil && !tolerable(err) {
		return nil, nil, err
	}
	parts := make(map[string][]byte)
	root, err := walkEntity(e, "", parts)
	if err != nil {
		return nil, nil, err
	}
	h := mail.Header{Header: e.Header}
	if root.Subject, err = h.Subject(); err != nil {
		root.Subject = h.Get("Subject")
	}
	return root, parts, nil
}

// tolerable reports whether go-message returned a usable entity despite err.
func tolerable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

func childID(parent string, n int) string {
	if parent == "" {
		return strconv.Itoa(n)
	}
	return parent + "." + strconv.Itoa(n)
}

func walkEntity(e *message.Entity, id string, parts map[string][]byte) (*driver.Structure, error) {
	mediaType, params, _ := e.Header.ContentType()
	if mediaType == "" {
		mediaType = "text/plain"
	}
	if params == nil {
		params = map[string]string{}
	}
	st := &driver.Structure{
		PartID:    id,
		MediaType: strings.ToLower(mediaType),
		Params:    params,
		Encoding:  strings.ToLower(e.Header.Get("Content-Transfer-Encoding")),
	}
	if disp, dparams, err := e.Header.ContentDisposition(); err == nil {
		st.Disposition = strings.ToLower(disp)
		st.Filename = dparams["filename"]
	}
	if st.Filename == "" {
		st.Filename = params["name"]
	}

	if mr := e.MultipartReader(); mr != nil {
		for n := 1; ; n++ {
			p, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil && !tolerable(err) {
				return nil, fmt.Errorf("reading part %s: %w", childID(id, n), err)
			}
			child, err := walkEntity(p, childID(id, n), parts)
			if err != nil {
				return nil, err
			}
			st.Parts = append(st.Parts, child)
		}
		return st, nil
	}

	if st.PartID == "" {
		st.PartID = "1"
	}
	body, err := io.ReadAll(e.Body)
	if err != nil {
		return nil, fmt.Errorf("reading part %s: %w", st.PartID, err)
	}
	parts[st.PartID] = body
	st.Size = int64(len(body))
	return st, nil
}

var _ driver.Driver = (*Driver)(nil)
