// Package imapdriver implements driver.Driver on top of an IMAP server
// using go-imap v2. One authenticated connection is kept open and shared
// by all calls.
package imapdriver

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"

	"github.com/nhle/kolab-storage/internal/driver"
	"github.com/nhle/kolab-storage/internal/model"
)

// Config holds the connection settings.
type Config struct {
	Host     string
	Port     string
	Username string
	Password string

	// TLS selects implicit TLS; otherwise STARTTLS is required.
	TLS bool
}

// Driver talks to one IMAP account. Calls are serialized on a single
// connection, which is reopened after it fails.
type Driver struct {
	cfg  Config
	sess *session[*imapclient.Client]
}

// New creates a driver for cfg. No connection is made until the first
// call.
func New(cfg Config) *Driver {
	d := &Driver{cfg: cfg}
	d.sess = &session[*imapclient.Client]{
		dial:  d.dial,
		close: func(c *imapclient.Client) { _ = c.Close() },
		selectFolder: func(c *imapclient.Client, folder string) error {
			if _, err := c.Select(folder, nil).Wait(); err != nil {
				return fmt.Errorf("selecting %s: %w", folder, err)
			}
			return nil
		},
		broken: connectionFailed,
	}
	return d
}

// Close logs out of the open connection, if any.
func (d *Driver) Close() error {
	var err error
	d.sess.shutdown(func(c *imapclient.Client) {
		err = c.Logout().Wait()
		_ = c.Close()
	})
	return err
}

// connectionFailed reports whether err left the connection unusable.
// Tagged NO and BAD responses are command failures only.
func connectionFailed(err error) bool {
	var imapErr *imap.Error
	return !errors.As(err, &imapErr)
}

// dial connects and authenticates.
func (d *Driver) dial(ctx context.Context) (*imapclient.Client, error) {
	addr := d.cfg.Host + ":" + d.cfg.Port

	var client *imapclient.Client
	var err error
	if d.cfg.TLS {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	err = client.Login(d.cfg.Username, d.cfg.Password).Wait()
	if !stop() {
		return nil, ctx.Err()
	}
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("authentication failed for %s: %w", d.cfg.Username, err)
	}
	return client, nil
}

// GetMailboxes implements driver.Driver.
func (d *Driver) GetMailboxes(ctx context.Context) ([]string, error) {
	var names []string
	err := d.sess.with(ctx, "", func(client *imapclient.Client) error {
		boxes, err := client.List("", "*", nil).Collect()
		if err != nil {
			return fmt.Errorf("listing mailboxes: %w", err)
		}
		names = make([]string, 0, len(boxes))
		for _, b := range boxes {
			if slices.Contains(b.Attrs, imap.MailboxAttrNoSelect) {
				continue
			}
			names = append(names, b.Mailbox)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(names)
	return names, nil
}

// Status implements driver.Driver.
func (d *Driver) Status(ctx context.Context, folder string) (driver.Status, error) {
	var st driver.Status
	err := d.sess.with(ctx, "", func(client *imapclient.Client) error {
		data, err := client.Status(folder, &imap.StatusOptions{
			UIDNext:     true,
			UIDValidity: true,
		}).Wait()
		if err != nil {
			return fmt.Errorf("status of %s: %w", folder, err)
		}
		st = driver.Status{
			UIDValidity: data.UIDValidity,
			UIDNext:     uint32(data.UIDNext),
		}
		return nil
	})
	return st, err
}

// ListUIDs implements driver.Driver. Messages flagged \Deleted are not
// listed.
func (d *Driver) ListUIDs(ctx context.Context, folder string) ([]model.BackendID, error) {
	var ids []model.BackendID
	err := d.sess.with(ctx, folder, func(client *imapclient.Client) error {
		data, err := client.UIDSearch(&imap.SearchCriteria{
			NotFlag: []imap.Flag{imap.FlagDeleted},
		}, nil).Wait()
		if err != nil {
			return fmt.Errorf("searching %s: %w", folder, err)
		}
		uids := data.AllUIDs()
		ids = make([]model.BackendID, 0, len(uids))
		for _, uid := range uids {
			ids = append(ids, model.BackendID(uid))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	model.SortBackendIDs(ids)
	return ids, nil
}

func uidSet(ids []model.BackendID) imap.UIDSet {
	uids := make([]imap.UID, 0, len(ids))
	for _, id := range ids {
		uids = append(uids, imap.UID(id))
	}
	return imap.UIDSetNum(uids...)
}

// FetchStructure implements driver.Driver. The envelope is fetched too,
// for the subject on the root node.
func (d *Driver) FetchStructure(
	ctx context.Context,
	folder string,
	ids []model.BackendID,
) (map[model.BackendID]*driver.Structure, error) {
	result := make(map[model.BackendID]*driver.Structure, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	err := d.sess.with(ctx, folder, func(client *imapclient.Client) error {
		fetchCmd := client.Fetch(uidSet(ids), &imap.FetchOptions{
			UID:           true,
			Envelope:      true,
			BodyStructure: &imap.FetchItemBodyStructure{Extended: true},
		})
		defer fetchCmd.Close()

		for {
			msg := fetchCmd.Next()
			if msg == nil {
				break
			}
			buf, err := msg.Collect()
			if err != nil {
				return fmt.Errorf("collecting structure: %w", err)
			}
			if buf.BodyStructure == nil {
				continue
			}
			st := convertStructure(buf.BodyStructure, "")
			if buf.Envelope != nil {
				st.Subject = buf.Envelope.Subject
			}
			result[model.BackendID(buf.UID)] = st
		}

		if err := fetchCmd.Close(); err != nil {
			return fmt.Errorf("fetching structure from %s: %w", folder, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// FetchBodypart implements driver.Driver. The part's MIME header is
// fetched along with its body so the transfer encoding can be removed.
func (d *Driver) FetchBodypart(
	ctx context.Context,
	folder string,
	id model.BackendID,
	partID string,
) (io.ReadCloser, error) {
	path, err := parsePartID(partID)
	if err != nil {
		return nil, err
	}

	header := &imap.FetchItemBodySection{Specifier: imap.PartSpecifierMIME, Part: path, Peek: true}
	body := &imap.FetchItemBodySection{Part: path, Peek: true}
	var buf *imapclient.FetchMessageBuffer
	err = d.sess.with(ctx, folder, func(client *imapclient.Client) error {
		fetchCmd := client.Fetch(imap.UIDSetNum(imap.UID(id)), &imap.FetchOptions{
			UID:         true,
			BodySection: []*imap.FetchItemBodySection{header, body},
		})
		defer fetchCmd.Close()

		msg := fetchCmd.Next()
		if msg == nil {
			if err := fetchCmd.Close(); err != nil {
				return fmt.Errorf("fetching part %s of %s: %w", partID, id, err)
			}
			return fmt.Errorf("message %s not found in %s: %w", id, folder, errNoMessage)
		}
		var err error
		buf, err = msg.Collect()
		if err != nil {
			return fmt.Errorf("collecting part %s of %s: %w", partID, id, err)
		}
		if err := fetchCmd.Close(); err != nil {
			return fmt.Errorf("fetching part %s of %s: %w", partID, id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	decoded, err := decodePart(buf.FindBodySection(header), buf.FindBodySection(body))
	if err != nil {
		return nil, fmt.Errorf("decoding part %s of %s: %w", partID, id, err)
	}
	return io.NopCloser(decoded), nil
}

// errNoMessage is reported when a fetch returns nothing for a uid. The
// connection is still usable.
var errNoMessage = &imap.Error{Type: imap.StatusResponseTypeNo, Text: "no such message"}

// decodePart removes the content-transfer-encoding named in mimeHeader
// from body. Without a header the body is returned as is.
func decodePart(mimeHeader, body []byte) (io.Reader, error) {
	if len(bytes.TrimSpace(mimeHeader)) == 0 {
		return bytes.NewReader(body), nil
	}
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(mimeHeader)))
	if err != nil {
		return nil, err
	}
	e, err := message.New(message.Header{Header: h}, bytes.NewReader(body))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, err
	}
	return e.Body, nil
}

// Append implements driver.Driver.
func (d *Driver) Append(ctx context.Context, folder string, msg io.Reader) (model.BackendID, error) {
	raw, err := io.ReadAll(msg)
	if err != nil {
		return 0, fmt.Errorf("reading message: %w", err)
	}

	var id model.BackendID
	err = d.sess.with(ctx, "", func(client *imapclient.Client) error {
		// Servers without UIDPLUS do not report the new uid; the pre-append
		// UIDNEXT is the best guess then.
		before, err := client.Status(folder, &imap.StatusOptions{UIDNext: true}).Wait()
		if err != nil {
			return fmt.Errorf("status of %s: %w", folder, err)
		}

		appendCmd := client.Append(folder, int64(len(raw)), nil)
		if _, err := appendCmd.Write(raw); err != nil {
			_ = appendCmd.Close()
			return fmt.Errorf("writing message to %s: %w", folder, err)
		}
		if err := appendCmd.Close(); err != nil {
			return fmt.Errorf("appending to %s: %w", folder, err)
		}
		data, err := appendCmd.Wait()
		if err != nil {
			return fmt.Errorf("appending to %s: %w", folder, err)
		}
		id = model.BackendID(before.UIDNext)
		if data != nil && data.UID != 0 {
			id = model.BackendID(data.UID)
		}
		return nil
	})
	return id, err
}

// DeleteMessages implements driver.Driver. With UIDPLUS only ids are
// expunged. Without it EXPUNGE would also remove messages that another
// client flagged \Deleted, so it is skipped while any such message
// exists; ids then stay flagged, which ListUIDs already hides.
func (d *Driver) DeleteMessages(ctx context.Context, folder string, ids []model.BackendID) error {
	if len(ids) == 0 {
		return nil
	}

	return d.sess.with(ctx, folder, func(client *imapclient.Client) error {
		set := uidSet(ids)
		storeCmd := client.Store(set, &imap.StoreFlags{
			Op:     imap.StoreFlagsAdd,
			Silent: true,
			Flags:  []imap.Flag{imap.FlagDeleted},
		}, nil)
		if err := storeCmd.Close(); err != nil {
			return fmt.Errorf("flagging messages in %s: %w", folder, err)
		}

		if client.Caps().Has(imap.CapUIDPlus) {
			if err := client.UIDExpunge(set).Close(); err != nil {
				return fmt.Errorf("expunging %s: %w", folder, err)
			}
			return nil
		}

		flagged, err := client.UIDSearch(&imap.SearchCriteria{
			Flag: []imap.Flag{imap.FlagDeleted},
		}, nil).Wait()
		if err != nil {
			return fmt.Errorf("searching %s: %w", folder, err)
		}
		if len(foreignDeleted(flagged.AllUIDs(), ids)) > 0 {
			return nil
		}
		if err := client.Expunge().Close(); err != nil {
			return fmt.Errorf("expunging %s: %w", folder, err)
		}
		return nil
	})
}

// foreignDeleted returns the flagged uids that are not in ids.
func foreignDeleted(flagged []imap.UID, ids []model.BackendID) []imap.UID {
	own := make(map[imap.UID]bool, len(ids))
	for _, id := range ids {
		own[imap.UID(id)] = true
	}
	var foreign []imap.UID
	for _, uid := range flagged {
		if !own[uid] {
			foreign = append(foreign, uid)
		}
	}
	return foreign
}

// MoveMessage implements driver.Driver.
func (d *Driver) MoveMessage(ctx context.Context, id model.BackendID, from, to string) error {
	return d.sess.with(ctx, from, func(client *imapclient.Client) error {
		if _, err := client.Move(imap.UIDSetNum(imap.UID(id)), to).Wait(); err != nil {
			return fmt.Errorf("moving %s from %s to %s: %w", id, from, to, err)
		}
		return nil
	})
}

// convertStructure maps a go-imap body structure onto driver.Structure,
// numbering parts the way BODY[<section>] expects.
func convertStructure(bs imap.BodyStructure, partID string) *driver.Structure {
	switch s := bs.(type) {
	case *imap.BodyStructureMultiPart:
		st := &driver.Structure{
			PartID:    partID,
			MediaType: "multipart/" + strings.ToLower(s.Subtype),
			Params:    map[string]string{},
		}
		if ext := s.Extended; ext != nil {
			if ext.Params != nil {
				st.Params = ext.Params
			}
			if ext.Disposition != nil {
				st.Disposition = strings.ToLower(ext.Disposition.Value)
			}
		}
		for i, child := range s.Children {
			st.Parts = append(st.Parts, convertStructure(child, childID(partID, i+1)))
		}
		return st

	case *imap.BodyStructureSinglePart:
		if partID == "" {
			partID = "1"
		}
		st := &driver.Structure{
			PartID:    partID,
			MediaType: strings.ToLower(s.Type + "/" + s.Subtype),
			Params:    s.Params,
			Encoding:  strings.ToLower(s.Encoding),
			Size:      int64(s.Size),
		}
		if st.Params == nil {
			st.Params = map[string]string{}
		}
		if ext := s.Extended; ext != nil && ext.Disposition != nil {
			st.Disposition = strings.ToLower(ext.Disposition.Value)
			st.Filename = ext.Disposition.Params["filename"]
		}
		if st.Filename == "" {
			st.Filename = st.Params["name"]
		}
		return st
	}
	return &driver.Structure{PartID: partID, Params: map[string]string{}}
}

func childID(parent string, n int) string {
	if parent == "" {
		return strconv.Itoa(n)
	}
	return parent + "." + strconv.Itoa(n)
}

// parsePartID turns "2.1" into []int{2, 1}.
func parsePartID(partID string) ([]int, error) {
	if partID == "" {
		return nil, errors.New("empty part id")
	}
	fields := strings.Split(partID, ".")
	path := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid part id %q", partID)
		}
		path = append(path, n)
	}
	return path, nil
}

var _ driver.Driver = (*Driver)(nil)
