// Package data exposes the objects stored in one mailbox folder by
// their logical uid. It keeps the uid to backend id mapping consistent
// with the folder state and rebuilds it lazily.
package data

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/nhle/kolab-storage/internal/driver"
	"github.com/nhle/kolab-storage/internal/format"
	"github.com/nhle/kolab-storage/internal/model"
	"github.com/nhle/kolab-storage/internal/stamp"
	"github.com/nhle/kolab-storage/internal/structure"
)

// Cache persists folder mappings across process restarts. Mappings are
// kept per folder and object type, since the type decides which
// messages can be identified.
type Cache interface {
	// LoadMapping returns the last stored stamp and pairs, or a nil
	// stamp if none was stored.
	LoadMapping(ctx context.Context, folder, objectType string) (*stamp.Stamp, map[model.BackendID]string, error)

	// StoreMapping replaces the stored mapping.
	StoreMapping(
		ctx context.Context,
		folder, objectType string,
		st *stamp.Stamp,
		pairs map[model.BackendID]string,
	) error
}

// Options configures a Data handle.
type Options struct {
	// IgnoreParseErrors turns unparsable messages into nil entries of a
	// Fetch result instead of failing the whole batch. The mapping
	// ignores such messages under either policy.
	IgnoreParseErrors bool

	// Logger receives soft failure diagnostics. Nil discards them.
	Logger *slog.Logger

	// Cache seeds the mapping on first use. Optional.
	Cache Cache

	// OnMove is called with the target folder after a message was moved
	// out of this folder.
	OnMove func(target string)

	// Now stamps the Date header of created messages. Defaults to
	// time.Now.
	Now func() time.Time
}

// FetchOptions selects what Fetch returns per object.
type FetchOptions struct {
	// Raw returns the uid and the payload bytes instead of parsed fields.
	Raw bool

	// Attachments adds the attachment descriptors of each message.
	Attachments bool
}

// Data is the object store of a single folder. It is safe for
// concurrent use.
type Data struct {
	driver            driver.Driver
	folder            string
	resolver          *structure.Resolver
	logger            *slog.Logger
	ignoreParseErrors bool
	cache             Cache
	onMove            func(string)
	now               func() time.Time

	mu      gosync.Mutex
	mapping *Mapping
	stale   bool
	seeded  bool

	queryMu gosync.Mutex
	queries map[string]Query
}

// New creates the object store for folder, reading objects of the
// given format through d.
func New(d driver.Driver, folder string, f format.Format, opts Options) *Data {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Data{
		driver:            d,
		folder:            folder,
		resolver:          structure.NewResolver(d, f),
		logger:            logger,
		ignoreParseErrors: opts.IgnoreParseErrors,
		cache:             opts.Cache,
		onMove:            opts.OnMove,
		now:               now,
		queries:           make(map[string]Query),
	}
}

// Folder returns the folder name.
func (d *Data) Folder() string {
	return d.folder
}

// Type returns the object type of the folder.
func (d *Data) Type() string {
	return d.resolver.Format().Type()
}

// Mapping returns the current mapping together with its stamp,
// refreshing it first if the folder changed.
func (d *Data) Mapping(ctx context.Context) (*Mapping, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.refresh(ctx)
}

// Stamp returns the stamp of the current mapping.
func (d *Data) Stamp(ctx context.Context) (*stamp.Stamp, error) {
	m, err := d.Mapping(ctx)
	if err != nil {
		return nil, err
	}
	return m.Stamp, nil
}

// Invalidate forces the next read to rebuild the mapping. Known pairs
// are kept as hints.
func (d *Data) Invalidate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stale = true
}

// ObjectIDs returns the uids of all objects in backend order.
func (d *Data) ObjectIDs(ctx context.Context) ([]string, error) {
	m, err := d.Mapping(ctx)
	if err != nil {
		return nil, err
	}
	return m.UIDs(), nil
}

// ObjectIDExists reports whether uid is mapped. An unknown uid is not
// an error; only backend failures are returned.
func (d *Data) ObjectIDExists(ctx context.Context, uid string) (bool, error) {
	m, err := d.Mapping(ctx)
	if err != nil {
		return false, err
	}
	_, ok := m.BackendID(uid)
	return ok, nil
}

// BackendID returns the backend id of uid.
func (d *Data) BackendID(ctx context.Context, uid string) (model.BackendID, error) {
	m, err := d.Mapping(ctx)
	if err != nil {
		return 0, err
	}
	id, ok := m.BackendID(uid)
	if !ok {
		return 0, &model.NotFoundError{Folder: d.folder, ID: uid}
	}
	return id, nil
}

// Object returns the parsed object uid. A mapped object that fails to
// parse returns a *model.MalformedObjectError regardless of policy.
func (d *Data) Object(ctx context.Context, uid string) (model.Object, error) {
	id, err := d.BackendID(ctx, uid)
	if err != nil {
		return nil, err
	}
	structs, err := d.driver.FetchStructure(ctx, d.folder, []model.BackendID{id})
	if err != nil {
		return nil, &model.BackendError{Op: "fetch structure", Folder: d.folder, Err: err}
	}
	st, ok := structs[id]
	if !ok {
		return nil, &model.NotFoundError{Folder: d.folder, ID: uid}
	}
	return d.resolver.Resolve(ctx, d.folder, id, st, structure.Options{})
}

// Objects returns every mapped object keyed by uid. Objects that fail to
// parse are left out under the soft policy.
func (d *Data) Objects(ctx context.Context) (map[string]model.Object, error) {
	m, err := d.Mapping(ctx)
	if err != nil {
		return nil, err
	}
	fetched, err := d.Fetch(ctx, m.BackendIDs(), FetchOptions{})
	if err != nil {
		return nil, err
	}
	result := make(map[string]model.Object, len(fetched))
	m.Each(func(uid string, id model.BackendID) {
		if obj := fetched[id]; obj != nil {
			result[uid] = obj
		}
	})
	return result, nil
}

// Fetch returns the objects stored in the given messages keyed by
// backend id.
//
// With IgnoreParseErrors a message without a recognizable payload maps
// to a nil Object and one warning is logged. Otherwise the first such
// message fails the call with a *model.MalformedObjectError. If ctx is
// canceled between messages, the objects fetched so far are returned
// with the context error.
func (d *Data) Fetch(
	ctx context.Context,
	ids []model.BackendID,
	opts FetchOptions,
) (map[model.BackendID]model.Object, error) {
	result := make(map[model.BackendID]model.Object, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	structs, err := d.driver.FetchStructure(ctx, d.folder, ids)
	if err != nil {
		return nil, &model.BackendError{Op: "fetch structure", Folder: d.folder, Err: err}
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		st, ok := structs[id]
		if !ok {
			return nil, &model.NotFoundError{Folder: d.folder, ID: id.String()}
		}
		obj, err := d.resolver.Resolve(ctx, d.folder, id, st, structure.Options{
			Raw:         opts.Raw,
			Attachments: opts.Attachments,
		})
		if err != nil {
			if d.ignoreParseErrors && model.IsMalformed(err) {
				d.logMalformed(id, err)
				result[id] = nil
				continue
			}
			return nil, err
		}
		result[id] = obj
	}
	return result, nil
}

// FetchPart returns one MIME part of message id. Backend errors are
// returned unchanged.
func (d *Data) FetchPart(ctx context.Context, id model.BackendID, partID string) (io.ReadCloser, error) {
	return d.resolver.FetchPart(ctx, d.folder, id, partID)
}

// Create stores obj as a new message and returns its backend id. An
// object without a uid gets one derived from its content. In raw mode
// obj[model.FieldContent] holds the payload to store.
func (d *Data) Create(ctx context.Context, obj model.Object, raw bool) (model.BackendID, error) {
	_, msg, err := format.Compose(d.resolver.Format(), obj, raw, d.now())
	if err != nil {
		return 0, err
	}
	return d.appendMessage(ctx, msg)
}

func (d *Data) appendMessage(ctx context.Context, msg []byte) (model.BackendID, error) {
	id, err := d.driver.Append(ctx, d.folder, bytes.NewReader(msg))
	d.Invalidate()
	if err != nil {
		return 0, &model.BackendError{Op: "append", Folder: d.folder, Err: err}
	}
	return id, nil
}

// Modify replaces the stored object with the same uid. Stored messages
// are immutable, so the old message is deleted and a new one appended;
// the object's backend id changes.
func (d *Data) Modify(ctx context.Context, obj model.Object, raw bool) error {
	uid := obj.UID()
	if uid == "" {
		return &model.ValidationError{Field: model.FieldUID, Message: "uid missing"}
	}
	id, err := d.BackendID(ctx, uid)
	if err != nil {
		return err
	}
	_, msg, err := format.Compose(d.resolver.Format(), obj, raw, d.now())
	if err != nil {
		return err
	}
	if err := d.deleteMessages(ctx, []model.BackendID{id}); err != nil {
		return err
	}
	_, err = d.appendMessage(ctx, msg)
	return err
}

// Delete removes the object uid.
func (d *Data) Delete(ctx context.Context, uid string) error {
	id, err := d.BackendID(ctx, uid)
	if err != nil {
		return err
	}
	return d.deleteMessages(ctx, []model.BackendID{id})
}

// DeleteAll removes every message of the folder.
func (d *Data) DeleteAll(ctx context.Context) error {
	st, err := d.Stamp(ctx)
	if err != nil {
		return err
	}
	if len(st.UIDs) == 0 {
		return nil
	}
	return d.deleteMessages(ctx, st.UIDs)
}

func (d *Data) deleteMessages(ctx context.Context, ids []model.BackendID) error {
	err := d.driver.DeleteMessages(ctx, d.folder, ids)
	d.Invalidate()
	if err != nil {
		return &model.BackendError{Op: "delete", Folder: d.folder, Err: err}
	}
	return nil
}

// Move moves the object uid into target. A failed move is returned as a
// *model.BackendError; both folders are refreshed on next access either
// way.
func (d *Data) Move(ctx context.Context, uid, target string) error {
	id, err := d.BackendID(ctx, uid)
	if err != nil {
		return err
	}
	err = d.driver.MoveMessage(ctx, id, d.folder, target)
	d.Invalidate()
	if d.onMove != nil {
		d.onMove(target)
	}
	if err != nil {
		return &model.BackendError{Op: "move to " + target, Folder: d.folder, Err: err}
	}
	return nil
}

func (d *Data) logMalformed(id model.BackendID, err error) {
	d.logger.Warn(structure.ReasonNoPayload,
		"folder", d.folder,
		"id", id.String(),
		"error", err,
	)
}
