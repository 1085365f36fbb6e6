package data

import (
	"context"

	"github.com/nhle/kolab-storage/internal/model"
	"github.com/nhle/kolab-storage/internal/stamp"
)

// Mapping is the uid to backend id association of one folder snapshot,
// always paired with the Stamp it was built against. A Mapping is never
// modified after it is built.
type Mapping struct {
	Stamp *stamp.Stamp

	order []string
	byUID map[string]model.BackendID
	// pairs holds every resolved backend id, including messages shadowed
	// by a newer copy of the same uid. An empty uid marks a message
	// whose payload could not be identified.
	pairs map[model.BackendID]string
}

// newMapping builds the mapping for st from resolved pairs. When a uid
// is stored more than once the highest backend id wins.
func newMapping(st *stamp.Stamp, pairs map[model.BackendID]string) *Mapping {
	m := &Mapping{
		Stamp: st,
		byUID: make(map[string]model.BackendID, len(pairs)),
		pairs: pairs,
	}
	for _, id := range st.UIDs {
		if uid := pairs[id]; uid != "" {
			m.byUID[uid] = id
		}
	}
	for _, id := range st.UIDs {
		if uid := pairs[id]; uid != "" && m.byUID[uid] == id {
			m.order = append(m.order, uid)
		}
	}
	return m
}

// UIDs returns the object uids in backend order.
func (m *Mapping) UIDs() []string {
	return append([]string(nil), m.order...)
}

// Len returns the number of mapped objects.
func (m *Mapping) Len() int {
	return len(m.order)
}

// BackendID returns the backend id currently holding uid.
func (m *Mapping) BackendID(uid string) (model.BackendID, bool) {
	id, ok := m.byUID[uid]
	return id, ok
}

// UID returns the object uid stored in message id.
func (m *Mapping) UID(id model.BackendID) (string, bool) {
	uid, ok := m.pairs[id]
	return uid, ok && uid != "" && m.byUID[uid] == id
}

// Each calls fn for every mapped object in backend order.
func (m *Mapping) Each(fn func(uid string, id model.BackendID)) {
	for _, uid := range m.order {
		fn(uid, m.byUID[uid])
	}
}

// BackendIDs returns the backend ids of the mapped objects in backend
// order.
func (m *Mapping) BackendIDs() []model.BackendID {
	ids := make([]model.BackendID, 0, len(m.order))
	for _, uid := range m.order {
		ids = append(ids, m.byUID[uid])
	}
	return ids
}

// Pairs returns a copy of every resolved backend id to uid association,
// as persisted by a Cache.
func (m *Mapping) Pairs() map[model.BackendID]string {
	c := make(map[model.BackendID]string, len(m.pairs))
	for id, uid := range m.pairs {
		c[id] = uid
	}
	return c
}

// currentStamp reads the folder state from the lightweight status and
// listing calls.
func (d *Data) currentStamp(ctx context.Context) (*stamp.Stamp, error) {
	status, err := d.driver.Status(ctx, d.folder)
	if err != nil {
		return nil, &model.BackendError{Op: "status", Folder: d.folder, Err: err}
	}
	ids, err := d.driver.ListUIDs(ctx, d.folder)
	if err != nil {
		return nil, &model.BackendError{Op: "list uids", Folder: d.folder, Err: err}
	}
	return stamp.New(status.UIDValidity, status.UIDNext, ids), nil
}

// refresh returns a mapping consistent with the current folder state,
// rebuilding it when the cached one is missing, invalidated or stale.
// Callers hold d.mu.
func (d *Data) refresh(ctx context.Context) (*Mapping, error) {
	cur, err := d.currentStamp(ctx)
	if err != nil {
		return nil, err
	}
	if d.mapping != nil && !d.stale && d.mapping.Stamp.Equal(cur) {
		return d.mapping, nil
	}

	m, err := d.build(ctx, cur, d.hints(ctx, cur))
	if err != nil {
		return nil, err
	}
	d.mapping = m
	d.stale = false

	if d.cache != nil {
		if err := d.cache.StoreMapping(ctx, d.folder, d.Type(), m.Stamp, m.pairs); err != nil {
			d.logger.Warn("storing mapping cache failed", "folder", d.folder, "error", err)
		}
	}
	return m, nil
}

// hints returns the known backend id to uid pairs that are still valid
// for cur. A reset discards them all.
func (d *Data) hints(ctx context.Context, cur *stamp.Stamp) map[model.BackendID]string {
	if d.mapping != nil {
		if d.mapping.Stamp.IsReset(cur) {
			return nil
		}
		return d.mapping.pairs
	}
	if d.cache == nil || d.seeded {
		return nil
	}
	d.seeded = true

	st, pairs, err := d.cache.LoadMapping(ctx, d.folder, d.Type())
	if err != nil {
		d.logger.Warn("loading mapping cache failed", "folder", d.folder, "error", err)
		return nil
	}
	if st == nil || st.IsReset(cur) {
		return nil
	}
	return pairs
}

// build identifies every id of cur that has no hint with a single
// structure fetch and returns the new mapping. Messages without a
// recognizable payload are left unmapped whatever the parse policy;
// they are remembered with an empty uid so later rebuilds skip them.
func (d *Data) build(
	ctx context.Context,
	cur *stamp.Stamp,
	hints map[model.BackendID]string,
) (*Mapping, error) {
	pairs := make(map[model.BackendID]string, len(cur.UIDs))
	var missing []model.BackendID
	for _, id := range cur.UIDs {
		if uid, ok := hints[id]; ok {
			pairs[id] = uid
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return newMapping(cur, pairs), nil
	}

	structs, err := d.driver.FetchStructure(ctx, d.folder, missing)
	if err != nil {
		return nil, &model.BackendError{Op: "fetch structure", Folder: d.folder, Err: err}
	}
	for _, id := range missing {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		st, ok := structs[id]
		if !ok {
			// Expunged between listing and fetch.
			continue
		}
		uid, err := d.resolver.Identify(ctx, d.folder, id, st)
		if model.IsMalformed(err) {
			d.logger.Debug("skipping unidentified message",
				"folder", d.folder,
				"id", id.String(),
				"error", err,
			)
			pairs[id] = ""
			continue
		}
		if err != nil {
			return nil, err
		}
		pairs[id] = uid
	}
	return newMapping(cur, pairs), nil
}
