package data

import (
	"context"
	"fmt"
	"sort"
)

// QueryBase is the name a query is registered under when none is given.
const QueryBase = "base"

// Query is a derived view of a folder that is brought up to date by
// Synchronize.
type Query interface {
	Synchronize(ctx context.Context) error
}

// RegisterQuery attaches q to the folder under name, replacing any
// query of the same name.
func (d *Data) RegisterQuery(name string, q Query) {
	if name == "" {
		name = QueryBase
	}
	d.queryMu.Lock()
	defer d.queryMu.Unlock()
	d.queries[name] = q
}

// Query returns the query registered under name.
func (d *Data) Query(name string) (Query, bool) {
	if name == "" {
		name = QueryBase
	}
	d.queryMu.Lock()
	defer d.queryMu.Unlock()
	q, ok := d.queries[name]
	return q, ok
}

// Synchronize runs every registered query in name order and stops at
// the first failure.
func (d *Data) Synchronize(ctx context.Context) error {
	d.queryMu.Lock()
	names := make([]string, 0, len(d.queries))
	for name := range d.queries {
		names = append(names, name)
	}
	queries := make(map[string]Query, len(d.queries))
	for name, q := range d.queries {
		queries[name] = q
	}
	d.queryMu.Unlock()
	sort.Strings(names)

	for _, name := range names {
		if err := queries[name].Synchronize(ctx); err != nil {
			return fmt.Errorf("synchronizing %s query on %s: %w", name, d.folder, err)
		}
	}
	return nil
}
