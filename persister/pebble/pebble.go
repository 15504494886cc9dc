// Package pebble keeps persisted content in a pebble database, one key
// per cell or value.
//
//	'C' ++ path.Key()   value TLV of a plain cell or value
//	'M' ++ path.Key()   stamped leaf TLV of a mergeable store
//
// Plain saves replace every 'C' key. Mergeable saves merge leaf by leaf
// through LWWMerger, so tombstones and concurrent writers are kept.
package pebble

import (
	"context"

	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/tabby/persister"
	"github.com/drpcorg/tabby/rdx"
	"github.com/drpcorg/tabby/tabby_errors"
	"github.com/pkg/errors"
)

const (
	plainPrefix     = 'C'
	mergeablePrefix = 'M'
)

type Backend struct {
	db *pebble.DB
}

// Options returns the pebble options the backend needs; callers may
// adjust the rest (FS, caches) before Open.
func Options() *pebble.Options {
	return &pebble.Options{Merger: LWWMerger}
}

func Open(dir string, opts *pebble.Options) (*Backend, error) {
	if opts == nil {
		opts = Options()
	}
	opts.Merger = LWWMerger
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, errors.Wrap(err, "open pebble at "+dir)
	}
	return &Backend{db: db}, nil
}

func (b *Backend) DB() *pebble.DB {
	return b.db
}

func key(prefix byte, path rdx.Path) []byte {
	return append([]byte{prefix}, path.Key()...)
}

func (b *Backend) Set(_ context.Context, p *persister.Persisted) error {
	batch := b.db.NewBatch()
	defer batch.Close()
	switch {
	case p.Mergeable != nil:
		var err error
		p.Mergeable.Walk(func(path rdx.Path, leaf *rdx.Stamp) {
			if err == nil {
				err = batch.Merge(key(mergeablePrefix, path), leaf.TLV(), nil)
			}
		})
		if err != nil {
			return errors.Wrap(err, "batch merge")
		}
	case p.Content != nil:
		if err := batch.DeleteRange([]byte{plainPrefix}, []byte{plainPrefix + 1}, nil); err != nil {
			return errors.Wrap(err, "batch delete")
		}
		for tableID, table := range p.Content.Tables {
			for rowID, row := range table {
				for cellID, v := range row {
					if err := batch.Set(key(plainPrefix, rdx.CellPath(tableID, rowID, cellID)), v.TLV(), nil); err != nil {
						return errors.Wrap(err, "batch set")
					}
				}
			}
		}
		for valueID, v := range p.Content.Values {
			if err := batch.Set(key(plainPrefix, rdx.ValuePath(valueID)), v.TLV(), nil); err != nil {
				return errors.Wrap(err, "batch set")
			}
		}
	}
	return errors.Wrap(batch.Commit(pebble.Sync), "commit")
}

func (b *Backend) scan(prefix byte, fn func(path rdx.Path, val []byte) error) (n int, err error) {
	it, err := b.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{prefix},
		UpperBound: []byte{prefix + 1},
	})
	if err != nil {
		return 0, errors.Wrap(err, "iterate")
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		path, err := rdx.PathFromTLV(it.Key()[1:])
		if err != nil || !path.IsLeaf() {
			return n, errors.Errorf("bad key %q", it.Key())
		}
		if err := fn(path, it.Value()); err != nil {
			return n, errors.Wrapf(err, "bad value at %s", path)
		}
		n++
	}
	return n, errors.Wrap(it.Error(), "iterate")
}

// Get prefers the mergeable form when both are present.
func (b *Backend) Get(context.Context) (*persister.Persisted, error) {
	var built rdx.Builder
	n, err := b.scan(mergeablePrefix, func(path rdx.Path, val []byte) error {
		leaf, err := rdx.StampFromTLV(val)
		if err != nil {
			return err
		}
		built.Put(path, leaf)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return &persister.Persisted{Mergeable: rdx.Merge(rdx.EmptyRoot(), built.Build())}, nil
	}

	content := rdx.Content{Tables: rdx.Tables{}, Values: rdx.Values{}}
	n, err = b.scan(plainPrefix, func(path rdx.Path, val []byte) error {
		v, _, err := rdx.ValueFromTLV(val)
		if err != nil {
			return err
		}
		if path[0] == rdx.ValuesKey {
			content.Values[path[1]] = v
			return nil
		}
		table := content.Tables[path[1]]
		if table == nil {
			table = rdx.Table{}
			content.Tables[path[1]] = table
		}
		row := table[path[2]]
		if row == nil {
			row = rdx.Row{}
			table[path[2]] = row
		}
		row[path[3]] = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, tabby_errors.ErrNothingPersisted
	}
	return &persister.Persisted{Content: &content}, nil
}

func (b *Backend) Close() error {
	return errors.Wrap(b.db.Close(), "close pebble")
}
