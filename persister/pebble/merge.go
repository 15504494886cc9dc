package pebble

import (
	"io"

	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/tabby/rdx"
)

// LWWMerger resolves concurrent saves of one stamped leaf the way the
// stores do: the later stamp wins. Several replicas may therefore save
// into one database and it holds the merge of their content.
var LWWMerger = &pebble.Merger{
	Name: "tabby.lww",
	Merge: func(_, value []byte) (pebble.ValueMerger, error) {
		m := &lwwMergeAdaptor{}
		return m, m.MergeNewer(value)
	},
}

type lwwMergeAdaptor struct {
	best *rdx.Stamp
	raw  []byte
}

func (a *lwwMergeAdaptor) merge(value []byte) error {
	leaf, err := rdx.StampFromTLV(value)
	if err != nil || !leaf.IsLeaf() {
		// keep what parses; a torn value loses to anything
		return nil
	}
	if a.best == nil || rdx.Later(a.best, leaf) == leaf {
		a.best = leaf
		a.raw = append(a.raw[:0], value...)
	}
	return nil
}

func (a *lwwMergeAdaptor) MergeNewer(value []byte) error {
	return a.merge(value)
}

func (a *lwwMergeAdaptor) MergeOlder(value []byte) error {
	return a.merge(value)
}

func (a *lwwMergeAdaptor) Finish(bool) ([]byte, io.Closer, error) {
	return a.raw, nil, nil
}
