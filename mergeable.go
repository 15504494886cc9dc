package tabby

import (
	"fmt"

	"github.com/drpcorg/tabby/rdx"
	"github.com/drpcorg/tabby/tabby_errors"
	"github.com/drpcorg/tabby/utils"
	"github.com/google/uuid"
)

// MergeableStore is a Store whose every leaf write is stamped with a time
// of its replica, so that replicas exchanging their stamped trees converge
// to the same content and the same hashes.
type MergeableStore struct {
	*Store

	clock rdx.Clock
	arena *arena
	// changes of the last finished transaction, built pass by pass
	building rdx.Builder
	changes  *rdx.Stamp
	// leaves whose stamps came from elsewhere, waiting for the flush
	pending map[string]pendingLeaf
}

type pendingLeaf struct {
	leaf *rdx.Stamp // nil when the leaf should not exist
	// quiet leaves are already in the arena and are not reported as changes
	quiet bool
}

func (p pendingLeaf) value() rdx.Value {
	if p.leaf == nil {
		return rdx.Value{}
	}
	return p.leaf.Value
}

func uuidRowID(*Store, string) string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewMergeableStore creates a replica with id src. When opts.Clock is set
// it is used as is and src is ignored.
func NewMergeableStore(src uint64, opts Options) *MergeableStore {
	if opts.Clock == nil {
		opts.Clock = rdx.NewHybridClock(src)
	}
	if opts.NewRowID == nil {
		opts.NewRowID = uuidRowID
	}
	ms := &MergeableStore{
		Store:   NewStore(opts),
		clock:   opts.Clock,
		arena:   newArena(rdx.EmptyRoot()),
		pending: make(map[string]pendingLeaf),
	}
	ms.stamper = ms
	return ms
}

// Src is the replica id stamped into local writes.
func (ms *MergeableStore) Src() uint64 {
	return ms.clock.Src()
}

func (ms *MergeableStore) Clock() rdx.Clock {
	return ms.clock
}

func (ms *MergeableStore) beginFlush() {
	ms.building = rdx.Builder{}
	ms.changes = nil
}

// stamp gives every leaf changed in the pass its stamp. Leaves that arrived
// stamped keep their stamp unless a local write in the same transaction
// changed them again; local writes share one fresh time per pass.
func (ms *MergeableStore) stamp(tx *txLog) {
	var now rdx.Time
	leaf := func(path rdx.Path, c *change) {
		key := path.Key()
		if p, ok := ms.pending[key]; ok {
			delete(ms.pending, key)
			if p.value().Equal(c.new) {
				if !p.quiet {
					ms.put(path, p.leaf)
				}
				return
			}
		}
		if !c.changed() {
			return
		}
		if now.IsZero() {
			now = ms.clock.Now()
		}
		ms.put(path, rdx.NewLeaf(c.new, now))
	}
	for _, k := range sortedCellKeys(tx.cells) {
		leaf(rdx.CellPath(k.table, k.row, k.cell), tx.cells[k])
	}
	for _, valueID := range utils.SortedKeys(tx.values) {
		leaf(rdx.ValuePath(valueID), tx.values[valueID])
	}
	// incoming leaves that changed nothing visible, e.g. rejected by the
	// schema or deleting what is already gone, still count for the hashes
	for key, p := range ms.pending {
		if !p.quiet && p.leaf != nil {
			path, _ := rdx.PathFromTLV([]byte(key))
			ms.put(path, p.leaf)
		}
		delete(ms.pending, key)
	}
	ms.changes = ms.building.Build()
}

func (ms *MergeableStore) put(path rdx.Path, leaf *rdx.Stamp) {
	ms.arena.put(path, leaf)
	ms.building.Put(path, leaf)
}

func (ms *MergeableStore) refuse(what string, err error) {
	ms.log.Warn("mergeable: "+what+" refused", "err", err)
	ms.ignored(fmt.Errorf("%w: %w", tabby_errors.ErrBadMergeable, err))
}

type win struct {
	path rdx.Path
	leaf *rdx.Stamp
}

// collect walks theirs against the arena and returns the leaves of theirs
// that win. Subtrees with our hash and time are skipped.
func (ms *MergeableStore) collect(path rdx.Path, theirs *rdx.Stamp, wins []win) []win {
	ours := ms.arena.get(path)
	if ours != nil && ours.hash == theirs.Hash && ours.time == theirs.Time {
		return wins
	}
	if path.IsLeaf() {
		leaf := rdx.NewLeaf(theirs.Value, theirs.Time)
		if ours == nil || rdx.Later(ours.stamp(), leaf) == leaf {
			wins = append(wins, win{path: path, leaf: leaf})
		}
		return wins
	}
	for _, id := range utils.SortedKeys(theirs.Children) {
		wins = ms.collect(path.Child(id), theirs.Children[id], wins)
	}
	return wins
}

// applyLeaf writes a stamped leaf into the plain content, bypassing
// middleware and defaults. Must run inside a transaction with merging set.
func (ms *MergeableStore) applyLeaf(path rdx.Path, v rdx.Value) {
	switch {
	case path[0] == rdx.ValuesKey && v.IsNone():
		ms.delValue(path[1], true)
	case path[0] == rdx.ValuesKey:
		ms.setValue(path[1], v)
	case v.IsNone():
		ms.delCell(path[1], path[2], path[3], true)
	default:
		ms.setCell(path[1], path[2], path[3], v)
	}
}

// ApplyMergeableChanges merges a stamped tree from another replica into
// this one. Leaves resolve last-writer-wins; the winners are written in one
// transaction, so listeners fire as for local writes. Malformed trees are
// refused and reported through OnIgnoredError.
func (ms *MergeableStore) ApplyMergeableChanges(changes *rdx.Stamp) *MergeableStore {
	if changes == nil {
		return ms
	}
	if err := changes.CheckShape(rdx.Path{}); err != nil {
		ms.refuse("changes", err)
		return ms
	}
	wins := ms.collect(rdx.Path{}, changes, nil)
	if len(wins) == 0 {
		return ms
	}
	ms.fluent(func() {
		ms.merging = true
		defer func() { ms.merging = false }()
		for _, w := range wins {
			ms.clock.See(w.leaf.Time)
			ms.pending[w.path.Key()] = pendingLeaf{leaf: w.leaf}
			ms.applyLeaf(w.path, w.leaf.Value)
		}
	})
	return ms
}

// SetMergeableContent replaces the whole content and its stamps with mc,
// e.g. to bootstrap a new replica from a copy of another. Trees of the
// wrong shape or with hashes that do not match their content are refused.
func (ms *MergeableStore) SetMergeableContent(mc *rdx.Stamp) bool {
	if mc == nil {
		ms.refuse("content", rdx.ErrBadStamp)
		return false
	}
	if err := mc.CheckShape(rdx.Path{}); err != nil {
		ms.refuse("content", err)
		return false
	}
	check := mc.Clone()
	check.Rehash()
	if !check.Equal(mc) {
		ms.refuse("content", rdx.ErrBadHash)
		return false
	}
	root := rdx.Merge(rdx.EmptyRoot(), check)
	ms.clock.See(root.Time)
	ms.fluent(func() {
		ms.merging = true
		defer func() { ms.merging = false }()
		ms.arena = newArena(root)
		quiet := func(path rdx.Path) {
			var leaf *rdx.Stamp
			if n := ms.arena.get(path); n != nil {
				leaf = n.stamp()
			}
			ms.pending[path.Key()] = pendingLeaf{leaf: leaf, quiet: true}
		}
		for _, tableID := range ms.tables.Keys() {
			for _, rowID := range ms.GetRowIDs(tableID) {
				for _, cellID := range ms.GetCellIDs(tableID, rowID) {
					quiet(rdx.CellPath(tableID, rowID, cellID))
					ms.delCell(tableID, rowID, cellID, true)
				}
			}
		}
		for _, valueID := range ms.values.Keys() {
			quiet(rdx.ValuePath(valueID))
			ms.delValue(valueID, true)
		}
		root.Walk(func(path rdx.Path, leaf *rdx.Stamp) {
			quiet(path)
			if !leaf.IsDeleted() {
				ms.applyLeaf(path, leaf.Value)
			}
		})
	})
	return true
}

// GetMergeableContent returns the whole stamped tree, tombstones included.
func (ms *MergeableStore) GetMergeableContent() *rdx.Stamp {
	return ms.arena.tree(rdx.Path{})
}

// GetTransactionMergeableChanges returns the leaves stamped by the last
// finished transaction, wrapped up to the root, or nil if it stamped none.
func (ms *MergeableStore) GetTransactionMergeableChanges() *rdx.Stamp {
	return ms.changes
}

// GetMergeableSubtree returns the node at path wrapped in its ancestors,
// or nil when there is no such node.
func (ms *MergeableStore) GetMergeableSubtree(path rdx.Path) *rdx.Stamp {
	node := ms.arena.tree(path)
	if node == nil {
		return nil
	}
	return rdx.Wrap(path, node)
}

// Merge makes ms and other hold the union of their content.
func (ms *MergeableStore) Merge(other *MergeableStore) *MergeableStore {
	mine, theirs := ms.GetMergeableContent(), other.GetMergeableContent()
	other.ApplyMergeableChanges(mine)
	ms.ApplyMergeableChanges(theirs)
	return ms
}

// GetHash returns the hash of the node at path, 0 if there is none.
func (ms *MergeableStore) GetHash(path rdx.Path) uint64 {
	if n := ms.arena.get(path); n != nil {
		return n.hash
	}
	return 0
}

// GetTime returns the time of the node at path.
func (ms *MergeableStore) GetTime(path rdx.Path) rdx.Time {
	if n := ms.arena.get(path); n != nil {
		return n.time
	}
	return rdx.Time{}
}

// GetChildHashes maps the children of the node at path to their hashes.
// It is nil for leaves and absent nodes.
func (ms *MergeableStore) GetChildHashes(path rdx.Path) map[string]uint64 {
	n := ms.arena.get(path)
	if n == nil || n.leaf {
		return nil
	}
	hashes := make(map[string]uint64, len(n.kids))
	for id := range n.kids {
		hashes[id] = ms.arena.get(path.Child(id)).hash
	}
	return hashes
}

func (ms *MergeableStore) GetContentHash() uint64 {
	return ms.GetHash(rdx.Path{})
}

func (ms *MergeableStore) GetTablesHash() uint64 {
	return ms.GetHash(rdx.TablesPath())
}

func (ms *MergeableStore) GetTableHash(tableID string) uint64 {
	return ms.GetHash(rdx.TablePath(tableID))
}

func (ms *MergeableStore) GetRowHash(tableID, rowID string) uint64 {
	return ms.GetHash(rdx.RowPath(tableID, rowID))
}

func (ms *MergeableStore) GetCellHash(tableID, rowID, cellID string) uint64 {
	return ms.GetHash(rdx.CellPath(tableID, rowID, cellID))
}

func (ms *MergeableStore) GetValuesHash() uint64 {
	return ms.GetHash(rdx.ValuesPath())
}

func (ms *MergeableStore) GetValueHash(valueID string) uint64 {
	return ms.GetHash(rdx.ValuePath(valueID))
}
