package tabby

import (
	"testing"

	"github.com/drpcorg/tabby/rdx"
	"github.com/drpcorg/tabby/tabby_errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func replica(src uint64) *MergeableStore {
	return NewMergeableStore(src, Options{Clock: &rdx.LogicalClock{Source: src}})
}

func TestMergeable_StampsFollowWrites(t *testing.T) {
	ms := replica(1)
	empty := ms.GetContentHash()
	assert.Equal(t, rdx.EmptyRoot().Hash, empty)

	ms.SetCell("pets", "fido", "legs", rdx.Num(4))
	assert.NotEqual(t, empty, ms.GetContentHash())
	assert.Equal(t, rdx.Time{Rev: 1, Src: 1}, ms.GetTime(rdx.CellPath("pets", "fido", "legs")))
	assert.Equal(t, rdx.LeafHash(rdx.Num(4), rdx.Time{Rev: 1, Src: 1}), ms.GetCellHash("pets", "fido", "legs"))

	// the incremental hashes agree with a full recomputation
	mc := ms.GetMergeableContent()
	check := mc.Clone()
	check.Rehash()
	assert.True(t, check.Equal(mc))
	assert.Equal(t, mc.Hash, ms.GetContentHash())
	assert.Equal(t, mc.Get(rdx.TablePath("pets")).Hash, ms.GetTableHash("pets"))
	assert.Equal(t, map[string]uint64{"fido": ms.GetRowHash("pets", "fido")}, ms.GetChildHashes(rdx.TablePath("pets")))
}

func TestMergeable_OneTimePerTransaction(t *testing.T) {
	ms := replica(1)
	ms.Transaction(func(s *Store) {
		s.SetCell("t", "r", "a", rdx.Num(1))
		s.SetValue("v", rdx.Num(2))
	})
	changes := ms.GetTransactionMergeableChanges()
	require.NotNil(t, changes)
	var times []rdx.Time
	changes.Walk(func(_ rdx.Path, leaf *rdx.Stamp) {
		times = append(times, leaf.Time)
	})
	assert.Equal(t, []rdx.Time{{Rev: 1, Src: 1}, {Rev: 1, Src: 1}}, times)

	ms.SetCell("t", "r", "a", rdx.Num(1))
	assert.Nil(t, ms.GetTransactionMergeableChanges())
}

func TestMergeable_DeletesLeaveTombstones(t *testing.T) {
	ms := replica(1)
	ms.SetCell("t", "r", "a", rdx.Num(1))
	ms.DelCell("t", "r", "a", true)
	assert.False(t, ms.HasTables())
	leaf := ms.GetMergeableContent().Get(rdx.CellPath("t", "r", "a"))
	require.NotNil(t, leaf)
	assert.True(t, leaf.IsDeleted())
	assert.Equal(t, rdx.Time{Rev: 2, Src: 1}, leaf.Time)
}

func TestMergeable_HashDeterminism(t *testing.T) {
	// one replica, two write orders, same stamps: same hashes
	a := rdx.StampContent(rdx.Content{
		Tables: rdx.Tables{"t": {"r1": {"a": rdx.Num(1)}, "r2": {"b": rdx.Str("x")}}},
		Values: rdx.Values{"v": rdx.Bool(true)},
	}, rdx.Time{Rev: 5, Src: 1})

	x, y := replica(2), replica(3)
	a.Walk(func(path rdx.Path, leaf *rdx.Stamp) {
		x.ApplyMergeableChanges(rdx.Wrap(path, leaf))
	})
	var paths []rdx.Path
	a.Walk(func(path rdx.Path, _ *rdx.Stamp) { paths = append(paths, path) })
	for i := len(paths) - 1; i >= 0; i-- {
		y.ApplyMergeableChanges(rdx.Wrap(paths[i], a.Get(paths[i])))
	}
	assert.Equal(t, a.Hash, x.GetContentHash())
	assert.Equal(t, a.Hash, y.GetContentHash())
	assert.Equal(t, x.GetContent(), y.GetContent())
}

func TestMergeable_BootstrapCopy(t *testing.T) {
	a := replica(1)
	a.SetRow("pets", "fido", rdx.Row{"species": rdx.Str("dog")})
	a.SetValue("open", rdx.Bool(true))

	b := replica(2)
	b.SetValue("stale", rdx.Num(1))
	cells := &recorder{}
	b.AddValueListener("", cells)
	require.True(t, b.SetMergeableContent(a.GetMergeableContent()))

	assert.Equal(t, a.GetContent(), b.GetContent())
	assert.Equal(t, a.GetContentHash(), b.GetContentHash())
	assert.Nil(t, b.GetTransactionMergeableChanges())
	assert.Len(t, cells.events, 2)

	// the copy keeps working as a replica
	b.SetCell("pets", "fido", "legs", rdx.Num(4))
	a.ApplyMergeableChanges(b.GetTransactionMergeableChanges())
	assert.Equal(t, a.GetContentHash(), b.GetContentHash())
}

func TestMergeable_BootstrapRefusesBadTrees(t *testing.T) {
	var ignored []error
	ms := NewMergeableStore(1, Options{OnIgnoredError: func(err error) { ignored = append(ignored, err) }})
	ms.SetValue("keep", rdx.Num(1))

	src := replica(2)
	src.SetValue("v", rdx.Num(1))
	mc := src.GetMergeableContent()
	mc.Get(rdx.ValuePath("v")).Value = rdx.Num(2)
	assert.False(t, ms.SetMergeableContent(mc))

	wrong := rdx.NewNode(map[string]*rdx.Stamp{"x": rdx.NewNode(nil)})
	assert.False(t, ms.SetMergeableContent(wrong))
	assert.False(t, ms.SetMergeableContent(nil))

	assert.Equal(t, rdx.Values{"keep": rdx.Num(1)}, ms.GetValues())
	require.Len(t, ignored, 3)
	assert.ErrorIs(t, ignored[0], tabby_errors.ErrBadMergeable)
	assert.ErrorIs(t, ignored[0], rdx.ErrBadHash)
	assert.ErrorIs(t, ignored[1], rdx.ErrBadStamp)
}

func TestMergeable_LaterWins(t *testing.T) {
	a, b := replica(1), replica(2)
	a.SetCell("t", "r", "c", rdx.Str("a"))
	b.SetCell("t", "r", "c", rdx.Str("b0"))
	b.SetCell("t", "r", "c", rdx.Str("b1"))

	a.Merge(b)
	assert.Equal(t, rdx.Str("b1"), a.GetCell("t", "r", "c"))
	assert.Equal(t, rdx.Str("b1"), b.GetCell("t", "r", "c"))
	assert.Equal(t, a.GetContentHash(), b.GetContentHash())

	// equal revisions resolve by replica id
	c, d := replica(3), replica(4)
	c.SetValue("v", rdx.Str("c"))
	d.SetValue("v", rdx.Str("d"))
	c.Merge(d)
	assert.Equal(t, rdx.Str("d"), c.GetValue("v"))
	assert.Equal(t, rdx.Str("d"), d.GetValue("v"))
}

func TestMergeable_Union(t *testing.T) {
	a, b := replica(1), replica(2)
	a.SetCell("t", "r1", "c", rdx.Num(1))
	b.SetCell("t", "r2", "c", rdx.Num(2))
	b.SetValue("v", rdx.Num(3))

	a.Merge(b)
	want := rdx.Content{
		Tables: rdx.Tables{"t": {"r1": {"c": rdx.Num(1)}, "r2": {"c": rdx.Num(2)}}},
		Values: rdx.Values{"v": rdx.Num(3)},
	}
	assert.Equal(t, want, a.GetContent())
	assert.Equal(t, want, b.GetContent())
	assert.Equal(t, a.GetContentHash(), b.GetContentHash())
}

func TestMergeable_IdempotentAndCommutative(t *testing.T) {
	a, b, c := replica(1), replica(2), replica(3)
	a.SetRow("t", "r", rdx.Row{"x": rdx.Num(1), "y": rdx.Num(2)})
	b.SetRow("t", "r", rdx.Row{"y": rdx.Num(3)})
	c.ApplyMergeableChanges(a.GetMergeableContent())
	c.SetValue("gone", rdx.Num(9))
	c.DelCell("t", "r", "x", true)

	ma, mb, mc := a.GetMergeableContent(), b.GetMergeableContent(), c.GetMergeableContent()

	one := replica(10)
	one.ApplyMergeableChanges(ma).ApplyMergeableChanges(mb).ApplyMergeableChanges(mc)
	hash := one.GetContentHash()
	one.ApplyMergeableChanges(mb).ApplyMergeableChanges(ma)
	assert.Equal(t, hash, one.GetContentHash())

	two := replica(11)
	two.ApplyMergeableChanges(mc).ApplyMergeableChanges(ma).ApplyMergeableChanges(mb)
	assert.Equal(t, hash, two.GetContentHash())
	assert.Equal(t, one.GetContent(), two.GetContent())

	pure := rdx.Merge(rdx.Merge(rdx.EmptyRoot(), ma), rdx.Merge(mb, mc))
	assert.Equal(t, pure.Hash, hash)
	assert.Equal(t, rdx.ContentOf(pure), one.GetContent())
}

func TestMergeable_ChangesFireListeners(t *testing.T) {
	a, b := replica(1), replica(2)
	rows := &recorder{}
	b.AddRowListener("t", "", rows)

	a.SetRow("t", "r", rdx.Row{"x": rdx.Num(1), "y": rdx.Num(2)})
	b.ApplyMergeableChanges(a.GetTransactionMergeableChanges())
	assert.Len(t, rows.events, 1)

	// stale changes change nothing
	hash := b.GetContentHash()
	b.ApplyMergeableChanges(a.GetTransactionMergeableChanges())
	assert.Len(t, rows.events, 1)
	assert.Equal(t, hash, b.GetContentHash())
}

func TestMergeable_MergeBypassesMiddlewareAndDefaults(t *testing.T) {
	a, b := replica(1), replica(2)
	require.True(t, b.SetTablesSchema(TablesSchema{"t": {
		"x": {Type: rdx.TypeNumber},
		"y": {Type: rdx.TypeNumber, Default: rdx.Num(0)},
	}}))
	b.Middleware().AddWillSetCell(WillSetCellFunc(func(_, _, _ string, v rdx.Value) (rdx.Value, bool) {
		return v, false
	}))

	a.SetCell("t", "r", "x", rdx.Num(1))
	a.SetCell("t", "r", "z", rdx.Str("not in schema"))
	b.Merge(a)

	assert.Equal(t, rdx.Row{"x": rdx.Num(1)}, b.GetRow("t", "r"))
	// rejected leaves are still stamped, so the hashes agree
	assert.Equal(t, a.GetContentHash(), b.GetContentHash())
}

func TestMergeable_LocalWriteAfterMergeInOneTransaction(t *testing.T) {
	a, b := replica(1), replica(2)
	a.SetValue("v", rdx.Num(1))
	b.Transaction(func(s *Store) {
		b.ApplyMergeableChanges(a.GetTransactionMergeableChanges())
		s.SetValue("v", rdx.Num(2))
	})
	assert.Equal(t, rdx.Num(2), b.GetValue("v"))
	assert.Equal(t, uint64(2), b.GetTime(rdx.ValuePath("v")).Src)

	a.Merge(b)
	assert.Equal(t, rdx.Num(2), a.GetValue("v"))
}

func TestMergeable_Subtree(t *testing.T) {
	ms := replica(1)
	ms.SetRow("t", "r", rdx.Row{"a": rdx.Num(1)})
	ms.SetValue("v", rdx.Num(2))

	sub := ms.GetMergeableSubtree(rdx.RowPath("t", "r"))
	require.NotNil(t, sub)
	assert.NotNil(t, sub.Get(rdx.CellPath("t", "r", "a")))
	assert.Nil(t, sub.Get(rdx.ValuesPath()))
	assert.Nil(t, ms.GetMergeableSubtree(rdx.RowPath("t", "nope")))

	other := replica(2)
	other.ApplyMergeableChanges(sub)
	assert.Equal(t, ms.GetTablesHash(), other.GetTablesHash())
	assert.NotEqual(t, ms.GetValuesHash(), other.GetValuesHash())
	assert.Equal(t, uint64(0), other.GetValueHash("v"))
}

func TestMergeable_RowIDsAreUUIDs(t *testing.T) {
	ms := replica(1)
	id := ms.AddRow("t", rdx.Row{"a": rdx.Num(1)})
	assert.Len(t, id, 36)
	assert.True(t, ms.HasRow("t", id))
}
