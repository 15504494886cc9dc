package rdx

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tm(rev int64, src uint64) Time {
	return Time{Rev: rev, Src: src}
}

func sampleTree() *Stamp {
	return NewNode(map[string]*Stamp{
		TablesKey: NewNode(map[string]*Stamp{
			"pets": NewNode(map[string]*Stamp{
				"fido": NewNode(map[string]*Stamp{
					"species": NewLeaf(Str("dog"), tm(1, 0xa)),
					"legs":    NewLeaf(Num(4), tm(2, 0xa)),
					"gone":    NewLeaf(Value{}, tm(3, 0xb)),
				}),
			}),
		}),
		ValuesKey: NewNode(map[string]*Stamp{
			"open":  NewLeaf(Bool(true), tm(4, 0xa)),
			"owner": NewLeaf(Null(), tm(1, 0xb)),
		}),
	})
}

func TestStamp_NodeTime(t *testing.T) {
	root := sampleTree()
	assert.Equal(t, tm(4, 0xa), root.Time)
	assert.Equal(t, tm(3, 0xb), root.Get(RowPath("pets", "fido")).Time)
	assert.Nil(t, root.Get(CellPath("pets", "fido", "name")))
	assert.Nil(t, root.Get(Path{TablesKey, "pets", "fido", "species", "deeper"}))
}

func TestStamp_HashIsOrderFree(t *testing.T) {
	a := sampleTree()
	b := NewNode(map[string]*Stamp{
		ValuesKey: a.Children[ValuesKey].Clone(),
		TablesKey: a.Children[TablesKey].Clone(),
	})
	assert.Equal(t, a.Hash, b.Hash)
	assert.True(t, a.Equal(b))

	c := a.Clone()
	c.Children[ValuesKey].Children["open"] = NewLeaf(Bool(false), tm(4, 0xa))
	c.Rehash()
	assert.NotEqual(t, a.Hash, c.Hash)
	assert.Equal(t, a.Children[TablesKey].Hash, c.Children[TablesKey].Hash)
}

func TestStamp_IncrementalHash(t *testing.T) {
	kids := map[string]*Stamp{
		"a": NewLeaf(Str("x"), tm(1, 1)),
		"b": NewLeaf(Str("y"), tm(2, 1)),
	}
	node := NewNode(kids)
	var sum uint64
	for id, kid := range kids {
		sum ^= ChildHash(id, kid.Hash)
	}
	assert.Equal(t, NodeHash(sum, tm(2, 1)), node.Hash)

	// swap one child's share
	nb := NewLeaf(Str("z"), tm(3, 1))
	sum ^= ChildHash("b", kids["b"].Hash) ^ ChildHash("b", nb.Hash)
	kids["b"] = nb
	assert.Equal(t, NodeHash(sum, tm(3, 1)), NewNode(kids).Hash)
}

func TestStamp_TLV(t *testing.T) {
	root := sampleTree()
	tlv := root.TLV()
	back, err := StampFromTLV(tlv)
	require.NoError(t, err)
	assert.True(t, root.Equal(back))

	leaf := NewLeaf(Str("dog"), tm(1<<40, 0xabcdef))
	back, err = StampFromTLV(leaf.TLV())
	require.NoError(t, err)
	assert.True(t, leaf.Equal(back))
}

func TestStamp_TLVTampered(t *testing.T) {
	tlv := NewLeaf(Str("dog"), tm(1, 2)).TLV()
	tlv[len(tlv)-1] = 'c'
	_, err := StampFromTLV(tlv)
	assert.ErrorIs(t, err, ErrBadHash)

	_, err = StampFromTLV(tlv[:len(tlv)-2])
	assert.Error(t, err)
}

func TestStamp_JSON(t *testing.T) {
	root := sampleTree()
	data, err := json.Marshal(root)
	require.NoError(t, err)
	var back Stamp
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, root.Equal(&back))

	data, err = json.Marshal(NewLeaf(Str("dog"), tm(1, 2)))
	require.NoError(t, err)
	assert.Regexp(t, `^\["1-2","dog",\d+\]$`, string(data))

	data, err = json.Marshal(NewLeaf(Value{}, tm(1, 2)))
	require.NoError(t, err)
	assert.Regexp(t, `^\["1-2",\d+\]$`, string(data))
}

func TestStamp_CheckShape(t *testing.T) {
	assert.NoError(t, sampleTree().CheckShape(Path{}))

	bad := NewNode(map[string]*Stamp{
		TablesKey: NewNode(map[string]*Stamp{"pets": NewLeaf(Str("x"), tm(1, 1))}),
	})
	assert.ErrorIs(t, bad.CheckShape(Path{}), ErrBadStamp)

	bad = NewNode(map[string]*Stamp{"x": NewNode(nil)})
	assert.ErrorIs(t, bad.CheckShape(Path{}), ErrBadStamp)

	bad = NewNode(map[string]*Stamp{
		ValuesKey: NewNode(map[string]*Stamp{"": NewLeaf(Str("x"), tm(1, 1))}),
	})
	assert.ErrorIs(t, bad.CheckShape(Path{}), ErrBadStamp)
}

func TestStamp_WalkAndWrap(t *testing.T) {
	var paths []string
	sampleTree().Walk(func(path Path, leaf *Stamp) {
		paths = append(paths, path.String())
	})
	assert.Equal(t, []string{
		"/t/pets/fido/gone",
		"/t/pets/fido/legs",
		"/t/pets/fido/species",
		"/v/open",
		"/v/owner",
	}, paths)

	leaf := NewLeaf(Str("cat"), tm(9, 1))
	wrapped := Wrap(CellPath("pets", "felix", "species"), leaf)
	assert.Same(t, leaf, wrapped.Get(CellPath("pets", "felix", "species")))
	assert.Equal(t, tm(9, 1), wrapped.Time)
}

func TestBuilder(t *testing.T) {
	var b Builder
	assert.Nil(t, b.Build())

	b.Put(CellPath("pets", "fido", "species"), NewLeaf(Str("dog"), tm(1, 0xa)))
	b.Put(CellPath("pets", "fido", "legs"), NewLeaf(Num(4), tm(2, 0xa)))
	b.Put(CellPath("pets", "fido", "gone"), NewLeaf(Value{}, tm(3, 0xb)))
	b.Put(ValuePath("open"), NewLeaf(Bool(true), tm(4, 0xa)))
	b.Put(ValuePath("owner"), NewLeaf(Null(), tm(1, 0xb)))
	b.Put(ValuePath("owner"), NewLeaf(Null(), tm(1, 0xb)))
	assert.Equal(t, 5, b.Len())
	assert.True(t, sampleTree().Equal(b.Build()))
}

func TestEmptyRoot(t *testing.T) {
	root := EmptyRoot()
	assert.True(t, root.Time.IsZero())
	assert.True(t, ContentOf(root).IsEmpty())
	assert.Equal(t, root.Hash, EmptyRoot().Hash)
}
