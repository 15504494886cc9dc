package rdx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func cell(t, r, c string, v Value, at Time) *Stamp {
	root := Wrap(CellPath(t, r, c), NewLeaf(v, at))
	return root
}

func TestMerge_Idempotent(t *testing.T) {
	a := sampleTree()
	m := Merge(a, a.Clone())
	assert.True(t, a.Equal(m))
	assert.Equal(t, a.Hash, m.Hash)
	assert.Equal(t, a.TLV(), m.TLV())
}

func TestMerge_CommutativeAssociative(t *testing.T) {
	a := Merge(cell("pets", "fido", "species", Str("dog"), tm(1, 1)),
		cell("pets", "fido", "legs", Num(4), tm(2, 1)))
	b := Merge(cell("pets", "fido", "species", Str("cat"), tm(2, 2)),
		cell("pets", "felix", "legs", Num(3), tm(1, 2)))
	d := Merge(cell("pets", "fido", "legs", Value{}, tm(3, 3)),
		Wrap(ValuePath("open"), NewLeaf(Bool(true), tm(1, 3))))

	abd := Merge(Merge(a, b), d)
	assert.True(t, abd.Equal(Merge(a, Merge(b, d))))
	assert.True(t, abd.Equal(Merge(Merge(a, d), b)))
	assert.True(t, abd.Equal(Merge(d, Merge(b, a))))

	content := ContentOf(abd)
	assert.Equal(t, Tables{
		"pets": {
			"fido":  {"species": Str("cat")},
			"felix": {"legs": Num(3)},
		},
	}, content.Tables)
	assert.Equal(t, Values{"open": Bool(true)}, content.Values)
}

func TestMerge_LaterWins(t *testing.T) {
	x := cell("pets", "fido", "species", Str("dog"), tm(1, 0xa))
	y := cell("pets", "fido", "species", Str("cat"), tm(2, 0xb))
	for _, m := range []*Stamp{Merge(x, y), Merge(y, x)} {
		v := m.Get(CellPath("pets", "fido", "species")).Value
		assert.Equal(t, Str("cat"), v)
	}

	// same rev, the larger replica id wins
	p := cell("pets", "fido", "species", Str("dog"), tm(5, 0xb))
	q := cell("pets", "fido", "species", Str("cat"), tm(5, 0xa))
	assert.Equal(t, Str("dog"), Merge(q, p).Get(CellPath("pets", "fido", "species")).Value)
}

func TestMerge_Union(t *testing.T) {
	x := cell("pets", "fido", "species", Str("dog"), tm(1, 1))
	y := cell("pets", "felix", "species", Str("cat"), tm(1, 2))
	m := Merge(x, y)
	assert.Equal(t, Tables{
		"pets": {
			"fido":  {"species": Str("dog")},
			"felix": {"species": Str("cat")},
		},
	}, ContentOf(m).Tables)
	assert.Equal(t, tm(1, 2), m.Time)
}

func TestDiff(t *testing.T) {
	ours := Merge(cell("pets", "fido", "species", Str("dog"), tm(2, 1)),
		cell("pets", "fido", "legs", Num(4), tm(1, 1)))
	theirs := Merge(cell("pets", "fido", "species", Str("cat"), tm(1, 2)),
		cell("pets", "fido", "legs", Num(3), tm(2, 2)))

	d := Diff(ours, theirs)
	assert.NotNil(t, d)
	assert.Nil(t, d.Get(CellPath("pets", "fido", "species")))
	assert.Equal(t, Num(3), d.Get(CellPath("pets", "fido", "legs")).Value)

	assert.Nil(t, Diff(ours, ours.Clone()))
	assert.True(t, Merge(ours, d).Equal(Merge(ours, theirs)))
}
