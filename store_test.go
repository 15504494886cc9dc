package tabby

import (
	"testing"

	"github.com/drpcorg/tabby/rdx"
	"github.com/drpcorg/tabby/tabby_errors"
	"github.com/stretchr/testify/assert"
)

func TestStore_Cells(t *testing.T) {
	s := NewStore(Options{})
	s.SetCell("pets", "fido", "species", rdx.Str("dog")).
		SetCell("pets", "fido", "legs", rdx.Num(4))

	assert.Equal(t, rdx.Str("dog"), s.GetCell("pets", "fido", "species"))
	assert.True(t, s.HasCell("pets", "fido", "legs"))
	assert.False(t, s.HasCell("pets", "fido", "color"))
	assert.True(t, s.GetCell("pets", "rex", "species").IsNone())
	assert.Equal(t, []string{"species", "legs"}, s.GetCellIDs("pets", "fido"))
	assert.Equal(t, rdx.Row{"species": rdx.Str("dog"), "legs": rdx.Num(4)}, s.GetRow("pets", "fido"))

	s.SetCell("pets", "fido", "legs", rdx.Num(3))
	assert.Equal(t, rdx.Num(3), s.GetCell("pets", "fido", "legs"))
	assert.Equal(t, []string{"species", "legs"}, s.GetCellIDs("pets", "fido"))
}

func TestStore_InvalidWritesAreDropped(t *testing.T) {
	s := NewStore(Options{})
	s.SetCell("t", "r", "c", rdx.Value{})
	assert.False(t, s.HasTables())

	s.SetRow("t", "r", rdx.Row{"a": rdx.Num(1), "b": rdx.Value{}})
	assert.Equal(t, rdx.Row{"a": rdx.Num(1)}, s.GetRow("t", "r"))
}

func TestStore_Pruning(t *testing.T) {
	s := NewStore(Options{})
	s.SetRow("t", "r1", rdx.Row{"a": rdx.Num(1), "b": rdx.Num(2)}).
		SetRow("t", "r2", rdx.Row{"a": rdx.Num(3)})

	s.DelCell("t", "r1", "a", false)
	assert.True(t, s.HasRow("t", "r1"))
	s.DelCell("t", "r1", "b", false)
	assert.False(t, s.HasRow("t", "r1"))
	assert.Equal(t, []string{"r2"}, s.GetRowIDs("t"))

	s.DelRow("t", "r2")
	assert.False(t, s.HasTable("t"))
	assert.False(t, s.HasTables())
	assert.Equal(t, []string{}, s.GetTableIDs())
	assert.Equal(t, rdx.Table{}, s.GetTable("t"))
}

func TestStore_SetRowReplaces(t *testing.T) {
	s := NewStore(Options{})
	s.SetRow("t", "r", rdx.Row{"a": rdx.Num(1), "b": rdx.Num(2)})
	s.SetRow("t", "r", rdx.Row{"b": rdx.Num(3), "c": rdx.Num(4)})
	assert.Equal(t, rdx.Row{"b": rdx.Num(3), "c": rdx.Num(4)}, s.GetRow("t", "r"))

	s.SetPartialRow("t", "r", rdx.Row{"a": rdx.Num(5)})
	assert.Equal(t, rdx.Row{"a": rdx.Num(5), "b": rdx.Num(3), "c": rdx.Num(4)}, s.GetRow("t", "r"))

	// nothing valid: no-op
	s.SetRow("t", "r", rdx.Row{"x": rdx.Value{}})
	assert.Equal(t, 3, len(s.GetRow("t", "r")))
}

func TestStore_AddRow(t *testing.T) {
	s := NewStore(Options{})
	id0 := s.AddRow("t", rdx.Row{"a": rdx.Num(1)})
	id1 := s.AddRow("t", rdx.Row{"a": rdx.Num(2)})
	assert.Equal(t, "0", id0)
	assert.Equal(t, "1", id1)
	assert.Equal(t, "", s.AddRow("t", rdx.Row{}))
	assert.Equal(t, 2, s.GetRowCount("t"))

	s.SetRow("t", "2", rdx.Row{"a": rdx.Num(3)})
	assert.Equal(t, "3", s.AddRow("t", rdx.Row{"a": rdx.Num(4)}))
}

func TestStore_TablesAndContent(t *testing.T) {
	s := NewStore(Options{})
	s.SetTables(rdx.Tables{
		"pets":   {"fido": {"species": rdx.Str("dog")}},
		"owners": {"ann": {"age": rdx.Num(30)}},
	})
	assert.Equal(t, []string{"owners", "pets"}, s.GetTableIDs())

	s.SetTable("pets", rdx.Table{"rex": {"species": rdx.Str("cat")}})
	assert.Equal(t, []string{"rex"}, s.GetRowIDs("pets"))

	s.SetTables(rdx.Tables{"pets": {"tom": {"species": rdx.Str("cat")}}})
	assert.Equal(t, []string{"pets"}, s.GetTableIDs())

	s.SetValues(rdx.Values{"open": rdx.Bool(true), "motto": rdx.Str("hi")})
	content := s.GetContent()
	assert.Equal(t, rdx.Tables{"pets": {"tom": {"species": rdx.Str("cat")}}}, content.Tables)
	assert.Equal(t, rdx.Values{"open": rdx.Bool(true), "motto": rdx.Str("hi")}, content.Values)

	s.SetContent(rdx.Content{Values: rdx.Values{"open": rdx.Bool(false)}})
	assert.False(t, s.HasTables())
	assert.Equal(t, rdx.Values{"open": rdx.Bool(false)}, s.GetValues())
}

func TestStore_Values(t *testing.T) {
	s := NewStore(Options{})
	s.SetValue("a", rdx.Num(1)).SetValue("b", rdx.Null())
	assert.Equal(t, []string{"a", "b"}, s.GetValueIDs())
	assert.True(t, s.GetValue("b").IsNull())

	s.SetPartialValues(rdx.Values{"c": rdx.Str("x")})
	assert.Equal(t, 3, len(s.GetValues()))

	s.SetValues(rdx.Values{"c": rdx.Str("y")})
	assert.Equal(t, rdx.Values{"c": rdx.Str("y")}, s.GetValues())

	s.DelValue("c", false)
	assert.False(t, s.HasValues())
}

func TestStore_SortedRowIDs(t *testing.T) {
	s := NewStore(Options{})
	s.SetTable("pets", rdx.Table{
		"fido":  {"legs": rdx.Num(4)},
		"tweet": {"legs": rdx.Num(2)},
		"nemo":  {"fins": rdx.Num(3)},
		"rex":   {"legs": rdx.Num(4)},
	})
	assert.Equal(t, []string{"nemo", "tweet", "fido", "rex"}, s.GetSortedRowIDs("pets", "legs", false, 0, 0))
	assert.Equal(t, []string{"rex", "fido"}, s.GetSortedRowIDs("pets", "legs", true, 0, 2))
	assert.Equal(t, []string{"nemo", "rex"}, s.GetSortedRowIDs("pets", "", false, 1, 2))
	assert.Equal(t, []string{}, s.GetSortedRowIDs("pets", "legs", false, 10, 0))
	assert.Equal(t, []string{"legs", "fins"}, s.GetTableCellIDs("pets"))
}

func TestStore_EmptyIDPanics(t *testing.T) {
	s := NewStore(Options{})
	assert.PanicsWithValue(t, tabby_errors.ErrEmptyID, func() {
		s.SetCell("t", "", "c", rdx.Num(1))
	})
	assert.PanicsWithValue(t, tabby_errors.ErrEmptyID, func() {
		s.SetValues(rdx.Values{"": rdx.Num(1)})
	})
	// the panicking transactions were still finished
	assert.Equal(t, 0, s.depth)
}
