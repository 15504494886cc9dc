package tabby

import (
	"strings"
	"testing"

	"github.com/drpcorg/tabby/rdx"
	"github.com/stretchr/testify/assert"
)

func TestMiddleware_RewriteAndVeto(t *testing.T) {
	s := NewStore(Options{})
	var order []string
	s.Middleware().
		AddWillSetCell(WillSetCellFunc(func(_, _, _ string, v rdx.Value) (rdx.Value, bool) {
			order = append(order, "upper")
			if str, ok := v.AsString(); ok {
				return rdx.Str(strings.ToUpper(str)), true
			}
			return v, true
		})).
		AddWillSetCell(WillSetCellFunc(func(_, _, cellID string, v rdx.Value) (rdx.Value, bool) {
			order = append(order, "veto")
			return v, cellID != "secret"
		}))

	s.SetCell("t", "r", "name", rdx.Str("fido"))
	assert.Equal(t, rdx.Str("FIDO"), s.GetCell("t", "r", "name"))
	assert.Equal(t, []string{"upper", "veto"}, order)

	s.SetRow("t", "r", rdx.Row{"name": rdx.Str("rex"), "secret": rdx.Str("x")})
	assert.Equal(t, rdx.Row{"name": rdx.Str("REX")}, s.GetRow("t", "r"))
}

func TestMiddleware_FirstVetoShortCircuits(t *testing.T) {
	s := NewStore(Options{})
	called := false
	s.Middleware().
		AddWillSetValue(WillSetValueFunc(func(string, rdx.Value) (rdx.Value, bool) {
			return rdx.Value{}, false
		})).
		AddWillSetValue(WillSetValueFunc(func(_ string, v rdx.Value) (rdx.Value, bool) {
			called = true
			return v, true
		}))
	s.SetValue("v", rdx.Num(1))
	assert.False(t, s.HasValue("v"))
	assert.False(t, called)
}

func TestMiddleware_Rows(t *testing.T) {
	s := NewStore(Options{})
	s.Middleware().AddWillSetRow(WillSetRowFunc(func(_, _ string, row rdx.Row) (rdx.Row, bool) {
		row["stamp"] = rdx.Bool(true)
		return row, true
	}))
	in := rdx.Row{"a": rdx.Num(1)}
	s.SetRow("t", "r", in)
	assert.Equal(t, rdx.Row{"a": rdx.Num(1), "stamp": rdx.Bool(true)}, s.GetRow("t", "r"))
	// the caller's row is not touched
	assert.Equal(t, rdx.Row{"a": rdx.Num(1)}, in)
}

func TestMiddleware_Deletes(t *testing.T) {
	s := NewStore(Options{})
	s.Middleware().
		AddWillDelCell(WillDelCellFunc(func(_, _, cellID string) bool {
			return cellID != "id"
		})).
		AddWillDelValue(WillDelValueFunc(func(valueID string) bool {
			return valueID != "pinned"
		}))
	s.SetRow("t", "r", rdx.Row{"id": rdx.Num(1), "name": rdx.Str("x")})
	s.SetValues(rdx.Values{"pinned": rdx.Num(1), "loose": rdx.Num(2)})

	s.DelRow("t", "r")
	assert.Equal(t, rdx.Row{"id": rdx.Num(1)}, s.GetRow("t", "r"))
	s.DelValues()
	assert.Equal(t, rdx.Values{"pinned": rdx.Num(1)}, s.GetValues())
	assert.Same(t, s, s.Middleware().Store())
}
