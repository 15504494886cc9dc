package tabby

import (
	"testing"

	"github.com/drpcorg/tabby/rdx"
	"github.com/stretchr/testify/assert"
)

type recorder struct {
	events []Event
}

func (r *recorder) Notify(_ *Store, ev Event) {
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() (kinds []Kind) {
	for _, ev := range r.events {
		kinds = append(kinds, ev.Kind)
	}
	return
}

func TestListeners_RowOncePerTransaction(t *testing.T) {
	s := NewStore(Options{})
	rows := &recorder{}
	s.AddRowListener("pets", "fido", rows)

	s.Transaction(func(s *Store) {
		s.SetCell("pets", "fido", "species", rdx.Str("dog"))
		s.SetCell("pets", "fido", "legs", rdx.Num(4))
		s.SetCell("pets", "rex", "legs", rdx.Num(4))
	})
	assert.Len(t, rows.events, 1)
	assert.Equal(t, Event{Kind: KindRow, TableID: "pets", RowID: "fido"}, rows.events[0])
}

func TestListeners_Wildcards(t *testing.T) {
	s := NewStore(Options{})
	anyCell, anyLegs, fido := &recorder{}, &recorder{}, &recorder{}
	s.AddCellListener("", "", "", anyCell)
	s.AddCellListener("pets", "", "legs", anyLegs)
	s.AddCellListener("pets", "fido", "", fido)

	s.SetRow("pets", "fido", rdx.Row{"legs": rdx.Num(4), "species": rdx.Str("dog")})
	s.SetCell("pets", "rex", "legs", rdx.Num(3))

	assert.Len(t, anyCell.events, 3)
	assert.Len(t, anyLegs.events, 2)
	assert.Len(t, fido.events, 2)
	assert.Equal(t, "rex", anyLegs.events[1].RowID)
	assert.True(t, anyLegs.events[1].Old.IsNone())
	assert.Equal(t, rdx.Num(3), anyLegs.events[1].New)
}

func TestListeners_NarrowToBroad(t *testing.T) {
	s := NewStore(Options{})
	all := &recorder{}
	s.AddTablesListener(all)
	s.AddTableIDsListener(all)
	s.AddTableListener("", all)
	s.AddRowIDsListener("", all)
	s.AddRowListener("", "", all)
	s.AddCellIDsListener("", "", all)
	s.AddCellListener("", "", "", all)
	s.AddValueListener("", all)
	s.AddValuesListener(all)
	s.AddValueIDsListener(all)
	s.AddDidFinishTransactionListener(all)

	s.Transaction(func(s *Store) {
		s.SetCell("t", "r", "c", rdx.Num(1))
		s.SetValue("v", rdx.Num(2))
	})
	assert.Equal(t, []Kind{
		KindCell, KindValue,
		KindRow, KindCellIDs,
		KindTable, KindRowIDs,
		KindTables, KindTableIDs, KindValues, KindValueIDs,
		KindDidFinishTransaction,
	}, all.kinds())
	assert.Equal(t, map[string]int{"t": 1}, all.events[7].IDChanges)
}

func TestListeners_NoChangeNoEvent(t *testing.T) {
	s := NewStore(Options{})
	s.SetCell("t", "r", "c", rdx.Num(1))
	cells := &recorder{}
	s.AddCellListener("", "", "", cells)
	s.AddRowIDsListener("t", cells)

	s.SetCell("t", "r", "c", rdx.Num(1))
	s.Transaction(func(s *Store) {
		s.SetCell("t", "r", "c", rdx.Num(2))
		s.SetCell("t", "r", "c", rdx.Num(1))
		s.SetCell("t", "x", "c", rdx.Num(1))
		s.DelRow("t", "x")
	})
	assert.Empty(t, cells.events)
}

func TestListeners_IDChanges(t *testing.T) {
	s := NewStore(Options{})
	s.SetRow("t", "a", rdx.Row{"c": rdx.Num(1)})
	ids := &recorder{}
	s.AddRowIDsListener("t", ids)
	s.Transaction(func(s *Store) {
		s.DelRow("t", "a")
		s.SetRow("t", "b", rdx.Row{"c": rdx.Num(1)})
	})
	assert.Len(t, ids.events, 1)
	assert.Equal(t, map[string]int{"a": -1, "b": 1}, ids.events[0].IDChanges)
}

func TestListeners_MutationsFoldIntoFlush(t *testing.T) {
	s := NewStore(Options{})
	s.AddCellListener("t", "r", "c", ListenerFunc(func(s *Store, ev Event) {
		n, _ := ev.New.AsNumber()
		s.SetCell("t", "r", "double", rdx.Num(n*2))
	}))
	doubles := &recorder{}
	s.AddCellListener("t", "r", "double", doubles)
	done := &recorder{}
	s.AddDidFinishTransactionListener(done)

	s.SetCell("t", "r", "c", rdx.Num(21))
	assert.Equal(t, rdx.Num(42), s.GetCell("t", "r", "double"))
	assert.Len(t, doubles.events, 1)
	assert.Len(t, done.events, 1)
}

func TestListeners_Overflow(t *testing.T) {
	var ignored []error
	s := NewStore(Options{OnIgnoredError: func(err error) { ignored = append(ignored, err) }, MaxNotifyPasses: 4})
	calls := 0
	s.AddValueListener("n", ListenerFunc(func(s *Store, ev Event) {
		calls++
		n, _ := ev.New.AsNumber()
		s.SetValue("n", rdx.Num(n+1))
	}))
	s.SetValue("n", rdx.Num(0))
	assert.Equal(t, 4, calls)
	assert.Len(t, ignored, 1)
	assert.Equal(t, rdx.Num(4), s.GetValue("n"))
	assert.Equal(t, 0, s.depth)
	assert.False(t, s.flushing)
}

func TestListeners_DelDuringPass(t *testing.T) {
	s := NewStore(Options{})
	second := &recorder{}
	var secondID ListenerID
	s.AddCellListener("", "", "", ListenerFunc(func(s *Store, _ Event) {
		s.DelListener(secondID)
	}))
	secondID = s.AddCellListener("", "", "", second)
	s.SetCell("t", "r", "c", rdx.Num(1))
	assert.Empty(t, second.events)

	stats := s.GetListenerStats()
	assert.Equal(t, 1, stats.Cell)
}

func TestListeners_CallListener(t *testing.T) {
	s := NewStore(Options{})
	s.SetTable("t", rdx.Table{"a": {"c": rdx.Num(1)}, "b": {"c": rdx.Num(2)}})
	rows := &recorder{}
	id := s.AddRowListener("t", "", rows)
	s.CallListener(id)
	assert.Len(t, rows.events, 2)

	s.DelListener(id)
	s.CallListener(id)
	s.SetCell("t", "a", "c", rdx.Num(3))
	assert.Len(t, rows.events, 2)
}

func TestListeners_TransactionHooks(t *testing.T) {
	s := NewStore(Options{})
	hooks := &recorder{}
	s.AddStartTransactionListener(hooks)
	s.AddWillFinishTransactionListener(ListenerFunc(func(s *Store, ev Event) {
		hooks.Notify(s, ev)
		s.SetValue("touched", rdx.Bool(true))
	}))
	s.AddValueListener("touched", hooks)
	s.AddDidFinishTransactionListener(hooks)

	s.StartTransaction()
	s.StartTransaction()
	s.SetValue("v", rdx.Num(1))
	s.FinishTransaction()
	assert.Equal(t, []Kind{KindStartTransaction}, hooks.kinds())
	s.FinishTransaction()
	assert.Equal(t, []Kind{
		KindStartTransaction, KindWillFinishTransaction, KindValue, KindDidFinishTransaction,
	}, hooks.kinds())
}
