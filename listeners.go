package tabby

import (
	"slices"

	"github.com/drpcorg/tabby/rdx"
)

// Kind tells what a listener listens to.
type Kind uint8

const (
	KindCell Kind = iota + 1
	KindValue
	KindRow
	KindCellIDs
	KindTable
	KindRowIDs
	KindTables
	KindTableIDs
	KindValues
	KindValueIDs
	KindInvalidCell
	KindInvalidValue
	KindStartTransaction
	KindWillFinishTransaction
	KindDidFinishTransaction
)

var kindNames = [...]string{
	KindCell:                  "cell",
	KindValue:                 "value",
	KindRow:                   "row",
	KindCellIDs:               "cellIds",
	KindTable:                 "table",
	KindRowIDs:                "rowIds",
	KindTables:                "tables",
	KindTableIDs:              "tableIds",
	KindValues:                "values",
	KindValueIDs:              "valueIds",
	KindInvalidCell:           "invalidCell",
	KindInvalidValue:          "invalidValue",
	KindStartTransaction:      "startTransaction",
	KindWillFinishTransaction: "willFinishTransaction",
	KindDidFinishTransaction:  "didFinishTransaction",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return "unknown"
}

// Event describes one change a listener is told about.
type Event struct {
	Kind    Kind
	TableID string
	RowID   string
	CellID  string
	ValueID string
	// Old and New are set for cells and values; a none New is a deletion.
	Old, New rdx.Value
	// IDChanges maps each added id to 1 and each removed id to -1
	// for the *IDs kinds.
	IDChanges map[string]int
	// Invalid lists the rejected writes for the Invalid* kinds.
	Invalid []rdx.Value
}

type Listener interface {
	Notify(s *Store, ev Event)
}

type ListenerFunc func(s *Store, ev Event)

func (f ListenerFunc) Notify(s *Store, ev Event) {
	f(s, ev)
}

type ListenerID uint64

// Registration. An empty id is a wildcard: it matches any id at its
// position. Listeners fire at most once per matched path per notification
// pass, narrow to broad: cells and values, then rows and cell ids, then
// tables and row ids, then the whole tables, values and their id lists.

func (s *Store) AddCellListener(tableID, rowID, cellID string, l Listener) ListenerID {
	return s.listeners.add(KindCell, []string{tableID, rowID, cellID}, l)
}

func (s *Store) AddRowListener(tableID, rowID string, l Listener) ListenerID {
	return s.listeners.add(KindRow, []string{tableID, rowID}, l)
}

func (s *Store) AddCellIDsListener(tableID, rowID string, l Listener) ListenerID {
	return s.listeners.add(KindCellIDs, []string{tableID, rowID}, l)
}

func (s *Store) AddTableListener(tableID string, l Listener) ListenerID {
	return s.listeners.add(KindTable, []string{tableID}, l)
}

func (s *Store) AddRowIDsListener(tableID string, l Listener) ListenerID {
	return s.listeners.add(KindRowIDs, []string{tableID}, l)
}

func (s *Store) AddTablesListener(l Listener) ListenerID {
	return s.listeners.add(KindTables, nil, l)
}

func (s *Store) AddTableIDsListener(l Listener) ListenerID {
	return s.listeners.add(KindTableIDs, nil, l)
}

func (s *Store) AddValueListener(valueID string, l Listener) ListenerID {
	return s.listeners.add(KindValue, []string{valueID}, l)
}

func (s *Store) AddValueIDsListener(l Listener) ListenerID {
	return s.listeners.add(KindValueIDs, nil, l)
}

func (s *Store) AddValuesListener(l Listener) ListenerID {
	return s.listeners.add(KindValues, nil, l)
}

// AddInvalidCellListener hears about cell writes that schema or type
// checks rejected.
func (s *Store) AddInvalidCellListener(tableID, rowID, cellID string, l Listener) ListenerID {
	return s.listeners.add(KindInvalidCell, []string{tableID, rowID, cellID}, l)
}

func (s *Store) AddInvalidValueListener(valueID string, l Listener) ListenerID {
	return s.listeners.add(KindInvalidValue, []string{valueID}, l)
}

func (s *Store) AddStartTransactionListener(l Listener) ListenerID {
	return s.listeners.add(KindStartTransaction, nil, l)
}

// AddWillFinishTransactionListener fires before the outermost finish
// applies; writes made from it join the transaction.
func (s *Store) AddWillFinishTransactionListener(l Listener) ListenerID {
	return s.listeners.add(KindWillFinishTransaction, nil, l)
}

// AddDidFinishTransactionListener fires once every other listener has run.
func (s *Store) AddDidFinishTransactionListener(l Listener) ListenerID {
	return s.listeners.add(KindDidFinishTransaction, nil, l)
}

// DelListener removes a listener. It is safe to call from a listener; a
// removed listener that has not fired yet in the current pass will not.
func (s *Store) DelListener(id ListenerID) *Store {
	s.listeners.del(id)
	return s
}

// CallListener fires a listener against the current content, once for
// every existing path it matches.
func (s *Store) CallListener(id ListenerID) *Store {
	e, ok := s.listeners.entries[id]
	if !ok {
		return s
	}
	match := func(want, have string) bool { return want == "" || want == have }
	ids := func(kind Kind, changes []string) Event {
		ev := Event{Kind: kind, IDChanges: make(map[string]int, len(changes))}
		for _, id := range changes {
			ev.IDChanges[id] = 1
		}
		return ev
	}
	var events []Event
	switch e.kind {
	case KindCell, KindRow, KindCellIDs:
		for _, tableID := range s.GetTableIDs() {
			if !match(e.ids[0], tableID) {
				continue
			}
			for _, rowID := range s.GetRowIDs(tableID) {
				if !match(e.ids[1], rowID) {
					continue
				}
				switch e.kind {
				case KindRow:
					events = append(events, Event{Kind: KindRow, TableID: tableID, RowID: rowID})
				case KindCellIDs:
					ev := ids(KindCellIDs, s.GetCellIDs(tableID, rowID))
					ev.TableID, ev.RowID = tableID, rowID
					events = append(events, ev)
				default:
					for _, cellID := range s.GetCellIDs(tableID, rowID) {
						if match(e.ids[2], cellID) {
							v := s.GetCell(tableID, rowID, cellID)
							events = append(events, Event{Kind: KindCell, TableID: tableID, RowID: rowID, CellID: cellID, Old: v, New: v})
						}
					}
				}
			}
		}
	case KindTable, KindRowIDs:
		for _, tableID := range s.GetTableIDs() {
			if !match(e.ids[0], tableID) {
				continue
			}
			if e.kind == KindTable {
				events = append(events, Event{Kind: KindTable, TableID: tableID})
			} else {
				ev := ids(KindRowIDs, s.GetRowIDs(tableID))
				ev.TableID = tableID
				events = append(events, ev)
			}
		}
	case KindValue:
		for _, valueID := range s.GetValueIDs() {
			if match(e.ids[0], valueID) {
				v := s.GetValue(valueID)
				events = append(events, Event{Kind: KindValue, ValueID: valueID, Old: v, New: v})
			}
		}
	case KindTableIDs:
		events = append(events, ids(KindTableIDs, s.GetTableIDs()))
	case KindValueIDs:
		events = append(events, ids(KindValueIDs, s.GetValueIDs()))
	case KindTables, KindValues:
		events = append(events, Event{Kind: e.kind})
	}
	for _, ev := range events {
		e.l.Notify(s, ev)
	}
	return s
}

// ListenerStats counts registered listeners by kind.
type ListenerStats struct {
	Tables, TableIDs, Table, RowIDs, Row, CellIDs, Cell int
	Values, ValueIDs, Value                             int
	InvalidCell, InvalidValue, Transaction              int
}

func (s *Store) GetListenerStats() (stats ListenerStats) {
	for _, e := range s.listeners.entries {
		switch e.kind {
		case KindTables:
			stats.Tables++
		case KindTableIDs:
			stats.TableIDs++
		case KindTable:
			stats.Table++
		case KindRowIDs:
			stats.RowIDs++
		case KindRow:
			stats.Row++
		case KindCellIDs:
			stats.CellIDs++
		case KindCell:
			stats.Cell++
		case KindValues:
			stats.Values++
		case KindValueIDs:
			stats.ValueIDs++
		case KindValue:
			stats.Value++
		case KindInvalidCell:
			stats.InvalidCell++
		case KindInvalidValue:
			stats.InvalidValue++
		default:
			stats.Transaction++
		}
	}
	return
}

type listenerEntry struct {
	kind Kind
	ids  []string
	l    Listener
}

// trieNode indexes listeners by their id path; "" is the wildcard branch.
type trieNode struct {
	kids map[string]*trieNode
	ids  map[ListenerID]struct{}
}

type registry struct {
	last    ListenerID
	entries map[ListenerID]*listenerEntry
	roots   map[Kind]*trieNode
}

func newRegistry() *registry {
	return &registry{
		entries: make(map[ListenerID]*listenerEntry),
		roots:   make(map[Kind]*trieNode),
	}
}

func (r *registry) add(kind Kind, ids []string, l Listener) ListenerID {
	r.last++
	r.entries[r.last] = &listenerEntry{kind: kind, ids: ids, l: l}
	node := r.roots[kind]
	if node == nil {
		node = &trieNode{}
		r.roots[kind] = node
	}
	for _, id := range ids {
		if node.kids == nil {
			node.kids = make(map[string]*trieNode)
		}
		kid := node.kids[id]
		if kid == nil {
			kid = &trieNode{}
			node.kids[id] = kid
		}
		node = kid
	}
	if node.ids == nil {
		node.ids = make(map[ListenerID]struct{})
	}
	node.ids[r.last] = struct{}{}
	return r.last
}

func (r *registry) del(id ListenerID) bool {
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	delete(r.entries, id)
	node := r.roots[e.kind]
	trail := []*trieNode{node}
	for _, seg := range e.ids {
		node = node.kids[seg]
		trail = append(trail, node)
	}
	delete(node.ids, id)
	// prune branches left empty
	for i := len(e.ids); i > 0; i-- {
		n := trail[i]
		if len(n.ids) > 0 || len(n.kids) > 0 {
			break
		}
		delete(trail[i-1].kids, e.ids[i-1])
	}
	return true
}

// match returns, in registration order, the listeners of kind whose id
// paths match ids.
func (r *registry) match(kind Kind, ids ...string) []ListenerID {
	var found []ListenerID
	var walk func(node *trieNode, ids []string)
	walk = func(node *trieNode, ids []string) {
		if node == nil {
			return
		}
		if len(ids) == 0 {
			for id := range node.ids {
				found = append(found, id)
			}
			return
		}
		walk(node.kids[ids[0]], ids[1:])
		if ids[0] != "" {
			walk(node.kids[""], ids[1:])
		}
	}
	walk(r.roots[kind], ids)
	slices.Sort(found)
	return found
}
