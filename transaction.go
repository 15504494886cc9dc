package tabby

import (
	"cmp"
	"slices"

	"github.com/drpcorg/tabby/rdx"
	"github.com/drpcorg/tabby/tabby_errors"
	"github.com/drpcorg/tabby/utils"
)

type cellKey struct{ table, row, cell string }

type rowKey struct{ table, row string }

type change struct{ old, new rdx.Value }

func (c *change) changed() bool {
	return !c.old.Equal(c.new)
}

// txLog records what one notification pass has to report. Id changes are
// counted so that an id added and removed within a transaction cancels out.
type txLog struct {
	cells    map[cellKey]*change
	values   map[string]*change
	cellIDs  map[rowKey]map[string]int
	rowIDs   map[string]map[string]int
	tableIDs map[string]int
	valueIDs map[string]int

	invalidCells  map[cellKey][]rdx.Value
	invalidValues map[string][]rdx.Value
}

func newTxLog() *txLog {
	return &txLog{
		cells:         make(map[cellKey]*change),
		values:        make(map[string]*change),
		cellIDs:       make(map[rowKey]map[string]int),
		rowIDs:        make(map[string]map[string]int),
		tableIDs:      make(map[string]int),
		valueIDs:      make(map[string]int),
		invalidCells:  make(map[cellKey][]rdx.Value),
		invalidValues: make(map[string][]rdx.Value),
	}
}

func (tx *txLog) empty() bool {
	return len(tx.cells) == 0 && len(tx.values) == 0 &&
		len(tx.invalidCells) == 0 && len(tx.invalidValues) == 0
}

func (tx *txLog) cell(tableID, rowID, cellID string, old, new rdx.Value) {
	k := cellKey{tableID, rowID, cellID}
	if c, ok := tx.cells[k]; ok {
		c.new = new
	} else {
		tx.cells[k] = &change{old: old, new: new}
	}
}

func (tx *txLog) value(valueID string, old, new rdx.Value) {
	if c, ok := tx.values[valueID]; ok {
		c.new = new
	} else {
		tx.values[valueID] = &change{old: old, new: new}
	}
}

func count(m map[string]int, id string, delta int) {
	if m[id] += delta; m[id] == 0 {
		delete(m, id)
	}
}

func (tx *txLog) cellID(tableID, rowID, cellID string, delta int) {
	k := rowKey{tableID, rowID}
	if tx.cellIDs[k] == nil {
		tx.cellIDs[k] = make(map[string]int)
	}
	count(tx.cellIDs[k], cellID, delta)
}

func (tx *txLog) rowID(tableID, rowID string, delta int) {
	if tx.rowIDs[tableID] == nil {
		tx.rowIDs[tableID] = make(map[string]int)
	}
	count(tx.rowIDs[tableID], rowID, delta)
}

func (tx *txLog) tableID(tableID string, delta int) {
	count(tx.tableIDs, tableID, delta)
}

func (tx *txLog) valueID(valueID string, delta int) {
	count(tx.valueIDs, valueID, delta)
}

func (tx *txLog) invalidCell(tableID, rowID, cellID string, v rdx.Value) {
	k := cellKey{tableID, rowID, cellID}
	tx.invalidCells[k] = append(tx.invalidCells[k], v)
}

func (tx *txLog) invalidValue(valueID string, v rdx.Value) {
	tx.invalidValues[valueID] = append(tx.invalidValues[valueID], v)
}

// stamper is the hook a mergeable store uses to stamp each pass's changes
// before listeners see them. It also sees passes with nothing to report.
type stamper interface {
	beginFlush()
	stamp(tx *txLog)
}

// StartTransaction opens a transaction, or deepens the one already open.
// Reads see writes at once; listeners and stamping wait for the outermost
// FinishTransaction.
func (s *Store) StartTransaction() *Store {
	s.depth++
	if s.depth == 1 && !s.flushing {
		s.tx = newTxLog()
		s.fire(KindStartTransaction)
	}
	return s
}

func (s *Store) FinishTransaction() *Store {
	switch {
	case s.depth == 0:
		return s
	case s.depth == 1 && !s.flushing:
		// writes made by these listeners still belong to the transaction
		s.fire(KindWillFinishTransaction)
		s.depth = 0
		s.flush()
	default:
		s.depth--
	}
	return s
}

// Transaction runs fn between StartTransaction and FinishTransaction. The
// transaction finishes even if fn panics.
func (s *Store) Transaction(fn func(s *Store)) *Store {
	s.StartTransaction()
	defer s.FinishTransaction()
	fn(s)
	return s
}

// flush stamps and reports the finished transaction. Listener writes are
// collected into a fresh log and reported in a further pass, up to
// MaxNotifyPasses passes.
func (s *Store) flush() {
	tx := s.tx
	s.flushing = true
	done := false
	defer func() {
		if !done {
			s.flushing = false
			s.tx = nil
		}
	}()
	if s.stamper != nil {
		s.stamper.beginFlush()
	}
	for pass := 0; ; pass++ {
		s.tx = newTxLog()
		if s.stamper != nil {
			s.stamper.stamp(tx)
		}
		if tx.empty() {
			break
		}
		if pass == s.opts.MaxNotifyPasses {
			s.log.Warn("listeners: notification abandoned", "passes", pass)
			s.ignored(tabby_errors.ErrNotifyOverflow)
			break
		}
		s.notify(tx)
		tx = s.tx
	}
	s.flushing = false
	s.tx = nil
	done = true
	s.fire(KindDidFinishTransaction)
}

func (s *Store) fire(kind Kind) {
	for _, id := range s.listeners.match(kind) {
		if e, ok := s.listeners.entries[id]; ok {
			e.l.Notify(s, Event{Kind: kind})
		}
	}
}

type firing struct {
	ev  Event
	ids []ListenerID
}

// notify runs one pass. Matches are taken up front, so listeners added
// during the pass wait for the next one.
func (s *Store) notify(tx *txLog) {
	var queue []firing
	add := func(ev Event, ids ...string) {
		if found := s.listeners.match(ev.Kind, ids...); len(found) > 0 {
			queue = append(queue, firing{ev: ev, ids: found})
		}
	}

	for _, k := range sortedCellKeys(tx.invalidCells) {
		add(Event{Kind: KindInvalidCell, TableID: k.table, RowID: k.row, CellID: k.cell, Invalid: tx.invalidCells[k]},
			k.table, k.row, k.cell)
	}
	for _, valueID := range utils.SortedKeys(tx.invalidValues) {
		add(Event{Kind: KindInvalidValue, ValueID: valueID, Invalid: tx.invalidValues[valueID]}, valueID)
	}

	rows := make(map[rowKey]bool)
	tables := make(map[string]bool)
	for _, k := range sortedCellKeys(tx.cells) {
		c := tx.cells[k]
		if !c.changed() {
			continue
		}
		rows[rowKey{k.table, k.row}] = true
		tables[k.table] = true
		add(Event{Kind: KindCell, TableID: k.table, RowID: k.row, CellID: k.cell, Old: c.old, New: c.new},
			k.table, k.row, k.cell)
	}
	valuesChanged := false
	for _, valueID := range utils.SortedKeys(tx.values) {
		c := tx.values[valueID]
		if !c.changed() {
			continue
		}
		valuesChanged = true
		add(Event{Kind: KindValue, ValueID: valueID, Old: c.old, New: c.new}, valueID)
	}

	rowKeys := make([]rowKey, 0, len(rows))
	for k := range rows {
		rowKeys = append(rowKeys, k)
	}
	for k := range tx.cellIDs {
		if len(tx.cellIDs[k]) > 0 && !rows[k] {
			rowKeys = append(rowKeys, k)
		}
	}
	slices.SortFunc(rowKeys, func(a, b rowKey) int {
		return cmp.Or(cmp.Compare(a.table, b.table), cmp.Compare(a.row, b.row))
	})
	for _, k := range rowKeys {
		if rows[k] {
			add(Event{Kind: KindRow, TableID: k.table, RowID: k.row}, k.table, k.row)
		}
		if ids := tx.cellIDs[k]; len(ids) > 0 {
			add(Event{Kind: KindCellIDs, TableID: k.table, RowID: k.row, IDChanges: ids}, k.table, k.row)
		}
	}

	for tableID, ids := range tx.rowIDs {
		if len(ids) > 0 && !tables[tableID] {
			tables[tableID] = false
		}
	}
	for _, tableID := range utils.SortedKeys(tables) {
		if tables[tableID] {
			add(Event{Kind: KindTable, TableID: tableID}, tableID)
		}
		if ids := tx.rowIDs[tableID]; len(ids) > 0 {
			add(Event{Kind: KindRowIDs, TableID: tableID, IDChanges: ids}, tableID)
		}
	}

	if len(rows) > 0 {
		add(Event{Kind: KindTables})
	}
	if len(tx.tableIDs) > 0 {
		add(Event{Kind: KindTableIDs, IDChanges: tx.tableIDs})
	}
	if valuesChanged {
		add(Event{Kind: KindValues})
	}
	if len(tx.valueIDs) > 0 {
		add(Event{Kind: KindValueIDs, IDChanges: tx.valueIDs})
	}

	for _, f := range queue {
		for _, id := range f.ids {
			if e, ok := s.listeners.entries[id]; ok {
				e.l.Notify(s, f.ev)
			}
		}
	}
}

func sortedCellKeys[V any](m map[cellKey]V) []cellKey {
	keys := make([]cellKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b cellKey) int {
		return cmp.Or(cmp.Compare(a.table, b.table), cmp.Compare(a.row, b.row), cmp.Compare(a.cell, b.cell))
	})
	return keys
}
