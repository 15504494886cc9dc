// Package tabby is an embeddable in-memory store of tables and keyed values
// with transactions, fine-grained listeners and a mergeable variant whose
// replicas converge through a hash-guided sync protocol.
//
// A Store belongs to one goroutine at a time. Components that reach it from
// their own goroutines (persisters, syncers) take Locker() first, and so must
// any host code that runs concurrently with them.
package tabby

import (
	"log/slog"
	"slices"
	"strconv"
	"sync"

	"github.com/drpcorg/tabby/rdx"
	"github.com/drpcorg/tabby/tabby_errors"
	"github.com/drpcorg/tabby/utils"
)

// MaxNotifyPasses bounds how many times listener mutations may re-trigger
// notification within one transaction.
const MaxNotifyPasses = 16

type Options struct {
	Logger utils.Logger
	// OnIgnoredError receives the errors the store recovers from by itself.
	OnIgnoredError  func(err error)
	MaxNotifyPasses int
	// NewRowID generates ids for AddRow. By default plain stores count up
	// per table and mergeable stores use UUIDv7.
	NewRowID func(s *Store, tableID string) string
	// Clock stamps the writes of a mergeable store; its Src is the replica id.
	Clock rdx.Clock
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelWarn)
	}
	if o.MaxNotifyPasses <= 0 {
		o.MaxNotifyPasses = MaxNotifyPasses
	}
	if o.NewRowID == nil {
		o.NewRowID = countRowID
	}
}

type (
	cellMap  = utils.OMap[string, rdx.Value]
	rowMap   = utils.OMap[string, *cellMap]
	tableMap = utils.OMap[string, *rowMap]
)

type Store struct {
	opts Options
	log  utils.Logger
	lock sync.Mutex

	tables *tableMap
	values *cellMap

	tablesSchema TablesSchema
	valuesSchema ValuesSchema

	middleware *Middleware
	listeners  *registry

	depth    int
	flushing bool
	tx       *txLog
	stamper  stamper
	// merging is set while stamped changes from another replica are
	// applied: they skip middleware and schema defaults.
	merging bool
	rowSeq  map[string]int
}

func NewStore(opts Options) *Store {
	opts.SetDefaults()
	s := &Store{
		opts:      opts,
		log:       opts.Logger,
		tables:    utils.NewOMap[string, *rowMap](),
		values:    utils.NewOMap[string, rdx.Value](),
		listeners: newRegistry(),
		rowSeq:    make(map[string]int),
	}
	s.middleware = &Middleware{store: s}
	return s
}

// Locker guards the store against the goroutines of persisters and syncers.
func (s *Store) Locker() sync.Locker {
	return &s.lock
}

func (s *Store) Logger() utils.Logger {
	return s.log
}

func (s *Store) ignored(err error) {
	if s.opts.OnIgnoredError != nil {
		s.opts.OnIgnoredError(err)
	}
}

func mustIDs(ids ...string) {
	for _, id := range ids {
		if id == "" {
			panic(tabby_errors.ErrEmptyID)
		}
	}
}

func countRowID(s *Store, tableID string) string {
	for {
		id := strconv.Itoa(s.rowSeq[tableID])
		s.rowSeq[tableID]++
		if !s.HasRow(tableID, id) {
			return id
		}
	}
}

// fluent runs fn inside a transaction.
func (s *Store) fluent(fn func()) *Store {
	s.StartTransaction()
	defer s.FinishTransaction()
	fn()
	return s
}

func (s *Store) row(tableID, rowID string) *cellMap {
	table, ok := s.tables.Get(tableID)
	if !ok {
		return nil
	}
	row, _ := table.Get(rowID)
	return row
}

func rowOf(cells *cellMap) rdx.Row {
	row := make(rdx.Row, cells.Len())
	cells.Range(func(id string, v rdx.Value) bool {
		row[id] = v
		return true
	})
	return row
}

func tableOf(rows *rowMap) rdx.Table {
	table := make(rdx.Table, rows.Len())
	rows.Range(func(id string, cells *cellMap) bool {
		table[id] = rowOf(cells)
		return true
	})
	return table
}

// Getters. Absent leaves read as the none Value; containers read as empty
// maps. Id lists come in insertion order.

func (s *Store) GetCell(tableID, rowID, cellID string) rdx.Value {
	if row := s.row(tableID, rowID); row != nil {
		v, _ := row.Get(cellID)
		return v
	}
	return rdx.Value{}
}

func (s *Store) HasCell(tableID, rowID, cellID string) bool {
	row := s.row(tableID, rowID)
	return row != nil && row.Has(cellID)
}

func (s *Store) GetCellIDs(tableID, rowID string) []string {
	if row := s.row(tableID, rowID); row != nil {
		return row.Keys()
	}
	return []string{}
}

func (s *Store) GetRow(tableID, rowID string) rdx.Row {
	if row := s.row(tableID, rowID); row != nil {
		return rowOf(row)
	}
	return rdx.Row{}
}

func (s *Store) HasRow(tableID, rowID string) bool {
	return s.row(tableID, rowID) != nil
}

func (s *Store) GetRowIDs(tableID string) []string {
	if table, ok := s.tables.Get(tableID); ok {
		return table.Keys()
	}
	return []string{}
}

func (s *Store) GetRowCount(tableID string) int {
	if table, ok := s.tables.Get(tableID); ok {
		return table.Len()
	}
	return 0
}

// GetSortedRowIDs orders the rows of a table by one of their cells (by row
// id when cellID is empty), then pages the result. Rows without the cell
// sort first; ties keep row id order. limit <= 0 means no limit.
func (s *Store) GetSortedRowIDs(tableID, cellID string, descending bool, offset, limit int) []string {
	ids := s.GetRowIDs(tableID)
	slices.SortStableFunc(ids, func(a, b string) int {
		var c int
		if cellID != "" {
			c = s.GetCell(tableID, a, cellID).Compare(s.GetCell(tableID, b, cellID))
		}
		if c == 0 {
			c = rdx.Str(a).Compare(rdx.Str(b))
		}
		if descending {
			c = -c
		}
		return c
	})
	if offset >= len(ids) {
		return []string{}
	}
	ids = ids[max(offset, 0):]
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	return ids
}

func (s *Store) GetTable(tableID string) rdx.Table {
	if table, ok := s.tables.Get(tableID); ok {
		return tableOf(table)
	}
	return rdx.Table{}
}

func (s *Store) HasTable(tableID string) bool {
	return s.tables.Has(tableID)
}

// GetTableCellIDs lists every cell id used in a table, in order of first use.
func (s *Store) GetTableCellIDs(tableID string) []string {
	ids := []string{}
	seen := make(map[string]bool)
	if table, ok := s.tables.Get(tableID); ok {
		table.Range(func(_ string, row *cellMap) bool {
			for _, id := range row.Keys() {
				if !seen[id] {
					seen[id] = true
					ids = append(ids, id)
				}
			}
			return true
		})
	}
	return ids
}

func (s *Store) GetTableIDs() []string {
	return s.tables.Keys()
}

func (s *Store) GetTables() rdx.Tables {
	tables := make(rdx.Tables, s.tables.Len())
	s.tables.Range(func(id string, rows *rowMap) bool {
		tables[id] = tableOf(rows)
		return true
	})
	return tables
}

func (s *Store) HasTables() bool {
	return s.tables.Len() > 0
}

func (s *Store) GetValue(valueID string) rdx.Value {
	v, _ := s.values.Get(valueID)
	return v
}

func (s *Store) HasValue(valueID string) bool {
	return s.values.Has(valueID)
}

func (s *Store) GetValueIDs() []string {
	return s.values.Keys()
}

func (s *Store) GetValues() rdx.Values {
	return rdx.Values(rowOf(s.values))
}

func (s *Store) HasValues() bool {
	return s.values.Len() > 0
}

func (s *Store) GetContent() rdx.Content {
	return rdx.Content{Tables: s.GetTables(), Values: s.GetValues()}
}

// Mutators. Each runs as a transaction of its own unless one is already
// open, and returns the store for chaining. Writes that fail middleware or
// schema checks are dropped leaf by leaf; the rest of a compound write
// still applies.

func (s *Store) SetCell(tableID, rowID, cellID string, v rdx.Value) *Store {
	mustIDs(tableID, rowID, cellID)
	return s.fluent(func() {
		if v, ok := s.middleware.willSetCell(tableID, rowID, cellID, v); ok {
			s.setCell(tableID, rowID, cellID, v)
		}
	})
}

func (s *Store) SetRow(tableID, rowID string, row rdx.Row) *Store {
	mustIDs(tableID, rowID)
	return s.fluent(func() {
		if valid := s.validRow(tableID, rowID, row, true); len(valid) > 0 {
			s.replaceRow(tableID, rowID, valid)
		}
	})
}

// SetPartialRow sets the given cells and leaves the others alone.
func (s *Store) SetPartialRow(tableID, rowID string, row rdx.Row) *Store {
	mustIDs(tableID, rowID)
	return s.fluent(func() {
		valid := s.validRow(tableID, rowID, row, false)
		for _, cellID := range utils.SortedKeys(valid) {
			s.setValidCell(tableID, rowID, cellID, valid[cellID])
		}
	})
}

// AddRow stores row under a generated id and returns it, or "" when
// nothing of row was valid.
func (s *Store) AddRow(tableID string, row rdx.Row) (rowID string) {
	mustIDs(tableID)
	s.fluent(func() {
		id := s.opts.NewRowID(s, tableID)
		if valid := s.validRow(tableID, id, row, true); len(valid) > 0 {
			s.replaceRow(tableID, id, valid)
			rowID = id
		}
	})
	return
}

func (s *Store) SetTable(tableID string, table rdx.Table) *Store {
	mustIDs(tableID)
	return s.fluent(func() {
		if valid := s.validTable(tableID, table); len(valid) > 0 {
			s.replaceTable(tableID, valid)
		}
	})
}

func (s *Store) SetTables(tables rdx.Tables) *Store {
	return s.fluent(func() {
		valid := make(map[string]rdx.Table, len(tables))
		for _, tableID := range utils.SortedKeys(tables) {
			mustIDs(tableID)
			if table := s.validTable(tableID, tables[tableID]); len(table) > 0 {
				valid[tableID] = table
			}
		}
		if len(valid) == 0 {
			return
		}
		for _, tableID := range utils.SortedKeys(valid) {
			s.replaceTable(tableID, valid[tableID])
		}
		for _, tableID := range s.tables.Keys() {
			if _, ok := valid[tableID]; !ok {
				s.delTable(tableID)
			}
		}
	})
}

func (s *Store) SetValue(valueID string, v rdx.Value) *Store {
	mustIDs(valueID)
	return s.fluent(func() {
		if v, ok := s.middleware.willSetValue(valueID, v); ok {
			s.setValue(valueID, v)
		}
	})
}

// SetPartialValues sets the given values and leaves the others alone.
func (s *Store) SetPartialValues(values rdx.Values) *Store {
	return s.fluent(func() {
		valid := s.validValues(values, false)
		for _, valueID := range utils.SortedKeys(valid) {
			s.setValidValue(valueID, valid[valueID])
		}
	})
}

func (s *Store) SetValues(values rdx.Values) *Store {
	return s.fluent(func() {
		valid := s.validValues(values, true)
		if len(valid) == 0 {
			return
		}
		for _, valueID := range utils.SortedKeys(valid) {
			s.setValidValue(valueID, valid[valueID])
		}
		for _, valueID := range s.values.Keys() {
			if _, ok := valid[valueID]; !ok {
				s.delValue(valueID, false)
			}
		}
	})
}

// SetContent replaces both halves of the content. An empty half is cleared.
func (s *Store) SetContent(content rdx.Content) *Store {
	return s.fluent(func() {
		if len(content.Tables) == 0 {
			s.DelTables()
		} else {
			s.SetTables(content.Tables)
		}
		if len(content.Values) == 0 {
			s.DelValues()
		} else {
			s.SetValues(content.Values)
		}
	})
}

// DelCell removes a cell. Without forceDel, a cell with a schema default is
// reset to the default instead.
func (s *Store) DelCell(tableID, rowID, cellID string, forceDel bool) *Store {
	mustIDs(tableID, rowID, cellID)
	return s.fluent(func() {
		if s.middleware.willDelCell(tableID, rowID, cellID) {
			s.delCell(tableID, rowID, cellID, forceDel)
		}
	})
}

func (s *Store) DelRow(tableID, rowID string) *Store {
	mustIDs(tableID, rowID)
	return s.fluent(func() {
		s.delRow(tableID, rowID)
	})
}

func (s *Store) DelTable(tableID string) *Store {
	mustIDs(tableID)
	return s.fluent(func() {
		s.delTable(tableID)
	})
}

func (s *Store) DelTables() *Store {
	return s.fluent(func() {
		for _, tableID := range s.tables.Keys() {
			s.delTable(tableID)
		}
	})
}

// DelValue removes a value. Without forceDel, a value with a schema default
// is reset to the default instead.
func (s *Store) DelValue(valueID string, forceDel bool) *Store {
	mustIDs(valueID)
	return s.fluent(func() {
		if s.middleware.willDelValue(valueID) {
			s.delValue(valueID, forceDel)
		}
	})
}

// DelValues removes every value; values with defaults are reset.
func (s *Store) DelValues() *Store {
	return s.fluent(func() {
		for _, valueID := range s.values.Keys() {
			if s.middleware.willDelValue(valueID) {
				s.delValue(valueID, false)
			}
		}
	})
}

// Internals. These run inside an open transaction and record what they
// change in s.tx.

func (s *Store) setCell(tableID, rowID, cellID string, v rdx.Value) {
	if !s.validCell(tableID, cellID, v) {
		s.tx.invalidCell(tableID, rowID, cellID, v)
		return
	}
	s.setValidCell(tableID, rowID, cellID, v)
}

func (s *Store) setValidCell(tableID, rowID, cellID string, v rdx.Value) {
	table, ok := s.tables.Get(tableID)
	if !ok {
		table = utils.NewOMap[string, *cellMap]()
		s.tables.Set(tableID, table)
		s.tx.tableID(tableID, 1)
	}
	row, ok := table.Get(rowID)
	if !ok {
		row = utils.NewOMap[string, rdx.Value]()
		table.Set(rowID, row)
		s.tx.rowID(tableID, rowID, 1)
	}
	s.putCell(tableID, rowID, cellID, row, v)
	if !ok && !s.merging {
		s.addCellDefaults(tableID, rowID, row)
	}
}

func (s *Store) putCell(tableID, rowID, cellID string, row *cellMap, v rdx.Value) {
	old, had := row.Get(cellID)
	row.Set(cellID, v)
	s.tx.cell(tableID, rowID, cellID, old, v)
	if !had {
		s.tx.cellID(tableID, rowID, cellID, 1)
	}
}

func (s *Store) addCellDefaults(tableID, rowID string, row *cellMap) {
	cells := s.tablesSchema[tableID]
	for _, cellID := range utils.SortedKeys(cells) {
		if d := cells[cellID].Default; !d.IsNone() && !row.Has(cellID) {
			s.putCell(tableID, rowID, cellID, row, d)
		}
	}
}

// validRow runs row through middleware and schema. With defaults, missing
// cells that have schema defaults are filled in.
func (s *Store) validRow(tableID, rowID string, row rdx.Row, defaults bool) rdx.Row {
	if !s.merging {
		var ok bool
		if row, ok = s.middleware.willSetRow(tableID, rowID, row); !ok {
			return nil
		}
	}
	valid := make(rdx.Row, len(row))
	for _, cellID := range utils.SortedKeys(row) {
		mustIDs(cellID)
		v := row[cellID]
		if !s.merging {
			var ok bool
			if v, ok = s.middleware.willSetCell(tableID, rowID, cellID, v); !ok {
				continue
			}
		}
		if !s.validCell(tableID, cellID, v) {
			s.tx.invalidCell(tableID, rowID, cellID, v)
			continue
		}
		valid[cellID] = v
	}
	if defaults && !s.merging {
		for cellID, cs := range s.tablesSchema[tableID] {
			if _, ok := valid[cellID]; !ok && !cs.Default.IsNone() {
				valid[cellID] = cs.Default
			}
		}
	}
	return valid
}

func (s *Store) validTable(tableID string, table rdx.Table) map[string]rdx.Row {
	valid := make(map[string]rdx.Row, len(table))
	for _, rowID := range utils.SortedKeys(table) {
		mustIDs(rowID)
		if row := s.validRow(tableID, rowID, table[rowID], true); len(row) > 0 {
			valid[rowID] = row
		}
	}
	return valid
}

// replaceRow makes the row hold exactly the given valid cells.
func (s *Store) replaceRow(tableID, rowID string, valid rdx.Row) {
	for _, cellID := range utils.SortedKeys(valid) {
		s.setValidCell(tableID, rowID, cellID, valid[cellID])
	}
	if row := s.row(tableID, rowID); row != nil {
		for _, cellID := range row.Keys() {
			if _, ok := valid[cellID]; !ok {
				s.delCell(tableID, rowID, cellID, true)
			}
		}
	}
}

func (s *Store) replaceTable(tableID string, valid map[string]rdx.Row) {
	for _, rowID := range utils.SortedKeys(valid) {
		s.replaceRow(tableID, rowID, valid[rowID])
	}
	for _, rowID := range s.GetRowIDs(tableID) {
		if _, ok := valid[rowID]; !ok {
			s.delRow(tableID, rowID)
		}
	}
}

func (s *Store) delCell(tableID, rowID, cellID string, forceDel bool) {
	row := s.row(tableID, rowID)
	if row == nil || !row.Has(cellID) {
		return
	}
	if !forceDel && !s.merging {
		if d := s.tablesSchema[tableID][cellID].Default; !d.IsNone() {
			s.putCell(tableID, rowID, cellID, row, d)
			return
		}
	}
	old, _ := row.Get(cellID)
	row.Delete(cellID)
	s.tx.cell(tableID, rowID, cellID, old, rdx.Value{})
	s.tx.cellID(tableID, rowID, cellID, -1)
	if row.Len() > 0 {
		return
	}
	table, _ := s.tables.Get(tableID)
	table.Delete(rowID)
	s.tx.rowID(tableID, rowID, -1)
	if table.Len() == 0 {
		s.tables.Delete(tableID)
		s.tx.tableID(tableID, -1)
	}
}

func (s *Store) delRow(tableID, rowID string) {
	for _, cellID := range s.GetCellIDs(tableID, rowID) {
		if s.middleware.willDelCell(tableID, rowID, cellID) {
			s.delCell(tableID, rowID, cellID, true)
		}
	}
}

func (s *Store) delTable(tableID string) {
	for _, rowID := range s.GetRowIDs(tableID) {
		s.delRow(tableID, rowID)
	}
}

func (s *Store) setValue(valueID string, v rdx.Value) {
	if !s.validValue(valueID, v) {
		s.tx.invalidValue(valueID, v)
		return
	}
	s.setValidValue(valueID, v)
}

func (s *Store) setValidValue(valueID string, v rdx.Value) {
	old, had := s.values.Get(valueID)
	s.values.Set(valueID, v)
	s.tx.value(valueID, old, v)
	if !had {
		s.tx.valueID(valueID, 1)
	}
}

func (s *Store) validValues(values rdx.Values, defaults bool) rdx.Values {
	if !s.merging {
		var ok bool
		if values, ok = s.middleware.willSetValues(values); !ok {
			return nil
		}
	}
	valid := make(rdx.Values, len(values))
	for _, valueID := range utils.SortedKeys(values) {
		mustIDs(valueID)
		v := values[valueID]
		if !s.merging {
			var ok bool
			if v, ok = s.middleware.willSetValue(valueID, v); !ok {
				continue
			}
		}
		if !s.validValue(valueID, v) {
			s.tx.invalidValue(valueID, v)
			continue
		}
		valid[valueID] = v
	}
	if defaults && !s.merging {
		for valueID, vs := range s.valuesSchema {
			if _, ok := valid[valueID]; !ok && !vs.Default.IsNone() {
				valid[valueID] = vs.Default
			}
		}
	}
	return valid
}

func (s *Store) delValue(valueID string, forceDel bool) {
	old, had := s.values.Get(valueID)
	if !had {
		return
	}
	if !forceDel && !s.merging {
		if d := s.valuesSchema[valueID].Default; !d.IsNone() {
			s.setValidValue(valueID, d)
			return
		}
	}
	s.values.Delete(valueID)
	s.tx.value(valueID, old, rdx.Value{})
	s.tx.valueID(valueID, -1)
}
