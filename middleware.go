package tabby

import "github.com/drpcorg/tabby/rdx"

// Interceptors run before a write reaches schema validation. Returning
// ok=false vetoes the write; otherwise the returned value replaces the
// incoming one for the interceptors that follow.
type (
	WillSetCell interface {
		WillSetCell(tableID, rowID, cellID string, v rdx.Value) (rdx.Value, bool)
	}
	WillSetRow interface {
		WillSetRow(tableID, rowID string, row rdx.Row) (rdx.Row, bool)
	}
	WillSetValue interface {
		WillSetValue(valueID string, v rdx.Value) (rdx.Value, bool)
	}
	WillSetValues interface {
		WillSetValues(values rdx.Values) (rdx.Values, bool)
	}
	WillDelCell interface {
		WillDelCell(tableID, rowID, cellID string) bool
	}
	WillDelValue interface {
		WillDelValue(valueID string) bool
	}
)

type (
	WillSetCellFunc   func(tableID, rowID, cellID string, v rdx.Value) (rdx.Value, bool)
	WillSetRowFunc    func(tableID, rowID string, row rdx.Row) (rdx.Row, bool)
	WillSetValueFunc  func(valueID string, v rdx.Value) (rdx.Value, bool)
	WillSetValuesFunc func(values rdx.Values) (rdx.Values, bool)
	WillDelCellFunc   func(tableID, rowID, cellID string) bool
	WillDelValueFunc  func(valueID string) bool
)

func (f WillSetCellFunc) WillSetCell(tableID, rowID, cellID string, v rdx.Value) (rdx.Value, bool) {
	return f(tableID, rowID, cellID, v)
}

func (f WillSetRowFunc) WillSetRow(tableID, rowID string, row rdx.Row) (rdx.Row, bool) {
	return f(tableID, rowID, row)
}

func (f WillSetValueFunc) WillSetValue(valueID string, v rdx.Value) (rdx.Value, bool) {
	return f(valueID, v)
}

func (f WillSetValuesFunc) WillSetValues(values rdx.Values) (rdx.Values, bool) {
	return f(values)
}

func (f WillDelCellFunc) WillDelCell(tableID, rowID, cellID string) bool {
	return f(tableID, rowID, cellID)
}

func (f WillDelValueFunc) WillDelValue(valueID string) bool {
	return f(valueID)
}

// Middleware holds the interceptor chains of one store, in registration
// order. Changes merged in from other replicas bypass it.
type Middleware struct {
	store *Store

	setCell   []WillSetCell
	setRow    []WillSetRow
	setValue  []WillSetValue
	setValues []WillSetValues
	delCell   []WillDelCell
	delValue  []WillDelValue
}

func (s *Store) Middleware() *Middleware {
	return s.middleware
}

func (m *Middleware) Store() *Store {
	return m.store
}

func (m *Middleware) AddWillSetCell(h WillSetCell) *Middleware {
	m.setCell = append(m.setCell, h)
	return m
}

func (m *Middleware) AddWillSetRow(h WillSetRow) *Middleware {
	m.setRow = append(m.setRow, h)
	return m
}

func (m *Middleware) AddWillSetValue(h WillSetValue) *Middleware {
	m.setValue = append(m.setValue, h)
	return m
}

func (m *Middleware) AddWillSetValues(h WillSetValues) *Middleware {
	m.setValues = append(m.setValues, h)
	return m
}

func (m *Middleware) AddWillDelCell(h WillDelCell) *Middleware {
	m.delCell = append(m.delCell, h)
	return m
}

func (m *Middleware) AddWillDelValue(h WillDelValue) *Middleware {
	m.delValue = append(m.delValue, h)
	return m
}

func (m *Middleware) willSetCell(tableID, rowID, cellID string, v rdx.Value) (rdx.Value, bool) {
	for _, h := range m.setCell {
		var ok bool
		if v, ok = h.WillSetCell(tableID, rowID, cellID, v); !ok {
			return v, false
		}
	}
	return v, true
}

func (m *Middleware) willSetRow(tableID, rowID string, row rdx.Row) (rdx.Row, bool) {
	for _, h := range m.setRow {
		var ok bool
		if row, ok = h.WillSetRow(tableID, rowID, row.Clone()); !ok {
			return nil, false
		}
	}
	return row, true
}

func (m *Middleware) willSetValue(valueID string, v rdx.Value) (rdx.Value, bool) {
	for _, h := range m.setValue {
		var ok bool
		if v, ok = h.WillSetValue(valueID, v); !ok {
			return v, false
		}
	}
	return v, true
}

func (m *Middleware) willSetValues(values rdx.Values) (rdx.Values, bool) {
	for _, h := range m.setValues {
		var ok bool
		if values, ok = h.WillSetValues(values.Clone()); !ok {
			return nil, false
		}
	}
	return values, true
}

func (m *Middleware) willDelCell(tableID, rowID, cellID string) bool {
	if m.store.merging {
		return true
	}
	for _, h := range m.delCell {
		if !h.WillDelCell(tableID, rowID, cellID) {
			return false
		}
	}
	return true
}

func (m *Middleware) willDelValue(valueID string) bool {
	if m.store.merging {
		return true
	}
	for _, h := range m.delValue {
		if !h.WillDelValue(valueID) {
			return false
		}
	}
	return true
}
