package tabby

import (
	"encoding/json"
	"fmt"

	"github.com/drpcorg/tabby/rdx"
	"github.com/drpcorg/tabby/tabby_errors"
	"github.com/drpcorg/tabby/utils"
)

// CellSchema constrains one cell of a table, or one value.
// A none Default means there is no default.
type CellSchema struct {
	Type      rdx.Type
	Default   rdx.Value
	AllowNull bool
}

// TablesSchema maps table id to cell id to the cell's constraints.
type TablesSchema map[string]map[string]CellSchema

// ValuesSchema maps value id to its constraints.
type ValuesSchema map[string]CellSchema

func (cs CellSchema) check() error {
	switch cs.Type {
	case rdx.TypeString, rdx.TypeNumber, rdx.TypeBoolean:
	default:
		return fmt.Errorf("%w: type %s", tabby_errors.ErrBadSchema, cs.Type)
	}
	switch {
	case cs.Default.IsNone():
	case cs.Default.IsNull():
		if !cs.AllowNull {
			return fmt.Errorf("%w: null default without allowNull", tabby_errors.ErrBadSchema)
		}
	case cs.Default.Type() != cs.Type || !cs.Default.Valid():
		return fmt.Errorf("%w: default %s is not a %s", tabby_errors.ErrBadSchema, cs.Default, cs.Type)
	}
	return nil
}

func (cs CellSchema) accepts(v rdx.Value) bool {
	if !v.Valid() {
		return false
	}
	return v.Type() == cs.Type || (v.IsNull() && cs.AllowNull)
}

func (ts TablesSchema) check() error {
	if len(ts) == 0 {
		return fmt.Errorf("%w: no tables", tabby_errors.ErrBadSchema)
	}
	for tableID, cells := range ts {
		if tableID == "" || len(cells) == 0 {
			return fmt.Errorf("%w: table %q", tabby_errors.ErrBadSchema, tableID)
		}
		for cellID, cs := range cells {
			if cellID == "" {
				return fmt.Errorf("%w: empty cell id in %q", tabby_errors.ErrBadSchema, tableID)
			}
			if err := cs.check(); err != nil {
				return fmt.Errorf("%s/%s: %w", tableID, cellID, err)
			}
		}
	}
	return nil
}

func (ts TablesSchema) clone() TablesSchema {
	c := make(TablesSchema, len(ts))
	for tableID, cells := range ts {
		c[tableID] = make(map[string]CellSchema, len(cells))
		for cellID, cs := range cells {
			c[tableID][cellID] = cs
		}
	}
	return c
}

func (vs ValuesSchema) check() error {
	if len(vs) == 0 {
		return fmt.Errorf("%w: no values", tabby_errors.ErrBadSchema)
	}
	for valueID, cs := range vs {
		if valueID == "" {
			return fmt.Errorf("%w: empty value id", tabby_errors.ErrBadSchema)
		}
		if err := cs.check(); err != nil {
			return fmt.Errorf("%s: %w", valueID, err)
		}
	}
	return nil
}

func (vs ValuesSchema) clone() ValuesSchema {
	c := make(ValuesSchema, len(vs))
	for valueID, cs := range vs {
		c[valueID] = cs
	}
	return c
}

func (s *Store) validCell(tableID, cellID string, v rdx.Value) bool {
	if s.tablesSchema == nil {
		return v.Valid()
	}
	cs, ok := s.tablesSchema[tableID][cellID]
	return ok && cs.accepts(v)
}

func (s *Store) validValue(valueID string, v rdx.Value) bool {
	if s.valuesSchema == nil {
		return v.Valid()
	}
	cs, ok := s.valuesSchema[valueID]
	return ok && cs.accepts(v)
}

// SetTablesSchema installs a schema for the tabular half and brings the
// existing content in line with it: cells it rejects are removed, missing
// defaults are filled in. An invalid schema is refused with false and the
// previous one stays in effect.
func (s *Store) SetTablesSchema(schema TablesSchema) bool {
	if err := schema.check(); err != nil {
		s.log.Warn("schema: tables schema refused", "err", err)
		return false
	}
	s.fluent(func() {
		s.tablesSchema = schema.clone()
		for _, tableID := range s.GetTableIDs() {
			for _, rowID := range s.GetRowIDs(tableID) {
				row := s.row(tableID, rowID)
				for _, cellID := range row.Keys() {
					if v, _ := row.Get(cellID); !s.validCell(tableID, cellID, v) {
						s.tx.invalidCell(tableID, rowID, cellID, v)
						s.delCell(tableID, rowID, cellID, true)
					}
				}
				if row := s.row(tableID, rowID); row != nil {
					s.addCellDefaults(tableID, rowID, row)
				}
			}
		}
	})
	return true
}

// SetValuesSchema is SetTablesSchema for the keyed half.
func (s *Store) SetValuesSchema(schema ValuesSchema) bool {
	if err := schema.check(); err != nil {
		s.log.Warn("schema: values schema refused", "err", err)
		return false
	}
	s.fluent(func() {
		s.valuesSchema = schema.clone()
		for _, valueID := range s.GetValueIDs() {
			if v := s.GetValue(valueID); !s.validValue(valueID, v) {
				s.tx.invalidValue(valueID, v)
				s.delValue(valueID, true)
			}
		}
		for _, valueID := range utils.SortedKeys(s.valuesSchema) {
			if d := s.valuesSchema[valueID].Default; !d.IsNone() && !s.HasValue(valueID) {
				s.setValidValue(valueID, d)
			}
		}
	})
	return true
}

func (s *Store) GetTablesSchema() TablesSchema {
	if s.tablesSchema == nil {
		return nil
	}
	return s.tablesSchema.clone()
}

func (s *Store) GetValuesSchema() ValuesSchema {
	if s.valuesSchema == nil {
		return nil
	}
	return s.valuesSchema.clone()
}

func (s *Store) HasTablesSchema() bool {
	return s.tablesSchema != nil
}

func (s *Store) HasValuesSchema() bool {
	return s.valuesSchema != nil
}

func (s *Store) DelTablesSchema() *Store {
	s.tablesSchema = nil
	return s
}

func (s *Store) DelValuesSchema() *Store {
	s.valuesSchema = nil
	return s
}

type cellSchemaJSON struct {
	Type      string          `json:"type"`
	Default   json.RawMessage `json:"default,omitempty"`
	AllowNull bool            `json:"allowNull,omitempty"`
}

// MarshalJSON writes {"type": "string", "default": "x", "allowNull": true}.
func (cs CellSchema) MarshalJSON() ([]byte, error) {
	j := cellSchemaJSON{Type: cs.Type.String(), AllowNull: cs.AllowNull}
	if !cs.Default.IsNone() {
		def, err := json.Marshal(cs.Default)
		if err != nil {
			return nil, err
		}
		j.Default = def
	}
	return json.Marshal(j)
}

func (cs *CellSchema) UnmarshalJSON(data []byte) error {
	var j cellSchemaJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	t, ok := rdx.ParseType(j.Type)
	if !ok {
		return fmt.Errorf("%w: type %q", tabby_errors.ErrBadSchema, j.Type)
	}
	*cs = CellSchema{Type: t, AllowNull: j.AllowNull}
	if len(j.Default) > 0 {
		return json.Unmarshal(j.Default, &cs.Default)
	}
	return nil
}
