package rdx

import (
	"encoding/json"
	"fmt"
)

type (
	Row    map[string]Value
	Table  map[string]Row
	Tables map[string]Table
	Values map[string]Value
)

// Content is the whole state of a store: the tabular half and the keyed half.
type Content struct {
	Tables Tables
	Values Values
}

func (r Row) Clone() Row {
	c := make(Row, len(r))
	for id, v := range r {
		c[id] = v
	}
	return c
}

func (r Row) Equal(o Row) bool {
	if len(r) != len(o) {
		return false
	}
	for id, v := range r {
		if ov, ok := o[id]; !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

func (t Table) Clone() Table {
	c := make(Table, len(t))
	for id, r := range t {
		c[id] = r.Clone()
	}
	return c
}

func (t Table) Equal(o Table) bool {
	if len(t) != len(o) {
		return false
	}
	for id, r := range t {
		if or, ok := o[id]; !ok || !r.Equal(or) {
			return false
		}
	}
	return true
}

func (ts Tables) Clone() Tables {
	c := make(Tables, len(ts))
	for id, t := range ts {
		c[id] = t.Clone()
	}
	return c
}

func (ts Tables) Equal(o Tables) bool {
	if len(ts) != len(o) {
		return false
	}
	for id, t := range ts {
		if ot, ok := o[id]; !ok || !t.Equal(ot) {
			return false
		}
	}
	return true
}

func (vs Values) Clone() Values {
	return Values(Row(vs).Clone())
}

func (vs Values) Equal(o Values) bool {
	return Row(vs).Equal(Row(o))
}

func (c Content) Clone() Content {
	return Content{Tables: c.Tables.Clone(), Values: c.Values.Clone()}
}

func (c Content) Equal(o Content) bool {
	return c.Tables.Equal(o.Tables) && c.Values.Equal(o.Values)
}

func (c Content) IsEmpty() bool {
	return len(c.Tables) == 0 && len(c.Values) == 0
}

// MarshalJSON writes [tables, values].
func (c Content) MarshalJSON() ([]byte, error) {
	ts, vs := c.Tables, c.Values
	if ts == nil {
		ts = Tables{}
	}
	if vs == nil {
		vs = Values{}
	}
	return json.Marshal([2]any{ts, vs})
}

func (c *Content) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) != 2 {
		return fmt.Errorf("%w: content has %d parts", ErrBadValue, len(parts))
	}
	*c = Content{}
	if err := json.Unmarshal(parts[0], &c.Tables); err != nil {
		return err
	}
	return json.Unmarshal(parts[1], &c.Values)
}

// ContentOf reads the live content of a stamped root. Deleted leaves are
// skipped, and so are rows and tables left without live cells.
func ContentOf(root *Stamp) Content {
	c := Content{Tables: Tables{}, Values: Values{}}
	if root == nil {
		return c
	}
	if ts := root.Get(TablesPath()); ts != nil {
		for tid, tnode := range ts.Children {
			table := Table{}
			for rid, rnode := range tnode.Children {
				row := Row{}
				for cid, leaf := range rnode.Children {
					if !leaf.IsDeleted() {
						row[cid] = leaf.Value
					}
				}
				if len(row) > 0 {
					table[rid] = row
				}
			}
			if len(table) > 0 {
				c.Tables[tid] = table
			}
		}
	}
	if vs := root.Get(ValuesPath()); vs != nil {
		for vid, leaf := range vs.Children {
			if !leaf.IsDeleted() {
				c.Values[vid] = leaf.Value
			}
		}
	}
	return c
}

// StampContent stamps every leaf of c with time t.
func StampContent(c Content, t Time) *Stamp {
	tables := make(map[string]*Stamp, len(c.Tables))
	for tid, table := range c.Tables {
		rows := make(map[string]*Stamp, len(table))
		for rid, row := range table {
			cells := make(map[string]*Stamp, len(row))
			for cid, v := range row {
				cells[cid] = NewLeaf(v, t)
			}
			rows[rid] = NewNode(cells)
		}
		tables[tid] = NewNode(rows)
	}
	values := make(map[string]*Stamp, len(c.Values))
	for vid, v := range c.Values {
		values[vid] = NewLeaf(v, t)
	}
	return NewNode(map[string]*Stamp{
		TablesKey: NewNode(tables),
		ValuesKey: NewNode(values),
	})
}
