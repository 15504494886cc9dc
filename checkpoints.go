package tabby

import (
	"strconv"

	"github.com/drpcorg/tabby/rdx"
	"github.com/drpcorg/tabby/tabby_errors"
	"github.com/drpcorg/tabby/utils"
)

// DefaultCheckpointsSize is how many backward checkpoints are kept.
const DefaultCheckpointsSize = 100

type CheckpointsListener interface {
	CheckpointIDsChanged(c *Checkpoints)
}

type CheckpointsListenerFunc func(c *Checkpoints)

func (f CheckpointsListenerFunc) CheckpointIDsChanged(c *Checkpoints) {
	f(c)
}

type delta struct {
	cells  map[cellKey]*change
	values map[string]*change
}

func newDelta() *delta {
	return &delta{cells: make(map[cellKey]*change), values: make(map[string]*change)}
}

/*
Checkpoints records the changes of a store between labelled points so they
can be undone and redone.

	backward: older checkpoints, oldest first
	current:  the checkpoint the content is at, "" while changes are pending
	forward:  undone checkpoints, nearest first

Each checkpoint holds the delta from its predecessor. A change made while
forward checkpoints exist discards them.
*/
type Checkpoints struct {
	store     *Store
	size      int
	seq       int
	backward  []string
	current   string
	forward   []string
	labels    map[string]string
	deltas    map[string]*delta
	pending   *delta
	applying  bool
	changed   bool
	listeners map[ListenerID]CheckpointsListener
	lastID    ListenerID
	own       []ListenerID
}

// NewCheckpoints starts tracking s. The content at this moment becomes
// the first checkpoint.
func NewCheckpoints(s *Store) *Checkpoints {
	c := &Checkpoints{
		store:     s,
		size:      DefaultCheckpointsSize,
		labels:    make(map[string]string),
		deltas:    make(map[string]*delta),
		pending:   newDelta(),
		listeners: make(map[ListenerID]CheckpointsListener),
	}
	c.current = c.nextID()
	c.deltas[c.current] = newDelta()
	c.own = []ListenerID{
		s.AddCellListener("", "", "", ListenerFunc(c.onCell)),
		s.AddValueListener("", ListenerFunc(c.onValue)),
		s.AddDidFinishTransactionListener(ListenerFunc(func(*Store, Event) { c.fire() })),
	}
	return c
}

func (c *Checkpoints) Store() *Store {
	return c.store
}

func (c *Checkpoints) nextID() string {
	id := strconv.Itoa(c.seq)
	c.seq++
	return id
}

func (c *Checkpoints) diverge() {
	if c.current != "" {
		c.backward = append(c.backward, c.current)
		c.current = ""
		c.trim()
	}
	c.dropForward()
	c.changed = true
}

func (c *Checkpoints) onCell(_ *Store, ev Event) {
	if c.applying {
		return
	}
	c.diverge()
	k := cellKey{ev.TableID, ev.RowID, ev.CellID}
	record(c.pending.cells, k, ev.Old, ev.New)
}

func (c *Checkpoints) onValue(_ *Store, ev Event) {
	if c.applying {
		return
	}
	c.diverge()
	record(c.pending.values, ev.ValueID, ev.Old, ev.New)
}

func record[K comparable](m map[K]*change, k K, old, new rdx.Value) {
	if ch, ok := m[k]; ok {
		ch.new = new
		if !ch.changed() {
			delete(m, k)
		}
		return
	}
	m[k] = &change{old: old, new: new}
}

func (c *Checkpoints) trim() {
	for len(c.backward) > c.size {
		c.forget(c.backward[0])
		c.backward = c.backward[1:]
	}
}

func (c *Checkpoints) dropForward() {
	for _, id := range c.forward {
		c.forget(id)
	}
	c.forward = nil
}

func (c *Checkpoints) forget(id string) {
	delete(c.deltas, id)
	delete(c.labels, id)
}

func (c *Checkpoints) fire() {
	if !c.changed {
		return
	}
	c.changed = false
	for _, id := range utils.SortedKeys(c.listeners) {
		if l, ok := c.listeners[id]; ok {
			l.CheckpointIDsChanged(c)
		}
	}
}

// AddCheckpoint commits the pending changes as a new checkpoint and returns
// its id. With nothing pending it labels and returns the current one.
func (c *Checkpoints) AddCheckpoint(label string) string {
	if c.current == "" {
		c.current = c.nextID()
		c.deltas[c.current] = c.pending
		c.pending = newDelta()
		c.changed = true
	}
	c.SetCheckpoint(c.current, label)
	if c.store.depth == 0 {
		c.fire()
	}
	return c.current
}

// SetCheckpoint relabels a known checkpoint.
func (c *Checkpoints) SetCheckpoint(id, label string) *Checkpoints {
	if _, ok := c.deltas[id]; ok && label != "" {
		c.labels[id] = label
	}
	return c
}

// GetCheckpoint returns the label of a checkpoint.
func (c *Checkpoints) GetCheckpoint(id string) string {
	return c.labels[id]
}

func (c *Checkpoints) HasCheckpoint(id string) bool {
	_, ok := c.deltas[id]
	return ok
}

func (c *Checkpoints) GetCheckpointIDs() (backward []string, current string, forward []string) {
	return append([]string{}, c.backward...), c.current, append([]string{}, c.forward...)
}

// inTransaction refuses to move while the store has a transaction open:
// the replayed writes would be flushed together with the caller's and
// could not be told apart.
func (c *Checkpoints) inTransaction(op string) bool {
	if c.store.depth == 0 {
		return false
	}
	c.store.Logger().Warn("checkpoints: move refused inside a transaction", "op", op)
	c.store.ignored(tabby_errors.ErrInTransaction)
	return true
}

// apply replays a delta onto the store, undoing it when back is set.
func (c *Checkpoints) apply(d *delta, back bool) {
	c.applying = true
	defer func() { c.applying = false }()
	pick := func(ch *change) rdx.Value {
		if back {
			return ch.old
		}
		return ch.new
	}
	c.store.Transaction(func(s *Store) {
		for _, k := range sortedCellKeys(d.cells) {
			if v := pick(d.cells[k]); v.IsNone() {
				s.DelCell(k.table, k.row, k.cell, true)
			} else {
				s.SetCell(k.table, k.row, k.cell, v)
			}
		}
		for _, valueID := range utils.SortedKeys(d.values) {
			if v := pick(d.values[valueID]); v.IsNone() {
				s.DelValue(valueID, true)
			} else {
				s.SetValue(valueID, v)
			}
		}
	})
}

// GoBackward undoes the current checkpoint, committing pending changes
// first. It does nothing inside a transaction.
func (c *Checkpoints) GoBackward() *Checkpoints {
	if c.inTransaction("backward") {
		return c
	}
	if c.current == "" {
		c.AddCheckpoint("")
	}
	if len(c.backward) == 0 {
		return c
	}
	id := c.current
	c.forward = append([]string{id}, c.forward...)
	c.current = c.backward[len(c.backward)-1]
	c.backward = c.backward[:len(c.backward)-1]
	c.changed = true
	c.apply(c.deltas[id], true)
	c.fire()
	return c
}

// GoForward redoes the nearest undone checkpoint. It does nothing inside
// a transaction.
func (c *Checkpoints) GoForward() *Checkpoints {
	if c.inTransaction("forward") {
		return c
	}
	if len(c.forward) == 0 || c.current == "" {
		return c
	}
	id := c.forward[0]
	c.backward = append(c.backward, c.current)
	c.current = id
	c.forward = c.forward[1:]
	c.changed = true
	c.apply(c.deltas[id], false)
	c.fire()
	return c
}

// GoTo moves backward or forward until id is current. It does nothing
// inside a transaction.
func (c *Checkpoints) GoTo(id string) *Checkpoints {
	if c.inTransaction("goto") {
		return c
	}
	for i := len(c.backward) - 1; i >= 0; i-- {
		if c.backward[i] == id {
			for c.current != id {
				c.GoBackward()
			}
			return c
		}
	}
	for _, fid := range c.forward {
		if fid == id {
			for c.current != id {
				c.GoForward()
			}
			return c
		}
	}
	return c
}

// SetSize bounds the backward list, forgetting the oldest checkpoints.
func (c *Checkpoints) SetSize(size int) *Checkpoints {
	c.size = max(size, 0)
	if len(c.backward) > c.size {
		c.trim()
		c.changed = true
		c.fire()
	}
	return c
}

// ClearForward forgets the undone checkpoints.
func (c *Checkpoints) ClearForward() *Checkpoints {
	if len(c.forward) > 0 {
		c.dropForward()
		c.changed = true
		c.fire()
	}
	return c
}

// Clear forgets every checkpoint; the content at this moment becomes the
// only one.
func (c *Checkpoints) Clear() *Checkpoints {
	for _, id := range c.backward {
		c.forget(id)
	}
	c.backward = nil
	c.dropForward()
	c.forget(c.current)
	c.pending = newDelta()
	c.current = c.nextID()
	c.deltas[c.current] = newDelta()
	c.changed = true
	c.fire()
	return c
}

func (c *Checkpoints) AddCheckpointIDsListener(l CheckpointsListener) ListenerID {
	c.lastID++
	c.listeners[c.lastID] = l
	return c.lastID
}

func (c *Checkpoints) DelListener(id ListenerID) *Checkpoints {
	delete(c.listeners, id)
	return c
}

// Destroy stops tracking the store.
func (c *Checkpoints) Destroy() {
	for _, id := range c.own {
		c.store.DelListener(id)
	}
	c.own = nil
	clear(c.listeners)
}
