package rdx

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cespare/xxhash"
	"github.com/drpcorg/tabby/protocol"
	"github.com/drpcorg/tabby/utils"
)

// Stamp is a node of a stamped content tree: (time, value or children, hash).
//
// Leaves (Children == nil) carry the Value written at Time; a none Value is a
// deleted leaf. Internal nodes carry Children, their Time is the latest
// time below them and their Hash folds the children's hashes.
type Stamp struct {
	Time     Time
	Value    Value
	Children map[string]*Stamp
	Hash     uint64
}

var (
	ErrBadStamp = errors.New("rdx: bad stamp")
	ErrBadHash  = errors.New("rdx: stamp hash mismatch")
)

func u64(h uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], h)
	return b[:]
}

// LeafHash covers the value and the time of a write.
func LeafHash(v Value, t Time) uint64 {
	return xxhash.Sum64(protocol.Concat(v.TLV(), t.Bytes()))
}

// ChildHash is the share of one child in its parent's hash. Parents XOR
// the shares together, so the fold is order-free and a single child can be
// swapped out by XORing its old share out and the new one in.
func ChildHash(id string, hash uint64) uint64 {
	return xxhash.Sum64(protocol.Concat([]byte(id), u64(hash)))
}

// NodeHash mixes the XOR of child shares with the node's time.
func NodeHash(sum uint64, t Time) uint64 {
	return xxhash.Sum64(protocol.Concat(u64(sum), t.Bytes()))
}

func NewLeaf(v Value, t Time) *Stamp {
	return &Stamp{Time: t, Value: v, Hash: LeafHash(v, t)}
}

// NewNode builds an internal node over children, computing time and hash.
func NewNode(children map[string]*Stamp) *Stamp {
	if children == nil {
		children = make(map[string]*Stamp)
	}
	s := &Stamp{Children: children}
	s.rehashNode()
	return s
}

func (s *Stamp) rehashNode() {
	var sum uint64
	var t Time
	for id, kid := range s.Children {
		sum ^= ChildHash(id, kid.Hash)
		t = MaxTime(t, kid.Time)
	}
	s.Time = t
	s.Hash = NodeHash(sum, t)
}

func (s *Stamp) IsLeaf() bool {
	return s.Children == nil
}

// IsDeleted reports a deletion marker leaf.
func (s *Stamp) IsDeleted() bool {
	return s.IsLeaf() && s.Value.IsNone()
}

// Rehash recomputes every hash and internal time below s.
func (s *Stamp) Rehash() {
	if s.IsLeaf() {
		s.Hash = LeafHash(s.Value, s.Time)
		return
	}
	for _, kid := range s.Children {
		kid.Rehash()
	}
	s.rehashNode()
}

// Get returns the node at path, or nil.
func (s *Stamp) Get(path Path) *Stamp {
	node := s
	for _, id := range path {
		if node == nil || node.IsLeaf() {
			return nil
		}
		node = node.Children[id]
	}
	return node
}

func (s *Stamp) Clone() *Stamp {
	if s == nil {
		return nil
	}
	c := &Stamp{Time: s.Time, Value: s.Value, Hash: s.Hash}
	if s.Children != nil {
		c.Children = make(map[string]*Stamp, len(s.Children))
		for id, kid := range s.Children {
			c.Children[id] = kid.Clone()
		}
	}
	return c
}

func (s *Stamp) Equal(o *Stamp) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.Time != o.Time || s.Hash != o.Hash || !s.Value.Equal(o.Value) ||
		s.IsLeaf() != o.IsLeaf() || len(s.Children) != len(o.Children) {
		return false
	}
	for id, kid := range s.Children {
		if !kid.Equal(o.Children[id]) {
			return false
		}
	}
	return true
}

// Walk visits the leaves below s in path order.
func (s *Stamp) Walk(fn func(path Path, leaf *Stamp)) {
	s.walk(Path{}, fn)
}

func (s *Stamp) walk(at Path, fn func(path Path, leaf *Stamp)) {
	if s.IsLeaf() {
		fn(at, s)
		return
	}
	for _, id := range utils.SortedKeys(s.Children) {
		s.Children[id].walk(at.Child(id), fn)
	}
}

// Wrap puts node under its ancestors so that it sits at path of a tree
// rooted at the content level.
func Wrap(path Path, node *Stamp) *Stamp {
	for i := len(path) - 1; i >= 0; i-- {
		node = NewNode(map[string]*Stamp{path[i]: node})
	}
	return node
}

// CheckShape verifies that s, found at path, has the layout of a content
// tree: leaves exactly at leaf depth, internal nodes above, no empty ids.
func (s *Stamp) CheckShape(path Path) error {
	if !path.Valid() {
		return fmt.Errorf("%w: path %s", ErrBadStamp, path)
	}
	if path.IsLeaf() {
		if !s.IsLeaf() {
			return fmt.Errorf("%w: children at leaf %s", ErrBadStamp, path)
		}
		if !s.Value.IsNone() && !s.Value.Valid() {
			return fmt.Errorf("%w: value at %s", ErrBadStamp, path)
		}
		return nil
	}
	if s.IsLeaf() {
		return fmt.Errorf("%w: leaf at %s", ErrBadStamp, path)
	}
	for id, kid := range s.Children {
		if kid == nil {
			return fmt.Errorf("%w: nil child %q at %s", ErrBadStamp, id, path)
		}
		if err := kid.CheckShape(path.Child(id)); err != nil {
			return err
		}
	}
	return nil
}

// TLV encodes the tree:
//
//	leaf: L( T(time) H(hash) value? )
//	node: I( T(time) H(hash) {K(id) child}* )
func (s *Stamp) TLV() []byte {
	return s.appendTLV(nil)
}

func (s *Stamp) appendTLV(into []byte) []byte {
	lit := byte('I')
	if s.IsLeaf() {
		lit = 'L'
	}
	bm, into := protocol.OpenHeader(into, lit)
	into = append(into, protocol.TinyRecord('T', s.Time.ZipBytes())...)
	into = append(into, protocol.Record('H', u64(s.Hash))...)
	if s.IsLeaf() {
		into = append(into, s.Value.TLV()...)
	} else {
		for _, id := range utils.SortedKeys(s.Children) {
			into = append(into, protocol.Record('K', []byte(id))...)
			into = s.Children[id].appendTLV(into)
		}
	}
	protocol.CloseHeader(into, bm)
	return into
}

// StampFromTLV decodes a tree and checks every hash against its content.
func StampFromTLV(tlv []byte) (*Stamp, error) {
	s, rest, err := takeStamp(tlv)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrBadStamp, len(rest))
	}
	return s, nil
}

func takeStamp(tlv []byte) (s *Stamp, rest []byte, err error) {
	lit, body, rest, err := protocol.TakeAnyWary(tlv)
	if err != nil {
		return nil, nil, err
	}
	if lit != 'L' && lit != 'I' {
		return nil, nil, fmt.Errorf("%w: record %c", ErrBadStamp, lit)
	}
	tb, body, err := protocol.TakeWary('T', body)
	if err != nil {
		return nil, nil, err
	}
	hb, body, err := protocol.TakeWary('H', body)
	if err != nil {
		return nil, nil, err
	}
	if len(hb) != 8 {
		return nil, nil, fmt.Errorf("%w: hash length %d", ErrBadStamp, len(hb))
	}
	s = &Stamp{Time: TimeFromZipBytes(tb)}
	hash := binary.LittleEndian.Uint64(hb)
	if lit == 'L' {
		if len(body) > 0 {
			if s.Value, body, err = ValueFromTLV(body); err != nil {
				return nil, nil, err
			}
		}
		if len(body) != 0 {
			return nil, nil, fmt.Errorf("%w: leaf tail", ErrBadStamp)
		}
		s.Hash = LeafHash(s.Value, s.Time)
	} else {
		s.Children = make(map[string]*Stamp)
		for len(body) > 0 {
			var id []byte
			if id, body, err = protocol.TakeWary('K', body); err != nil {
				return nil, nil, err
			}
			var kid *Stamp
			if kid, body, err = takeStamp(body); err != nil {
				return nil, nil, err
			}
			s.Children[string(id)] = kid
		}
		s.rehashNode()
		if s.Time != TimeFromZipBytes(tb) {
			return nil, nil, fmt.Errorf("%w: node time", ErrBadStamp)
		}
	}
	if s.Hash != hash {
		return nil, nil, ErrBadHash
	}
	return s, rest, nil
}

// MarshalJSON writes [time, value, hash] for leaves, [time, hash] for
// deleted leaves and [time, {children}, hash] for internal nodes.
func (s *Stamp) MarshalJSON() ([]byte, error) {
	switch {
	case !s.IsLeaf():
		return json.Marshal([]any{s.Time, s.Children, s.Hash})
	case s.Value.IsNone():
		return json.Marshal([]any{s.Time, s.Hash})
	default:
		return json.Marshal([]any{s.Time, s.Value, s.Hash})
	}
}

func (s *Stamp) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) != 2 && len(parts) != 3 {
		return fmt.Errorf("%w: %d elements", ErrBadStamp, len(parts))
	}
	*s = Stamp{}
	if err := json.Unmarshal(parts[0], &s.Time); err != nil {
		return err
	}
	if err := json.Unmarshal(parts[len(parts)-1], &s.Hash); err != nil {
		return err
	}
	if len(parts) == 2 {
		return nil
	}
	mid := bytes.TrimSpace(parts[1])
	if len(mid) > 0 && mid[0] == '{' {
		s.Children = make(map[string]*Stamp)
		return json.Unmarshal(mid, &s.Children)
	}
	return json.Unmarshal(mid, &s.Value)
}

// EmptyRoot is the stamped root of a store that has never been written.
func EmptyRoot() *Stamp {
	return NewNode(map[string]*Stamp{
		TablesKey: NewNode(nil),
		ValuesKey: NewNode(nil),
	})
}

// Builder assembles a tree from leaves put at their paths.
type Builder struct {
	root *Stamp
	n    int
}

func (b *Builder) Put(path Path, leaf *Stamp) {
	if b.root == nil {
		b.root = &Stamp{Children: make(map[string]*Stamp)}
	}
	node := b.root
	for _, id := range path[:len(path)-1] {
		kid := node.Children[id]
		if kid == nil {
			kid = &Stamp{Children: make(map[string]*Stamp)}
			node.Children[id] = kid
		}
		node = kid
	}
	if _, ok := node.Children[path.Last()]; !ok {
		b.n++
	}
	node.Children[path.Last()] = leaf
}

// Len is the number of leaves put so far.
func (b *Builder) Len() int {
	return b.n
}

// Build computes the internal hashes and returns the tree, nil if empty.
func (b *Builder) Build() *Stamp {
	if b.root == nil {
		return nil
	}
	b.root.rehashInternal()
	return b.root
}

func (s *Stamp) rehashInternal() {
	if s.IsLeaf() {
		return
	}
	for _, kid := range s.Children {
		kid.rehashInternal()
	}
	s.rehashNode()
}
