package tabby

import (
	"github.com/drpcorg/tabby/rdx"
)

// arenaNode is one stamped node. Nodes live in a flat map keyed by
// rdx.Path.Key, so a parent is found by key, never by pointer.
type arenaNode struct {
	leaf  bool
	value rdx.Value
	time  rdx.Time
	hash  uint64
	sum   uint64 // XOR of the children's rdx.ChildHash shares
	kids  map[string]struct{}
}

func (n *arenaNode) stamp() *rdx.Stamp {
	return &rdx.Stamp{Time: n.time, Value: n.value, Hash: n.hash}
}

type arena struct {
	nodes map[string]*arenaNode
}

func newArena(root *rdx.Stamp) *arena {
	a := &arena{nodes: make(map[string]*arenaNode)}
	a.load(rdx.Path{}, root)
	return a
}

func (a *arena) load(path rdx.Path, s *rdx.Stamp) {
	n := &arenaNode{leaf: s.IsLeaf(), value: s.Value, time: s.Time, hash: s.Hash}
	a.nodes[path.Key()] = n
	if n.leaf {
		return
	}
	n.kids = make(map[string]struct{}, len(s.Children))
	for id, kid := range s.Children {
		n.kids[id] = struct{}{}
		n.sum ^= rdx.ChildHash(id, kid.Hash)
		a.load(path.Child(id), kid)
	}
}

func (a *arena) get(path rdx.Path) *arenaNode {
	return a.nodes[path.Key()]
}

// put stores a leaf and refreshes its ancestors: each one swaps the
// child's old hash share for the new one, which keeps the update O(depth).
// Leaves only ever move forward in time, so an ancestor's time is the max
// of its old time and the leaf's.
func (a *arena) put(path rdx.Path, leaf *rdx.Stamp) {
	key := path.Key()
	n, had := a.nodes[key]
	var oldHash uint64
	if had {
		oldHash = n.hash
	} else {
		n = &arenaNode{leaf: true}
		a.nodes[key] = n
	}
	n.value, n.time, n.hash = leaf.Value, leaf.Time, leaf.Hash

	newHash := n.hash
	for len(path) > 0 {
		id := path.Last()
		path = path.Parent()
		pkey := path.Key()
		p, phad := a.nodes[pkey]
		if !phad {
			p = &arenaNode{kids: make(map[string]struct{})}
			a.nodes[pkey] = p
		}
		pold := p.hash
		if had {
			p.sum ^= rdx.ChildHash(id, oldHash)
		} else {
			p.kids[id] = struct{}{}
		}
		p.sum ^= rdx.ChildHash(id, newHash)
		p.time = rdx.MaxTime(p.time, leaf.Time)
		p.hash = rdx.NodeHash(p.sum, p.time)
		had, oldHash, newHash = phad, pold, p.hash
	}
}

// tree rebuilds the stamped subtree under path.
func (a *arena) tree(path rdx.Path) *rdx.Stamp {
	n := a.get(path)
	if n == nil {
		return nil
	}
	s := n.stamp()
	if n.leaf {
		return s
	}
	s.Children = make(map[string]*rdx.Stamp, len(n.kids))
	for id := range n.kids {
		s.Children[id] = a.tree(path.Child(id))
	}
	return s
}
