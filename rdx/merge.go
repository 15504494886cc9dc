package rdx

// Merge combines two stamped trees of the same path space. Equal hashes
// short-circuit; keys present on one side only are taken as they are; leaves
// present on both sides are resolved by Later. Internal nodes are rebuilt
// from their merged children, so their time and hash are recomputed.
//
// Merge is commutative, associative and idempotent. Neither argument is
// modified; the result may share subtrees with both.
func Merge(a, b *Stamp) *Stamp {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case a.Hash == b.Hash && a.Time == b.Time:
		return a
	case a.IsLeaf() || b.IsLeaf():
		return Later(a, b)
	}
	kids := make(map[string]*Stamp, max(len(a.Children), len(b.Children)))
	for id, ak := range a.Children {
		kids[id] = Merge(ak, b.Children[id])
	}
	for id, bk := range b.Children {
		if _, ok := a.Children[id]; !ok {
			kids[id] = bk
		}
	}
	return NewNode(kids)
}

// Later picks the winner of a leaf conflict: the later time, and on equal
// times (a replica rewriting history) the larger hash.
func Later(a, b *Stamp) *Stamp {
	switch {
	case a.Time.Less(b.Time):
		return b
	case b.Time.Less(a.Time):
		return a
	case b.Hash > a.Hash:
		return b
	}
	return a
}

// Diff returns the part of theirs that would change ours when merged in:
// the leaves of theirs that win over ours, wrapped in their ancestors.
// Nil means theirs brings nothing new.
func Diff(ours, theirs *Stamp) *Stamp {
	switch {
	case theirs == nil:
		return nil
	case ours == nil:
		return theirs
	case ours.Hash == theirs.Hash && ours.Time == theirs.Time:
		return nil
	case ours.IsLeaf() || theirs.IsLeaf():
		if Later(ours, theirs) == theirs {
			return theirs
		}
		return nil
	}
	var kids map[string]*Stamp
	for id, tk := range theirs.Children {
		if d := Diff(ours.Children[id], tk); d != nil {
			if kids == nil {
				kids = make(map[string]*Stamp)
			}
			kids[id] = d
		}
	}
	if kids == nil {
		return nil
	}
	return NewNode(kids)
}
