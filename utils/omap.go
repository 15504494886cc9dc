package utils

import "slices"

// OMap is a map that remembers the order in which keys were first set.
// Deleting a key forgets its position; setting it again appends it.
type OMap[K comparable, V any] struct {
	m   map[K]oentry[V]
	seq uint64
}

type oentry[V any] struct {
	val V
	seq uint64
}

func NewOMap[K comparable, V any]() *OMap[K, V] {
	return &OMap[K, V]{m: make(map[K]oentry[V])}
}

func (o *OMap[K, V]) Get(k K) (v V, ok bool) {
	e, ok := o.m[k]
	return e.val, ok
}

func (o *OMap[K, V]) Has(k K) bool {
	_, ok := o.m[k]
	return ok
}

// Set stores v under k and reports whether k is new.
func (o *OMap[K, V]) Set(k K, v V) (added bool) {
	e, ok := o.m[k]
	if !ok {
		o.seq++
		e.seq = o.seq
	}
	e.val = v
	o.m[k] = e
	return !ok
}

func (o *OMap[K, V]) Delete(k K) bool {
	_, ok := o.m[k]
	delete(o.m, k)
	return ok
}

func (o *OMap[K, V]) Len() int {
	return len(o.m)
}

// Keys lists keys in insertion order.
func (o *OMap[K, V]) Keys() []K {
	type kseq struct {
		k   K
		seq uint64
	}
	ks := make([]kseq, 0, len(o.m))
	for k, e := range o.m {
		ks = append(ks, kseq{k, e.seq})
	}
	slices.SortFunc(ks, func(a, b kseq) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	keys := make([]K, len(ks))
	for i, e := range ks {
		keys[i] = e.k
	}
	return keys
}

// Range calls fn in insertion order until it returns false.
func (o *OMap[K, V]) Range(fn func(k K, v V) bool) {
	for _, k := range o.Keys() {
		if !fn(k, o.m[k].val) {
			return
		}
	}
}
