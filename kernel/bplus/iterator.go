package bplus

// Iterator walks the keys of a tree in ascending order. Modifying the tree
// while an iterator is active does not corrupt it but the iterator may then
// skip or repeat entries.
type Iterator[V any] struct {
	tree *Tree[V]
	leaf slot
	idx  int
}

// Iterator returns an iterator positioned before the smallest key.
func (t *Tree[V]) Iterator() *Iterator[V] {
	t.lock.RLock()
	defer t.lock.RUnlock()

	it := &Iterator[V]{tree: t, leaf: noSlot}
	if t.freed {
		return it
	}

	s := t.root
	for n := t.node(s); !n.leaf; n = t.node(s) {
		s = n.children[0]
	}
	it.leaf = s

	return it
}

// Next returns the next key and its value. Once the iterator is exhausted or
// freed, Next keeps returning false.
func (it *Iterator[V]) Next() (uint64, V, bool) {
	var zero V

	if it.tree == nil || it.leaf == noSlot {
		return InvalidKey, zero, false
	}

	t := it.tree
	t.lock.RLock()
	defer t.lock.RUnlock()

	for !t.freed && int(it.leaf) < len(t.nodes) {
		n := t.nodes[it.leaf]
		if n == nil || !n.leaf {
			break
		}

		if it.idx < n.count() {
			key, val := n.keys[it.idx], n.vals[it.idx]
			it.idx++
			return key, val, true
		}

		if n.next == noSlot {
			break
		}
		it.leaf, it.idx = n.next, 0
	}

	it.leaf = noSlot
	return InvalidKey, zero, false
}

// Free releases the iterator.
func (it *Iterator[V]) Free() {
	it.tree = nil
	it.leaf = noSlot
}
