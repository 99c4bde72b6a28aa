package bplus

// Neighbors is the result of a SearchNeighbors call.
type Neighbors[V any] struct {
	// Found is true if the searched key is stored in the tree; Value then
	// holds the value stored under it.
	Found bool
	Value V

	// LeftKey is the greatest stored key below the searched key or
	// InvalidKey if there is none.
	LeftKey uint64
	Left    V

	// RightKey is the smallest stored key above the searched key or
	// InvalidKey if there is none.
	RightKey uint64
	Right    V
}

// HasLeft returns true if a smaller key exists.
func (nb Neighbors[V]) HasLeft() bool { return nb.LeftKey != InvalidKey }

// HasRight returns true if a greater key exists.
func (nb Neighbors[V]) HasRight() bool { return nb.RightKey != InvalidKey }

// Search returns the value stored under key.
func (t *Tree[V]) Search(key uint64) (V, bool) {
	var zero V

	if key == InvalidKey {
		return zero, false
	}

	t.lock.RLock()
	defer t.lock.RUnlock()

	if t.freed {
		return zero, false
	}

	n := t.node(t.findLeaf(key))
	if i, eq := n.searchIndex(key); eq {
		return n.vals[i], true
	}

	return zero, false
}

// SearchNeighbors looks up key together with its in-order predecessor and
// successor. The searched key does not have to be stored in the tree.
func (t *Tree[V]) SearchNeighbors(key uint64) Neighbors[V] {
	nb := Neighbors[V]{LeftKey: InvalidKey, RightKey: InvalidKey}

	if key == InvalidKey {
		return nb
	}

	t.lock.RLock()
	defer t.lock.RUnlock()

	if t.freed || t.count == 0 {
		return nb
	}

	var (
		s     = t.findLeaf(key)
		n     = t.node(s)
		i, eq = n.searchIndex(key)
	)

	if eq {
		nb.Found, nb.Value = true, n.vals[i]
	}

	// Predecessor: the entry right before i, possibly in the previous leaf.
	switch {
	case i > 0:
		nb.LeftKey, nb.Left = n.keys[i-1], n.vals[i-1]
	case n.prev != noSlot:
		p := t.node(n.prev)
		last := p.count() - 1
		nb.LeftKey, nb.Left = p.keys[last], p.vals[last]
	}

	// Successor: the first entry after the matching key, possibly in the
	// next leaf.
	if eq {
		i++
	}
	switch {
	case i < n.count():
		nb.RightKey, nb.Right = n.keys[i], n.vals[i]
	case n.next != noSlot:
		nx := t.node(n.next)
		nb.RightKey, nb.Right = nx.keys[0], nx.vals[0]
	}

	return nb
}
