package bplus

// slot identifies a node inside the tree's node arena.
type slot int32

// noSlot marks a missing parent, sibling or root.
const noSlot slot = -1

// node is a B+ tree node. keys holds up to fanout entries plus one spare
// entry so that an insertion can overflow the node right before it is split.
type node[V any] struct {
	leaf bool

	keys []uint64

	// vals is used by leaves; vals[i] is the value stored under keys[i].
	vals []V

	// children is used by internal nodes; keys[i] is a lower bound of
	// the subtree rooted at children[i].
	children []slot

	parent slot

	// prev and next link leaves in key order.
	prev, next slot
}

func newNode[V any](fanout int, leaf bool) *node[V] {
	n := &node[V]{
		leaf:   leaf,
		keys:   make([]uint64, 0, fanout+1),
		parent: noSlot,
		prev:   noSlot,
		next:   noSlot,
	}

	if leaf {
		n.vals = make([]V, 0, fanout+1)
	} else {
		n.children = make([]slot, 0, fanout+1)
	}

	return n
}

// count returns the number of entries held by the node.
func (n *node[V]) count() int {
	return len(n.keys)
}

// searchIndex returns the index of the first key that is >= key and whether
// that key equals key.
func (n *node[V]) searchIndex(key uint64) (int, bool) {
	for i, k := range n.keys {
		if k >= key {
			return i, k == key
		}
	}
	return len(n.keys), false
}

// childIndex returns the index of the child whose subtree may contain key:
// the last entry whose lower bound does not exceed key, or the first entry if
// key is below every bound.
func (n *node[V]) childIndex(key uint64) int {
	i := len(n.keys) - 1
	for ; i > 0 && n.keys[i] > key; i-- {
	}
	return i
}

// indexOfChild returns the position of child s in an internal node or -1.
func (n *node[V]) indexOfChild(s slot) int {
	for i, c := range n.children {
		if c == s {
			return i
		}
	}
	return -1
}

// insertLeafAt inserts a key/value pair at index i.
func (n *node[V]) insertLeafAt(i int, key uint64, val V) {
	var zero V
	n.keys = append(n.keys, 0)
	n.vals = append(n.vals, zero)
	copy(n.keys[i+1:], n.keys[i:])
	copy(n.vals[i+1:], n.vals[i:])
	n.keys[i] = key
	n.vals[i] = val
}

// insertChildAt inserts a key/child pair at index i.
func (n *node[V]) insertChildAt(i int, key uint64, child slot) {
	n.keys = append(n.keys, 0)
	n.children = append(n.children, noSlot)
	copy(n.keys[i+1:], n.keys[i:])
	copy(n.children[i+1:], n.children[i:])
	n.keys[i] = key
	n.children[i] = child
}

// removeAt removes the entry at index i and returns its key, value and child.
func (n *node[V]) removeAt(i int) (uint64, V, slot) {
	var (
		zero  V
		val   V
		child = noSlot
		key   = n.keys[i]
		last  = len(n.keys) - 1
	)

	copy(n.keys[i:], n.keys[i+1:])
	n.keys = n.keys[:last]

	if n.leaf {
		val = n.vals[i]
		copy(n.vals[i:], n.vals[i+1:])
		n.vals[last] = zero
		n.vals = n.vals[:last]
	} else {
		child = n.children[i]
		copy(n.children[i:], n.children[i+1:])
		n.children = n.children[:last]
	}

	return key, val, child
}
