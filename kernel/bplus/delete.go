package bplus

import "github.com/matsu/bitvisor-sub008/kernel"

// Del removes key from the tree and returns the value that was stored under
// it.
func (t *Tree[V]) Del(key uint64) (V, *kernel.Error) {
	var zero V

	if key == InvalidKey {
		return zero, ErrDelInvKey
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	if t.freed {
		t.logDefect("del", key, "tree has been freed")
		return zero, ErrDel
	}

	s := t.findLeaf(key)
	n := t.node(s)

	i, eq := n.searchIndex(key)
	if !eq {
		return zero, ErrDelNotExist
	}

	_, val, _ := n.removeAt(i)
	t.count--

	t.rebalance(s)

	return val, nil
}

// rebalance restores the occupancy bounds of the node at s after an entry
// was removed from it, walking towards the root while parents underflow.
func (t *Tree[V]) rebalance(s slot) {
	for {
		n := t.node(s)

		if n.parent == noSlot {
			t.shrinkRoot()
			return
		}

		if n.count() >= t.minEntries {
			return
		}

		parentSlot := n.parent
		p := t.node(parentSlot)
		i := p.indexOfChild(s)
		if i < 0 {
			t.logDefect("del", firstKey(n), "node missing from its parent")
			panicFn(errCorrupted)
			return
		}

		var (
			leftSlot, rightSlot = noSlot, noSlot
			left, right         *node[V]
		)
		if i > 0 {
			leftSlot = p.children[i-1]
			left = t.node(leftSlot)
		}
		if i+1 < p.count() {
			rightSlot = p.children[i+1]
			right = t.node(rightSlot)
		}

		switch {
		case left != nil && left.count() > t.minEntries:
			t.borrowFromLeft(s, n, left, p, i)
			return
		case right != nil && right.count() > t.minEntries:
			t.borrowFromRight(s, n, right, p, i)
			return
		case left != nil:
			t.merge(leftSlot, left, s, n)
			p.removeAt(i)
		case right != nil:
			t.merge(s, n, rightSlot, right)
			p.removeAt(i + 1)
		default:
			// Only reachable with fanout 2 where a parent may have a
			// single child. The node can only be empty here.
			if n.count() != 0 {
				panicFn(errCorrupted)
				return
			}
			t.unlinkLeaf(n)
			t.releaseNode(s)
			p.removeAt(i)
		}

		s = parentSlot
	}
}

// shrinkRoot collapses internal roots with a single child until the root is
// a leaf or has at least two children, and resets a root that has lost every
// entry. With fanout 2 a whole chain of single-child nodes can sit above the
// remaining leaf.
func (t *Tree[V]) shrinkRoot() {
	for {
		root := t.node(t.root)
		if root.leaf {
			return
		}

		switch root.count() {
		case 0:
			t.releaseNode(t.root)
			t.root = t.allocNode(true)
			return
		case 1:
			old := t.root
			t.root = root.children[0]
			t.node(t.root).parent = noSlot
			t.releaseNode(old)
		default:
			return
		}
	}
}

// borrowFromLeft moves the last entry of left to the front of n.
func (t *Tree[V]) borrowFromLeft(s slot, n, left *node[V], p *node[V], i int) {
	key, val, child := left.removeAt(left.count() - 1)
	if n.leaf {
		n.insertLeafAt(0, key, val)
	} else {
		n.insertChildAt(0, key, child)
		t.node(child).parent = s
	}
	p.keys[i] = n.keys[0]
}

// borrowFromRight moves the first entry of right to the end of n.
func (t *Tree[V]) borrowFromRight(s slot, n, right *node[V], p *node[V], i int) {
	key, val, child := right.removeAt(0)
	if n.leaf {
		n.insertLeafAt(n.count(), key, val)
	} else {
		n.insertChildAt(n.count(), key, child)
		t.node(child).parent = s
	}
	p.keys[i+1] = right.keys[0]
}

// merge appends every entry of src to its left sibling dst and releases src.
// The caller removes src from the parent.
func (t *Tree[V]) merge(dstSlot slot, dst *node[V], srcSlot slot, src *node[V]) {
	dst.keys = append(dst.keys, src.keys...)
	if dst.leaf {
		dst.vals = append(dst.vals, src.vals...)
		t.unlinkLeaf(src)
	} else {
		dst.children = append(dst.children, src.children...)
		for _, c := range src.children {
			t.node(c).parent = dstSlot
		}
	}
	t.releaseNode(srcSlot)
}

// unlinkLeaf removes n from the leaf chain.
func (t *Tree[V]) unlinkLeaf(n *node[V]) {
	if !n.leaf {
		return
	}
	if n.prev != noSlot {
		t.node(n.prev).next = n.next
	}
	if n.next != noSlot {
		t.node(n.next).prev = n.prev
	}
}

func firstKey[V any](n *node[V]) uint64 {
	if n.count() == 0 {
		return InvalidKey
	}
	return n.keys[0]
}
