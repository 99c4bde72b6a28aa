package bplus

import (
	"github.com/matsu/bitvisor-sub008/kernel"
	"github.com/matsu/bitvisor-sub008/kernel/kfmt"
)

// Add stores value under key. Keys are unique; adding a key that is already
// present fails with ErrAddDup and leaves the stored value untouched.
func (t *Tree[V]) Add(key uint64, value V) *kernel.Error {
	if key == InvalidKey {
		return ErrAddInvKey
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	if t.freed {
		t.logDefect("add", key, "tree has been freed")
		return ErrAdd
	}

	// Descend to the target leaf. A key below the lower bound of the first
	// child becomes the new bound of every node on the path.
	s := t.root
	n := t.node(s)
	for !n.leaf {
		if key < n.keys[0] {
			n.keys[0] = key
		}
		s = n.children[n.childIndex(key)]
		n = t.node(s)
	}

	i, eq := n.searchIndex(key)
	if eq {
		return ErrAddDup
	}

	n.insertLeafAt(i, key, value)
	t.count++

	for n.count() > t.fanout {
		var err *kernel.Error
		if s, err = t.split(s); err != nil {
			t.logDefect("add", key, err.Message)
			return err
		}
		n = t.node(s)
	}

	return nil
}

// split moves the upper half of an overflowing node into a new right sibling
// and inserts the sibling into the parent, growing a new root if needed. It
// returns the slot of the parent which may now overflow in turn.
func (t *Tree[V]) split(s slot) (slot, *kernel.Error) {
	var (
		leftSlot  = s
		left      = t.node(leftSlot)
		rightSlot = t.allocNode(left.leaf)
		right     = t.node(rightSlot)
		keep      = (left.count() + 1) / 2
	)

	right.keys = append(right.keys, left.keys[keep:]...)
	left.keys = left.keys[:keep]

	if left.leaf {
		var zero V
		right.vals = append(right.vals, left.vals[keep:]...)
		for i := keep; i < len(left.vals); i++ {
			left.vals[i] = zero
		}
		left.vals = left.vals[:keep]

		right.prev, right.next = leftSlot, left.next
		if left.next != noSlot {
			t.node(left.next).prev = rightSlot
		}
		left.next = rightSlot
	} else {
		right.children = append(right.children, left.children[keep:]...)
		left.children = left.children[:keep]
		for _, c := range right.children {
			t.node(c).parent = rightSlot
		}
	}

	if left.parent == noSlot {
		rootSlot := t.allocNode(false)
		root := t.node(rootSlot)
		root.insertChildAt(0, left.keys[0], leftSlot)
		root.insertChildAt(1, right.keys[0], rightSlot)
		left.parent, right.parent = rootSlot, rootSlot
		t.root = rootSlot
		return rootSlot, nil
	}

	parentSlot := left.parent
	parent := t.node(parentSlot)
	if parent.leaf {
		return noSlot, ErrAddNonleafChildren
	}

	at := parent.indexOfChild(leftSlot)
	if at < 0 {
		return noSlot, ErrAdd
	}

	parent.insertChildAt(at+1, right.keys[0], rightSlot)
	right.parent = parentSlot

	return parentSlot, nil
}

// logDefect reports an internal failure of a tree operation.
func (t *Tree[V]) logDefect(op string, key uint64, msg string) {
	kfmt.Printf("[bplus] %s of key 0x%x failed (fanout %d): %s\n", op, key, t.fanout, msg)
}
