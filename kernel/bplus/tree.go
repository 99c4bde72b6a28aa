package bplus

import (
	"github.com/matsu/bitvisor-sub008/kernel"
	"github.com/matsu/bitvisor-sub008/kernel/kfmt"
	"github.com/matsu/bitvisor-sub008/kernel/sync"
)

const (
	// MinFanout is the smallest number of entries per node supported by
	// the tree.
	MinFanout = 2

	// MaxFanout is the largest number of entries per node supported by
	// the tree.
	MaxFanout = 6

	// InvalidKey is reserved to signal a missing key. It can never be
	// stored in a tree.
	InvalidKey = ^uint64(0)
)

var (
	// ErrInvalidFanout is returned by New for fanouts outside
	// [MinFanout, MaxFanout].
	ErrInvalidFanout = &kernel.Error{Module: "bplus", Message: "fanout must be between 2 and 6"}

	// ErrAddDup is returned by Add when the key is already present.
	ErrAddDup = &kernel.Error{Module: "bplus", Message: "duplicate key"}

	// ErrAddInvKey is returned by Add when the key is InvalidKey.
	ErrAddInvKey = &kernel.Error{Module: "bplus", Message: "cannot add the invalid key"}

	// ErrAddNonleafChildren is returned by Add when a split would attach
	// a child to a node that cannot hold children.
	ErrAddNonleafChildren = &kernel.Error{Module: "bplus", Message: "child added to a leaf node"}

	// ErrAdd is returned by Add for any other internal failure.
	ErrAdd = &kernel.Error{Module: "bplus", Message: "add failed"}

	// ErrDelNotExist is returned by Del when the key is not present.
	ErrDelNotExist = &kernel.Error{Module: "bplus", Message: "key does not exist"}

	// ErrDelInvKey is returned by Del when the key is InvalidKey.
	ErrDelInvKey = &kernel.Error{Module: "bplus", Message: "cannot delete the invalid key"}

	// ErrDel is returned by Del for any other internal failure.
	ErrDel = &kernel.Error{Module: "bplus", Message: "delete failed"}

	errCorrupted = &kernel.Error{Module: "bplus", Message: "tree structure corrupted"}

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic
)

// Tree is a B+ tree mapping uint64 keys to values of type V. The zero value
// is not usable; trees are created with New.
type Tree[V any] struct {
	lock sync.RWSpinlock

	fanout     int
	minEntries int

	nodes     []*node[V]
	freeSlots []slot
	root      slot
	count     int
	freed     bool
}

// New allocates an empty tree whose nodes hold at most fanout entries. The
// fanout is fixed for the lifetime of the tree.
func New[V any](fanout int) (*Tree[V], *kernel.Error) {
	if fanout < MinFanout || fanout > MaxFanout {
		return nil, ErrInvalidFanout
	}

	t := &Tree[V]{
		fanout:     fanout,
		minEntries: (fanout + 1) / 2,
	}
	t.root = t.allocNode(true)

	return t, nil
}

// Free releases every node of the tree. Values stored in the tree are not
// touched; callers must release or transfer them first. Any use of the tree
// after Free behaves like an empty tree that rejects modifications.
func (t *Tree[V]) Free() {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.nodes = nil
	t.freeSlots = nil
	t.root = noSlot
	t.count = 0
	t.freed = true
}

// Fanout returns the maximum number of entries per node.
func (t *Tree[V]) Fanout() int {
	return t.fanout
}

// Len returns the number of keys stored in the tree.
func (t *Tree[V]) Len() int {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.count
}

// Height returns the number of node levels, counting the root. An empty tree
// has height 1; a freed tree has height 0.
func (t *Tree[V]) Height() int {
	t.lock.RLock()
	defer t.lock.RUnlock()

	height := 0
	for s := t.root; s != noSlot; height++ {
		n := t.node(s)
		if n.leaf {
			return height + 1
		}
		s = n.children[0]
	}
	return height
}

// allocNode places a new node in the arena and returns its slot.
func (t *Tree[V]) allocNode(leaf bool) slot {
	n := newNode[V](t.fanout, leaf)

	if last := len(t.freeSlots) - 1; last >= 0 {
		s := t.freeSlots[last]
		t.freeSlots = t.freeSlots[:last]
		t.nodes[s] = n
		return s
	}

	t.nodes = append(t.nodes, n)
	return slot(len(t.nodes) - 1)
}

// releaseNode returns a node slot to the arena.
func (t *Tree[V]) releaseNode(s slot) {
	t.nodes[s] = nil
	t.freeSlots = append(t.freeSlots, s)
}

// node returns the node stored at slot s. A reference to a released or
// out-of-range slot means the structure is corrupted.
func (t *Tree[V]) node(s slot) *node[V] {
	if s < 0 || int(s) >= len(t.nodes) || t.nodes[s] == nil {
		panicFn(errCorrupted)
		return nil
	}
	return t.nodes[s]
}

// findLeaf descends from the root to the leaf whose key range covers key.
func (t *Tree[V]) findLeaf(key uint64) slot {
	s := t.root
	for n := t.node(s); !n.leaf; n = t.node(s) {
		if n.count() == 0 {
			panicFn(errCorrupted)
			return noSlot
		}
		s = n.children[n.childIndex(key)]
	}
	return s
}
