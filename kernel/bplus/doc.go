// Package bplus implements the ordered index used by the device resource
// core: a B+ tree keyed by uint64 whose nodes hold between 2 and 6 entries.
//
// # Node layout
//
// Every node stores up to Fanout() (key, value) pairs in strictly increasing
// key order. In leaves the value is the caller's value; in internal nodes the
// value is the slot of a child node and the key is a lower bound of every key
// stored in that child's subtree. Leaves are linked to their neighbors so
// that predecessor and successor lookups and iteration never climb back up
// the tree.
//
// Nodes live in an arena owned by the tree and refer to each other by slot
// index, so node identity survives splits and merges without dangling
// references.
//
// # Usage
//
//	tree, err := bplus.New[*Region](4)
//
//	err = tree.Add(0x1000, r)
//
//	r, found := tree.Search(0x1000)
//
//	nb := tree.SearchNeighbors(0x1800)
//	if !nb.Found && nb.HasLeft() {
//		// nb.Left is the region with the greatest base below 0x1800
//	}
//
//	it := tree.Iterator()
//	for key, r, ok := it.Next(); ok; key, r, ok = it.Next() {
//		...
//	}
//	it.Free()
//
// # Concurrency
//
// Search, SearchNeighbors and iterator steps take the shared side of the
// tree's RWSpinlock and may run concurrently; Add, Del and Free take the
// exclusive side.
package bplus
