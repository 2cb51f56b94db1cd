// Package list implements the intrusive doubly linked list node used by
// the seat's client list. A Node[T] is embedded by value in the owning
// struct (Client); insertion and removal never allocate and can never
// fail once the owner exists.
package list

// Node is an intrusive list node carrying a back-reference to its owner
// so callers can recover the owning value while walking the list. Embed
// it by value; set Owner once, at construction.
type Node[T any] struct {
	prev, next *Node[T]
	Owner      T
}

// NewSentinel returns a self-looped Node usable as a list head. The zero
// value of T is fine for a sentinel — it is never dereferenced.
func NewSentinel[T any]() *Node[T] {
	n := &Node[T]{}
	n.Init()
	return n
}

// Init resets n to a self-loop, making it an empty list (if used as a
// sentinel) or detaching it (if it was linked elsewhere).
func (n *Node[T]) Init() {
	n.prev = n
	n.next = n
}

func (n *Node[T]) linked() bool {
	return n.prev != nil && n.next != nil
}

// InsertAfter splices n immediately after target. target must already be
// part of a list (typically the sentinel). Panics if n is already linked
// into some other list — the original C implementation asserts this
// rather than silently corrupting the list, and so do we.
func (n *Node[T]) InsertAfter(target *Node[T]) {
	if !target.linked() {
		panic("list: InsertAfter on uninitialised target")
	}
	if n.linked() && n.prev != n {
		panic("list: double insertion of node already in a list")
	}
	n.prev = target
	n.next = target.next
	target.next.prev = n
	target.next = n
}

// Remove unlinks n from whatever list it is part of and re-initialises it
// as an empty self-loop. Safe to call on a node that is already detached,
// including a zero-value node that was never linked.
func (n *Node[T]) Remove() {
	if !n.linked() {
		n.Init()
		return
	}
	n.prev.next = n.next
	n.next.prev = n.prev
	n.Init()
}

// Empty reports whether n (used as a sentinel) has no elements after it.
func (n *Node[T]) Empty() bool {
	return n.next == n
}

// Next returns the node following n, or nil once iteration reaches back
// to sentinel.
func (n *Node[T]) Next(sentinel *Node[T]) *Node[T] {
	if n.next == sentinel {
		return nil
	}
	return n.next
}

// Each calls fn for every owner in the list headed by sentinel, in order.
// fn may remove the current node from the list (it may not remove other
// nodes) without breaking iteration.
func Each[T any](sentinel *Node[T], fn func(T)) {
	n := sentinel.next
	for n != sentinel {
		next := n.next
		fn(n.Owner)
		n = next
	}
}

// SpliceTake moves every element of src (a sentinel) to the tail of dst (a
// sentinel), preserving order, and leaves src empty. No-op if src is empty.
func SpliceTake[T any](dst, src *Node[T]) {
	if src.Empty() {
		return
	}
	first := src.next
	last := src.prev

	dstLast := dst.prev
	dstLast.next = first
	first.prev = dstLast
	last.next = dst
	dst.prev = last

	src.Init()
}
