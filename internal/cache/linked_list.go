package cache

// linkedList is an intrusive doubly linked list ordered from most to least
// recently used. The root sentinel closes the ring so no operation needs a
// nil check on neighbors.
type linkedList[T any] struct {
	root listElement[T]
	len  int
}

type listElement[T any] struct {
	next, prev *listElement[T]
	owner      *linkedList[T]

	Value T
}

func newLinkedList[T any]() *linkedList[T] {
	l := &linkedList[T]{}
	l.root.next = &l.root
	l.root.prev = &l.root
	return l
}

func (l *linkedList[T]) Len() int {
	return l.len
}

// Back returns the least recently used element, or nil.
func (l *linkedList[T]) Back() *listElement[T] {
	if l.len == 0 {
		return nil
	}
	return l.root.prev
}

func (l *linkedList[T]) PushFront(v T) *listElement[T] {
	e := &listElement[T]{Value: v, owner: l}
	l.link(e, &l.root)
	l.len++
	return e
}

// MoveToFront ignores nil and elements owned by another list.
func (l *linkedList[T]) MoveToFront(e *listElement[T]) {
	if e == nil || e.owner != l || l.root.next == e {
		return
	}
	l.unlink(e)
	l.link(e, &l.root)
}

func (l *linkedList[T]) Remove(e *listElement[T]) {
	if e == nil || e.owner != l {
		return
	}
	l.unlink(e)
	e.next = nil
	e.prev = nil
	e.owner = nil
	l.len--
}

// Prev walks toward the front; it returns nil past the first element.
func (e *listElement[T]) Prev() *listElement[T] {
	if e == nil || e.owner == nil || e.prev == &e.owner.root {
		return nil
	}
	return e.prev
}

// link inserts e right after at.
func (l *linkedList[T]) link(e, at *listElement[T]) {
	e.prev = at
	e.next = at.next
	at.next.prev = e
	at.next = e
}

func (l *linkedList[T]) unlink(e *listElement[T]) {
	e.prev.next = e.next
	e.next.prev = e.prev
}
