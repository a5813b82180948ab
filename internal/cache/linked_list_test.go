package cache

import "testing"

func collectFromBack(l *linkedList[string]) []string {
	var out []string
	for e := l.Back(); e != nil; e = e.Prev() {
		out = append(out, e.Value)
	}
	return out
}

func assertOrder(t *testing.T, l *linkedList[string], want ...string) {
	t.Helper()
	got := collectFromBack(l)
	if len(got) != len(want) || l.Len() != len(want) {
		t.Fatalf("order from back = %v (len %d), want %v", got, l.Len(), want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order from back = %v, want %v", got, want)
		}
	}
}

func TestLinkedListEmpty(t *testing.T) {
	l := newLinkedList[string]()
	if got := l.Back(); got != nil {
		t.Fatalf("Back() on empty list = %v, want nil", got)
	}
	if l.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", l.Len())
	}
}

func TestLinkedListRecencyOrder(t *testing.T) {
	l := newLinkedList[string]()
	a := l.PushFront("a")
	l.PushFront("b")
	c := l.PushFront("c")
	assertOrder(t, l, "a", "b", "c")

	l.MoveToFront(a)
	assertOrder(t, l, "b", "c", "a")

	l.MoveToFront(a) // already at front
	assertOrder(t, l, "b", "c", "a")

	l.Remove(c)
	assertOrder(t, l, "b", "a")
	if c.owner != nil || c.prev != nil || c.next != nil {
		t.Fatal("removed element should be detached")
	}
	if c.Prev() != nil {
		t.Fatal("Prev() of a detached element should be nil")
	}
}

func TestLinkedListRemoveWhileWalking(t *testing.T) {
	l := newLinkedList[string]()
	for _, v := range []string{"1", "2", "3", "4"} {
		l.PushFront(v)
	}
	for e := l.Back(); e != nil; {
		prev := e.Prev()
		if e.Value == "2" || e.Value == "3" {
			l.Remove(e)
		}
		e = prev
	}
	assertOrder(t, l, "1", "4")
}

func TestLinkedListIgnoresForeignAndNil(t *testing.T) {
	l1 := newLinkedList[string]()
	l2 := newLinkedList[string]()
	e := l1.PushFront("x")

	l2.Remove(e)
	l2.MoveToFront(e)
	l1.Remove(nil)
	l1.MoveToFront(nil)

	assertOrder(t, l1, "x")
	assertOrder(t, l2)
}
