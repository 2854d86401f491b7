package session

import (
	"testing"

	"github.com/fswatchd/fswatchd/internal/wire"
)

func TestQueueFIFO(t *testing.T) {
	var q Queue
	if !q.Empty() {
		t.Fatalf("new queue should be empty")
	}

	q.Push(wire.String("a"))
	q.Push(wire.String("b"))
	q.Push(wire.String("c"))

	for _, want := range []string{"a", "b", "c"} {
		got, ok := q.Pop()
		if !ok {
			t.Fatalf("expected a value, queue was empty")
		}
		if s, _ := got.AsString(); s != want {
			t.Fatalf("got %q, want %q", s, want)
		}
	}

	if !q.Empty() {
		t.Fatalf("queue should be empty after draining")
	}
	if _, ok := q.Pop(); ok {
		t.Fatalf("Pop on empty queue should return ok=false")
	}
}

func TestRegistryEnqueueFIFOPerSession(t *testing.T) {
	reg := NewRegistry()
	sess := New(nil)
	reg.Add(sess)

	for _, v := range []string{"A", "B", "C"} {
		if err := reg.Enqueue(sess, wire.String(v), false); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	for _, want := range []string{"A", "B", "C"} {
		v, ok := reg.Pop(sess)
		if !ok {
			t.Fatalf("expected a value")
		}
		if s, _ := v.AsString(); s != want {
			t.Fatalf("got %q, want %q (FIFO ordering violated)", s, want)
		}
	}
}
