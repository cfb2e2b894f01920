package router

import "testing"

func TestParcelQueuePushPopOrder(t *testing.T) {
	q := NewParcelQueue()
	if err := q.Push(1, Parcel{Data: []byte("b")}); err != nil {
		t.Fatalf("push 1: %v", err)
	}
	if err := q.Push(0, Parcel{Data: []byte("a")}); err != nil {
		t.Fatalf("push 0: %v", err)
	}
	if q.HasNextElement() != true {
		t.Fatalf("expected next element available")
	}
	p, ok := q.Pop()
	if !ok || string(p.Data) != "a" {
		t.Fatalf("pop 0: got %+v ok=%v", p, ok)
	}
	p, ok = q.Pop()
	if !ok || string(p.Data) != "b" {
		t.Fatalf("pop 1: got %+v ok=%v", p, ok)
	}
	if _, ok := q.Pop(); ok {
		t.Fatalf("expected empty queue")
	}
}

func TestParcelQueueRejectsBehindAndDuplicate(t *testing.T) {
	q := NewParcelQueue()
	if err := q.Push(0, Parcel{}); err != nil {
		t.Fatalf("push 0: %v", err)
	}
	if _, ok := q.Pop(); !ok {
		t.Fatalf("expected pop 0")
	}
	if err := q.Push(0, Parcel{}); err != ErrInvalidArgument {
		t.Fatalf("push behind base: got %v", err)
	}
	if err := q.Push(1, Parcel{}); err != nil {
		t.Fatalf("push 1: %v", err)
	}
	if err := q.Push(1, Parcel{}); err != ErrInvalidArgument {
		t.Fatalf("push duplicate: got %v", err)
	}
}

func TestParcelQueueFinalSequenceLength(t *testing.T) {
	q := NewParcelQueue()
	if err := q.Push(2, Parcel{}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if q.SetFinalSequenceLength(2) {
		t.Fatalf("expected rejection: sequence 2 already queued past final")
	}
	if !q.SetFinalSequenceLength(3) {
		t.Fatalf("expected accept")
	}
	if err := q.Push(3, Parcel{}); err != ErrOutOfRange {
		t.Fatalf("push at/beyond final: got %v", err)
	}
	if q.SetFinalSequenceLength(5) {
		t.Fatalf("expected second SetFinalSequenceLength to fail")
	}
}

func TestParcelQueueMaybeSkipSequenceNumber(t *testing.T) {
	q := NewParcelQueue()
	if !q.MaybeSkipSequenceNumber(0) {
		t.Fatalf("expected skip to succeed on empty queue at base")
	}
	if q.CurrentSequenceNumber() != 1 {
		t.Fatalf("expected base advanced to 1, got %d", q.CurrentSequenceNumber())
	}
	if err := q.Push(1, Parcel{}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if q.MaybeSkipSequenceNumber(1) {
		t.Fatalf("expected skip to fail when queue non-empty")
	}
}

func TestParcelQueueForceTerminateDropsFuture(t *testing.T) {
	q := NewParcelQueue()
	if err := q.Push(5, Parcel{}); err != nil {
		t.Fatalf("push: %v", err)
	}
	q.ForceTerminateSequence()
	if q.Len() != 0 {
		t.Fatalf("expected sparse future parcels dropped")
	}
	if !q.IsSequenceFullyConsumed() {
		t.Fatalf("expected fully consumed immediately after force terminate")
	}
	if q.ExpectsMoreElements() {
		t.Fatalf("expected no more elements expected")
	}
}
