package sharedmem

import "testing"

func TestTryAllocateRespectsCapacity(t *testing.T) {
	p := New(Options{Fragments: 1})

	f1, ok := p.TryAllocate()
	if !ok {
		t.Fatalf("expected first allocation to succeed")
	}
	if _, ok := p.TryAllocate(); ok {
		t.Fatalf("expected second allocation to fail while pool is exhausted")
	}

	f1.Release()
	f2, ok := p.TryAllocate()
	if !ok {
		t.Fatalf("expected allocation to succeed after release")
	}
	f2.Release()
}

func TestAllocateQueuesWaiterUntilRelease(t *testing.T) {
	p := New(Options{Fragments: 1})
	f1, ok := p.TryAllocate()
	if !ok {
		t.Fatalf("expected first allocation to succeed")
	}

	got := make(chan *Fragment, 1)
	p.Allocate(func(f *Fragment) { got <- f })

	select {
	case <-got:
		t.Fatalf("callback fired before any fragment was released")
	default:
	}

	f1.Release()

	select {
	case f := <-got:
		if f == nil {
			t.Fatalf("expected a non-nil fragment for the queued waiter")
		}
		f.Release()
	default:
		t.Fatalf("expected callback to fire synchronously from Release")
	}
}

func TestFragmentRefcountDelaysReturn(t *testing.T) {
	p := New(Options{Fragments: 1})
	f, _ := p.TryAllocate()
	f.Retain()

	f.Release()
	if _, ok := p.TryAllocate(); ok {
		t.Fatalf("fragment should still be outstanding after one of two releases")
	}

	f.Release()
	if _, ok := p.TryAllocate(); !ok {
		t.Fatalf("expected fragment to be free after final release")
	}
}

func TestUnboundedPoolNeverBlocks(t *testing.T) {
	p := New(Options{})
	for i := 0; i < 100; i++ {
		if _, ok := p.TryAllocate(); !ok {
			t.Fatalf("unbounded pool rejected allocation %d", i)
		}
	}
	if got := p.Outstanding(); got != 100 {
		t.Fatalf("Outstanding() = %d, want 100", got)
	}
}
