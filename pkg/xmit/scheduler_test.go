package xmit

import (
	"sync"
	"testing"
)

func TestControlNeverQueuesBehindData(t *testing.T) {
	s := New(nil)
	var mu sync.Mutex
	var order []string

	record := func(name string) func() error {
		return func() error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	s.Enqueue(Item{Dest: "peerA", Size: 65536, Class: ClassData, Send: record("data1")})
	s.Enqueue(Item{Dest: "peerA", Size: 65536, Class: ClassData, Send: record("data2")})
	s.Enqueue(Item{Dest: "peerA", Size: 128, Class: ClassControl, Send: record("control")})

	for i := 0; i < 3; i++ {
		it, ok := s.tryPop()
		if !ok {
			t.Fatalf("expected an item at step %d", i)
		}
		if err := it.Send(); err != nil {
			t.Fatalf("send failed: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "control" {
		t.Fatalf("expected control first, got %v", order)
	}
}

func TestDeficitRoundRobinAcrossDestinations(t *testing.T) {
	s := New(nil)
	var mu sync.Mutex
	var order []string
	record := func(name string) func() error {
		return func() error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	s.Enqueue(Item{Dest: "a", Size: 100, Class: ClassData, Send: record("a1")})
	s.Enqueue(Item{Dest: "b", Size: 100, Class: ClassData, Send: record("b1")})

	for i := 0; i < 2; i++ {
		it, ok := s.tryPop()
		if !ok {
			t.Fatalf("expected item at step %d", i)
		}
		_ = it.Send()
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 {
		t.Fatalf("expected both destinations served, got %v", order)
	}
	seen := map[string]bool{order[0]: true, order[1]: true}
	if !seen["a1"] || !seen["b1"] {
		t.Fatalf("expected both flows drained, got %v", order)
	}
}

func TestStopUnblocksRun(t *testing.T) {
	s := New(nil)
	done := make(chan struct{})
	go func() {
		s.Run()
		close(done)
	}()
	s.Stop()
	<-done
}
