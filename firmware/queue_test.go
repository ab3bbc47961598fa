package firmware

import (
	"sync"
	"testing"

	"github.com/efficientgo/core/errors"

	"github.com/ardnew/gcpusb/pkg"
)

func TestNewQueue_Capacity(t *testing.T) {
	tests := []struct {
		capacity int
		wantErr  bool
	}{
		{0, true},
		{1, true},
		{2, false},
		{3, true},
		{64, false},
		{100, true},
		{1024, false},
	}
	for _, tt := range tests {
		q, err := NewQueue[int](tt.capacity)
		if (err != nil) != tt.wantErr {
			t.Errorf("NewQueue(%d) error = %v, wantErr %v", tt.capacity, err, tt.wantErr)
			continue
		}
		if err != nil {
			if !errors.Is(err, pkg.ErrInvalidParameter) {
				t.Errorf("NewQueue(%d) error = %v, want %v", tt.capacity, err, pkg.ErrInvalidParameter)
			}
			continue
		}
		if q.Cap() != tt.capacity {
			t.Errorf("Cap() = %d, want %d", q.Cap(), tt.capacity)
		}
	}
}

func TestQueue_FIFO(t *testing.T) {
	q, _ := NewQueue[int](8)
	for i := range 5 {
		if err := q.Enqueue(i); err != nil {
			t.Fatalf("Enqueue(%d) error = %v", i, err)
		}
	}
	if got := q.Len(); got != 5 {
		t.Errorf("Len() = %d, want 5", got)
	}
	for i := range 5 {
		v, ok := q.Dequeue()
		if !ok || v != i {
			t.Fatalf("Dequeue() = %d, %v; want %d, true", v, ok, i)
		}
	}
	if _, ok := q.Dequeue(); ok {
		t.Error("Dequeue() on empty queue succeeded")
	}
	if got := q.Len(); got != 0 {
		t.Errorf("Len() = %d, want 0", got)
	}
}

func TestQueue_Full(t *testing.T) {
	q, _ := NewQueue[string](4)
	for _, s := range []string{"a", "b", "c", "d"} {
		if err := q.Enqueue(s); err != nil {
			t.Fatalf("Enqueue(%q) error = %v", s, err)
		}
	}
	if err := q.Enqueue("e"); !errors.Is(err, pkg.ErrQueueFull) {
		t.Fatalf("Enqueue() on full queue error = %v, want %v", err, pkg.ErrQueueFull)
	}
	if got := q.Len(); got != 4 {
		t.Errorf("Len() = %d, want 4", got)
	}

	if v, _ := q.Dequeue(); v != "a" {
		t.Errorf("Dequeue() = %q, want a", v)
	}
	if err := q.Enqueue("e"); err != nil {
		t.Fatalf("Enqueue() after Dequeue error = %v", err)
	}
	var got []string
	for {
		v, ok := q.Dequeue()
		if !ok {
			break
		}
		got = append(got, v)
	}
	if len(got) != 4 || got[0] != "b" || got[3] != "e" {
		t.Errorf("drained %v, want [b c d e]", got)
	}
}

func TestQueue_WrapAround(t *testing.T) {
	q, _ := NewQueue[int](2)
	for i := range 1000 {
		if err := q.Enqueue(i); err != nil {
			t.Fatalf("Enqueue(%d) error = %v", i, err)
		}
		if err := q.Enqueue(-i); err != nil {
			t.Fatalf("Enqueue(%d) error = %v", -i, err)
		}
		if a, _ := q.Dequeue(); a != i {
			t.Fatalf("Dequeue() = %d, want %d", a, i)
		}
		if b, _ := q.Dequeue(); b != -i {
			t.Fatalf("Dequeue() = %d, want %d", b, -i)
		}
	}
}

func TestQueue_Concurrent(t *testing.T) {
	const (
		producers = 4
		consumers = 4
		perProd   = 5000
	)
	q, _ := NewQueue[int](64)

	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perProd {
				for q.Enqueue(p*perProd+i) != nil {
				}
			}
		}()
	}

	results := make(chan []int, consumers)
	var remaining sync.WaitGroup
	remaining.Add(producers * perProd)
	done := make(chan struct{})
	go func() {
		remaining.Wait()
		close(done)
	}()
	for range consumers {
		go func() {
			var seen []int
			for {
				if v, ok := q.Dequeue(); ok {
					seen = append(seen, v)
					remaining.Done()
					continue
				}
				select {
				case <-done:
					results <- seen
					return
				default:
				}
			}
		}()
	}
	wg.Wait()
	<-done

	counts := make([]int, producers*perProd)
	for range consumers {
		seen := <-results
		last := make([]int, producers)
		for i := range last {
			last[i] = -1
		}
		for _, v := range seen {
			counts[v]++
			p := v / perProd
			if v <= last[p] {
				t.Fatalf("producer %d values out of order: %d after %d", p, v, last[p])
			}
			last[p] = v
		}
	}
	for v, n := range counts {
		if n != 1 {
			t.Fatalf("value %d dequeued %d times, want 1", v, n)
		}
	}
}
