package concurrency

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLockFreeQueue_MPMC(t *testing.T) {
	q := NewLockFreeQueue[int](1024)
	producers := 10
	consumers := 10
	itemsPerProducer := 10000

	var wg sync.WaitGroup
	var sentSum int64
	var receivedSum int64

	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			for i := 0; i < itemsPerProducer; i++ {
				val := pid*itemsPerProducer + i + 1
				for !q.Enqueue(val) {
					runtime.Gosched()
				}
				atomic.AddInt64(&sentSum, int64(val))
			}
		}(p)
	}

	var receivedCount int64
	totalItems := int64(producers * itemsPerProducer)

	consumerWg := sync.WaitGroup{}
	for c := 0; c < consumers; c++ {
		consumerWg.Add(1)
		go func() {
			defer consumerWg.Done()
			for {
				if val, ok := q.Dequeue(); ok {
					atomic.AddInt64(&receivedSum, int64(val))
					if atomic.AddInt64(&receivedCount, 1) == totalItems {
						return
					}
				} else {
					if atomic.LoadInt64(&receivedCount) >= totalItems {
						return
					}
					runtime.Gosched()
				}
			}
		}()
	}

	wg.Wait()

	done := make(chan struct{})
	go func() {
		consumerWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if sentSum != receivedSum {
			t.Errorf("Checksum mismatch: sent %d, received %d", sentSum, receivedSum)
		}
	case <-time.After(5 * time.Second):
		t.Errorf("Timeout waiting for consumers. Received %d/%d", atomic.LoadInt64(&receivedCount), totalItems)
	}
}

func TestLockFreeQueue_FullAndEmpty(t *testing.T) {
	q := NewLockFreeQueue[uint32](3)
	if q.Cap() != 4 {
		t.Fatalf("capacity not rounded: got %d, want 4", q.Cap())
	}
	for i := uint32(0); i < 4; i++ {
		if !q.Enqueue(i) {
			t.Fatalf("enqueue %d refused before full", i)
		}
	}
	if q.Enqueue(99) {
		t.Fatal("enqueue accepted on full queue")
	}
	if q.Len() != 4 {
		t.Fatalf("Len = %d, want 4", q.Len())
	}
	for i := uint32(0); i < 4; i++ {
		v, ok := q.Dequeue()
		if !ok || v != i {
			t.Fatalf("dequeue = (%d,%v), want (%d,true)", v, ok, i)
		}
	}
	if _, ok := q.Dequeue(); ok {
		t.Fatal("dequeue succeeded on empty queue")
	}
}

func TestLockFreeQueue_Bulk(t *testing.T) {
	q := NewLockFreeQueue[uint32](8)
	in := []uint32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	if n := q.EnqueueBulk(in); n != 8 {
		t.Fatalf("EnqueueBulk = %d, want 8", n)
	}
	out := make([]uint32, 5)
	if n := q.DequeueBulk(out); n != 5 {
		t.Fatalf("DequeueBulk = %d, want 5", n)
	}
	if diff := cmp.Diff([]uint32{1, 2, 3, 4, 5}, out); diff != "" {
		t.Errorf("bulk order mismatch (-want +got):\n%s", diff)
	}
	rest := make([]uint32, 10)
	n := q.DequeueBulk(rest)
	if diff := cmp.Diff([]uint32{6, 7, 8}, rest[:n]); diff != "" {
		t.Errorf("drain mismatch (-want +got):\n%s", diff)
	}
}

func TestNextPowerOfTwo(t *testing.T) {
	cases := map[int]int{0: 2, 1: 2, 2: 2, 3: 4, 1000: 1024, 8192: 8192, 8193: 16384}
	for in, want := range cases {
		if got := NextPowerOfTwo(in); got != want {
			t.Errorf("NextPowerOfTwo(%d) = %d, want %d", in, got, want)
		}
	}
}
