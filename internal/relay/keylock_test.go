package relay

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	t.Parallel()

	var k keyedMutex
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup

	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("alert-1")
			defer unlock()
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			inside.Add(-1)
		}()
	}
	wg.Wait()

	if got := maxInside.Load(); got != 1 {
		t.Errorf("max concurrent holders = %d, want 1", got)
	}
	if got := k.size(); got != 0 {
		t.Errorf("size = %d, want 0 after all unlocks", got)
	}
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	t.Parallel()

	var k keyedMutex
	unlockA := k.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := k.Lock("b")
		unlock()
		close(done)
	}()
	<-done

	if got := k.size(); got != 1 {
		t.Errorf("size = %d, want 1", got)
	}
}
