package admission

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestTryAdmit_Boundary(t *testing.T) {
	c := New(3)
	for i := 0; i < 3; i++ {
		if !c.TryAdmit() {
			t.Fatalf("admit %d should succeed", i+1)
		}
	}
	if c.TryAdmit() {
		t.Fatal("admit beyond capacity should fail")
	}
	if c.InUse() != 3 {
		t.Errorf("rejected admit must not change occupancy, got %d", c.InUse())
	}

	c.Release()
	if !c.TryAdmit() {
		t.Fatal("admit after release should succeed")
	}
}

func TestRelease_FlooredAtZero(t *testing.T) {
	c := New(1)
	c.Release()
	c.Release()
	if c.InUse() != 0 {
		t.Fatalf("expected 0 in use, got %d", c.InUse())
	}
	if !c.TryAdmit() {
		t.Fatal("expected admit to succeed")
	}
	if c.TryAdmit() {
		t.Fatal("double release must not create extra capacity")
	}
}

func TestNew_NonPositiveCapacity(t *testing.T) {
	if got := New(0).Capacity(); got != 1 {
		t.Errorf("expected capacity 1, got %d", got)
	}
}

func TestTryAdmit_Concurrent(t *testing.T) {
	c := New(5)
	var admitted int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.TryAdmit() {
				atomic.AddInt64(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	if admitted != 5 {
		t.Errorf("expected exactly 5 admissions, got %d", admitted)
	}
}
