package fiber

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestStartSetRunsEntryOnItsOwnGoroutine(t *testing.T) {
	done := make(chan struct{})
	f, err := Alloc(0, Dedicated, nil, func(self *Fiber) {
		close(done)
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	f.StartSet()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("entry never ran")
	}
}

func TestAllocRoundsStackSizeUpToMinimum(t *testing.T) {
	f, err := Alloc(1, Dedicated, nil, func(self *Fiber) {}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if f.BufSize() != MinStackSize {
		t.Fatalf("expected BufSize rounded up to %d, got %d", MinStackSize, f.BufSize())
	}
}

func TestAllocRejectsNilEntry(t *testing.T) {
	if _, err := Alloc(0, Dedicated, nil, nil, zerolog.Nop()); err == nil {
		t.Fatalf("expected error allocating a fiber with no entry")
	}
}

func TestStartSwapHandsControlBackAndForth(t *testing.T) {
	var order []string

	caller, err := Alloc(0, Dedicated, nil, func(self *Fiber) {}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Alloc caller: %v", err)
	}
	callee, err := Alloc(0, Dedicated, nil, func(self *Fiber) {
		order = append(order, "callee")
		Swap(self, caller)
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Alloc callee: %v", err)
	}

	order = append(order, "caller-before")
	StartSwap(caller, callee)
	order = append(order, "caller-after")

	want := []string{"caller-before", "callee", "caller-after"}
	if len(order) != len(want) {
		t.Fatalf("got order %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got order %v, want %v", order, want)
		}
	}
}

func TestSwapPanicsOnNeverStartedFiber(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected Swap to panic targeting an unstarted fiber")
		}
	}()
	save, _ := Alloc(0, Dedicated, nil, func(self *Fiber) {}, zerolog.Nop())
	never, _ := Alloc(0, Dedicated, nil, func(self *Fiber) {}, zerolog.Nop())
	Swap(save, never)
}

func TestStartSwapPanicsOnAlreadyStartedFiber(t *testing.T) {
	save, _ := Alloc(0, Dedicated, nil, func(self *Fiber) {}, zerolog.Nop())
	started, _ := Alloc(0, Dedicated, nil, func(self *Fiber) {
		Swap(self, save)
	}, zerolog.Nop())
	StartSwap(save, started)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected StartSwap to panic on an already-started fiber")
		}
	}()
	other, _ := Alloc(0, Dedicated, nil, func(self *Fiber) {}, zerolog.Nop())
	StartSwap(other, started)
}

func TestYieldReturnsContextErrorWhenAlreadyDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	self, _ := Alloc(0, Dedicated, nil, func(f *Fiber) {}, zerolog.Nop())
	target, _ := Alloc(0, Dedicated, nil, func(f *Fiber) {}, zerolog.Nop())

	if err := self.Yield(ctx, target); err == nil {
		t.Fatalf("expected Yield to report the already-cancelled context")
	}
}

func TestPoolAcquireReleaseRespectsCapacity(t *testing.T) {
	p := NewPool(1, zerolog.Nop())
	ctx := context.Background()

	if err := p.Acquire(ctx); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	blocked := context.Background()
	shortCtx, cancel := context.WithTimeout(blocked, 20*time.Millisecond)
	defer cancel()
	if err := p.Acquire(shortCtx); err == nil {
		t.Fatalf("expected second Acquire to block past capacity and time out")
	}

	p.Release()
	if err := p.Acquire(ctx); err != nil {
		t.Fatalf("Acquire after Release: %v", err)
	}
}

func TestPoolNewPoolFloorsCapacityAtOne(t *testing.T) {
	p := NewPool(0, zerolog.Nop())
	if p.Capacity() != 1 {
		t.Fatalf("expected capacity floored to 1, got %d", p.Capacity())
	}
}
