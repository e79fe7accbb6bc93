// Package fiber implements the fiber primitive: allocation of a stack-like
// execution context and hand-off of control between two such contexts.
//
// Go offers no supported way to seize a goroutine's machine stack pointer,
// so this is not a raw SP/IP swap. Instead each Fiber owns a
// permanently-parked goroutine and a single rendezvous channel;
// "starting" or "swapping into" a fiber wakes that goroutine (or spawns it,
// on first activation) and blocks the caller until somebody wakes it back.
// This keeps the core discipline — exactly one of {caller, fiber} runs at
// a time — without unsafe stack surgery.
package fiber

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// MinStackSize is the platform minimum a requested stack size is rounded
// up to a platform minimum of 131072 bytes.
const MinStackSize = 131072

// Mode distinguishes a fiber that owns a permanent goroutine ("dedicated
// stack") from one that borrows a slot from a bounded Pool ("copy stack").
type Mode int

const (
	Dedicated Mode = iota
	Copy
)

func (m Mode) String() string {
	switch m {
	case Dedicated:
		return "dedicated"
	case Copy:
		return "copy"
	default:
		return "unknown"
	}
}

type signal struct{}

// Entry is the function a fiber runs once started. It receives the fiber
// itself so it can yield by calling Fiber.Yield.
type Entry func(f *Fiber)

// Fiber is the machine-context analogue from spec §4.A: something that can
// be allocated, started, and swapped into and out of.
type Fiber struct {
	mu      sync.Mutex
	id      uint64
	mode    Mode
	bufsz   int
	owner   any
	entry   Entry
	resume  chan signal
	started bool
	exited  bool
	log     zerolog.Logger
}

var idCounter uint64
var idMu sync.Mutex

func nextID() uint64 {
	idMu.Lock()
	defer idMu.Unlock()
	idCounter++
	return idCounter
}

// Alloc reserves a fiber with at least stackSize bytes of (notional) stack,
// rounded up to MinStackSize, and prepares it to run entry when started.
// owner is an opaque back-pointer (typically *task.Task) the fiber does not
// interpret. Corresponds to spec §4.A's alloc_fiber.
func Alloc(stackSize int, mode Mode, owner any, entry Entry, log zerolog.Logger) (*Fiber, error) {
	if entry == nil {
		return nil, fmt.Errorf("fiber: alloc: nil entry")
	}
	if stackSize < MinStackSize {
		stackSize = MinStackSize
	}
	id := nextID()
	f := &Fiber{
		id:     id,
		mode:   mode,
		bufsz:  stackSize,
		owner:  owner,
		entry:  entry,
		resume: make(chan signal),
		log:    log.With().Uint64("fiber_id", id).Str("mode", mode.String()).Logger(),
	}
	return f, nil
}

// ID returns the fiber's identity, stable for its lifetime.
func (f *Fiber) ID() uint64 { return f.id }

// BufSize reports the notional stack buffer size, for profiler-style
// inspection.
func (f *Fiber) BufSize() int { return f.bufsz }

// Owner returns the opaque owner supplied at Alloc time.
func (f *Fiber) Owner() any { return f.owner }

// Started reports whether the fiber's goroutine has ever run.
func (f *Fiber) Started() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

// Exited reports whether the fiber's entry function has returned.
func (f *Fiber) Exited() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exited
}

func (f *Fiber) run() {
	defer func() {
		f.mu.Lock()
		f.exited = true
		f.mu.Unlock()
		f.log.Debug().Msg("fiber entry returned")
	}()
	f.entry(f)
}

// StartSet begins executing f at its prepared entry, abandoning the
// caller's resumption point entirely (no save context is kept). Used on
// the "killed" switch path where the outgoing task has no roots left to
// preserve. Corresponds to spec §4.A's start_fiber_set.
func (f *Fiber) StartSet() {
	f.mu.Lock()
	if !f.started {
		f.started = true
		f.mu.Unlock()
		go f.run()
		return
	}
	f.mu.Unlock()
	f.resume <- signal{}
}

// StartSwap records the caller's resumption point into save, then begins
// next at its prepared entry. It returns only when some other actor later
// wakes save via Swap or Yield. Corresponds to spec §4.A's start_fiber_swap; next
// must not have been started yet.
func StartSwap(save, next *Fiber) {
	next.mu.Lock()
	if next.started {
		next.mu.Unlock()
		panic("fiber: StartSwap called on an already-started fiber")
	}
	next.started = true
	next.mu.Unlock()
	go next.run()
	<-save.resume
}

// Swap records the caller's resumption point into save, then resumes next,
// which must already have been started at least once. Corresponds to
// spec §4.A's swap_fiber.
func Swap(save, next *Fiber) {
	next.mu.Lock()
	started := next.started
	next.mu.Unlock()
	if !started {
		panic("fiber: Swap called on a fiber that was never started")
	}
	next.resume <- signal{}
	<-save.resume
}

// Yield parks the currently-running fiber (self) and hands control to
// target, returning only when self is later woken again via Swap/StartSet.
// This is the operation entry functions call at their own suspension
// points; it is the mirror image of Swap from the other side of the
// handoff.
func (self *Fiber) Yield(ctx context.Context, target *Fiber) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	Swap(self, target)
	return nil
}

// Pool bounds the number of copy-stack-mode fibers that may be actively
// running concurrently: they share a per-thread native stack, so a copy
// fiber borrows a slot while running and frees it the instant it parks.
// Grounded on the worker-pool semaphore shape from
// the retrieved task-queue example.
type Pool struct {
	sem *semaphore.Weighted
	cap int64
	log zerolog.Logger
}

// NewPool creates a pool with room for `capacity` concurrently-running
// copy-stack fibers sharing the (notional) native stack.
func NewPool(capacity int64, log zerolog.Logger) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{sem: semaphore.NewWeighted(capacity), cap: capacity, log: log}
}

// Capacity returns the pool's configured concurrency bound.
func (p *Pool) Capacity() int64 { return p.cap }

// Acquire reserves a slot for a copy-stack fiber about to run. It blocks
// until a slot is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) error {
	return p.sem.Acquire(ctx, 1)
}

// Release frees the slot held by a copy-stack fiber that has just parked
// or exited.
func (p *Pool) Release() {
	p.sem.Release(1)
}
