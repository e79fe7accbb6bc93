// Package runtime orchestrates the context switch described in spec §4.C
// and holds the per-thread local state (PTLS) of spec §3: current/next/
// previous task, the scratch backtrace buffer accounting, and the
// finalizer/pure-callback flags that gate whether a switch may occur.
package runtime

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"coro/errs"
	"coro/fiber"
	"coro/task"
)

// LockVector tracks runtime-owned locks a task currently holds. Spec
// invariant 5 requires this be empty at every switch; implementations
// "should assert this" — Switch does, returning IllegalStateError rather
// than racing ahead undefined.
type LockVector struct {
	held int32
}

// Acquire records that the caller now holds one more runtime lock.
func (l *LockVector) Acquire() { atomic.AddInt32(&l.held, 1) }

// Release records that the caller has released one runtime lock.
func (l *LockVector) Release() { atomic.AddInt32(&l.held, -1) }

// Empty reports whether no runtime locks are currently held.
func (l *LockVector) Empty() bool { return atomic.LoadInt32(&l.held) == 0 }

// ThreadState is the PTLS equivalent from spec §3: the bookkeeping one
// logical OS thread carries as it runs a sequence of tasks handed to it by
// a scheduler. Two tasks never share a ThreadState concurrently — it is
// only ever read/written from the thread's own sequence of Switch calls.
type ThreadState struct {
	mu sync.Mutex

	current  *task.Task
	next     *task.Task
	previous *task.Task
	root     *task.Task

	inFinalizer    bool
	inPureCallback bool

	// btSize models ptls.bt_size, the scratch backtrace buffer's recorded
	// length; it is reset to 0 only after the exception stack has taken
	// ownership of the captured frames (spec §4.D's recovery policy).
	btSize int

	log zerolog.Logger
}

// NewThreadState creates a thread's local state. root, if non-nil, is the
// thread's root task (spec's ptls.root_task).
func NewThreadState(root *task.Task, log zerolog.Logger) *ThreadState {
	return &ThreadState{root: root, log: log}
}

// Current returns the task this thread considers currently running.
func (ts *ThreadState) Current() *task.Task {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.current
}

// Previous returns the task that most recently yielded to bring the
// current task onto this thread — valid for one step of post-switch
// cleanup per spec §4.C's ordering contract.
func (ts *ThreadState) Previous() *task.Task {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.previous
}

// SetNext stores the scheduler's chosen target for the next switch (spec's
// ptls.next_task).
func (ts *ThreadState) SetNext(t *task.Task) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.next = t
}

// NextTask returns the pending switch target, or nil once consumed.
func (ts *ThreadState) NextTask() *task.Task {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.next
}

// RootTask returns the thread's root task.
func (ts *ThreadState) RootTask() *task.Task { return ts.root }

// EnterFinalizer/ExitFinalizer and EnterPureCallback/ExitPureCallback mark
// the regions spec §4.C forbids a switch from occurring in.
func (ts *ThreadState) EnterFinalizer() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.inFinalizer = true
}

func (ts *ThreadState) ExitFinalizer() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.inFinalizer = false
}

func (ts *ThreadState) EnterPureCallback() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.inPureCallback = true
}

func (ts *ThreadState) ExitPureCallback() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.inPureCallback = false
}

// RecordBacktrace models the scratch buffer filling with n bytes' worth of
// frames, ahead of the exception stack taking ownership.
func (ts *ThreadState) RecordBacktrace(n int) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.btSize = n
}

// ReleaseBacktrace resets the scratch buffer's recorded size to 0. Callers
// must only do this after the exception stack has copied the frames out,
// per spec §4.D.
func (ts *ThreadState) ReleaseBacktrace() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.btSize = 0
}

// Switch is the single entry point from spec §4.C. The scheduler must
// already have called ts.SetNext(target). Switch handles all four
// stack-mode combinations uniformly (fiber.Swap/StartSwap/StartSet already
// abstract over dedicated vs copy), but still performs mode-specific
// bookkeeping: acquiring/releasing a copy-stack task's pool slot, and
// clearing a killed task's roots before touching any target state.
func Switch(ctx context.Context, ts *ThreadState, locks *LockVector) error {
	ts.mu.Lock()
	if ts.inFinalizer {
		ts.mu.Unlock()
		return &errs.IllegalStateError{Msg: "switch called from inside a finalizer"}
	}
	if ts.inPureCallback {
		ts.mu.Unlock()
		return &errs.IllegalStateError{Msg: "switch called from inside a pure/staged callback"}
	}
	if locks != nil && !locks.Empty() {
		ts.mu.Unlock()
		return &errs.IllegalStateError{Msg: "switch called while holding a runtime lock"}
	}
	next := ts.next
	last := ts.current
	ts.mu.Unlock()

	if next == nil {
		return &errs.IllegalStateError{Msg: "switch called with no next_task set"}
	}
	if next == last {
		ts.mu.Lock()
		ts.next = nil
		ts.mu.Unlock()
		return nil
	}
	if next.IsStarted() && next.State() != task.RUNNABLE {
		return &errs.IllegalStateError{Msg: "switch target has no live stack"}
	}

	killed := last != nil && last.State() != task.RUNNABLE

	if killed {
		ts.log.Debug().Str("task_id", last.ID().String()).Msg("start_switch_fiber_killed: discarding abandoned stack's roots")
		last.ClearRoots()
		if last.Mode() == task.Copy && last.Pool() != nil {
			// The killed task's own trampoline will never reach finish_task
			// to release this slot, since nobody will resume it again.
			last.Pool().Release()
		}
	} else {
		ts.log.Debug().Msg("start_switch_fiber")
		if last != nil && last.Mode() == task.Copy && last.Pool() != nil {
			last.Pool().Release()
		}
	}

	if next.Mode() == task.Copy && next.Pool() != nil {
		if err := next.Pool().Acquire(ctx); err != nil {
			return err
		}
	}

	// Bookkeeping happens before the blocking handoff: the thread's notion
	// of "current" becomes next the instant control is handed over, even
	// though physically last's goroutine keeps running until it blocks.
	ts.mu.Lock()
	ts.previous = last
	ts.current = next
	ts.next = nil
	ts.mu.Unlock()

	switch {
	case last == nil, killed:
		// Thread bootstrap, or last is terminal and will never resume: in
		// either case there is nobody left to wake this caller back up, so
		// this must be an abandon (spec §4.A's start_fiber_set), not a
		// swap. It does not block.
		next.Fiber().StartSet()
	case !next.IsStarted():
		fiber.StartSwap(last.Fiber(), next.Fiber())
	default:
		fiber.Swap(last.Fiber(), next.Fiber())
	}

	ts.log.Debug().Msg("finish_switch_fiber")
	return nil
}
