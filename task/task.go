// Package task implements the per-task object and lifecycle described in
// spec §3 and §4.B: state, stack mode, affinity, result, and the
// done-hook protocol a scheduler uses to learn when a task leaves
// RUNNABLE.
package task

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"coro/fiber"
	"coro/prng"
)

// State is a task's lifecycle state. Monotonic once non-RUNNABLE, per
// spec invariant 1 — a task never resumes after reaching a terminal
// state.
type State int

const (
	RUNNABLE State = iota
	DONE
	FAILED
)

func (s State) String() string {
	switch s {
	case RUNNABLE:
		return "runnable"
	case DONE:
		return "done"
	case FAILED:
		return "failed"
	default:
		return "unknown"
	}
}

// StackMode re-exports fiber.Mode under the name the task lifecycle spec
// uses ("dedicated" vs "copy" stack).
type StackMode = fiber.Mode

const (
	Dedicated = fiber.Dedicated
	Copy      = fiber.Copy
)

// DoneHook is invoked exactly once, best-effort, when a task leaves
// RUNNABLE — spec §3's "user-supplied done hook". A hook failure is
// reported but never cascades into the task's own result.
type DoneHook func(t *Task)

// StartFunc is the function a task runs when first entered. Returning a
// value completes the task successfully; returning a non-nil error fails
// it, with the error's value becoming the captured exception.
type StartFunc func(t *Task) (any, error)

// Root is an opaque GC-root marker a task's frames register while live,
// standing in for spec's gcstack linked list (the collector itself is out
// of scope per spec §1; this is only the shape code above us attaches
// roots to).
type Root interface{}

// Task is the unit of cooperative execution described in spec §3.
type Task struct {
	mu sync.Mutex

	id          uuid.UUID
	state       State
	isException bool
	result      any

	mode    StackMode
	fiber   *fiber.Fiber
	pool    *fiber.Pool
	started bool

	sticky       bool
	tid          int
	affinityPool int

	worldAge uint64
	scope    any

	ticksUsed  int64
	ticksLimit int64

	start      StartFunc
	doneHook   DoneHook
	doneNotify chan struct{}

	gcStack []Root

	rng *prng.State

	log zerolog.Logger
}

const unpinned = -1

// NewOptions configures New.
type NewOptions struct {
	// StackSize requests a dedicated stack of at least this many bytes.
	// Zero selects copy-stack mode when Pool is non-nil, else the default
	// dedicated size.
	StackSize int
	Pool      *fiber.Pool
	// Parent supplies inherited scope/world-age/PRNG lineage. Nil means
	// this is a root task.
	Parent       *Task
	AffinityPool int
	DoneHook     DoneHook
	// TicksLimit caps an advisory cooperative-yield budget the task's own
	// code may opt into via ConsumeTick. Zero means unlimited; spec.md
	// treats preemption as a non-goal, so nothing in this package ever
	// forces a yield on the task's behalf.
	TicksLimit int64
	// Manager, if non-nil, has the new task registered into it before New
	// returns, so a scheduler can look it up by id and enumerate/clean up
	// terminated tasks later.
	Manager *Manager
	Log     zerolog.Logger
}

const defaultDedicatedStackSize = 1 << 20 // 1 MiB, an arbitrary default above the platform floor.

// New creates a task in state RUNNABLE with TID -1 (unpinned). A
// copy-stack task is additionally marked sticky, but it is not pinned to
// a thread at creation: its TID stays -1 until SetTID is called. It inherits scope,
// affinity pool, and world age from its parent, and forks the parent's PRNG
// stream so every task has an independent one (spec §4.E) — this advances
// only the parent's LCG register, never its primary stream.
func New(start StartFunc, opts NewOptions) (*Task, error) {
	if start == nil {
		return nil, fmt.Errorf("task: New: nil start function")
	}

	mode := Dedicated
	size := opts.StackSize
	if size == 0 {
		if opts.Pool != nil {
			mode = Copy
		} else {
			size = defaultDedicatedStackSize
		}
	}

	t := &Task{
		id:           uuid.New(),
		state:        RUNNABLE,
		mode:         mode,
		pool:         opts.Pool,
		tid:          unpinned,
		affinityPool: opts.AffinityPool,
		start:        start,
		doneHook:     opts.DoneHook,
		doneNotify:   make(chan struct{}),
		ticksLimit:   opts.TicksLimit,
		log:          opts.Log,
	}

	if mode == Copy {
		t.sticky = true
	}

	if opts.Parent != nil {
		opts.Parent.mu.Lock()
		t.scope = opts.Parent.scope
		t.affinityPool = opts.Parent.affinityPool
		t.worldAge = opts.Parent.worldAge
		if opts.Parent.rng != nil {
			t.rng = opts.Parent.rng.Split()
		}
		opts.Parent.mu.Unlock()
	}
	if t.rng == nil {
		// Root task: seed from a fixed, documented origin rather than a
		// hidden global — callers that need process-wide entropy should
		// reseed explicitly before spawning the root task.
		t.rng = prng.New(0x853c49e6748fea9b, 0x2545f4914f6cdd1d, 0x9e3779b97f4a7c15, 0xbf58476d1ce4e5b9, 1)
	}

	f, err := fiber.Alloc(size, mode, t, t.trampoline, t.log)
	if err != nil {
		return nil, err
	}
	t.fiber = f
	t.log = t.log.With().Str("task_id", t.id.String()).Str("mode", mode.String()).Logger()
	if opts.Manager != nil {
		opts.Manager.Register(t)
	}
	return t, nil
}

// trampoline is the function the task's fiber enters. It performs, in
// order: mark self started, run the start function inside a recover
// barrier, record the outcome, and call finish — matching spec §4.B's
// trampoline contract. It never returns control normally; finish always
// ends by letting this function return, which ends the fiber's goroutine.
func (t *Task) trampoline(f *fiber.Fiber) {
	t.mu.Lock()
	t.started = true
	preFailed := t.isException
	preResult := t.result
	t.mu.Unlock()

	if preFailed {
		// The task was killed before it ever ran (spec §4.B: "synthesize a
		// failure").
		t.finish(preResult, true)
		return
	}

	var result any
	var failed bool
	var exc any

	func() {
		defer func() {
			if r := recover(); r != nil {
				failed = true
				exc = r
			}
		}()
		v, err := t.start(t)
		if err != nil {
			failed = true
			exc = err
			return
		}
		result = v
	}()

	if failed {
		t.finish(exc, true)
	} else {
		t.finish(result, false)
	}
}

// finish is invoked by the trampoline exactly once per task on natural
// exit or synthesized pre-start failure. It sets state, releases the
// fiber's pool slot early for copy-stack tasks, and calls the registered
// done hook best-effort. It does not change the task's world age.
// Corresponds to spec §4.B's finish_task.
func (t *Task) finish(result any, isException bool) {
	t.mu.Lock()
	if isException {
		t.state = FAILED
	} else {
		t.state = DONE
	}
	t.isException = isException
	t.result = result
	t.mu.Unlock()

	if t.mode == Copy && t.pool != nil {
		t.pool.Release()
	}

	if t.doneHook != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.log.Error().Interface("panic", r).Msg("done hook failed")
				}
			}()
			t.doneHook(t)
		}()
	}

	close(t.doneNotify)
}

// Kill marks a task non-RUNNABLE before it reaches the trampoline's
// natural exit. If the task has not started, its next activation will
// synthesize a FAILED result instead of running Start. Corresponds to a
// task selected by the scheduler as next_task with last expected to
// terminate (spec §5, "killed").
func (t *Task) Kill(reason any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != RUNNABLE {
		return
	}
	t.state = FAILED
	t.isException = true
	t.result = reason
}

// ID returns the task's durable identity.
func (t *Task) ID() uuid.UUID { return t.id }

// State returns the task's current lifecycle state (thread-safe).
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsException reports whether Result holds a thrown value rather than a
// normal return value. Only meaningful once State() != RUNNABLE.
func (t *Task) IsException() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isException
}

// Result returns the task's terminal value (success result or exception).
func (t *Task) Result() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// IsStarted reports whether the task's trampoline has ever run. Spec
// §4.B's is_task_started.
func (t *Task) IsStarted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

// TID returns the OS-thread id this task is currently pinned to, or -1.
// Spec §4.B's get_task_tid.
func (t *Task) TID() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tid
}

// SetTID pins or unpins the task. Copy-stack (sticky) tasks must never be
// unpinned once pinned; callers are expected to honor spec invariant 3 and
// §5's affinity rules before calling this.
func (t *Task) SetTID(tid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tid = tid
}

// Sticky reports whether the task may only run on the thread that last ran
// it. Always true for copy-stack tasks.
func (t *Task) Sticky() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sticky
}

// SetSticky marks a dedicated-stack task as pinned or unpinned. Copy-stack
// tasks ignore this (they are unconditionally sticky).
func (t *Task) SetSticky(sticky bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mode == Copy {
		return
	}
	t.sticky = sticky
}

// AffinityAllowed reports whether tid may run this task next, per spec §5's
// affinity rules.
func (t *Task) AffinityAllowed(tid int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.sticky {
		return true
	}
	return t.tid == unpinned || t.tid == tid
}

// AffinityPool returns the logical OS-thread pool id the scheduler may
// place this task on. Spec §4.B's get_task_threadpool.
func (t *Task) AffinityPool() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.affinityPool
}

// WorldAge returns the task's last-observed snapshot of the global world
// counter.
func (t *Task) WorldAge() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.worldAge
}

// SetWorldAge updates the task's world-age snapshot.
func (t *Task) SetWorldAge(age uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.worldAge = age
}

// TicksLeft reports the task's remaining advisory tick budget. A task
// created with no TicksLimit always reports an unlimited (non-positive
// limit means no cap) budget.
func (t *Task) TicksLeft() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ticksLimit <= 0 {
		return -1
	}
	return t.ticksLimit - t.ticksUsed
}

// ConsumeTick increments the task's advisory tick counter and reports
// whether budget remains. Nothing in this package calls it: it exists for
// a task's own code to check cooperatively at loop back-edges, the way a
// tree-walking evaluator calls ConsumeTick before each statement.
// Preemption (forcing a yield when the budget runs out) is out of scope.
func (t *Task) ConsumeTick() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ticksUsed++
	if t.ticksLimit <= 0 {
		return true
	}
	return t.ticksUsed < t.ticksLimit
}

// Scope returns the task's inherited dynamic scope value.
func (t *Task) Scope() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scope
}

// SetScope replaces the task's dynamic scope value.
func (t *Task) SetScope(s any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scope = s
}

// RNG returns the task-local PRNG stream. Callers forking a child task
// should go through New (which calls Split internally) rather than sharing
// this pointer.
func (t *Task) RNG() *prng.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rng
}

// Fiber returns the task's underlying fiber, for use by the runtime
// package's context-switch orchestration.
func (t *Task) Fiber() *fiber.Fiber { return t.fiber }

// Pool returns the copy-stack pool this task borrows a slot from, or nil
// for a dedicated-stack task.
func (t *Task) Pool() *fiber.Pool { return t.pool }

// Mode reports whether the task owns a dedicated stack or shares a pool.
func (t *Task) Mode() StackMode { return t.mode }

// Done returns a channel closed exactly once, when the task leaves
// RUNNABLE. Higher layers (a completion future) select on this.
func (t *Task) Done() <-chan struct{} { return t.doneNotify }

// PushRoot registers a GC root for the task's currently-paused stack
// state (spec invariant: "every task owns a root set reachable from its
// paused stack state").
func (t *Task) PushRoot(r Root) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gcStack = append(t.gcStack, r)
}

// PopRoot removes the most recently pushed root.
func (t *Task) PopRoot() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.gcStack) > 0 {
		t.gcStack = t.gcStack[:len(t.gcStack)-1]
	}
}

// Roots returns a snapshot of the task's current GC root set.
func (t *Task) Roots() []Root {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Root, len(t.gcStack))
	copy(out, t.gcStack)
	return out
}

// ClearRoots discards the task's root set. Only valid on the killed path,
// where spec §4.C requires clearing gcstack (and eh, owned by the except
// package) before touching any other target state.
func (t *Task) ClearRoots() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gcStack = nil
}

// StackBuffer returns an inspectable view of the task's stack for
// profilers: a notional pointer (here, just the fiber id), its size, and
// the pinned thread id. Spec §4.B's task_stack_buffer.
func (t *Task) StackBuffer() (id uint64, size int, tid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fiber.ID(), t.fiber.BufSize(), t.tid
}
