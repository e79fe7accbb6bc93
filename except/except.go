// Package except implements the exception machinery described in spec
// §4.D: a per-task exception stack of (value, backtrace) frames, a
// separate handler chain, and throw/rethrow/rethrow-other operations that
// unwind to the nearest handler via Go's panic/recover standing in for the
// spec's long-range jump to a saved machine context.
package except

import (
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/rs/zerolog"
)

// Frame is a single entry on the exception stack: a thrown value together
// with the backtrace captured at the throw site.
type Frame struct {
	Value     any
	Backtrace []string
}

// handler is a catch-site record: an identity token panic()/recover()
// match on in place of a saved jump buffer, plus excDepth, a snapshot of
// the exception stack's depth at push time.
type handler struct {
	excDepth int
}

// unwindSignal is the payload a throw panics with; only a Try whose own
// handler token matches recovers it — any other panic (including one
// targeting an outer handler) continues propagating.
type unwindSignal struct {
	handler *handler
	frame   Frame
}

// safeRestoreSignal is the payload used when a safe-restore slot is
// installed; it bypasses the exception stack entirely.
type safeRestoreSignal struct {
	token any
}

// State is one task's exception machinery: its exception stack and
// handler chain. Callers typically store one State per task.Task.
type State struct {
	mu          sync.Mutex
	excStack    []Frame
	handlers    []*handler
	safeRestore any
	sigException any
	hasSig      bool
	onUncaught  func(value any, bt []string)
	log         zerolog.Logger
}

// NewState creates exception machinery for one task. onUncaught is the
// spec's no_exc_handler reporter, invoked when a throw finds no handler; if
// nil, a default reporter logs the exception as an error and exits with
// status 2, matching spec §7's "kind 8 (fatal)" contract verbatim rather
// than zerolog's own Fatal level, which exits 1. Tests should supply their
// own onUncaught to avoid exiting the test binary.
func NewState(onUncaught func(value any, bt []string), log zerolog.Logger) *State {
	if onUncaught == nil {
		onUncaught = func(value any, bt []string) {
			log.Error().Interface("value", value).Strs("backtrace", bt).Msg("uncaught exception")
			os.Exit(2)
		}
	}
	return &State{onUncaught: onUncaught, log: log}
}

// captureBacktrace records the call stack above the given number of
// frames to skip (the throw site itself plus this helper).
func captureBacktrace(skip int) []string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	out := make([]string, 0, n)
	for {
		f, more := frames.Next()
		out = append(out, fmt.Sprintf("%s (%s:%d)", f.Function, f.File, f.Line))
		if !more {
			break
		}
	}
	return out
}

// Depth returns the current exception stack depth.
func (s *State) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.excStack)
}

// Top returns the innermost exception-stack frame and whether one exists.
func (s *State) Top() (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.excStack) == 0 {
		return Frame{}, false
	}
	return s.excStack[len(s.excStack)-1], true
}

// SetSafeRestore installs a low-level override: Throw and SigThrow will
// long-jump (panic) directly to whoever is waiting on this token instead
// of touching the exception stack at all. Used by callers like a signal
// path testing whether it is safe to unwind normally.
func (s *State) SetSafeRestore(token any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.safeRestore = token
}

// ClearSafeRestore removes a previously installed safe-restore slot.
func (s *State) ClearSafeRestore() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.safeRestore = nil
}

// WithSafeRestore installs token as the safe-restore slot for the duration
// of body, and reports whether a Throw/SigThrow targeted it.
func (s *State) WithSafeRestore(token any, body func()) (restored bool) {
	s.SetSafeRestore(token)
	defer func() {
		s.ClearSafeRestore()
		if r := recover(); r != nil {
			sig, ok := r.(*safeRestoreSignal)
			if !ok || sig.token != token {
				panic(r)
			}
			restored = true
		}
	}()
	body()
	return false
}

// Throw captures a backtrace (skipping Throw's own frame, so the first
// entry is the throw site), pushes
// (value, backtrace) onto the exception stack, and unwinds to the nearest
// handler. If a safe-restore slot is installed it is used instead and the
// exception stack is untouched. If there is no handler and no safe-restore
// slot, the uncaught-exception reporter runs and Throw does not return
// (its default aborts the process; spec §4.D).
func (s *State) Throw(value any) {
	s.mu.Lock()
	if s.safeRestore != nil {
		tok := s.safeRestore
		s.mu.Unlock()
		panic(&safeRestoreSignal{token: tok})
	}
	bt := captureBacktrace(1)
	s.excStack = append(s.excStack, Frame{Value: value, Backtrace: bt})
	if len(s.handlers) == 0 {
		top := s.excStack[len(s.excStack)-1]
		s.mu.Unlock()
		s.onUncaught(top.Value, top.Backtrace)
		panic("except: uncaught exception reporter returned")
	}
	h := s.handlers[len(s.handlers)-1]
	frame := s.excStack[len(s.excStack)-1]
	s.mu.Unlock()
	panic(&unwindSignal{handler: h, frame: frame})
}

// Rethrow re-enters the unwind path toward whatever handler is current
// (typically the enclosing one, since a catch body pops its own handler
// before running), without changing the top exception-stack frame. Valid
// only when an exception stack frame already exists.
func (s *State) Rethrow() {
	s.mu.Lock()
	if len(s.excStack) == 0 {
		s.mu.Unlock()
		panic("except: rethrow with empty exception stack")
	}
	top := s.excStack[len(s.excStack)-1]
	s.mu.Unlock()
	s.rethrowFrame(top)
}

// RethrowOther replaces the top exception-stack frame's value while
// keeping its backtrace, then unwinds exactly like Rethrow.
func (s *State) RethrowOther(value any) {
	s.mu.Lock()
	if len(s.excStack) == 0 {
		s.mu.Unlock()
		panic("except: rethrow_other with empty exception stack")
	}
	s.excStack[len(s.excStack)-1].Value = value
	top := s.excStack[len(s.excStack)-1]
	s.mu.Unlock()
	s.rethrowFrame(top)
}

// rethrowFrame is the shared tail of Rethrow and RethrowOther once the top
// frame's value has been settled.
func (s *State) rethrowFrame(top Frame) {
	s.mu.Lock()
	if s.safeRestore != nil {
		tok := s.safeRestore
		s.mu.Unlock()
		panic(&safeRestoreSignal{token: tok})
	}
	if len(s.handlers) == 0 {
		s.mu.Unlock()
		s.onUncaught(top.Value, top.Backtrace)
		panic("except: uncaught exception reporter returned")
	}
	h := s.handlers[len(s.handlers)-1]
	s.mu.Unlock()
	panic(&unwindSignal{handler: h, frame: top})
}

// DeliverAsync deposits a value for SigThrow to pick up, standing in for a
// signal handler writing ptls.sig_exception (spec §4.D's asynchronous
// path). At most one undelivered async exception is held at a time.
func (s *State) DeliverAsync(value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sigException = value
	s.hasSig = true
}

// SigThrow is the path taken after returning from an asynchronous delivery:
// it must run on a normal call stack (never from within DeliverAsync
// itself) and throws whatever value was deposited, if any. Returns false
// if no async exception was pending.
func (s *State) SigThrow() bool {
	s.mu.Lock()
	if !s.hasSig {
		s.mu.Unlock()
		return false
	}
	value := s.sigException
	s.sigException = nil
	s.hasSig = false
	s.mu.Unlock()
	s.Throw(value)
	return true // unreachable when Throw aborts/unwinds, kept for signature symmetry
}

// PushHandler opens a catch region, snapshotting the exception stack depth
// the way spec §4.D's push_handler snapshots the machine context and
// timing-stack pointer.
func (s *State) PushHandler() *handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := &handler{excDepth: len(s.excStack)}
	s.handlers = append(s.handlers, h)
	return h
}

// PopHandler closes the most recently opened catch region. h must be the
// current top of the handler chain.
func (s *State) PopHandler(h *handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.popLocked(h)
}

func (s *State) popLocked(h *handler) {
	if len(s.handlers) == 0 || s.handlers[len(s.handlers)-1] != h {
		return
	}
	s.handlers = s.handlers[:len(s.handlers)-1]
}

// Try runs tryBody under a freshly pushed handler. If tryBody throws (via
// Throw/Rethrow/RethrowOther on this same State) and the throw reaches
// this handler, the handler is popped — a further throw from within
// exceptBody propagates to whatever handler is next, not back into this
// one — the exception stack is trimmed to exactly one frame taller than
// it was on entry (spec §8's invariant), and exceptBody runs with that
// frame. A throw meant for a different (outer or already-superseded)
// handler continues propagating untouched.
func (s *State) Try(tryBody func(), exceptBody func(Frame)) {
	h := s.PushHandler()
	caught := false
	func() {
		defer func() {
			if r := recover(); r != nil {
				uw, ok := r.(*unwindSignal)
				if !ok || uw.handler != h {
					s.PopHandler(h)
					panic(r)
				}
				s.PopHandler(h)
				s.mu.Lock()
				if h.excDepth+1 <= len(s.excStack) {
					s.excStack = s.excStack[:h.excDepth+1]
				}
				top := s.excStack[len(s.excStack)-1]
				s.mu.Unlock()
				caught = true
				exceptBody(top)
			}
		}()
		tryBody()
	}()
	if !caught {
		s.PopHandler(h)
	}
}
