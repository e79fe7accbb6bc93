package except

import (
	"testing"

	"github.com/rs/zerolog"
)

func newTestState(t *testing.T) (*State, *[]any) {
	t.Helper()
	var uncaught []any
	s := NewState(func(value any, bt []string) {
		uncaught = append(uncaught, value)
	}, zerolog.Nop())
	return s, &uncaught
}

func TestTryCatchesMatchingThrow(t *testing.T) {
	s, _ := newTestState(t)

	var caught Frame
	entered := false
	s.Try(func() {
		s.Throw("boom")
	}, func(f Frame) {
		entered = true
		caught = f
	})

	if !entered {
		t.Fatalf("except body never ran")
	}
	if caught.Value != "boom" {
		t.Fatalf("unexpected caught value %v", caught.Value)
	}
}

func TestTryLeavesExceptionStackOneFrameTaller(t *testing.T) {
	s, _ := newTestState(t)

	before := s.Depth()
	s.Try(func() {
		s.Throw("x")
	}, func(f Frame) {
		if got := s.Depth(); got != before+1 {
			t.Fatalf("expected depth %d inside catch, got %d", before+1, got)
		}
	})
}

func TestTryWithoutThrowPopsHandlerSilently(t *testing.T) {
	s, _ := newTestState(t)

	ran := false
	s.Try(func() {
		ran = true
	}, func(f Frame) {
		t.Fatalf("except body must not run on normal completion")
	})
	if !ran {
		t.Fatalf("try body never ran")
	}
	if s.Depth() != 0 {
		t.Fatalf("expected untouched exception stack, got depth %d", s.Depth())
	}
}

func TestRethrowPropagatesToOuterHandlerWithDepthOne(t *testing.T) {
	// Scenario 2 from spec §8: inner try/catch rethrows; the outer handler
	// must observe an exception stack of depth 1 with the original value.
	s, _ := newTestState(t)

	outerCaught := false
	var outerFrame Frame
	s.Try(func() {
		s.Try(func() {
			s.Throw("x")
		}, func(f Frame) {
			s.Rethrow()
		})
	}, func(f Frame) {
		outerCaught = true
		outerFrame = f
	})

	if !outerCaught {
		t.Fatalf("outer handler never observed the rethrown exception")
	}
	if outerFrame.Value != "x" {
		t.Fatalf("outer handler saw wrong value: %v", outerFrame.Value)
	}
	if s.Depth() != 1 {
		t.Fatalf("expected exception stack depth 1 after rethrow settles, got %d", s.Depth())
	}
}

func TestRethrowOtherReplacesValueKeepsBacktrace(t *testing.T) {
	s, _ := newTestState(t)

	var outerValue any
	var innerBT, outerBT []string
	s.Try(func() {
		s.Try(func() {
			s.Throw("original")
		}, func(f Frame) {
			innerBT = f.Backtrace
			s.RethrowOther("replaced")
		})
	}, func(f Frame) {
		outerValue = f.Value
		outerBT = f.Backtrace
	})

	if outerValue != "replaced" {
		t.Fatalf("expected replaced value, got %v", outerValue)
	}
	if len(innerBT) == 0 || len(outerBT) == 0 || innerBT[0] != outerBT[0] {
		t.Fatalf("expected backtrace to survive rethrow_other unchanged")
	}
}

func TestUncaughtThrowInvokesReporter(t *testing.T) {
	s, uncaught := newTestState(t)

	func() {
		defer func() {
			recover() // the default/no-handler path panics after reporting
		}()
		s.Throw("orphan")
	}()

	if len(*uncaught) != 1 || (*uncaught)[0] != "orphan" {
		t.Fatalf("expected reporter invoked once with orphan value, got %v", *uncaught)
	}
}

func TestUnrelatedPanicIsNotSwallowed(t *testing.T) {
	s, _ := newTestState(t)

	defer func() {
		r := recover()
		if r != "not ours" {
			t.Fatalf("expected foreign panic to propagate untouched, got %v", r)
		}
	}()

	s.Try(func() {
		panic("not ours")
	}, func(f Frame) {
		t.Fatalf("except body must not run for a foreign panic")
	})
}

func TestSafeRestoreBypassesExceptionStack(t *testing.T) {
	s, _ := newTestState(t)
	token := new(int)

	restored := s.WithSafeRestore(token, func() {
		s.Throw("ignored")
	})

	if !restored {
		t.Fatalf("expected safe-restore to intercept the throw")
	}
	if s.Depth() != 0 {
		t.Fatalf("safe-restore path must not touch the exception stack, depth=%d", s.Depth())
	}
}

func TestSigThrowDeliversDepositedValue(t *testing.T) {
	s, _ := newTestState(t)

	s.DeliverAsync("signal-value")

	var caught Frame
	s.Try(func() {
		if !s.SigThrow() {
			t.Fatalf("expected a pending async exception")
		}
	}, func(f Frame) {
		caught = f
	})

	if caught.Value != "signal-value" {
		t.Fatalf("unexpected delivered value %v", caught.Value)
	}
}

func TestSigThrowFalseWhenNothingPending(t *testing.T) {
	s, _ := newTestState(t)
	if s.SigThrow() {
		t.Fatalf("expected no pending async exception")
	}
}
