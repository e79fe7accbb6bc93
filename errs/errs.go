// Package errs realizes the error taxonomy as typed Go errors instead of
// the generic error-code integer a C-like runtime would use. The types
// that carry an inner error (InitError, LoadError) expose it through
// Unwrap so errors.Is/errors.As keep working across the boundary.
package errs

import "fmt"

// SyntaxError reports a malformed parsed form reaching the evaluator or
// module resolver (e.g. a malformed module form's arity or shape).
type SyntaxError struct {
	Msg string
}

func (e *SyntaxError) Error() string { return "syntax error: " + e.Msg }

// UndefinedReferenceError reports a symbol with no binding, or a
// write-only ("_"-only) identifier used in read position.
type UndefinedReferenceError struct {
	Symbol string
}

func (e *UndefinedReferenceError) Error() string {
	return fmt.Sprintf("undefined reference: %s", e.Symbol)
}

// RedefinitionError reports a binding collision the resolver treats as
// fatal (a pre-existing non-module binding where a module was expected).
type RedefinitionError struct {
	Symbol string
	Module string
}

func (e *RedefinitionError) Error() string {
	return fmt.Sprintf("redefinition of %s in module %s", e.Symbol, e.Module)
}

// ResourceError reports allocation failure for a stack or exception
// frame — spec §4.A's alloc_fiber "may fail with out-of-memory".
type ResourceError struct {
	Msg string
}

func (e *ResourceError) Error() string { return "resource error: " + e.Msg }

// IllegalStateError reports a violated precondition on an operation that
// assumes specific runtime state — spec §4.C's switch preconditions
// (locks held, inside a finalizer, target task not live).
type IllegalStateError struct {
	Msg string
}

func (e *IllegalStateError) Error() string { return "illegal state: " + e.Msg }

// InitError wraps a failure from a module's __init__ function with the
// module's name, per spec §4.G.
type InitError struct {
	Module string
	Inner  error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("module %s: init error: %v", e.Module, e.Inner)
}

func (e *InitError) Unwrap() error { return e.Inner }

// LoadError wraps a failure encountered while loading or requiring a
// module's source, carrying file/line for diagnostics.
type LoadError struct {
	File  string
	Line  int
	Inner error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s:%d: load error: %v", e.File, e.Line, e.Inner)
}

func (e *LoadError) Unwrap() error { return e.Inner }
