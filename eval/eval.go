// Package eval implements the top-level evaluator of spec §4.F: dispatch
// on a parsed form's head symbol, module/import/export/global/const
// handling delegated to package module, and the compile-vs-interpret
// decision for thunk forms, with world-age save/restore discipline around
// every re-entry into user code.
package eval

import (
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"coro/errs"
	"coro/module"
)

// Head names the dispatch table spec §4.F describes.
type Head string

const (
	HeadLineNode   Head = "linenode"
	HeadSymbol     Head = "symbol"
	HeadDot        Head = "dot"
	HeadModule     Head = "module"
	HeadUsing      Head = "using"
	HeadImport     Head = "import"
	HeadExport     Head = "export"
	HeadPublic     Head = "public"
	HeadGlobal     Head = "global"
	HeadConst      Head = "const"
	HeadToplevel   Head = "toplevel"
	HeadError      Head = "error"
	HeadIncomplete Head = "incomplete"
	HeadThunk      Head = "thunk"
)

// Thunk is a lowered code object: the evaluator must decide whether to
// compile or interpret it (spec §4.F).
type Thunk struct {
	Statements []*Form

	HasCCall      bool
	HasDefs       bool
	HasLoops      bool
	HasOpaque     bool
	ForcedCompile bool

	// Compile and Interpret are the two paths the decision selects
	// between; this package has no code generator or interpreter of its
	// own (spec §1 treats infer/invoke as external collaborators), so the
	// caller supplies both as callbacks.
	Compile   func(ctx *Context) (any, error)
	Interpret func(ctx *Context) (any, error)
}

// Form is the generic parsed-expression shape the evaluator dispatches
// on. Only the fields relevant to Head are populated; this package has no
// concrete parser of its own.
type Form struct {
	Head Head

	File string
	Line int

	Symbol string

	Left  *Form
	Field string // quoted field name for a dot form

	ModuleName string
	StdImports bool
	Body       []*Form

	ImportKind string // "using" | "import"
	Path       []string
	Names      []string
	Aliases    map[string]string
	As         string

	Message string

	Thunk *Thunk

	Subforms []*Form // toplevel
}

// GetPropertyFunc is the user-level getproperty hook spec §4.F's dot-form
// handling falls back to when the left operand is not a module.
type GetPropertyFunc func(obj any, field string) (any, error)

// Context is everything Eval needs beyond the form itself: the module
// being evaluated against, the resolver, the global world counter, and
// hooks the host supplies (current task's world-age accessors, the
// getproperty fallback).
type Context struct {
	Module   *module.Module
	Resolver *module.Resolver

	// WorldCounter is the process-wide monotonic counter spec §3 calls
	// world_counter. It is shared across every Context in the process.
	WorldCounter *uint64

	// GetWorldAge/SetWorldAge read and write the current task's world-age
	// snapshot (spec §3's per-task world_age), letting this package stay
	// decoupled from package task.
	GetWorldAge func() uint64
	SetWorldAge func(uint64)

	GetProperty GetPropertyFunc

	Fast bool

	ProcessCompileEnabled bool
	ModuleCompileEnabled  bool

	SetCurrentFile func(file string)
	SetCurrentLine func(line int)

	Log zerolog.Logger
}

// Eval dispatches on form.Head, implementing spec §4.F's table.
func Eval(ctx *Context, form *Form, fast, expanded bool) (any, error) {
	if form == nil {
		return nil, &errs.SyntaxError{Msg: "eval: nil form"}
	}

	switch form.Head {
	case HeadLineNode:
		if ctx.SetCurrentFile != nil {
			ctx.SetCurrentFile(form.File)
		}
		if ctx.SetCurrentLine != nil {
			ctx.SetCurrentLine(form.Line)
		}
		return nil, nil

	case HeadSymbol:
		return evalSymbol(ctx, form.Symbol)

	case HeadDot:
		return evalDot(ctx, form)

	case HeadModule:
		return evalModuleForm(ctx, form)

	case HeadUsing, HeadImport:
		return evalImportForm(ctx, form)

	case HeadExport:
		return nil, module.Export(ctx.Module, form.Names...)

	case HeadPublic:
		return nil, module.Public(ctx.Module, form.Names...)

	case HeadGlobal:
		module.Global(ctx.Module, form.Names...)
		return nil, nil

	case HeadConst:
		if len(form.Names) != 1 {
			return nil, &errs.SyntaxError{Msg: "const: expected exactly one name"}
		}
		var value any
		if len(form.Subforms) == 1 {
			v, err := Eval(ctx, form.Subforms[0], fast, expanded)
			if err != nil {
				return nil, err
			}
			value = v
		}
		return nil, module.Const(ctx.Module, form.Names[0], value)

	case HeadToplevel:
		var last any
		for _, sub := range form.Subforms {
			v, err := Eval(ctx, sub, fast, expanded)
			if err != nil {
				return nil, err
			}
			last = v
		}
		return last, nil

	case HeadError, HeadIncomplete:
		return nil, &errs.SyntaxError{Msg: form.Message}

	case HeadThunk:
		return evalThunk(ctx, form.Thunk)

	default:
		return nil, &errs.SyntaxError{Msg: "eval: unknown head " + string(form.Head)}
	}
}

func evalSymbol(ctx *Context, name string) (any, error) {
	if name != "" && strings.Trim(name, "_") == "" {
		return nil, &errs.UndefinedReferenceError{Symbol: name}
	}
	b, ok := ctx.Module.Lookup(name)
	if !ok {
		return nil, &errs.UndefinedReferenceError{Symbol: name}
	}
	return b.Value, nil
}

func evalDot(ctx *Context, form *Form) (any, error) {
	left, err := Eval(ctx, form.Left, false, false)
	if err != nil {
		return nil, err
	}
	if mod, ok := left.(*module.Module); ok {
		b, ok := mod.Lookup(form.Field)
		if !ok {
			return nil, &errs.UndefinedReferenceError{Symbol: form.Field}
		}
		return b.Value, nil
	}
	if ctx.GetProperty == nil {
		return nil, &errs.SyntaxError{Msg: "dot: no getproperty hook installed"}
	}
	return ctx.GetProperty(left, form.Field)
}

func evalModuleForm(ctx *Context, form *Form) (any, error) {
	mod, err := ctx.Resolver.EvalModuleExpr(ctx.Module, form.StdImports, form.ModuleName, func(m *module.Module) error {
		sub := *ctx
		sub.Module = m
		for _, bodyForm := range form.Body {
			if _, err := Eval(&sub, bodyForm, false, false); err != nil {
				return err
			}
		}
		return nil
	})
	return mod, err
}

func evalImportForm(ctx *Context, form *Form) (any, error) {
	mod, trailing, err := ctx.Resolver.EvalImportPath(ctx.Module, ctx.Module, form.Path)
	if err != nil {
		return nil, err
	}

	if form.ImportKind == "import" && trailing == "" {
		// Plain `import A.B` binds B itself (not its exports) as a
		// constant named B in the importing module, or named form.As
		// for `import A.B as R`.
		name := mod.Name
		if form.As != "" {
			name = form.As
		}
		return nil, module.Const(ctx.Module, name, mod)
	}

	if len(form.Names) > 0 {
		return nil, module.UseSelective(ctx.Module, mod, form.Names, form.Aliases)
	}
	if trailing != "" {
		return nil, module.UseSelective(ctx.Module, mod, []string{trailing}, form.Aliases)
	}
	return nil, module.UseWholeModule(ctx.Module, mod)
}

// DecideCompile implements spec §4.F's compile-vs-interpret boolean
// formula: compile iff has_ccall, OR (forced_compile or (!has_defs && fast
// && has_loops)), AND both the process-wide and module-local compile
// settings permit compilation.
func DecideCompile(t *Thunk, fast, processCompileEnabled, moduleCompileEnabled bool) bool {
	want := t.HasCCall || (t.ForcedCompile || (!t.HasDefs && fast && t.HasLoops))
	return want && processCompileEnabled && moduleCompileEnabled
}

func evalThunk(ctx *Context, t *Thunk) (any, error) {
	if t == nil {
		return nil, &errs.SyntaxError{Msg: "thunk: nil"}
	}

	prevAge := ctx.GetWorldAge()
	defer ctx.SetWorldAge(prevAge)

	if DecideCompile(t, ctx.Fast, ctx.ProcessCompileEnabled, ctx.ModuleCompileEnabled) {
		ctx.SetWorldAge(currentWorldCounter(ctx))
		if t.Compile == nil {
			return nil, &errs.SyntaxError{Msg: "thunk: compile path selected but no compiler installed"}
		}
		return t.Compile(ctx)
	}

	ctx.SetWorldAge(currentWorldCounter(ctx))
	if t.Interpret == nil {
		return nil, &errs.SyntaxError{Msg: "thunk: interpret path selected but no interpreter installed"}
	}
	return t.Interpret(ctx)
}

func currentWorldCounter(ctx *Context) uint64 {
	if ctx.WorldCounter == nil {
		return ctx.GetWorldAge()
	}
	return atomic.LoadUint64(ctx.WorldCounter)
}

// BumpWorldCounter advances the process-wide world counter by one and
// returns the new value, with release semantics matching spec §5's
// ordering contract ("writes to the counter use release").
func BumpWorldCounter(counter *uint64) uint64 {
	return atomic.AddUint64(counter, 1)
}
