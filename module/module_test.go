package module

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"coro/errs"
)

func newTestResolver() *Resolver {
	return NewResolver(nil, nil, nil, zerolog.Nop())
}

func TestEvalModuleExprRegistersRootModule(t *testing.T) {
	r := newTestResolver()
	mod, err := r.EvalModuleExpr(Toplevel, false, "Foo", nil)
	if err != nil {
		t.Fatalf("EvalModuleExpr: %v", err)
	}
	if !mod.IsTopMod() {
		t.Fatalf("expected root module flag set")
	}
	if mod.Parent() != mod {
		t.Fatalf("expected root module to be its own parent")
	}
}

func TestEvalModuleExprBindsChildInParent(t *testing.T) {
	r := newTestResolver()
	parent, err := r.EvalModuleExpr(Toplevel, false, "Parent", nil)
	if err != nil {
		t.Fatalf("EvalModuleExpr parent: %v", err)
	}

	child, err := r.EvalModuleExpr(parent, false, "Child", nil)
	if err != nil {
		t.Fatalf("EvalModuleExpr child: %v", err)
	}

	b, ok := parent.Lookup("Child")
	if !ok {
		t.Fatalf("expected Child bound in Parent")
	}
	if b.Value.(*Module) != child {
		t.Fatalf("expected binding to point at the created child module")
	}
	if !b.Const {
		t.Fatalf("expected module binding to be constant")
	}
}

func TestEvalModuleExprRejectsNonModuleRedefinition(t *testing.T) {
	r := newTestResolver()
	parent, _ := r.EvalModuleExpr(Toplevel, false, "Parent", nil)
	Const(parent, "Already", 42)

	_, err := r.EvalModuleExpr(parent, false, "Already", nil)
	var redef *errs.RedefinitionError
	if err == nil {
		t.Fatalf("expected redefinition error")
	}
	if !asRedef(err, &redef) {
		t.Fatalf("expected *errs.RedefinitionError, got %T: %v", err, err)
	}
}

func asRedef(err error, target **errs.RedefinitionError) bool {
	re, ok := err.(*errs.RedefinitionError)
	if ok {
		*target = re
	}
	return ok
}

func TestEvalModuleExprRunsInitAfterOutermostCompletes(t *testing.T) {
	r := newTestResolver()
	var order []string

	outer, err := r.EvalModuleExpr(Toplevel, false, "Outer", func(m *Module) error {
		m.SetInit(func(m *Module) error { order = append(order, "outer"); return nil })
		_, err := r.EvalModuleExpr(m, false, "Inner", func(inner *Module) error {
			inner.SetInit(func(m *Module) error { order = append(order, "inner"); return nil })
			return nil
		})
		return err
	})
	if err != nil {
		t.Fatalf("EvalModuleExpr outer: %v", err)
	}
	_ = outer

	if len(order) != 2 || order[0] != "inner" || order[1] != "outer" {
		t.Fatalf("expected inner then outer init order, got %v", order)
	}
}

func TestEvalModuleExprWrapsInitErrorWithModuleName(t *testing.T) {
	r := newTestResolver()
	boom := fmt.Errorf("boom")
	_, err := r.EvalModuleExpr(Toplevel, false, "Failing", func(m *Module) error {
		m.SetInit(func(m *Module) error { return boom })
		return nil
	})
	var ierr *errs.InitError
	if err == nil {
		t.Fatalf("expected init error")
	}
	ierr, ok := err.(*errs.InitError)
	if !ok {
		t.Fatalf("expected *errs.InitError, got %T", err)
	}
	if ierr.Module != "Failing" {
		t.Fatalf("unexpected module name %q", ierr.Module)
	}
}

func TestEvalImportPathResolvesRootAndWalksGlobals(t *testing.T) {
	r := newTestResolver()
	a, _ := r.EvalModuleExpr(Toplevel, false, "A", nil)
	b, _ := r.EvalModuleExpr(a, false, "B", nil)
	r2 := NewResolver(nil, nil, func(where *Module, name string) (*Module, error) {
		if name == "A" {
			return a, nil
		}
		return nil, fmt.Errorf("unknown root %s", name)
	}, zerolog.Nop())

	got, trailing, err := r2.EvalImportPath(nil, nil, []string{"A", "B"})
	if err != nil {
		t.Fatalf("EvalImportPath: %v", err)
	}
	if got != b {
		t.Fatalf("expected to resolve to module B")
	}
	if trailing != "" {
		t.Fatalf("expected no trailing name, got %q", trailing)
	}
}

func TestEvalImportPathReturnsTrailingNameForSelectiveImport(t *testing.T) {
	r := newTestResolver()
	a, _ := r.EvalModuleExpr(Toplevel, false, "A", nil)
	Const(a, "helper", "a-value")

	r2 := NewResolver(nil, nil, func(where *Module, name string) (*Module, error) {
		return a, nil
	}, zerolog.Nop())

	got, trailing, err := r2.EvalImportPath(nil, nil, []string{"A", "helper"})
	if err != nil {
		t.Fatalf("EvalImportPath: %v", err)
	}
	if got != a {
		t.Fatalf("expected resolution to stop at module A")
	}
	if trailing != "helper" {
		t.Fatalf("expected trailing name 'helper', got %q", trailing)
	}
}

func TestEvalImportPathRejectsEmptyComponents(t *testing.T) {
	r := newTestResolver()
	if _, _, err := r.EvalImportPath(nil, nil, nil); err == nil {
		t.Fatalf("expected error for empty import path")
	}
}

func TestUseWholeModuleOnlyCopiesExported(t *testing.T) {
	r := newTestResolver()
	src, _ := r.EvalModuleExpr(Toplevel, false, "Src", nil)
	Const(src, "Public", 1)
	Const(src, "Hidden", 2)
	if err := Export(src, "Public"); err != nil {
		t.Fatalf("Export: %v", err)
	}

	dst, _ := r.EvalModuleExpr(Toplevel, false, "Dst", nil)
	if err := UseWholeModule(dst, src); err != nil {
		t.Fatalf("UseWholeModule: %v", err)
	}

	if _, ok := dst.Lookup("Public"); !ok {
		t.Fatalf("expected Public imported")
	}
	if _, ok := dst.Lookup("Hidden"); ok {
		t.Fatalf("did not expect Hidden imported")
	}
}

func TestUseSelectiveAppliesAlias(t *testing.T) {
	r := newTestResolver()
	src, _ := r.EvalModuleExpr(Toplevel, false, "Src", nil)
	Const(src, "Thing", "value")

	dst, _ := r.EvalModuleExpr(Toplevel, false, "Dst", nil)
	if err := UseSelective(dst, src, []string{"Thing"}, map[string]string{"Thing": "Renamed"}); err != nil {
		t.Fatalf("UseSelective: %v", err)
	}
	if _, ok := dst.Lookup("Thing"); ok {
		t.Fatalf("did not expect binding under original name")
	}
	b, ok := dst.Lookup("Renamed")
	if !ok || b.Value != "value" {
		t.Fatalf("expected aliased binding 'Renamed' with value 'value'")
	}
}

func TestGlobalCreatesUnboundMutableBindingOnce(t *testing.T) {
	r := newTestResolver()
	mod, _ := r.EvalModuleExpr(Toplevel, false, "M", nil)
	Global(mod, "x")
	b, ok := mod.Lookup("x")
	if !ok || b.Const {
		t.Fatalf("expected unbound, non-const binding for x")
	}
	b.Value = "set once"
	Global(mod, "x")
	b2, _ := mod.Lookup("x")
	if b2.Value != "set once" {
		t.Fatalf("Global must not clobber an existing binding")
	}
}
