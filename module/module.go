// Package module implements the module namespace and import resolver
// described in spec §3's Module data model and §4.G's resolution
// algorithm: creating submodules, walking dotted import paths, invoking a
// pluggable loader for root modules, and binding imports with optional
// aliasing.
package module

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"coro/errs"
)

// Binding is one symbol's entry in a Module's namespace (spec §3).
type Binding struct {
	Value    any
	Type     string
	Const    bool
	Exported bool
	Public   bool
	Imported bool
	Owner    *Module
}

// Module is a namespace: name, parent (self for the top), uuid, the
// top-module flag, and a symbol table (spec §3).
type Module struct {
	mu sync.RWMutex

	Name     string
	parent   *Module
	uuidVal  uuid.UUID
	isTopMod bool
	bindings map[string]*Binding

	initFunc func(m *Module) error
}

// Toplevel is the special sentinel a module's parent is compared against
// to decide whether it becomes a root module, per spec §4.G step 2.
var Toplevel = &Module{Name: "__toplevel__", isTopMod: true}

func newModule(name string) *Module {
	return &Module{Name: name, uuidVal: uuid.New(), bindings: make(map[string]*Binding)}
}

// UUID returns the module's durable identity.
func (m *Module) UUID() uuid.UUID { return m.uuidVal }

// Parent returns the enclosing module; a root module is its own parent.
func (m *Module) Parent() *Module {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.parent
}

// IsTopMod reports whether this module was registered as a root module.
func (m *Module) IsTopMod() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isTopMod
}

// Lookup returns the binding for name, if any.
func (m *Module) Lookup(name string) (*Binding, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bindings[name]
	return b, ok
}

func (m *Module) setBinding(name string, b *Binding) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings[name] = b
}

// Resolver drives module construction and import resolution (spec §4.G).
// It owns the process-wide current_modules refcount map and deferred
// init-order queue that spec §4.G steps 3, 6, and 7 describe, guarded by
// a single mutex the way Julia's module lock (jl_modules_mutex) guards the
// equivalent global state.
type Resolver struct {
	mu sync.Mutex

	current  map[uuid.UUID]*inProgress
	initOrder []*Module

	base *Module
	core *Module

	// Require is the pluggable loader invoked for any import root other
	// than Core/Base, spec §4.G's "calling the user-level require(where,
	// name) function, which is expected to load the package."
	Require func(where *Module, name string) (*Module, error)

	log zerolog.Logger
}

type inProgress struct {
	mod      *Module
	refcount int
}

// NewResolver creates a resolver. base and core may be nil if those root
// modules are not yet bootstrapped.
func NewResolver(base, core *Module, require func(where *Module, name string) (*Module, error), log zerolog.Logger) *Resolver {
	return &Resolver{
		current: make(map[uuid.UUID]*inProgress),
		base:    base,
		core:    core,
		Require: require,
		log:     log,
	}
}

// EvalModuleExpr implements spec §4.G's module-form resolution. body
// evaluates the module's forms sequentially against the freshly created
// module — this package has no concrete parser of its own (spec §1 treats
// parse/expand as an external collaborator), so the caller supplies the
// evaluation callback.
func (r *Resolver) EvalModuleExpr(parent *Module, stdImports bool, name string, body func(m *Module) error) (*Module, error) {
	if name == "" {
		return nil, &errs.SyntaxError{Msg: "module form: missing name"}
	}
	if parent == nil {
		return nil, &errs.SyntaxError{Msg: "module form: nil enclosing module"}
	}

	mod := newModule(name)
	if parent == Toplevel {
		mod.parent = mod
		mod.isTopMod = true
	} else {
		mod.parent = parent
	}

	r.mu.Lock()
	r.current[mod.uuidVal] = &inProgress{mod: mod, refcount: 1}
	r.mu.Unlock()

	if parent != Toplevel {
		if err := r.bindModuleInParent(parent, mod); err != nil {
			r.mu.Lock()
			delete(r.current, mod.uuidVal)
			r.mu.Unlock()
			return nil, err
		}
	}

	if stdImports && r.base != nil {
		if err := UseWholeModule(mod, r.base); err != nil {
			return nil, err
		}
		installDefaultDefs(mod)
	}

	if body != nil {
		if err := body(mod); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	if ip, ok := r.current[mod.uuidVal]; ok {
		ip.refcount--
	}
	r.initOrder = append(r.initOrder, mod)

	parentDone := parent == Toplevel
	if !parentDone {
		ip, inProg := r.current[parent.uuidVal]
		parentDone = !inProg || ip.refcount == 0
	}
	var queue []*Module
	if parentDone {
		queue = r.initOrder
		r.initOrder = nil
	}
	r.mu.Unlock()

	if len(queue) > 0 {
		if err := r.runInitQueue(queue); err != nil {
			return mod, err
		}
	}

	return mod, nil
}

func (r *Resolver) bindModuleInParent(parent, child *Module) error {
	existing, ok := parent.Lookup(child.Name)
	if ok {
		if _, isModule := existing.Value.(*Module); !isModule {
			return &errs.RedefinitionError{Symbol: child.Name, Module: parent.Name}
		}
		r.log.Warn().Str("module", child.Name).Str("parent", parent.Name).Msg("redefining existing module binding")
	}
	parent.setBinding(child.Name, &Binding{Value: child, Const: true, Owner: parent})
	return nil
}

// installDefaultDefs generates the module's default definitions (its own
// eval/include), spec §4.G step 5. This package has no concrete function
// value type of its own, so the generated bindings simply mark the names
// as present; a host embedding this resolver supplies the actual callable
// values by overwriting these bindings once it has real closures to put
// there.
func installDefaultDefs(m *Module) {
	for _, name := range []string{"eval", "include"} {
		if _, ok := m.Lookup(name); !ok {
			m.setBinding(name, &Binding{Const: true, Owner: m})
		}
	}
}

// runInitQueue runs every queued module's __init__ in order, using
// errgroup to collect the first failure the way a fan-in of independent
// initializers should, while preserving strict ordering by running them
// sequentially through the group rather than concurrently.
func (r *Resolver) runInitQueue(queue []*Module) error {
	var g errgroup.Group
	g.Go(func() error {
		for _, m := range queue {
			if err := r.runInit(m); err != nil {
				return err
			}
		}
		return nil
	})
	return g.Wait()
}

func (r *Resolver) runInit(m *Module) error {
	if m.initFunc == nil {
		return nil
	}
	if err := m.initFunc(m); err != nil {
		return &errs.InitError{Module: m.Name, Inner: err}
	}
	return nil
}

// SetInit installs m's __init__ function.
func (m *Module) SetInit(fn func(m *Module) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initFunc = fn
}

// EvalImportPath implements spec §4.G's eval_import_path: interpret a
// dotted list of symbols relative to from, returning the resolved module
// and, if a trailing name remains for selective import, that name.
func (r *Resolver) EvalImportPath(where, from *Module, components []string) (*Module, string, error) {
	if len(components) == 0 {
		return nil, "", &errs.SyntaxError{Msg: "import path: empty"}
	}

	cur := from
	idx := 0
	if components[0] == "." || components[0] == "" {
		for idx < len(components) && components[idx] == "." {
			if cur == nil {
				return nil, "", &errs.SyntaxError{Msg: "import path: relative import above root"}
			}
			cur = cur.Parent()
			idx++
		}
	} else {
		root := components[0]
		idx = 1
		switch root {
		case "Core":
			if r.core == nil {
				return nil, "", &errs.UndefinedReferenceError{Symbol: "Core"}
			}
			cur = r.core
		case "Base":
			if r.base == nil {
				return nil, "", &errs.UndefinedReferenceError{Symbol: "Base"}
			}
			cur = r.base
		default:
			if r.Require == nil {
				return nil, "", &errs.UndefinedReferenceError{Symbol: root}
			}
			mod, err := r.Require(where, root)
			if err != nil {
				return nil, "", fmt.Errorf("import path: require(%s): %w", root, err)
			}
			cur = mod
		}
	}

	remaining := components[idx:]
	for i, name := range remaining {
		b, ok := cur.Lookup(name)
		if !ok {
			if i == len(remaining)-1 {
				// The final component need not itself be a module: it may
				// be the symbol a selective import is asking for, returned
				// unresolved per spec §4.G's "trailing name" out-parameter.
				return cur, name, nil
			}
			return nil, "", &errs.UndefinedReferenceError{Symbol: name}
		}
		next, isModule := b.Value.(*Module)
		if !isModule {
			if i == len(remaining)-1 {
				return cur, name, nil
			}
			return nil, "", &errs.SyntaxError{Msg: fmt.Sprintf("import path: %s is not a module", name)}
		}
		cur = next
	}
	return cur, "", nil
}

// UseWholeModule copies every exported binding of src into dst as imported
// bindings (spec §4.F's "using" form, whole-module case).
func UseWholeModule(dst, src *Module) error {
	src.mu.RLock()
	defer src.mu.RUnlock()
	for name, b := range src.bindings {
		if !b.Exported {
			continue
		}
		dst.setBinding(name, &Binding{Value: b.Value, Type: b.Type, Imported: true, Owner: src})
	}
	return nil
}

// UseSelective imports exactly the named bindings from src into dst,
// applying aliases where given (spec §4.F's "using a, b, ... as c" case).
func UseSelective(dst, src *Module, names []string, aliases map[string]string) error {
	for _, name := range names {
		b, ok := src.Lookup(name)
		if !ok {
			return &errs.UndefinedReferenceError{Symbol: name}
		}
		target := name
		if alias, ok := aliases[name]; ok && alias != "" {
			target = alias
		}
		dst.setBinding(target, &Binding{Value: b.Value, Type: b.Type, Imported: true, Owner: src})
	}
	return nil
}

// Export marks named bindings as exported (spec §4.F's export form).
func Export(m *Module, names ...string) error {
	for _, name := range names {
		b, ok := m.Lookup(name)
		if !ok {
			return &errs.UndefinedReferenceError{Symbol: name}
		}
		b.Exported = true
	}
	return nil
}

// Public marks named bindings as public (spec §4.F's public form).
func Public(m *Module, names ...string) error {
	for _, name := range names {
		b, ok := m.Lookup(name)
		if !ok {
			return &errs.UndefinedReferenceError{Symbol: name}
		}
		b.Public = true
	}
	return nil
}

// Global ensures each name has a mutable binding in m, creating an
// uninitialized one typed "any" if unbound (spec §4.F's global form).
func Global(m *Module, names ...string) {
	for _, name := range names {
		if _, ok := m.Lookup(name); !ok {
			m.setBinding(name, &Binding{Type: "any", Owner: m})
		}
	}
}

// Const creates a constant binding for name in m (spec §4.F's const form).
func Const(m *Module, name string, value any) error {
	if existing, ok := m.Lookup(name); ok && existing.Const {
		return &errs.RedefinitionError{Symbol: name, Module: m.Name}
	}
	m.setBinding(name, &Binding{Value: value, Const: true, Owner: m})
	return nil
}
