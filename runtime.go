package scriptrt

import "context"

// Runtime is the scripting engine owning one tenant's sandbox. The
// language front-end lives outside this package; the core only needs to
// prepare isolates from bundles and evaluate event callbacks in them.
//
// A Runtime and every Isolate it creates are confined to the worker
// goroutine that owns the tenant; implementations need no internal
// locking.
type Runtime interface {
	// NewIsolate prepares a sandboxed evaluation context for the script:
	// it mounts the bundle as the isolate's virtual filesystem and
	// registers the host providers reachable through host.
	NewIsolate(script *Script, host *HostContext) (Isolate, error)

	// NewEphemeralIsolate prepares a disposable isolate around a bare
	// source string, for admin tooling.
	NewEphemeralIsolate(name, source string, host *HostContext) (Isolate, error)

	// Broken reports whether the runtime has signalled an unrecoverable
	// state for this tenant.
	Broken() bool

	// SetOnBroken registers the callback invoked when the runtime flags
	// itself broken. At most one callback may be set.
	SetOnBroken(fn func())

	// Close releases the runtime and everything in it.
	Close()
}

// Isolate is one sandboxed evaluation context, created per script on
// first use and reused across dispatches.
type Isolate interface {
	// EvalEvent runs the script's event callback. A script-raised error
	// comes back as a non-nil error; host-provider errors the script did
	// not catch keep their classification.
	EvalEvent(ctx context.Context, ev *Event) (any, error)

	// Close drops the isolate. Any in-flight host call from it fails
	// with a cancelled error afterwards.
	Close()
}

// RuntimeFactory creates the Runtime for a tenant. Invoked by the worker
// goroutine that will own the runtime.
type RuntimeFactory func(tenant TenantID) (Runtime, error)

// IsolateManager gives named access to a tenant's sub-isolates on top of
// one Runtime: one root isolate per script name, lazily created and
// reused across dispatches. When the runtime flags broken, all
// sub-isolates are dropped and the registered callback fires.
type IsolateManager struct {
	rt       Runtime
	isolates map[string]Isolate
	onBroken func()
}

// NewIsolateManager wraps a freshly created runtime.
func NewIsolateManager(rt Runtime) *IsolateManager {
	m := &IsolateManager{rt: rt, isolates: make(map[string]Isolate)}
	rt.SetOnBroken(func() {
		m.Clear()
		if m.onBroken != nil {
			m.onBroken()
		}
	})
	return m
}

// Runtime returns the underlying runtime.
func (m *IsolateManager) Runtime() Runtime { return m.rt }

// SetOnBroken registers the callback fired after the runtime breaks and
// the sub-isolates have been dropped.
func (m *IsolateManager) SetOnBroken(fn func()) { m.onBroken = fn }

// Get returns the script's sub-isolate, creating it on first use.
func (m *IsolateManager) Get(script *Script, host *HostContext) (Isolate, error) {
	if iso, ok := m.isolates[script.Name]; ok {
		return iso, nil
	}
	iso, err := m.rt.NewIsolate(script, host)
	if err != nil {
		return nil, err
	}
	m.isolates[script.Name] = iso
	return iso, nil
}

// Remove drops one sub-isolate by name.
func (m *IsolateManager) Remove(name string) {
	if iso, ok := m.isolates[name]; ok {
		iso.Close()
		delete(m.isolates, name)
	}
}

// Clear drops every sub-isolate.
func (m *IsolateManager) Clear() {
	for name, iso := range m.isolates {
		iso.Close()
		delete(m.isolates, name)
	}
}

// Close clears the sub-isolates and releases the runtime.
func (m *IsolateManager) Close() {
	m.Clear()
	m.rt.Close()
}
