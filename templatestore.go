package scriptrt

import (
	"context"
	"sync"
	"sync/atomic"
)

// TemplateStore loads, caches and indexes script bundles per tenant.
// Reads are lock-free (per-entry atomic pointer swap); loads serialize
// per tenant.
type TemplateStore struct {
	store *Store
	cfg   Config

	mu      sync.Mutex // guards entries map shape only
	entries map[TenantID]*templateEntry
}

type templateEntry struct {
	loadMu  sync.Mutex // serializes loads for one tenant
	scripts atomic.Pointer[[]*Script]
}

// NewTemplateStore creates an empty cache over the given store.
func NewTemplateStore(store *Store, cfg Config) *TemplateStore {
	return &TemplateStore{store: store, cfg: cfg, entries: make(map[TenantID]*templateEntry)}
}

func (ts *TemplateStore) entry(tenant TenantID) *templateEntry {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	e, ok := ts.entries[tenant]
	if !ok {
		e = &templateEntry{}
		ts.entries[tenant] = e
	}
	return e
}

// LoadTenant fetches all scripts for a tenant from persistence, resolves
// shop references, injects the deployment base script when enabled, and
// caches the result. Previously cached in-memory bundles are preserved
// when names match, so script-authored filesystem writes survive a
// metadata-only refresh.
func (ts *TemplateStore) LoadTenant(ctx context.Context, tenant TenantID) ([]*Script, error) {
	e := ts.entry(tenant)
	e.loadMu.Lock()
	defer e.loadMu.Unlock()

	scripts, err := ts.store.ScriptsFor(ctx, tenant)
	if err != nil {
		return nil, err
	}
	if ts.cfg.BaseScriptEnabled {
		scripts = append(scripts, ts.baseScript(tenant))
	}
	if prev := e.scripts.Load(); prev != nil {
		byName := make(map[string]*Script, len(*prev))
		for _, old := range *prev {
			byName[old.Name] = old
		}
		for _, sc := range scripts {
			if old, ok := byName[sc.Name]; ok && old.Bundle != nil {
				sc.Bundle = old.Bundle
			}
		}
	}
	e.scripts.Store(&scripts)
	return scripts, nil
}

// baseScript is the deployment-wide injected script. It subscribes to
// everything and holds the wildcard capability.
func (ts *TemplateStore) baseScript(tenant TenantID) *Script {
	name := ts.cfg.BaseScriptName
	if name == "" {
		name = "$base"
	}
	return &Script{
		Name:        name,
		Tenant:      tenant,
		Bundle:      SourceBundle(ts.cfg.BaseScriptSource),
		AllowedCaps: CapabilitySet{CapWildcard},
	}
}

// cached returns the cached script list, loading it on a miss.
func (ts *TemplateStore) cached(ctx context.Context, tenant TenantID) ([]*Script, error) {
	e := ts.entry(tenant)
	if scripts := e.scripts.Load(); scripts != nil {
		return *scripts, nil
	}
	return ts.LoadTenant(ctx, tenant)
}

// All returns every cached or loadable script for the tenant in template
// load order.
func (ts *TemplateStore) All(ctx context.Context, tenant TenantID) ([]*Script, error) {
	return ts.cached(ctx, tenant)
}

// Get returns one script by name, or nil.
func (ts *TemplateStore) Get(ctx context.Context, tenant TenantID, name string) (*Script, error) {
	scripts, err := ts.cached(ctx, tenant)
	if err != nil {
		return nil, err
	}
	for _, sc := range scripts {
		if sc.Name == name {
			return sc, nil
		}
	}
	return nil, nil
}

// ForEvent returns the scripts subscribed to the named event, in load
// order. Paused scripts and (for explicit-only events) empty-list
// scripts are excluded.
func (ts *TemplateStore) ForEvent(ctx context.Context, tenant TenantID, event string) ([]*Script, error) {
	scripts, err := ts.cached(ctx, tenant)
	if err != nil {
		return nil, err
	}
	var out []*Script
	for _, sc := range scripts {
		if sc.SubscribesTo(event) {
			out = append(out, sc)
		}
	}
	return out, nil
}

// ForEventScoped is ForEvent additionally filtered to the scripts whose
// name appears in scopes; used when an event is addressed to a named
// subsystem (e.g. the settings bridge targeting one script).
func (ts *TemplateStore) ForEventScoped(ctx context.Context, tenant TenantID, event string, scopes []string) ([]*Script, error) {
	scripts, err := ts.ForEvent(ctx, tenant, event)
	if err != nil {
		return nil, err
	}
	var out []*Script
	for _, sc := range scripts {
		for _, scope := range scopes {
			if sc.Name == scope {
				out = append(out, sc)
				break
			}
		}
	}
	return out, nil
}

// Invalidate drops the tenant entry; the next read reloads from
// persistence.
func (ts *TemplateStore) Invalidate(tenant TenantID) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	delete(ts.entries, tenant)
}
