package scriptrt

import (
	"context"
	"sync"
)

// DataStore is one named host-side data service callable from scripts.
// Stores are deployment-registered; scripts address them by name and
// method.
type DataStore interface {
	Name() string
	Call(ctx context.Context, tenant TenantID, method string, args map[string]any) (any, error)
}

// DataStoreRegistry holds the deployment's data stores by name.
type DataStoreRegistry struct {
	mu     sync.Mutex
	stores map[string]DataStore
}

// NewDataStoreRegistry creates an empty registry.
func NewDataStoreRegistry() *DataStoreRegistry {
	return &DataStoreRegistry{stores: make(map[string]DataStore)}
}

// Register adds or replaces a store.
func (r *DataStoreRegistry) Register(ds DataStore) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[ds.Name()] = ds
}

// Get returns a store by name, or nil.
func (r *DataStoreRegistry) Get(name string) DataStore {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stores[name]
}

// Names lists the registered store names.
func (r *DataStoreRegistry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.stores))
	for name := range r.stores {
		out = append(out, name)
	}
	return out
}

// DataStoresProvider is the gated data-store surface. Each store is its
// own capability: "data_stores:<store name>".
type DataStoresProvider struct {
	ctx *HostContext
}

// List returns the names of the registered stores. Listing needs no
// per-store capability.
func (p *DataStoresProvider) List() ([]string, error) {
	if err := p.ctx.gate("data_stores", "list", "list"); err != nil {
		return nil, err
	}
	return p.ctx.deps.DataStores.Names(), nil
}

// Call invokes a method on a named store.
func (p *DataStoresProvider) Call(ctx context.Context, store, method string, args map[string]any) (any, error) {
	if err := p.ctx.gate("data_stores", store, store); err != nil {
		return nil, err
	}
	ds := p.ctx.deps.DataStores.Get(store)
	if ds == nil {
		return nil, errNotFound("data store " + store)
	}
	return ds.Call(ctx, p.ctx.Tenant, method, args)
}

// StatsDataStore reports per-tenant counts out of the persistent store.
type StatsDataStore struct {
	Store *Store
}

func (s *StatsDataStore) Name() string { return "StatsStore" }

func (s *StatsDataStore) Call(ctx context.Context, tenant TenantID, method string, args map[string]any) (any, error) {
	switch method {
	case "stats":
		scripts, err := s.Store.ScriptsFor(ctx, tenant)
		if err != nil {
			return nil, errBackend("counting scripts", err)
		}
		keys, err := s.Store.KVKeys(ctx, tenant, nil)
		if err != nil {
			return nil, errBackend("counting kv keys", err)
		}
		return map[string]any{
			"scripts": len(scripts),
			"kv_keys": len(keys),
		}, nil
	default:
		return nil, errInvalidInput("method", "unknown method "+method)
	}
}

// LinksDataStore exposes deployment links (support server and friends).
type LinksDataStore struct {
	SupportServerInvite string
}

func (l *LinksDataStore) Name() string { return "LinksStore" }

func (l *LinksDataStore) Call(ctx context.Context, tenant TenantID, method string, args map[string]any) (any, error) {
	switch method {
	case "links":
		return map[string]any{
			"support_server": l.SupportServerInvite,
		}, nil
	default:
		return nil, errInvalidInput("method", "unknown method "+method)
	}
}
