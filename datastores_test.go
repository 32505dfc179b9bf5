package scriptrt

import (
	"context"
	"sort"
	"testing"
)

func TestDataStoresList(t *testing.T) {
	env := newTestEnv(t, testConfig())
	provider := env.hostFor(GuildTenant(1), []string{"data_stores:list"}, nil).DataStores()

	names, err := provider.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	sort.Strings(names)
	if len(names) != 2 || names[0] != "LinksStore" || names[1] != "StatsStore" {
		t.Fatalf("names: %v", names)
	}
}

func TestDataStoresPerStoreCapability(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	provider := env.hostFor(GuildTenant(1), []string{"data_stores:LinksStore"}, nil).DataStores()

	if _, err := provider.Call(ctx, "StatsStore", "stats", nil); KindOf(err) != KindCapabilityDenied {
		t.Fatalf("call without per-store cap should be denied, got %v", err)
	}
	if _, err := provider.Call(ctx, "LinksStore", "links", nil); err != nil {
		t.Fatalf("call with cap: %v", err)
	}
	if _, err := provider.Call(ctx, "LinksStore", "nope", nil); KindOf(err) != KindInvalidInput {
		t.Fatalf("unknown method accepted: %v", err)
	}
}

func TestDataStoresUnknownStore(t *testing.T) {
	env := newTestEnv(t, testConfig())
	provider := env.hostFor(GuildTenant(1), []string{CapWildcard}, nil).DataStores()
	if _, err := provider.Call(context.Background(), "GhostStore", "x", nil); KindOf(err) != KindNotFound {
		t.Fatalf("unknown store should be not-found, got %v", err)
	}
}

func TestStatsDataStore(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	tenant := GuildTenant(1)

	env.putScript(t, tenant, "a", nil, nil)
	kv := env.hostFor(tenant, []string{CapWildcard}, nil).KV()
	if _, _, err := kv.Set(ctx, "k", []string{"s"}, 1, nil, false); err != nil {
		t.Fatalf("set: %v", err)
	}

	provider := env.hostFor(tenant, []string{CapWildcard}, nil).DataStores()
	value, err := provider.Call(ctx, "StatsStore", "stats", nil)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	stats := value.(map[string]any)
	if stats["scripts"] != 1 || stats["kv_keys"] != 1 {
		t.Fatalf("stats: %v", stats)
	}
}
