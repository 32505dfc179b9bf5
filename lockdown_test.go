package scriptrt

import (
	"context"
	"testing"
	"time"
)

// mockLockdowns is an in-memory LockdownManager.
type mockLockdowns struct {
	active []Lockdown
	next   int
}

func (m *mockLockdowns) List(ctx context.Context, tenant TenantID) ([]Lockdown, error) {
	return append([]Lockdown(nil), m.active...), nil
}

func (m *mockLockdowns) Start(ctx context.Context, tenant TenantID, mode string, target uint64, reason string) (*Lockdown, error) {
	m.next++
	ld := Lockdown{ID: string(rune('a' + m.next)), Mode: mode, Target: target, Reason: reason, CreatedAt: time.Now()}
	m.active = append(m.active, ld)
	return &ld, nil
}

func (m *mockLockdowns) Remove(ctx context.Context, tenant TenantID, id string) error {
	for i, ld := range m.active {
		if ld.ID == id {
			m.active = append(m.active[:i], m.active[i+1:]...)
			return nil
		}
	}
	return errNotFound("lockdown " + id)
}

func TestLockdownStartNeedsReservedCapability(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.deps.Lockdowns = &mockLockdowns{}
	t.Cleanup(func() { env.deps.Lockdowns = nil })
	ctx := context.Background()

	// The wildcard grants list and remove but never start.
	wild := env.hostFor(GuildTenant(1), []string{CapWildcard}, nil).Lockdowns()
	if _, err := wild.List(ctx); err != nil {
		t.Fatalf("list: %v", err)
	}
	if _, err := wild.Start(ctx, "server", 0, "raid"); KindOf(err) != KindCapabilityDenied {
		t.Fatalf("wildcard start should be denied, got %v", err)
	}

	literal := env.hostFor(GuildTenant(1), []string{CapReserved}, nil).Lockdowns()
	ld, err := literal.Start(ctx, "server", 0, "raid")
	if err != nil || ld == nil || ld.Mode != "server" {
		t.Fatalf("literal start: %v, %v", ld, err)
	}
}

func TestLockdownLifecycle(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.deps.Lockdowns = &mockLockdowns{}
	t.Cleanup(func() { env.deps.Lockdowns = nil })
	ctx := context.Background()

	provider := env.hostFor(GuildTenant(1), []string{CapWildcard, CapReserved}, nil).Lockdowns()

	if _, err := provider.Start(ctx, "everything", 0, ""); KindOf(err) != KindInvalidInput {
		t.Fatalf("bad mode accepted: %v", err)
	}
	ld, err := provider.Start(ctx, "role", 200, "spam wave")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	active, err := provider.List(ctx)
	if err != nil || len(active) != 1 || active[0].Target != 200 {
		t.Fatalf("list: %+v, %v", active, err)
	}
	if err := provider.Remove(ctx, ld.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	active, _ = provider.List(ctx)
	if len(active) != 0 {
		t.Fatalf("lockdown survived removal: %+v", active)
	}
}
