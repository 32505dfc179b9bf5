package scriptrt

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// WorkerFilter limits which tenants a worker process serves. The zero
// value admits everything.
type WorkerFilter struct {
	allow func(TenantID) bool
}

// NewWorkerFilter wraps a predicate; nil admits every tenant.
func NewWorkerFilter(allow func(TenantID) bool) WorkerFilter {
	return WorkerFilter{allow: allow}
}

// Allows reports whether this worker serves the tenant.
func (f WorkerFilter) Allows(tenant TenantID) bool {
	return f.allow == nil || f.allow(tenant)
}

// KeyExpiryScheduler tracks (tenant, key, expires-at) rows and emits the
// due ones on its subscription channel at a bounded cadence. Emission is
// decoupled from delivery: the broker reading the channel dispatches the
// KeyExpiry event and deletes the row after acknowledgement; on dispatch
// failure the row survives and a repopulate re-arms it.
type KeyExpiryScheduler struct {
	store  *Store
	tick   time.Duration
	filter WorkerFilter
	log    *slog.Logger

	mu sync.Mutex
	// per-tenant rows sorted by expires_at descending, so due items pop
	// cheaply from the end
	entries map[TenantID][]KeyExpiryRecord

	sink chan KeyExpiryRecord
}

// NewKeyExpiryScheduler creates a scheduler ticking at the given cadence.
func NewKeyExpiryScheduler(store *Store, tick time.Duration, filter WorkerFilter, log *slog.Logger) *KeyExpiryScheduler {
	if log == nil {
		log = slog.Default()
	}
	return &KeyExpiryScheduler{
		store:   store,
		tick:    tick,
		filter:  filter,
		log:     log,
		entries: make(map[TenantID][]KeyExpiryRecord),
		sink:    make(chan KeyExpiryRecord, 64),
	}
}

// Subscribe returns the channel of due expiries. One consumer is
// expected: the pool's expiry broker.
func (s *KeyExpiryScheduler) Subscribe() <-chan KeyExpiryRecord {
	return s.sink
}

// Repopulate reloads the tenant's expiry rows from persistence. Called
// on any KV mutation that changes expires_at.
func (s *KeyExpiryScheduler) Repopulate(ctx context.Context, tenant TenantID) error {
	if !s.filter.Allows(tenant) {
		return nil
	}
	rows, err := s.store.KVExpiries(ctx, tenant)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(rows) == 0 {
		delete(s.entries, tenant)
		return nil
	}
	s.entries[tenant] = rows
	return nil
}

// RepopulateAll reloads expiry rows for every tenant that has any.
func (s *KeyExpiryScheduler) RepopulateAll(ctx context.Context) error {
	tenants, err := s.store.ExpiryTenants(ctx)
	if err != nil {
		return err
	}
	for _, tenant := range tenants {
		if err := s.Repopulate(ctx, tenant); err != nil {
			return err
		}
	}
	return nil
}

// due pops every entry with expires_at <= now.
func (s *KeyExpiryScheduler) due(now time.Time) []KeyExpiryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []KeyExpiryRecord
	for tenant, rows := range s.entries {
		for len(rows) > 0 && !rows[len(rows)-1].ExpiresAt.After(now) {
			out = append(out, rows[len(rows)-1])
			rows = rows[:len(rows)-1]
		}
		if len(rows) == 0 {
			delete(s.entries, tenant)
		} else {
			s.entries[tenant] = rows
		}
	}
	return out
}

// Run ticks until ctx is cancelled, pushing due rows to the sink.
func (s *KeyExpiryScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, row := range s.due(now) {
				select {
				case s.sink <- row:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}
