package scriptrt

import (
	"context"
	"log/slog"
)

// ResumeDispatcher replays startup state after a worker process boots:
// every tenant with scripts gets an OnStartup event, and every KV record
// flagged resume=true gets a KeyResume event, so long-running script
// workflows can pick up where the previous process left off.
type ResumeDispatcher struct {
	store      *Store
	dispatcher *Dispatcher
	filter     WorkerFilter
	log        *slog.Logger
}

// NewResumeDispatcher wires the replay over the store and dispatcher.
func NewResumeDispatcher(store *Store, dispatcher *Dispatcher, filter WorkerFilter, log *slog.Logger) *ResumeDispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &ResumeDispatcher{store: store, dispatcher: dispatcher, filter: filter, log: log}
}

// Run replays startup and resume events for every tenant this worker
// process serves. Per-tenant failures are logged and skipped; one bad
// tenant must not block the rest of the fleet.
func (r *ResumeDispatcher) Run(ctx context.Context, reason string) error {
	tenants, err := r.store.TenantsWithScripts(ctx)
	if err != nil {
		return err
	}
	for _, tenant := range tenants {
		if !r.filter.Allows(tenant) {
			continue
		}
		if err := r.resumeTenant(ctx, tenant, reason); err != nil {
			r.log.Warn("startup replay failed", "tenant", tenant.String(), "err", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// ResumeTenant replays startup state for one tenant; used after its
// template cache is rebuilt.
func (r *ResumeDispatcher) ResumeTenant(ctx context.Context, tenant TenantID, reason string) error {
	if !r.filter.Allows(tenant) {
		return nil
	}
	return r.resumeTenant(ctx, tenant, reason)
}

func (r *ResumeDispatcher) resumeTenant(ctx context.Context, tenant TenantID, reason string) error {
	if err := r.dispatcher.Dispatch(ctx, tenant, NewStartupEvent(reason)); err != nil {
		return err
	}
	rows, err := r.store.KVResumable(ctx, tenant)
	if err != nil {
		return err
	}
	for _, row := range rows {
		ev := NewKeyResumeEvent(row.ID, row.Key, row.Scopes)
		if err := r.dispatcher.Dispatch(ctx, tenant, ev); err != nil {
			r.log.Warn("key resume dispatch failed",
				"tenant", tenant.String(), "key", row.Key, "err", err)
		}
	}
	return nil
}
