package scriptrt

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Dispatcher is the event entry point: it validates and stamps events,
// applies the suppression rules, pre-computes candidates so empty
// dispatches never cross into the pool, and hands events to the
// tenant's worker.
type Dispatcher struct {
	cfg       Config
	pool      *WorkerPool
	templates *TemplateStore
	log       *slog.Logger
}

// NewDispatcher wires a dispatcher over the pool and template cache.
func NewDispatcher(cfg Config, pool *WorkerPool, templates *TemplateStore, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{cfg: cfg, pool: pool, templates: templates, log: log}
}

// shouldSuppress applies the dispatch filters: internal-only gateway
// noise never reaches scripts, and the bot's own actions are suppressed
// except for audit-log events.
func (d *Dispatcher) shouldSuppress(ev *Event) bool {
	if internalOnlyEvents[ev.Name] {
		return true
	}
	if ev.AuthorID != "" && ev.AuthorID == d.cfg.BotUserID && !auditEvents[ev.Name] {
		return true
	}
	return false
}

func (d *Dispatcher) validate(ev *Event) error {
	if ev == nil || ev.Name == "" {
		return errInvalidInput("event", "must have a name")
	}
	if ev.TitledName == "" {
		ev.TitledName = titleCase(ev.Name)
	}
	size, err := ev.encodedSize()
	if err != nil {
		return errInvalidInput("event", "payload not serializable: "+err.Error())
	}
	if d.cfg.MaxEventBytes > 0 && size > d.cfg.MaxEventBytes {
		return errInvalidInput("event", fmt.Sprintf("payload exceeds %d bytes", d.cfg.MaxEventBytes))
	}
	return nil
}

// candidates pre-computes subscriptions so events nobody wants never
// wake a worker or create a VM.
func (d *Dispatcher) candidates(ctx context.Context, tenant TenantID, ev *Event, scopes []string) ([]*Script, error) {
	var (
		scripts []*Script
		err     error
	)
	if len(scopes) > 0 {
		scripts, err = d.templates.ForEventScoped(ctx, tenant, ev.Name, scopes)
	} else {
		scripts, err = d.templates.ForEvent(ctx, tenant, ev.Name)
	}
	if err != nil {
		return nil, errBackend("loading scripts", err)
	}
	return scripts, nil
}

// Dispatch fires the event at the tenant without waiting for results.
// Suppressed events and events with no subscribers are a silent no-op.
func (d *Dispatcher) Dispatch(ctx context.Context, tenant TenantID, ev *Event) error {
	if err := d.validate(ev); err != nil {
		return err
	}
	if d.shouldSuppress(ev) {
		return nil
	}
	scripts, err := d.candidates(ctx, tenant, ev, nil)
	if err != nil || len(scripts) == 0 {
		return err
	}
	_, err = d.pool.send(ctx, tenant, ev, nil, false)
	return err
}

// DispatchAndWait fires the event and waits for the per-script results
// up to the configured wait deadline. On timeout the worker keeps
// running the scripts; the results are discarded.
func (d *Dispatcher) DispatchAndWait(ctx context.Context, tenant TenantID, ev *Event) ([]ScriptResult, error) {
	return d.DispatchWait(ctx, tenant, ev, nil, 0)
}

// DispatchScoped is DispatchAndWait restricted to the named scripts.
func (d *Dispatcher) DispatchScoped(ctx context.Context, tenant TenantID, ev *Event, scopes []string) ([]ScriptResult, error) {
	return d.DispatchWait(ctx, tenant, ev, scopes, 0)
}

// DispatchWait is the general waiting form: scopes, when non-empty,
// restricts candidates to the named scripts, and timeout overrides the
// configured wait deadline for this call when positive.
func (d *Dispatcher) DispatchWait(ctx context.Context, tenant TenantID, ev *Event, scopes []string, timeout time.Duration) ([]ScriptResult, error) {
	if err := d.validate(ev); err != nil {
		return nil, err
	}
	if d.shouldSuppress(ev) {
		return nil, nil
	}
	scripts, err := d.candidates(ctx, tenant, ev, scopes)
	if err != nil {
		return nil, err
	}
	if len(scripts) == 0 {
		return nil, nil
	}
	reply, err := d.pool.send(ctx, tenant, ev, scopes, true)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = d.cfg.WaitTimeout
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case results := <-reply:
		return results, nil
	case <-timer.C:
		// The worker keeps evaluating; its eventual reply lands in the
		// buffered channel and is discarded. Every candidate is reported
		// timed out so the fan-out map stays complete.
		return timedOutResults(scripts), nil
	case <-ctx.Done():
		return nil, errCancelledCtx(ctx)
	}
}

func timedOutResults(scripts []*Script) []ScriptResult {
	out := make([]ScriptResult, 0, len(scripts))
	for _, sc := range scripts {
		out = append(out, ScriptResult{Script: sc.Name, Err: errTimedOut()})
	}
	return out
}

// RunExpiryBroker consumes the scheduler's due-expiry stream: each row
// becomes a KeyExpiry event dispatched to the tenant, and the row is
// deleted only after the dispatch completed, so a crash or failure
// re-arms rather than loses the expiry.
func (d *Dispatcher) RunExpiryBroker(ctx context.Context, sched *KeyExpiryScheduler, store *Store) {
	for {
		select {
		case <-ctx.Done():
			return
		case row := <-sched.Subscribe():
			ev := NewKeyExpiryEvent(row.ID, row.Key, row.Scopes)
			if _, err := d.DispatchAndWait(ctx, row.Tenant, ev); err != nil {
				d.log.Warn("key expiry dispatch failed",
					"tenant", row.Tenant.String(), "key", row.Key, "err", err)
				if err := sched.Repopulate(ctx, row.Tenant); err != nil {
					d.log.Warn("key expiry re-arm failed", "tenant", row.Tenant.String(), "err", err)
				}
				continue
			}
			if err := store.KVDeleteByID(ctx, row.Tenant, row.ID); err != nil {
				d.log.Warn("expired key delete failed",
					"tenant", row.Tenant.String(), "key", row.Key, "err", err)
				// The row survived; put it back in the schedule so the
				// next tick retries instead of waiting for an unrelated
				// repopulate.
				if rerr := sched.Repopulate(ctx, row.Tenant); rerr != nil {
					d.log.Warn("key expiry re-arm failed", "tenant", row.Tenant.String(), "err", rerr)
				}
			}
		}
	}
}
