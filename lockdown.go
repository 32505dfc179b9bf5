package scriptrt

import (
	"context"
	"time"
)

// Lockdown is one active or historical lockdown of a guild.
type Lockdown struct {
	ID        string    `json:"id"`
	Mode      string    `json:"mode"` // "server", "role", "channel"
	Target    uint64    `json:"target,string,omitempty"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// LockdownManager applies and lifts guild lockdowns. The concrete
// implementation lives with the bot shell; the core only gates access
// to it.
type LockdownManager interface {
	List(ctx context.Context, tenant TenantID) ([]Lockdown, error)
	Start(ctx context.Context, tenant TenantID, mode string, target uint64, reason string) (*Lockdown, error)
	Remove(ctx context.Context, tenant TenantID, id string) error
}

// LockdownProvider is the gated lockdown surface. Starting a lockdown
// requires the reserved capability by its literal name; the wildcard
// does not grant it.
type LockdownProvider struct {
	ctx *HostContext
}

// List returns the tenant's lockdowns.
func (p *LockdownProvider) List(ctx context.Context) ([]Lockdown, error) {
	if err := p.ctx.gate("lockdowns", "list", "list"); err != nil {
		return nil, err
	}
	if p.ctx.deps.Lockdowns == nil {
		return nil, errBackend("listing lockdowns", errNotFound("lockdown manager"))
	}
	out, err := p.ctx.deps.Lockdowns.List(ctx, p.ctx.Tenant)
	if err != nil {
		return nil, errBackend("listing lockdowns", err)
	}
	return out, nil
}

// Start begins a lockdown.
func (p *LockdownProvider) Start(ctx context.Context, mode string, target uint64, reason string) (*Lockdown, error) {
	if err := p.ctx.gate("lockdowns", "start", "start"); err != nil {
		return nil, err
	}
	switch mode {
	case "server", "role", "channel":
	default:
		return nil, errInvalidInput("mode", "must be server, role or channel")
	}
	if p.ctx.deps.Lockdowns == nil {
		return nil, errBackend("starting lockdown", errNotFound("lockdown manager"))
	}
	ld, err := p.ctx.deps.Lockdowns.Start(ctx, p.ctx.Tenant, mode, target, reason)
	if err != nil {
		return nil, errBackend("starting lockdown", err)
	}
	return ld, nil
}

// Remove lifts a lockdown by id.
func (p *LockdownProvider) Remove(ctx context.Context, id string) error {
	if err := p.ctx.gate("lockdowns", "remove", "remove"); err != nil {
		return err
	}
	if p.ctx.deps.Lockdowns == nil {
		return errBackend("removing lockdown", errNotFound("lockdown manager"))
	}
	if err := p.ctx.deps.Lockdowns.Remove(ctx, p.ctx.Tenant, id); err != nil {
		return errBackend("removing lockdown", err)
	}
	return nil
}
