package scriptrt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// KVProvider is the scoped key-value surface exposed to scripts. Every
// operation is gated on the "kv" family and bounded by the deployment
// constraints. Mutations that can change an expiry re-arm the key
// expiry scheduler before returning.
type KVProvider struct {
	ctx *HostContext
}

func (p *KVProvider) validateKey(key string) error {
	if key == "" {
		return errInvalidInput("key", "must not be empty")
	}
	if len(key) > p.ctx.limits.MaxKeyLength {
		return errInvalidInput("key", fmt.Sprintf("exceeds %d bytes", p.ctx.limits.MaxKeyLength))
	}
	return nil
}

func (p *KVProvider) validateValue(value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errInvalidInput("value", "not serializable: "+err.Error())
	}
	if len(raw) > p.ctx.limits.MaxValueBytes {
		return errInvalidInput("value", fmt.Sprintf("exceeds %d bytes", p.ctx.limits.MaxValueBytes))
	}
	return nil
}

func (p *KVProvider) repopulate(ctx context.Context) {
	if p.ctx.deps.Expiry == nil {
		return
	}
	if err := p.ctx.deps.Expiry.Repopulate(ctx, p.ctx.Tenant); err != nil {
		p.ctx.deps.Log.Warn("kv expiry repopulate failed",
			"tenant", p.ctx.Tenant.String(), "err", err)
	}
}

// Get returns the record for (key, scopes), or nil when absent.
func (p *KVProvider) Get(ctx context.Context, key string, scopes []string) (*KvRecord, error) {
	if err := p.ctx.gate("kv", "get", "get"); err != nil {
		return nil, err
	}
	if err := p.validateKey(key); err != nil {
		return nil, err
	}
	return p.ctx.deps.Store.KVGet(ctx, p.ctx.Tenant, key, scopes)
}

// GetByID returns the record with the given opaque id, or nil.
func (p *KVProvider) GetByID(ctx context.Context, id string) (*KvRecord, error) {
	if err := p.ctx.gate("kv", "get_by_id", "get_by_id"); err != nil {
		return nil, err
	}
	return p.ctx.deps.Store.KVGetByID(ctx, p.ctx.Tenant, id)
}

// Set upserts (key, scopes) and reports whether the record existed,
// plus its id. The write is durable before Set returns.
func (p *KVProvider) Set(ctx context.Context, key string, scopes []string, value any, expiresAt *time.Time, resume bool) (existed bool, id string, err error) {
	if err := p.ctx.gate("kv", "set", "set"); err != nil {
		return false, "", err
	}
	if err := p.validateKey(key); err != nil {
		return false, "", err
	}
	if len(scopes) == 0 {
		return false, "", errInvalidInput("scopes", "must not be empty")
	}
	if err := p.validateValue(value); err != nil {
		return false, "", err
	}
	existed, id, err = p.ctx.deps.Store.KVSet(ctx, p.ctx.Tenant, key, scopes, value, expiresAt, resume)
	if err != nil {
		return false, "", err
	}
	// An update may have cleared a previous expiry; re-arm either way.
	if expiresAt != nil || existed {
		p.repopulate(ctx)
	}
	return existed, id, nil
}

// SetByID replaces the value of an existing record.
func (p *KVProvider) SetByID(ctx context.Context, id string, value any) error {
	if err := p.ctx.gate("kv", "set_by_id", "set_by_id"); err != nil {
		return err
	}
	if err := p.validateValue(value); err != nil {
		return err
	}
	return p.ctx.deps.Store.KVSetByID(ctx, p.ctx.Tenant, id, value)
}

// SetExpiry updates expires_at for the record matched like Get.
func (p *KVProvider) SetExpiry(ctx context.Context, key string, scopes []string, expiresAt *time.Time) error {
	if err := p.ctx.gate("kv", "set_expiry", "set_expiry"); err != nil {
		return err
	}
	if err := p.validateKey(key); err != nil {
		return err
	}
	if err := p.ctx.deps.Store.KVSetExpiry(ctx, p.ctx.Tenant, key, scopes, expiresAt); err != nil {
		return err
	}
	p.repopulate(ctx)
	return nil
}

// SetExpiryByID updates expires_at for the record with the given id.
func (p *KVProvider) SetExpiryByID(ctx context.Context, id string, expiresAt *time.Time) error {
	if err := p.ctx.gate("kv", "set_expiry_by_id", "set_expiry_by_id"); err != nil {
		return err
	}
	if err := p.ctx.deps.Store.KVSetExpiryByID(ctx, p.ctx.Tenant, id, expiresAt); err != nil {
		return err
	}
	p.repopulate(ctx)
	return nil
}

// Delete removes the record matched like Get; missing records are not
// an error.
func (p *KVProvider) Delete(ctx context.Context, key string, scopes []string) error {
	if err := p.ctx.gate("kv", "delete", "delete"); err != nil {
		return err
	}
	if err := p.validateKey(key); err != nil {
		return err
	}
	if err := p.ctx.deps.Store.KVDelete(ctx, p.ctx.Tenant, key, scopes); err != nil {
		return err
	}
	p.repopulate(ctx)
	return nil
}

// DeleteByID removes the record with the given id.
func (p *KVProvider) DeleteByID(ctx context.Context, id string) error {
	if err := p.ctx.gate("kv", "delete_by_id", "delete_by_id"); err != nil {
		return err
	}
	if err := p.ctx.deps.Store.KVDeleteByID(ctx, p.ctx.Tenant, id); err != nil {
		return err
	}
	p.repopulate(ctx)
	return nil
}

// Find returns records whose key matches the SQL-LIKE pattern.
func (p *KVProvider) Find(ctx context.Context, scopes []string, pattern string) ([]*KvRecord, error) {
	if err := p.ctx.gate("kv", "find", "find"); err != nil {
		return nil, err
	}
	if pattern == "" {
		return nil, errInvalidInput("pattern", "must not be empty")
	}
	return p.ctx.deps.Store.KVFind(ctx, p.ctx.Tenant, scopes, pattern)
}

// Exists reports whether a record matched like Get exists.
func (p *KVProvider) Exists(ctx context.Context, key string, scopes []string) (bool, error) {
	if err := p.ctx.gate("kv", "exists", "exists"); err != nil {
		return false, err
	}
	if err := p.validateKey(key); err != nil {
		return false, err
	}
	return p.ctx.deps.Store.KVExists(ctx, p.ctx.Tenant, key, scopes)
}

// Keys lists keys visible under the requested scopes.
func (p *KVProvider) Keys(ctx context.Context, scopes []string) ([]string, error) {
	if err := p.ctx.gate("kv", "keys", "keys"); err != nil {
		return nil, err
	}
	return p.ctx.deps.Store.KVKeys(ctx, p.ctx.Tenant, scopes)
}

// ListScopes lists the distinct scopes on any record of the tenant.
func (p *KVProvider) ListScopes(ctx context.Context) ([]string, error) {
	if err := p.ctx.gate("kv", "list_scopes", "list_scopes"); err != nil {
		return nil, err
	}
	return p.ctx.deps.Store.KVListScopes(ctx, p.ctx.Tenant)
}
