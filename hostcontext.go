package scriptrt

import (
	"log/slog"
	"net/http"
)

// HostDeps are the process-wide collaborators behind the host providers.
// All of them are internally thread-safe; workers share one HostDeps.
type HostDeps struct {
	Store      *Store
	Discord    DiscordClient
	Objects    ObjectStore
	Members    MemberSource
	Lockdowns  LockdownManager
	Pages      *PageRegistry
	DataStores *DataStoreRegistry
	Expiry     *KeyExpiryScheduler
	Channels   *channelCache
	HTTP       *http.Client
	Log        *slog.Logger
}

// HostContext is the per-script capability surface handed to an isolate.
// Every host call passes through gate: capability check first, then the
// VM's ratelimiter, then the effect. The context holds an index into the
// tenant VM's state rather than a back-reference; teardown is a
// single-owner drop on the VM side.
type HostContext struct {
	Tenant TenantID
	Script *Script

	limits Constraints
	rl     *Ratelimiter
	deps   *HostDeps

	// torn reports whether the hosting isolate set has been dropped; a
	// late host call from an orphaned evaluator fails with cancelled.
	torn func() bool
}

func newHostContext(tenant TenantID, script *Script, limits Constraints, rl *Ratelimiter, deps *HostDeps, torn func() bool) *HostContext {
	return &HostContext{
		Tenant: tenant,
		Script: script,
		limits: limits,
		rl:     rl,
		deps:   deps,
		torn:   torn,
	}
}

// gate enforces the per-call policy: cancelled check, capability check
// against the script's allowed_caps, then one token from the family's
// ratelimiter. cap is "<family>:<action>"; bucket is the action or an
// action-plus-key composite.
func (c *HostContext) gate(family, action, bucket string) error {
	if c.torn != nil && c.torn() {
		return errCancelled()
	}
	if err := c.Script.AllowedCaps.check(family + ":" + action); err != nil {
		return err
	}
	return c.rl.Check(family, bucket)
}

// KV returns the key-value provider.
func (c *HostContext) KV() *KVProvider { return &KVProvider{ctx: c} }

// Discord returns the Discord passthrough provider.
func (c *HostContext) Discord() *DiscordProvider { return &DiscordProvider{ctx: c} }

// ObjectStorage returns the object storage provider.
func (c *HostContext) ObjectStorage() *ObjectStorageProvider { return &ObjectStorageProvider{ctx: c} }

// UserInfo returns the user info provider.
func (c *HostContext) UserInfo() *UserInfoProvider { return &UserInfoProvider{ctx: c} }

// Lockdowns returns the lockdown provider.
func (c *HostContext) Lockdowns() *LockdownProvider { return &LockdownProvider{ctx: c} }

// Pages returns the settings-page provider.
func (c *HostContext) Pages() *PagesProvider { return &PagesProvider{ctx: c} }

// DataStores returns the data store provider.
func (c *HostContext) DataStores() *DataStoresProvider { return &DataStoresProvider{ctx: c} }

// HTTP returns the outbound HTTP provider.
func (c *HostContext) HTTP() *HTTPProvider { return &HTTPProvider{ctx: c} }
