// Package scriptrt is a multi-tenant scripting runtime core for a Discord
// bot. Each tenant (guild) registers user-authored scripts; the runtime
// dispatches gateway and internal events to the subset of scripts that
// subscribe to them, executes each script in an isolated sandbox with
// capability and rate-limit policies, and returns per-script results.
//
// The package is a library: the HTTP surface, the Discord gateway client
// and the scripting language itself are external collaborators consumed
// through interfaces (DiscordClient, ObjectStore, Runtime).
package scriptrt

import (
	"fmt"
	"strconv"
	"strings"
)

// TenantKindGuild is the only tenant kind today.
const TenantKindGuild = "guild"

// TenantID identifies an isolation boundary. Every script, KV record,
// object-store bucket and settings page belongs to exactly one tenant.
type TenantID struct {
	Kind string // only "guild" today
	ID   uint64
}

// GuildTenant returns the TenantID for a Discord guild.
func GuildTenant(id uint64) TenantID {
	return TenantID{Kind: TenantKindGuild, ID: id}
}

// String returns the stored form "kind/id".
func (t TenantID) String() string {
	return t.Kind + "/" + strconv.FormatUint(t.ID, 10)
}

// IsZero reports whether t is the zero TenantID.
func (t TenantID) IsZero() bool {
	return t.Kind == "" && t.ID == 0
}

// ParseTenantID parses the stored form produced by String.
func ParseTenantID(s string) (TenantID, error) {
	kind, rest, ok := strings.Cut(s, "/")
	if !ok || kind == "" {
		return TenantID{}, fmt.Errorf("malformed tenant id %q", s)
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return TenantID{}, fmt.Errorf("malformed tenant id %q: %w", s, err)
	}
	return TenantID{Kind: kind, ID: id}, nil
}
