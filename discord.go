package scriptrt

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"
)

// parseSnowflake parses a Discord id kept in string form.
func parseSnowflake(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errInvalidInput("id", "not a snowflake")
	}
	return id, nil
}

// Channel is the subset of a Discord channel the core cares about.
type Channel struct {
	ID       uint64 `json:"id,string"`
	GuildID  uint64 `json:"guild_id,string"`
	Name     string `json:"name"`
	Type     int    `json:"type"`
	ParentID uint64 `json:"parent_id,string"`
	Position int    `json:"position"`
}

// Guild is the subset of a Discord guild the core cares about.
type Guild struct {
	ID      uint64 `json:"id,string"`
	Name    string `json:"name"`
	OwnerID uint64 `json:"owner_id,string"`
}

// Role is one guild role, permissions as a raw bitset.
type Role struct {
	ID          uint64 `json:"id,string"`
	Name        string `json:"name"`
	Permissions uint64 `json:"permissions,string"`
	Position    int    `json:"position"`
}

// Member is one guild member as needed for dispatch and user info.
type Member struct {
	UserID                     uint64     `json:"user_id,string"`
	Nick                       string     `json:"nick"`
	Roles                      []uint64   `json:"roles"`
	JoinedAt                   time.Time  `json:"joined_at"`
	CommunicationDisabledUntil *time.Time `json:"communication_disabled_until"`
}

// EmbedField is one field of a message embed.
type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// Embed is a message embed.
type Embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	URL         string       `json:"url,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
}

// MessageSend is the outbound message payload.
type MessageSend struct {
	Content string  `json:"content,omitempty"`
	Embeds  []Embed `json:"embeds,omitempty"`
}

// Message is the subset of a created message returned to scripts.
type Message struct {
	ID        uint64 `json:"id,string"`
	ChannelID uint64 `json:"channel_id,string"`
	Content   string `json:"content"`
}

// DiscordClient is the REST surface the core calls into. The concrete
// client lives with the bot shell; tests substitute a fake.
type DiscordClient interface {
	Channel(ctx context.Context, channelID uint64) (*Channel, error)
	Guild(ctx context.Context, guildID uint64) (*Guild, error)
	GuildRoles(ctx context.Context, guildID uint64) ([]Role, error)
	Member(ctx context.Context, guildID, userID uint64) (*Member, error)
	CreateMessage(ctx context.Context, channelID uint64, msg *MessageSend) (*Message, error)
	CreateChannel(ctx context.Context, guildID uint64, params map[string]any, reason string) (*Channel, error)
	EditChannel(ctx context.Context, channelID uint64, patch map[string]any, reason string) (*Channel, error)
	DeleteChannel(ctx context.Context, channelID uint64, reason string) error
	BanMember(ctx context.Context, guildID, userID uint64, deleteMessageSeconds int, reason string) error
	KickMember(ctx context.Context, guildID, userID uint64, reason string) error
	TimeoutMember(ctx context.Context, guildID, userID uint64, until *time.Time, reason string) error
	CreateInteractionResponse(ctx context.Context, interactionID uint64, token string, resp any) error
	AuditLog(ctx context.Context, guildID uint64, actionType, limit int) (json.RawMessage, error)
}

// channelCacheTTL bounds how stale a cached channel may be.
const channelCacheTTL = 30 * time.Second

type channelCacheEntry struct {
	ch      *Channel
	fetched time.Time
}

// channelCache is the process-wide channel lookup cache shared by all
// tenants. Mutating channel calls invalidate their entry.
type channelCache struct {
	mu      sync.Mutex
	entries map[uint64]channelCacheEntry
}

func newChannelCache() *channelCache {
	return &channelCache{entries: make(map[uint64]channelCacheEntry)}
}

func (c *channelCache) get(id uint64, now time.Time) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok || now.Sub(e.fetched) > channelCacheTTL {
		delete(c.entries, id)
		return nil
	}
	return e.ch
}

func (c *channelCache) put(ch *Channel, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[ch.ID] = channelCacheEntry{ch: ch, fetched: now}
}

func (c *channelCache) invalidate(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// DiscordProvider is the gated Discord passthrough exposed to scripts.
// Every call is scoped to the tenant's own guild; channels belonging to
// other guilds are reported as absent.
type DiscordProvider struct {
	ctx *HostContext
}

func (p *DiscordProvider) guildID() (uint64, error) {
	if p.ctx.Tenant.Kind != TenantKindGuild {
		return 0, errInvalidInput("tenant", "no guild context")
	}
	return p.ctx.Tenant.ID, nil
}

// fetchChannel resolves a channel through the shared cache and verifies
// it belongs to the tenant's guild.
func (p *DiscordProvider) fetchChannel(ctx context.Context, channelID uint64) (*Channel, error) {
	guild, err := p.guildID()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	ch := p.ctx.deps.Channels.get(channelID, now)
	if ch == nil {
		ch, err = p.ctx.deps.Discord.Channel(ctx, channelID)
		if err != nil {
			return nil, errBackend("fetching channel", err)
		}
		p.ctx.deps.Channels.put(ch, now)
	}
	if ch.GuildID != guild {
		return nil, errNotFound("channel")
	}
	return ch, nil
}

// GetChannel returns a channel of the tenant's guild.
func (p *DiscordProvider) GetChannel(ctx context.Context, channelID uint64) (*Channel, error) {
	if err := p.ctx.gate("discord", "get_channel", "get_channel"); err != nil {
		return nil, err
	}
	return p.fetchChannel(ctx, channelID)
}

// GetGuild returns the tenant's guild.
func (p *DiscordProvider) GetGuild(ctx context.Context) (*Guild, error) {
	if err := p.ctx.gate("discord", "get_guild", "get_guild"); err != nil {
		return nil, err
	}
	guild, err := p.guildID()
	if err != nil {
		return nil, err
	}
	g, err := p.ctx.deps.Discord.Guild(ctx, guild)
	if err != nil {
		return nil, errBackend("fetching guild", err)
	}
	return g, nil
}

// GetRoles returns the guild's roles.
func (p *DiscordProvider) GetRoles(ctx context.Context) ([]Role, error) {
	if err := p.ctx.gate("discord", "get_roles", "get_roles"); err != nil {
		return nil, err
	}
	guild, err := p.guildID()
	if err != nil {
		return nil, err
	}
	roles, err := p.ctx.deps.Discord.GuildRoles(ctx, guild)
	if err != nil {
		return nil, errBackend("fetching roles", err)
	}
	return roles, nil
}

// CreateMessage sends a message to a channel of the tenant's guild.
func (p *DiscordProvider) CreateMessage(ctx context.Context, channelID uint64, msg *MessageSend) (*Message, error) {
	if err := p.ctx.gate("discord", "create_message", "create_message"); err != nil {
		return nil, err
	}
	if _, err := p.fetchChannel(ctx, channelID); err != nil {
		return nil, err
	}
	m, err := p.ctx.deps.Discord.CreateMessage(ctx, channelID, msg)
	if err != nil {
		return nil, errBackend("creating message", err)
	}
	return m, nil
}

// CreateChannel creates a channel in the tenant's guild.
func (p *DiscordProvider) CreateChannel(ctx context.Context, params map[string]any, reason string) (*Channel, error) {
	if err := p.ctx.gate("discord", "create_channel", "create_channel"); err != nil {
		return nil, err
	}
	guild, err := p.guildID()
	if err != nil {
		return nil, err
	}
	ch, err := p.ctx.deps.Discord.CreateChannel(ctx, guild, params, reason)
	if err != nil {
		return nil, errBackend("creating channel", err)
	}
	p.ctx.deps.Channels.put(ch, time.Now())
	return ch, nil
}

// EditChannel patches a channel of the tenant's guild and invalidates
// its cache entry.
func (p *DiscordProvider) EditChannel(ctx context.Context, channelID uint64, patch map[string]any, reason string) (*Channel, error) {
	if err := p.ctx.gate("discord", "edit_channel", "edit_channel"); err != nil {
		return nil, err
	}
	if _, err := p.fetchChannel(ctx, channelID); err != nil {
		return nil, err
	}
	ch, err := p.ctx.deps.Discord.EditChannel(ctx, channelID, patch, reason)
	if err != nil {
		return nil, errBackend("editing channel", err)
	}
	p.ctx.deps.Channels.invalidate(channelID)
	return ch, nil
}

// DeleteChannel deletes a channel of the tenant's guild and invalidates
// its cache entry.
func (p *DiscordProvider) DeleteChannel(ctx context.Context, channelID uint64, reason string) error {
	if err := p.ctx.gate("discord", "delete_channel", "delete_channel"); err != nil {
		return err
	}
	if _, err := p.fetchChannel(ctx, channelID); err != nil {
		return err
	}
	if err := p.ctx.deps.Discord.DeleteChannel(ctx, channelID, reason); err != nil {
		return errBackend("deleting channel", err)
	}
	p.ctx.deps.Channels.invalidate(channelID)
	return nil
}

// Ban bans a member of the tenant's guild.
func (p *DiscordProvider) Ban(ctx context.Context, userID uint64, deleteMessageSeconds int, reason string) error {
	if err := p.ctx.gate("discord", "ban", "ban"); err != nil {
		return err
	}
	guild, err := p.guildID()
	if err != nil {
		return err
	}
	if err := p.ctx.deps.Discord.BanMember(ctx, guild, userID, deleteMessageSeconds, reason); err != nil {
		return errBackend("banning member", err)
	}
	return nil
}

// Kick kicks a member of the tenant's guild.
func (p *DiscordProvider) Kick(ctx context.Context, userID uint64, reason string) error {
	if err := p.ctx.gate("discord", "kick", "kick"); err != nil {
		return err
	}
	guild, err := p.guildID()
	if err != nil {
		return err
	}
	if err := p.ctx.deps.Discord.KickMember(ctx, guild, userID, reason); err != nil {
		return errBackend("kicking member", err)
	}
	return nil
}

// Timeout sets or clears a member's communication timeout.
func (p *DiscordProvider) Timeout(ctx context.Context, userID uint64, until *time.Time, reason string) error {
	if err := p.ctx.gate("discord", "timeout", "timeout"); err != nil {
		return err
	}
	guild, err := p.guildID()
	if err != nil {
		return err
	}
	if err := p.ctx.deps.Discord.TimeoutMember(ctx, guild, userID, until, reason); err != nil {
		return errBackend("timing out member", err)
	}
	return nil
}

// CreateInteractionResponse answers an interaction. Its bucket is on
// the family's global-ignore list so interaction replies never starve
// behind other Discord calls.
func (p *DiscordProvider) CreateInteractionResponse(ctx context.Context, interactionID uint64, token string, resp any) error {
	if err := p.ctx.gate("discord", "create_interaction_response", "create_interaction_response"); err != nil {
		return err
	}
	if err := p.ctx.deps.Discord.CreateInteractionResponse(ctx, interactionID, token, resp); err != nil {
		return errBackend("responding to interaction", err)
	}
	return nil
}

// AuditLog fetches recent audit log entries for the tenant's guild.
func (p *DiscordProvider) AuditLog(ctx context.Context, actionType, limit int) (json.RawMessage, error) {
	if err := p.ctx.gate("discord", "get_audit_logs", "get_audit_logs"); err != nil {
		return nil, err
	}
	guild, err := p.guildID()
	if err != nil {
		return nil, err
	}
	raw, err := p.ctx.deps.Discord.AuditLog(ctx, guild, actionType, limit)
	if err != nil {
		return nil, errBackend("fetching audit log", err)
	}
	return raw, nil
}
