package scriptrt

import "context"

// permAdministrator is the Discord ADMINISTRATOR permission bit.
const permAdministrator = 1 << 3

// permAll marks every permission bit set; owners and administrators
// resolve to it.
const permAll = ^uint64(0)

// UserInfo is the resolved view of one guild member handed to scripts:
// effective Discord permissions plus the deployment's own staff
// permission strings.
type UserInfo struct {
	UserID           uint64   `json:"user_id,string"`
	GuildOwnerID     uint64   `json:"guild_owner_id,string"`
	Permissions      uint64   `json:"permissions,string"`
	GuildRoles       []Role   `json:"guild_roles"`
	MemberRoles      []uint64 `json:"member_roles"`
	StaffPermissions []string `json:"staff_permissions"`
}

// MemberSource supplies deployment-level staff permission strings for
// a member ("moderation.ban" style). A nil source means no staff layer.
type MemberSource interface {
	StaffPermissions(ctx context.Context, tenant TenantID, userID uint64) ([]string, error)
}

// resolvePermissions computes a member's effective permission bitset
// from the guild's role list: the everyone role (id equals the guild
// id) plus each held role, OR'd together. Owners and administrators
// get everything.
func resolvePermissions(guild *Guild, roles []Role, memberRoles []uint64, userID uint64) uint64 {
	if guild.OwnerID == userID {
		return permAll
	}
	held := make(map[uint64]bool, len(memberRoles)+1)
	held[guild.ID] = true
	for _, id := range memberRoles {
		held[id] = true
	}
	var perms uint64
	for _, r := range roles {
		if held[r.ID] {
			perms |= r.Permissions
		}
	}
	if perms&permAdministrator != 0 {
		return permAll
	}
	return perms
}

// UserInfoProvider resolves members of the tenant's guild.
type UserInfoProvider struct {
	ctx *HostContext
}

// Get resolves one member.
func (p *UserInfoProvider) Get(ctx context.Context, userID uint64) (*UserInfo, error) {
	if err := p.ctx.gate("userinfo", "get", "get"); err != nil {
		return nil, err
	}
	if p.ctx.Tenant.Kind != TenantKindGuild {
		return nil, errInvalidInput("tenant", "no guild context")
	}
	guildID := p.ctx.Tenant.ID

	guild, err := p.ctx.deps.Discord.Guild(ctx, guildID)
	if err != nil {
		return nil, errBackend("fetching guild", err)
	}
	roles, err := p.ctx.deps.Discord.GuildRoles(ctx, guildID)
	if err != nil {
		return nil, errBackend("fetching roles", err)
	}
	member, err := p.ctx.deps.Discord.Member(ctx, guildID, userID)
	if err != nil {
		return nil, errBackend("fetching member", err)
	}
	if member == nil {
		return nil, errNotFound("member")
	}

	info := &UserInfo{
		UserID:       userID,
		GuildOwnerID: guild.OwnerID,
		Permissions:  resolvePermissions(guild, roles, member.Roles, userID),
		GuildRoles:   roles,
		MemberRoles:  member.Roles,
	}
	if p.ctx.deps.Members != nil {
		staff, err := p.ctx.deps.Members.StaffPermissions(ctx, p.ctx.Tenant, userID)
		if err != nil {
			return nil, errBackend("fetching staff permissions", err)
		}
		info.StaffPermissions = staff
	}
	return info, nil
}
