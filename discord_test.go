package scriptrt

import (
	"context"
	"testing"
	"time"
)

func TestDiscordChannelCacheAndGuildCheck(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	tenant := GuildTenant(100)

	env.discord.channels[10] = &Channel{ID: 10, GuildID: 100, Name: "general"}
	env.discord.channels[11] = &Channel{ID: 11, GuildID: 999, Name: "foreign"}

	provider := env.hostFor(tenant, []string{CapWildcard}, nil).Discord()

	ch, err := provider.GetChannel(ctx, 10)
	if err != nil || ch.Name != "general" {
		t.Fatalf("get channel: %v, %v", ch, err)
	}
	// Second fetch is served from the cache.
	if _, err := provider.GetChannel(ctx, 10); err != nil {
		t.Fatalf("cached get: %v", err)
	}
	if env.discord.channelFetches != 1 {
		t.Fatalf("client fetched %d times, want 1", env.discord.channelFetches)
	}

	// A channel of another guild reads as absent.
	if _, err := provider.GetChannel(ctx, 11); KindOf(err) != KindNotFound {
		t.Fatalf("cross-guild channel should be not-found, got %v", err)
	}
}

func TestDiscordMutationInvalidatesCache(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	tenant := GuildTenant(100)
	env.discord.channels[10] = &Channel{ID: 10, GuildID: 100, Name: "old"}

	provider := env.hostFor(tenant, []string{CapWildcard}, nil).Discord()
	if _, err := provider.GetChannel(ctx, 10); err != nil {
		t.Fatalf("warm cache: %v", err)
	}
	if _, err := provider.EditChannel(ctx, 10, map[string]any{"name": "new"}, ""); err != nil {
		t.Fatalf("edit: %v", err)
	}
	ch, err := provider.GetChannel(ctx, 10)
	if err != nil || ch.Name != "new" {
		t.Fatalf("edit should invalidate cache entry: %v, %v", ch, err)
	}
}

func TestDiscordCapabilityGate(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	provider := env.hostFor(GuildTenant(100), []string{"discord:get_channel"}, nil).Discord()

	if err := provider.Ban(ctx, 42, 0, "spam"); KindOf(err) != KindCapabilityDenied {
		t.Fatalf("ban without cap should be denied, got %v", err)
	}
	if len(env.discord.banned) != 0 {
		t.Fatal("denied ban reached the client")
	}
}

func TestDiscordCreateMessageChecksChannel(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	env.discord.channels[12] = &Channel{ID: 12, GuildID: 999}

	provider := env.hostFor(GuildTenant(100), []string{CapWildcard}, nil).Discord()
	_, err := provider.CreateMessage(ctx, 12, &MessageSend{Content: "hi"})
	if KindOf(err) != KindNotFound {
		t.Fatalf("message to foreign channel should fail, got %v", err)
	}
	if len(env.discord.sent()) != 0 {
		t.Fatal("message leaked to the client")
	}
}

func TestChannelCacheTTL(t *testing.T) {
	cache := newChannelCache()
	now := time.Now()
	cache.put(&Channel{ID: 1, GuildID: 2}, now)
	if cache.get(1, now.Add(channelCacheTTL/2)) == nil {
		t.Fatal("fresh entry should hit")
	}
	if cache.get(1, now.Add(channelCacheTTL+time.Second)) != nil {
		t.Fatal("stale entry should miss")
	}
}
