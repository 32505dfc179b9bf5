package scriptrt

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
)

func TestTenantBucketDeterministic(t *testing.T) {
	a := tenantBucket(GuildTenant(123))
	b := tenantBucket(GuildTenant(123))
	if a != b {
		t.Fatalf("bucket name not stable: %s vs %s", a, b)
	}
	if a == tenantBucket(GuildTenant(124)) {
		t.Fatal("different tenants share a bucket")
	}
}

func TestObjectStorageRoundtrip(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	provider := env.hostFor(GuildTenant(1), []string{CapWildcard}, nil).ObjectStorage()

	data := []byte("hello")
	if err := provider.Upload(ctx, "logs/day1.txt", data, "text/plain"); err != nil {
		t.Fatalf("upload: %v", err)
	}
	ok, err := provider.Exists(ctx, "logs/day1.txt")
	if err != nil || !ok {
		t.Fatalf("exists: %v, %v", ok, err)
	}
	got, err := provider.Download(ctx, "logs/day1.txt")
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("download: %q, %v", got, err)
	}
	metas, err := provider.List(ctx, "logs/")
	if err != nil || len(metas) != 1 {
		t.Fatalf("list: %v, %v", metas, err)
	}
	url, err := provider.FileURL(ctx, "logs/day1.txt", time.Hour)
	if err != nil || url == "" {
		t.Fatalf("file url: %q, %v", url, err)
	}
	if err := provider.Delete(ctx, "logs/day1.txt"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	ok, _ = provider.Exists(ctx, "logs/day1.txt")
	if ok {
		t.Fatal("object should be gone")
	}
}

func TestObjectStorageTenantSeparation(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	a := env.hostFor(GuildTenant(1), []string{CapWildcard}, nil).ObjectStorage()
	b := env.hostFor(GuildTenant(2), []string{CapWildcard}, nil).ObjectStorage()

	if err := a.Upload(ctx, "secret.txt", []byte("x"), ""); err != nil {
		t.Fatalf("upload: %v", err)
	}
	ok, err := b.Exists(ctx, "secret.txt")
	if err != nil || ok {
		t.Fatalf("tenant B sees tenant A's object: %v, %v", ok, err)
	}
}

func TestObjectStorageBounds(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	provider := env.hostFor(GuildTenant(1), []string{CapWildcard}, nil).ObjectStorage()

	longPath := strings.Repeat("p", env.cfg.Constraints.MaxObjectPathLength+1)
	if err := provider.Upload(ctx, longPath, []byte("x"), ""); KindOf(err) != KindInvalidInput {
		t.Fatalf("oversized path should be invalid input, got %v", err)
	}
	big := make([]byte, env.cfg.Constraints.MaxObjectBytes+1)
	if err := provider.Upload(ctx, "big.bin", big, ""); KindOf(err) != KindInvalidInput {
		t.Fatalf("oversized payload should be invalid input, got %v", err)
	}
	if err := provider.Upload(ctx, "../escape", []byte("x"), ""); KindOf(err) != KindInvalidInput {
		t.Fatalf("traversal path should be invalid input, got %v", err)
	}
	if _, err := provider.FileURL(ctx, "a.txt", 0); KindOf(err) != KindInvalidInput {
		t.Fatalf("non-positive expiry should be invalid input, got %v", err)
	}
}

func TestObjectStorageCapabilityGate(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	provider := env.hostFor(GuildTenant(1), []string{"object_storage:list_files"}, nil).ObjectStorage()

	if err := provider.Upload(ctx, "a.txt", []byte("x"), ""); KindOf(err) != KindCapabilityDenied {
		t.Fatalf("upload without cap should be denied, got %v", err)
	}
	if _, err := provider.List(ctx, ""); err != nil {
		t.Fatalf("list with cap: %v", err)
	}
}
