package scriptrt

import (
	"context"
	"log/slog"
	"testing"
)

func TestResumeReplaysStartupAndResumableKeys(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	tenant := GuildTenant(1)
	env.putScript(t, tenant, "boot", []string{EventOnStartup, EventKeyResume}, nil)

	if _, _, err := env.store.KVSet(ctx, tenant, "giveaway", []string{"s"}, 1, nil, true); err != nil {
		t.Fatalf("set resumable: %v", err)
	}
	if _, _, err := env.store.KVSet(ctx, tenant, "plain", []string{"s"}, 2, nil, false); err != nil {
		t.Fatalf("set plain: %v", err)
	}

	resume := NewResumeDispatcher(env.store, env.dispatcher, WorkerFilter{}, slog.Default())
	if err := resume.Run(ctx, "worker_start"); err != nil {
		t.Fatalf("run: %v", err)
	}

	records := waitForRecords(t, env, 2)
	if records[0].Event != EventOnStartup {
		t.Fatalf("first replayed event: %+v", records[0])
	}
	if records[1].Event != EventKeyResume {
		t.Fatalf("second replayed event: %+v", records[1])
	}
	// The non-resumable key produced nothing.
	if len(records) > 2 {
		t.Fatalf("extra replays: %+v", records)
	}
}

func TestResumeSkipsTenantsWithoutScripts(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	resume := NewResumeDispatcher(env.store, env.dispatcher, WorkerFilter{}, slog.Default())
	if err := resume.Run(ctx, "worker_start"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if records := env.factory.recorded(); len(records) != 0 {
		t.Fatalf("replay with no tenants: %+v", records)
	}
}

func TestResumeHonorsWorkerFilter(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	tenant := GuildTenant(3)
	env.putScript(t, tenant, "boot", []string{EventOnStartup}, nil)

	none := NewWorkerFilter(func(TenantID) bool { return false })
	resume := NewResumeDispatcher(env.store, env.dispatcher, none, slog.Default())
	if err := resume.Run(ctx, "worker_start"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := resume.ResumeTenant(ctx, tenant, "template_update"); err != nil {
		t.Fatalf("resume tenant: %v", err)
	}
	if records := env.factory.recorded(); len(records) != 0 {
		t.Fatalf("filtered tenant replayed: %+v", records)
	}
}
