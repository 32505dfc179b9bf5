package scriptrt

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func TestCorrelated(t *testing.T) {
	match := map[string]any{"correlation_id": "c1", "result": "v"}
	decoy := map[string]any{"correlation_id": "other", "result": "x"}

	if v, ok := correlated(match, "c1"); !ok || v != "v" {
		t.Fatalf("direct match: %v, %v", v, ok)
	}
	if _, ok := correlated(decoy, "c1"); ok {
		t.Fatal("mismatched correlation id accepted")
	}
	// A list return is searched element-wise past decoys.
	list := []any{decoy, map[string]any{"correlation_id": "c1", "results": []any{1.0, 2.0}}}
	v, ok := correlated(list, "c1")
	if !ok {
		t.Fatal("list match missed")
	}
	if results, _ := v.([]any); len(results) != 2 {
		t.Fatalf("results member not unwrapped: %v", v)
	}
	// A matching answer with no result member still counts as answered.
	if v, ok := correlated(map[string]any{"correlation_id": "c1"}, "c1"); !ok || v != nil {
		t.Fatalf("bare ack: %v, %v", v, ok)
	}
	if _, ok := correlated("just a string", "c1"); ok {
		t.Fatal("scalar accepted")
	}
}

func TestSettingsExecute(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	tenant := GuildTenant(1)
	// The panel script subscribes to the RPC by its event name; the
	// operation must arrive as TemplateSettingExecute.
	env.putScript(t, tenant, "panel", []string{EventTemplateSettingExecute}, nil)
	env.putScript(t, tenant, "other", nil, nil)

	env.factory.setEval(func(sc *Script, host *HostContext, ev *Event) (any, error) {
		if ev.Name != EventTemplateSettingExecute {
			t.Errorf("settings rpc event name: %q", ev.Name)
		}
		req := ev.Data.(SettingExecuteRequest)
		return map[string]any{
			"correlation_id": req.CorrelationID,
			"result":         map[string]any{"setting": req.SettingID, "op": req.Operation},
		}, nil
	})

	bridge := NewSettingsBridge(env.dispatcher, env.deps.Pages, slog.Default())
	value, err := bridge.Execute(ctx, tenant, "panel", "welcome", "update",
		map[string]any{"message": "hi"}, "9", 0)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	m, ok := value.(map[string]any)
	if !ok || m["setting"] != "welcome" || m["op"] != "update" {
		t.Fatalf("execute value: %v", value)
	}
	// Only the addressed script ran.
	records := env.factory.recorded()
	if len(records) != 1 || records[0].Script != "panel" || records[0].Event != EventTemplateSettingExecute {
		t.Fatalf("records: %+v", records)
	}
}

func TestSettingsExecuteRejectsBadOp(t *testing.T) {
	env := newTestEnv(t, testConfig())
	bridge := NewSettingsBridge(env.dispatcher, env.deps.Pages, slog.Default())
	_, err := bridge.Execute(context.Background(), GuildTenant(1), "panel", "s", "drop", nil, "", 0)
	if KindOf(err) != KindInvalidInput {
		t.Fatalf("bad op accepted: %v", err)
	}
}

func TestSettingsExecuteNoResponse(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	tenant := GuildTenant(1)
	env.putScript(t, tenant, "panel", nil, nil)

	// The script answers with an unrelated value.
	env.factory.setEval(func(sc *Script, host *HostContext, ev *Event) (any, error) {
		return map[string]any{"correlation_id": "stale", "result": 1}, nil
	})
	bridge := NewSettingsBridge(env.dispatcher, env.deps.Pages, slog.Default())
	_, err := bridge.Execute(ctx, tenant, "panel", "s", "view", nil, "", 0)
	if KindOf(err) != KindScriptError {
		t.Fatalf("uncorrelated answer accepted: %v", err)
	}
}

func TestSettingsExecuteWaitTimeout(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	tenant := GuildTenant(1)
	env.putScript(t, tenant, "panel", []string{EventTemplateSettingExecute}, nil)

	block := make(chan struct{})
	defer close(block)
	env.factory.setEval(func(sc *Script, host *HostContext, ev *Event) (any, error) {
		<-block
		return nil, nil
	})

	// The per-call deadline applies, not the configured one.
	bridge := NewSettingsBridge(env.dispatcher, env.deps.Pages, slog.Default())
	start := time.Now()
	_, err := bridge.Execute(ctx, tenant, "panel", "s", "view", nil, "", 50*time.Millisecond)
	if KindOf(err) != KindTimedOut {
		t.Fatalf("stalled script: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("per-call deadline not applied: %v", elapsed)
	}
}

func TestSettingsQuery(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	tenant := GuildTenant(1)
	env.putScript(t, tenant, "panel", nil, nil)
	env.putScript(t, tenant, "silent", nil, nil)
	env.putScript(t, tenant, "faulty", nil, nil)

	env.factory.setEval(func(sc *Script, host *HostContext, ev *Event) (any, error) {
		switch sc.Name {
		case "panel":
			return []any{map[string]any{"id": "welcome", "title": "Welcome"}}, nil
		case "faulty":
			return nil, errScript("boom")
		default:
			return nil, nil
		}
	})

	bridge := NewSettingsBridge(env.dispatcher, env.deps.Pages, slog.Default())
	out, err := bridge.QuerySettings(ctx, tenant)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	// Silent and failing scripts are dropped, not fatal.
	if len(out) != 1 || out[0].Script != "panel" {
		t.Fatalf("query output: %+v", out)
	}
	if len(out[0].Settings) != 1 || out[0].Settings[0].ID != "welcome" {
		t.Fatalf("settings shape: %+v", out[0].Settings)
	}
}
