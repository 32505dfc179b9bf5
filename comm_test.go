package scriptrt

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type commEnv struct {
	store   *Store
	factory *mockFactory
	engine  *Engine
	srv     *httptest.Server
}

func newCommEnv(t *testing.T) *commEnv {
	t.Helper()
	store, err := OpenMemoryStore()
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	factory := newMockFactory()
	engine, err := New(Options{
		Config:  testConfig(),
		Store:   store,
		Runtime: factory.factory(),
		Discord: newMockDiscord(100),
		Objects: newMockObjectStore(),
	})
	if err != nil {
		t.Fatalf("building engine: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("starting engine: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		engine.Shutdown()
	})

	srv := httptest.NewServer(NewCommServer(engine, "sekrit", nil).Handler())
	t.Cleanup(srv.Close)
	return &commEnv{store: store, factory: factory, engine: engine, srv: srv}
}

func (e *commEnv) request(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func TestCommAuth(t *testing.T) {
	env := newCommEnv(t)

	if res := env.request(t, http.MethodGet, "/ping", "", nil); res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: %d", res.StatusCode)
	}
	if res := env.request(t, http.MethodGet, "/ping", "wrong", nil); res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: %d", res.StatusCode)
	}
	if res := env.request(t, http.MethodGet, "/ping", "sekrit", nil); res.StatusCode != http.StatusOK {
		t.Fatalf("good token: %d", res.StatusCode)
	}
}

func TestCommDispatchWait(t *testing.T) {
	env := newCommEnv(t)
	tenant := GuildTenant(1)
	putTestScript(t, env.store, tenant, "a", nil)
	env.engine.Templates().Invalidate(tenant)

	body := map[string]any{
		"tenant": tenant.String(),
		"event":  map[string]any{"name": "GUILD_UPDATE"},
	}
	res := env.request(t, http.MethodPost, "/dispatch/wait", "sekrit", body)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", res.StatusCode)
	}
	var out struct {
		Results []wireResult `json:"results"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(out.Results) != 1 || out.Results[0].Script != "a" || out.Results[0].Error != "" {
		t.Fatalf("results: %+v", out.Results)
	}
}

func TestCommDispatchWaitTimeout(t *testing.T) {
	env := newCommEnv(t)
	tenant := GuildTenant(1)
	putTestScript(t, env.store, tenant, "a", nil)
	env.engine.Templates().Invalidate(tenant)

	block := make(chan struct{})
	defer close(block)
	env.factory.setEval(func(sc *Script, host *HostContext, ev *Event) (any, error) {
		<-block
		return nil, nil
	})

	// wait_timeout_ms bounds this request, not the configured deadline.
	body := map[string]any{
		"tenant":          tenant.String(),
		"event":           map[string]any{"name": "GUILD_UPDATE"},
		"wait_timeout_ms": 50,
	}
	start := time.Now()
	res := env.request(t, http.MethodPost, "/dispatch/wait", "sekrit", body)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", res.StatusCode)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("per-call deadline not applied: %v", elapsed)
	}
	var out struct {
		Results []wireResult `json:"results"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(out.Results) != 1 || out.Results[0].ErrorKind != KindTimedOut.String() {
		t.Fatalf("results: %+v", out.Results)
	}
}

func TestCommErrorStatusMapping(t *testing.T) {
	env := newCommEnv(t)

	// Malformed tenant string is a 400.
	body := map[string]any{
		"tenant": "not-a-tenant",
		"event":  map[string]any{"name": "GUILD_UPDATE"},
	}
	if res := env.request(t, http.MethodPost, "/dispatch", "sekrit", body); res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad tenant: %d", res.StatusCode)
	}
	// Nameless event is a 400 too.
	body["tenant"] = GuildTenant(1).String()
	body["event"] = map[string]any{}
	if res := env.request(t, http.MethodPost, "/dispatch", "sekrit", body); res.StatusCode != http.StatusBadRequest {
		t.Fatalf("nameless event: %d", res.StatusCode)
	}
}

func TestCommTenantLifecycle(t *testing.T) {
	env := newCommEnv(t)
	tenant := GuildTenant(1)
	putTestScript(t, env.store, tenant, "a", nil)
	env.engine.Templates().Invalidate(tenant)

	body := map[string]any{
		"tenant": tenant.String(),
		"event":  map[string]any{"name": "GUILD_UPDATE"},
	}
	if res := env.request(t, http.MethodPost, "/dispatch/wait", "sekrit", body); res.StatusCode != http.StatusOK {
		t.Fatalf("dispatch: %d", res.StatusCode)
	}

	res := env.request(t, http.MethodPost, "/tenants/remove", "sekrit", map[string]any{"tenant": tenant.String()})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("remove: %d", res.StatusCode)
	}
	var out map[string]bool
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if !out["removed"] {
		t.Fatalf("remove outcome: %v", out)
	}
}

func TestCommRunScript(t *testing.T) {
	env := newCommEnv(t)

	body := map[string]any{
		"tenant": GuildTenant(1).String(),
		"name":   "probe",
		"source": "return 1",
	}
	res := env.request(t, http.MethodPost, "/scripts/run", "sekrit", body)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", res.StatusCode)
	}
	var out struct {
		Value map[string]any `json:"value"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if out.Value["ok"] != true {
		t.Fatalf("value: %v", out.Value)
	}
}

func TestWireEventToEvent(t *testing.T) {
	ev, err := wireEvent{Name: "MESSAGE_CREATE", Data: json.RawMessage(`{"content":"hi"}`)}.toEvent()
	if err != nil {
		t.Fatalf("to event: %v", err)
	}
	if ev.Source != SourceDiscord || ev.TitledName != "Message Create" {
		t.Fatalf("defaults not applied: %+v", ev)
	}
	data := ev.Data.(map[string]any)
	if data["content"] != "hi" {
		t.Fatalf("data: %v", ev.Data)
	}

	if _, err := (wireEvent{}).toEvent(); KindOf(err) != KindInvalidInput {
		t.Fatalf("nameless accepted: %v", err)
	}
	if _, err := (wireEvent{Name: "X", Data: json.RawMessage(`{`)}).toEvent(); KindOf(err) != KindInvalidInput {
		t.Fatalf("malformed data accepted: %v", err)
	}
}
