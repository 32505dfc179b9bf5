package scriptrt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// evalFunc is the behavior a test installs for script evaluation.
type evalFunc func(sc *Script, host *HostContext, ev *Event) (any, error)

type mockIsolate struct {
	rt     *mockRuntime
	script *Script
	host   *HostContext
	closed bool
}

func (i *mockIsolate) EvalEvent(ctx context.Context, ev *Event) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, errTimedOut()
	}
	i.rt.factory.record(i.script.Name, ev)
	if fn := i.rt.factory.evalFn(); fn != nil {
		return fn(i.script, i.host, ev)
	}
	return map[string]any{"ok": true}, nil
}

func (i *mockIsolate) Close() { i.closed = true }

type mockRuntime struct {
	factory  *mockFactory
	tenant   TenantID
	broken   bool
	onBroken func()
	closed   bool
}

func (r *mockRuntime) NewIsolate(sc *Script, host *HostContext) (Isolate, error) {
	return &mockIsolate{rt: r, script: sc, host: host}, nil
}

func (r *mockRuntime) NewEphemeralIsolate(name, source string, host *HostContext) (Isolate, error) {
	return &mockIsolate{rt: r, script: host.Script, host: host}, nil
}

func (r *mockRuntime) Broken() bool          { return r.broken }
func (r *mockRuntime) SetOnBroken(fn func()) { r.onBroken = fn }
func (r *mockRuntime) Close()                { r.closed = true }

// breakNow simulates an unrecoverable runtime failure.
func (r *mockRuntime) breakNow() {
	r.broken = true
	if r.onBroken != nil {
		r.onBroken()
	}
}

// dispatchRecord is one observed evaluation.
type dispatchRecord struct {
	Script string
	Event  string
}

// mockFactory hands out mockRuntimes and records every evaluation
// across all of them.
type mockFactory struct {
	mu       sync.Mutex
	eval     evalFunc
	runtimes map[TenantID]*mockRuntime
	records  []dispatchRecord
}

func newMockFactory() *mockFactory {
	return &mockFactory{runtimes: make(map[TenantID]*mockRuntime)}
}

func (f *mockFactory) factory() RuntimeFactory {
	return func(tenant TenantID) (Runtime, error) {
		rt := &mockRuntime{factory: f, tenant: tenant}
		f.mu.Lock()
		f.runtimes[tenant] = rt
		f.mu.Unlock()
		return rt, nil
	}
}

// setEval installs the evaluation behavior for subsequent dispatches.
func (f *mockFactory) setEval(fn evalFunc) {
	f.mu.Lock()
	f.eval = fn
	f.mu.Unlock()
}

func (f *mockFactory) evalFn() evalFunc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.eval
}

func (f *mockFactory) record(script string, ev *Event) {
	f.mu.Lock()
	f.records = append(f.records, dispatchRecord{Script: script, Event: ev.Name})
	f.mu.Unlock()
}

func (f *mockFactory) recorded() []dispatchRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]dispatchRecord, len(f.records))
	copy(out, f.records)
	return out
}

func (f *mockFactory) runtime(tenant TenantID) *mockRuntime {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runtimes[tenant]
}

type sentMessage struct {
	ChannelID uint64
	Msg       *MessageSend
}

// mockDiscord is an in-memory DiscordClient.
type mockDiscord struct {
	mu             sync.Mutex
	guild          *Guild
	roles          []Role
	channels       map[uint64]*Channel
	members        map[uint64]*Member
	channelFetches int
	messages       []sentMessage
	banned         []uint64
	kicked         []uint64
}

func newMockDiscord(guildID uint64) *mockDiscord {
	return &mockDiscord{
		guild:    &Guild{ID: guildID, Name: "test", OwnerID: 1},
		channels: make(map[uint64]*Channel),
		members:  make(map[uint64]*Member),
	}
}

func (d *mockDiscord) Channel(ctx context.Context, channelID uint64) (*Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channelFetches++
	ch, ok := d.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("unknown channel %d", channelID)
	}
	return ch, nil
}

func (d *mockDiscord) Guild(ctx context.Context, guildID uint64) (*Guild, error) {
	return d.guild, nil
}

func (d *mockDiscord) GuildRoles(ctx context.Context, guildID uint64) ([]Role, error) {
	return d.roles, nil
}

func (d *mockDiscord) Member(ctx context.Context, guildID, userID uint64) (*Member, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.members[userID], nil
}

func (d *mockDiscord) CreateMessage(ctx context.Context, channelID uint64, msg *MessageSend) (*Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages = append(d.messages, sentMessage{ChannelID: channelID, Msg: msg})
	return &Message{ID: uint64(len(d.messages)), ChannelID: channelID, Content: msg.Content}, nil
}

func (d *mockDiscord) CreateChannel(ctx context.Context, guildID uint64, params map[string]any, reason string) (*Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := uint64(9000 + len(d.channels))
	ch := &Channel{ID: id, GuildID: guildID}
	d.channels[id] = ch
	return ch, nil
}

func (d *mockDiscord) EditChannel(ctx context.Context, channelID uint64, patch map[string]any, reason string) (*Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, ok := d.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("unknown channel %d", channelID)
	}
	if name, ok := patch["name"].(string); ok {
		ch.Name = name
	}
	return ch, nil
}

func (d *mockDiscord) DeleteChannel(ctx context.Context, channelID uint64, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.channels, channelID)
	return nil
}

func (d *mockDiscord) BanMember(ctx context.Context, guildID, userID uint64, deleteMessageSeconds int, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.banned = append(d.banned, userID)
	return nil
}

func (d *mockDiscord) KickMember(ctx context.Context, guildID, userID uint64, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.kicked = append(d.kicked, userID)
	return nil
}

func (d *mockDiscord) TimeoutMember(ctx context.Context, guildID, userID uint64, until *time.Time, reason string) error {
	return nil
}

func (d *mockDiscord) CreateInteractionResponse(ctx context.Context, interactionID uint64, token string, resp any) error {
	return nil
}

func (d *mockDiscord) AuditLog(ctx context.Context, guildID uint64, actionType, limit int) (json.RawMessage, error) {
	return json.RawMessage(`{"audit_log_entries":[]}`), nil
}

func (d *mockDiscord) sent() []sentMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]sentMessage, len(d.messages))
	copy(out, d.messages)
	return out
}

// mockObjectStore is an in-memory ObjectStore.
type mockObjectStore struct {
	mu      sync.Mutex
	buckets map[string]map[string][]byte
}

func newMockObjectStore() *mockObjectStore {
	return &mockObjectStore{buckets: make(map[string]map[string][]byte)}
}

func (s *mockObjectStore) List(ctx context.Context, bucket, prefix string) ([]ObjectMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ObjectMeta
	for path, blob := range s.buckets[bucket] {
		if len(path) >= len(prefix) && path[:len(prefix)] == prefix {
			out = append(out, ObjectMeta{Path: path, Size: int64(len(blob))})
		}
	}
	return out, nil
}

func (s *mockObjectStore) Exists(ctx context.Context, bucket, path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[bucket][path]
	return ok, nil
}

func (s *mockObjectStore) Download(ctx context.Context, bucket, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.buckets[bucket][path]
	if !ok {
		return nil, errNotFound("file " + path)
	}
	return blob, nil
}

func (s *mockObjectStore) Upload(ctx context.Context, bucket, path string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buckets[bucket] == nil {
		s.buckets[bucket] = make(map[string][]byte)
	}
	s.buckets[bucket][path] = append([]byte(nil), data...)
	return nil
}

func (s *mockObjectStore) Delete(ctx context.Context, bucket, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets[bucket], path)
	return nil
}

func (s *mockObjectStore) PresignGet(ctx context.Context, bucket, path string, expiry time.Duration) (string, error) {
	return "https://example.invalid/" + bucket + "/" + path, nil
}

// testConfig is a fast Config for tests.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.WaitTimeout = 2 * time.Second
	cfg.ExpiryTick = 20 * time.Millisecond
	return cfg
}

// testEnv assembles a store, pool and dispatcher over the mocks.
type testEnv struct {
	cfg        Config
	store      *Store
	templates  *TemplateStore
	deps       *HostDeps
	pool       *WorkerPool
	dispatcher *Dispatcher
	factory    *mockFactory
	discord    *mockDiscord
	objects    *mockObjectStore
	scheduler  *KeyExpiryScheduler
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	store, err := OpenMemoryStore()
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	log := slog.Default()
	factory := newMockFactory()
	discord := newMockDiscord(100)
	objects := newMockObjectStore()
	scheduler := NewKeyExpiryScheduler(store, cfg.ExpiryTick, WorkerFilter{}, log)

	registry := NewDataStoreRegistry()
	registry.Register(&StatsDataStore{Store: store})
	registry.Register(&LinksDataStore{SupportServerInvite: cfg.SupportServerInvite})

	deps := &HostDeps{
		Store:      store,
		Discord:    discord,
		Objects:    objects,
		Pages:      NewPageRegistry(),
		DataStores: registry,
		Expiry:     scheduler,
		Channels:   newChannelCache(),
		Log:        log,
	}
	templates := NewTemplateStore(store, cfg)
	pool := NewWorkerPool(cfg, factory.factory(), templates, deps, log)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
		pool.Close()
	})

	return &testEnv{
		cfg:        cfg,
		store:      store,
		templates:  templates,
		deps:       deps,
		pool:       pool,
		dispatcher: NewDispatcher(cfg, pool, templates, log),
		factory:    factory,
		discord:    discord,
		objects:    objects,
		scheduler:  scheduler,
	}
}

// putScript persists a script with sensible defaults and drops the
// template cache so the next dispatch sees it.
func (e *testEnv) putScript(t *testing.T, tenant TenantID, name string, events []string, caps []string) {
	t.Helper()
	sc := &Script{
		Name:        name,
		Tenant:      tenant,
		Bundle:      SourceBundle("return 1"),
		Events:      events,
		AllowedCaps: NewCapabilitySet(caps),
	}
	if err := e.store.PutScript(context.Background(), sc); err != nil {
		t.Fatalf("putting script %s: %v", name, err)
	}
	e.templates.Invalidate(tenant)
}

// hostFor builds a standalone HostContext for provider tests.
func (e *testEnv) hostFor(tenant TenantID, caps []string, limits map[string]FamilyLimits) *HostContext {
	if limits == nil {
		limits = DefaultLimits()
	}
	sc := &Script{
		Name:        "probe",
		Tenant:      tenant,
		Bundle:      SourceBundle("return 1"),
		AllowedCaps: NewCapabilitySet(caps),
	}
	return newHostContext(tenant, sc, e.cfg.Constraints, NewRatelimiter(limits), e.deps, nil)
}
