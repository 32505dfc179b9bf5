package scriptrt

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Options configures an Engine. Store, Runtime and Discord are
// required; everything else has a working default.
type Options struct {
	Config     Config
	Store      *Store
	Runtime    RuntimeFactory
	Discord    DiscordClient
	Objects    ObjectStore
	Members    MemberSource
	Lockdowns  LockdownManager
	DataStores []DataStore
	HTTPClient *http.Client
	Filter     WorkerFilter
	Logger     *slog.Logger
}

// Engine is the assembled runtime: store, template cache, key expiry
// scheduler, worker pool, dispatcher, settings bridge and startup
// replay, wired together and lifecycle-managed as one unit.
type Engine struct {
	cfg        Config
	store      *Store
	deps       *HostDeps
	templates  *TemplateStore
	scheduler  *KeyExpiryScheduler
	pool       *WorkerPool
	dispatcher *Dispatcher
	settings   *SettingsBridge
	resume     *ResumeDispatcher
	log        *slog.Logger

	startOnce sync.Once
	stop      context.CancelFunc
	wg        sync.WaitGroup
}

// New assembles an engine. Nothing runs until Start.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("engine: Store is required")
	}
	if opts.Runtime == nil {
		return nil, fmt.Errorf("engine: Runtime is required")
	}
	if opts.Discord == nil {
		return nil, fmt.Errorf("engine: Discord is required")
	}
	cfg := opts.Config
	if cfg.Workers <= 0 {
		cfg = DefaultConfig()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	scheduler := NewKeyExpiryScheduler(opts.Store, cfg.ExpiryTick, opts.Filter, log)

	registry := NewDataStoreRegistry()
	registry.Register(&StatsDataStore{Store: opts.Store})
	registry.Register(&LinksDataStore{SupportServerInvite: cfg.SupportServerInvite})
	for _, ds := range opts.DataStores {
		registry.Register(ds)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	deps := &HostDeps{
		Store:      opts.Store,
		Discord:    opts.Discord,
		Objects:    opts.Objects,
		Members:    opts.Members,
		Lockdowns:  opts.Lockdowns,
		Pages:      NewPageRegistry(),
		DataStores: registry,
		Expiry:     scheduler,
		Channels:   newChannelCache(),
		HTTP:       httpClient,
		Log:        log,
	}

	templates := NewTemplateStore(opts.Store, cfg)
	pool := NewWorkerPool(cfg, opts.Runtime, templates, deps, log)
	dispatcher := NewDispatcher(cfg, pool, templates, log)

	return &Engine{
		cfg:        cfg,
		store:      opts.Store,
		deps:       deps,
		templates:  templates,
		scheduler:  scheduler,
		pool:       pool,
		dispatcher: dispatcher,
		settings:   NewSettingsBridge(dispatcher, deps.Pages, log),
		resume:     NewResumeDispatcher(opts.Store, dispatcher, opts.Filter, log),
		log:        log,
	}, nil
}

// Start launches the pool, the expiry scheduler and its broker, and
// replays startup state in the background. Idempotent.
func (e *Engine) Start(ctx context.Context) error {
	var err error
	e.startOnce.Do(func() {
		ctx, e.stop = context.WithCancel(ctx)
		e.pool.Start(ctx)
		if err = e.scheduler.RepopulateAll(ctx); err != nil {
			return
		}
		e.wg.Add(2)
		go func() {
			defer e.wg.Done()
			e.scheduler.Run(ctx)
		}()
		go func() {
			defer e.wg.Done()
			e.dispatcher.RunExpiryBroker(ctx, e.scheduler, e.store)
		}()
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if rerr := e.resume.Run(ctx, "worker_start"); rerr != nil {
				e.log.Warn("startup replay failed", "err", rerr)
			}
		}()
	})
	return err
}

// Shutdown stops the background goroutines and tears down every VM.
// The store belongs to the caller and stays open.
func (e *Engine) Shutdown() {
	if e.stop != nil {
		e.stop()
	}
	e.pool.Close()
	e.wg.Wait()
}

// Dispatcher returns the event entry point.
func (e *Engine) Dispatcher() *Dispatcher { return e.dispatcher }

// Settings returns the dashboard settings bridge.
func (e *Engine) Settings() *SettingsBridge { return e.settings }

// Pool returns the worker pool for lifecycle operations.
func (e *Engine) Pool() *WorkerPool { return e.pool }

// Templates returns the template cache.
func (e *Engine) Templates() *TemplateStore { return e.templates }

// Store returns the persistent store.
func (e *Engine) Store() *Store { return e.store }

// SaveScript persists a script, rebuilds the tenant's template cache,
// drops its isolates so the next dispatch runs the new code, and
// replays the tenant's startup state.
func (e *Engine) SaveScript(ctx context.Context, sc *Script) error {
	if err := e.store.PutScript(ctx, sc); err != nil {
		return err
	}
	return e.reloadTenant(ctx, sc.Tenant)
}

// DeleteScript removes a script and reloads the tenant.
func (e *Engine) DeleteScript(ctx context.Context, tenant TenantID, name string) error {
	if err := e.store.DeleteScript(ctx, tenant, name); err != nil {
		return err
	}
	e.deps.Pages.Delete(tenant, name)
	return e.reloadTenant(ctx, tenant)
}

func (e *Engine) reloadTenant(ctx context.Context, tenant TenantID) error {
	e.templates.Invalidate(tenant)
	if err := e.pool.StopTenant(ctx, tenant); err != nil {
		return err
	}
	// A cache rebuild replays startup state: OnStartup first, then a
	// KeyResume per resumable KV record.
	return e.resume.ResumeTenant(ctx, tenant, "template_update")
}
