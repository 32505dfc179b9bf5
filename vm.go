package scriptrt

import (
	"context"
	"log/slog"
	"time"
)

// ScriptResult is one script's outcome for one dispatched event.
type ScriptResult struct {
	Script string
	Value  any
	Err    error
}

// VmMetrics is a point-in-time snapshot of one tenant VM.
type VmMetrics struct {
	Tenant       TenantID
	CreatedAt    time.Time
	LastActivity time.Time
	Dispatches   uint64
	Scripts      int
	Broken       bool
}

// TenantVM is one tenant's execution state: the scripting runtime, its
// per-script isolates, the per-VM ratelimiter and host contexts. A VM
// is owned by exactly one worker goroutine; nothing here locks.
type TenantVM struct {
	tenant    TenantID
	cfg       Config
	deps      *HostDeps
	templates *TemplateStore
	manager   *IsolateManager
	rl        *Ratelimiter
	hosts     map[string]*HostContext
	log       *slog.Logger

	torn       bool
	broken     bool
	createdAt  time.Time
	lastActive time.Time
	dispatches uint64
}

func newTenantVM(tenant TenantID, factory RuntimeFactory, cfg Config, deps *HostDeps, templates *TemplateStore, log *slog.Logger) (*TenantVM, error) {
	rt, err := factory(tenant)
	if err != nil {
		return nil, errBackend("creating runtime", err)
	}
	limits := cfg.Limits
	if limits == nil {
		limits = DefaultLimits()
	}
	now := time.Now()
	vm := &TenantVM{
		tenant:     tenant,
		cfg:        cfg,
		deps:       deps,
		templates:  templates,
		manager:    NewIsolateManager(rt),
		rl:         NewRatelimiter(limits),
		hosts:      make(map[string]*HostContext),
		log:        log.With("tenant", tenant.String()),
		createdAt:  now,
		lastActive: now,
	}
	vm.manager.SetOnBroken(func() {
		vm.broken = true
		vm.log.Warn("runtime broke, isolates dropped")
	})
	return vm, nil
}

func (vm *TenantVM) hostFor(sc *Script) *HostContext {
	if host, ok := vm.hosts[sc.Name]; ok && host.Script == sc {
		return host
	}
	host := newHostContext(vm.tenant, sc, vm.cfg.Constraints, vm.rl, vm.deps, func() bool {
		return vm.torn || vm.broken
	})
	vm.hosts[sc.Name] = host
	return host
}

// dispatch runs the event through every candidate script in template
// load order, one result per script. scopes, when non-empty, restricts
// candidates to the named scripts.
func (vm *TenantVM) dispatch(ctx context.Context, ev *Event, scopes []string) []ScriptResult {
	vm.lastActive = time.Now()
	vm.dispatches++

	var (
		candidates []*Script
		err        error
	)
	if len(scopes) > 0 {
		candidates, err = vm.templates.ForEventScoped(ctx, vm.tenant, ev.Name, scopes)
	} else {
		candidates, err = vm.templates.ForEvent(ctx, vm.tenant, ev.Name)
	}
	if err != nil {
		return []ScriptResult{{Err: errBackend("loading scripts", err)}}
	}

	results := make([]ScriptResult, 0, len(candidates))
	for _, sc := range candidates {
		value, evalErr := vm.evalScript(ctx, sc, ev)
		if evalErr != nil {
			vm.routeError(ctx, sc, ev, evalErr)
		}
		results = append(results, ScriptResult{Script: sc.Name, Value: value, Err: evalErr})
	}
	return results
}

// evalScript runs one script's callback under the per-evaluation wall
// clock cap.
func (vm *TenantVM) evalScript(ctx context.Context, sc *Script, ev *Event) (any, error) {
	if vm.broken {
		return nil, errRuntimeBroken()
	}
	iso, err := vm.manager.Get(sc, vm.hostFor(sc))
	if err != nil {
		return nil, errBackend("creating isolate", err)
	}
	if vm.cfg.MaxExecutionTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, vm.cfg.MaxExecutionTime)
		defer cancel()
	}
	value, err := iso.EvalEvent(ctx, ev)
	if vm.broken {
		return nil, errRuntimeBroken()
	}
	return value, err
}

// routeError reports a script failure: to the script's error channel as
// an embed when one is set, otherwise back into the script itself as a
// synthetic Error event. Errors raised while handling an Error event
// are only logged, so a faulty handler cannot loop.
func (vm *TenantVM) routeError(ctx context.Context, sc *Script, ev *Event, evalErr error) {
	if ev.Name == EventError {
		vm.log.Warn("error handler failed", "script", sc.Name, "err", evalErr)
		return
	}
	if sc.ErrorChannel != "" {
		vm.sendErrorEmbed(ctx, sc, ev, evalErr)
		return
	}
	errEv := newErrorEvent(sc.Name, evalErr.Error(), ev.Name)
	if !sc.SubscribesTo(errEv.Name) {
		vm.log.Warn("script error with no error route", "script", sc.Name, "event", ev.Name, "err", evalErr)
		return
	}
	if _, err := vm.evalScript(ctx, sc, errEv); err != nil {
		vm.log.Warn("error handler failed", "script", sc.Name, "err", err)
	}
}

func (vm *TenantVM) sendErrorEmbed(ctx context.Context, sc *Script, ev *Event, evalErr error) {
	channelID, err := parseSnowflake(sc.ErrorChannel)
	if err != nil {
		vm.log.Warn("bad error channel", "script", sc.Name, "channel", sc.ErrorChannel)
		return
	}
	desc := evalErr.Error()
	if len(desc) > 2048 {
		desc = desc[:2048]
	}
	embed := Embed{
		Title:       "Script Error",
		Description: desc,
		Color:       0xed4245,
		Fields: []EmbedField{
			{Name: "Script", Value: sc.Name, Inline: true},
			{Name: "Event", Value: ev.TitledName, Inline: true},
		},
	}
	if vm.cfg.SupportServerInvite != "" {
		embed.Fields = append(embed.Fields, EmbedField{
			Name:  "Need help?",
			Value: vm.cfg.SupportServerInvite,
		})
	}
	_, err = vm.deps.Discord.CreateMessage(ctx, channelID, &MessageSend{Embeds: []Embed{embed}})
	if err != nil {
		vm.log.Warn("error embed send failed", "script", sc.Name, "err", err)
	}
}

// runScript evaluates a bare source string in a disposable isolate with
// the wildcard capability set. Admin tooling only.
func (vm *TenantVM) runScript(ctx context.Context, name, source string) (any, error) {
	if vm.broken {
		return nil, errRuntimeBroken()
	}
	vm.lastActive = time.Now()
	sc := &Script{
		Name:        name,
		Tenant:      vm.tenant,
		Bundle:      SourceBundle(source),
		AllowedCaps: CapabilitySet{CapWildcard},
	}
	iso, err := vm.manager.Runtime().NewEphemeralIsolate(name, source, vm.hostFor(sc))
	if err != nil {
		return nil, errBackend("creating ephemeral isolate", err)
	}
	defer iso.Close()
	if vm.cfg.MaxExecutionTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, vm.cfg.MaxExecutionTime)
		defer cancel()
	}
	return iso.EvalEvent(ctx, NewCustomEvent("Run Script", "RunScript", nil))
}

// stop drops the isolates but keeps the runtime; the next dispatch
// recreates them from the template cache.
func (vm *TenantVM) stop() {
	vm.manager.Clear()
	clear(vm.hosts)
}

// close tears the VM down for good.
func (vm *TenantVM) close() {
	vm.torn = true
	vm.manager.Close()
	clear(vm.hosts)
	vm.deps.Pages.ClearTenant(vm.tenant)
}

func (vm *TenantVM) idleFor(now time.Time) time.Duration {
	return now.Sub(vm.lastActive)
}

func (vm *TenantVM) metrics() VmMetrics {
	return VmMetrics{
		Tenant:       vm.tenant,
		CreatedAt:    vm.createdAt,
		LastActivity: vm.lastActive,
		Dispatches:   vm.dispatches,
		Scripts:      len(vm.hosts),
		Broken:       vm.broken,
	}
}
