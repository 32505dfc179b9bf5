package scriptrt

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"
)

type controlKind int

const (
	ctlPing controlKind = iota
	ctlClearInactive
	ctlRemoveTenant
	ctlRemoveIfUnused
	ctlMetrics
	ctlRunScript
	ctlStopTenant
)

type dispatchReq struct {
	tenant TenantID
	ev     *Event
	scopes []string
	// reply receives the per-script results; nil for fire-and-forget.
	// Always buffered so a worker never blocks on a departed waiter.
	reply chan []ScriptResult
}

type controlReq struct {
	kind      controlKind
	tenant    TenantID
	threshold time.Duration
	name      string
	source    string
	reply     chan controlResp
}

type controlResp struct {
	metrics []VmMetrics
	value   any
	removed bool
	err     error
}

// worker owns a shard of tenants. All VM state is confined to its
// goroutine; the channels are the only way in.
type worker struct {
	id         int
	pool       *WorkerPool
	vms        map[TenantID]*TenantVM
	dispatches chan dispatchReq
	controls   chan controlReq
	log        *slog.Logger
}

func (w *worker) run(ctx context.Context) {
	defer func() {
		for tenant, vm := range w.vms {
			vm.close()
			delete(w.vms, tenant)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-w.controls:
			w.handleControl(ctx, req)
		case req := <-w.dispatches:
			w.handleDispatch(ctx, req)
		}
	}
}

// vm returns the tenant's VM, creating one on first use. A broken VM is
// torn down and replaced.
func (w *worker) vm(tenant TenantID) (*TenantVM, error) {
	if vm, ok := w.vms[tenant]; ok {
		if !vm.broken {
			return vm, nil
		}
		vm.close()
		delete(w.vms, tenant)
	}
	vm, err := newTenantVM(tenant, w.pool.factory, w.pool.cfg, w.pool.deps, w.pool.templates, w.log)
	if err != nil {
		return nil, err
	}
	w.vms[tenant] = vm
	return vm, nil
}

func (w *worker) handleDispatch(ctx context.Context, req dispatchReq) {
	vm, err := w.vm(req.tenant)
	if err != nil {
		if req.reply != nil {
			req.reply <- []ScriptResult{{Err: err}}
		}
		w.log.Error("vm creation failed", "tenant", req.tenant.String(), "err", err)
		return
	}
	results := vm.dispatch(ctx, req.ev, req.scopes)
	if req.reply != nil {
		req.reply <- results
	}
}

func (w *worker) handleControl(ctx context.Context, req controlReq) {
	var resp controlResp
	switch req.kind {
	case ctlPing:
	case ctlClearInactive:
		now := time.Now()
		for tenant, vm := range w.vms {
			if vm.idleFor(now) >= req.threshold {
				vm.close()
				delete(w.vms, tenant)
			}
		}
	case ctlRemoveTenant:
		if vm, ok := w.vms[req.tenant]; ok {
			vm.close()
			delete(w.vms, req.tenant)
			resp.removed = true
		}
	case ctlRemoveIfUnused:
		if vm, ok := w.vms[req.tenant]; ok && vm.idleFor(time.Now()) >= req.threshold {
			vm.close()
			delete(w.vms, req.tenant)
			resp.removed = true
		}
	case ctlStopTenant:
		if vm, ok := w.vms[req.tenant]; ok {
			vm.stop()
		}
	case ctlMetrics:
		for _, vm := range w.vms {
			resp.metrics = append(resp.metrics, vm.metrics())
		}
	case ctlRunScript:
		vm, err := w.vm(req.tenant)
		if err != nil {
			resp.err = err
			break
		}
		resp.value, resp.err = vm.runScript(ctx, req.name, req.source)
	}
	if req.reply != nil {
		req.reply <- resp
	}
}

// WorkerPool routes tenants to a fixed set of worker goroutines by a
// stable hash, so one tenant's state is always touched by the same
// goroutine.
type WorkerPool struct {
	cfg       Config
	factory   RuntimeFactory
	templates *TemplateStore
	deps      *HostDeps
	log       *slog.Logger
	workers   []*worker

	startOnce sync.Once
	stop      context.CancelFunc
	wg        sync.WaitGroup
}

// NewWorkerPool builds the pool; Start launches it.
func NewWorkerPool(cfg Config, factory RuntimeFactory, templates *TemplateStore, deps *HostDeps, log *slog.Logger) *WorkerPool {
	if log == nil {
		log = slog.Default()
	}
	p := &WorkerPool{
		cfg:       cfg,
		factory:   factory,
		templates: templates,
		deps:      deps,
		log:       log,
	}
	for i := 0; i < cfg.Workers; i++ {
		p.workers = append(p.workers, &worker{
			id:         i,
			pool:       p,
			vms:        make(map[TenantID]*TenantVM),
			dispatches: make(chan dispatchReq, 128),
			controls:   make(chan controlReq, 16),
			log:        log.With("worker", i),
		})
	}
	return p
}

// Start launches the worker goroutines. Idempotent.
func (p *WorkerPool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		ctx, p.stop = context.WithCancel(ctx)
		for _, w := range p.workers {
			p.wg.Add(1)
			go func(w *worker) {
				defer p.wg.Done()
				w.run(ctx)
			}(w)
		}
	})
}

// Close stops the workers and waits for their VMs to tear down.
func (p *WorkerPool) Close() {
	if p.stop != nil {
		p.stop()
	}
	p.wg.Wait()
}

// workerFor maps a tenant to its worker. FNV-1a over the stored form;
// the mapping is stable for the life of the pool.
func (p *WorkerPool) workerFor(tenant TenantID) *worker {
	h := fnv.New32a()
	h.Write([]byte(tenant.String()))
	return p.workers[h.Sum32()%uint32(len(p.workers))]
}

// send enqueues a dispatch on the tenant's worker. The returned channel
// carries the per-script results; nil when wait is false.
func (p *WorkerPool) send(ctx context.Context, tenant TenantID, ev *Event, scopes []string, wait bool) (<-chan []ScriptResult, error) {
	var reply chan []ScriptResult
	if wait {
		reply = make(chan []ScriptResult, 1)
	}
	req := dispatchReq{tenant: tenant, ev: ev, scopes: scopes, reply: reply}
	select {
	case p.workerFor(tenant).dispatches <- req:
		return reply, nil
	case <-ctx.Done():
		return nil, errCancelledCtx(ctx)
	}
}

func errCancelledCtx(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return errTimedOut()
	}
	return errBackend("dispatch", ctx.Err())
}

func (p *WorkerPool) control(ctx context.Context, w *worker, req controlReq) (controlResp, error) {
	req.reply = make(chan controlResp, 1)
	select {
	case w.controls <- req:
	case <-ctx.Done():
		return controlResp{}, errCancelledCtx(ctx)
	}
	select {
	case resp := <-req.reply:
		return resp, nil
	case <-ctx.Done():
		return controlResp{}, errCancelledCtx(ctx)
	}
}

// Ping round-trips every worker; a stuck worker turns into a ctx error.
func (p *WorkerPool) Ping(ctx context.Context) error {
	for _, w := range p.workers {
		if _, err := p.control(ctx, w, controlReq{kind: ctlPing}); err != nil {
			return err
		}
	}
	return nil
}

// ClearInactive evicts every VM idle for at least threshold.
func (p *WorkerPool) ClearInactive(ctx context.Context, threshold time.Duration) error {
	for _, w := range p.workers {
		if _, err := p.control(ctx, w, controlReq{kind: ctlClearInactive, threshold: threshold}); err != nil {
			return err
		}
	}
	return nil
}

// RemoveTenant evicts the tenant's VM unconditionally.
func (p *WorkerPool) RemoveTenant(ctx context.Context, tenant TenantID) (bool, error) {
	resp, err := p.control(ctx, p.workerFor(tenant), controlReq{kind: ctlRemoveTenant, tenant: tenant})
	return resp.removed, err
}

// RemoveIfUnused evicts the tenant's VM when idle for at least threshold.
func (p *WorkerPool) RemoveIfUnused(ctx context.Context, tenant TenantID, threshold time.Duration) (bool, error) {
	resp, err := p.control(ctx, p.workerFor(tenant), controlReq{kind: ctlRemoveIfUnused, tenant: tenant, threshold: threshold})
	return resp.removed, err
}

// StopTenant drops the tenant's isolates but keeps the VM; the next
// dispatch rebuilds them from the template cache.
func (p *WorkerPool) StopTenant(ctx context.Context, tenant TenantID) error {
	_, err := p.control(ctx, p.workerFor(tenant), controlReq{kind: ctlStopTenant, tenant: tenant})
	return err
}

// Metrics gathers a snapshot of every live VM.
func (p *WorkerPool) Metrics(ctx context.Context) ([]VmMetrics, error) {
	var out []VmMetrics
	for _, w := range p.workers {
		resp, err := p.control(ctx, w, controlReq{kind: ctlMetrics})
		if err != nil {
			return nil, err
		}
		out = append(out, resp.metrics...)
	}
	return out, nil
}

// RunScript evaluates a bare source string on the tenant's VM with the
// wildcard capability set. Admin tooling only.
func (p *WorkerPool) RunScript(ctx context.Context, tenant TenantID, name, source string) (any, error) {
	resp, err := p.control(ctx, p.workerFor(tenant), controlReq{kind: ctlRunScript, tenant: tenant, name: name, source: source})
	if err != nil {
		return nil, err
	}
	return resp.value, resp.err
}
