package scriptrt

import "sync"

// SettingField is one input column of a setting.
type SettingField struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Type     string `json:"type"` // "string", "number", "boolean", "channel", "role", ...
	Required bool   `json:"required,omitempty"`
	Hint     string `json:"hint,omitempty"`
}

// Setting is one operable table of a settings page. Operations is the
// subset of "view", "create", "update", "delete" the script serves.
type Setting struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Operations  []string       `json:"operations"`
	Fields      []SettingField `json:"fields"`
}

// Page is the settings page a script registers for the dashboard.
type Page struct {
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Settings    []Setting `json:"settings"`
}

func validatePage(p *Page) error {
	if p == nil {
		return errInvalidInput("page", "must not be nil")
	}
	if p.Title == "" {
		return errInvalidInput("title", "must not be empty")
	}
	seen := make(map[string]bool, len(p.Settings))
	for _, s := range p.Settings {
		if s.ID == "" {
			return errInvalidInput("setting.id", "must not be empty")
		}
		if seen[s.ID] {
			return errInvalidInput("setting.id", "duplicate id "+s.ID)
		}
		seen[s.ID] = true
		for _, op := range s.Operations {
			switch op {
			case "view", "create", "update", "delete":
			default:
				return errInvalidInput("setting.operations", "unknown operation "+op)
			}
		}
	}
	return nil
}

// PageRegistry holds the registered settings pages, keyed by tenant and
// script name. Pages are in-memory only; a script re-registers its page
// on OnStartup.
type PageRegistry struct {
	mu    sync.Mutex
	pages map[TenantID]map[string]*Page
}

// NewPageRegistry creates an empty registry.
func NewPageRegistry() *PageRegistry {
	return &PageRegistry{pages: make(map[TenantID]map[string]*Page)}
}

// Set registers (or replaces) a script's page.
func (r *PageRegistry) Set(tenant TenantID, script string, page *Page) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byScript, ok := r.pages[tenant]
	if !ok {
		byScript = make(map[string]*Page)
		r.pages[tenant] = byScript
	}
	byScript[script] = page
}

// Get returns a script's page, or nil.
func (r *PageRegistry) Get(tenant TenantID, script string) *Page {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pages[tenant][script]
}

// Delete removes a script's page.
func (r *PageRegistry) Delete(tenant TenantID, script string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if byScript, ok := r.pages[tenant]; ok {
		delete(byScript, script)
		if len(byScript) == 0 {
			delete(r.pages, tenant)
		}
	}
}

// ForTenant returns the tenant's pages keyed by script name.
func (r *PageRegistry) ForTenant(tenant TenantID) map[string]*Page {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*Page, len(r.pages[tenant]))
	for name, p := range r.pages[tenant] {
		out[name] = p
	}
	return out
}

// ClearTenant drops every page of the tenant; called when its VM is
// evicted so stale pages never outlive their scripts.
func (r *PageRegistry) ClearTenant(tenant TenantID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pages, tenant)
}

// PagesProvider is the gated settings-page surface. A script can only
// touch its own page.
type PagesProvider struct {
	ctx *HostContext
}

// SetPage registers the script's settings page.
func (p *PagesProvider) SetPage(page *Page) error {
	if err := p.ctx.gate("page", "set", "set"); err != nil {
		return err
	}
	if err := validatePage(page); err != nil {
		return err
	}
	p.ctx.deps.Pages.Set(p.ctx.Tenant, p.ctx.Script.Name, page)
	return nil
}

// GetPage returns the script's own page, or nil.
func (p *PagesProvider) GetPage() (*Page, error) {
	if err := p.ctx.gate("page", "get", "get"); err != nil {
		return nil, err
	}
	return p.ctx.deps.Pages.Get(p.ctx.Tenant, p.ctx.Script.Name), nil
}

// DeletePage removes the script's own page.
func (p *PagesProvider) DeletePage() error {
	if err := p.ctx.gate("page", "delete", "delete"); err != nil {
		return err
	}
	p.ctx.deps.Pages.Delete(p.ctx.Tenant, p.ctx.Script.Name)
	return nil
}
