// Package hooks runs module lifecycle callbacks when a module is installed,
// uninstalled, enabled or disabled on a site. Hooks are authored against a
// module slug; callers may pass either the slug or the module UUID.
//
// Hook failures never propagate: errors and panics become a Result with
// Success false. A module without hooks succeeds with NoHookRegistered set.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/agencyos/module-platform/internal/db/models"
)

// Phase names a lifecycle transition.
type Phase string

const (
	PhaseInstall   Phase = "install"
	PhaseUninstall Phase = "uninstall"
	PhaseEnable    Phase = "enable"
	PhaseDisable   Phase = "disable"
)

// Context is passed to every hook.
type Context struct {
	ModuleID string
	Slug     string
	SiteID   string
	Settings map[string]interface{}
}

// Result describes what a hook did.
type Result struct {
	Success          bool                   `json:"success"`
	NoHookRegistered bool                   `json:"no_hook_registered,omitempty"`
	PagesCreated     []string               `json:"pages_created,omitempty"`
	NavItemsCreated  []string               `json:"nav_items_created,omitempty"`
	Errors           []string               `json:"errors,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// Func is one lifecycle callback.
type Func func(ctx context.Context, hc Context) (*Result, error)

// HookSet is what a module registers. OnEnable and OnDisable are optional.
type HookSet struct {
	OnInstall   Func
	OnUninstall Func
	OnEnable    Func
	OnDisable   Func
}

func (h HookSet) forPhase(p Phase) Func {
	switch p {
	case PhaseInstall:
		return h.OnInstall
	case PhaseUninstall:
		return h.OnUninstall
	case PhaseEnable:
		return h.OnEnable
	case PhaseDisable:
		return h.OnDisable
	}
	return nil
}

// ModuleLookup resolves a module by id or slug.
type ModuleLookup interface {
	GetModule(ctx context.Context, idOrSlug string) (*models.Module, error)
}

// Registry maps module slugs to hook sets.
type Registry struct {
	modules ModuleLookup

	once     sync.Once
	builtins func(*Registry)

	mu    sync.RWMutex
	hooks map[string]HookSet
}

// NewRegistry creates a Registry. builtins, when non-nil, runs once before
// the first lookup to register the platform's own hook sets.
func NewRegistry(modules ModuleLookup, builtins func(*Registry)) *Registry {
	return &Registry{
		modules:  modules,
		builtins: builtins,
		hooks:    make(map[string]HookSet),
	}
}

func (r *Registry) load() {
	r.once.Do(func() {
		if r.builtins != nil {
			r.builtins(r)
		}
	})
}

// Register installs or replaces the hook set for slug. It runs after the
// built-ins so a module can override the platform's own hooks.
func (r *Registry) Register(slug string, set HookSet) {
	r.load()
	r.register(slug, set)
}

func (r *Registry) register(slug string, set HookSet) {
	r.mu.Lock()
	r.hooks[slug] = set
	r.mu.Unlock()
}

// Has reports whether slug has a hook set.
func (r *Registry) Has(slug string) bool {
	r.load()
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.hooks[slug]
	return ok
}

// ExecuteInstallHook runs the install hook of the module.
func (r *Registry) ExecuteInstallHook(ctx context.Context, moduleIDOrSlug, siteID string, settings map[string]interface{}) *Result {
	return r.execute(ctx, PhaseInstall, moduleIDOrSlug, siteID, settings)
}

// ExecuteUninstallHook runs the uninstall hook. Uninstall hooks remove site
// content only; module data tables are kept.
func (r *Registry) ExecuteUninstallHook(ctx context.Context, moduleIDOrSlug, siteID string) *Result {
	return r.execute(ctx, PhaseUninstall, moduleIDOrSlug, siteID, nil)
}

// ExecuteEnableHook runs the optional enable hook.
func (r *Registry) ExecuteEnableHook(ctx context.Context, moduleIDOrSlug, siteID string) *Result {
	return r.execute(ctx, PhaseEnable, moduleIDOrSlug, siteID, nil)
}

// ExecuteDisableHook runs the optional disable hook.
func (r *Registry) ExecuteDisableHook(ctx context.Context, moduleIDOrSlug, siteID string) *Result {
	return r.execute(ctx, PhaseDisable, moduleIDOrSlug, siteID, nil)
}

// resolve returns the module id and slug for a reference. A UUID is looked
// up; anything else is taken as the slug.
func (r *Registry) resolve(ctx context.Context, ref string) (id, slug string, err error) {
	if _, perr := uuid.Parse(ref); perr != nil {
		id = ref
		if r.modules != nil {
			if mod, lerr := r.modules.GetModule(ctx, ref); lerr == nil && mod != nil {
				id = mod.ID
			}
		}
		return id, ref, nil
	}
	if r.modules == nil {
		return ref, ref, nil
	}
	mod, err := r.modules.GetModule(ctx, ref)
	if err != nil {
		return "", "", fmt.Errorf("failed to resolve module %s: %w", ref, err)
	}
	if mod == nil {
		return ref, ref, nil
	}
	return mod.ID, mod.Slug, nil
}

func (r *Registry) execute(ctx context.Context, phase Phase, ref, siteID string, settings map[string]interface{}) *Result {
	r.load()

	id, slug, err := r.resolve(ctx, ref)
	if err != nil {
		return &Result{Success: false, Errors: []string{err.Error()}}
	}

	r.mu.RLock()
	set, ok := r.hooks[slug]
	r.mu.RUnlock()

	var fn Func
	if ok {
		fn = set.forPhase(phase)
	}
	if fn == nil {
		return &Result{Success: true, NoHookRegistered: true, Metadata: map[string]interface{}{"slug": slug, "phase": string(phase)}}
	}

	hc := Context{ModuleID: id, Slug: slug, SiteID: siteID, Settings: settings}
	res := run(ctx, fn, hc)
	if !res.Success {
		slog.Warn("lifecycle hook failed", "phase", string(phase), "slug", slug, "site_id", siteID, "errors", res.Errors)
	} else {
		slog.Info("lifecycle hook ran", "phase", string(phase), "slug", slug, "site_id", siteID,
			"pages", len(res.PagesCreated), "nav_items", len(res.NavItemsCreated))
	}
	return res
}

// run invokes fn and folds errors and panics into the Result.
func run(ctx context.Context, fn Func, hc Context) (res *Result) {
	defer func() {
		if p := recover(); p != nil {
			res = &Result{Success: false, Errors: []string{fmt.Sprintf("hook panicked: %v", p)}}
		}
	}()

	out, err := fn(ctx, hc)
	if out == nil {
		out = &Result{Success: true}
	}
	if err != nil {
		out.Success = false
		out.Errors = append(out.Errors, err.Error())
	}
	if len(out.Errors) > 0 {
		out.Success = false
	}
	return out
}
