// Package crossmodule is the only sanctioned path for one module to touch
// another module's tables. A Registry holds the permission entries and a
// Mediator checks them, resolves physical names through the module table
// registry, runs the operation scoped to the caller's site and appends an
// access log entry.
package crossmodule

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Operation is what a permission grants on the target tables.
type Operation string

const (
	OpRead  Operation = "read"
	OpWrite Operation = "write"
)

// Wildcard matches any target module or table.
const Wildcard = "*"

// Permission lets Source perform Operations on Tables of Target.
type Permission struct {
	Source     string      `json:"source" yaml:"source"`
	Target     string      `json:"target" yaml:"target"`
	Tables     []string    `json:"tables" yaml:"tables"`
	Operations []Operation `json:"operations" yaml:"operations"`
}

// Allows reports whether p grants op on table of target to source.
func (p Permission) Allows(source, target, table string, op Operation) bool {
	if p.Source != source {
		return false
	}
	if p.Target != Wildcard && p.Target != target {
		return false
	}
	tableOK := false
	for _, t := range p.Tables {
		if t == Wildcard || t == table {
			tableOK = true
			break
		}
	}
	if !tableOK {
		return false
	}
	for _, o := range p.Operations {
		if o == op {
			return true
		}
	}
	return false
}

func (p Permission) validate() error {
	if p.Source == "" || p.Source == Wildcard {
		return fmt.Errorf("permission source must name a module")
	}
	if p.Target == "" {
		return fmt.Errorf("permission target is required")
	}
	if len(p.Tables) == 0 {
		return fmt.Errorf("permission %s -> %s lists no tables", p.Source, p.Target)
	}
	if len(p.Operations) == 0 {
		return fmt.Errorf("permission %s -> %s lists no operations", p.Source, p.Target)
	}
	for _, o := range p.Operations {
		if o != OpRead && o != OpWrite {
			return fmt.Errorf("unknown operation %q", o)
		}
	}
	return nil
}

type permKey struct{ source, target string }

// builtinPermissions ship with the platform. They are loaded once on first
// use and can be overridden per (source, target) at runtime.
var builtinPermissions = []Permission{
	{Source: "booking", Target: "crm", Tables: []string{"contacts", "companies"}, Operations: []Operation{OpRead}},
	{Source: "ecommerce", Target: "crm", Tables: []string{"contacts"}, Operations: []Operation{OpRead, OpWrite}},
	{Source: "crm", Target: "booking", Tables: []string{"appointments"}, Operations: []Operation{OpRead}},
	{Source: "automation", Target: Wildcard, Tables: []string{Wildcard}, Operations: []Operation{OpRead}},
}

// Registry is the process-wide set of cross-module permissions. The
// built-in list is loaded once; runtime and file entries are guarded by mu.
type Registry struct {
	once    sync.Once
	builtin []Permission

	mu      sync.RWMutex
	file    map[permKey]Permission
	runtime map[permKey]Permission
	removed map[permKey]bool
}

// NewRegistry creates a Registry seeded with the built-in permissions.
func NewRegistry() *Registry {
	return newRegistry(builtinPermissions)
}

func newRegistry(builtin []Permission) *Registry {
	return &Registry{
		builtin: builtin,
		file:    make(map[permKey]Permission),
		runtime: make(map[permKey]Permission),
		removed: make(map[permKey]bool),
	}
}

func (r *Registry) load() {
	r.once.Do(func() {
		valid := r.builtin[:0:0]
		for _, p := range r.builtin {
			if err := p.validate(); err != nil {
				slog.Error("crossmodule: invalid built-in permission", "source", p.Source, "target", p.Target, "error", err)
				continue
			}
			valid = append(valid, p)
		}
		r.builtin = valid
	})
}

// Check returns true when any effective permission allows the call.
// Absence of a matching entry is a deny.
func (r *Registry) Check(source, target, table string, op Operation) bool {
	for _, p := range r.List() {
		if p.Allows(source, target, table, op) {
			return true
		}
	}
	return false
}

// List returns the effective permissions. Runtime entries shadow file
// entries, which shadow built-ins, per (source, target).
func (r *Registry) List() []Permission {
	r.load()
	r.mu.RLock()
	defer r.mu.RUnlock()

	effective := make(map[permKey]Permission)
	for _, p := range r.builtin {
		effective[permKey{p.Source, p.Target}] = p
	}
	for k, p := range r.file {
		effective[k] = p
	}
	for k, p := range r.runtime {
		effective[k] = p
	}
	for k := range r.removed {
		delete(effective, k)
	}

	out := make([]Permission, 0, len(effective))
	for _, p := range effective {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Target < out[j].Target
	})
	return out
}

// Upsert adds or replaces the permission for (p.Source, p.Target).
func (r *Registry) Upsert(p Permission) error {
	if err := p.validate(); err != nil {
		return err
	}
	r.load()
	r.mu.Lock()
	defer r.mu.Unlock()
	k := permKey{p.Source, p.Target}
	r.runtime[k] = p
	delete(r.removed, k)
	return nil
}

// Remove revokes the permission for (source, target), including a built-in
// or file entry, until a later Upsert for the same pair. It reports whether
// an entry was in effect.
func (r *Registry) Remove(source, target string) bool {
	r.load()
	r.mu.Lock()
	defer r.mu.Unlock()
	k := permKey{source, target}
	existed := false
	if _, ok := r.runtime[k]; ok {
		existed = true
		delete(r.runtime, k)
	}
	if _, ok := r.file[k]; ok {
		existed = true
	}
	for _, p := range r.builtin {
		if p.Source == source && p.Target == target {
			existed = true
		}
	}
	if existed && !r.removed[k] {
		r.removed[k] = true
		return true
	}
	return false
}

// permissionFile is the YAML layout of crossmodule.permissions_file.
type permissionFile struct {
	Permissions []Permission `yaml:"permissions"`
}

// LoadFile replaces the file-sourced permissions with the contents of path.
// An invalid file leaves the previous entries in place.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read permissions file: %w", err)
	}
	var pf permissionFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("failed to parse permissions file: %w", err)
	}
	entries := make(map[permKey]Permission, len(pf.Permissions))
	for i, p := range pf.Permissions {
		if err := p.validate(); err != nil {
			return fmt.Errorf("permissions file entry %d: %w", i, err)
		}
		entries[permKey{p.Source, p.Target}] = p
	}

	r.load()
	r.mu.Lock()
	r.file = entries
	r.mu.Unlock()

	slog.Info("crossmodule: permissions file loaded", "path", path, "entries", len(entries))
	return nil
}

// Watch reloads path whenever it changes until ctx is done. The parent
// directory is watched so editors that replace the file are picked up.
func (r *Registry) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if err := r.LoadFile(path); err != nil {
					slog.Warn("crossmodule: permissions reload failed, keeping previous entries", "path", path, "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("crossmodule: file watcher error", "error", err)
			}
		}
	}()
	return nil
}
