package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/agencyos/module-platform/internal/config"
)

// FactoryFunc builds a backend from the application configuration
type FactoryFunc func(*config.Config) (Storage, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]FactoryFunc)
)

// Register makes a backend available under name. Registering the same name
// twice replaces the earlier factory.
func Register(name string, factory FactoryFunc) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[strings.ToLower(name)] = factory
}

// Backends lists the registered backend names in sorted order
func Backends() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewStorage creates the backend selected by storage.default_backend
func NewStorage(cfg *config.Config) (Storage, error) {
	name := strings.ToLower(cfg.Storage.DefaultBackend)
	factoriesMu.RLock()
	factory, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported storage backend %q (registered: %s)", cfg.Storage.DefaultBackend, strings.Join(Backends(), ", "))
	}
	return factory(cfg)
}

// Open creates the configured backend and, when it supports it, makes sure
// its container exists before module buckets are written into it.
func Open(ctx context.Context, cfg *config.Config) (Storage, error) {
	s, err := NewStorage(cfg)
	if err != nil {
		return nil, err
	}
	if ensurer, ok := s.(ContainerEnsurer); ok {
		if err := ensurer.EnsureContainer(ctx); err != nil {
			return nil, fmt.Errorf("failed to prepare %s storage container: %w", cfg.Storage.DefaultBackend, err)
		}
	}
	return s, nil
}
