package storage

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a Storage from a backend config.
type Factory interface {
	Create(config StorageConfig) (Storage, error)
	GetType() string
}

type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

func (r *Registry) Register(storageType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[storageType] = factory
}

func (r *Registry) Create(config StorageConfig) (Storage, error) {
	if config == nil {
		return nil, fmt.Errorf("storage config is required")
	}
	r.mu.RLock()
	factory, exists := r.factories[config.GetType()]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("storage type %s not registered", config.GetType())
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s config: %w", config.GetType(), err)
	}

	return factory.Create(config)
}

// GetAvailableTypes returns registered types in sorted order.
func (r *Registry) GetAvailableTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for storageType := range r.factories {
		types = append(types, storageType)
	}
	sort.Strings(types)
	return types
}

// IsRegistered reports whether a factory exists for storageType.
func (r *Registry) IsRegistered(storageType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.factories[storageType]
	return exists
}

var DefaultRegistry = NewRegistry()

func Register(storageType string, factory Factory) {
	DefaultRegistry.Register(storageType, factory)
}

func Create(config StorageConfig) (Storage, error) {
	return DefaultRegistry.Create(config)
}

func GetAvailableTypes() []string {
	return DefaultRegistry.GetAvailableTypes()
}

func IsRegistered(storageType string) bool {
	return DefaultRegistry.IsRegistered(storageType)
}
