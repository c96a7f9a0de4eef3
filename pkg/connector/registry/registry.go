// Package registry manages driver registration and instantiation. Drivers
// self-register from their package init; the CLI creates instances by name.
package registry

import (
	"sync"

	"go.uber.org/zap"

	"github.com/adlake/adlake/pkg/config"
	"github.com/adlake/adlake/pkg/connector/core"
	"github.com/adlake/adlake/pkg/errors"
	"github.com/adlake/adlake/pkg/logger"
)

// SourceFactory creates a configured source driver.
type SourceFactory func(cfg *config.BaseConfig) (core.Source, error)

// SinkFactory creates a configured row sink.
type SinkFactory func(cfg *config.BaseConfig) (core.RowSink, error)

// Registry maps driver names to factories.
type Registry struct {
	sources map[string]SourceFactory
	sinks   map[string]SinkFactory
	mu      sync.RWMutex
	logger  *zap.Logger
}

var globalRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]SourceFactory),
		sinks:   make(map[string]SinkFactory),
		logger:  logger.Get().With(zap.String("component", "connector_registry")),
	}
}

// RegisterSource registers a source factory under name.
func (r *Registry) RegisterSource(name string, factory SourceFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sources[name]; exists {
		return errors.Newf(errors.ErrorTypeConfig, "source %s already registered", name)
	}
	r.sources[name] = factory
	return nil
}

// RegisterSink registers a sink factory under name.
func (r *Registry) RegisterSink(name string, factory SinkFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sinks[name]; exists {
		return errors.Newf(errors.ErrorTypeConfig, "sink %s already registered", name)
	}
	r.sinks[name] = factory
	return nil
}

// CreateSource instantiates the named source driver.
func (r *Registry) CreateSource(name string, cfg *config.BaseConfig) (core.Source, error) {
	r.mu.RLock()
	factory, exists := r.sources[name]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.Newf(errors.ErrorTypeConfig, "source %s not found", name)
	}

	src, err := factory(cfg)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeConfig, "failed to create source %s", name)
	}
	return src, nil
}

// CreateSink instantiates the named sink.
func (r *Registry) CreateSink(name string, cfg *config.BaseConfig) (core.RowSink, error) {
	r.mu.RLock()
	factory, exists := r.sinks[name]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.Newf(errors.ErrorTypeConfig, "sink %s not found", name)
	}

	sink, err := factory(cfg)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeConfig, "failed to create sink %s", name)
	}
	return sink, nil
}

// ListSources returns the registered source names.
func (r *Registry) ListSources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	return names
}

// ListSinks returns the registered sink names.
func (r *Registry) ListSinks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.sinks))
	for name := range r.sinks {
		names = append(names, name)
	}
	return names
}

// Global registry functions

// RegisterSource registers a source factory in the global registry.
func RegisterSource(name string, factory SourceFactory) error {
	return globalRegistry.RegisterSource(name, factory)
}

// RegisterSink registers a sink factory in the global registry.
func RegisterSink(name string, factory SinkFactory) error {
	return globalRegistry.RegisterSink(name, factory)
}

// CreateSource creates a source from the global registry.
func CreateSource(name string, cfg *config.BaseConfig) (core.Source, error) {
	return globalRegistry.CreateSource(name, cfg)
}

// CreateSink creates a sink from the global registry.
func CreateSink(name string, cfg *config.BaseConfig) (core.RowSink, error) {
	return globalRegistry.CreateSink(name, cfg)
}

// ListSources returns registered sources from the global registry.
func ListSources() []string {
	return globalRegistry.ListSources()
}

// ListSinks returns registered sinks from the global registry.
func ListSinks() []string {
	return globalRegistry.ListSinks()
}
