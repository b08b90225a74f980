package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Config provides the configuration values transports need to connect. The
// interface keeps adapters decoupled from the core config package.
type Config interface {
	// GetTransport returns the adapter name, e.g. "inmem" or "redisstream".
	GetTransport() string

	GetApplicationName() string
	GetInstanceName() string

	// Redis Streams.
	GetRedisURL() string
}

// Builder creates a connected driver from config.
type Builder func(ctx context.Context, cfg Config, logger *slog.Logger) (Driver, error)

// Registry maintains a mapping of transport names to their builders.
// Transport packages register themselves using Register.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// DefaultRegistry is the global transport registry.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty transport registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register adds a transport builder to the registry. The name should match
// the Transport config value.
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = builder
}

// Build creates a driver using the registered builder for the config's
// transport name.
func (r *Registry) Build(ctx context.Context, cfg Config, logger *slog.Logger) (Driver, error) {
	if cfg == nil {
		return nil, fmt.Errorf("transport: config is required")
	}

	name := cfg.GetTransport()

	r.mu.RLock()
	builder, ok := r.builders[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("transport: unknown transport %q (registered: %v)", name, r.Names())
	}

	return builder(ctx, cfg, logger)
}

// Names returns the list of registered transport names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	return names
}

// Has returns true if a transport is registered with the given name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[name]
	return ok
}

// Register adds a transport builder to the default registry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// Build creates a driver using the default registry.
func Build(ctx context.Context, cfg Config, logger *slog.Logger) (Driver, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
