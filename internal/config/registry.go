package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/voidlink/pkg/audio"
	"github.com/MrWong99/voidlink/pkg/provider/s2s"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested name.
var ErrNotRegistered = errors.New("config: factory not registered")

// TransportFactory builds an s2s provider from its configuration. The API key
// is already resolved.
type TransportFactory func(cfg TransportConfig, apiKey string) (s2s.Provider, error)

// BackendFactory builds an audio device backend.
type BackendFactory func(cfg AudioConfig) (audio.Backend, error)

// Registry maps transport and audio backend names to their constructors.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	transport map[string]TransportFactory
	backend   map[string]BackendFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		transport: make(map[string]TransportFactory),
		backend:   make(map[string]BackendFactory),
	}
}

// RegisterTransport registers a transport factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTransport(name string, factory TransportFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transport[name] = factory
}

// RegisterBackend registers an audio backend factory under name.
func (r *Registry) RegisterBackend(name string, factory BackendFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backend[name] = factory
}

// CreateTransport instantiates the transport named by cfg.Name with the
// credential from [TransportConfig.ResolveAPIKey]. A missing credential is
// not an error here; the provider reports it on Connect.
func (r *Registry) CreateTransport(cfg TransportConfig) (s2s.Provider, error) {
	r.mu.RLock()
	f, ok := r.transport[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transport/%q", ErrNotRegistered, cfg.Name)
	}
	return f(cfg, cfg.ResolveAPIKey())
}

// CreateBackend instantiates the audio backend named by cfg.Backend.
func (r *Registry) CreateBackend(cfg AudioConfig) (audio.Backend, error) {
	r.mu.RLock()
	f, ok := r.backend[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: audio/%q", ErrNotRegistered, cfg.Backend)
	}
	return f(cfg)
}

// Names reports the registered transport and backend names.
func (r *Registry) Names() (transports, backends []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for n := range r.transport {
		transports = append(transports, n)
	}
	for n := range r.backend {
		backends = append(backends, n)
	}
	return transports, backends
}
