package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/toolgate/internal/builtin/summarize"
	"github.com/MrWong99/toolgate/pkg/knowledge/embed"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider kind. It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	embeddings  map[string]func(ProviderEntry) (embed.Client, error)
	summarizers map[string]func(ProviderEntry) (summarize.Completer, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		embeddings:  make(map[string]func(ProviderEntry) (embed.Client, error)),
		summarizers: make(map[string]func(ProviderEntry) (summarize.Completer, error)),
	}
}

// RegisterEmbeddings registers an embeddings client factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterEmbeddings(name string, factory func(ProviderEntry) (embed.Client, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// RegisterSummarizer registers a summarize completion backend factory under name.
func (r *Registry) RegisterSummarizer(name string, factory func(ProviderEntry) (summarize.Completer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summarizers[name] = factory
}

// CreateEmbeddings instantiates an embeddings client using the factory
// registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embed.Client, error) {
	r.mu.RLock()
	factory, ok := r.embeddings[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateSummarizer instantiates a summarize completion backend using the
// factory registered under entry.Name.
func (r *Registry) CreateSummarizer(entry ProviderEntry) (summarize.Completer, error) {
	r.mu.RLock()
	factory, ok := r.summarizers[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: summarize/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
