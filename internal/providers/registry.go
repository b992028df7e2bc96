package providers

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/engine"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

// modelCacheTTL bounds how long the merged model list is served from memory.
const modelCacheTTL = 5 * time.Minute

// Registry resolves configured provider clients by id. The first configured
// provider is the default.
type Registry struct {
	clients map[string]*Client
	order   []string

	mu        sync.Mutex
	cached    []models.ModelInfo
	cachedAt  time.Time
}

// NewRegistry builds a client per configured provider over the shared retry
// client.
func NewRegistry(cfg *config.Config, rc *RetryClient, logger *observability.Logger) (*Registry, error) {
	r := &Registry{clients: make(map[string]*Client, len(cfg.Providers))}
	for _, pc := range cfg.Providers {
		client, err := NewClient(pc, rc, logger)
		if err != nil {
			return nil, err
		}
		r.clients[pc.ID] = client
		r.order = append(r.order, pc.ID)
	}
	return r, nil
}

// Get resolves a provider id; an empty id selects the default provider.
func (r *Registry) Get(id string) (*Client, error) {
	if id == "" {
		if len(r.order) == 0 {
			return nil, engine.NewError(engine.KindInvalidConfig, "no providers configured")
		}
		id = r.order[0]
	}
	client, ok := r.clients[id]
	if !ok {
		return nil, engine.NewError(engine.KindInvalidRequest, "unknown provider %q", id)
	}
	return client, nil
}

// IDs returns the configured provider ids in configuration order.
func (r *Registry) IDs() []string {
	return append([]string(nil), r.order...)
}

// ListModels merges the model lists of all providers, served from a TTL
// cache. Providers that fail to answer are skipped rather than failing the
// whole list.
func (r *Registry) ListModels(ctx context.Context) ([]models.ModelInfo, error) {
	r.mu.Lock()
	if r.cached != nil && time.Since(r.cachedAt) < modelCacheTTL {
		cached := r.cached
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	var merged []models.ModelInfo
	for _, id := range r.order {
		infos, err := r.clients[id].ListModels(ctx)
		if err != nil {
			continue
		}
		merged = append(merged, infos...)
	}

	r.mu.Lock()
	r.cached = merged
	r.cachedAt = time.Now()
	r.mu.Unlock()
	return merged, nil
}
