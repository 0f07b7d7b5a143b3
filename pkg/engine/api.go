package engine

import (
	"context"
	"fmt"

	"github.com/developer-mesh/context-engine/pkg/layers"
	"github.com/developer-mesh/context-engine/pkg/models"
	"github.com/developer-mesh/context-engine/pkg/resolver"
	"github.com/developer-mesh/context-engine/pkg/tiered"
)

// ResolveContext merges the layers named by req as seen by requester
func (e *Engine) ResolveContext(ctx context.Context, requester models.PrivacyScope, req resolver.Request) (*models.ResolvedContext, error) {
	return e.resolver.Resolve(ctx, requester, req)
}

// CacheLookup returns the cached entry for key, or the most similar entry
// when embedding is given. A miss is nil, nil.
func (e *Engine) CacheLookup(ctx context.Context, requester models.PrivacyScope, key string, embedding []float32) (*tiered.Entry, error) {
	return e.cache.Get(ctx, requester, key, embedding)
}

// CacheStore writes payload under key in scope
func (e *Engine) CacheStore(ctx context.Context, requester models.PrivacyScope, key string, payload []byte, embedding []float32, scope models.PrivacyScope) error {
	return e.cache.Put(ctx, requester, key, payload, embedding, scope)
}

// CacheInvalidate removes key from every tier. Only the entry's owner may
// remove it; a key the requester cannot see is reported as not found.
func (e *Engine) CacheInvalidate(ctx context.Context, requester models.PrivacyScope, key string) error {
	entry, err := e.cache.Peek(ctx, requester, key)
	if err != nil {
		return err
	}
	if entry == nil {
		return models.ErrNotFound
	}
	if err := e.guard.AuthorizeWrite(ctx, "cache_invalidate", requester, entry.Scope); err != nil {
		return err
	}
	return e.cache.Invalidate(ctx, key)
}

// CacheStats reports cache counters
func (e *Engine) CacheStats(ctx context.Context) tiered.Stats {
	return e.cache.Stats(ctx)
}

// WriteLayerField patches the record owned by (ownerKind, ownerID).
// expectedVersion 0 creates it.
func (e *Engine) WriteLayerField(ctx context.Context, requester models.PrivacyScope, ownerKind models.OwnerKind, ownerID string, fields models.Fields, expectedVersion int64) (*models.LayerRecord, error) {
	m, err := e.managerForOwner(ownerKind)
	if err != nil {
		return nil, err
	}
	return m.Write(ctx, requester, ownerID, fields, expectedVersion)
}

// UpdateLayerFields applies mutate with optimistic retries
func (e *Engine) UpdateLayerFields(ctx context.Context, requester models.PrivacyScope, kind models.LayerKind, ownerID string, mutate layers.MutateFunc) (*models.LayerRecord, error) {
	m, err := e.manager(kind)
	if err != nil {
		return nil, err
	}
	return layers.UpdateWithRetry(ctx, m, requester, ownerID, mutate, e.retry)
}

// ReadLayer returns one layer record
func (e *Engine) ReadLayer(ctx context.Context, requester models.PrivacyScope, kind models.LayerKind, ownerID string) (*models.LayerRecord, error) {
	m, err := e.manager(kind)
	if err != nil {
		return nil, err
	}
	return m.Read(ctx, requester, ownerID)
}

// DeleteLayer removes one layer record
func (e *Engine) DeleteLayer(ctx context.Context, requester models.PrivacyScope, kind models.LayerKind, ownerID string) error {
	m, err := e.manager(kind)
	if err != nil {
		return err
	}
	return m.Delete(ctx, requester, ownerID)
}

// LayerHistory returns up to limit events for a record, newest first
func (e *Engine) LayerHistory(ctx context.Context, requester models.PrivacyScope, kind models.LayerKind, ownerID string, limit int) ([]models.LayerEvent, error) {
	m, err := e.manager(kind)
	if err != nil {
		return nil, err
	}
	return m.History(ctx, requester, ownerID, limit)
}

func (e *Engine) manager(kind models.LayerKind) (*layers.Manager, error) {
	m, ok := e.layers.Manager(kind)
	if !ok {
		return nil, fmt.Errorf("%w: unknown layer %q", models.ErrInvalidScope, kind)
	}
	return m, nil
}

func (e *Engine) managerForOwner(kind models.OwnerKind) (*layers.Manager, error) {
	layer, ok := models.LayerForOwner(kind)
	if !ok {
		return nil, fmt.Errorf("%w: unknown owner kind %q", models.ErrInvalidScope, kind)
	}
	return e.manager(layer)
}
