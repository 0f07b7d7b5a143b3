package tiered

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/developer-mesh/context-engine/pkg/models"
	"github.com/developer-mesh/context-engine/pkg/observability"
)

// ColdStore is the durable backing of the cold tier
type ColdStore interface {
	// Get returns the entry, nil on a miss, or models.ErrCorruptEntry when
	// the stored data cannot be decoded
	Get(ctx context.Context, key string) (*Entry, error)
	// Put stores the entry until its ExpiresAt
	Put(ctx context.Context, entry *Entry) error
	Delete(ctx context.Context, key string) error
	// Recent returns up to limit entries, most recently accessed first
	Recent(ctx context.Context, limit int) ([]*Entry, error)
	// Sweep removes entries expired at now or idle since before idleBefore
	Sweep(ctx context.Context, now, idleBefore time.Time) (int, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

// guardedCold wraps a ColdStore with a per-call timeout and a circuit
// breaker. Breaker trips and backend errors surface as ErrStoreUnavailable.
type guardedCold struct {
	store   ColdStore
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
}

func newGuardedCold(store ColdStore, timeout time.Duration, logger observability.Logger) *guardedCold {
	settings := gobreaker.Settings{
		Name:        "cold-tier",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed", map[string]interface{}{
				"name": name,
				"from": from.String(),
				"to":   to.String(),
			})
		},
		// A corrupt entry means the backend answered
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, models.ErrCorruptEntry)
		},
	}
	return &guardedCold{store: store, breaker: gobreaker.NewCircuitBreaker(settings), timeout: timeout}
}

func (g *guardedCold) available() bool {
	return g.breaker.State() != gobreaker.StateOpen
}

func (g *guardedCold) call(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	result, err := g.breaker.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if err == nil || errors.Is(err, models.ErrCorruptEntry) {
		return result, err
	}
	return nil, fmt.Errorf("%w: cold tier: %v", models.ErrStoreUnavailable, err)
}

func (g *guardedCold) Get(ctx context.Context, key string) (*Entry, error) {
	result, err := g.call(ctx, func(ctx context.Context) (interface{}, error) {
		return g.store.Get(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	entry, _ := result.(*Entry)
	return entry, nil
}

func (g *guardedCold) Put(ctx context.Context, entry *Entry) error {
	_, err := g.call(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, g.store.Put(ctx, entry)
	})
	return err
}

func (g *guardedCold) Delete(ctx context.Context, key string) error {
	_, err := g.call(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, g.store.Delete(ctx, key)
	})
	return err
}

func (g *guardedCold) Recent(ctx context.Context, limit int) ([]*Entry, error) {
	result, err := g.call(ctx, func(ctx context.Context) (interface{}, error) {
		return g.store.Recent(ctx, limit)
	})
	if err != nil {
		return nil, err
	}
	entries, _ := result.([]*Entry)
	return entries, nil
}

func (g *guardedCold) Sweep(ctx context.Context, now, idleBefore time.Time) (int, error) {
	result, err := g.call(ctx, func(ctx context.Context) (interface{}, error) {
		return g.store.Sweep(ctx, now, idleBefore)
	})
	if err != nil {
		return 0, err
	}
	n, _ := result.(int)
	return n, nil
}

func (g *guardedCold) Len(ctx context.Context) (int, error) {
	result, err := g.call(ctx, func(ctx context.Context) (interface{}, error) {
		return g.store.Len(ctx)
	})
	if err != nil {
		return 0, err
	}
	n, _ := result.(int)
	return n, nil
}
