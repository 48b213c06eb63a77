package domain

import (
	"context"
	"time"
)

// QuoteCache holds the latest quote per (venue, pair) so the API layer and
// monitors can read prices without touching venues.
type QuoteCache interface {
	SetQuote(ctx context.Context, q Quote) error
	GetQuote(ctx context.Context, venue, pairKey string) (Quote, error)
	GetPairQuotes(ctx context.Context, pairKey string, venues []string) (map[string]Quote, error)
}

// RateLimiter provides distributed rate limiting for venue calls.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking. The retry drain holds a lock
// so an item is never processed twice simultaneously across replicas.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus fans pipeline events (opportunity, trade, breaker, status) out
// to API consumers via pub/sub.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
