package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/redis/go-redis/v9"
)

// quoteTTL bounds how long a cached quote serves reads. On-chain prices go
// stale fast; a missing quote is better than an old one.
const quoteTTL = 30 * time.Second

// QuoteCache implements domain.QuoteCache using JSON-serialized quotes keyed
// by pair and venue.
//
// Key schema:
//
//	quote:{pairKey}:{venue} - JSON-serialized Quote
type QuoteCache struct {
	rdb *redis.Client
}

// NewQuoteCache creates a QuoteCache backed by the given Client.
func NewQuoteCache(c *Client) *QuoteCache {
	return &QuoteCache{rdb: c.Underlying()}
}

func quoteCacheKey(pairKey, venue string) string { return "quote:" + pairKey + ":" + venue }

// SetQuote stores the latest quote for the quote's (pair, venue).
func (qc *QuoteCache) SetQuote(ctx context.Context, q domain.Quote) error {
	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("redis: marshal quote %s@%s: %w", q.Pair.Key(), q.Venue, err)
	}

	key := quoteCacheKey(q.Pair.Key(), q.Venue)
	if err := qc.rdb.Set(ctx, key, data, quoteTTL).Err(); err != nil {
		return fmt.Errorf("redis: set quote %s@%s: %w", q.Pair.Key(), q.Venue, err)
	}
	return nil
}

// GetQuote retrieves the latest quote for a (venue, pair).
// It returns domain.ErrNotFound when the key does not exist or has expired.
func (qc *QuoteCache) GetQuote(ctx context.Context, venue, pairKey string) (domain.Quote, error) {
	data, err := qc.rdb.Get(ctx, quoteCacheKey(pairKey, venue)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Quote{}, domain.ErrNotFound
		}
		return domain.Quote{}, fmt.Errorf("redis: get quote %s@%s: %w", pairKey, venue, err)
	}

	var q domain.Quote
	if err := json.Unmarshal(data, &q); err != nil {
		return domain.Quote{}, fmt.Errorf("redis: unmarshal quote %s@%s: %w", pairKey, venue, err)
	}
	return q, nil
}

// GetPairQuotes retrieves the latest quotes for a pair across venues using a
// pipeline. Venues with no cached quote are silently omitted from the result.
func (qc *QuoteCache) GetPairQuotes(ctx context.Context, pairKey string, venues []string) (map[string]domain.Quote, error) {
	if len(venues) == 0 {
		return map[string]domain.Quote{}, nil
	}

	pipe := qc.rdb.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(venues))
	for _, venue := range venues {
		cmds[venue] = pipe.Get(ctx, quoteCacheKey(pairKey, venue))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get pair quotes pipeline: %w", err)
	}

	result := make(map[string]domain.Quote, len(venues))
	for venue, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		var q domain.Quote
		if err := json.Unmarshal(data, &q); err != nil {
			continue
		}
		result[venue] = q
	}

	return result, nil
}

// Compile-time interface check.
var _ domain.QuoteCache = (*QuoteCache)(nil)
