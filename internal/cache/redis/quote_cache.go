package redis

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/alephtrade/crossarb/internal/domain"
)

// QuoteCache implements domain.QuoteCache using plain Redis strings with a
// TTL. Quotes are advisory inputs to the admission pre-check; a stale or
// missing entry just means the venue gets asked again.
type QuoteCache struct {
	rdb *redis.Client
}

// NewQuoteCache creates a QuoteCache backed by the given Client.
func NewQuoteCache(c *Client) *QuoteCache {
	return &QuoteCache{rdb: c.Underlying()}
}

func quoteKey(venue string, tokenIn, tokenOut common.Address, amountIn *big.Int) string {
	return "quote:" + venue + ":" + tokenIn.Hex() + ":" + tokenOut.Hex() + ":" + amountIn.String()
}

// SetQuote stores the quoted output amount for the given trade shape.
func (qc *QuoteCache) SetQuote(ctx context.Context, venue string, tokenIn, tokenOut common.Address, amountIn, amountOut *big.Int, ttl time.Duration) error {
	key := quoteKey(venue, tokenIn, tokenOut, amountIn)
	if err := qc.rdb.Set(ctx, key, amountOut.String(), ttl).Err(); err != nil {
		return fmt.Errorf("redis: set quote %s: %w", key, err)
	}
	return nil
}

// GetQuote retrieves a cached quote. It returns domain.ErrNotFound when no
// fresh quote exists.
func (qc *QuoteCache) GetQuote(ctx context.Context, venue string, tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, error) {
	key := quoteKey(venue, tokenIn, tokenOut, amountIn)
	val, err := qc.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get quote %s: %w", key, err)
	}

	out, ok := new(big.Int).SetString(val, 10)
	if !ok {
		return nil, fmt.Errorf("redis: get quote %s: malformed amount %q", key, val)
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.QuoteCache = (*QuoteCache)(nil)
