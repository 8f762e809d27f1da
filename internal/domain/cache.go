package domain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RateLimiter provides distributed rate limiting for callback entry points.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking. The engine takes a per-order
// lock around every state-mutating entry point so a second call into the
// same order is rejected, not queued.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus publishes observable events and lets subscribers (websocket hub,
// notifier forwarders) receive them.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// StreamMessage is one entry read from a durable event stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// EventStream is the durable, replayable side of the signal bus. Pub/sub
// delivery is at-most-once; the stream lets consumers catch up on what a
// dropped connection missed.
type EventStream interface {
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// QuoteCache holds short-lived venue quotes so the advisory admission
// pre-check does not hammer venue quote endpoints.
type QuoteCache interface {
	SetQuote(ctx context.Context, venue string, tokenIn, tokenOut common.Address, amountIn, amountOut *big.Int, ttl time.Duration) error
	// GetQuote returns ErrNotFound when no fresh quote is cached.
	GetQuote(ctx context.Context, venue string, tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, error)
}
