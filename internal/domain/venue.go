package domain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// SyncVenue is an exchange that executes a swap and returns the realized
// output within the same call.
type SyncVenue interface {
	// Quote returns the projected output for swapping amountIn without
	// executing. Advisory only; the realized amount at execution may differ.
	Quote(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, error)

	// Swap executes tokenIn -> tokenOut and returns the realized output.
	// Implementations must fail the call, not clamp, when the realized
	// output would be below minOut.
	Swap(ctx context.Context, tokenIn, tokenOut common.Address, amountIn, minOut *big.Int) (*big.Int, error)

	Name() string
}

// AsyncSubmission is the leg-1 order handed to an asynchronous venue.
type AsyncSubmission struct {
	OrderKey  string
	TokenIn   common.Address
	TokenOut  common.Address
	AmountIn  *big.Int
	MinOut    *big.Int
	FeeBudget *big.Int // earmarked for the executing keeper
}

// AsyncVenue is an exchange that accepts an order plus an execution-fee
// budget and returns a pending handle. Completion or cancellation is reported
// later through the engine's callback entry points, or never.
type AsyncVenue interface {
	Quote(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, error)

	// Submit places the order and returns the venue's pending handle.
	Submit(ctx context.Context, sub AsyncSubmission) (handle string, err error)

	// Cancel requests cancellation of a pending order. Cooperative: the
	// venue confirms through the cancellation callback, not the return value.
	Cancel(ctx context.Context, handle string) error

	// MinFeeBudget is the smallest execution-fee budget the venue accepts.
	MinFeeBudget(ctx context.Context) (*big.Int, error)

	Name() string
}

// LendingFacility advances principal that must be repaid with a premium
// before Advance returns. If fn returns an error, or repayment cannot be
// collected, the entire advance is unwound with no partial effect.
type LendingFacility interface {
	// Advance transfers principal to the borrower, invokes fn with the
	// premium owed, then collects principal+premium. fn returning an error
	// aborts and unwinds the advance.
	Advance(ctx context.Context, token common.Address, principal *big.Int, fn func(ctx context.Context, premium *big.Int) error) error

	// PremiumBps is the facility's current premium in basis points.
	PremiumBps(ctx context.Context) (int64, error)
}

// TokenTransferor moves tokens across the custody boundary. Every method
// must confirm success; an unconfirmed transfer is an error, never a no-op.
type TokenTransferor interface {
	// TransferIn pulls amount of token from the given account into custody.
	TransferIn(ctx context.Context, token, from common.Address, amount *big.Int) error

	// TransferOut pays amount of token out of custody to the given account.
	TransferOut(ctx context.Context, token, to common.Address, amount *big.Int) error
}

// BalanceAuditor reads the actual on-chain balance backing the custody pool,
// used to detect gaps between tracked and real holdings.
type BalanceAuditor interface {
	BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error)
}
