// Package custody tracks the engine's pooled holdings. All open orders draw
// from one shared balance per token, so the vault keeps an explicit arena of
// committed amounts indexed by order key; "whatever balance exists" is never
// treated as free.
package custody

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alephtrade/crossarb/internal/domain"
)

// Commitment is one order's claim on the pooled balance.
type Commitment struct {
	Token  common.Address
	Amount *big.Int
}

// Vault is the pooled custody balance. Outbound and inbound token movement
// goes through a success-checked TokenTransferor; internal credits and debits
// track what the pool believes it holds.
type Vault struct {
	mu        sync.Mutex
	transfers domain.TokenTransferor
	holder    common.Address // the account that actually holds pooled funds
	balances  map[common.Address]*big.Int
	committed map[string]Commitment // orderKey -> commitment
	logger    *slog.Logger
}

// New creates a Vault that moves tokens through the given transferor. holder
// is the custody account backing the pool.
func New(transfers domain.TokenTransferor, holder common.Address, logger *slog.Logger) *Vault {
	return &Vault{
		transfers: transfers,
		holder:    holder,
		balances:  make(map[common.Address]*big.Int),
		committed: make(map[string]Commitment),
		logger:    logger.With(slog.String("component", "custody")),
	}
}

// Holder returns the custody account address.
func (v *Vault) Holder() common.Address { return v.holder }

func (v *Vault) balance(token common.Address) *big.Int {
	b, ok := v.balances[token]
	if !ok {
		b = new(big.Int)
		v.balances[token] = b
	}
	return b
}

// committedTotalLocked sums all commitments for token. Caller holds v.mu.
func (v *Vault) committedTotalLocked(token common.Address) *big.Int {
	total := new(big.Int)
	for _, c := range v.committed {
		if c.Token == token {
			total.Add(total, c.Amount)
		}
	}
	return total
}

// CustodyFrom pulls amount of token from the given account into the pool and
// records a commitment for orderKey. This is order admission's transfer-in.
func (v *Vault) CustodyFrom(ctx context.Context, token, from common.Address, amount *big.Int, orderKey string) error {
	if err := v.transfers.TransferIn(ctx, token, from, amount); err != nil {
		return fmt.Errorf("custody: transfer in %s: %w", orderKey, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.balance(token).Add(v.balance(token), amount)
	if _, ok := v.committed[orderKey]; ok {
		return fmt.Errorf("custody: commitment %s: %w", orderKey, domain.ErrAlreadyExists)
	}
	v.committed[orderKey] = Commitment{Token: token, Amount: new(big.Int).Set(amount)}
	return nil
}

// Deposit pulls amount of token from the given account into the pool without
// recording a commitment, e.g. an escrowed fee budget.
func (v *Vault) Deposit(ctx context.Context, token, from common.Address, amount *big.Int) error {
	if err := v.transfers.TransferIn(ctx, token, from, amount); err != nil {
		return fmt.Errorf("custody: deposit: %w", err)
	}
	v.Credit(token, amount)
	return nil
}

// Credit records receipt of amount of token into the pool without an external
// transfer, e.g. a venue delivering swap output directly to the custody
// account.
func (v *Vault) Credit(token common.Address, amount *big.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balance(token).Add(v.balance(token), amount)
}

// Debit reduces the tracked pool balance, e.g. funds handed to a venue for
// execution. Fails if the pool does not hold amount.
func (v *Vault) Debit(token common.Address, amount *big.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	b := v.balance(token)
	if b.Cmp(amount) < 0 {
		return fmt.Errorf("custody: debit %s have %s want %s: %w", token.Hex(), b, amount, domain.ErrInsufficient)
	}
	b.Sub(b, amount)
	return nil
}

// PayOut debits the pool and transfers amount of token to the recipient. The
// transfer must confirm success; on transfer failure the debit is restored so
// the tracked balance stays truthful.
func (v *Vault) PayOut(ctx context.Context, token, to common.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	if err := v.Debit(token, amount); err != nil {
		return err
	}
	if err := v.transfers.TransferOut(ctx, token, to, amount); err != nil {
		v.Credit(token, amount)
		return fmt.Errorf("custody: pay out %s to %s: %w", token.Hex(), to.Hex(), err)
	}
	return nil
}

// Release drops the commitment for orderKey once the order reaches a
// terminal state. Unknown keys are a no-op: atomic-path orders never commit.
func (v *Vault) Release(orderKey string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.committed, orderKey)
}

// Committed returns the commitment recorded for orderKey, if any.
func (v *Vault) Committed(orderKey string) (Commitment, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.committed[orderKey]
	if !ok {
		return Commitment{}, false
	}
	return Commitment{Token: c.Token, Amount: new(big.Int).Set(c.Amount)}, true
}

// Available returns balance minus the sum of commitments for token. Negative
// availability means the pool cannot cover its open orders.
func (v *Vault) Available(token common.Address) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Sub(v.balance(token), v.committedTotalLocked(token))
}

// CommittedTotal returns the sum of all commitments for token.
func (v *Vault) CommittedTotal(token common.Address) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.committedTotalLocked(token)
}

// Balance returns the tracked pool balance for token.
func (v *Vault) Balance(token common.Address) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.balance(token))
}

// Tokens returns every token the vault has a tracked balance for.
func (v *Vault) Tokens() []common.Address {
	v.mu.Lock()
	defer v.mu.Unlock()

	tokens := make([]common.Address, 0, len(v.balances))
	for t := range v.balances {
		tokens = append(tokens, t)
	}
	return tokens
}

// SolvencyGap returns committed minus balance when positive, i.e. how far the
// pool is from covering its open orders. Zero means solvent.
func (v *Vault) SolvencyGap(token common.Address) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()

	gap := new(big.Int).Sub(v.committedTotalLocked(token), v.balance(token))
	if gap.Sign() < 0 {
		return new(big.Int)
	}
	return gap
}

// Rescue pays amount of token out to the recipient without consulting the
// committed arena. It can therefore drain funds backing open orders; callers
// are expected to check SolvencyGap afterwards and alert.
func (v *Vault) Rescue(ctx context.Context, token, to common.Address, amount *big.Int) error {
	if err := v.PayOut(ctx, token, to, amount); err != nil {
		return fmt.Errorf("custody: rescue: %w", err)
	}
	v.logger.Warn("rescue executed",
		slog.String("token", token.Hex()),
		slog.String("to", to.Hex()),
		slog.String("amount", amount.String()),
	)
	return nil
}

// Audit compares the tracked balance for token against the actual holding
// reported by the auditor and returns (tracked, actual). A shortfall is a
// solvency-alert condition for the caller.
func (v *Vault) Audit(ctx context.Context, auditor domain.BalanceAuditor, token common.Address) (tracked, actual *big.Int, err error) {
	actual, err = auditor.BalanceOf(ctx, token, v.holder)
	if err != nil {
		return nil, nil, fmt.Errorf("custody: audit %s: %w", token.Hex(), err)
	}
	return v.Balance(token), actual, nil
}
