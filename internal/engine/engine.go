// Package engine implements the settlement engine: order admission, the
// atomic and deferred settlement paths, slippage enforcement, profit
// distribution, and cancellation/refund semantics.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alephtrade/crossarb/internal/custody"
	"github.com/alephtrade/crossarb/internal/domain"
	"github.com/alephtrade/crossarb/internal/ledger"
)

// EventChannel is the signal bus channel all settlement events publish to.
const EventChannel = "settlement"

// EventLogStream is the durable stream settlement events are recorded to for
// replay.
const EventLogStream = "settlement:log"

const (
	// maxSlippageCeilingBps bounds the admin-set slippage ceiling (10%).
	maxSlippageCeilingBps = 1_000

	// callbackLockTTL is how long a per-order callback lock is held at most.
	callbackLockTTL = 30 * time.Second

	// callbackRateLimit / callbackRateWindow bound callback attempts per
	// caller.
	callbackRateLimit  = 30
	callbackRateWindow = time.Second
)

// Config holds the engine's operating parameters.
type Config struct {
	// Admin may change configuration, cancel any order, and rescue assets.
	Admin common.Address

	// Treasury receives the protocol's share of profit.
	Treasury common.Address

	// SlippageCeilingBps is the initial global slippage ceiling.
	SlippageCeilingBps int64

	// UserShareBps is the owner's profit share captured into new orders.
	UserShareBps int64

	// MinProfitBps is the advisory profitability floor for the pre-check.
	MinProfitBps int64

	// Precheck enables the advisory profitability pre-check at admission.
	Precheck bool
}

// Engine drives both settlement paths against the ledger and custody vault.
// It is the only mutator of either.
type Engine struct {
	ledger     *ledger.Ledger
	vault      *custody.Vault
	syncVenue  domain.SyncVenue
	asyncVenue domain.AsyncVenue
	lender     domain.LendingFacility
	store      domain.OrderStore
	audit      domain.AuditStore
	bus        domain.SignalBus
	locks      domain.LockManager
	limiter    domain.RateLimiter
	logger     *slog.Logger

	admin    common.Address
	treasury common.Address

	mu           sync.Mutex // guards the mutable config below
	slippageBps  int64
	keepers      map[common.Address]bool
	split        domain.SplitPolicy
	minProfitBps int64
	precheck     bool
}

// New creates an Engine. All collaborators are required; tests supply
// in-memory fakes.
func New(
	led *ledger.Ledger,
	vault *custody.Vault,
	syncVenue domain.SyncVenue,
	asyncVenue domain.AsyncVenue,
	lender domain.LendingFacility,
	store domain.OrderStore,
	audit domain.AuditStore,
	bus domain.SignalBus,
	locks domain.LockManager,
	limiter domain.RateLimiter,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		ledger:       led,
		vault:        vault,
		syncVenue:    syncVenue,
		asyncVenue:   asyncVenue,
		lender:       lender,
		store:        store,
		audit:        audit,
		bus:          bus,
		locks:        locks,
		limiter:      limiter,
		logger:       logger.With(slog.String("component", "engine")),
		admin:        cfg.Admin,
		treasury:     cfg.Treasury,
		slippageBps:  cfg.SlippageCeilingBps,
		keepers:      make(map[common.Address]bool),
		split:        domain.SplitPolicy{UserShareBps: cfg.UserShareBps},
		minProfitBps: cfg.MinProfitBps,
		precheck:     cfg.Precheck,
	}
}

// CreateOrderParams are the caller-supplied admission parameters.
type CreateOrderParams struct {
	Owner              common.Address
	BorrowToken        common.Address
	TargetToken        common.Address
	Principal          *big.Int
	MinOutputLeg1      *big.Int
	MinOutputLeg2      *big.Int
	ExecutionFeeBudget *big.Int
}

func (p CreateOrderParams) validate() error {
	zero := common.Address{}
	switch {
	case p.Owner == zero:
		return fmt.Errorf("owner must not be zero: %w", domain.ErrValidation)
	case p.BorrowToken == zero || p.TargetToken == zero:
		return fmt.Errorf("token addresses must not be zero: %w", domain.ErrValidation)
	case p.BorrowToken == p.TargetToken:
		return fmt.Errorf("borrow and target token must differ: %w", domain.ErrValidation)
	case p.Principal == nil || p.Principal.Sign() <= 0:
		return fmt.Errorf("principal must be positive: %w", domain.ErrValidation)
	case p.MinOutputLeg1 == nil || p.MinOutputLeg1.Sign() <= 0:
		return fmt.Errorf("min output for leg 1 must be positive: %w", domain.ErrValidation)
	case p.MinOutputLeg2 == nil || p.MinOutputLeg2.Sign() <= 0:
		return fmt.Errorf("min output for leg 2 must be positive: %w", domain.ErrValidation)
	}
	return nil
}

// CreateOrder validates and admits a deferred-path order: custody the
// principal and fee budget, submit leg 1 to the asynchronous venue, and
// insert the ledger record in state Active.
func (e *Engine) CreateOrder(ctx context.Context, p CreateOrderParams) (string, error) {
	if err := p.validate(); err != nil {
		return "", err
	}

	// The venue will not execute below its minimum keeper fee.
	minFee, err := e.asyncVenue.MinFeeBudget(ctx)
	if err != nil {
		return "", fmt.Errorf("engine: query min fee budget: %w", domain.ErrExternalCall)
	}
	if p.ExecutionFeeBudget == nil || p.ExecutionFeeBudget.Cmp(minFee) < 0 {
		return "", fmt.Errorf("execution fee budget below venue minimum %s: %w", minFee, domain.ErrValidation)
	}

	if e.precheckEnabled() {
		if err := e.profitabilityPrecheck(ctx, p); err != nil {
			return "", err
		}
	}

	nonce := uuid.New().String()
	key := domain.OrderKey(p.Owner, p.BorrowToken, p.TargetToken, p.Principal, nonce)

	// Take custody: principal is committed in the pooled arena, the fee
	// budget is escrowed alongside it.
	if err := e.vault.CustodyFrom(ctx, p.BorrowToken, p.Owner, p.Principal, key); err != nil {
		return "", fmt.Errorf("engine: custody principal: %w", err)
	}
	if err := e.vault.Deposit(ctx, p.BorrowToken, p.Owner, p.ExecutionFeeBudget); err != nil {
		e.unwindAdmission(ctx, key, p, false)
		return "", fmt.Errorf("engine: escrow fee budget: %w", err)
	}

	handle, err := e.asyncVenue.Submit(ctx, domain.AsyncSubmission{
		OrderKey:  key,
		TokenIn:   p.BorrowToken,
		TokenOut:  p.TargetToken,
		AmountIn:  p.Principal,
		MinOut:    p.MinOutputLeg1,
		FeeBudget: p.ExecutionFeeBudget,
	})
	if err != nil {
		e.unwindAdmission(ctx, key, p, true)
		return "", fmt.Errorf("engine: submit leg 1: %w", domain.ErrExternalCall)
	}

	now := time.Now().UTC()
	order := &domain.ArbitrageOrder{
		Key:                key,
		Owner:              p.Owner,
		BorrowToken:        p.BorrowToken,
		TargetToken:        p.TargetToken,
		Path:               domain.PathDeferred,
		Principal:          new(big.Int).Set(p.Principal),
		MinOutputLeg1:      new(big.Int).Set(p.MinOutputLeg1),
		MinOutputLeg2:      new(big.Int).Set(p.MinOutputLeg2),
		ExecutionFeeBudget: new(big.Int).Set(p.ExecutionFeeBudget),
		Split:              e.currentSplit(),
		State:              domain.OrderStateActive,
		VenueHandle:        handle,
		Nonce:              nonce,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := e.ledger.Insert(order); err != nil {
		// Key collision after custody: hand everything back.
		e.unwindAdmission(ctx, key, p, true)
		return "", err
	}

	if err := e.store.Create(ctx, order); err != nil {
		e.logger.ErrorContext(ctx, "order persist failed",
			slog.String("order_key", key),
			slog.String("error", err.Error()),
		)
	}
	e.auditLog(ctx, "order_created", map[string]any{
		"order_key": key,
		"owner":     p.Owner.Hex(),
		"principal": p.Principal.String(),
		"handle":    handle,
	})
	e.emit(ctx, domain.Event{
		Type:     domain.EventOrderCreated,
		OrderKey: key,
		Detail: map[string]any{
			"owner":     p.Owner.Hex(),
			"principal": p.Principal.String(),
			"venue":     e.asyncVenue.Name(),
		},
	})

	e.logger.InfoContext(ctx, "order admitted",
		slog.String("order_key", key),
		slog.String("owner", p.Owner.Hex()),
		slog.String("principal", p.Principal.String()),
	)
	return key, nil
}

// unwindAdmission returns custodied funds to the owner after a failed
// admission. withFee controls whether the fee budget was already escrowed.
func (e *Engine) unwindAdmission(ctx context.Context, key string, p CreateOrderParams, withFee bool) {
	refund := new(big.Int).Set(p.Principal)
	if withFee {
		refund.Add(refund, p.ExecutionFeeBudget)
	}
	if err := e.vault.PayOut(ctx, p.BorrowToken, p.Owner, refund); err != nil {
		e.logger.ErrorContext(ctx, "admission unwind payout failed",
			slog.String("order_key", key),
			slog.String("error", err.Error()),
		)
	}
	e.vault.Release(key)
}

// profitabilityPrecheck quotes both legs and rejects admission when the
// projected round trip falls below the configured minimum profit. Advisory
// only: realized prices at execution may differ, and the binding constraint
// stays the per-leg minimum-output checks during settlement. It also rejects
// per-leg minimums that concede more than the global slippage ceiling.
func (e *Engine) profitabilityPrecheck(ctx context.Context, p CreateOrderParams) error {
	q1, err := e.asyncVenue.Quote(ctx, p.BorrowToken, p.TargetToken, p.Principal)
	if err != nil {
		return fmt.Errorf("engine: quote leg 1: %w", domain.ErrExternalCall)
	}
	q2, err := e.syncVenue.Quote(ctx, p.TargetToken, p.BorrowToken, q1)
	if err != nil {
		return fmt.Errorf("engine: quote leg 2: %w", domain.ErrExternalCall)
	}

	ceiling := e.slippageCeiling()
	if belowCeilingFloor(p.MinOutputLeg1, q1, ceiling) {
		return fmt.Errorf("leg 1 min output concedes more than %d bps slippage: %w", ceiling, domain.ErrValidation)
	}
	if belowCeilingFloor(p.MinOutputLeg2, q2, ceiling) {
		return fmt.Errorf("leg 2 min output concedes more than %d bps slippage: %w", ceiling, domain.ErrValidation)
	}

	// Projected profit in basis points of principal.
	diff := new(big.Int).Sub(q2, p.Principal)
	bps := new(big.Int).Mul(diff, big.NewInt(10_000))
	bps.Div(bps, p.Principal)
	if bps.Cmp(big.NewInt(e.currentMinProfitBps())) < 0 {
		return fmt.Errorf("projected profit %s bps below minimum: %w", bps, domain.ErrValidation)
	}
	return nil
}

// belowCeilingFloor reports whether minOut < quote * (1 - ceilingBps/10000).
func belowCeilingFloor(minOut, quote *big.Int, ceilingBps int64) bool {
	floor := new(big.Int).Mul(quote, big.NewInt(10_000-ceilingBps))
	floor.Div(floor, big.NewInt(10_000))
	return minOut.Cmp(floor) < 0
}

// CancelOrder forwards a cancellation request for an Active order to the
// asynchronous venue. Callable by the order owner or the admin. It does not
// refund: the authoritative refund happens only when the venue's
// cancellation callback arrives, so a racing execution callback and a manual
// cancel can never both settle the same order.
func (e *Engine) CancelOrder(ctx context.Context, caller common.Address, key string) error {
	order, err := e.ledger.Get(key)
	if err != nil {
		return err
	}
	if caller != order.Owner && caller != e.admin {
		return fmt.Errorf("engine: cancel by %s: %w", caller.Hex(), domain.ErrUnauthorized)
	}

	if _, err := e.ledger.MarkPendingCancel(key); err != nil {
		return err
	}
	if err := e.asyncVenue.Cancel(ctx, order.VenueHandle); err != nil {
		return fmt.Errorf("engine: forward cancel %s: %w", key, domain.ErrExternalCall)
	}

	e.auditLog(ctx, "cancel_requested", map[string]any{
		"order_key": key,
		"caller":    caller.Hex(),
	})
	e.logger.InfoContext(ctx, "cancellation forwarded to venue",
		slog.String("order_key", key),
	)
	return nil
}

// GetOrder returns a snapshot of the order.
func (e *Engine) GetOrder(key string) (*domain.ArbitrageOrder, error) {
	return e.ledger.Get(key)
}

// ListStuck returns open orders untouched since the cutoff. No automatic
// expiry exists; this is the operator's window into orders whose venue never
// called back.
func (e *Engine) ListStuck(olderThan time.Time) []*domain.ArbitrageOrder {
	return e.ledger.ListStuck(olderThan)
}

// ---------------------------------------------------------------------------
// Admin surface
// ---------------------------------------------------------------------------

// SetSlippageTolerance updates the global slippage ceiling. Admin only;
// values above 10% are rejected.
func (e *Engine) SetSlippageTolerance(ctx context.Context, caller common.Address, bps int64) error {
	if caller != e.admin {
		return fmt.Errorf("engine: set slippage by %s: %w", caller.Hex(), domain.ErrUnauthorized)
	}
	if bps <= 0 || bps > maxSlippageCeilingBps {
		return fmt.Errorf("slippage ceiling must be in (0, %d] bps, got %d: %w", maxSlippageCeilingBps, bps, domain.ErrValidation)
	}

	e.mu.Lock()
	e.slippageBps = bps
	e.mu.Unlock()

	e.auditLog(ctx, "slippage_updated", map[string]any{"bps": bps})
	e.emit(ctx, domain.Event{Type: domain.EventSlippageUpdated, Detail: map[string]any{"bps": bps}})
	return nil
}

// SetKeeperAuthorization adds or removes an address from the authorized
// keeper set that may invoke callback entry points.
func (e *Engine) SetKeeperAuthorization(ctx context.Context, caller, keeper common.Address, authorized bool) error {
	if caller != e.admin {
		return fmt.Errorf("engine: set keeper by %s: %w", caller.Hex(), domain.ErrUnauthorized)
	}

	e.mu.Lock()
	if authorized {
		e.keepers[keeper] = true
	} else {
		delete(e.keepers, keeper)
	}
	e.mu.Unlock()

	e.auditLog(ctx, "keeper_updated", map[string]any{
		"keeper":     keeper.Hex(),
		"authorized": authorized,
	})
	e.emit(ctx, domain.Event{
		Type:   domain.EventKeeperUpdated,
		Detail: map[string]any{"keeper": keeper.Hex(), "authorized": authorized},
	})
	return nil
}

// RescueAsset sweeps amount of token to the recipient. Admin only. The sweep
// is not scoped to exclude funds backing open orders; when it leaves the
// pool unable to cover its commitments a solvency alert is emitted rather
// than the sweep being blocked.
func (e *Engine) RescueAsset(ctx context.Context, caller, token, to common.Address, amount *big.Int) error {
	if caller != e.admin {
		return fmt.Errorf("engine: rescue by %s: %w", caller.Hex(), domain.ErrUnauthorized)
	}
	if err := e.vault.Rescue(ctx, token, to, amount); err != nil {
		return err
	}

	e.auditLog(ctx, "funds_rescued", map[string]any{
		"token":  token.Hex(),
		"to":     to.Hex(),
		"amount": amount.String(),
	})
	e.emit(ctx, domain.Event{
		Type:   domain.EventFundsRescued,
		Detail: map[string]any{"token": token.Hex(), "amount": amount.String()},
	})

	if gap := e.vault.SolvencyGap(token); gap.Sign() > 0 {
		e.emit(ctx, domain.Event{
			Type:   domain.EventSolvencyAlert,
			Reason: "rescue left pool below committed principal",
			Detail: map[string]any{"token": token.Hex(), "gap": gap.String()},
		})
		e.logger.WarnContext(ctx, "solvency gap after rescue",
			slog.String("token", token.Hex()),
			slog.String("gap", gap.String()),
		)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Shared helpers
// ---------------------------------------------------------------------------

func (e *Engine) authorizeKeeper(caller common.Address) error {
	e.mu.Lock()
	ok := e.keepers[caller]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("engine: caller %s not an authorized keeper: %w", caller.Hex(), domain.ErrUnauthorized)
	}
	return nil
}

func (e *Engine) currentSplit() domain.SplitPolicy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.split
}

func (e *Engine) slippageCeiling() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.slippageBps
}

func (e *Engine) currentMinProfitBps() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.minProfitBps
}

func (e *Engine) precheckEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.precheck
}

// emit publishes an observable event on the signal bus. Publish failures are
// logged, never propagated: events are for monitoring, not control flow.
func (e *Engine) emit(ctx context.Context, evt domain.Event) {
	evt.ID = uuid.New().String()
	evt.At = time.Now().UTC()

	payload, err := json.Marshal(evt)
	if err != nil {
		e.logger.ErrorContext(ctx, "event marshal failed", slog.String("type", string(evt.Type)))
		return
	}
	if err := e.bus.Publish(ctx, EventChannel, payload); err != nil {
		e.logger.WarnContext(ctx, "event publish failed",
			slog.String("type", string(evt.Type)),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) auditLog(ctx context.Context, event string, detail map[string]any) {
	if err := e.audit.Log(ctx, event, detail); err != nil {
		e.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) persist(ctx context.Context, key string) {
	order, err := e.ledger.Get(key)
	if err != nil {
		return
	}
	if err := e.store.Update(ctx, order); err != nil {
		e.logger.ErrorContext(ctx, "order persist failed",
			slog.String("order_key", key),
			slog.String("error", err.Error()),
		)
	}
}
