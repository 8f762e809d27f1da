package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alephtrade/crossarb/internal/domain"
)

// legResult is the trapped outcome of one swap leg. Settlement callbacks
// never let a leg failure propagate as a raw error: a failed leg downgrades
// the order to a refund path instead of aborting the callback, because by
// the time leg 2 runs the venue has already executed leg 1 and the funds are
// in custody.
type legResult struct {
	ok     bool
	output *big.Int
	reason string
}

// runLeg2 executes the synchronous second leg and traps any failure.
func (e *Engine) runLeg2(ctx context.Context, order *domain.ArbitrageOrder) legResult {
	out, err := e.syncVenue.Swap(ctx, order.TargetToken, order.BorrowToken, order.Leg1Output, order.MinOutputLeg2)
	if err != nil {
		reason := "leg 2 venue call failed"
		if errors.Is(err, domain.ErrSlippage) {
			reason = "leg 2 output below minimum"
		}
		e.logger.WarnContext(ctx, "leg 2 failed",
			slog.String("order_key", order.Key),
			slog.String("error", err.Error()),
		)
		return legResult{reason: reason}
	}
	return legResult{ok: true, output: out}
}

// guardCallback applies the shared callback preamble: keeper authorization,
// rate limiting per caller, and the per-order lock. The returned unlock must
// be deferred by the caller.
func (e *Engine) guardCallback(ctx context.Context, caller common.Address, key string) (func(), error) {
	if err := e.authorizeKeeper(caller); err != nil {
		return nil, err
	}

	ok, err := e.limiter.Allow(ctx, "callback:"+caller.Hex(), callbackRateLimit, callbackRateWindow)
	if err != nil {
		e.logger.WarnContext(ctx, "rate limiter unavailable, allowing callback",
			slog.String("error", err.Error()),
		)
	} else if !ok {
		return nil, fmt.Errorf("engine: callbacks from %s: %w", caller.Hex(), domain.ErrRateLimited)
	}

	unlock, err := e.locks.Acquire(ctx, "order:"+key, callbackLockTTL)
	if err != nil {
		return nil, fmt.Errorf("engine: order %s busy: %w", key, domain.ErrLockHeld)
	}
	return unlock, nil
}

// OnLegExecuted is the asynchronous venue's execution callback: leg 1 filled
// with leg1Output of the target token delivered to custody. The engine
// completes settlement inline: run leg 2, then distribute, refund, or fail.
//
// The Active -> Executed flip is the idempotency guard. A duplicate callback,
// or one racing a cancellation, finds the order no longer Active and is
// rejected with ErrInvalidState before any funds move.
func (e *Engine) OnLegExecuted(ctx context.Context, caller common.Address, key string, leg1Output *big.Int) error {
	unlock, err := e.guardCallback(ctx, caller, key)
	if err != nil {
		return err
	}
	defer unlock()

	if leg1Output == nil || leg1Output.Sign() <= 0 {
		return fmt.Errorf("engine: leg 1 output must be positive: %w", domain.ErrValidation)
	}

	order, err := e.ledger.Transition(key, domain.OrderStateActive, domain.OrderStateExecuted, func(o *domain.ArbitrageOrder) {
		o.Leg1Output = new(big.Int).Set(leg1Output)
	})
	if err != nil {
		return err
	}
	// Reconcile custody with what execution moved: the venue pulled the
	// principal and the keeper fee, and delivered leg 1 output in the target
	// token. This happens before the fill is judged so the books match what
	// the venue actually did.
	spent := new(big.Int).Add(order.Principal, order.ExecutionFeeBudget)
	if err := e.vault.Debit(order.BorrowToken, spent); err != nil {
		return e.failOrder(ctx, order, "custody balance below recorded escrow")
	}
	e.vault.Credit(order.TargetToken, leg1Output)

	if leg1Output.Cmp(order.MinOutputLeg1) < 0 {
		// The venue must not fill below the order's minimum. The delivered
		// output stays frozen in custody; the recorded amount is what the
		// operator reconciles against.
		reason := "venue reported leg 1 fill below minimum output"
		final, err := e.ledger.Transition(key, domain.OrderStateExecuted, domain.OrderStateFailed, func(o *domain.ArbitrageOrder) {
			o.FailReason = reason
		})
		if err != nil {
			return err
		}
		e.finishOrder(ctx, final, domain.Event{
			Type:     domain.EventOrderFailed,
			OrderKey: key,
			Reason:   reason,
			Detail:   map[string]any{"stranded_leg1_output": leg1Output.String()},
		})
		e.logger.ErrorContext(ctx, "order failed",
			slog.String("order_key", key),
			slog.String("reason", reason),
			slog.String("stranded_leg1_output", leg1Output.String()),
		)
		return fmt.Errorf("engine: order %s failed: %s", key, reason)
	}

	e.persist(ctx, key)
	e.emit(ctx, domain.Event{
		Type:     domain.EventLegExecuted,
		OrderKey: key,
		Detail:   map[string]any{"leg1_output": leg1Output.String()},
	})

	res := e.runLeg2(ctx, order)
	if !res.ok {
		// Downgrade: the owner receives the leg 1 proceeds in target token
		// rather than the order aborting with funds stranded in custody.
		if err := e.vault.PayOut(ctx, order.TargetToken, order.Owner, order.Leg1Output); err != nil {
			return e.failOrder(ctx, order, "refund transfer of leg 1 output failed")
		}
		final, err := e.ledger.Transition(key, domain.OrderStateExecuted, domain.OrderStateFailed, func(o *domain.ArbitrageOrder) {
			o.FailReason = res.reason
			o.Refunded = new(big.Int).Set(o.Leg1Output)
		})
		if err != nil {
			return err
		}
		e.finishOrder(ctx, final, domain.Event{
			Type:     domain.EventOrderFailed,
			OrderKey: key,
			Reason:   res.reason,
			Detail:   map[string]any{"refunded_leg1_output": order.Leg1Output.String()},
		})
		return nil
	}

	// Leg 2 spent the target tokens and returned borrow token to custody.
	if err := e.vault.Debit(order.TargetToken, order.Leg1Output); err != nil {
		return e.failOrder(ctx, order, "custody balance below leg 1 output")
	}
	e.vault.Credit(order.BorrowToken, res.output)

	return e.settleExecuted(ctx, order, res.output)
}

// settleExecuted distributes the round-trip output of an Executed order:
// profit split when output strictly exceeds the principal, whole-output
// refund otherwise. A break-even round trip is a refund, not a settlement
// with an empty distribution. Payouts run before the terminal flip so a
// failed transfer downgrades to Failed with funds still in custody instead
// of a Settled order nobody paid.
func (e *Engine) settleExecuted(ctx context.Context, order *domain.ArbitrageOrder, output *big.Int) error {
	key := order.Key

	if output.Cmp(order.Principal) <= 0 {
		if err := e.vault.PayOut(ctx, order.BorrowToken, order.Owner, output); err != nil {
			return e.failOrder(ctx, order, "refund transfer failed")
		}
		final, err := e.ledger.Transition(key, domain.OrderStateExecuted, domain.OrderStateRefunded, func(o *domain.ArbitrageOrder) {
			o.Refunded = new(big.Int).Set(output)
		})
		if err != nil {
			return err
		}
		e.finishOrder(ctx, final, domain.Event{
			Type:     domain.EventOrderRefunded,
			OrderKey: key,
			Reason:   "round trip produced no profit",
			Detail:   map[string]any{"refunded": output.String()},
		})
		return nil
	}

	profit := new(big.Int).Sub(output, order.Principal)
	ownerCut := order.Split.OwnerCut(profit)
	ownerTotal := new(big.Int).Add(order.Principal, ownerCut)
	protocolCut := new(big.Int).Sub(profit, ownerCut)

	if err := e.vault.PayOut(ctx, order.BorrowToken, order.Owner, ownerTotal); err != nil {
		return e.failOrder(ctx, order, "owner payout transfer failed")
	}
	if err := e.vault.PayOut(ctx, order.BorrowToken, e.treasury, protocolCut); err != nil {
		return e.failOrder(ctx, order, "protocol payout transfer failed")
	}

	final, err := e.ledger.Transition(key, domain.OrderStateExecuted, domain.OrderStateSettled, func(o *domain.ArbitrageOrder) {
		o.DistributedOwner = new(big.Int).Set(ownerTotal)
		o.DistributedProtocol = new(big.Int).Set(protocolCut)
	})
	if err != nil {
		return err
	}
	e.finishOrder(ctx, final, domain.Event{
		Type:     domain.EventProfitDistributed,
		OrderKey: key,
		Detail: map[string]any{
			"profit":   profit.String(),
			"owner":    ownerTotal.String(),
			"protocol": protocolCut.String(),
		},
	})
	e.logger.InfoContext(ctx, "order settled",
		slog.String("order_key", key),
		slog.String("profit", profit.String()),
	)
	return nil
}

// OnLegCancelled is the venue's cancellation callback: leg 1 was withdrawn
// without executing, so the principal and unspent fee budget go back to the
// owner. This is the only place a cancellation refunds; the manual cancel
// entry point never does.
func (e *Engine) OnLegCancelled(ctx context.Context, caller common.Address, key string) error {
	unlock, err := e.guardCallback(ctx, caller, key)
	if err != nil {
		return err
	}
	defer unlock()

	order, err := e.ledger.Transition(key, domain.OrderStateActive, domain.OrderStateCancelled, func(o *domain.ArbitrageOrder) {
		o.Refunded = new(big.Int).Set(o.Principal)
	})
	if err != nil {
		return err
	}

	// Exactly the principal comes back as the refund; the untouched fee
	// escrow is returned as its own movement so the refund is never more or
	// less than what was custodied.
	if err := e.vault.PayOut(ctx, order.BorrowToken, order.Owner, order.Principal); err != nil {
		// State already flipped; the funds stay in custody for a manual
		// rescue. Loud failure, never silent.
		e.logger.ErrorContext(ctx, "cancellation refund transfer failed",
			slog.String("order_key", key),
			slog.String("error", err.Error()),
		)
		e.emit(ctx, domain.Event{
			Type:     domain.EventSolvencyAlert,
			OrderKey: key,
			Reason:   "cancellation refund transfer failed, funds held in custody",
		})
		return fmt.Errorf("engine: cancellation refund %s: %w", key, domain.ErrTransfer)
	}
	if err := e.vault.PayOut(ctx, order.BorrowToken, order.Owner, order.ExecutionFeeBudget); err != nil {
		e.logger.ErrorContext(ctx, "fee escrow return failed",
			slog.String("order_key", key),
			slog.String("error", err.Error()),
		)
	}

	e.finishOrder(ctx, order, domain.Event{
		Type:     domain.EventOrderCancelled,
		OrderKey: key,
		Reason:   "venue confirmed cancellation",
		Detail: map[string]any{
			"refunded":     order.Principal.String(),
			"fee_returned": order.ExecutionFeeBudget.String(),
		},
	})
	e.logger.InfoContext(ctx, "order cancelled and refunded",
		slog.String("order_key", key),
	)
	return nil
}

// OnLegFrozen is the venue's freeze notification: the pending order is
// suspended venue-side but not final. The order stays Active and no funds
// move; the engine records and broadcasts the condition so operators see it.
func (e *Engine) OnLegFrozen(ctx context.Context, caller common.Address, key, reason string) error {
	unlock, err := e.guardCallback(ctx, caller, key)
	if err != nil {
		return err
	}
	defer unlock()

	order, err := e.ledger.Get(key)
	if err != nil {
		return err
	}
	if order.State != domain.OrderStateActive {
		return fmt.Errorf("engine: freeze for %s order %s: %w", order.State, key, domain.ErrInvalidState)
	}

	e.auditLog(ctx, "order_frozen", map[string]any{
		"order_key": key,
		"reason":    reason,
	})
	e.emit(ctx, domain.Event{
		Type:     domain.EventOrderFrozen,
		OrderKey: key,
		Reason:   reason,
	})
	e.logger.WarnContext(ctx, "venue reported order frozen",
		slog.String("order_key", key),
		slog.String("reason", reason),
	)
	return nil
}

// failOrder moves an order to Failed from whatever non-terminal state it is
// in, keeping custody untouched. Used when settlement hits a condition that
// must not distribute or refund automatically.
func (e *Engine) failOrder(ctx context.Context, order *domain.ArbitrageOrder, reason string) error {
	from := order.State
	final, err := e.ledger.Transition(order.Key, from, domain.OrderStateFailed, func(o *domain.ArbitrageOrder) {
		o.FailReason = reason
	})
	if err != nil {
		return err
	}
	e.finishOrder(ctx, final, domain.Event{
		Type:     domain.EventOrderFailed,
		OrderKey: order.Key,
		Reason:   reason,
	})
	e.logger.ErrorContext(ctx, "order failed",
		slog.String("order_key", order.Key),
		slog.String("reason", reason),
	)
	return fmt.Errorf("engine: order %s failed: %s", order.Key, reason)
}

// finishOrder runs the shared terminal bookkeeping: release the custody
// commitment, persist, audit, emit.
func (e *Engine) finishOrder(ctx context.Context, order *domain.ArbitrageOrder, evt domain.Event) {
	e.vault.Release(order.Key)
	e.persist(ctx, order.Key)
	e.auditLog(ctx, string(evt.Type), map[string]any{
		"order_key": order.Key,
		"state":     string(order.State),
		"reason":    evt.Reason,
	})
	e.emit(ctx, evt)
}
