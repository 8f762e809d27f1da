package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/alephtrade/crossarb/internal/domain"
)

// AtomicReceipt summarizes a completed atomic settlement.
type AtomicReceipt struct {
	OrderKey            string
	Output              *big.Int
	Premium             *big.Int
	Profit              *big.Int
	DistributedOwner    *big.Int
	DistributedProtocol *big.Int
}

// ExecuteAtomic runs the flash-loan settlement path: borrow the principal,
// execute both legs, and repay principal plus premium inside one lender
// advance. The surplus is distributed only after the advance settles, so the
// lender can never claw back an advance whose profit has already been paid
// out. An aborted advance leaves no trace: no ledger record is inserted, no
// custody commitment is taken, and the lender unwinds all fund movement.
func (e *Engine) ExecuteAtomic(ctx context.Context, p CreateOrderParams) (*AtomicReceipt, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	nonce := uuid.New().String()
	key := domain.OrderKey(p.Owner, p.BorrowToken, p.TargetToken, p.Principal, nonce)

	var output, premiumPaid *big.Int
	err := e.lender.Advance(ctx, p.BorrowToken, p.Principal, func(ctx context.Context, premium *big.Int) error {
		out1, err := e.syncVenue.Swap(ctx, p.BorrowToken, p.TargetToken, p.Principal, p.MinOutputLeg1)
		if err != nil {
			return fmt.Errorf("engine: atomic leg 1: %w", err)
		}
		out2, err := e.syncVenue.Swap(ctx, p.TargetToken, p.BorrowToken, out1, p.MinOutputLeg2)
		if err != nil {
			return fmt.Errorf("engine: atomic leg 2: %w", err)
		}

		debt := new(big.Int).Add(p.Principal, premium)
		if out2.Cmp(debt) < 0 {
			return fmt.Errorf("engine: round trip %s below debt %s: %w", out2, debt, domain.ErrInsolvent)
		}

		output = out2
		premiumPaid = new(big.Int).Set(premium)
		return nil
	})
	if err != nil {
		e.logger.WarnContext(ctx, "atomic settlement aborted",
			slog.String("order_key", key),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	// The lender has collected principal plus premium; only the surplus
	// remains in the custody account. It is pure profit, and the principal
	// was never the owner's, so the whole surplus is split.
	debt := new(big.Int).Add(p.Principal, premiumPaid)
	profit := new(big.Int).Sub(output, debt)
	ownerCut := e.currentSplit().OwnerCut(profit)
	protocolCut := new(big.Int).Sub(profit, ownerCut)

	e.vault.Credit(p.BorrowToken, profit)

	receipt := &AtomicReceipt{
		OrderKey:            key,
		Output:              output,
		Premium:             premiumPaid,
		Profit:              profit,
		DistributedOwner:    new(big.Int),
		DistributedProtocol: new(big.Int),
	}

	var distributeErr error
	if err := e.vault.PayOut(ctx, p.BorrowToken, p.Owner, ownerCut); err != nil {
		distributeErr = fmt.Errorf("engine: atomic owner payout: %w", err)
	} else {
		receipt.DistributedOwner.Set(ownerCut)
		if err := e.vault.PayOut(ctx, p.BorrowToken, e.treasury, protocolCut); err != nil {
			distributeErr = fmt.Errorf("engine: atomic protocol payout: %w", err)
		} else {
			receipt.DistributedProtocol.Set(protocolCut)
		}
	}
	if distributeErr != nil {
		// The advance already settled, so the undistributed remainder is real
		// and stays tracked in custody for a manual rescue. Record the trade
		// as failed rather than pretend nothing happened.
		e.recordAtomicFailure(ctx, p, key, nonce, receipt, distributeErr)
		return nil, distributeErr
	}

	// Record the completed trade. The ledger only ever sees this order
	// settled; there is no Active window on the atomic path.
	now := time.Now().UTC()
	order := &domain.ArbitrageOrder{
		Key:                 key,
		Owner:               p.Owner,
		BorrowToken:         p.BorrowToken,
		TargetToken:         p.TargetToken,
		Path:                domain.PathAtomic,
		Principal:           new(big.Int).Set(p.Principal),
		MinOutputLeg1:       new(big.Int).Set(p.MinOutputLeg1),
		MinOutputLeg2:       new(big.Int).Set(p.MinOutputLeg2),
		Split:               e.currentSplit(),
		State:               domain.OrderStateSettled,
		Leg1Output:          nil,
		DistributedOwner:    new(big.Int).Set(receipt.DistributedOwner),
		DistributedProtocol: new(big.Int).Set(receipt.DistributedProtocol),
		PremiumPaid:         new(big.Int).Set(receipt.Premium),
		Nonce:               nonce,
		CreatedAt:           now,
		UpdatedAt:           now,
		SettledAt:           &now,
	}
	if err := e.ledger.Insert(order); err != nil {
		e.logger.ErrorContext(ctx, "atomic order record insert failed",
			slog.String("order_key", key),
			slog.String("error", err.Error()),
		)
	}
	if err := e.store.Create(ctx, order); err != nil {
		e.logger.ErrorContext(ctx, "atomic order persist failed",
			slog.String("order_key", key),
			slog.String("error", err.Error()),
		)
	}

	e.auditLog(ctx, "atomic_settled", map[string]any{
		"order_key": key,
		"owner":     p.Owner.Hex(),
		"profit":    receipt.Profit.String(),
		"premium":   receipt.Premium.String(),
	})
	e.emit(ctx, domain.Event{
		Type:     domain.EventProfitDistributed,
		OrderKey: key,
		Detail: map[string]any{
			"path":     string(domain.PathAtomic),
			"profit":   receipt.Profit.String(),
			"owner":    receipt.DistributedOwner.String(),
			"protocol": receipt.DistributedProtocol.String(),
			"premium":  receipt.Premium.String(),
		},
	})
	e.logger.InfoContext(ctx, "atomic settlement complete",
		slog.String("order_key", key),
		slog.String("profit", receipt.Profit.String()),
	)
	return receipt, nil
}

// recordAtomicFailure books an atomic trade whose distribution failed after
// the advance settled. The undistributed share of the profit is still held
// in custody; the failed record is what the operator reconciles against.
func (e *Engine) recordAtomicFailure(ctx context.Context, p CreateOrderParams, key, nonce string, receipt *AtomicReceipt, cause error) {
	stranded := new(big.Int).Sub(receipt.Profit, receipt.DistributedOwner)
	stranded.Sub(stranded, receipt.DistributedProtocol)

	now := time.Now().UTC()
	order := &domain.ArbitrageOrder{
		Key:                 key,
		Owner:               p.Owner,
		BorrowToken:         p.BorrowToken,
		TargetToken:         p.TargetToken,
		Path:                domain.PathAtomic,
		Principal:           new(big.Int).Set(p.Principal),
		MinOutputLeg1:       new(big.Int).Set(p.MinOutputLeg1),
		MinOutputLeg2:       new(big.Int).Set(p.MinOutputLeg2),
		Split:               e.currentSplit(),
		State:               domain.OrderStateFailed,
		DistributedOwner:    new(big.Int).Set(receipt.DistributedOwner),
		DistributedProtocol: new(big.Int).Set(receipt.DistributedProtocol),
		PremiumPaid:         new(big.Int).Set(receipt.Premium),
		FailReason:          "profit distribution transfer failed, surplus held in custody",
		Nonce:               nonce,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := e.ledger.Insert(order); err != nil {
		e.logger.ErrorContext(ctx, "atomic failure record insert failed",
			slog.String("order_key", key),
			slog.String("error", err.Error()),
		)
	}
	if err := e.store.Create(ctx, order); err != nil {
		e.logger.ErrorContext(ctx, "atomic failure record persist failed",
			slog.String("order_key", key),
			slog.String("error", err.Error()),
		)
	}

	e.auditLog(ctx, "atomic_distribution_failed", map[string]any{
		"order_key": key,
		"owner":     p.Owner.Hex(),
		"stranded":  stranded.String(),
		"error":     cause.Error(),
	})
	e.emit(ctx, domain.Event{
		Type:     domain.EventOrderFailed,
		OrderKey: key,
		Reason:   order.FailReason,
		Detail: map[string]any{
			"path":     string(domain.PathAtomic),
			"stranded": stranded.String(),
			"owner":    receipt.DistributedOwner.String(),
			"protocol": receipt.DistributedProtocol.String(),
		},
	})
	e.logger.ErrorContext(ctx, "atomic distribution failed after repayment",
		slog.String("order_key", key),
		slog.String("stranded", stranded.String()),
		slog.String("error", cause.Error()),
	)
}
