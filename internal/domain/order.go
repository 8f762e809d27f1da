package domain

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// OrderState tracks the settlement lifecycle of an arbitrage order.
//
// The graph is strictly forward:
//
//	Active -> Executed -> Settled | Refunded | Failed
//	Active -> Cancelled
//	Active -> Failed
//
// Settled, Refunded, Cancelled, and Failed are terminal; a terminal order is
// never mutated again, only read.
type OrderState string

const (
	OrderStateActive    OrderState = "active"
	OrderStateExecuted  OrderState = "executed" // leg 1 complete, leg 2 pending
	OrderStateSettled   OrderState = "settled"
	OrderStateRefunded  OrderState = "refunded"
	OrderStateCancelled OrderState = "cancelled"
	OrderStateFailed    OrderState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderStateSettled, OrderStateRefunded, OrderStateCancelled, OrderStateFailed:
		return true
	}
	return false
}

// SettlementPath identifies which of the two settlement flows owns an order.
type SettlementPath string

const (
	// PathAtomic settles within a single call using flash-loaned capital.
	PathAtomic SettlementPath = "atomic"
	// PathDeferred submits leg 1 to an asynchronous venue and settles when
	// the venue's keeper reports back.
	PathDeferred SettlementPath = "deferred"
)

// SplitPolicy is the profit split captured at order creation. Later policy
// changes never affect an order that is already open.
type SplitPolicy struct {
	// UserShareBps is the owner's share of profit in basis points. The
	// protocol receives the remainder, including any integer-division
	// remainder from the owner's share.
	UserShareBps int64
}

// OwnerCut returns the owner's portion of profit under this policy. Division
// truncates toward zero, so the protocol always receives the rounding
// remainder.
func (p SplitPolicy) OwnerCut(profit *big.Int) *big.Int {
	cut := new(big.Int).Mul(profit, big.NewInt(p.UserShareBps))
	return cut.Div(cut, big.NewInt(10_000))
}

// ArbitrageOrder is the unit of work: one borrow-token/target-token pair
// driven through a two-leg cross-venue trade.
type ArbitrageOrder struct {
	Key         string // keccak256 of (owner, tokens, principal, nonce), hex
	Owner       common.Address
	BorrowToken common.Address
	TargetToken common.Address
	Path        SettlementPath

	Principal          *big.Int
	MinOutputLeg1      *big.Int
	MinOutputLeg2      *big.Int
	ExecutionFeeBudget *big.Int // keeper fee budget, deferred path only

	Split SplitPolicy
	State OrderState

	// VenueHandle is the pending handle returned by the asynchronous venue
	// for deferred orders.
	VenueHandle string

	// PendingCancel records that the owner requested cancellation. The
	// authoritative refund still waits for the venue's cancellation callback.
	PendingCancel bool

	// Leg1Output is the realized output of leg 1 in target token, set by the
	// execution callback.
	Leg1Output *big.Int

	// Terminal accounting. Conservation: Principal custodied at creation ==
	// Refunded + DistributedOwner + DistributedProtocol valued per outcome
	// (premium on the atomic path is accounted explicitly in PremiumPaid).
	Refunded            *big.Int
	DistributedOwner    *big.Int
	DistributedProtocol *big.Int
	PremiumPaid         *big.Int

	FailReason string

	Nonce     string
	CreatedAt time.Time
	UpdatedAt time.Time
	SettledAt *time.Time
}

// Clone returns a deep copy so callers can hand out order snapshots without
// exposing the ledger's mutable record.
func (o *ArbitrageOrder) Clone() *ArbitrageOrder {
	cp := *o
	cp.Principal = cloneBig(o.Principal)
	cp.MinOutputLeg1 = cloneBig(o.MinOutputLeg1)
	cp.MinOutputLeg2 = cloneBig(o.MinOutputLeg2)
	cp.ExecutionFeeBudget = cloneBig(o.ExecutionFeeBudget)
	cp.Leg1Output = cloneBig(o.Leg1Output)
	cp.Refunded = cloneBig(o.Refunded)
	cp.DistributedOwner = cloneBig(o.DistributedOwner)
	cp.DistributedProtocol = cloneBig(o.DistributedProtocol)
	cp.PremiumPaid = cloneBig(o.PremiumPaid)
	if o.SettledAt != nil {
		t := *o.SettledAt
		cp.SettledAt = &t
	}
	return &cp
}

func cloneBig(x *big.Int) *big.Int {
	if x == nil {
		return nil
	}
	return new(big.Int).Set(x)
}

// OrderKey derives the unique, immutable identifier for an order. The nonce
// makes keys collision-free for repeated identical submissions.
func OrderKey(owner, borrowToken, targetToken common.Address, principal *big.Int, nonce string) string {
	h := crypto.Keccak256(
		owner.Bytes(),
		borrowToken.Bytes(),
		targetToken.Bytes(),
		principal.Bytes(),
		[]byte(nonce),
	)
	return common.BytesToHash(h).Hex()
}

// String implements fmt.Stringer for log output.
func (o *ArbitrageOrder) String() string {
	return fmt.Sprintf("ArbitrageOrder(%s %s %s->%s P=%s)",
		o.Key[:10], o.State, o.BorrowToken.Hex()[:10], o.TargetToken.Hex()[:10], o.Principal)
}
