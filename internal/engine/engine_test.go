package engine

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alephtrade/crossarb/internal/domain"
)

func TestCreateOrderValidation(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	base := CreateOrderParams{
		Owner:              testOwner,
		BorrowToken:        testUSDC,
		TargetToken:        testWETH,
		Principal:          big.NewInt(100),
		MinOutputLeg1:      big.NewInt(90),
		MinOutputLeg2:      big.NewInt(90),
		ExecutionFeeBudget: big.NewInt(2),
	}

	tests := []struct {
		name   string
		mutate func(*CreateOrderParams)
	}{
		{"zero owner", func(p *CreateOrderParams) { p.Owner = common.Address{} }},
		{"zero borrow token", func(p *CreateOrderParams) { p.BorrowToken = common.Address{} }},
		{"same tokens", func(p *CreateOrderParams) { p.TargetToken = p.BorrowToken }},
		{"nil principal", func(p *CreateOrderParams) { p.Principal = nil }},
		{"zero principal", func(p *CreateOrderParams) { p.Principal = big.NewInt(0) }},
		{"negative principal", func(p *CreateOrderParams) { p.Principal = big.NewInt(-5) }},
		{"zero min out leg 1", func(p *CreateOrderParams) { p.MinOutputLeg1 = big.NewInt(0) }},
		{"zero min out leg 2", func(p *CreateOrderParams) { p.MinOutputLeg2 = big.NewInt(0) }},
		{"fee below venue minimum", func(p *CreateOrderParams) { p.ExecutionFeeBudget = big.NewInt(0) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base
			tt.mutate(&p)
			if _, err := h.engine.CreateOrder(ctx, p); !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("want ErrValidation, got %v", err)
			}
		})
	}

	if len(h.transfers.in) != 0 {
		t.Fatalf("rejected admissions moved funds: %d transfers", len(h.transfers.in))
	}
}

func TestCreateOrderAdmitsAndSubmits(t *testing.T) {
	h := newHarness(t, Config{})
	key := h.admit(t, 90)

	order, err := h.engine.GetOrder(key)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.State != domain.OrderStateActive {
		t.Fatalf("state = %s, want active", order.State)
	}
	if order.VenueHandle == "" {
		t.Fatal("no venue handle recorded")
	}

	if got := h.vault.Balance(testUSDC); got.Cmp(big.NewInt(102)) != 0 {
		t.Fatalf("vault balance = %s, want 102", got)
	}
	if got := h.vault.CommittedTotal(testUSDC); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("committed = %s, want 100", got)
	}
	if len(h.async.submitted) != 1 {
		t.Fatalf("submissions = %d, want 1", len(h.async.submitted))
	}
	if h.async.submitted[0].OrderKey != key {
		t.Fatal("submission carries wrong order key")
	}
	if got := h.bus.byType(domain.EventOrderCreated); len(got) != 1 {
		t.Fatalf("order_created events = %d, want 1", len(got))
	}
}

func TestCreateOrderUnwindsOnSubmitFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.async.failSubmit = true

	_, err := h.engine.CreateOrder(context.Background(), CreateOrderParams{
		Owner:              testOwner,
		BorrowToken:        testUSDC,
		TargetToken:        testWETH,
		Principal:          big.NewInt(100),
		MinOutputLeg1:      big.NewInt(90),
		MinOutputLeg2:      big.NewInt(90),
		ExecutionFeeBudget: big.NewInt(2),
	})
	if !errors.Is(err, domain.ErrExternalCall) {
		t.Fatalf("want ErrExternalCall, got %v", err)
	}
	if got := h.transfers.paidTo(testUSDC, testOwner); got.Cmp(big.NewInt(102)) != 0 {
		t.Fatalf("unwind returned %s, want 102", got)
	}
	if got := h.vault.Balance(testUSDC); got.Sign() != 0 {
		t.Fatalf("vault balance = %s after unwind, want 0", got)
	}
	if got := h.vault.CommittedTotal(testUSDC); got.Sign() != 0 {
		t.Fatalf("commitment survived unwind: %s", got)
	}
}

// Break-even round trip: output equals principal, so the whole amount is
// refunded and no distribution event fires.
func TestSettleBreakEvenRefunds(t *testing.T) {
	h := newHarness(t, Config{})
	h.sync.swapFn = swapReturning(100)
	key := h.admit(t, 90)

	if err := h.engine.OnLegExecuted(context.Background(), testKeeper, key, big.NewInt(95)); err != nil {
		t.Fatalf("execution callback: %v", err)
	}

	order, _ := h.engine.GetOrder(key)
	if order.State != domain.OrderStateRefunded {
		t.Fatalf("state = %s, want refunded", order.State)
	}
	if order.Refunded.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("refunded = %s, want 100", order.Refunded)
	}
	if got := h.transfers.paidTo(testUSDC, testOwner); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("owner received %s, want 100", got)
	}
	if got := h.transfers.paidTo(testUSDC, testTreasury); got.Sign() != 0 {
		t.Fatalf("treasury received %s on a no-profit trade", got)
	}
	if got := h.bus.byType(domain.EventProfitDistributed); len(got) != 0 {
		t.Fatal("distribution event emitted for break-even trade")
	}
	if got := h.bus.byType(domain.EventOrderRefunded); len(got) != 1 {
		t.Fatalf("order_refunded events = %d, want 1", len(got))
	}
}

// Profitable round trip with an 80/20 split: profit 5 gives the owner
// 100 + 4 and the protocol the rounding remainder 1.
func TestSettleProfitSplitRounding(t *testing.T) {
	h := newHarness(t, Config{UserShareBps: 8_000})
	h.sync.swapFn = swapReturning(105)
	key := h.admit(t, 90)

	if err := h.engine.OnLegExecuted(context.Background(), testKeeper, key, big.NewInt(95)); err != nil {
		t.Fatalf("execution callback: %v", err)
	}

	order, _ := h.engine.GetOrder(key)
	if order.State != domain.OrderStateSettled {
		t.Fatalf("state = %s, want settled", order.State)
	}
	if got := h.transfers.paidTo(testUSDC, testOwner); got.Cmp(big.NewInt(104)) != 0 {
		t.Fatalf("owner received %s, want 104", got)
	}
	if got := h.transfers.paidTo(testUSDC, testTreasury); got.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("treasury received %s, want 1", got)
	}
	if order.DistributedOwner.Cmp(big.NewInt(104)) != 0 || order.DistributedProtocol.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("recorded distribution %s/%s, want 104/1", order.DistributedOwner, order.DistributedProtocol)
	}

	// Conservation: principal custodied == refunded + distributed.
	total := new(big.Int).Add(order.DistributedOwner, order.DistributedProtocol)
	want := new(big.Int).Add(order.Principal, big.NewInt(5))
	if total.Cmp(want) != 0 {
		t.Fatalf("distributed %s, want principal+profit %s", total, want)
	}
	if got := h.vault.CommittedTotal(testUSDC); got.Sign() != 0 {
		t.Fatalf("commitment not released: %s", got)
	}
}

// Leg 2 below its minimum output downgrades to Failed and hands the leg-1
// output back in target token. The callback itself succeeds.
func TestSettleLeg2SlippageDowngrades(t *testing.T) {
	h := newHarness(t, Config{})
	h.sync.swapFn = swapReturning(85)
	key := h.admit(t, 90)

	if err := h.engine.OnLegExecuted(context.Background(), testKeeper, key, big.NewInt(95)); err != nil {
		t.Fatalf("execution callback should trap the leg failure, got %v", err)
	}

	order, _ := h.engine.GetOrder(key)
	if order.State != domain.OrderStateFailed {
		t.Fatalf("state = %s, want failed", order.State)
	}
	if order.FailReason == "" {
		t.Fatal("failed order carries no reason")
	}
	if got := h.transfers.paidTo(testWETH, testOwner); got.Cmp(big.NewInt(95)) != 0 {
		t.Fatalf("owner received %s WETH, want 95", got)
	}
	if got := h.transfers.paidTo(testUSDC, testOwner); got.Sign() != 0 {
		t.Fatalf("owner received %s USDC on a failed trade", got)
	}
	events := h.bus.byType(domain.EventOrderFailed)
	if len(events) != 1 {
		t.Fatalf("order_failed events = %d, want 1", len(events))
	}
	if events[0].Reason == "" {
		t.Fatal("failure event has no reason")
	}
}

// A venue fill below the order's leg-1 minimum must not settle.
// A fill below the leg 1 minimum fails the order, but the venue did move
// funds: the books reflect the delivery and the stranded amount is recorded
// for reconciliation.
func TestExecutionBelowLeg1MinimumFails(t *testing.T) {
	h := newHarness(t, Config{})
	h.sync.swapFn = swapReturning(105)
	key := h.admit(t, 90)

	err := h.engine.OnLegExecuted(context.Background(), testKeeper, key, big.NewInt(80))
	if err == nil {
		t.Fatal("fill below leg 1 minimum settled")
	}
	order, _ := h.engine.GetOrder(key)
	if order.State != domain.OrderStateFailed {
		t.Fatalf("state = %s, want failed", order.State)
	}
	if h.sync.swaps != 0 {
		t.Fatal("leg 2 ran despite leg 1 minimum violation")
	}

	if order.Leg1Output == nil || order.Leg1Output.Cmp(big.NewInt(80)) != 0 {
		t.Fatalf("recorded leg 1 output = %s, want 80", order.Leg1Output)
	}
	// The venue spent the escrowed principal plus fee and delivered 80 of
	// the target token; both movements are on the books.
	if got := h.vault.Balance(testUSDC); got.Sign() != 0 {
		t.Fatalf("borrow token balance = %s, want 0", got)
	}
	if got := h.vault.Balance(testWETH); got.Cmp(big.NewInt(80)) != 0 {
		t.Fatalf("target token balance = %s, want the stranded 80", got)
	}

	events := h.bus.byType(domain.EventOrderFailed)
	if len(events) != 1 {
		t.Fatalf("got %d failure events, want 1", len(events))
	}
	if got := events[0].Detail["stranded_leg1_output"]; got != "80" {
		t.Fatalf("stranded detail = %v, want 80", got)
	}
}

// Idempotency: re-invoking the execution callback on a terminal order is
// rejected and moves no funds.
func TestExecutionCallbackIdempotent(t *testing.T) {
	h := newHarness(t, Config{})
	h.sync.swapFn = swapReturning(105)
	key := h.admit(t, 90)

	ctx := context.Background()
	if err := h.engine.OnLegExecuted(ctx, testKeeper, key, big.NewInt(95)); err != nil {
		t.Fatalf("first callback: %v", err)
	}
	ownerPaid := h.transfers.paidTo(testUSDC, testOwner)

	if err := h.engine.OnLegExecuted(ctx, testKeeper, key, big.NewInt(95)); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("want ErrInvalidState on replay, got %v", err)
	}
	if got := h.transfers.paidTo(testUSDC, testOwner); got.Cmp(ownerPaid) != 0 {
		t.Fatalf("replay moved funds: %s -> %s", ownerPaid, got)
	}
}

// Unauthorized caller: rejected, order untouched.
func TestExecutionCallbackUnauthorized(t *testing.T) {
	h := newHarness(t, Config{})
	h.sync.swapFn = swapReturning(105)
	key := h.admit(t, 90)

	rando := common.HexToAddress("0x9999999999999999999999999999999999999999")
	if err := h.engine.OnLegExecuted(context.Background(), rando, key, big.NewInt(95)); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
	order, _ := h.engine.GetOrder(key)
	if order.State != domain.OrderStateActive {
		t.Fatalf("state = %s after unauthorized call, want active", order.State)
	}
	if len(h.transfers.out) != 0 {
		t.Fatal("unauthorized call moved funds")
	}
}

// Manual cancel forwards to the venue without refunding; the venue's
// cancellation callback then returns exactly the principal.
func TestCancellationRoundTrip(t *testing.T) {
	h := newHarness(t, Config{})
	key := h.admit(t, 90)
	ctx := context.Background()

	if err := h.engine.CancelOrder(ctx, testOwner, key); err != nil {
		t.Fatalf("cancel order: %v", err)
	}

	order, _ := h.engine.GetOrder(key)
	if order.State != domain.OrderStateActive || !order.PendingCancel {
		t.Fatalf("after manual cancel: state=%s pending=%v, want active/pending", order.State, order.PendingCancel)
	}
	if len(h.async.cancelled) != 1 {
		t.Fatalf("venue cancel requests = %d, want 1", len(h.async.cancelled))
	}
	if len(h.transfers.out) != 0 {
		t.Fatal("manual cancel refunded before venue confirmation")
	}

	if err := h.engine.OnLegCancelled(ctx, testKeeper, key); err != nil {
		t.Fatalf("cancellation callback: %v", err)
	}

	order, _ = h.engine.GetOrder(key)
	if order.State != domain.OrderStateCancelled {
		t.Fatalf("state = %s, want cancelled", order.State)
	}
	if order.Refunded.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("refunded = %s, want exactly the principal 100", order.Refunded)
	}
	// Principal plus the untouched fee escrow come back; nothing else.
	if got := h.transfers.paidTo(testUSDC, testOwner); got.Cmp(big.NewInt(102)) != 0 {
		t.Fatalf("owner received %s, want 102", got)
	}
	if got := h.vault.Balance(testUSDC); got.Sign() != 0 {
		t.Fatalf("vault balance = %s after cancellation, want 0", got)
	}

	// The cancellation callback is one-shot too.
	if err := h.engine.OnLegCancelled(ctx, testKeeper, key); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("want ErrInvalidState on replayed cancellation, got %v", err)
	}
}

func TestCancelOrderAuthorization(t *testing.T) {
	h := newHarness(t, Config{})
	key := h.admit(t, 90)
	ctx := context.Background()

	rando := common.HexToAddress("0x9999999999999999999999999999999999999999")
	if err := h.engine.CancelOrder(ctx, rando, key); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
	if err := h.engine.CancelOrder(ctx, testAdmin, key); err != nil {
		t.Fatalf("admin cancel: %v", err)
	}
}

// A manual cancel racing an execution callback: whichever flips the order
// out of Active first wins, the loser is rejected.
func TestCancelThenExecutionRace(t *testing.T) {
	h := newHarness(t, Config{})
	h.sync.swapFn = swapReturning(105)
	key := h.admit(t, 90)
	ctx := context.Background()

	if err := h.engine.CancelOrder(ctx, testOwner, key); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// Execution wins the race despite the pending cancel flag.
	if err := h.engine.OnLegExecuted(ctx, testKeeper, key, big.NewInt(95)); err != nil {
		t.Fatalf("execution after pending cancel: %v", err)
	}
	// The late cancellation callback finds a settled order.
	if err := h.engine.OnLegCancelled(ctx, testKeeper, key); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("want ErrInvalidState for late cancellation, got %v", err)
	}
	order, _ := h.engine.GetOrder(key)
	if order.State != domain.OrderStateSettled {
		t.Fatalf("state = %s, want settled", order.State)
	}
}

func TestFrozenNotificationKeepsOrderActive(t *testing.T) {
	h := newHarness(t, Config{})
	key := h.admit(t, 90)
	ctx := context.Background()

	if err := h.engine.OnLegFrozen(ctx, testKeeper, key, "venue maintenance"); err != nil {
		t.Fatalf("frozen notification: %v", err)
	}
	order, _ := h.engine.GetOrder(key)
	if order.State != domain.OrderStateActive {
		t.Fatalf("state = %s after freeze, want active", order.State)
	}
	events := h.bus.byType(domain.EventOrderFrozen)
	if len(events) != 1 || events[0].Reason != "venue maintenance" {
		t.Fatalf("frozen events = %+v, want one with reason", events)
	}
	if len(h.transfers.out) != 0 {
		t.Fatal("freeze moved funds")
	}
}

func TestCallbackRateLimited(t *testing.T) {
	h := newHarness(t, Config{})
	h.limiter.budget = 1
	h.sync.swapFn = swapReturning(105)
	key := h.admit(t, 90)
	ctx := context.Background()

	if err := h.engine.OnLegFrozen(ctx, testKeeper, key, "first"); err != nil {
		t.Fatalf("first callback: %v", err)
	}
	if err := h.engine.OnLegFrozen(ctx, testKeeper, key, "second"); !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("want ErrRateLimited, got %v", err)
	}
}

func TestSetSlippageTolerance(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	if err := h.engine.SetSlippageTolerance(ctx, testOwner, 100); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized for non-admin, got %v", err)
	}
	if err := h.engine.SetSlippageTolerance(ctx, testAdmin, 1_001); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("want ErrValidation above ceiling, got %v", err)
	}
	if err := h.engine.SetSlippageTolerance(ctx, testAdmin, 0); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("want ErrValidation for zero, got %v", err)
	}
	if err := h.engine.SetSlippageTolerance(ctx, testAdmin, 300); err != nil {
		t.Fatalf("valid update: %v", err)
	}
	if got := h.engine.slippageCeiling(); got != 300 {
		t.Fatalf("ceiling = %d, want 300", got)
	}
	if got := h.bus.byType(domain.EventSlippageUpdated); len(got) != 1 {
		t.Fatalf("slippage_updated events = %d, want 1", len(got))
	}
}

func TestRescueEmitsSolvencyAlert(t *testing.T) {
	h := newHarness(t, Config{})
	h.admit(t, 90) // commits 100, balance 102
	ctx := context.Background()

	rescueTo := common.HexToAddress("0x8888888888888888888888888888888888888888")
	if err := h.engine.RescueAsset(ctx, testOwner, testUSDC, rescueTo, big.NewInt(50)); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized for non-admin rescue, got %v", err)
	}

	// Sweeping 50 leaves 52 against a 100 commitment.
	if err := h.engine.RescueAsset(ctx, testAdmin, testUSDC, rescueTo, big.NewInt(50)); err != nil {
		t.Fatalf("rescue: %v", err)
	}
	if got := h.transfers.paidTo(testUSDC, rescueTo); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("rescued %s, want 50", got)
	}
	alerts := h.bus.byType(domain.EventSolvencyAlert)
	if len(alerts) != 1 {
		t.Fatalf("solvency alerts = %d, want 1", len(alerts))
	}
	if gap := h.vault.SolvencyGap(testUSDC); gap.Cmp(big.NewInt(48)) != 0 {
		t.Fatalf("solvency gap = %s, want 48", gap)
	}
}

func TestProfitabilityPrecheck(t *testing.T) {
	h := newHarness(t, Config{Precheck: true, MinProfitBps: 100, SlippageCeilingBps: 500})
	// Async quote: 100 -> 95 WETH. Sync quote back: 95 -> 105 USDC.
	h.async.quoteFn = func(_, _ common.Address, _ *big.Int) (*big.Int, error) {
		return big.NewInt(95), nil
	}
	h.sync.quoteFn = func(_, _ common.Address, _ *big.Int) (*big.Int, error) {
		return big.NewInt(105), nil
	}

	key := h.admit(t, 100)
	if key == "" {
		t.Fatal("profitable order rejected")
	}

	// Projected round trip at break-even falls below the 100 bps minimum.
	h.sync.quoteFn = func(_, _ common.Address, _ *big.Int) (*big.Int, error) {
		return big.NewInt(100), nil
	}
	_, err := h.engine.CreateOrder(context.Background(), CreateOrderParams{
		Owner:              testOwner,
		BorrowToken:        testUSDC,
		TargetToken:        testWETH,
		Principal:          big.NewInt(100),
		MinOutputLeg1:      big.NewInt(91),
		MinOutputLeg2:      big.NewInt(96),
		ExecutionFeeBudget: big.NewInt(2),
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("want ErrValidation for unprofitable order, got %v", err)
	}
}

func TestPrecheckRejectsExcessSlippageConcession(t *testing.T) {
	h := newHarness(t, Config{Precheck: true, SlippageCeilingBps: 500})
	h.async.quoteFn = func(_, _ common.Address, _ *big.Int) (*big.Int, error) {
		return big.NewInt(100), nil
	}
	h.sync.quoteFn = func(_, _ common.Address, _ *big.Int) (*big.Int, error) {
		return big.NewInt(110), nil
	}

	// Leg 1 minimum 90 concedes 10% against a quote of 100; ceiling is 5%.
	_, err := h.engine.CreateOrder(context.Background(), CreateOrderParams{
		Owner:              testOwner,
		BorrowToken:        testUSDC,
		TargetToken:        testWETH,
		Principal:          big.NewInt(100),
		MinOutputLeg1:      big.NewInt(90),
		MinOutputLeg2:      big.NewInt(105),
		ExecutionFeeBudget: big.NewInt(2),
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("want ErrValidation for excess slippage concession, got %v", err)
	}
}
