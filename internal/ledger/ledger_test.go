package ledger

import (
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alephtrade/crossarb/internal/domain"
)

func newOrder(key string) *domain.ArbitrageOrder {
	now := time.Now().UTC()
	return &domain.ArbitrageOrder{
		Key:           key,
		Owner:         common.HexToAddress("0x1111111111111111111111111111111111111111"),
		BorrowToken:   common.HexToAddress("0x2222222222222222222222222222222222222222"),
		TargetToken:   common.HexToAddress("0x3333333333333333333333333333333333333333"),
		Path:          domain.PathDeferred,
		Principal:     big.NewInt(100),
		MinOutputLeg1: big.NewInt(90),
		MinOutputLeg2: big.NewInt(90),
		State:         domain.OrderStateActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestInsertRejectsDuplicates(t *testing.T) {
	l := New()
	if err := l.Insert(newOrder("k1")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := l.Insert(newOrder("k1")); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("want ErrAlreadyExists, got %v", err)
	}
}

func TestGetReturnsSnapshot(t *testing.T) {
	l := New()
	if err := l.Insert(newOrder("k1")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	o, err := l.Get("k1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	o.State = domain.OrderStateSettled
	o.Principal.SetInt64(0)

	again, _ := l.Get("k1")
	if again.State != domain.OrderStateActive {
		t.Fatal("mutating a snapshot changed the ledger record")
	}
	if again.Principal.Cmp(big.NewInt(100)) != 0 {
		t.Fatal("mutating a snapshot's big.Int changed the ledger record")
	}

	if _, err := l.Get("missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestTransitionGraph(t *testing.T) {
	tests := []struct {
		name    string
		from    domain.OrderState
		to      domain.OrderState
		allowed bool
	}{
		{"active to executed", domain.OrderStateActive, domain.OrderStateExecuted, true},
		{"active to cancelled", domain.OrderStateActive, domain.OrderStateCancelled, true},
		{"active to failed", domain.OrderStateActive, domain.OrderStateFailed, true},
		{"active to settled", domain.OrderStateActive, domain.OrderStateSettled, false},
		{"active to refunded", domain.OrderStateActive, domain.OrderStateRefunded, false},
		{"executed to settled", domain.OrderStateExecuted, domain.OrderStateSettled, true},
		{"executed to refunded", domain.OrderStateExecuted, domain.OrderStateRefunded, true},
		{"executed to failed", domain.OrderStateExecuted, domain.OrderStateFailed, true},
		{"executed to cancelled", domain.OrderStateExecuted, domain.OrderStateCancelled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New()
			o := newOrder("k1")
			o.State = tt.from
			if err := l.Insert(o); err != nil {
				t.Fatalf("insert: %v", err)
			}

			_, err := l.Transition("k1", tt.from, tt.to, nil)
			if tt.allowed && err != nil {
				t.Fatalf("legal transition rejected: %v", err)
			}
			if !tt.allowed && !errors.Is(err, domain.ErrInvalidState) {
				t.Fatalf("want ErrInvalidState, got %v", err)
			}
		})
	}
}

func TestTransitionChecksCurrentState(t *testing.T) {
	l := New()
	if err := l.Insert(newOrder("k1")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := l.Transition("k1", domain.OrderStateExecuted, domain.OrderStateSettled, nil); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("want ErrInvalidState for wrong from-state, got %v", err)
	}
	if _, err := l.Transition("missing", domain.OrderStateActive, domain.OrderStateExecuted, nil); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestTransitionSetsTerminalTimestamp(t *testing.T) {
	l := New()
	if err := l.Insert(newOrder("k1")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	mid, err := l.Transition("k1", domain.OrderStateActive, domain.OrderStateExecuted, func(o *domain.ArbitrageOrder) {
		o.Leg1Output = big.NewInt(95)
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if mid.SettledAt != nil {
		t.Fatal("non-terminal transition set SettledAt")
	}
	if mid.Leg1Output == nil || mid.Leg1Output.Cmp(big.NewInt(95)) != 0 {
		t.Fatal("mutate did not apply")
	}

	final, err := l.Transition("k1", domain.OrderStateExecuted, domain.OrderStateSettled, nil)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if final.SettledAt == nil {
		t.Fatal("terminal transition did not set SettledAt")
	}
}

// Exactly one of N racing transitions out of Active may win.
func TestTransitionRaceSingleWinner(t *testing.T) {
	l := New()
	if err := l.Insert(newOrder("k1")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan domain.OrderState, racers)
	for i := 0; i < racers; i++ {
		to := domain.OrderStateExecuted
		if i%2 == 1 {
			to = domain.OrderStateCancelled
		}
		wg.Add(1)
		go func(to domain.OrderState) {
			defer wg.Done()
			if _, err := l.Transition("k1", domain.OrderStateActive, to, nil); err == nil {
				wins <- to
			}
		}(to)
	}
	wg.Wait()
	close(wins)

	var won []domain.OrderState
	for w := range wins {
		won = append(won, w)
	}
	if len(won) != 1 {
		t.Fatalf("winners = %d, want exactly 1", len(won))
	}
}

func TestMarkPendingCancel(t *testing.T) {
	l := New()
	if err := l.Insert(newOrder("k1")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	o, err := l.MarkPendingCancel("k1")
	if err != nil {
		t.Fatalf("mark pending cancel: %v", err)
	}
	if !o.PendingCancel || o.State != domain.OrderStateActive {
		t.Fatalf("pending=%v state=%s, want pending Active", o.PendingCancel, o.State)
	}

	if _, err := l.Transition("k1", domain.OrderStateActive, domain.OrderStateCancelled, nil); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if _, err := l.MarkPendingCancel("k1"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("want ErrInvalidState on terminal order, got %v", err)
	}
}

func TestListOpenAndStuck(t *testing.T) {
	l := New()
	for _, key := range []string{"a", "b", "c"} {
		if err := l.Insert(newOrder(key)); err != nil {
			t.Fatalf("insert %s: %v", key, err)
		}
	}
	if _, err := l.Transition("c", domain.OrderStateActive, domain.OrderStateCancelled, nil); err != nil {
		t.Fatalf("transition: %v", err)
	}

	if open := l.ListOpen(); len(open) != 2 {
		t.Fatalf("open orders = %d, want 2", len(open))
	}

	// Everything open was touched just now, so a past cutoff finds nothing
	// and a future cutoff finds both.
	if stuck := l.ListStuck(time.Now().Add(-time.Minute)); len(stuck) != 0 {
		t.Fatalf("stuck before now = %d, want 0", len(stuck))
	}
	if stuck := l.ListStuck(time.Now().Add(time.Minute)); len(stuck) != 2 {
		t.Fatalf("stuck with future cutoff = %d, want 2", len(stuck))
	}
}
