package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alephtrade/crossarb/internal/custody"
	"github.com/alephtrade/crossarb/internal/domain"
	"github.com/alephtrade/crossarb/internal/ledger"
)

var (
	testOwner    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testAdmin    = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testTreasury = common.HexToAddress("0x3333333333333333333333333333333333333333")
	testKeeper   = common.HexToAddress("0x4444444444444444444444444444444444444444")
	testHolder   = common.HexToAddress("0x5555555555555555555555555555555555555555")
	testUSDC     = common.HexToAddress("0x6666666666666666666666666666666666666666")
	testWETH     = common.HexToAddress("0x7777777777777777777777777777777777777777")
)

type transferRec struct {
	token   common.Address
	account common.Address
	amount  *big.Int
}

// fakeTransferor records token movement across the custody boundary.
type fakeTransferor struct {
	mu           sync.Mutex
	in           []transferRec
	out          []transferRec
	failIn       bool
	failOut      bool
	failOutAfter int // decline once this many outbound transfers succeeded
}

func (f *fakeTransferor) TransferIn(_ context.Context, token, from common.Address, amount *big.Int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIn {
		return fmt.Errorf("transfer in declined: %w", domain.ErrTransfer)
	}
	f.in = append(f.in, transferRec{token, from, new(big.Int).Set(amount)})
	return nil
}

func (f *fakeTransferor) TransferOut(_ context.Context, token, to common.Address, amount *big.Int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOut || (f.failOutAfter > 0 && len(f.out) >= f.failOutAfter) {
		return fmt.Errorf("transfer out declined: %w", domain.ErrTransfer)
	}
	f.out = append(f.out, transferRec{token, to, new(big.Int).Set(amount)})
	return nil
}

// paidTo sums outbound transfers of token to the account.
func (f *fakeTransferor) paidTo(token, to common.Address) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := new(big.Int)
	for _, r := range f.out {
		if r.token == token && r.account == to {
			total.Add(total, r.amount)
		}
	}
	return total
}

// fakeSyncVenue returns scripted quotes and swap outputs.
type fakeSyncVenue struct {
	quoteFn func(tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, error)
	swapFn  func(tokenIn, tokenOut common.Address, amountIn, minOut *big.Int) (*big.Int, error)
	swaps   int
}

func (f *fakeSyncVenue) Quote(_ context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, error) {
	if f.quoteFn != nil {
		return f.quoteFn(tokenIn, tokenOut, amountIn)
	}
	return new(big.Int).Set(amountIn), nil
}

func (f *fakeSyncVenue) Swap(_ context.Context, tokenIn, tokenOut common.Address, amountIn, minOut *big.Int) (*big.Int, error) {
	f.swaps++
	return f.swapFn(tokenIn, tokenOut, amountIn, minOut)
}

func (f *fakeSyncVenue) Name() string { return "fakeswap" }

// swapReturning scripts a venue that honors minOut the way a real adapter
// must: below the floor it fails rather than clamps.
func swapReturning(out int64) func(_, _ common.Address, _, minOut *big.Int) (*big.Int, error) {
	return func(_, _ common.Address, _, minOut *big.Int) (*big.Int, error) {
		v := big.NewInt(out)
		if v.Cmp(minOut) < 0 {
			return nil, fmt.Errorf("output %s below minimum %s: %w", v, minOut, domain.ErrSlippage)
		}
		return v, nil
	}
}

// fakeAsyncVenue records submissions and cancellation requests.
type fakeAsyncVenue struct {
	mu         sync.Mutex
	minFee     *big.Int
	submitted  []domain.AsyncSubmission
	cancelled  []string
	failSubmit bool
	quoteFn    func(tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, error)
}

func (f *fakeAsyncVenue) Quote(_ context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, error) {
	if f.quoteFn != nil {
		return f.quoteFn(tokenIn, tokenOut, amountIn)
	}
	return new(big.Int).Set(amountIn), nil
}

func (f *fakeAsyncVenue) Submit(_ context.Context, sub domain.AsyncSubmission) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSubmit {
		return "", fmt.Errorf("venue rejected order: %w", domain.ErrExternalCall)
	}
	f.submitted = append(f.submitted, sub)
	return fmt.Sprintf("handle-%d", len(f.submitted)), nil
}

func (f *fakeAsyncVenue) Cancel(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, handle)
	return nil
}

func (f *fakeAsyncVenue) MinFeeBudget(context.Context) (*big.Int, error) {
	if f.minFee == nil {
		return big.NewInt(1), nil
	}
	return new(big.Int).Set(f.minFee), nil
}

func (f *fakeAsyncVenue) Name() string { return "fakekeeper" }

// fakeLender advances principal at a fixed premium. Repayment collection is
// implicit: fn returning nil means the round trip covered the debt.
type fakeLender struct {
	premiumBps int64
	advances   int
}

func (f *fakeLender) Advance(ctx context.Context, _ common.Address, principal *big.Int, fn func(context.Context, *big.Int) error) error {
	f.advances++
	premium := new(big.Int).Mul(principal, big.NewInt(f.premiumBps))
	premium.Div(premium, big.NewInt(10_000))
	return fn(ctx, premium)
}

func (f *fakeLender) PremiumBps(context.Context) (int64, error) { return f.premiumBps, nil }

// memStore is an in-memory OrderStore.
type memStore struct {
	mu     sync.Mutex
	orders map[string]*domain.ArbitrageOrder
}

func newMemStore() *memStore {
	return &memStore{orders: make(map[string]*domain.ArbitrageOrder)}
}

func (s *memStore) Create(_ context.Context, o *domain.ArbitrageOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.Key]; ok {
		return domain.ErrAlreadyExists
	}
	s.orders[o.Key] = o.Clone()
	return nil
}

func (s *memStore) Update(_ context.Context, o *domain.ArbitrageOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.Key] = o.Clone()
	return nil
}

func (s *memStore) GetByKey(_ context.Context, key string) (*domain.ArbitrageOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return o.Clone(), nil
}

func (s *memStore) ListOpen(context.Context) ([]*domain.ArbitrageOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.ArbitrageOrder
	for _, o := range s.orders {
		if !o.State.Terminal() {
			out = append(out, o.Clone())
		}
	}
	return out, nil
}

func (s *memStore) ListByOwner(_ context.Context, owner string, _ domain.ListOpts) ([]*domain.ArbitrageOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.ArbitrageOrder
	for _, o := range s.orders {
		if o.Owner.Hex() == owner {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) ListTerminalBefore(_ context.Context, before time.Time) ([]*domain.ArbitrageOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.ArbitrageOrder
	for _, o := range s.orders {
		if o.State.Terminal() && o.UpdatedAt.Before(before) {
			out = append(out, o.Clone())
		}
	}
	return out, nil
}

// memAudit is an in-memory AuditStore.
type memAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (a *memAudit) Log(_ context.Context, event string, detail map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, domain.AuditEntry{
		ID:        int64(len(a.entries) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (a *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.AuditEntry(nil), a.entries...), nil
}

// memBus collects published events for assertion.
type memBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *memBus) Publish(_ context.Context, _ string, payload []byte) error {
	var evt domain.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evt)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (b *memBus) byType(t domain.EventType) []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Event
	for _, e := range b.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// memLocks is a process-local LockManager.
type memLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *memLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = make(map[string]bool)
	}
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}

// memLimiter allows everything unless a budget is set.
type memLimiter struct {
	mu     sync.Mutex
	budget int
	used   int
}

func (l *memLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.budget == 0 {
		return true, nil
	}
	l.used++
	return l.used <= l.budget, nil
}

// harness bundles an engine with all its fakes.
type harness struct {
	engine    *Engine
	ledger    *ledger.Ledger
	vault     *custody.Vault
	transfers *fakeTransferor
	sync      *fakeSyncVenue
	async     *fakeAsyncVenue
	lender    *fakeLender
	store     *memStore
	audit     *memAudit
	bus       *memBus
	limiter   *memLimiter
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	if cfg.Admin == (common.Address{}) {
		cfg.Admin = testAdmin
	}
	if cfg.Treasury == (common.Address{}) {
		cfg.Treasury = testTreasury
	}
	if cfg.SlippageCeilingBps == 0 {
		cfg.SlippageCeilingBps = 500
	}
	if cfg.UserShareBps == 0 {
		cfg.UserShareBps = 8_000
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		ledger:    ledger.New(),
		transfers: &fakeTransferor{},
		sync:      &fakeSyncVenue{},
		async:     &fakeAsyncVenue{},
		lender:    &fakeLender{premiumBps: 9},
		store:     newMemStore(),
		audit:     &memAudit{},
		bus:       &memBus{},
		limiter:   &memLimiter{},
	}
	h.vault = custody.New(h.transfers, testHolder, logger)
	h.engine = New(
		h.ledger, h.vault, h.sync, h.async, h.lender,
		h.store, h.audit, h.bus, &memLocks{}, h.limiter,
		cfg, logger,
	)

	if err := h.engine.SetKeeperAuthorization(context.Background(), cfg.Admin, testKeeper, true); err != nil {
		t.Fatalf("authorize keeper: %v", err)
	}
	return h
}

// admit creates a standard deferred order: 100 USDC principal, fee budget 2,
// leg 1 minimum 90 WETH, leg 2 minimum configurable.
func (h *harness) admit(t *testing.T, minOut2 int64) string {
	t.Helper()
	key, err := h.engine.CreateOrder(context.Background(), CreateOrderParams{
		Owner:              testOwner,
		BorrowToken:        testUSDC,
		TargetToken:        testWETH,
		Principal:          big.NewInt(100),
		MinOutputLeg1:      big.NewInt(90),
		MinOutputLeg2:      big.NewInt(minOut2),
		ExecutionFeeBudget: big.NewInt(2),
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return key
}
