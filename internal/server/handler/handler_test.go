package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alephtrade/crossarb/internal/crypto"
	"github.com/alephtrade/crossarb/internal/custody"
	"github.com/alephtrade/crossarb/internal/domain"
	"github.com/alephtrade/crossarb/internal/engine"
	"github.com/alephtrade/crossarb/internal/ledger"
)

const testChainID = 137

// Deterministic keeper key for attestation tests.
const keeperKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

var (
	testOwner    = common.HexToAddress("0x1000000000000000000000000000000000000001")
	testAdmin    = common.HexToAddress("0x1000000000000000000000000000000000000002")
	testTreasury = common.HexToAddress("0x1000000000000000000000000000000000000003")
	testHolder   = common.HexToAddress("0x1000000000000000000000000000000000000004")
	testUSDC     = common.HexToAddress("0x2000000000000000000000000000000000000001")
	testWETH     = common.HexToAddress("0x2000000000000000000000000000000000000002")
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type nullTransferor struct{}

func (nullTransferor) TransferIn(context.Context, common.Address, common.Address, *big.Int) error {
	return nil
}
func (nullTransferor) TransferOut(context.Context, common.Address, common.Address, *big.Int) error {
	return nil
}

type fixedSyncVenue struct{ out *big.Int }

func (v fixedSyncVenue) Quote(context.Context, common.Address, common.Address, *big.Int) (*big.Int, error) {
	return new(big.Int).Set(v.out), nil
}

func (v fixedSyncVenue) Swap(_ context.Context, _, _ common.Address, _, minOut *big.Int) (*big.Int, error) {
	if v.out.Cmp(minOut) < 0 {
		return nil, domain.ErrSlippage
	}
	return new(big.Int).Set(v.out), nil
}

func (fixedSyncVenue) Name() string { return "amm" }

type fakeAsyncVenue struct{ cancelled []string }

func (fakeAsyncVenue) Quote(_ context.Context, _, _ common.Address, amountIn *big.Int) (*big.Int, error) {
	return new(big.Int).Set(amountIn), nil
}

func (fakeAsyncVenue) Submit(context.Context, domain.AsyncSubmission) (string, error) {
	return "handle-1", nil
}

func (v *fakeAsyncVenue) Cancel(_ context.Context, handle string) error {
	v.cancelled = append(v.cancelled, handle)
	return nil
}

func (fakeAsyncVenue) MinFeeBudget(context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (fakeAsyncVenue) Name() string { return "keeper" }

type noLender struct{}

func (noLender) Advance(context.Context, common.Address, *big.Int, func(context.Context, *big.Int) error) error {
	return domain.ErrExternalCall
}
func (noLender) PremiumBps(context.Context) (int64, error) { return 0, nil }

type memStore struct{ orders map[string]*domain.ArbitrageOrder }

func newMemStore() *memStore { return &memStore{orders: make(map[string]*domain.ArbitrageOrder)} }

func (s *memStore) Create(_ context.Context, o *domain.ArbitrageOrder) error {
	s.orders[o.Key] = o.Clone()
	return nil
}

func (s *memStore) Update(_ context.Context, o *domain.ArbitrageOrder) error {
	s.orders[o.Key] = o.Clone()
	return nil
}

func (s *memStore) GetByKey(_ context.Context, key string) (*domain.ArbitrageOrder, error) {
	o, ok := s.orders[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return o.Clone(), nil
}

func (s *memStore) ListOpen(context.Context) ([]*domain.ArbitrageOrder, error) {
	var out []*domain.ArbitrageOrder
	for _, o := range s.orders {
		if !o.State.Terminal() {
			out = append(out, o.Clone())
		}
	}
	return out, nil
}

func (s *memStore) ListByOwner(_ context.Context, owner string, _ domain.ListOpts) ([]*domain.ArbitrageOrder, error) {
	var out []*domain.ArbitrageOrder
	for _, o := range s.orders {
		if o.Owner.Hex() == owner {
			out = append(out, o.Clone())
		}
	}
	return out, nil
}

func (s *memStore) ListTerminalBefore(context.Context, time.Time) ([]*domain.ArbitrageOrder, error) {
	return nil, nil
}

func (s *memStore) DeleteByKeys(context.Context, []string) error { return nil }

type memAudit struct{ entries []domain.AuditEntry }

func (a *memAudit) Log(_ context.Context, event string, detail map[string]any) error {
	a.entries = append(a.entries, domain.AuditEntry{
		ID:        int64(len(a.entries) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (a *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	out := make([]domain.AuditEntry, len(a.entries))
	copy(out, a.entries)
	return out, nil
}

type memStream struct{ msgs []domain.StreamMessage }

func (s *memStream) StreamAppend(_ context.Context, _ string, payload []byte) error {
	s.msgs = append(s.msgs, domain.StreamMessage{
		ID:      fmt.Sprintf("%d-0", len(s.msgs)+1),
		Payload: payload,
	})
	return nil
}

func (s *memStream) StreamRead(_ context.Context, _ string, lastID string, count int) ([]domain.StreamMessage, error) {
	var out []domain.StreamMessage
	for _, m := range s.msgs {
		if m.ID > lastID && len(out) < count {
			out = append(out, m)
		}
	}
	return out, nil
}

type nullBus struct{}

func (nullBus) Publish(context.Context, string, []byte) error { return nil }
func (nullBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return make(chan []byte), nil
}

type nullLocks struct{}

func (nullLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	return func() {}, nil
}

type nullLimiter struct{}

func (nullLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return true, nil
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	engine *engine.Engine
	store  *memStore
	audit  *memAudit
	stream *memStream
	vault  *custody.Vault
	signer *crypto.Signer
	mux    *http.ServeMux
}

func newHarness(t *testing.T, leg2Out int64) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	signer, err := crypto.NewSigner(keeperKeyHex, testChainID)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}

	store := newMemStore()
	audit := &memAudit{}
	vault := custody.New(nullTransferor{}, testHolder, logger)
	eng := engine.New(
		ledger.New(),
		vault,
		fixedSyncVenue{out: big.NewInt(leg2Out)},
		&fakeAsyncVenue{},
		noLender{},
		store,
		audit,
		nullBus{},
		nullLocks{},
		nullLimiter{},
		engine.Config{
			Admin:              testAdmin,
			Treasury:           testTreasury,
			SlippageCeilingBps: 500,
			UserShareBps:       8000,
		},
		logger,
	)
	if err := eng.SetKeeperAuthorization(context.Background(), testAdmin, signer.Address(), true); err != nil {
		t.Fatalf("authorize keeper: %v", err)
	}

	mux := http.NewServeMux()
	orders := NewOrderHandler(eng, store, logger)
	callbacks := NewCallbackHandler(eng, testChainID, logger)
	admin := NewAdminHandler(eng, logger)
	stream := &memStream{}
	audits := NewAuditHandler(audit, stream, logger)
	mux.HandleFunc("POST /api/orders", orders.CreateOrder)
	mux.HandleFunc("GET /api/orders", orders.ListOrders)
	mux.HandleFunc("GET /api/orders/{key}", orders.GetOrder)
	mux.HandleFunc("DELETE /api/orders/{key}", orders.CancelOrder)
	mux.HandleFunc("POST /api/callbacks/executed", callbacks.Executed)
	mux.HandleFunc("POST /api/callbacks/cancelled", callbacks.Cancelled)
	mux.HandleFunc("POST /api/callbacks/frozen", callbacks.Frozen)
	mux.HandleFunc("PUT /api/admin/slippage", admin.SetSlippage)
	mux.HandleFunc("GET /api/events", audits.ListEvents)
	mux.HandleFunc("GET /api/events/stream", audits.StreamEvents)

	return &harness{engine: eng, store: store, audit: audit, stream: stream, vault: vault, signer: signer, mux: mux}
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	return rec
}

func (h *harness) createOrder(t *testing.T) string {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/api/orders", map[string]string{
		"owner":                testOwner.Hex(),
		"borrow_token":         testUSDC.Hex(),
		"target_token":         testWETH.Hex(),
		"principal":            "100",
		"min_output_leg1":      "90",
		"min_output_leg2":      "90",
		"execution_fee_budget": "2",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create order: status %d body %s", rec.Code, rec.Body)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp["order_key"]
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestCreateOrderRejectsBadInput(t *testing.T) {
	h := newHarness(t, 100)

	tests := []struct {
		name string
		body map[string]string
	}{
		{"bad owner", map[string]string{
			"owner": "not-an-address", "borrow_token": testUSDC.Hex(), "target_token": testWETH.Hex(),
			"principal": "100", "min_output_leg1": "90", "min_output_leg2": "90",
		}},
		{"bad amount", map[string]string{
			"owner": testOwner.Hex(), "borrow_token": testUSDC.Hex(), "target_token": testWETH.Hex(),
			"principal": "12.5", "min_output_leg1": "90", "min_output_leg2": "90",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/api/orders", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestExecutedCallbackSettlesOverHTTP(t *testing.T) {
	h := newHarness(t, 105)
	key := h.createOrder(t)

	ts := time.Now().Unix()
	sig, err := h.signer.SignExecutionReport(key, big.NewInt(95), ts)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	rec := h.do(t, http.MethodPost, "/api/callbacks/executed", map[string]any{
		"order_key":   key,
		"leg1_output": "95",
		"timestamp":   ts,
		"signature":   sig,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body)
	}

	order, err := h.engine.GetOrder(key)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.State != domain.OrderStateSettled {
		t.Fatalf("state = %s, want settled", order.State)
	}
	if order.DistributedOwner.Cmp(big.NewInt(104)) != 0 {
		t.Fatalf("owner distribution = %s, want 104", order.DistributedOwner)
	}
}

func TestExecutedCallbackRejectsTamperedSignature(t *testing.T) {
	h := newHarness(t, 105)
	key := h.createOrder(t)

	ts := time.Now().Unix()
	// Attestation signed for output 95 but the request claims 950.
	sig, err := h.signer.SignExecutionReport(key, big.NewInt(95), ts)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	rec := h.do(t, http.MethodPost, "/api/callbacks/executed", map[string]any{
		"order_key":   key,
		"leg1_output": "950",
		"timestamp":   ts,
		"signature":   sig,
	})
	// The digest no longer matches, so recovery yields a different address
	// that is not an authorized keeper.
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}

	order, _ := h.engine.GetOrder(key)
	if order.State != domain.OrderStateActive {
		t.Fatalf("state = %s, want active", order.State)
	}
}

func TestExecutedCallbackRejectsUnauthorizedKeeper(t *testing.T) {
	h := newHarness(t, 105)
	key := h.createOrder(t)

	rogue, err := crypto.NewSigner("2c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318", testChainID)
	if err != nil {
		t.Fatalf("rogue signer: %v", err)
	}

	ts := time.Now().Unix()
	sig, err := rogue.SignExecutionReport(key, big.NewInt(95), ts)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	rec := h.do(t, http.MethodPost, "/api/callbacks/executed", map[string]any{
		"order_key":   key,
		"leg1_output": "95",
		"timestamp":   ts,
		"signature":   sig,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestExecutedCallbackRejectsStaleTimestamp(t *testing.T) {
	h := newHarness(t, 105)
	key := h.createOrder(t)

	ts := time.Now().Add(-time.Hour).Unix()
	sig, err := h.signer.SignExecutionReport(key, big.NewInt(95), ts)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	rec := h.do(t, http.MethodPost, "/api/callbacks/executed", map[string]any{
		"order_key":   key,
		"leg1_output": "95",
		"timestamp":   ts,
		"signature":   sig,
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestCancelFlowOverHTTP(t *testing.T) {
	h := newHarness(t, 105)
	key := h.createOrder(t)

	rec := h.do(t, http.MethodDelete, "/api/orders/"+key+"?caller="+testOwner.Hex(), nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("cancel request status = %d body %s", rec.Code, rec.Body)
	}

	// The refund only lands once the venue confirms through the callback.
	ts := time.Now().Unix()
	sig, err := h.signer.SignCancellationReport(key, ts)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	rec = h.do(t, http.MethodPost, "/api/callbacks/cancelled", map[string]any{
		"order_key": key,
		"timestamp": ts,
		"signature": sig,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel callback status = %d body %s", rec.Code, rec.Body)
	}

	order, _ := h.engine.GetOrder(key)
	if order.State != domain.OrderStateCancelled {
		t.Fatalf("state = %s, want cancelled", order.State)
	}
	if order.Refunded.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("refunded = %s, want 100", order.Refunded)
	}
}

func TestFrozenCallbackNotesWithoutStateChange(t *testing.T) {
	h := newHarness(t, 105)
	key := h.createOrder(t)

	ts := time.Now().Unix()
	sig, err := h.signer.SignFrozenReport(key, "venue maintenance", ts)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	rec := h.do(t, http.MethodPost, "/api/callbacks/frozen", map[string]any{
		"order_key": key,
		"reason":    "venue maintenance",
		"timestamp": ts,
		"signature": sig,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body)
	}

	order, _ := h.engine.GetOrder(key)
	if order.State != domain.OrderStateActive {
		t.Fatalf("state = %s, want active", order.State)
	}
	if order.Refunded != nil {
		t.Fatalf("freeze notification refunded %s", order.Refunded)
	}
}

// Each report type carries its own EIP-712 type hash, so an attestation for
// one callback endpoint must never verify at another. A freeze report is
// informational; replayed at the cancelled endpoint it would force a refund.
func TestCancelledCallbackRejectsFrozenAttestation(t *testing.T) {
	h := newHarness(t, 105)
	key := h.createOrder(t)

	ts := time.Now().Unix()
	sig, err := h.signer.SignFrozenReport(key, "venue maintenance", ts)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	rec := h.do(t, http.MethodPost, "/api/callbacks/frozen", map[string]any{
		"order_key": key,
		"reason":    "venue maintenance",
		"timestamp": ts,
		"signature": sig,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("frozen status = %d body %s", rec.Code, rec.Body)
	}

	// Replay the observed freeze attestation against the cancelled endpoint.
	rec = h.do(t, http.MethodPost, "/api/callbacks/cancelled", map[string]any{
		"order_key": key,
		"timestamp": ts,
		"signature": sig,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("replayed freeze attestation status = %d, want 403", rec.Code)
	}

	order, _ := h.engine.GetOrder(key)
	if order.State != domain.OrderStateActive {
		t.Fatalf("state = %s after replay, want active", order.State)
	}
	if order.Refunded != nil {
		t.Fatalf("replayed freeze attestation refunded %s", order.Refunded)
	}
}

func TestFrozenCallbackRejectsCancellationAttestation(t *testing.T) {
	h := newHarness(t, 105)
	key := h.createOrder(t)

	ts := time.Now().Unix()
	sig, err := h.signer.SignCancellationReport(key, ts)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	rec := h.do(t, http.MethodPost, "/api/callbacks/frozen", map[string]any{
		"order_key": key,
		"reason":    "venue maintenance",
		"timestamp": ts,
		"signature": sig,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestCancelRejectsStranger(t *testing.T) {
	h := newHarness(t, 105)
	key := h.createOrder(t)

	stranger := common.HexToAddress("0x00000000000000000000000000000000000000ff")
	rec := h.do(t, http.MethodDelete, "/api/orders/"+key+"?caller="+stranger.Hex(), nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestGetAndListOrders(t *testing.T) {
	h := newHarness(t, 105)
	key := h.createOrder(t)

	rec := h.do(t, http.MethodGet, "/api/orders/"+key, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var view map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view["state"] != "active" || view["principal"] != "100" {
		t.Fatalf("unexpected view: %v", view)
	}

	rec = h.do(t, http.MethodGet, "/api/orders?owner="+testOwner.Hex(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list struct {
		Orders []map[string]any `json:"orders"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Orders) != 1 {
		t.Fatalf("listed %d orders, want 1", len(list.Orders))
	}

	rec = h.do(t, http.MethodGet, "/api/orders/0xdeadbeef", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing order status = %d, want 404", rec.Code)
	}
}

func TestAdminSlippageEndpoint(t *testing.T) {
	h := newHarness(t, 105)

	rec := h.do(t, http.MethodPut, "/api/admin/slippage", map[string]any{
		"caller": testAdmin.Hex(),
		"bps":    300,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body)
	}

	rec = h.do(t, http.MethodPut, "/api/admin/slippage", map[string]any{
		"caller": testOwner.Hex(),
		"bps":    300,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-admin status = %d, want 403", rec.Code)
	}
}

func TestListEventsEndpoint(t *testing.T) {
	h := newHarness(t, 105)
	h.createOrder(t)

	rec := h.do(t, http.MethodGet, "/api/events?limit=10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Events []map[string]any `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Events) == 0 {
		t.Fatal("no audit events recorded for admission")
	}
}

func TestStreamEventsEndpointPages(t *testing.T) {
	h := newHarness(t, 105)

	for _, typ := range []string{"order_created", "leg_executed"} {
		payload, err := json.Marshal(map[string]any{"type": typ})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if err := h.stream.StreamAppend(context.Background(), engine.EventLogStream, payload); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	var resp struct {
		Events []struct {
			ID    string          `json:"id"`
			Event json.RawMessage `json:"event"`
		} `json:"events"`
		Next string `json:"next"`
	}

	rec := h.do(t, http.MethodGet, "/api/events/stream?limit=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Events) != 1 {
		t.Fatalf("got %d events, want 1", len(resp.Events))
	}
	first := resp.Events[0].ID

	rec = h.do(t, http.MethodGet, "/api/events/stream?after="+resp.Next+"&limit=10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body)
	}
	resp.Events = nil
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Events) != 1 {
		t.Fatalf("got %d events after %s, want 1", len(resp.Events), first)
	}
	if resp.Events[0].ID == first {
		t.Fatal("pagination returned the same event twice")
	}
}
