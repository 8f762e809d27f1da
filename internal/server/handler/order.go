package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/alephtrade/crossarb/internal/domain"
	"github.com/alephtrade/crossarb/internal/engine"
)

// OrderHandler serves order admission, lookup, and cancellation.
type OrderHandler struct {
	engine *engine.Engine
	store  domain.OrderStore
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler.
func NewOrderHandler(eng *engine.Engine, store domain.OrderStore, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		engine: eng,
		store:  store,
		logger: logHandler(logger, "order"),
	}
}

// createOrderRequest is the admission payload. Amounts are decimal strings.
type createOrderRequest struct {
	Owner              string `json:"owner"`
	BorrowToken        string `json:"borrow_token"`
	TargetToken        string `json:"target_token"`
	Principal          string `json:"principal"`
	MinOutputLeg1      string `json:"min_output_leg1"`
	MinOutputLeg2      string `json:"min_output_leg2"`
	ExecutionFeeBudget string `json:"execution_fee_budget"`
}

func (req createOrderRequest) toParams() (engine.CreateOrderParams, string) {
	var p engine.CreateOrderParams
	var ok bool

	if p.Owner, ok = parseAddress(req.Owner); !ok {
		return p, "owner is not a valid address"
	}
	if p.BorrowToken, ok = parseAddress(req.BorrowToken); !ok {
		return p, "borrow_token is not a valid address"
	}
	if p.TargetToken, ok = parseAddress(req.TargetToken); !ok {
		return p, "target_token is not a valid address"
	}
	if p.Principal, ok = parseAmount(req.Principal); !ok {
		return p, "principal is not a valid amount"
	}
	if p.MinOutputLeg1, ok = parseAmount(req.MinOutputLeg1); !ok {
		return p, "min_output_leg1 is not a valid amount"
	}
	if p.MinOutputLeg2, ok = parseAmount(req.MinOutputLeg2); !ok {
		return p, "min_output_leg2 is not a valid amount"
	}
	if req.ExecutionFeeBudget != "" {
		if p.ExecutionFeeBudget, ok = parseAmount(req.ExecutionFeeBudget); !ok {
			return p, "execution_fee_budget is not a valid amount"
		}
	}
	return p, ""
}

// CreateOrder admits a deferred-path order.
// POST /api/orders
func (h *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	params, msg := req.toParams()
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	key, err := h.engine.CreateOrder(r.Context(), params)
	if err != nil {
		h.logger.WarnContext(r.Context(), "order admission rejected",
			slog.String("owner", req.Owner),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"order_key": key})
}

// ExecuteAtomic runs the flash-advance settlement path end to end and returns
// the receipt. Nothing persists when the round trip cannot cover the debt.
// POST /api/orders/atomic
func (h *OrderHandler) ExecuteAtomic(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	params, msg := req.toParams()
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	receipt, err := h.engine.ExecuteAtomic(r.Context(), params)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"order_key":            receipt.OrderKey,
		"output":               amountString(receipt.Output),
		"premium":              amountString(receipt.Premium),
		"profit":               amountString(receipt.Profit),
		"distributed_owner":    amountString(receipt.DistributedOwner),
		"distributed_protocol": amountString(receipt.DistributedProtocol),
	})
}

// GetOrder returns one order by key.
// GET /api/orders/{key}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	key := pathParam(r, "key")

	order, err := h.engine.GetOrder(key)
	if err != nil {
		// Terminal orders may already have been evicted from the in-memory
		// ledger; fall back to the durable store.
		order, err = h.store.GetByKey(r.Context(), key)
		if err != nil {
			writeDomainError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, orderView(order))
}

// ListOrders returns orders for one owner, newest first.
// GET /api/orders?owner=0x...
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	owner, ok := parseAddress(r.URL.Query().Get("owner"))
	if !ok {
		writeError(w, http.StatusBadRequest, "owner query parameter is required")
		return
	}

	orders, err := h.store.ListByOwner(r.Context(), owner.Hex(), parseListOpts(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	views := make([]map[string]any, 0, len(orders))
	for _, o := range orders {
		views = append(views, orderView(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": views})
}

// CancelOrder forwards a cancellation request to the asynchronous venue. The
// refund itself arrives later through the venue's cancellation callback.
// DELETE /api/orders/{key}?caller=0x...
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	key := pathParam(r, "key")

	caller, ok := parseAddress(r.URL.Query().Get("caller"))
	if !ok {
		writeError(w, http.StatusBadRequest, "caller query parameter is required")
		return
	}

	if err := h.engine.CancelOrder(r.Context(), caller, key); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"order_key": key,
		"status":    "cancel_requested",
	})
}

// orderView renders an order for API responses. Amounts are decimal strings.
func orderView(o *domain.ArbitrageOrder) map[string]any {
	v := map[string]any{
		"order_key":            o.Key,
		"owner":                o.Owner.Hex(),
		"borrow_token":         o.BorrowToken.Hex(),
		"target_token":         o.TargetToken.Hex(),
		"path":                 string(o.Path),
		"state":                string(o.State),
		"principal":            amountString(o.Principal),
		"min_output_leg1":      amountString(o.MinOutputLeg1),
		"min_output_leg2":      amountString(o.MinOutputLeg2),
		"execution_fee_budget": amountString(o.ExecutionFeeBudget),
		"user_share_bps":       o.Split.UserShareBps,
		"pending_cancel":       o.PendingCancel,
		"leg1_output":          amountString(o.Leg1Output),
		"refunded":             amountString(o.Refunded),
		"distributed_owner":    amountString(o.DistributedOwner),
		"distributed_protocol": amountString(o.DistributedProtocol),
		"premium_paid":         amountString(o.PremiumPaid),
		"fail_reason":          o.FailReason,
		"created_at":           o.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":           o.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if o.SettledAt != nil {
		v["settled_at"] = o.SettledAt.UTC().Format(time.RFC3339)
	}
	return v
}
