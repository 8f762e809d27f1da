package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alephtrade/crossarb/internal/engine"
)

// AdminHandler serves owner-gated configuration and rescue operations. The
// engine enforces the admin check; the handler only parses and forwards.
type AdminHandler struct {
	engine *engine.Engine
	logger *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(eng *engine.Engine, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		engine: eng,
		logger: logHandler(logger, "admin"),
	}
}

// SetSlippage updates the slippage concession ceiling.
// PUT /api/admin/slippage
func (h *AdminHandler) SetSlippage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string `json:"caller"`
		Bps    int64  `json:"bps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, "caller is not a valid address")
		return
	}

	if err := h.engine.SetSlippageTolerance(r.Context(), caller, req.Bps); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"slippage_ceiling_bps": req.Bps})
}

// SetKeeper grants or revokes a keeper's callback authorization.
// PUT /api/admin/keepers
func (h *AdminHandler) SetKeeper(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller     string `json:"caller"`
		Keeper     string `json:"keeper"`
		Authorized bool   `json:"authorized"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, "caller is not a valid address")
		return
	}
	keeper, ok := parseAddress(req.Keeper)
	if !ok {
		writeError(w, http.StatusBadRequest, "keeper is not a valid address")
		return
	}

	if err := h.engine.SetKeeperAuthorization(r.Context(), caller, keeper, req.Authorized); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"keeper":     keeper.Hex(),
		"authorized": req.Authorized,
	})
}

// Rescue moves stray assets out of custody to a recovery address.
// POST /api/admin/rescue
func (h *AdminHandler) Rescue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string `json:"caller"`
		Token  string `json:"token"`
		To     string `json:"to"`
		Amount string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, "caller is not a valid address")
		return
	}
	token, ok := parseAddress(req.Token)
	if !ok {
		writeError(w, http.StatusBadRequest, "token is not a valid address")
		return
	}
	to, ok := parseAddress(req.To)
	if !ok {
		writeError(w, http.StatusBadRequest, "to is not a valid address")
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok || amount.Sign() == 0 {
		writeError(w, http.StatusBadRequest, "amount is not a valid amount")
		return
	}

	if err := h.engine.RescueAsset(r.Context(), caller, token, to, amount); err != nil {
		h.logger.WarnContext(r.Context(), "rescue rejected",
			slog.String("caller", caller.Hex()),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":  token.Hex(),
		"to":     to.Hex(),
		"amount": amount.String(),
	})
}
