package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alephtrade/crossarb/internal/custody"
	"github.com/alephtrade/crossarb/internal/domain"
)

// StatusHandler reports service liveness plus custody solvency for a token.
type StatusHandler struct {
	vault   *custody.Vault
	auditor domain.BalanceAuditor
	store   domain.OrderStore
	logger  *slog.Logger
}

// NewStatusHandler creates a StatusHandler. The auditor may be nil when no
// chain RPC is configured; solvency queries then report tracked balances only.
func NewStatusHandler(vault *custody.Vault, auditor domain.BalanceAuditor, store domain.OrderStore, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		vault:   vault,
		auditor: auditor,
		store:   store,
		logger:  logHandler(logger, "status"),
	}
}

// Status reports open order count and, when a token query parameter is
// supplied, the custody balances for that token.
// GET /api/status?token=0x...
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	open, err := h.store.ListOpen(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp["open_orders"] = len(open)

	if v := r.URL.Query().Get("token"); v != "" {
		token, ok := parseAddress(v)
		if !ok {
			writeError(w, http.StatusBadRequest, "token is not a valid address")
			return
		}

		custodyInfo := map[string]any{
			"token":     token.Hex(),
			"tracked":   h.vault.Balance(token).String(),
			"committed": h.vault.CommittedTotal(token).String(),
			"available": h.vault.Available(token).String(),
		}

		if h.auditor != nil {
			tracked, actual, err := h.vault.Audit(r.Context(), h.auditor, token)
			if err != nil {
				h.logger.WarnContext(r.Context(), "solvency audit failed",
					slog.String("token", token.Hex()),
					slog.String("error", err.Error()),
				)
				custodyInfo["audit_error"] = err.Error()
			} else {
				custodyInfo["actual"] = actual.String()
				custodyInfo["solvent"] = actual.Cmp(tracked) >= 0
			}
		}

		resp["custody"] = custodyInfo
	}

	writeJSON(w, http.StatusOK, resp)
}
