package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/alephtrade/crossarb/internal/crypto"
	"github.com/alephtrade/crossarb/internal/engine"
)

// maxAttestationAge bounds how old a keeper attestation timestamp may be.
// Stale attestations are rejected before the engine sees them.
const maxAttestationAge = 5 * time.Minute

// CallbackHandler serves the keeper venue's settlement callbacks. Every
// callback carries a signed attestation; the recovered signer address is the
// caller identity the engine authorizes against.
type CallbackHandler struct {
	engine  *engine.Engine
	chainID int
	logger  *slog.Logger
}

// NewCallbackHandler creates a CallbackHandler verifying attestations bound
// to the given chain ID.
func NewCallbackHandler(eng *engine.Engine, chainID int, logger *slog.Logger) *CallbackHandler {
	return &CallbackHandler{
		engine:  eng,
		chainID: chainID,
		logger:  logHandler(logger, "callback"),
	}
}

type executedCallbackRequest struct {
	OrderKey   string `json:"order_key"`
	Leg1Output string `json:"leg1_output"`
	Timestamp  int64  `json:"timestamp"`
	Signature  string `json:"signature"`
}

type cancelledCallbackRequest struct {
	OrderKey  string `json:"order_key"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

type frozenCallbackRequest struct {
	OrderKey  string `json:"order_key"`
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

// Executed reports that leg 1 filled at the keeper venue.
// POST /api/callbacks/executed
func (h *CallbackHandler) Executed(w http.ResponseWriter, r *http.Request) {
	var req executedCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	output, ok := parseAmount(req.Leg1Output)
	if !ok {
		writeError(w, http.StatusBadRequest, "leg1_output is not a valid amount")
		return
	}
	if !freshTimestamp(req.Timestamp) {
		writeError(w, http.StatusUnauthorized, "attestation timestamp outside accepted window")
		return
	}

	digest, err := crypto.ExecutionReportDigest(h.chainID, req.OrderKey, output, req.Timestamp)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed order key")
		return
	}
	caller, err := crypto.RecoverSigner(digest, req.Signature)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "attestation signature invalid")
		return
	}

	if err := h.engine.OnLegExecuted(r.Context(), caller, req.OrderKey, output); err != nil {
		h.logger.WarnContext(r.Context(), "execution callback rejected",
			slog.String("order_key", req.OrderKey),
			slog.String("caller", caller.Hex()),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"order_key": req.OrderKey, "status": "processed"})
}

// Cancelled reports that the keeper venue cancelled leg 1 before execution.
// POST /api/callbacks/cancelled
func (h *CallbackHandler) Cancelled(w http.ResponseWriter, r *http.Request) {
	var req cancelledCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !freshTimestamp(req.Timestamp) {
		writeError(w, http.StatusUnauthorized, "attestation timestamp outside accepted window")
		return
	}

	digest, err := crypto.CancellationReportDigest(h.chainID, req.OrderKey, req.Timestamp)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed order key")
		return
	}
	caller, err := crypto.RecoverSigner(digest, req.Signature)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "attestation signature invalid")
		return
	}

	if err := h.engine.OnLegCancelled(r.Context(), caller, req.OrderKey); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"order_key": req.OrderKey, "status": "refunded"})
}

// Frozen reports that the keeper venue froze the pending order. Informational
// only; order state and funds are untouched.
// POST /api/callbacks/frozen
func (h *CallbackHandler) Frozen(w http.ResponseWriter, r *http.Request) {
	var req frozenCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !freshTimestamp(req.Timestamp) {
		writeError(w, http.StatusUnauthorized, "attestation timestamp outside accepted window")
		return
	}

	digest, err := crypto.FrozenReportDigest(h.chainID, req.OrderKey, req.Reason, req.Timestamp)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed order key")
		return
	}
	caller, err := crypto.RecoverSigner(digest, req.Signature)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "attestation signature invalid")
		return
	}

	if err := h.engine.OnLegFrozen(r.Context(), caller, req.OrderKey, req.Reason); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"order_key": req.OrderKey, "status": "noted"})
}

func freshTimestamp(ts int64) bool {
	age := time.Since(time.Unix(ts, 0))
	return age > -maxAttestationAge && age < maxAttestationAge
}
