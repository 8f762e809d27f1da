package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/alephtrade/crossarb/internal/domain"
	"github.com/alephtrade/crossarb/internal/engine"
)

// AuditHandler serves the audit trail and event replay read APIs.
type AuditHandler struct {
	audit  domain.AuditStore
	stream domain.EventStream // nil when no durable stream is wired
	logger *slog.Logger
}

// NewAuditHandler creates an AuditHandler.
func NewAuditHandler(audit domain.AuditStore, stream domain.EventStream, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{
		audit:  audit,
		stream: stream,
		logger: logHandler(logger, "audit"),
	}
}

// ListEvents returns recorded audit entries, newest first. Supports limit,
// offset, since, and until (RFC 3339) query parameters.
// GET /api/events
func (h *AuditHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		opts.Since = &t
	}
	if v := r.URL.Query().Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "until must be RFC 3339")
			return
		}
		opts.Until = &t
	}

	entries, err := h.audit.List(r.Context(), opts)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	views := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		views = append(views, map[string]any{
			"id":         e.ID,
			"event":      e.Event,
			"detail":     e.Detail,
			"created_at": e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": views})
}

// StreamEvents replays settlement events from the durable event log, oldest
// first, starting after the given stream id. Clients page by passing the
// returned "next" id back as "after".
// GET /api/events/stream?after=<id>&limit=<n>
func (h *AuditHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	if h.stream == nil {
		writeError(w, http.StatusNotFound, "event stream not configured")
		return
	}

	after := r.URL.Query().Get("after")
	if after == "" {
		after = "0"
	}
	limit := parseListOpts(r).Limit

	msgs, err := h.stream.StreamRead(r.Context(), engine.EventLogStream, after, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	views := make([]map[string]any, 0, len(msgs))
	next := after
	for _, m := range msgs {
		views = append(views, map[string]any{
			"id":    m.ID,
			"event": json.RawMessage(m.Payload),
		})
		next = m.ID
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": views, "next": next})
}
