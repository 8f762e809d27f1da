package handler

import (
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alephtrade/crossarb/internal/domain"
)

// archivePrefix scopes every blob operation this handler performs. Paths
// outside it are rejected before touching storage.
const archivePrefix = "archive/"

// ArchiveHandler serves the cold-storage browsing API: listing, downloading,
// and removing archived JSONL files.
type ArchiveHandler struct {
	reader  domain.BlobReader
	deleter domain.BlobDeleter
	logger  *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler. Nil reader/deleter disable the
// corresponding endpoints.
func NewArchiveHandler(reader domain.BlobReader, deleter domain.BlobDeleter, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{
		reader:  reader,
		deleter: deleter,
		logger:  logHandler(logger, "archive"),
	}
}

// List returns metadata for archived files under the optional sub-prefix.
// GET /api/archives?prefix=orders
func (h *ArchiveHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.reader == nil {
		writeError(w, http.StatusNotFound, "archive storage not configured")
		return
	}

	prefix := archivePrefix + strings.TrimPrefix(r.URL.Query().Get("prefix"), "/")
	infos, err := h.reader.List(r.Context(), prefix)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	views := make([]map[string]any, 0, len(infos))
	for _, info := range infos {
		views = append(views, map[string]any{
			"path":          info.Path,
			"size":          info.Size,
			"last_modified": info.LastModified.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"archives": views})
}

// Download streams one archived file.
// GET /api/archives/download?path=archive/orders/2026-08.jsonl
func (h *ArchiveHandler) Download(w http.ResponseWriter, r *http.Request) {
	if h.reader == nil {
		writeError(w, http.StatusNotFound, "archive storage not configured")
		return
	}
	path, ok := archiveScopedPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "path must be under "+archivePrefix)
		return
	}

	body, err := h.reader.Get(r.Context(), path)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.WarnContext(r.Context(), "archive download interrupted",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

// Delete removes one archived file, e.g. a partial upload the next cycle
// should redo.
// DELETE /api/archives?path=archive/orders/2026-08.jsonl
func (h *ArchiveHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if h.deleter == nil {
		writeError(w, http.StatusNotFound, "archive storage not configured")
		return
	}
	path, ok := archiveScopedPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "path must be under "+archivePrefix)
		return
	}

	if err := h.deleter.Delete(r.Context(), path); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": path})
}

func archiveScopedPath(r *http.Request) (string, bool) {
	p := r.URL.Query().Get("path")
	if p == "" || strings.Contains(p, "..") || !strings.HasPrefix(p, archivePrefix) {
		return "", false
	}
	return p, true
}
