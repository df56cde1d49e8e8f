package api

import (
	"net/http"
	"strings"

	"github.com/jmcleod/ironca/audit"
	"github.com/jmcleod/ironca/pki"
)

// ListAuditLogs handles GET /audit. The optional resource_id query
// parameter narrows the listing to one CA or certificate.
func (a *API) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	if a.auditLog == nil {
		writeError(w, http.StatusNotFound, pki.CodeInvalidRequest, "audit log is not enabled")
		return
	}
	resourceID := strings.TrimSpace(r.URL.Query().Get("resource_id"))
	entries, err := a.auditLog.List(r.Context(), resourceID)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	page, meta := paginate(r, entries)
	writeJSON(w, http.StatusOK, ListAuditLogsResponse{Entries: page, PaginationMeta: meta})
}

// ExportAuditLog handles GET /audit/export. It returns the whole chain,
// oldest first, in the form "ironca audit verify" reads.
func (a *API) ExportAuditLog(w http.ResponseWriter, r *http.Request) {
	if a.auditLog == nil {
		writeError(w, http.StatusNotFound, pki.CodeInvalidRequest, "audit log is not enabled")
		return
	}
	entries, err := a.auditLog.List(r.Context(), "")
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="ironca-audit.json"`)
	writeJSON(w, http.StatusOK, audit.Export{Entries: entries})
}
