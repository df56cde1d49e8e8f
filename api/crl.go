package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/ironca/pki"
)

const crlContentType = "application/pkix-crl"

// GetLatestCRL handles GET /cas/{caID}/crl and describes the newest CRL.
func (a *API) GetLatestCRL(w http.ResponseWriter, r *http.Request) {
	crl, err := a.engine.LatestCRL(r.Context(), chi.URLParam(r, "caID"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, crlResponse(crl))
}

// GenerateCRL handles POST /cas/{caID}/crl. It issues a new CRL with the
// next number.
func (a *API) GenerateCRL(w http.ResponseWriter, r *http.Request) {
	crl, err := a.engine.GenerateCRL(r.Context(), chi.URLParam(r, "caID"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, crlResponse(crl))
}

// ServeCRL handles GET /crl/{caID}.crl (PEM) and GET /crl/{caID}.der
// (DER), the distribution point named in issued certificates.
func (a *API) ServeCRL(w http.ResponseWriter, r *http.Request) {
	file := chi.URLParam(r, "file")
	var (
		caID   string
		format pki.Format
	)
	switch {
	case strings.HasSuffix(file, ".crl"):
		caID, format = strings.TrimSuffix(file, ".crl"), pki.FormatPEM
	case strings.HasSuffix(file, ".der"):
		caID, format = strings.TrimSuffix(file, ".der"), pki.FormatDER
	default:
		writeError(w, http.StatusBadRequest, pki.CodeInvalidRequest, "CRL path must end in .crl or .der")
		return
	}
	if caID == "" {
		writeError(w, http.StatusBadRequest, pki.CodeInvalidRequest, "CA id is required")
		return
	}

	crl, err := a.engine.LatestCRL(r.Context(), caID)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	if !crl.Signed {
		w.Header().Set("Retry-After", "3600")
		writeError(w, http.StatusServiceUnavailable, pki.CodeCustodyUnavailable,
			"CRL for CA "+caID+" could not be signed; the CA key is not available for signing")
		return
	}

	body := crl.DER
	if format == pki.FormatPEM {
		body = []byte(crl.PEM)
	}

	h := w.Header()
	h.Set("Content-Type", crlContentType)
	h.Set("Last-Modified", crl.ThisUpdate.UTC().Format(http.TimeFormat))
	h.Set("Expires", crl.NextUpdate.UTC().Format(http.TimeFormat))
	h.Set("Cache-Control", "public, max-age="+strconv.Itoa(maxAge(crl.NextUpdate, a.now())))
	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// maxAge is the whole seconds until nextUpdate, floored at zero.
func maxAge(nextUpdate, now time.Time) int {
	secs := int(nextUpdate.Sub(now) / time.Second)
	return max(secs, 0)
}
