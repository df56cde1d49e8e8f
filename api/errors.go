package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/jmcleod/ironca/pki"
)

// maxSmallBodySize bounds JSON request bodies. CSRs and documents for
// conversion fit comfortably.
const maxSmallBodySize = 64 << 10

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind pki.Kind) int {
	switch kind {
	case pki.KindValidation:
		return http.StatusBadRequest
	case pki.KindStateConflict:
		return http.StatusConflict
	case pki.KindNotFound:
		return http.StatusNotFound
	case pki.KindCustody:
		return http.StatusBadGateway
	case pki.KindEncoding:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// mapError writes err with a stable code. Internal errors are logged and
// reported without detail.
func (a *API) mapError(w http.ResponseWriter, r *http.Request, err error) {
	kind := pki.KindOf(err)
	status := statusFor(kind)
	if status == http.StatusInternalServerError {
		a.logger.ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		writeError(w, status, pki.CodeInternal, "internal error")
		return
	}
	if kind == pki.KindCustody {
		a.alerts.record(eventCustodyFailure)
	}
	writeError(w, status, pki.CodeOf(err), err.Error())
}

// decodeJSON reads a JSON body of at most limit bytes into a T. Unknown
// fields are rejected. On failure the response is written and ok is false.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, limit int64) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		var maxBytesErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxBytesErr):
			writeError(w, http.StatusRequestEntityTooLarge, pki.CodeInvalidRequest, "request body too large")
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, pki.CodeInvalidRequest, "request body is required")
		default:
			// Reason and type unmarshalers return coded pki errors.
			var pe *pki.Error
			if errors.As(err, &pe) {
				writeError(w, http.StatusBadRequest, pe.Code, pe.Error())
			} else {
				writeError(w, http.StatusBadRequest, pki.CodeInvalidRequest, "invalid request body: "+err.Error())
			}
		}
		return v, false
	}
	return v, true
}

// decodeOptionalJSON is decodeJSON for endpoints whose body may be empty.
func decodeOptionalJSON[T any](w http.ResponseWriter, r *http.Request, limit int64) (T, bool) {
	var v T
	if r.ContentLength == 0 {
		return v, true
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil && !errors.Is(err, io.EOF) {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, pki.CodeInvalidRequest, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, pki.CodeInvalidRequest, "invalid request body")
		}
		return v, false
	}
	return v, true
}
