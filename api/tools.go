package api

import (
	"encoding/base64"
	"net/http"

	"github.com/jmcleod/ironca/pki"
)

// ConvertFormat handles POST /tools/convert.
func (a *API) ConvertFormat(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[ConvertRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	from, err := pki.ParseFormat(string(req.From))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	to, err := pki.ParseFormat(string(req.To))
	if err != nil {
		a.mapError(w, r, err)
		return
	}

	input := []byte(req.Data)
	if from == pki.FormatDER {
		input, err = base64.StdEncoding.DecodeString(req.Data)
		if err != nil {
			writeError(w, http.StatusBadRequest, pki.CodeInvalidRequest, "der data must be base64 encoded")
			return
		}
	}

	out, err := pki.ConvertFormat(input, from, to)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	resp := ConvertResponse{Format: to, Data: string(out)}
	if to == pki.FormatDER {
		resp.Data = base64.StdEncoding.EncodeToString(out)
	}
	writeJSON(w, http.StatusOK, resp)
}

// VerifyCSR handles POST /tools/csr/verify. A CSR whose signature does
// not verify is reported with valid=false, not as an error; input that is
// not a CSR at all is an encoding error.
func (a *API) VerifyCSR(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[VerifyCSRRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	valid, err := pki.VerifyCSR([]byte(req.CSR))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	resp := VerifyCSRResponse{Valid: valid}
	if info, err := pki.DecodeCSR([]byte(req.CSR)); err == nil {
		resp.Subject = &info.Subject
		resp.KeyAlgorithm = info.KeyAlgorithm
		if !info.SANs.IsEmpty() {
			resp.SANs = &info.SANs
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
