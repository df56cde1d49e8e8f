package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/ironca/lifecycle"
	"github.com/jmcleod/ironca/pki"
)

// CreateCA handles POST /cas.
func (a *API) CreateCA(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[CreateCARequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	ca, err := a.engine.CreateCA(r.Context(), lifecycle.CreateCARequest{
		Subject:       req.Subject,
		KeyAlgorithm:  req.KeyAlgorithm,
		ValidityYears: req.ValidityYears,
		PathLen:       req.PathLen,
	})
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, caResponse(ca, a.now()))
}

// ListCAs handles GET /cas.
func (a *API) ListCAs(w http.ResponseWriter, r *http.Request) {
	cas, err := a.engine.ListCAs(r.Context())
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	page, meta := paginate(r, cas)
	now := a.now()
	resp := ListCAsResponse{CAs: make([]CAResponse, 0, len(page)), PaginationMeta: meta}
	for _, ca := range page {
		resp.CAs = append(resp.CAs, caResponse(ca, now))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetCA handles GET /cas/{caID}.
func (a *API) GetCA(w http.ResponseWriter, r *http.Request) {
	ca, err := a.engine.GetCA(r.Context(), chi.URLParam(r, "caID"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, caResponse(ca, a.now()))
}

// RevokeCA handles POST /cas/{caID}/revoke.
func (a *API) RevokeCA(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeOptionalJSON[RevokeCARequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	res, err := a.engine.RevokeCA(r.Context(), chi.URLParam(r, "caID"), req.Reason, req.Details)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.alerts.recordN(eventRevocation, res.CascadeRevoked)
	writeJSON(w, http.StatusOK, RevokeCAResponse{
		CA:             caResponse(res.CA, a.now()),
		CascadeRevoked: res.CascadeRevoked,
		CRL:            *crlResponse(res.CRL),
	})
}

// DeleteCA handles DELETE /cas/{caID}. The custodial key is kept unless
// destroy_key=true is given.
func (a *API) DeleteCA(w http.ResponseWriter, r *http.Request) {
	destroyKey, ok := boolQuery(w, r, "destroy_key")
	if !ok {
		return
	}
	if err := a.engine.DeleteCA(r.Context(), chi.URLParam(r, "caID"), destroyKey); err != nil {
		a.mapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// IssueCertificate handles POST /cas/{caID}/certificates.
func (a *API) IssueCertificate(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[IssueCertificateRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	cert, err := a.engine.IssueCertificate(r.Context(), lifecycle.IssueRequest{
		CAID:         chi.URLParam(r, "caID"),
		Type:         req.Type,
		Subject:      req.Subject,
		SANs:         req.SANs,
		ValidityDays: req.ValidityDays,
		KeyAlgorithm: req.KeyAlgorithm,
	})
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, certificateResponse(cert, a.now()))
}

// SignCSR handles POST /cas/{caID}/csr.
func (a *API) SignCSR(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[SignCSRRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	if req.CSR == "" {
		writeError(w, http.StatusBadRequest, pki.CodeInvalidRequest, "csr is required")
		return
	}
	cert, err := a.engine.SignCSR(r.Context(), lifecycle.SignCSRRequest{
		CAID:         chi.URLParam(r, "caID"),
		CSR:          []byte(req.CSR),
		Type:         req.Type,
		ValidityDays: req.ValidityDays,
	})
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, certificateResponse(cert, a.now()))
}

// ListCertificates handles GET /cas/{caID}/certificates. The optional
// status query parameter filters on computed status.
func (a *API) ListCertificates(w http.ResponseWriter, r *http.Request) {
	certs, err := a.engine.ListCertificates(r.Context(), chi.URLParam(r, "caID"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	now := a.now()
	views := make([]CertificateResponse, 0, len(certs))
	want := lifecycle.Status(r.URL.Query().Get("status"))
	for _, c := range certs {
		v := certificateResponse(c, now)
		if want != "" && v.Status != want {
			continue
		}
		views = append(views, v)
	}
	page, meta := paginate(r, views)
	writeJSON(w, http.StatusOK, ListCertificatesResponse{Certificates: page, PaginationMeta: meta})
}

// GetCertificate handles GET /certificates/{certID}.
func (a *API) GetCertificate(w http.ResponseWriter, r *http.Request) {
	cert, err := a.engine.GetCertificate(r.Context(), chi.URLParam(r, "certID"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, certificateResponse(cert, a.now()))
}

// RevokeCertificate handles POST /certificates/{certID}/revoke.
func (a *API) RevokeCertificate(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeOptionalJSON[RevokeCertificateRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	res, err := a.engine.RevokeCertificate(r.Context(), chi.URLParam(r, "certID"), lifecycle.RevokeRequest{
		Reason:        req.Reason,
		Details:       req.Details,
		EffectiveDate: req.EffectiveDate,
	})
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.alerts.record(eventRevocation)
	writeJSON(w, http.StatusOK, RevokeCertificateResponse{
		Certificate: certificateResponse(res.Certificate, a.now()),
		CRL:         crlResponse(res.CRL),
	})
}

// RenewCertificate handles POST /certificates/{certID}/renew.
func (a *API) RenewCertificate(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeOptionalJSON[RenewCertificateRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	res, err := a.engine.RenewCertificate(r.Context(), lifecycle.RenewRequest{
		CertificateID:  chi.URLParam(r, "certID"),
		GenerateNewKey: req.GenerateNewKey,
		RevokeOriginal: req.RevokeOriginal,
		Subject:        req.Subject,
		SANs:           req.SANs,
		ValidityDays:   req.ValidityDays,
	})
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	if req.RevokeOriginal {
		a.alerts.record(eventRevocation)
	}
	now := a.now()
	writeJSON(w, http.StatusCreated, RenewCertificateResponse{
		Certificate: certificateResponse(res.Certificate, now),
		Original:    certificateResponse(res.Original, now),
		CRL:         crlResponse(res.CRL),
	})
}

// DeleteCertificate handles DELETE /certificates/{certID}.
func (a *API) DeleteCertificate(w http.ResponseWriter, r *http.Request) {
	destroyKey, ok := boolQuery(w, r, "destroy_key")
	if !ok {
		return
	}
	if err := a.engine.DeleteCertificate(r.Context(), chi.URLParam(r, "certID"), destroyKey); err != nil {
		a.mapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetRenewalChain handles GET /certificates/{certID}/chain.
func (a *API) GetRenewalChain(w http.ResponseWriter, r *http.Request) {
	chain, err := a.engine.RenewalChain(r.Context(), chi.URLParam(r, "certID"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	now := a.now()
	resp := RenewalChainResponse{Certificates: make([]CertificateResponse, 0, len(chain))}
	for _, c := range chain {
		resp.Certificates = append(resp.Certificates, certificateResponse(c, now))
	}
	writeJSON(w, http.StatusOK, resp)
}

func boolQuery(w http.ResponseWriter, r *http.Request, name string) (value, ok bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, pki.CodeInvalidRequest, name+" must be a boolean")
		return false, false
	}
	return v, true
}
