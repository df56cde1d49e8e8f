package custody

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/ironca/pki"
)

// Handler serves a Client over the JSON API that HTTPClient speaks. When
// token is non-empty every request must carry it as a bearer credential.
func Handler(c Client, token string, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &server{client: c, logger: logger}

	r := chi.NewRouter()
	if token != "" {
		r.Use(requireBearer(token))
	}
	r.Post("/keys", s.createKeyPair)
	r.Get("/keys/{id}/public", s.getPublicKey)
	r.Get("/keys/{id}/private", s.getPrivateKey)
	r.Post("/keys/{id}/revoke", s.revokeKey)
	r.Delete("/keys/{id}", s.destroyKey)
	r.Post("/certificates", s.certify)
	r.Get("/certificates/{id}", s.getCertificate)
	return r
}

func requireBearer(token string) func(http.Handler) http.Handler {
	want := []byte("Bearer " + token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type server struct {
	client Client
	logger *slog.Logger
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrKeyNotFound), errors.Is(err, ErrCertificateNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrKeyAlreadyRevoked):
		status = http.StatusConflict
	case errors.Is(err, ErrKeyNotExportable):
		status = http.StatusForbidden
	case errors.Is(err, ErrKeyRevoked):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, ErrUnsupportedAlgorithm), errors.Is(err, pki.ErrValidation), errors.Is(err, pki.ErrEncoding):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("custody request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func (s *server) createKeyPair(w http.ResponseWriter, r *http.Request) {
	var req createKeyPairRequest
	if !decode(w, r, &req) {
		return
	}
	kp, err := s.client.CreateKeyPair(r.Context(), req.Algorithm, req.Tags)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, kp)
}

func (s *server) certify(w http.ResponseWriter, r *http.Request) {
	var req CertifyRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := s.client.Certify(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *server) getCertificate(w http.ResponseWriter, r *http.Request) {
	pem, err := s.client.GetCertificate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pemResponse{PEM: pem})
}

func (s *server) getPublicKey(w http.ResponseWriter, r *http.Request) {
	pem, err := s.client.GetPublicKey(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pemResponse{PEM: pem})
}

func (s *server) getPrivateKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pem, err := s.client.GetPrivateKey(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Warn("private key exported", "key_id", id, "remote", r.RemoteAddr)
	writeJSON(w, http.StatusOK, pemResponse{PEM: pem})
}

func (s *server) revokeKey(w http.ResponseWriter, r *http.Request) {
	var req revokeKeyRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.client.RevokeKey(r.Context(), chi.URLParam(r, "id"), req.Reason); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) destroyKey(w http.ResponseWriter, r *http.Request) {
	if err := s.client.DestroyKey(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
