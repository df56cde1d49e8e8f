package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/jmcleod/ironca/pki"
)

// TokenAuth returns middleware requiring "Authorization: Bearer <token>"
// on every request. An empty token disables the check. The CRL
// distribution endpoint is mounted outside this middleware so relying
// parties can fetch CRLs anonymously.
func TokenAuth(token string) func(http.Handler) http.Handler {
	want := sha256.Sum256([]byte(token))
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented, ok := bearerToken(r)
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="ironca"`)
				writeError(w, http.StatusUnauthorized, pki.CodeInvalidRequest, "missing bearer token")
				return
			}
			// Compare digests so the comparison time does not depend on
			// the token length.
			got := sha256.Sum256([]byte(presented))
			if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="ironca", error="invalid_token"`)
				writeError(w, http.StatusUnauthorized, pki.CodeInvalidRequest, "invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
