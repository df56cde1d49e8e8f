package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/jmcleod/ironca/pki"
)

type createKeyPairRequest struct {
	Algorithm pki.KeyAlgorithm  `json:"algorithm"`
	Tags      map[string]string `json:"tags,omitempty"`
}

type pemResponse struct {
	PEM string `json:"pem"`
}

type revokeKeyRequest struct {
	Reason string `json:"reason"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HTTPClient talks to a remote custodian over its JSON API (see Handler
// for the server side). Requests carry the token as a bearer credential.
type HTTPClient struct {
	baseURL string
	token   string
	hc      *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient returns a client for the custodian at baseURL. A nil hc
// uses http.DefaultClient.
func NewHTTPClient(baseURL, token string, hc *http.Client) *HTTPClient {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &HTTPClient{baseURL: strings.TrimRight(baseURL, "/"), token: token, hc: hc}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e errorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}

// statusAs attaches sentinel to err when the response had the given status.
func statusAs(err error, status int, sentinel error) error {
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == status {
		return fmt.Errorf("%w: %w", sentinel, err)
	}
	return err
}

func keyPath(keyID string, suffix string) string {
	return "/keys/" + url.PathEscape(keyID) + suffix
}

func (c *HTTPClient) CreateKeyPair(ctx context.Context, alg pki.KeyAlgorithm, tags map[string]string) (KeyPair, error) {
	var kp KeyPair
	err := c.do(ctx, http.MethodPost, "/keys", createKeyPairRequest{Algorithm: alg, Tags: tags}, &kp)
	return kp, err
}

func (c *HTTPClient) Certify(ctx context.Context, req CertifyRequest) (Certified, error) {
	var out Certified
	err := c.do(ctx, http.MethodPost, "/certificates", req, &out)
	return out, err
}

func (c *HTTPClient) GetCertificate(ctx context.Context, certificateID string) (string, error) {
	var out pemResponse
	err := c.do(ctx, http.MethodGet, "/certificates/"+url.PathEscape(certificateID), nil, &out)
	return out.PEM, statusAs(err, http.StatusNotFound, ErrCertificateNotFound)
}

func (c *HTTPClient) GetPublicKey(ctx context.Context, keyID string) (string, error) {
	var out pemResponse
	err := c.do(ctx, http.MethodGet, keyPath(keyID, "/public"), nil, &out)
	return out.PEM, statusAs(err, http.StatusNotFound, ErrKeyNotFound)
}

func (c *HTTPClient) GetPrivateKey(ctx context.Context, keyID string) (string, error) {
	var out pemResponse
	err := c.do(ctx, http.MethodGet, keyPath(keyID, "/private"), nil, &out)
	err = statusAs(err, http.StatusNotFound, ErrKeyNotFound)
	return out.PEM, statusAs(err, http.StatusForbidden, ErrKeyNotExportable)
}

func (c *HTTPClient) RevokeKey(ctx context.Context, keyID, reason string) error {
	err := c.do(ctx, http.MethodPost, keyPath(keyID, "/revoke"), revokeKeyRequest{Reason: reason}, nil)
	err = statusAs(err, http.StatusNotFound, ErrKeyNotFound)
	return statusAs(err, http.StatusConflict, ErrKeyAlreadyRevoked)
}

func (c *HTTPClient) DestroyKey(ctx context.Context, keyID string) error {
	err := c.do(ctx, http.MethodDelete, keyPath(keyID, ""), nil, nil)
	return statusAs(err, http.StatusNotFound, ErrKeyNotFound)
}
