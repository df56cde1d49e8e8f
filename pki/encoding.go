package pki

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"
)

// Format is a document serialisation.
type Format string

const (
	FormatPEM Format = "pem"
	FormatDER Format = "der"
)

// ParseFormat accepts "pem" or "der" in any case.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatPEM, FormatDER:
		return f, nil
	}
	return "", validationErrorf(CodeInvalidRequest, "unsupported format %q", s)
}

// PEM block labels.
const (
	LabelCertificate        = "CERTIFICATE"
	LabelCertificateRequest = "CERTIFICATE REQUEST"
	LabelCRL                = "X509 CRL"
	LabelPublicKey          = "PUBLIC KEY"
	LabelPrivateKey         = "PRIVATE KEY"
)

// EncodePEM wraps der in a PEM block with the given label. encoding/pem
// wraps the base64 body at 64 columns.
func EncodePEM(label string, der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: label, Bytes: der})
}

// DecodePEM returns the DER body of the first PEM block in data. If label
// is non-empty the block type must match it.
func DecodePEM(data []byte, label string) ([]byte, error) {
	block, _ := pem.Decode(bytes.TrimSpace(data))
	if block == nil {
		return nil, decodingError(fmt.Errorf("no PEM block found"), "decoding PEM")
	}
	if label != "" && block.Type != label {
		return nil, decodingError(fmt.Errorf("got %q, want %q", block.Type, label), "unexpected PEM block type")
	}
	return block.Bytes, nil
}

// isPEM reports whether data looks like PEM text rather than raw DER.
func isPEM(data []byte) bool {
	return bytes.HasPrefix(bytes.TrimSpace(data), []byte("-----BEGIN "))
}

// toDER accepts either PEM (with the given label) or raw DER.
func toDER(data []byte, label string) ([]byte, error) {
	if isPEM(data) {
		return DecodePEM(data, label)
	}
	if len(data) == 0 {
		return nil, decodingError(fmt.Errorf("empty input"), "decoding %s", strings.ToLower(label))
	}
	return data, nil
}

// ConvertFormat converts a certificate, CSR or CRL between PEM and DER.
// For DER input the PEM label is chosen by trying each document type.
func ConvertFormat(data []byte, from, to Format) ([]byte, error) {
	var raw []byte
	label := ""
	switch from {
	case FormatPEM:
		block, _ := pem.Decode(bytes.TrimSpace(data))
		if block == nil {
			return nil, decodingError(fmt.Errorf("no PEM block found"), "converting from PEM")
		}
		raw, label = block.Bytes, block.Type
	case FormatDER:
		if len(data) == 0 || isPEM(data) {
			return nil, decodingError(fmt.Errorf("input is not DER"), "converting from DER")
		}
		raw = data
	default:
		return nil, validationErrorf(CodeInvalidRequest, "unsupported source format %q", from)
	}

	switch to {
	case FormatDER:
		return bytes.Clone(raw), nil
	case FormatPEM:
		if label == "" {
			var err error
			if label, err = sniffLabel(raw); err != nil {
				return nil, err
			}
		}
		return EncodePEM(label, raw), nil
	}
	return nil, validationErrorf(CodeInvalidRequest, "unsupported target format %q", to)
}

func sniffLabel(raw []byte) (string, error) {
	if _, err := x509.ParseCertificate(raw); err == nil {
		return LabelCertificate, nil
	}
	if _, err := x509.ParseCertificateRequest(raw); err == nil {
		return LabelCertificateRequest, nil
	}
	if _, err := parseCRLEnvelope(raw); err == nil {
		return LabelCRL, nil
	}
	return "", decodingError(fmt.Errorf("not a certificate, CSR or CRL"), "detecting DER document type")
}
