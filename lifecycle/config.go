package lifecycle

import (
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/jmcleod/ironca/audit"
	"github.com/jmcleod/ironca/custody"
	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/storage"
)

const day = 24 * time.Hour

// Policy holds the tunable rules of the engine.
type Policy struct {
	// Validity bounds the validity period of each certificate type.
	Validity pki.ValidityPolicy
	// CRLValidity is the gap between a CRL's thisUpdate and nextUpdate.
	CRLValidity time.Duration
	// KeyReuseMaxAge is how old a certificate may be and still be renewed
	// on its existing key.
	KeyReuseMaxAge time.Duration
	// DeleteGrace is how long past notAfter an unrevoked certificate must
	// be before it can be deleted.
	DeleteGrace time.Duration
	// CRLBaseURL, when set, adds a CRL distribution point of
	// <CRLBaseURL>/crl/<ca id>.crl to issued certificates.
	CRLBaseURL string
}

// DefaultPolicy returns the default validity limits, 7-day CRLs and
// 90-day key reuse and delete grace periods.
func DefaultPolicy() Policy {
	return Policy{
		Validity:       pki.DefaultValidityPolicy(),
		CRLValidity:    pki.DefaultCRLValidity,
		KeyReuseMaxAge: 90 * day,
		DeleteGrace:    90 * day,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.CRLValidity <= 0 {
		p.CRLValidity = d.CRLValidity
	}
	if p.KeyReuseMaxAge <= 0 {
		p.KeyReuseMaxAge = d.KeyReuseMaxAge
	}
	if p.DeleteGrace <= 0 {
		p.DeleteGrace = d.DeleteGrace
	}
	return p
}

// Config wires an Engine to its collaborators. Store and Custody are
// required; everything else has a default.
type Config struct {
	Store   storage.Repository
	Custody custody.Client
	// Audit defaults to audit.Nop.
	Audit  audit.Sink
	Logger *slog.Logger
	// Meter defaults to the global meter provider.
	Meter  metric.Meter
	Policy Policy
	// Clock defaults to time.Now.
	Clock func() time.Time
}

const meterName = "github.com/jmcleod/ironca/lifecycle"

func (c Config) validate() (Config, error) {
	if c.Store == nil {
		return c, errors.New("lifecycle: a store is required")
	}
	if c.Custody == nil {
		return c, errors.New("lifecycle: a custody client is required")
	}
	if c.Audit == nil {
		c.Audit = audit.Nop{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Meter == nil {
		c.Meter = otel.GetMeterProvider().Meter(meterName)
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	c.Policy = c.Policy.withDefaults()
	return c, nil
}
