package lifecycle

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metrics holds the engine's instruments.
type metrics struct {
	casCreated       metric.Int64Counter
	casRevoked       metric.Int64Counter
	certsIssued      metric.Int64Counter
	certsRevoked     metric.Int64Counter
	crlsGenerated    metric.Int64Counter
	custodyFailures  metric.Int64Counter
	crlRevokedCounts metric.Int64Histogram
}

func newMetrics(meter metric.Meter) *metrics {
	m := &metrics{}

	m.casCreated, _ = meter.Int64Counter(
		"ironca.cas.created.total",
		metric.WithDescription("Total number of CAs created"),
		metric.WithUnit("{ca}"),
	)

	m.casRevoked, _ = meter.Int64Counter(
		"ironca.cas.revoked.total",
		metric.WithDescription("Total number of CAs revoked"),
		metric.WithUnit("{ca}"),
	)

	m.certsIssued, _ = meter.Int64Counter(
		"ironca.certificates.issued.total",
		metric.WithDescription("Total number of certificates issued, including renewals"),
		metric.WithUnit("{certificate}"),
	)

	m.certsRevoked, _ = meter.Int64Counter(
		"ironca.certificates.revoked.total",
		metric.WithDescription("Total number of certificates revoked, including cascades"),
		metric.WithUnit("{certificate}"),
	)

	m.crlsGenerated, _ = meter.Int64Counter(
		"ironca.crls.generated.total",
		metric.WithDescription("Total number of CRLs generated"),
		metric.WithUnit("{crl}"),
	)

	m.custodyFailures, _ = meter.Int64Counter(
		"ironca.custody.failures.total",
		metric.WithDescription("Total number of failed key custody operations"),
		metric.WithUnit("{error}"),
	)

	m.crlRevokedCounts, _ = meter.Int64Histogram(
		"ironca.crls.revoked_entries",
		metric.WithDescription("Number of revoked entries per generated CRL"),
		metric.WithUnit("{entry}"),
	)

	return m
}

// add increments c when it was created successfully.
func add(ctx context.Context, c metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if c != nil && n > 0 {
		c.Add(ctx, n, metric.WithAttributes(attrs...))
	}
}
