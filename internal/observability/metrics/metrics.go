package metrics

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the identity instruments. A nil *Metrics records nothing,
// which lets tests and optional wiring skip it.
type Metrics struct {
	grants        metric.Int64Counter
	grantLatency  metric.Float64Histogram
	revocations   metric.Int64Counter
	sessionOps    metric.Int64Counter
	resolutions   metric.Int64Counter
	rateLimits    metric.Int64Counter
	legacyCookies metric.Int64Counter
}

func New(cfg Config, mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(cfg.serviceName())
	m := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.grants, "grove_oauth_grants_total", "Token endpoint outcomes by grant type."},
		{&m.revocations, "grove_oauth_revocations_total", "Refresh tokens revoked, by reason."},
		{&m.sessionOps, "grove_session_operations_total", "Session actor operations by outcome."},
		{&m.resolutions, "grove_session_resolutions_total", "Which resolver settled a request."},
		{&m.rateLimits, "grove_rate_limit_decisions_total", "Rate limiter decisions by route."},
		{&m.legacyCookies, "grove_legacy_cookie_decodes_total", "Session cookies accepted in the legacy HMAC format."},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}

	latency, err := meter.Float64Histogram("grove_oauth_grant_duration_seconds",
		metric.WithUnit("s"),
		metric.WithDescription("Token endpoint latency by grant type."),
	)
	if err != nil {
		return nil, err
	}
	m.grantLatency = latency
	return m, nil
}

// RecordGrant counts one token endpoint outcome, e.g. ("refresh_token", "invalid_grant").
func (m *Metrics) RecordGrant(ctx context.Context, grantType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	opt := labels("grant_type", grantType, "outcome", outcome)
	m.grants.Add(ctx, 1, opt)
	m.grantLatency.Record(ctx, elapsed.Seconds(), opt)
}

func (m *Metrics) RecordRevocation(ctx context.Context, reason string, count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.revocations.Add(ctx, count, labels("reason", reason))
}

func (m *Metrics) RecordSessionOp(ctx context.Context, operation, outcome string) {
	if m == nil {
		return
	}
	m.sessionOps.Add(ctx, 1, labels("operation", operation, "outcome", outcome))
}

// RecordResolution counts which resolver settled a request.
func (m *Metrics) RecordResolution(ctx context.Context, resolver, outcome string) {
	if m == nil {
		return
	}
	m.resolutions.Add(ctx, 1, labels("resolver", resolver, "outcome", outcome))
}

func (m *Metrics) RecordRateLimit(ctx context.Context, route, decision string) {
	if m == nil {
		return
	}
	m.rateLimits.Add(ctx, 1, labels("route", route, "decision", decision))
}

func (m *Metrics) RecordLegacyCookie(ctx context.Context) {
	if m == nil {
		return
	}
	m.legacyCookies.Add(ctx, 1)
}

// labels takes key/value pairs and drops anything outside the allowed set.
func labels(kv ...string) metric.MeasurementOption {
	attrs := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		attrs = append(attrs, attribute.String(kv[i], strings.TrimSpace(kv[i+1])))
	}
	return metric.WithAttributes(FilterAttributes(attrs...)...)
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"grant_type":  {},
	"outcome":     {},
	"operation":   {},
	"resolver":    {},
	"route":       {},
	"decision":    {},
	"reason":      {},
	"status_code": {},
}

// FilterAttributes keeps metrics low-cardinality. User, client and session
// identifiers never become labels.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	kept := attrs[:0:0]
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; ok {
			kept = append(kept, attr)
		}
	}
	return kept
}
