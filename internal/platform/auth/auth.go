// Package auth guards internal and webhook routes. Internal callers such as Cloud Scheduler
// present Google-signed OIDC tokens; content systems sign "data updated" webhooks with a shared
// HMAC secret.
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tripfare/api/internal/platform/httpx"
)

const meterName = "github.com/tripfare/api/internal/platform/auth"

// verificationMetrics counts verification outcomes by kind and reason.
type verificationMetrics struct {
	counter  metric.Int64Counter
	duration metric.Float64Histogram
}

func newVerificationMetrics(meter metric.Meter) verificationMetrics {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}
	counter, _ := meter.Int64Counter("auth.verifications",
		metric.WithDescription("Request verification attempts by outcome"))
	duration, _ := meter.Float64Histogram("auth.verification.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Time spent verifying request credentials"))
	return verificationMetrics{counter: counter, duration: duration}
}

func (m verificationMetrics) record(ctx context.Context, kind string, success bool, reason string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("success", success),
		attribute.String("reason", reason),
	)
	if m.counter != nil {
		m.counter.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, float64(elapsed)/float64(time.Millisecond), attrs)
	}
}

func respondAuthError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	httpx.WriteError(r.Context(), w, httpx.NewError(code, message, status))
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
