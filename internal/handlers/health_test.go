package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domain "github.com/tripfare/api/internal/domain"
	"github.com/tripfare/api/internal/services"
)

type stubHealthReporter struct {
	report domain.SystemHealthReport
	err    error
}

func (s stubHealthReporter) HealthReport(context.Context) (domain.SystemHealthReport, error) {
	return s.report, s.err
}

func TestHealthz_ReportsBuildInfo(t *testing.T) {
	started := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := started.Add(90 * time.Second)
	h := NewHealthHandlers(
		WithHealthBuildInfo(services.BuildInfo{Version: "1.2.3", StartedAt: started}),
		WithHealthClock(func() time.Time { return now }),
	)

	rr := httptest.NewRecorder()
	h.Healthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body healthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != domain.HealthStatusOK || body.Version != "1.2.3" || body.UptimeSeconds != 90 {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestReadyz_StatusMapping(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	updated := now.Add(-time.Hour)

	cases := []struct {
		name       string
		reporter   stubHealthReporter
		wantStatus int
		wantFailed []string
	}{
		{
			name: "ok",
			reporter: stubHealthReporter{report: domain.SystemHealthReport{
				Status:         domain.HealthStatusOK,
				Checks:         map[string]domain.SystemHealthCheck{"firestore": {Status: domain.HealthStatusOK, Latency: 3 * time.Millisecond}},
				RatesUpdatedAt: &updated,
				GeneratedAt:    now,
			}},
			wantStatus: http.StatusOK,
		},
		{
			name: "degraded stays ready",
			reporter: stubHealthReporter{report: domain.SystemHealthReport{
				Status: domain.HealthStatusDegraded,
				Checks: map[string]domain.SystemHealthCheck{
					"firestore": {Status: domain.HealthStatusOK},
					"rates":     {Status: domain.HealthStatusDegraded, Detail: "stale"},
				},
				GeneratedAt: now,
			}},
			wantStatus: http.StatusOK,
			wantFailed: []string{"rates"},
		},
		{
			name: "error drains",
			reporter: stubHealthReporter{report: domain.SystemHealthReport{
				Status: domain.HealthStatusError,
				Checks: map[string]domain.SystemHealthCheck{
					"pubsub":    {Status: domain.HealthStatusError, Detail: "timeout"},
					"firestore": {Status: domain.HealthStatusError, Detail: "unavailable"},
				},
				GeneratedAt: now,
			}},
			wantStatus: http.StatusServiceUnavailable,
			wantFailed: []string{"firestore", "pubsub"},
		},
		{
			name:       "collector failure",
			reporter:   stubHealthReporter{err: errors.New("boom")},
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := NewRouter(WithHealthHandlers(NewHealthHandlers(WithHealthSystemService(tc.reporter))))
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/system/health", nil))

			if rr.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tc.wantStatus, rr.Code, rr.Body.String())
			}
			if tc.reporter.err != nil {
				return
			}
			var body healthResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(body.FailedChecks) != len(tc.wantFailed) {
				t.Fatalf("expected failed %v, got %v", tc.wantFailed, body.FailedChecks)
			}
			for i := range tc.wantFailed {
				if body.FailedChecks[i] != tc.wantFailed[i] {
					t.Fatalf("expected failed %v, got %v", tc.wantFailed, body.FailedChecks)
				}
			}
		})
	}
}

func TestReadyz_LatencyInMilliseconds(t *testing.T) {
	h := NewHealthHandlers(WithHealthSystemService(stubHealthReporter{report: domain.SystemHealthReport{
		Status:      domain.HealthStatusOK,
		Checks:      map[string]domain.SystemHealthCheck{"firestore": {Status: domain.HealthStatusOK, Latency: 1500 * time.Microsecond}},
		GeneratedAt: time.Now(),
	}}))
	rr := httptest.NewRecorder()
	h.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	var body healthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := body.Checks["firestore"].LatencyMS; got != 1.5 {
		t.Fatalf("expected 1.5ms, got %v", got)
	}
}
