package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	domain "github.com/tripfare/api/internal/domain"
	"github.com/tripfare/api/internal/platform/httpx"
	"github.com/tripfare/api/internal/services"
)

// HealthReporter is satisfied by services.SystemService.
type HealthReporter interface {
	HealthReport(ctx context.Context) (domain.SystemHealthReport, error)
}

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	system HealthReporter
	build  services.BuildInfo
	clock  func() time.Time
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

func WithHealthSystemService(system HealthReporter) HealthOption {
	return func(h *HealthHandlers) { h.system = system }
}

func WithHealthBuildInfo(build services.BuildInfo) HealthOption {
	return func(h *HealthHandlers) { h.build = build }
}

func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.clock()
	}
	return h
}

type healthCheckResponse struct {
	Status    string  `json:"status"`
	Detail    string  `json:"detail,omitempty"`
	LatencyMS float64 `json:"latencyMs"`
	CheckedAt string  `json:"checkedAt,omitempty"`
}

type healthResponse struct {
	Status          string                         `json:"status"`
	Version         string                         `json:"version,omitempty"`
	CommitSHA       string                         `json:"commitSha,omitempty"`
	Environment     string                         `json:"environment,omitempty"`
	UptimeSeconds   int64                          `json:"uptimeSeconds"`
	TrackedPackages *int                           `json:"trackedPackages,omitempty"`
	RatesUpdatedAt  string                         `json:"ratesUpdatedAt,omitempty"`
	Checks          map[string]healthCheckResponse `json:"checks,omitempty"`
	FailedChecks    []string                       `json:"failedChecks,omitempty"`
	Timestamp       string                         `json:"timestamp"`
}

// Healthz reports liveness only and never touches dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.clock().UTC()
	httpx.WriteJSON(w, http.StatusOK, healthResponse{
		Status:        domain.HealthStatusOK,
		Version:       h.build.Version,
		CommitSHA:     h.build.CommitSHA,
		Environment:   h.build.Environment,
		UptimeSeconds: int64(now.Sub(h.build.StartedAt).Seconds()),
		Timestamp:     now.Format(time.RFC3339),
	})
}

// Readyz runs the dependency probes. A report in error state answers 503 so load balancers
// drain the instance; degraded dependencies still answer 200.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.system == nil {
		h.Healthz(w, r)
		return
	}
	report, err := h.system.HealthReport(r.Context())
	if err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("health_unavailable", err.Error(), http.StatusServiceUnavailable))
		return
	}

	resp := healthResponse{
		Status:          report.Status,
		Version:         report.Version,
		CommitSHA:       report.CommitSHA,
		Environment:     report.Environment,
		UptimeSeconds:   int64(report.Uptime.Seconds()),
		TrackedPackages: &report.TrackedPackages,
		Checks:          make(map[string]healthCheckResponse, len(report.Checks)),
		Timestamp:       report.GeneratedAt.UTC().Format(time.RFC3339),
	}
	if report.RatesUpdatedAt != nil {
		resp.RatesUpdatedAt = report.RatesUpdatedAt.UTC().Format(time.RFC3339)
	}
	for name, check := range report.Checks {
		entry := healthCheckResponse{
			Status:    check.Status,
			Detail:    check.Detail,
			LatencyMS: float64(check.Latency) / float64(time.Millisecond),
		}
		if !check.CheckedAt.IsZero() {
			entry.CheckedAt = check.CheckedAt.UTC().Format(time.RFC3339)
		}
		resp.Checks[name] = entry
		if check.Status != domain.HealthStatusOK {
			resp.FailedChecks = append(resp.FailedChecks, name)
		}
	}
	sort.Strings(resp.FailedChecks)

	status := http.StatusOK
	if report.Status == domain.HealthStatusError {
		status = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, status, resp)
}
