package services

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/tripfare/api/internal/domain"
	"github.com/tripfare/api/internal/repositories"
)

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemServiceDeps bundles collaborators required to construct a system service. Sync and
// Converter are optional and only enrich the report.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Sync             *SyncManager
	Converter        *CurrencyConverter
	Clock            func() time.Time
	Build            BuildInfo
}

// SystemService reports service health together with pricing engine state.
type SystemService struct {
	healthRepo repositories.HealthRepository
	sync       *SyncManager
	converter  *CurrencyConverter
	clock      func() time.Time
	build      BuildInfo
}

func NewSystemService(deps SystemServiceDeps) (*SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = clock()
	}
	return &SystemService{
		healthRepo: deps.HealthRepository,
		sync:       deps.Sync,
		converter:  deps.Converter,
		clock:      func() time.Time { return clock().UTC() },
		build:      build,
	}, nil
}

// HealthReport runs the dependency probes and annotates the result with build metadata, the
// number of tracked packages and the age of the rate table.
func (s *SystemService) HealthReport(ctx context.Context) (domain.SystemHealthReport, error) {
	report, err := s.healthRepo.Collect(ctx)
	if err != nil {
		return domain.SystemHealthReport{}, err
	}

	now := s.clock()
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	}
	report.Version = firstNonEmpty(report.Version, s.build.Version)
	report.CommitSHA = firstNonEmpty(report.CommitSHA, s.build.CommitSHA)
	report.Environment = firstNonEmpty(report.Environment, s.build.Environment)
	report.Uptime = now.Sub(s.build.StartedAt)
	if report.Checks == nil {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}
	if strings.TrimSpace(report.Status) == "" {
		report.Status = domain.HealthStatusOK
	}
	if s.sync != nil {
		report.TrackedPackages = len(s.sync.Tracked())
	}
	if s.converter != nil {
		if updated, ok := s.converter.UpdatedAt(); ok {
			report.RatesUpdatedAt = &updated
		}
	}
	return report, nil
}

// RatesFreshnessCheck fails when the converter holds no rates or the newest rate is older than
// maxAge. It is meant to be registered as an optional dependency check.
func RatesFreshnessCheck(converter *CurrencyConverter, maxAge time.Duration, now func() time.Time) func(context.Context) error {
	if now == nil {
		now = time.Now
	}
	return func(context.Context) error {
		updated, ok := converter.UpdatedAt()
		if !ok {
			return errors.New("no exchange rates loaded")
		}
		if age := now().Sub(updated); maxAge > 0 && age > maxAge {
			return errors.New("exchange rates are stale: last refreshed " + age.Truncate(time.Minute).String() + " ago")
		}
		return nil
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
