package domain

import "time"

const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"
	HealthStatusError    = "error"
)

// SystemHealthCheck is the outcome of one dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency probes with build and engine metadata.
type SystemHealthReport struct {
	Status          string
	Checks          map[string]SystemHealthCheck
	Version         string
	CommitSHA       string
	Environment     string
	Uptime          time.Duration
	TrackedPackages int
	RatesUpdatedAt  *time.Time
	GeneratedAt     time.Time
}
