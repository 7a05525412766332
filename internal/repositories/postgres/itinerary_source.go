// Package postgres reads itineraries from the legacy relational store.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	domain "github.com/tripfare/api/internal/domain"
	"github.com/tripfare/api/internal/repositories"
)

const (
	sourceName = "postgres"

	loadItineraryQuery = `SELECT payload, updated_at FROM itineraries WHERE package_id = $1`
)

// ItinerarySource loads JSONB itinerary payloads keyed by package ID.
type ItinerarySource struct {
	db *sql.DB
}

var _ repositories.ItinerarySource = (*ItinerarySource)(nil)

// Open connects to dsn with the lib/pq driver and verifies the connection.
func Open(ctx context.Context, dsn string) (*ItinerarySource, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres: dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, wrapError("ping", err)
	}
	return &ItinerarySource{db: db}, nil
}

// NewItinerarySource wraps an existing handle.
func NewItinerarySource(db *sql.DB) (*ItinerarySource, error) {
	if db == nil {
		return nil, errors.New("postgres: db is required")
	}
	return &ItinerarySource{db: db}, nil
}

func (s *ItinerarySource) Name() string { return sourceName }

// Load returns nil without error when no row exists for packageID.
func (s *ItinerarySource) Load(ctx context.Context, packageID string) (*domain.RawItinerary, error) {
	var (
		payload   []byte
		updatedAt pq.NullTime
	)
	err := s.db.QueryRowContext(ctx, loadItineraryQuery, packageID).Scan(&payload, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapError("load itinerary", err)
	}
	data, err := decodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("postgres: package %s: %w", packageID, err)
	}
	raw := &domain.RawItinerary{
		PackageID: packageID,
		Source:    sourceName,
		Payload:   data,
	}
	if updatedAt.Valid {
		raw.UpdatedAt = updatedAt.Time.UTC()
	}
	return raw, nil
}

// Ping verifies the connection for readiness probes.
func (s *ItinerarySource) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return wrapError("ping", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *ItinerarySource) Close() error {
	return s.db.Close()
}

func decodePayload(payload []byte) (map[string]any, error) {
	if len(payload) == 0 {
		return map[string]any{}, nil
	}
	var data map[string]any
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if data == nil {
		data = map[string]any{}
	}
	return data, nil
}

// Error classifies driver failures for repositories.RepositoryError.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return "postgres: " + e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// IsNotFound reports a missing relation.
func (e *Error) IsNotFound() bool { return pqClass(e.Err, "42") && pqCode(e.Err) == "42P01" }

func (e *Error) IsConflict() bool { return pqClass(e.Err, "23") || pqClass(e.Err, "40") }

// IsUnavailable reports connection and resource failures.
func (e *Error) IsUnavailable() bool {
	if pqClass(e.Err, "08") || pqClass(e.Err, "53") || pqClass(e.Err, "57") {
		return true
	}
	var pqErr *pq.Error
	return !errors.As(e.Err, &pqErr) && !errors.Is(e.Err, context.Canceled)
}

func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &Error{Op: op, Err: err}
}

func pqCode(err error) pq.ErrorCode {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code
	}
	return ""
}

func pqClass(err error, class pq.ErrorClass) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Class() == class
	}
	return false
}
