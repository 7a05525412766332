package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	domain "github.com/tripfare/api/internal/domain"
	"github.com/tripfare/api/internal/repositories"
)

// RateProvider fetches raw exchange rates quoted against base. The returned map is keyed by the
// target currency code.
type RateProvider interface {
	FetchRates(ctx context.Context, base string) (map[string]float64, error)
}

// RateRefresherDeps enumerates collaborators for RateRefresher.
type RateRefresherDeps struct {
	Provider      RateProvider
	Store         repositories.ExchangeRateRepository
	Converter     *CurrencyConverter
	BaseCurrency  string
	Targets       []string
	MarginPercent float64
	Surcharge     float64
	Clock         func() time.Time
	Logger        *zap.Logger
}

// RateRefresher pulls fresh rates from the provider, applies the agency margin, persists them and
// installs them on the converter.
type RateRefresher struct {
	provider  RateProvider
	store     repositories.ExchangeRateRepository
	converter *CurrencyConverter
	base      string
	targets   map[string]struct{}
	margin    float64
	surcharge float64
	clock     func() time.Time
	logger    *zap.Logger
}

// NewRateRefresher validates deps and builds a RateRefresher.
func NewRateRefresher(deps RateRefresherDeps) (*RateRefresher, error) {
	if deps.Provider == nil {
		return nil, errors.New("rate refresher: provider is required")
	}
	if deps.Converter == nil {
		return nil, errors.New("rate refresher: converter is required")
	}
	base := normalizeCurrencyCode(deps.BaseCurrency)
	if base == "" {
		base = DefaultSourceCurrency
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var targets map[string]struct{}
	if len(deps.Targets) > 0 {
		targets = make(map[string]struct{}, len(deps.Targets))
		for _, code := range deps.Targets {
			if normalized := normalizeCurrencyCode(code); normalized != "" {
				targets[normalized] = struct{}{}
			}
		}
	}
	return &RateRefresher{
		provider:  deps.Provider,
		store:     deps.Store,
		converter: deps.Converter,
		base:      base,
		targets:   targets,
		margin:    deps.MarginPercent,
		surcharge: deps.Surcharge,
		clock:     func() time.Time { return clock().UTC() },
		logger:    logger,
	}, nil
}

// Refresh fetches, persists and installs a new rate table. On failure the previous table keeps
// being served.
func (r *RateRefresher) Refresh(ctx context.Context) ([]domain.ExchangeRate, error) {
	raw, err := r.provider.FetchRates(ctx, r.base)
	if err != nil {
		return nil, fmt.Errorf("rate refresher: fetch rates: %w", err)
	}
	now := r.clock()
	rates := make([]domain.ExchangeRate, 0, len(raw))
	for code, value := range raw {
		code = normalizeCurrencyCode(code)
		if code == "" || code == r.base || value <= 0 {
			continue
		}
		if r.targets != nil {
			if _, ok := r.targets[code]; !ok {
				continue
			}
		}
		rates = append(rates, domain.ExchangeRate{
			From:          r.base,
			To:            code,
			RawRate:       value,
			MarginPercent: r.margin,
			Surcharge:     r.surcharge,
			UpdatedAt:     now,
		})
	}
	if len(rates) == 0 {
		return nil, fmt.Errorf("rate refresher: provider returned no usable rates for %s", r.base)
	}
	sort.Slice(rates, func(i, j int) bool { return rates[i].To < rates[j].To })

	if r.store != nil {
		if err := r.store.ReplaceAll(ctx, rates); err != nil {
			return nil, fmt.Errorf("rate refresher: persist rates: %w", err)
		}
	}
	r.converter.SetRates(rates)
	r.logger.Info("exchange rates refreshed", zap.String("base", r.base), zap.Int("count", len(rates)))
	return rates, nil
}

// LoadStored installs the persisted rate table without contacting the provider.
func (r *RateRefresher) LoadStored(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	rates, err := r.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("rate refresher: list stored rates: %w", err)
	}
	r.converter.SetRates(rates)
	return len(rates), nil
}

// DailySchedulerConfig configures a DailyScheduler. At is a wall-clock time formatted "15:04".
// Timer returns a channel that fires after the duration and a func that stops it; it defaults
// to time.NewTimer.
type DailySchedulerConfig struct {
	At       string
	Location *time.Location
	Task     func(ctx context.Context) error
	Now      func() time.Time
	Timer    func(time.Duration) (<-chan time.Time, func() bool)
	Logger   *zap.Logger
}

// DailyScheduler runs a task once per day at a fixed wall-clock time in a fixed time zone.
type DailyScheduler struct {
	hour   int
	minute int
	loc    *time.Location
	task   func(ctx context.Context) error
	now    func() time.Time
	timer  func(time.Duration) (<-chan time.Time, func() bool)
	logger *zap.Logger
}

// NewDailyScheduler parses the configured time and builds a scheduler.
func NewDailyScheduler(cfg DailySchedulerConfig) (*DailyScheduler, error) {
	if cfg.Task == nil {
		return nil, errors.New("daily scheduler: task is required")
	}
	at := strings.TrimSpace(cfg.At)
	if at == "" {
		at = "09:00"
	}
	parsed, err := time.Parse("15:04", at)
	if err != nil {
		return nil, fmt.Errorf("daily scheduler: invalid time %q: %w", cfg.At, err)
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	timer := cfg.Timer
	if timer == nil {
		timer = newStdTimer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DailyScheduler{
		hour:   parsed.Hour(),
		minute: parsed.Minute(),
		loc:    loc,
		task:   cfg.Task,
		now:    now,
		timer:  timer,
		logger: logger,
	}, nil
}

// NextRun returns the first occurrence of the configured time strictly after now.
func (s *DailyScheduler) NextRun(now time.Time) time.Time {
	local := now.In(s.loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), s.hour, s.minute, 0, 0, s.loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, s.hour, s.minute, 0, 0, s.loc)
	}
	return next
}

// Run blocks until ctx is cancelled, invoking the task at every scheduled time. A failing or
// panicking task is logged and the next cycle is still scheduled.
func (s *DailyScheduler) Run(ctx context.Context) error {
	for {
		now := s.now()
		next := s.NextRun(now)
		wait := next.Sub(now)
		s.logger.Debug("next scheduled run", zap.Time("at", next), zap.Duration("in", wait))

		fired, stop := s.timer(wait)
		select {
		case <-ctx.Done():
			stop()
			return ctx.Err()
		case <-fired:
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.runOnce(ctx); err != nil {
			s.logger.Error("scheduled task failed", zap.Error(err))
		}
	}
}

func newStdTimer(d time.Duration) (<-chan time.Time, func() bool) {
	timer := time.NewTimer(d)
	return timer.C, timer.Stop
}

func (s *DailyScheduler) runOnce(ctx context.Context) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("daily scheduler: task panicked: %v", recovered)
		}
	}()
	return s.task(ctx)
}
