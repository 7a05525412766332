package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	domain "github.com/tripfare/api/internal/domain"
	"github.com/tripfare/api/internal/repositories"
)

const (
	DefaultPollInterval     = 10 * time.Second
	DefaultSignalDebounce   = 100 * time.Millisecond
	DefaultBreakerThreshold = 10
	DefaultBreakerCooldown  = 30 * time.Second

	syncInstrumentation = "github.com/tripfare/api/internal/services/sync"
)

// ErrSyncInvalidInput is returned when a controller is constructed without required collaborators.
var ErrSyncInvalidInput = errors.New("sync: invalid input")

// SyncState is the observable state of a controller.
type SyncState int32

const (
	SyncStateIdle SyncState = iota
	SyncStateChecking
	SyncStateRecomputing
	SyncStateUnchanged
	SyncStateChanged
	SyncStateNotifying
)

func (s SyncState) String() string {
	switch s {
	case SyncStateIdle:
		return "idle"
	case SyncStateChecking:
		return "checking"
	case SyncStateRecomputing:
		return "recomputing"
	case SyncStateUnchanged:
		return "unchanged"
	case SyncStateChanged:
		return "changed"
	case SyncStateNotifying:
		return "notifying"
	default:
		return "unknown"
	}
}

// CheckOutcome reports what a single check cycle did.
type CheckOutcome string

const (
	OutcomeEmitted   CheckOutcome = "emitted"
	OutcomeNoData    CheckOutcome = "no_data"
	OutcomeUnchanged CheckOutcome = "unchanged"
	OutcomeBusy      CheckOutcome = "busy"
	OutcomePaused    CheckOutcome = "paused"
	OutcomeTripped   CheckOutcome = "tripped"
	OutcomeStopped   CheckOutcome = "stopped"
	OutcomeFailed    CheckOutcome = "failed"
)

// SyncControllerDeps enumerates collaborators and tuning for a SyncController.
type SyncControllerDeps struct {
	PackageID        string
	Sources          []repositories.ItinerarySource
	Markup           repositories.MarkupSettingsRepository
	DefaultMarkup    *domain.MarkupSettings
	Composer         *PricingComposer
	Notifiers        []repositories.ChangeNotifier
	PollInterval     time.Duration
	Debounce         time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	Clock            func() time.Time
	Logger           *zap.Logger
}

// SyncController keeps the pricing snapshot of one package synchronized with its sources. It
// polls on a fixed interval, reacts to change notifications, suppresses unchanged results and
// pauses itself when too many changes are emitted.
type SyncController struct {
	packageID     string
	sources       []repositories.ItinerarySource
	markup        repositories.MarkupSettingsRepository
	defaultMarkup domain.MarkupSettings
	composer      *PricingComposer
	notifiers     []repositories.ChangeNotifier
	pollInterval  time.Duration
	debounce      time.Duration
	threshold     int
	cooldown      time.Duration
	clock         func() time.Time
	logger        *zap.Logger

	tracer       trace.Tracer
	checks       metric.Int64Counter
	emits        metric.Int64Counter
	breakerTrips metric.Int64Counter

	state    atomic.Int32
	inFlight atomic.Bool
	stopped  atomic.Bool

	mu            sync.Mutex
	last          *domain.PricingSnapshot
	lastNoData    bool
	emitted       int
	cooldownUntil time.Time

	subMu       sync.RWMutex
	subscribers map[uint64]func(domain.SnapshotUpdate)
	nextSubID   uint64

	signals      chan struct{}
	startOnce    sync.Once
	stopOnce     sync.Once
	cancel       context.CancelFunc
	watchCancels []func()
	wg           sync.WaitGroup
}

// NewSyncController validates deps and builds an idle controller. Call Start to begin polling.
func NewSyncController(deps SyncControllerDeps) (*SyncController, error) {
	packageID := strings.TrimSpace(deps.PackageID)
	if packageID == "" {
		return nil, fmt.Errorf("%w: package id is required", ErrSyncInvalidInput)
	}
	if len(deps.Sources) == 0 {
		return nil, fmt.Errorf("%w: at least one itinerary source is required", ErrSyncInvalidInput)
	}
	if deps.Composer == nil {
		return nil, fmt.Errorf("%w: pricing composer is required", ErrSyncInvalidInput)
	}

	c := &SyncController{
		packageID:     packageID,
		sources:       append([]repositories.ItinerarySource(nil), deps.Sources...),
		markup:        deps.Markup,
		defaultMarkup: domain.DefaultMarkupSettings(),
		composer:      deps.Composer,
		notifiers:     append([]repositories.ChangeNotifier(nil), deps.Notifiers...),
		pollInterval:  deps.PollInterval,
		debounce:      deps.Debounce,
		threshold:     deps.BreakerThreshold,
		cooldown:      deps.BreakerCooldown,
		clock:         deps.Clock,
		logger:        deps.Logger,
		tracer:        otel.Tracer(syncInstrumentation),
		subscribers:   make(map[uint64]func(domain.SnapshotUpdate)),
		signals:       make(chan struct{}, 1),
	}
	if deps.DefaultMarkup != nil {
		c.defaultMarkup = *deps.DefaultMarkup
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}
	if c.debounce <= 0 {
		c.debounce = DefaultSignalDebounce
	}
	if c.threshold <= 0 {
		c.threshold = DefaultBreakerThreshold
	}
	if c.cooldown <= 0 {
		c.cooldown = DefaultBreakerCooldown
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.With(zap.String("packageId", packageID))

	meter := otel.Meter(syncInstrumentation)
	c.checks, _ = meter.Int64Counter("pricing.sync.checks", metric.WithDescription("Snapshot check cycles by outcome"))
	c.emits, _ = meter.Int64Counter("pricing.sync.emitted", metric.WithDescription("Snapshot updates delivered to subscribers"))
	c.breakerTrips, _ = meter.Int64Counter("pricing.sync.breaker_trips", metric.WithDescription("Circuit breaker activations"))
	return c, nil
}

// PackageID returns the package tracked by the controller.
func (c *SyncController) PackageID() string { return c.packageID }

// State returns the current state of the controller.
func (c *SyncController) State() SyncState { return SyncState(c.state.Load()) }

// Latest returns the last emitted snapshot, or nil when none has been emitted or the last update
// reported no data.
func (c *SyncController) Latest() *domain.PricingSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil || c.lastNoData {
		return nil
	}
	snapshot := *c.last
	return &snapshot
}

// Subscribe registers fn for every emitted update and returns a func that removes it.
func (c *SyncController) Subscribe(fn func(domain.SnapshotUpdate)) func() {
	if fn == nil {
		return func() {}
	}
	c.subMu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = fn
	c.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subscribers, id)
			c.subMu.Unlock()
		})
	}
}

// Start begins periodic polling and registers on every change notifier. It runs an initial check
// immediately. Calling Start more than once, or after Stop, has no effect.
func (c *SyncController) Start(ctx context.Context) {
	if c.stopped.Load() {
		return
	}
	c.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		c.cancel = cancel
		for _, notifier := range c.notifiers {
			if notifier == nil {
				continue
			}
			stop, err := notifier.Watch(runCtx, c.packageID, c.Signal)
			if err != nil {
				c.logger.Warn("change notifier registration failed", zap.Error(err))
				continue
			}
			if stop != nil {
				c.watchCancels = append(c.watchCancels, stop)
			}
		}
		c.wg.Add(1)
		go c.loop(runCtx)
	})
}

// Signal reports that the package data was updated. Signals are debounced so that a write that
// just completed can settle before it is read back.
func (c *SyncController) Signal() {
	if c.stopped.Load() {
		return
	}
	select {
	case c.signals <- struct{}{}:
	default:
	}
}

// Stop cancels the polling loop, deregisters change listeners and waits for an in-flight check to
// finish. No work runs after Stop returns.
func (c *SyncController) Stop() {
	c.stopOnce.Do(func() {
		c.stopped.Store(true)
		if c.cancel != nil {
			c.cancel()
		}
		for _, stop := range c.watchCancels {
			stop()
		}
		c.wg.Wait()
	})
}

func (c *SyncController) loop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var debounce *time.Timer
	var debounceC <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	c.runCheck(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runCheck(ctx)
		case <-c.signals:
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(c.debounce)
			debounceC = debounce.C
		case <-debounceC:
			debounceC = nil
			c.runCheck(ctx)
		}
	}
}

func (c *SyncController) runCheck(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	// A started check runs to completion even if Stop is called meanwhile.
	outcome, err := c.Check(context.WithoutCancel(ctx))
	if err != nil {
		c.logger.Error("snapshot check failed", zap.String("outcome", string(outcome)), zap.Error(err))
	}
}

// Check runs one synchronization cycle. Only one cycle runs at a time; a concurrent call returns
// OutcomeBusy immediately. Source failures are logged and never returned; the only error is a
// composition failure such as a package without adults, which also retracts the previous snapshot.
func (c *SyncController) Check(ctx context.Context) (CheckOutcome, error) {
	if c.stopped.Load() {
		return OutcomeStopped, nil
	}
	if !c.inFlight.CompareAndSwap(false, true) {
		c.record(ctx, OutcomeBusy)
		return OutcomeBusy, nil
	}
	defer c.inFlight.Store(false)
	defer c.setState(SyncStateIdle)

	now := c.clock()
	if c.paused(now) {
		c.record(ctx, OutcomePaused)
		return OutcomePaused, nil
	}

	ctx, span := c.tracer.Start(ctx, "pricing.sync.check", trace.WithAttributes(attribute.String("package.id", c.packageID)))
	defer span.End()

	c.setState(SyncStateChecking)
	raw := c.loadFirst(ctx)
	if raw == nil {
		outcome := c.emitNoData(ctx, now)
		span.SetAttributes(attribute.String("sync.outcome", string(outcome)))
		return outcome, nil
	}

	c.setState(SyncStateRecomputing)
	inputs, err := NormalizeItinerary(*raw)
	if err != nil {
		c.logger.Warn("itinerary normalization failed", zap.String("source", raw.Source), zap.Error(err))
		outcome := c.emitNoData(ctx, now)
		span.SetAttributes(attribute.String("sync.outcome", string(outcome)))
		return outcome, nil
	}
	inputs.PackageID = c.packageID

	settings := c.resolveMarkup(ctx)
	snapshot, err := c.composer.Compose(inputs, settings.Percent)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "compose failed")
		c.retract(ctx, now)
		c.record(ctx, OutcomeFailed)
		return OutcomeFailed, fmt.Errorf("sync %s: %w", c.packageID, err)
	}

	outcome := c.emitSnapshot(ctx, now, snapshot)
	span.SetAttributes(attribute.String("sync.outcome", string(outcome)))
	return outcome, nil
}

// paused reports whether the breaker cooldown is active. Once the cooldown has elapsed the
// counter is reset and checks resume.
func (c *SyncController) paused(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cooldownUntil.IsZero() {
		return false
	}
	if now.Before(c.cooldownUntil) {
		return true
	}
	c.cooldownUntil = time.Time{}
	c.emitted = 0
	c.logger.Info("sync breaker cooldown elapsed, resuming")
	return false
}

func (c *SyncController) loadFirst(ctx context.Context) *domain.RawItinerary {
	for _, source := range c.sources {
		raw, err := source.Load(ctx, c.packageID)
		if err != nil {
			c.logger.Warn("itinerary source read failed", zap.String("source", source.Name()), zap.Error(err))
			continue
		}
		if raw == nil || !HasDays(raw.Payload) {
			continue
		}
		if raw.Source == "" {
			raw.Source = source.Name()
		}
		return raw
	}
	return nil
}

func (c *SyncController) resolveMarkup(ctx context.Context) domain.MarkupSettings {
	if c.markup == nil {
		return c.defaultMarkup
	}
	settings, ok, err := c.markup.Load(ctx, c.packageID)
	if err != nil {
		c.logger.Warn("markup settings read failed, using default", zap.Error(err))
		return c.defaultMarkup
	}
	if !ok {
		return c.defaultMarkup
	}
	return settings
}

func (c *SyncController) emitSnapshot(ctx context.Context, now time.Time, snapshot domain.PricingSnapshot) CheckOutcome {
	c.mu.Lock()
	if c.last != nil && !c.lastNoData && SnapshotsEqual(*c.last, snapshot) {
		c.mu.Unlock()
		c.setState(SyncStateUnchanged)
		c.record(ctx, OutcomeUnchanged)
		return OutcomeUnchanged
	}
	c.setState(SyncStateChanged)
	if tripped := c.countEmitLocked(now); tripped {
		c.mu.Unlock()
		c.tripped(ctx)
		return OutcomeTripped
	}
	stored := snapshot
	c.last = &stored
	c.lastNoData = false
	c.mu.Unlock()

	c.notify(ctx, domain.SnapshotUpdate{PackageID: c.packageID, Snapshot: &snapshot, EmittedAt: now.UTC()})
	c.record(ctx, OutcomeEmitted)
	return OutcomeEmitted
}

func (c *SyncController) emitNoData(ctx context.Context, now time.Time) CheckOutcome {
	c.mu.Lock()
	if c.lastNoData {
		c.mu.Unlock()
		c.setState(SyncStateUnchanged)
		c.record(ctx, OutcomeUnchanged)
		return OutcomeUnchanged
	}
	c.setState(SyncStateChanged)
	if tripped := c.countEmitLocked(now); tripped {
		c.mu.Unlock()
		c.tripped(ctx)
		return OutcomeTripped
	}
	c.last = nil
	c.lastNoData = true
	c.mu.Unlock()

	c.notify(ctx, domain.SnapshotUpdate{PackageID: c.packageID, NoData: true, EmittedAt: now.UTC()})
	c.record(ctx, OutcomeNoData)
	return OutcomeNoData
}

// retract drops the last snapshot and tells subscribers no price is available. Unlike emitNoData
// it does not count toward the breaker.
func (c *SyncController) retract(ctx context.Context, now time.Time) {
	c.mu.Lock()
	if c.lastNoData {
		c.mu.Unlock()
		return
	}
	c.last = nil
	c.lastNoData = true
	c.mu.Unlock()

	c.notify(ctx, domain.SnapshotUpdate{PackageID: c.packageID, NoData: true, EmittedAt: now.UTC()})
}

// countEmitLocked increments the emitted counter and opens the breaker when it exceeds the
// threshold. c.mu must be held.
func (c *SyncController) countEmitLocked(now time.Time) bool {
	c.emitted++
	if c.emitted <= c.threshold {
		return false
	}
	c.cooldownUntil = now.Add(c.cooldown)
	return true
}

func (c *SyncController) tripped(ctx context.Context) {
	c.logger.Warn("sync breaker tripped, pausing recomputation",
		zap.Int("threshold", c.threshold),
		zap.Duration("cooldown", c.cooldown),
	)
	c.breakerTrips.Add(ctx, 1, metric.WithAttributes(attribute.String("package.id", c.packageID)))
	c.record(ctx, OutcomeTripped)
}

func (c *SyncController) notify(ctx context.Context, update domain.SnapshotUpdate) {
	c.setState(SyncStateNotifying)
	c.subMu.RLock()
	subs := make([]func(domain.SnapshotUpdate), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	c.subMu.RUnlock()

	for _, fn := range subs {
		c.deliver(fn, update)
	}
	c.emits.Add(ctx, 1, metric.WithAttributes(attribute.Bool("no_data", update.NoData)))
}

func (c *SyncController) deliver(fn func(domain.SnapshotUpdate), update domain.SnapshotUpdate) {
	defer func() {
		if recovered := recover(); recovered != nil {
			c.logger.Error("snapshot subscriber panicked", zap.Any("panic", recovered))
		}
	}()
	fn(update)
}

func (c *SyncController) record(ctx context.Context, outcome CheckOutcome) {
	c.checks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
}

func (c *SyncController) setState(state SyncState) {
	c.state.Store(int32(state))
}

var snapshotCompareOpts = []cmp.Option{
	cmpopts.IgnoreFields(domain.PricingSnapshot{}, "ID", "ComputedAt"),
	cmpopts.EquateEmpty(),
}

// SnapshotsEqual compares two snapshots field by field, ignoring identity and timestamps.
func SnapshotsEqual(a, b domain.PricingSnapshot) bool {
	return cmp.Equal(a, b, snapshotCompareOpts...)
}
