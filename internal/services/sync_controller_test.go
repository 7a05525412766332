package services

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	domain "github.com/tripfare/api/internal/domain"
	"github.com/tripfare/api/internal/repositories"
)

type fakeItinerarySource struct {
	name string

	mu      sync.Mutex
	payload map[string]any
	err     error
	loads   int
	block   chan struct{}
}

func (s *fakeItinerarySource) Name() string { return s.name }

func (s *fakeItinerarySource) Load(_ context.Context, packageID string) (*domain.RawItinerary, error) {
	s.mu.Lock()
	s.loads++
	payload, err, block := s.payload, s.err, s.block
	s.mu.Unlock()
	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, nil
	}
	return &domain.RawItinerary{PackageID: packageID, Payload: payload}, nil
}

func (s *fakeItinerarySource) set(payload map[string]any) {
	s.mu.Lock()
	s.payload = payload
	s.mu.Unlock()
}

func (s *fakeItinerarySource) loadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}

type fakeMarkupRepo struct {
	settings map[string]domain.MarkupSettings
}

func (r *fakeMarkupRepo) Load(_ context.Context, packageID string) (domain.MarkupSettings, bool, error) {
	s, ok := r.settings[packageID]
	return s, ok, nil
}

func (r *fakeMarkupRepo) Save(_ context.Context, packageID string, settings domain.MarkupSettings) error {
	r.settings[packageID] = settings
	return nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	callbacks map[string]func()
	cancelled int
}

func (n *fakeNotifier) Watch(_ context.Context, packageID string, fn func()) (func(), error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.callbacks == nil {
		n.callbacks = make(map[string]func())
	}
	n.callbacks[packageID] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if _, ok := n.callbacks[packageID]; ok {
			delete(n.callbacks, packageID)
			n.cancelled++
		}
	}, nil
}

func (n *fakeNotifier) fire(packageID string) bool {
	n.mu.Lock()
	fn := n.callbacks[packageID]
	n.mu.Unlock()
	if fn == nil {
		return false
	}
	fn()
	return true
}

func hotelPayload(pricePerNight float64) map[string]any {
	return map[string]any{
		"travelers":   map[string]any{"adults": 2},
		"destination": "IN",
		"days": []any{
			map[string]any{"hotel": map[string]any{"pricePerNight": pricePerNight, "nights": 2}},
		},
	}
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type updateRecorder struct {
	mu      sync.Mutex
	updates []domain.SnapshotUpdate
}

func (r *updateRecorder) record(update domain.SnapshotUpdate) {
	r.mu.Lock()
	r.updates = append(r.updates, update)
	r.mu.Unlock()
}

func (r *updateRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func (r *updateRecorder) last() domain.SnapshotUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates[len(r.updates)-1]
}

func newTestController(t *testing.T, deps SyncControllerDeps) *SyncController {
	t.Helper()
	if deps.PackageID == "" {
		deps.PackageID = "pkg_1"
	}
	if deps.Composer == nil {
		var seq atomic.Int64
		deps.Composer = NewPricingComposer(PricingComposerDeps{
			IDGenerator: func() string { return "snap_" + strconv.FormatInt(seq.Add(1), 10) },
		})
	}
	controller, err := NewSyncController(deps)
	if err != nil {
		t.Fatalf("NewSyncController error: %v", err)
	}
	t.Cleanup(controller.Stop)
	return controller
}

func TestSyncController_UnchangedDataEmitsOnce(t *testing.T) {
	source := &fakeItinerarySource{name: "primary", payload: hotelPayload(100)}
	controller := newTestController(t, SyncControllerDeps{Sources: []repositories.ItinerarySource{source}})
	recorder := &updateRecorder{}
	controller.Subscribe(recorder.record)

	ctx := context.Background()
	first, err := controller.Check(ctx)
	if err != nil || first != OutcomeEmitted {
		t.Fatalf("expected first check to emit, got %s (%v)", first, err)
	}
	second, err := controller.Check(ctx)
	if err != nil || second != OutcomeUnchanged {
		t.Fatalf("expected second check unchanged, got %s (%v)", second, err)
	}
	if recorder.count() != 1 {
		t.Fatalf("expected a single notification, got %d", recorder.count())
	}

	latest := controller.Latest()
	if latest == nil || latest.FinalTotal != 230 || latest.PackageID != "pkg_1" {
		t.Fatalf("unexpected latest snapshot %+v", latest)
	}
	if controller.State() != SyncStateIdle {
		t.Fatalf("expected idle after check, got %s", controller.State())
	}
}

func TestSyncController_BreakerPausesAfterThreshold(t *testing.T) {
	clock := &manualClock{now: time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)}
	source := &fakeItinerarySource{name: "primary"}
	controller := newTestController(t, SyncControllerDeps{
		Sources:          []repositories.ItinerarySource{source},
		BreakerThreshold: 10,
		BreakerCooldown:  30 * time.Second,
		Clock:            clock.Now,
	})
	recorder := &updateRecorder{}
	controller.Subscribe(recorder.record)
	ctx := context.Background()

	for i := 1; i <= 11; i++ {
		source.set(hotelPayload(float64(100 + i)))
		outcome, err := controller.Check(ctx)
		if err != nil {
			t.Fatalf("change %d: Check error: %v", i, err)
		}
		if i <= 10 && outcome != OutcomeEmitted {
			t.Fatalf("change %d: expected emit, got %s", i, outcome)
		}
		if i == 11 && outcome != OutcomeTripped {
			t.Fatalf("change 11: expected breaker to trip, got %s", outcome)
		}
		clock.Advance(100 * time.Millisecond)
	}
	if recorder.count() != 10 {
		t.Fatalf("expected 10 notifications before cooldown, got %d", recorder.count())
	}

	loadsBefore := source.loadCount()
	if outcome, _ := controller.Check(ctx); outcome != OutcomePaused {
		t.Fatalf("expected paused during cooldown, got %s", outcome)
	}
	if source.loadCount() != loadsBefore {
		t.Fatalf("expected no source reads while paused")
	}

	clock.Advance(30 * time.Second)
	outcome, err := controller.Check(ctx)
	if err != nil || outcome != OutcomeEmitted {
		t.Fatalf("expected emit after cooldown, got %s (%v)", outcome, err)
	}
	if recorder.count() != 11 {
		t.Fatalf("expected resumed notification, got %d", recorder.count())
	}
	if got := recorder.last().Snapshot.TotalBase; got != 222 {
		t.Fatalf("expected latest source data after cooldown, got total base %v", got)
	}
}

func TestSyncController_FirstNonEmptySourceWins(t *testing.T) {
	failing := &fakeItinerarySource{name: "broken", err: errors.New("connection reset")}
	empty := &fakeItinerarySource{name: "drafts", payload: map[string]any{"days": []any{}}}
	legacy := &fakeItinerarySource{name: "legacy", payload: hotelPayload(50)}
	unused := &fakeItinerarySource{name: "archive", payload: hotelPayload(999)}

	controller := newTestController(t, SyncControllerDeps{
		Sources: []repositories.ItinerarySource{failing, empty, legacy, unused},
	})
	if outcome, err := controller.Check(context.Background()); err != nil || outcome != OutcomeEmitted {
		t.Fatalf("expected emit, got %s (%v)", outcome, err)
	}
	if got := controller.Latest().TotalBase; got != 100 {
		t.Fatalf("expected legacy source to win, got total base %v", got)
	}
	if unused.loadCount() != 0 {
		t.Fatalf("expected lower priority source to be skipped")
	}
}

func TestSyncController_NoDataIsEmittedOnce(t *testing.T) {
	source := &fakeItinerarySource{name: "primary", err: errors.New("unavailable")}
	controller := newTestController(t, SyncControllerDeps{Sources: []repositories.ItinerarySource{source}})
	recorder := &updateRecorder{}
	controller.Subscribe(recorder.record)
	ctx := context.Background()

	if outcome, err := controller.Check(ctx); err != nil || outcome != OutcomeNoData {
		t.Fatalf("expected no data, got %s (%v)", outcome, err)
	}
	if outcome, _ := controller.Check(ctx); outcome != OutcomeUnchanged {
		t.Fatalf("expected repeated no data to be suppressed, got %s", outcome)
	}
	if recorder.count() != 1 || !recorder.last().NoData || recorder.last().Snapshot != nil {
		t.Fatalf("expected one no-data update, got %+v", recorder.updates)
	}
	if controller.Latest() != nil {
		t.Fatalf("expected no latest snapshot")
	}

	source.mu.Lock()
	source.err = nil
	source.payload = hotelPayload(100)
	source.mu.Unlock()
	if outcome, _ := controller.Check(ctx); outcome != OutcomeEmitted {
		t.Fatalf("expected recovery emit, got %s", outcome)
	}
}

func TestSyncController_MarkupFromRepository(t *testing.T) {
	source := &fakeItinerarySource{name: "primary", payload: hotelPayload(100)}
	markup := &fakeMarkupRepo{settings: map[string]domain.MarkupSettings{
		"pkg_1": {Percent: 10, Type: domain.MarkupTypePercentage},
	}}
	controller := newTestController(t, SyncControllerDeps{
		Sources: []repositories.ItinerarySource{source},
		Markup:  markup,
	})
	if _, err := controller.Check(context.Background()); err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if got := controller.Latest().FinalTotal; got != 220 {
		t.Fatalf("expected stored 10%% markup, got final total %v", got)
	}

	markup.settings["pkg_1"] = domain.MarkupSettings{Percent: 20, Type: domain.MarkupTypePercentage}
	if outcome, _ := controller.Check(context.Background()); outcome != OutcomeEmitted {
		t.Fatalf("expected markup change to emit, got %s", outcome)
	}
}

func TestSyncController_ComposeErrorIsReported(t *testing.T) {
	payload := hotelPayload(100)
	payload["travelers"] = map[string]any{"adults": 0, "children": 2}
	source := &fakeItinerarySource{name: "primary", payload: payload}
	controller := newTestController(t, SyncControllerDeps{Sources: []repositories.ItinerarySource{source}})

	outcome, err := controller.Check(context.Background())
	if outcome != OutcomeFailed || !errors.Is(err, ErrPricingInvalidInput) {
		t.Fatalf("expected failed outcome with ErrPricingInvalidInput, got %s (%v)", outcome, err)
	}
}

func TestSyncController_ComposeErrorRetractsPreviousSnapshot(t *testing.T) {
	source := &fakeItinerarySource{name: "primary", payload: hotelPayload(100)}
	controller := newTestController(t, SyncControllerDeps{Sources: []repositories.ItinerarySource{source}})
	recorder := &updateRecorder{}
	controller.Subscribe(recorder.record)
	ctx := context.Background()

	if outcome, err := controller.Check(ctx); err != nil || outcome != OutcomeEmitted {
		t.Fatalf("expected first check to emit, got %s (%v)", outcome, err)
	}

	payload := hotelPayload(100)
	payload["travelers"] = map[string]any{"adults": 0, "children": 2}
	source.set(payload)

	outcome, err := controller.Check(ctx)
	if outcome != OutcomeFailed || !errors.Is(err, ErrPricingInvalidInput) {
		t.Fatalf("expected failed outcome with ErrPricingInvalidInput, got %s (%v)", outcome, err)
	}
	if latest := controller.Latest(); latest != nil {
		t.Fatalf("expected stale snapshot to be dropped, got %+v", latest)
	}
	if recorder.count() != 2 || !recorder.last().NoData {
		t.Fatalf("expected a no-data update after the failure, got %d updates", recorder.count())
	}

	// A repeated failure does not notify again.
	if outcome, _ := controller.Check(ctx); outcome != OutcomeFailed {
		t.Fatalf("expected failed outcome, got %s", outcome)
	}
	if recorder.count() != 2 {
		t.Fatalf("expected no further updates, got %d", recorder.count())
	}
}

func TestSyncController_ConcurrentCheckIsDropped(t *testing.T) {
	block := make(chan struct{})
	source := &fakeItinerarySource{name: "primary", payload: hotelPayload(100), block: block}
	controller := newTestController(t, SyncControllerDeps{Sources: []repositories.ItinerarySource{source}})

	done := make(chan CheckOutcome, 1)
	go func() {
		outcome, _ := controller.Check(context.Background())
		done <- outcome
	}()

	deadline := time.After(time.Second)
	for source.loadCount() == 0 {
		select {
		case <-deadline:
			t.Fatalf("first check never reached the source")
		case <-time.After(time.Millisecond):
		}
	}

	if outcome, _ := controller.Check(context.Background()); outcome != OutcomeBusy {
		t.Fatalf("expected busy while a check is in flight, got %s", outcome)
	}
	close(block)
	if outcome := <-done; outcome != OutcomeEmitted {
		t.Fatalf("expected in-flight check to emit, got %s", outcome)
	}
	if source.loadCount() != 1 {
		t.Fatalf("expected the dropped trigger not to be queued, saw %d loads", source.loadCount())
	}
}

func TestSyncController_SignalsAreDebouncedAndStopDeregisters(t *testing.T) {
	source := &fakeItinerarySource{name: "primary", payload: hotelPayload(100)}
	notifier := &fakeNotifier{}
	controller := newTestController(t, SyncControllerDeps{
		Sources:      []repositories.ItinerarySource{source},
		Notifiers:    []repositories.ChangeNotifier{notifier},
		PollInterval: time.Hour,
		Debounce:     20 * time.Millisecond,
	})
	updates := make(chan domain.SnapshotUpdate, 8)
	controller.Subscribe(func(u domain.SnapshotUpdate) { updates <- u })

	controller.Start(context.Background())
	select {
	case <-updates:
	case <-time.After(time.Second):
		t.Fatalf("expected initial check on start")
	}

	source.set(hotelPayload(150))
	for i := 0; i < 5; i++ {
		if !notifier.fire("pkg_1") {
			t.Fatalf("expected notifier registration")
		}
	}
	select {
	case update := <-updates:
		if update.Snapshot == nil || update.Snapshot.TotalBase != 300 {
			t.Fatalf("unexpected update %+v", update)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected debounced check after change notification")
	}
	if loads := source.loadCount(); loads != 2 {
		t.Fatalf("expected burst of signals to collapse into one check, saw %d loads", loads)
	}

	controller.Stop()
	if notifier.cancelled != 1 {
		t.Fatalf("expected notifier to be deregistered, got %d", notifier.cancelled)
	}
	loads := source.loadCount()
	controller.Signal()
	time.Sleep(60 * time.Millisecond)
	if source.loadCount() != loads {
		t.Fatalf("expected no work after stop")
	}
	if outcome, _ := controller.Check(context.Background()); outcome != OutcomeStopped {
		t.Fatalf("expected stopped outcome, got %s", outcome)
	}
}

func TestSyncController_UnsubscribeAndPanickingSubscriber(t *testing.T) {
	source := &fakeItinerarySource{name: "primary", payload: hotelPayload(100)}
	controller := newTestController(t, SyncControllerDeps{Sources: []repositories.ItinerarySource{source}})

	controller.Subscribe(func(domain.SnapshotUpdate) { panic("subscriber bug") })
	recorder := &updateRecorder{}
	unsubscribe := controller.Subscribe(recorder.record)

	if _, err := controller.Check(context.Background()); err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if recorder.count() != 1 {
		t.Fatalf("expected healthy subscriber to still be notified")
	}

	unsubscribe()
	unsubscribe()
	source.set(hotelPayload(120))
	if _, err := controller.Check(context.Background()); err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if recorder.count() != 1 {
		t.Fatalf("expected no delivery after unsubscribe")
	}
}

func TestSnapshotsEqualIgnoresIdentity(t *testing.T) {
	a := domain.PricingSnapshot{ID: "a", FinalTotal: 230, ComputedAt: time.Unix(1, 0)}
	b := domain.PricingSnapshot{ID: "b", FinalTotal: 230, ComputedAt: time.Unix(2, 0)}
	if !SnapshotsEqual(a, b) {
		t.Fatalf("expected identity fields to be ignored")
	}
	b.PerPerson.Child = 1
	if SnapshotsEqual(a, b) {
		t.Fatalf("expected per person difference to be detected")
	}
}

func TestNewSyncController_Validation(t *testing.T) {
	composer := NewPricingComposer(PricingComposerDeps{})
	source := &fakeItinerarySource{name: "primary"}
	cases := []SyncControllerDeps{
		{Sources: []repositories.ItinerarySource{source}, Composer: composer},
		{PackageID: "pkg", Composer: composer},
		{PackageID: "pkg", Sources: []repositories.ItinerarySource{source}},
	}
	for i, deps := range cases {
		if _, err := NewSyncController(deps); !errors.Is(err, ErrSyncInvalidInput) {
			t.Fatalf("case %d: expected ErrSyncInvalidInput, got %v", i, err)
		}
	}
}
