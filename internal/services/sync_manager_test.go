package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/tripfare/api/internal/domain"
	"github.com/tripfare/api/internal/repositories"
)

func TestSyncManager_TrackUntrack(t *testing.T) {
	source := &fakeItinerarySource{name: "primary", payload: hotelPayload(100)}
	manager := NewSyncManager(SyncControllerDeps{
		Sources:      []repositories.ItinerarySource{source},
		Composer:     NewPricingComposer(PricingComposerDeps{}),
		PollInterval: time.Hour,
	})
	t.Cleanup(manager.Close)

	updates := make(chan domain.SnapshotUpdate, 4)
	manager.Subscribe(func(u domain.SnapshotUpdate) { updates <- u })

	ctx, cancel := context.WithCancel(context.Background())
	controller, err := manager.Track(ctx, " pkg_a ")
	if err != nil {
		t.Fatalf("Track error: %v", err)
	}
	cancel()

	select {
	case update := <-updates:
		if update.PackageID != "pkg_a" || update.Snapshot == nil {
			t.Fatalf("unexpected update %+v", update)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected initial snapshot after tracking")
	}

	again, err := manager.Track(context.Background(), "pkg_a")
	if err != nil || again != controller {
		t.Fatalf("expected existing controller to be reused")
	}
	if ids := manager.Tracked(); len(ids) != 1 || ids[0] != "pkg_a" {
		t.Fatalf("unexpected tracked ids %v", ids)
	}
	if latest, ok := manager.Latest("pkg_a"); !ok || latest == nil || latest.FinalTotal != 230 {
		t.Fatalf("unexpected latest %+v (%v)", latest, ok)
	}
	if !manager.Signal("pkg_a") || manager.Signal("pkg_missing") {
		t.Fatalf("expected signal routing to tracked packages only")
	}

	if !manager.Untrack("pkg_a") {
		t.Fatalf("expected untrack to report tracked package")
	}
	if manager.Untrack("pkg_a") {
		t.Fatalf("expected second untrack to be a no-op")
	}
	if _, ok := manager.Latest("pkg_a"); ok {
		t.Fatalf("expected package to be forgotten")
	}
	if outcome, _ := controller.Check(context.Background()); outcome != OutcomeStopped {
		t.Fatalf("expected untracked controller to be stopped, got %s", outcome)
	}
}

func TestSyncManager_CloseRejectsTracking(t *testing.T) {
	source := &fakeItinerarySource{name: "primary"}
	manager := NewSyncManager(SyncControllerDeps{
		Sources:  []repositories.ItinerarySource{source},
		Composer: NewPricingComposer(PricingComposerDeps{}),
	})
	if _, err := manager.Track(context.Background(), "pkg_b"); err != nil {
		t.Fatalf("Track error: %v", err)
	}
	manager.Close()

	if len(manager.Tracked()) != 0 {
		t.Fatalf("expected no tracked packages after close")
	}
	if _, err := manager.Track(context.Background(), "pkg_c"); !errors.Is(err, ErrSyncInvalidInput) {
		t.Fatalf("expected closed manager to reject tracking, got %v", err)
	}
	if _, err := manager.Track(context.Background(), " "); !errors.Is(err, ErrSyncInvalidInput) {
		t.Fatalf("expected blank package id rejection, got %v", err)
	}
}
