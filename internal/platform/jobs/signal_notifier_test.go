package jobs

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
)

func TestSignalNotifierDispatchesByPackage(t *testing.T) {
	ctx := context.Background()
	srv, client := newTestClient(t)

	topic, err := client.CreateTopic(ctx, "itinerary-signals")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	sub, err := client.CreateSubscription(ctx, "pricing-engine", pubsub.SubscriptionConfig{Topic: topic})
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	notifier, err := NewSignalNotifier(sub, nil)
	if err != nil {
		t.Fatalf("NewSignalNotifier: %v", err)
	}

	goa := make(chan struct{}, 4)
	other := make(chan struct{}, 4)
	stopGoa, err := notifier.Watch(ctx, "pkg-goa", func() { goa <- struct{}{} })
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer stopGoa()
	stopOther, _ := notifier.Watch(ctx, "pkg-bali", func() { other <- struct{}{} })
	defer stopOther()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- notifier.Run(runCtx) }()

	srv.Publish(topic.String(), nil, map[string]string{SignalAttribute: "pkg-goa"})

	select {
	case <-goa:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for signal")
	}
	select {
	case <-other:
		t.Fatalf("unexpected signal for another package")
	default:
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not stop after cancellation")
	}
}

func TestSignalNotifierCancelStopsDelivery(t *testing.T) {
	_, client := newTestClient(t)
	notifier, err := NewSignalNotifier(client.Subscription("unused"), nil)
	if err != nil {
		t.Fatalf("NewSignalNotifier: %v", err)
	}

	calls := 0
	stop, err := notifier.Watch(context.Background(), "pkg", func() { calls++ })
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if n := notifier.dispatch("pkg"); n != 1 || calls != 1 {
		t.Fatalf("expected one delivery, got n=%d calls=%d", n, calls)
	}
	stop()
	stop()
	if n := notifier.dispatch("pkg"); n != 0 || calls != 1 {
		t.Fatalf("expected no delivery after cancel, got n=%d calls=%d", n, calls)
	}
	if n := notifier.dispatch("  "); n != 0 {
		t.Fatalf("expected blank package id to be dropped")
	}
	if _, err := notifier.Watch(context.Background(), "", func() {}); err == nil {
		t.Fatalf("expected error for blank package id")
	}
}
