package firestore

import (
	"context"
	"errors"
	"testing"
)

type fakeWatchStream struct {
	onChange func()
	stopped  int
}

func (s *fakeWatchStream) watch(_ context.Context, _ string, onChange func(), _ func(error)) (func(), error) {
	s.onChange = onChange
	return func() { s.stopped++ }, nil
}

func TestDocumentWatcherSkipsInitialSnapshot(t *testing.T) {
	packages := &fakeWatchStream{}
	markup := &fakeWatchStream{}
	watcher := NewDocumentWatcher(nil)
	watcher.targets = []namedWatch{
		{name: "packages", watch: packages.watch},
		{name: "markupSettings", watch: markup.watch},
	}

	calls := 0
	stop, err := watcher.Watch(context.Background(), "pkg-1", func() { calls++ })
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}

	packages.onChange()
	markup.onChange()
	if calls != 0 {
		t.Fatalf("expected initial snapshots to be ignored, got %d calls", calls)
	}

	packages.onChange()
	markup.onChange()
	packages.onChange()
	if calls != 3 {
		t.Fatalf("expected 3 change notifications, got %d", calls)
	}

	stop()
	stop()
	if packages.stopped != 1 || markup.stopped != 1 {
		t.Fatalf("expected each stream stopped once, got %d and %d", packages.stopped, markup.stopped)
	}
}

func TestDocumentWatcherStopsStartedStreamsOnError(t *testing.T) {
	first := &fakeWatchStream{}
	watcher := NewDocumentWatcher(nil)
	watcher.targets = []namedWatch{
		{name: "packages", watch: first.watch},
		{name: "broken", watch: func(context.Context, string, func(), func(error)) (func(), error) {
			return nil, errors.New("boom")
		}},
	}

	if _, err := watcher.Watch(context.Background(), "pkg-1", func() {}); err == nil {
		t.Fatalf("expected watch error")
	}
	if first.stopped != 1 {
		t.Fatalf("expected started stream to be stopped, got %d", first.stopped)
	}
}

func TestRateDocumentID(t *testing.T) {
	if got := RateDocumentID(" inr", "usd "); got != "INR_USD" {
		t.Fatalf("expected INR_USD, got %q", got)
	}
}
