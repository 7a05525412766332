package firestore

import (
	"context"
	"sync"

	"go.uber.org/zap"

	pfirestore "github.com/tripfare/api/internal/platform/firestore"
	"github.com/tripfare/api/internal/repositories"
)

type watchFunc func(ctx context.Context, id string, onChange func(), onError func(error)) (func(), error)

// DocumentWatcher turns realtime document snapshots into change notifications. Each package
// document is watched in every registered collection; the first snapshot of each stream reflects
// the current state and is not reported as a change.
type DocumentWatcher struct {
	logger  *zap.Logger
	targets []namedWatch
}

type namedWatch struct {
	name  string
	watch watchFunc
}

var _ repositories.ChangeNotifier = (*DocumentWatcher)(nil)

// NewDocumentWatcher returns a watcher with no collections registered.
func NewDocumentWatcher(logger *zap.Logger) *DocumentWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocumentWatcher{logger: logger}
}

// WatchCollection registers coll so that writes to a package's document signal its listeners.
func WatchCollection[T any](w *DocumentWatcher, coll *pfirestore.Collection[T]) {
	w.targets = append(w.targets, namedWatch{
		name: coll.Name(),
		watch: func(ctx context.Context, id string, onChange func(), onError func(error)) (func(), error) {
			return coll.Watch(ctx, id, func(pfirestore.Document[T], bool) { onChange() }, onError)
		},
	})
}

// Watch subscribes fn to changes of packageID across every registered collection.
func (w *DocumentWatcher) Watch(ctx context.Context, packageID string, fn func()) (func(), error) {
	stops := make([]func(), 0, len(w.targets))
	stopAll := func() {
		for _, stop := range stops {
			stop()
		}
	}

	for _, target := range w.targets {
		var (
			mu   sync.Mutex
			seen bool
		)
		onChange := func() {
			mu.Lock()
			first := !seen
			seen = true
			mu.Unlock()
			if !first {
				fn()
			}
		}
		name := target.name
		onError := func(err error) {
			w.logger.Warn("document watch failed",
				zap.String("collection", name),
				zap.String("packageId", packageID),
				zap.Error(err),
			)
		}
		stop, err := target.watch(ctx, packageID, onChange, onError)
		if err != nil {
			stopAll()
			return nil, err
		}
		stops = append(stops, stop)
	}

	var once sync.Once
	return func() { once.Do(stopAll) }, nil
}
