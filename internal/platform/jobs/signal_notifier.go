package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
)

// SignalAttribute names the message attribute carrying the package ID of a "data updated" signal.
const SignalAttribute = "packageId"

// SignalNotifier delivers "data updated" signals received on a Pub/Sub subscription to the
// listeners registered for the signalled package. Messages without a package ID are acked and
// dropped.
type SignalNotifier struct {
	sub    *pubsub.Subscription
	logger *zap.Logger

	mu        sync.RWMutex
	nextID    uint64
	listeners map[string]map[uint64]func()
}

// NewSignalNotifier binds a notifier to sub. Call Run to start receiving.
func NewSignalNotifier(sub *pubsub.Subscription, logger *zap.Logger) (*SignalNotifier, error) {
	if sub == nil {
		return nil, errors.New("signal notifier: subscription is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SignalNotifier{
		sub:       sub,
		logger:    logger,
		listeners: make(map[string]map[uint64]func()),
	}, nil
}

// Watch registers fn for packageID.
func (n *SignalNotifier) Watch(_ context.Context, packageID string, fn func()) (func(), error) {
	packageID = strings.TrimSpace(packageID)
	if packageID == "" || fn == nil {
		return nil, errors.New("signal notifier: package id and callback are required")
	}
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	if n.listeners[packageID] == nil {
		n.listeners[packageID] = make(map[uint64]func())
	}
	n.listeners[packageID][id] = fn
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.listeners[packageID], id)
			if len(n.listeners[packageID]) == 0 {
				delete(n.listeners, packageID)
			}
			n.mu.Unlock()
		})
	}, nil
}

// Run receives messages until ctx is cancelled.
func (n *SignalNotifier) Run(ctx context.Context) error {
	err := n.sub.Receive(ctx, func(_ context.Context, msg *pubsub.Message) {
		n.dispatch(msg.Attributes[SignalAttribute])
		msg.Ack()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (n *SignalNotifier) dispatch(packageID string) int {
	packageID = strings.TrimSpace(packageID)
	if packageID == "" {
		n.logger.Warn("signal without package id dropped")
		return 0
	}
	n.mu.RLock()
	fns := make([]func(), 0, len(n.listeners[packageID]))
	for _, fn := range n.listeners[packageID] {
		fns = append(fns, fn)
	}
	n.mu.RUnlock()
	for _, fn := range fns {
		fn()
	}
	n.logger.Debug("signal dispatched", zap.String("packageId", packageID), zap.Int("listeners", len(fns)))
	return len(fns)
}
