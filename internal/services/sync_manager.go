package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	domain "github.com/tripfare/api/internal/domain"
)

// SyncManager owns one SyncController per tracked package. Every controller it creates shares the
// template deps and forwards its updates to the manager's subscribers.
type SyncManager struct {
	template SyncControllerDeps
	logger   *zap.Logger

	mu          sync.Mutex
	controllers map[string]*SyncController
	closed      bool

	subMu       sync.RWMutex
	subscribers map[uint64]func(domain.SnapshotUpdate)
	nextSubID   uint64
}

// NewSyncManager builds a manager. PackageID in template is ignored.
func NewSyncManager(template SyncControllerDeps) *SyncManager {
	logger := template.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	template.Logger = logger
	return &SyncManager{
		template:    template,
		logger:      logger,
		controllers: make(map[string]*SyncController),
		subscribers: make(map[uint64]func(domain.SnapshotUpdate)),
	}
}

// Track starts synchronizing packageID and returns its controller. Tracking an already tracked
// package returns the existing controller.
func (m *SyncManager) Track(ctx context.Context, packageID string) (*SyncController, error) {
	packageID = strings.TrimSpace(packageID)
	if packageID == "" {
		return nil, fmt.Errorf("%w: package id is required", ErrSyncInvalidInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("%w: sync manager is closed", ErrSyncInvalidInput)
	}
	if existing, ok := m.controllers[packageID]; ok {
		return existing, nil
	}

	deps := m.template
	deps.PackageID = packageID
	controller, err := NewSyncController(deps)
	if err != nil {
		return nil, err
	}
	controller.Subscribe(m.fanout)
	// Controllers outlive the request that asked for tracking.
	controller.Start(context.WithoutCancel(ctx))
	m.controllers[packageID] = controller
	m.logger.Info("package tracking started", zap.String("packageId", packageID))
	return controller, nil
}

// Untrack stops and forgets the controller for packageID. It reports whether the package was
// tracked.
func (m *SyncManager) Untrack(packageID string) bool {
	packageID = strings.TrimSpace(packageID)
	m.mu.Lock()
	controller, ok := m.controllers[packageID]
	delete(m.controllers, packageID)
	m.mu.Unlock()
	if !ok {
		return false
	}
	controller.Stop()
	m.logger.Info("package tracking stopped", zap.String("packageId", packageID))
	return true
}

// Controller returns the controller for packageID when tracked.
func (m *SyncManager) Controller(packageID string) (*SyncController, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	controller, ok := m.controllers[strings.TrimSpace(packageID)]
	return controller, ok
}

// Latest returns the last emitted snapshot for packageID. The second result is false when the
// package is not tracked.
func (m *SyncManager) Latest(packageID string) (*domain.PricingSnapshot, bool) {
	controller, ok := m.Controller(packageID)
	if !ok {
		return nil, false
	}
	return controller.Latest(), true
}

// Tracked lists tracked package IDs in lexical order.
func (m *SyncManager) Tracked() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.controllers))
	for id := range m.controllers {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Signal forwards an explicit "data updated" signal to the controller of packageID, if tracked.
func (m *SyncManager) Signal(packageID string) bool {
	controller, ok := m.Controller(packageID)
	if !ok {
		return false
	}
	controller.Signal()
	return true
}

// Subscribe registers fn for updates from every tracked package.
func (m *SyncManager) Subscribe(fn func(domain.SnapshotUpdate)) func() {
	if fn == nil {
		return func() {}
	}
	m.subMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = fn
	m.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subscribers, id)
			m.subMu.Unlock()
		})
	}
}

// Close stops every controller. Track fails afterwards.
func (m *SyncManager) Close() {
	m.mu.Lock()
	m.closed = true
	controllers := make([]*SyncController, 0, len(m.controllers))
	for _, controller := range m.controllers {
		controllers = append(controllers, controller)
	}
	m.controllers = make(map[string]*SyncController)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, controller := range controllers {
		wg.Add(1)
		go func(c *SyncController) {
			defer wg.Done()
			c.Stop()
		}(controller)
	}
	wg.Wait()
}

func (m *SyncManager) fanout(update domain.SnapshotUpdate) {
	m.subMu.RLock()
	subs := make([]func(domain.SnapshotUpdate), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	m.subMu.RUnlock()
	for _, fn := range subs {
		fn(update)
	}
}
