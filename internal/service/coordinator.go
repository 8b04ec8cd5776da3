package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"tripsync/internal/connectivity"
	"tripsync/internal/domain"
	"tripsync/internal/metrics"
	"tripsync/internal/queue"
)

const flushKey = "flush"

// ActionQueue is the durable pending action queue the coordinator drives.
type ActionQueue interface {
	Enqueue(ctx context.Context, t domain.ActionType, payload domain.ActionPayload) (domain.PendingAction, error)
	List(ctx context.Context) ([]domain.PendingAction, error)
	Flush(ctx context.Context) (queue.FlushResult, error)
}

// SyncStatus is what the UI shows about pending work.
type SyncStatus struct {
	IsOffline        bool               `json:"isOffline"`
	IsSyncingQueue   bool               `json:"isSyncingQueue"`
	PendingSyncCount int                `json:"pendingSyncCount"`
	LastSyncAt       *time.Time         `json:"lastSyncAt,omitempty"`
	LastSyncError    string             `json:"lastSyncError,omitempty"`
	LastFlush        *queue.FlushResult `json:"lastFlush,omitempty"`
}

// Coordinator is the single entry point for connectivity-aware action
// submission. It keeps an in-memory mirror of the persisted queue and
// flushes it when connectivity returns.
type Coordinator struct {
	queue    ActionQueue
	observer connectivity.Observer
	notifier *NotificationService
	logger   *zap.Logger
	nrApp    *newrelic.Application

	group singleflight.Group
	wg    sync.WaitGroup

	mu          sync.RWMutex
	started     bool
	offline     bool
	syncing     bool
	pending     []domain.PendingAction
	lastSyncAt  time.Time
	lastSyncErr error
	lastFlush   *queue.FlushResult
	unsubscribe func()
	bgCtx       context.Context
	cancel      context.CancelFunc
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithNewRelic records each flush as a background transaction.
func WithNewRelic(app *newrelic.Application) CoordinatorOption {
	return func(c *Coordinator) { c.nrApp = app }
}

// NewCoordinator creates a new Coordinator. notifier may be nil.
func NewCoordinator(q ActionQueue, observer connectivity.Observer, notifier *NotificationService, logger *zap.Logger, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		queue:    q,
		observer: observer,
		notifier: notifier,
		logger:   logger,
		offline:  !observer.Online(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start subscribes to connectivity changes, loads the persisted queue and,
// when already online with work pending, starts a background sync.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	// Subscribe before reading the state so no transition falls in between.
	unsubscribe := c.observer.OnChange(c.handleConnectivity)

	actions, err := c.queue.List(ctx)
	if err != nil {
		unsubscribe()
		return err
	}

	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	c.mu.Lock()
	c.started = true
	c.bgCtx = bgCtx
	c.cancel = cancel
	c.unsubscribe = unsubscribe
	c.offline = !c.observer.Online()
	c.setPendingLocked(actions)
	offline := c.offline
	c.mu.Unlock()

	c.logger.Info("coordinator started",
		zap.Bool("offline", offline),
		zap.Int("pending", len(actions)),
	)

	if !offline && len(actions) > 0 {
		c.syncInBackground()
	}
	return nil
}

// Stop unsubscribes from the observer and waits for background syncs.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	unsubscribe := c.unsubscribe
	cancel := c.cancel
	c.unsubscribe = nil
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	c.wg.Wait()
	if cancel != nil {
		cancel()
	}
}

func (c *Coordinator) handleConnectivity(online bool) {
	c.mu.Lock()
	if c.offline == !online {
		c.mu.Unlock()
		return
	}
	c.offline = !online
	pending := len(c.pending)
	c.mu.Unlock()

	state := "offline"
	if online {
		state = "online"
	}
	metrics.ConnectivityTransitions.WithLabelValues(state).Inc()
	c.logger.Info("connectivity changed", zap.Bool("online", online), zap.Int("pending", pending))

	if c.notifier != nil {
		_ = c.notifier.NotifyConnectivityChanged(context.Background(), online, pending)
	}

	if online {
		c.syncInBackground()
	}
}

// syncInBackground starts a sync unless the coordinator is stopped. wg.Add
// happens under mu so it cannot race Stop's Wait.
func (c *Coordinator) syncInBackground() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	ctx := c.bgCtx
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		if err := c.SyncQueue(ctx); err != nil {
			c.logger.Warn("background sync failed", zap.Error(err))
		}
	}()
}

// QueueOperationalAction persists an action for later replay. It works
// regardless of connectivity.
func (c *Coordinator) QueueOperationalAction(ctx context.Context, t domain.ActionType, payload domain.ActionPayload) (domain.PendingAction, error) {
	if t == "" {
		return domain.PendingAction{}, ErrInvalidActionType
	}

	action, err := c.queue.Enqueue(ctx, t, payload)
	if err != nil {
		return domain.PendingAction{}, err
	}
	metrics.ActionsQueued.WithLabelValues(string(t)).Inc()

	pending := c.refresh(ctx, &action)

	if c.notifier != nil {
		_ = c.notifier.NotifyActionQueued(ctx, action, pending)
	}
	return action, nil
}

// SyncQueue flushes the queue. Concurrent callers share one in-flight
// flush; flushes never overlap.
func (c *Coordinator) SyncQueue(ctx context.Context) error {
	_, err, shared := c.group.Do(flushKey, func() (interface{}, error) {
		return nil, c.flush(context.WithoutCancel(ctx))
	})
	if shared {
		c.logger.Debug("sync joined an in-flight flush")
	}
	return err
}

func (c *Coordinator) flush(ctx context.Context) (err error) {
	if c.nrApp != nil {
		txn := c.nrApp.StartTransaction("queue-flush")
		defer txn.End()
		ctx = newrelic.NewContext(ctx, txn)
		defer func() {
			if err != nil {
				txn.NoticeError(err)
			}
		}()
	}

	c.setSyncing(true)
	defer c.setSyncing(false)

	start := time.Now()
	result, err := c.queue.Flush(ctx)
	if errors.Is(err, queue.ErrLocked) {
		metrics.Flushes.WithLabelValues("locked").Inc()
		c.logger.Info("queue flush skipped, another agent holds the lease")
		return ErrFlushLocked
	}
	metrics.FlushDuration.Observe(time.Since(start).Seconds())
	metrics.FlushedRecords.WithLabelValues("applied").Add(float64(result.Applied))
	metrics.FlushedRecords.WithLabelValues("moot").Add(float64(result.Moot))
	metrics.FlushedRecords.WithLabelValues("failed").Add(float64(result.Failed))
	metrics.FlushedRecords.WithLabelValues("deferred").Add(float64(result.Deferred))
	metrics.FlushedRecords.WithLabelValues("dropped").Add(float64(result.Dropped))

	pending := c.refresh(ctx, nil)

	c.mu.Lock()
	c.lastSyncAt = time.Now().UTC()
	c.lastSyncErr = err
	if err == nil {
		r := result
		c.lastFlush = &r
	}
	c.mu.Unlock()

	if err != nil {
		metrics.Flushes.WithLabelValues("error").Inc()
		c.logger.Error("queue flush failed", zap.Error(err), zap.Int("pending", pending))
		if c.notifier != nil {
			_ = c.notifier.NotifySyncFailed(ctx, err, pending)
		}
		return err
	}

	metrics.Flushes.WithLabelValues("ok").Inc()
	c.logger.Info("queue flushed",
		zap.Int("applied", result.Applied),
		zap.Int("moot", result.Moot),
		zap.Int("failed", result.Failed),
		zap.Int("deferred", result.Deferred),
		zap.Int("dropped", result.Dropped),
		zap.Int("pending", pending),
	)
	if c.notifier != nil && (result.Applied+result.Moot+result.Failed+result.Deferred+result.Dropped) > 0 {
		_ = c.notifier.NotifySyncCompleted(ctx, result)
	}
	return nil
}

// refresh reloads the mirror from the store. If the read fails the mirror
// keeps its previous contents, plus added when given.
func (c *Coordinator) refresh(ctx context.Context, added *domain.PendingAction) int {
	actions, err := c.queue.List(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.logger.Warn("failed to refresh pending queue", zap.Error(err))
		if added != nil {
			c.setPendingLocked(append([]domain.PendingAction{*added}, c.pending...))
		}
		return len(c.pending)
	}

	c.setPendingLocked(actions)
	return len(c.pending)
}

func (c *Coordinator) setPendingLocked(actions []domain.PendingAction) {
	c.pending = actions
	metrics.PendingActions.Set(float64(len(actions)))
}

func (c *Coordinator) setSyncing(v bool) {
	c.mu.Lock()
	c.syncing = v
	c.mu.Unlock()
}

// IsOffline reports the last connectivity state seen.
func (c *Coordinator) IsOffline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offline
}

// PendingSyncCount returns the length of the mirrored queue.
func (c *Coordinator) PendingSyncCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pending)
}

// PendingActions returns a copy of the mirrored queue, newest first.
func (c *Coordinator) PendingActions() []domain.PendingAction {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.PendingAction, len(c.pending))
	copy(out, c.pending)
	return out
}

// Status returns the sync status shown to the driver.
func (c *Coordinator) Status() SyncStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := SyncStatus{
		IsOffline:        c.offline,
		IsSyncingQueue:   c.syncing,
		PendingSyncCount: len(c.pending),
	}
	if !c.lastSyncAt.IsZero() {
		at := c.lastSyncAt
		status.LastSyncAt = &at
	}
	if c.lastSyncErr != nil {
		status.LastSyncError = c.lastSyncErr.Error()
	}
	if c.lastFlush != nil {
		r := *c.lastFlush
		status.LastFlush = &r
	}
	return status
}
