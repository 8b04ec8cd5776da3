// Package queue implements the durable pending action queue. Records are
// stored newest first under a single key and replayed oldest first.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tripsync/internal/domain"
	"tripsync/internal/kv"
)

var (
	// ErrMoot is returned by an applier when the record no longer applies to
	// anything. The record is removed as if it had been applied.
	ErrMoot = errors.New("action is moot")

	// ErrUnknownActionType is returned when no applier is registered for a type.
	ErrUnknownActionType = errors.New("unknown action type")

	// ErrInvalidPayload is returned when a record lacks the fields its type needs.
	ErrInvalidPayload = errors.New("invalid action payload")

	// ErrRejected wraps a state machine refusal that no retry can fix.
	ErrRejected = errors.New("action rejected")

	// ErrLocked is returned when another agent holds the queue lease.
	ErrLocked = errors.New("pending queue locked by another agent")
)

const (
	leaseName        = "pending-action-queue"
	leaseTTL         = 30 * time.Second
	leaseRetry       = 25 * time.Millisecond
	defaultLeaseWait = 10 * time.Second
	maxDeadLetters   = 100
)

// Applier replays one pending action against the authoritative store.
// Applying the same record twice must leave the store as applying it once.
type Applier interface {
	Apply(ctx context.Context, action domain.PendingAction) error
}

// Checker is implemented by appliers that can refuse a record before it is
// queued. queued holds the records already waiting, newest first.
type Checker interface {
	Check(ctx context.Context, action domain.PendingAction, queued []domain.PendingAction) error
}

// Lease is a lock shared by every agent that writes the same queue.
type Lease interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
}

// ApplierFunc adapts a function to the Applier interface.
type ApplierFunc func(ctx context.Context, action domain.PendingAction) error

// Apply calls f.
func (f ApplierFunc) Apply(ctx context.Context, action domain.PendingAction) error {
	return f(ctx, action)
}

// FlushResult summarises one flush.
type FlushResult struct {
	Applied  int `json:"applied"`
	Moot     int `json:"moot"`
	Failed   int `json:"failed"`
	Deferred int `json:"deferred"`
	// Dropped records could never apply and were moved to the dead letters.
	Dropped int `json:"dropped"`
	// Remaining is the number of records persisted back to the queue.
	Remaining int `json:"remaining"`
}

// Queue is the pending action queue.
type Queue struct {
	mu       sync.Mutex
	store    kv.Store
	appliers map[domain.ActionType]Applier
	logger   *zap.Logger
	now      func() time.Time
	newID    func() (string, error)

	lease     Lease
	leaseWait time.Duration
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the clock used to stamp CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithIDGenerator overrides record id generation.
func WithIDGenerator(gen func() (string, error)) Option {
	return func(q *Queue) { q.newID = gen }
}

// WithLease makes every queue write hold lease. Agents that share a store
// must share the lease too. Enqueue waits up to wait for it; Flush fails
// with ErrLocked straight away.
func WithLease(lease Lease, wait time.Duration) Option {
	return func(q *Queue) {
		q.lease = lease
		q.leaseWait = wait
	}
}

// New creates a new Queue persisting to store.
func New(store kv.Store, logger *zap.Logger, opts ...Option) *Queue {
	q := &Queue{
		store:     store,
		appliers:  make(map[domain.ActionType]Applier),
		logger:    logger,
		now:       time.Now,
		newID:     newV7,
		leaseWait: defaultLeaseWait,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func newV7() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Register installs the applier for an action type, replacing any previous one.
func (q *Queue) Register(t domain.ActionType, a Applier) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.appliers[t] = a
}

// Enqueue records a new pending action and persists the whole queue. Types
// with no applier are refused, as are records the applier's Check rejects.
func (q *Queue) Enqueue(ctx context.Context, t domain.ActionType, payload domain.ActionPayload) (domain.PendingAction, error) {
	id, err := q.newID()
	if err != nil {
		return domain.PendingAction{}, fmt.Errorf("generate action id: %w", err)
	}

	action := domain.PendingAction{
		ID:        id,
		Type:      t,
		Payload:   payload,
		Status:    domain.ActionStatusPending,
		CreatedAt: q.now().UTC(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	applier, ok := q.appliers[t]
	if !ok {
		return domain.PendingAction{}, fmt.Errorf("%w: %q", ErrUnknownActionType, t)
	}

	unlock, err := q.lock(ctx, true)
	if err != nil {
		return domain.PendingAction{}, err
	}
	defer unlock()

	actions, err := q.load(ctx)
	if err != nil {
		return domain.PendingAction{}, err
	}

	if checker, ok := applier.(Checker); ok {
		if err := checker.Check(ctx, action, actions); err != nil {
			return domain.PendingAction{}, err
		}
	}

	next := make([]domain.PendingAction, 0, len(actions)+1)
	next = append(next, action)
	next = append(next, actions...)

	if err := q.save(ctx, next); err != nil {
		return domain.PendingAction{}, err
	}

	q.logger.Debug("action enqueued",
		zap.String("action_id", action.ID),
		zap.String("type", string(action.Type)),
		zap.String("trip_id", action.Payload.TripID),
		zap.Int("queue_length", len(next)),
	)

	return action, nil
}

// List returns the persisted queue in stored order, newest first.
func (q *Queue) List(ctx context.Context) ([]domain.PendingAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx)
}

// Flush replays every record oldest first. Records whose apply fails stay in
// the queue; so do later records for the same trip, untried. Records that
// can never apply go to the dead letters. The mutex and the lease are held
// for the whole cycle so no enqueue can be lost between read and write.
func (q *Queue) Flush(ctx context.Context) (FlushResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var result FlushResult

	unlock, err := q.lock(ctx, false)
	if err != nil {
		return result, err
	}
	defer unlock()

	actions, err := q.load(ctx)
	if err != nil {
		return result, err
	}
	if len(actions) == 0 {
		return result, nil
	}

	blocked := make(map[string]bool)
	keep := make(map[int]bool)
	var dead []domain.PendingAction

	for i := len(actions) - 1; i >= 0; i-- {
		action := actions[i]
		tripID := action.Payload.TripID

		if tripID != "" && blocked[tripID] {
			keep[i] = true
			result.Deferred++
			continue
		}

		err := q.apply(ctx, action)
		switch {
		case err == nil:
			result.Applied++
		case errors.Is(err, ErrMoot):
			result.Moot++
			q.logger.Info("dropping moot action",
				zap.String("action_id", action.ID),
				zap.String("type", string(action.Type)),
				zap.String("trip_id", tripID),
				zap.Error(err),
			)
		case permanent(err):
			result.Dropped++
			dead = append(dead, action)
			q.logger.Warn("action can never apply, moved to dead letters",
				zap.String("action_id", action.ID),
				zap.String("type", string(action.Type)),
				zap.String("trip_id", tripID),
				zap.Error(err),
			)
		default:
			keep[i] = true
			result.Failed++
			if tripID != "" {
				blocked[tripID] = true
			}
			q.logger.Error("failed to apply action, retained for retry",
				zap.String("action_id", action.ID),
				zap.String("type", string(action.Type)),
				zap.String("trip_id", tripID),
				zap.Error(err),
			)
		}
	}

	remaining := make([]domain.PendingAction, 0, len(keep))
	for i, action := range actions {
		if keep[i] {
			remaining = append(remaining, action)
		}
	}
	result.Remaining = len(remaining)

	if len(dead) == 0 {
		err = q.save(ctx, remaining)
	} else {
		err = q.saveWithDeadLetters(ctx, remaining, dead)
	}
	if err != nil {
		return result, fmt.Errorf("persist remaining actions: %w", err)
	}

	return result, nil
}

// DeadLetters returns the records dropped because they could never apply,
// oldest first.
func (q *Queue) DeadLetters(ctx context.Context) ([]domain.PendingAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loadDeadLetters(ctx)
}

func permanent(err error) bool {
	return errors.Is(err, ErrUnknownActionType) ||
		errors.Is(err, ErrInvalidPayload) ||
		errors.Is(err, ErrRejected)
}

// lock takes the lease when one is configured. With wait set it polls until
// the lease frees up or leaseWait runs out.
func (q *Queue) lock(ctx context.Context, wait bool) (func(), error) {
	if q.lease == nil {
		return func() {}, nil
	}

	deadline := time.Now().Add(q.leaseWait)
	for {
		ok, err := q.lease.Acquire(ctx, leaseName, leaseTTL)
		if err != nil {
			return nil, fmt.Errorf("acquire queue lease: %w", err)
		}
		if ok {
			break
		}
		if !wait || time.Now().After(deadline) {
			return nil, ErrLocked
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(leaseRetry):
		}
	}

	return func() {
		if err := q.lease.Release(context.WithoutCancel(ctx), leaseName); err != nil {
			q.logger.Warn("failed to release queue lease", zap.Error(err))
		}
	}, nil
}

func (q *Queue) apply(ctx context.Context, action domain.PendingAction) error {
	applier, ok := q.appliers[action.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownActionType, action.Type)
	}
	return applier.Apply(ctx, action)
}

// load reads the queue. A malformed record decodes to an empty queue.
func (q *Queue) load(ctx context.Context) ([]domain.PendingAction, error) {
	data, err := q.store.Get(ctx, kv.KeyPendingActionQueue)
	if err != nil {
		return nil, fmt.Errorf("read pending queue: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var actions []domain.PendingAction
	if err := json.Unmarshal(data, &actions); err != nil {
		q.logger.Warn("pending queue is malformed, treating as empty", zap.Error(err))
		return nil, nil
	}
	return actions, nil
}

func (q *Queue) loadDeadLetters(ctx context.Context) ([]domain.PendingAction, error) {
	data, err := q.store.Get(ctx, kv.KeyDeadLetterActions)
	if err != nil {
		return nil, fmt.Errorf("read dead letters: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var actions []domain.PendingAction
	if err := json.Unmarshal(data, &actions); err != nil {
		q.logger.Warn("dead letters are malformed, starting over", zap.Error(err))
		return nil, nil
	}
	return actions, nil
}

// saveWithDeadLetters writes the remaining queue and the grown dead letter
// list in one batch.
func (q *Queue) saveWithDeadLetters(ctx context.Context, remaining, dead []domain.PendingAction) error {
	existing, err := q.loadDeadLetters(ctx)
	if err != nil {
		return err
	}

	letters := append(existing, dead...)
	if len(letters) > maxDeadLetters {
		letters = letters[len(letters)-maxDeadLetters:]
	}

	if remaining == nil {
		remaining = []domain.PendingAction{}
	}
	queuePair, err := kv.JSONPair(kv.KeyPendingActionQueue, remaining)
	if err != nil {
		return err
	}
	deadPair, err := kv.JSONPair(kv.KeyDeadLetterActions, letters)
	if err != nil {
		return err
	}
	return q.store.MultiSet(ctx, []kv.Pair{queuePair, deadPair})
}

func (q *Queue) save(ctx context.Context, actions []domain.PendingAction) error {
	if actions == nil {
		actions = []domain.PendingAction{}
	}
	if err := kv.SetJSON(ctx, q.store, kv.KeyPendingActionQueue, actions); err != nil {
		return fmt.Errorf("write pending queue: %w", err)
	}
	return nil
}
