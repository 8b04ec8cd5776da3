package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"tripsync/internal/domain"
	"tripsync/internal/kv"
	"tripsync/internal/repository"
	"tripsync/internal/repository/kvrepo"
	"tripsync/internal/tripflow"
)

// flakyTrips fails the first n CommitTripStage calls.
type flakyTrips struct {
	repository.TripRepository
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyTrips) CommitTripStage(ctx context.Context, tripID string, stage domain.Stage, reason string) (*domain.Trip, error) {
	f.mu.Lock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return nil, errors.New("store unavailable")
	}
	f.mu.Unlock()
	return f.TripRepository.CommitTripStage(ctx, tripID, stage, reason)
}

// brokenPODs fails Append for one reference.
type brokenPODs struct {
	repository.PODRepository
	failRef string
}

func (b *brokenPODs) Append(ctx context.Context, upload domain.PODUpload) error {
	if upload.Reference == b.failRef {
		return errors.New("disk full")
	}
	return b.PODRepository.Append(ctx, upload)
}

// failingSetStore fails every Set once armed.
type failingSetStore struct {
	*kv.MemoryStore
	armed bool
}

func (s *failingSetStore) Set(ctx context.Context, key string, value []byte) error {
	if s.armed {
		return errors.New("write failed")
	}
	return s.MemoryStore.Set(ctx, key, value)
}

// memLease is a Lease shared by queues in one test.
type memLease struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLease() *memLease {
	return &memLease{held: make(map[string]bool)}
}

func (l *memLease) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[name] {
		return false, nil
	}
	l.held[name] = true
	return true, nil
}

func (l *memLease) Release(ctx context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, name)
	return nil
}

var noopApplier = ApplierFunc(func(ctx context.Context, a domain.PendingAction) error { return nil })

type fixture struct {
	store *kv.MemoryStore
	trips *kvrepo.TripRepository
	pods  *kvrepo.PODRepository
	queue *Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := kv.NewMemoryStore()
	f := &fixture{
		store: store,
		trips: kvrepo.NewTripRepository(store),
		pods:  kvrepo.NewPODRepository(store),
	}

	seq := 0
	f.queue = New(store, zap.NewNop(),
		WithClock(func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }),
		WithIDGenerator(func() (string, error) {
			seq++
			return fmt.Sprintf("act-%02d", seq), nil
		}),
	)
	f.queue.Register(domain.ActionTripStateTransition, NewTripStageApplier(f.trips, nil))
	f.queue.Register(domain.ActionOTPVerification, NewTripStageApplier(f.trips, nil))
	f.queue.Register(domain.ActionPODUpload, NewPODApplier(f.pods))
	return f
}

func (f *fixture) seedTrip(t *testing.T, id string, stage domain.Stage) {
	t.Helper()
	ctx := context.Background()
	if err := f.trips.Assign(ctx, domain.Trip{ID: id, PickupLocation: "Depot", DropLocation: "Mall"}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := f.store.Set(ctx, kv.KeyTripState, domain.EncodeTripState(stage)); err != nil {
		t.Fatalf("seed stage: %v", err)
	}
}

func (f *fixture) enqueue(t *testing.T, typ domain.ActionType, tripID string, next domain.Stage) domain.PendingAction {
	t.Helper()
	a, err := f.queue.Enqueue(context.Background(), typ, domain.ActionPayload{TripID: tripID, NextState: next})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return a
}

func (f *fixture) stage(t *testing.T) domain.Stage {
	t.Helper()
	active, err := f.trips.ActiveTrip(context.Background())
	if err != nil {
		t.Fatalf("active trip: %v", err)
	}
	if active == nil {
		return ""
	}
	return active.Status
}

func TestQueue_EnqueuePrependsPendingRecord(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	first := f.enqueue(t, domain.ActionTripStateTransition, "PD-1", domain.StageEnRoutePickup)
	second := f.enqueue(t, domain.ActionOTPVerification, "PD-1", domain.StagePickupConfirmed)

	if first.Status != domain.ActionStatusPending || first.CreatedAt.IsZero() {
		t.Errorf("first = %+v", first)
	}

	list, err := f.queue.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 records, got %d", len(list))
	}
	if list[0].ID != second.ID || list[1].ID != first.ID {
		t.Errorf("expected newest first, got %s, %s", list[0].ID, list[1].ID)
	}
}

func TestQueue_DefaultIDsAreUnique(t *testing.T) {
	t.Parallel()

	q := New(kv.NewMemoryStore(), zap.NewNop())
	q.Register(domain.ActionTripStateTransition, noopApplier)
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		a, err := q.Enqueue(context.Background(), domain.ActionTripStateTransition, domain.ActionPayload{TripID: "PD-1"})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if seen[a.ID] {
			t.Fatalf("duplicate id %s", a.ID)
		}
		seen[a.ID] = true
	}
}

func TestQueue_MalformedQueueReadsAsEmpty(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	_ = f.store.Set(ctx, kv.KeyPendingActionQueue, []byte(`{"oops":`))

	list, err := f.queue.List(ctx)
	if err != nil || len(list) != 0 {
		t.Fatalf("list=%v err=%v, want empty", list, err)
	}

	f.enqueue(t, domain.ActionTripStateTransition, "PD-1", domain.StageEnRoutePickup)
	list, _ = f.queue.List(ctx)
	if len(list) != 1 {
		t.Fatalf("expected queue rebuilt with 1 record, got %d", len(list))
	}
}

func TestQueue_FlushEmptyQueue(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	result, err := f.queue.Flush(context.Background())
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if result != (FlushResult{}) {
		t.Errorf("result = %+v", result)
	}
}

func TestQueue_ReplayIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedTrip(t, "PD-1", domain.StageArrivedPickup)
	f.enqueue(t, domain.ActionOTPVerification, "PD-1", domain.StagePickupConfirmed)
	f.enqueue(t, domain.ActionOTPVerification, "PD-1", domain.StagePickupConfirmed)

	result, err := f.queue.Flush(context.Background())
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if result.Applied != 1 || result.Moot != 1 || result.Remaining != 0 {
		t.Errorf("result = %+v", result)
	}
	if got := f.stage(t); got != domain.StagePickupConfirmed {
		t.Errorf("stage = %s, want PICKUP_CONFIRMED", got)
	}
}

func TestQueue_FailedRecordIsTheOnlyOneRetained(t *testing.T) {
	t.Parallel()

	store := kv.NewMemoryStore()
	pods := kvrepo.NewPODRepository(store)
	q := New(store, zap.NewNop())
	q.Register(domain.ActionPODUpload, NewPODApplier(&brokenPODs{PODRepository: pods, failRef: "photo-3"}))

	ctx := context.Background()
	var failed domain.PendingAction
	for i := 1; i <= 5; i++ {
		a, err := q.Enqueue(ctx, domain.ActionPODUpload, domain.ActionPayload{
			TripID:       fmt.Sprintf("PD-%d", i),
			PODReference: fmt.Sprintf("photo-%d", i),
		})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if i == 3 {
			failed = a
		}
	}

	result, err := q.Flush(ctx)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if result.Applied != 4 || result.Failed != 1 {
		t.Errorf("result = %+v", result)
	}

	list, _ := q.List(ctx)
	if len(list) != 1 || list[0].ID != failed.ID {
		t.Fatalf("queue = %+v, want only %s", list, failed.ID)
	}

	uploads, _ := pods.List(ctx)
	if len(uploads) != 4 {
		t.Fatalf("expected 4 uploads, got %d", len(uploads))
	}
	for _, u := range uploads {
		if u.Reference == "photo-3" {
			t.Error("failed upload should not be visible")
		}
	}
}

func TestQueue_FlushAppliesOldestFirst(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedTrip(t, "PD-2", domain.StageEnRoutePickup)
	f.enqueue(t, domain.ActionTripStateTransition, "PD-2", domain.StageArrivedPickup)
	f.enqueue(t, domain.ActionOTPVerification, "PD-2", domain.StagePickupConfirmed)

	result, err := f.queue.Flush(context.Background())
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if result.Applied != 2 {
		t.Errorf("result = %+v", result)
	}
	if got := f.stage(t); got != domain.StagePickupConfirmed {
		t.Fatalf("stage = %s, want PICKUP_CONFIRMED", got)
	}

	jobs, _ := f.trips.Jobs(context.Background())
	if jobs[0].Status != domain.StagePickupConfirmed {
		t.Errorf("jobs entry = %s", jobs[0].Status)
	}
}

func TestQueue_LaterRecordsForFailedTripAreDeferred(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedTrip(t, "PD-1", domain.StageEnRoutePickup)

	flaky := &flakyTrips{TripRepository: f.trips, failures: 1}
	f.queue.Register(domain.ActionTripStateTransition, NewTripStageApplier(flaky, nil))
	f.queue.Register(domain.ActionOTPVerification, NewTripStageApplier(flaky, nil))

	first := f.enqueue(t, domain.ActionTripStateTransition, "PD-1", domain.StageArrivedPickup)
	second := f.enqueue(t, domain.ActionOTPVerification, "PD-1", domain.StagePickupConfirmed)
	ctx := context.Background()

	result, err := f.queue.Flush(ctx)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if result.Failed != 1 || result.Deferred != 1 || result.Remaining != 2 {
		t.Errorf("result = %+v", result)
	}
	if flaky.calls != 1 {
		t.Errorf("expected the deferred record untried, got %d commits", flaky.calls)
	}

	list, _ := f.queue.List(ctx)
	if len(list) != 2 || list[0].ID != second.ID || list[1].ID != first.ID {
		t.Fatalf("retained queue out of order: %+v", list)
	}

	result, err = f.queue.Flush(ctx)
	if err != nil {
		t.Fatalf("second flush: %v", err)
	}
	if result.Applied != 2 || result.Remaining != 0 {
		t.Errorf("second result = %+v", result)
	}
	if got := f.stage(t); got != domain.StagePickupConfirmed {
		t.Errorf("stage = %s", got)
	}
}

func TestQueue_MootRecordsAreDropped(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		seed   bool
		tripID string
		target domain.Stage
	}{
		{name: "no active trip", seed: false, tripID: "PD-1", target: domain.StageArrivedPickup},
		{name: "superseded trip", seed: true, tripID: "PD-OLD", target: domain.StageArrivedPickup},
		{name: "already past target", seed: true, tripID: "PD-1", target: domain.StageEnRoutePickup},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			if tt.seed {
				f.seedTrip(t, "PD-1", domain.StageInTransit)
			}
			f.enqueue(t, domain.ActionTripStateTransition, tt.tripID, tt.target)

			result, err := f.queue.Flush(context.Background())
			if err != nil {
				t.Fatalf("flush: %v", err)
			}
			if result.Moot != 1 || result.Remaining != 0 {
				t.Errorf("result = %+v", result)
			}
		})
	}
}

func TestQueue_EnqueueRejectsRecordsThatCanNeverApply(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		queued  []domain.Stage
		typ     domain.ActionType
		payload domain.ActionPayload
		wantErr error
	}{
		{name: "unknown type", typ: "DOCUMENT_RENEWAL", payload: domain.ActionPayload{TripID: "PD-1"}, wantErr: ErrUnknownActionType},
		{name: "missing target", typ: domain.ActionTripStateTransition, payload: domain.ActionPayload{TripID: "PD-1"}, wantErr: ErrInvalidPayload},
		{name: "missing trip", typ: domain.ActionTripStateTransition, payload: domain.ActionPayload{NextState: domain.StageArrivedPickup}, wantErr: ErrInvalidPayload},
		{name: "pod without reference", typ: domain.ActionPODUpload, payload: domain.ActionPayload{TripID: "PD-1"}, wantErr: ErrInvalidPayload},
		{name: "skip from stored stage", typ: domain.ActionTripStateTransition, payload: domain.ActionPayload{TripID: "PD-1", NextState: domain.StageCompleted}, wantErr: tripflow.ErrStageSkipped},
		{
			name:    "skip from projected stage",
			queued:  []domain.Stage{domain.StageArrivedPickup},
			typ:     domain.ActionTripStateTransition,
			payload: domain.ActionPayload{TripID: "PD-1", NextState: domain.StageInTransit},
			wantErr: tripflow.ErrStageSkipped,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			f.seedTrip(t, "PD-1", domain.StageEnRoutePickup)
			for _, stage := range tt.queued {
				f.enqueue(t, domain.ActionTripStateTransition, "PD-1", stage)
			}
			ctx := context.Background()

			_, err := f.queue.Enqueue(ctx, tt.typ, tt.payload)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}

			list, _ := f.queue.List(ctx)
			if len(list) != len(tt.queued) {
				t.Errorf("rejected record was persisted: %+v", list)
			}
		})
	}
}

func TestQueue_EnqueueAcceptsNextStepAfterQueuedOnes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedTrip(t, "PD-1", domain.StageEnRoutePickup)
	f.enqueue(t, domain.ActionTripStateTransition, "PD-1", domain.StageArrivedPickup)
	f.enqueue(t, domain.ActionOTPVerification, "PD-1", domain.StagePickupConfirmed)
	f.enqueue(t, domain.ActionTripStateTransition, "PD-1", domain.StageInTransit)

	result, err := f.queue.Flush(context.Background())
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if result.Applied != 3 {
		t.Errorf("result = %+v", result)
	}
	if got := f.stage(t); got != domain.StageInTransit {
		t.Errorf("stage = %s, want IN_TRANSIT", got)
	}
}

func TestQueue_RecordsThatCanNeverApplyMoveToDeadLetters(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedTrip(t, "PD-1", domain.StageEnRoutePickup)
	ctx := context.Background()

	// Written by an older build that accepted anything; newest first.
	stored := []domain.PendingAction{
		{ID: "act-3", Type: domain.ActionTripStateTransition, Payload: domain.ActionPayload{TripID: "PD-1", NextState: domain.StageArrivedPickup}, Status: domain.ActionStatusPending},
		{ID: "act-2", Type: domain.ActionTripStateTransition, Payload: domain.ActionPayload{TripID: "PD-1", NextState: domain.StageCompleted}, Status: domain.ActionStatusPending},
		{ID: "act-1", Type: "DRIVER_NOTE", Payload: domain.ActionPayload{TripID: "PD-1"}, Status: domain.ActionStatusPending},
	}
	if err := kv.SetJSON(ctx, f.store, kv.KeyPendingActionQueue, stored); err != nil {
		t.Fatalf("seed queue: %v", err)
	}

	result, err := f.queue.Flush(ctx)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if result.Dropped != 2 || result.Applied != 1 || result.Remaining != 0 {
		t.Errorf("result = %+v", result)
	}
	if got := f.stage(t); got != domain.StageArrivedPickup {
		t.Errorf("stage = %s, want ARRIVED_PICKUP: a dead record must not hold the trip back", got)
	}

	dead, err := f.queue.DeadLetters(ctx)
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(dead) != 2 || dead[0].ID != "act-1" || dead[1].ID != "act-2" {
		t.Fatalf("dead letters = %+v", dead)
	}

	// A second flush has nothing left to do.
	result, _ = f.queue.Flush(ctx)
	if result != (FlushResult{}) {
		t.Errorf("second result = %+v", result)
	}
}

func TestQueue_RetriedPODUploadIsAppendedOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := f.queue.Enqueue(ctx, domain.ActionPODUpload, domain.ActionPayload{TripID: "PD-1", PODReference: "file:///pod.jpg"}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	result, err := f.queue.Flush(ctx)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if result.Applied != 2 {
		t.Errorf("result = %+v", result)
	}

	uploads, _ := f.pods.List(ctx)
	if len(uploads) != 1 || uploads[0].ActionID != domain.PODUploadID("PD-1") {
		t.Fatalf("uploads = %+v", uploads)
	}
}

func TestQueue_FlushReportsPersistFailure(t *testing.T) {
	t.Parallel()

	store := &failingSetStore{MemoryStore: kv.NewMemoryStore()}
	q := New(store, zap.NewNop())
	q.Register(domain.ActionPODUpload, noopApplier)

	ctx := context.Background()
	if _, err := q.Enqueue(ctx, domain.ActionPODUpload, domain.ActionPayload{TripID: "PD-1", PODReference: "p"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	store.armed = true
	if _, err := q.Flush(ctx); err == nil {
		t.Fatal("expected error")
	}
	if _, err := q.Enqueue(ctx, domain.ActionPODUpload, domain.ActionPayload{TripID: "PD-1"}); err == nil {
		t.Fatal("expected enqueue to surface the store error")
	}

	store.armed = false
	list, _ := q.List(ctx)
	if len(list) != 1 {
		t.Errorf("expected the original record still queued, got %d", len(list))
	}
}

func TestQueue_ConcurrentEnqueuesAreNotLost(t *testing.T) {
	t.Parallel()

	q := New(kv.NewMemoryStore(), zap.NewNop())
	q.Register(domain.ActionTripStateTransition, noopApplier)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = q.Enqueue(ctx, domain.ActionTripStateTransition, domain.ActionPayload{TripID: fmt.Sprintf("PD-%d", i)})
		}(i)
	}
	wg.Wait()

	list, err := q.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 50 {
		t.Fatalf("expected 50 records, got %d", len(list))
	}
}

func TestQueue_EnqueueDuringAnotherAgentsFlushIsKept(t *testing.T) {
	t.Parallel()

	store := kv.NewMemoryStore()
	lease := newMemLease()
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	agentA := New(store, zap.NewNop(), WithLease(lease, 2*time.Second))
	agentA.Register(domain.ActionPODUpload, ApplierFunc(func(ctx context.Context, a domain.PendingAction) error {
		close(entered)
		<-release
		return nil
	}))
	agentB := New(store, zap.NewNop(), WithLease(lease, 2*time.Second))
	agentB.Register(domain.ActionPODUpload, noopApplier)

	if _, err := agentA.Enqueue(ctx, domain.ActionPODUpload, domain.ActionPayload{TripID: "PD-1", PODReference: "a"}); err != nil {
		t.Fatalf("enqueue A: %v", err)
	}

	flushErr := make(chan error, 1)
	go func() {
		_, err := agentA.Flush(ctx)
		flushErr <- err
	}()
	<-entered

	type enqueued struct {
		action domain.PendingAction
		err    error
	}
	fromB := make(chan enqueued, 1)
	go func() {
		a, err := agentB.Enqueue(ctx, domain.ActionPODUpload, domain.ActionPayload{TripID: "PD-2", PODReference: "b"})
		fromB <- enqueued{a, err}
	}()

	time.Sleep(30 * time.Millisecond)
	select {
	case <-fromB:
		t.Fatal("agent B wrote the queue while agent A held the lease")
	default:
	}

	close(release)
	if err := <-flushErr; err != nil {
		t.Fatalf("flush A: %v", err)
	}
	b := <-fromB
	if b.err != nil {
		t.Fatalf("enqueue B: %v", b.err)
	}

	list, _ := agentB.List(ctx)
	if len(list) != 1 || list[0].ID != b.action.ID {
		t.Fatalf("persisted after flush = %+v, want agent B's record", list)
	}
}

func TestQueue_LeaseHeldElsewhere(t *testing.T) {
	t.Parallel()

	store := kv.NewMemoryStore()
	lease := newMemLease()
	ctx := context.Background()

	q := New(store, zap.NewNop(), WithLease(lease, 50*time.Millisecond))
	q.Register(domain.ActionPODUpload, noopApplier)
	if _, err := q.Enqueue(ctx, domain.ActionPODUpload, domain.ActionPayload{TripID: "PD-1", PODReference: "a"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	_, _ = lease.Acquire(ctx, leaseName, time.Minute)

	if _, err := q.Flush(ctx); !errors.Is(err, ErrLocked) {
		t.Fatalf("flush: expected ErrLocked, got %v", err)
	}
	if _, err := q.Enqueue(ctx, domain.ActionPODUpload, domain.ActionPayload{TripID: "PD-2", PODReference: "b"}); !errors.Is(err, ErrLocked) {
		t.Fatalf("enqueue: expected ErrLocked after waiting, got %v", err)
	}

	list, _ := q.List(ctx)
	if len(list) != 1 {
		t.Fatalf("queue changed while locked: %+v", list)
	}

	_ = lease.Release(ctx, leaseName)
	result, err := q.Flush(ctx)
	if err != nil || result.Applied != 1 {
		t.Fatalf("flush after release: %+v %v", result, err)
	}
}
