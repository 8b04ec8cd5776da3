package tests

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"tripsync/internal/connectivity"
	"tripsync/internal/domain"
	"tripsync/internal/duty"
	"tripsync/internal/kv"
	"tripsync/internal/queue"
	"tripsync/internal/repository/kvrepo"
	"tripsync/internal/service"
)

type harness struct {
	store        *FaultyStore
	trips        *kvrepo.TripRepository
	pods         *kvrepo.PODRepository
	clock        *duty.Clock
	queue        *queue.Queue
	instrumented *InstrumentedQueue
	observer     *connectivity.Manual
	publisher    *RecordingPublisher
	coordinator  *service.Coordinator
	compliance   *service.ComplianceService
	tripService  *service.TripService
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	online  bool
	lease   queue.Lease
	gate    chan struct{}
	noStart bool
}

func startOnline() harnessOption {
	return func(c *harnessConfig) { c.online = true }
}

func withLease(l queue.Lease) harnessOption {
	return func(c *harnessConfig) { c.lease = l }
}

func withFlushGate(g chan struct{}) harnessOption {
	return func(c *harnessConfig) { c.gate = g }
}

func notStarted() harnessOption {
	return func(c *harnessConfig) { c.noStart = true }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	var cfg harnessConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := zap.NewNop()
	h := &harness{
		store:     NewFaultyStore(),
		observer:  connectivity.NewManual(cfg.online),
		publisher: NewRecordingPublisher(),
	}
	h.trips = kvrepo.NewTripRepository(h.store)
	h.pods = kvrepo.NewPODRepository(h.store)
	h.clock = duty.NewClock(h.store, time.UTC)
	var queueOpts []queue.Option
	if cfg.lease != nil {
		queueOpts = append(queueOpts, queue.WithLease(cfg.lease, 100*time.Millisecond))
	}
	h.queue = queue.New(h.store, logger, queueOpts...)
	h.instrumented = &InstrumentedQueue{ActionQueue: h.queue, Gate: cfg.gate}

	notifier := service.NewNotificationService(h.publisher, logger)

	h.coordinator = service.NewCoordinator(h.instrumented, h.observer, notifier, logger)
	h.compliance = service.NewComplianceService(kvrepo.NewComplianceRepository(h.store), h.clock, notifier, logger)
	h.tripService = service.NewTripService(h.trips, h.pods, h.coordinator, h.compliance, notifier, logger)

	stageApplier := queue.NewTripStageApplier(h.trips, h.tripService.OnReplayCommitted)
	h.queue.Register(domain.ActionTripStateTransition, stageApplier)
	h.queue.Register(domain.ActionOTPVerification, stageApplier)
	h.queue.Register(domain.ActionPODUpload, queue.NewPODApplier(h.pods))

	if !cfg.noStart {
		h.start(t)
	}
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.coordinator.Start(context.Background()); err != nil {
		t.Fatalf("start coordinator: %v", err)
	}
	t.Cleanup(h.coordinator.Stop)
}

// seedTrip assigns id and forces its stored stage.
func (h *harness) seedTrip(t *testing.T, id string, stage domain.Stage) {
	t.Helper()
	ctx := context.Background()
	if _, err := h.tripService.AssignTrip(ctx, service.AssignTripRequest{
		ID:             id,
		PickupLocation: "Warehouse 4",
		DropLocation:   "Retail Park",
		Earnings:       350,
	}); err != nil {
		t.Fatalf("assign %s: %v", id, err)
	}
	if err := h.store.MemoryStore.Set(ctx, kv.KeyTripState, domain.EncodeTripState(stage)); err != nil {
		t.Fatalf("seed stage: %v", err)
	}
}

// storedStage reads the stage straight from the store, ignoring projection.
func (h *harness) storedStage(t *testing.T) domain.Stage {
	t.Helper()
	active, err := h.trips.ActiveTrip(context.Background())
	if err != nil {
		t.Fatalf("active trip: %v", err)
	}
	if active == nil {
		return ""
	}
	return active.Status
}

func (h *harness) jobStage(t *testing.T, id string) domain.Stage {
	t.Helper()
	jobs, err := h.trips.Jobs(context.Background())
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	for _, j := range jobs {
		if j.ID == id {
			return j.Status
		}
	}
	return ""
}

func (h *harness) persisted(t *testing.T) []domain.PendingAction {
	t.Helper()
	list, err := h.queue.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	return list
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
