package tests

import (
	"context"
	"errors"
	"strings"
	"testing"

	"tripsync/internal/domain"
	"tripsync/internal/repository"
	"tripsync/internal/service"
	"tripsync/internal/tripflow"
)

// ──────────────────────────────────────────────
// 1. ASSIGNMENT
// ──────────────────────────────────────────────

func TestTripService_AssignTrip(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	trip, err := h.tripService.AssignTrip(ctx, service.AssignTripRequest{
		PickupLocation: "Warehouse 4",
		DropLocation:   "Retail Park",
		Earnings:       420,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if trip.ID == "" || trip.Status != domain.StageAssigned {
		t.Fatalf("trip = %+v", trip)
	}
	if h.publisher.Count(domain.EventTripAssigned) != 1 {
		t.Error("expected assignment event")
	}

	_, err = h.tripService.AssignTrip(ctx, service.AssignTripRequest{ID: "PD-9"})
	if !errors.Is(err, repository.ErrActiveTripExists) {
		t.Errorf("expected ErrActiveTripExists, got %v", err)
	}

	_, err = h.tripService.AssignTrip(ctx, service.AssignTripRequest{ID: "PD-8", Earnings: -1})
	if !errors.Is(err, service.ErrInvalidEarnings) {
		t.Errorf("expected ErrInvalidEarnings, got %v", err)
	}
}

func TestTripService_NoActiveTrip(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.tripService.ActiveTrip(ctx); !errors.Is(err, repository.ErrNoActiveTrip) {
		t.Errorf("ActiveTrip: expected ErrNoActiveTrip, got %v", err)
	}
	if _, err := h.tripService.Advance(ctx, service.AdvanceRequest{TripID: "PD-1"}); !errors.Is(err, repository.ErrNoActiveTrip) {
		t.Errorf("Advance: expected ErrNoActiveTrip, got %v", err)
	}
}

// ──────────────────────────────────────────────
// 2. ADVANCING OFFLINE
// ──────────────────────────────────────────────

func TestTripService_OfflineOTPVerificationIsQueued(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seedTrip(t, "PD-1", domain.StageArrivedPickup)
	ctx := context.Background()

	result, err := h.tripService.Advance(ctx, service.AdvanceRequest{TripID: "PD-1", OTP: "4821"})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !result.Queued || result.Trip.Status != domain.StagePickupConfirmed {
		t.Fatalf("result = %+v", result)
	}

	queued := h.persisted(t)
	if len(queued) != 1 {
		t.Fatalf("expected 1 queued record, got %d", len(queued))
	}
	record := queued[0]
	if record.Type != domain.ActionOTPVerification ||
		record.Payload.TripID != "PD-1" ||
		record.Payload.NextState != domain.StagePickupConfirmed ||
		record.Status != domain.ActionStatusPending {
		t.Errorf("record = %+v", record)
	}

	if got := h.storedStage(t); got != domain.StageArrivedPickup {
		t.Errorf("stored stage = %s, want unchanged until flush", got)
	}

	active, err := h.tripService.ActiveTrip(ctx)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if active.Status != domain.StagePickupConfirmed {
		t.Errorf("projected stage = %s, want PICKUP_CONFIRMED", active.Status)
	}
}

func TestTripService_OTPValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		otp     string
		wantErr error
	}{
		{name: "empty", otp: "", wantErr: service.ErrInvalidOTP},
		{name: "too short", otp: "123", wantErr: service.ErrInvalidOTP},
		{name: "too long", otp: "1234567", wantErr: service.ErrInvalidOTP},
		{name: "letters", otp: "12ab", wantErr: service.ErrInvalidOTP},
		{name: "four digits", otp: "1234"},
		{name: "six digits", otp: "123456"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			h.seedTrip(t, "PD-1", domain.StageArrivedDrop)

			_, err := h.tripService.Advance(context.Background(), service.AdvanceRequest{TripID: "PD-1", OTP: tt.otp})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				if len(h.persisted(t)) != 0 {
					t.Error("rejected OTP must not queue anything")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestTripService_OfflinePODQueuesUploadThenTransition(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seedTrip(t, "PD-1", domain.StageDeliveryConfirmed)
	ctx := context.Background()

	if _, err := h.tripService.Advance(ctx, service.AdvanceRequest{TripID: "PD-1"}); !errors.Is(err, service.ErrMissingPOD) {
		t.Fatalf("expected ErrMissingPOD, got %v", err)
	}

	result, err := h.tripService.Advance(ctx, service.AdvanceRequest{TripID: "PD-1", PODReference: "file:///pod/PD-1.jpg"})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if len(result.PendingActions) != 2 {
		t.Fatalf("expected 2 queued records, got %d", len(result.PendingActions))
	}

	queued := h.persisted(t)
	if queued[1].Type != domain.ActionPODUpload || queued[0].Type != domain.ActionTripStateTransition {
		t.Fatalf("expected upload queued before transition, got %s then %s", queued[1].Type, queued[0].Type)
	}

	if err := h.coordinator.SyncQueue(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := h.storedStage(t); got != domain.StagePODUploaded {
		t.Errorf("stage = %s, want POD_UPLOADED", got)
	}
	uploads, _ := h.tripService.PendingPODUploads(ctx)
	if len(uploads) != 1 || uploads[0].Reference != "file:///pod/PD-1.jpg" {
		t.Errorf("uploads = %+v", uploads)
	}
}

// ──────────────────────────────────────────────
// 3. GATES
// ──────────────────────────────────────────────

func TestTripService_DutyBlockedQueuesNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seedTrip(t, "PD-1", domain.StageInTransit)
	ctx := context.Background()

	if _, err := h.compliance.AddDriving(ctx, 545); err != nil {
		t.Fatalf("add driving: %v", err)
	}

	_, err := h.tripService.Advance(ctx, service.AdvanceRequest{TripID: "PD-1"})
	if !errors.Is(err, tripflow.ErrDutyBlocked) {
		t.Fatalf("expected ErrDutyBlocked, got %v", err)
	}
	var blocked *tripflow.BlockedError
	if !errors.As(err, &blocked) || blocked.Action == nil || blocked.Action.Kind != tripflow.ActionArrivedDrop {
		t.Errorf("expected the blocked action to be reported, got %v", err)
	}

	if len(h.persisted(t)) != 0 || h.coordinator.PendingSyncCount() != 0 {
		t.Error("blocked action must not be queued")
	}
	if h.publisher.Count(domain.EventTransitionBlocked) != 1 {
		t.Error("expected a blocked event")
	}
	if h.publisher.Count(domain.EventDutyLimitWarning) != 1 {
		t.Error("expected a duty warning when crossing the limit")
	}
}

func TestTripService_CompletionAllowedPastDutyLimit(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seedTrip(t, "PD-1", domain.StagePODUploaded)
	ctx := context.Background()
	_, _ = h.compliance.AddDriving(ctx, 600)

	result, err := h.tripService.Advance(ctx, service.AdvanceRequest{TripID: "PD-1"})
	if err != nil {
		t.Fatalf("completion should not be blocked: %v", err)
	}
	if !result.Action.IsCompletion {
		t.Errorf("action = %+v", result.Action)
	}
}

func TestTripService_NextActionExplainsBlock(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seedTrip(t, "PD-1", domain.StageEnRoutePickup)
	ctx := context.Background()

	if err := h.compliance.SetCompliance(ctx, domain.ComplianceFlags{VehicleBlocked: true}); err != nil {
		t.Fatalf("set compliance: %v", err)
	}

	next, err := h.tripService.NextAction(ctx)
	if err != nil {
		t.Fatalf("next action: %v", err)
	}
	if !next.Blocked || next.BlockedReason == "" || next.Action == nil {
		t.Fatalf("next = %+v", next)
	}
	if next.Action.Kind != tripflow.ActionArrivedPickup {
		t.Errorf("action = %s", next.Action.Kind)
	}

	_ = h.compliance.SetCompliance(ctx, domain.ComplianceFlags{})
	next, _ = h.tripService.NextAction(ctx)
	if next.Blocked {
		t.Error("expected unblocked after clearing the flag")
	}
}

// ──────────────────────────────────────────────
// 4. ADVANCING ONLINE
// ──────────────────────────────────────────────

func TestTripService_OnlineAdvanceCommitsDirectly(t *testing.T) {
	t.Parallel()

	h := newHarness(t, startOnline())
	h.seedTrip(t, "PD-1", domain.StageAssigned)
	ctx := context.Background()

	result, err := h.tripService.Advance(ctx, service.AdvanceRequest{TripID: "PD-1"})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if result.Queued {
		t.Error("online advance should not queue")
	}
	if got := h.storedStage(t); got != domain.StageEnRoutePickup {
		t.Errorf("stage = %s", got)
	}
	if got := h.jobStage(t, "PD-1"); got != domain.StageEnRoutePickup {
		t.Errorf("jobs stage = %s", got)
	}
	if len(h.persisted(t)) != 0 {
		t.Error("queue should be empty")
	}
}

func TestTripService_OnlineAdvanceDrainsQueueFirst(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seedTrip(t, "PD-1", domain.StageAssigned)
	ctx := context.Background()

	if _, err := h.tripService.Advance(ctx, service.AdvanceRequest{TripID: "PD-1"}); err != nil {
		t.Fatalf("offline advance: %v", err)
	}

	// Back online without the observer having flushed yet.
	h.coordinator.Stop()
	h.observer.Set(true)
	_ = h.coordinator.Start(ctx)

	// Start kicked off a background sync; Advance syncs too and they share it.
	result, err := h.tripService.Advance(ctx, service.AdvanceRequest{TripID: "PD-1"})
	if err != nil {
		t.Fatalf("online advance: %v", err)
	}
	if result.Queued {
		t.Fatal("expected direct commit once the queue drained")
	}
	if got := h.storedStage(t); got != domain.StageArrivedPickup {
		t.Errorf("stage = %s, want ARRIVED_PICKUP", got)
	}
}

func TestTripService_OnlineAdvanceKeepsOrderWhenQueueStuck(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seedTrip(t, "PD-1", domain.StageAssigned)
	ctx := context.Background()

	if _, err := h.tripService.Advance(ctx, service.AdvanceRequest{TripID: "PD-1"}); err != nil {
		t.Fatalf("offline advance: %v", err)
	}

	h.store.FailMultiSet(errors.New("write conflict"))
	h.observer.Set(true)
	waitFor(t, "reconnect sync", func() bool {
		return h.instrumented.Flushes() >= 1 && !h.coordinator.Status().IsSyncingQueue
	})

	result, err := h.tripService.Advance(ctx, service.AdvanceRequest{TripID: "PD-1"})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !result.Queued {
		t.Fatal("expected the action queued behind the stuck record")
	}
	if len(h.persisted(t)) != 2 {
		t.Errorf("expected 2 queued records, got %d", len(h.persisted(t)))
	}

	h.store.FailMultiSet(nil)
	if err := h.coordinator.SyncQueue(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := h.storedStage(t); got != domain.StageArrivedPickup {
		t.Errorf("stage = %s, want ARRIVED_PICKUP", got)
	}
}

func TestTripService_AdvanceRejectsOtherTrip(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seedTrip(t, "PD-1", domain.StageAssigned)

	_, err := h.tripService.Advance(context.Background(), service.AdvanceRequest{TripID: "PD-2"})
	if !errors.Is(err, service.ErrTripNotActive) {
		t.Fatalf("expected ErrTripNotActive, got %v", err)
	}
	_, err = h.tripService.Advance(context.Background(), service.AdvanceRequest{})
	if !errors.Is(err, service.ErrInvalidTripID) {
		t.Fatalf("expected ErrInvalidTripID, got %v", err)
	}
}

func TestTripService_RetriedOnlinePODIsUploadedOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, startOnline())
	h.seedTrip(t, "PD-1", domain.StageDeliveryConfirmed)
	ctx := context.Background()
	req := service.AdvanceRequest{TripID: "PD-1", PODReference: "file:///pod/PD-1.jpg"}

	h.store.FailMultiSet(errors.New("write conflict"))
	if _, err := h.tripService.Advance(ctx, req); err == nil {
		t.Fatal("expected the stage commit to fail")
	}
	h.store.FailMultiSet(nil)

	result, err := h.tripService.Advance(ctx, req)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if result.Queued || result.Trip.Status != domain.StagePODUploaded {
		t.Errorf("result = %+v", result)
	}

	uploads, _ := h.tripService.PendingPODUploads(ctx)
	if len(uploads) != 1 {
		t.Fatalf("expected 1 pod upload, got %d", len(uploads))
	}
	if uploads[0].ActionID != domain.PODUploadID("PD-1") {
		t.Errorf("upload id = %s", uploads[0].ActionID)
	}
}

// ──────────────────────────────────────────────
// 5. CANCELLATION
// ──────────────────────────────────────────────

func TestTripService_NextActionAfterCancelReportsReason(t *testing.T) {
	t.Parallel()

	h := newHarness(t, startOnline())
	h.seedTrip(t, "PD-1", domain.StageInTransit)
	ctx := context.Background()

	if _, err := h.tripService.CancelTrip(ctx, "PD-1", "consignee closed"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	next, err := h.tripService.NextAction(ctx)
	if err != nil {
		t.Fatalf("next action: %v", err)
	}
	if !next.Blocked || !next.Gates.AssignmentCancelled || next.Trip.ID != "PD-1" {
		t.Fatalf("next = %+v", next)
	}
	if !strings.Contains(next.BlockedReason, tripflow.ErrAssignmentCancelled.Error()) || !strings.Contains(next.BlockedReason, "consignee closed") {
		t.Errorf("blocked reason = %q", next.BlockedReason)
	}

	_, err = h.tripService.Advance(ctx, service.AdvanceRequest{TripID: "PD-1"})
	if !errors.Is(err, tripflow.ErrAssignmentCancelled) {
		t.Errorf("advance: expected ErrAssignmentCancelled, got %v", err)
	}

	if _, err := h.tripService.AssignTrip(ctx, service.AssignTripRequest{ID: "PD-2", PickupLocation: "A", DropLocation: "B"}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	next, err = h.tripService.NextAction(ctx)
	if err != nil {
		t.Fatalf("next action: %v", err)
	}
	if next.Blocked || next.Trip.ID != "PD-2" {
		t.Errorf("next = %+v", next)
	}
}

func TestTripService_CancelMakesQueuedActionsMoot(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seedTrip(t, "PD-1", domain.StageEnRoutePickup)
	ctx := context.Background()

	if _, err := h.tripService.Advance(ctx, service.AdvanceRequest{TripID: "PD-1"}); err != nil {
		t.Fatalf("advance: %v", err)
	}

	trip, err := h.tripService.CancelTrip(ctx, "PD-1", "consignee closed")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if trip.Status != domain.StageCancelled || trip.CancellationReason != "consignee closed" {
		t.Errorf("trip = %+v", trip)
	}
	if got := h.storedStage(t); got != "" {
		t.Errorf("active slot should be empty, got %s", got)
	}
	if h.publisher.Count(domain.EventTripCancelled) != 1 {
		t.Error("expected cancellation event")
	}

	if err := h.coordinator.SyncQueue(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	status := h.coordinator.Status()
	if status.PendingSyncCount != 0 || status.LastFlush.Moot != 1 {
		t.Errorf("status = %+v", status)
	}
	if got := h.jobStage(t, "PD-1"); got != domain.StageCancelled {
		t.Errorf("jobs stage = %s, want CANCELLED", got)
	}

	if _, err := h.tripService.CancelTrip(ctx, "PD-1", ""); !errors.Is(err, repository.ErrNoActiveTrip) {
		t.Errorf("second cancel: expected ErrNoActiveTrip, got %v", err)
	}
}
