package domain

import (
	"encoding/json"
	"strings"
)

// Stage represents a trip's position in its delivery lifecycle.
type Stage string

const (
	StageAssigned          Stage = "ASSIGNED"
	StageActive            Stage = "ACTIVE"
	StageEnRoutePickup     Stage = "EN_ROUTE_PICKUP"
	StageArrivedPickup     Stage = "ARRIVED_PICKUP"
	StagePickupConfirmed   Stage = "PICKUP_CONFIRMED"
	StageInTransit         Stage = "IN_TRANSIT"
	StageArrivedDrop       Stage = "ARRIVED_DROP"
	StageDeliveryConfirmed Stage = "DELIVERY_CONFIRMED"
	StagePODUploaded       Stage = "POD_UPLOADED"
	StageCompleted         Stage = "COMPLETED"
	StageCancelled         Stage = "CANCELLED"
)

// lifecycle is the forward order of stages. ACTIVE shares ASSIGNED's rank.
var lifecycle = []Stage{
	StageAssigned,
	StageEnRoutePickup,
	StageArrivedPickup,
	StagePickupConfirmed,
	StageInTransit,
	StageArrivedDrop,
	StageDeliveryConfirmed,
	StagePODUploaded,
	StageCompleted,
}

// Lifecycle returns the forward stage sequence, ASSIGNED through COMPLETED.
func Lifecycle() []Stage {
	out := make([]Stage, len(lifecycle))
	copy(out, lifecycle)
	return out
}

// Rank returns the position of the stage in the forward lifecycle.
// CANCELLED and unknown stages return -1.
func (s Stage) Rank() int {
	if s == StageActive {
		return 0
	}
	for i, st := range lifecycle {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is one of the known stages.
func (s Stage) Valid() bool {
	return s == StageCancelled || s.Rank() >= 0
}

// Terminal reports whether no further transition is possible from s.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageCancelled
}

// ParseStage decodes a stored stage value. Unknown or empty values fall back
// to ASSIGNED.
func ParseStage(raw string) Stage {
	s := Stage(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return StageAssigned
	}
	return s
}

// DecodeTripState reads the tripState record. Both the bare string form
// ("IN_TRANSIT") and the legacy object form ({"status":"IN_TRANSIT"}) are
// accepted; anything else decodes to ASSIGNED.
func DecodeTripState(data []byte) Stage {
	if len(data) == 0 {
		return StageAssigned
	}

	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		return ParseStage(bare)
	}

	var wrapped struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil {
		return ParseStage(wrapped.Status)
	}

	return StageAssigned
}

// EncodeTripState writes the bare string form.
func EncodeTripState(s Stage) []byte {
	data, _ := json.Marshal(string(s))
	return data
}

// Trip represents a delivery job assigned to the driver.
type Trip struct {
	ID                 string  `json:"id"`
	PickupLocation     string  `json:"pickupLocation"`
	DropLocation       string  `json:"dropLocation"`
	Status             Stage   `json:"status"`
	Earnings           float64 `json:"earnings"`
	Distance           string  `json:"distance,omitempty"`
	ETA                string  `json:"eta,omitempty"`
	CancellationReason string  `json:"cancellationReason,omitempty"`
}

// Gates holds the compliance conditions that can block a transition
// regardless of stage.
type Gates struct {
	HOSExceeded         bool `json:"hosExceeded"`
	HealthBlocked       bool `json:"healthBlocked"`
	VehicleBlocked      bool `json:"vehicleBlocked"`
	AssignmentCancelled bool `json:"assignmentCancelled"`
}

// ComplianceFlags are the daily health and vehicle inspection outcomes.
type ComplianceFlags struct {
	HealthBlocked  bool `json:"healthBlocked"`
	VehicleBlocked bool `json:"vehicleBlocked"`
}
