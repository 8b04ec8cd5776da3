package kvrepo

import (
	"context"
	"encoding/json"

	"tripsync/internal/domain"
	"tripsync/internal/kv"
	"tripsync/internal/repository"
)

// ComplianceRepository stores the daily compliance flags.
type ComplianceRepository struct {
	store kv.Store
}

// NewComplianceRepository creates a new compliance repository.
func NewComplianceRepository(store kv.Store) *ComplianceRepository {
	return &ComplianceRepository{store: store}
}

// Get returns the stored flags. A missing or malformed record means no gate
// is raised.
func (r *ComplianceRepository) Get(ctx context.Context) (domain.ComplianceFlags, error) {
	var flags domain.ComplianceFlags

	data, err := r.store.Get(ctx, kv.KeyComplianceGate)
	if err != nil {
		return flags, err
	}
	if len(data) == 0 {
		return flags, nil
	}
	if err := json.Unmarshal(data, &flags); err != nil {
		return domain.ComplianceFlags{}, nil
	}
	return flags, nil
}

// Set stores the flags.
func (r *ComplianceRepository) Set(ctx context.Context, flags domain.ComplianceFlags) error {
	return kv.SetJSON(ctx, r.store, kv.KeyComplianceGate, flags)
}

var _ repository.ComplianceRepository = (*ComplianceRepository)(nil)
