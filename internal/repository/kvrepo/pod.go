package kvrepo

import (
	"context"
	"encoding/json"
	"sync"

	"tripsync/internal/domain"
	"tripsync/internal/kv"
	"tripsync/internal/repository"
)

// PODRepository keeps pending proof-of-delivery uploads under one key.
type PODRepository struct {
	mu    sync.Mutex
	store kv.Store
}

// NewPODRepository creates a new POD repository.
func NewPODRepository(store kv.Store) *PODRepository {
	return &PODRepository{store: store}
}

// Append adds upload to the end of the list.
func (r *PODRepository) Append(ctx context.Context, upload domain.PODUpload) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	uploads, err := r.list(ctx)
	if err != nil {
		return err
	}

	for _, u := range uploads {
		if u.ActionID != "" && u.ActionID == upload.ActionID {
			return nil
		}
	}

	return kv.SetJSON(ctx, r.store, kv.KeyPendingPODUploads, append(uploads, upload))
}

// List returns the pending uploads.
func (r *PODRepository) List(ctx context.Context) ([]domain.PODUpload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list(ctx)
}

func (r *PODRepository) list(ctx context.Context) ([]domain.PODUpload, error) {
	data, err := r.store.Get(ctx, kv.KeyPendingPODUploads)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	var uploads []domain.PODUpload
	if err := json.Unmarshal(data, &uploads); err != nil {
		return nil, nil
	}
	return uploads, nil
}

var _ repository.PODRepository = (*PODRepository)(nil)
