package episode

import (
	"context"
	"sync"
)

// Compile-time check that MemoryRepository implements Repository.
var _ Repository = (*MemoryRepository)(nil)

// MemoryRepository is an in-memory implementation of Repository.
// It uses a map with RWMutex for thread-safe access.
// Suitable for development and testing; use RedisRepository to share state
// between processes.
type MemoryRepository struct {
	mu       sync.RWMutex
	episodes map[string]*Episode
}

// NewMemoryRepository creates a new in-memory episode repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		episodes: make(map[string]*Episode),
	}
}

// Save persists an episode to the in-memory storage.
// Creates a clone to avoid external mutations.
func (r *MemoryRepository) Save(_ context.Context, ep *Episode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.episodes[ep.ID] = ep.Clone()
	return nil
}

// Update replaces a stored episode.
// Returns ErrEpisodeNotFound if the ID is not stored.
func (r *MemoryRepository) Update(_ context.Context, ep *Episode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.episodes[ep.ID]; !ok {
		return ErrEpisodeNotFound
	}
	r.episodes[ep.ID] = ep.Clone()
	return nil
}

// CreateIfAbsent stores ep unless the ID is already taken.
func (r *MemoryRepository) CreateIfAbsent(_ context.Context, ep *Episode) (*Episode, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.episodes[ep.ID]; ok {
		return existing.Clone(), false, nil
	}
	stored := ep.Clone()
	r.episodes[ep.ID] = stored
	return stored.Clone(), true, nil
}

// FindByID retrieves an episode by its ID.
// Returns a clone to prevent external mutations.
func (r *MemoryRepository) FindByID(_ context.Context, id string) (*Episode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.episodes[id]
	if !ok {
		return nil, ErrEpisodeNotFound
	}
	return ep.Clone(), nil
}

// ListByUser returns the user's episodes, optionally filtered by status.
func (r *MemoryRepository) ListByUser(_ context.Context, userID string, status *Status) ([]*Episode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Episode, 0)
	for _, ep := range r.episodes {
		if ep.UserID != userID {
			continue
		}
		if status != nil && ep.Status != *status {
			continue
		}
		result = append(result, ep.Clone())
	}
	sortNewestFirst(result)
	return result, nil
}

// ListByStatus returns every episode in the given status.
func (r *MemoryRepository) ListByStatus(_ context.Context, status Status) ([]*Episode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Episode, 0)
	for _, ep := range r.episodes {
		if ep.Status == status {
			result = append(result, ep.Clone())
		}
	}
	sortNewestFirst(result)
	return result, nil
}

// Delete removes an episode from storage.
func (r *MemoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.episodes[id]; !ok {
		return ErrEpisodeNotFound
	}
	delete(r.episodes, id)
	return nil
}
