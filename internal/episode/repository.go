package episode

import (
	"context"
	"errors"
	"sort"
)

// ErrEpisodeNotFound is returned when an episode cannot be found by ID.
var ErrEpisodeNotFound = errors.New("episode not found")

// Repository defines the interface for episode persistence.
// It acts as a port in the hexagonal architecture pattern.
type Repository interface {
	// Save persists an episode to the storage.
	// If the episode already exists, it is updated.
	Save(ctx context.Context, ep *Episode) error

	// Update overwrites an existing episode.
	// Returns ErrEpisodeNotFound if the episode does not exist, so a write
	// racing a Delete never brings the episode back.
	Update(ctx context.Context, ep *Episode) error

	// CreateIfAbsent stores ep unless an episode with the same ID exists.
	// It returns the stored episode and whether it was created by this call.
	// The check and the write are atomic.
	CreateIfAbsent(ctx context.Context, ep *Episode) (stored *Episode, created bool, err error)

	// FindByID retrieves an episode by its ID.
	// Returns ErrEpisodeNotFound if the episode does not exist.
	FindByID(ctx context.Context, id string) (*Episode, error)

	// ListByUser returns the user's episodes, newest first.
	// A nil status returns episodes in every status.
	ListByUser(ctx context.Context, userID string, status *Status) ([]*Episode, error)

	// ListByStatus returns every episode in the given status, newest first.
	ListByStatus(ctx context.Context, status Status) ([]*Episode, error)

	// Delete removes an episode from storage.
	// Returns ErrEpisodeNotFound if the episode does not exist.
	Delete(ctx context.Context, id string) error
}

// sortNewestFirst orders episodes by CreatedAt descending, then by ID.
func sortNewestFirst(eps []*Episode) {
	sort.Slice(eps, func(i, j int) bool {
		if !eps[i].CreatedAt.Equal(eps[j].CreatedAt) {
			return eps[i].CreatedAt.After(eps[j].CreatedAt)
		}
		return eps[i].ID < eps[j].ID
	})
}
