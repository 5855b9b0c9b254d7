package episode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces every key written by RedisRepository.
const DefaultKeyPrefix = "studypod"

// Compile-time check that RedisRepository implements Repository.
var _ Repository = (*RedisRepository)(nil)

// RedisRepository stores episodes as JSON documents in Redis with set
// indexes by user and by status.
//
// Keys:
//
//	<prefix>:episode:<id>     JSON document
//	<prefix>:user:<userID>    set of episode IDs
//	<prefix>:status:<status>  set of episode IDs
type RedisRepository struct {
	client *redis.Client
	prefix string
}

// NewRedisRepository creates a repository on the given client.
// An empty prefix uses DefaultKeyPrefix.
func NewRedisRepository(client *redis.Client, prefix string) *RedisRepository {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisRepository{client: client, prefix: prefix}
}

func (r *RedisRepository) episodeKey(id string) string {
	return fmt.Sprintf("%s:episode:%s", r.prefix, id)
}

func (r *RedisRepository) userKey(userID string) string {
	return fmt.Sprintf("%s:user:%s", r.prefix, userID)
}

func (r *RedisRepository) statusKey(status Status) string {
	return fmt.Sprintf("%s:status:%s", r.prefix, status)
}

// Save writes the episode and moves it to its current status index.
func (r *RedisRepository) Save(ctx context.Context, ep *Episode) error {
	snapshot := ep.Clone()
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal episode: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.episodeKey(snapshot.ID), data, 0)
		r.index(ctx, pipe, snapshot)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save episode %s: %w", snapshot.ID, err)
	}
	return nil
}

// Update overwrites an existing episode. The document key is watched so a
// concurrent Delete aborts the write instead of recreating the record.
func (r *RedisRepository) Update(ctx context.Context, ep *Episode) error {
	snapshot := ep.Clone()
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal episode: %w", err)
	}

	key := r.episodeKey(snapshot.ID)
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrEpisodeNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetXX(ctx, key, data, 0)
			r.index(ctx, pipe, snapshot)
			return nil
		})
		return err
	}, key)
	switch {
	case errors.Is(err, ErrEpisodeNotFound):
		return ErrEpisodeNotFound
	case errors.Is(err, redis.TxFailedErr):
		// Another writer touched the key between WATCH and EXEC.
		exists, existsErr := r.client.Exists(ctx, key).Result()
		if existsErr != nil {
			return fmt.Errorf("update episode %s: %w", snapshot.ID, existsErr)
		}
		if exists == 0 {
			return ErrEpisodeNotFound
		}
		return r.Update(ctx, ep)
	case err != nil:
		return fmt.Errorf("update episode %s: %w", snapshot.ID, err)
	}
	return nil
}

// CreateIfAbsent uses SETNX so concurrent creators collapse onto one record.
func (r *RedisRepository) CreateIfAbsent(ctx context.Context, ep *Episode) (*Episode, bool, error) {
	snapshot := ep.Clone()
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, false, fmt.Errorf("marshal episode: %w", err)
	}

	created, err := r.client.SetNX(ctx, r.episodeKey(snapshot.ID), data, 0).Result()
	if err != nil {
		return nil, false, fmt.Errorf("create episode %s: %w", snapshot.ID, err)
	}
	if !created {
		existing, err := r.FindByID(ctx, snapshot.ID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		r.index(ctx, pipe, snapshot)
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("index episode %s: %w", snapshot.ID, err)
	}
	return snapshot, true, nil
}

// FindByID retrieves an episode by its ID.
func (r *RedisRepository) FindByID(ctx context.Context, id string) (*Episode, error) {
	data, err := r.client.Get(ctx, r.episodeKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrEpisodeNotFound
		}
		return nil, fmt.Errorf("get episode %s: %w", id, err)
	}
	return decodeEpisode(data)
}

// ListByUser returns the user's episodes, optionally filtered by status.
func (r *RedisRepository) ListByUser(ctx context.Context, userID string, status *Status) ([]*Episode, error) {
	ids, err := r.client.SMembers(ctx, r.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list user episodes: %w", err)
	}
	eps, err := r.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	if status == nil {
		return eps, nil
	}
	filtered := eps[:0]
	for _, ep := range eps {
		if ep.Status == *status {
			filtered = append(filtered, ep)
		}
	}
	return filtered, nil
}

// ListByStatus returns every episode in the given status.
func (r *RedisRepository) ListByStatus(ctx context.Context, status Status) ([]*Episode, error) {
	ids, err := r.client.SMembers(ctx, r.statusKey(status)).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s episodes: %w", status, err)
	}
	eps, err := r.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	// Index entries can lag behind a concurrent Save.
	filtered := eps[:0]
	for _, ep := range eps {
		if ep.Status == status {
			filtered = append(filtered, ep)
		}
	}
	return filtered, nil
}

// Delete removes the episode and its index entries.
func (r *RedisRepository) Delete(ctx context.Context, id string) error {
	ep, err := r.FindByID(ctx, id)
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.episodeKey(id))
		pipe.SRem(ctx, r.userKey(ep.UserID), id)
		for _, s := range Statuses {
			pipe.SRem(ctx, r.statusKey(s), id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete episode %s: %w", id, err)
	}
	return nil
}

// index queues the index updates for ep on pipe.
func (r *RedisRepository) index(ctx context.Context, pipe redis.Pipeliner, ep *Episode) {
	pipe.SAdd(ctx, r.userKey(ep.UserID), ep.ID)
	for _, s := range Statuses {
		if s != ep.Status {
			pipe.SRem(ctx, r.statusKey(s), ep.ID)
		}
	}
	pipe.SAdd(ctx, r.statusKey(ep.Status), ep.ID)
}

// load fetches the episodes for ids, skipping IDs whose document is gone.
func (r *RedisRepository) load(ctx context.Context, ids []string) ([]*Episode, error) {
	result := make([]*Episode, 0, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.episodeKey(id)
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load episodes: %w", err)
	}
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		ep, err := decodeEpisode([]byte(s))
		if err != nil {
			return nil, err
		}
		result = append(result, ep)
	}
	sortNewestFirst(result)
	return result, nil
}

func decodeEpisode(data []byte) (*Episode, error) {
	var ep Episode
	if err := json.Unmarshal(data, &ep); err != nil {
		return nil, fmt.Errorf("decode episode: %w", err)
	}
	return &ep, nil
}
