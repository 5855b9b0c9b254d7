package episode

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/studypod-api/internal/governance"
)

func newTestRedisRepo(t *testing.T) (*RedisRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisRepository(client, ""), mr
}

func TestRedisRepository_SaveAndFind(t *testing.T) {
	repo, mr := newTestRedisRepo(t)
	ctx := context.Background()

	ep := New("ep-1")
	ep.UserID = "alice"
	ep.Title = "Cells"
	ep.RawTextStats = governance.Stats{CharCount: 300, WordCount: 50, EstimatedMinutes: 0.33}
	require.NoError(t, repo.Save(ctx, ep))

	assert.True(t, mr.Exists("studypod:episode:ep-1"))
	members, err := mr.SMembers("studypod:user:alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"ep-1"}, members)

	got, err := repo.FindByID(ctx, "ep-1")
	require.NoError(t, err)
	assert.Equal(t, "Cells", got.Title)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 50, got.RawTextStats.WordCount)
	assert.WithinDuration(t, ep.CreatedAt, got.CreatedAt, time.Millisecond)
}

func TestRedisRepository_FindByID_NotFound(t *testing.T) {
	repo, _ := newTestRedisRepo(t)
	_, err := repo.FindByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrEpisodeNotFound)
}

func TestRedisRepository_StatusIndexFollowsSave(t *testing.T) {
	repo, mr := newTestRedisRepo(t)
	ctx := context.Background()

	ep := New("ep-1")
	require.NoError(t, repo.Save(ctx, ep))
	assert.True(t, isMember(t, mr, "studypod:status:pending", "ep-1"))

	require.NoError(t, ep.MarkReady(Output{
		AudioLocation:    "/data/uploads/ep-1.mp3",
		TotalDurationSec: 12.5,
		Chapters:         []Chapter{{Title: "Intro", StartSec: 0, DurationSec: 12.5}},
	}))
	require.NoError(t, repo.Save(ctx, ep))

	assert.False(t, isMember(t, mr, "studypod:status:pending", "ep-1"))
	assert.True(t, isMember(t, mr, "studypod:status:ready", "ep-1"))

	pending, err := repo.ListByStatus(ctx, StatusPending)
	require.NoError(t, err)
	assert.Empty(t, pending)

	ready, err := repo.ListByStatus(ctx, StatusReady)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "/data/uploads/ep-1.mp3", ready[0].AudioLocation)
	require.Len(t, ready[0].Chapters, 1)
	assert.Equal(t, "Intro", ready[0].Chapters[0].Title)
}

func TestRedisRepository_CreateIfAbsent(t *testing.T) {
	repo, _ := newTestRedisRepo(t)
	ctx := context.Background()

	first := New("ep-1")
	first.Title = "first"
	stored, created, err := repo.CreateIfAbsent(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "first", stored.Title)

	second := New("ep-1")
	second.Title = "second"
	stored, created, err = repo.CreateIfAbsent(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "first", stored.Title)
}

func TestRedisRepository_CreateIfAbsent_Concurrent(t *testing.T) {
	repo, _ := newTestRedisRepo(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := repo.CreateIfAbsent(ctx, New("ep-same"))
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
}

func TestRedisRepository_ListByUser(t *testing.T) {
	repo, _ := newTestRedisRepo(t)
	ctx := context.Background()
	base := time.Now()

	for i, id := range []string{"ep-a", "ep-b", "ep-c"} {
		ep := New(id)
		ep.UserID = "alice"
		ep.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if id == "ep-b" {
			require.NoError(t, ep.MarkFailed("boom"))
		}
		require.NoError(t, repo.Save(ctx, ep))
	}
	other := New("ep-z")
	other.UserID = "bob"
	require.NoError(t, repo.Save(ctx, other))

	all, err := repo.ListByUser(ctx, "alice", nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "ep-c", all[0].ID)
	assert.Equal(t, "ep-a", all[2].ID)

	failed := StatusFailed
	onlyFailed, err := repo.ListByUser(ctx, "alice", &failed)
	require.NoError(t, err)
	require.Len(t, onlyFailed, 1)
	assert.Equal(t, "ep-b", onlyFailed[0].ID)

	none, err := repo.ListByUser(ctx, "carol", nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRedisRepository_Delete(t *testing.T) {
	repo, mr := newTestRedisRepo(t)
	ctx := context.Background()

	ep := New("ep-1")
	ep.UserID = "alice"
	require.NoError(t, repo.Save(ctx, ep))

	require.NoError(t, repo.Delete(ctx, "ep-1"))
	assert.False(t, mr.Exists("studypod:episode:ep-1"))
	assert.False(t, isMember(t, mr, "studypod:user:alice", "ep-1"))
	assert.False(t, isMember(t, mr, "studypod:status:pending", "ep-1"))

	assert.ErrorIs(t, repo.Delete(ctx, "ep-1"), ErrEpisodeNotFound)
}

func TestRedisRepository_SkipsStaleIndexEntries(t *testing.T) {
	repo, mr := newTestRedisRepo(t)
	ctx := context.Background()

	ep := New("ep-1")
	ep.UserID = "alice"
	require.NoError(t, repo.Save(ctx, ep))

	mr.Del("studypod:episode:ep-1")

	eps, err := repo.ListByUser(ctx, "alice", nil)
	require.NoError(t, err)
	assert.Empty(t, eps)
}

func isMember(t *testing.T, mr *miniredis.Miniredis, key, member string) bool {
	t.Helper()
	if !mr.Exists(key) {
		return false
	}
	ok, err := mr.SIsMember(key, member)
	require.NoError(t, err)
	return ok
}

func TestRedisRepository_Update(t *testing.T) {
	repo, mr := newTestRedisRepo(t)
	ctx := context.Background()

	ep := New("ep-1")
	ep.UserID = "alice"
	assert.ErrorIs(t, repo.Update(ctx, ep), ErrEpisodeNotFound)
	assert.False(t, mr.Exists("studypod:episode:ep-1"))
	assert.False(t, mr.Exists("studypod:user:alice"), "no index entries for a missing episode")

	require.NoError(t, repo.Save(ctx, ep))
	require.NoError(t, ep.MarkFailed("tts unavailable"))
	require.NoError(t, repo.Update(ctx, ep))

	got, err := repo.FindByID(ctx, "ep-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.True(t, isMember(t, mr, "studypod:status:failed", "ep-1"))
	assert.False(t, isMember(t, mr, "studypod:status:pending", "ep-1"))
}

func TestRedisRepository_UpdateAfterDelete(t *testing.T) {
	repo, mr := newTestRedisRepo(t)
	ctx := context.Background()

	ep := New("ep-1")
	ep.UserID = "alice"
	require.NoError(t, repo.Save(ctx, ep))
	require.NoError(t, repo.Delete(ctx, "ep-1"))

	require.NoError(t, ep.MarkFailed("tts unavailable"))
	assert.ErrorIs(t, repo.Update(ctx, ep), ErrEpisodeNotFound)

	assert.False(t, mr.Exists("studypod:episode:ep-1"))
	assert.False(t, isMember(t, mr, "studypod:user:alice", "ep-1"))
	assert.False(t, isMember(t, mr, "studypod:status:failed", "ep-1"))
}
