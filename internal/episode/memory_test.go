package episode

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryRepository_Save(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	ep := New("ep-1")

	if err := repo.Save(ctx, ep); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	saved, err := repo.FindByID(ctx, ep.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if saved.ID != ep.ID {
		t.Errorf("expected ID %s, got %s", ep.ID, saved.ID)
	}
}

func TestMemoryRepository_Save_Update(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	ep := New("ep-1")

	_ = repo.Save(ctx, ep)

	_ = ep.MarkFailed("boom")
	_ = repo.Save(ctx, ep)

	saved, _ := repo.FindByID(ctx, ep.ID)
	if saved.Status != StatusFailed {
		t.Errorf("expected status %s, got %s", StatusFailed, saved.Status)
	}
	if saved.ErrorMessage != "boom" {
		t.Errorf("expected error message boom, got %q", saved.ErrorMessage)
	}
}

func TestMemoryRepository_FindByID_NotFound(t *testing.T) {
	repo := NewMemoryRepository()

	_, err := repo.FindByID(context.Background(), "nonexistent")
	if err != ErrEpisodeNotFound {
		t.Errorf("expected ErrEpisodeNotFound, got %v", err)
	}
}

func TestMemoryRepository_Isolation(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	ep := New("ep-1")
	_ = repo.Save(ctx, ep)

	// Mutating the original after save must not affect the stored copy.
	ep.Title = "changed"
	saved, _ := repo.FindByID(ctx, "ep-1")
	if saved.Title == "changed" {
		t.Error("repository should store a copy")
	}

	// Mutating a read copy must not affect the stored copy.
	saved.Title = "also changed"
	again, _ := repo.FindByID(ctx, "ep-1")
	if again.Title == "also changed" {
		t.Error("repository should return a copy")
	}
}

func TestMemoryRepository_CreateIfAbsent(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	first := New("ep-1")
	first.Title = "first"
	stored, created, err := repo.CreateIfAbsent(ctx, first)
	if err != nil || !created {
		t.Fatalf("expected creation, got created=%v err=%v", created, err)
	}
	if stored.Title != "first" {
		t.Errorf("unexpected stored title %q", stored.Title)
	}

	second := New("ep-1")
	second.Title = "second"
	stored, created, err = repo.CreateIfAbsent(ctx, second)
	if err != nil || created {
		t.Fatalf("expected existing, got created=%v err=%v", created, err)
	}
	if stored.Title != "first" {
		t.Errorf("expected the first record, got %q", stored.Title)
	}
}

func TestMemoryRepository_CreateIfAbsent_Concurrent(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	createdCount := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := repo.CreateIfAbsent(ctx, New("ep-same"))
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if createdCount != 1 {
		t.Errorf("expected exactly one creation, got %d", createdCount)
	}
}

func TestMemoryRepository_ListByUser(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	base := time.Now()

	for i, tc := range []struct {
		id     string
		user   string
		status Status
	}{
		{"ep-a", "alice", StatusPending},
		{"ep-b", "alice", StatusFailed},
		{"ep-c", "alice", StatusPending},
		{"ep-d", "bob", StatusPending},
	} {
		ep := New(tc.id)
		ep.UserID = tc.user
		ep.Status = tc.status
		ep.CreatedAt = base.Add(time.Duration(i) * time.Second)
		_ = repo.Save(ctx, ep)
	}

	all, err := repo.ListByUser(ctx, "alice", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 episodes, got %d", len(all))
	}
	if all[0].ID != "ep-c" || all[2].ID != "ep-a" {
		t.Errorf("expected newest first, got %s..%s", all[0].ID, all[2].ID)
	}

	pending := StatusPending
	filtered, _ := repo.ListByUser(ctx, "alice", &pending)
	if len(filtered) != 2 {
		t.Errorf("expected 2 pending episodes, got %d", len(filtered))
	}

	none, _ := repo.ListByUser(ctx, "carol", nil)
	if none == nil || len(none) != 0 {
		t.Errorf("expected empty non-nil slice, got %v", none)
	}
}

func TestMemoryRepository_ListByStatus(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	for _, id := range []string{"ep-1", "ep-2"} {
		_ = repo.Save(ctx, New(id))
	}
	failed := New("ep-3")
	_ = failed.MarkFailed("x")
	_ = repo.Save(ctx, failed)

	pending, _ := repo.ListByStatus(ctx, StatusPending)
	if len(pending) != 2 {
		t.Errorf("expected 2 pending, got %d", len(pending))
	}
	failedList, _ := repo.ListByStatus(ctx, StatusFailed)
	if len(failedList) != 1 || failedList[0].ID != "ep-3" {
		t.Errorf("unexpected failed list %v", failedList)
	}
}

func TestMemoryRepository_Delete(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	_ = repo.Save(ctx, New("ep-1"))

	if err := repo.Delete(ctx, "ep-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := repo.FindByID(ctx, "ep-1"); err != ErrEpisodeNotFound {
		t.Errorf("expected ErrEpisodeNotFound after delete, got %v", err)
	}
	if err := repo.Delete(ctx, "ep-1"); err != ErrEpisodeNotFound {
		t.Errorf("expected ErrEpisodeNotFound, got %v", err)
	}
}

func TestMemoryRepository_Update(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	ep := New("ep-1")
	if err := repo.Update(ctx, ep); err != ErrEpisodeNotFound {
		t.Fatalf("expected ErrEpisodeNotFound for unknown episode, got %v", err)
	}
	if _, err := repo.FindByID(ctx, "ep-1"); err != ErrEpisodeNotFound {
		t.Errorf("Update must not create the episode, got %v", err)
	}

	_ = repo.Save(ctx, ep)
	_ = ep.MarkFailed("tts unavailable")
	if err := repo.Update(ctx, ep); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := repo.FindByID(ctx, "ep-1")
	if got.Status != StatusFailed {
		t.Errorf("expected status failed, got %s", got.Status)
	}

	_ = repo.Delete(ctx, "ep-1")
	if err := repo.Update(ctx, ep); err != ErrEpisodeNotFound {
		t.Errorf("expected ErrEpisodeNotFound after delete, got %v", err)
	}
}
