package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStoreWithClient(client, time.Hour), s
}

func TestSaveAndLookup(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	err := store.Save(ctx, "ses_1", Viewer{UserID: "usr_1", UserName: "Avery"})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	viewer, err := store.Lookup(ctx, "ses_1")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if viewer.UserID != "usr_1" || viewer.UserName != "Avery" {
		t.Errorf("viewer mismatch: got %+v", viewer)
	}
	if viewer.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be stamped on save")
	}
}

func TestLookupExpired(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	if err := store.Save(ctx, "ses_2", Viewer{UserID: "usr_2"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	s.FastForward(2 * time.Hour)

	if _, err := store.Lookup(ctx, "ses_2"); err == nil {
		t.Error("expected error for expired session")
	}
}

func TestTouchExtends(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	if err := store.Save(ctx, "ses_3", Viewer{UserID: "usr_3"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	s.FastForward(50 * time.Minute)
	if err := store.Touch(ctx, "ses_3"); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	s.FastForward(50 * time.Minute)

	if _, err := store.Lookup(ctx, "ses_3"); err != nil {
		t.Errorf("expected touched session to survive, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	if err := store.Save(ctx, "ses_4", Viewer{UserID: "usr_4"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Delete(ctx, "ses_4"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Lookup(ctx, "ses_4"); err == nil {
		t.Error("expected error after delete")
	}
}
