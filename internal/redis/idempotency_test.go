package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := NewFromClient(rdb, zap.NewNop())

	return client, mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestIdempotencyService_NewRequest(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	result, err := svc.CheckOrReserve(ctx, "issues", "evt-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result for new request, got: %+v", result)
	}
}

func TestIdempotencyService_DuplicateRequest(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "issues", "evt-1"); err != nil {
		t.Fatalf("first request failed: %v", err)
	}

	if _, err := svc.CheckOrReserve(ctx, "issues", "evt-1"); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got: %v", err)
	}
}

func TestIdempotencyService_CachedResult(t *testing.T) {
	client, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	stored := &IdempotencyResult{
		NotificationIDs: []string{"n-1", "n-2"},
		StatusCode:      201,
	}

	if err := svc.Store(ctx, "issues", "evt-1", stored, IdempotencyTTL); err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if !mr.Exists("pulse:idempotency:issues:evt-1") {
		t.Error("expected namespaced key")
	}
	if ttl := mr.TTL("pulse:idempotency:issues:evt-1"); ttl != IdempotencyTTL {
		t.Errorf("expected ttl %v, got %v", IdempotencyTTL, ttl)
	}

	result, err := svc.Check(ctx, "issues", "evt-1")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if result == nil {
		t.Fatal("expected cached result")
	}
	if len(result.NotificationIDs) != 2 || result.NotificationIDs[0] != "n-1" {
		t.Errorf("unexpected ids %v", result.NotificationIDs)
	}
	if result.CreatedAt == 0 {
		t.Error("expected CreatedAt to be filled in")
	}
}

func TestIdempotencyService_SourceIsolation(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "issues", "same-key"); err != nil {
		t.Fatalf("issues source failed: %v", err)
	}

	result, err := svc.CheckOrReserve(ctx, "sprints", "same-key")
	if err != nil {
		t.Fatalf("sprints source should succeed: %v", err)
	}
	if result != nil {
		t.Fatal("sprints source should get nil (new request)")
	}
}

func TestIdempotencyService_ReleaseAllowsRetry(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "issues", "evt-1"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := svc.Release(ctx, "issues", "evt-1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	result, err := svc.CheckOrReserve(ctx, "issues", "evt-1")
	if err != nil || result != nil {
		t.Fatalf("retry after release should reserve again, got %+v, %v", result, err)
	}
}

func TestIdempotencyService_ReleaseKeepsCompletedResult(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if err := svc.Store(ctx, "issues", "evt-1", &IdempotencyResult{StatusCode: 201}, time.Hour); err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if err := svc.Release(ctx, "issues", "evt-1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	cached, err := svc.Check(ctx, "issues", "evt-1")
	if err != nil || cached == nil {
		t.Fatalf("completed result should survive release, got %+v, %v", cached, err)
	}
}

func TestIdempotencyService_ReleaseMissingKey(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	if err := svc.Release(context.Background(), "issues", "never-seen"); err != nil {
		t.Fatalf("releasing an unknown key should be a no-op: %v", err)
	}
}
