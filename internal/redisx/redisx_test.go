package redisx

import (
	"context"
	"github.com/google/uuid"
	"os"
	"testing"
	"time"
)

// Runs against a real server: REDIS_TEST_ADDR=localhost:6379 go test ./internal/redisx
func testClient(t *testing.T) *StatusCache {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	rdb := New(addr)
	t.Cleanup(func() { _ = rdb.Close() })
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	return NewStatusCache(rdb)
}

func TestDedupMarksAfterApply(t *testing.T) {
	c := testClient(t)
	d := NewDedup(c.rdb, "test-"+uuid.NewString())
	ctx := context.Background()

	if seen, err := d.Seen(ctx, "evt_1"); err != nil || seen {
		t.Fatalf("fresh id: seen=%v err=%v", seen, err)
	}
	if err := d.Mark(ctx, "evt_1"); err != nil {
		t.Fatal(err)
	}
	if seen, err := d.Seen(ctx, "evt_1"); err != nil || !seen {
		t.Fatalf("marked id: seen=%v err=%v", seen, err)
	}
	if seen, _ := d.Seen(ctx, ""); seen {
		t.Fatal("empty id is never seen")
	}
}

func TestStatusCacheRoundTrip(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	id := uuid.NewString()

	if _, ok, err := c.Get(ctx, id); err != nil || ok {
		t.Fatalf("miss expected: ok=%v err=%v", ok, err)
	}
	want := OrderStatus{Status: "paid", UpdatedAt: time.Now().UTC().Truncate(time.Second)}
	if err := c.Set(ctx, id, want); err != nil {
		t.Fatal(err)
	}
	got, ok, err := c.Get(ctx, id)
	if err != nil || !ok || got.Status != want.Status || !got.UpdatedAt.Equal(want.UpdatedAt) {
		t.Fatalf("get = %+v %v %v", got, ok, err)
	}
	if err := c.Invalidate(ctx, id); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := c.Get(ctx, id); ok {
		t.Fatal("invalidated entry still cached")
	}
}
