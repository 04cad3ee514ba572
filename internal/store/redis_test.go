package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestNewRedis_ConnectsAndServes(t *testing.T) {
	mr := miniredis.RunT(t)

	rs, err := NewRedis(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("connecting: %v", err)
	}
	defer rs.Close()

	ctx := context.Background()
	if err := rs.Client().Set(ctx, "rt:ctr:site-1", "1", 0).Err(); err != nil {
		t.Fatalf("writing through client: %v", err)
	}
	got, err := rs.Client().Get(ctx, "rt:ctr:site-1").Result()
	if err != nil || got != "1" {
		t.Errorf("reading back: got %q, err %v", got, err)
	}
}

func TestNewRedis_RejectsBadURL(t *testing.T) {
	if _, err := NewRedis(context.Background(), "not-a-redis-url"); err == nil {
		t.Error("malformed URL should fail")
	}
}
