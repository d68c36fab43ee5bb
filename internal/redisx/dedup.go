package redisx

import (
	"context"
	"fmt"
	"github.com/redis/go-redis/v9"
)

// Dedup remembers processed event ids per service. Mark only after the
// event has been applied; a lost mark just means the database sees a
// duplicate.
type Dedup struct {
	rdb     redis.Cmdable
	service string
}

func NewDedup(rdb redis.Cmdable, service string) *Dedup {
	return &Dedup{rdb: rdb, service: service}
}

func (d *Dedup) key(eventID string) string { return fmt.Sprintf(KeyDedup, d.service, eventID) }

func (d *Dedup) Seen(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, nil
	}
	return Exists(ctx, d.rdb, d.key(eventID))
}

func (d *Dedup) Mark(ctx context.Context, eventID string) error {
	if eventID == "" {
		return nil
	}
	return d.rdb.Set(ctx, d.key(eventID), "1", TTLDedup).Err()
}
