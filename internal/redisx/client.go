package redisx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

func Exists(ctx context.Context, rdb redis.Cmdable, key string) (bool, error) {
	n, err := rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// GetBytes returns (nil, false, nil) on a cache miss.
func GetBytes(ctx context.Context, rdb redis.Cmdable, key string) ([]byte, bool, error) {
	b, err := rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// Deduper is a fast-path "already handled" marker. It is an optimization
// only: correctness never depends on Redis being reachable.
type Deduper struct {
	RDB     redis.Cmdable
	Service string
}

func (d *Deduper) key(id string) string { return fmt.Sprintf(KeyDedup, d.Service, id) }

func (d *Deduper) Seen(ctx context.Context, id string) (bool, error) {
	if d == nil || d.RDB == nil {
		return false, nil
	}
	return Exists(ctx, d.RDB, d.key(id))
}

// Mark records id as handled; call it only after the side effects committed.
func (d *Deduper) Mark(ctx context.Context, id string) error {
	if d == nil || d.RDB == nil {
		return nil
	}
	return d.RDB.Set(ctx, d.key(id), time.Now().UTC().Format(time.RFC3339), TTLDedup).Err()
}

// Idempotency replays the first response stored under a client-supplied key.
// Keys are scoped by cart, so two carts reusing one key never share a body.
type Idempotency struct {
	RDB redis.Cmdable
}

func (i *Idempotency) Lookup(ctx context.Context, cartID, idemKey string) ([]byte, bool, error) {
	if i == nil || i.RDB == nil || idemKey == "" {
		return nil, false, nil
	}
	return GetBytes(ctx, i.RDB, fmt.Sprintf(KeyIdemSessionCreate, cartID, idemKey))
}

// Remember keeps the first body written for idemKey; later writes are ignored.
func (i *Idempotency) Remember(ctx context.Context, cartID, idemKey string, body []byte) error {
	if i == nil || i.RDB == nil || idemKey == "" {
		return nil
	}
	return i.RDB.SetNX(ctx, fmt.Sprintf(KeyIdemSessionCreate, cartID, idemKey), body, TTLIdempotency).Err()
}
