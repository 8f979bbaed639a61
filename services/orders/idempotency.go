package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	idempotencyKeyPrefix = "idempotency:orders:"
	idempotencyPending   = "pending"
)

// IdempotencyRecord is what a claimed key holds: the fingerprint of the request that claimed it
// and, once that request succeeded, the order it created.
type IdempotencyRecord struct {
	Fingerprint string
	OrderID     string
}

// Pending reports whether the claiming request is still in flight
func (r IdempotencyRecord) Pending() bool {
	return r.OrderID == ""
}

// IdempotencyStore guards POST /orders against replays carrying the same key
type IdempotencyStore interface {
	// Reserve claims key for the request with the given fingerprint. When the key is already
	// claimed, ok is false and rec describes the existing claim.
	Reserve(ctx context.Context, key, fingerprint string) (ok bool, rec IdempotencyRecord, err error)

	// Complete records the order created under key
	Complete(ctx context.Context, key, fingerprint, orderID string) error

	// Release drops a reservation whose request failed so the client may retry
	Release(ctx context.Context, key string) error
}

// requestFingerprint hashes the decoded order lines, so formatting differences in the body do not matter
func requestFingerprint(lines []PlaceOrderLine) (string, error) {
	payload, err := json.Marshal(lines)
	if err != nil {
		return "", fmt.Errorf("failed to encode order lines: %w", err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// reserveScript claims KEYS[1] with ARGV[1] unless it is already set, and returns the existing
// value otherwise. Claim and read happen atomically.
var reserveScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current then
	return current
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return false
`)

type RedisIdempotencyStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisIdempotencyStore(client *redis.Client, ttl time.Duration) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client, ttl: ttl}
}

func (s *RedisIdempotencyStore) Reserve(ctx context.Context, key, fingerprint string) (bool, IdempotencyRecord, error) {
	val, err := reserveScript.Run(ctx, s.client,
		[]string{idempotencyKeyPrefix + key},
		encodeRecord(IdempotencyRecord{Fingerprint: fingerprint}),
		s.ttl.Milliseconds(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return true, IdempotencyRecord{}, nil
	}
	if err != nil {
		return false, IdempotencyRecord{}, fmt.Errorf("reserve idempotency key: %w", err)
	}
	return false, decodeRecord(val), nil
}

func (s *RedisIdempotencyStore) Complete(ctx context.Context, key, fingerprint, orderID string) error {
	record := encodeRecord(IdempotencyRecord{Fingerprint: fingerprint, OrderID: orderID})
	return s.client.Set(ctx, idempotencyKeyPrefix+key, record, s.ttl).Err()
}

func (s *RedisIdempotencyStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, idempotencyKeyPrefix+key).Err()
}

// records are stored as "<fingerprint>|<order id or pending>"
func encodeRecord(r IdempotencyRecord) string {
	state := r.OrderID
	if state == "" {
		state = idempotencyPending
	}
	return r.Fingerprint + "|" + state
}

func decodeRecord(val string) IdempotencyRecord {
	fingerprint, state, _ := strings.Cut(val, "|")
	if state == idempotencyPending {
		state = ""
	}
	return IdempotencyRecord{Fingerprint: fingerprint, OrderID: state}
}
