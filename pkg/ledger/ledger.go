// Package ledger wraps the Redis-backed durable store shared by every
// process: namespaced JSON hashes, raw integer counters, sets with atomic
// first-seen semantics, FIFO queues with blocking pop, and NX+TTL claim
// locks. Every failure surfaces as Error.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// Well-known ledger namespaces and queue names.
const (
	NamespaceCrawled = "crawled"
	CrawlQueue       = "crawl_queue"
	SeenURLSet       = "crawler:seen_urls"
	ChunkRefcount    = "crawler:chunk_refcount"
)

// Error is the single error kind for backing-store failures.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("ledger %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// Config selects the Redis endpoint.
type Config struct {
	Host     string
	Port     string
	DB       int
	Password string
}

// ConfigFromEnv reads REDIS_HOST / REDIS_PORT with localhost defaults.
func ConfigFromEnv() Config {
	host := os.Getenv("REDIS_HOST")
	if host == "" {
		host = "localhost"
	}
	port := os.Getenv("REDIS_PORT")
	if port == "" {
		port = "6379"
	}
	return Config{Host: host, Port: port}
}

// Ledger is a thin, typed facade over a Redis client.
type Ledger struct {
	client *redis.Client
}

// New connects and pings; a dead store at startup is fatal to the caller.
func New(ctx context.Context, cfg Config) (*Ledger, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Host + ":" + cfg.Port,
		DB:       cfg.DB,
		Password: cfg.Password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, wrap("ping", err)
	}
	return &Ledger{client: client}, nil
}

// NewFromClient wraps an existing client (tests).
func NewFromClient(client *redis.Client) *Ledger {
	return &Ledger{client: client}
}

// Close releases the underlying connection pool.
func (l *Ledger) Close() error {
	return l.client.Close()
}

// Ping reports whether the store is reachable.
func (l *Ledger) Ping(ctx context.Context) bool {
	return l.client.Ping(ctx).Err() == nil
}

// ---- namespaced JSON hashes ----

func hashKey(namespace, key string) string {
	return namespace + ":" + key
}

// HSet stores a JSON-encoded value under namespace:key field.
func (l *Ledger) HSet(ctx context.Context, namespace, key, field string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return wrap("hset encode", err)
	}
	return wrap("hset", l.client.HSet(ctx, hashKey(namespace, key), field, string(b)).Err())
}

// HSetMap stores every entry of fields as raw strings in one call.
func (l *Ledger) HSetMap(ctx context.Context, namespace, key string, fields map[string]string) error {
	args := make([]any, 0, len(fields)*2)
	for f, v := range fields {
		args = append(args, f, v)
	}
	return wrap("hset", l.client.HSet(ctx, hashKey(namespace, key), args...).Err())
}

// HGet decodes the JSON value at namespace:key field into out. Returns
// (false, nil) when the field is absent.
func (l *Ledger) HGet(ctx context.Context, namespace, key, field string, out any) (bool, error) {
	v, err := l.client.HGet(ctx, hashKey(namespace, key), field).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, wrap("hget", err)
	}
	if err := json.Unmarshal([]byte(v), out); err != nil {
		return false, wrap("hget decode", err)
	}
	return true, nil
}

// HGetRaw returns the raw string at namespace:key field, "" when absent.
func (l *Ledger) HGetRaw(ctx context.Context, namespace, key, field string) (string, error) {
	v, err := l.client.HGet(ctx, hashKey(namespace, key), field).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, wrap("hget", err)
}

// HGetAll returns all raw fields of namespace:key; empty map when absent.
func (l *Ledger) HGetAll(ctx context.Context, namespace, key string) (map[string]string, error) {
	m, err := l.client.HGetAll(ctx, hashKey(namespace, key)).Result()
	return m, wrap("hgetall", err)
}

// HExists reports field presence.
func (l *Ledger) HExists(ctx context.Context, namespace, key, field string) (bool, error) {
	ok, err := l.client.HExists(ctx, hashKey(namespace, key), field).Result()
	return ok, wrap("hexists", err)
}

// HDel removes a field from namespace:key.
func (l *Ledger) HDel(ctx context.Context, namespace, key, field string) error {
	return wrap("hdel", l.client.HDel(ctx, hashKey(namespace, key), field).Err())
}

// ---- raw hashes (counters) ----

// HIncrBy atomically adjusts an integer field on a raw (un-namespaced) hash
// and returns the new value. Used for chunk refcounts.
func (l *Ledger) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	n, err := l.client.HIncrBy(ctx, key, field, delta).Result()
	return n, wrap("hincrby", err)
}

// HDelRaw removes a field from a raw hash.
func (l *Ledger) HDelRaw(ctx context.Context, key, field string) error {
	return wrap("hdel", l.client.HDel(ctx, key, field).Err())
}

// ---- sets ----

// SAdd adds members and returns how many were newly inserted. A return of 1
// for a single member is the atomic first-seen test.
func (l *Ledger) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	n, err := l.client.SAdd(ctx, key, args...).Result()
	return n, wrap("sadd", err)
}

// SIsMember reports membership.
func (l *Ledger) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := l.client.SIsMember(ctx, key, member).Result()
	return ok, wrap("sismember", err)
}

// SMembers returns all members of a set.
func (l *Ledger) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := l.client.SMembers(ctx, key).Result()
	return members, wrap("smembers", err)
}

// SRem removes members from a set.
func (l *Ledger) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return wrap("srem", l.client.SRem(ctx, key, args...).Err())
}

// ---- lists / queues ----

// LPush pushes values onto the left of a list.
func (l *Ledger) LPush(ctx context.Context, queue string, values ...string) (int64, error) {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	n, err := l.client.LPush(ctx, queue, args...).Result()
	return n, wrap("lpush", err)
}

// BRPop blocks up to timeout for an item from the right of the queue.
// Returns ("", false, nil) on timeout.
func (l *Ledger) BRPop(ctx context.Context, timeout time.Duration, queue string) (string, bool, error) {
	res, err := l.client.BRPop(ctx, timeout, queue).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap("brpop", err)
	}
	// res is [queue, value]
	return res[1], true, nil
}

// LLen reports queue depth.
func (l *Ledger) LLen(ctx context.Context, queue string) (int64, error) {
	n, err := l.client.LLen(ctx, queue).Result()
	return n, wrap("llen", err)
}

// Del removes keys outright.
func (l *Ledger) Del(ctx context.Context, keys ...string) error {
	return wrap("del", l.client.Del(ctx, keys...).Err())
}

// ---- locks ----

// AcquireLock takes an atomic NX lock with a TTL. Returns true iff this
// caller now holds the lock.
func (l *Ledger) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, key, "1", ttl).Result()
	return ok, wrap("setnx", err)
}

// ReleaseLock drops a held lock.
func (l *Ledger) ReleaseLock(ctx context.Context, key string) error {
	return wrap("del", l.client.Del(ctx, key).Err())
}
