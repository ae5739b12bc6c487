package db

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/inconshreveable/log15"
	"golang.org/x/xerrors"
)

/**
# Redis Data Structure
- STRING
  ┌───┬───────────────────────┬────────────────┬────────────────────────────────┐
  │NO │          KEY          │     VALUE      │            PURPOSE             │
  └───┴───────────────────────┴────────────────┴────────────────────────────────┘

  ┌───┬───────────────────────┬────────────────┬────────────────────────────────┐
  │ 1 │CVEWATCH#LOCK#$CVEID   │ $TOKEN (uuid)  │ ONE WRITER PER CVE ACROSS HOSTS│
  └───┴───────────────────────┴────────────────┴────────────────────────────────┘
**/

const lockKeyPrefix = "CVEWATCH#LOCK#"

const (
	defaultLockTTL   = 30 * time.Second
	defaultLockRetry = 50 * time.Millisecond
)

// delete the key only while it still holds our token
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// push the expiry out only while the key still holds our token
var refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker holds per-CVE locks in Redis so ingestion runs on several hosts do not interleave
type RedisLocker struct {
	conn  *redis.Client
	TTL   time.Duration
	Retry time.Duration
}

// NewRedisLocker connects to the redis URL, e.g. redis://localhost:6379/0
func NewRedisLocker(url string) (*RedisLocker, error) {
	l := &RedisLocker{TTL: defaultLockTTL, Retry: defaultLockRetry}
	if err := l.connectRedis(url); err != nil {
		return nil, xerrors.Errorf("Failed to connect lock server. err: %w", err)
	}
	return l, nil
}

func (l *RedisLocker) connectRedis(url string) error {
	ctx := context.Background()
	option, err := redis.ParseURL(url)
	if err != nil {
		log15.Error("Failed to parse url.", "err", err)
		return err
	}
	l.conn = redis.NewClient(option)
	return l.conn.Ping(ctx).Err()
}

// Lock polls SET NX until the key is ours or ctx is done.
// The key's TTL is refreshed until the returned func is called.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	k := lockKeyPrefix + key
	token := uuid.NewString()
	for {
		ok, err := l.conn.SetNX(ctx, k, token, l.TTL).Result()
		if err != nil {
			return nil, xerrors.Errorf("Failed to acquire lock. key: %s, err: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.Retry):
		}
	}

	stop, done := make(chan struct{}), make(chan struct{})
	go l.refresh(k, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			if err := unlockScript.Run(context.Background(), l.conn, []string{k}, token).Err(); err != nil {
				log15.Warn("Failed to release lock", "key", key, "err", err)
			}
		})
	}, nil
}

// refresh extends the key every TTL/3 until stop is closed
func (l *RedisLocker) refresh(key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval := l.TTL / 3
	if interval <= 0 {
		interval = defaultLockTTL / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := refreshScript.Run(context.Background(), l.conn, []string{key}, token, l.TTL.Milliseconds()).Err(); err != nil {
				log15.Warn("Failed to refresh lock", "key", key, "err", err)
			}
		}
	}
}

// Close :
func (l *RedisLocker) Close() error {
	if l.conn == nil {
		return nil
	}
	if err := l.conn.Close(); err != nil {
		return xerrors.Errorf("Failed to close lock server. err: %w", err)
	}
	return nil
}
