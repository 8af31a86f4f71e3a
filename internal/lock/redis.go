package lock

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Releases or extends the key only while it still carries our token
const (
	releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`
	extendScript  = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("pexpire", KEYS[1], ARGV[2]) else return 0 end`
)

// DefaultTTL is how long a Redis lock survives a crashed holder
const DefaultTTL = 30 * time.Second

// RedisLocker locks owners across processes sharing one Redis
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	token  func() string
	logger zerolog.Logger
}

// NewRedisLocker creates a locker on an existing client. Held locks are
// extended every ttl/3 until released.
func NewRedisLocker(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLocker{
		client: client,
		prefix: "loadengine:lock:owner:",
		ttl:    ttl,
		token:  func() string { return uuid.NewString() },
		logger: logger,
	}
}

// DialRedis connects to addr and verifies the connection
func DialRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return client, nil
}

// Key returns the Redis key guarding an owner
func (r *RedisLocker) Key(ownerID int64) string {
	return r.prefix + strconv.FormatInt(ownerID, 10)
}

// TryLock sets the owner's key if absent. The returned Unlock deletes it only
// if this holder still owns it.
func (r *RedisLocker) TryLock(ctx context.Context, ownerID int64) (Unlock, error) {
	key := r.Key(ownerID)
	token := r.token()

	ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLocked
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go r.keepAlive(key, token, stop, done)

	var once sync.Once
	var releaseErr error
	return func(ctx context.Context) error {
		once.Do(func() {
			close(stop)
			<-done
			releaseErr = r.release(ctx, key, token)
		})
		return releaseErr
	}, nil
}

func (r *RedisLocker) release(ctx context.Context, key, token string) error {
	n, err := r.client.Eval(ctx, releaseScript, []string{key}, token).Int64()
	if err != nil {
		return fmt.Errorf("releasing lock %s: %w", key, err)
	}
	if n == 0 {
		r.logger.Warn().Str("key", key).Msg("lock expired before release")
	}
	return nil
}

func (r *RedisLocker) extend(ctx context.Context, key, token string) (bool, error) {
	n, err := r.client.Eval(ctx, extendScript, []string{key}, token, r.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RedisLocker) keepAlive(key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.ttl/3)
			ok, err := r.extend(ctx, key, token)
			cancel()
			if err != nil {
				r.logger.Error().Err(err).Str("key", key).Msg("extending lock")
				continue
			}
			if !ok {
				r.logger.Error().Str("key", key).Msg("lock lost to another holder")
				return
			}
		}
	}
}
