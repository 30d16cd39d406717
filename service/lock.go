package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AnTengye/pagelens/backend/config"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// maxLockBackoff caps the exponential wait between acquisition attempts
const maxLockBackoff = 500 * time.Millisecond

// Locker is a cooperative cross-process lock around the ledger document.
// The returned unlock func must be called exactly once.
type Locker interface {
	Lock(ctx context.Context) (unlock func() error, err error)
}

// NewLocker builds the lock driver named in the ledger config
func NewLocker(ctx context.Context, cfg *config.Config) (Locker, error) {
	lc := cfg.Ledger.Lock
	switch lc.Driver {
	case "", "file":
		return NewFileLocker(lc), nil
	case "redis":
		client, err := NewRedisClient(ctx, &cfg.Redis)
		if err != nil {
			return nil, err
		}
		return NewRedisLocker(client, lc), nil
	default:
		return nil, fmt.Errorf("unknown lock driver %q", lc.Driver)
	}
}

func lockBackoff(base time.Duration, attempt int) time.Duration {
	if attempt > 16 {
		return maxLockBackoff
	}
	d := base << attempt
	if d <= 0 || d > maxLockBackoff {
		return maxLockBackoff
	}
	return d
}

func waitBackoff(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// FileLocker holds the lock by creating a file exclusively.
// A lock file older than StaleAfter is treated as abandoned and removed.
type FileLocker struct {
	path       string
	staleAfter time.Duration
	retries    int
	backoff    time.Duration
	now        func() time.Time
}

func NewFileLocker(cfg config.LockConfig) *FileLocker {
	return &FileLocker{
		path:       cfg.Path,
		staleAfter: cfg.StaleAfter,
		retries:    cfg.Retries,
		backoff:    cfg.Backoff,
		now:        time.Now,
	}
}

func (l *FileLocker) Lock(ctx context.Context) (func() error, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return nil, newError(KindStoreUnavailable, "lock", "", fmt.Errorf("failed to create lock directory: %w", err))
	}
	token := uuid.New().String()

	for attempt := 0; attempt <= l.retries; attempt++ {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.WriteString(token)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(l.path)
				return nil, newError(KindStoreUnavailable, "lock", "", errors.Join(werr, cerr))
			}
			return func() error { return l.release(token) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, newError(KindStoreUnavailable, "lock", "", fmt.Errorf("failed to create lock file: %w", err))
		}

		if l.breakStale() {
			continue
		}
		if attempt == l.retries {
			break
		}
		if err := waitBackoff(ctx, lockBackoff(l.backoff, attempt)); err != nil {
			return nil, newError(KindLockTimeout, "lock", "", err)
		}
	}

	return nil, newError(KindLockTimeout, "lock", "", fmt.Errorf("%s still held after %d attempts", l.path, l.retries+1))
}

// breakStale removes the lock file if its holder appears to have died.
// Breakers serialize on a guard file and re-check staleness under it, so a
// lock created after our first stat is never removed.
func (l *FileLocker) breakStale() bool {
	stale, gone := l.isStale()
	if gone {
		// Released between our create and stat; retry immediately
		return true
	}
	if !stale {
		return false
	}

	guard := l.path + ".break"
	g, err := os.OpenFile(guard, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			l.clearAbandonedGuard(guard)
		}
		return false
	}
	g.Close()
	defer os.Remove(guard)

	stale, gone = l.isStale()
	if gone {
		return true
	}
	if !stale {
		return false
	}
	slog.Warn("breaking stale ledger lock", "path", l.path)
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false
	}
	return true
}

// isStale reports whether the lock file is older than staleAfter, or gone
func (l *FileLocker) isStale() (stale, gone bool) {
	info, err := os.Stat(l.path)
	if err != nil {
		return false, errors.Is(err, os.ErrNotExist)
	}
	return l.now().Sub(info.ModTime()) > l.staleAfter, false
}

// clearAbandonedGuard removes a break guard left by a crashed breaker.
// The guard is only held for a stat and a remove, so staleAfter is generous.
func (l *FileLocker) clearAbandonedGuard(guard string) {
	info, err := os.Stat(guard)
	if err != nil || l.now().Sub(info.ModTime()) <= l.staleAfter {
		return
	}
	slog.Warn("removing abandoned lock break guard", "path", guard)
	os.Remove(guard)
}

// release removes the lock file only while it still carries our token
func (l *FileLocker) release(token string) error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read lock file: %w", err)
	}
	if strings.TrimSpace(string(data)) != token {
		slog.Warn("ledger lock taken over before release", "path", l.path)
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// releaseScript deletes the key only if it still holds the caller's token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewRedisClient connects to the configured Redis server
func NewRedisClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	client := redis.NewClient(opts)

	// Verify connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// RedisLocker holds the lock as a Redis key with a lease.
// An expired lease frees the lock without any stale-file cleanup.
type RedisLocker struct {
	client  *redis.Client
	key     string
	lease   time.Duration
	retries int
	backoff time.Duration
}

func NewRedisLocker(client *redis.Client, cfg config.LockConfig) *RedisLocker {
	return &RedisLocker{
		client:  client,
		key:     cfg.Key,
		lease:   cfg.StaleAfter,
		retries: cfg.Retries,
		backoff: cfg.Backoff,
	}
}

func (l *RedisLocker) Lock(ctx context.Context) (func() error, error) {
	token := uuid.New().String()

	for attempt := 0; attempt <= l.retries; attempt++ {
		ok, err := l.client.SetNX(ctx, l.key, token, l.lease).Result()
		if err != nil {
			return nil, newError(KindStoreUnavailable, "lock", "", fmt.Errorf("failed to set lock key: %w", err))
		}
		if ok {
			return func() error { return l.release(token) }, nil
		}
		if attempt == l.retries {
			break
		}
		if err := waitBackoff(ctx, lockBackoff(l.backoff, attempt)); err != nil {
			return nil, newError(KindLockTimeout, "lock", "", err)
		}
	}

	return nil, newError(KindLockTimeout, "lock", "", fmt.Errorf("%s still held after %d attempts", l.key, l.retries+1))
}

// Close releases the Redis connection pool
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

func (l *RedisLocker) release(token string) error {
	// The caller's context may already be done; release must still happen
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	deleted, err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if deleted == 0 {
		slog.Warn("ledger lock lease expired before release", "key", l.key)
	}
	return nil
}
