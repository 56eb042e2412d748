package lockfile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/harunnryd/drover/internal/config"
)

// Lock is a cross-process exclusive lock on a directory. Sync passes over
// one root and server processes over one data dir must not overlap; the
// lock file lives inside the guarded directory.
type Lock struct {
	fileLock   *flock.Flock
	lockPath   string
	acquiredAt time.Time
	mu         sync.Mutex
}

type Config struct {
	Timeout  time.Duration
	Retry    time.Duration
	MaxRetry int
}

func DefaultConfig() *Config {
	timeout, _ := config.DurationOrDefault(config.DefaultStoreLockTimeout, config.DefaultStoreLockTimeout)
	retry, _ := config.DurationOrDefault(config.DefaultStoreLockRetry, config.DefaultStoreLockRetry)

	return &Config{
		Timeout:  timeout,
		Retry:    retry,
		MaxRetry: config.DefaultStoreLockMaxRetry,
	}
}

// Acquire takes the lock at dir/name.lock, retrying until the configured
// timeout elapses.
func Acquire(dir, name string, cfg *Config) (*Lock, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	lockPath := filepath.Join(dir, name+".lock")
	l := &Lock{
		fileLock: flock.New(lockPath),
		lockPath: lockPath,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	if err := l.acquireWithRetry(ctx, cfg); err != nil {
		return nil, err
	}

	l.acquiredAt = time.Now()
	slog.Debug("Lock acquired", "path", lockPath)
	return l, nil
}

func (l *Lock) acquireWithRetry(ctx context.Context, cfg *Config) error {
	for i := 0; i < cfg.MaxRetry; i++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("lock acquisition cancelled: %w", ctx.Err())
		default:
			locked, err := l.fileLock.TryLock()
			if err != nil {
				return fmt.Errorf("failed to attempt lock: %w", err)
			}
			if locked {
				return nil
			}

			if i < cfg.MaxRetry-1 {
				time.Sleep(cfg.Retry)
			}
		}
	}

	return fmt.Errorf("%s is locked by another process (timeout after %v)", l.lockPath, cfg.Timeout)
}

func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fileLock == nil {
		return
	}
	if err := l.fileLock.Unlock(); err != nil {
		slog.Error("Failed to release lock", "path", l.lockPath, "error", err)
	} else {
		slog.Debug("Lock released", "path", l.lockPath, "held_ms", time.Since(l.acquiredAt).Milliseconds())
	}
	l.fileLock = nil
}
