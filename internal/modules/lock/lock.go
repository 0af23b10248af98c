// README: Short-lived, owner-checked mutual exclusion keyed by resource name.
package lock

import (
	"context"
	"math/rand"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

var (
	// ErrLocked is returned when another owner currently holds the key.
	ErrLocked = errors.New("resource is locked")
	// ErrInvalidTTL rejects leases that would never expire or never exclude.
	ErrInvalidTTL = errors.New("lock ttl must be positive")
)

// Manager is the lock primitive. Acquire never blocks: ok=false means the key is
// held by someone else, a non-nil error means the backing store could not answer
// and the caller must not proceed.
type Manager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) (bool, error)
}

// WithLock acquires key or fails with ErrLocked, runs fn, and releases the lock on
// every exit path. Release uses a context detached from ctx so a cancelled request
// still gives its lock back.
func WithLock(ctx context.Context, m Manager, key string, ttl time.Duration, fn func(ctx context.Context) error) (err error) {
	token, ok, err := m.Acquire(ctx, key, ttl)
	if err != nil {
		return errors.Wrapf(err, "acquire lock %s", key)
	}
	if !ok {
		return ErrLocked
	}
	defer func() {
		// A failed release is left to the TTL.
		_, _ = m.Release(context.WithoutCancel(ctx), key, token)
	}()
	return fn(ctx)
}

// Retry runs fn up to attempts times while it fails with ErrLocked, sleeping
// baseDelay*attempt plus jitter between tries. Other errors return immediately.
func Retry(ctx context.Context, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if !errors.Is(err, ErrLocked) {
			return err
		}
		if i == attempts-1 {
			break
		}
		delay := baseDelay * time.Duration(i+1)
		if baseDelay > 0 {
			delay += time.Duration(rand.Int63n(int64(baseDelay)))
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func newToken() string {
	return uuid.NewString()
}
