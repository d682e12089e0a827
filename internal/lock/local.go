package lock

import (
	"context"
	"sync"
	"time"
)

// LocalLocker serializes runs inside one process. It is used when no Redis is
// configured, which is only safe for single-instance deployments.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]time.Time), now: time.Now}
}

func (l *LocalLocker) TryAcquire(_ context.Context, name string, ttl time.Duration) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if exp, ok := l.held[name]; ok && l.now().Before(exp) {
		return nil, false, nil
	}
	exp := l.now().Add(ttl)
	l.held[name] = exp

	release := func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.held[name]; !ok || !cur.Equal(exp) {
			return ErrNotHeld
		}
		delete(l.held, name)
		return nil
	}
	return release, true, nil
}
