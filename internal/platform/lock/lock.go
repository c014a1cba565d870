// Package lock provides short-lived, non-blocking mutual exclusion keyed by
// string. Booking operations use it to serialize writes per clinician, branch
// and date.
package lock

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotAcquired is returned when another holder owns the key. Callers
	// are expected to fail fast and let the client retry.
	ErrNotAcquired = errors.New("lock is held by another operation")
	ErrNotOwner    = errors.New("lock not owned by this token")
)

type Locker interface {
	// TryLock acquires key for ttl without waiting and returns the token
	// required to release it.
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, error)
	Unlock(ctx context.Context, key, token string) error
}

// AcquireOrdered locks every distinct key in lexical order so that two callers
// locking overlapping key sets cannot deadlock. On failure nothing stays held.
func AcquireOrdered(ctx context.Context, l Locker, keys []string, ttl time.Duration) (func() error, error) {
	uniq := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			uniq = append(uniq, k)
		}
	}
	sort.Strings(uniq)

	type held struct{ key, token string }
	var acquired []held
	release := func() error {
		// Releases must run even when the request context is already done.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		var errs []error
		for i := len(acquired) - 1; i >= 0; i-- {
			if err := l.Unlock(rctx, acquired[i].key, acquired[i].token); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	for _, k := range uniq {
		token, err := l.TryLock(ctx, k, ttl)
		if err != nil {
			_ = release()
			return nil, err
		}
		acquired = append(acquired, held{key: k, token: token})
	}
	return release, nil
}

type memoryEntry struct {
	token   string
	expires time.Time
}

// Memory is an in-process Locker for single-instance deployments and tests.
type Memory struct {
	mu    sync.Mutex
	held  map[string]memoryEntry
	clock func() time.Time
}

func NewMemory() *Memory {
	return &Memory{held: make(map[string]memoryEntry), clock: time.Now}
}

func (m *Memory) TryLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if e, ok := m.held[key]; ok && now.Before(e.expires) {
		return "", ErrNotAcquired
	}
	token := uuid.NewString()
	m.held[key] = memoryEntry{token: token, expires: now.Add(ttl)}
	return token, nil
}

func (m *Memory) Unlock(ctx context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.held[key]
	if !ok {
		return nil
	}
	if e.token != token {
		return ErrNotOwner
	}
	delete(m.held, key)
	return nil
}
