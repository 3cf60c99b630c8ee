package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/custodia-labs/ragdoc/internal/core/domain"
	"github.com/custodia-labs/ragdoc/internal/core/ports/driven"
)

// KeyedLock is a set of mutexes keyed by string. Waiting honours the context.
// Entries are refcounted and dropped once nobody holds or waits for them.
type KeyedLock struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	sem  chan struct{}
	refs int
}

// NewKeyedLock creates an empty KeyedLock
func NewKeyedLock() *KeyedLock {
	return &KeyedLock{locks: make(map[string]*keyedEntry)}
}

// Lock blocks until key is free or ctx is done. The returned func unlocks
// and is safe to call more than once.
func (l *KeyedLock) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &keyedEntry{sem: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.drop(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.drop(key, e)
		})
	}, nil
}

func (l *KeyedLock) drop(key string, e *keyedEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

// Len returns the number of keys currently held or waited on
func (l *KeyedLock) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// documentLocker serialises writers of one document id: first within the
// process, then across processes when a distributed lock is configured.
type documentLocker struct {
	local  *KeyedLock
	dist   driven.DistributedLock
	ttl    time.Duration
	poll   time.Duration
	logger *slog.Logger
}

func newDocumentLocker(local *KeyedLock, dist driven.DistributedLock, ttl time.Duration, logger *slog.Logger) *documentLocker {
	if local == nil {
		local = NewKeyedLock()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &documentLocker{
		local:  local,
		dist:   dist,
		ttl:    ttl,
		poll:   100 * time.Millisecond,
		logger: logger,
	}
}

func documentLockName(id string) string {
	return "document:" + id
}

// lock takes both locks for id. While the distributed lock is held its TTL is
// extended in the background, so long ingestions keep it.
func (d *documentLocker) lock(ctx context.Context, id string) (func(), error) {
	unlockLocal, err := d.local.Lock(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: document %s: %w", domain.ErrLockNotAcquired, id, err)
	}
	if d.dist == nil {
		return unlockLocal, nil
	}

	name := documentLockName(id)
	if err := d.acquire(ctx, name); err != nil {
		unlockLocal()
		return nil, err
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go d.keepAlive(name, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			if err := d.dist.Release(context.WithoutCancel(ctx), name); err != nil {
				d.logger.Warn("failed to release document lock", "document_id", id, "error", err)
			}
			unlockLocal()
		})
	}, nil
}

func (d *documentLocker) acquire(ctx context.Context, name string) error {
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	for {
		acquired, err := d.dist.Acquire(ctx, name, d.ttl)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", domain.ErrLockNotAcquired, name, err)
		}
		if acquired {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %w", domain.ErrLockNotAcquired, name, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (d *documentLocker) keepAlive(name string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(d.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := d.dist.Extend(context.Background(), name, d.ttl); err != nil {
				d.logger.Warn("failed to extend document lock", "lock", name, "error", err)
			}
		}
	}
}
