package ledger

import (
	"context"
	"sync"
)

// =============================================================================
// KEYED LOCKS - Per-customer / per-voucher serialization
// =============================================================================

// Lock keys are namespaced so a customer id can never collide with a voucher code.
func customerKey(id CustomerID) string    { return "customer:" + string(id) }
func voucherKey(code VoucherCode) string { return "voucher:" + string(code) }

// KeyedLocker serializes work per key. Operations on different keys never
// block each other. Waiting respects context cancellation.
//
// LOCK ORDER: callers that need several keys must pass them in a fixed
// global order (customer key first, then voucher key). Acquire takes them
// left to right and releases on failure, so a consistent order cannot deadlock.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sem  chan struct{}
	refs int
}

// NewKeyedLocker creates an empty lock table.
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[string]*keyedLock)}
}

// Acquire locks every key in order. The returned release func unlocks all of
// them and is safe to call once. On ctx expiry nothing stays locked and the
// context error is returned.
func (l *KeyedLocker) Acquire(ctx context.Context, keys ...string) (func(), error) {
	held := make([]string, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.unlock(held[i])
		}
	}

	for _, k := range keys {
		if err := l.lock(ctx, k); err != nil {
			release()
			return nil, err
		}
		held = append(held, k)
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (l *KeyedLocker) lock(ctx context.Context, key string) error {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyedLock{sem: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.drop(key, kl)
		return ctx.Err()
	}
}

func (l *KeyedLocker) unlock(key string) {
	l.mu.Lock()
	kl := l.locks[key]
	l.mu.Unlock()
	if kl == nil {
		return
	}
	<-kl.sem
	l.drop(key, kl)
}

// drop releases one reference and forgets idle keys.
func (l *KeyedLocker) drop(key string, kl *keyedLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

// size reports how many keys are currently tracked.
func (l *KeyedLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
