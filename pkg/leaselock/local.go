package leaselock

import (
	"context"
	"sync"
)

// Locker runs a function while holding a named lock.
type Locker interface {
	WithLease(ctx context.Context, key string, opts Options, fn func(ctx context.Context) error) error
}

var (
	_ Locker = (*Client)(nil)
	_ Locker = (*Local)(nil)
)

// Local is an in-process Locker for single-process deployments such as the
// command line tool. Only Wait and WaitInterval of Options are honoured. A
// local lease is never lost, so fn gets ctx without its cancellation.
type Local struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewLocal() *Local {
	return &Local{locks: make(map[string]chan struct{})}
}

func (l *Local) WithLease(ctx context.Context, key string, opts Options, fn func(ctx context.Context) error) error {
	release, err := l.acquire(ctx, key, opts.withDefaults())
	if err != nil {
		return err
	}
	defer release()
	return fn(context.WithoutCancel(ctx))
}

func (l *Local) acquire(ctx context.Context, key string, opts Options) (func(), error) {
	for {
		l.mu.Lock()
		held, busy := l.locks[key]
		if !busy {
			done := make(chan struct{})
			l.locks[key] = done
			l.mu.Unlock()
			return func() {
				l.mu.Lock()
				delete(l.locks, key)
				l.mu.Unlock()
				close(done)
			}, nil
		}
		l.mu.Unlock()

		if !opts.Wait {
			return nil, ErrBusy
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-held:
		}
	}
}
