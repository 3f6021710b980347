package leaselock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeRow struct {
	key string
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*string) = r.key
	return nil
}

// fakeDB answers acquire and renew statements from scripted results.
type fakeDB struct {
	mu       sync.Mutex
	acquire  []error
	renewErr error
	released []string
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := args[0].(string)
	if strings.Contains(sql, "INSERT INTO app_locks") {
		if len(f.acquire) == 0 {
			return fakeRow{key: key}
		}
		err := f.acquire[0]
		f.acquire = f.acquire[1:]
		return fakeRow{key: key, err: err}
	}
	return fakeRow{key: key, err: f.renewErr}
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if strings.Contains(sql, "DELETE FROM app_locks") {
		f.released = append(f.released, args[0].(string)+"/"+args[1].(string))
	}
	return pgconn.CommandTag{}, nil
}

func TestOptionsDefaults(t *testing.T) {
	tests := []struct {
		name string
		in   Options
		want Options
	}{
		{
			name: "zero",
			in:   Options{},
			want: Options{TTL: 5 * time.Minute, RenewEvery: 150 * time.Second, WaitInterval: 250 * time.Millisecond},
		},
		{
			name: "renew not shorter than ttl",
			in:   Options{TTL: 10 * time.Second, RenewEvery: time.Minute},
			want: Options{TTL: 10 * time.Second, RenewEvery: 5 * time.Second, WaitInterval: 250 * time.Millisecond},
		},
		{
			name: "short ttl keeps one second renew",
			in:   Options{TTL: time.Second, WaitJitter: -1},
			want: Options{TTL: time.Second, RenewEvery: time.Second, WaitInterval: 250 * time.Millisecond},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.in.withDefaults(); got != tt.want {
				t.Fatalf("withDefaults() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestWithLeaseReleases(t *testing.T) {
	db := &fakeDB{}
	c := New(db)

	var ran bool
	err := c.WithLease(context.Background(), InvestigationKey("inv1"), Options{TokenPrefix: "w-"}, func(ctx context.Context) error {
		ran = true
		return ctx.Err()
	})
	if err != nil || !ran {
		t.Fatalf("WithLease: ran=%v err=%v", ran, err)
	}
	if len(db.released) != 1 || !strings.HasPrefix(db.released[0], "investigation:inv1/w-") {
		t.Fatalf("lease not released: %v", db.released)
	}
}

func TestAcquireBusy(t *testing.T) {
	db := &fakeDB{acquire: []error{pgx.ErrNoRows}}
	if _, err := New(db).Acquire(context.Background(), "k", Options{}); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestAcquireWaits(t *testing.T) {
	db := &fakeDB{acquire: []error{pgx.ErrNoRows, pgx.ErrNoRows}}
	lease, err := New(db).Acquire(context.Background(), "k", Options{Wait: true, WaitInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lease.Release(context.Background())
	if lease.Key != "k" || lease.Token == "" {
		t.Fatalf("unexpected lease %+v", lease)
	}
}

func TestAcquireWaitHonoursContext(t *testing.T) {
	db := &fakeDB{acquire: []error{pgx.ErrNoRows, pgx.ErrNoRows, pgx.ErrNoRows, pgx.ErrNoRows}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(db).Acquire(ctx, "k", Options{Wait: true, WaitInterval: time.Hour})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLostLeaseCancelsContext(t *testing.T) {
	db := &fakeDB{renewErr: pgx.ErrNoRows}
	lease, err := New(db).Acquire(context.Background(), "k", Options{TTL: 2 * time.Second, RenewEvery: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lease.Release(context.Background())

	select {
	case <-lease.Context.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("lease context was not cancelled")
	}
	if cause := context.Cause(lease.Context); !errors.Is(cause, ErrLost) {
		t.Fatalf("expected ErrLost cause, got %v", cause)
	}
}

func TestLeaseOutlivesCallerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	lease, err := New(&fakeDB{}).Acquire(ctx, "k", Options{})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	cancel()
	if err := lease.Context.Err(); err != nil {
		t.Fatalf("lease context ended with the caller: %v", err)
	}
	if err := lease.Release(context.Background()); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if lease.Context.Err() == nil {
		t.Fatal("lease context still live after release")
	}
}

func TestLocalLocker(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	go l.WithLease(ctx, "k", Options{}, func(context.Context) error {
		close(entered)
		<-release
		return nil
	})
	<-entered

	if err := l.WithLease(ctx, "k", Options{}, func(context.Context) error { return nil }); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if err := l.WithLease(ctx, "other", Options{}, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("independent key blocked: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- l.WithLease(ctx, "k", Options{Wait: true}, func(context.Context) error { return nil })
	}()
	close(release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("waiting lease: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiting lease never acquired")
	}
}
