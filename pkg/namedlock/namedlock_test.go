package namedlock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/calvinalkan/lockvfs/internal/fs"
	"github.com/calvinalkan/lockvfs/pkg/namedlock"
)

// services runs fn against every Service implementation.
func services(t *testing.T, fn func(t *testing.T, svc namedlock.Service)) {
	t.Helper()

	t.Run("Memory", func(t *testing.T) {
		t.Parallel()
		fn(t, namedlock.NewMemory())
	})

	t.Run("Flock", func(t *testing.T) {
		t.Parallel()
		fn(t, namedlock.NewFlock(fs.NewReal(), t.TempDir()))
	})
}

func mustAcquire(t *testing.T, lk *namedlock.Lock, mode namedlock.Mode, timeout time.Duration) {
	t.Helper()

	ok, err := lk.Acquire(context.Background(), mode, timeout)
	if err != nil || !ok {
		t.Fatalf("Acquire(%s, %s, %v)=(%v, %v), want (true, nil)", lk.Name(), mode, timeout, ok, err)
	}
}

func Test_Lock_Exclusive_Holder_Makes_Poll_Fail(t *testing.T) {
	t.Parallel()

	services(t, func(t *testing.T, svc namedlock.Service) {
		a := namedlock.New(svc, "main.db-access")
		b := namedlock.New(svc, "main.db-access")

		mustAcquire(t, a, namedlock.Exclusive, namedlock.Poll)

		for _, mode := range []namedlock.Mode{namedlock.Shared, namedlock.Exclusive} {
			ok, err := b.Acquire(context.Background(), mode, namedlock.Poll)
			if err != nil || ok {
				t.Fatalf("Acquire(%s, Poll) while exclusively held=(%v, %v), want (false, nil)", mode, ok, err)
			}

			if b.Held() {
				t.Fatalf("Held()=true after failed poll")
			}
		}
	})
}

func Test_Lock_Shared_Holders_Coexist_And_Block_Exclusive(t *testing.T) {
	t.Parallel()

	services(t, func(t *testing.T, svc namedlock.Service) {
		a := namedlock.New(svc, "db-access")
		b := namedlock.New(svc, "db-access")
		w := namedlock.New(svc, "db-access")

		mustAcquire(t, a, namedlock.Shared, namedlock.Poll)
		mustAcquire(t, b, namedlock.Shared, namedlock.Poll)

		ok, err := w.Acquire(context.Background(), namedlock.Exclusive, namedlock.Poll)
		if err != nil || ok {
			t.Fatalf("Acquire(Exclusive, Poll) with shared holders=(%v, %v), want (false, nil)", ok, err)
		}

		_ = a.Release()
		_ = b.Release()

		mustAcquire(t, w, namedlock.Exclusive, namedlock.Poll)
	})
}

func Test_Lock_Timeout_Returns_False_Without_Error(t *testing.T) {
	t.Parallel()

	services(t, func(t *testing.T, svc namedlock.Service) {
		a := namedlock.New(svc, "x")
		b := namedlock.New(svc, "x")

		mustAcquire(t, a, namedlock.Exclusive, namedlock.Forever)

		start := time.Now()

		ok, err := b.Acquire(context.Background(), namedlock.Shared, 30*time.Millisecond)
		if err != nil || ok {
			t.Fatalf("Acquire(Shared, 30ms)=(%v, %v), want (false, nil)", ok, err)
		}

		if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
			t.Fatalf("Acquire returned after %v, want it to wait for the timeout", elapsed)
		}
	})
}

func Test_Lock_Forever_Waits_Until_Release(t *testing.T) {
	t.Parallel()

	services(t, func(t *testing.T, svc namedlock.Service) {
		a := namedlock.New(svc, "x")
		b := namedlock.New(svc, "x")

		mustAcquire(t, a, namedlock.Exclusive, namedlock.Poll)

		done := make(chan error, 1)

		go func() {
			ok, err := b.Acquire(context.Background(), namedlock.Exclusive, namedlock.Forever)
			if err == nil && !ok {
				err = errors.New("not granted")
			}
			done <- err
		}()

		select {
		case err := <-done:
			t.Fatalf("Acquire returned while lock was held: %v", err)
		case <-time.After(30 * time.Millisecond):
		}

		if err := a.Release(); err != nil {
			t.Fatalf("Release(): %v", err)
		}

		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("Acquire after release: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Acquire did not return after release")
		}

		if !b.Held() {
			t.Fatalf("Held()=false after grant")
		}
	})
}

func Test_Lock_Acquire_While_Held_Returns_ErrAlreadyHeld(t *testing.T) {
	t.Parallel()

	services(t, func(t *testing.T, svc namedlock.Service) {
		lk := namedlock.New(svc, "x")

		mustAcquire(t, lk, namedlock.Shared, namedlock.Poll)

		ok, err := lk.Acquire(context.Background(), namedlock.Shared, namedlock.Forever)
		if !errors.Is(err, namedlock.ErrAlreadyHeld) || ok {
			t.Fatalf("Acquire() while held=(%v, %v), want (false, %v)", ok, err, namedlock.ErrAlreadyHeld)
		}

		if got := lk.Mode(); got != namedlock.Shared {
			t.Fatalf("Mode()=%s after rejected Acquire, want shared", got)
		}
	})
}

func Test_Lock_Release_Is_Idempotent(t *testing.T) {
	t.Parallel()

	services(t, func(t *testing.T, svc namedlock.Service) {
		lk := namedlock.New(svc, "x")

		if err := lk.Release(); err != nil {
			t.Fatalf("Release() when not held: %v", err)
		}

		mustAcquire(t, lk, namedlock.Exclusive, namedlock.Poll)

		for i := range 2 {
			if err := lk.Release(); err != nil {
				t.Fatalf("Release() #%d: %v", i, err)
			}
		}

		if lk.Held() {
			t.Fatalf("Held()=true after Release")
		}

		mustAcquire(t, namedlock.New(svc, "x"), namedlock.Exclusive, namedlock.Poll)
	})
}

func Test_Lock_Acquire_Release_Roundtrip_Leaves_Lock_Free(t *testing.T) {
	t.Parallel()

	services(t, func(t *testing.T, svc namedlock.Service) {
		lk := namedlock.New(svc, "x")
		other := namedlock.New(svc, "x")

		for range 5 {
			for _, mode := range []namedlock.Mode{namedlock.Shared, namedlock.Exclusive} {
				mustAcquire(t, lk, mode, namedlock.Poll)

				if err := lk.Release(); err != nil {
					t.Fatalf("Release(): %v", err)
				}

				mustAcquire(t, other, namedlock.Exclusive, namedlock.Poll)
				_ = other.Release()
			}
		}
	})
}

func Test_Lock_Cancelled_Context_Returns_Error(t *testing.T) {
	t.Parallel()

	services(t, func(t *testing.T, svc namedlock.Service) {
		a := namedlock.New(svc, "x")
		b := namedlock.New(svc, "x")

		mustAcquire(t, a, namedlock.Exclusive, namedlock.Poll)

		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(20*time.Millisecond, cancel)

		ok, err := b.Acquire(ctx, namedlock.Exclusive, namedlock.Forever)
		if !errors.Is(err, context.Canceled) || ok {
			t.Fatalf("Acquire() with cancelled ctx=(%v, %v), want (false, %v)", ok, err, context.Canceled)
		}

		if b.Held() {
			t.Fatalf("Held()=true after cancelled Acquire")
		}

		// The abandoned wait must not leave anything behind.
		_ = a.Release()

		mustAcquire(t, b, namedlock.Exclusive, namedlock.Poll)
	})
}

func Test_Lock_Names_Are_Independent(t *testing.T) {
	t.Parallel()

	services(t, func(t *testing.T, svc namedlock.Service) {
		mustAcquire(t, namedlock.New(svc, "a.db-access"), namedlock.Exclusive, namedlock.Poll)
		mustAcquire(t, namedlock.New(svc, "a.db-reserved"), namedlock.Exclusive, namedlock.Poll)
		mustAcquire(t, namedlock.New(svc, "b.db-access"), namedlock.Exclusive, namedlock.Poll)
	})
}

func Test_Lock_Rejects_Invalid_Mode(t *testing.T) {
	t.Parallel()

	lk := namedlock.New(namedlock.NewMemory(), "x")

	ok, err := lk.Acquire(context.Background(), namedlock.Mode(7), namedlock.Poll)
	if !errors.Is(err, namedlock.ErrInvalidMode) || ok {
		t.Fatalf("Acquire(Mode(7))=(%v, %v), want (false, %v)", ok, err, namedlock.ErrInvalidMode)
	}
}
