// Package namedlock provides named shared/exclusive locks with
// timeout and poll semantics.
//
// A [Service] is one lock namespace: every [Lock] created with the same
// service and name contends with every other, whether it lives in the same
// goroutine, another goroutine, or (for [Flock]) another process.
//
// Two services are provided:
//   - [Memory]: in-process, FIFO-fair request queue per name
//   - [Flock]: cross-process, one flock(2) lock file per name
//
// Example:
//
//	svc := namedlock.NewMemory()
//	lk := namedlock.New(svc, "main.db-access")
//
//	ok, err := lk.Acquire(ctx, namedlock.Shared, 50*time.Millisecond)
//	if err != nil {
//	    return err // programming error or cancelled context
//	}
//	if !ok {
//	    return errBusy // timed out
//	}
//	defer lk.Release()
package namedlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Mode is the acquisition mode of a lock.
type Mode int

// Lock modes. Any number of [Shared] holders may coexist; an [Exclusive]
// holder excludes everyone else.
const (
	Shared Mode = iota + 1
	Exclusive
)

func (m Mode) String() string {
	switch m {
	case Shared:
		return "shared"
	case Exclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Special timeouts for [Lock.Acquire].
const (
	// Forever waits until the lock is granted (or the context ends).
	Forever time.Duration = -1

	// Poll makes a single non-blocking attempt.
	Poll time.Duration = 0
)

var (
	// ErrWouldBlock is returned by a [Service] when a non-waiting request
	// cannot be granted immediately.
	ErrWouldBlock = errors.New("namedlock: lock would block")

	// ErrAlreadyHeld is returned by [Lock.Acquire] when the same Lock
	// instance already holds (or is acquiring) the lock. It signals a bug in
	// the caller, not contention.
	ErrAlreadyHeld = errors.New("namedlock: lock already held by this instance")

	// ErrInvalidMode is returned for a [Mode] other than [Shared] or
	// [Exclusive].
	ErrInvalidMode = errors.New("namedlock: invalid mode")
)

// Service grants named locks within one namespace.
type Service interface {
	// Acquire requests name in mode.
	//
	// If wait is false the request never suspends: it is granted at once or
	// fails with [ErrWouldBlock]. If wait is true it waits until granted or
	// ctx is done, in which case the error wraps ctx.Err(). A request that
	// was granted while its context ended must be returned as granted.
	Acquire(ctx context.Context, name string, mode Mode, wait bool) (Grant, error)
}

// Grant is a held lock. Release gives it back; releasing twice is a no-op.
type Grant interface {
	Release() error
}

// Lock is one holder's handle on a named lock.
//
// A Lock holds at most one acquisition at a time. It is meant to be used by a
// single connection; Held and Name are safe to call concurrently.
type Lock struct {
	svc  Service
	name string

	mu        sync.Mutex
	grant     Grant
	mode      Mode
	acquiring bool
}

// New returns an unheld Lock for name in svc.
func New(svc Service, name string) *Lock {
	return &Lock{svc: svc, name: name}
}

// Name returns the lock name.
func (l *Lock) Name() string {
	return l.name
}

// Held reports whether this instance currently holds the lock.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.grant != nil
}

// Mode returns the mode the lock is held in, or 0 if not held.
func (l *Lock) Mode() Mode {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.grant == nil {
		return 0
	}

	return l.mode
}

// Acquire takes the lock in mode.
//
//   - timeout < 0 ([Forever]): wait until granted
//   - timeout == 0 ([Poll]): try once without waiting
//   - timeout > 0: wait at most timeout
//
// It returns true iff the lock is held on return; false with a nil error
// means the poll failed or the timeout expired. A cancelled ctx returns
// false and an error wrapping ctx.Err(). Calling Acquire while this
// instance already holds the lock fails immediately with [ErrAlreadyHeld]
// without contacting the service.
func (l *Lock) Acquire(ctx context.Context, mode Mode, timeout time.Duration) (bool, error) {
	if mode != Shared && mode != Exclusive {
		return false, fmt.Errorf("%w: %d", ErrInvalidMode, int(mode))
	}

	l.mu.Lock()
	if l.grant != nil || l.acquiring {
		l.mu.Unlock()

		return false, fmt.Errorf("%w: %s", ErrAlreadyHeld, l.name)
	}

	l.acquiring = true
	l.mu.Unlock()

	grant, err := l.request(ctx, mode, timeout)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.acquiring = false

	if grant == nil {
		return false, err
	}

	l.grant = grant
	l.mode = mode

	return true, nil
}

// request performs the service call and folds "not granted in time" into a
// nil grant with a nil error.
func (l *Lock) request(ctx context.Context, mode Mode, timeout time.Duration) (Grant, error) {
	switch {
	case timeout == Poll:
		grant, err := l.svc.Acquire(ctx, l.name, mode, false)
		if errors.Is(err, ErrWouldBlock) {
			return nil, nil
		}

		if err != nil {
			return nil, fmt.Errorf("acquire %s (%s): %w", l.name, mode, err)
		}

		return grant, nil

	case timeout < 0:
		grant, err := l.svc.Acquire(ctx, l.name, mode, true)
		if err != nil {
			return nil, fmt.Errorf("acquire %s (%s): %w", l.name, mode, err)
		}

		return grant, nil

	default:
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		grant, err := l.svc.Acquire(waitCtx, l.name, mode, true)
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				return nil, nil
			}

			return nil, fmt.Errorf("acquire %s (%s): %w", l.name, mode, err)
		}

		return grant, nil
	}
}

// Release gives the lock back. Releasing a lock that is not held is a no-op.
// The instance is reset even if the service reports an error, so it can be
// acquired again.
func (l *Lock) Release() error {
	l.mu.Lock()
	grant := l.grant
	l.grant = nil
	l.mode = 0
	l.mu.Unlock()

	if grant == nil {
		return nil
	}

	if err := grant.Release(); err != nil {
		return fmt.Errorf("release %s: %w", l.name, err)
	}

	return nil
}
