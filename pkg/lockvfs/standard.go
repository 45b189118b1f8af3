package lockvfs

import (
	"context"
	"errors"
	"fmt"

	"github.com/calvinalkan/lockvfs/pkg/namedlock"
)

// standardPolicy maps the engine's lock levels onto named locks:
//
//	access    shared while reading, exclusive while writing the file
//	reserved  exclusive while a connection intends to write
//	pending   optional; new readers pass through it shared, a connection
//	          escalating to EXCLUSIVE holds it exclusive while it waits
//
// PENDING is never recorded as a level. A connection waiting for the
// exclusive access lock is in effect pending.
type standardPolicy struct {
	st       *lockState
	access   *namedlock.Lock
	reserved *namedlock.Lock
	pending  *namedlock.Lock
}

func (p *standardPolicy) Level() LockLevel {
	return p.st.level
}

func (p *standardPolicy) Lock(ctx context.Context, level LockLevel) error {
	from := p.st.level

	noop, err := checkLock(from, level)
	if noop || err != nil {
		return err
	}

	switch level {
	case LockShared:
		err = p.lockShared(ctx)
	case LockReserved:
		err = acquire(ctx, p.reserved, namedlock.Exclusive, namedlock.Poll)
	case LockExclusive:
		err = p.lockExclusive(ctx)
	}

	if errors.Is(err, ErrAccessLost) {
		return errors.Join(err, p.Unlock(LockNone))
	}

	if err != nil {
		return err
	}

	p.st.level = level

	return nil
}

func (p *standardPolicy) lockShared(ctx context.Context) error {
	if p.pending == nil {
		return acquire(ctx, p.access, namedlock.Shared, p.st.timeout)
	}

	if err := acquire(ctx, p.pending, namedlock.Shared, p.st.timeout); err != nil {
		return err
	}

	err := acquire(ctx, p.access, namedlock.Shared, p.st.timeout)

	if relErr := p.pending.Release(); relErr != nil {
		if err == nil {
			relErr = errors.Join(relErr, p.access.Release())
		}

		return errors.Join(err, relErr)
	}

	return err
}

func (p *standardPolicy) lockExclusive(ctx context.Context) error {
	if p.pending == nil {
		return escalateAccess(ctx, p.access, p.st.timeout)
	}

	if err := acquire(ctx, p.pending, namedlock.Exclusive, p.st.timeout); err != nil {
		return err
	}

	err := escalateAccess(ctx, p.access, p.st.timeout)

	// A pending lock that did not release cleanly leaves the file in an
	// unknown state, so even a won escalation gives everything up.
	if relErr := p.pending.Release(); relErr != nil {
		if err == nil {
			relErr = fmt.Errorf("%w: %w", ErrAccessLost, relErr)
		}

		return errors.Join(err, relErr)
	}

	return err
}

func (p *standardPolicy) Unlock(level LockLevel) error {
	noop, err := checkUnlock(p.st.level, level)
	if noop || err != nil {
		return err
	}

	// Going from EXCLUSIVE to SHARED keeps the access lock exclusive. The
	// next unlock to NONE releases it anyway, and downgrading would mean
	// giving it up and waiting to get it back.
	if level == LockShared {
		err = releaseAll(p.reserved)
	} else {
		err = releaseAll(p.reserved, p.access, p.pending)
	}

	p.st.level = level
	p.st.intent = IntentNone

	return err
}

func (p *standardPolicy) CheckReserved(ctx context.Context) (bool, error) {
	if p.st.level >= LockReserved {
		return true, nil
	}

	ok, err := p.reserved.Acquire(ctx, namedlock.Shared, namedlock.Poll)
	if err != nil {
		return false, err
	}

	if !ok {
		return true, nil
	}

	return false, p.reserved.Release()
}

func (p *standardPolicy) Close() error {
	p.st.level = LockNone
	p.st.intent = IntentNone

	return releaseAll(p.reserved, p.access, p.pending)
}
