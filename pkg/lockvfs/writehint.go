package lockvfs

import (
	"context"
	"errors"

	"github.com/calvinalkan/lockvfs/pkg/namedlock"
)

// writeHintPolicy extends the access/reserved scheme with a write-hint lock.
//
// A connection that announced a write takes the write-hint lock exclusively
// before entering SHARED, so only one announced writer is inside a
// transaction at a time. Everyone who reaches RESERVED holds the write-hint
// lock, which means the reserved lock is always free by then.
//
// A write that was not announced (a deferred transaction) tries the
// write-hint lock without waiting on SHARED -> RESERVED. If another writer
// has it, waiting could deadlock, so the transaction gets Busy and must roll
// back.
type writeHintPolicy struct {
	st       *lockState
	access   *namedlock.Lock
	reserved *namedlock.Lock
	hint     *namedlock.Lock
}

func (p *writeHintPolicy) Level() LockLevel {
	return p.st.level
}

func (p *writeHintPolicy) Lock(ctx context.Context, level LockLevel) error {
	from := p.st.level

	noop, err := checkLock(from, level)
	if noop || err != nil {
		return err
	}

	switch level {
	case LockShared:
		err = p.lockShared(ctx)
	case LockReserved:
		err = p.lockReserved(ctx)
	case LockExclusive:
		// SHARED -> EXCLUSIVE without RESERVED happens when a hot journal
		// must be rolled back.
		err = escalateAccess(ctx, p.access, p.st.timeout)
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

func (p *writeHintPolicy) lockShared(ctx context.Context) error {
	if !p.st.wantsWrite() {
		return acquire(ctx, p.access, namedlock.Shared, p.st.timeout)
	}

	if err := acquire(ctx, p.hint, namedlock.Exclusive, p.st.timeout); err != nil {
		if errors.Is(err, ErrBusy) {
			p.st.intent = IntentNone
		}

		return err
	}

	// Readers never hold the access lock for long, so the timeout only
	// applies to the write-hint wait.
	if err := acquire(ctx, p.access, namedlock.Shared, namedlock.Forever); err != nil {
		return errors.Join(err, p.hint.Release())
	}

	return nil
}

func (p *writeHintPolicy) lockReserved(ctx context.Context) error {
	acquiredHint := false

	if !p.hint.Held() {
		if err := acquire(ctx, p.hint, namedlock.Exclusive, namedlock.Poll); err != nil {
			return err
		}

		acquiredHint = true
	}

	if err := acquire(ctx, p.reserved, namedlock.Exclusive, namedlock.Forever); err != nil {
		if acquiredHint {
			err = errors.Join(err, p.hint.Release())
		}

		return err
	}

	return nil
}

func (p *writeHintPolicy) Unlock(level LockLevel) error {
	noop, err := checkUnlock(p.st.level, level)
	if noop || err != nil {
		return err
	}

	if level == LockShared {
		err = releaseAll(p.reserved, p.hint)
	} else {
		err = releaseAll(p.reserved, p.access, p.hint)
	}

	p.st.level = level
	p.st.intent = IntentNone

	return err
}

func (p *writeHintPolicy) CheckReserved(ctx context.Context) (bool, error) {
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

func (p *writeHintPolicy) Close() error {
	p.st.level = LockNone
	p.st.intent = IntentNone

	return releaseAll(p.reserved, p.access, p.hint)
}
