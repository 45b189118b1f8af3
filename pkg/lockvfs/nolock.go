package lockvfs

import "context"

// noLockPolicy records levels and validates transitions, nothing more.
type noLockPolicy struct {
	st *lockState
}

func (p *noLockPolicy) Level() LockLevel { return p.st.level }

func (p *noLockPolicy) Lock(_ context.Context, level LockLevel) error {
	noop, err := checkLock(p.st.level, level)
	if noop || err != nil {
		return err
	}

	p.st.level = level

	return nil
}

func (p *noLockPolicy) Unlock(level LockLevel) error {
	noop, err := checkUnlock(p.st.level, level)
	if noop || err != nil {
		return err
	}

	p.st.level = level
	p.st.intent = IntentNone

	return nil
}

func (p *noLockPolicy) CheckReserved(context.Context) (bool, error) { return false, nil }

func (p *noLockPolicy) Close() error {
	p.st.level = LockNone
	p.st.intent = IntentNone

	return nil
}
