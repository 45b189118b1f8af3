package lockvfs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/calvinalkan/lockvfs/pkg/namedlock"
)

// PolicyKind selects the lock protocol used for every file a [VFS] opens.
type PolicyKind int

const (
	// PolicyStandard maps lock levels onto an access lock and a reserved
	// lock.
	PolicyStandard PolicyKind = iota

	// PolicyStandardPending adds a pending lock that new readers pass
	// through, so a connection waiting for EXCLUSIVE is not starved by a
	// stream of readers.
	PolicyStandardPending

	// PolicyWriteHint adds a write-hint lock. A connection that declares a
	// write before starting its transaction takes it on entry to SHARED, so
	// at most one writer is ever inside a transaction and writers never
	// deadlock on RESERVED.
	PolicyWriteHint

	// PolicyNone keeps level bookkeeping but takes no locks. It is only safe
	// with a single connection.
	PolicyNone
)

var policyNames = [...]string{
	PolicyStandard:        "standard",
	PolicyStandardPending: "standard-pending",
	PolicyWriteHint:       "write-hint",
	PolicyNone:            "none",
}

func (k PolicyKind) String() string {
	if k >= 0 && int(k) < len(policyNames) {
		return policyNames[k]
	}

	return fmt.Sprintf("PolicyKind(%d)", int(k))
}

// ParsePolicyKind parses a policy name as printed by [PolicyKind.String].
func ParsePolicyKind(s string) (PolicyKind, error) {
	for k, name := range policyNames {
		if strings.EqualFold(s, name) {
			return PolicyKind(k), nil
		}
	}

	return 0, fmt.Errorf("unknown lock policy %q (want one of %s)", s, strings.Join(policyNames[:], ", "))
}

// lockPrefix is the lock-name prefix of the policy. Policies with different
// prefixes never contend, so mixing them on one file is unsafe.
func (k PolicyKind) lockPrefix() string {
	switch k {
	case PolicyStandardPending:
		return "standard-pending"
	case PolicyWriteHint:
		return "writehint"
	default:
		return "standard"
	}
}

// WriteIntent is a declared intention to write in the next transaction.
type WriteIntent int

const (
	IntentNone WriteIntent = iota
	// IntentReserved: the transaction will move to RESERVED right after
	// SHARED.
	IntentReserved
	// IntentExclusive: the transaction will move to EXCLUSIVE right after
	// SHARED.
	IntentExclusive
)

func (w WriteIntent) String() string {
	switch w {
	case IntentNone:
		return "none"
	case IntentReserved:
		return "reserved"
	case IntentExclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("WriteIntent(%d)", int(w))
	}
}

// LockPolicy drives one open file's lock level.
//
// Implementations are not safe for concurrent use; the engine issues lock
// calls for one file strictly one at a time.
type LockPolicy interface {
	// Lock raises the level. Failing with [ErrBusy] or [ErrProtocol] leaves
	// the level unchanged, unless the error also matches [ErrAccessLost]:
	// then every lock was released and the level is NONE.
	Lock(ctx context.Context, level LockLevel) error

	// Unlock lowers the level to SHARED or NONE.
	Unlock(level LockLevel) error

	// CheckReserved reports whether any connection holds RESERVED or above.
	CheckReserved(ctx context.Context) (bool, error)

	// Level returns the current level.
	Level() LockLevel

	// Close releases every lock the policy holds.
	Close() error
}

// lockState is the per-file state shared between the facade (which changes
// the timeout and write intent through pragmas) and the file's policy.
type lockState struct {
	file    string
	level   LockLevel
	timeout time.Duration

	// intent is cleared whenever the file unlocks.
	intent WriteIntent

	// standing is set by locking_mode=exclusive and survives unlocks.
	standing bool
}

func (s *lockState) wantsWrite() bool {
	return s.intent != IntentNone || s.standing
}

func newPolicy(kind PolicyKind, svc namedlock.Service, st *lockState) LockPolicy {
	name := func(role string) string {
		return kind.lockPrefix() + "-" + st.file + "-" + role
	}

	switch kind {
	case PolicyNone:
		return &noLockPolicy{st: st}
	case PolicyWriteHint:
		return &writeHintPolicy{
			st:       st,
			access:   namedlock.New(svc, name("access")),
			reserved: namedlock.New(svc, name("reserved")),
			hint:     namedlock.New(svc, name("writehint")),
		}
	case PolicyStandardPending:
		return &standardPolicy{
			st:       st,
			access:   namedlock.New(svc, name("access")),
			reserved: namedlock.New(svc, name("reserved")),
			pending:  namedlock.New(svc, name("pending")),
		}
	default:
		return &standardPolicy{
			st:       st,
			access:   namedlock.New(svc, name("access")),
			reserved: namedlock.New(svc, name("reserved")),
		}
	}
}

// checkLock validates a Lock request. It reports whether the request is a
// no-op.
func checkLock(from, to LockLevel) (bool, error) {
	if from == to {
		return true, nil
	}

	switch {
	case from == LockNone && to == LockShared,
		from == LockShared && to == LockReserved,
		from == LockShared && to == LockExclusive,
		from == LockReserved && to == LockExclusive:
		return false, nil
	default:
		return false, fmt.Errorf("%w: lock %s -> %s", ErrProtocol, from, to)
	}
}

// checkUnlock validates an Unlock request. It reports whether the request is
// a no-op.
func checkUnlock(from, to LockLevel) (bool, error) {
	if from == to {
		return true, nil
	}

	if to > from || to > LockShared || to < LockNone {
		return false, fmt.Errorf("%w: unlock %s -> %s", ErrProtocol, from, to)
	}

	return false, nil
}

// acquire takes lk and turns every way of not getting it in time into
// ErrBusy. Other failures (a service error, an already held lock) are
// returned as is.
func acquire(ctx context.Context, lk *namedlock.Lock, mode namedlock.Mode, timeout time.Duration) error {
	ok, err := lk.Acquire(ctx, mode, timeout)

	switch {
	case err != nil && ctx.Err() != nil:
		return fmt.Errorf("%w: %w", ErrBusy, err)
	case err != nil:
		return err
	case !ok:
		return fmt.Errorf("%w: %s (%s)", ErrBusy, lk.Name(), mode)
	}

	return nil
}

// escalateAccess swaps the shared access lock for an exclusive one. If the
// exclusive lock cannot be had, the shared lock is taken back within what is
// left of the busy timeout. When even that fails the error carries
// ErrAccessLost and the caller must drop the file to NONE.
func escalateAccess(ctx context.Context, access *namedlock.Lock, timeout time.Duration) error {
	if err := access.Release(); err != nil {
		return fmt.Errorf("%w: %w", ErrAccessLost, err)
	}

	start := time.Now()

	err := acquire(ctx, access, namedlock.Exclusive, timeout)
	if err == nil {
		return nil
	}

	// A writer queued for the exclusive lock is granted it the moment the
	// shared lock goes away, so the way back is not guaranteed.
	restore := timeout
	if timeout > 0 {
		restore = max(timeout-time.Since(start), namedlock.Poll)
	}

	if rerr := acquire(ctx, access, namedlock.Shared, restore); rerr != nil {
		return errors.Join(err, fmt.Errorf("%w: %w", ErrAccessLost, rerr))
	}

	return err
}

// releaseAll releases locks in order, joining failures.
func releaseAll(locks ...*namedlock.Lock) error {
	var errs []error

	for _, lk := range locks {
		if lk == nil {
			continue
		}

		if err := lk.Release(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
