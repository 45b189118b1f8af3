package lockvfs

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/calvinalkan/lockvfs/pkg/namedlock"
)

// Pragmas the VFS intercepts.
const (
	PragmaWriteHint      = "experimental_pragma_20251114"
	PragmaWriteHintAlias = "write_hint"
	PragmaBusyTimeout    = "busy_timeout"
	PragmaLockingMode    = "locking_mode"
	PragmaVFSLogging     = "vfs_logging"
)

// FileControl handles a pragma the engine passes down for file id. value is
// nil when the pragma is queried rather than set.
//
// Pragmas the VFS consumes return their result (possibly empty) and a nil
// error. Pragmas the engine must still handle itself, including write_hint
// and locking_mode which the VFS only observes, return an error wrapping
// [ErrUnhandledPragma] with [CodeNotFound]; that error is not recorded as
// the last error.
//
//	write_hint    1 | 2 | 0   declare a write for the next transaction
//	busy_timeout  ms          lock wait; negative waits forever
//	locking_mode  exclusive   declare a write for every transaction
//	vfs_logging   0 | 1       trace lock traffic
func (v *VFS) FileControl(id FileID, pragma string, value *string) (string, error) {
	f, err := v.file("pragma", id, CodeIOErr)
	if err != nil {
		return "", err
	}

	key := strings.ToLower(pragma)

	switch key {
	case PragmaWriteHint, PragmaWriteHintAlias:
		intent, err := parseIntent(value)
		if err != nil {
			return "", v.fail("pragma "+key, f.name, CodeIOErr, err)
		}

		f.state.intent = intent

	case PragmaBusyTimeout:
		if value == nil {
			return formatTimeout(f.state.timeout), nil
		}

		timeout, err := parseTimeout(*value)
		if err != nil {
			return "", v.fail("pragma "+key, f.name, CodeIOErr, err)
		}

		f.state.timeout = timeout

		return formatTimeout(timeout), nil

	case PragmaLockingMode:
		switch strings.ToLower(deref(value)) {
		case "exclusive":
			// Exclusive mode only becomes exclusive at the first write, so a
			// transaction that starts with a read behaves like a deferred one
			// unless the write is announced up front.
			f.state.standing = true
		case "normal":
			f.state.standing = false
			f.state.intent = IntentNone
		}

	case PragmaVFSLogging:
		if value == nil {
			return boolString(v.trace.Load()), nil
		}

		n, err := strconv.Atoi(strings.TrimSpace(*value))
		if err != nil {
			return "", v.fail("pragma "+key, f.name, CodeIOErr, fmt.Errorf("%w: %s=%q", ErrInvalidPragmaValue, key, *value))
		}

		v.trace.Store(n != 0)

		return boolString(n != 0), nil
	}

	return "", &Error{Op: "pragma " + key, File: f.name, Code: CodeNotFound, Err: ErrUnhandledPragma}
}

// WriteIntent returns the pending write intent of the file and whether a
// standing intent (locking_mode=exclusive) is set.
func (v *VFS) WriteIntent(id FileID) (WriteIntent, bool, error) {
	f, err := v.file("pragma", id, CodeIOErr)
	if err != nil {
		return IntentNone, false, err
	}

	return f.state.intent, f.state.standing, nil
}

func parseIntent(value *string) (WriteIntent, error) {
	switch strings.TrimSpace(deref(value)) {
	case "", "0":
		return IntentNone, nil
	case "1":
		return IntentReserved, nil
	case "2":
		return IntentExclusive, nil
	default:
		return IntentNone, fmt.Errorf("%w: %s=%q", ErrInvalidPragmaValue, PragmaWriteHint, *value)
	}
}

func parseTimeout(s string) (time.Duration, error) {
	ms, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %w", ErrInvalidPragmaValue, PragmaBusyTimeout, s, err)
	}

	if ms < 0 {
		return namedlock.Forever, nil
	}

	if ms > math.MaxInt64/int64(time.Millisecond) {
		return 0, fmt.Errorf("%w: %s=%q: out of range", ErrInvalidPragmaValue, PragmaBusyTimeout, s)
	}

	return time.Duration(ms) * time.Millisecond, nil
}

func formatTimeout(d time.Duration) string {
	if d < 0 {
		return "-1"
	}

	return strconv.FormatInt(d.Milliseconds(), 10)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}

	return *s
}

func boolString(b bool) string {
	if b {
		return "1"
	}

	return "0"
}
