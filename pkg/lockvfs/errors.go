package lockvfs

import (
	"errors"
	"strings"
)

var (
	// ErrBusy reports that a lock could not be obtained before the busy
	// timeout expired (or on a failed poll). The caller may retry after
	// releasing its own locks.
	ErrBusy = errors.New("lockvfs: database is locked")

	// ErrProtocol reports a lock or unlock request that is not a legal
	// transition from the current level. No lock was touched.
	ErrProtocol = errors.New("lockvfs: illegal lock transition")

	// ErrAccessLost accompanies ErrBusy when a failed SHARED to EXCLUSIVE
	// escalation could not take its shared lock back in time. The file was
	// dropped to NONE and the transaction has to start over.
	ErrAccessLost = errors.New("lockvfs: shared access lost")

	// ErrUnknownFile is returned for a [FileID] that is not open.
	ErrUnknownFile = errors.New("lockvfs: unknown file id")

	// ErrShortRead is returned by [VFS.Read] when the file ended before the
	// buffer was filled. The rest of the buffer is zeroed.
	ErrShortRead = errors.New("lockvfs: short read")

	// ErrUnhandledPragma is returned by [VFS.FileControl] for pragmas the
	// engine should handle itself (including ones the VFS observed but does
	// not consume). It is not recorded as the last error.
	ErrUnhandledPragma = errors.New("lockvfs: pragma not handled")

	// ErrInvalidPragmaValue is returned by [VFS.FileControl] when a pragma
	// value cannot be parsed.
	ErrInvalidPragmaValue = errors.New("lockvfs: invalid pragma value")
)

// Error is the uniform error type returned by [VFS] methods.
//
// It formats as "<op> <file>: <cause> (code=<CODE>)":
//
//	lock main.db: lockvfs: database is locked: standard-main.db-reserved (code=BUSY)
//
// Use [errors.As] to extract the code, or [CodeOf]:
//
//	if lockvfs.CodeOf(err) == lockvfs.CodeBusy { ... }
type Error struct {
	// Op is the VFS operation ("open", "read", "lock", ...).
	Op string

	// File is the file name the operation was applied to, if known.
	File string

	// Code is the engine result code for this failure.
	Code Code

	// Err is the underlying cause.
	Err error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	var b strings.Builder

	b.WriteString(e.Op)

	if e.File != "" {
		b.WriteString(" ")
		b.WriteString(e.File)
	}

	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}

	b.WriteString(" (code=")
	b.WriteString(e.Code.String())
	b.WriteString(")")

	return b.String()
}

// Unwrap returns the underlying error for use with [errors.Is] and [errors.As].
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

// CodeOf maps err to a result code. A nil error is [CodeOK]; an [*Error]
// reports its own code; bare sentinels map to their natural code and
// anything else is [CodeIOErr].
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}

	var vErr *Error
	if errors.As(err, &vErr) {
		return vErr.Code
	}

	switch {
	case errors.Is(err, ErrBusy):
		return CodeBusy
	case errors.Is(err, ErrProtocol):
		return CodeIOErrLock
	case errors.Is(err, ErrShortRead):
		return CodeIOErrShortRead
	case errors.Is(err, ErrUnhandledPragma):
		return CodeNotFound
	default:
		return CodeIOErr
	}
}

// IsRetryable reports whether err is a transient lock conflict.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBusy)
}
