package namedlock

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/zeebo/xxh3"

	"github.com/calvinalkan/lockvfs/internal/fs"
)

// maxReadableName bounds the human-readable part of a lock file name.
const maxReadableName = 64

// Flock is a cross-process lock namespace backed by flock(2).
//
// Every name maps to one lock file in dir (see [Flock.Path]). Because flock
// locks belong to an open file description, two Flock grants for the same
// name conflict even inside a single process.
//
// Waiting requests are not queued: whichever waiter polls first after a
// release wins. Use [Memory] when in-process FIFO fairness matters.
type Flock struct {
	dir    string
	locker *fs.Locker
}

// NewFlock returns a namespace whose lock files live in dir. The directory is
// created on first use.
func NewFlock(fsys fs.FS, dir string) *Flock {
	return &Flock{dir: dir, locker: fs.NewLocker(fsys)}
}

// Dir returns the lock file directory.
func (f *Flock) Dir() string {
	return f.dir
}

// Path returns the lock file for name.
//
// The file name keeps a sanitized prefix of name for humans and appends the
// xxh3 hash of the full name, so distinct names never share a file even
// when sanitizing or truncation makes their prefixes equal.
func (f *Flock) Path(name string) string {
	return filepath.Join(f.dir, fmt.Sprintf("%s-%016x.lock", sanitize(name), xxh3.HashString(name)))
}

// Acquire implements [Service].
func (f *Flock) Acquire(ctx context.Context, name string, mode Mode, wait bool) (Grant, error) {
	path := f.Path(name)

	var (
		lk  *fs.Lock
		err error
	)

	switch {
	case mode == Shared && !wait:
		lk, err = f.locker.TryRLock(path)
	case mode == Shared:
		lk, err = f.locker.RLock(ctx, path)
	case mode == Exclusive && !wait:
		lk, err = f.locker.TryLock(path)
	case mode == Exclusive:
		lk, err = f.locker.Lock(ctx, path)
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidMode, int(mode))
	}

	if err != nil {
		if errors.Is(err, fs.ErrWouldBlock) {
			return nil, ErrWouldBlock
		}

		return nil, err
	}

	return flockGrant{lk: lk}, nil
}

type flockGrant struct {
	lk *fs.Lock
}

// Release implements [Grant]. [fs.Lock.Close] is idempotent, and so is this.
func (g flockGrant) Release() error {
	return g.lk.Close()
}

func sanitize(name string) string {
	var b strings.Builder

	for _, r := range name {
		if b.Len() >= maxReadableName {
			break
		}

		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	if b.Len() == 0 {
		return "lock"
	}

	return b.String()
}

var _ Service = (*Flock)(nil)
