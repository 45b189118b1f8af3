package fs

import (
	"os"
	"sync"
)

// Op names a filesystem operation that [Faulty] can fail.
type Op string

// Operations understood by [Faulty].
const (
	OpOpen     Op = "open"
	OpMkdir    Op = "mkdir"
	OpStat     Op = "stat"
	OpRemove   Op = "remove"
	OpRead     Op = "read"
	OpWrite    Op = "write"
	OpTruncate Op = "truncate"
	OpSync     Op = "sync"
	OpClose    Op = "close"
)

// Faulty wraps an [FS] and fails selected operations on demand.
//
// Unlike a random fault injector, faults are sticky and deterministic: once
// [Faulty.Fail] is called for an operation, every call of that operation
// fails with the given error until [Faulty.Heal] is called. This makes it
// suitable for asserting how callers translate storage failures.
//
// Injected errors are [FaultError] values naming the op and path.
//
// Files opened through Faulty consult the fault table on every call, so a
// fault set after open still applies to already open files.
type Faulty struct {
	fs FS

	mu     sync.Mutex
	faults map[Op]error
}

// NewFaulty returns a [Faulty] that passes everything through to fsys until
// a fault is configured.
func NewFaulty(fsys FS) *Faulty {
	return &Faulty{
		fs:     fsys,
		faults: make(map[Op]error),
	}
}

// Fail makes every subsequent op call fail with err.
func (f *Faulty) Fail(op Op, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.faults[op] = err
}

// Heal removes the fault configured for op.
func (f *Faulty) Heal(op Op) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.faults, op)
}

// fault returns the injected error for op on path, or nil.
func (f *Faulty) fault(op Op, path string) error {
	f.mu.Lock()
	err, ok := f.faults[op]
	f.mu.Unlock()

	if !ok {
		return nil
	}

	return &FaultError{Op: op, Path: path, Err: err}
}

// OpenFile fails with the [OpOpen] fault or opens through the wrapped FS.
func (f *Faulty) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if err := f.fault(OpOpen, path); err != nil {
		return nil, err
	}

	file, err := f.fs.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}

	return &faultyFile{File: file, owner: f, path: path}, nil
}

// MkdirAll fails with the [OpMkdir] fault or passes through.
func (f *Faulty) MkdirAll(path string, perm os.FileMode) error {
	if err := f.fault(OpMkdir, path); err != nil {
		return err
	}

	return f.fs.MkdirAll(path, perm)
}

// Stat fails with the [OpStat] fault or passes through.
func (f *Faulty) Stat(path string) (os.FileInfo, error) {
	if err := f.fault(OpStat, path); err != nil {
		return nil, err
	}

	return f.fs.Stat(path)
}

// Exists fails with the [OpStat] fault or passes through.
func (f *Faulty) Exists(path string) (bool, error) {
	if err := f.fault(OpStat, path); err != nil {
		return false, err
	}

	return f.fs.Exists(path)
}

// Remove fails with the [OpRemove] fault or passes through.
func (f *Faulty) Remove(path string) error {
	if err := f.fault(OpRemove, path); err != nil {
		return err
	}

	return f.fs.Remove(path)
}

type faultyFile struct {
	File

	owner *Faulty
	path  string
}

func (ff *faultyFile) ReadAt(p []byte, off int64) (int, error) {
	if err := ff.owner.fault(OpRead, ff.path); err != nil {
		return 0, err
	}

	return ff.File.ReadAt(p, off)
}

func (ff *faultyFile) WriteAt(p []byte, off int64) (int, error) {
	if err := ff.owner.fault(OpWrite, ff.path); err != nil {
		return 0, err
	}

	return ff.File.WriteAt(p, off)
}

func (ff *faultyFile) Truncate(size int64) error {
	if err := ff.owner.fault(OpTruncate, ff.path); err != nil {
		return err
	}

	return ff.File.Truncate(size)
}

func (ff *faultyFile) Sync() error {
	if err := ff.owner.fault(OpSync, ff.path); err != nil {
		return err
	}

	return ff.File.Sync()
}

func (ff *faultyFile) Stat() (os.FileInfo, error) {
	if err := ff.owner.fault(OpStat, ff.path); err != nil {
		return nil, err
	}

	return ff.File.Stat()
}

// Close always closes the underlying file so descriptors are not leaked,
// then reports the [OpClose] fault if one is set.
func (ff *faultyFile) Close() error {
	closeErr := ff.File.Close()

	if err := ff.owner.fault(OpClose, ff.path); err != nil {
		return err
	}

	return closeErr
}

// Compile-time interface checks.
var (
	_ FS   = (*Faulty)(nil)
	_ File = (*faultyFile)(nil)
)
