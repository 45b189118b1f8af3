// Package lockvfs is a virtual file system for an embedded database engine
// that lets independent connections share one database file.
//
// Each connection owns a [VFS]. File I/O goes to a [filestore.Store];
// locking goes to a [namedlock.Service] that all connections share. The
// engine's five lock levels (NONE, SHARED, RESERVED, PENDING, EXCLUSIVE) are
// mapped onto two to four named locks per file by a [LockPolicy] chosen with
// [Options.Policy].
//
// Connections in one process share a [namedlock.Memory]; connections in
// different processes use a [namedlock.Flock] rooted in the store's lock
// directory:
//
//	store := filestore.New(fs.NewReal(), dir)
//	locks := namedlock.NewFlock(fs.NewReal(), store.LocksDir())
//	v := lockvfs.New(store, locks, lockvfs.Options{
//	    Policy:      lockvfs.PolicyWriteHint,
//	    BusyTimeout: namedlock.Forever,
//	})
//
//	id, _, err := v.Open("main.db", lockvfs.OpenCreate)
//	...
//	err = v.Lock(ctx, id, lockvfs.LockShared)
//
// All errors returned by a VFS are [*Error] values carrying the engine result
// code; [CodeOf] extracts it and [IsRetryable] reports lock conflicts.
package lockvfs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/calvinalkan/lockvfs/pkg/filestore"
	"github.com/calvinalkan/lockvfs/pkg/namedlock"
)

// FileID identifies an open file within one [VFS].
type FileID int

// OpenFlag controls [VFS.Open].
type OpenFlag int

const (
	// OpenCreate creates the file if it does not exist.
	OpenCreate OpenFlag = 1 << iota

	// OpenDeleteOnClose deletes the file when it is closed.
	OpenDeleteOnClose
)

// Options configures a [VFS].
type Options struct {
	// Policy is the lock protocol for every opened file.
	Policy PolicyKind

	// BusyTimeout is the initial lock wait of every opened file.
	// [namedlock.Forever] waits without limit; zero polls. The engine can
	// change it per file with the busy_timeout pragma.
	BusyTimeout time.Duration

	// Logger receives lock and I/O diagnostics. Nil discards them.
	Logger *slog.Logger

	// Trace logs every lock transition at info level. It can be toggled at
	// run time with the vfs_logging pragma.
	Trace bool
}

// VFS is one connection's view of a storage namespace.
//
// The file table is safe for concurrent use, but calls for one file must not
// overlap; the engine never issues them concurrently.
type VFS struct {
	store  *filestore.Store
	locks  namedlock.Service
	policy PolicyKind

	timeout time.Duration
	log     *slog.Logger
	trace   atomic.Bool

	mu      sync.Mutex
	files   map[FileID]*openFile
	nextID  FileID
	lastErr error
}

type openFile struct {
	name   string
	flags  OpenFlag
	handle *filestore.Handle
	state  *lockState
	policy LockPolicy
}

// New returns a VFS over store that coordinates through locks.
func New(store *filestore.Store, locks namedlock.Service, opts Options) *VFS {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	v := &VFS{
		store:   store,
		locks:   locks,
		policy:  opts.Policy,
		timeout: opts.BusyTimeout,
		log:     logger.With("policy", opts.Policy.String()),
		files:   make(map[FileID]*openFile),
		nextID:  1,
	}
	v.trace.Store(opts.Trace)

	return v
}

// Policy returns the lock policy of the VFS.
func (v *VFS) Policy() PolicyKind {
	return v.policy
}

// Open opens name and returns its id and the flags it was opened with.
func (v *VFS) Open(name string, flags OpenFlag) (FileID, OpenFlag, error) {
	handle, err := v.store.Open(name, flags&OpenCreate != 0)
	if err != nil {
		return 0, 0, v.fail("open", name, CodeCantOpen, err)
	}

	st := &lockState{file: name, timeout: v.timeout}
	f := &openFile{
		name:   name,
		flags:  flags,
		handle: handle,
		state:  st,
		policy: newPolicy(v.policy, v.locks, st),
	}

	v.mu.Lock()
	id := v.nextID
	v.nextID++
	v.files[id] = f
	v.mu.Unlock()

	v.log.Debug("open", "file", name, "id", int(id))

	return id, flags, nil
}

// Close releases every lock of the file, closes it and deletes it if it was
// opened with [OpenDeleteOnClose]. The id is invalid afterwards even if an
// error is returned.
func (v *VFS) Close(id FileID) error {
	v.mu.Lock()
	f, ok := v.files[id]
	delete(v.files, id)
	v.mu.Unlock()

	if !ok {
		return v.fail("close", "", CodeIOErrClose, ErrUnknownFile)
	}

	err := errors.Join(f.policy.Close(), f.handle.Close())

	if f.flags&OpenDeleteOnClose != 0 {
		if delErr := v.store.Delete(f.name); delErr != nil && !errors.Is(delErr, filestore.ErrNotFound) {
			err = errors.Join(err, delErr)
		}
	}

	if err != nil {
		return v.fail("close", f.name, CodeIOErrClose, err)
	}

	v.log.Debug("close", "file", f.name, "id", int(id))

	return nil
}

// Read fills p from off. If the file ends first, the rest of p is zeroed and
// the error wraps [ErrShortRead].
func (v *VFS) Read(id FileID, p []byte, off int64) error {
	f, err := v.file("read", id, CodeIOErrRead)
	if err != nil {
		return err
	}

	n, err := f.handle.ReadAt(p, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return v.fail("read", f.name, CodeIOErrRead, err)
	}

	if n < len(p) {
		clear(p[n:])

		return v.fail("read", f.name, CodeIOErrShortRead, ErrShortRead)
	}

	return nil
}

// Write writes all of p at off.
func (v *VFS) Write(id FileID, p []byte, off int64) error {
	f, err := v.file("write", id, CodeIOErrWrite)
	if err != nil {
		return err
	}

	if err := f.handle.WriteAt(p, off); err != nil {
		return v.fail("write", f.name, CodeIOErrWrite, err)
	}

	return nil
}

// Truncate sets the file size.
func (v *VFS) Truncate(id FileID, size int64) error {
	f, err := v.file("truncate", id, CodeIOErrTruncate)
	if err != nil {
		return err
	}

	if err := f.handle.Truncate(size); err != nil {
		return v.fail("truncate", f.name, CodeIOErrTruncate, err)
	}

	return nil
}

// Sync flushes the file to stable storage.
func (v *VFS) Sync(id FileID) error {
	f, err := v.file("sync", id, CodeIOErrFsync)
	if err != nil {
		return err
	}

	if err := f.handle.Flush(); err != nil {
		return v.fail("sync", f.name, CodeIOErrFsync, err)
	}

	return nil
}

// FileSize returns the file size in bytes.
func (v *VFS) FileSize(id FileID) (int64, error) {
	f, err := v.file("size", id, CodeIOErrFstat)
	if err != nil {
		return 0, err
	}

	size, err := f.handle.Size()
	if err != nil {
		return 0, v.fail("size", f.name, CodeIOErrFstat, err)
	}

	return size, nil
}

// Lock raises the file's lock level, waiting up to the file's busy timeout
// (or until ctx is done) for other connections.
//
// Lock conflicts are reported as [ErrBusy] with [CodeBusy]; illegal
// transitions as [ErrProtocol] with [CodeIOErrLock]. Either way the level is
// unchanged, except after a failed escalation to EXCLUSIVE that also
// matches [ErrAccessLost]. That file is back at NONE.
func (v *VFS) Lock(ctx context.Context, id FileID, level LockLevel) error {
	f, err := v.file("lock", id, CodeIOErrLock)
	if err != nil {
		return err
	}

	from := f.policy.Level()

	if err := f.policy.Lock(ctx, level); err != nil {
		code := CodeIOErrLock
		if errors.Is(err, ErrBusy) {
			code = CodeBusy
		}

		return v.fail("lock", f.name, code, err)
	}

	v.traceLock("lock", f.name, from, level)

	return nil
}

// Unlock lowers the file's lock level to SHARED or NONE. The level is
// updated even if releasing a lock fails.
func (v *VFS) Unlock(id FileID, level LockLevel) error {
	f, err := v.file("unlock", id, CodeIOErrUnlock)
	if err != nil {
		return err
	}

	from := f.policy.Level()

	if err := f.policy.Unlock(level); err != nil {
		return v.fail("unlock", f.name, CodeIOErrUnlock, err)
	}

	v.traceLock("unlock", f.name, from, level)

	return nil
}

// CheckReservedLock reports whether any connection holds RESERVED or above
// on the file.
func (v *VFS) CheckReservedLock(ctx context.Context, id FileID) (bool, error) {
	f, err := v.file("check-reserved", id, CodeIOErrCheckReservedLock)
	if err != nil {
		return false, err
	}

	reserved, err := f.policy.CheckReserved(ctx)
	if err != nil {
		return false, v.fail("check-reserved", f.name, CodeIOErrCheckReservedLock, err)
	}

	if v.trace.Load() {
		v.log.Info("check-reserved", "file", f.name, "reserved", reserved)
	}

	return reserved, nil
}

// Level returns the file's current lock level.
func (v *VFS) Level(id FileID) (LockLevel, error) {
	f, err := v.file("level", id, CodeIOErr)
	if err != nil {
		return LockNone, err
	}

	return f.policy.Level(), nil
}

// Delete removes name from the store.
func (v *VFS) Delete(name string) error {
	if err := v.store.Delete(name); err != nil {
		return v.fail("delete", name, CodeIOErrDelete, err)
	}

	return nil
}

// Access reports whether name exists.
func (v *VFS) Access(name string) (bool, error) {
	ok, err := v.store.Exists(name)
	if err != nil {
		return false, v.fail("access", name, CodeIOErrAccess, err)
	}

	return ok, nil
}

// LastError returns the most recent error returned by this VFS, or nil.
func (v *VFS) LastError() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.lastErr
}

func (v *VFS) file(op string, id FileID, code Code) (*openFile, error) {
	v.mu.Lock()
	f, ok := v.files[id]
	v.mu.Unlock()

	if !ok {
		return nil, v.fail(op, "", code, ErrUnknownFile)
	}

	return f, nil
}

// fail wraps err, records it as the last error and logs it.
func (v *VFS) fail(op, file string, code Code, err error) error {
	vErr := &Error{Op: op, File: file, Code: code, Err: err}

	v.mu.Lock()
	v.lastErr = vErr
	v.mu.Unlock()

	// Busy and short reads are part of normal operation.
	if code == CodeBusy || code == CodeIOErrShortRead {
		v.log.Debug(op, "file", file, "code", code.String(), "err", err)
	} else {
		v.log.Warn(op+" failed", "file", file, "code", code.String(), "err", err)
	}

	return vErr
}

func (v *VFS) traceLock(op, file string, from, to LockLevel) {
	if !v.trace.Load() {
		return
	}

	v.log.Info(op, "file", file, "from", from.String(), "to", to.String())
}
