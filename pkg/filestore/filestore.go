// Package filestore implements the storage namespace the VFS reads and writes
// database files through.
//
// A [Store] is one directory. Files are addressed by bare names ("main.db",
// "main.db-journal"); subdirectories are not supported. Each [Handle] is
// owned by exactly one connection, which performs positional I/O on it.
//
// The namespace directory is created on [Store.Init], or lazily by the first
// operation that needs it.
package filestore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/calvinalkan/lockvfs/internal/fs"
)

var (
	// ErrNotFound is returned by [Store.Open] (without create) and
	// [Store.Delete] when the named file does not exist.
	ErrNotFound = errors.New("filestore: file not found")

	// ErrInvalidName is returned for names that are empty or are not a single
	// path element.
	ErrInvalidName = errors.New("filestore: invalid file name")

	// ErrClosed is returned by operations on a closed [Handle].
	ErrClosed = errors.New("filestore: handle closed")
)

// LocksDirName is the subdirectory of a store reserved for lock files.
//
// Keeping lock files out of the data directory means they never show up as
// database files and are never deleted by [Store.Delete].
const LocksDirName = ".locks"

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// Store is a directory of database files.
//
// Store is safe for concurrent use.
type Store struct {
	fsys fs.FS
	dir  string

	mu    sync.Mutex
	ready bool
}

// New returns a Store rooted at dir. Nothing touches the filesystem until
// [Store.Init] or the first file operation.
func New(fsys fs.FS, dir string) *Store {
	return &Store{fsys: fsys, dir: dir}
}

// Dir returns the namespace directory.
func (s *Store) Dir() string {
	return s.dir
}

// LocksDir returns the directory cross-process lock files for this
// namespace live in.
func (s *Store) LocksDir() string {
	return filepath.Join(s.dir, LocksDirName)
}

// Init creates the namespace directory if needed. It is idempotent; a failed
// Init is retried by the next call.
func (s *Store) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ready {
		return nil
	}

	if err := s.fsys.MkdirAll(s.dir, dirPerm); err != nil {
		return fmt.Errorf("init store %s: %w", s.dir, err)
	}

	s.ready = true

	return nil
}

// Open opens the named file for reading and writing. If create is false and
// the file does not exist, the error wraps [ErrNotFound].
func (s *Store) Open(name string, create bool) (*Handle, error) {
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}

	flag := os.O_RDWR
	if create {
		flag |= os.O_CREATE
	}

	file, err := s.fsys.OpenFile(path, flag, filePerm)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("open %s: %w", name, ErrNotFound)
		}

		return nil, fmt.Errorf("open %s: %w", name, err)
	}

	return &Handle{name: name, file: file}, nil
}

// Delete removes the named file. A missing file is reported as
// [ErrNotFound].
func (s *Store) Delete(name string) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}

	err = s.fsys.Remove(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("delete %s: %w", name, ErrNotFound)
		}

		return fmt.Errorf("delete %s: %w", name, err)
	}

	return nil
}

// Exists reports whether the named file exists.
func (s *Store) Exists(name string) (bool, error) {
	path, err := s.path(name)
	if err != nil {
		return false, err
	}

	ok, err := s.fsys.Exists(path)
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", name, err)
	}

	return ok, nil
}

// path validates name, initializes the store if needed and returns the
// absolute path of the file.
func (s *Store) path(name string) (string, error) {
	if name == "" || name == "." || name == ".." || name == LocksDirName ||
		strings.ContainsAny(name, "/\\\x00") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	if err := s.Init(); err != nil {
		return "", err
	}

	return filepath.Join(s.dir, name), nil
}

// Handle is an open file in a [Store].
//
// A Handle belongs to one connection; its methods are serialized with a mutex
// only so that a misbehaving caller cannot race the close.
type Handle struct {
	name string

	mu   sync.Mutex
	file fs.File
}

// Name returns the file name the handle was opened with.
func (h *Handle) Name() string {
	return h.name
}

// ReadAt reads len(p) bytes at off. Like [io.ReaderAt], it returns a non-nil
// error (usually [io.EOF]) when fewer than len(p) bytes were read because the
// file is shorter.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.file == nil {
		return 0, ErrClosed
	}

	n, err := h.file.ReadAt(p, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("read %s at %d: %w", h.name, off, err)
	}

	return n, err
}

// WriteAt writes all of p at off, extending the file if needed.
func (h *Handle) WriteAt(p []byte, off int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.file == nil {
		return ErrClosed
	}

	if _, err := h.file.WriteAt(p, off); err != nil {
		return fmt.Errorf("write %s at %d: %w", h.name, off, err)
	}

	return nil
}

// Truncate sets the file size.
func (h *Handle) Truncate(size int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.file == nil {
		return ErrClosed
	}

	if err := h.file.Truncate(size); err != nil {
		return fmt.Errorf("truncate %s to %d: %w", h.name, size, err)
	}

	return nil
}

// Flush commits written data to stable storage.
func (h *Handle) Flush() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.file == nil {
		return ErrClosed
	}

	if err := h.file.Sync(); err != nil {
		return fmt.Errorf("flush %s: %w", h.name, err)
	}

	return nil
}

// Size returns the current file size in bytes.
func (h *Handle) Size() (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.file == nil {
		return 0, ErrClosed
	}

	info, err := h.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", h.name, err)
	}

	return info.Size(), nil
}

// Close closes the handle. Closing an already closed handle returns nil.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.file == nil {
		return nil
	}

	err := h.file.Close()
	h.file = nil

	if err != nil {
		return fmt.Errorf("close %s: %w", h.name, err)
	}

	return nil
}
