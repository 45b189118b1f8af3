package fs

import "errors"

// FaultError is what [Faulty] returns instead of running an operation.
//
// It unwraps to the configured error, so an injected syscall.ENOENT still
// matches os.ErrNotExist.
type FaultError struct {
	Op   Op
	Path string
	Err  error
}

func (e *FaultError) Error() string {
	return string(e.Op) + " " + e.Path + ": " + e.Err.Error()
}

func (e *FaultError) Unwrap() error {
	return e.Err
}

// IsInjected reports whether err came from a [Faulty] fault table rather
// than the real filesystem.
func IsInjected(err error) bool {
	var fe *FaultError

	return errors.As(err, &fe)
}
