package lockvfs

import "fmt"

// Code is a result code in the database engine's numeric taxonomy. Extended
// I/O codes carry the primary code in the low byte.
type Code int

const (
	CodeOK       Code = 0
	CodeError    Code = 1
	CodeBusy     Code = 5
	CodeIOErr    Code = 10
	CodeNotFound Code = 12
	CodeCantOpen Code = 14

	CodeIOErrRead              = CodeIOErr | 1<<8
	CodeIOErrShortRead         = CodeIOErr | 2<<8
	CodeIOErrWrite             = CodeIOErr | 3<<8
	CodeIOErrFsync             = CodeIOErr | 4<<8
	CodeIOErrTruncate          = CodeIOErr | 6<<8
	CodeIOErrFstat             = CodeIOErr | 7<<8
	CodeIOErrUnlock            = CodeIOErr | 8<<8
	CodeIOErrDelete            = CodeIOErr | 10<<8
	CodeIOErrAccess            = CodeIOErr | 13<<8
	CodeIOErrCheckReservedLock = CodeIOErr | 14<<8
	CodeIOErrLock              = CodeIOErr | 15<<8
	CodeIOErrClose             = CodeIOErr | 16<<8
)

var codeNames = map[Code]string{
	CodeOK:                     "OK",
	CodeError:                  "ERROR",
	CodeBusy:                   "BUSY",
	CodeIOErr:                  "IOERR",
	CodeNotFound:               "NOTFOUND",
	CodeCantOpen:               "CANTOPEN",
	CodeIOErrRead:              "IOERR_READ",
	CodeIOErrShortRead:         "IOERR_SHORT_READ",
	CodeIOErrWrite:             "IOERR_WRITE",
	CodeIOErrFsync:             "IOERR_FSYNC",
	CodeIOErrTruncate:          "IOERR_TRUNCATE",
	CodeIOErrFstat:             "IOERR_FSTAT",
	CodeIOErrUnlock:            "IOERR_UNLOCK",
	CodeIOErrDelete:            "IOERR_DELETE",
	CodeIOErrAccess:            "IOERR_ACCESS",
	CodeIOErrCheckReservedLock: "IOERR_CHECKRESERVEDLOCK",
	CodeIOErrLock:              "IOERR_LOCK",
	CodeIOErrClose:             "IOERR_CLOSE",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}

	return fmt.Sprintf("Code(%d)", int(c))
}

// Primary returns the primary result code (the low byte).
func (c Code) Primary() Code {
	return c & 0xff
}
