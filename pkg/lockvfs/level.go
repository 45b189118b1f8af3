package lockvfs

import (
	"fmt"
	"strconv"
	"strings"
)

// LockLevel is the lock level of an open file, ordered by exclusivity.
// The numeric values match the database engine's lock constants.
type LockLevel int

const (
	LockNone LockLevel = iota
	LockShared
	LockReserved
	LockPending
	LockExclusive
)

func (l LockLevel) String() string {
	switch l {
	case LockNone:
		return "NONE"
	case LockShared:
		return "SHARED"
	case LockReserved:
		return "RESERVED"
	case LockPending:
		return "PENDING"
	case LockExclusive:
		return "EXCLUSIVE"
	default:
		return fmt.Sprintf("LockLevel(%d)", int(l))
	}
}

// ParseLockLevel parses a level name as printed by [LockLevel.String]
// (case-insensitive) or its numeric value.
func ParseLockLevel(s string) (LockLevel, error) {
	for l := LockNone; l <= LockExclusive; l++ {
		if strings.EqualFold(s, l.String()) || s == strconv.Itoa(int(l)) {
			return l, nil
		}
	}

	return 0, fmt.Errorf("unknown lock level %q", s)
}
