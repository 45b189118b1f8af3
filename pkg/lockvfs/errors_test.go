package lockvfs_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/calvinalkan/lockvfs/pkg/lockvfs"
)

func Test_Error_Format_Includes_Op_File_Cause_And_Code(t *testing.T) {
	t.Parallel()

	err := &lockvfs.Error{Op: "lock", File: "main.db", Code: lockvfs.CodeBusy, Err: lockvfs.ErrBusy}

	want := "lock main.db: lockvfs: database is locked (code=BUSY)"
	if got := err.Error(); got != want {
		t.Fatalf("Error()=%q, want %q", got, want)
	}

	noFile := &lockvfs.Error{Op: "close", Code: lockvfs.CodeIOErrClose, Err: lockvfs.ErrUnknownFile}

	want = "close: lockvfs: unknown file id (code=IOERR_CLOSE)"
	if got := noFile.Error(); got != want {
		t.Fatalf("Error()=%q, want %q", got, want)
	}
}

func Test_CodeOf_Maps_Errors_To_Result_Codes(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("outer: %w", &lockvfs.Error{Op: "sync", Code: lockvfs.CodeIOErrFsync, Err: errors.New("disk gone")})

	tests := []struct {
		name string
		err  error
		want lockvfs.Code
	}{
		{"nil", nil, lockvfs.CodeOK},
		{"wrapped Error", wrapped, lockvfs.CodeIOErrFsync},
		{"bare busy", fmt.Errorf("x: %w", lockvfs.ErrBusy), lockvfs.CodeBusy},
		{"bare protocol", lockvfs.ErrProtocol, lockvfs.CodeIOErrLock},
		{"short read", lockvfs.ErrShortRead, lockvfs.CodeIOErrShortRead},
		{"unhandled pragma", lockvfs.ErrUnhandledPragma, lockvfs.CodeNotFound},
		{"other", errors.New("boom"), lockvfs.CodeIOErr},
	}

	for _, tc := range tests {
		if got := lockvfs.CodeOf(tc.err); got != tc.want {
			t.Fatalf("CodeOf(%s)=%s, want %s", tc.name, got, tc.want)
		}
	}
}

func Test_Extended_Codes_Keep_Primary_IOErr(t *testing.T) {
	t.Parallel()

	for _, c := range []lockvfs.Code{
		lockvfs.CodeIOErrRead, lockvfs.CodeIOErrShortRead, lockvfs.CodeIOErrWrite,
		lockvfs.CodeIOErrFsync, lockvfs.CodeIOErrTruncate, lockvfs.CodeIOErrFstat,
		lockvfs.CodeIOErrUnlock, lockvfs.CodeIOErrDelete, lockvfs.CodeIOErrAccess,
		lockvfs.CodeIOErrCheckReservedLock, lockvfs.CodeIOErrLock, lockvfs.CodeIOErrClose,
	} {
		if c.Primary() != lockvfs.CodeIOErr {
			t.Fatalf("%s.Primary()=%s, want IOERR", c, c.Primary())
		}
	}

	if lockvfs.CodeIOErrShortRead != 522 || lockvfs.CodeIOErrLock != 3850 {
		t.Fatalf("extended codes drifted: SHORT_READ=%d LOCK=%d", lockvfs.CodeIOErrShortRead, lockvfs.CodeIOErrLock)
	}
}

func Test_ParsePolicyKind_And_ParseLockLevel(t *testing.T) {
	t.Parallel()

	for _, k := range []lockvfs.PolicyKind{
		lockvfs.PolicyStandard, lockvfs.PolicyStandardPending, lockvfs.PolicyWriteHint, lockvfs.PolicyNone,
	} {
		got, err := lockvfs.ParsePolicyKind(k.String())
		if err != nil || got != k {
			t.Fatalf("ParsePolicyKind(%q)=(%v, %v), want %v", k.String(), got, err, k)
		}
	}

	if _, err := lockvfs.ParsePolicyKind("optimistic"); err == nil {
		t.Fatalf("ParsePolicyKind(optimistic): want error")
	}

	for in, want := range map[string]lockvfs.LockLevel{
		"none": lockvfs.LockNone, "SHARED": lockvfs.LockShared, "2": lockvfs.LockReserved, "exclusive": lockvfs.LockExclusive,
	} {
		got, err := lockvfs.ParseLockLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLockLevel(%q)=(%v, %v), want %v", in, got, err, want)
		}
	}

	if _, err := lockvfs.ParseLockLevel("5"); err == nil {
		t.Fatalf("ParseLockLevel(5): want error")
	}
}
