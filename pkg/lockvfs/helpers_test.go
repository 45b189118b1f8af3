package lockvfs_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/lockvfs/internal/fs"
	"github.com/calvinalkan/lockvfs/pkg/filestore"
	"github.com/calvinalkan/lockvfs/pkg/lockvfs"
	"github.com/calvinalkan/lockvfs/pkg/namedlock"
)

const dbName = "main.db"

// env is a storage namespace plus lock service shared by several
// connections.
type env struct {
	t     *testing.T
	store *filestore.Store
	locks *namedlock.Memory
}

func newEnv(t *testing.T) *env {
	t.Helper()

	return &env{
		t:     t,
		store: filestore.New(fs.NewReal(), t.TempDir()),
		locks: namedlock.NewMemory(),
	}
}

// conn is one connection with main.db open.
type conn struct {
	t  *testing.T
	v  *lockvfs.VFS
	id lockvfs.FileID
}

func (e *env) conn(kind lockvfs.PolicyKind, timeout time.Duration) *conn {
	e.t.Helper()

	v := lockvfs.New(e.store, e.locks, lockvfs.Options{Policy: kind, BusyTimeout: timeout})

	id, _, err := v.Open(dbName, lockvfs.OpenCreate)
	require.NoError(e.t, err)

	c := &conn{t: e.t, v: v, id: id}
	e.t.Cleanup(func() { _ = v.Close(id) })

	return c
}

// heldLocks returns the names (of the given roles) that currently have
// holders.
func (e *env) heldLocks(kind lockvfs.PolicyKind) []string {
	prefix := map[lockvfs.PolicyKind]string{
		lockvfs.PolicyStandard:        "standard",
		lockvfs.PolicyStandardPending: "standard-pending",
		lockvfs.PolicyWriteHint:       "writehint",
		lockvfs.PolicyNone:            "standard",
	}[kind]

	var held []string

	for _, role := range []string{"access", "reserved", "pending", "writehint"} {
		name := prefix + "-" + dbName + "-" + role
		if len(e.locks.Holders(name)) > 0 {
			held = append(held, name)
		}
	}

	return held
}

func (c *conn) lock(level lockvfs.LockLevel) error {
	return c.v.Lock(context.Background(), c.id, level)
}

func (c *conn) mustLock(level lockvfs.LockLevel) {
	c.t.Helper()
	require.NoError(c.t, c.lock(level), "Lock(%s)", level)
}

func (c *conn) mustUnlock(level lockvfs.LockLevel) {
	c.t.Helper()
	require.NoError(c.t, c.v.Unlock(c.id, level), "Unlock(%s)", level)
}

func (c *conn) level() lockvfs.LockLevel {
	c.t.Helper()

	l, err := c.v.Level(c.id)
	require.NoError(c.t, err)

	return l
}

func (c *conn) pragma(key string, value string) (string, error) {
	return c.v.FileControl(c.id, key, &value)
}

func (c *conn) lockAsync(level lockvfs.LockLevel) <-chan error {
	ch := make(chan error, 1)

	go func() { ch <- c.lock(level) }()

	return ch
}

func waitQueued(t *testing.T, locks *namedlock.Memory, name string, n int) {
	t.Helper()

	require.Eventually(t, func() bool { return locks.Waiting(name) == n },
		5*time.Second, time.Millisecond, "Waiting(%s) never reached %d", name, n)
}

func requireBlocked(t *testing.T, ch <-chan error) {
	t.Helper()

	select {
	case err := <-ch:
		t.Fatalf("Lock() returned %v, want it to block", err)
	case <-time.After(20 * time.Millisecond):
	}
}

func requireDone(t *testing.T, ch <-chan error) {
	t.Helper()

	select {
	case err := <-ch:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Lock() did not return")
	}
}

var lockingPolicies = []lockvfs.PolicyKind{
	lockvfs.PolicyStandard,
	lockvfs.PolicyStandardPending,
	lockvfs.PolicyWriteHint,
}
