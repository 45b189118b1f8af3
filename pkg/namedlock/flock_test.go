package namedlock_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/calvinalkan/lockvfs/internal/fs"
	"github.com/calvinalkan/lockvfs/pkg/namedlock"
)

func Test_Flock_Path_Is_Readable_Stable_And_Collision_Free(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	svc := namedlock.NewFlock(fs.NewReal(), dir)

	p := svc.Path("standard-main.db-access")
	if filepath.Dir(p) != dir {
		t.Fatalf("Path() dir=%q, want %q", filepath.Dir(p), dir)
	}

	if base := filepath.Base(p); !strings.HasPrefix(base, "standard-main.db-access-") || !strings.HasSuffix(base, ".lock") {
		t.Fatalf("Path() base=%q, want readable prefix and .lock suffix", base)
	}

	if again := svc.Path("standard-main.db-access"); again != p {
		t.Fatalf("Path() not stable: %q vs %q", p, again)
	}

	// Both sanitize to "a_b" but must still get distinct files.
	if svc.Path("a/b") == svc.Path("a b") {
		t.Fatalf("Path(a/b) == Path(a b): %q", svc.Path("a/b"))
	}

	long := strings.Repeat("n", 500)
	if base := filepath.Base(svc.Path(long)); len(base) > 100 {
		t.Fatalf("Path(long) base has %d bytes, want it bounded", len(base))
	}
}

func Test_Flock_Separate_Services_On_Same_Dir_Contend(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	// Two services stand in for two processes sharing the lock directory.
	proc1 := namedlock.NewFlock(fs.NewReal(), dir)
	proc2 := namedlock.NewFlock(fs.NewReal(), dir)

	g, err := proc1.Acquire(context.Background(), "main.db-reserved", namedlock.Exclusive, false)
	if err != nil {
		t.Fatalf("Acquire(proc1): %v", err)
	}

	_, err = proc2.Acquire(context.Background(), "main.db-reserved", namedlock.Shared, false)
	if !errors.Is(err, namedlock.ErrWouldBlock) {
		t.Fatalf("Acquire(proc2) while held: err=%v, want %v", err, namedlock.ErrWouldBlock)
	}

	if err := g.Release(); err != nil {
		t.Fatalf("Release(): %v", err)
	}

	if err := g.Release(); err != nil {
		t.Fatalf("Release() second: %v", err)
	}

	g2, err := proc2.Acquire(context.Background(), "main.db-reserved", namedlock.Shared, false)
	if err != nil {
		t.Fatalf("Acquire(proc2) after release: %v", err)
	}

	_ = g2.Release()
}

func Test_Flock_Creates_Lock_Directory_On_First_Use(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "ns", ".locks")
	svc := namedlock.NewFlock(fs.NewReal(), dir)

	g, err := svc.Acquire(context.Background(), "x", namedlock.Shared, true)
	if err != nil {
		t.Fatalf("Acquire(): %v", err)
	}
	defer g.Release()

	ok, err := fs.NewReal().Exists(svc.Path("x"))
	if err != nil || !ok {
		t.Fatalf("Exists(%s)=(%v, %v), want (true, nil)", svc.Path("x"), ok, err)
	}
}
