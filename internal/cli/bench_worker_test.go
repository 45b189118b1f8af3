package cli

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/lockvfs/internal/fs"
	"github.com/calvinalkan/lockvfs/pkg/filestore"
	"github.com/calvinalkan/lockvfs/pkg/lockvfs"
	"github.com/calvinalkan/lockvfs/pkg/namedlock"
)

func Test_BenchWorker_Counts_Synced_Commit_When_Final_Unlock_Fails(t *testing.T) {
	t.Parallel()

	store := filestore.New(fs.NewReal(), t.TempDir())

	// Every lock file close fails, so each unlock after a synced write
	// reports an error while the flock itself is gone.
	faulty := fs.NewFaulty(fs.NewReal())
	faulty.Fail(fs.OpClose, errors.New("lock fd close failed"))

	w := &benchWorker{
		id:   uuid.NewString(),
		opts: benchOptions{file: "bench.db", retryDelay: time.Millisecond},
		vfs: lockvfs.New(store, namedlock.NewFlock(faulty, store.LocksDir()), lockvfs.Options{
			Policy:      lockvfs.PolicyStandard,
			BusyTimeout: namedlock.Poll,
		}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	stats, err := w.run(ctx)
	require.NoError(t, err)
	require.Positive(t, stats.Commits)
	require.GreaterOrEqual(t, stats.UnlockErrors, stats.Commits)

	lines, err := countLines(context.Background(), store, namedlock.NewFlock(fs.NewReal(), store.LocksDir()), lockvfs.PolicyStandard, "bench.db")
	require.NoError(t, err)
	require.Equal(t, stats.Commits, lines)
}
