package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/calvinalkan/lockvfs/internal/config"
	"github.com/calvinalkan/lockvfs/internal/fs"
	"github.com/calvinalkan/lockvfs/pkg/filestore"
	"github.com/calvinalkan/lockvfs/pkg/lockvfs"
	"github.com/calvinalkan/lockvfs/pkg/namedlock"
)

// BenchCmd returns the bench command.
func BenchCmd(cfg *config.Config, logger *slog.Logger) *Command {
	flags := flag.NewFlagSet("bench", flag.ContinueOnError)
	flags.IntP("workers", "w", 4, "Concurrent connections")
	flags.DurationP("duration", "d", 5*time.Second, "How long to run")
	flags.Duration("txn-delay", time.Millisecond, "Pause between RESERVED and EXCLUSIVE")
	flags.Duration("retry-delay", 2*time.Millisecond, "Pause after a busy transaction")
	flags.String("file", "bench.db", "Database file inside the database directory")
	flags.String("report", "", "Also write the results as JSON to `path`")
	flags.Bool("hint", false, "Announce every write with the write_hint pragma (default on for write-hint)")

	return &Command{
		Flags: flags,
		Usage: "bench [flags]",
		Short: "Run concurrent writers against one file",
		Long: `Run concurrent writers against one file and report commits, retries and lock waits.

Every worker is its own connection. A transaction takes SHARED, RESERVED and
EXCLUSIVE, appends one line and unlocks; a busy transaction unlocks, waits
--retry-delay and starts over. Afterwards the line count is checked against
the number of commits; a mismatch means the policy let writes overlap.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("%w: %v", ErrTooManyArgs, args)
			}

			opts, err := benchOptionsFrom(flags, cfg)
			if err != nil {
				return err
			}

			return execBench(ctx, o, cfg, logger, opts)
		},
	}
}

type benchOptions struct {
	workers    int
	duration   time.Duration
	txnDelay   time.Duration
	retryDelay time.Duration
	file       string
	report     string
	hint       bool
}

func benchOptionsFrom(flags *flag.FlagSet, cfg *config.Config) (benchOptions, error) {
	var opts benchOptions

	opts.workers, _ = flags.GetInt("workers")
	opts.duration, _ = flags.GetDuration("duration")
	opts.txnDelay, _ = flags.GetDuration("txn-delay")
	opts.retryDelay, _ = flags.GetDuration("retry-delay")
	opts.file, _ = flags.GetString("file")
	opts.report, _ = flags.GetString("report")
	opts.hint, _ = flags.GetBool("hint")

	if opts.workers < 1 {
		return benchOptions{}, fmt.Errorf("%w: --workers must be at least 1", ErrInvalidArg)
	}

	if opts.duration <= 0 {
		return benchOptions{}, fmt.Errorf("%w: --duration must be positive", ErrInvalidArg)
	}

	if !flags.Changed("hint") && cfg.Policy == lockvfs.PolicyWriteHint.String() {
		opts.hint = true
	}

	return opts, nil
}

// workerStats is the outcome of one bench connection.
type workerStats struct {
	ID           string        `json:"id"`
	Commits      int           `json:"commits"`
	Retries      int           `json:"retries"`
	UnlockErrors int           `json:"unlock_errors"`
	MeanWait     time.Duration `json:"mean_wait_ns"`
	P99Wait      time.Duration `json:"p99_wait_ns"`
	MaxWait      time.Duration `json:"max_wait_ns"`

	waits []time.Duration
}

// benchReport is the JSON form of a bench run.
type benchReport struct {
	Policy       string        `json:"policy"`
	Backend      string        `json:"backend"`
	Workers      int           `json:"workers"`
	Duration     time.Duration `json:"duration_ns"`
	Commits      int           `json:"commits"`
	Retries      int           `json:"retries"`
	UnlockErrors int           `json:"unlock_errors"`
	Throughput   float64       `json:"commits_per_second"`
	Lines        int           `json:"lines"`
	Intact       bool          `json:"intact"`
	PerWorker    []workerStats `json:"workers_detail"`
}

func execBench(ctx context.Context, o *IO, cfg *config.Config, logger *slog.Logger, opts benchOptions) error {
	kind, err := cfg.PolicyKind()
	if err != nil {
		return err
	}

	store, locks := cfg.Open(fs.NewReal())

	before, err := countLines(ctx, store, locks, kind, opts.file)
	if err != nil {
		return err
	}

	runCtx, stop := context.WithTimeout(ctx, opts.duration)
	defer stop()

	stats := make([]workerStats, opts.workers)
	g, gctx := errgroup.WithContext(runCtx)

	logger.Info("bench started", "workers", opts.workers, "duration", opts.duration, "policy", kind.String(), "backend", cfg.Backend, "hint", opts.hint)

	started := time.Now()

	for i := range stats {
		g.Go(func() error {
			id := uuid.NewString()
			w := &benchWorker{
				id:   id,
				opts: opts,
				vfs: lockvfs.New(store, locks, lockvfs.Options{
					Policy:      kind,
					BusyTimeout: cfg.BusyTimeout(),
					Logger:      logger.With("conn", id[:8]),
				}),
			}

			s, err := w.run(gctx)
			stats[i] = s

			return err
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("bench worker: %w", err)
	}

	elapsed := time.Since(started)

	// The run context may be cancelled by now; the final count must still run.
	after, err := countLines(context.WithoutCancel(ctx), store, locks, kind, opts.file)
	if err != nil {
		return err
	}

	report := benchReport{
		Policy:    kind.String(),
		Backend:   cfg.Backend,
		Workers:   opts.workers,
		Duration:  elapsed,
		Lines:     after - before,
		PerWorker: stats,
	}

	for _, s := range stats {
		report.Commits += s.Commits
		report.Retries += s.Retries
		report.UnlockErrors += s.UnlockErrors
	}

	report.Intact = report.Lines == report.Commits
	if elapsed > 0 {
		report.Throughput = float64(report.Commits) / elapsed.Seconds()
	}

	printBenchReport(o, report)

	if !report.Intact {
		o.Warn(
			fmt.Sprintf("%v: %d commits but %d lines written", ErrIntegrity, report.Commits, report.Lines),
			fmt.Sprintf("policy %q does not serialize writers", report.Policy),
		)
	}

	if report.UnlockErrors > 0 {
		o.Warn(
			fmt.Sprintf("%d unlocks failed after a transaction", report.UnlockErrors),
			"the lock service could not release cleanly; see the log for details",
		)
	}

	if opts.report != "" {
		if err := writeBenchReport(opts.report, report); err != nil {
			return err
		}
	}

	return nil
}

type benchWorker struct {
	id   string
	opts benchOptions
	vfs  *lockvfs.VFS
}

func (w *benchWorker) run(ctx context.Context) (workerStats, error) {
	stats := workerStats{ID: w.id}

	fid, _, err := w.vfs.Open(w.opts.file, lockvfs.OpenCreate)
	if err != nil {
		return stats, err
	}

	defer func() { _ = w.vfs.Close(fid) }()

	for seq := 0; ctx.Err() == nil; seq++ {
		waited, err := w.transaction(ctx, fid, fmt.Appendf(nil, "%s %d\n", w.id, seq))
		if err == nil {
			stats.Commits++
			stats.waits = append(stats.waits, waited)
		}

		// The line is durable once Sync returned, so a failed unlock does
		// not undo the commit. The level is NONE either way.
		if uerr := w.vfs.Unlock(fid, lockvfs.LockNone); uerr != nil {
			stats.UnlockErrors++
		}

		switch {
		case err == nil:
		case lockvfs.IsRetryable(err):
			if ctx.Err() != nil {
				break
			}

			stats.Retries++

			sleepCtx(ctx, w.opts.retryDelay)
		default:
			return stats, err
		}
	}

	stats.summarize()

	return stats, nil
}

// transaction appends line under an EXCLUSIVE lock and returns how long it
// waited for locks. It returns still holding its locks; the caller unlocks.
func (w *benchWorker) transaction(ctx context.Context, fid lockvfs.FileID, line []byte) (time.Duration, error) {
	var waited time.Duration

	lock := func(level lockvfs.LockLevel) error {
		start := time.Now()
		err := w.vfs.Lock(ctx, fid, level)
		waited += time.Since(start)

		return err
	}

	if w.opts.hint {
		one := "1"
		if _, err := w.vfs.FileControl(fid, lockvfs.PragmaWriteHint, &one); err != nil && lockvfs.CodeOf(err) != lockvfs.CodeNotFound {
			return waited, err
		}
	}

	if err := lock(lockvfs.LockShared); err != nil {
		return waited, err
	}

	if err := lock(lockvfs.LockReserved); err != nil {
		return waited, err
	}

	sleepCtx(ctx, w.opts.txnDelay)

	if err := lock(lockvfs.LockExclusive); err != nil {
		return waited, err
	}

	size, err := w.vfs.FileSize(fid)
	if err != nil {
		return waited, err
	}

	if err := w.vfs.Write(fid, line, size); err != nil {
		return waited, err
	}

	return waited, w.vfs.Sync(fid)
}

func (s *workerStats) summarize() {
	if len(s.waits) == 0 {
		return
	}

	sorted := slices.Clone(s.waits)
	slices.Sort(sorted)

	var total time.Duration
	for _, d := range sorted {
		total += d
	}

	s.MeanWait = total / time.Duration(len(sorted))
	s.P99Wait = percentile(sorted, 0.99)
	s.MaxWait = sorted[len(sorted)-1]
}

// percentile returns the p-th percentile of sorted (0 <= p <= 1).
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	idx := int(p * float64(len(sorted)-1))

	return sorted[idx]
}

func printBenchReport(o *IO, r benchReport) {
	o.Printf("policy=%s backend=%s workers=%d duration=%s\n\n", r.Policy, r.Backend, r.Workers, r.Duration.Round(time.Millisecond))

	tw := tabwriter.NewWriter(o.Out(), 0, 0, 3, ' ', 0)

	_, _ = fmt.Fprintln(tw, "WORKER\tCOMMITS\tRETRIES\tMEAN WAIT\tP99 WAIT\tMAX WAIT")
	for _, s := range r.PerWorker {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\t%s\n",
			s.ID[:8], s.Commits, s.Retries, fmtWait(s.MeanWait), fmtWait(s.P99Wait), fmtWait(s.MaxWait))
	}

	_, _ = fmt.Fprintf(tw, "total\t%d\t%d\t\t\t\n", r.Commits, r.Retries)
	_ = tw.Flush()

	o.Println()
	o.Printf("throughput=%.1f commits/s lines=%d intact=%t unlock_errors=%d\n", r.Throughput, r.Lines, r.Intact, r.UnlockErrors)
}

func fmtWait(d time.Duration) string {
	return d.Round(time.Microsecond).String()
}

func writeBenchReport(path string, r benchReport) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}

	data = append(data, '\n')

	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing report %s: %w", path, err)
	}

	return nil
}

// countLines reads name under a SHARED lock through its own connection and
// returns the number of newline-terminated lines. A missing file has none.
func countLines(ctx context.Context, store *filestore.Store, locks namedlock.Service, kind lockvfs.PolicyKind, name string) (int, error) {
	exists, err := store.Exists(name)
	if err != nil || !exists {
		return 0, err
	}

	v := lockvfs.New(store, locks, lockvfs.Options{Policy: kind, BusyTimeout: namedlock.Forever})

	fid, _, err := v.Open(name, 0)
	if err != nil {
		return 0, err
	}

	defer func() { _ = v.Close(fid) }()

	if err := v.Lock(ctx, fid, lockvfs.LockShared); err != nil {
		return 0, err
	}

	size, err := v.FileSize(fid)
	if err != nil {
		return 0, err
	}

	buf := make([]byte, size)
	if err := v.Read(fid, buf, 0); err != nil {
		return 0, err
	}

	return bytes.Count(buf, []byte{'\n'}), nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
