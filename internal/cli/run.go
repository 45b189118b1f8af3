package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/lockvfs/internal/config"
)

// Run is the main entry point. Returns exit code.
//
// sigCh may be nil. The first signal cancels the command's context, which
// turns any pending lock wait into a busy error.
func Run(in io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	globals := newGlobalFlags()

	if err := globals.set.Parse(args[1:]); err != nil {
		fprintln(errOut, "error:", err)
		fprintln(errOut)
		printUsage(errOut, globals.set, nil)

		return 1
	}

	rest := globals.set.Args()

	if globals.help || len(rest) == 0 {
		printUsage(out, globals.set, nil)
		return 0
	}

	cfg, err := config.Load(config.LoadInput{
		WorkDirOverride: globals.workDir,
		ConfigPath:      globals.configPath,
		Overrides:       globals.overrides(),
		Env:             env,
	})
	if err != nil {
		fprintln(errOut, "error:", err)
		fprintln(errOut)
		printUsage(errOut, globals.set, nil)

		return 1
	}

	logger, err := newLogger(errOut, cfg)
	if err != nil {
		fprintln(errOut, "error:", err)
		return 1
	}

	commands := []*Command{
		BenchCmd(&cfg, logger),
		ShellCmd(&cfg, in, env, logger),
		InitCmd(&cfg),
		PrintConfigCmd(&cfg),
	}

	name := rest[0]

	cmd := findCommand(commands, name)
	if cmd == nil {
		fprintln(errOut, "error:", fmt.Errorf("%w: %s", ErrUnknownCommand, name))
		fprintln(errOut)
		printUsage(errOut, globals.set, commands)

		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sigCh != nil {
		go func() {
			select {
			case sig := <-sigCh:
				logger.Info("interrupted, cancelling lock waits", "signal", sig.String())
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	return cmd.Run(ctx, NewIO(out, errOut), rest[1:])
}

type globalFlags struct {
	set *flag.FlagSet

	workDir     string
	configPath  string
	dir         string
	backend     string
	policy      string
	busyTimeout int
	logLevel    string
	verbose     bool
	help        bool
}

func newGlobalFlags() *globalFlags {
	g := &globalFlags{set: flag.NewFlagSet("lockvfs", flag.ContinueOnError)}

	fs := g.set
	fs.SetInterspersed(false)
	fs.SetOutput(io.Discard)
	fs.SortFlags = false

	fs.StringVarP(&g.workDir, "cwd", "C", "", "Run as if started in `dir`")
	fs.StringVarP(&g.configPath, "config", "c", "", "Use specified config `file`")
	fs.StringVar(&g.dir, "dir", "", "Database `dir`ectory")
	fs.StringVar(&g.backend, "backend", "", "Lock backend: memory or flock")
	fs.StringVar(&g.policy, "policy", "", "Lock policy: standard, standard-pending, write-hint, none")
	fs.IntVar(&g.busyTimeout, "busy-timeout", 0, "Lock wait in `ms`; -1 waits forever")
	fs.StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.BoolVarP(&g.verbose, "verbose", "v", false, "Same as --log-level=debug")
	fs.BoolVarP(&g.help, "help", "h", false, "Show help")

	return g
}

// overrides returns the config values set on the command line. An explicit
// empty --dir is passed through so validation can reject it.
func (g *globalFlags) overrides() config.Config {
	o := config.Config{
		Dir:      g.dir,
		Backend:  g.backend,
		Policy:   g.policy,
		LogLevel: g.logLevel,
	}

	if g.set.Changed("dir") && strings.TrimSpace(g.dir) == "" {
		o.Dir = " "
	}

	if g.set.Changed("busy-timeout") {
		ms := g.busyTimeout
		o.BusyTimeoutMS = &ms
	}

	if g.verbose {
		o.LogLevel = "debug"
	}

	return o
}

func newLogger(w io.Writer, cfg config.Config) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), nil
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

func printUsage(w io.Writer, globals *flag.FlagSet, commands []*Command) {
	if commands == nil {
		// Help output only needs names and descriptions; the constructors
		// do not touch their arguments until Exec.
		cfg := config.Default()
		commands = []*Command{
			BenchCmd(&cfg, nil),
			ShellCmd(&cfg, nil, nil, nil),
			InitCmd(&cfg),
			PrintConfigCmd(&cfg),
		}
	}

	fprintln(w, `lockvfs - shared database files with named lock policies

Usage: lockvfs [global flags] <command> [args]

Global flags:`)
	_, _ = io.WriteString(w, globals.FlagUsages())
	fprintln(w)
	fprintln(w, "Commands:")

	for _, cmd := range commands {
		fprintln(w, cmd.HelpLine())
	}

	fprintln(w)
	fprintln(w, `Run "lockvfs <command> --help" for command flags.`)
}
