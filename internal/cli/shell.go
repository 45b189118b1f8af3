package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/lockvfs/internal/config"
	"github.com/calvinalkan/lockvfs/internal/fs"
	"github.com/calvinalkan/lockvfs/pkg/lockvfs"
)

var errQuit = errors.New("quit")

// ShellCmd returns the shell command.
func ShellCmd(cfg *config.Config, in io.Reader, env map[string]string, logger *slog.Logger) *Command {
	flags := flag.NewFlagSet("shell", flag.ContinueOnError)

	return &Command{
		Flags: flags,
		Usage: "shell [file]",
		Short: "Drive one connection interactively",
		Long: `Drive one connection interactively.

Opens a VFS with the configured policy and reads commands from stdin. Start a
second shell on the same directory to watch two connections contend; with the
memory backend both must share a process, so use flock across shells.
If file is given it is opened (and created) before the first prompt.

Type "help" at the prompt for the command list.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) > 1 {
				return fmt.Errorf("%w: %v", ErrTooManyArgs, args)
			}

			sh, err := newShell(cfg, o, logger)
			if err != nil {
				return err
			}
			defer sh.closeAll()

			if len(args) == 1 {
				if err := sh.exec(ctx, "open "+args[0]+" create"); err != nil {
					return err
				}
			}

			return sh.loop(ctx, in, env)
		},
	}
}

type shell struct {
	o       *IO
	vfs     *lockvfs.VFS
	files   map[string]lockvfs.FileID
	current string
}

func newShell(cfg *config.Config, o *IO, logger *slog.Logger) (*shell, error) {
	kind, err := cfg.PolicyKind()
	if err != nil {
		return nil, err
	}

	store, locks := cfg.Open(fs.NewReal())

	return &shell{
		o: o,
		vfs: lockvfs.New(store, locks, lockvfs.Options{
			Policy:      kind,
			BusyTimeout: cfg.BusyTimeout(),
			Logger:      logger,
		}),
		files: make(map[string]lockvfs.FileID),
	}, nil
}

// loop reads commands until EOF or quit. It uses liner for line editing when
// reading the process's own stdin, and a plain scanner otherwise.
func (sh *shell) loop(ctx context.Context, in io.Reader, env map[string]string) error {
	if f, ok := in.(*os.File); ok && f == os.Stdin {
		return sh.lineLoop(ctx, env)
	}

	if in == nil {
		return nil
	}

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if err := sh.run(ctx, scanner.Text()); err != nil {
			return ignoreQuit(err)
		}
	}

	return scanner.Err()
}

func (sh *shell) lineLoop(ctx context.Context, env map[string]string) error {
	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)
	line.SetCompleter(sh.complete)

	history := historyFile(env)
	if history != "" {
		if f, err := os.Open(history); err == nil {
			_, _ = line.ReadHistory(f)
			_ = f.Close()
		}

		defer func() {
			if f, err := os.Create(history); err == nil {
				_, _ = line.WriteHistory(f)
				_ = f.Close()
			}
		}()
	}

	for {
		input, err := line.Prompt(sh.prompt())
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				sh.o.Println()
				return nil
			}

			return fmt.Errorf("reading input: %w", err)
		}

		if strings.TrimSpace(input) != "" {
			line.AppendHistory(input)
		}

		if err := sh.run(ctx, input); err != nil {
			return ignoreQuit(err)
		}
	}
}

// run executes one input line. Command errors are printed and the shell
// keeps going; only quit and a cancelled context end the session.
func (sh *shell) run(ctx context.Context, input string) error {
	err := sh.exec(ctx, input)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, errQuit), ctx.Err() != nil:
		return err
	default:
		sh.o.Println("error:", err)
		return nil
	}
}

func ignoreQuit(err error) error {
	if errors.Is(err, errQuit) {
		return nil
	}

	return err
}

func (sh *shell) prompt() string {
	if sh.current == "" {
		return "lockvfs> "
	}

	level, err := sh.vfs.Level(sh.files[sh.current])
	if err != nil {
		return "lockvfs> "
	}

	return fmt.Sprintf("lockvfs %s [%s]> ", sh.current, level)
}

func historyFile(env map[string]string) string {
	home := env["HOME"]
	if home == "" {
		return ""
	}

	return filepath.Join(home, ".lockvfs_history")
}

var shellCommands = []string{
	"open", "use", "files", "close", "lock", "unlock", "check", "level",
	"pragma", "read", "write", "size", "truncate", "sync", "help", "quit",
}

func (sh *shell) complete(line string) []string {
	var out []string

	for _, c := range shellCommands {
		if strings.HasPrefix(c, line) {
			out = append(out, c)
		}
	}

	return out
}

const shellHelp = `Commands:
  open <name> [create] [delete]   open a file and make it current
  use <name>                      switch the current file
  files                           list open files
  close [name]                    close a file
  lock <level>                    raise the lock (shared, reserved, exclusive)
  unlock <level>                  lower the lock (shared, none)
  check                           is a RESERVED lock held by anyone?
  level                           show the current lock level
  pragma <key> [value]            file control, e.g. pragma write_hint 1
  read <offset> <length>          read bytes
  write <offset> <text>           write text
  size | truncate <size> | sync   file size, truncate, flush
  help | quit`

// exec runs one command against the shell's connection.
func (sh *shell) exec(ctx context.Context, input string) error {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return nil
	}

	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "help", "?":
		sh.o.Println(shellHelp)
		return nil
	case "quit", "exit", "q":
		return errQuit
	case "open":
		return sh.open(args)
	case "use":
		if err := wantArgs(args, 1); err != nil {
			return err
		}

		if _, ok := sh.files[args[0]]; !ok {
			return fmt.Errorf("%w: %s is not open", ErrInvalidArg, args[0])
		}

		sh.current = args[0]

		return nil
	case "files":
		names := make([]string, 0, len(sh.files))
		for name := range sh.files {
			names = append(names, name)
		}

		slices.Sort(names)

		for _, name := range names {
			level, _ := sh.vfs.Level(sh.files[name])
			sh.o.Printf("%s\t%s\n", name, level)
		}

		return nil
	case "close":
		name := sh.current
		if len(args) > 0 {
			name = args[0]
		}

		return sh.close(name)
	}

	fid, err := sh.currentFile()
	if err != nil {
		return err
	}

	switch cmd {
	case "lock", "unlock":
		if err := wantArgs(args, 1); err != nil {
			return err
		}

		level, err := lockvfs.ParseLockLevel(args[0])
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidArg, err)
		}

		if cmd == "lock" {
			err = sh.vfs.Lock(ctx, fid, level)
		} else {
			err = sh.vfs.Unlock(fid, level)
		}

		if err != nil {
			return err
		}

		return sh.printLevel(fid)
	case "level":
		return sh.printLevel(fid)
	case "check":
		held, err := sh.vfs.CheckReservedLock(ctx, fid)
		if err != nil {
			return err
		}

		sh.o.Println("reserved:", held)

		return nil
	case "pragma":
		return sh.pragma(fid, args)
	case "read":
		return sh.read(fid, args)
	case "write":
		if len(args) < 2 {
			return fmt.Errorf("%w: usage: write <offset> <text>", ErrInvalidArg)
		}

		off, err := parseInt(args[0])
		if err != nil {
			return err
		}

		return sh.vfs.Write(fid, []byte(strings.Join(args[1:], " ")), off)
	case "size":
		size, err := sh.vfs.FileSize(fid)
		if err != nil {
			return err
		}

		sh.o.Println(size)

		return nil
	case "truncate":
		if err := wantArgs(args, 1); err != nil {
			return err
		}

		size, err := parseInt(args[0])
		if err != nil {
			return err
		}

		return sh.vfs.Truncate(fid, size)
	case "sync":
		return sh.vfs.Sync(fid)
	}

	return fmt.Errorf("%w: %s (try help)", ErrUnknownCommand, cmd)
}

func (sh *shell) open(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: usage: open <name> [create] [delete]", ErrInvalidArg)
	}

	name := args[0]
	if _, ok := sh.files[name]; ok {
		sh.current = name
		return nil
	}

	var flags lockvfs.OpenFlag

	for _, opt := range args[1:] {
		switch strings.ToLower(opt) {
		case "create":
			flags |= lockvfs.OpenCreate
		case "delete":
			flags |= lockvfs.OpenDeleteOnClose
		default:
			return fmt.Errorf("%w: unknown open option %q", ErrInvalidArg, opt)
		}
	}

	fid, _, err := sh.vfs.Open(name, flags)
	if err != nil {
		return err
	}

	sh.files[name] = fid
	sh.current = name

	return nil
}

func (sh *shell) close(name string) error {
	fid, ok := sh.files[name]
	if !ok {
		return fmt.Errorf("%w: %q is not open", ErrInvalidArg, name)
	}

	delete(sh.files, name)

	if sh.current == name {
		sh.current = ""
	}

	return sh.vfs.Close(fid)
}

func (sh *shell) closeAll() {
	for name := range sh.files {
		_ = sh.close(name)
	}
}

func (sh *shell) currentFile() (lockvfs.FileID, error) {
	if sh.current == "" {
		return 0, fmt.Errorf("%w: no file open (use open <name>)", ErrInvalidArg)
	}

	return sh.files[sh.current], nil
}

func (sh *shell) printLevel(fid lockvfs.FileID) error {
	level, err := sh.vfs.Level(fid)
	if err != nil {
		return err
	}

	sh.o.Println(level)

	return nil
}

func (sh *shell) pragma(fid lockvfs.FileID, args []string) error {
	if len(args) == 0 || len(args) > 2 {
		return fmt.Errorf("%w: usage: pragma <key> [value]", ErrInvalidArg)
	}

	var value *string
	if len(args) == 2 {
		value = &args[1]
	}

	out, err := sh.vfs.FileControl(fid, args[0], value)
	if err != nil {
		if lockvfs.CodeOf(err) == lockvfs.CodeNotFound {
			sh.o.Println("(passed to engine)")
			return nil
		}

		return err
	}

	sh.o.Println(out)

	return nil
}

func (sh *shell) read(fid lockvfs.FileID, args []string) error {
	if err := wantArgs(args, 2); err != nil {
		return err
	}

	off, err := parseInt(args[0])
	if err != nil {
		return err
	}

	n, err := parseInt(args[1])
	if err != nil {
		return err
	}

	buf := make([]byte, n)

	err = sh.vfs.Read(fid, buf, off)
	if err != nil && lockvfs.CodeOf(err) != lockvfs.CodeIOErrShortRead {
		return err
	}

	sh.o.Printf("%q\n", buf)

	if err != nil {
		sh.o.Println("(short read, zero filled)")
	}

	return nil
}

func wantArgs(args []string, n int) error {
	if len(args) != n {
		return fmt.Errorf("%w: want %d argument(s), got %d", ErrInvalidArg, n, len(args))
	}

	return nil
}

func parseInt(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q is not a non-negative integer", ErrInvalidArg, s)
	}

	return n, nil
}
