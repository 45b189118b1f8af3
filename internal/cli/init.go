package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/lockvfs/internal/config"
)

// InitCmd returns the init command.
func InitCmd(cfg *config.Config) *Command {
	flags := flag.NewFlagSet("init", flag.ContinueOnError)
	flags.Bool("force", false, "Overwrite an existing config file")

	return &Command{
		Flags: flags,
		Usage: "init [--force]",
		Short: "Write the effective configuration to " + config.FileName,
		Long: `Write the effective configuration (defaults, config files and global flags)
to ` + config.FileName + ` in the working directory and create the database
directory.`,
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("%w: %v", ErrTooManyArgs, args)
			}

			force, _ := flags.GetBool("force")

			return execInit(o, cfg, force)
		},
	}
}

func execInit(o *IO, cfg *config.Config, force bool) error {
	path := filepath.Join(cfg.EffectiveCwd, config.FileName)

	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%w: %s (use --force)", ErrConfigExists, path)
	}

	if err := config.WriteFile(path, *cfg); err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DirAbs, 0o750); err != nil {
		return fmt.Errorf("creating %s: %w", cfg.DirAbs, err)
	}

	o.Println("wrote", path)

	return nil
}
