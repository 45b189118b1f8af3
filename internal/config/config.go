// Package config loads the layered JSONC configuration shared by the
// command-line tools.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"

	"github.com/calvinalkan/lockvfs/internal/fs"
	"github.com/calvinalkan/lockvfs/pkg/filestore"
	"github.com/calvinalkan/lockvfs/pkg/lockvfs"
	"github.com/calvinalkan/lockvfs/pkg/namedlock"
)

// Error variables for configuration.
var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config file")
	ErrDirEmpty           = errors.New("dir cannot be empty")
	ErrUnknownBackend     = errors.New("unknown lock backend")
	ErrUnknownPolicy      = errors.New("unknown lock policy")
	ErrUnknownLogLevel    = errors.New("unknown log level")
)

// Lock backends.
const (
	BackendMemory = "memory"
	BackendFlock  = "flock"
)

// FileName is the project config file name.
const FileName = ".lockvfs.json"

// Config holds all configuration options.
type Config struct {
	// From config files (serialized)
	Dir           string `json:"dir"`
	Backend       string `json:"backend,omitempty"`
	Policy        string `json:"policy,omitempty"`
	BusyTimeoutMS *int   `json:"busy_timeout_ms,omitempty"`
	LogLevel      string `json:"log_level,omitempty"`

	// Resolved (computed, not serialized)
	EffectiveCwd string `json:"-"` // Absolute working directory (from -C flag or os.Getwd)
	DirAbs       string `json:"-"` // Absolute path to the database directory

	// Sources tracks which config files were loaded (for diagnostics)
	Sources Sources `json:"-"`
}

// Sources tracks which config files were loaded.
type Sources struct {
	Global  string // Path to global config if loaded, empty otherwise
	Project string // Path to project config if loaded, empty otherwise
}

// Default returns the default configuration.
func Default() Config {
	forever := -1

	return Config{
		Dir:           ".lockvfs",
		Backend:       BackendFlock,
		Policy:        lockvfs.PolicyStandard.String(),
		BusyTimeoutMS: &forever,
		LogLevel:      "info",
	}
}

// BusyTimeout returns the configured lock wait. Negative values wait forever.
func (c Config) BusyTimeout() time.Duration {
	if c.BusyTimeoutMS == nil || *c.BusyTimeoutMS < 0 {
		return namedlock.Forever
	}

	return time.Duration(*c.BusyTimeoutMS) * time.Millisecond
}

// PolicyKind returns the parsed lock policy.
func (c Config) PolicyKind() (lockvfs.PolicyKind, error) {
	kind, err := lockvfs.ParsePolicyKind(c.Policy)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnknownPolicy, err)
	}

	return kind, nil
}

// SlogLevel returns the parsed log level.
func (c Config) SlogLevel() (slog.Level, error) {
	var level slog.Level

	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnknownLogLevel, c.LogLevel)
	}

	return level, nil
}

// Open returns the file store at DirAbs and the lock service for Backend.
//
// The memory backend only coordinates connections within this process; the
// flock backend keeps its lock files in the store's lock directory.
func (c Config) Open(fsys fs.FS) (*filestore.Store, namedlock.Service) {
	store := filestore.New(fsys, c.DirAbs)

	if c.Backend == BackendMemory {
		return store, namedlock.NewMemory()
	}

	return store, namedlock.NewFlock(fsys, store.LocksDir())
}

// globalPath returns the path to the global config file.
// Uses $XDG_CONFIG_HOME/lockvfs/config.json if set, otherwise
// ~/.config/lockvfs/config.json. Returns empty string if home directory
// cannot be determined.
func globalPath(env map[string]string) string {
	if xdgConfig := env["XDG_CONFIG_HOME"]; xdgConfig != "" {
		return filepath.Join(xdgConfig, "lockvfs", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "lockvfs", "config.json")
	}

	return ""
}

// LoadInput holds the inputs for Load.
type LoadInput struct {
	WorkDirOverride string            // -C/--cwd flag value; if empty, os.Getwd() is used
	ConfigPath      string            // -c/--config flag value
	Overrides       Config            // CLI flag values; zero fields do not override
	Env             map[string]string // environment variables
}

// Load loads configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global user config ($XDG_CONFIG_HOME/lockvfs/config.json or ~/.config/lockvfs/config.json)
// 3. Project config file (.lockvfs.json in the work dir, if it exists)
// 4. Explicit config file via ConfigPath (replaces 3, must exist)
// 5. CLI overrides.
func Load(input LoadInput) (Config, error) {
	workDir := input.WorkDirOverride
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	cfg := Default()

	if path := globalPath(input.Env); path != "" {
		globalCfg, loaded, err := loadFile(path, false)
		if err != nil {
			return Config{}, err
		}

		if loaded {
			cfg.Sources.Global = path
			cfg = merge(cfg, globalCfg)
		}
	}

	projectPath, mustExist := filepath.Join(workDir, FileName), false
	if input.ConfigPath != "" {
		projectPath, mustExist = input.ConfigPath, true
		if !filepath.IsAbs(projectPath) {
			projectPath = filepath.Join(workDir, projectPath)
		}
	}

	projectCfg, loaded, err := loadFile(projectPath, mustExist)
	if err != nil {
		return Config{}, err
	}

	if loaded {
		cfg.Sources.Project = projectPath
		cfg = merge(cfg, projectCfg)
	}

	cfg = merge(cfg, input.Overrides)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	cfg.EffectiveCwd = workDir

	if filepath.IsAbs(cfg.Dir) {
		cfg.DirAbs = cfg.Dir
	} else {
		cfg.DirAbs = filepath.Join(workDir, cfg.Dir)
	}

	return cfg, nil
}

// WriteFile atomically writes the serialized fields of cfg to path as
// indented JSON.
func WriteFile(path string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	data = append(data, '\n')

	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing config %s: %w", path, err)
	}

	return nil
}

// loadFile loads a config file. If mustExist is false, a missing file
// returns a zero config and loaded=false.
func loadFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if mustExist {
				return Config{}, false, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
			}

			return Config{}, false, nil
		}

		return Config{}, false, fmt.Errorf("%w %s: %w", ErrConfigFileRead, path, err)
	}

	cfg, err := parse(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return cfg, true, nil
}

func parse(data []byte) (Config, error) {
	// Standardize JSONC to JSON
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var raw map[string]json.RawMessage

	if err := json.Unmarshal(standardized, &raw); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	// An explicit "dir": "" is a mistake, not "use the default".
	if dir, ok := raw["dir"]; ok && string(dir) == `""` {
		return Config{}, ErrDirEmpty
	}

	var cfg Config

	dec := json.NewDecoder(bytes.NewReader(standardized))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return cfg, nil
}

func merge(base, overlay Config) Config {
	if overlay.Dir != "" {
		base.Dir = overlay.Dir
	}

	if overlay.Backend != "" {
		base.Backend = overlay.Backend
	}

	if overlay.Policy != "" {
		base.Policy = overlay.Policy
	}

	if overlay.BusyTimeoutMS != nil {
		ms := *overlay.BusyTimeoutMS
		base.BusyTimeoutMS = &ms
	}

	if overlay.LogLevel != "" {
		base.LogLevel = overlay.LogLevel
	}

	return base
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Dir) == "" {
		return ErrDirEmpty
	}

	if cfg.Backend != BackendMemory && cfg.Backend != BackendFlock {
		return fmt.Errorf("%w: %q (want %s or %s)", ErrUnknownBackend, cfg.Backend, BackendMemory, BackendFlock)
	}

	if _, err := cfg.PolicyKind(); err != nil {
		return err
	}

	if _, err := cfg.SlogLevel(); err != nil {
		return err
	}

	return nil
}
