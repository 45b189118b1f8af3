package cli

import "errors"

// CLI errors.
var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrConfigExists   = errors.New("config file already exists")
	ErrInvalidArg     = errors.New("invalid argument")
	ErrTooManyArgs    = errors.New("too many arguments")
	ErrIntegrity      = errors.New("integrity check failed")
)
