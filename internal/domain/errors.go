package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable marks a transient exchange failure. Callers skip the
	// affected step for the current cycle.
	ErrUnavailable      = errors.New("exchange data unavailable")
	ErrAlreadyRunning   = errors.New("bot is already running")
	ErrNotRunning       = errors.New("bot is not running")
	ErrKillSwitchActive = errors.New("kill switch is active")
)

// InitializationError is returned when a ladder cannot be built.
type InitializationError struct {
	Engine string
	Err    error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("%s initialization failed: %v", e.Engine, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// ConfigError reports an invalid or missing setting. Fatal at startup only.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}
