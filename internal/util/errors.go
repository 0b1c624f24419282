package util

import (
	"errors"
	"fmt"
)

// Session-fatal error classes. Everything else is recorded on the stage
// record and the run continues.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrPersistence   = errors.New("persistence error")
)

// ConfigError reports a missing or invalid configuration value.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrConfiguration.
func (e *ConfigError) Unwrap() error { return ErrConfiguration }

// PersistenceError reports a failed durable write.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

// Is matches ErrPersistence as well as the wrapped cause.
func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

func (e *PersistenceError) Unwrap() error { return e.Err }

func configErr(field, format string, args ...interface{}) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
