package engine

import (
	"errors"

	"github.com/user/prowl/internal/util"
)

// Only these two error classes abort a session.
var (
	ErrConfiguration = util.ErrConfiguration
	ErrPersistence   = util.ErrPersistence
)

type (
	ConfigError      = util.ConfigError
	PersistenceError = util.PersistenceError
)

// ErrSessionSuspended is returned by RunSession when the session was cut
// short by a disconnect. Its progress is resumable.
var ErrSessionSuspended = errors.New("session suspended")

// Fatal reports whether err must abort the session.
func Fatal(err error) bool {
	return errors.Is(err, ErrConfiguration) || errors.Is(err, ErrPersistence)
}
