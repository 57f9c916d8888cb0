package shared

import "errors"

// ErrSessionMissing occurs when an operation requires an authenticated actor.
var ErrSessionMissing = errors.New("session missing")
