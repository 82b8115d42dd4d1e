package honeypot

import "errors"

// Supervisor-level errors are returned to callers; session-level errors never leave the session.
var (
	ErrConfigNotFound       = errors.New("configuration not found")
	ErrAlreadyRunning       = errors.New("honeypot is already running")
	ErrNotRunning           = errors.New("honeypot is not running")
	ErrBindFailure          = errors.New("failed to bind listener")
	ErrProcessSpawnFailure  = errors.New("failed to start honeypot")
	ErrLivenessProbeFailure = errors.New("liveness probe failed")
	ErrProtocolDecode       = errors.New("protocol decode error")
	ErrPersistenceWrite     = errors.New("persistence write failed")
	ErrUnknownType          = errors.New("unknown honeypot type")
	ErrInvalidConfig        = errors.New("invalid honeypot configuration")
	ErrLogNotFound          = errors.New("log file not found")
)
