package model

import "errors"

var (
	// ErrAcquireFailed is returned when the upstream refuses to acquire a new browser session.
	ErrAcquireFailed = errors.New("acquire failed")

	// ErrBrowserUnavailable is returned when the upstream declines a devtools connection.
	ErrBrowserUnavailable = errors.New("browser unavailable")

	// ErrBridgeNotFound is returned when a bridge record is not found.
	ErrBridgeNotFound = errors.New("bridge not found")
)
