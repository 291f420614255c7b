package frame

import "errors"

var (
	// ErrMessageTooLarge is returned when a header declares more than MaxMessageSize bytes.
	ErrMessageTooLarge = errors.New("declared message length exceeds limit")

	// ErrMisaligned is returned when chunk boundaries overshoot the declared message length.
	ErrMisaligned = errors.New("chunk boundaries do not match declared message length")
)
