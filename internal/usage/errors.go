package usage

import "errors"

var (
	// ErrValidation marks a malformed request: missing device id, end
	// before start, or an inverted range.
	ErrValidation = errors.New("validation failed")

	// ErrNoOpenSession is returned when ending or heartbeating a device
	// that has no open session.
	ErrNoOpenSession = errors.New("no open session")

	// ErrUnknownDevice is returned for reads about a device that has never
	// recorded a session.
	ErrUnknownDevice = errors.New("unknown device")

	// ErrStorageUnavailable wraps any failure of the primary store.
	ErrStorageUnavailable = errors.New("storage unavailable")
)
