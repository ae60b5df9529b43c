package exception

import "errors"

var (
	ErrRecorderQueueFull          = errors.New("recorder: queue full")
	ErrRecorderClosed             = errors.New("recorder: closed")
	ErrRecorderNotStarted         = errors.New("recorder: not started")
	ErrRecorderAlreadyStarted     = errors.New("recorder: already started")
	ErrRecorderPayloadTooLarge    = errors.New("recorder: payload too large")
	ErrRecorderInvalidMagic       = errors.New("recorder: invalid magic")
	ErrRecorderUnsupportedVersion = errors.New("recorder: unsupported record version")
	ErrRecorderChecksumMismatch   = errors.New("recorder: checksum mismatch")
)
