package model

import "errors"

// Error kinds shared by every layer. Callers wrap them with fmt.Errorf("...: %w")
// and test with errors.Is.
var (
	// ErrInvalidArgument covers empty conversation ids, empty text and similar input errors.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrDecryption is returned for payloads that cannot be decrypted.
	ErrDecryption = errors.New("decryption failure")

	// ErrNetwork is returned when the backing store is unreachable or rejects a call.
	ErrNetwork = errors.New("network failure")

	// ErrChannelUnavailable is returned when the real-time channel is not connected.
	ErrChannelUnavailable = errors.New("channel unavailable")

	// ErrSessionClosed is returned for work submitted to an ended session.
	ErrSessionClosed = errors.New("session closed")

	// ErrNoSession is returned when no session is active.
	ErrNoSession = errors.New("no active session")
)
