package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedFrame is returned for a bad length prefix, an unknown frame
	// type or an undecodable payload. The session must be torn down.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrFrameTooLarge is a MalformedFrame whose length exceeds MaxFrameSize.
	ErrFrameTooLarge = fmt.Errorf("%w: frame too large", ErrMalformedFrame)

	// ErrAuthRejected means the server refused the shared token.
	ErrAuthRejected = errors.New("auth rejected")

	// ErrNotDiscovery marks a datagram that is not a well-formed discovery
	// message. Callers drop it silently.
	ErrNotDiscovery = errors.New("not a discovery datagram")
)

// AuthRejectedError carries the reason the server gave for a rejection.
type AuthRejectedError struct {
	Reason string
}

func (e *AuthRejectedError) Error() string {
	if e.Reason == "" {
		return ErrAuthRejected.Error()
	}
	return fmt.Sprintf("%s: %s", ErrAuthRejected, e.Reason)
}

func (e *AuthRejectedError) Is(target error) bool {
	return target == ErrAuthRejected
}
