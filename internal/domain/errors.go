package domain

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrRateLimited    = errors.New("rate limited")
	ErrWSDisconnect   = errors.New("websocket disconnected")
	ErrLockHeld       = errors.New("lock already held")
	ErrUnknownEvent   = errors.New("unknown event discriminator")
	ErrMalformedEvent = errors.New("malformed event payload")
	ErrAlreadyStarted = errors.New("already started")
)
