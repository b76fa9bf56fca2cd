package domain

import "errors"

var (
	ErrPeerNotFound       = errors.New("peer not found")
	ErrSelfConnection     = errors.New("connection to self is not allowed")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrUnexpectedAnswer   = errors.New("answer received with no offer outstanding")
	ErrUnexpectedOffer    = errors.New("offer ignored by glare tie-break")
	ErrInvalidPayload     = errors.New("signal payload carries neither sdp nor ice")
	ErrSessionNotJoined   = errors.New("session not joined")
	ErrSessionFull        = errors.New("session is full")
	ErrCaptureUnavailable = errors.New("capture source unavailable")
)
