package domain

import "errors"

var (
	ErrUserNotFound     = errors.New("user not found")
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionFull      = errors.New("session already has two participants")
	ErrAlreadyJoined    = errors.New("user already joined this session")
	ErrPeerNotConnected = errors.New("peer not connected")
	ErrMalformedMessage = errors.New("malformed negotiation message")
	ErrUnknownMessage   = errors.New("unknown message type")
	ErrStoreUnavailable = errors.New("blocklist store unavailable")
)
