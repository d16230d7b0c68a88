package negotiator

import (
	"context"

	"callguard/internal/core/domain"
)

// TransportEvent is a connectivity change reported by a Transport.
type TransportEvent int

const (
	TransportConnected TransportEvent = iota
	TransportFailed
	TransportClosed
)

// Transport is the media connection being negotiated. PionTransport is the
// real one; tests use fakes.
type Transport interface {
	// CreateOffer creates an offer, sets it as the local description and
	// returns its SDP.
	CreateOffer(ctx context.Context) (string, error)
	// CreateAnswer does the same for an answer to the current remote offer.
	CreateAnswer(ctx context.Context) (string, error)
	SetRemoteDescription(kind domain.MessageKind, sdp string) error
	AddICECandidate(candidate domain.IceCandidate) error
	// OnLocalCandidate registers the callback for locally gathered candidates.
	OnLocalCandidate(fn func(domain.IceCandidate))
	OnEvent(fn func(TransportEvent))
	Close() error
}

// Signaler delivers negotiation messages to the other participant.
type Signaler interface {
	Send(ctx context.Context, msg domain.NegotiationMessage) error
}
