package domain

import (
	"encoding/json"
	"fmt"

	"callguard/pkg/validation"
)

type MessageKind string

const (
	KindOffer        MessageKind = "offer"
	KindAnswer       MessageKind = "answer"
	KindICECandidate MessageKind = "ice-candidate"
)

// NegotiationMessage is one of Offer, Answer or IceCandidate.
type NegotiationMessage interface {
	Kind() MessageKind
	Validate() error
	isNegotiation()
}

type Offer struct {
	SDP string `json:"sdp"`
}

type Answer struct {
	SDP string `json:"sdp"`
}

// IceCandidate mirrors RTCIceCandidateInit.
type IceCandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

func (Offer) Kind() MessageKind        { return KindOffer }
func (Answer) Kind() MessageKind       { return KindAnswer }
func (IceCandidate) Kind() MessageKind { return KindICECandidate }

func (Offer) isNegotiation()        {}
func (Answer) isNegotiation()       {}
func (IceCandidate) isNegotiation() {}

func (o Offer) Validate() error {
	if err := validation.ValidateSDP(o.SDP); err != nil {
		return fmt.Errorf("%w: offer: %v", ErrMalformedMessage, err)
	}
	return nil
}

func (a Answer) Validate() error {
	if err := validation.ValidateSDP(a.SDP); err != nil {
		return fmt.Errorf("%w: answer: %v", ErrMalformedMessage, err)
	}
	return nil
}

func (c IceCandidate) Validate() error {
	if err := validation.ValidateCandidate(c.Candidate); err != nil {
		return fmt.Errorf("%w: ice-candidate: %v", ErrMalformedMessage, err)
	}
	if c.SDPMid == nil && c.SDPMLineIndex == nil {
		return fmt.Errorf("%w: ice-candidate needs sdpMid or sdpMLineIndex", ErrMalformedMessage)
	}
	return nil
}

// Envelope scopes a negotiation message to a session and its sender.
type Envelope struct {
	SessionID SessionID
	From      UserID
	Message   NegotiationMessage
}

// DecodeNegotiation parses and validates the payload of an offer, answer or
// ice-candidate message. Unknown kinds yield ErrUnknownMessage, anything that
// fails to parse or validate yields ErrMalformedMessage.
func DecodeNegotiation(kind string, payload json.RawMessage) (NegotiationMessage, error) {
	var out NegotiationMessage
	switch MessageKind(kind) {
	case KindOffer:
		out = &Offer{}
	case KindAnswer:
		out = &Answer{}
	case KindICECandidate:
		out = &IceCandidate{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, kind)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: %s without payload", ErrMalformedMessage, kind)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	// hand out values, not pointers, so type switches see Offer/Answer/IceCandidate
	switch m := out.(type) {
	case *Offer:
		out = *m
	case *Answer:
		out = *m
	case *IceCandidate:
		out = *m
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}
