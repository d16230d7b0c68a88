package negotiator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"callguard/internal/core/domain"

	"go.uber.org/zap"
)

const DefaultMaxPendingCandidates = 64

var (
	ErrOutOfTurn           = errors.New("negotiation message out of turn")
	ErrCandidateBufferFull = errors.New("remote candidate buffer full")
	ErrClosed              = errors.New("negotiator closed")
)

type Config struct {
	Role domain.ParticipantRole
	// MaxPendingCandidates bounds the remote candidates held while no remote
	// description is set. Zero means DefaultMaxPendingCandidates.
	MaxPendingCandidates int
}

// Negotiator drives one side of a call through the offer/answer exchange.
// Inputs come from the signaling connection (remote messages) and from the
// transport (local candidates, connectivity events); each input returns a
// Result instead of tearing the call down on noise.
type Negotiator struct {
	role       domain.ParticipantRole
	transport  Transport
	signaler   Signaler
	maxPending int
	logger     *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	state     State
	remoteSet bool
	pending   []domain.IceCandidate

	closeTransport sync.Once
}

func New(cfg Config, transport Transport, signaler Signaler, logger *zap.SugaredLogger) (*Negotiator, error) {
	var initial State
	switch cfg.Role {
	case domain.RoleCaller:
		initial = AwaitingLocalDescription
	case domain.RoleCallee:
		initial = AwaitingRemoteDescription
	default:
		return nil, fmt.Errorf("unknown participant role %q", cfg.Role)
	}
	if cfg.MaxPendingCandidates <= 0 {
		cfg.MaxPendingCandidates = DefaultMaxPendingCandidates
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Negotiator{
		role:       cfg.Role,
		transport:  transport,
		signaler:   signaler,
		maxPending: cfg.MaxPendingCandidates,
		logger:     logger.With("role", cfg.Role),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		state:      initial,
	}
	transport.OnLocalCandidate(n.sendLocalCandidate)
	transport.OnEvent(n.handleEvent)
	return n, nil
}

func (n *Negotiator) Role() domain.ParticipantRole { return n.role }

func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Pending returns the number of buffered remote candidates.
func (n *Negotiator) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// Done is closed once the negotiator reaches Closed or Failed.
func (n *Negotiator) Done() <-chan struct{} { return n.done }

// Start makes the caller's offer. The callee has nothing to start: it waits
// for the offer.
func (n *Negotiator) Start(ctx context.Context) Result {
	n.mu.Lock()
	if n.role != domain.RoleCaller || n.state != AwaitingLocalDescription {
		st := n.state
		n.mu.Unlock()
		return n.ignore(fmt.Errorf("%w: start as %s in %s", ErrOutOfTurn, n.role, st))
	}

	sdp, err := n.transport.CreateOffer(ctx)
	if err != nil {
		n.failLocked()
		n.mu.Unlock()
		return fatal(fmt.Errorf("create offer: %w", err))
	}
	n.setStateLocked(AwaitingRemoteDescription)
	n.mu.Unlock()

	if err := n.signaler.Send(ctx, domain.Offer{SDP: sdp}); err != nil {
		n.fail()
		return fatal(fmt.Errorf("send offer: %w", err))
	}
	return applied()
}

// HandleRaw decodes a relayed message and handles it. Undecodable payloads
// are Ignored.
func (n *Negotiator) HandleRaw(ctx context.Context, kind string, payload json.RawMessage) Result {
	msg, err := domain.DecodeNegotiation(kind, payload)
	if err != nil {
		return n.ignore(err)
	}
	return n.Handle(ctx, msg)
}

// Handle applies one message received from the other participant.
func (n *Negotiator) Handle(ctx context.Context, msg domain.NegotiationMessage) Result {
	if msg == nil {
		return n.ignore(domain.ErrMalformedMessage)
	}
	if err := msg.Validate(); err != nil {
		return n.ignore(err)
	}
	if n.State().Terminal() {
		return ignored(ErrClosed)
	}

	switch m := msg.(type) {
	case domain.Offer:
		return n.handleOffer(ctx, m)
	case domain.Answer:
		return n.handleAnswer(m)
	case domain.IceCandidate:
		return n.handleCandidate(m)
	default:
		return n.ignore(fmt.Errorf("%w: %T", domain.ErrUnknownMessage, msg))
	}
}

func (n *Negotiator) handleOffer(ctx context.Context, offer domain.Offer) Result {
	n.mu.Lock()
	if n.role != domain.RoleCallee || n.state != AwaitingRemoteDescription {
		st := n.state
		n.mu.Unlock()
		return n.ignore(fmt.Errorf("%w: offer as %s in %s", ErrOutOfTurn, n.role, st))
	}

	if err := n.transport.SetRemoteDescription(domain.KindOffer, offer.SDP); err != nil {
		n.failLocked()
		n.mu.Unlock()
		return fatal(fmt.Errorf("apply offer: %w", err))
	}
	n.remoteSet = true
	n.flushLocked()

	sdp, err := n.transport.CreateAnswer(ctx)
	if err != nil {
		n.failLocked()
		n.mu.Unlock()
		return fatal(fmt.Errorf("create answer: %w", err))
	}
	n.setStateLocked(Negotiating)
	n.mu.Unlock()

	if err := n.signaler.Send(ctx, domain.Answer{SDP: sdp}); err != nil {
		n.fail()
		return fatal(fmt.Errorf("send answer: %w", err))
	}
	return applied()
}

func (n *Negotiator) handleAnswer(answer domain.Answer) Result {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.role != domain.RoleCaller || n.state != AwaitingRemoteDescription {
		return n.ignore(fmt.Errorf("%w: answer as %s in %s", ErrOutOfTurn, n.role, n.state))
	}
	if err := n.transport.SetRemoteDescription(domain.KindAnswer, answer.SDP); err != nil {
		n.failLocked()
		return fatal(fmt.Errorf("apply answer: %w", err))
	}
	n.remoteSet = true
	n.flushLocked()
	n.setStateLocked(Negotiating)
	return applied()
}

func (n *Negotiator) handleCandidate(c domain.IceCandidate) Result {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.remoteSet {
		if len(n.pending) >= n.maxPending {
			return n.ignore(ErrCandidateBufferFull)
		}
		n.pending = append(n.pending, c)
		n.logger.Debugw("buffered remote candidate", "pending", len(n.pending))
		return buffered()
	}
	if err := n.transport.AddICECandidate(c); err != nil {
		return n.ignore(fmt.Errorf("add candidate: %w", err))
	}
	return applied()
}

// flushLocked applies buffered candidates in arrival order.
func (n *Negotiator) flushLocked() {
	if len(n.pending) == 0 {
		return
	}
	for _, c := range n.pending {
		if err := n.transport.AddICECandidate(c); err != nil {
			n.logger.Warnw("dropping buffered candidate", "error", err)
		}
	}
	n.logger.Debugw("flushed remote candidates", "count", len(n.pending))
	n.pending = nil
}

func (n *Negotiator) sendLocalCandidate(c domain.IceCandidate) {
	if n.State().Terminal() {
		return
	}
	if err := n.signaler.Send(n.ctx, c); err != nil && n.ctx.Err() == nil {
		// a lost local candidate narrows path choice but doesn't end the call
		n.logger.Warnw("failed to send local candidate", "error", err)
	}
}

func (n *Negotiator) handleEvent(ev TransportEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state.Terminal() {
		return
	}
	switch ev {
	case TransportConnected:
		if n.state == Negotiating {
			n.setStateLocked(Connected)
		}
	case TransportFailed:
		n.failLocked()
	case TransportClosed:
		n.setStateLocked(Closed)
		n.finishLocked()
	}
}

// Close ends the call and releases the transport. It is safe to call more
// than once.
func (n *Negotiator) Close() error {
	n.mu.Lock()
	if !n.state.Terminal() {
		n.setStateLocked(Closed)
		n.finishLocked()
	}
	n.mu.Unlock()

	var err error
	n.closeTransport.Do(func() { err = n.transport.Close() })
	return err
}

func (n *Negotiator) fail() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failLocked()
}

func (n *Negotiator) failLocked() {
	if n.state.Terminal() {
		return
	}
	n.setStateLocked(Failed)
	n.finishLocked()
}

func (n *Negotiator) finishLocked() {
	n.pending = nil
	n.cancel()
	select {
	case <-n.done:
	default:
		close(n.done)
	}
}

func (n *Negotiator) setStateLocked(s State) {
	if n.state == s {
		return
	}
	n.logger.Infow("negotiation state changed", "from", n.state, "to", s)
	n.state = s
}

func (n *Negotiator) ignore(err error) Result {
	n.logger.Warnw("ignoring negotiation input", "error", err)
	return ignored(err)
}
