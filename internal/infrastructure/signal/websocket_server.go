package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"callguard/internal/core/domain"
	"callguard/internal/core/ports"
	"callguard/internal/core/services"
	"callguard/internal/infrastructure/monitoring"
	"callguard/pkg/config"
	"callguard/pkg/tracing"
	"callguard/pkg/utils"
	"callguard/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Config holds the relay's connection tunables.
type Config struct {
	PingInterval    time.Duration
	PongTimeout     time.Duration
	WriteTimeout    time.Duration
	SendQueueSize   int
	MaxMessageBytes int64
	NoticeInterval  time.Duration
	AllowedOrigins  []string

	// ClientThrottle is the send rate clients are told to keep to, in
	// messages per second.
	ClientThrottle float64
}

// ConfigFrom picks the relay settings out of the service config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		PingInterval:    cfg.Signal.PingInterval,
		PongTimeout:     cfg.Signal.PongTimeout,
		WriteTimeout:    cfg.Signal.WriteTimeout,
		SendQueueSize:   cfg.Signal.SendQueueSize,
		MaxMessageBytes: cfg.Signal.MaxMessageBytes,
		NoticeInterval:  cfg.Abuse.NoticeInterval,
		AllowedOrigins:  cfg.Signal.AllowedOrigins,
		ClientThrottle:  cfg.Abuse.ClientThrottlePerSecond,
	}
}

// WebSocketServer relays offers, answers and ICE candidates between the two
// participants of a call session. Every negotiation message goes through the
// abuse guard before it is forwarded.
type WebSocketServer struct {
	registry ports.SessionRegistry
	guard    ports.AbuseGuard
	hub      *Hub

	cfg      Config
	upgrader websocket.Upgrader
	clock    utils.Clock
	metrics  *monitoring.PrometheusCollector
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

var errNotJSON = errors.New("message is not valid JSON")

func NewWebSocketServer(
	registry ports.SessionRegistry,
	guard ports.AbuseGuard,
	hub *Hub,
	cfg Config,
	clock utils.Clock,
	metrics *monitoring.PrometheusCollector,
	logger *zap.SugaredLogger,
) *WebSocketServer {
	if clock == nil {
		clock = utils.RealClock{}
	}
	s := &WebSocketServer{
		registry: registry,
		guard:    guard,
		hub:      hub,
		cfg:      cfg,
		clock:    clock,
		metrics:  metrics,
		logger:   logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// HandleWebSocket serves GET /ws?session_id=<id>. Claims must already be on
// the request context (see middleware.AuthMiddleware).
func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	claims, err := services.ClaimsFromContext(r.Context())
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if err := validation.ValidateSessionID(sessionID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !s.track() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}

	conn := newConnection(
		domain.ConnID(utils.GenerateConnectionID()),
		claims.UserID,
		domain.SessionID(sessionID),
		ws,
		s.cfg,
		s.logger,
	)
	s.metrics.RecordConnectionOpened()
	defer s.metrics.RecordConnectionClosed()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		conn.writePump()
	}()
	defer func() {
		conn.Close("")
		<-writerDone
	}()

	session, role, err := s.registry.Join(conn.sessionID, conn)
	if err != nil {
		s.rejectJoin(conn, err)
		return
	}

	s.hub.Register(conn)
	defer s.hub.Unregister(conn)
	if s.isClosing() {
		// registered after Shutdown's CloseAll ran
		conn.Close("server shutting down")
	}

	if role == domain.RoleCaller {
		s.metrics.RecordSessionStarted()
	}

	s.logger.Infow("participant joined",
		"session_id", conn.sessionID,
		"user_id", conn.userID,
		"conn_id", conn.id,
		"role", role,
	)

	_ = conn.Send(Frame{
		Type:      TypeSessionJoined,
		SessionID: conn.sessionID,
		Payload:   RolePayload{Role: role, ThrottlePerSecond: s.cfg.ClientThrottle},
	})
	if session.Ready() {
		s.announceReady(session)
	}

	s.readLoop(r.Context(), conn)
	s.endSession(conn)
}

// track counts a handler in for Shutdown to wait on. It refuses once
// Shutdown has begun.
func (s *WebSocketServer) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *WebSocketServer) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *WebSocketServer) rejectJoin(conn *Connection, err error) {
	code := CodeInternal
	switch {
	case errors.Is(err, domain.ErrSessionFull):
		code = CodeSessionFull
	case errors.Is(err, domain.ErrAlreadyJoined):
		code = CodeAlreadyJoined
	}

	s.logger.Infow("join rejected",
		"session_id", conn.sessionID,
		"user_id", conn.userID,
		"code", code,
	)
	_ = conn.Send(errorFrame(code, err.Error()))
	conn.Close(code)
}

func (s *WebSocketServer) announceReady(session *domain.CallSession) {
	for _, p := range session.Participants() {
		role, _ := session.RoleOf(p.ID())
		if err := p.Send(Frame{Type: TypeSessionReady, SessionID: session.ID, Payload: RolePayload{Role: role}}); err != nil {
			s.logger.Debugw("session_ready not delivered", "conn_id", p.ID(), "error", err)
		}
	}
}

// readLoop processes the connection's messages one at a time, which keeps
// each sender's messages in order. It returns on hangup or read error.
func (s *WebSocketServer) readLoop(ctx context.Context, conn *Connection) {
	ws := conn.ws
	ws.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Infow("error reading message", "conn_id", conn.id, "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		var msg InboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.handleNegotiation(ctx, conn, InboundMessage{}, errNotJSON)
			continue
		}

		if msg.Type == TypeHangup {
			s.logger.Infow("hangup", "session_id", conn.sessionID, "user_id", conn.userID)
			return
		}

		s.handleNegotiation(ctx, conn, msg, nil)
	}
}

// rejectMessage records the drop and answers with an error frame, at most
// a few per notice interval on each connection.
func (s *WebSocketServer) rejectMessage(conn *Connection, kind domain.MessageKind, code, message string) {
	s.metrics.RecordDropped(kind, code)
	if !conn.allowErrorReply(s.clock.Now()) {
		return
	}
	_ = conn.Send(errorFrame(code, message))
}

func (s *WebSocketServer) discard(conn *Connection, msg InboundMessage, err error) {
	code := CodeBadMessage
	if errors.Is(err, domain.ErrUnknownMessage) {
		code = CodeUnknownType
	}
	s.logger.Debugw("discarding message",
		"session_id", conn.sessionID,
		"user_id", conn.userID,
		"type", msg.Type,
		"error", err,
	)
	s.rejectMessage(conn, domain.MessageKind(msg.Type), code, err.Error())
}

// handleNegotiation runs every message through the abuse guard before
// looking at its contents, so malformed messages count toward the sender's
// window and hard cap like any other. parseErr is set when the frame was
// not JSON at all.
func (s *WebSocketServer) handleNegotiation(ctx context.Context, conn *Connection, msg InboundMessage, parseErr error) {
	kind := domain.MessageKind(msg.Type)

	ctx, span := tracing.TraceSignalMessage(ctx, string(kind), string(conn.sessionID), int64(conn.userID))
	defer span.End()

	inspectStart := time.Now()
	verdict := s.guard.Inspect(ctx, conn.userID)
	tracing.MeasureDuration(ctx, inspectStart, "abuse.inspect")
	span.SetAttributes(tracing.ActionKey.String(verdict.Action.String()))

	if verdict.StoreErr != nil {
		s.metrics.RecordStoreError(verdict.Action.String())
		tracing.RecordError(ctx, verdict.StoreErr)
	}
	if verdict.Transition != "" {
		s.metrics.RecordTransition(verdict.Transition)
		span.SetAttributes(tracing.TransitionKey.String(string(verdict.Transition)))
	}

	switch verdict.Action {
	case ports.ActionForward:
		if parseErr != nil {
			s.discard(conn, msg, parseErr)
			return
		}
		neg, err := decodeNegotiation(msg)
		if err != nil {
			s.discard(conn, msg, err)
			return
		}
		s.forward(conn, neg, msg.Payload)

	case ports.ActionDropBlocked:
		s.metrics.RecordDropped(kind, verdict.Action.String())
		// the guard already notified every connection of a fresh block
		if verdict.Transition != domain.StateBlocked {
			s.hub.sendBlocked(conn, verdict.State)
		}

	default:
		s.metrics.RecordDropped(kind, verdict.Action.String())
	}
}

func (s *WebSocketServer) forward(conn *Connection, neg domain.NegotiationMessage, payload json.RawMessage) {
	peer, err := s.registry.Peer(conn.sessionID, conn.id)
	if err != nil {
		s.rejectMessage(conn, neg.Kind(), CodePeerNotConnected, "the other participant has not joined yet")
		return
	}

	frame := Frame{
		Type:      string(neg.Kind()),
		From:      conn.userID,
		SessionID: conn.sessionID,
		Payload:   payload,
	}
	if err := peer.Send(frame); err != nil {
		s.logger.Infow("forward failed", "session_id", conn.sessionID, "to_conn", peer.ID(), "error", err)
		s.metrics.RecordDropped(neg.Kind(), "peer_send")
		return
	}
	s.metrics.RecordForwarded(neg.Kind())
}

// endSession removes the session on the first participant to leave and
// tells the other one. Abuse state is left alone.
func (s *WebSocketServer) endSession(conn *Connection) {
	session, ok := s.registry.Remove(conn.sessionID, conn.id)
	if !ok {
		return
	}
	s.metrics.RecordSessionEnded(s.clock.Now().Sub(session.CreatedAt))

	for _, p := range session.Participants() {
		if p.ID() == conn.id {
			continue
		}
		_ = p.Send(Frame{Type: TypePeerLeft, SessionID: session.ID})
		p.Close("peer left")
	}

	s.logger.Infow("session ended",
		"session_id", session.ID,
		"left_by", conn.userID,
	)
}

// ConnectionCount returns the number of live connections on this instance.
func (s *WebSocketServer) ConnectionCount() int {
	return s.hub.Count()
}

// Shutdown closes all connections and waits for their handlers to return.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.hub.CloseAll("server shutting down")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
