package negotiator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"callguard/internal/core/domain"
	"callguard/internal/infrastructure/signal"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultThrottle is the cooperative per-client send rate, kept well under
// the relay's hard cap.
const DefaultThrottle = 15.0

var ErrPeerLeft = errors.New("peer left the call")

// ClientConfig configures the connection to the relay.
type ClientConfig struct {
	// URL is the relay websocket endpoint including ?session_id=.
	URL   string
	Token string
	// Throttle is messages per second until the relay announces its own
	// rate in session_joined; zero means DefaultThrottle.
	Throttle     float64
	WriteTimeout time.Duration
}

// relayFrame is a server frame with its payload left undecoded.
type relayFrame struct {
	Type      string           `json:"type"`
	From      domain.UserID    `json:"from,omitempty"`
	SessionID domain.SessionID `json:"session_id,omitempty"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
}

type outboundMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// SignalingClient is the client end of the relay websocket. It implements
// Signaler: sends are throttled and held back while the relay reports the
// user as blocked.
type SignalingClient struct {
	conn         *websocket.Conn
	limiter      *rate.Limiter
	writeTimeout time.Duration
	logger       *zap.SugaredLogger

	writeMu sync.Mutex

	pauseMu     sync.Mutex
	pausedUntil time.Time
	resume      chan struct{}
}

// Dial connects to the relay and authenticates with a bearer token.
func Dial(ctx context.Context, cfg ClientConfig, logger *zap.SugaredLogger) (*SignalingClient, error) {
	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial relay: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	return newSignalingClient(conn, cfg, logger), nil
}

func newSignalingClient(conn *websocket.Conn, cfg ClientConfig, logger *zap.SugaredLogger) *SignalingClient {
	if cfg.Throttle <= 0 {
		cfg.Throttle = DefaultThrottle
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &SignalingClient{
		conn:         conn,
		limiter:      rate.NewLimiter(rate.Limit(cfg.Throttle), 1),
		writeTimeout: cfg.WriteTimeout,
		logger:       logger,
		resume:       make(chan struct{}),
	}
}

// Send waits out any block, then for a throttle token, then writes msg.
func (c *SignalingClient) Send(ctx context.Context, msg domain.NegotiationMessage) error {
	if err := c.waitUnpaused(ctx); err != nil {
		return err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.write(outboundMessage{Type: string(msg.Kind()), Payload: msg})
}

// Hangup ends the call for both participants.
func (c *SignalingClient) Hangup() error {
	return c.write(outboundMessage{Type: signal.TypeHangup})
}

func (c *SignalingClient) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *SignalingClient) write(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// PausedFor reports how long sends are still held back.
func (c *SignalingClient) PausedFor() time.Duration {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	if d := time.Until(c.pausedUntil); d > 0 {
		return d
	}
	return 0
}

func (c *SignalingClient) pause(d time.Duration) {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	until := time.Now().Add(d)
	if until.After(c.pausedUntil) {
		c.pausedUntil = until
	}
}

// unpause lifts a block early, waking any waiting senders.
func (c *SignalingClient) unpause() {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	c.pausedUntil = time.Time{}
	close(c.resume)
	c.resume = make(chan struct{})
}

func (c *SignalingClient) waitUnpaused(ctx context.Context) error {
	for {
		c.pauseMu.Lock()
		wait := time.Until(c.pausedUntil)
		resume := c.resume
		c.pauseMu.Unlock()
		if wait <= 0 {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-resume:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// adoptThrottle switches to the send rate the relay asked for.
func (c *SignalingClient) adoptThrottle(perSecond float64) {
	if perSecond <= 0 {
		return
	}
	c.limiter.SetLimit(rate.Limit(perSecond))
	c.logger.Debugw("adopted relay throttle", "per_second", perSecond)
}

// applyControl handles the frames that change whether sends may proceed.
// It runs on the reader so an unblock gets through while Run is itself
// waiting in Send.
func (c *SignalingClient) applyControl(f relayFrame) bool {
	switch f.Type {
	case signal.TypeBlocked:
		var p signal.BlockedPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			c.logger.Warnw("undecodable blocked notice", "error", err)
			return true
		}
		retry := time.Duration(p.RetryAfterMs) * time.Millisecond
		c.pause(retry)
		c.logger.Warnw("relay blocked this user", "reason", p.Reason, "retry_after", retry)
		return true

	case signal.TypeUnblocked:
		c.unpause()
		c.logger.Infow("relay lifted block")
		return true
	}
	return false
}

// inbox queues frames from the reader to Run without ever blocking the
// reader.
type inbox struct {
	mu    sync.Mutex
	items []inboxItem
	ready chan struct{}
}

type inboxItem struct {
	frame relayFrame
	err   error
}

func newInbox() *inbox {
	return &inbox{ready: make(chan struct{}, 1)}
}

func (q *inbox) push(item inboxItem) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *inbox) pop() (inboxItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return inboxItem{}, false
	}
	item := q.items[0]
	q.items[0] = inboxItem{}
	q.items = q.items[1:]
	return item, true
}

// NegotiatorFactory builds the negotiator once the relay has assigned a role.
type NegotiatorFactory func(role domain.ParticipantRole) (*Negotiator, error)

// Run reads relay frames until the call ends. It returns nil on hangup or
// when ctx is cancelled, ErrPeerLeft when the other side goes away, and an
// error for fatal negotiation faults or a broken connection.
func (c *SignalingClient) Run(ctx context.Context, newNegotiator NegotiatorFactory) error {
	var neg *Negotiator
	defer func() {
		if neg != nil {
			_ = neg.Close()
		}
	}()

	in := newInbox()
	go func() {
		for {
			var f relayFrame
			if err := c.conn.ReadJSON(&f); err != nil {
				in.push(inboxItem{err: err})
				return
			}
			if c.applyControl(f) {
				continue
			}
			in.push(inboxItem{frame: f})
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-in.ready:
		}

		for {
			item, ok := in.pop()
			if !ok {
				break
			}
			if item.err != nil {
				if websocket.IsCloseError(item.err, websocket.CloseNormalClosure) {
					return nil
				}
				return fmt.Errorf("read relay frame: %w", item.err)
			}
			if err := c.dispatch(ctx, item.frame, &neg, newNegotiator); err != nil {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
		}
	}
}

func (c *SignalingClient) dispatch(ctx context.Context, f relayFrame, neg **Negotiator, newNegotiator NegotiatorFactory) error {
	switch f.Type {
	case signal.TypeSessionJoined:
		var p signal.RolePayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return fmt.Errorf("decode session_joined: %w", err)
		}
		c.adoptThrottle(p.ThrottlePerSecond)
		if *neg != nil {
			return nil
		}
		n, err := newNegotiator(p.Role)
		if err != nil {
			return err
		}
		*neg = n
		c.logger.Infow("joined session", "session_id", f.SessionID, "role", p.Role)

	case signal.TypeSessionReady:
		if *neg != nil && (*neg).Role() == domain.RoleCaller {
			if res := (*neg).Start(ctx); res.IsFatal() {
				return res.Err
			}
		}

	case string(domain.KindOffer), string(domain.KindAnswer), string(domain.KindICECandidate):
		if *neg == nil {
			c.logger.Warnw("negotiation message before join", "type", f.Type)
			return nil
		}
		if res := (*neg).HandleRaw(ctx, f.Type, f.Payload); res.IsFatal() {
			return res.Err
		}

	case signal.TypePeerLeft:
		return ErrPeerLeft

	case signal.TypeError:
		var p signal.ErrorPayload
		_ = json.Unmarshal(f.Payload, &p)
		c.logger.Warnw("relay error", "code", p.Code, "message", p.Message)

	default:
		c.logger.Debugw("ignoring relay frame", "type", f.Type)
	}
	return nil
}
