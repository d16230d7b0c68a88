package signal

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"callguard/internal/core/domain"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const errorReplyBurst = 5

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendQueueFull    = errors.New("send queue full")
)

// Connection is one client websocket. Frames are written by a single writer
// goroutine in the order Send accepted them.
type Connection struct {
	id        domain.ConnID
	userID    domain.UserID
	sessionID domain.SessionID

	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	closed sync.Once

	reasonMu    sync.Mutex
	closeReason string

	// notices limits blocked notices on this connection.
	notices *rate.Limiter

	// errorReplies limits error frames sent back for rejected messages.
	errorReplies *rate.Limiter

	writeTimeout time.Duration
	pingInterval time.Duration
	logger       *zap.SugaredLogger
}

var _ domain.ConnHandle = (*Connection)(nil)

func newConnection(
	id domain.ConnID,
	userID domain.UserID,
	sessionID domain.SessionID,
	ws *websocket.Conn,
	cfg Config,
	logger *zap.SugaredLogger,
) *Connection {
	return &Connection{
		id:           id,
		userID:       userID,
		sessionID:    sessionID,
		ws:           ws,
		send:         make(chan []byte, cfg.SendQueueSize),
		done:         make(chan struct{}),
		notices:      rate.NewLimiter(rate.Every(cfg.NoticeInterval), 1),
		errorReplies: rate.NewLimiter(rate.Every(cfg.NoticeInterval), errorReplyBurst),
		writeTimeout: cfg.WriteTimeout,
		pingInterval: cfg.PingInterval,
		logger:       logger,
	}
}

func (c *Connection) ID() domain.ConnID              { return c.id }
func (c *Connection) UserID() domain.UserID          { return c.userID }
func (c *Connection) SessionID() domain.SessionID    { return c.sessionID }
func (c *Connection) Done() <-chan struct{}          { return c.done }
func (c *Connection) allowNotice(now time.Time) bool { return c.notices.AllowN(now, 1) }
func (c *Connection) allowErrorReply(now time.Time) bool {
	return c.errorReplies.AllowN(now, 1)
}

// Send queues frame without blocking. A connection whose queue is full is
// too slow to keep up and gets closed.
func (c *Connection) Send(frame interface{}) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		c.logger.Warnw("send queue overflow, closing connection",
			"conn_id", c.id,
			"user_id", c.userID,
		)
		c.Close("send queue overflow")
		return ErrSendQueueFull
	}
}

// Close asks the writer to flush queued frames and close with a normal
// close frame carrying reason. It is safe to call more than once.
func (c *Connection) Close(reason string) {
	c.closed.Do(func() {
		c.reasonMu.Lock()
		c.closeReason = reason
		c.reasonMu.Unlock()
		close(c.done)
	})
}

func (c *Connection) reason() string {
	c.reasonMu.Lock()
	defer c.reasonMu.Unlock()
	return c.closeReason
}

func (c *Connection) write(messageType int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(messageType, data)
}

// writePump owns all writes to ws. It returns after the socket is closed.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.logger.Debugw("write failed", "conn_id", c.id, "error", err)
				c.Close("write failed")
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.logger.Debugw("ping failed", "conn_id", c.id, "error", err)
				c.Close("ping failed")
				return
			}

		case <-c.done:
			c.flush()
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, c.reason())
			_ = c.write(websocket.CloseMessage, msg)
			return
		}
	}
}

// flush writes whatever is still queued.
func (c *Connection) flush() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}
