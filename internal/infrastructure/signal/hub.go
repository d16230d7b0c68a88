package signal

import (
	"context"
	"sync"

	"callguard/internal/core/domain"
	"callguard/internal/core/ports"
	"callguard/internal/infrastructure/monitoring"
	"callguard/pkg/utils"

	"go.uber.org/zap"
)

// Hub indexes this instance's live connections by user so abuse notices can
// reach every connection a user has open. It is the local AbuseNotifier.
type Hub struct {
	mu    sync.RWMutex
	users map[domain.UserID]map[domain.ConnID]*Connection

	clock   utils.Clock
	metrics *monitoring.PrometheusCollector
	logger  *zap.SugaredLogger
}

var _ ports.AbuseNotifier = (*Hub)(nil)

func NewHub(clock utils.Clock, metrics *monitoring.PrometheusCollector, logger *zap.SugaredLogger) *Hub {
	if clock == nil {
		clock = utils.RealClock{}
	}
	return &Hub{
		users:   make(map[domain.UserID]map[domain.ConnID]*Connection),
		clock:   clock,
		metrics: metrics,
		logger:  logger,
	}
}

func (h *Hub) Register(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.users[c.userID]
	if !ok {
		conns = make(map[domain.ConnID]*Connection)
		h.users[c.userID] = conns
	}
	conns[c.id] = c
}

func (h *Hub) Unregister(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.users[c.userID]
	if !ok {
		return
	}
	delete(conns, c.id)
	if len(conns) == 0 {
		delete(h.users, c.userID)
	}
}

func (h *Hub) connectionsOf(userID domain.UserID) []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Connection, 0, len(h.users[userID]))
	for _, c := range h.users[userID] {
		out = append(out, c)
	}
	return out
}

// Count returns the number of registered connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, conns := range h.users {
		n += len(conns)
	}
	return n
}

// CloseAll closes every connection, used on shutdown.
func (h *Hub) CloseAll(reason string) {
	h.mu.RLock()
	all := make([]*Connection, 0)
	for _, conns := range h.users {
		for _, c := range conns {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range all {
		c.Close(reason)
	}
}

// sendBlocked sends a blocked notice unless one went out on c within the
// notice interval.
func (h *Hub) sendBlocked(c *Connection, state *domain.UserAbuseState) {
	now := h.clock.Now()
	if !c.allowNotice(now) {
		return
	}

	payload := BlockedPayload{Reason: domain.ReasonICEFlood}
	if state != nil {
		if state.BlockReason != "" {
			payload.Reason = state.BlockReason
		}
		payload.RetryAfterMs = state.Remaining(now).Milliseconds()
	}

	if err := c.Send(Frame{Type: TypeBlocked, SessionID: c.sessionID, Payload: payload}); err != nil {
		h.logger.Debugw("blocked notice not delivered", "conn_id", c.id, "error", err)
		return
	}
	h.metrics.RecordNotice(TypeBlocked)
}

func (h *Hub) NotifyBlocked(ctx context.Context, state *domain.UserAbuseState) error {
	for _, c := range h.connectionsOf(state.UserID) {
		h.sendBlocked(c, state)
	}
	return nil
}

func (h *Hub) NotifyUnblocked(ctx context.Context, userID domain.UserID) error {
	for _, c := range h.connectionsOf(userID) {
		if err := c.Send(Frame{Type: TypeUnblocked, SessionID: c.sessionID}); err != nil {
			h.logger.Debugw("unblocked notice not delivered", "conn_id", c.id, "error", err)
			continue
		}
		h.metrics.RecordNotice(TypeUnblocked)
	}
	return nil
}
