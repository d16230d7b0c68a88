package services

import (
	"sync"
	"time"

	"callguard/internal/core/domain"
	"callguard/pkg/utils"
)

// Observation is what the counter saw for one recorded message.
type Observation struct {
	// WindowCount is the number of counted messages in the current window,
	// including this one unless it was capped.
	WindowCount int
	WindowStart time.Time
	// Capped is set when the per-second hard cap rejected the message. Capped
	// messages are not counted towards the window.
	Capped bool
}

type counterEntry struct {
	windowStart time.Time
	count       int
	secondStart time.Time
	secondCount int
	lastSeen    time.Time
}

// AbuseCounter keeps a fixed-window message count per user plus a one-second
// hard cap in front of it. It does no I/O.
type AbuseCounter struct {
	window  time.Duration
	hardCap int
	clock   utils.Clock
	mu      sync.Mutex
	entries map[domain.UserID]*counterEntry
}

func NewAbuseCounter(window time.Duration, hardCapPerSecond int, clock utils.Clock) *AbuseCounter {
	if clock == nil {
		clock = utils.RealClock{}
	}
	return &AbuseCounter{
		window:  window,
		hardCap: hardCapPerSecond,
		clock:   clock,
		entries: make(map[domain.UserID]*counterEntry),
	}
}

// Record accounts one inbound negotiation message for userID.
func (c *AbuseCounter) Record(userID domain.UserID) Observation {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[userID]
	if !ok {
		e = &counterEntry{windowStart: now, secondStart: now}
		c.entries[userID] = e
	}
	e.lastSeen = now

	if now.Sub(e.secondStart) >= time.Second {
		e.secondStart = now
		e.secondCount = 0
	}
	if now.Sub(e.windowStart) >= c.window {
		e.windowStart = now
		e.count = 0
	}

	if c.hardCap > 0 && e.secondCount >= c.hardCap {
		return Observation{WindowCount: e.count, WindowStart: e.windowStart, Capped: true}
	}
	e.secondCount++
	e.count++

	return Observation{WindowCount: e.count, WindowStart: e.windowStart}
}

// Reset starts a fresh window for userID. The hard-cap second is kept.
func (c *AbuseCounter) Reset(userID domain.UserID) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[userID]; ok {
		e.windowStart = now
		e.count = 0
	}
}

// Count returns the live window count for userID.
func (c *AbuseCounter) Count(userID domain.UserID) int {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[userID]
	if !ok || now.Sub(e.windowStart) >= c.window {
		return 0
	}
	return e.count
}

// Forget drops users not seen for olderThan and returns how many went.
func (c *AbuseCounter) Forget(olderThan time.Duration) int {
	cutoff := c.clock.Now().Add(-olderThan)

	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for id, e := range c.entries {
		if e.lastSeen.Before(cutoff) {
			delete(c.entries, id)
			n++
		}
	}
	return n
}

// Len returns the number of tracked users.
func (c *AbuseCounter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
