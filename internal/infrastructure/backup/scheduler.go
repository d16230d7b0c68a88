package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"callguard/internal/core/domain"
	"callguard/pkg/backup"

	"go.uber.org/zap"
)

const snapshotKind = "blocklist"

// Snapshotter is a blocklist store that can dump and reload its entries.
type Snapshotter interface {
	Snapshot() []*domain.UserAbuseState
	Restore(states []*domain.UserAbuseState) int
}

type entryRecord struct {
	UserID          int64     `json:"user_id"`
	State           string    `json:"state"`
	WindowCount     int       `json:"window_count"`
	WindowStart     time.Time `json:"window_start"`
	BlockReason     string    `json:"block_reason,omitempty"`
	BlockedUntil    time.Time `json:"blocked_until"`
	SuspiciousSince time.Time `json:"suspicious_since"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func toRecord(st *domain.UserAbuseState) entryRecord {
	return entryRecord{
		UserID:          int64(st.UserID),
		State:           string(st.State),
		WindowCount:     st.WindowCount,
		WindowStart:     st.WindowStart,
		BlockReason:     st.BlockReason,
		BlockedUntil:    st.BlockedUntil,
		SuspiciousSince: st.SuspiciousSince,
		UpdatedAt:       st.UpdatedAt,
	}
}

func (r entryRecord) state() *domain.UserAbuseState {
	return &domain.UserAbuseState{
		UserID:          domain.UserID(r.UserID),
		State:           domain.AbuseState(r.State),
		WindowCount:     r.WindowCount,
		WindowStart:     r.WindowStart,
		BlockReason:     r.BlockReason,
		BlockedUntil:    r.BlockedUntil,
		SuspiciousSince: r.SuspiciousSince,
		UpdatedAt:       r.UpdatedAt,
	}
}

// Config contains scheduler configuration
type Config struct {
	Interval time.Duration
	Keep     int
}

// Scheduler periodically writes the blocklist to backup storage and prunes
// old snapshots.
type Scheduler struct {
	backupService *backup.BackupService
	store         Snapshotter
	interval      time.Duration
	keep          int
	logger        *zap.SugaredLogger
}

func NewScheduler(backupService *backup.BackupService, store Snapshotter, cfg Config, logger *zap.SugaredLogger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Keep <= 0 {
		cfg.Keep = 5
	}
	return &Scheduler{
		backupService: backupService,
		store:         store,
		interval:      cfg.Interval,
		keep:          cfg.Keep,
		logger:        logger,
	}
}

// Run snapshots on every tick until ctx is done. Failures are logged and the
// loop keeps going.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SnapshotOnce(ctx); err != nil {
				s.logger.Warnw("blocklist snapshot failed", "error", err)
			}
		}
	}
}

// SnapshotOnce writes one snapshot and prunes beyond the retention count.
func (s *Scheduler) SnapshotOnce(ctx context.Context) (string, error) {
	states := s.store.Snapshot()
	records := make([]entryRecord, 0, len(states))
	for _, st := range states {
		records = append(records, toRecord(st))
	}

	name, err := s.backupService.CreateBackup(ctx, snapshotKind, records, map[string]string{
		"entries": strconv.Itoa(len(records)),
	})
	if err != nil {
		return "", err
	}

	removed, err := s.backupService.Prune(ctx, s.keep)
	if err != nil {
		s.logger.Warnw("failed to prune blocklist snapshots", "error", err)
	}
	s.logger.Debugw("blocklist snapshot written", "name", name, "entries", len(records), "pruned", removed)
	return name, nil
}

// RestoreLatest loads the newest snapshot into the store. A missing snapshot
// is not an error. It returns the number of entries loaded; expired blocks
// are skipped by the store.
func (s *Scheduler) RestoreLatest(ctx context.Context) (int, error) {
	name, err := s.backupService.Latest(ctx)
	if errors.Is(err, backup.ErrNoBackups) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	data, err := s.backupService.RestoreBackup(ctx, name)
	if err != nil {
		return 0, err
	}
	if data.Kind != snapshotKind {
		return 0, fmt.Errorf("backup %s has kind %q, want %q", name, data.Kind, snapshotKind)
	}

	var records []entryRecord
	if err := json.Unmarshal(data.Payload, &records); err != nil {
		return 0, fmt.Errorf("failed to decode blocklist snapshot %s: %w", name, err)
	}
	states := make([]*domain.UserAbuseState, 0, len(records))
	for _, r := range records {
		if r.UserID <= 0 {
			continue
		}
		states = append(states, r.state())
	}

	loaded := s.store.Restore(states)
	s.logger.Infow("blocklist restored from snapshot", "name", name, "entries", len(records), "loaded", loaded)
	return loaded, nil
}
