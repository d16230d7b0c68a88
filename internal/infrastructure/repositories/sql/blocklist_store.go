package sql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"callguard/internal/core/domain"
	"callguard/internal/core/ports"
	"callguard/pkg/utils"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// Open connects to sqlite or postgres and migrates the schema. sqlite is
// limited to one connection so transactions queue instead of failing busy.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	if driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return db, nil
}

// SQLBlocklistStore persists abuse state so blocks survive restarts.
// Transitions lock the user's row inside a transaction.
type SQLBlocklistStore struct {
	db    *gorm.DB
	clock utils.Clock
}

func NewSQLBlocklistStore(db *gorm.DB, clock utils.Clock) *SQLBlocklistStore {
	if clock == nil {
		clock = utils.RealClock{}
	}
	return &SQLBlocklistStore{db: db, clock: clock}
}

var _ ports.BlocklistStore = (*SQLBlocklistStore)(nil)

var normalUpdates = func(now int64) map[string]interface{} {
	return map[string]interface{}{
		"state":               string(domain.StateNormal),
		"block_reason":        "",
		"blocked_until_ms":    0,
		"suspicious_since_ms": 0,
		"updated_at_ms":       now,
	}
}

// expire turns lapsed blocks back to normal. scope narrows it to one user.
func expire(tx *gorm.DB, now int64, scope func(*gorm.DB) *gorm.DB) error {
	q := tx.Model(&abuseRecord{}).
		Where("state = ? AND blocked_until_ms <= ?", string(domain.StateBlocked), now)
	if scope != nil {
		q = scope(q)
	}
	return q.Updates(normalUpdates(now)).Error
}

func forUser(userID domain.UserID) func(*gorm.DB) *gorm.DB {
	return func(q *gorm.DB) *gorm.DB { return q.Where("user_id = ?", int64(userID)) }
}

// lockRow returns the user's row locked for update, creating it first when
// create is set. It returns gorm.ErrRecordNotFound otherwise.
func (s *SQLBlocklistStore) lockRow(tx *gorm.DB, userID domain.UserID, now int64, create bool) (*abuseRecord, error) {
	if create {
		seed := abuseRecord{UserID: int64(userID), State: string(domain.StateNormal), UpdatedAtMs: now}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return nil, err
		}
	}
	if err := expire(tx, now, forUser(userID)); err != nil {
		return nil, err
	}

	var rec abuseRecord
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&rec, "user_id = ?", int64(userID)).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLBlocklistStore) Classify(ctx context.Context, userID domain.UserID) (domain.AbuseState, error) {
	st, err := s.Get(ctx, userID)
	if errors.Is(err, domain.ErrUserNotFound) {
		return domain.StateNormal, nil
	}
	if err != nil {
		return "", err
	}
	return st.State, nil
}

func (s *SQLBlocklistStore) Get(ctx context.Context, userID domain.UserID) (*domain.UserAbuseState, error) {
	now := ms(s.clock.Now())
	db := s.db.WithContext(ctx)

	if err := expire(db, now, forUser(userID)); err != nil {
		return nil, fmt.Errorf("sql expire: %w", err)
	}

	var rec abuseRecord
	if err := db.First(&rec, "user_id = ?", int64(userID)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("sql get abuse state: %w", err)
	}
	return rec.toDomain(), nil
}

func (s *SQLBlocklistStore) MarkSuspicious(ctx context.Context, userID domain.UserID, windowCount int) error {
	now := ms(s.clock.Now())
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := s.lockRow(tx, userID, now, true)
		if err != nil {
			return fmt.Errorf("sql mark suspicious: %w", err)
		}
		if rec.State != string(domain.StateNormal) {
			return nil
		}
		rec.State = string(domain.StateSuspicious)
		rec.WindowCount = windowCount
		rec.WindowStartMs = now
		rec.SuspiciousSinceMs = now
		rec.UpdatedAtMs = now
		return tx.Save(rec).Error
	})
}

func (s *SQLBlocklistStore) Block(ctx context.Context, userID domain.UserID, reason string, duration time.Duration) (*domain.UserAbuseState, error) {
	nowT := s.clock.Now()
	now := ms(nowT)

	var out *domain.UserAbuseState
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := s.lockRow(tx, userID, now, true)
		if err != nil {
			return err
		}
		rec.State = string(domain.StateBlocked)
		rec.BlockReason = reason
		rec.BlockedUntilMs = ms(nowT.Add(duration))
		rec.UpdatedAtMs = now
		if err := tx.Save(rec).Error; err != nil {
			return err
		}
		out = rec.toDomain()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sql block: %w", err)
	}
	return out, nil
}

func (s *SQLBlocklistStore) Unblock(ctx context.Context, userID domain.UserID) (bool, error) {
	now := ms(s.clock.Now())

	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := s.lockRow(tx, userID, now, false)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.State == string(domain.StateNormal) {
			return nil
		}
		updates := normalUpdates(now)
		updates["window_count"] = 0
		changed = true
		return tx.Model(&abuseRecord{}).Where("user_id = ?", rec.UserID).Updates(updates).Error
	})
	if err != nil {
		return false, fmt.Errorf("sql unblock: %w", err)
	}
	return changed, nil
}

func (s *SQLBlocklistStore) list(ctx context.Context, state domain.AbuseState) ([]*domain.UserAbuseState, error) {
	now := ms(s.clock.Now())
	db := s.db.WithContext(ctx)

	if err := expire(db, now, nil); err != nil {
		return nil, fmt.Errorf("sql expire: %w", err)
	}

	var recs []abuseRecord
	if err := db.Where("state = ?", string(state)).Order("user_id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("sql list %s: %w", state, err)
	}

	out := make([]*domain.UserAbuseState, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toDomain())
	}
	return out, nil
}

func (s *SQLBlocklistStore) ListBlocked(ctx context.Context) ([]*domain.UserAbuseState, error) {
	return s.list(ctx, domain.StateBlocked)
}

func (s *SQLBlocklistStore) ListSuspicious(ctx context.Context) ([]*domain.UserAbuseState, error) {
	return s.list(ctx, domain.StateSuspicious)
}

func (s *SQLBlocklistStore) Sweep(ctx context.Context) (int, error) {
	now := ms(s.clock.Now())
	db := s.db.WithContext(ctx)

	if err := expire(db, now, nil); err != nil {
		return 0, fmt.Errorf("sql expire: %w", err)
	}
	res := db.Where("state = ?", string(domain.StateNormal)).Delete(&abuseRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("sql sweep: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *SQLBlocklistStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
