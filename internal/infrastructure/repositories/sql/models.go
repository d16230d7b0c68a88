package sql

import (
	"time"

	"callguard/internal/core/domain"
	"callguard/pkg/utils"

	"gorm.io/gorm"
)

// abuseRecord is one row per observed user. Instants are unix milliseconds so
// comparisons behave the same on sqlite and postgres; 0 means unset.
type abuseRecord struct {
	UserID            int64  `gorm:"primaryKey;autoIncrement:false"`
	State             string `gorm:"size:16;not null;index"`
	WindowCount       int
	WindowStartMs     int64
	BlockReason       string `gorm:"size:128"`
	BlockedUntilMs    int64  `gorm:"index"`
	SuspiciousSinceMs int64
	UpdatedAtMs       int64
}

func (abuseRecord) TableName() string { return "user_abuse_states" }

// AutoMigrate creates or updates the abuse tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&abuseRecord{})
}

func (r *abuseRecord) toDomain() *domain.UserAbuseState {
	return &domain.UserAbuseState{
		UserID:          domain.UserID(r.UserID),
		State:           domain.AbuseState(r.State),
		WindowCount:     r.WindowCount,
		WindowStart:     utils.FromUnixMillis(r.WindowStartMs),
		BlockReason:     r.BlockReason,
		BlockedUntil:    utils.FromUnixMillis(r.BlockedUntilMs),
		SuspiciousSince: utils.FromUnixMillis(r.SuspiciousSinceMs),
		UpdatedAt:       utils.FromUnixMillis(r.UpdatedAtMs),
	}
}

func ms(t time.Time) int64 { return utils.UnixMillis(t) }
