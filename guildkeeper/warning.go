package guildkeeper

import (
	"context"
	"github.com/google/uuid"
	"time"
)

// Warning is a moderation warning issued to a server member
type Warning struct {
	ModelUintID
	WarningID   string    `gorm:"uniqueIndex;not null" json:"warning_id"`
	ServerID    string    `gorm:"index:idx_warning_server_user;not null" json:"server_id"`
	UserID      string    `gorm:"index:idx_warning_server_user;not null" json:"user_id"`
	ModeratorID string    `gorm:"not null" json:"moderator_id"`
	Reason      string    `json:"reason"`
	Timestamp   time.Time `gorm:"not null" json:"timestamp"`
}

// WarningLog stores warnings and counts them per member
type WarningLog struct {
	db DBI
}

func NewWarningLog(db DBI) *WarningLog {
	return &WarningLog{db: db}
}

// Add stores the warning, and returns the member's total number of
// warnings in the server, including this one
func (w *WarningLog) Add(ctx context.Context, warning *Warning) (int64, error) {
	if warning.WarningID == "" {
		warning.WarningID = uuid.NewString()
	}
	if warning.Timestamp.IsZero() {
		warning.Timestamp = time.Now().UTC()
	}
	if _, err := w.db.Create(ctx, warning); err != nil {
		return 0, err
	}
	return w.Count(ctx, warning.ServerID, warning.UserID)
}

// Count returns the number of warnings for the member in the server
func (w *WarningLog) Count(ctx context.Context, serverID, userID string) (int64, error) {
	var ct int64
	err := w.db.DB().WithContext(ctx).
		Model(&Warning{}).
		Where("server_id = ? AND user_id = ?", serverID, userID).
		Count(&ct).Error
	return ct, err
}
