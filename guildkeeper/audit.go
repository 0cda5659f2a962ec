package guildkeeper

import (
	"context"
	"github.com/google/uuid"
	"time"
)

const (
	maxAuditQueryLimit = 100

	columnInvocationServerID  = "server_id"
	columnInvocationTimestamp = "timestamp"
)

// CommandInvocation records a single attempt to run a recognized
// command. Records are immutable once written.
type CommandInvocation struct {
	ModelUintID

	// CommandID uniquely identifies the invocation
	CommandID string `gorm:"uniqueIndex;not null" json:"command_id"`

	// ServerID is the originating server, or nil for direct messages
	ServerID *string `gorm:"index" json:"server_id"`

	UserID      string `gorm:"index;not null" json:"user_id"`
	CommandName string `gorm:"index;not null" json:"command_name"`

	// RawParameters is the text that followed the command name
	RawParameters string `json:"raw_parameters"`

	// Parameters are the parsed parameter values, when parsing succeeded
	Parameters map[string]any `gorm:"serializer:json" json:"parameters"`

	Timestamp    time.Time `gorm:"index;not null" json:"timestamp"`
	Success      bool      `json:"success"`
	ErrorMessage *string   `json:"error_message"`
}

// AuditLog is an append-only record of command invocations
type AuditLog interface {
	// Record appends an invocation. A CommandID and Timestamp are
	// assigned if not already set.
	Record(ctx context.Context, inv *CommandInvocation) error

	// Recent returns up to n invocations, newest first. n is capped at 100.
	Recent(ctx context.Context, n int) ([]CommandInvocation, error)

	// RecentForServer returns up to n invocations from the given
	// server, newest first. n is capped at 100.
	RecentForServer(ctx context.Context, serverID string, n int) ([]CommandInvocation, error)

	Count(ctx context.Context) (int64, error)
}

type auditLog struct {
	db DBI
}

// NewAuditLog returns an AuditLog backed by the given database
func NewAuditLog(db DBI) AuditLog {
	return &auditLog{db: db}
}

func (a *auditLog) Record(ctx context.Context, inv *CommandInvocation) error {
	if inv.CommandID == "" {
		inv.CommandID = uuid.NewString()
	}
	if inv.Timestamp.IsZero() {
		inv.Timestamp = time.Now().UTC()
	}
	_, err := a.db.Create(ctx, inv)
	return err
}

func auditLimit(n int) int {
	if n <= 0 || n > maxAuditQueryLimit {
		return maxAuditQueryLimit
	}
	return n
}

func (a *auditLog) Recent(ctx context.Context, n int) ([]CommandInvocation, error) {
	logs := []CommandInvocation{}
	err := a.db.DB().WithContext(ctx).
		Order(columnInvocationTimestamp + " desc").
		Order("id desc").
		Limit(auditLimit(n)).
		Find(&logs).Error
	return logs, err
}

func (a *auditLog) RecentForServer(
	ctx context.Context,
	serverID string,
	n int,
) ([]CommandInvocation, error) {
	logs := []CommandInvocation{}
	err := a.db.DB().WithContext(ctx).
		Where(columnInvocationServerID+" = ?", serverID).
		Order(columnInvocationTimestamp + " desc").
		Order("id desc").
		Limit(auditLimit(n)).
		Find(&logs).Error
	return logs, err
}

func (a *auditLog) Count(ctx context.Context) (int64, error) {
	var ct int64
	err := a.db.DB().WithContext(ctx).Model(&CommandInvocation{}).Count(&ct).Error
	return ct, err
}
