package guildkeeper

import (
	"context"
	"errors"
	"fmt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"strings"
	"unicode"
)

const (
	// DefaultCommandPrefix is used for servers without a stored prefix,
	// and in direct messages
	DefaultCommandPrefix = "!"

	maxCommandPrefixLength = 16

	columnServerID             = "id"
	columnServerName           = "name"
	columnServerPrefix         = "prefix"
	columnServerWelcomeChannel = "welcome_channel"
	columnServerLogChannel     = "log_channel"
	columnServerAutoRole       = "auto_role"
	columnServerSettings       = "settings"
	columnServerUpdatedAt      = "updated_at"
)

// Server holds the settings for a Discord server (guild). A record is
// created when the bot first sees the server, and is never deleted.
type Server struct {
	ID             string         `gorm:"primaryKey" json:"server_id"`
	Name           string         `json:"server_name"`
	Prefix         string         `gorm:"not null;default:!" json:"prefix"`
	WelcomeChannel *string        `json:"welcome_channel"`
	LogChannel     *string        `json:"log_channel"`
	AutoRole       *string        `json:"auto_role"`
	Settings       map[string]any `gorm:"serializer:json" json:"settings"`
	ModelUnixTime
}

func (Server) TableName() string {
	return "servers"
}

// ServerUpdate is a partial update to a Server. Nil fields are
// left untouched.
type ServerUpdate struct {
	Name           *string        `json:"server_name,omitempty"`
	Prefix         *string        `json:"prefix,omitempty"`
	WelcomeChannel *string        `json:"welcome_channel,omitempty"`
	LogChannel     *string        `json:"log_channel,omitempty"`
	AutoRole       *string        `json:"auto_role,omitempty"`
	Settings       map[string]any `json:"settings,omitempty"`
}

func (u ServerUpdate) validate() error {
	if u.Prefix == nil {
		return nil
	}
	p := *u.Prefix
	switch {
	case p == "":
		return &ArgumentError{Name: "prefix", Reason: "prefix must not be empty"}
	case len(p) > maxCommandPrefixLength:
		return &ArgumentError{
			Name:   "prefix",
			Reason: fmt.Sprintf("prefix must be at most %d characters", maxCommandPrefixLength),
		}
	case strings.IndexFunc(p, unicode.IsSpace) >= 0:
		return &ArgumentError{Name: "prefix", Reason: "prefix must not contain whitespace"}
	}
	return nil
}

func (u ServerUpdate) apply(s *Server) {
	if u.Name != nil {
		s.Name = *u.Name
	}
	if u.Prefix != nil {
		s.Prefix = *u.Prefix
	}
	if u.WelcomeChannel != nil {
		s.WelcomeChannel = u.WelcomeChannel
	}
	if u.LogChannel != nil {
		s.LogChannel = u.LogChannel
	}
	if u.AutoRole != nil {
		s.AutoRole = u.AutoRole
	}
	if u.Settings != nil {
		s.Settings = u.Settings
	}
}

// columns returns the columns set by the update, plus updated_at
func (u ServerUpdate) columns() []string {
	var cols []string
	if u.Name != nil {
		cols = append(cols, columnServerName)
	}
	if u.Prefix != nil {
		cols = append(cols, columnServerPrefix)
	}
	if u.WelcomeChannel != nil {
		cols = append(cols, columnServerWelcomeChannel)
	}
	if u.LogChannel != nil {
		cols = append(cols, columnServerLogChannel)
	}
	if u.AutoRole != nil {
		cols = append(cols, columnServerAutoRole)
	}
	if u.Settings != nil {
		cols = append(cols, columnServerSettings)
	}
	return append(cols, columnServerUpdatedAt)
}

// ConfigStore persists per-server settings. Writes are last-write-wins.
type ConfigStore interface {
	// Get returns the server with the given ID, or ErrNotFound
	Get(ctx context.Context, id string) (*Server, error)

	// Upsert creates the server if it doesn't exist, and otherwise
	// applies only the fields set in the update. The updated timestamp
	// is always refreshed.
	Upsert(ctx context.Context, id string, update ServerUpdate) (*Server, error)

	List(ctx context.Context) ([]Server, error)
	Count(ctx context.Context) (int64, error)
}

type serverStore struct {
	db DBI
}

// NewConfigStore returns a ConfigStore backed by the given database
func NewConfigStore(db DBI) ConfigStore {
	return &serverStore{db: db}
}

func (s *serverStore) Get(ctx context.Context, id string) (*Server, error) {
	var srv Server
	err := s.db.DB().WithContext(ctx).Where(columnServerID+" = ?", id).Take(&srv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("server %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &srv, nil
}

func (s *serverStore) Upsert(
	ctx context.Context,
	id string,
	update ServerUpdate,
) (*Server, error) {
	if id == "" {
		return nil, missingArgument("server_id")
	}
	if err := update.validate(); err != nil {
		return nil, err
	}

	// insert-or-update in one statement. On conflict, only the columns
	// set in the update are written.
	row := Server{ID: id, Prefix: DefaultCommandPrefix}
	update.apply(&row)

	var srv Server
	err := s.db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			err := tx.Clauses(
				clause.OnConflict{
					Columns:   []clause.Column{{Name: columnServerID}},
					DoUpdates: clause.AssignmentColumns(update.columns()),
				},
			).Create(&row).Error
			if err != nil {
				return err
			}
			return tx.Where(columnServerID+" = ?", id).Take(&srv).Error
		},
	)
	if err != nil {
		return nil, err
	}
	return &srv, nil
}

func (s *serverStore) List(ctx context.Context) ([]Server, error) {
	servers := []Server{}
	err := s.db.DB().WithContext(ctx).Order("created_at asc").Find(&servers).Error
	return servers, err
}

func (s *serverStore) Count(ctx context.Context) (int64, error) {
	var ct int64
	err := s.db.DB().WithContext(ctx).Model(&Server{}).Count(&ct).Error
	return ct, err
}

// resolvePrefix returns the command prefix for the given server,
// falling back to DefaultCommandPrefix if there's no stored prefix
func resolvePrefix(ctx context.Context, store ConfigStore, serverID string) (string, error) {
	if serverID == "" {
		return DefaultCommandPrefix, nil
	}
	srv, err := store.Get(ctx, serverID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return DefaultCommandPrefix, nil
		}
		return DefaultCommandPrefix, err
	}
	if srv.Prefix == "" {
		return DefaultCommandPrefix, nil
	}
	return srv.Prefix, nil
}
