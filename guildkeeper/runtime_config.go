package guildkeeper

import (
	"strings"

	"github.com/bwmarrin/discordgo"
)

var (
	columnRuntimeConfigAdminUsername = "admin_username"
	columnRuntimeConfigAdminPassword = "admin_password"
)

// RuntimeConfig holds settings that can be changed while the bot is
// running, and which persist across restarts. There's a single row.
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime

	// DiscordGatewayEnabled determines whether the bot attaches to the
	// discord gateway on startup. The bot can still be started and
	// stopped with the API either way.
	DiscordGatewayEnabled bool `json:"discord_gateway_enabled" gorm:"not null;default:true"`

	// DiscordCustomStatus is shown as the bot's activity
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string"`

	// DiscordNotificationChannelID, if set, is a channel the startup
	// message is sent to on connect
	DiscordNotificationChannelID string `json:"discord_notification_channel_id" gorm:"type:string"`

	// AdminUsername for the API
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword stores the hashed password for the admin user
	AdminPassword string `json:"-" gorm:"type:string" log:"[redacted]"`

	LogLevel           DBLogLevel `gorm:"default:INFO;type:string;check:log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel    DBLogLevel `gorm:"default:INFO;type:string;check:discord_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel  DBLogLevel `gorm:"default:WARN;column:discordgo_log_level;type:string;check:discordgo_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discordgo_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel   DBLogLevel `gorm:"default:INFO;type:string;check:database_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"database_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	DispatcherLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:dispatcher_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"dispatcher_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel        DBLogLevel `gorm:"default:INFO;type:string;check:api_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"api_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		DiscordGatewayEnabled: true,
		DiscordCustomStatus:   DefaultDiscordCustomStatus,
		LogLevel:              DBLogLevel(DefaultLogLevel.String()),
		DiscordLogLevel:       DBLogLevel(DefaultDiscordLogLevel.String()),
		DiscordGoLogLevel:     DBLogLevel(DefaultDiscordgoLogLevel.String()),
		DatabaseLogLevel:      DBLogLevel(DefaultDatabaseLogLevel.String()),
		DispatcherLogLevel:    DBLogLevel(DefaultDispatcherLogLevel.String()),
		APILogLevel:           DBLogLevel(DefaultAPILogLevel.String()),
	}
}

// RuntimeConfigUpdate is a partial update to RuntimeConfig. Nil fields
// are left untouched.
//
//nolint:lll // can't break tags
type RuntimeConfigUpdate struct {
	DiscordGatewayEnabled        *bool   `json:"discord_gateway_enabled,omitempty"`
	DiscordCustomStatus          *string `json:"discord_custom_status,omitempty" binding:"omitnil,max=128"`
	DiscordNotificationChannelID *string `json:"discord_notification_channel_id,omitempty" binding:"omitnil,max=32"`

	LogLevel           *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel    *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel  *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel   *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DispatcherLogLevel *DBLogLevel `json:"dispatcher_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel        *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

// validate checks the update's field constraints. An empty notification
// channel ID clears the channel, otherwise it must be a snowflake.
func (u RuntimeConfigUpdate) validate() error {
	if err := structValidator.Struct(u); err != nil {
		return err
	}
	if id := u.DiscordNotificationChannelID; id != nil && *id != "" {
		if strings.IndexFunc(*id, func(r rune) bool { return r < '0' || r > '9' }) >= 0 {
			return &ArgumentError{
				Name:   "discord_notification_channel_id",
				Reason: "discord_notification_channel_id must be empty or numeric",
			}
		}
	}
	return nil
}

// columns returns the column/value pairs for the fields set in the update
func (u RuntimeConfigUpdate) columns() map[string]any {
	m := map[string]any{}
	if u.DiscordGatewayEnabled != nil {
		m["discord_gateway_enabled"] = *u.DiscordGatewayEnabled
	}
	if u.DiscordCustomStatus != nil {
		m["discord_custom_status"] = *u.DiscordCustomStatus
	}
	if u.DiscordNotificationChannelID != nil {
		m["discord_notification_channel_id"] = *u.DiscordNotificationChannelID
	}
	levels := map[string]*DBLogLevel{
		"log_level":            u.LogLevel,
		"discord_log_level":    u.DiscordLogLevel,
		"discordgo_log_level":  u.DiscordGoLogLevel,
		"database_log_level":   u.DatabaseLogLevel,
		"dispatcher_log_level": u.DispatcherLogLevel,
		"api_log_level":        u.APILogLevel,
	}
	for col, lvl := range levels {
		if lvl != nil {
			m[col] = string(*lvl)
		}
	}
	return m
}

// discordPresence returns the presence shown while the bot is attached
// to the gateway, using the custom status as a "watching" activity
func discordPresence(config RuntimeConfig) discordgo.GatewayStatusUpdate {
	status := discordgo.GatewayStatusUpdate{Status: string(discordgo.StatusOnline)}
	if config.DiscordCustomStatus != "" {
		status.Game = discordgo.Activity{
			Name: config.DiscordCustomStatus,
			Type: discordgo.ActivityTypeWatching,
		}
	}
	return status
}

// discordPresenceUpdate is discordPresence, as sent to an open session
func discordPresenceUpdate(config RuntimeConfig) discordgo.UpdateStatusData {
	data := discordgo.UpdateStatusData{Status: string(discordgo.StatusOnline)}
	if config.DiscordCustomStatus != "" {
		data.Activities = []*discordgo.Activity{
			{
				Name: config.DiscordCustomStatus,
				Type: discordgo.ActivityTypeWatching,
			},
		}
	}
	return data
}
