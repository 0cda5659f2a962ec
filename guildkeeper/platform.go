package guildkeeper

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	// discordBulkDeleteLimit is the most messages discord will fetch or
	// bulk-delete in a single request
	discordBulkDeleteLimit = 100

	// discordMaxTimeout is the longest timeout discord allows (28 days)
	discordMaxTimeout = 28 * 24 * time.Hour

	// discordBulkDeleteMaxAge is the age past which discord refuses to
	// bulk-delete a message (14 days, less a minute of clock skew)
	discordBulkDeleteMaxAge = 14*24*time.Hour - time.Minute

	dateFormat = "2006-01-02"
)

var roleMentionPattern = regexp.MustCompile(`^<@&(\d+)>$`)

// ChannelKind is the type of channel created by Platform.CreateChannel
type ChannelKind string

const (
	ChannelText  ChannelKind = "text"
	ChannelVoice ChannelKind = "voice"
)

// GuildInfo is a summary of a server, as shown by the serverinfo command
type GuildInfo struct {
	ID                       string
	Name                     string
	IconURL                  string
	OwnerID                  string
	CreatedAt                time.Time
	MemberCount              int
	ChannelCount             int
	RoleCount                int
	PremiumTier              int
	PremiumSubscriptionCount int
}

// MemberInfo is a summary of a server member
type MemberInfo struct {
	ID          string
	Username    string
	DisplayName string
	AvatarURL   string
	JoinedAt    time.Time
	CreatedAt   time.Time
	RoleCount   int
}

type RoleInfo struct {
	ID   string
	Name string
}

type ChannelInfo struct {
	ID   string
	Name string
	Kind ChannelKind
}

// Platform is the set of chat platform actions available to command
// handlers. Errors returned by a Platform are the platform's own, and
// are wrapped by handlers with platformFailure.
type Platform interface {
	Ban(ctx context.Context, serverID, userID, reason string) error
	Kick(ctx context.Context, serverID, userID, reason string) error

	// Timeout prevents the member from interacting with the server
	// until the given time. The reason is recorded in the server's
	// audit log.
	Timeout(ctx context.Context, serverID, userID string, until time.Time, reason string) error

	// PurgeMessages deletes up to limit of the most recent messages in
	// the channel, and returns the number deleted
	PurgeMessages(ctx context.Context, channelID string, limit int) (int, error)

	// SetSlowmode sets the per-user message rate limit for the channel.
	// Zero disables it.
	SetSlowmode(ctx context.Context, channelID string, seconds int) error

	// SetSendMessagesLocked denies (or restores) the send messages
	// permission for @everyone in the given channel
	SetSendMessagesLocked(ctx context.Context, serverID, channelID string, locked bool) error

	CreateRole(ctx context.Context, serverID, name string) (*RoleInfo, error)

	// FindRole resolves a role mention, role ID or role name. Returns
	// ErrNotFound if no role matches.
	FindRole(ctx context.Context, serverID, ref string) (*RoleInfo, error)

	AddRole(ctx context.Context, serverID, userID, roleID string) error
	RemoveRole(ctx context.Context, serverID, userID, roleID string) error
	CreateChannel(ctx context.Context, serverID, name string, kind ChannelKind) (*ChannelInfo, error)

	// SetNickname sets the member's nickname. An empty nickname clears it.
	SetNickname(ctx context.Context, serverID, userID, nickname string) error

	Guild(ctx context.Context, serverID string) (*GuildInfo, error)
	Member(ctx context.Context, serverID, userID string) (*MemberInfo, error)

	// Send posts the response to the channel, adding any reactions and
	// scheduling deletion if requested
	Send(ctx context.Context, channelID string, resp *Response) error
}

// discordPlatform implements Platform with the discord REST API
type discordPlatform struct {
	session DiscordSessionHandler
	logger  *slog.Logger
	clock   func() time.Time
}

func newDiscordPlatform(session DiscordSessionHandler, logger *slog.Logger) *discordPlatform {
	return &discordPlatform{session: session, logger: logger, clock: time.Now}
}

func (p *discordPlatform) Ban(ctx context.Context, serverID, userID, reason string) error {
	return p.session.GuildBanCreateWithReason(
		serverID, userID, reason, 0, discordgo.WithContext(ctx),
	)
}

func (p *discordPlatform) Kick(ctx context.Context, serverID, userID, reason string) error {
	return p.session.GuildMemberDeleteWithReason(
		serverID, userID, reason, discordgo.WithContext(ctx),
	)
}

func (p *discordPlatform) Timeout(
	ctx context.Context,
	serverID, userID string,
	until time.Time,
	reason string,
) error {
	opts := []discordgo.RequestOption{discordgo.WithContext(ctx)}
	if reason != "" {
		opts = append(opts, discordgo.WithAuditLogReason(url.PathEscape(reason)))
	}
	return p.session.GuildMemberTimeout(serverID, userID, &until, opts...)
}

// PurgeMessages bulk-deletes recent messages. Messages too old to
// bulk-delete are deleted one at a time.
func (p *discordPlatform) PurgeMessages(
	ctx context.Context,
	channelID string,
	limit int,
) (int, error) {
	if limit > discordBulkDeleteLimit {
		limit = discordBulkDeleteLimit
	}
	messages, err := p.session.ChannelMessages(
		channelID, limit, "", "", "", discordgo.WithContext(ctx),
	)
	if err != nil {
		return 0, err
	}
	recent, old := p.splitByBulkDeleteAge(messages)

	switch len(recent) {
	case 0:
	case 1:
		err = p.session.ChannelMessageDelete(channelID, recent[0], discordgo.WithContext(ctx))
	default:
		err = p.session.ChannelMessagesBulkDelete(channelID, recent, discordgo.WithContext(ctx))
	}
	if err != nil {
		return 0, err
	}
	deleted := len(recent)

	if len(old) > 0 {
		p.logger.DebugContext(
			ctx,
			"deleting old messages individually",
			"channel_id", channelID,
			"count", len(old),
		)
	}
	for _, id := range old {
		if err = p.session.ChannelMessageDelete(channelID, id, discordgo.WithContext(ctx)); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// splitByBulkDeleteAge returns the IDs of messages young enough to be
// bulk-deleted, and the IDs of the rest. Messages with no readable
// timestamp count as old.
func (p *discordPlatform) splitByBulkDeleteAge(
	messages []*discordgo.Message,
) (recent []string, old []string) {
	cutoff := p.clock().Add(-discordBulkDeleteMaxAge)
	for _, m := range messages {
		ts := m.Timestamp
		if ts.IsZero() {
			var err error
			if ts, err = discordgo.SnowflakeTimestamp(m.ID); err != nil {
				old = append(old, m.ID)
				continue
			}
		}
		if ts.After(cutoff) {
			recent = append(recent, m.ID)
		} else {
			old = append(old, m.ID)
		}
	}
	return recent, old
}

func (p *discordPlatform) SetSlowmode(ctx context.Context, channelID string, seconds int) error {
	_, err := p.session.ChannelEdit(
		channelID,
		&discordgo.ChannelEdit{RateLimitPerUser: &seconds},
		discordgo.WithContext(ctx),
	)
	return err
}

func (p *discordPlatform) SetSendMessagesLocked(
	ctx context.Context,
	serverID, channelID string,
	locked bool,
) error {
	channel, err := p.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return err
	}

	// the @everyone role has the same ID as the server
	var allow, deny int64
	for _, o := range channel.PermissionOverwrites {
		if o.ID == serverID && o.Type == discordgo.PermissionOverwriteTypeRole {
			allow, deny = o.Allow, o.Deny
			break
		}
	}
	if locked {
		allow &^= discordgo.PermissionSendMessages
		deny |= discordgo.PermissionSendMessages
	} else {
		deny &^= discordgo.PermissionSendMessages
	}
	return p.session.ChannelPermissionSet(
		channelID,
		serverID,
		discordgo.PermissionOverwriteTypeRole,
		allow,
		deny,
		discordgo.WithContext(ctx),
	)
}

func (p *discordPlatform) CreateRole(
	ctx context.Context,
	serverID, name string,
) (*RoleInfo, error) {
	role, err := p.session.GuildRoleCreate(
		serverID,
		&discordgo.RoleParams{Name: name},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return nil, err
	}
	return &RoleInfo{ID: role.ID, Name: role.Name}, nil
}

func (p *discordPlatform) FindRole(
	ctx context.Context,
	serverID, ref string,
) (*RoleInfo, error) {
	roles, err := p.session.GuildRoles(serverID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	return matchRole(roles, ref)
}

// matchRole finds the role referenced by a mention, an ID, an exact
// name, or a case-insensitive name, in that order of preference
func matchRole(roles []*discordgo.Role, ref string) (*RoleInfo, error) {
	ref = strings.TrimSpace(ref)
	id := ref
	if m := roleMentionPattern.FindStringSubmatch(ref); m != nil {
		id = m[1]
	}
	for _, r := range roles {
		if r.ID == id {
			return &RoleInfo{ID: r.ID, Name: r.Name}, nil
		}
	}
	for _, r := range roles {
		if r.Name == ref {
			return &RoleInfo{ID: r.ID, Name: r.Name}, nil
		}
	}
	for _, r := range roles {
		if strings.EqualFold(r.Name, ref) {
			return &RoleInfo{ID: r.ID, Name: r.Name}, nil
		}
	}
	return nil, fmt.Errorf("role %q: %w", ref, ErrNotFound)
}

func (p *discordPlatform) AddRole(ctx context.Context, serverID, userID, roleID string) error {
	return p.session.GuildMemberRoleAdd(serverID, userID, roleID, discordgo.WithContext(ctx))
}

func (p *discordPlatform) RemoveRole(ctx context.Context, serverID, userID, roleID string) error {
	return p.session.GuildMemberRoleRemove(serverID, userID, roleID, discordgo.WithContext(ctx))
}

func (p *discordPlatform) CreateChannel(
	ctx context.Context,
	serverID, name string,
	kind ChannelKind,
) (*ChannelInfo, error) {
	var ctype discordgo.ChannelType
	switch kind {
	case ChannelText:
		ctype = discordgo.ChannelTypeGuildText
	case ChannelVoice:
		ctype = discordgo.ChannelTypeGuildVoice
	default:
		return nil, fmt.Errorf("unsupported channel kind: %q", kind)
	}
	ch, err := p.session.GuildChannelCreate(serverID, name, ctype, discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	return &ChannelInfo{ID: ch.ID, Name: ch.Name, Kind: kind}, nil
}

func (p *discordPlatform) SetNickname(
	ctx context.Context,
	serverID, userID, nickname string,
) error {
	return p.session.GuildMemberNickname(serverID, userID, nickname, discordgo.WithContext(ctx))
}

func (p *discordPlatform) Guild(ctx context.Context, serverID string) (*GuildInfo, error) {
	g, err := p.session.Guild(serverID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	info := &GuildInfo{
		ID:                       g.ID,
		Name:                     g.Name,
		IconURL:                  g.IconURL(""),
		OwnerID:                  g.OwnerID,
		MemberCount:              g.MemberCount,
		ChannelCount:             len(g.Channels),
		RoleCount:                len(g.Roles),
		PremiumTier:              int(g.PremiumTier),
		PremiumSubscriptionCount: g.PremiumSubscriptionCount,
	}
	if created, tsErr := discordgo.SnowflakeTimestamp(g.ID); tsErr == nil {
		info.CreatedAt = created
	}
	return info, nil
}

func (p *discordPlatform) Member(
	ctx context.Context,
	serverID, userID string,
) (*MemberInfo, error) {
	m, err := p.session.GuildMember(serverID, userID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	if m.User == nil {
		return nil, fmt.Errorf("member %s: %w", userID, ErrNotFound)
	}
	info := &MemberInfo{
		ID:          m.User.ID,
		Username:    m.User.Username,
		DisplayName: memberDisplayName(m),
		AvatarURL:   m.AvatarURL(""),
		JoinedAt:    m.JoinedAt,
		RoleCount:   len(m.Roles),
	}
	if created, tsErr := discordgo.SnowflakeTimestamp(m.User.ID); tsErr == nil {
		info.CreatedAt = created
	}
	return info, nil
}

// memberDisplayName returns the member's server nickname, global
// display name, or username, whichever is set first
func memberDisplayName(m *discordgo.Member) string {
	if m.Nick != "" {
		return m.Nick
	}
	if m.User == nil {
		return ""
	}
	if m.User.GlobalName != "" {
		return m.User.GlobalName
	}
	return m.User.Username
}

func (p *discordPlatform) Send(ctx context.Context, channelID string, resp *Response) error {
	if resp == nil {
		return nil
	}
	data := &discordgo.MessageSend{
		Content:         truncate(resp.Content, discordMaxMessageLength),
		AllowedMentions: &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeUsers}},
	}
	if resp.Embed != nil {
		data.Embeds = []*discordgo.MessageEmbed{resp.Embed}
	}
	msg, err := p.session.ChannelMessageSendComplex(channelID, data, discordgo.WithContext(ctx))
	if err != nil {
		return err
	}

	var errs []error
	for _, emoji := range resp.Reactions {
		if reactErr := p.session.MessageReactionAdd(
			channelID, msg.ID, emoji, discordgo.WithContext(ctx),
		); reactErr != nil {
			errs = append(errs, fmt.Errorf("error adding reaction %s: %w", emoji, reactErr))
		}
	}

	if resp.DeleteAfter > 0 {
		messageID := msg.ID
		logger := p.logger
		time.AfterFunc(
			resp.DeleteAfter, func() {
				if delErr := p.session.ChannelMessageDelete(channelID, messageID); delErr != nil {
					logger.Warn(
						"error deleting message",
						"channel_id", channelID,
						"message_id", messageID,
						tint.Err(delErr),
					)
				}
			},
		)
	}
	return errors.Join(errs...)
}
