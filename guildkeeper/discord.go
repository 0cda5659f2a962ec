package guildkeeper

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// discordSendTimeout bounds sending a reply, including reactions
const discordSendTimeout = 15 * time.Second

// Discord manages the discord gateway session, and feeds incoming
// messages to the Dispatcher.
//
// Handlers are registered when the session is opened, and removed when
// it's closed, so a closed session never dispatches. Each message is
// handled in its own goroutine, tracked so closing can wait for
// in-flight commands to finish.
type Discord struct {
	session DiscordSessionHandler
	config  *DiscordConfig
	logger  *slog.Logger

	dispatcher *Dispatcher
	servers    ConfigStore
	platform   Platform

	// runtimeConfig returns the current RuntimeConfig, for the
	// presence and startup notification
	runtimeConfig func() RuntimeConfig

	metricMessagesHandled atomic.Int64
	metricConnects        atomic.Int64
	metricDisconnects     atomic.Int64
	connected             atomic.Bool

	removeHandlerFuncs []func()

	// inFlightMu guards closing, and orders inFlight.Add against the
	// inFlight.Wait in close
	inFlightMu sync.Mutex
	closing    bool
	inFlight   sync.WaitGroup
}

func newDiscord(config *DiscordConfig, logger *slog.Logger) *Discord {
	return &Discord{
		config:             config,
		logger:             logger,
		removeHandlerFuncs: []func(){},
		runtimeConfig:      DefaultRuntimeConfig,
	}
}

// newSession initializes a new discordgo session with state tracking
// enabled, which is used to resolve member permissions without a
// REST call per message
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.StateEnabled = true
	session.session = disc
	if d.config.httpClient != nil {
		session.SetHTTPClient(d.config.httpClient)
	}
	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// open registers event handlers and opens the gateway connection.
// ctx is used by the handlers for the lifetime of the session.
func (d *Discord) open(ctx context.Context) error {
	if d.session == nil {
		session, err := d.newSession()
		if err != nil {
			return err
		}
		d.session = session
	}
	d.removeHandlers()
	d.inFlightMu.Lock()
	d.closing = false
	d.inFlightMu.Unlock()

	d.session.SetIdentify(
		discordgo.Identify{
			Intents:  d.config.GatewayIntents,
			Presence: discordPresence(d.runtimeConfig()),
		},
	)
	d.removeHandlerFuncs = []func(){
		d.session.AddHandler(d.handlerConnect()),
		d.session.AddHandler(d.handlerDisconnect()),
		d.session.AddHandler(d.handlerReady(ctx)),
		d.session.AddHandler(d.handlerGuildCreate(ctx)),
		d.session.AddHandler(d.handlerGuildDelete()),
		d.session.AddHandler(d.handlerMessageCreate(ctx)),
	}

	d.logger.InfoContext(ctx, "connecting to discord")
	if err := d.session.Open(); err != nil {
		d.removeHandlers()
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	return nil
}

// close removes event handlers, closes the gateway connection, and
// waits for in-flight messages to be handled, or for ctx to be done
func (d *Discord) close(ctx context.Context) error {
	d.removeHandlers()
	var err error
	if d.session != nil {
		err = d.session.Close()
	}
	d.connected.Store(false)

	d.inFlightMu.Lock()
	d.closing = true
	d.inFlightMu.Unlock()

	done := make(chan struct{})
	go func() {
		d.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.WarnContext(ctx, "timed out waiting for in-flight commands")
	}
	return err
}

func (d *Discord) removeHandlers() {
	for _, h := range d.removeHandlerFuncs {
		h()
	}
	d.removeHandlerFuncs = []func(){}
}

func (d *Discord) updatePresence(config RuntimeConfig) error {
	if d.session == nil || !d.connected.Load() {
		return nil
	}
	return d.session.UpdateStatusComplex(discordPresenceUpdate(config))
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)

		var sessionID, userID, username string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"connected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)

		config := d.runtimeConfig()
		if config.DiscordNotificationChannelID != "" && d.config.StartupMessage != "" {
			if _, sendErr := d.session.ChannelMessageSend(
				config.DiscordNotificationChannelID,
				d.config.StartupMessage,
				discordgo.WithRetryOnRatelimit(false),
				discordgo.WithRestRetries(1),
			); sendErr != nil {
				d.logger.Error("unable to send startup message", tint.Err(sendErr))
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected")
	}
}

// handlerReady records every server the bot is a member of. Only the
// name is written, so stored settings survive reconnects.
func (d *Discord) handlerReady(ctx context.Context) func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		var username string
		if r.User != nil {
			username = r.User.Username
		}
		d.logger.InfoContext(
			ctx,
			"ready",
			"session_id", r.SessionID,
			"username", username,
			"guilds", len(r.Guilds),
		)
		for _, g := range r.Guilds {
			d.recordServer(ctx, g.ID, g.Name)
		}
	}
}

func (d *Discord) handlerGuildCreate(ctx context.Context) func(
	s *discordgo.Session,
	g *discordgo.GuildCreate,
) {
	return func(_ *discordgo.Session, g *discordgo.GuildCreate) {
		if g.Guild == nil {
			return
		}
		d.logger.InfoContext(ctx, "guild available", "guild_id", g.ID, "guild_name", g.Name)
		d.recordServer(ctx, g.ID, g.Name)
	}
}

func (d *Discord) handlerGuildDelete() func(
	s *discordgo.Session,
	g *discordgo.GuildDelete,
) {
	return func(_ *discordgo.Session, g *discordgo.GuildDelete) {
		if g.Guild == nil {
			return
		}
		d.logger.Info("removed from guild", "guild_id", g.ID, "unavailable", g.Unavailable)
	}
}

func (d *Discord) recordServer(ctx context.Context, id string, name string) {
	update := ServerUpdate{}
	if name != "" {
		update.Name = &name
	}
	if _, err := d.servers.Upsert(ctx, id, update); err != nil {
		d.logger.ErrorContext(ctx, "error recording server", "guild_id", id, tint.Err(err))
	}
}

func (d *Discord) handlerMessageCreate(ctx context.Context) func(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	return func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Message == nil || m.Author == nil || m.Author.Bot {
			return
		}
		if !d.trackMessage() {
			d.logger.Debug("session closing, dropping message", "message_id", m.ID)
			return
		}
		d.metricMessagesHandled.Add(1)
		go func() {
			defer d.inFlight.Done()
			d.handleMessage(ctx, m.Message)
		}()
	}
}

// trackMessage adds a message to the in-flight count, unless the
// session is closing
func (d *Discord) trackMessage() bool {
	d.inFlightMu.Lock()
	defer d.inFlightMu.Unlock()
	if d.closing {
		return false
	}
	d.inFlight.Add(1)
	return true
}

// handleMessage dispatches the message and sends the reply, if any
func (d *Discord) handleMessage(ctx context.Context, m *discordgo.Message) {
	msg := d.newMessage(m)
	result := d.dispatcher.Dispatch(ctx, msg)
	reply := result.Reply()
	if reply == nil {
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, discordSendTimeout)
	defer cancel()
	if err := d.platform.Send(sendCtx, m.ChannelID, reply); err != nil {
		d.logger.ErrorContext(
			ctx,
			"error sending reply",
			"channel_id", m.ChannelID,
			"command", result.Command,
			tint.Err(err),
		)
	}
}

// newMessage converts a discord message. Permissions are only resolved
// for server messages: direct messages carry no capabilities.
func (d *Discord) newMessage(m *discordgo.Message) Message {
	msg := Message{
		ServerID:  m.GuildID,
		ChannelID: m.ChannelID,
		MessageID: m.ID,
		Content:   m.Content,
		Actor: Actor{
			ID:   m.Author.ID,
			Name: authorDisplayName(m),
		},
	}
	if m.GuildID == "" {
		return msg
	}
	perms, err := d.session.MessagePermissions(m)
	if err != nil {
		d.logger.Warn(
			"error resolving member permissions",
			"guild_id", m.GuildID,
			"channel_id", m.ChannelID,
			"user_id", m.Author.ID,
			tint.Err(err),
		)
		return msg
	}
	msg.Actor.Permissions = PermissionSetFromDiscord(perms)
	return msg
}

func authorDisplayName(m *discordgo.Message) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

// DiscordStatus holds gateway metrics, reported by the API
type DiscordStatus struct {
	Connected       bool  `json:"connected"`
	MessagesHandled int64 `json:"messages_handled"`
	Connects        int64 `json:"connects"`
	Disconnects     int64 `json:"disconnects"`
}

func (d *Discord) status() DiscordStatus {
	return DiscordStatus{
		Connected:       d.connected.Load(),
		MessagesHandled: d.metricMessagesHandled.Load(),
		Connects:        d.metricConnects.Load(),
		Disconnects:     d.metricDisconnects.Load(),
	}
}

// DiscordSessionHandler defines the methods of `discordgo.Session` used
// by the bot, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error

	// UpdateStatusComplex sends the given status update, untouched
	UpdateStatusComplex(data discordgo.UpdateStatusData) error

	// MessagePermissions returns the author's permissions in the channel
	// the message was sent in
	MessagePermissions(m *discordgo.Message) (int64, error)

	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, opts ...discordgo.RequestOption) error
	ChannelMessages(
		channelID string,
		limit int,
		beforeID, afterID, aroundID string,
		opts ...discordgo.RequestOption,
	) ([]*discordgo.Message, error)
	ChannelMessagesBulkDelete(
		channelID string,
		messages []string,
		opts ...discordgo.RequestOption,
	) error
	MessageReactionAdd(
		channelID, messageID, emojiID string,
		opts ...discordgo.RequestOption,
	) error

	Channel(channelID string, opts ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelEdit(
		channelID string,
		data *discordgo.ChannelEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Channel, error)
	ChannelPermissionSet(
		channelID, targetID string,
		targetType discordgo.PermissionOverwriteType,
		allow, deny int64,
		opts ...discordgo.RequestOption,
	) error

	// Guild returns the guild from the state cache, if available, as
	// it includes member and channel counts. Otherwise it's fetched.
	Guild(guildID string, opts ...discordgo.RequestOption) (*discordgo.Guild, error)
	GuildMember(
		guildID, userID string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Member, error)
	GuildBanCreateWithReason(
		guildID, userID, reason string,
		days int,
		opts ...discordgo.RequestOption,
	) error
	GuildMemberDeleteWithReason(
		guildID, userID, reason string,
		opts ...discordgo.RequestOption,
	) error
	GuildMemberTimeout(
		guildID, userID string,
		until *time.Time,
		opts ...discordgo.RequestOption,
	) error
	GuildMemberNickname(
		guildID, userID, nickname string,
		opts ...discordgo.RequestOption,
	) error
	GuildRoles(guildID string, opts ...discordgo.RequestOption) ([]*discordgo.Role, error)
	GuildRoleCreate(
		guildID string,
		data *discordgo.RoleParams,
		opts ...discordgo.RequestOption,
	) (*discordgo.Role, error)
	GuildMemberRoleAdd(guildID, userID, roleID string, opts ...discordgo.RequestOption) error
	GuildMemberRoleRemove(guildID, userID, roleID string, opts ...discordgo.RequestOption) error
	GuildChannelCreate(
		guildID, name string,
		ctype discordgo.ChannelType,
		opts ...discordgo.RequestOption,
	) (*discordgo.Channel, error)
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) UpdateStatusComplex(data discordgo.UpdateStatusData) error {
	return d.session.UpdateStatusComplex(data)
}

func (d DiscordSession) MessagePermissions(m *discordgo.Message) (int64, error) {
	if d.session.State != nil {
		perms, err := d.session.State.MessagePermissions(m)
		if err == nil {
			return perms, nil
		}
		d.logger.Debug("state permissions unavailable, fetching", tint.Err(err))
	}
	return d.session.UserChannelPermissions(m.Author.ID, m.ChannelID)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, data, opts...)
	if err != nil {
		d.logger.Error("error sending message", "channel_id", channelID, tint.Err(err))
	}
	return msg, err
}

func (d DiscordSession) ChannelMessageDelete(
	channelID, messageID string,
	opts ...discordgo.RequestOption,
) error {
	return d.session.ChannelMessageDelete(channelID, messageID, opts...)
}

func (d DiscordSession) ChannelMessages(
	channelID string,
	limit int,
	beforeID, afterID, aroundID string,
	opts ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	return d.session.ChannelMessages(channelID, limit, beforeID, afterID, aroundID, opts...)
}

func (d DiscordSession) ChannelMessagesBulkDelete(
	channelID string,
	messages []string,
	opts ...discordgo.RequestOption,
) error {
	return d.session.ChannelMessagesBulkDelete(channelID, messages, opts...)
}

func (d DiscordSession) MessageReactionAdd(
	channelID, messageID, emojiID string,
	opts ...discordgo.RequestOption,
) error {
	return d.session.MessageReactionAdd(channelID, messageID, emojiID, opts...)
}

func (d DiscordSession) Channel(
	channelID string,
	opts ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.Channel(channelID, opts...)
}

func (d DiscordSession) ChannelEdit(
	channelID string,
	data *discordgo.ChannelEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.ChannelEdit(channelID, data, opts...)
}

func (d DiscordSession) ChannelPermissionSet(
	channelID, targetID string,
	targetType discordgo.PermissionOverwriteType,
	allow, deny int64,
	opts ...discordgo.RequestOption,
) error {
	return d.session.ChannelPermissionSet(channelID, targetID, targetType, allow, deny, opts...)
}

func (d DiscordSession) Guild(
	guildID string,
	opts ...discordgo.RequestOption,
) (*discordgo.Guild, error) {
	if d.session.State != nil {
		if g, err := d.session.State.Guild(guildID); err == nil {
			return g, nil
		}
	}
	return d.session.Guild(guildID, opts...)
}

func (d DiscordSession) GuildMember(
	guildID, userID string,
	opts ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return d.session.GuildMember(guildID, userID, opts...)
}

func (d DiscordSession) GuildBanCreateWithReason(
	guildID, userID, reason string,
	days int,
	opts ...discordgo.RequestOption,
) error {
	return d.session.GuildBanCreateWithReason(guildID, userID, reason, days, opts...)
}

func (d DiscordSession) GuildMemberDeleteWithReason(
	guildID, userID, reason string,
	opts ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberDeleteWithReason(guildID, userID, reason, opts...)
}

func (d DiscordSession) GuildMemberTimeout(
	guildID, userID string,
	until *time.Time,
	opts ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberTimeout(guildID, userID, until, opts...)
}

func (d DiscordSession) GuildMemberNickname(
	guildID, userID, nickname string,
	opts ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberNickname(guildID, userID, nickname, opts...)
}

func (d DiscordSession) GuildRoles(
	guildID string,
	opts ...discordgo.RequestOption,
) ([]*discordgo.Role, error) {
	return d.session.GuildRoles(guildID, opts...)
}

func (d DiscordSession) GuildRoleCreate(
	guildID string,
	data *discordgo.RoleParams,
	opts ...discordgo.RequestOption,
) (*discordgo.Role, error) {
	return d.session.GuildRoleCreate(guildID, data, opts...)
}

func (d DiscordSession) GuildMemberRoleAdd(
	guildID, userID, roleID string,
	opts ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberRoleAdd(guildID, userID, roleID, opts...)
}

func (d DiscordSession) GuildMemberRoleRemove(
	guildID, userID, roleID string,
	opts ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberRoleRemove(guildID, userID, roleID, opts...)
}

func (d DiscordSession) GuildChannelCreate(
	guildID, name string,
	ctype discordgo.ChannelType,
	opts ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.GuildChannelCreate(guildID, name, ctype, opts...)
}
