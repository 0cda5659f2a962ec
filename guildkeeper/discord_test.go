package guildkeeper

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sync"
	"testing"
	"time"
)

// mockDiscordSession is a mock implementation of the DiscordSessionHandler
// interface.
//
// Gateway lifecycle calls (Open, Close, AddHandler, SetIdentify, etc.) are
// logged and tracked, so a session can be opened without setting any
// expectations. REST calls go through [mock.Mock], and must be set up
// with On() by the test that makes them.
type mockDiscordSession struct {
	mock.Mock
	logger   *slog.Logger
	logLevel *slog.LevelVar

	mu            sync.Mutex
	handlers      []any
	identify      discordgo.Identify
	opened        int
	closed        int
	openErr       error
	statusUpdates []discordgo.UpdateStatusData
}

func newMockDiscordSession() *mockDiscordSession {
	m := &mockDiscordSession{
		logLevel: &slog.LevelVar{},
	}
	m.logLevel.Set(slog.LevelWarn)
	m.logger = slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     m.logLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord_session_handler")
	return m
}

func (m *mockDiscordSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened++
	m.logger.Info("opened session")
	return m.openErr
}

func (m *mockDiscordSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	m.logger.Info("closed session")
	return nil
}

func (m *mockDiscordSession) AddHandler(handler any) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := len(m.handlers)
	m.handlers = append(m.handlers, handler)
	m.logger.Info("added handler")
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.handlers[idx] = nil
		m.logger.Info("mock-removed handler function")
	}
}

// activeHandlers returns the handlers that haven't been removed
func (m *mockDiscordSession) activeHandlers() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	var active []any
	for _, h := range m.handlers {
		if h != nil {
			active = append(active, h)
		}
	}
	return active
}

// emit calls every active handler registered for the event's type, the
// way discordgo does when it receives a gateway event
func (m *mockDiscordSession) emit(event any) {
	for _, h := range m.activeHandlers() {
		switch fn := h.(type) {
		case func(*discordgo.Session, *discordgo.Connect):
			if e, ok := event.(*discordgo.Connect); ok {
				fn(nil, e)
			}
		case func(*discordgo.Session, *discordgo.Disconnect):
			if e, ok := event.(*discordgo.Disconnect); ok {
				fn(nil, e)
			}
		case func(*discordgo.Session, *discordgo.Ready):
			if e, ok := event.(*discordgo.Ready); ok {
				fn(nil, e)
			}
		case func(*discordgo.Session, *discordgo.GuildCreate):
			if e, ok := event.(*discordgo.GuildCreate); ok {
				fn(nil, e)
			}
		case func(*discordgo.Session, *discordgo.GuildDelete):
			if e, ok := event.(*discordgo.GuildDelete); ok {
				fn(nil, e)
			}
		case func(*discordgo.Session, *discordgo.MessageCreate):
			if e, ok := event.(*discordgo.MessageCreate); ok {
				fn(nil, e)
			}
		}
	}
}

func (m *mockDiscordSession) SetIdentify(i discordgo.Identify) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identify = i
	m.logger.Info("mock setting identify")
}

func (m *mockDiscordSession) SetHTTPClient(_ *http.Client) {
	m.logger.Info("mock setting http client")
}

func (m *mockDiscordSession) SetLogLevel(lvl slog.Level) error {
	m.logLevel.Set(lvl)
	return nil
}

func (m *mockDiscordSession) UpdateStatusComplex(data discordgo.UpdateStatusData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusUpdates = append(m.statusUpdates, data)
	m.logger.Info("updating complex status", "data", data)
	return nil
}

func (m *mockDiscordSession) MessagePermissions(msg *discordgo.Message) (int64, error) {
	args := m.Called(msg.Author.ID, msg.ChannelID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	args := m.Called(channelID, message)
	return messageArg(args, 0), args.Error(1)
}

func (m *mockDiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	args := m.Called(channelID, data)
	return messageArg(args, 0), args.Error(1)
}

func (m *mockDiscordSession) ChannelMessageDelete(
	channelID, messageID string,
	_ ...discordgo.RequestOption,
) error {
	return m.Called(channelID, messageID).Error(0)
}

func (m *mockDiscordSession) ChannelMessages(
	channelID string,
	limit int,
	beforeID, afterID, aroundID string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	args := m.Called(channelID, limit, beforeID, afterID, aroundID)
	messages, _ := args.Get(0).([]*discordgo.Message)
	return messages, args.Error(1)
}

func (m *mockDiscordSession) ChannelMessagesBulkDelete(
	channelID string,
	messages []string,
	_ ...discordgo.RequestOption,
) error {
	return m.Called(channelID, messages).Error(0)
}

func (m *mockDiscordSession) MessageReactionAdd(
	channelID, messageID, emojiID string,
	_ ...discordgo.RequestOption,
) error {
	return m.Called(channelID, messageID, emojiID).Error(0)
}

func (m *mockDiscordSession) Channel(
	channelID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	args := m.Called(channelID)
	return channelArg(args, 0), args.Error(1)
}

func (m *mockDiscordSession) ChannelEdit(
	channelID string,
	data *discordgo.ChannelEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	args := m.Called(channelID, data)
	return channelArg(args, 0), args.Error(1)
}

func (m *mockDiscordSession) ChannelPermissionSet(
	channelID, targetID string,
	targetType discordgo.PermissionOverwriteType,
	allow, deny int64,
	_ ...discordgo.RequestOption,
) error {
	return m.Called(channelID, targetID, targetType, allow, deny).Error(0)
}

func (m *mockDiscordSession) Guild(
	guildID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Guild, error) {
	args := m.Called(guildID)
	g, _ := args.Get(0).(*discordgo.Guild)
	return g, args.Error(1)
}

func (m *mockDiscordSession) GuildMember(
	guildID, userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	args := m.Called(guildID, userID)
	member, _ := args.Get(0).(*discordgo.Member)
	return member, args.Error(1)
}

func (m *mockDiscordSession) GuildBanCreateWithReason(
	guildID, userID, reason string,
	days int,
	_ ...discordgo.RequestOption,
) error {
	return m.Called(guildID, userID, reason, days).Error(0)
}

func (m *mockDiscordSession) GuildMemberDeleteWithReason(
	guildID, userID, reason string,
	_ ...discordgo.RequestOption,
) error {
	return m.Called(guildID, userID, reason).Error(0)
}

func (m *mockDiscordSession) GuildMemberTimeout(
	guildID, userID string,
	until *time.Time,
	opts ...discordgo.RequestOption,
) error {
	return m.Called(guildID, userID, until, requestAuditLogReason(opts)).Error(0)
}

// requestAuditLogReason applies opts to an empty request, and returns
// the audit log reason they set
func requestAuditLogReason(opts []discordgo.RequestOption) string {
	req, _ := http.NewRequest(http.MethodPatch, "https://discord.com/api", nil)
	cfg := &discordgo.RequestConfig{Request: req}
	for _, opt := range opts {
		opt(cfg)
	}
	reason, _ := url.PathUnescape(cfg.Request.Header.Get("X-Audit-Log-Reason"))
	return reason
}

func (m *mockDiscordSession) GuildMemberNickname(
	guildID, userID, nickname string,
	_ ...discordgo.RequestOption,
) error {
	return m.Called(guildID, userID, nickname).Error(0)
}

func (m *mockDiscordSession) GuildRoles(
	guildID string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Role, error) {
	args := m.Called(guildID)
	roles, _ := args.Get(0).([]*discordgo.Role)
	return roles, args.Error(1)
}

func (m *mockDiscordSession) GuildRoleCreate(
	guildID string,
	data *discordgo.RoleParams,
	_ ...discordgo.RequestOption,
) (*discordgo.Role, error) {
	args := m.Called(guildID, data)
	role, _ := args.Get(0).(*discordgo.Role)
	return role, args.Error(1)
}

func (m *mockDiscordSession) GuildMemberRoleAdd(
	guildID, userID, roleID string,
	_ ...discordgo.RequestOption,
) error {
	return m.Called(guildID, userID, roleID).Error(0)
}

func (m *mockDiscordSession) GuildMemberRoleRemove(
	guildID, userID, roleID string,
	_ ...discordgo.RequestOption,
) error {
	return m.Called(guildID, userID, roleID).Error(0)
}

func (m *mockDiscordSession) GuildChannelCreate(
	guildID, name string,
	ctype discordgo.ChannelType,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	args := m.Called(guildID, name, ctype)
	return channelArg(args, 0), args.Error(1)
}

func messageArg(args mock.Arguments, idx int) *discordgo.Message {
	msg, _ := args.Get(idx).(*discordgo.Message)
	return msg
}

func channelArg(args mock.Arguments, idx int) *discordgo.Channel {
	ch, _ := args.Get(idx).(*discordgo.Channel)
	return ch
}

// discordHarness wires a Discord to a mock session, with a fake
// platform for replies
type discordHarness struct {
	*dispatcherHarness
	discord *Discord
	session *mockDiscordSession
}

func newDiscordHarness(t *testing.T) *discordHarness {
	t.Helper()
	dh := newDispatcherHarness(t)
	session := newMockDiscordSession()

	cfg := DefaultTestConfig(t)
	d := newDiscord(cfg.Discord, slog.Default().With("test", t.Name()))
	d.session = session
	d.dispatcher = dh.dispatcher
	d.servers = dh.servers
	d.platform = dh.platform
	return &discordHarness{dispatcherHarness: dh, discord: d, session: session}
}

func (h *discordHarness) open(t *testing.T) {
	t.Helper()
	require.NoError(t, h.discord.open(context.Background()))
	t.Cleanup(
		func() {
			_ = h.discord.close(context.Background())
		},
	)
}

func TestDiscord_OpenClose(t *testing.T) {
	h := newDiscordHarness(t)
	h.discord.runtimeConfig = func() RuntimeConfig {
		rc := DefaultRuntimeConfig()
		rc.DiscordCustomStatus = "the server"
		return rc
	}

	require.NoError(t, h.discord.open(context.Background()))
	assert.Equal(t, 1, h.session.opened)
	assert.Len(t, h.session.activeHandlers(), 6)
	assert.Equal(t, h.discord.config.GatewayIntents, h.session.identify.Intents)
	assert.Equal(t, "the server", h.session.identify.Presence.Game.Name)
	assert.Equal(t, discordgo.ActivityTypeWatching, h.session.identify.Presence.Game.Type)

	require.NoError(t, h.discord.close(context.Background()))
	assert.Equal(t, 1, h.session.closed)
	assert.Empty(t, h.session.activeHandlers())

	// reopening doesn't duplicate handlers
	require.NoError(t, h.discord.open(context.Background()))
	assert.Len(t, h.session.activeHandlers(), 6)
	require.NoError(t, h.discord.close(context.Background()))
}

func TestDiscord_OpenError(t *testing.T) {
	h := newDiscordHarness(t)
	h.session.openErr = errors.New("websocket: bad handshake")

	err := h.discord.open(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "bad handshake")
	assert.Empty(t, h.session.activeHandlers())
}

func TestDiscord_MessageCreate(t *testing.T) {
	h := newDiscordHarness(t)
	h.session.On("MessagePermissions", "10", testChannelID).
		Return(int64(discordgo.PermissionAdministrator), nil)
	h.open(t)

	h.session.emit(
		&discordgo.MessageCreate{
			Message: &discordgo.Message{
				ID:        "3003",
				GuildID:   testServerID,
				ChannelID: testChannelID,
				Content:   "!slowmode 15",
				Author:    &discordgo.User{ID: "10", Username: "mod"},
			},
		},
	)
	// bots are ignored
	h.session.emit(
		&discordgo.MessageCreate{
			Message: &discordgo.Message{
				GuildID:   testServerID,
				ChannelID: testChannelID,
				Content:   "!slowmode 30",
				Author:    &discordgo.User{ID: "11", Bot: true},
			},
		},
	)

	require.NoError(t, h.discord.close(context.Background()))

	assert.Equal(t, []string{"SetSlowmode 2002 15", "Send 2002"}, h.platform.Calls())
	require.Len(t, h.platform.sent, 1)
	assert.Equal(t, "✅ Slowmode set to 15 seconds.", h.platform.sent[0].Content)
	assert.Equal(t, int64(1), h.discord.status().MessagesHandled)
	h.session.AssertExpectations(t)

	// closed sessions don't dispatch
	h.session.emit(
		&discordgo.MessageCreate{
			Message: &discordgo.Message{
				GuildID:   testServerID,
				ChannelID: testChannelID,
				Content:   "!slowmode 45",
				Author:    &discordgo.User{ID: "10"},
			},
		},
	)
	assert.Len(t, h.platform.Calls(), 2)
}

// Messages arriving while the session closes are either handled before
// close returns, or dropped
func TestDiscord_MessageCreateDuringClose(t *testing.T) {
	h := newDiscordHarness(t)
	h.session.On("MessagePermissions", "10", testChannelID).
		Return(int64(discordgo.PermissionAdministrator), nil)
	require.NoError(t, h.discord.open(context.Background()))

	handler := h.discord.handlerMessageCreate(context.Background())
	newMessage := func(i int) *discordgo.MessageCreate {
		return &discordgo.MessageCreate{
			Message: &discordgo.Message{
				ID:        fmt.Sprintf("%d", 4000+i),
				GuildID:   testServerID,
				ChannelID: testChannelID,
				Content:   "!slowmode 15",
				Author:    &discordgo.User{ID: "10", Username: "mod"},
			},
		}
	}

	const senders = 8
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			for j := 0; j < 5; j++ {
				handler(nil, newMessage(i*10+j))
			}
		}(i)
	}
	close(start)
	require.NoError(t, h.discord.close(context.Background()))

	// everything counted before close returned has finished
	handled := h.discord.status().MessagesHandled
	wg.Wait()
	assert.Equal(t, handled, h.discord.status().MessagesHandled, "no messages accepted after close")
	assert.Len(t, h.platform.Calls(), int(2*handled))

	handler(nil, newMessage(99))
	assert.Equal(t, handled, h.discord.status().MessagesHandled)

	// reopening accepts messages again
	require.NoError(t, h.discord.open(context.Background()))
	handler(nil, newMessage(100))
	require.NoError(t, h.discord.close(context.Background()))
	assert.Equal(t, handled+1, h.discord.status().MessagesHandled)
}

func TestDiscord_UnrecognizedNoReply(t *testing.T) {
	h := newDiscordHarness(t)
	h.session.On("MessagePermissions", "10", testChannelID).Return(int64(0), nil)
	h.open(t)

	h.session.emit(
		&discordgo.MessageCreate{
			Message: &discordgo.Message{
				GuildID:   testServerID,
				ChannelID: testChannelID,
				Content:   "just chatting",
				Author:    &discordgo.User{ID: "10"},
			},
		},
	)
	require.NoError(t, h.discord.close(context.Background()))
	assert.Empty(t, h.platform.Calls())
}

func TestDiscord_ReadyAndGuildCreate(t *testing.T) {
	h := newDiscordHarness(t)
	h.open(t)
	ctx := context.Background()

	h.session.emit(
		&discordgo.Ready{
			SessionID: "abc",
			User:      &discordgo.User{ID: "1", Username: "guildkeeper"},
			Guilds: []*discordgo.Guild{
				{ID: "100", Name: "First"},
				{ID: "200", Name: "Second"},
			},
		},
	)
	servers, err := h.servers.List(ctx)
	require.NoError(t, err)
	assert.Len(t, servers, 2)

	_, err = h.servers.Upsert(ctx, "100", ServerUpdate{Prefix: strPtr("%")})
	require.NoError(t, err)

	h.session.emit(&discordgo.GuildCreate{Guild: &discordgo.Guild{ID: "100", Name: "First (renamed)"}})
	h.session.emit(&discordgo.GuildCreate{Guild: &discordgo.Guild{ID: "300", Name: "Third"}})

	srv, err := h.servers.Get(ctx, "100")
	require.NoError(t, err)
	assert.Equal(t, "First (renamed)", srv.Name)
	assert.Equal(t, "%", srv.Prefix, "reconnects shouldn't reset settings")

	ct, err := h.servers.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), ct)

	// removal leaves the record in place
	h.session.emit(&discordgo.GuildDelete{Guild: &discordgo.Guild{ID: "300"}})
	ct, err = h.servers.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), ct)
}

func TestDiscord_ConnectDisconnect(t *testing.T) {
	h := newDiscordHarness(t)
	h.discord.config.StartupMessage = "I'm back"
	h.discord.runtimeConfig = func() RuntimeConfig {
		rc := DefaultRuntimeConfig()
		rc.DiscordNotificationChannelID = "555"
		return rc
	}
	h.session.On("ChannelMessageSend", "555", "I'm back").Return(&discordgo.Message{ID: "1"}, nil).Once()
	h.open(t)

	assert.NoError(t, h.discord.updatePresence(DefaultRuntimeConfig()))
	assert.Empty(t, h.session.statusUpdates, "no presence updates before connecting")

	h.session.emit(&discordgo.Connect{})
	status := h.discord.status()
	assert.True(t, status.Connected)
	assert.Equal(t, int64(1), status.Connects)
	h.session.AssertExpectations(t)

	rc := DefaultRuntimeConfig()
	rc.DiscordCustomStatus = "for rule breakers"
	require.NoError(t, h.discord.updatePresence(rc))
	require.Len(t, h.session.statusUpdates, 1)
	require.Len(t, h.session.statusUpdates[0].Activities, 1)
	assert.Equal(t, "for rule breakers", h.session.statusUpdates[0].Activities[0].Name)

	h.session.emit(&discordgo.Disconnect{})
	status = h.discord.status()
	assert.False(t, status.Connected)
	assert.Equal(t, int64(1), status.Disconnects)
}

func TestDiscord_NewMessage(t *testing.T) {
	h := newDiscordHarness(t)

	h.session.On("MessagePermissions", "10", "c1").
		Return(int64(discordgo.PermissionKickMembers|discordgo.PermissionSendMessages), nil)
	h.session.On("MessagePermissions", "11", "c1").
		Return(int64(0), errors.New("member not cached"))

	msg := h.discord.newMessage(
		&discordgo.Message{
			ID:        "m1",
			GuildID:   "g1",
			ChannelID: "c1",
			Content:   "!kick <@2>",
			Author:    &discordgo.User{ID: "10", Username: "mod", GlobalName: "The Mod"},
			Member:    &discordgo.Member{Nick: "Sheriff"},
		},
	)
	assert.Equal(t, "g1", msg.ServerID)
	assert.Equal(t, "Sheriff", msg.Actor.Name)
	assert.Equal(t, NewPermissionSet(PermissionKickMembers), msg.Actor.Permissions)

	msg = h.discord.newMessage(
		&discordgo.Message{
			GuildID:   "g1",
			ChannelID: "c1",
			Author:    &discordgo.User{ID: "11", Username: "someone", GlobalName: "Some One"},
		},
	)
	assert.Equal(t, "Some One", msg.Actor.Name)
	assert.Equal(t, PermissionSet(0), msg.Actor.Permissions)

	// direct messages don't resolve permissions
	msg = h.discord.newMessage(
		&discordgo.Message{
			ChannelID: "dm",
			Author:    &discordgo.User{ID: "12", Username: "dmuser"},
		},
	)
	assert.Equal(t, "", msg.ServerID)
	assert.Equal(t, "dmuser", msg.Actor.Name)
	assert.Equal(t, PermissionSet(0), msg.Actor.Permissions)

	h.session.AssertExpectations(t)
	h.session.AssertNumberOfCalls(t, "MessagePermissions", 2)
}
