package guildkeeper

import (
	"context"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestBanKickDefaults(t *testing.T) {
	h := newDispatcherHarness(t)

	result := h.dispatch(t, guildMessage(moderator(), "!kick <@!55>"))
	require.Equal(t, ResultSuccess, result.Kind, result.Err)
	assert.Equal(t, "✅ <@55> has been kicked. Reason: No reason provided", result.Reply().Content)
	assert.Equal(t, []string{"Kick 1001 55 No reason provided"}, h.platform.Calls())
}

func TestTimeoutCommand(t *testing.T) {
	tests := []struct {
		content string
		kind    ResultKind
	}{
		{"!timeout <@55> 10 being loud", ResultSuccess},
		{"!timeout <@55> 1", ResultSuccess},
		{fmt.Sprintf("!timeout <@55> %d", maxTimeoutMinutes), ResultSuccess},
		{fmt.Sprintf("!timeout <@55> %d", maxTimeoutMinutes+1), ResultInvalidArgument},
		{"!timeout <@55> 0", ResultInvalidArgument},
		{"!timeout <@55> -5", ResultInvalidArgument},
		{"!timeout <@55> soon", ResultInvalidArgument},
		{"!timeout <@55>", ResultInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(
			tt.content, func(t *testing.T) {
				h := newDispatcherHarness(t)
				result := h.dispatch(t, guildMessage(moderator(), tt.content))
				assert.Equal(t, tt.kind, result.Kind, result.Err)
				if tt.kind != ResultSuccess {
					assert.Empty(t, h.platform.Calls())
				}
			},
		)
	}

	h := newDispatcherHarness(t)
	result := h.dispatch(t, guildMessage(moderator(), "!timeout <@55> 10 being loud"))
	require.Equal(t, ResultSuccess, result.Kind)
	assert.Equal(
		t,
		"✅ <@55> has been timed out for 10 minutes. Reason: being loud",
		result.Reply().Content,
	)
	assert.Equal(t, h.clock.Now().Add(10*time.Minute), h.platform.timeoutUntil)
	assert.Equal(t, []string{"Timeout 1001 55 being loud"}, h.platform.Calls())
	assert.Equal(t, 40320, maxTimeoutMinutes)
}

func TestWarnCommand(t *testing.T) {
	h := newDispatcherHarness(t)

	result := h.dispatch(t, guildMessage(moderator(), "!warn <@55> spam"))
	require.Equal(t, ResultSuccess, result.Kind, result.Err)
	assert.Equal(
		t,
		"⚠️ <@55> has been warned. Reason: spam\nTotal warnings: 1",
		result.Reply().Content,
	)

	result = h.dispatch(t, guildMessage(moderator(), "!warn 55"))
	require.Equal(t, ResultSuccess, result.Kind, result.Err)
	assert.Contains(t, result.Reply().Content, "Total warnings: 2")

	ct, err := h.warnings.Count(context.Background(), testServerID, "55")
	require.NoError(t, err)
	assert.Equal(t, int64(2), ct)
}

func TestClearCommand(t *testing.T) {
	h := newDispatcherHarness(t)

	result := h.dispatch(t, guildMessage(moderator(), "!clear"))
	require.Equal(t, ResultSuccess, result.Kind, result.Err)
	assert.Equal(t, "✅ Cleared 10 messages.", result.Reply().Content)
	assert.Equal(t, clearReplyLifetime, result.Reply().DeleteAfter)
	assert.Equal(t, []string{"PurgeMessages 2002 11"}, h.platform.Calls())

	// fewer messages than requested
	h.platform.available = 4
	result = h.dispatch(t, guildMessage(moderator(), "!clear 50"))
	require.Equal(t, ResultSuccess, result.Kind, result.Err)
	assert.Equal(t, "✅ Cleared 3 messages.", result.Reply().Content)

	for _, n := range []string{"0", "100", "-1", "many"} {
		result = h.dispatch(t, guildMessage(moderator(), "!clear "+n))
		assert.Equal(t, ResultInvalidArgument, result.Kind, n)
	}

	result = h.dispatch(t, guildMessage(moderator(), "!clear 99"))
	assert.Equal(t, ResultSuccess, result.Kind)
}

func TestSlowmodeCommand(t *testing.T) {
	h := newDispatcherHarness(t)

	result := h.dispatch(t, guildMessage(moderator(), "!slowmode 30"))
	require.Equal(t, ResultSuccess, result.Kind, result.Err)
	assert.Equal(t, "✅ Slowmode set to 30 seconds.", result.Reply().Content)

	result = h.dispatch(t, guildMessage(moderator(), "!slowmode"))
	require.Equal(t, ResultSuccess, result.Kind, result.Err)
	assert.Equal(t, "✅ Slowmode disabled.", result.Reply().Content)

	result = h.dispatch(t, guildMessage(moderator(), "!slowmode 21601"))
	assert.Equal(t, ResultInvalidArgument, result.Kind)

	assert.Equal(t, []string{"SetSlowmode 2002 30", "SetSlowmode 2002 0"}, h.platform.Calls())
}

func TestLockUnlockCommand(t *testing.T) {
	h := newDispatcherHarness(t)

	result := h.dispatch(t, guildMessage(moderator(), "!lock"))
	require.Equal(t, ResultSuccess, result.Kind, result.Err)
	assert.Equal(t, "🔒 Channel locked.", result.Reply().Content)

	result = h.dispatch(t, guildMessage(moderator(), "!unlock"))
	require.Equal(t, ResultSuccess, result.Kind, result.Err)
	assert.Equal(t, "🔓 Channel unlocked.", result.Reply().Content)

	assert.Equal(
		t,
		[]string{
			"SetSendMessagesLocked 1001 2002 true",
			"SetSendMessagesLocked 1001 2002 false",
		},
		h.platform.Calls(),
	)
}

func TestServerInfoCommand(t *testing.T) {
	h := newDispatcherHarness(t)

	result := h.dispatch(t, guildMessage(member(), "!serverinfo"))
	require.Equal(t, ResultSuccess, result.Kind, result.Err)
	embed := result.Reply().Embed
	require.NotNil(t, embed)
	assert.Equal(t, "Server Information - Test Server", embed.Title)
	assert.Nil(t, embed.Thumbnail)

	fields := map[string]string{}
	for _, f := range embed.Fields {
		fields[f.Name] = f.Value
	}
	assert.Equal(t, "1001", fields["Server ID"])
	assert.Equal(t, "<@1>", fields["Owner"])
	assert.Equal(t, "2020-01-02", fields["Created"])
	assert.Equal(t, "42", fields["Members"])
}

func TestRoleCommands(t *testing.T) {
	h := newDispatcherHarness(t)

	result := h.dispatch(t, guildMessage(moderator(), "!createrole Event Staff"))
	require.Equal(t, ResultSuccess, result.Kind, result.Err)
	assert.Equal(t, "✅ Role `Event Staff` created successfully!", result.Reply().Content)

	result = h.dispatch(t, guildMessage(moderator(), "!assignrole <@55> Moderator"))
	require.Equal(t, ResultSuccess, result.Kind, result.Err)
	assert.Equal(t, "✅ Moderator assigned to <@55>", result.Reply().Content)

	result = h.dispatch(t, guildMessage(moderator(), "!removerole <@55> 901"))
	require.Equal(t, ResultSuccess, result.Kind, result.Err)
	assert.Equal(t, "✅ Member removed from <@55>", result.Reply().Content)

	result = h.dispatch(t, guildMessage(moderator(), "!assignrole <@55> Nonexistent"))
	assert.Equal(t, ResultInvalidArgument, result.Kind)
	assert.Equal(t, "❌ invalid argument: role", result.Reply().Content)

	assert.Equal(
		t,
		[]string{
			"CreateRole 1001 Event Staff",
			"FindRole 1001 Moderator",
			"AddRole 1001 55 900",
			"FindRole 1001 901",
			"RemoveRole 1001 55 901",
			"FindRole 1001 Nonexistent",
		},
		h.platform.Calls(),
	)
}

func TestCreateChannelCommand(t *testing.T) {
	h := newDispatcherHarness(t)

	result := h.dispatch(t, guildMessage(moderator(), "!createchannel Voice hangout"))
	require.Equal(t, ResultSuccess, result.Kind, result.Err)
	assert.Equal(t, "✅ Voice channel `hangout` created successfully!", result.Reply().Content)

	result = h.dispatch(t, guildMessage(moderator(), "!createchannel text announcements"))
	require.Equal(t, ResultSuccess, result.Kind, result.Err)
	assert.Equal(t, "✅ Text channel `announcements` created successfully!", result.Reply().Content)

	result = h.dispatch(t, guildMessage(moderator(), "!createchannel forum ideas"))
	assert.Equal(t, ResultInvalidArgument, result.Kind)
	assert.Equal(t, "❌ Invalid channel type. Use 'text' or 'voice'", result.Reply().Content)

	assert.Equal(
		t,
		[]string{"CreateChannel 1001 hangout voice", "CreateChannel 1001 announcements text"},
		h.platform.Calls(),
	)
}

func TestUserInfoCommand(t *testing.T) {
	h := newDispatcherHarness(t)
	h.platform.members["20"] = &MemberInfo{
		ID:          "20",
		Username:    "member",
		DisplayName: "Member Person",
		JoinedAt:    time.Date(2023, 7, 4, 0, 0, 0, 0, time.UTC),
		RoleCount:   3,
		AvatarURL:   "https://cdn.example.com/avatar.png",
	}

	result := h.dispatch(t, guildMessage(member(), "!userinfo"))
	require.Equal(t, ResultSuccess, result.Kind, result.Err)
	embed := result.Reply().Embed
	require.NotNil(t, embed)
	assert.Equal(t, "User Information - Member Person", embed.Title)
	require.NotNil(t, embed.Thumbnail)

	fields := map[string]string{}
	for _, f := range embed.Fields {
		fields[f.Name] = f.Value
	}
	assert.Equal(t, "2023-07-04", fields["Joined Server"])
	assert.Equal(t, "unknown", fields["Account Created"])
	assert.Equal(t, "3", fields["Roles"])

	result = h.dispatch(t, guildMessage(member(), "!userinfo <@77>"))
	require.Equal(t, ResultSuccess, result.Kind, result.Err)
	assert.Equal(t, "User Information - User 77", result.Reply().Embed.Title)

	assert.Equal(t, []string{"Member 1001 20", "Member 1001 77"}, h.platform.Calls())
}

func TestNicknameCommand(t *testing.T) {
	h := newDispatcherHarness(t)

	result := h.dispatch(t, guildMessage(moderator(), "!nickname <@55> Captain Chaos"))
	require.Equal(t, ResultSuccess, result.Kind, result.Err)
	assert.Equal(t, "✅ Changed <@55>'s nickname to `Captain Chaos`", result.Reply().Content)

	result = h.dispatch(t, guildMessage(moderator(), "!nickname <@55>"))
	require.Equal(t, ResultSuccess, result.Kind, result.Err)
	assert.Equal(t, "✅ Cleared <@55>'s nickname", result.Reply().Content)

	assert.Equal(
		t,
		[]string{"SetNickname 1001 55 Captain Chaos", "SetNickname 1001 55 "},
		h.platform.Calls(),
	)
}

func TestPollCommand(t *testing.T) {
	h := newDispatcherHarness(t)

	result := h.dispatch(t, guildMessage(member(), "!poll Pizza on Friday?"))
	require.Equal(t, ResultSuccess, result.Kind, result.Err)
	reply := result.Reply()
	require.NotNil(t, reply.Embed)
	assert.Equal(t, "Pizza on Friday?", reply.Embed.Description)
	assert.Equal(t, "Poll created by member", reply.Embed.Footer.Text)
	assert.Equal(t, []string{pollReactionYes, pollReactionNo}, reply.Reactions)

	result = h.dispatch(t, guildMessage(member(), "!poll"))
	assert.Equal(t, ResultInvalidArgument, result.Kind)
}

func TestEmbedCommand(t *testing.T) {
	h := newDispatcherHarness(t)

	result := h.dispatch(t, guildMessage(moderator(), "!embed Rules Be nice to each other"))
	require.Equal(t, ResultSuccess, result.Kind, result.Err)
	embed := result.Reply().Embed
	require.NotNil(t, embed)
	assert.Equal(t, "Rules", embed.Title)
	assert.Equal(t, "Be nice to each other", embed.Description)
	assert.Equal(t, "Created by mod", embed.Footer.Text)
}

func TestHelpCommand(t *testing.T) {
	h := newDispatcherHarness(t)

	result := h.dispatch(t, guildMessage(member(), "!help"))
	require.Equal(t, ResultSuccess, result.Kind, result.Err)
	embed := result.Reply().Embed
	require.NotNil(t, embed)
	require.Len(t, embed.Fields, len(helpCategories))
	assert.Equal(t, "!help moderation", embed.Fields[0].Name)
	assert.Equal(t, "Use !help <category> for specific commands", embed.Footer.Text)

	result = h.dispatch(t, guildMessage(member(), "!help Roles"))
	require.Equal(t, ResultSuccess, result.Kind, result.Err)
	embed = result.Reply().Embed
	assert.Equal(t, "🤖 Roles Commands", embed.Title)
	require.Len(t, embed.Fields, 3)
	assert.Equal(t, "!assignrole <member> <role>", embed.Fields[0].Name)

	result = h.dispatch(t, guildMessage(member(), "!help nonsense"))
	assert.Equal(t, ResultInvalidArgument, result.Kind)

	// the help text follows the server's prefix
	_, err := h.servers.Upsert(context.Background(), testServerID, ServerUpdate{Prefix: strPtr("$")})
	require.NoError(t, err)
	result = h.dispatch(t, guildMessage(member(), "$help"))
	require.Equal(t, ResultSuccess, result.Kind, result.Err)
	assert.Equal(t, "$help moderation", result.Reply().Embed.Fields[0].Name)
}

func TestEightBallCommand(t *testing.T) {
	h := newDispatcherHarness(t)
	h.dispatcher.intN = func(n int) int {
		assert.Equal(t, len(eightBallAnswers), n)
		return n - 1
	}

	result := h.dispatch(t, guildMessage(member(), "!8ball Will it rain?"))
	require.Equal(t, ResultSuccess, result.Kind, result.Err)
	embed := result.Reply().Embed
	require.Len(t, embed.Fields, 2)
	assert.Equal(t, "Will it rain?", embed.Fields[0].Value)
	assert.Equal(t, "Very doubtful", embed.Fields[1].Value)

	result = h.dispatch(t, guildMessage(member(), "!8ball"))
	assert.Equal(t, ResultInvalidArgument, result.Kind)
}

func TestDiceCommand(t *testing.T) {
	h := newDispatcherHarness(t)
	h.dispatcher.intN = func(n int) int { return n - 1 }

	result := h.dispatch(t, guildMessage(member(), "!dice"))
	require.Equal(t, ResultSuccess, result.Kind, result.Err)
	assert.Equal(t, "🎲 You rolled a 6 (d6)", result.Reply().Content)

	result = h.dispatch(t, guildMessage(member(), "!dice 100"))
	require.Equal(t, ResultSuccess, result.Kind, result.Err)
	assert.Equal(t, "🎲 You rolled a 100 (d100)", result.Reply().Content)

	for _, sides := range []string{"1", "101", "0"} {
		result = h.dispatch(t, guildMessage(member(), "!dice "+sides))
		assert.Equal(t, ResultInvalidArgument, result.Kind, sides)
		assert.Equal(t, "❌ Dice must have between 2 and 100 sides!", result.Reply().Content)
	}
}

func TestEconomyCommands(t *testing.T) {
	h := newDispatcherHarness(t)

	result := h.dispatch(t, guildMessage(member(), "!balance"))
	require.Equal(t, ResultSuccess, result.Kind, result.Err)
	assert.Equal(t, "💰 member's Balance", result.Reply().Embed.Title)
	assert.Equal(t, "**0** coins", result.Reply().Embed.Description)

	result = h.dispatch(t, guildMessage(member(), "!daily"))
	require.Equal(t, ResultSuccess, result.Kind, result.Err)
	assert.Equal(t, "✅ You claimed your daily reward of **100** coins!", result.Reply().Content)

	h.clock.Advance(time.Hour)
	result = h.dispatch(t, guildMessage(member(), "!daily"))
	assert.Equal(t, ResultFailed, result.Kind)
	assert.Equal(t, "❌ You can claim your daily reward in 23 hours!", result.Reply().Content)

	logs := h.invocations(t)
	require.NotEmpty(t, logs)
	assert.False(t, logs[0].Success, "a rejected claim is a failed invocation")

	h.clock.Advance(23 * time.Hour)
	result = h.dispatch(t, guildMessage(member(), "!daily"))
	require.Equal(t, ResultSuccess, result.Kind, result.Err)

	result = h.dispatch(t, guildMessage(member(), "!balance"))
	require.Equal(t, ResultSuccess, result.Kind, result.Err)
	assert.Equal(t, "**200** coins", result.Reply().Embed.Description)

	result = h.dispatch(t, guildMessage(member(), "!balance <@77>"))
	require.Equal(t, ResultSuccess, result.Kind, result.Err)
	assert.Equal(t, "💰 User 77's Balance", result.Reply().Embed.Title)
	assert.Equal(t, "**0** coins", result.Reply().Embed.Description)
}

func TestFormatThousands(t *testing.T) {
	assert.Equal(t, "0", formatThousands(0))
	assert.Equal(t, "999", formatThousands(999))
	assert.Equal(t, "1,000", formatThousands(1000))
	assert.Equal(t, "12,345,678", formatThousands(12345678))
	assert.Equal(t, "-1,234", formatThousands(-1234))
}
