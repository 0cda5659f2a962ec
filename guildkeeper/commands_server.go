package guildkeeper

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"strconv"
	"strings"
	"time"
)

const (
	embedColorBlue  = 0x3498db
	embedColorGreen = 0x2ecc71
)

func inlineField(name string, value any) *discordgo.MessageEmbedField {
	return &discordgo.MessageEmbedField{
		Name:   name,
		Value:  fmt.Sprint(value),
		Inline: true,
	}
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.UTC().Format(dateFormat)
}

func serverInfoCommand(ctx context.Context, c *CommandContext) (*Response, error) {
	g, err := c.Platform.Guild(ctx, c.ServerID())
	if err != nil {
		return nil, platformFailure("get server info", err)
	}
	embed := &discordgo.MessageEmbed{
		Title:     "Server Information - " + g.Name,
		Color:     embedColorBlue,
		Timestamp: c.Now.Format(time.RFC3339),
		Fields: []*discordgo.MessageEmbedField{
			inlineField("Server ID", g.ID),
			inlineField("Owner", userMention(g.OwnerID)),
			inlineField("Created", formatDate(g.CreatedAt)),
			inlineField("Members", g.MemberCount),
			inlineField("Channels", g.ChannelCount),
			inlineField("Roles", g.RoleCount),
			inlineField("Boost Level", g.PremiumTier),
			inlineField("Boosts", g.PremiumSubscriptionCount),
		},
	}
	if g.IconURL != "" {
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: g.IconURL}
	}
	return &Response{Embed: embed}, nil
}

func prefixCommand(ctx context.Context, c *CommandContext) (*Response, error) {
	prefix := c.Args.String("new_prefix")
	_, err := c.Servers.Upsert(ctx, c.ServerID(), ServerUpdate{Prefix: &prefix})
	if err != nil {
		if errors.Is(err, ErrInvalidArgument) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to set prefix: %w", err)
	}
	return &Response{Content: fmt.Sprintf("✅ Prefix changed to `%s`", prefix)}, nil
}

func createRoleCommand(ctx context.Context, c *CommandContext) (*Response, error) {
	name := c.Args.String("name")
	role, err := c.Platform.CreateRole(ctx, c.ServerID(), name)
	if err != nil {
		return nil, platformFailure("create role", err)
	}
	return &Response{Content: fmt.Sprintf("✅ Role `%s` created successfully!", role.Name)}, nil
}

// memberRoleCommand returns the handler for assignrole (add=true) or
// removerole
func memberRoleCommand(add bool) CommandHandler {
	return func(ctx context.Context, c *CommandContext) (*Response, error) {
		target := c.Args.User("member")
		role, err := c.Platform.FindRole(ctx, c.ServerID(), c.Args.String("role"))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, invalidArgument("role")
			}
			return nil, platformFailure("look up role", err)
		}

		if add {
			if err = c.Platform.AddRole(ctx, c.ServerID(), target, role.ID); err != nil {
				return nil, platformFailure("assign role", err)
			}
			return &Response{
				Content: fmt.Sprintf("✅ %s assigned to %s", role.Name, userMention(target)),
			}, nil
		}

		if err = c.Platform.RemoveRole(ctx, c.ServerID(), target, role.ID); err != nil {
			return nil, platformFailure("remove role", err)
		}
		return &Response{
			Content: fmt.Sprintf("✅ %s removed from %s", role.Name, userMention(target)),
		}, nil
	}
}

func createChannelCommand(ctx context.Context, c *CommandContext) (*Response, error) {
	kind := ChannelKind(strings.ToLower(c.Args.String("channel_type")))
	if kind != ChannelText && kind != ChannelVoice {
		return nil, &ArgumentError{
			Name:   "channel_type",
			Reason: "Invalid channel type. Use 'text' or 'voice'",
		}
	}
	name := c.Args.String("name")
	ch, err := c.Platform.CreateChannel(ctx, c.ServerID(), name, kind)
	if err != nil {
		return nil, platformFailure("create channel", err)
	}
	label := strings.ToUpper(string(kind[:1])) + string(kind[1:])
	return &Response{
		Content: fmt.Sprintf("✅ %s channel `%s` created successfully!", label, ch.Name),
	}, nil
}

func userInfoCommand(ctx context.Context, c *CommandContext) (*Response, error) {
	target := c.Message.Actor.ID
	if c.Args.Has("member") {
		target = c.Args.User("member")
	}
	m, err := c.Platform.Member(ctx, c.ServerID(), target)
	if err != nil {
		return nil, platformFailure("get user info", err)
	}
	embed := &discordgo.MessageEmbed{
		Title:     "User Information - " + m.DisplayName,
		Color:     embedColorBlue,
		Timestamp: c.Now.Format(time.RFC3339),
		Fields: []*discordgo.MessageEmbedField{
			inlineField("Username", m.Username),
			inlineField("ID", m.ID),
			inlineField("Joined Server", formatDate(m.JoinedAt)),
			inlineField("Account Created", formatDate(m.CreatedAt)),
			inlineField("Roles", strconv.Itoa(m.RoleCount)),
		},
	}
	if m.AvatarURL != "" {
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: m.AvatarURL}
	}
	return &Response{Embed: embed}, nil
}

func nicknameCommand(ctx context.Context, c *CommandContext) (*Response, error) {
	target := c.Args.User("member")
	nickname := c.Args.String("nickname")
	if err := c.Platform.SetNickname(ctx, c.ServerID(), target, nickname); err != nil {
		return nil, platformFailure("change nickname", err)
	}
	if nickname == "" {
		return &Response{Content: fmt.Sprintf("✅ Cleared %s's nickname", userMention(target))}, nil
	}
	return &Response{
		Content: fmt.Sprintf("✅ Changed %s's nickname to `%s`", userMention(target), nickname),
	}, nil
}
