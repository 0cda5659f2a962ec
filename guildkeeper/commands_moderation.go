package guildkeeper

import (
	"context"
	"fmt"
	"time"
)

const (
	minTimeoutMinutes = 1
	maxTimeoutMinutes = int(discordMaxTimeout / time.Minute)

	minClearAmount = 1

	// maxClearAmount leaves room for the command message itself, which
	// is deleted along with the requested messages
	maxClearAmount = discordBulkDeleteLimit - 1

	// clearReplyLifetime is how long the clear confirmation stays visible
	clearReplyLifetime = 5 * time.Second

	maxSlowmodeSeconds = 21600
)

func userMention(userID string) string {
	return "<@" + userID + ">"
}

func banCommand(ctx context.Context, c *CommandContext) (*Response, error) {
	target := c.Args.User("member")
	reason := c.Args.String("reason")
	if err := c.Platform.Ban(ctx, c.ServerID(), target, reason); err != nil {
		return nil, platformFailure("ban user", err)
	}
	return &Response{
		Content: fmt.Sprintf("✅ %s has been banned. Reason: %s", userMention(target), reason),
	}, nil
}

func kickCommand(ctx context.Context, c *CommandContext) (*Response, error) {
	target := c.Args.User("member")
	reason := c.Args.String("reason")
	if err := c.Platform.Kick(ctx, c.ServerID(), target, reason); err != nil {
		return nil, platformFailure("kick user", err)
	}
	return &Response{
		Content: fmt.Sprintf("✅ %s has been kicked. Reason: %s", userMention(target), reason),
	}, nil
}

func timeoutCommand(ctx context.Context, c *CommandContext) (*Response, error) {
	target := c.Args.User("member")
	minutes := c.Args.Int("duration")
	reason := c.Args.String("reason")
	if minutes < minTimeoutMinutes || minutes > maxTimeoutMinutes {
		return nil, &ArgumentError{
			Name: "duration",
			Reason: fmt.Sprintf(
				"duration must be between %d and %d minutes",
				minTimeoutMinutes, maxTimeoutMinutes,
			),
		}
	}

	until := c.Now.Add(time.Duration(minutes) * time.Minute)
	if err := c.Platform.Timeout(ctx, c.ServerID(), target, until, reason); err != nil {
		return nil, platformFailure("timeout user", err)
	}
	return &Response{
		Content: fmt.Sprintf(
			"✅ %s has been timed out for %d minutes. Reason: %s",
			userMention(target), minutes, reason,
		),
	}, nil
}

func warnCommand(ctx context.Context, c *CommandContext) (*Response, error) {
	target := c.Args.User("member")
	reason := c.Args.String("reason")
	count, err := c.Warnings.Add(
		ctx,
		&Warning{
			ServerID:    c.ServerID(),
			UserID:      target,
			ModeratorID: c.Message.Actor.ID,
			Reason:      reason,
			Timestamp:   c.Now,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to warn user: %w", err)
	}
	return &Response{
		Content: fmt.Sprintf(
			"⚠️ %s has been warned. Reason: %s\nTotal warnings: %d",
			userMention(target), reason, count,
		),
	}, nil
}

func clearCommand(ctx context.Context, c *CommandContext) (*Response, error) {
	amount := c.Args.Int("amount")
	if amount < minClearAmount || amount > maxClearAmount {
		return nil, &ArgumentError{
			Name: "amount",
			Reason: fmt.Sprintf(
				"amount must be between %d and %d",
				minClearAmount, maxClearAmount,
			),
		}
	}

	// +1 to include the command message
	deleted, err := c.Platform.PurgeMessages(ctx, c.Message.ChannelID, amount+1)
	if err != nil {
		return nil, platformFailure("clear messages", err)
	}
	if deleted > 0 {
		deleted--
	}
	return &Response{
		Content:     fmt.Sprintf("✅ Cleared %d messages.", deleted),
		DeleteAfter: clearReplyLifetime,
	}, nil
}

func slowmodeCommand(ctx context.Context, c *CommandContext) (*Response, error) {
	seconds := c.Args.Int("seconds")
	if seconds < 0 || seconds > maxSlowmodeSeconds {
		return nil, &ArgumentError{
			Name:   "seconds",
			Reason: fmt.Sprintf("seconds must be between 0 and %d", maxSlowmodeSeconds),
		}
	}
	if err := c.Platform.SetSlowmode(ctx, c.Message.ChannelID, seconds); err != nil {
		return nil, platformFailure("set slowmode", err)
	}
	if seconds == 0 {
		return &Response{Content: "✅ Slowmode disabled."}, nil
	}
	return &Response{Content: fmt.Sprintf("✅ Slowmode set to %d seconds.", seconds)}, nil
}

// lockCommand returns the handler for lock (locked=true) or unlock
func lockCommand(locked bool) CommandHandler {
	action, reply := "unlock channel", "🔓 Channel unlocked."
	if locked {
		action, reply = "lock channel", "🔒 Channel locked."
	}
	return func(ctx context.Context, c *CommandContext) (*Response, error) {
		err := c.Platform.SetSendMessagesLocked(ctx, c.ServerID(), c.Message.ChannelID, locked)
		if err != nil {
			return nil, platformFailure(action, err)
		}
		return &Response{Content: reply}, nil
	}
}
