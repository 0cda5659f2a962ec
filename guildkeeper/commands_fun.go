package guildkeeper

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"strconv"
	"strings"
	"time"
)

const (
	minDiceSides = 2
	maxDiceSides = 100

	pollReactionYes = "👍"
	pollReactionNo  = "👎"
)

var eightBallAnswers = []string{
	"It is certain",
	"It is decidedly so",
	"Without a doubt",
	"Yes definitely",
	"You may rely on it",
	"As I see it, yes",
	"Most likely",
	"Outlook good",
	"Yes",
	"Signs point to yes",
	"Reply hazy, try again",
	"Ask again later",
	"Better not tell you now",
	"Cannot predict now",
	"Concentrate and ask again",
	"Don't count on it",
	"My reply is no",
	"My sources say no",
	"Outlook not so good",
	"Very doubtful",
}

var helpCategoryDescriptions = map[string]string{
	CategoryModeration: "Moderation commands (ban, kick, warn, etc.)",
	CategoryServer:     "Server management commands",
	CategoryRoles:      "Role management commands",
	CategoryChannels:   "Channel management commands",
	CategoryUsers:      "User management commands",
	CategoryUtility:    "Utility commands",
	CategoryFun:        "Fun commands",
	CategoryEconomy:    "Economy commands",
}

// formatThousands formats n with comma separators, like 12,345
func formatThousands(n int64) string {
	s := strconv.FormatInt(n, 10)
	sign := ""
	if n < 0 {
		sign, s = "-", s[1:]
	}
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return sign + b.String()
}

func pollCommand(_ context.Context, c *CommandContext) (*Response, error) {
	return &Response{
		Embed: &discordgo.MessageEmbed{
			Title:       "📊 Poll",
			Description: c.Args.String("question"),
			Color:       embedColorBlue,
			Timestamp:   c.Now.Format(time.RFC3339),
			Footer: &discordgo.MessageEmbedFooter{
				Text: "Poll created by " + c.Message.Actor.Name,
			},
		},
		Reactions: []string{pollReactionYes, pollReactionNo},
	}, nil
}

func embedCommand(_ context.Context, c *CommandContext) (*Response, error) {
	return &Response{
		Embed: &discordgo.MessageEmbed{
			Title:       c.Args.String("title"),
			Description: c.Args.String("description"),
			Color:       embedColorBlue,
			Timestamp:   c.Now.Format(time.RFC3339),
			Footer: &discordgo.MessageEmbedFooter{
				Text: "Created by " + c.Message.Actor.Name,
			},
		},
	}, nil
}

func helpCommand(_ context.Context, c *CommandContext) (*Response, error) {
	prefix := c.Prefix
	if prefix == "" {
		prefix = DefaultCommandPrefix
	}

	if !c.Args.Has("category") {
		embed := &discordgo.MessageEmbed{
			Title:       "🤖 Bot Commands",
			Description: "Here are all available command categories:",
			Color:       embedColorBlue,
			Footer: &discordgo.MessageEmbedFooter{
				Text: fmt.Sprintf("Use %shelp <category> for specific commands", prefix),
			},
		}
		for _, cat := range helpCategories {
			embed.Fields = append(
				embed.Fields,
				&discordgo.MessageEmbedField{
					Name:  fmt.Sprintf("%shelp %s", prefix, cat),
					Value: helpCategoryDescriptions[cat],
				},
			)
		}
		return &Response{Embed: embed}, nil
	}

	category := strings.ToLower(c.Args.String("category"))
	commands := c.Registry.Category(category)
	if len(commands) == 0 {
		return nil, invalidArgument("category")
	}
	embed := &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("🤖 %s%s Commands", strings.ToUpper(category[:1]), category[1:]),
		Description: fmt.Sprintf("Commands for %s category", category),
		Color:       embedColorBlue,
	}
	for _, cmd := range commands {
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{
				Name:  prefix + cmd.Usage(),
				Value: cmd.Description,
			},
		)
	}
	return &Response{Embed: embed}, nil
}

func eightBallCommand(_ context.Context, c *CommandContext) (*Response, error) {
	answer := eightBallAnswers[c.intN(len(eightBallAnswers))]
	return &Response{
		Embed: &discordgo.MessageEmbed{
			Title: "🎱 Magic 8 Ball",
			Color: embedColorBlue,
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Question", Value: c.Args.String("question")},
				{Name: "Answer", Value: answer},
			},
		},
	}, nil
}

func diceCommand(_ context.Context, c *CommandContext) (*Response, error) {
	sides := c.Args.Int("sides")
	if sides < minDiceSides || sides > maxDiceSides {
		return nil, &ArgumentError{
			Name:   "sides",
			Reason: fmt.Sprintf("Dice must have between %d and %d sides!", minDiceSides, maxDiceSides),
		}
	}
	roll := c.intN(sides) + 1
	return &Response{Content: fmt.Sprintf("🎲 You rolled a %d (d%d)", roll, sides)}, nil
}

func balanceCommand(ctx context.Context, c *CommandContext) (*Response, error) {
	target := c.Message.Actor.ID
	name := c.Message.Actor.Name
	if c.Args.Has("member") && c.Args.User("member") != target {
		target = c.Args.User("member")
		m, err := c.Platform.Member(ctx, c.ServerID(), target)
		if err != nil {
			return nil, platformFailure("look up member", err)
		}
		name = m.DisplayName
	}

	balance, err := c.Economy.Balance(ctx, c.ServerID(), target)
	if err != nil {
		return nil, fmt.Errorf("failed to check balance: %w", err)
	}
	return &Response{
		Embed: &discordgo.MessageEmbed{
			Title:       fmt.Sprintf("💰 %s's Balance", name),
			Description: fmt.Sprintf("**%s** coins", formatThousands(balance)),
			Color:       embedColorGreen,
		},
	}, nil
}

func dailyCommand(ctx context.Context, c *CommandContext) (*Response, error) {
	claim, err := c.Economy.ClaimDaily(ctx, c.ServerID(), c.Message.Actor.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim daily reward: %w", err)
	}
	if !claim.Granted {
		return nil, fmt.Errorf(
			"You can claim your daily reward in %d hours!",
			claim.RemainingHours(),
		)
	}
	return &Response{
		Content: fmt.Sprintf(
			"✅ You claimed your daily reward of **%s** coins!",
			formatThousands(claim.Reward),
		),
	}, nil
}
