package guildkeeper

const defaultReason = "No reason provided"

// builtinCommands is the static table of every command the bot handles
func builtinCommands() []CommandSpec {
	return []CommandSpec{
		// moderation
		{
			Name:        "ban",
			Category:    CategoryModeration,
			Description: "Ban a member from the server",
			Permission:  PermissionBanMembers,
			Params:      []ParamSpec{userParam("member"), restParam("reason").withDefault(defaultReason)},
			GuildOnly:   true,
			Handler:     banCommand,
		},
		{
			Name:        "kick",
			Category:    CategoryModeration,
			Description: "Kick a member from the server",
			Permission:  PermissionKickMembers,
			Params:      []ParamSpec{userParam("member"), restParam("reason").withDefault(defaultReason)},
			GuildOnly:   true,
			Handler:     kickCommand,
		},
		{
			Name:        "timeout",
			Category:    CategoryModeration,
			Description: "Timeout a member for a number of minutes",
			Permission:  PermissionModerateMembers,
			Params: []ParamSpec{
				userParam("member"),
				intParam("duration"),
				restParam("reason").withDefault(defaultReason),
			},
			GuildOnly: true,
			Handler:   timeoutCommand,
		},
		{
			Name:        "warn",
			Category:    CategoryModeration,
			Description: "Warn a member",
			Permission:  PermissionKickMembers,
			Params:      []ParamSpec{userParam("member"), restParam("reason").withDefault(defaultReason)},
			GuildOnly:   true,
			Handler:     warnCommand,
		},
		{
			Name:        "clear",
			Category:    CategoryModeration,
			Description: "Delete recent messages in this channel",
			Permission:  PermissionManageMessages,
			Params:      []ParamSpec{intParam("amount").withDefault(10)},
			GuildOnly:   true,
			Handler:     clearCommand,
		},
		{
			Name:        "slowmode",
			Category:    CategoryModeration,
			Description: "Set slowmode for this channel (0 disables it)",
			Permission:  PermissionManageChannels,
			Params:      []ParamSpec{intParam("seconds").withDefault(0)},
			GuildOnly:   true,
			Handler:     slowmodeCommand,
		},
		{
			Name:        "lock",
			Category:    CategoryModeration,
			Description: "Stop @everyone from sending messages in this channel",
			Permission:  PermissionManageChannels,
			GuildOnly:   true,
			Handler:     lockCommand(true),
		},
		{
			Name:        "unlock",
			Category:    CategoryModeration,
			Description: "Allow @everyone to send messages in this channel again",
			Permission:  PermissionManageChannels,
			GuildOnly:   true,
			Handler:     lockCommand(false),
		},

		// server
		{
			Name:        "serverinfo",
			Category:    CategoryServer,
			Description: "Show server information",
			GuildOnly:   true,
			Handler:     serverInfoCommand,
		},
		{
			Name:        "prefix",
			Category:    CategoryServer,
			Description: "Change the command prefix for this server",
			Permission:  PermissionManageGuild,
			Params:      []ParamSpec{wordParam("new_prefix")},
			GuildOnly:   true,
			Handler:     prefixCommand,
		},

		// roles
		{
			Name:        "createrole",
			Category:    CategoryRoles,
			Description: "Create a new role",
			Permission:  PermissionManageRoles,
			Params:      []ParamSpec{restParam("name")},
			GuildOnly:   true,
			Handler:     createRoleCommand,
		},
		{
			Name:        "assignrole",
			Category:    CategoryRoles,
			Description: "Give a role to a member",
			Permission:  PermissionManageRoles,
			Params:      []ParamSpec{userParam("member"), restParam("role")},
			GuildOnly:   true,
			Handler:     memberRoleCommand(true),
		},
		{
			Name:        "removerole",
			Category:    CategoryRoles,
			Description: "Take a role from a member",
			Permission:  PermissionManageRoles,
			Params:      []ParamSpec{userParam("member"), restParam("role")},
			GuildOnly:   true,
			Handler:     memberRoleCommand(false),
		},

		// channels
		{
			Name:        "createchannel",
			Category:    CategoryChannels,
			Description: "Create a text or voice channel",
			Permission:  PermissionManageChannels,
			Params:      []ParamSpec{wordParam("channel_type"), restParam("name")},
			GuildOnly:   true,
			Handler:     createChannelCommand,
		},

		// users
		{
			Name:        "userinfo",
			Category:    CategoryUsers,
			Description: "Show information about a member",
			Params:      []ParamSpec{userParam("member").optional()},
			GuildOnly:   true,
			Handler:     userInfoCommand,
		},
		{
			Name:        "nickname",
			Category:    CategoryUsers,
			Description: "Change or clear a member's nickname",
			Permission:  PermissionManageNicknames,
			Params:      []ParamSpec{userParam("member"), restParam("nickname").optional()},
			GuildOnly:   true,
			Handler:     nicknameCommand,
		},

		// utility
		{
			Name:        "poll",
			Category:    CategoryUtility,
			Description: "Start a yes/no poll",
			Params:      []ParamSpec{restParam("question")},
			Handler:     pollCommand,
		},
		{
			Name:        "embed",
			Category:    CategoryUtility,
			Description: "Post a custom embed",
			Permission:  PermissionManageMessages,
			Params:      []ParamSpec{wordParam("title"), restParam("description")},
			Handler:     embedCommand,
		},
		{
			Name:        "help",
			Category:    CategoryUtility,
			Description: "List command categories, or the commands in a category",
			Params:      []ParamSpec{wordParam("category").optional()},
			Handler:     helpCommand,
		},

		// fun
		{
			Name:        "8ball",
			Category:    CategoryFun,
			Description: "Ask the magic 8 ball",
			Params:      []ParamSpec{restParam("question")},
			Handler:     eightBallCommand,
		},
		{
			Name:        "dice",
			Category:    CategoryFun,
			Description: "Roll a die with the given number of sides",
			Params:      []ParamSpec{intParam("sides").withDefault(6)},
			Handler:     diceCommand,
		},

		// economy
		{
			Name:        "balance",
			Category:    CategoryEconomy,
			Description: "Check a member's coin balance",
			Params:      []ParamSpec{userParam("member").optional()},
			GuildOnly:   true,
			Handler:     balanceCommand,
		},
		{
			Name:        "daily",
			Category:    CategoryEconomy,
			Description: "Claim your daily reward",
			GuildOnly:   true,
			Handler:     dailyCommand,
		},
	}
}
