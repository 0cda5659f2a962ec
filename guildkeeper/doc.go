// Package guildkeeper implements a Discord server-management bot driven by
// prefix commands, along with a companion REST API for reporting.
//
// Chat messages flow through the [Dispatcher], which resolves the origin's
// command prefix from the [ConfigStore], looks the command up in the static
// [Registry], checks the invoking actor's permissions with a
// [PermissionGate], runs the handler and records exactly one
// [CommandInvocation] in the [AuditLog] for every recognized command.
//
// Key components of the package include:
//
//   - GuildKeeper: owns configuration, storage and process lifecycle.
//   - Discord: the gateway session and the [Platform] implementation handlers act through.
//   - Supervisor: attaches and detaches the dispatcher from the gateway event feed.
//   - API: the gin-based reporting and administration API.
//   - Economy and WarningLog: per-server member state mutated by commands.
//
// Commands are grouped into categories (moderation, server, roles, channels,
// users, utility, fun, economy), and each restricted command declares exactly
// one required [Permission].
package guildkeeper
