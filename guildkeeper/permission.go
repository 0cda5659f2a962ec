package guildkeeper

import (
	"github.com/bwmarrin/discordgo"
	"sort"
	"strings"
)

// Permission is a capability a restricted command requires. Each
// restricted command declares exactly one.
type Permission int

const (
	PermissionNone Permission = iota
	PermissionBanMembers
	PermissionKickMembers
	PermissionModerateMembers
	PermissionManageMessages
	PermissionManageChannels
	PermissionManageGuild
	PermissionManageRoles
	PermissionManageNicknames

	permissionCount
)

var permissionNames = map[Permission]string{
	PermissionNone:            "none",
	PermissionBanMembers:      "ban_members",
	PermissionKickMembers:     "kick_members",
	PermissionModerateMembers: "moderate_members",
	PermissionManageMessages:  "manage_messages",
	PermissionManageChannels:  "manage_channels",
	PermissionManageGuild:     "manage_guild",
	PermissionManageRoles:     "manage_roles",
	PermissionManageNicknames: "manage_nicknames",
}

// discordPermissionBits maps each Permission to the discord permission
// bit that grants it
var discordPermissionBits = map[Permission]int64{
	PermissionBanMembers:      discordgo.PermissionBanMembers,
	PermissionKickMembers:     discordgo.PermissionKickMembers,
	PermissionModerateMembers: discordgo.PermissionModerateMembers,
	PermissionManageMessages:  discordgo.PermissionManageMessages,
	PermissionManageChannels:  discordgo.PermissionManageChannels,
	PermissionManageGuild:     discordgo.PermissionManageServer,
	PermissionManageRoles:     discordgo.PermissionManageRoles,
	PermissionManageNicknames: discordgo.PermissionManageNicknames,
}

func (p Permission) String() string {
	if name, ok := permissionNames[p]; ok {
		return name
	}
	return "unknown"
}

// Valid returns true if p is one of the enumerated permissions
func (p Permission) Valid() bool {
	return p >= PermissionNone && p < permissionCount
}

// Restricted returns true if p is anything other than PermissionNone
func (p Permission) Restricted() bool {
	return p != PermissionNone
}

// PermissionSet is an actor's effective capabilities in an origin
type PermissionSet uint32

// NewPermissionSet returns a set containing the given permissions
func NewPermissionSet(perms ...Permission) PermissionSet {
	var s PermissionSet
	for _, p := range perms {
		s = s.With(p)
	}
	return s
}

// AllPermissions returns a set containing every permission
func AllPermissions() PermissionSet {
	var s PermissionSet
	for p := PermissionNone + 1; p < permissionCount; p++ {
		s = s.With(p)
	}
	return s
}

// PermissionSetFromDiscord converts a discord permission bitfield (as
// computed for a member in a channel) to a PermissionSet. The
// Administrator bit grants every permission.
func PermissionSetFromDiscord(perms int64) PermissionSet {
	if perms&discordgo.PermissionAdministrator != 0 {
		return AllPermissions()
	}
	var s PermissionSet
	for p, bit := range discordPermissionBits {
		if perms&bit != 0 {
			s = s.With(p)
		}
	}
	return s
}

func (s PermissionSet) With(p Permission) PermissionSet {
	if !p.Restricted() || !p.Valid() {
		return s
	}
	return s | (1 << uint(p))
}

// Has returns true if the set contains p. PermissionNone is contained
// in every set.
func (s PermissionSet) Has(p Permission) bool {
	if !p.Restricted() {
		return true
	}
	if !p.Valid() {
		return false
	}
	return s&(1<<uint(p)) != 0
}

func (s PermissionSet) String() string {
	var names []string
	for p := PermissionNone + 1; p < permissionCount; p++ {
		if s.Has(p) {
			names = append(names, p.String())
		}
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

// PermissionGate decides whether an actor may run a command
// requiring the given permission in an origin.
type PermissionGate interface {
	Check(actor Actor, originID string, required Permission) bool
}

// capabilityGate approves an action iff the actor's capability set,
// as supplied by the platform, contains the required permission.
type capabilityGate struct{}

func (capabilityGate) Check(actor Actor, _ string, required Permission) bool {
	return actor.Permissions.Has(required)
}
