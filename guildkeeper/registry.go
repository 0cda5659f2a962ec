package guildkeeper

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

const (
	CategoryModeration = "moderation"
	CategoryServer     = "server"
	CategoryRoles      = "roles"
	CategoryChannels   = "channels"
	CategoryUsers      = "users"
	CategoryUtility    = "utility"
	CategoryFun        = "fun"
	CategoryEconomy    = "economy"
)

// helpCategories lists the categories shown by the help command, in order
var helpCategories = []string{
	CategoryModeration,
	CategoryServer,
	CategoryRoles,
	CategoryChannels,
	CategoryUsers,
	CategoryUtility,
	CategoryFun,
	CategoryEconomy,
}

// ParamKind is the type of a command parameter slot
type ParamKind int

const (
	// ParamUser is a user mention (<@id> or <@!id>) or a bare user ID
	ParamUser ParamKind = iota + 1

	// ParamInt is a base-10 integer
	ParamInt

	// ParamWord is a single whitespace-delimited token
	ParamWord

	// ParamRest captures the rest of the line verbatim. It may only
	// be the last parameter.
	ParamRest
)

func (k ParamKind) String() string {
	switch k {
	case ParamUser:
		return "user"
	case ParamInt:
		return "int"
	case ParamWord:
		return "word"
	case ParamRest:
		return "rest"
	default:
		return "unknown"
	}
}

// ParamSpec declares one parameter slot of a command
type ParamSpec struct {
	Name string
	Kind ParamKind

	// Optional parameters may be omitted. If Default is set, it's used
	// in place of an omitted value, otherwise the value is absent.
	Optional bool
	Default  any
}

func userParam(name string) ParamSpec {
	return ParamSpec{Name: name, Kind: ParamUser}
}

func intParam(name string) ParamSpec {
	return ParamSpec{Name: name, Kind: ParamInt}
}

func wordParam(name string) ParamSpec {
	return ParamSpec{Name: name, Kind: ParamWord}
}

func restParam(name string) ParamSpec {
	return ParamSpec{Name: name, Kind: ParamRest}
}

func (p ParamSpec) withDefault(v any) ParamSpec {
	p.Optional = true
	p.Default = v
	return p
}

func (p ParamSpec) optional() ParamSpec {
	p.Optional = true
	return p
}

func (p ParamSpec) validDefault() bool {
	if p.Default == nil {
		return true
	}
	switch p.Kind {
	case ParamInt:
		_, ok := p.Default.(int)
		return ok
	case ParamUser, ParamWord, ParamRest:
		_, ok := p.Default.(string)
		return ok
	default:
		return false
	}
}

// CommandHandler executes a command. A returned error is rendered as
// the reply, and recorded as a failed invocation.
type CommandHandler func(ctx context.Context, c *CommandContext) (*Response, error)

// CommandSpec is the static description of a command
type CommandSpec struct {
	Name        string
	Category    string
	Description string

	// Permission required to run the command, or PermissionNone
	Permission Permission

	// Params are the ordered parameter slots parsed from the text
	// following the command name
	Params []ParamSpec

	// GuildOnly commands are rejected in direct messages
	GuildOnly bool

	Handler CommandHandler
}

// Usage returns a usage string like "ban <user> [reason]"
func (c CommandSpec) Usage() string {
	s := c.Name
	for _, p := range c.Params {
		if p.Optional {
			s += fmt.Sprintf(" [%s]", p.Name)
		} else {
			s += fmt.Sprintf(" <%s>", p.Name)
		}
	}
	return s
}

func (c CommandSpec) validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("command name is empty"))
	}
	if c.Handler == nil {
		errs = append(errs, fmt.Errorf("%s: no handler", c.Name))
	}
	if !c.Permission.Valid() {
		errs = append(errs, fmt.Errorf("%s: unknown permission %d", c.Name, c.Permission))
	}
	seenOptional := false
	names := map[string]bool{}
	for i, p := range c.Params {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s: param %d has no name", c.Name, i))
		}
		if names[p.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate param %q", c.Name, p.Name))
		}
		names[p.Name] = true

		switch p.Kind {
		case ParamUser, ParamInt, ParamWord:
		case ParamRest:
			if i != len(c.Params)-1 {
				errs = append(
					errs,
					fmt.Errorf("%s: rest param %q must be last", c.Name, p.Name),
				)
			}
		default:
			errs = append(errs, fmt.Errorf("%s: param %q has unknown kind", c.Name, p.Name))
		}

		if p.Optional {
			seenOptional = true
		} else if seenOptional {
			errs = append(
				errs,
				fmt.Errorf("%s: required param %q follows an optional param", c.Name, p.Name),
			)
		}
		if !p.validDefault() {
			errs = append(
				errs,
				fmt.Errorf("%s: default for %q doesn't match kind %s", c.Name, p.Name, p.Kind),
			)
		}
	}
	return errors.Join(errs...)
}

// Registry maps command names to their specs. It's built once at
// startup and is read-only afterward.
type Registry struct {
	commands map[string]*CommandSpec
	ordered  []*CommandSpec
}

// NewRegistry validates the given commands and returns a Registry.
// Names are case-sensitive and must be unique.
func NewRegistry(specs []CommandSpec) (*Registry, error) {
	r := &Registry{commands: make(map[string]*CommandSpec, len(specs))}
	var errs []error
	for i := range specs {
		spec := specs[i]
		if err := spec.validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, exists := r.commands[spec.Name]; exists {
			errs = append(errs, fmt.Errorf("duplicate command: %s", spec.Name))
			continue
		}
		r.commands[spec.Name] = &spec
		r.ordered = append(r.ordered, &spec)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid command registry: %w", err)
	}
	return r, nil
}

// DefaultRegistry returns a Registry of every built-in command
func DefaultRegistry() (*Registry, error) {
	return NewRegistry(builtinCommands())
}

// Lookup returns the command with the exact given name
func (r *Registry) Lookup(name string) (*CommandSpec, bool) {
	c, ok := r.commands[name]
	return c, ok
}

// Commands returns all commands, in registration order
func (r *Registry) Commands() []*CommandSpec {
	out := make([]*CommandSpec, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Category returns the commands in the given category, sorted by name
func (r *Registry) Category(category string) []*CommandSpec {
	var out []*CommandSpec
	for _, c := range r.ordered {
		if c.Category == category {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
