package guildkeeper

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

var userRefPattern = regexp.MustCompile(`^(?:<@!?(\d+)>|(\d+))$`)

// Args holds the parsed parameters of an invocation, keyed by
// parameter name
type Args struct {
	values map[string]any
}

func (a Args) Has(name string) bool {
	_, ok := a.values[name]
	return ok
}

// User returns the user ID for the given parameter, or an empty
// string if absent
func (a Args) User(name string) string {
	s, _ := a.values[name].(string)
	return s
}

func (a Args) Int(name string) int {
	n, _ := a.values[name].(int)
	return n
}

func (a Args) String(name string) string {
	s, _ := a.values[name].(string)
	return s
}

// Map returns a copy of the parsed values
func (a Args) Map() map[string]any {
	m := make(map[string]any, len(a.values))
	for k, v := range a.values {
		m[k] = v
	}
	return m
}

// splitCommand separates the command name from the rest of the text
// that follows it
func splitCommand(s string) (name string, remainder string) {
	return nextToken(s)
}

// nextToken returns the first whitespace-delimited token of s, and
// everything after it
func nextToken(s string) (token string, remainder string) {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	idx := strings.IndexFunc(s, unicode.IsSpace)
	if idx < 0 {
		return s, ""
	}
	return s[:idx], s[idx:]
}

// parseUserRef extracts a user ID from a mention or bare ID
func parseUserRef(s string) (string, bool) {
	m := userRefPattern.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	if m[1] != "" {
		return m[1], true
	}
	return m[2], true
}

// parseArgs parses the text following a command name according to
// params. Positional slots consume one token each, and a trailing
// ParamRest slot captures whatever remains, with surrounding whitespace
// trimmed. Tokens beyond the declared slots are ignored.
func parseArgs(params []ParamSpec, remainder string) (Args, error) {
	args := Args{values: make(map[string]any, len(params))}
	rest := remainder

	for _, p := range params {
		var raw string
		if p.Kind == ParamRest {
			raw = strings.TrimSpace(rest)
			rest = ""
		} else {
			raw, rest = nextToken(rest)
		}

		if raw == "" {
			switch {
			case p.Default != nil:
				args.values[p.Name] = p.Default
			case p.Optional:
			default:
				return args, missingArgument(p.Name)
			}
			continue
		}

		switch p.Kind {
		case ParamUser:
			id, ok := parseUserRef(raw)
			if !ok {
				return args, invalidArgument(p.Name)
			}
			args.values[p.Name] = id
		case ParamInt:
			n, err := strconv.Atoi(raw)
			if err != nil {
				return args, invalidArgument(p.Name)
			}
			args.values[p.Name] = n
		default:
			args.values[p.Name] = raw
		}
	}
	return args, nil
}
