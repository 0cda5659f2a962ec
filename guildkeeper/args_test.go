package guildkeeper

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestSplitCommand(t *testing.T) {
	tests := []struct {
		input     string
		name      string
		remainder string
	}{
		{"ban <@123> spam", "ban", " <@123> spam"},
		{"help", "help", ""},
		{"dice   20", "dice", "   20"},
		{"8ball will it\train?", "8ball", " will it\train?"},
	}
	for _, tt := range tests {
		t.Run(
			tt.input, func(t *testing.T) {
				name, remainder := splitCommand(tt.input)
				assert.Equal(t, tt.name, name)
				assert.Equal(t, tt.remainder, remainder)
			},
		)
	}
}

func TestParseUserRef(t *testing.T) {
	tests := []struct {
		input string
		id    string
		ok    bool
	}{
		{"<@123456>", "123456", true},
		{"<@!123456>", "123456", true},
		{"123456", "123456", true},
		{"<@&123456>", "", false},
		{"@someone", "", false},
		{"12ab", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(
			tt.input, func(t *testing.T) {
				id, ok := parseUserRef(tt.input)
				assert.Equal(t, tt.ok, ok)
				assert.Equal(t, tt.id, id)
			},
		)
	}
}

func TestParseArgs(t *testing.T) {
	banParams := []ParamSpec{userParam("member"), restParam("reason").withDefault(defaultReason)}

	t.Run(
		"user and rest", func(t *testing.T) {
			args, err := parseArgs(banParams, " <@!42>   being  rude ")
			require.NoError(t, err)
			assert.Equal(t, "42", args.User("member"))
			assert.Equal(t, "being  rude", args.String("reason"))
		},
	)

	t.Run(
		"rest default", func(t *testing.T) {
			args, err := parseArgs(banParams, " <@42>")
			require.NoError(t, err)
			assert.Equal(t, defaultReason, args.String("reason"))
			assert.True(t, args.Has("reason"))
		},
	)

	t.Run(
		"missing required", func(t *testing.T) {
			_, err := parseArgs(banParams, "   ")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidArgument)
			var argErr *ArgumentError
			require.ErrorAs(t, err, &argErr)
			assert.True(t, argErr.Missing)
			assert.Equal(t, "member", argErr.Name)
		},
	)

	t.Run(
		"invalid user", func(t *testing.T) {
			_, err := parseArgs(banParams, " bob")
			assert.ErrorIs(t, err, ErrInvalidArgument)
			assert.EqualError(t, err, "invalid argument: member")
		},
	)

	t.Run(
		"int default", func(t *testing.T) {
			params := []ParamSpec{intParam("sides").withDefault(6)}
			args, err := parseArgs(params, "")
			require.NoError(t, err)
			assert.Equal(t, 6, args.Int("sides"))

			args, err = parseArgs(params, " 20 extra tokens")
			require.NoError(t, err)
			assert.Equal(t, 20, args.Int("sides"))
		},
	)

	t.Run(
		"invalid int", func(t *testing.T) {
			params := []ParamSpec{intParam("sides").withDefault(6)}
			_, err := parseArgs(params, " twenty")
			assert.ErrorIs(t, err, ErrInvalidArgument)
		},
	)

	t.Run(
		"optional absent", func(t *testing.T) {
			params := []ParamSpec{userParam("member").optional()}
			args, err := parseArgs(params, "")
			require.NoError(t, err)
			assert.False(t, args.Has("member"))
			assert.Equal(t, "", args.User("member"))
			assert.Empty(t, args.Map())
		},
	)

	t.Run(
		"word then rest", func(t *testing.T) {
			params := []ParamSpec{wordParam("channel_type"), restParam("name")}
			args, err := parseArgs(params, " voice  general chat")
			require.NoError(t, err)
			assert.Equal(t, "voice", args.String("channel_type"))
			assert.Equal(t, "general chat", args.String("name"))
			assert.Equal(
				t,
				map[string]any{"channel_type": "voice", "name": "general chat"},
				args.Map(),
			)
		},
	)
}
