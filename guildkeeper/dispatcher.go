package guildkeeper

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"math/rand"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Actor is the user invoking a command
type Actor struct {
	ID   string
	Name string

	// Permissions are the actor's effective capabilities in the
	// server/channel the message was sent in
	Permissions PermissionSet
}

// Message is an inbound chat message
type Message struct {
	// ServerID is empty for direct messages
	ServerID  string
	ChannelID string
	MessageID string
	Actor     Actor
	Content   string
}

// Response is a reply to send to the channel a command was invoked in
type Response struct {
	Content string
	Embed   *discordgo.MessageEmbed

	// Reactions are added to the reply after it's sent
	Reactions []string

	// If set, the reply is deleted after this duration
	DeleteAfter time.Duration
}

// ResultKind classifies the outcome of dispatching a message
type ResultKind int

const (
	// ResultIgnored means the message wasn't a recognized command.
	// Nothing is recorded, and nothing is sent.
	ResultIgnored ResultKind = iota
	ResultSuccess
	ResultDenied
	ResultInvalidArgument
	ResultPlatformFailed

	// ResultFailed covers any other handler error
	ResultFailed
)

func (k ResultKind) String() string {
	switch k {
	case ResultIgnored:
		return "ignored"
	case ResultSuccess:
		return "success"
	case ResultDenied:
		return "denied"
	case ResultInvalidArgument:
		return "invalid_argument"
	case ResultPlatformFailed:
		return "platform_failed"
	case ResultFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the outcome of dispatching a message. It's used to build
// both the reply and the audit record.
type Result struct {
	Kind    ResultKind
	Command string

	// Response is the handler's response, for successful invocations
	Response *Response

	// Err is set for every kind other than ResultSuccess. For
	// ResultIgnored, it's ErrUnrecognized.
	Err error

	// Invocation is the audit record written for the invocation, or nil
	// if the message was ignored
	Invocation *CommandInvocation
}

func resultKind(err error) ResultKind {
	switch {
	case err == nil:
		return ResultSuccess
	case errors.Is(err, ErrPermissionDenied):
		return ResultDenied
	case errors.Is(err, ErrInvalidArgument):
		return ResultInvalidArgument
	case errors.Is(err, ErrPlatformActionFailed):
		return ResultPlatformFailed
	default:
		return ResultFailed
	}
}

// Reply returns the message to send for the result, or nil if
// nothing should be sent
func (r Result) Reply() *Response {
	switch r.Kind {
	case ResultIgnored:
		return nil
	case ResultSuccess:
		return r.Response
	default:
		return &Response{Content: "❌ " + r.errorMessage()}
	}
}

func (r Result) errorMessage() string {
	if r.Err == nil {
		return r.Kind.String()
	}
	return r.Err.Error()
}

// CommandContext is passed to command handlers
type CommandContext struct {
	Message  Message
	Command  *CommandSpec
	Args     Args
	Platform Platform
	Servers  ConfigStore
	Economy  *Economy
	Warnings *WarningLog
	Registry *Registry
	Logger   *slog.Logger

	// Prefix is the command prefix the message was sent with
	Prefix string

	// Now is the time the message was dispatched
	Now time.Time

	intN func(n int) int
}

// ServerID returns the ID of the server the command was invoked in
func (c *CommandContext) ServerID() string {
	return c.Message.ServerID
}

// Services are the collaborators available to command handlers
type Services struct {
	Servers  ConfigStore
	Audit    AuditLog
	Economy  *Economy
	Warnings *WarningLog
	Platform Platform
}

// Dispatcher turns chat messages into command invocations.
//
// For each message, the dispatcher resolves the server's prefix, looks up
// the command, checks permissions, parses arguments and runs the handler.
// Every recognized command results in exactly one [CommandInvocation]
// being recorded, whether or not it succeeded. Unrecognized input is
// ignored without a record or reply.
type Dispatcher struct {
	registry *Registry
	services Services
	gate     PermissionGate
	logger   *slog.Logger
	clock    func() time.Time
	intN     func(n int) int
}

// NewDispatcher returns a Dispatcher for the given registry. If gate is
// nil, the actor's platform-supplied capability set is used.
func NewDispatcher(
	registry *Registry,
	services Services,
	gate PermissionGate,
	logger *slog.Logger,
) *Dispatcher {
	if gate == nil {
		gate = capabilityGate{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		registry: registry,
		services: services,
		gate:     gate,
		logger:   logger,
		clock:    time.Now,
		intN:     rand.Intn,
	}
	return d
}

// parse resolves the prefix and command name. ok is false if the
// message isn't a recognized command.
func (d *Dispatcher) parse(ctx context.Context, msg Message) (
	spec *CommandSpec,
	prefix string,
	remainder string,
	ok bool,
) {
	prefix, err := resolvePrefix(ctx, d.services.Servers, msg.ServerID)
	if err != nil {
		d.logger.WarnContext(
			ctx,
			"error resolving prefix, using default",
			"server_id", msg.ServerID,
			tint.Err(err),
		)
	}
	if !strings.HasPrefix(msg.Content, prefix) {
		return nil, "", "", false
	}
	body := msg.Content[len(prefix):]
	first, _ := utf8.DecodeRuneInString(body)
	if body == "" || unicode.IsSpace(first) {
		return nil, "", "", false
	}
	name, remainder := splitCommand(body)
	spec, ok = d.registry.Lookup(name)
	if !ok {
		d.logger.DebugContext(ctx, "ignoring unknown command", "command", name)
		return nil, "", "", false
	}
	return spec, prefix, remainder, true
}

// Dispatch handles a single message. The returned Result's Reply is the
// message to send back, if any.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) Result {
	spec, prefix, remainder, ok := d.parse(ctx, msg)
	if !ok {
		return Result{Kind: ResultIgnored, Err: ErrUnrecognized}
	}

	now := d.clock().UTC()
	logger := d.logger.With(
		"command", spec.Name,
		"user_id", msg.Actor.ID,
		"server_id", msg.ServerID,
		"channel_id", msg.ChannelID,
	)
	ctx = WithLogger(ctx, logger)

	inv := &CommandInvocation{
		UserID:        msg.Actor.ID,
		CommandName:   spec.Name,
		RawParameters: strings.TrimSpace(remainder),
		Timestamp:     now,
	}
	if msg.ServerID != "" {
		serverID := msg.ServerID
		inv.ServerID = &serverID
	}

	result := Result{Command: spec.Name, Invocation: inv}
	response, err := d.execute(ctx, spec, msg, prefix, remainder, inv, now, logger)
	result.Kind = resultKind(err)
	result.Err = err
	result.Response = response

	inv.Success = result.Kind == ResultSuccess
	if err != nil {
		errMsg := err.Error()
		inv.ErrorMessage = &errMsg
	}

	if auditErr := d.services.Audit.Record(ctx, inv); auditErr != nil {
		logger.ErrorContext(ctx, "error recording command invocation", tint.Err(auditErr))
	}

	logAttrs := []any{"result", result.Kind.String(), "duration", d.clock().Sub(now)}
	if err != nil {
		logAttrs = append(logAttrs, tint.Err(err))
	}
	logger.InfoContext(ctx, "command finished", logAttrs...)

	return result
}

func (d *Dispatcher) execute(
	ctx context.Context,
	spec *CommandSpec,
	msg Message,
	prefix string,
	remainder string,
	inv *CommandInvocation,
	now time.Time,
	logger *slog.Logger,
) (*Response, error) {
	if !d.gate.Check(msg.Actor, msg.ServerID, spec.Permission) {
		logger.WarnContext(
			ctx,
			"permission denied",
			"required", spec.Permission.String(),
			"actor_permissions", msg.Actor.Permissions.String(),
		)
		return nil, ErrPermissionDenied
	}
	if spec.GuildOnly && msg.ServerID == "" {
		return nil, &ArgumentError{
			Name:   "server",
			Reason: "this command can only be used in a server",
		}
	}

	args, err := parseArgs(spec.Params, remainder)
	if err != nil {
		return nil, err
	}
	inv.Parameters = args.Map()

	c := &CommandContext{
		Message:  msg,
		Command:  spec,
		Args:     args,
		Platform: d.services.Platform,
		Servers:  d.services.Servers,
		Economy:  d.services.Economy,
		Warnings: d.services.Warnings,
		Registry: d.registry,
		Logger:   logger,
		Prefix:   prefix,
		Now:      now,
		intN:     d.intN,
	}
	return runHandler(ctx, spec.Handler, c)
}

// runHandler runs the handler, converting a panic into an error
func runHandler(
	ctx context.Context,
	handler CommandHandler,
	c *CommandContext,
) (resp *Response, err error) {
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
			resp = nil
			err = fmt.Errorf("an error occurred: %s", panicMessage(rc))
		}
	}()
	return handler(ctx, c)
}
