package guildkeeper

import (
	"context"
	"github.com/lmittmann/tint"
	"log/slog"
	"sync"
	"time"
)

// SupervisorStatus reports whether the bot is attached to the gateway
type SupervisorStatus struct {
	Running   bool          `json:"running"`
	StartedAt time.Time     `json:"started_at"`
	Uptime    time.Duration `json:"uptime"`
}

// BotSupervisor starts and stops the bot's gateway connection
type BotSupervisor interface {
	Status() SupervisorStatus

	// Start attaches the dispatcher to the gateway. Returns
	// ErrAlreadyRunning if it's already attached.
	Start(ctx context.Context) error

	// Stop detaches the dispatcher from the gateway, waiting for
	// in-flight commands. Returns ErrNotRunning if it isn't attached.
	Stop(ctx context.Context) error
}

// gateway is the part of Discord the Supervisor controls
type gateway interface {
	open(ctx context.Context) error
	close(ctx context.Context) error
}

// Supervisor implements BotSupervisor for a Discord gateway connection.
// Start and Stop are serialized, so concurrent calls observe a
// consistent state.
type Supervisor struct {
	mu        sync.Mutex
	gateway   gateway
	logger    *slog.Logger
	clock     func() time.Time
	running   bool
	startedAt time.Time

	// runCtx is handed to the gateway on Start, and outlives the
	// request that started it
	runCtx context.Context
}

func newSupervisor(gw gateway, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		gateway: gw,
		logger:  logger,
		clock:   time.Now,
		runCtx:  context.Background(),
	}
}

// bind sets the context used by the gateway for subsequent starts
func (s *Supervisor) bind(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runCtx = ctx
}

func (s *Supervisor) Status() SupervisorStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return SupervisorStatus{}
	}
	return SupervisorStatus{
		Running:   true,
		StartedAt: s.startedAt,
		Uptime:    s.clock().Sub(s.startedAt),
	}
}

func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.gateway.open(s.runCtx); err != nil {
		s.logger.ErrorContext(ctx, "error starting bot", tint.Err(err))
		return err
	}
	s.running = true
	s.startedAt = s.clock()
	s.logger.InfoContext(ctx, "bot started")
	return nil
}

func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrNotRunning
	}
	s.running = false
	s.startedAt = time.Time{}
	if err := s.gateway.close(ctx); err != nil {
		s.logger.WarnContext(ctx, "error closing gateway connection", tint.Err(err))
	}
	s.logger.InfoContext(ctx, "bot stopped")
	return nil
}
