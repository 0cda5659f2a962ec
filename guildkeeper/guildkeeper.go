package guildkeeper

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/Kyu324/New-bot/guildkeeper.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout

	runtimeConfigRefreshTimeout = 30 * time.Second
)

// GuildKeeper is the bot: it owns the database, the discord gateway
// connection and the dispatcher it feeds, and the management API.
//
// Create one with New, then call Run, which blocks until ctx is canceled
// or a stop signal is received (ex: from the `/api/quit` endpoint).
type GuildKeeper struct {
	dbNotifier DBNotifier
	config     *Config

	// read-only connection
	db *gorm.DB

	// gorm.DB wrapper for write operations. With SQLite, writes are
	// serialized with a mutex.
	writeDB DBI

	logger     *slog.Logger
	logHandler slog.Handler

	discord    *Discord
	api        *API
	supervisor *Supervisor
	dispatcher *Dispatcher
	registry   *Registry
	catalog    *Catalog

	servers  ConfigStore
	audit    AuditLog
	economy  *Economy
	warnings *WarningLog

	// signalStop enables an explicit stop signal to be sent to the bot,
	// such as by the `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady has a value sent on it once Run has finished
	// initializing, and the gateway has been opened (if enabled)
	signalReady chan struct{}

	// A signal is sent on this channel when shutdown finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// The time Run was called
	startedAt time.Time

	runtimeConfig *RuntimeConfig
	cfgMu         sync.RWMutex

	triggerRuntimeConfigRefreshCh chan bool
}

// New creates a GuildKeeper from the given config. Nothing is opened or
// connected until Run is called. Errors from each component are
// collected and returned together.
func New(config *Config) (*GuildKeeper, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	g := &GuildKeeper{
		config:                        config,
		signalReady:                   make(chan struct{}, 1),
		eventShutdown:                 make(chan struct{}, 1),
		signalStop:                    make(chan struct{}, 1),
		triggerRuntimeConfigRefreshCh: make(chan bool, 1),
	}

	g.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     g.config.LogLevel,
			AddSource: true,
		},
	)
	g.logger = slog.New(g.logHandler)
	slog.SetDefault(g.logger)

	registry, err := DefaultRegistry()
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid command registry: %w", err))
	}
	g.registry = registry

	catalog, err := DefaultCatalog()
	if err != nil {
		errs = append(errs, err)
	}
	g.catalog = catalog

	g.config.Discord.httpClient = g.config.HTTPClient

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     g.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	g.discord = newDiscord(
		g.config.Discord,
		slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     g.config.Discord.LogLevel,
					AddSource: true,
				},
			),
		).With(loggerNameKey, "discord"),
	)
	g.discord.runtimeConfig = g.RuntimeConfig

	g.supervisor = newSupervisor(g.discord, g.logger.With(loggerNameKey, "supervisor"))

	api, err := newAPI(g, config.API)
	errs = append(errs, err)
	g.api = api

	return g, errors.Join(errs...)
}

func (g *GuildKeeper) ValidateConfig() error {
	return structValidator.Struct(g.config)
}

// RuntimeConfig returns a copy of the current runtime configuration,
// or the defaults if it hasn't been loaded yet
func (g *GuildKeeper) RuntimeConfig() RuntimeConfig {
	g.cfgMu.RLock()
	defer g.cfgMu.RUnlock()
	if g.runtimeConfig == nil {
		return DefaultRuntimeConfig()
	}
	return *g.runtimeConfig
}

// Supervisor returns the controller for the bot's gateway connection
func (g *GuildKeeper) Supervisor() BotSupervisor {
	return g.supervisor
}

// Run initializes the database, starts the API, and (if
// [RuntimeConfig.DiscordGatewayEnabled] is set) connects to discord.
// It blocks until ctx is canceled or a stop signal is received, then
// shuts down gracefully.
func (g *GuildKeeper) Run(ctx context.Context) error {
	// prevents concurrent runs
	g.runMu.Lock()
	defer g.runMu.Unlock()

	g.startedAt = time.Now()
	logger := g.logger

	if err := g.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	notifier, err := newDBNotifier(g)
	if err != nil {
		logger.Error("error creating db notifier", tint.Err(err))
		return err
	}
	g.dbNotifier = notifier

	ctx = WithLogger(ctx, logger)
	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", g.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-g.signalStop:
			g.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			g.logger.Warn("context canceled")
		}
	}()

	go func() {
		httpErr := g.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			g.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			cancel()
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, g.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- g.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return errors.New("startup cancelled or timed out")
	case e := <-initErr:
		if e != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(e))
			go func() {
				if closeErr := g.api.httpServer.Close(); closeErr != nil {
					logger.ErrorContext(ctx, "error closing api server", tint.Err(closeErr))
				}
			}()
			return e
		}
		logger.InfoContext(ctx, "init complete")
	}

	// in-flight commands aren't interrupted by shutdown, they're
	// bounded by the database and discord timeouts instead
	g.supervisor.bind(context.WithoutCancel(ctx))
	runtimeCfg := g.RuntimeConfig()
	if runtimeCfg.DiscordGatewayEnabled {
		if startErr := g.supervisor.Start(startCtx); startErr != nil {
			logger.ErrorContext(ctx, "error connecting to discord", tint.Err(startErr))
			return errors.Join(startErr, g.shutdown(ctx, runtimeWG))
		}
	} else {
		logger.WarnContext(ctx, "discord gateway disabled, start the bot via the API")
	}

	g.startRuntimeConfigRefresher(ctx, runtimeWG, logger)

	runtimeWG.Add(2)
	go func() {
		defer runtimeWG.Done()
		if e := g.dbNotifier.Listen(ctx, g.dbNotifier.RuntimeConfigChannelName()); e != nil {
			g.logger.ErrorContext(ctx, "error listening to runtime config channel", tint.Err(e))
		}
	}()
	go func() {
		defer runtimeWG.Done()
		if e := g.dbNotifier.Listen(ctx, g.dbNotifier.StopChannelName()); e != nil {
			g.logger.ErrorContext(ctx, "error listening to stop channel", tint.Err(e))
		}
	}()

	select {
	case g.signalReady <- struct{}{}:
		g.logger.InfoContext(ctx, "sent ready signal")
	default:
	}

	// block until something cancels the runtime context - generally
	// an interrupt, or the `/api/quit` endpoint
	<-ctx.Done()
	return g.shutdown(ctx, runtimeWG)
}

// initRun opens the database, loads (or creates) the runtime config,
// and wires the stores into the dispatcher
func (g *GuildKeeper) initRun(ctx context.Context) error {
	if err := g.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}

	var runtimeConfig RuntimeConfig
	getErr := g.db.WithContext(ctx).Last(&runtimeConfig).Error
	switch {
	case errors.Is(getErr, gorm.ErrRecordNotFound):
		runtimeConfig = DefaultRuntimeConfig()
		if _, err := g.writeDB.Create(ctx, &runtimeConfig); err != nil {
			return fmt.Errorf("error creating runtime config: %w", err)
		}
	case getErr != nil:
		return fmt.Errorf("error getting runtime config: %w", getErr)
	}
	if err := structValidator.Struct(runtimeConfig); err != nil {
		return fmt.Errorf("invalid runtime config: %w", err)
	}
	if runtimeConfig.AdminUsername == "" && g.config.API.RequireAuth {
		g.logger.WarnContext(
			ctx,
			"api authentication is required, but admin credentials aren't set " +
				"(run the 'init' command)",
		)
	}

	g.cfgMu.Lock()
	g.runtimeConfig = &runtimeConfig
	g.cfgMu.Unlock()
	g.setRuntimeLevels(runtimeConfig)

	g.servers = NewConfigStore(g.writeDB)
	g.audit = NewAuditLog(g.writeDB)
	g.economy = NewEconomy(g.writeDB)
	g.warnings = NewWarningLog(g.writeDB)

	if g.discord.session == nil {
		session, err := g.discord.newSession()
		if err != nil {
			return err
		}
		g.discord.session = session
	}
	platform := newDiscordPlatform(
		g.discord.session,
		g.discord.logger.With(loggerNameKey, "discord_platform"),
	)

	g.dispatcher = NewDispatcher(
		g.registry,
		Services{
			Servers:  g.servers,
			Audit:    g.audit,
			Economy:  g.economy,
			Warnings: g.warnings,
			Platform: platform,
		},
		nil,
		slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     g.config.Dispatcher.LogLevel,
					AddSource: true,
				},
			),
		).With(loggerNameKey, "dispatcher"),
	)

	g.discord.dispatcher = g.dispatcher
	g.discord.servers = g.servers
	g.discord.platform = platform
	return nil
}

// initDB opens the database connection and runs migrations. If a
// connection has already been set, it's used as-is.
func (g *GuildKeeper) initDB(ctx context.Context) error {
	logger := contextLoggerOrDefault(ctx)

	if g.db == nil {
		handler := tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     g.config.DatabaseLogLevel,
				AddSource: true,
			},
		)
		gormLogger := newGORMLogger(handler, g.config.DatabaseSlowThreshold)
		db, err := getDB(g.config.DatabaseType, g.config.Database, gormLogger)
		if err != nil {
			return fmt.Errorf("error opening database: %w", err)
		}
		g.db = db
	}

	if g.config.DatabaseType == dbTypeSQLite {
		if err := configureSQLite(ctx, g.db); err != nil {
			return err
		}
	}

	logger.Debug("migrating database...")
	if err := migrate(ctx, g.db); err != nil {
		logger.Error("error migrating database", tint.Err(err))
		return fmt.Errorf("error migrating database: %w", err)
	}
	logger.Debug("finished migrating database")

	g.writeDB = NewDatabase(g.db, g.logger, g.config.DatabaseType == dbTypePostgres)
	return nil
}

// startRuntimeConfigRefresher periodically (every [Config.RuntimeConfigTTL])
// requests a refresh, and applies refreshes as they're requested
func (g *GuildKeeper) startRuntimeConfigRefresher(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	logger *slog.Logger,
) {
	if ttl := g.config.RuntimeConfigTTL; ttl > 0 {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			ticker := time.NewTicker(ttl)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					select {
					case g.triggerRuntimeConfigRefreshCh <- false:
						logger.Debug("sent config refresh signal from ticker")
					case <-time.After(5 * time.Second):
						logger.Warn("timed out sending config refresh signal")
					}
				}
			}
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case force := <-g.triggerRuntimeConfigRefreshCh:
				refreshCtx, refreshCancel := context.WithTimeout(ctx, runtimeConfigRefreshTimeout)
				g.refreshRuntimeConfig(refreshCtx, force)
				refreshCancel()
			}
		}
	}()
}

// refreshRuntimeConfig reloads the runtime config from the database. Unless
// force is set, it's only applied if it was updated within the TTL.
func (g *GuildKeeper) refreshRuntimeConfig(ctx context.Context, force bool) {
	var latest RuntimeConfig
	if err := g.db.WithContext(ctx).Last(&latest).Error; err != nil {
		g.logger.ErrorContext(ctx, "error getting runtime config", tint.Err(err))
		return
	}

	previous := g.RuntimeConfig()
	if !force && latest.UpdatedAt == previous.UpdatedAt {
		g.logger.DebugContext(ctx, "runtime config is up to date, skipping refresh")
		return
	}
	g.applyRuntimeConfig(ctx, previous, latest)
}

func (g *GuildKeeper) applyRuntimeConfig(
	ctx context.Context,
	previous RuntimeConfig,
	latest RuntimeConfig,
) {
	g.cfgMu.Lock()
	g.runtimeConfig = &latest
	g.cfgMu.Unlock()

	g.setRuntimeLevels(latest)
	if latest.DiscordCustomStatus != previous.DiscordCustomStatus {
		if err := g.discord.updatePresence(latest); err != nil {
			g.logger.ErrorContext(ctx, "error updating discord status", tint.Err(err))
		}
	}
	g.logger.InfoContext(ctx, "refreshed runtime config")
}

// updateRuntimeConfig persists the update, and applies it to this instance
func (g *GuildKeeper) updateRuntimeConfig(
	ctx context.Context,
	update RuntimeConfigUpdate,
) (RuntimeConfig, error) {
	previous := g.RuntimeConfig()
	if previous.ID == 0 {
		return previous, errors.New("runtime config not loaded")
	}
	columns := update.columns()
	if len(columns) > 0 {
		if _, err := g.writeDB.Updates(ctx, &RuntimeConfig{ModelUintID: previous.ModelUintID}, columns); err != nil {
			return previous, err
		}
	}

	var latest RuntimeConfig
	if err := g.db.WithContext(ctx).Last(&latest).Error; err != nil {
		return previous, err
	}
	g.applyRuntimeConfig(ctx, previous, latest)
	return latest, nil
}

// setRuntimeLevels sets the log levels of each component
func (g *GuildKeeper) setRuntimeLevels(config RuntimeConfig) {
	g.config.LogLevel.Set(config.LogLevel.Level())
	g.config.Discord.LogLevel.Set(config.DiscordLogLevel.Level())
	g.config.Discord.DiscordGoLogLevel.Set(config.DiscordGoLogLevel.Level())
	g.config.DatabaseLogLevel.Set(config.DatabaseLogLevel.Level())
	g.config.Dispatcher.LogLevel.Set(config.DispatcherLogLevel.Level())
	g.config.API.LogLevel.Set(config.APILogLevel.Level())
}

// shutdown detaches from the gateway (waiting for in-flight commands),
// stops the API, and waits for background goroutines, until
// [Config.ShutdownTimeout] elapses
func (g *GuildKeeper) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	g.logger.WarnContext(ctx, "shutting down")
	defer func() {
		select {
		case g.eventShutdown <- struct{}{}:
		default:
		}
	}()

	shutdownStart := time.Now()
	closeCtx, closeCancel := context.WithTimeout(
		context.Background(),
		g.config.ShutdownTimeout,
	)
	defer closeCancel()

	g.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", g.config.ShutdownTimeout,
		"shutdown_started", shutdownStart,
	)

	var errs []error
	if err := g.supervisor.Stop(closeCtx); err != nil && !errors.Is(err, ErrNotRunning) {
		errs = append(errs, err)
	}
	if err := g.api.httpServer.Shutdown(closeCtx); err != nil {
		g.logger.WarnContext(ctx, "error shutting down api server", tint.Err(err))
		_ = g.api.httpServer.Close()
	}

	done := make(chan struct{})
	go func() {
		runtimeWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		g.logger.InfoContext(ctx, "shutdown complete", "duration", time.Since(shutdownStart))
	case <-closeCtx.Done():
		errs = append(errs, errors.New("background tasks did not stop in time"))
	}

	if g.db != nil {
		if sqlDB, err := g.db.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}

// SetAdminCredentials sets the API admin username and password (hashed
// with argon2id), creating the runtime config if it doesn't exist yet
func SetAdminCredentials(ctx context.Context, db *gorm.DB, username, password string) error {
	if username == "" || password == "" {
		return errors.New("username and password are required")
	}
	hashed, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("error hashing password: %w", err)
	}
	return db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			var config RuntimeConfig
			getErr := tx.Last(&config).Error
			switch {
			case errors.Is(getErr, gorm.ErrRecordNotFound):
				config = DefaultRuntimeConfig()
				if err := tx.Create(&config).Error; err != nil {
					return fmt.Errorf("error creating runtime config: %w", err)
				}
			case getErr != nil:
				return getErr
			}
			return tx.Model(&config).Updates(
				map[string]any{
					columnRuntimeConfigAdminUsername: username,
					columnRuntimeConfigAdminPassword: hashed,
				},
			).Error
		},
	)
}
