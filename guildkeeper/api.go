package guildkeeper

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	pprofPrefix = "/debug"
	apiPrefix   = "/api"

	apiPathRoot           = "/"
	apiPathLogin          = "/login"
	apiPathLogout         = "/logout"
	apiHealthCheck        = "/healthz"
	apiPathServers        = "/servers"
	apiPathServer         = "/servers/:id"
	apiPathCommands       = "/commands"
	apiPathCommandsByCat  = "/commands/:category"
	apiPathExecuteCommand = "/commands/execute"
	apiPathLogs           = "/logs"
	apiPathServerLogs     = "/logs/:id"
	apiPathBotStatus      = "/bot/status"
	apiPathBotStart       = "/bot/start"
	apiPathBotStop        = "/bot/stop"
	apiPathConfig         = "/config"
	apiPathQuit           = "/quit"
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"

	apiBotStatusTimeout = 10 * time.Second
)

var (
	structValidator = validator.New()
)

// API serves the management endpoints: server settings, the command
// catalog, command logs and bot lifecycle control.
//
// Routes under /api require a logged-in session when
// [APIConfig.RequireAuth] is set.
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	requestMetrics      map[string]int
	requestMetricsMu    sync.Mutex
	logger              *slog.Logger

	handlers *APIHandlers
}

// newAPI configures the gin engine, session store and routes
func newAPI(g *GuildKeeper, config *APIConfig) (*API, error) {
	logger := slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "api")

	if !config.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		requestMetrics:      map[string]int{},
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
		logger:              logger,
	}
	handlers := NewAPIHandlers(g, api, logger)
	api.handlers = handlers
	api.store = handlers.store

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL.Enabled() {
		tlsCfg, err := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	corsConfig := config.CORS.GINConfig()

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		metricMiddleware(api),
		cors.New(corsConfig),
		sessions.Sessions(sessionVarName, handlers.store),
	)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	r.GET(apiPathRoot, handlers.root)
	r.GET(apiHealthCheck, handlers.healthCheck)
	r.POST(apiPathLogin, handlers.loginHandler)
	r.POST(apiPathLogout, handlers.logoutHandler)

	group := r.Group(apiPrefix)
	if config.RequireAuth {
		group.Use(authMiddleware(api))
	}

	group.GET(apiPathServers, handlers.getServers)
	group.GET(apiPathServer, handlers.getServer)
	group.POST(apiPathServers, handlers.upsertServer)

	group.GET(apiPathCommands, handlers.getCommands)
	group.GET(apiPathCommandsByCat, handlers.getCommandsByCategory)
	group.POST(apiPathExecuteCommand, handlers.logCommandExecution)

	group.GET(apiPathLogs, handlers.getLogs)
	group.GET(apiPathServerLogs, handlers.getServerLogs)

	group.GET(apiPathBotStatus, handlers.botStatus)
	group.POST(apiPathBotStart, handlers.botStart)
	group.POST(apiPathBotStop, handlers.botStop)

	group.GET(apiPathConfig, handlers.getConfig)
	group.PATCH(apiPathConfig, handlers.updateRuntimeConfig)
	group.POST(apiPathQuit, handlers.botQuit)

	return api, nil
}

// Serve listens on the configured address, and serves until the
// server is shut down. TLS is used if a certificate is configured.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "serving api", "address", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

func (a *API) getSessionUsername(c *gin.Context) (string, error) {
	session, err := a.store.Get(c.Request, sessionVarName)
	if err != nil {
		return "", err
	}
	username, ok := session.Values[sessionVarField]
	if !ok {
		return "", errors.New("username not found in session")
	}
	s, ok := username.(string)
	if !ok || s == "" {
		return "", errors.New("username not set")
	}
	return s, nil
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers contains the handlers for the API endpoints
type APIHandlers struct {
	g      *GuildKeeper
	api    *API
	bot    BotSupervisor
	logger *slog.Logger
	store  CookieStore
}

// NewAPIHandlers sets up the session store. Without a configured
// secret, a random one is generated, and sessions won't survive
// a restart.
func NewAPIHandlers(g *GuildKeeper, api *API, logger *slog.Logger) *APIHandlers {
	var secretKey []byte
	switch sk := api.config.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	store.Options(sessionOptions(api.config))
	return &APIHandlers{
		g:      g,
		api:    api,
		bot:    g.supervisor,
		logger: logger,
		store:  store,
	}
}

func sessionOptions(config *APIConfig) sessions.Options {
	sameSite := http.SameSiteStrictMode
	if config.Development {
		sameSite = http.SameSiteNoneMode
	}
	return sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   config.SSL.Enabled() || config.Development,
		MaxAge:   int(config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
	}
}

func (h *APIHandlers) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Discord Bot Management API", "status": "running"})
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{BotRunning: h.bot.Status().Running}
	if h.g.discord != nil {
		resp.DiscordGatewayConnected = h.g.discord.connected.Load()
	}
	c.JSON(http.StatusOK, resp)
}

// loginHandler verifies the admin credentials set with `init`, and
// starts a session
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, httpError{Error: "too many requests"})
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	runtimeConfig := h.g.RuntimeConfig()
	if runtimeConfig.AdminUsername == "" || runtimeConfig.AdminPassword == "" {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	if login.Username != runtimeConfig.AdminUsername {
		logger.Warn("admin username incorrect")
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	valid, err := VerifyPassword(runtimeConfig.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}

	session, err := h.store.New(c.Request, sessionVarName)
	if err != nil || session == nil {
		logger.Error("error creating session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	session.Values[sessionVarField] = login.Username
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session, err := h.store.Get(c.Request, sessionVarName)
	if err != nil {
		logger.Warn("error getting session", tint.Err(err))
	}
	if session != nil {
		session.Values[sessionVarField] = ""
		session.Options.MaxAge = -1
		if err = session.Save(c.Request, c.Writer); err != nil {
			logger.Error("error saving cookie", tint.Err(err))
		}
	}
	ginReplyMessage(c, "logged out")
}

func (h *APIHandlers) getServers(c *gin.Context) {
	servers, err := h.g.servers.List(c.Request.Context())
	if err != nil {
		ginContextLogger(c).Error("error listing servers", tint.Err(err))
		ginReplyError(c, "error listing servers")
		return
	}
	c.JSON(http.StatusOK, gin.H{"servers": servers})
}

func (h *APIHandlers) getServer(c *gin.Context) {
	srv, err := h.g.servers.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, httpError{Error: "server not found"})
			return
		}
		ginContextLogger(c).Error("error getting server", tint.Err(err))
		ginReplyError(c, "error getting server")
		return
	}
	c.JSON(http.StatusOK, srv)
}

// apiUpsertServer is the payload for creating or updating a server's
// settings. Fields that are omitted are left unchanged.
type apiUpsertServer struct {
	ServerID string `json:"server_id" binding:"required"`
	ServerUpdate
}

func (h *APIHandlers) upsertServer(c *gin.Context) {
	logger := ginContextLogger(c)
	var payload apiUpsertServer
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	srv, err := h.g.servers.Upsert(c.Request.Context(), payload.ServerID, payload.ServerUpdate)
	if err != nil {
		if errors.Is(err, ErrInvalidArgument) {
			c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
			return
		}
		logger.Error("error saving server", "server_id", payload.ServerID, tint.Err(err))
		ginReplyError(c, "error saving server configuration")
		return
	}
	logger.Info("saved server configuration", "server_id", srv.ID)
	c.JSON(
		http.StatusOK,
		gin.H{"message": "Server configuration saved", "server_id": srv.ID},
	)
}

func (h *APIHandlers) getCommands(c *gin.Context) {
	commands := h.g.catalog.All()
	c.JSON(http.StatusOK, gin.H{"commands": commands, "total": len(commands)})
}

func (h *APIHandlers) getCommandsByCategory(c *gin.Context) {
	category := c.Param("category")
	commands := h.g.catalog.Category(category)
	c.JSON(
		http.StatusOK,
		gin.H{"commands": commands, "category": category, "total": len(commands)},
	)
}

// apiCommandLog is an externally reported command invocation. The
// timestamp is always set by the server.
type apiCommandLog struct {
	CommandID    string         `json:"command_id"`
	ServerID     *string        `json:"server_id"`
	UserID       string         `json:"user_id" binding:"required"`
	CommandName  string         `json:"command_name" binding:"required"`
	Parameters   map[string]any `json:"parameters"`
	Success      bool           `json:"success"`
	ErrorMessage *string        `json:"error_message"`
}

func (h *APIHandlers) logCommandExecution(c *gin.Context) {
	logger := ginContextLogger(c)
	var payload apiCommandLog
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	inv := &CommandInvocation{
		CommandID:    payload.CommandID,
		ServerID:     payload.ServerID,
		UserID:       payload.UserID,
		CommandName:  payload.CommandName,
		Parameters:   payload.Parameters,
		Timestamp:    time.Now().UTC(),
		Success:      payload.Success,
		ErrorMessage: payload.ErrorMessage,
	}
	if err := h.g.audit.Record(c.Request.Context(), inv); err != nil {
		logger.Error("error logging command execution", tint.Err(err))
		ginReplyError(c, "error logging command execution")
		return
	}
	ginReplyMessage(c, "Command execution logged")
}

func (h *APIHandlers) getLogs(c *gin.Context) {
	logs, err := h.g.audit.Recent(c.Request.Context(), maxAuditQueryLimit)
	if err != nil {
		ginContextLogger(c).Error("error getting logs", tint.Err(err))
		ginReplyError(c, "error getting logs")
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

func (h *APIHandlers) getServerLogs(c *gin.Context) {
	serverID := c.Param("id")
	logs, err := h.g.audit.RecentForServer(c.Request.Context(), serverID, maxAuditQueryLimit)
	if err != nil {
		ginContextLogger(c).Error("error getting logs", "server_id", serverID, tint.Err(err))
		ginReplyError(c, "error getting logs")
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "server_id": serverID})
}

// botStatus reports whether the bot is attached to the gateway, along
// with server and invocation counts
func (h *APIHandlers) botStatus(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), apiBotStatusTimeout)
	defer cancel()

	var serverCount, commandCount int64
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(
		func() (err error) {
			serverCount, err = h.g.servers.Count(egCtx)
			return err
		},
	)
	eg.Go(
		func() (err error) {
			commandCount, err = h.g.audit.Count(egCtx)
			return err
		},
	)
	if err := eg.Wait(); err != nil {
		ginContextLogger(c).Error("error getting bot status", tint.Err(err))
		ginReplyError(c, "error getting bot status")
		return
	}

	resp := botStatusResponse{
		Status:           botStatusStopped,
		Servers:          serverCount,
		CommandsExecuted: commandCount,
	}
	if st := h.bot.Status(); st.Running {
		uptime := st.Uptime.Round(time.Second).String()
		resp.Status = botStatusRunning
		resp.Uptime = &uptime
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandlers) botStart(c *gin.Context) {
	err := h.bot.Start(c.Request.Context())
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		ginReplyMessage(c, "Bot is already running")
	case err != nil:
		ginContextLogger(c).Error("error starting bot", tint.Err(err))
		ginReplyError(c, fmt.Sprintf("error starting bot: %s", err.Error()))
	default:
		ginReplyMessage(c, "Bot started successfully")
	}
}

func (h *APIHandlers) botStop(c *gin.Context) {
	err := h.bot.Stop(c.Request.Context())
	switch {
	case errors.Is(err, ErrNotRunning):
		ginReplyMessage(c, "Bot is not running")
	case err != nil:
		ginContextLogger(c).Error("error stopping bot", tint.Err(err))
		ginReplyError(c, fmt.Sprintf("error stopping bot: %s", err.Error()))
	default:
		ginReplyMessage(c, "Bot stopped successfully")
	}
}

func (h *APIHandlers) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.g.RuntimeConfig())
}

// updateRuntimeConfig applies a partial update to the runtime config,
// then signals every instance to reload it
func (h *APIHandlers) updateRuntimeConfig(c *gin.Context) {
	logger := ginContextLogger(c)
	var update RuntimeConfigUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		logger.Error("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if err := update.validate(); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	updated, err := h.g.updateRuntimeConfig(c.Request.Context(), update)
	if err != nil {
		logger.Error("error updating runtime config", tint.Err(err))
		ginReplyError(c, "error updating runtime config")
		return
	}
	c.JSON(http.StatusOK, updated)

	if h.g.dbNotifier != nil {
		ctx, cancel := context.WithTimeout(context.Background(), dbNotifierSendTimeout)
		defer cancel()
		if !h.g.dbNotifier.ReloadRuntimeConfig(ctx) {
			logger.Error("error sending config update notification")
		}
	}
}

func (h *APIHandlers) botQuit(c *gin.Context) {
	log := ginContextLogger(c)
	log.Warn("sending stop signal")
	if h.g.dbNotifier == nil {
		ginReplyError(c, "not running")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	doneCh := make(chan bool, 1)
	go func() {
		doneCh <- h.g.dbNotifier.Stop(ctx)
	}()
	select {
	case <-doneCh:
		ginReplyMessage(c, "quitting")
	case <-ctx.Done():
		log.Warn("timeout sending stop signal")
		c.JSON(http.StatusGatewayTimeout, httpError{Error: "timeout sending stop signal"})
	}
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	BotRunning              bool `json:"bot_running"`
	DiscordGatewayConnected bool `json:"discord_gateway_connected"`
}

const (
	botStatusRunning = "running"
	botStatusStopped = "stopped"
)

type botStatusResponse struct {
	Status           string  `json:"status"`
	Uptime           *string `json:"uptime"`
	Servers          int64   `json:"servers"`
	CommandsExecuted int64   `json:"commands_executed"`
}

// httpReply represents a standard HTTP response message.
type httpReply struct {
	Message string `json:"message"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// authMiddleware rejects requests without a logged-in session
func authMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		username, err := a.getSessionUsername(c)
		if err != nil {
			logger.Warn("unauthorized request", tint.Err(err))
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}
		logger.Debug("got session", sessionVarField, username)
		c.Next()
	}
}

// requestIDMiddleware assigns a random ID to each request, set in the
// gin context and the response headers under X-Request-ID
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	return setGinContextLogger(c, slog.Default())
}

func setGinContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it has been handled,
// along with its duration and any errors
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := setGinContextLogger(c, logger)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests per method and path
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("%s %s", c.Request.Method, c.FullPath())
		a.requestMetricsMu.Lock()
		a.requestMetrics[key]++
		a.requestMetricsMu.Unlock()
		c.Next()
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

//nolint:gochecknoinits // registers the validator tag
func init() {
	structValidator.SetTagName("binding")
}
