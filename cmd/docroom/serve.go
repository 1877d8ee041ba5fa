package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"docroom/internal/core/domain"
	"docroom/internal/core/services"
	httphandlers "docroom/internal/handlers/http"
	"docroom/internal/infrastructure/bus"
	"docroom/internal/infrastructure/middleware"
	"docroom/internal/infrastructure/monitoring"
	wsnotify "docroom/internal/infrastructure/signal"
	webrtcinfra "docroom/internal/infrastructure/webrtc"
	"docroom/pkg/config"
	"docroom/pkg/logger"
	"docroom/pkg/tracing"
	"docroom/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	flagAddr        string
	flagRoom        string
	flagName        string
	flagAdmin       bool
	flagPasscode    string
	flagAllow       string
	flagApproval    bool
	flagJoinTimeout time.Duration
	flagBus         string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Join a room and serve the local session API",
	Long: `Join a room on the configured room bus and serve the session API, the editor
WebSocket, health endpoints and Prometheus metrics.

Examples:
  docroom serve --room design-review --name Ann --admin --passcode abc
  docroom serve --room design-review --name Bob --passcode abc --bus redis`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}
		applyServeFlags(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		return serve(cfg, path)
	},
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&flagAddr, "addr", "", "HTTP listen address")
	f.StringVar(&flagRoom, "room", "", "room to join")
	f.StringVar(&flagName, "name", "", "display name")
	f.BoolVar(&flagAdmin, "admin", false, "act as the room admin")
	f.StringVar(&flagPasscode, "passcode", "", "room passcode")
	f.StringVar(&flagAllow, "allow", "", "comma separated display names admitted by the admin")
	f.BoolVar(&flagApproval, "approval-required", false, "mark the room as requiring approval")
	f.DurationVar(&flagJoinTimeout, "join-timeout", 0, "give up waiting for the admin after this long (0 waits forever)")
	f.StringVar(&flagBus, "bus", "", "room bus backend: memory or redis")
	rootCmd.AddCommand(serveCmd)
}

// applyServeFlags overrides configuration with flags given on the command line.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("addr") {
		cfg.Server.Address = flagAddr
	}
	if f.Changed("room") {
		cfg.Session.RoomID = flagRoom
	}
	if f.Changed("name") {
		cfg.Session.DisplayName = flagName
	}
	if f.Changed("admin") {
		cfg.Session.IsAdmin = flagAdmin
	}
	if f.Changed("passcode") {
		cfg.Session.Passcode = flagPasscode
	}
	if f.Changed("allow") {
		cfg.Session.AllowList = flagAllow
	}
	if f.Changed("approval-required") {
		cfg.Session.ApprovalRequired = flagApproval
	}
	if f.Changed("join-timeout") {
		cfg.Session.JoinTimeout = flagJoinTimeout
	}
	if f.Changed("bus") {
		cfg.Bus.Backend = flagBus
	}
}

func sessionSettings(cfg *config.Config) (services.Settings, error) {
	settings := services.Settings{
		RoomID:           domain.RoomID(cfg.Session.RoomID),
		DisplayName:      cfg.Session.DisplayName,
		IsAdmin:          cfg.Session.IsAdmin,
		Passcode:         cfg.Session.Passcode,
		AllowList:        domain.ParseAllowList(cfg.Session.AllowList),
		ApprovalRequired: cfg.Session.ApprovalRequired,
		JoinTimeout:      cfg.Session.JoinTimeout,
	}
	if err := validation.ValidateRoomID(string(settings.RoomID)); err != nil {
		return settings, err
	}
	if err := validation.ValidateDisplayName(settings.DisplayName); err != nil {
		return settings, err
	}
	return settings, validation.ValidateAllowList(settings.AllowList)
}

func iceServers(cfg *config.Config) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	for _, s := range cfg.WebRTC.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(servers) == 0 {
		// Fallback STUN server if not configured
		servers = []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		}
	}
	return servers
}

func serve(cfg *config.Config, configPath string) error {
	startTime := time.Now()

	settings, err := sessionSettings(cfg)
	if err != nil {
		return err
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if configPath != "" {
		log.Infow("loaded config", "path", configPath)
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	busFactory := bus.NewFactory(ctx, cfg, log)
	collector := monitoring.NewPrometheusCollector(nil)

	var transportCfg webrtcinfra.Config
	transportCfg.ICEServers = iceServers(cfg)
	transportCfg.PortRange.Min = cfg.WebRTC.PortRange.Min
	transportCfg.PortRange.Max = cfg.WebRTC.PortRange.Max
	transportCfg.GatherTimeout = cfg.WebRTC.GatherTimeout
	transport, err := webrtcinfra.NewTransport(transportCfg, collector, log)
	if err != nil {
		busFactory.Close()
		return err
	}

	capture := webrtcinfra.NewCapture(webrtcinfra.CaptureConfig{
		Enabled:       cfg.Voice.CaptureEnabled,
		FrameDuration: cfg.Voice.FrameDuration,
	}, nil, log)
	player := webrtcinfra.NewPlayer(nil, log)

	hub := wsnotify.NewHub(wsnotify.Options{
		AllowedOrigins: cfg.Auth.AllowedOrigins,
		MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
	}, log)

	session := services.NewCollabSession(services.SessionDeps{
		Bus:          busFactory.Bus(),
		Media:        capture,
		Transport:    transport,
		Player:       player,
		Collaborator: hub,
		Metrics:      collector,
		Logger:       log,
	})
	hub.Bind(session)

	log.Infow("joining room",
		"room_id", settings.RoomID,
		"participant_id", session.ID(),
		"is_admin", settings.IsAdmin,
		"bus", busFactory.Backend(),
	)
	if err := session.Start(ctx, settings); err != nil {
		// The session reports Disconnected; settings can still be changed over the API.
		log.Warnw("failed to join room", "room_id", settings.RoomID, "error", err)
	}

	health := monitoring.NewHealthChecker()
	health.AddSessionCheck(func() domain.ConnectionStatus {
		return session.Snapshot().Status
	}, cfg.Monitoring.HealthCheckInterval, 2*time.Second)
	if client := busFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, cfg.Monitoring.HealthCheckInterval, 2*time.Second)
	}
	health.StartBackgroundChecks(ctx)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLogMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.ErrorHandlerMiddleware(log),
	)

	router.GET("/health", func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status": status.Status,
			"checks": status.Checks,
			"uptime": time.Since(startTime).String(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		checkCtx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		snapshot := session.Snapshot()
		if !health.IsReady(checkCtx) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "not_ready",
				"session": snapshot.Status,
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "ready",
			"session": snapshot.Status,
			"bus":     busFactory.Backend(),
		})
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	var protected []gin.HandlerFunc
	if cfg.Auth.Enabled {
		protected = append(protected, middleware.AuthMiddleware(services.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)))
	}

	wsHandlers := append(append([]gin.HandlerFunc{}, protected...),
		middleware.NewWebSocketConnectionLimit(cfg),
		gin.WrapF(hub.HandleWebSocket),
	)
	router.GET("/ws", wsHandlers...)

	api := router.Group("/api/v1", protected...)
	httphandlers.NewSessionHandler(session).SetupRoutes(api)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting docroom on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case runErr = <-serverErr:
		log.Errorw("Server failed", "error", runErr)
	case <-ctx.Done():
		log.Info("Received shutdown signal")
	}

	log.Info("Shutting down docroom...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}

	// Leaving announces user-left on both channels before the bus goes away.
	if err := session.Stop(); err != nil {
		log.Warnw("Error leaving room", "error", err)
	}
	if err := busFactory.Close(); err != nil {
		log.Errorw("Error closing room bus", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("Error flushing traces", "error", err)
	}

	log.Info("docroom stopped")
	return runErr
}
