package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lecturecast/internal/core/domain"
	"lecturecast/internal/core/ports"
	"lecturecast/internal/core/services"
	httphandlers "lecturecast/internal/handlers/http"
	"lecturecast/internal/infrastructure/distributed"
	"lecturecast/internal/infrastructure/identity"
	"lecturecast/internal/infrastructure/media"
	"lecturecast/internal/infrastructure/middleware"
	"lecturecast/internal/infrastructure/monitoring"
	repositories "lecturecast/internal/infrastructure/repositories"
	"lecturecast/internal/infrastructure/repositories/memory"
	redisrepo "lecturecast/internal/infrastructure/repositories/redis"
	"lecturecast/pkg/config"
	"lecturecast/pkg/logger"
	"lecturecast/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func main() {
	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/lecturecast/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}

	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()
	if err != nil {
		log.Warnw("using default configuration", "error", err)
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "lecturecast",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repoFactory := repositories.NewRepositoryFactory(cfg, log)
	if client := repoFactory.RedisClient(); client != nil {
		if err := redisrepo.Migrate(ctx, client, log); err != nil {
			log.Fatalw("failed to migrate schedule records", "error", err)
		}
	}
	schedules := repoFactory.CreateScheduleRepository()

	// Events
	localBus := distributed.NewLocalBus(log)
	publishers := distributed.Fanout{localBus}
	var remoteBus *distributed.EventBus
	if client := repoFactory.RedisClient(); client != nil {
		remoteBus = distributed.NewEventBus(client, instanceID(), log)
		publishers = append(publishers, remoteBus)
	}

	registry := memory.NewSessionRegistry(
		cfg.Registry.RetentionWindow,
		cfg.Registry.SweepInterval,
		log,
		memory.WithSweepEvents(publishers),
	)
	go registry.Run(ctx)

	var metrics ports.MetricsRecorder = services.NopMetrics{}
	var collector *monitoring.PrometheusCollector
	if cfg.Monitoring.PrometheusEnabled {
		collector = monitoring.NewPrometheusCollector(registry.CountActive)
		metrics = collector
		log.Info("Prometheus metrics enabled")
	}

	// Services
	builder := media.NewFFmpegBuilder(cfg.Media.FFmpegPath, cfg.Media.SegmentDuration, cfg.Media.PlaylistSize)
	launcher := media.NewExecLauncher(cfg.Media.TerminateGrace, log)
	qualityService := services.NewQualityService(domain.QualityTier(cfg.Media.DefaultQuality))
	analyticsService := services.NewAnalyticsService(registry, metrics)
	pipelineService := services.NewPipelineService(
		services.PipelineConfig{
			OutputRoot:           cfg.Media.OutputRoot,
			RecordingsRoot:       cfg.Media.RecordingsRoot,
			MaxConcurrentStreams: cfg.Media.MaxConcurrentStreams,
			RecordingMaxDuration: cfg.Media.RecordingMaxDuration,
			PlaylistWait:         cfg.Media.PlaylistWait,
			IngestBase:           cfg.URLs.IngestBase,
			PlaybackBase:         cfg.URLs.PlaybackBase,
			RTCBase:              cfg.URLs.RTCBase,
		},
		registry,
		qualityService,
		builder,
		launcher,
		analyticsService,
		publishers,
		metrics,
		log,
	)

	tokenService, err := services.NewTokenService(services.TokenConfig{
		Secret:           cfg.Auth.TokenSecret,
		Issuer:           cfg.Auth.Issuer,
		Audience:         cfg.Auth.Audience,
		ChatAudience:     cfg.Auth.ChatAudience,
		TTL:              cfg.Auth.TokenTTL,
		MaxLifetime:      cfg.Auth.MaxTokenLifetime,
		RefreshThreshold: cfg.Auth.RefreshThreshold,
	}, registry)
	if err != nil {
		log.Fatalw("failed to create token service", "error", err)
	}

	platformCfg := identity.Config{
		AuthURL:          cfg.Platform.AuthURL,
		EnrollmentURL:    cfg.Platform.EnrollmentURL,
		Timeout:          cfg.Platform.Timeout,
		CacheTTL:         cfg.Platform.CacheTTL,
		MaxRetries:       cfg.Platform.MaxRetries,
		BreakerThreshold: cfg.Platform.BreakerThreshold,
		BreakerCooldown:  cfg.Platform.BreakerCooldown,
	}
	authClient := identity.NewAuthClient(platformCfg, nil, log)
	enrollmentClient := identity.NewEnrollmentClient(platformCfg, nil, log)

	sessionService := services.NewSessionService(
		services.SessionConfig{
			PlayerBase:   cfg.URLs.PlayerBase,
			ChatBase:     cfg.URLs.ChatBase,
			BindClientIP: cfg.Auth.BindClientIP,
		},
		schedules,
		pipelineService,
		analyticsService,
		tokenService,
		enrollmentClient,
		metrics,
		log,
	)

	events, unsubscribe := localBus.Subscribe(64)
	defer unsubscribe()
	go sessionService.FollowEvents(ctx, events)

	if remoteBus != nil {
		go func() {
			err := remoteBus.Subscribe(ctx, func(e domain.SessionEvent) error {
				if collector != nil {
					collector.RemoteEvent(e)
				}
				log.Debugw("remote session event",
					"kind", e.Kind,
					"stream_id", e.StreamID,
					"status", e.Status,
				)
				return nil
			})
			if err != nil && ctx.Err() == nil {
				log.Errorw("event subscription ended", "error", err)
			}
		}()
	}

	for _, dir := range []string{cfg.Media.OutputRoot, cfg.Media.RecordingsRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalw("failed to create media directory", "dir", dir, "error", err)
		}
	}

	// Health
	healthChecker := monitoring.NewHealthChecker()
	healthChecker.AddFFmpegCheck(cfg.Media.FFmpegPath, time.Minute)
	healthChecker.AddWritableDirCheck("output_root", cfg.Media.OutputRoot, 30*time.Second)
	if cfg.Media.MinFreeDiskMB > 0 {
		healthChecker.AddDiskSpaceCheck("output_disk", cfg.Media.OutputRoot, cfg.Media.MinFreeDiskMB<<20, time.Minute)
		healthChecker.AddDiskSpaceCheck("recordings_disk", cfg.Media.RecordingsRoot, cfg.Media.MinFreeDiskMB<<20, time.Minute)
	}
	if client := repoFactory.RedisClient(); client != nil {
		healthChecker.AddRedisCheck(client, 15*time.Second, 2*time.Second)
	}
	healthChecker.StartBackgroundChecks(ctx)

	// HTTP
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RequestIDMiddleware(),
		middleware.TracingMiddleware(),
		middleware.AccessLogMiddleware(log),
	)
	if collector != nil {
		router.Use(middleware.MetricsMiddleware(collector))
	}
	router.Use(
		middleware.ErrorHandlerMiddleware(log),
		middleware.RecoveryMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	sessionHandler := httphandlers.NewSessionHandler(
		sessionService,
		middleware.CallerAuth(authClient),
		middleware.StreamTokenAuth(tokenService),
	)
	sessionHandler.SetupRoutes(router)

	var metricsHandler http.Handler
	if collector != nil {
		metricsHandler = collector.Handler()
	}
	httphandlers.NewSystemHandler(healthChecker, metricsHandler, cfg.Media.OutputRoot).SetupRoutes(router)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting LectureCast server on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down LectureCast server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	} else {
		log.Info("Server shutdown gracefully")
	}

	// Encoders are stopped before the registry sweeper and subscribers go away.
	if err := pipelineService.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error stopping live pipelines", "error", err)
	}
	cancel()

	authClient.Close()
	enrollmentClient.Close()

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracer", "error", err)
	}

	if err := repoFactory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}

	log.Info("LectureCast server stopped")
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "lecturecast"
	}
	return host + "-" + uuid.NewString()[:8]
}
