package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nexus/property-management/internal/domain/usage"
	"github.com/nexus/property-management/internal/infrastructure/auth"
	"github.com/nexus/property-management/internal/infrastructure/config"
	"github.com/nexus/property-management/internal/infrastructure/logger"
	"github.com/nexus/property-management/internal/infrastructure/metering"
	"github.com/nexus/property-management/internal/infrastructure/telemetry"
	"github.com/nexus/property-management/internal/interfaces/http/handler"
	"github.com/nexus/property-management/internal/interfaces/http/middleware"
	"github.com/nexus/property-management/internal/interfaces/http/router"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	log, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = logger.Sync(log)
	}()

	log.Info("Starting property management service",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("addr", cfg.App.Addr()),
		zap.Bool("usage_tracking", cfg.Usage.Enabled),
	)

	ctx := context.Background()

	tracerProvider, err := telemetry.NewTracerProvider(ctx, telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		ServiceVersion:    cfg.App.Version,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize tracer provider", zap.Error(err))
	}

	meterProvider, err := telemetry.NewMeterProvider(ctx, telemetry.MetricsConfig{
		Enabled:           cfg.Telemetry.MetricsEnabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ExportInterval:    cfg.Telemetry.ExportInterval,
		ServiceName:       cfg.Telemetry.ServiceName,
		ServiceVersion:    cfg.App.Version,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize meter provider", zap.Error(err))
	}
	meter := meterProvider.Meter(cfg.Telemetry.ServiceName)

	logsProvider, err := telemetry.NewLoggerProvider(ctx, telemetry.LogsConfig{
		Enabled:           cfg.Telemetry.LogsEnabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ServiceName:       cfg.Telemetry.ServiceName,
		ServiceVersion:    cfg.App.Version,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize logger provider", zap.Error(err))
	}
	if level, err := logger.ParseLevel(cfg.Log.Level); err == nil {
		log = logsProvider.Bridge(log, level)
	}

	profiler, err := telemetry.NewProfiler(telemetry.ProfilerConfig{
		Enabled:           cfg.Profiling.Enabled,
		ServerAddress:     cfg.Profiling.ServerAddress,
		ApplicationName:   cfg.Profiling.ApplicationName,
		BasicAuthUser:     cfg.Profiling.BasicAuthUser,
		BasicAuthPassword: cfg.Profiling.BasicAuthPassword,
		ProfileTypes:      cfg.Profiling.ProfileTypes,
	}, log)
	if err != nil {
		log.Fatal("Failed to start profiler", zap.Error(err))
	}
	if profiler.IsEnabled() {
		tracerProvider.EnableSpanProfiles()
	}

	// Usage metering: client -> pipeline -> request tracker
	usageMetrics, err := metering.NewMetrics(meter)
	if err != nil {
		log.Warn("Usage metrics unavailable", zap.Error(err))
		usageMetrics = nil
	}
	client := metering.NewClient(metering.ClientConfig{
		Endpoint:        cfg.Usage.TrackingURL,
		Timeout:         cfg.Usage.TrackingTimeout,
		MaxRetries:      cfg.Usage.MaxRetries,
		RetryDelay:      cfg.Usage.RetryDelay,
		MaxDeliveryTime: cfg.Usage.MaxDeliveryTime,
		Logger:          log.Named("usage.client"),
		Metrics:         usageMetrics,
	})
	pipeline := metering.NewPipeline(client, metering.PipelineConfig{
		EnableBatching: cfg.Usage.EnableBatching,
		BatchSize:      cfg.Usage.BatchSize,
		FlushInterval:  cfg.Usage.BatchFlushInterval,
		Logger:         log.Named("usage.pipeline"),
		Metrics:        usageMetrics,
	})
	tracker := middleware.NewUsageTracker(pipeline, middleware.UsageTrackerConfig{
		Enabled:             cfg.Usage.Enabled,
		DetailedMetrics:     cfg.Usage.DetailedMetrics,
		CaptureResponseBody: cfg.Usage.CaptureResponseBody,
		// The body limit runs first, so no snapshot can exceed it.
		MaxCaptureBytes:     min(cfg.Usage.MaxCaptureBytes, cfg.HTTP.MaxBodyBytes),
		CharsPerToken:       usage.DefaultCharsPerToken,
		Logger:              log.Named("usage"),
		Metrics:             usageMetrics,
	})

	// Set Gin mode based on environment
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()

	// Configure trusted proxies
	if len(cfg.HTTP.TrustedProxies) > 0 {
		if err := engine.SetTrustedProxies(cfg.HTTP.TrustedProxies); err != nil {
			log.Warn("Failed to set trusted proxies", zap.Error(err))
		}
	}

	// Middleware order matters: the request id must exist before logging and
	// metering, and the usage tracker must wrap every handler, including
	// authentication, so it sees the final status.
	engine.Use(middleware.RequestID())
	engine.Use(logger.GinMiddleware(log, usage.IsExemptPath))
	engine.Use(logger.Recovery(log))
	engine.Use(middleware.Secure())
	engine.Use(middleware.CORS(middleware.CORSConfig{
		AllowOrigins:     cfg.HTTP.CORSAllowOrigins,
		AllowMethods:     cfg.HTTP.CORSAllowMethods,
		AllowHeaders:     cfg.HTTP.CORSAllowHeaders,
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(middleware.BodyLimit(middleware.BodyLimitConfig{
		MaxBytes: cfg.HTTP.MaxBodyBytes,
		Logger:   log.Named("http"),
	}))
	engine.Use(middleware.Tracing(middleware.TracingConfig{
		ServiceName: cfg.Telemetry.ServiceName,
		Enabled:     tracerProvider.IsEnabled(),
		Filter: func(r *http.Request) bool {
			return !usage.IsExemptPath(r.URL.Path)
		},
	}))
	engine.Use(middleware.HTTPMetrics(meter))
	engine.Use(middleware.ProfilingLabels(profiler.IsEnabled()))
	engine.Use(tracker.Middleware())

	healthHandler := handler.NewHealthHandler(cfg.App.Name, cfg.App.Version).
		AddCheck("usage_pipeline", func(context.Context) error {
			if pipeline.Stats().Draining {
				return errors.New("draining")
			}
			return nil
		})
	healthHandler.RegisterRoutes(engine)

	jwtService := auth.NewJWTService(cfg.JWT)
	r := router.NewRouter(engine,
		router.WithAPIVersion("v1"),
		router.WithMiddleware(
			middleware.JWTAuthMiddleware(middleware.JWTMiddlewareConfig{
				Validator: jwtService,
				Required:  cfg.JWT.Required,
				Logger:    log,
			}),
			middleware.TracingAttributeInjector(),
		),
	)

	usageStatsHandler := handler.NewUsageStatsHandler(pipeline.Stats)
	usageRoutes := router.NewDomainGroup("usage", "/usage").
		Use(middleware.RequireRole("admin")).
		GET("/pipeline", usageStatsHandler.Pipeline)
	r.Register(usageRoutes)
	r.Setup()

	// Create HTTP server with config
	srv := &http.Server{
		Addr:           cfg.App.Addr(),
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	// Start server in goroutine
	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	// In-flight requests are finished, so every report has been submitted.
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.Usage.DrainTimeout)
	defer cancelDrain()
	if err := tracker.Drain(drainCtx); err != nil {
		log.Warn("Usage pipeline drain incomplete", zap.Error(err))
	}

	telemetryCtx, cancelTelemetry := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTelemetry()
	if err := meterProvider.Shutdown(telemetryCtx); err != nil {
		log.Warn("Meter provider shutdown failed", zap.Error(err))
	}
	if err := tracerProvider.Shutdown(telemetryCtx); err != nil {
		log.Warn("Tracer provider shutdown failed", zap.Error(err))
	}
	if err := profiler.Stop(); err != nil {
		log.Warn("Profiler stop failed", zap.Error(err))
	}
	if err := logsProvider.Shutdown(telemetryCtx); err != nil {
		log.Warn("Logger provider shutdown failed", zap.Error(err))
	}

	log.Info("Server exited gracefully")
}
