package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/contrib/middleware/ratelimit"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/italolelis/streambox/internal/cachefile"
	"github.com/italolelis/streambox/internal/config"
	"github.com/italolelis/streambox/internal/engine"
	"github.com/italolelis/streambox/internal/http/rest"
	"github.com/italolelis/streambox/internal/identity"
	"github.com/italolelis/streambox/internal/logctx"
	"github.com/italolelis/streambox/internal/prefetch"
	"github.com/italolelis/streambox/internal/scheduler"
	"github.com/italolelis/streambox/internal/stream"
	"github.com/italolelis/streambox/internal/telemetry"
	tgtransport "github.com/italolelis/streambox/internal/transport/telegram"
	"github.com/italolelis/streambox/internal/window"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("streambox starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Runtime Settings
	settings := config.NewRuntime(cfg.Engine)

	if cfg.SettingsPath != "" {
		if err := config.WatchOverrides(ctx, cfg.SettingsPath, settings); err != nil {
			return fmt.Errorf("failed to watch settings overrides: %w", err)
		}
	}

	// =========================================================================
	// Start Telegram Client
	client, clientErrors, err := startTelegramClient(ctx, cfg)
	if err != nil {
		return err
	}

	// =========================================================================
	// Start Transport
	tp, err := tgtransport.NewTransport(client.API(), cfg.CacheDir, tel)
	if err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}

	tp.SeedChannelHash(cfg.Telegram.ChannelID, cfg.Telegram.ChannelAccessHash)

	transport := stream.NewInstrumentedTransport(tp, tel, "telegram")

	// =========================================================================
	// Start Engine
	initial := settings.Load()

	sched, err := scheduler.New(scheduler.Limits{
		Global:    initial.GlobalLimit,
		Video:     initial.VideoLimit,
		Thumbnail: initial.ThumbnailLimit,
	}, tel)
	if err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer sched.Close()

	settings.Subscribe(func(s config.Settings) {
		limits := scheduler.Limits{Global: s.GlobalLimit, Video: s.VideoLimit, Thumbnail: s.ThumbnailLimit}
		if err := sched.SetLimits(limits); err != nil {
			logger.Error("failed to apply scheduler limits", "err", err)
		}
	})

	resolver := identity.NewResolver(transport, tel)
	buffering := &stream.Signal{}

	eng := engine.New(
		resolver,
		window.NewManager(transport, sched, settings, tel),
		cachefile.NewRegistry(),
		settings,
		buffering,
		tel,
	)

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		eng.Shutdown(shutdownCtx)
	}()

	prefetcher := prefetch.New(resolver, transport, sched, settings, buffering, tel)
	prefetcher.Start(ctx)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, eng, sched, settings, prefetcher, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	// =========================================================================
	// Start Cache Janitor
	setupJanitor(ctx, tp, eng, cfg)

	logger.Info("streaming engine ready",
		"cache_dir", cfg.CacheDir,
		"channel_id", cfg.Telegram.ChannelID,
		"retention", cfg.CacheRetention.String(),
		"janitor_interval", cfg.JanitorInterval.String(),
	)

	// =========================================================================
	// Start Main Loop
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case err := <-clientErrors:
		return fmt.Errorf("telegram client error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return ctx.Err()
	}
}

// startTelegramClient connects and authorizes in the background. It only
// returns once the client is usable; the returned channel carries the
// terminal error of the connection loop.
func startTelegramClient(ctx context.Context, cfg *config.Config) (*telegram.Client, <-chan error, error) {
	logger := logctx.LoggerFromContext(ctx)

	// gotd logs through zap and is chatty at info; keep it to warnings
	// unless the daemon itself runs at debug.
	level := zapcore.WarnLevel
	if strings.EqualFold(cfg.LogLevel, "DEBUG") {
		level = zapcore.DebugLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	tgLogger, err := zapCfg.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build telegram logger: %w", err)
	}

	client := telegram.NewClient(cfg.Telegram.AppID, cfg.Telegram.AppHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: cfg.Telegram.SessionFile},
		Logger:         tgLogger,
		Middlewares: []telegram.Middleware{
			floodwait.NewSimpleWaiter(),
			ratelimit.New(rate.Limit(cfg.Telegram.RateLimit), cfg.Telegram.RateBurst),
		},
	})

	ready := make(chan struct{})
	clientErrors := make(chan error, 1)

	go func() {
		clientErrors <- client.Run(ctx, func(ctx context.Context) error {
			status, err := client.Auth().Status(ctx)
			if err != nil {
				return fmt.Errorf("auth status: %w", err)
			}

			if !status.Authorized {
				if cfg.Telegram.BotToken == "" {
					return errors.New("session is not authorized and no bot token is configured")
				}

				if _, err := client.Auth().Bot(ctx, cfg.Telegram.BotToken); err != nil {
					return fmt.Errorf("bot login: %w", err)
				}
			}

			logger.Info("telegram client connected")
			close(ready)

			<-ctx.Done()

			return ctx.Err()
		})
	}()

	select {
	case <-ready:
		return client, clientErrors, nil
	case err := <-clientErrors:
		return nil, nil, fmt.Errorf("telegram client failed to start: %w", err)
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, eng *engine.Engine, sched *scheduler.Scheduler, settings *config.Runtime, pre rest.Enqueuer, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	h := rest.NewStreamHandler(eng, sched, settings, pre)

	r := chi.NewRouter()
	r.Handle("/metrics", tel.Handler())
	r.Mount("/", h.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "streambox"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

// setupJanitor periodically sweeps expired cache files, sparing whatever
// open streams still read from.
func setupJanitor(ctx context.Context, tp *tgtransport.Transport, eng *engine.Engine, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		ticker := time.NewTicker(cfg.JanitorInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("janitor shutting down")

				return
			case <-ticker.C:
				if err := tp.SweepCache(ctx, cfg.CacheRetention, eng.OpenPaths()); err != nil {
					logger.Error("cache sweep failed", "err", err)
				}
			}
		}
	}()
}
