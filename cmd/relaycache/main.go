package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	"github.com/agentworkforce/relaycache/internal/config"
	"github.com/agentworkforce/relaycache/internal/feed"
	"github.com/agentworkforce/relaycache/internal/httpapi"
	"github.com/agentworkforce/relaycache/internal/logging"
	"github.com/agentworkforce/relaycache/internal/replica"
	"github.com/agentworkforce/relaycache/internal/store"
	"github.com/agentworkforce/relaycache/internal/telemetry"
)

func main() {
	configPath := flag.String("config", envOrDefault("RELAYCACHE_CONFIG", ""), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("failed to initialize logging: %v", err)
	}
	defer logCloser.Close()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(rootCtx, cfg.Telemetry.ServiceName, cfg.Telemetry.Endpoint)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	svc, err := newService(cfg, logger, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	if err != nil {
		logger.Error("failed to initialize relaycache", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		logger.Error("failed to listen", "addr", cfg.Listen, "error", err)
		os.Exit(1)
	}
	logger.Info("relaycache listening", "addr", ln.Addr().String(), "source", redactDSN(cfg.SourceDSN), "feed", redactDSN(cfg.FeedDSN))
	if err := svc.serve(rootCtx, ln, cfg.HTTP.ShutdownTimeout); err != nil {
		logger.Error("relaycache stopped", "error", err)
		os.Exit(1)
	}
}

type service struct {
	store    *store.Store
	consumer *replica.Consumer
	http     *http.Server
	closers  []io.Closer
	logger   *slog.Logger
}

func newService(cfg config.Config, logger *slog.Logger, reg prometheus.Registerer, gatherer prometheus.Gatherer) (*service, error) {
	opts, err := cfg.FeedOptions()
	if err != nil {
		return nil, err
	}
	opts.Logger = logger

	source, err := feed.BuildSourceFromDSN(cfg.SourceDSN, opts)
	if err != nil {
		return nil, fmt.Errorf("build source: %w", err)
	}
	changes, err := feed.BuildFeedFromDSN(cfg.FeedDSN, opts)
	if err != nil {
		closeQuietly(source)
		return nil, fmt.Errorf("build feed: %w", err)
	}

	st, err := store.New()
	if err != nil {
		closeQuietly(source)
		return nil, err
	}
	metrics := telemetry.NewMetrics(reg, replica.States()...)
	consumer, err := replica.NewConsumer(st, source, changes, nil, replica.Options{
		Tables:         opts.Tables,
		RetryBaseDelay: cfg.Sync.RetryBaseDelay,
		RetryMaxDelay:  cfg.Sync.RetryMaxDelay,
		RetryJitter:    cfg.Sync.RetryJitter,
		SkipDependents: !cfg.Sync.ResolveDependents,
		Logger:         logger.With("component", "replica"),
		Metrics:        metrics,
	})
	if err != nil {
		closeQuietly(source)
		return nil, err
	}

	api := httpapi.NewServerWithConfig(st, consumer, httpapi.ServerConfig{
		JWTSecret:       cfg.HTTP.JWTSecret,
		RateLimitMax:    cfg.HTTP.RateLimitMax,
		RateLimitWindow: cfg.HTTP.RateLimitWindow,
		LongPollMax:     cfg.HTTP.LongPollMax,
		Logger:          logger.With("component", "httpapi"),
		Metrics:         metrics,
		Gatherer:        gatherer,
	})
	svc := &service{
		store:    st,
		consumer: consumer,
		http: &http.Server{
			Handler:           api,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
	for _, candidate := range []any{source, changes} {
		if closer, ok := candidate.(io.Closer); ok {
			svc.closers = append(svc.closers, closer)
		}
	}
	return svc, nil
}

// serve runs the sync loop and the HTTP API until ctx is cancelled or the
// listener fails, then drains in-flight requests within shutdownTimeout.
func (s *service) serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	syncDone := make(chan error, 1)
	go func() {
		syncDone <- s.consumer.Run(ctx)
	}()
	serveDone := make(chan error, 1)
	go func() {
		serveDone <- s.http.Serve(ln)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		s.logger.Info("relaycache shutting down", "reason", context.Cause(ctx))
	case err := <-serveDone:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("http server: %w", err)
		}
		serveDone = nil
	}
	cancel()

	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := s.http.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = fmt.Errorf("http shutdown: %w", err)
	}
	if serveDone != nil {
		if err := <-serveDone; err != nil && !errors.Is(err, http.ErrServerClosed) && serveErr == nil {
			serveErr = fmt.Errorf("http server: %w", err)
		}
	}
	if err := <-syncDone; err != nil && serveErr == nil {
		serveErr = fmt.Errorf("sync loop: %w", err)
	}
	return serveErr
}

func (s *service) Close() error {
	var errs []error
	for _, closer := range s.closers {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func closeQuietly(v any) {
	if closer, ok := v.(io.Closer); ok {
		_ = closer.Close()
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

// redactDSN hides credentials embedded in a DSN before it is logged.
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return dsn
	}
	userinfo := rest[:at]
	if user, _, hasPassword := strings.Cut(userinfo, ":"); hasPassword {
		userinfo = user + ":xxxxx"
	}
	return scheme + "://" + userinfo + rest[at:]
}
