package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	flag "github.com/spf13/pflag"

	"github.com/gezhigang000/taskbot/internal/config"
	"github.com/gezhigang000/taskbot/internal/core"
	httpapi "github.com/gezhigang000/taskbot/internal/http"
	"github.com/gezhigang000/taskbot/internal/logging"
	"github.com/gezhigang000/taskbot/internal/security"
	wshandler "github.com/gezhigang000/taskbot/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "taskbot-relay:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.StringP("config", "c", os.Getenv("RELAY_CONFIG"), "YAML config file")
		host       = flag.String("host", "", "listen host (env RELAY_HOST)")
		port       = flag.IntP("port", "p", 0, "listen port (env RELAY_PORT)")
		origins    = flag.String("allowed-origins", "", "comma-separated browser origins, * for any")
		auditPath  = flag.String("audit-path", "", "audit JSON lines file")
		scrollback = flag.Int("scrollback-bytes", 0, "per-agent scrollback replayed to new viewers, 0 disables")
		timeout    = flag.Duration("heartbeat-timeout", 0, "mark an agent offline after this much silence")
		logLevel   = flag.String("log-level", "", "debug, info, warn or error")
		logFormat  = flag.String("log-format", "", "auto, text or json")
	)
	flag.Parse()

	cfg, err := config.LoadRelay(*configPath)
	if err != nil {
		return err
	}
	if v := os.Getenv("RELAY_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("RELAY_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RELAY_PORT: %w", err)
		}
		cfg.Server.Port = p
	}
	if flag.CommandLine.Changed("host") {
		cfg.Server.Host = *host
	}
	if flag.CommandLine.Changed("port") {
		cfg.Server.Port = *port
	}
	if flag.CommandLine.Changed("allowed-origins") {
		cfg.Server.AllowedOrigins = security.ParseCSV(*origins)
	}
	if flag.CommandLine.Changed("audit-path") {
		cfg.Audit.Path = *auditPath
	}
	if flag.CommandLine.Changed("scrollback-bytes") {
		cfg.Relay.ScrollbackBytes = *scrollback
	}
	if flag.CommandLine.Changed("heartbeat-timeout") {
		cfg.Relay.HeartbeatTimeout = *timeout
	}
	if flag.CommandLine.Changed("log-level") {
		cfg.Logging.Level = *logLevel
	}
	if flag.CommandLine.Changed("log-format") {
		cfg.Logging.Format = *logFormat
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	gin.SetMode(gin.ReleaseMode)

	relay, err := core.NewRouter(core.Config{
		HeartbeatTimeout: cfg.Relay.HeartbeatTimeout,
		SweepInterval:    cfg.Relay.SweepInterval,
		ScrollbackBytes:  cfg.Relay.ScrollbackBytes,
		AuditPath:        cfg.Audit.Path,
		RegisterPerMin:   cfg.Relay.RegisterRatePerMin,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("init relay: %w", err)
	}
	defer relay.Close()

	api := &httpapi.Server{
		Relay: relay,
		WSOptions: wshandler.Options{
			SendQueue:    cfg.Relay.SendQueue,
			ReadLimit:    cfg.Relay.MaxMessageBytes,
			PingInterval: cfg.Relay.HeartbeatInterval,
		},
		AllowedOrigins: cfg.Server.AllowedOrigins,
		TrustedProxies: cfg.Server.TrustedProxies,
		Logger:         logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go relay.RunSweeper(ctx)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("taskbot-relay listening", "addr", srv.Addr,
			"heartbeat_timeout", cfg.Relay.HeartbeatTimeout, "scrollback_bytes", cfg.Relay.ScrollbackBytes)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("taskbot-relay shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
