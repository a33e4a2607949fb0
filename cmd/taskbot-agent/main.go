package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	flag "github.com/spf13/pflag"

	"github.com/gezhigang000/taskbot/internal/agent"
	"github.com/gezhigang000/taskbot/internal/auth"
	"github.com/gezhigang000/taskbot/internal/config"
	"github.com/gezhigang000/taskbot/internal/logging"
	"github.com/gezhigang000/taskbot/internal/security"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "taskbot-agent:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath    = flag.StringP("config", "c", os.Getenv("AGENT_CONFIG"), "TOML config file")
		relayURL      = flag.StringP("relay", "r", "", "relay base url (env RELAY_URL)")
		name          = flag.StringP("name", "n", "", "agent display name (env AGENT_NAME)")
		workdir       = flag.StringP("workdir", "w", "", "working directory for the process (env AGENT_WORKDIR)")
		command       = flag.String("command", "", "program to run on the terminal (env AGENT_COMMAND)")
		allowRoots    = flag.String("allow-root", "", "comma-separated roots the workdir must lie under")
		noQR          = flag.Bool("no-qr", false, "do not print a QR code for the access url")
		tlsSkipVerify = flag.Bool("tls-skip-verify", false, "skip TLS verification for self-signed relays")
		logLevel      = flag.String("log-level", "", "debug, info, warn or error")
		logFormat     = flag.String("log-format", "", "auto, text or json")
	)
	flag.Parse()

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		return err
	}
	applyEnv(cfg)
	fs := flag.CommandLine
	if fs.Changed("relay") {
		cfg.RelayURL = *relayURL
	}
	if fs.Changed("name") {
		cfg.Name = *name
	}
	if fs.Changed("workdir") {
		cfg.Workdir = *workdir
	}
	if fs.Changed("command") {
		cfg.Command = *command
	}
	if fs.Changed("allow-root") {
		cfg.AllowRoots = security.ParseCSV(*allowRoots)
	}
	if fs.Changed("no-qr") {
		cfg.ShowQR = !*noQR
	}
	if fs.Changed("tls-skip-verify") {
		cfg.TLSSkipVerify = *tlsSkipVerify
	}
	if fs.Changed("log-level") {
		cfg.Logging.Level = *logLevel
	}
	if fs.Changed("log-format") {
		cfg.Logging.Format = *logFormat
	}
	// Remaining arguments after "--" replace the configured args.
	if rest := fs.Args(); len(rest) > 0 {
		cfg.Args = rest
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	roots, err := security.NormalizeRoots(cfg.AllowRoots)
	if err != nil {
		return fmt.Errorf("invalid allow_roots: %w", err)
	}
	dir, err := security.ResolveDir(cfg.Workdir)
	if err != nil {
		return fmt.Errorf("invalid workdir: %w", err)
	}
	if err := security.ValidateCWD(dir, roots); err != nil {
		return fmt.Errorf("workdir %s: %w", dir, err)
	}

	home, _ := os.UserHomeDir()
	extra := security.ExtraBinDirs(home)
	bin, err := security.FindExecutable(cfg.Command, extra)
	if err != nil {
		return fmt.Errorf("command %q not found on PATH or in %v: %w", cfg.Command, extra, err)
	}

	mgr := agent.NewSessionManager(agent.Config{
		Command:   bin,
		Args:      cfg.Args,
		Workdir:   dir,
		ExtraPath: extra,
		StopGrace: cfg.StopGrace.Duration,
		Logger:    logger,
	})

	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	httpClient := &http.Client{Timeout: 15 * time.Second}
	if cfg.TLSSkipVerify {
		tlsCfg := &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed relays
		dialer.TLSClientConfig = tlsCfg
		httpClient.Transport = &http.Transport{TLSClientConfig: tlsCfg}
	}

	client := &agent.Client{
		RelayURL:       cfg.RelayURL,
		Name:           cfg.Name,
		HeartbeatEvery: cfg.HeartbeatInterval.Duration,
		BackoffMin:     cfg.BackoffMin.Duration,
		BackoffMax:     cfg.BackoffMax.Duration,
		Manager:        mgr,
		Registrar:      &agent.Registrar{BaseURL: cfg.RelayURL, HTTPClient: httpClient},
		Dialer:         dialer,
		Logger:         logger,
		OnRegistered: func(creds auth.Credentials) {
			printAccess(os.Stdout, cfg.RelayURL, cfg.Name, creds, cfg.ShowQR)
		},
		OnState: func(s agent.State) {
			logger.Debug("agent state", "state", s.String())
			if s == agent.Attached || s == agent.Detached {
				stateColor(s).Fprintf(os.Stderr, "relay: %s\n", s)
			}
		},
	}

	if err := mgr.Start(); err != nil {
		logger.Warn("initial start failed, waiting for restart from a client", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger.Info("taskbot-agent starting", "relay", cfg.RelayURL, "name", cfg.Name, "workdir", dir, "command", bin)
	return client.Run(ctx)
}

func applyEnv(cfg *config.Agent) {
	for env, dst := range map[string]*string{
		"RELAY_URL":     &cfg.RelayURL,
		"AGENT_NAME":    &cfg.Name,
		"AGENT_WORKDIR": &cfg.Workdir,
		"AGENT_COMMAND": &cfg.Command,
	} {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
}
