package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fleetgate/gateway/internal/api"
	"github.com/fleetgate/gateway/internal/checkpoint"
	"github.com/fleetgate/gateway/internal/gateway"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr       string
	wsAddr         string
	dbDriver       string
	dbDSN          string
	botID          string
	nodeTokenKey   string
	tokenIssuer    string
	idleTimeout    time.Duration
	suspendTimeout time.Duration
	sweepInterval  time.Duration
	logLevel       string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "fleetgated",
		Short: "fleetgated — multi-channel agent fleet gateway",
		Long: `fleetgated is the central gateway of the agent fleet runtime.
It accepts WebSocket connections from agent nodes, routes channel and
conversation traffic to the right node, tracks in-flight deliveries, and
periodically checkpoints its state so a restart does not lose the fleet.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("FLEETGATE_HTTP_ADDR", ":8080"), "admin HTTP API listen address")
	root.PersistentFlags().StringVar(&cfg.wsAddr, "ws-addr", envOrDefault("FLEETGATE_WS_ADDR", ":9090"), "node-facing WebSocket listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("FLEETGATE_DB_DRIVER", "sqlite"), "checkpoint database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("FLEETGATE_DB_DSN", "./fleetgate.db"), "checkpoint database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.botID, "bot-id", envOrDefault("FLEETGATE_BOT_ID", ""), "bot identity this gateway process speaks for (required)")
	root.PersistentFlags().StringVar(&cfg.nodeTokenKey, "node-token-secret", envOrDefault("FLEETGATE_NODE_TOKEN_SECRET", ""), "shared secret signing node registration tokens (required)")
	root.PersistentFlags().StringVar(&cfg.tokenIssuer, "token-issuer", envOrDefault("FLEETGATE_TOKEN_ISSUER", "fleetgate"), "issuer claim on node tokens")
	root.PersistentFlags().DurationVar(&cfg.idleTimeout, "idle-timeout", envOrDefaultDuration("FLEETGATE_IDLE_TIMEOUT", 5*time.Minute), "time since last heartbeat before a node is marked idle")
	root.PersistentFlags().DurationVar(&cfg.suspendTimeout, "suspend-timeout", envOrDefaultDuration("FLEETGATE_SUSPEND_TIMEOUT", 2*time.Minute), "time an idle node waits before it is suspended, and a suspended node before it is declared dead")
	root.PersistentFlags().DurationVar(&cfg.sweepInterval, "health-sweep-interval", envOrDefaultDuration("FLEETGATE_HEALTH_SWEEP_INTERVAL", 30*time.Second), "interval between liveness sweeps")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("FLEETGATE_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fleetgated %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.botID == "" {
		return fmt.Errorf("bot id is required — set --bot-id or FLEETGATE_BOT_ID")
	}
	if cfg.nodeTokenKey == "" {
		return fmt.Errorf("node token secret is required — set --node-token-secret or FLEETGATE_NODE_TOKEN_SECRET")
	}

	logger.Info("starting fleetgated",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("ws_addr", cfg.wsAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("bot_id", cfg.botID),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Checkpoint store ---
	store, err := checkpoint.NewGormStore(checkpoint.DBConfig{
		Driver: cfg.dbDriver,
		DSN:    cfg.dbDSN,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}

	// --- 2. Orchestrator ---
	gw, err := gateway.New(gateway.Config{
		BotID:               cfg.botID,
		IdleTimeout:         cfg.idleTimeout,
		SuspendTimeout:      cfg.suspendTimeout,
		HealthSweepInterval: cfg.sweepInterval,
		NodeTokenSecret:     []byte(cfg.nodeTokenKey),
		TokenIssuer:         cfg.tokenIssuer,
	}, gateway.Deps{
		Store:  store,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}
	if err := gw.Start(); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}
	defer func() {
		if err := gw.Stop(); err != nil {
			logger.Warn("gateway shutdown error", zap.Error(err))
		}
	}()

	// --- 3. Node-facing WebSocket server ---
	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if err := gw.Transport().Upgrade(w, r); err != nil {
			logger.Warn("ws upgrade failed", zap.Error(err))
		}
	})
	wsSrv := &http.Server{
		Addr:         cfg.wsAddr,
		Handler:      wsMux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		logger.Info("ws server listening", zap.String("addr", cfg.wsAddr))
		if err := wsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ws server error", zap.Error(err))
			cancel()
		}
	}()

	// --- 4. Admin HTTP API ---
	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      api.NewRouter(gw, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down fleetgated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}
	if err := wsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ws server graceful shutdown error", zap.Error(err))
	}

	logger.Info("fleetgated stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
