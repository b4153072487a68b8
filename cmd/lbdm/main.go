package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/cuixiaotu/lbdm/internal/api"
	"github.com/cuixiaotu/lbdm/internal/auth"
	"github.com/cuixiaotu/lbdm/internal/cache"
	"github.com/cuixiaotu/lbdm/internal/config"
	"github.com/cuixiaotu/lbdm/internal/dashboard"
	"github.com/cuixiaotu/lbdm/internal/database"
	"github.com/cuixiaotu/lbdm/internal/events"
	"github.com/cuixiaotu/lbdm/internal/ingestion"
	"github.com/cuixiaotu/lbdm/internal/logging"
	"github.com/cuixiaotu/lbdm/internal/metrics"
	"github.com/cuixiaotu/lbdm/internal/scheduler"
	"github.com/cuixiaotu/lbdm/internal/server"
	"github.com/cuixiaotu/lbdm/internal/store"
)

func main() {
	if err := run(); err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("lbdm exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath    string
		logLevel      string
		mockDashboard bool
	)
	flags := pflag.NewFlagSet("lbdm", pflag.ExitOnError)
	flags.StringVarP(&configPath, "config", "c", "", "path to a YAML configuration file")
	flags.StringVar(&logLevel, "log-level", "", "override the log level (debug, info, warn, error)")
	flags.BoolVar(&mockDashboard, "mock-dashboard", false, "serve canned dashboard data instead of calling the remote API")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		level, err := config.ParseLogLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid --log-level: %w", err)
		}
		cfg.Logging.Level = level
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger.Info("starting lbdm", "store", cfg.Store.Path, "mock_dashboard", mockDashboard)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	authConfig, err := auth.NewConfig(cfg.Auth)
	if err != nil {
		return err
	}

	collector, err := metrics.NewCollector()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	accountStore, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return err
	}
	defer accountStore.Close()

	accounts := cache.New(accountStore, logger)
	if err := accounts.Initialize(ctx); err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}

	var client dashboard.Client
	if mockDashboard {
		client = dashboard.NewMockClient()
	} else {
		if cfg.Dashboard.BaseURL == "" {
			return errors.New("dashboard base URL is required (DASHBOARD_BASE_URL)")
		}
		client = dashboard.NewHTTPClient(cfg.Dashboard, cfg.Debug.Network, logger)
	}

	bus := events.NewBus()
	notices, unsubscribe := bus.Subscribe(0)
	defer unsubscribe()
	go logNotices(logger, notices)

	conn := database.NewManager(logger,
		database.WithObserver(collector),
		database.WithSQLDebug(cfg.Debug.SQL),
	)
	defer conn.Close()

	facets := ingestion.NewCollector(client, ingestion.NewWriter(conn), logger)
	facets.SetRecorder(collector)

	intervals := config.NewIntervals(cfg.Monitor)

	monitor := scheduler.NewMonitorScheduler(accounts, client, facets, conn, bus, logger, scheduler.MonitorOptions{
		Database:  cfg.Database,
		Tunnel:    cfg.Tunnel,
		Intervals: intervals,
		DebugRoom: cfg.Debug.Room,
	})
	monitor.SetRecorder(collector)

	validator := scheduler.NewValidator(accounts, client, bus, intervals.CredentialCheck, logger)
	validator.SetRecorder(collector)
	validator.Start()
	defer validator.Stop()

	if cfg.Monitor.AutoStart {
		if err := monitor.Start(ctx); err != nil {
			logger.Error("monitor auto-start failed; start it from the API once the store is reachable", "error", err)
		}
	}
	defer monitor.Stop()

	mux := http.NewServeMux()
	api.SetupRoutes(mux, api.Dependencies{
		Accounts:  accounts,
		Monitor:   monitor,
		Validator: validator,
		Database:  conn,
		Facets:    facets,
		Client:    client,
		Bus:       bus,
		Intervals: intervals,
		Auth:      authConfig,
		Metrics:   collector.Handler(),
	}, logger)

	srv := server.New(cfg.Server, logger, collector.InstrumentHandler(api.CORS(mux)))

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	return nil
}

// logNotices writes every published notice to the log.
func logNotices(logger *slog.Logger, notices <-chan events.Event) {
	for e := range notices {
		level := slog.LevelInfo
		if e.Kind == events.CredentialExpired || e.Kind == events.RoomEvicted {
			level = slog.LevelWarn
		}
		logger.Log(context.Background(), level, e.Message,
			"event", e.Kind,
			"account_id", e.AccountID,
			"room_id", e.RoomID)
	}
}
