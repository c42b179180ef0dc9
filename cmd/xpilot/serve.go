package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/xpilot/internal/config"
	"github.com/jkaninda/xpilot/internal/gateway"
	"github.com/jkaninda/xpilot/internal/gateway/httpapi"
	"github.com/jkaninda/xpilot/internal/ratelimit"
)

var (
	configPath string
	listenAddr string
	debugLog   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the fleet scheduler, the posting dispatcher and the operator API",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `xpilot --config path` and `xpilot serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&listenAddr, "listen", "", "override operator API listen address (e.g. :8080)")
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")
	rootCmd.PersistentFlags().BoolVar(&debugLog, "debug", false, "enable debug logging")
}

func loadConfig() (*config.Config, error) {
	return config.Load(goutils.Env("XPILOT_CONFIG", configPath))
}

// runServe runs until SIGINT or SIGTERM.
func runServe(_ *cobra.Command, _ []string) error {
	logger := newLogger(debugLog)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listenAddr != "" {
		if cfg.HTTP == nil {
			cfg.HTTP = &config.HTTPConfig{Enabled: true}
		}
		cfg.HTTP.ListenAddr = listenAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := initApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Cleanup()

	stopScheduler := app.Scheduler.Start(ctx)
	defer stopScheduler()

	gw := newGateway(app)
	errs := make(chan error, 1)
	if gw != nil {
		go func() { errs <- gw.Start(ctx) }()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("operator api exited with error", slog.String("error", err.Error()))
		}
	}

	if gw != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := gw.Stop(shutdownCtx); err != nil {
			logger.Error("stopping operator api", slog.String("error", err.Error()))
		}
	}
	return nil
}

// newGateway returns nil when the operator API is disabled.
func newGateway(app *App) gateway.Gateway {
	h := app.Config.HTTP
	if h == nil || !h.Enabled {
		return nil
	}
	gcfg := httpapi.Config{
		ListenAddr:    h.Addr(),
		EnableDocs:    h.EnableDocs,
		APIKeys:       h.APIKeys,
		HealthChecker: app.Obs.Health,
	}
	if m := app.Obs.MetricsOrNil(); m != nil {
		gcfg.Metrics = m
		gcfg.MetricsRegistry = m.Registry
		gcfg.MetricsPath = app.Config.Observability.Metrics.MetricsPath()
	}
	if t := app.Obs.TracerOrNil(); t != nil {
		gcfg.Tracer = t.Tracer()
	}
	if len(h.APIKeys) == 0 {
		app.Logger.Warn("operator api has no api_keys; every caller is anonymous")
	}
	// 60 requests a minute per operator.
	rl := ratelimit.New(ratelimit.Rule{PerMinute: 60, Burst: 10}, nil)
	return httpapi.NewGateway(gcfg, app.Scheduler, rl, app.Logger).WithBalances(app.Budget)
}
