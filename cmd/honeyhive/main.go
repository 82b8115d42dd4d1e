package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/0tSystemsPublicRepos/honeyhive/internal/api"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/catalog"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/config"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/database"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/detection"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/engine"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/eventlog"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/logging"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/metrics"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/notifications"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/session"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/store"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/supervisor"
)

var version = "dev"

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "honeyhive",
		Short: "honeyhive - decoy network service supervisor",
		Long: `honeyhive runs decoy FTP, Telnet, MySQL, phpMyAdmin and SSH services
and records everything attackers send them.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (json, yaml or toml)")

	rootCmd.AddCommand(
		&cobra.Command{Use: "serve", Short: "Run the supervisor and management API", RunE: serve},
		&cobra.Command{
			Use:   "version",
			Short: "Show version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("honeyhive %s\n", version)
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := config.EnsureDirs(cfg); err != nil {
		return err
	}
	if err := logging.Init(cfg.System.LogDir, &cfg.Logging.Rotation, cfg.System.LogLevel, cfg.System.Debug); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logging.Close()
	logging.Info("[MAIN] honeyhive %s starting", version)

	db, err := database.InitializeDatabase(&database.SQLiteConfig{Path: cfg.DatabasePath()})
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer db.Close()

	cat := catalog.Default()
	configs, err := store.Open(cfg.ConfigsFile(), cat)
	if err != nil {
		return err
	}

	alerts := notifications.NewManager(cfg)
	defer alerts.Wait()

	logOpts := eventlog.Options{
		Rotation:   &cfg.Logging.Rotation,
		Index:      db,
		Alerts:     alerts,
		Classifier: detection.NewDetectionEngine(),
	}
	supOpts := supervisor.Options{
		BindAddress: cfg.Supervisor.BindAddress,
		GracePeriod: cfg.Supervisor.GraceDuration(),
		Env: session.Env{
			SessionTimeout: cfg.Supervisor.SessionTimeoutDuration(),
			DataDir:        cfg.System.DataDir,
		},
		Registry: db,
		Index:    db,
	}
	apiOpts := api.Options{
		TokenHeader: cfg.API.Authentication.TokenHeader,
		Health: func() map[string]interface{} {
			return map[string]interface{}{
				"version":       version,
				"database":      db.Ping() == nil,
				"notifications": alerts.GetProviderStatus(),
			}
		},
	}
	if cfg.API.Authentication.Enabled {
		if cfg.API.Authentication.Token == "" {
			return fmt.Errorf("api authentication enabled but no token configured")
		}
		apiOpts.Token = cfg.API.Authentication.Token
	}
	if cfg.Metrics.Enabled {
		m := metrics.New()
		logOpts.Observer = m
		supOpts.Metrics = m
		apiOpts.Metrics = m
		apiOpts.MetricsHandler = m.Handler()
		apiOpts.MetricsPath = cfg.Metrics.Path
	}

	logs := eventlog.NewManager(cfg.System.InstanceLogDir, logOpts)
	sup := supervisor.New(configs, cat, engine.Default(), logs, supOpts)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resumed, err := sup.Restore(ctx, cfg.Supervisor.ResumeOnBoot)
	if err != nil {
		logging.Error("[MAIN] Failed to restore running registry: %v", err)
	} else if len(resumed) > 0 {
		logging.Info("[MAIN] Resumed %d instances: %v", len(resumed), resumed)
	}
	go sup.RunReconciler(ctx, cfg.Supervisor.ReconcileDuration())

	server := api.NewAPIServer(cfg.API.ListenAddr, sup, apiOpts)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		logging.Info("[MAIN] Shutting down")
	case err = <-errCh:
		if err != nil {
			logging.Error("[MAIN] API server failed: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Supervisor.GraceDuration()+10*time.Second)
	defer cancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		logging.Warn("[MAIN] API shutdown: %v", serr)
	}
	if serr := sup.Shutdown(shutdownCtx); serr != nil {
		logging.Warn("[MAIN] Supervisor shutdown: %v", serr)
	}
	return err
}
