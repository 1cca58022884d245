package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"garage-erm/internal/api"
	"garage-erm/internal/approval"
	"garage-erm/internal/audit"
	"garage-erm/internal/camera"
	"garage-erm/internal/config"
	"garage-erm/internal/dedup"
	"garage-erm/internal/ingest"
	"garage-erm/internal/logging"
	"garage-erm/internal/store"
)

var (
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "garage-erm",
	Short: "Garage ERM - vehicle entry recording and monitoring service",
	Long: `The entry recording core for a parking garage: ingests camera plate
detections and manual entries, tracks each vehicle's lifecycle from entry
to exit, runs the client approval workflow, and monitors camera health.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger := logging.Initialize(cfg.LogLevel)
	if err := logging.SetupFileLogging(logger, cfg.LogFile); err != nil {
		return fmt.Errorf("failed to set up file logging: %w", err)
	}

	logger.WithField("database_driver", cfg.DatabaseDriver).Info("Garage ERM starting up")

	db, err := store.Open(store.Config{
		Driver: store.Driver(cfg.DatabaseDriver),
		DSN:    cfg.DatabaseDSN,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer db.Close()

	var gate dedup.Gate
	if cfg.DedupBackend == "redis" {
		redisGate, err := dedup.NewRedisGate(cfg.Redis, cfg.DedupWindow)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer redisGate.Close()
		gate = redisGate
		logger.WithField("addr", cfg.Redis.Addr).Info("Using redis dedup gate")
	} else {
		gate = dedup.NewMemoryGate(cfg.DedupWindow)
	}

	recorder := audit.NewRecorder(db, logger)

	var notifier approval.Notifier = approval.NoopNotifier{}
	if cfg.NotifyWebhookURL != "" {
		notifier = approval.NewWebhookNotifier(cfg.NotifyWebhookURL, cfg.NotifyWebhookToken)
	}

	approvals := approval.NewManager(db, notifier, recorder, approval.Config{
		Timeout:       cfg.ApprovalTimeout,
		SweepInterval: cfg.ApprovalSweepInterval,
	}, logger)

	ingestSvc := ingest.NewService(db, gate, approvals, recorder, ingest.Config{
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		Capacity:            cfg.Capacity,
		OpenHour:            cfg.OpenHour,
		CloseHour:           cfg.CloseHour,
	}, logger)

	cameras := camera.NewService(db, recorder, logger)

	monitor := camera.NewMonitor(db, camera.MonitorConfig{
		Interval:         cfg.MonitorInterval,
		OfflineThreshold: cfg.OfflineThreshold,
		AlertWindow:      cfg.AlertDedupWindow,
	}, logger)

	hub := api.NewHub(logger)

	// Off-request state changes still reach the live feed.
	approvals.OnResolved = func(a *store.ApprovalRequest, _ *store.VehicleEntry) {
		hub.Publish(api.EventApprovalResolved, map[string]interface{}{
			"approvalId": a.ID,
			"entryId":    a.EntryID,
			"status":     string(a.Status),
		})
	}
	cameras.OnRecovered = func(cam *store.CameraRecord) {
		hub.Publish(api.EventCameraOnline, map[string]interface{}{
			"cameraId": cam.ID,
			"name":     cam.Name,
		})
	}
	monitor.OnOffline = func(cam *store.CameraRecord, alert *store.Alert) {
		hub.Publish(api.EventCameraOffline, map[string]interface{}{
			"cameraId": cam.ID,
			"name":     cam.Name,
		})
	}

	server := api.NewServer(cfg, logger, ingestSvc, approvals, cameras, db, hub)

	if err := approvals.Start(); err != nil {
		return fmt.Errorf("failed to start approval sweeper: %w", err)
	}
	defer approvals.Stop()

	if err := monitor.Start(); err != nil {
		return fmt.Errorf("failed to start camera monitor: %w", err)
	}
	defer monitor.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.WithField("signal", sig.String()).Info("Shutdown signal received")
		cancel()
	}()

	return server.Start(ctx)
}
