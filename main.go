// FleetPulse: fleet health monitoring & incident correlation backend.
// Author: vesaa | License: MIT | https://github.com/vesaa/fleetpulse
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

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vesaa/fleetpulse/internal/agent"
	"github.com/vesaa/fleetpulse/internal/agentlock"
	"github.com/vesaa/fleetpulse/internal/alerting"
	"github.com/vesaa/fleetpulse/internal/audit"
	"github.com/vesaa/fleetpulse/internal/config"
	"github.com/vesaa/fleetpulse/internal/health"
	"github.com/vesaa/fleetpulse/internal/ingest"
	"github.com/vesaa/fleetpulse/internal/logging"
	"github.com/vesaa/fleetpulse/internal/models"
	"github.com/vesaa/fleetpulse/internal/notify"
	"github.com/vesaa/fleetpulse/internal/server"
	"github.com/vesaa/fleetpulse/internal/slo"
	"github.com/vesaa/fleetpulse/internal/store"
	"github.com/vesaa/fleetpulse/internal/sweep"
	"github.com/vesaa/fleetpulse/internal/telemetry"
)

const asciiLogo = `
  ███████╗██╗     ███████╗███████╗████████╗██████╗ ██╗   ██╗██╗     ███████╗███████╗
  ██╔════╝██║     ██╔════╝██╔════╝╚══██╔══╝██╔══██╗██║   ██║██║     ██╔════╝██╔════╝
  █████╗  ██║     █████╗  █████╗     ██║   ██████╔╝██║   ██║██║     ███████╗█████╗
  ██╔══╝  ██║     ██╔══╝  ██╔══╝     ██║   ██╔═══╝ ██║   ██║██║     ╚════██║██╔══╝
  ██║     ███████╗███████╗███████╗   ██║   ██║     ╚██████╔╝███████╗███████║███████╗
  ╚═╝     ╚══════╝╚══════╝╚══════╝   ╚═╝   ╚═╝      ╚═════╝ ╚══════╝╚══════╝╚══════╝
`

const version = "v0.1.0"

func printBanner(mode string) {
	fmt.Print(asciiLogo, "\n")
	fmt.Printf("  ► FleetPulse %s  |  Author: vesaa  |  Mode: %s\n\n", version, mode)
}

func main() {
	root := &cobra.Command{
		Use:   "fleetpulse",
		Short: "FleetPulse: fleet health monitoring & incident correlation",
		Long: `FleetPulse is a single-binary monitoring backend: agents send heartbeats,
the server scores their health, raises threshold and offline alerts, and
groups alerts into incidents.`,
		SilenceUsage: true,
	}

	// ── server subcommand ─────────────────────────────────────────────────────
	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Start the FleetPulse server (dual-port: 7070 control + 7071 data)",
		RunE: func(cmd *cobra.Command, args []string) error {
			printBanner("SERVER")

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, log)
		},
	}

	// ── agent subcommand ──────────────────────────────────────────────────────
	agentCmd := &cobra.Command{
		Use:   "agent",
		Short: "Start the FleetPulse agent on this host",
		RunE: func(cmd *cobra.Command, args []string) error {
			printBanner("AGENT")

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			// CLI flags override config values.
			if join, _ := cmd.Flags().GetString("join"); join != "" {
				if !containsPort(join) {
					join = fmt.Sprintf("%s:%d", join, cfg.DataPort)
				}
				cfg.AgentJoinAddr = join
			}
			if token, _ := cmd.Flags().GetString("token"); token != "" {
				cfg.AgentOutboundToken = token
			}
			if name, _ := cmd.Flags().GetString("name"); name != "" {
				cfg.AgentName = name
			}
			if env, _ := cmd.Flags().GetString("env"); env != "" {
				cfg.AgentEnvironment = env
			}

			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			fmt.Printf("  ✓ Joining server:  %s\n", cfg.AgentJoinAddr)
			fmt.Printf("  ✓ Report interval: %ds\n\n", cfg.AgentInterval)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return agent.Run(ctx, cfg, log)
		},
	}
	agentCmd.Flags().String("join", "", "Data-plane address, e.g. 10.0.0.5 or 10.0.0.5:7071")
	agentCmd.Flags().String("token", "", "Agent token, or the shared agent key with --name (overrides config)")
	agentCmd.Flags().String("name", "", "Report by name through the shared-key endpoint")
	agentCmd.Flags().String("env", "", "Environment label sent as metadata")

	// ── version subcommand ────────────────────────────────────────────────────
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print FleetPulse version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("FleetPulse %s  |  Author: vesaa\n", version)
		},
	}

	root.AddCommand(serverCmd, agentCmd, versionCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	log, err := logging.New(logging.Options{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	return log, nil
}

// runServer wires every component, serves both planes and blocks until ctx
// is cancelled or a listener fails.
func runServer(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	st, err := store.Open(store.Options{Driver: cfg.DBDriver, Path: cfg.DBPath, DSN: cfg.DBDSN}, log)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer func() { _ = st.Close() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.New(reg)

	var pub notify.Publisher = notify.Nop{}
	if cfg.RedisAddr != "" {
		r := notify.NewRedis(notify.RedisOptions{
			Addr:          cfg.RedisAddr,
			Password:      cfg.RedisPassword,
			DB:            cfg.RedisDB,
			ChannelPrefix: cfg.RedisChannelPrefix,
		}, log, metrics)
		defer func() { _ = r.Close() }()
		pub = r
	}

	thresholds := health.ThresholdsFromDurations(cfg.HealthDelayedAfter, cfg.HealthSuspectAfter, cfg.HealthOfflineAfter)
	locker := agentlock.New()
	rec := audit.NewRecorder(st, log, nil)
	corr := alerting.NewCorrelator(st, cfg.CorrelateByType, log, metrics, nil)
	checker := alerting.NewChecker(st, corr, log, metrics, nil)
	manager := alerting.NewManager(st, corr, rec, log, metrics, nil)

	ingester := ingest.NewService(st, checker, locker, pub, rec, log, metrics, ingest.Options{
		CPUThreshold:      cfg.CPUThreshold,
		MemoryThreshold:   cfg.MemoryThreshold,
		ThresholdSeverity: models.Severity(cfg.ThresholdSeverity),
		Health:            thresholds,
	})

	sweeper := sweep.NewSweeper(st, checker, locker, pub, log, metrics, sweep.Options{
		ExpectedInterval: cfg.HeartbeatInterval,
		OfflineSeverity:  models.Severity(cfg.OfflineSeverity),
		Health:           thresholds,
	})
	janitor := sweep.NewJanitor(st, cfg.MetricRetention, cfg.AlertRetention, log, nil)
	scheduler := sweep.NewScheduler(sweeper, janitor, cfg.SweepInterval, cfg.RetentionInterval, log)

	auth, err := server.NewAuth(cfg.JWTSecret, cfg.JWTTTL, cfg.AdminUser, cfg.AdminPass, cfg.AgentToken)
	if err != nil {
		return err
	}
	srv := server.New(server.Deps{
		Store:              st,
		Ingest:             ingester,
		Alerts:             manager,
		SLO:                slo.NewService(st, nil),
		Auth:               auth,
		Gatherer:           reg,
		Log:                log,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		RateLimitBurst:     cfg.RateLimitBurst,
	})

	gin.SetMode(gin.ReleaseMode)
	ctrlAddr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ControlPort)
	dataAddr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.DataPort)
	ctrlSrv := &http.Server{Addr: ctrlAddr, Handler: srv.ControlEngine(), ReadHeaderTimeout: 10 * time.Second}
	dataSrv := &http.Server{Addr: dataAddr, Handler: srv.DataEngine(), ReadHeaderTimeout: 10 * time.Second}

	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()

	fmt.Printf("  ✓ Control plane (JWT API + /metrics) → http://%s\n", ctrlAddr)
	fmt.Printf("  ✓ Data    plane (agent heartbeats)  → http://%s\n", dataAddr)
	fmt.Printf("  ✓ Sweep every %s, agents expected every %s\n\n", cfg.SweepInterval, cfg.HeartbeatInterval)
	if cfg.AdminPass == "admin" {
		log.Warn("default admin password in use; set admin_pass or PULSE_ADMIN_PASS")
	}

	// Run both servers concurrently; shut down gracefully on SIGINT/SIGTERM.
	errCh := make(chan error, 2)
	go func() { errCh <- ctrlSrv.ListenAndServe() }()
	go func() { errCh <- dataSrv.ListenAndServe() }()

	var runErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	case <-ctx.Done():
		fmt.Println("\n  → Shutting down gracefully…")
	}

	scheduler.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = ctrlSrv.Shutdown(shutdownCtx)
	_ = dataSrv.Shutdown(shutdownCtx)
	return runErr
}

// containsPort checks whether addr already has a port suffix.
func containsPort(addr string) bool {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return true
		}
		if addr[i] == '/' {
			break
		}
	}
	return false
}
