package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tellemthatsme/ai-empire-monitoring-suite/internal/config"
	"github.com/tellemthatsme/ai-empire-monitoring-suite/internal/endpoint"
	"github.com/tellemthatsme/ai-empire-monitoring-suite/internal/memory"
	"github.com/tellemthatsme/ai-empire-monitoring-suite/internal/monitor"
	"github.com/tellemthatsme/ai-empire-monitoring-suite/internal/orchestrator"
	"github.com/tellemthatsme/ai-empire-monitoring-suite/internal/registry"
	"github.com/tellemthatsme/ai-empire-monitoring-suite/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the coordination core: API server, orchestrator, and monitor",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "HTTP server port (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

// parseAPIKeys returns key -> caller from EMPIRE_API_KEYS (comma-separated;
// each entry key or key:caller).
func parseAPIKeys(env string) map[string]string {
	m := make(map[string]string)
	if env == "" {
		return m
	}
	for _, part := range strings.Split(env, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		caller := "default"
		if idx := strings.Index(part, ":"); idx > 0 {
			caller = strings.TrimSpace(part[idx+1:])
			part = strings.TrimSpace(part[:idx])
		}
		m[part] = caller
	}
	return m
}

// parseWorkers parses the built-in worker spec "id:cap[+cap],id:cap".
func parseWorkers(spec string) (map[string][]string, error) {
	workers := make(map[string][]string)
	if spec == "" {
		return workers, nil
	}
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idx := strings.Index(part, ":")
		if idx <= 0 || idx == len(part)-1 {
			return nil, fmt.Errorf("worker spec %q: want id:capability[+capability]", part)
		}
		id := part[:idx]
		var caps []string
		for _, c := range strings.Split(part[idx+1:], "+") {
			if c = strings.TrimSpace(c); c != "" {
				caps = append(caps, c)
			}
		}
		if len(caps) == 0 {
			return nil, fmt.Errorf("worker spec %q: no capabilities", part)
		}
		workers[id] = caps
	}
	return workers, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	if servePort > 0 {
		cfg.Port = servePort
	}

	store, err := memory.Open(cfg.MemoryDBPath())
	if err != nil {
		return fmt.Errorf("opening memory store: %w", err)
	}
	defer store.Close()

	stopPurge := memory.StartPurgeLoop(ctx, store, time.Hour)
	defer stopPurge()

	reg := registry.New(store, cfg.HeartbeatTimeout)
	reg.EnableSessions(cfg.SessionTTL)
	pool := endpoint.NewPool(store, cfg.FailureThreshold)

	catalog, err := endpoint.LoadCatalog(cfg.EndpointCatalog)
	switch {
	case err == nil:
		for _, provider := range catalog.Providers() {
			if admitErr := pool.Admit(ctx, provider); admitErr != nil {
				log.Warn().Err(admitErr).Str("endpoint_id", provider.Describe().ID).Msg("endpoint_rejected")
			}
		}
	case errors.Is(err, os.ErrNotExist):
		log.Warn().Str("path", cfg.EndpointCatalog).Msg("endpoint_catalog_missing")
	default:
		return fmt.Errorf("loading endpoint catalog: %w", err)
	}

	orch := orchestrator.New(store, reg, nil, orchestrator.Config{
		ScheduleInterval:   cfg.ScheduleInterval,
		AssignLimit:        cfg.AssignLimit,
		DefaultMaxAttempts: cfg.MaxAttempts,
		BackoffBase:        cfg.BackoffBase,
		BackoffCap:         cfg.BackoffCap,
	})
	go orch.Run(ctx)

	// Built-in workers run the endpoint executor in-process; external agent
	// processes use the same interface over HTTP.
	workers, err := parseWorkers(cfg.Workers)
	if err != nil {
		return err
	}
	executor := orchestrator.NewEndpointExecutor(pool)
	for id, caps := range workers {
		worker := orchestrator.NewWorker(orch, executor, id, caps)
		go func() {
			if err := worker.Run(ctx); err != nil {
				log.Error().Err(err).Str("agent_id", worker.ID).Msg("worker_failed")
			}
		}()
	}

	mon := monitor.New(store, reg, pool, orch, monitor.Config{
		Interval:      cfg.MonitorInterval,
		AlertScore:    cfg.AlertScore,
		DegradedScore: cfg.DegradedScore,
		AssignLimit:   cfg.AssignLimit,
	})
	if err := mon.Start(ctx); err != nil {
		return fmt.Errorf("starting monitor: %w", err)
	}
	defer mon.Stop()

	apiKeys := parseAPIKeys(os.Getenv("EMPIRE_API_KEYS"))
	if len(apiKeys) == 0 {
		log.Warn().Msg("EMPIRE_API_KEYS not set — API endpoints are unauthenticated")
	}

	srv := server.NewServer(orch, reg, mon, store,
		server.WithAPIKeys(apiKeys),
		server.WithCORSOrigins([]string{"*"}),
	)

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Int("workers", len(workers)).
		Dur("monitor_interval", cfg.MonitorInterval).
		Msg("empire_serve_started")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server_stopped")
	return nil
}
