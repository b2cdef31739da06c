// Command fhpepd runs the FHPEP orchestrator as a background daemon:
// the 5-minute feature-store cycle, the outbox drain loop, and the
// read-only query API, all sharing one Postgres pool: a PID file,
// signal-aware loop, startup log line.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/minerwatch/fhpep/config"
	"github.com/minerwatch/fhpep/dispatch"
	"github.com/minerwatch/fhpep/engine"
	"github.com/minerwatch/fhpep/httpapi"
	"github.com/minerwatch/fhpep/storage"
	"github.com/minerwatch/fhpep/telemetry"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("fhpepd: %v", err)
	}
}

func run() error {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to storage: %w", err)
	}
	defer store.Close()

	engine.SetRaceDetector(storage.IsUniqueViolation)

	pidPath := filepath.Join(os.TempDir(), "fhpepd.pid")
	if err := os.WriteFile(pidPath, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o600); err == nil {
		defer os.Remove(pidPath)
	}

	holderID := fmt.Sprintf("fhpepd-%d@%s", os.Getpid(), hostname())

	baseline := engine.NewBaselineService(store, cfg.EWMASpan)
	mode := engine.NewModeInferer()
	fleet := engine.NewFleetBaseliner(time.Duration(cfg.FleetCacheTTLSeconds) * time.Second)
	rules := engine.NewRulesEngine(cfg.SoftRuleMinSamples)
	events := engine.NewEventEngine(store, engine.EventTuning{
		DebounceThreshold: cfg.DebounceThreshold,
		ResolveThreshold:  cfg.ResolveThreshold,
		CooldownHours:     cfg.CooldownHours,
		EvidenceMax:       cfg.EvidenceMax,
	})
	policy := engine.NewPolicyEngine(store, engine.PolicyTuning{
		MaxNotifications:    cfg.MaxNotificationsPerCycle,
		MaxTickets:          cfg.MaxTicketsPerCycle,
		P2DurationGateMins:  cfg.P2DurationGateMinutes,
		P2PFailTicketThresh: cfg.P2PFailTicketThreshold,
	})
	if cfg.FallbackLog != "" {
		policy.SetFallbackLog(storage.NewFallbackLog(cfg.FallbackLog))
	}
	ml := engine.NewWeakSupervisor(store, store, cfg.ModelBlobDir)

	var source telemetry.Source
	if cfg.TelemetryEndpoint != "" {
		httpSrc, err := telemetry.NewHTTPSource(cfg.TelemetryEndpoint, 10*time.Second)
		if err != nil {
			return fmt.Errorf("telemetry source: %w", err)
		}
		source = httpSrc
	} else {
		source = telemetry.NewStaticSource(nil)
		log.Printf("fhpepd: no telemetry_endpoint configured, running with an empty static source")
	}

	orch := engine.NewOrchestrator(engine.OrchestratorConfig{
		Store: store, Source: source, Baseline: baseline, Mode: mode, Fleet: fleet,
		Rules: rules, Events: events, Policy: policy, ML: ml,
		HolderID: holderID, LeaseSeconds: cfg.SchedulerLockTimeoutSeconds,
	})

	notifier := dispatch.NewNotifier(dispatch.DestinationFromConfig(cfg), store)
	go notifier.Run(ctx, 30*time.Second)

	srv := httpapi.NewServer(events, fleet)
	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: srv}
	go func() {
		log.Printf("fhpepd: query API listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("fhpepd: http server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("fhpepd: shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
		cancel()
	}()

	orch.Run(ctx, 5*time.Minute)
	return nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
