// Command fhpepctl is the operator CLI for FHPEP: replay a recorded
// telemetry batch through the pipeline, query events/health over the
// query API, and suppress/unsuppress miners.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/minerwatch/fhpep/config"
	"github.com/minerwatch/fhpep/engine"
	"github.com/minerwatch/fhpep/storage"
	"github.com/minerwatch/fhpep/telemetry"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `fhpepctl — FHPEP operator CLI

Usage:
  fhpepctl <command> [OPTIONS]

Commands:
  replay -file FILE       Run recorded telemetry batches through one orchestrator cycle per line
  record -file FILE       Poll a live telemetry endpoint and append each batch as a line to FILE
  events [-site N] [-status S]   List active problem events via the query API
  health MINER_ID         Print the health rollup for one miner
  suppress MINER_ID       Suppress a miner (use -minutes or -maintenance)
  unsuppress MINER_ID     Clear a miner's suppression
  config-init             Write a default config file to the standard config path

Flags of events, health, suppress and unsuppress (given after the command):
  -api URL   Query API base URL (default http://127.0.0.1:8090)
`)
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "replay":
		err = runReplay(args)
	case "record":
		err = runRecord(args)
	case "events":
		err = runEvents(args)
	case "health":
		err = runHealth(args)
	case "suppress":
		err = runSuppress(args, true)
	case "unsuppress":
		err = runSuppress(args, false)
	case "config-init":
		err = runConfigInit(args)
	case "-h", "--help", "help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "fhpepctl: unknown command %q\n", cmd)
		printUsage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "fhpepctl: %v\n", err)
		os.Exit(1)
	}
}

func runReplay(args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	file := fs.String("file", "", "recorded NDJSON telemetry file (one batch per line)")
	dbURL := fs.String("db", "", "database URL (defaults to config/env)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("replay requires -file")
	}

	batches, err := telemetry.LoadReplayFile(*file)
	if err != nil {
		return fmt.Errorf("load replay file: %w", err)
	}

	cfg := config.Load()
	if *dbURL != "" {
		cfg.DatabaseURL = *dbURL
	}

	ctx := context.Background()
	store, err := storage.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to storage: %w", err)
	}
	defer store.Close()
	engine.SetRaceDetector(storage.IsUniqueViolation)

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
	ml := engine.NewWeakSupervisor(store, store, cfg.ModelBlobDir)
	source := telemetry.NewStaticSource(nil)

	orch := engine.NewOrchestrator(engine.OrchestratorConfig{
		Store: store, Source: source, Baseline: baseline, Mode: mode, Fleet: fleet,
		Rules: rules, Events: events, Policy: policy, ML: ml,
		HolderID: "fhpepctl-replay", LeaseSeconds: cfg.SchedulerLockTimeoutSeconds,
	})

	for i, batch := range batches {
		source.Set(batch)
		summary, err := orch.RunCycle(ctx)
		if err != nil {
			return fmt.Errorf("cycle %d: %w", i, err)
		}
		fmt.Printf("cycle %d: miners=%d detections=%d healthy=%d notifications=%d tickets=%d\n",
			i, summary.MinersSeen, summary.Detections, summary.Healthy,
			summary.Dispatch.NotificationsSent, summary.Dispatch.TicketsSent)
	}
	return nil
}

// runRecord polls a live telemetry endpoint on an interval and appends each
// fetched batch as one NDJSON line, producing a file `replay` can later
// step through one cycle at a time.
func runRecord(args []string) error {
	fs := flag.NewFlagSet("record", flag.ExitOnError)
	endpoint := fs.String("endpoint", "", "telemetry HTTP source URL (defaults to config's telemetry_endpoint)")
	file := fs.String("file", "", "NDJSON file to append recorded batches to")
	interval := fs.Duration("interval", 5*time.Minute, "poll interval between recorded batches")
	count := fs.Int("count", 0, "number of batches to record before stopping (0 = run until interrupted)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("record requires -file")
	}

	cfg := config.Load()
	ep := *endpoint
	if ep == "" {
		ep = cfg.TelemetryEndpoint
	}
	if ep == "" {
		return fmt.Errorf("record requires -endpoint or a configured telemetry_endpoint")
	}

	source, err := telemetry.NewHTTPSource(ep, 10*time.Second)
	if err != nil {
		return fmt.Errorf("telemetry source: %w", err)
	}
	writer, err := telemetry.NewRecordWriter(*file)
	if err != nil {
		return err
	}
	defer writer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for i := 0; *count == 0 || i < *count; i++ {
		batch, err := source.FetchLive(ctx)
		if err != nil {
			return fmt.Errorf("fetch batch %d: %w", i, err)
		}
		if err := writer.Write(batch); err != nil {
			return fmt.Errorf("write batch %d: %w", i, err)
		}
		fmt.Printf("recorded batch %d: %d records\n", i, len(batch))

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

func apiBase(fs *flag.FlagSet) *string {
	return fs.String("api", "http://127.0.0.1:8090", "query API base URL")
}

func runEvents(args []string) error {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	api := apiBase(fs)
	site := fs.String("site", "", "filter by site_id")
	status := fs.String("status", "", "filter by status")
	if err := fs.Parse(args); err != nil {
		return err
	}
	url := *api + "/events?"
	if *site != "" {
		url += "site_id=" + *site + "&"
	}
	if *status != "" {
		url += "status=" + *status
	}
	return getAndPrint(url)
}

func runHealth(args []string) error {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	api := apiBase(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("health requires MINER_ID")
	}
	return getAndPrint(*api + "/health/" + fs.Arg(0))
}

func runSuppress(args []string, suppress bool) error {
	name := "suppress"
	if !suppress {
		name = "unsuppress"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	api := apiBase(fs)
	minutes := fs.Int("minutes", 0, "suppress for N minutes (suppress only)")
	maintenance := fs.Bool("maintenance", false, "indefinite maintenance suppression (suppress only)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("%s requires MINER_ID", name)
	}
	minerID := fs.Arg(0)

	url := *api + "/" + name + "/" + minerID
	var body io.Reader
	if suppress {
		payload, _ := json.Marshal(map[string]any{"until_minutes": *minutes, "maintenance": *maintenance})
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(http.MethodPost, url, body)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s failed: %s: %s", name, resp.Status, string(b))
	}
	fmt.Printf("%s: ok\n", minerID)
	return nil
}

func runConfigInit(args []string) error {
	fs := flag.NewFlagSet("config-init", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := config.Save(config.Default()); err != nil {
		return err
	}
	fmt.Printf("wrote default config to %s\n", config.Path())
	return nil
}

func getAndPrint(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("request failed: %s: %s", resp.Status, string(b))
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, b, "", "  "); err != nil {
		fmt.Println(string(b))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}
