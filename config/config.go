package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/minerwatch/fhpep/util"
)

// Config holds every tunable named in §6.4. Field names mirror the
// environment variables that can override them after a file is loaded.
type Config struct {
	DebounceThreshold int `json:"debounce_threshold"`
	ResolveThreshold  int `json:"resolve_threshold"`
	CooldownHours     int `json:"cooldown_hours"`
	// EvidenceMax is passed into engine.EventTuning but does not change the
	// evidence bound, which is the model.EvidenceMax constant (100).
	EvidenceMax int `json:"evidence_max"`

	EWMASpan            int `json:"ewma_span"`
	SoftRuleMinSamples  int `json:"soft_rule_min_samples"`

	FleetCacheTTLSeconds int `json:"fleet_cache_ttl_seconds"`

	MaxNotificationsPerCycle int     `json:"max_notifications_per_cycle"`
	MaxTicketsPerCycle       int     `json:"max_tickets_per_cycle"`
	P2DurationGateMinutes    int     `json:"p2_duration_gate_minutes"`
	P2PFailTicketThreshold   float64 `json:"p2_pfail_ticket_threshold"`

	// MinTrainSamples and MinPositiveLabels are loaded but not read by the
	// engine: NewWeakSupervisor fixes its training gate at 50 samples and 5
	// positive labels.
	MinTrainSamples    int `json:"min_train_samples"`
	MinPositiveLabels  int `json:"min_positive_labels"`

	SchedulerLockTimeoutSeconds int `json:"scheduler_lock_timeout_seconds"`
	// HeartbeatIntervalSeconds is loaded but not read by the engine: the
	// orchestrator's heartbeat renews the lock every third of the lease.
	HeartbeatIntervalSeconds int `json:"heartbeat_interval_seconds"`

	DatabaseURL string `json:"database_url"`
	ListenAddr  string `json:"listen_addr"`
	FallbackLog string `json:"fallback_log"`

	// Dispatch destinations for outbox notifications (§4.6 output channel;
	// AlertConfig has no upstream equivalent, so these are
	// simply carried forward as the ambient notification stack).
	Webhook          string `json:"webhook"`
	Command          string `json:"command"`
	Email            string `json:"email"`
	SlackWebhook     string `json:"slack_webhook"`
	TelegramBotToken string `json:"telegram_bot_token"`
	TelegramChatID   string `json:"telegram_chat_id"`

	ModelBlobDir    string `json:"model_blob_dir"`
	TelemetryEndpoint string `json:"telemetry_endpoint"`
}

// Default returns the §6.4 defaults.
func Default() Config {
	return Config{
		DebounceThreshold:           2,
		ResolveThreshold:            3,
		CooldownHours:               24,
		EvidenceMax:                 100,
		EWMASpan:                    12,
		SoftRuleMinSamples:          6,
		FleetCacheTTLSeconds:        300,
		MaxNotificationsPerCycle:    20,
		MaxTicketsPerCycle:          5,
		P2DurationGateMinutes:       30,
		P2PFailTicketThreshold:      0.5,
		MinTrainSamples:             50,
		MinPositiveLabels:           5,
		SchedulerLockTimeoutSeconds: 300,
		HeartbeatIntervalSeconds:    60,
		DatabaseURL:                 "postgres://localhost:5432/fhpep",
		ListenAddr:                  "127.0.0.1:8090",
		FallbackLog:                 "fallback_outbox.jsonl",
		ModelBlobDir:                "models",
	}
}

// Path returns $XDG_CONFIG_HOME/fhpep/config.json (or ~/.config/fhpep/...).
// Returns empty string if a home directory cannot be determined.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "fhpep", "config.json")
}

// Load loads config from disk, falling back to defaults on any error, then
// applies environment-variable overrides (§6.4 names these as first-class
// config surface, unlike a file-only layer).
func Load() Config {
	cfg := Default()
	if p := Path(); p != "" {
		if data, err := os.ReadFile(p); err == nil {
			if err := json.Unmarshal(data, &cfg); err != nil {
				log.Printf("fhpep: warning: config parse error: %v", err)
			}
		}
	}
	applyEnvOverrides(&cfg)
	return cfg
}

func applyEnvOverrides(cfg *Config) {
	cfg.DebounceThreshold = envInt("DEBOUNCE_THRESHOLD", cfg.DebounceThreshold)
	cfg.ResolveThreshold = envInt("RESOLVE_THRESHOLD", cfg.ResolveThreshold)
	cfg.CooldownHours = envInt("COOLDOWN_HOURS", cfg.CooldownHours)
	cfg.EvidenceMax = envInt("EVIDENCE_MAX", cfg.EvidenceMax)
	cfg.EWMASpan = envInt("EWMA_SPAN", cfg.EWMASpan)
	cfg.SoftRuleMinSamples = envInt("SOFT_RULE_MIN_SAMPLES", cfg.SoftRuleMinSamples)
	cfg.FleetCacheTTLSeconds = envInt("FLEET_CACHE_TTL_SECONDS", cfg.FleetCacheTTLSeconds)
	cfg.MaxNotificationsPerCycle = envInt("MAX_NOTIFICATIONS_PER_CYCLE", cfg.MaxNotificationsPerCycle)
	cfg.MaxTicketsPerCycle = envInt("MAX_TICKETS_PER_CYCLE", cfg.MaxTicketsPerCycle)
	cfg.P2DurationGateMinutes = envInt("P2_DURATION_GATE_MINUTES", cfg.P2DurationGateMinutes)
	cfg.P2PFailTicketThreshold = envFloat("P2_PFAIL_TICKET_THRESHOLD", cfg.P2PFailTicketThreshold)
	cfg.MinTrainSamples = envInt("MIN_TRAIN_SAMPLES", cfg.MinTrainSamples)
	cfg.MinPositiveLabels = envInt("MIN_POSITIVE_LABELS", cfg.MinPositiveLabels)
	cfg.SchedulerLockTimeoutSeconds = envInt("SCHEDULER_LOCK_TIMEOUT_SECONDS", cfg.SchedulerLockTimeoutSeconds)
	cfg.HeartbeatIntervalSeconds = envInt("HEARTBEAT_INTERVAL_SECONDS", cfg.HeartbeatIntervalSeconds)
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("WEBHOOK"); v != "" {
		cfg.Webhook = v
	}
	if v := os.Getenv("ALERT_COMMAND"); v != "" {
		cfg.Command = v
	}
	if v := os.Getenv("ALERT_EMAIL"); v != "" {
		cfg.Email = v
	}
	if v := os.Getenv("SLACK_WEBHOOK"); v != "" {
		cfg.SlackWebhook = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.TelegramBotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.TelegramChatID = v
	}
	if v := os.Getenv("MODEL_BLOB_DIR"); v != "" {
		cfg.ModelBlobDir = v
	}
	if v := os.Getenv("TELEMETRY_ENDPOINT"); v != "" {
		cfg.TelemetryEndpoint = v
	}
}

func envInt(name string, fallback int) int {
	return util.ParseInt(os.Getenv(name), fallback)
}

func envFloat(name string, fallback float64) float64 {
	return util.ParseFloat64(os.Getenv(name), fallback)
}

// Save writes the config to disk (operator convenience; not on the hot path).
func Save(cfg Config) error {
	path := Path()
	if path == "" {
		return fmt.Errorf("cannot determine config directory")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
