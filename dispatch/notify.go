// Package dispatch drains event_outbox and delivers notifications/tickets
// to operator-configured destinations: webhook/command/email/Slack/
// Telegram senders behind an SSRF guard, polling the outbox table instead
// of being called directly from a detection callback.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"time"

	"github.com/minerwatch/fhpep/config"
	"github.com/minerwatch/fhpep/model"
)

// Destination is one configured delivery channel.
type Destination struct {
	Webhook          string
	Command          string
	Email            string
	SlackWebhook     string
	TelegramBotToken string
	TelegramChatID   string
}

// DestinationFromConfig reads the dispatch fields out of config.Config.
func DestinationFromConfig(cfg config.Config) Destination {
	return Destination{
		Webhook:          cfg.Webhook,
		Command:          cfg.Command,
		Email:            cfg.Email,
		SlackWebhook:     cfg.SlackWebhook,
		TelegramBotToken: cfg.TelegramBotToken,
		TelegramChatID:   cfg.TelegramChatID,
	}
}

// OutboxStore is the subset of storage.Store the drain loop depends on.
type OutboxStore interface {
	DrainOutbox(ctx context.Context, limit int) ([]model.OutboxRecord, error)
	MarkOutboxDelivered(ctx context.Context, id string) error
}

// Notifier delivers outbox records to every configured destination.
type Notifier struct {
	dest   Destination
	client *http.Client
	store  OutboxStore
}

// NewNotifier builds a notifier with a 5-second HTTP timeout.
func NewNotifier(dest Destination, store OutboxStore) *Notifier {
	return &Notifier{dest: dest, client: &http.Client{Timeout: 5 * time.Second}, store: store}
}

// DrainOnce delivers every currently undelivered outbox record, marking each
// delivered as it's dispatched so a restart never re-sends the whole
// backlog (§3.7: the outbox is append-only and drained independently of the
// cycle that wrote it).
func (n *Notifier) DrainOnce(ctx context.Context) (int, error) {
	const batchLimit = 200
	records, err := n.store.DrainOutbox(ctx, batchLimit)
	if err != nil {
		return 0, fmt.Errorf("dispatch: drain outbox: %w", err)
	}
	for _, rec := range records {
		n.Deliver(rec)
		if err := n.store.MarkOutboxDelivered(ctx, rec.ID); err != nil {
			log.Printf("fhpep: mark delivered failed id=%s: %v", rec.ID, err)
		}
	}
	return len(records), nil
}

// Run polls the outbox on interval until ctx is canceled.
func (n *Notifier) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := n.DrainOnce(ctx); err != nil {
				log.Printf("fhpep: outbox drain error: %v", err)
			}
		}
	}
}

// Enabled reports whether any destination is configured.
func (n *Notifier) Enabled() bool {
	return n.dest.Webhook != "" || n.dest.Command != "" || n.dest.Email != "" ||
		n.dest.SlackWebhook != "" || (n.dest.TelegramBotToken != "" && n.dest.TelegramChatID != "")
}

// Deliver sends one outbox record to every configured channel. A single
// channel's failure is logged, not propagated — other channels still fire
// and the outbox record is still considered delivered (§4.6's outbox is
// best-effort dispatch, not a guaranteed-delivery queue).
func (n *Notifier) Deliver(rec model.OutboxRecord) {
	if !n.Enabled() {
		return
	}
	event := string(rec.Kind)
	if n.dest.Webhook != "" {
		n.sendWebhook(event, rec.Payload)
	}
	if n.dest.Command != "" {
		n.sendCommand(event, rec.Payload)
	}
	if n.dest.Email != "" {
		n.sendEmail(emailSubject(rec), emailBody(rec))
	}
	if n.dest.SlackWebhook != "" {
		n.sendSlack(slackText(rec))
	}
	if n.dest.TelegramBotToken != "" && n.dest.TelegramChatID != "" {
		n.sendTelegram(slackText(rec))
	}
}

func emailSubject(rec model.OutboxRecord) string {
	if subj, ok := rec.Payload["subject"].(string); ok {
		return subj
	}
	return fmt.Sprintf("fhpep %s: %v", rec.Kind, rec.Payload["issue_code"])
}

func emailBody(rec model.OutboxRecord) string {
	data, _ := json.MarshalIndent(rec.Payload, "", "  ")
	return string(data)
}

func slackText(rec model.OutboxRecord) string {
	return fmt.Sprintf("[%v] %v on miner %v (site %v): %v",
		rec.Payload["severity"], rec.Payload["issue_code"], rec.Payload["miner_id"], rec.Payload["site_id"], rec.Payload["reason"])
}

func (n *Notifier) sendEmail(subject, body string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "mail", "-s", subject, n.dest.Email)
	cmd.Stdin = strings.NewReader(body)
	if err := cmd.Run(); err != nil {
		log.Printf("fhpep: email send error: %v", err)
	}
}

func (n *Notifier) sendSlack(text string) {
	if err := validateWebhookURL(n.dest.SlackWebhook); err != nil {
		log.Printf("fhpep: slack webhook blocked: %v", err)
		return
	}
	n.postJSON(n.dest.SlackWebhook, map[string]string{"text": text})
}

func (n *Notifier) sendTelegram(text string) {
	apiURL := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", n.dest.TelegramBotToken)
	n.postJSON(apiURL, map[string]string{"chat_id": n.dest.TelegramChatID, "text": text})
}

func (n *Notifier) sendWebhook(event string, payload map[string]any) {
	if err := validateWebhookURL(n.dest.Webhook); err != nil {
		log.Printf("fhpep: webhook blocked: %v", err)
		return
	}
	n.postJSON(n.dest.Webhook, map[string]any{
		"event":   event,
		"payload": payload,
		"ts":      time.Now().Format(time.RFC3339),
	})
}

func (n *Notifier) postJSON(dest string, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		log.Printf("fhpep: dispatch marshal error: %v", err)
		return
	}
	req, err := http.NewRequest(http.MethodPost, dest, bytes.NewReader(data))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		log.Printf("fhpep: dispatch send error: %v", err)
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func (n *Notifier) sendCommand(event string, payload map[string]any) {
	data, _ := json.Marshal(map[string]any{"event": event, "payload": payload})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "sh", "-c", n.dest.Command)
	cmd.Stdin = bytes.NewReader(data)
	if err := cmd.Run(); err != nil {
		log.Printf("fhpep: command dispatch error: %v", err)
	}
}

// validateWebhookURL blocks schemes other than http/https, well-known
// cloud metadata hosts, and private/loopback/link-local addresses.
func validateWebhookURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("webhook URL must use http or https scheme, got %q", scheme)
	}
	host := strings.ToLower(u.Hostname())
	blocked := []string{"169.254.169.254", "metadata.google.internal", "localhost", "127.0.0.1", "::1", "[::1]"}
	for _, b := range blocked {
		if host == b {
			return fmt.Errorf("webhook URL host %q is blocked", host)
		}
	}
	if ip := net.ParseIP(host); ip != nil && (ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast()) {
		return fmt.Errorf("webhook URL host %q resolves to a private address", host)
	}
	return nil
}
