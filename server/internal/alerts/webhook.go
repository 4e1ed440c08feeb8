package alerts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/obsidianstack/ciwatch/server/internal/config"
)

// Webhooks delivers alert notifications to the configured webhook targets.
// Each Notify call is delivered in its own goroutine; errors are logged only.
type Webhooks struct {
	webhooks []config.WebhookConfig
	client   *http.Client
	wg       sync.WaitGroup
}

// NewWebhooks creates a Webhooks notifier from the alert configuration.
// An empty target list is valid and makes Notify a no-op.
func NewWebhooks(cfg config.AlertsConfig) *Webhooks {
	return &Webhooks{
		webhooks: cfg.Webhooks,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify starts asynchronous delivery of f.
func (w *Webhooks) Notify(f Failure) {
	if len(w.webhooks) == 0 {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.deliver(f)
	}()
}

// Wait blocks until in-flight deliveries finish.
func (w *Webhooks) Wait() { w.wg.Wait() }

func (w *Webhooks) deliver(f Failure) {
	a := f.Alert
	for _, wh := range w.webhooks {
		url := wh.URL()
		if url == "" {
			continue
		}

		var err error
		switch wh.Type {
		case "slack":
			err = w.sendSlack(url, f)
		case "teams":
			err = w.sendTeams(url, f)
		case "http":
			err = w.sendHTTP(url, f)
		default:
			slog.Warn("alerts: unknown webhook type, skipping", "type", wh.Type)
			continue
		}

		if err != nil {
			slog.Error("alerts: webhook delivery failed",
				"type", wh.Type,
				"pipeline", a.Pipeline,
				"build", a.BuildNumber,
				"err", err,
			)
		} else {
			slog.Debug("alerts: webhook delivered",
				"type", wh.Type,
				"pipeline", a.Pipeline,
				"build", a.BuildNumber,
			)
		}
	}
}

func (w *Webhooks) sendSlack(url string, f Failure) error {
	a := f.Alert
	payload := map[string]any{
		"text": "Pipeline Failure Alert",
		"attachments": []map[string]any{{
			"color": "danger",
			"fields": []map[string]any{
				{"title": "Pipeline", "value": a.Pipeline, "short": true},
				{"title": "Build", "value": fmt.Sprintf("#%d", a.BuildNumber), "short": true},
				{"title": "Error", "value": f.Reason(), "short": false},
				{"title": "Time", "value": a.FirstSeenAt.UTC().Format(time.DateTime), "short": true},
			},
		}},
	}
	body, _ := json.Marshal(payload)
	return w.post(url, body)
}

func (w *Webhooks) sendTeams(url string, f Failure) error {
	a := f.Alert
	payload := map[string]any{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": "FF4F6A",
		"summary":    a.Pipeline,
		"title":      fmt.Sprintf("ciwatch: %s #%d failed", a.Pipeline, a.BuildNumber),
		"text":       fmt.Sprintf("%s. First seen %s", f.Reason(), a.FirstSeenAt.UTC().Format(time.RFC3339)),
	}
	body, _ := json.Marshal(payload)
	return w.post(url, body)
}

func (w *Webhooks) sendHTTP(url string, f Failure) error {
	body, _ := json.Marshal(map[string]any{"alert": f.Alert, "build": f.Build, "reason": f.Reason()})
	return w.post(url, body)
}

func (w *Webhooks) post(url string, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}
