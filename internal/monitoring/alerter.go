package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/aq-pipeline/internal/config"
	"github.com/sells-group/aq-pipeline/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertFailureRate AlertType = "pipeline_failure_rate"
	AlertStaleRun    AlertType = "stale_run"
	AlertIngestStale AlertType = "ingest_not_fresh"
)

// minFinishedForRate is the sample size below which failure rates are ignored.
const minFinishedForRate = 3

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Pipeline  string         `json:"pipeline,omitempty"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := snap.CollectedAt

	for _, p := range []struct {
		name  string
		stats PipelineStats
	}{
		{model.PipelineIngest, snap.Ingest},
		{model.PipelineTransform, snap.Transform},
	} {
		finished := p.stats.Complete + p.stats.Failed
		if finished >= minFinishedForRate && p.stats.FailRate > a.cfg.FailureRateThreshold {
			alerts = append(alerts, Alert{
				Type:     AlertFailureRate,
				Pipeline: p.name,
				Severity: "high",
				Message: fmt.Sprintf(
					"%s failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
					p.name, p.stats.FailRate*100, a.cfg.FailureRateThreshold*100,
					p.stats.Failed, finished, snap.LookbackHours,
				),
				Details: map[string]any{
					"failure_rate": p.stats.FailRate,
					"threshold":    a.cfg.FailureRateThreshold,
					"failed":       p.stats.Failed,
					"finished":     finished,
				},
				Timestamp: now,
			})
		}

		if p.stats.Stale > 0 {
			alerts = append(alerts, Alert{
				Type:     AlertStaleRun,
				Pipeline: p.name,
				Severity: "medium",
				Message: fmt.Sprintf("%d %s run(s) still running after %dm",
					p.stats.Stale, p.name, a.cfg.StaleRunMinutes),
				Details:   map[string]any{"stale": p.stats.Stale, "running": p.stats.Running},
				Timestamp: now,
			})
		}
	}

	if a.cfg.MaxIngestAgeHours > 0 {
		maxAge := time.Duration(a.cfg.MaxIngestAgeHours) * time.Hour
		last := snap.Ingest.LastSuccess
		if last == nil || now.Sub(*last) > maxAge {
			details := map[string]any{"max_age_hours": a.cfg.MaxIngestAgeHours}
			msg := "no successful ingest on record"
			if last != nil {
				details["last_success"] = last.UTC()
				msg = fmt.Sprintf("last successful ingest started %s ago", now.Sub(*last).Round(time.Minute))
			}
			alerts = append(alerts, Alert{
				Type:      AlertIngestStale,
				Pipeline:  model.PipelineIngest,
				Severity:  "high",
				Message:   msg,
				Details:   details,
				Timestamp: now,
			})
		}
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("pipeline", alert.Pipeline),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
