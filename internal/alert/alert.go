// Package alert publishes structured alerts on the message bus and delivers
// them from there. Delivery is best-effort: failures are logged and never
// reach the code that raised the alert.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"gitlab-metrics-service/internal/config"
	"gitlab-metrics-service/internal/logging"
	"gitlab-metrics-service/internal/queue"

	"github.com/cenkalti/backoff/v4"
)

type Level string

const (
	Critical Level = "CRITICAL"
	High     Level = "HIGH"
	Medium   Level = "MEDIUM"
	Low      Level = "LOW"
	Info     Level = "INFO"
)

type Type string

const (
	MergeBlocked       Type = "MERGE_BLOCKED"
	EmergencyBypass    Type = "EMERGENCY_BYPASS"
	PolicyViolation    Type = "POLICY_VIOLATION"
	QualityGateFailure Type = "QUALITY_GATE_FAILURE"
	ThresholdViolation Type = "THRESHOLD_VIOLATION"
)

type Alert struct {
	ProjectID       int64          `json:"projectId"`
	Type            Type           `json:"type"`
	Level           Level          `json:"level"`
	Title           string         `json:"title"`
	Message         string         `json:"message"`
	Timestamp       time.Time      `json:"timestamp"`
	Details         map[string]any `json:"details,omitempty"`
	RelatedEntityID string         `json:"relatedEntityId,omitempty"`
}

// Sink accepts alerts. Implementations must not block for long or fail the caller.
type Sink interface {
	Send(ctx context.Context, a Alert)
}

type Publisher interface {
	Publish(ctx context.Context, name string, msg queue.Message) error
}

// BusSink puts alerts on the alert.notification topic.
type BusSink struct {
	pub Publisher
}

func NewBusSink(pub Publisher) *BusSink {
	return &BusSink{pub: pub}
}

func (s *BusSink) Send(ctx context.Context, a Alert) {
	log := logging.FromContext(ctx)
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	body, err := json.Marshal(a)
	if err != nil {
		log.Error("encode alert", "type", a.Type, "error", err)
		return
	}
	msg := queue.Message{EventType: string(a.Type), EventData: body, Timestamp: a.Timestamp}
	if err := s.pub.Publish(ctx, queue.AlertNotification, msg); err != nil {
		log.Error("publish alert", "type", a.Type, "level", a.Level, "error", err)
	}
}

// Deliverer consumes the alert topic. Every alert is logged; when a webhook
// URL is configured it is also POSTed there.
type Deliverer struct {
	cfg    config.AlertConfig
	client *http.Client
	log    *slog.Logger
}

func NewDeliverer(cfg config.AlertConfig, log *slog.Logger) *Deliverer {
	return &Deliverer{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}
}

// Handle is a queue.Handler. It never asks for a redelivery.
func (d *Deliverer) Handle(ctx context.Context, msg queue.Message) error {
	var a Alert
	if err := json.Unmarshal(msg.EventData, &a); err != nil {
		d.log.Error("decode alert", "error", err)
		return nil
	}

	d.log.Log(ctx, slogLevel(a.Level), "alert",
		"type", a.Type, "level", a.Level, "project_id", a.ProjectID,
		"title", a.Title, "message", a.Message, "related_entity_id", a.RelatedEntityID)

	if d.cfg.WebhookURL == "" {
		return nil
	}
	if err := d.post(ctx, msg.EventData); err != nil {
		d.log.Error("alert delivery failed", "type", a.Type, "url", d.cfg.WebhookURL, "error", err)
	}
	return nil
}

func (d *Deliverer) post(ctx context.Context, body []byte) error {
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.WebhookURL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("alert webhook returned %d", resp.StatusCode)
		case resp.StatusCode >= 300:
			return backoff.Permanent(fmt.Errorf("alert webhook returned %d", resp.StatusCode))
		}
		return nil
	}
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(d.cfg.MaxRetries))
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

func slogLevel(l Level) slog.Level {
	switch l {
	case Critical, High:
		return slog.LevelError
	case Medium:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
