// Package quality hands new commits over to code quality analysis. The
// analyzer itself lives outside this service; the consumer here only records
// the hand-off.
package quality

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gitlab-metrics-service/internal/gitlab"
	"gitlab-metrics-service/internal/queue"
)

type Request struct {
	ProjectID   int64     `json:"projectId"`
	ProjectKey  string    `json:"projectKey"`
	CommitSHA   string    `json:"commitSha"`
	Branch      string    `json:"branch"`
	RequestedAt time.Time `json:"requestedAt"`
}

// ProjectKey derives the analyzer project key: "group/app" becomes
// "group:app", otherwise the lower-cased name with dashes for spaces.
func ProjectKey(p gitlab.Project, projectID int64) string {
	if p.PathWithNamespace != "" {
		return strings.ReplaceAll(p.PathWithNamespace, "/", ":")
	}
	if p.Name != "" {
		return strings.ReplaceAll(strings.ToLower(p.Name), " ", "-")
	}
	return fmt.Sprintf("project-%d", projectID)
}

type Publisher interface {
	Publish(ctx context.Context, name string, msg queue.Message) error
}

type Trigger struct {
	pub Publisher
}

func NewTrigger(pub Publisher) *Trigger {
	return &Trigger{pub: pub}
}

func (t *Trigger) TriggerAnalysis(ctx context.Context, requestID string, req Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return t.pub.Publish(ctx, queue.QualityAnalysis, queue.Message{
		RequestID: requestID,
		EventType: "quality_analysis",
		EventData: body,
	})
}

type Consumer struct {
	log *slog.Logger
}

func NewConsumer(log *slog.Logger) *Consumer {
	return &Consumer{log: log}
}

func (c *Consumer) Handle(ctx context.Context, msg queue.Message) error {
	var req Request
	if err := json.Unmarshal(msg.EventData, &req); err != nil {
		return queue.Permanent(fmt.Errorf("decode quality request: %w", err))
	}
	c.log.Info("quality analysis requested",
		"request_id", msg.RequestID, "project_key", req.ProjectKey,
		"commit", req.CommitSHA, "branch", req.Branch)
	return nil
}
