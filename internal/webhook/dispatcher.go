package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gitlab-metrics-service/internal/gitlab"
	"gitlab-metrics-service/internal/logging"
	"gitlab-metrics-service/internal/models"
	"gitlab-metrics-service/internal/queue"
)

var queueFor = map[string]string{
	EventPush:         queue.CommitAnalysis,
	EventIssue:        queue.IssueAnalysis,
	EventMergeRequest: queue.MergeRequestAnalysis,
}

type Publisher interface {
	Publish(ctx context.Context, name string, msg queue.Message) error
}

type Dispatcher struct {
	pub Publisher
	now func() time.Time
}

func NewDispatcher(pub Publisher) *Dispatcher {
	return &Dispatcher{pub: pub, now: time.Now}
}

// Dispatch parses the payload for eventType and enqueues it. Parsing and
// shape errors are returned synchronously; processing happens later.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType string, payload []byte, requestID string) error {
	name, ok := queueFor[eventType]
	if !ok {
		return fmt.Errorf("%q: %w", eventType, models.ErrUnsupportedEvent)
	}
	if err := checkPayload(eventType, payload); err != nil {
		return err
	}

	msg := queue.Message{
		RequestID: requestID,
		EventType: eventType,
		EventData: json.RawMessage(payload),
		Timestamp: d.now().UTC(),
	}
	if err := d.pub.Publish(ctx, name, msg); err != nil {
		return fmt.Errorf("enqueue %s event: %w", eventType, err)
	}
	logging.FromContext(ctx).Info("webhook event queued", "event_type", eventType, "queue", name)
	return nil
}

func checkPayload(eventType string, payload []byte) error {
	var missing string
	switch eventType {
	case EventPush:
		var ev gitlab.PushEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return fmt.Errorf("push payload: %v: %w", err, models.ErrMalformedPayload)
		}
		if ev.ProjectID == 0 && ev.Project.ID == 0 {
			missing = "project_id"
		}
	case EventIssue:
		var ev gitlab.IssueEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return fmt.Errorf("issue payload: %v: %w", err, models.ErrMalformedPayload)
		}
		if ev.ObjectAttributes.ID == 0 {
			missing = "object_attributes.id"
		}
	case EventMergeRequest:
		var ev gitlab.MergeRequestEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return fmt.Errorf("merge request payload: %v: %w", err, models.ErrMalformedPayload)
		}
		if ev.ObjectAttributes.ID == 0 {
			missing = "object_attributes.id"
		}
	}
	if missing != "" {
		return fmt.Errorf("%s event without %s: %w", eventType, missing, models.ErrMalformedPayload)
	}
	return nil
}
