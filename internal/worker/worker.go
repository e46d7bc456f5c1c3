// Package worker connects the analysis queues to the trackers.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gitlab-metrics-service/internal/gitlab"
	"gitlab-metrics-service/internal/issues"
	"gitlab-metrics-service/internal/logging"
	"gitlab-metrics-service/internal/mergerequests"
	"gitlab-metrics-service/internal/models"
	"gitlab-metrics-service/internal/queue"
	"gitlab-metrics-service/internal/telemetry"

	"go.opentelemetry.io/otel/attribute"
)

type CommitProcessor interface {
	ProcessPushEvent(ctx context.Context, requestID string, ev *gitlab.PushEvent) (int, error)
}

type IssueProcessor interface {
	ProcessIssueEvent(ctx context.Context, ev *gitlab.IssueEvent) (issues.Result, error)
}

type MergeRequestProcessor interface {
	ProcessMergeRequestEvent(ctx context.Context, ev *gitlab.MergeRequestEvent) (mergerequests.Result, error)
}

type Subscriber interface {
	Subscribe(name string, h queue.Handler)
}

type Consumers struct {
	Commits       CommitProcessor
	Issues        IssueProcessor
	MergeRequests MergeRequestProcessor
}

// Register subscribes a handler for each analysis queue.
func Register(sub Subscriber, c Consumers) {
	sub.Subscribe(queue.CommitAnalysis, handle(queue.CommitAnalysis, func(ctx context.Context, msg queue.Message) error {
		var ev gitlab.PushEvent
		if err := decode(msg, &ev); err != nil {
			return err
		}
		_, err := c.Commits.ProcessPushEvent(ctx, msg.RequestID, &ev)
		return err
	}))
	sub.Subscribe(queue.IssueAnalysis, handle(queue.IssueAnalysis, func(ctx context.Context, msg queue.Message) error {
		var ev gitlab.IssueEvent
		if err := decode(msg, &ev); err != nil {
			return err
		}
		_, err := c.Issues.ProcessIssueEvent(ctx, &ev)
		return err
	}))
	sub.Subscribe(queue.MergeRequestAnalysis, handle(queue.MergeRequestAnalysis, func(ctx context.Context, msg queue.Message) error {
		var ev gitlab.MergeRequestEvent
		if err := decode(msg, &ev); err != nil {
			return err
		}
		_, err := c.MergeRequests.ProcessMergeRequestEvent(ctx, &ev)
		return err
	}))
}

func decode(msg queue.Message, v any) error {
	if err := json.Unmarshal(msg.EventData, v); err != nil {
		return fmt.Errorf("decode %s event: %v: %w", msg.EventType, err, models.ErrMalformedPayload)
	}
	return nil
}

// handle wraps fn with request scoped logging and tracing, and marks
// errors that a retry cannot fix as permanent.
func handle(name string, fn queue.Handler) queue.Handler {
	return func(ctx context.Context, msg queue.Message) (err error) {
		ctx = logging.WithRequestID(ctx, msg.RequestID)
		ctx, span := telemetry.StartSpan(ctx, "queue."+name,
			attribute.String("request_id", msg.RequestID),
			attribute.String("event_type", msg.EventType))
		defer func() { telemetry.EndSpan(span, err) }()

		err = fn(ctx, msg)
		if err != nil && permanent(err) {
			return queue.Permanent(err)
		}
		return err
	}
}

func permanent(err error) bool {
	return errors.Is(err, models.ErrMalformedPayload) ||
		errors.Is(err, models.ErrUnsupportedAction) ||
		errors.Is(err, models.ErrNotFound)
}
