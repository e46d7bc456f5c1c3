// Package issues keeps issue state in step with GitLab issue hooks and
// derives response and resolution latencies.
package issues

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"gitlab-metrics-service/internal/gitlab"
	"gitlab-metrics-service/internal/logging"
	"gitlab-metrics-service/internal/models"
	"gitlab-metrics-service/internal/storage"
)

const (
	ActionOpen   = "open"
	ActionUpdate = "update"
	ActionClose  = "close"
	ActionReopen = "reopen"
)

type Result struct {
	IssueID int64
	Action  string
	Created bool
}

type Tracker struct {
	store storage.IssueStore
	now   func() time.Time
}

func NewTracker(store storage.IssueStore) *Tracker {
	return &Tracker{store: store, now: time.Now}
}

func (t *Tracker) ProcessIssueEvent(ctx context.Context, ev *gitlab.IssueEvent) (Result, error) {
	if ev == nil || ev.ObjectAttributes.ID == 0 {
		return Result{}, fmt.Errorf("issue event: %w", models.ErrMalformedPayload)
	}
	action := ev.ObjectAttributes.Action
	if action == "" {
		action = actionFromState(ev.ObjectAttributes.State)
	}
	res := Result{IssueID: ev.ObjectAttributes.ID, Action: action}

	var err error
	switch action {
	case ActionOpen:
		res.Created, err = t.open(ctx, ev)
	case ActionUpdate:
		res.Created, err = t.update(ctx, ev)
	case ActionClose:
		err = t.close(ctx, ev)
	case ActionReopen:
		err = t.reopen(ctx, ev)
	default:
		return res, fmt.Errorf("issue action %q: %w", action, models.ErrUnsupportedAction)
	}
	if err != nil {
		return res, err
	}
	logging.FromContext(ctx).Info("issue processed", "issue_id", res.IssueID, "action", action, "created", res.Created)
	return res, nil
}

func actionFromState(state string) string {
	switch state {
	case string(models.IssueClosed):
		return ActionClose
	case string(models.IssueOpened):
		return ActionUpdate
	}
	return ""
}

func (t *Tracker) open(ctx context.Context, ev *gitlab.IssueEvent) (bool, error) {
	if _, err := t.store.GetIssue(ctx, ev.ObjectAttributes.ID); err == nil {
		return false, nil
	} else if !errors.Is(err, models.ErrNotFound) {
		return false, err
	}
	return t.store.CreateIssue(ctx, t.fromEvent(ev))
}

func (t *Tracker) update(ctx context.Context, ev *gitlab.IssueEvent) (bool, error) {
	err := t.store.ModifyIssue(ctx, ev.ObjectAttributes.ID, func(issue *models.Issue) error {
		t.applyUpdate(issue, ev)
		return nil
	})
	if !errors.Is(err, models.ErrNotFound) {
		return false, err
	}

	logging.FromContext(ctx).Info("update for unknown issue, creating it", "issue_id", ev.ObjectAttributes.ID)
	created, err := t.store.CreateIssue(ctx, t.fromEvent(ev))
	if err != nil || created {
		return created, err
	}
	// Another delivery created it first; fold this update into that row.
	return false, t.store.ModifyIssue(ctx, ev.ObjectAttributes.ID, func(issue *models.Issue) error {
		t.applyUpdate(issue, ev)
		return nil
	})
}

// applyUpdate merges the hook's fields into issue. Status only moves when
// the payload carries a state and is not older than the stored issue.
func (t *Tracker) applyUpdate(issue *models.Issue, ev *gitlab.IssueEvent) {
	a := ev.ObjectAttributes
	updatedAt := t.timeOr(a.UpdatedAt)
	stale := updatedAt.Before(issue.UpdatedAt)

	if a.Title != "" {
		issue.Title = a.Title
	}
	issue.Description = a.Description

	if labels := ev.IssueLabels(); !slices.Equal(labels, []string(issue.Labels)) {
		issue.Labels = labels
		c := Classify(labels, issue.Title, issue.Description)
		issue.Type, issue.Priority, issue.Severity = c.Type, c.Priority, c.Severity
	}

	if a.State != "" && !stale {
		switch newStatus := statusOf(a.State); {
		case issue.Status == models.IssueOpened && newStatus == models.IssueClosed:
			closedAt := updatedAt
			if !a.ClosedAt.IsZero() {
				closedAt = a.ClosedAt.Time
			}
			markClosed(issue, closedAt)
		case issue.Status == models.IssueClosed && newStatus == models.IssueOpened:
			markReopened(issue)
		}
	}

	t.applyAssignee(issue, ev, updatedAt)
	if !stale {
		issue.UpdatedAt = updatedAt
	}
}

func (t *Tracker) close(ctx context.Context, ev *gitlab.IssueEvent) error {
	a := ev.ObjectAttributes
	err := t.store.ModifyIssue(ctx, a.ID, func(issue *models.Issue) error {
		updatedAt := t.timeOr(a.UpdatedAt)
		closedAt := updatedAt
		if !a.ClosedAt.IsZero() {
			closedAt = a.ClosedAt.Time
		}
		markClosed(issue, closedAt)
		issue.UpdatedAt = updatedAt
		return nil
	})
	if err != nil {
		return fmt.Errorf("close issue %d: %w", a.ID, err)
	}
	return nil
}

func (t *Tracker) reopen(ctx context.Context, ev *gitlab.IssueEvent) error {
	err := t.store.ModifyIssue(ctx, ev.ObjectAttributes.ID, func(issue *models.Issue) error {
		markReopened(issue)
		issue.UpdatedAt = t.timeOr(ev.ObjectAttributes.UpdatedAt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("reopen issue %d: %w", ev.ObjectAttributes.ID, err)
	}
	return nil
}

func (t *Tracker) fromEvent(ev *gitlab.IssueEvent) models.Issue {
	a := ev.ObjectAttributes
	createdAt := t.timeOr(a.CreatedAt)
	updatedAt := createdAt
	if !a.UpdatedAt.IsZero() {
		updatedAt = a.UpdatedAt.Time
	}
	projectID := a.ProjectID
	if projectID == 0 {
		projectID = ev.Project.ID
	}
	labels := ev.IssueLabels()
	c := Classify(labels, a.Title, a.Description)

	issue := models.Issue{
		ID:          a.ID,
		IID:         a.IID,
		ProjectID:   projectID,
		Title:       a.Title,
		Description: a.Description,
		Status:      models.IssueOpened,
		Type:        c.Type,
		Priority:    c.Priority,
		Severity:    c.Severity,
		Labels:      labels,
		AuthorID:    a.AuthorID,
		AuthorName:  ev.User.Name,
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
	}
	if id := a.Assignee(); id != nil {
		assignee := *id
		issue.AssigneeID = &assignee
		issue.AssigneeName = ev.AssigneeName(assignee)
	}
	if statusOf(a.State) == models.IssueClosed {
		closedAt := updatedAt
		if !a.ClosedAt.IsZero() {
			closedAt = a.ClosedAt.Time
		}
		markClosed(&issue, closedAt)
	}
	return issue
}

// applyAssignee records assignee changes. The first assignment stamps the
// first response time.
func (t *Tracker) applyAssignee(issue *models.Issue, ev *gitlab.IssueEvent, at time.Time) {
	id := ev.ObjectAttributes.Assignee()
	switch {
	case id == nil && issue.AssigneeID == nil:
		return
	case id == nil:
		issue.AssigneeID, issue.AssigneeName = nil, ""
		return
	case issue.AssigneeID != nil && *issue.AssigneeID == *id:
		return
	}
	assignee := *id
	issue.AssigneeID = &assignee
	issue.AssigneeName = ev.AssigneeName(assignee)
	if issue.FirstResponseAt == nil {
		first := at
		issue.FirstResponseAt = &first
		issue.ResponseTimeMinutes = minutesBetween(issue.CreatedAt, first)
	}
}

func markClosed(issue *models.Issue, closedAt time.Time) {
	closed := closedAt
	issue.Status = models.IssueClosed
	issue.ClosedAt = &closed
	issue.ResolutionAt = &closed
	issue.ResolutionTimeMinutes = minutesBetween(issue.CreatedAt, closed)
}

func markReopened(issue *models.Issue) {
	issue.Status = models.IssueOpened
	issue.ClosedAt = nil
	issue.ResolutionAt = nil
	issue.ResolutionTimeMinutes = nil
}

func statusOf(state string) models.IssueStatus {
	if state == string(models.IssueClosed) {
		return models.IssueClosed
	}
	return models.IssueOpened
}

// minutesBetween truncates to whole minutes and never goes negative.
func minutesBetween(from, to time.Time) *int64 {
	m := int64(to.Sub(from) / time.Minute)
	if m < 0 {
		m = 0
	}
	return &m
}

func (t *Tracker) timeOr(v gitlab.Time) time.Time {
	if v.IsZero() {
		return t.now().UTC()
	}
	return v.Time
}
