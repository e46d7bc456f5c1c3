// Package mergerequests follows merge request hooks and the code reviews
// attached to them.
package mergerequests

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"gitlab-metrics-service/internal/gitlab"
	"gitlab-metrics-service/internal/logging"
	"gitlab-metrics-service/internal/models"
	"gitlab-metrics-service/internal/storage"
)

const (
	ActionOpen       = "open"
	ActionUpdate     = "update"
	ActionMerge      = "merge"
	ActionClose      = "close"
	ActionReopen     = "reopen"
	ActionApproved   = "approved"
	ActionApproval   = "approval"
	ActionUnapproved = "unapproved"
	ActionUnapproval = "unapproval"
)

// Policy answers which target branches need review.
type Policy interface {
	ReviewRequired(targetBranch string) bool
}

// MergeAuditor checks a merged merge request against the review policy.
type MergeAuditor interface {
	AuditMerge(ctx context.Context, mrID int64) error
}

type Store interface {
	storage.MergeRequestStore
	storage.ReviewStore
}

type Result struct {
	MergeRequestID int64
	Action         string
	Status         models.MRStatus
}

type ReviewInput struct {
	ReviewerID   int64               `json:"reviewerId"`
	ReviewerName string              `json:"reviewerName"`
	Status       models.ReviewStatus `json:"status"`
	Comment      string              `json:"comment"`
}

type Tracker struct {
	store   Store
	commits storage.CommitStore
	policy  Policy
	auditor MergeAuditor
	now     func() time.Time

	audits sync.WaitGroup
}

func NewTracker(store Store, commits storage.CommitStore, policy Policy, auditor MergeAuditor) *Tracker {
	return &Tracker{store: store, commits: commits, policy: policy, auditor: auditor, now: time.Now}
}

// Wait blocks until every merge audit started so far has finished.
func (t *Tracker) Wait() { t.audits.Wait() }

func (t *Tracker) ProcessMergeRequestEvent(ctx context.Context, ev *gitlab.MergeRequestEvent) (Result, error) {
	if ev == nil || ev.ObjectAttributes.ID == 0 {
		return Result{}, fmt.Errorf("merge request event: %w", models.ErrMalformedPayload)
	}
	log := logging.FromContext(ctx)
	a := ev.ObjectAttributes
	action := a.Action
	if action == "" {
		action = actionFromState(a.State)
	}
	res := Result{MergeRequestID: a.ID, Action: action}

	switch action {
	case ActionOpen, ActionUpdate, ActionMerge, ActionClose, ActionReopen,
		ActionApproved, ActionApproval, ActionUnapproved, ActionUnapproval:
	default:
		return res, fmt.Errorf("merge request action %q: %w", action, models.ErrUnsupportedAction)
	}

	var (
		existing models.MergeRequest
		isNew    bool
		audit    bool
	)
	mr, err := t.store.ModifyMergeRequest(ctx, a.ID, func(cur *models.MergeRequest, found bool) error {
		existing, isNew = *cur, !found
		next := t.merge(existing, isNew, ev)
		audit = t.applyAction(ctx, action, existing, isNew, &next, ev)
		t.refreshChangeTotals(ctx, &next)
		*cur = next
		return nil
	})
	if err != nil {
		return res, err
	}
	res.Status = mr.Status

	switch action {
	case ActionApproved, ActionApproval:
		err = t.recordHookReview(ctx, mr, ev, models.ReviewApproved)
	case ActionUnapproved, ActionUnapproval:
		err = t.recordHookReview(ctx, mr, ev, models.ReviewDismissed)
	}
	if err != nil {
		return res, err
	}

	if audit {
		t.startAudit(ctx, mr.ID)
	}
	log.Info("merge request processed", "mr_id", mr.ID, "action", action, "status", mr.Status)
	return res, nil
}

// applyAction moves mr through the state machine for action and reports
// whether a merge audit is due.
func (t *Tracker) applyAction(ctx context.Context, action string, existing models.MergeRequest, isNew bool, mr *models.MergeRequest, ev *gitlab.MergeRequestEvent) bool {
	log := logging.FromContext(ctx)
	at := t.timeOr(ev.ObjectAttributes.UpdatedAt)

	switch action {
	case ActionOpen:
		log.Info("merge request opened", "mr_id", mr.ID, "target_branch", mr.TargetBranch,
			"review_required", t.policy.ReviewRequired(mr.TargetBranch))
	case ActionUpdate:
		if !isNew && significantChange(existing, *mr) {
			log.Info("merge request retargeted", "mr_id", mr.ID, "from", existing.TargetBranch, "to", mr.TargetBranch)
		}
	case ActionMerge:
		if !isNew && existing.Status == models.MRMerged {
			return false
		}
		if !mr.Status.CanTransition(models.MRMerged, false) {
			log.Warn("merge ignored", "mr_id", mr.ID, "status", mr.Status)
			return false
		}
		mergedByID := ev.User.ID
		mr.Status = models.MRMerged
		mr.MergedAt = &at
		mr.MergedByID = &mergedByID
		mr.MergedBy = ev.User.Name
		return true
	case ActionClose:
		if !mr.Status.CanTransition(models.MRClosed, false) {
			log.Warn("close ignored", "mr_id", mr.ID, "status", mr.Status)
			return false
		}
		mr.Status = models.MRClosed
		mr.ClosedAt = &at
	case ActionReopen:
		if !mr.Status.CanTransition(models.MROpened, true) {
			log.Warn("reopen ignored", "mr_id", mr.ID, "status", mr.Status)
			return false
		}
		mr.Status = models.MROpened
		mr.ClosedAt = nil
	}
	return false
}

func actionFromState(state string) string {
	switch state {
	case string(models.MRMerged):
		return ActionMerge
	case string(models.MRClosed):
		return ActionClose
	case string(models.MROpened):
		return ActionUpdate
	}
	return ""
}

// merge folds the hook's basic fields into the stored record. A hook
// without updated_at keeps the stored timestamp.
func (t *Tracker) merge(existing models.MergeRequest, isNew bool, ev *gitlab.MergeRequestEvent) models.MergeRequest {
	a := ev.ObjectAttributes
	mr := existing
	if isNew {
		projectID := a.TargetProjectID
		if projectID == 0 {
			projectID = ev.Project.ID
		}
		mr = models.MergeRequest{
			ID:              a.ID,
			IID:             a.IID,
			ProjectID:       projectID,
			SourceProjectID: a.SourceProjectID,
			AuthorID:        a.AuthorID,
			Status:          models.MROpened,
			CreatedAt:       t.timeOr(a.CreatedAt),
		}
		if mr.SourceProjectID == 0 {
			mr.SourceProjectID = projectID
		}
		if a.AuthorID == ev.User.ID {
			mr.AuthorName = ev.User.Name
		}
	}
	if mr.AuthorName == "" {
		mr.AuthorName = "Unknown"
	}
	if a.Title != "" {
		mr.Title = a.Title
	}
	mr.Description = a.Description
	if a.SourceBranch != "" {
		mr.SourceBranch = a.SourceBranch
	}
	if a.TargetBranch != "" {
		mr.TargetBranch = a.TargetBranch
	}
	switch {
	case !a.UpdatedAt.IsZero():
		mr.UpdatedAt = a.UpdatedAt.Time
	case isNew:
		mr.UpdatedAt = mr.CreatedAt
	}
	return mr
}

// significantChange reports changes that make earlier reviews stale. Only a
// retarget counts for now; pushes to the source branch are not visible here.
func significantChange(before, after models.MergeRequest) bool {
	return before.TargetBranch != after.TargetBranch
}

// refreshChangeTotals recomputes additions and deletions from the commits
// recorded on the source branch since the merge request was opened.
func (t *Tracker) refreshChangeTotals(ctx context.Context, mr *models.MergeRequest) {
	if t.commits == nil || mr.SourceBranch == "" {
		return
	}
	totals, err := t.commits.BranchChangeTotals(ctx, mr.SourceProjectID, mr.SourceBranch, mr.CreatedAt)
	if err != nil {
		logging.FromContext(ctx).Warn("change totals unavailable", "mr_id", mr.ID, "error", err)
		return
	}
	mr.Additions, mr.Deletions = totals.Additions, totals.Deletions
}

func (t *Tracker) recordHookReview(ctx context.Context, mr models.MergeRequest, ev *gitlab.MergeRequestEvent, status models.ReviewStatus) error {
	if ev.User.ID == 0 {
		return fmt.Errorf("%s without user: %w", status, models.ErrMalformedPayload)
	}
	// mr.UpdatedAt is the stored timestamp when the hook has none, so a
	// redelivered hook yields the same review and is deduplicated.
	_, err := t.store.AddReview(ctx, models.CodeReview{
		MergeRequestID: mr.ID,
		ReviewerID:     ev.User.ID,
		ReviewerName:   ev.User.Name,
		Status:         status,
		ReviewType:     "webhook",
		Required:       t.policy.ReviewRequired(mr.TargetBranch),
		ReviewedAt:     mr.UpdatedAt,
	})
	return err
}

func (t *Tracker) startAudit(ctx context.Context, mrID int64) {
	if t.auditor == nil {
		return
	}
	actx := context.WithoutCancel(ctx)
	t.audits.Add(1)
	go func() {
		defer t.audits.Done()
		if err := t.auditor.AuditMerge(actx, mrID); err != nil {
			logging.FromContext(actx).Error("merge audit failed", "mr_id", mrID, "error", err)
		}
	}()
}

// AddCodeReview records a manual review on an existing merge request.
func (t *Tracker) AddCodeReview(ctx context.Context, mrID int64, in ReviewInput) (models.CodeReview, error) {
	in.Status = models.ReviewStatus(strings.ToLower(string(in.Status)))
	if !in.Status.Valid() {
		return models.CodeReview{}, fmt.Errorf("status %q: %w", in.Status, models.ErrInvalidReview)
	}
	if in.ReviewerID == 0 {
		return models.CodeReview{}, fmt.Errorf("reviewer is required: %w", models.ErrInvalidReview)
	}
	mr, err := t.store.GetMergeRequest(ctx, mrID)
	if err != nil {
		return models.CodeReview{}, fmt.Errorf("merge request %d: %w", mrID, err)
	}
	return t.store.AddReview(ctx, models.CodeReview{
		MergeRequestID: mr.ID,
		ReviewerID:     in.ReviewerID,
		ReviewerName:   in.ReviewerName,
		Status:         in.Status,
		Comment:        in.Comment,
		ReviewType:     "manual",
		Required:       t.policy.ReviewRequired(mr.TargetBranch),
		ReviewedAt:     t.now().UTC(),
	})
}

func (t *Tracker) timeOr(v gitlab.Time) time.Time {
	if v.IsZero() {
		return t.now().UTC()
	}
	return v.Time
}
