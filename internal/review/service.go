package review

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gitlab-metrics-service/internal/alert"
	"gitlab-metrics-service/internal/logging"
	"gitlab-metrics-service/internal/models"
	"gitlab-metrics-service/internal/storage"

	"github.com/google/uuid"
)

const (
	StatusNotFound         = "not_found"
	StatusNotRequired      = "not_required"
	StatusApproved         = "approved"
	StatusPending          = "pending"
	StatusChangesRequested = "changes_requested"
	StatusInReview         = "in_review"
)

type Repository interface {
	storage.MergeRequestStore
	storage.ReviewStore
	storage.BypassStore
	storage.ViolationStore
}

type Service struct {
	engine *Engine
	repo   Repository
	alerts alert.Sink
	now    func() time.Time
	newID  func() string
}

func NewService(engine *Engine, repo Repository, alerts alert.Sink) *Service {
	return &Service{
		engine: engine,
		repo:   repo,
		alerts: alerts,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

func (s *Service) evaluate(ctx context.Context, mrID int64) (models.MergeRequest, []models.CodeReview, models.ReviewRuleResult, error) {
	mr, err := s.repo.GetMergeRequest(ctx, mrID)
	if err != nil {
		return mr, nil, models.ReviewRuleResult{}, fmt.Errorf("merge request %d: %w", mrID, err)
	}
	reviews, err := s.repo.ListReviews(ctx, mrID)
	if err != nil {
		return mr, nil, models.ReviewRuleResult{}, fmt.Errorf("reviews for %d: %w", mrID, err)
	}
	var bypass *models.EmergencyBypass
	b, err := s.repo.ActiveBypass(ctx, mrID)
	switch {
	case err == nil:
		bypass = &b
	case !errors.Is(err, models.ErrNotFound):
		return mr, nil, models.ReviewRuleResult{}, fmt.Errorf("bypass for %d: %w", mrID, err)
	}
	return mr, reviews, s.engine.Evaluate(mr, reviews, bypass, s.now().UTC()), nil
}

// CanMerge evaluates the policy and raises a MERGE_BLOCKED alert when the
// merge request may not be merged.
func (s *Service) CanMerge(ctx context.Context, mrID int64) (models.ReviewRuleResult, error) {
	mr, _, res, err := s.evaluate(ctx, mrID)
	if err != nil {
		return res, err
	}
	if !res.CanMerge {
		s.alerts.Send(ctx, alert.Alert{
			ProjectID:       mr.ProjectID,
			Type:            alert.MergeBlocked,
			Level:           alert.High,
			Title:           "Merge request blocked by review policy",
			Message:         fmt.Sprintf("Merge request !%d (%s) cannot be merged: %s", mr.IID, mr.Title, ruleNames(res.Violations)),
			Timestamp:       res.CheckedAt,
			Details:         map[string]any{"violations": res.Violations},
			RelatedEntityID: strconv.FormatInt(mr.ID, 10),
		})
	}
	return res, nil
}

func (s *Service) Enforce(ctx context.Context, mrID int64) (bool, error) {
	res, err := s.CanMerge(ctx, mrID)
	if err != nil {
		return false, err
	}
	return res.CanMerge, nil
}

func (s *Service) ReviewStatus(ctx context.Context, mrID int64) (string, error) {
	mr, err := s.repo.GetMergeRequest(ctx, mrID)
	if errors.Is(err, models.ErrNotFound) {
		return StatusNotFound, nil
	}
	if err != nil {
		return "", err
	}
	if !s.engine.ReviewRequired(mr.TargetBranch) {
		return StatusNotRequired, nil
	}
	reviews, err := s.repo.ListReviews(ctx, mrID)
	if err != nil {
		return "", err
	}
	st := summarize(reviews)
	switch {
	case len(reviews) == 0:
		return StatusPending, nil
	case len(st.blockers) > 0:
		return StatusChangesRequested, nil
	case len(st.approvers) > 0:
		return StatusApproved, nil
	}
	return StatusInReview, nil
}

// AuthorizeEmergencyBypass records an audited override of the review policy.
func (s *Service) AuthorizeEmergencyBypass(ctx context.Context, mrID, adminUserID int64, reason string) (models.EmergencyBypass, error) {
	if !s.engine.BypassEnabled() {
		return models.EmergencyBypass{}, models.ErrBypassDisabled
	}
	if !s.engine.IsAdmin(adminUserID) {
		return models.EmergencyBypass{}, fmt.Errorf("user %d: %w", adminUserID, models.ErrUnauthorized)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return models.EmergencyBypass{}, fmt.Errorf("bypass reason is required: %w", models.ErrInvalidRequest)
	}
	mr, err := s.repo.GetMergeRequest(ctx, mrID)
	if err != nil {
		return models.EmergencyBypass{}, fmt.Errorf("merge request %d: %w", mrID, err)
	}

	b := models.EmergencyBypass{
		ID:             s.newID(),
		MergeRequestID: mr.ID,
		ProjectID:      mr.ProjectID,
		AuthorizedBy:   adminUserID,
		Reason:         reason,
		AuthorizedAt:   s.now().UTC(),
		Active:         true,
	}
	if err := s.repo.SaveBypass(ctx, b); err != nil {
		return models.EmergencyBypass{}, err
	}

	logging.FromContext(ctx).Warn("emergency bypass authorized", "mr_id", mr.ID, "admin_id", adminUserID, "reason", reason)
	s.alerts.Send(ctx, alert.Alert{
		ProjectID:       mr.ProjectID,
		Type:            alert.EmergencyBypass,
		Level:           alert.Critical,
		Title:           "Emergency bypass authorized",
		Message:         fmt.Sprintf("Review policy bypassed for merge request !%d by user %d: %s", mr.IID, adminUserID, reason),
		Timestamp:       b.AuthorizedAt,
		Details:         map[string]any{"bypassId": b.ID, "authorizedBy": adminUserID, "reason": reason},
		RelatedEntityID: strconv.FormatInt(mr.ID, 10),
	})
	return b, nil
}

// AuditMerge re-evaluates a merged merge request. Violations are recorded
// and alerted on; the merge itself stands.
func (s *Service) AuditMerge(ctx context.Context, mrID int64) error {
	log := logging.FromContext(ctx)
	mr, reviews, res, err := s.evaluate(ctx, mrID)
	if err != nil {
		return err
	}

	st := summarize(reviews)
	attrs := []any{"mr_id", mr.ID, "total_reviews", len(reviews), "can_merge", res.CanMerge, "emergency_bypass", res.EmergencyBypass}
	if st.first != nil {
		attrs = append(attrs, "first_review_hours", st.first.Sub(mr.CreatedAt).Hours())
	}
	log.Info("merge review metrics", attrs...)

	if res.CanMerge {
		return nil
	}

	violations := make([]models.PolicyViolation, len(res.Violations))
	for i, v := range res.Violations {
		violations[i] = models.PolicyViolation{
			MergeRequestID: mr.ID,
			ProjectID:      mr.ProjectID,
			Rule:           v.Rule,
			Description:    v.Description,
			DetectedAt:     res.CheckedAt,
		}
	}
	if err := s.repo.SaveViolations(ctx, violations); err != nil {
		return fmt.Errorf("record policy violations for %d: %w", mr.ID, err)
	}

	log.Warn("merged without satisfying review policy", "mr_id", mr.ID, "violations", ruleNames(res.Violations))
	s.alerts.Send(ctx, alert.Alert{
		ProjectID:       mr.ProjectID,
		Type:            alert.PolicyViolation,
		Level:           alert.High,
		Title:           "Merged without satisfying review policy",
		Message:         fmt.Sprintf("Merge request !%d was merged by %s with: %s", mr.IID, mr.MergedBy, ruleNames(res.Violations)),
		Timestamp:       res.CheckedAt,
		Details:         map[string]any{"violations": res.Violations},
		RelatedEntityID: strconv.FormatInt(mr.ID, 10),
	})
	return nil
}

// CalculateReviewCoverage summarizes review activity for merge requests
// created in [start, end).
func (s *Service) CalculateReviewCoverage(ctx context.Context, projectID int64, start, end time.Time) (models.ReviewCoverageStats, error) {
	stats := models.ReviewCoverageStats{ProjectID: projectID, Start: start, End: end}
	if !end.After(start) {
		return stats, fmt.Errorf("end must be after start: %w", models.ErrInvalidRequest)
	}

	mrs, err := s.repo.ListMergeRequests(ctx, projectID, start, end)
	if err != nil {
		return stats, err
	}
	ids := make([]int64, len(mrs))
	for i, mr := range mrs {
		ids[i] = mr.ID
	}
	byMR, err := s.repo.ListReviewsFor(ctx, ids)
	if err != nil {
		return stats, err
	}

	var reviewHours float64
	for _, mr := range mrs {
		reviews := byMR[mr.ID]
		stats.TotalReviews += len(reviews)
		if len(reviews) == 0 {
			continue
		}
		stats.ReviewedMergeRequests++

		var approved, rejected bool
		first := reviews[0].ReviewedAt
		for _, r := range reviews {
			approved = approved || r.Status == models.ReviewApproved
			rejected = rejected || r.Status == models.ReviewChangesRequested
			if r.ReviewedAt.Before(first) {
				first = r.ReviewedAt
			}
		}
		if approved {
			stats.ApprovedMergeRequests++
		}
		if rejected {
			stats.RejectedMergeRequests++
		}
		reviewHours += first.Sub(mr.CreatedAt).Hours()
	}

	stats.TotalMergeRequests = len(mrs)
	if stats.TotalMergeRequests > 0 {
		total := float64(stats.TotalMergeRequests)
		stats.CoverageRate = float64(stats.ReviewedMergeRequests) / total * 100
		stats.ApprovalRate = float64(stats.ApprovedMergeRequests) / total * 100
		stats.RejectionRate = float64(stats.RejectedMergeRequests) / total * 100
	}
	// Both averages are over reviewed merge requests only.
	if stats.ReviewedMergeRequests > 0 {
		reviewed := float64(stats.ReviewedMergeRequests)
		stats.AverageReviewTimeHours = reviewHours / reviewed
		stats.AverageReviewsPerMR = float64(stats.TotalReviews) / reviewed
	}
	return stats, nil
}

func ruleNames(vs []models.RuleViolation) string {
	names := make([]string, len(vs))
	for i, v := range vs {
		names[i] = v.Rule
	}
	return strings.Join(names, ", ")
}
