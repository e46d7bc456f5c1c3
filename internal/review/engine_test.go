package review

import (
	"testing"
	"time"

	"gitlab-metrics-service/internal/config"
	"gitlab-metrics-service/internal/models"

	"github.com/stretchr/testify/assert"
)

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func policy() config.ReviewConfig {
	return config.Default().Review
}

func mergeRequest(additions, deletions int) models.MergeRequest {
	return models.MergeRequest{ID: 11, IID: 3, ProjectID: 1, AuthorID: 100, TargetBranch: "main", Additions: additions, Deletions: deletions, CreatedAt: base}
}

func rv(reviewer int64, status models.ReviewStatus, minutes int) models.CodeReview {
	return models.CodeReview{MergeRequestID: 11, ReviewerID: reviewer, Status: status, ReviewedAt: base.Add(time.Duration(minutes) * time.Minute)}
}

func rules(res models.ReviewRuleResult) []string {
	var out []string
	for _, v := range res.Violations {
		out = append(out, v.Rule)
	}
	return out
}

func TestUnprotectedBranchNeedsNoReview(t *testing.T) {
	mr := mergeRequest(10, 0)
	mr.TargetBranch = "feature/x"
	res := NewEngine(policy()).Evaluate(mr, nil, nil, base)
	assert.True(t, res.CanMerge)
	assert.Empty(t, res.Violations)
	assert.Equal(t, "Review not required for this branch", res.Message)
}

func TestSingleApprovalSatisfiesSmallMR(t *testing.T) {
	res := NewEngine(policy()).Evaluate(mergeRequest(10, 5), []models.CodeReview{rv(2, models.ReviewApproved, 10)}, nil, base)
	assert.True(t, res.CanMerge)
	assert.Empty(t, res.Violations)
}

func TestNoReviewsCollectsAllViolations(t *testing.T) {
	res := NewEngine(policy()).Evaluate(mergeRequest(10, 5), nil, nil, base)
	assert.False(t, res.CanMerge)
	assert.Equal(t, []string{RuleInsufficientReviewers, RuleMissingApproval}, rules(res))
	assert.Equal(t, "Requires at least 1 reviewers", res.Violations[0].Description)
}

func TestLargeMRQuorum(t *testing.T) {
	e := NewEngine(policy())

	small := e.Evaluate(mergeRequest(300, 200), []models.CodeReview{rv(2, models.ReviewApproved, 1)}, nil, base)
	assert.True(t, small.CanMerge, "500 changed lines is not above the threshold")

	large := e.Evaluate(mergeRequest(300, 201), []models.CodeReview{rv(2, models.ReviewApproved, 1)}, nil, base)
	assert.False(t, large.CanMerge)
	assert.Equal(t, []string{RuleInsufficientReviewers}, rules(large))
	assert.Equal(t, "Requires at least 2 reviewers", large.Violations[0].Description)

	twice := e.Evaluate(mergeRequest(300, 201), []models.CodeReview{rv(2, models.ReviewApproved, 1), rv(2, models.ReviewCommented, 2)}, nil, base)
	assert.False(t, twice.CanMerge, "the same reviewer twice is one reviewer")

	two := e.Evaluate(mergeRequest(300, 201), []models.CodeReview{rv(2, models.ReviewApproved, 1), rv(3, models.ReviewCommented, 2)}, nil, base)
	assert.True(t, two.CanMerge)
}

func TestSelfApprovalBlocked(t *testing.T) {
	reviews := []models.CodeReview{rv(100, models.ReviewApproved, 1), rv(2, models.ReviewApproved, 2)}
	res := NewEngine(policy()).Evaluate(mergeRequest(1, 1), reviews, nil, base)
	assert.False(t, res.CanMerge)
	assert.Equal(t, []string{RuleSelfApproval}, rules(res))

	cfg := policy()
	cfg.BlockSelfApproval = false
	assert.True(t, NewEngine(cfg).Evaluate(mergeRequest(1, 1), reviews, nil, base).CanMerge)
}

func TestChangeRequestsResolvedBySameReviewer(t *testing.T) {
	e := NewEngine(policy())

	open := []models.CodeReview{rv(2, models.ReviewChangesRequested, 1), rv(3, models.ReviewApproved, 2)}
	res := e.Evaluate(mergeRequest(1, 1), open, nil, base)
	assert.Equal(t, []string{RuleUnresolvedChanges}, rules(res))

	resolved := append(open, rv(2, models.ReviewApproved, 3))
	assert.True(t, e.Evaluate(mergeRequest(1, 1), resolved, nil, base).CanMerge)

	dismissed := append(open, rv(2, models.ReviewDismissed, 3))
	assert.True(t, e.Evaluate(mergeRequest(1, 1), dismissed, nil, base).CanMerge)
}

func TestApprovalWithdrawn(t *testing.T) {
	reviews := []models.CodeReview{rv(2, models.ReviewApproved, 1), rv(2, models.ReviewDismissed, 2)}
	res := NewEngine(policy()).Evaluate(mergeRequest(1, 1), reviews, nil, base)
	assert.Equal(t, []string{RuleMissingApproval}, rules(res))
}

func TestApprovalRequirementCanBeDisabled(t *testing.T) {
	cfg := policy()
	cfg.RequireApproval = false
	res := NewEngine(cfg).Evaluate(mergeRequest(1, 1), []models.CodeReview{rv(2, models.ReviewCommented, 1)}, nil, base)
	assert.True(t, res.CanMerge)
}

func TestUnqualifiedReviewers(t *testing.T) {
	e := NewEngine(policy()).WithQualifier(func(mr models.MergeRequest, reviewer int64) bool { return reviewer != 2 })
	res := e.Evaluate(mergeRequest(1, 1), []models.CodeReview{rv(2, models.ReviewApproved, 1)}, nil, base)
	assert.Equal(t, []string{RuleUnqualifiedReviewers}, rules(res))
}

func TestBypassHonouredOnlyWhenEnabled(t *testing.T) {
	bypass := &models.EmergencyBypass{Active: true, Reason: "prod outage", AuthorizedBy: 1}

	res := NewEngine(policy()).Evaluate(mergeRequest(1, 1), nil, bypass, base)
	assert.False(t, res.CanMerge)
	assert.False(t, res.EmergencyBypass)

	cfg := policy()
	cfg.EmergencyBypassEnabled = true
	res = NewEngine(cfg).Evaluate(mergeRequest(1, 1), nil, bypass, base)
	assert.True(t, res.CanMerge)
	assert.True(t, res.EmergencyBypass)
	assert.Equal(t, "prod outage", res.BypassReason)
	assert.Equal(t, int64(1), res.BypassAuthorizedBy)
}
