// Package review decides whether a merge request satisfies the code review
// policy. Engine is a pure function of its inputs; Service loads those
// inputs from storage and raises alerts.
package review

import (
	"fmt"
	"time"

	"gitlab-metrics-service/internal/config"
	"gitlab-metrics-service/internal/models"
)

const (
	RuleInsufficientReviewers = "Insufficient reviewers"
	RuleMissingApproval       = "Missing required approvals"
	RuleUnresolvedChanges     = "Unresolved change requests"
	RuleSelfApproval          = "Self-approval not allowed"
	RuleUnqualifiedReviewers  = "Unqualified reviewers"
)

// Qualifier decides whether a reviewer may review a merge request.
type Qualifier func(mr models.MergeRequest, reviewerID int64) bool

func anyoneQualifies(models.MergeRequest, int64) bool { return true }

type Engine struct {
	cfg       config.ReviewConfig
	protected map[string]struct{}
	admins    map[int64]struct{}
	qualifies Qualifier
}

func NewEngine(cfg config.ReviewConfig) *Engine {
	e := &Engine{
		cfg:       cfg,
		protected: make(map[string]struct{}, len(cfg.ProtectedBranches)),
		admins:    make(map[int64]struct{}, len(cfg.AdminUsers)),
		qualifies: anyoneQualifies,
	}
	for _, b := range cfg.ProtectedBranches {
		e.protected[b] = struct{}{}
	}
	for _, id := range cfg.AdminUsers {
		e.admins[id] = struct{}{}
	}
	return e
}

// WithQualifier replaces the reviewer qualification check.
func (e *Engine) WithQualifier(q Qualifier) *Engine {
	c := *e
	c.qualifies = q
	return &c
}

func (e *Engine) ReviewRequired(targetBranch string) bool {
	_, ok := e.protected[targetBranch]
	return ok
}

func (e *Engine) IsAdmin(userID int64) bool {
	_, ok := e.admins[userID]
	return ok
}

func (e *Engine) BypassEnabled() bool { return e.cfg.EmergencyBypassEnabled }

// RequiredReviewers is the reviewer quorum for mr.
func (e *Engine) RequiredReviewers(mr models.MergeRequest) int {
	if mr.Additions+mr.Deletions > e.cfg.LargeMRThreshold {
		return e.cfg.LargeMRMinReviewers
	}
	return e.cfg.MinReviewers
}

// Evaluate applies the policy. reviews must be ordered by ReviewedAt. A nil
// bypass means none is active.
func (e *Engine) Evaluate(mr models.MergeRequest, reviews []models.CodeReview, bypass *models.EmergencyBypass, now time.Time) models.ReviewRuleResult {
	res := models.ReviewRuleResult{
		MergeRequestID: mr.ID,
		Violations:     []models.RuleViolation{},
		CheckedAt:      now,
	}

	if !e.ReviewRequired(mr.TargetBranch) {
		res.CanMerge = true
		res.Message = "Review not required for this branch"
		return res
	}

	if bypass != nil && bypass.Active && e.cfg.EmergencyBypassEnabled {
		res.CanMerge = true
		res.EmergencyBypass = true
		res.BypassReason = bypass.Reason
		res.BypassAuthorizedBy = bypass.AuthorizedBy
		res.Message = "Emergency bypass authorized"
		return res
	}

	state := summarize(reviews)

	if required := e.RequiredReviewers(mr); len(state.reviewers) < required {
		res.Violations = append(res.Violations, models.RuleViolation{
			Rule:        RuleInsufficientReviewers,
			Description: fmt.Sprintf("Requires at least %d reviewers", required),
		})
	}
	if e.cfg.RequireApproval && len(state.approvers) == 0 {
		res.Violations = append(res.Violations, models.RuleViolation{
			Rule:        RuleMissingApproval,
			Description: "At least one approval is required",
		})
	}
	if len(state.blockers) > 0 {
		res.Violations = append(res.Violations, models.RuleViolation{
			Rule:        RuleUnresolvedChanges,
			Description: "All change requests must be resolved",
		})
	}
	if _, self := state.approvers[mr.AuthorID]; e.cfg.BlockSelfApproval && self {
		res.Violations = append(res.Violations, models.RuleViolation{
			Rule:        RuleSelfApproval,
			Description: "Author cannot approve their own merge request",
		})
	}
	for _, id := range state.order {
		if !e.qualifies(mr, id) {
			res.Violations = append(res.Violations, models.RuleViolation{
				Rule:        RuleUnqualifiedReviewers,
				Description: "Reviewers must have appropriate permissions",
			})
			break
		}
	}

	res.CanMerge = len(res.Violations) == 0
	if res.CanMerge {
		res.Message = "All review requirements satisfied"
	} else {
		res.Message = "Merge blocked by review policy"
	}
	return res
}

// reviewState is the outcome of a review history. Each reviewer's latest
// approve, request-changes or dismiss decides their standing; comments do not.
type reviewState struct {
	reviewers map[int64]struct{}
	order     []int64
	approvers map[int64]struct{}
	blockers  map[int64]struct{}
	first     *time.Time
}

func summarize(reviews []models.CodeReview) reviewState {
	st := reviewState{
		reviewers: make(map[int64]struct{}),
		approvers: make(map[int64]struct{}),
		blockers:  make(map[int64]struct{}),
	}
	for _, r := range reviews {
		if _, seen := st.reviewers[r.ReviewerID]; !seen {
			st.reviewers[r.ReviewerID] = struct{}{}
			st.order = append(st.order, r.ReviewerID)
		}
		if st.first == nil || r.ReviewedAt.Before(*st.first) {
			t := r.ReviewedAt
			st.first = &t
		}
		switch r.Status {
		case models.ReviewApproved:
			st.approvers[r.ReviewerID] = struct{}{}
			delete(st.blockers, r.ReviewerID)
		case models.ReviewChangesRequested:
			st.blockers[r.ReviewerID] = struct{}{}
			delete(st.approvers, r.ReviewerID)
		case models.ReviewDismissed:
			delete(st.approvers, r.ReviewerID)
			delete(st.blockers, r.ReviewerID)
		}
	}
	return st
}
