// Package storage defines one repository interface per entity and provides a
// PostgreSQL implementation (sqlx + lib/pq) and an in-memory one.
package storage

import (
	"context"
	"time"

	"gitlab-metrics-service/internal/models"
)

type CommitStore interface {
	// ExistingCommitSHAs returns the subset of shas already recorded for the project.
	ExistingCommitSHAs(ctx context.Context, projectID int64, shas []string) (map[string]struct{}, error)
	// SaveCommits stores the commits and their file changes in one
	// transaction and returns the SHAs that were newly inserted.
	SaveCommits(ctx context.Context, commits []models.Commit) ([]string, error)
	SaveCommit(ctx context.Context, c models.Commit) (bool, error)
	ListCommits(ctx context.Context, projectID int64, from, to time.Time) ([]models.Commit, error)
	BranchChangeTotals(ctx context.Context, projectID int64, branch string, since time.Time) (models.ChangeTotals, error)
	CommitStats(ctx context.Context, projectID int64, from, to time.Time) ([]models.DeveloperCommitStats, error)
}

type IssueStore interface {
	GetIssue(ctx context.Context, id int64) (models.Issue, error)
	// CreateIssue returns false when the issue already exists.
	CreateIssue(ctx context.Context, issue models.Issue) (bool, error)
	// ModifyIssue locks the stored issue, lets fn change it and writes it
	// back as one step. It returns models.ErrNotFound when there is no issue.
	ModifyIssue(ctx context.Context, id int64, fn func(*models.Issue) error) error
	ListIssues(ctx context.Context, projectID int64, from, to time.Time) ([]models.Issue, error)
}

type MergeRequestStore interface {
	GetMergeRequest(ctx context.Context, id int64) (models.MergeRequest, error)
	// SaveMergeRequest upserts by id. A stored merged status is never overwritten.
	SaveMergeRequest(ctx context.Context, mr models.MergeRequest) error
	// ModifyMergeRequest locks the merge request, passes it to fn (found is
	// false when it is not stored yet) and upserts the result as one step.
	// It returns the row as stored.
	ModifyMergeRequest(ctx context.Context, id int64, fn func(mr *models.MergeRequest, found bool) error) (models.MergeRequest, error)
	ListMergeRequests(ctx context.Context, projectID int64, from, to time.Time) ([]models.MergeRequest, error)
}

type ReviewStore interface {
	// AddReview ignores exact replays of an already recorded review.
	AddReview(ctx context.Context, r models.CodeReview) (models.CodeReview, error)
	// ListReviews returns reviews ordered by reviewed_at ascending.
	ListReviews(ctx context.Context, mergeRequestID int64) ([]models.CodeReview, error)
	ListReviewsFor(ctx context.Context, mergeRequestIDs []int64) (map[int64][]models.CodeReview, error)
}

type BypassStore interface {
	SaveBypass(ctx context.Context, b models.EmergencyBypass) error
	// ActiveBypass returns models.ErrNotFound when there is none.
	ActiveBypass(ctx context.Context, mergeRequestID int64) (models.EmergencyBypass, error)
}

type ViolationStore interface {
	SaveViolations(ctx context.Context, violations []models.PolicyViolation) error
	ListViolations(ctx context.Context, mergeRequestID int64) ([]models.PolicyViolation, error)
}

type Store interface {
	CommitStore
	IssueStore
	MergeRequestStore
	ReviewStore
	BypassStore
	ViolationStore
	Ping(ctx context.Context) error
	Close() error
}
