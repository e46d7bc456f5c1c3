package models

import (
	"time"

	"github.com/lib/pq"
)

type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// Commit is keyed by (ProjectID, SHA). Merge commits are never stored.
type Commit struct {
	ProjectID    int64        `db:"project_id" json:"projectId"`
	SHA          string       `db:"sha" json:"sha"`
	Branch       string       `db:"branch" json:"branch"`
	AuthorName   string       `db:"author_name" json:"authorName"`
	AuthorEmail  string       `db:"author_email" json:"authorEmail"`
	Message      string       `db:"message" json:"message"`
	CommittedAt  time.Time    `db:"committed_at" json:"committedAt"`
	LinesAdded   int          `db:"lines_added" json:"linesAdded"`
	LinesDeleted int          `db:"lines_deleted" json:"linesDeleted"`
	FilesChanged int          `db:"files_changed" json:"filesChanged"`
	FileChanges  []FileChange `db:"-" json:"fileChanges,omitempty"`
}

// FileChange refers back to its commit by (ProjectID, CommitSHA).
type FileChange struct {
	ID           int64      `db:"id" json:"id"`
	ProjectID    int64      `db:"project_id" json:"projectId"`
	CommitSHA    string     `db:"commit_sha" json:"commitSha"`
	FilePath     string     `db:"file_path" json:"filePath"`
	ChangeType   ChangeType `db:"change_type" json:"changeType"`
	LinesAdded   int        `db:"lines_added" json:"linesAdded"`
	LinesDeleted int        `db:"lines_deleted" json:"linesDeleted"`
}

type IssueStatus string

const (
	IssueOpened IssueStatus = "opened"
	IssueClosed IssueStatus = "closed"
)

type IssueType string

const (
	IssueBug     IssueType = "bug"
	IssueFeature IssueType = "feature"
	IssueTask    IssueType = "task"
)

type IssueSeverity string

const (
	SeverityBlocker  IssueSeverity = "blocker"
	SeverityCritical IssueSeverity = "critical"
	SeverityMajor    IssueSeverity = "major"
	SeverityMinor    IssueSeverity = "minor"
)

type IssuePriority string

const (
	PriorityCritical IssuePriority = "critical"
	PriorityHigh     IssuePriority = "high"
	PriorityMedium   IssuePriority = "medium"
	PriorityLow      IssuePriority = "low"
)

type Issue struct {
	ID                    int64          `db:"id" json:"id"`
	IID                   int64          `db:"iid" json:"iid"`
	ProjectID             int64          `db:"project_id" json:"projectId"`
	Title                 string         `db:"title" json:"title"`
	Description           string         `db:"description" json:"description"`
	Status                IssueStatus    `db:"status" json:"status"`
	Type                  IssueType      `db:"issue_type" json:"type"`
	Severity              IssueSeverity  `db:"severity" json:"severity"`
	Priority              IssuePriority  `db:"priority" json:"priority"`
	Labels                pq.StringArray `db:"labels" json:"labels"`
	AuthorID              int64          `db:"author_id" json:"authorId"`
	AuthorName            string         `db:"author_name" json:"authorName"`
	AssigneeID            *int64         `db:"assignee_id" json:"assigneeId,omitempty"`
	AssigneeName          string         `db:"assignee_name" json:"assigneeName,omitempty"`
	CreatedAt             time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt             time.Time      `db:"updated_at" json:"updatedAt"`
	ClosedAt              *time.Time     `db:"closed_at" json:"closedAt,omitempty"`
	FirstResponseAt       *time.Time     `db:"first_response_at" json:"firstResponseAt,omitempty"`
	ResolutionAt          *time.Time     `db:"resolution_at" json:"resolutionAt,omitempty"`
	ResponseTimeMinutes   *int64         `db:"response_time_minutes" json:"responseTimeMinutes,omitempty"`
	ResolutionTimeMinutes *int64         `db:"resolution_time_minutes" json:"resolutionTimeMinutes,omitempty"`
}

type MRStatus string

const (
	MROpened MRStatus = "opened"
	MRMerged MRStatus = "merged"
	MRClosed MRStatus = "closed"
)

// CanTransition reports whether a merge request may move from s to next.
// Merged is terminal and closed only goes back to opened through a reopen.
func (s MRStatus) CanTransition(next MRStatus, reopen bool) bool {
	switch {
	case s == next:
		return true
	case s == MRMerged:
		return false
	case s == MRClosed:
		return next == MROpened && reopen
	default:
		return next == MRMerged || next == MRClosed
	}
}

type MergeRequest struct {
	ID              int64      `db:"id" json:"id"`
	IID             int64      `db:"iid" json:"iid"`
	ProjectID       int64      `db:"project_id" json:"projectId"`
	SourceProjectID int64      `db:"source_project_id" json:"sourceProjectId"`
	AuthorID        int64      `db:"author_id" json:"authorId"`
	AuthorName      string     `db:"author_name" json:"authorName"`
	Title           string     `db:"title" json:"title"`
	Description     string     `db:"description" json:"description"`
	SourceBranch    string     `db:"source_branch" json:"sourceBranch"`
	TargetBranch    string     `db:"target_branch" json:"targetBranch"`
	Status          MRStatus   `db:"status" json:"status"`
	CreatedAt       time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updatedAt"`
	MergedAt        *time.Time `db:"merged_at" json:"mergedAt,omitempty"`
	MergedByID      *int64     `db:"merged_by_id" json:"mergedById,omitempty"`
	MergedBy        string     `db:"merged_by" json:"mergedBy,omitempty"`
	ClosedAt        *time.Time `db:"closed_at" json:"closedAt,omitempty"`
	Additions       int        `db:"additions" json:"additions"`
	Deletions       int        `db:"deletions" json:"deletions"`
}

type ReviewStatus string

const (
	ReviewApproved         ReviewStatus = "approved"
	ReviewChangesRequested ReviewStatus = "changes_requested"
	ReviewCommented        ReviewStatus = "commented"
	ReviewDismissed        ReviewStatus = "dismissed"
)

func (s ReviewStatus) Valid() bool {
	switch s {
	case ReviewApproved, ReviewChangesRequested, ReviewCommented, ReviewDismissed:
		return true
	}
	return false
}

type CodeReview struct {
	ID             int64        `db:"id" json:"id"`
	MergeRequestID int64        `db:"merge_request_id" json:"mergeRequestId"`
	ReviewerID     int64        `db:"reviewer_id" json:"reviewerId"`
	ReviewerName   string       `db:"reviewer_name" json:"reviewerName"`
	Status         ReviewStatus `db:"status" json:"status"`
	Comment        string       `db:"comment" json:"comment,omitempty"`
	ReviewType     string       `db:"review_type" json:"reviewType"`
	Required       bool         `db:"is_required" json:"required"`
	ReviewedAt     time.Time    `db:"reviewed_at" json:"reviewedAt"`
}

type EmergencyBypass struct {
	ID             string    `db:"id" json:"id"`
	MergeRequestID int64     `db:"merge_request_id" json:"mergeRequestId"`
	ProjectID      int64     `db:"project_id" json:"projectId"`
	AuthorizedBy   int64     `db:"authorized_by" json:"authorizedBy"`
	Reason         string    `db:"reason" json:"reason"`
	AuthorizedAt   time.Time `db:"authorized_at" json:"authorizedAt"`
	Active         bool      `db:"active" json:"active"`
}

// PolicyViolation is the audit trail of a merge that went through while the
// review policy was not satisfied.
type PolicyViolation struct {
	ID             int64     `db:"id" json:"id"`
	MergeRequestID int64     `db:"merge_request_id" json:"mergeRequestId"`
	ProjectID      int64     `db:"project_id" json:"projectId"`
	Rule           string    `db:"rule" json:"rule"`
	Description    string    `db:"description" json:"description"`
	DetectedAt     time.Time `db:"detected_at" json:"detectedAt"`
}

type RuleViolation struct {
	Rule        string `json:"rule"`
	Description string `json:"description"`
}

// ReviewRuleResult is computed on demand and never stored.
type ReviewRuleResult struct {
	MergeRequestID     int64           `json:"mergeRequestId"`
	CanMerge           bool            `json:"canMerge"`
	EmergencyBypass    bool            `json:"emergencyBypass"`
	BypassReason       string          `json:"bypassReason,omitempty"`
	BypassAuthorizedBy int64           `json:"bypassAuthorizedBy,omitempty"`
	Message            string          `json:"message"`
	Violations         []RuleViolation `json:"violations"`
	CheckedAt          time.Time       `json:"checkedAt"`
}

type ReviewCoverageStats struct {
	ProjectID              int64     `json:"projectId"`
	Start                  time.Time `json:"startDate"`
	End                    time.Time `json:"endDate"`
	TotalMergeRequests     int       `json:"totalMergeRequests"`
	ReviewedMergeRequests  int       `json:"reviewedMergeRequests"`
	ApprovedMergeRequests  int       `json:"approvedMergeRequests"`
	RejectedMergeRequests  int       `json:"rejectedMergeRequests"`
	TotalReviews           int       `json:"totalReviews"`
	CoverageRate           float64   `json:"coverageRate"`
	ApprovalRate           float64   `json:"approvalRate"`
	RejectionRate          float64   `json:"rejectionRate"`
	AverageReviewTimeHours float64   `json:"averageReviewTimeHours"`
	AverageReviewsPerMR    float64   `json:"averageReviewsPerMR"`
}

type DeveloperCommitStats struct {
	AuthorName   string `db:"author_name" json:"authorName"`
	AuthorEmail  string `db:"author_email" json:"authorEmail"`
	Commits      int    `db:"commits" json:"commits"`
	LinesAdded   int    `db:"lines_added" json:"linesAdded"`
	LinesDeleted int    `db:"lines_deleted" json:"linesDeleted"`
	FilesChanged int    `db:"files_changed" json:"filesChanged"`
}

type ChangeTotals struct {
	Additions int `db:"additions" json:"additions"`
	Deletions int `db:"deletions" json:"deletions"`
}
