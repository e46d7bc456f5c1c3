package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gitlab-metrics-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

type SQLStore struct {
	db *sqlx.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: sqlx.NewDb(db, "postgres")}
}

func (s *SQLStore) DB() *sqlx.DB { return s.db }

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) Close() error { return s.db.Close() }

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	}
	return err
}

// Commits

func (s *SQLStore) ExistingCommitSHAs(ctx context.Context, projectID int64, shas []string) (map[string]struct{}, error) {
	out := make(map[string]struct{}, len(shas))
	if len(shas) == 0 {
		return out, nil
	}
	var found []string
	err := s.db.SelectContext(ctx, &found,
		"SELECT sha FROM commits WHERE project_id = $1 AND sha = ANY($2)",
		projectID, pq.Array(shas))
	if err != nil {
		return nil, fmt.Errorf("existing commits: %w", err)
	}
	for _, sha := range found {
		out[sha] = struct{}{}
	}
	return out, nil
}

const insertCommit = `
	INSERT INTO commits (project_id, sha, branch, author_name, author_email, message,
		committed_at, lines_added, lines_deleted, files_changed)
	VALUES (:project_id, :sha, :branch, :author_name, :author_email, :message,
		:committed_at, :lines_added, :lines_deleted, :files_changed)
	ON CONFLICT (project_id, sha) DO NOTHING`

const insertFileChange = `
	INSERT INTO file_changes (project_id, commit_sha, file_path, change_type, lines_added, lines_deleted)
	VALUES (:project_id, :commit_sha, :file_path, :change_type, :lines_added, :lines_deleted)`

func insertCommitTx(ctx context.Context, tx *sqlx.Tx, c models.Commit) (bool, error) {
	res, err := tx.NamedExecContext(ctx, insertCommit, c)
	if err != nil {
		return false, fmt.Errorf("insert commit %s: %w", c.SHA, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	for _, fc := range c.FileChanges {
		fc.ProjectID = c.ProjectID
		fc.CommitSHA = c.SHA
		if _, err := tx.NamedExecContext(ctx, insertFileChange, fc); err != nil {
			return false, fmt.Errorf("insert file change %s: %w", fc.FilePath, err)
		}
	}
	return true, nil
}

func (s *SQLStore) SaveCommits(ctx context.Context, commits []models.Commit) ([]string, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var inserted []string
	for _, c := range commits {
		ok, err := insertCommitTx(ctx, tx, c)
		if err != nil {
			return nil, err
		}
		if ok {
			inserted = append(inserted, c.SHA)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return inserted, nil
}

func (s *SQLStore) SaveCommit(ctx context.Context, c models.Commit) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	ok, err := insertCommitTx(ctx, tx, c)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return ok, tx.Commit()
}

func (s *SQLStore) ListCommits(ctx context.Context, projectID int64, from, to time.Time) ([]models.Commit, error) {
	var commits []models.Commit
	err := s.db.SelectContext(ctx, &commits, `
		SELECT project_id, sha, branch, author_name, author_email, message,
			committed_at, lines_added, lines_deleted, files_changed
		FROM commits
		WHERE project_id = $1 AND committed_at >= $2 AND committed_at < $3
		ORDER BY committed_at`, projectID, from, to)
	if err != nil {
		return nil, err
	}
	if len(commits) == 0 {
		return commits, nil
	}

	shas := make([]string, len(commits))
	for i, c := range commits {
		shas[i] = c.SHA
	}
	var changes []models.FileChange
	err = s.db.SelectContext(ctx, &changes, `
		SELECT id, project_id, commit_sha, file_path, change_type, lines_added, lines_deleted
		FROM file_changes
		WHERE project_id = $1 AND commit_sha = ANY($2)
		ORDER BY id`, projectID, pq.Array(shas))
	if err != nil {
		return nil, err
	}
	bySHA := make(map[string][]models.FileChange)
	for _, fc := range changes {
		bySHA[fc.CommitSHA] = append(bySHA[fc.CommitSHA], fc)
	}
	for i := range commits {
		commits[i].FileChanges = bySHA[commits[i].SHA]
	}
	return commits, nil
}

func (s *SQLStore) BranchChangeTotals(ctx context.Context, projectID int64, branch string, since time.Time) (models.ChangeTotals, error) {
	var t models.ChangeTotals
	err := s.db.GetContext(ctx, &t, `
		SELECT COALESCE(SUM(lines_added), 0) AS additions, COALESCE(SUM(lines_deleted), 0) AS deletions
		FROM commits
		WHERE project_id = $1 AND branch = $2 AND committed_at >= $3`, projectID, branch, since)
	return t, err
}

func (s *SQLStore) CommitStats(ctx context.Context, projectID int64, from, to time.Time) ([]models.DeveloperCommitStats, error) {
	var stats []models.DeveloperCommitStats
	err := s.db.SelectContext(ctx, &stats, `
		SELECT author_name, author_email, COUNT(*) AS commits,
			COALESCE(SUM(lines_added), 0) AS lines_added,
			COALESCE(SUM(lines_deleted), 0) AS lines_deleted,
			COALESCE(SUM(files_changed), 0) AS files_changed
		FROM commits
		WHERE project_id = $1 AND committed_at >= $2 AND committed_at < $3
		GROUP BY author_name, author_email
		ORDER BY commits DESC, author_email`, projectID, from, to)
	return stats, err
}

// Issues

const issueColumns = `id, iid, project_id, title, description, status, issue_type, severity, priority,
	labels, author_id, author_name, assignee_id, assignee_name, created_at, updated_at, closed_at,
	first_response_at, resolution_at, response_time_minutes, resolution_time_minutes`

func (s *SQLStore) GetIssue(ctx context.Context, id int64) (models.Issue, error) {
	var is models.Issue
	err := s.db.GetContext(ctx, &is, "SELECT "+issueColumns+" FROM issues WHERE id = $1", id)
	return is, notFound(err)
}

func (s *SQLStore) CreateIssue(ctx context.Context, is models.Issue) (bool, error) {
	if is.Labels == nil {
		is.Labels = pq.StringArray{}
	}
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO issues (`+issueColumns+`)
		VALUES (:id, :iid, :project_id, :title, :description, :status, :issue_type, :severity, :priority,
			:labels, :author_id, :author_name, :assignee_id, :assignee_name, :created_at, :updated_at, :closed_at,
			:first_response_at, :resolution_at, :response_time_minutes, :resolution_time_minutes)
		ON CONFLICT (id) DO NOTHING`, is)
	if err != nil {
		return false, fmt.Errorf("insert issue %d: %w", is.ID, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

const updateIssueSQL = `
	UPDATE issues SET
		title = :title, description = :description, status = :status,
		issue_type = :issue_type, severity = :severity, priority = :priority, labels = :labels,
		assignee_id = :assignee_id, assignee_name = :assignee_name, updated_at = :updated_at,
		closed_at = :closed_at, first_response_at = :first_response_at, resolution_at = :resolution_at,
		response_time_minutes = :response_time_minutes, resolution_time_minutes = :resolution_time_minutes
	WHERE id = :id`

const selectIssueForUpdate = "SELECT " + issueColumns + " FROM issues WHERE id = $1 FOR UPDATE"

func (s *SQLStore) ModifyIssue(ctx context.Context, id int64, fn func(*models.Issue) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var is models.Issue
	if err := tx.GetContext(ctx, &is, selectIssueForUpdate, id); err != nil {
		return notFound(err)
	}
	if err := fn(&is); err != nil {
		return err
	}
	is.ID = id
	if is.Labels == nil {
		is.Labels = pq.StringArray{}
	}
	if _, err := tx.NamedExecContext(ctx, updateIssueSQL, is); err != nil {
		return fmt.Errorf("update issue %d: %w", id, err)
	}
	return tx.Commit()
}

func (s *SQLStore) ListIssues(ctx context.Context, projectID int64, from, to time.Time) ([]models.Issue, error) {
	var out []models.Issue
	err := s.db.SelectContext(ctx, &out, "SELECT "+issueColumns+` FROM issues
		WHERE project_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at`, projectID, from, to)
	return out, err
}

// Merge requests

const mergeRequestColumns = `id, iid, project_id, source_project_id, author_id, author_name, title, description,
	source_branch, target_branch, status, created_at, updated_at, merged_at, merged_by_id, merged_by,
	closed_at, additions, deletions`

const selectMergeRequest = "SELECT " + mergeRequestColumns + " FROM merge_requests WHERE id = $1"

// lockMergeRequest takes a transaction scoped advisory lock on the id, which
// also serializes deliveries for a merge request that has no row yet.
const lockMergeRequest = "SELECT pg_advisory_xact_lock($1)"

// upsertMergeRequest never moves a merged row out of merged.
const upsertMergeRequest = `
	INSERT INTO merge_requests (` + mergeRequestColumns + `)
	VALUES (:id, :iid, :project_id, :source_project_id, :author_id, :author_name, :title, :description,
		:source_branch, :target_branch, :status, :created_at, :updated_at, :merged_at, :merged_by_id, :merged_by,
		:closed_at, :additions, :deletions)
	ON CONFLICT (id) DO UPDATE SET
		title = EXCLUDED.title,
		description = EXCLUDED.description,
		source_branch = EXCLUDED.source_branch,
		target_branch = EXCLUDED.target_branch,
		author_name = EXCLUDED.author_name,
		updated_at = EXCLUDED.updated_at,
		additions = EXCLUDED.additions,
		deletions = EXCLUDED.deletions,
		status = CASE WHEN merge_requests.status = 'merged' THEN merge_requests.status ELSE EXCLUDED.status END,
		merged_at = COALESCE(merge_requests.merged_at, EXCLUDED.merged_at),
		merged_by_id = COALESCE(merge_requests.merged_by_id, EXCLUDED.merged_by_id),
		merged_by = CASE WHEN merge_requests.status = 'merged' THEN merge_requests.merged_by ELSE EXCLUDED.merged_by END,
		closed_at = CASE WHEN merge_requests.status = 'merged' THEN merge_requests.closed_at ELSE EXCLUDED.closed_at END`

func (s *SQLStore) GetMergeRequest(ctx context.Context, id int64) (models.MergeRequest, error) {
	var mr models.MergeRequest
	err := s.db.GetContext(ctx, &mr, selectMergeRequest, id)
	return mr, notFound(err)
}

func (s *SQLStore) SaveMergeRequest(ctx context.Context, mr models.MergeRequest) error {
	if _, err := s.db.NamedExecContext(ctx, upsertMergeRequest, mr); err != nil {
		return fmt.Errorf("upsert merge request %d: %w", mr.ID, err)
	}
	return nil
}

func (s *SQLStore) ModifyMergeRequest(ctx context.Context, id int64, fn func(*models.MergeRequest, bool) error) (models.MergeRequest, error) {
	var mr models.MergeRequest
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return mr, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, lockMergeRequest, id); err != nil {
		return mr, fmt.Errorf("lock merge request %d: %w", id, err)
	}
	err = tx.GetContext(ctx, &mr, selectMergeRequest, id)
	found := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return mr, err
	}
	if err := fn(&mr, found); err != nil {
		return mr, err
	}
	mr.ID = id
	if _, err := tx.NamedExecContext(ctx, upsertMergeRequest, mr); err != nil {
		return mr, fmt.Errorf("upsert merge request %d: %w", id, err)
	}

	var stored models.MergeRequest
	if err := tx.GetContext(ctx, &stored, selectMergeRequest, id); err != nil {
		return mr, err
	}
	return stored, tx.Commit()
}

func (s *SQLStore) ListMergeRequests(ctx context.Context, projectID int64, from, to time.Time) ([]models.MergeRequest, error) {
	var out []models.MergeRequest
	err := s.db.SelectContext(ctx, &out, "SELECT "+mergeRequestColumns+` FROM merge_requests
		WHERE project_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at`, projectID, from, to)
	return out, err
}

// Reviews

const reviewColumns = `id, merge_request_id, reviewer_id, reviewer_name, status, comment, review_type, is_required, reviewed_at`

// insertReview skips exact replays, in which case no id is returned.
const insertReview = `
	INSERT INTO code_reviews (merge_request_id, reviewer_id, reviewer_name, status, comment, review_type, is_required, reviewed_at)
	VALUES (:merge_request_id, :reviewer_id, :reviewer_name, :status, :comment, :review_type, :is_required, :reviewed_at)
	ON CONFLICT (merge_request_id, reviewer_id, status, reviewed_at) DO NOTHING
	RETURNING id`

func (s *SQLStore) AddReview(ctx context.Context, r models.CodeReview) (models.CodeReview, error) {
	rows, err := s.db.NamedQueryContext(ctx, insertReview, r)
	if err != nil {
		return r, fmt.Errorf("insert review: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&r.ID); err != nil {
			return r, err
		}
	}
	return r, rows.Err()
}

func (s *SQLStore) ListReviews(ctx context.Context, mergeRequestID int64) ([]models.CodeReview, error) {
	var out []models.CodeReview
	err := s.db.SelectContext(ctx, &out, "SELECT "+reviewColumns+` FROM code_reviews
		WHERE merge_request_id = $1 ORDER BY reviewed_at, id`, mergeRequestID)
	return out, err
}

func (s *SQLStore) ListReviewsFor(ctx context.Context, ids []int64) (map[int64][]models.CodeReview, error) {
	out := make(map[int64][]models.CodeReview, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In("SELECT "+reviewColumns+` FROM code_reviews
		WHERE merge_request_id IN (?) ORDER BY reviewed_at, id`, ids)
	if err != nil {
		return nil, err
	}
	var reviews []models.CodeReview
	if err := s.db.SelectContext(ctx, &reviews, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	for _, r := range reviews {
		out[r.MergeRequestID] = append(out[r.MergeRequestID], r)
	}
	return out, nil
}

// Emergency bypass and policy audit

func (s *SQLStore) SaveBypass(ctx context.Context, b models.EmergencyBypass) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO emergency_bypasses (id, merge_request_id, project_id, authorized_by, reason, authorized_at, active)
		VALUES (:id, :merge_request_id, :project_id, :authorized_by, :reason, :authorized_at, :active)`, b)
	if err != nil {
		return fmt.Errorf("insert emergency bypass: %w", err)
	}
	return nil
}

func (s *SQLStore) ActiveBypass(ctx context.Context, mergeRequestID int64) (models.EmergencyBypass, error) {
	var b models.EmergencyBypass
	err := s.db.GetContext(ctx, &b, `
		SELECT id, merge_request_id, project_id, authorized_by, reason, authorized_at, active
		FROM emergency_bypasses
		WHERE merge_request_id = $1 AND active
		ORDER BY authorized_at DESC LIMIT 1`, mergeRequestID)
	return b, notFound(err)
}

func (s *SQLStore) SaveViolations(ctx context.Context, violations []models.PolicyViolation) error {
	if len(violations) == 0 {
		return nil
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO policy_violations (merge_request_id, project_id, rule, description, detected_at)
		VALUES (:merge_request_id, :project_id, :rule, :description, :detected_at)`, violations)
	if err != nil {
		return fmt.Errorf("insert policy violations: %w", err)
	}
	return nil
}

func (s *SQLStore) ListViolations(ctx context.Context, mergeRequestID int64) ([]models.PolicyViolation, error) {
	var out []models.PolicyViolation
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, merge_request_id, project_id, rule, description, detected_at
		FROM policy_violations WHERE merge_request_id = $1 ORDER BY id`, mergeRequestID)
	return out, err
}
