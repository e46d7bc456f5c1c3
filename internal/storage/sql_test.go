package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"gitlab-metrics-service/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMapping(t *testing.T) {
	assert.ErrorIs(t, notFound(sql.ErrNoRows), models.ErrNotFound)
	assert.ErrorIs(t, notFound(fmt.Errorf("wrapped: %w", sql.ErrNoRows)), models.ErrNotFound)
	assert.Nil(t, notFound(nil))

	dup := fmt.Errorf("insert: %w", &pq.Error{Code: "23505"})
	assert.True(t, isUniqueViolation(dup))
	assert.False(t, isUniqueViolation(&pq.Error{Code: "23503"}))
}

func TestMigrationsEmbedded(t *testing.T) {
	body, err := migrationFiles.ReadFile("migrations/001_init.sql")
	assert.NoError(t, err)
	for _, table := range []string{"commits", "file_changes", "issues", "merge_requests", "code_reviews", "emergency_bypasses", "policy_violations"} {
		assert.Contains(t, string(body), "CREATE TABLE IF NOT EXISTS "+table)
	}
}

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLStore(db), mock
}

func q(s string) string { return regexp.QuoteMeta(s) }

func TestSaveCommitsSkipsConflicts(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(q("ON CONFLICT (project_id, sha) DO NOTHING")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("INSERT INTO file_changes")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(q("ON CONFLICT (project_id, sha) DO NOTHING")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	inserted, err := s.SaveCommits(context.Background(), []models.Commit{
		{ProjectID: 1, SHA: "a", CommittedAt: at, FileChanges: []models.FileChange{{FilePath: "a.go", ChangeType: models.ChangeAdded}}},
		{ProjectID: 1, SHA: "b", CommittedAt: at, FileChanges: []models.FileChange{{FilePath: "b.go", ChangeType: models.ChangeAdded}}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveCommitTreatsDuplicateAsSkipped(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(q("INSERT INTO commits")).WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	ok, err := s.SaveCommit(context.Background(), models.Commit{ProjectID: 1, SHA: "a"})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddReviewReplayReturnsNoID(t *testing.T) {
	s, mock := newMockStore(t)
	r := models.CodeReview{MergeRequestID: 11, ReviewerID: 2, Status: models.ReviewApproved, ReviewedAt: time.Now()}
	dedup := q("ON CONFLICT (merge_request_id, reviewer_id, status, reviewed_at) DO NOTHING")

	mock.ExpectQuery(dedup).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectQuery(dedup).WillReturnRows(sqlmock.NewRows([]string{"id"}))

	first, err := s.AddReview(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, int64(7), first.ID)

	replay, err := s.AddReview(context.Background(), r)
	require.NoError(t, err)
	assert.Zero(t, replay.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestModifyMergeRequestLocksAndUpserts(t *testing.T) {
	s, mock := newMockStore(t)
	selectMR := q("FROM merge_requests WHERE id = $1")

	mock.ExpectBegin()
	mock.ExpectExec(q("SELECT pg_advisory_xact_lock($1)")).WithArgs(int64(11)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(selectMR).WithArgs(int64(11)).WillReturnRows(sqlmock.NewRows([]string{"id", "status"}))
	mock.ExpectExec(q("status = CASE WHEN merge_requests.status = 'merged' THEN merge_requests.status ELSE EXCLUDED.status END")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(selectMR).WithArgs(int64(11)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "title"}).AddRow(11, "merged", "Add login"))
	mock.ExpectCommit()

	var sawFound bool
	stored, err := s.ModifyMergeRequest(context.Background(), 11, func(mr *models.MergeRequest, found bool) error {
		sawFound = found
		mr.Status = models.MROpened
		mr.Title = "Add login"
		return nil
	})
	require.NoError(t, err)
	assert.False(t, sawFound)
	assert.Equal(t, models.MRMerged, stored.Status)
	assert.Equal(t, int64(11), stored.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestModifyIssueSelectsForUpdate(t *testing.T) {
	s, mock := newMockStore(t)
	lock := q("FROM issues WHERE id = $1 FOR UPDATE")

	mock.ExpectBegin()
	mock.ExpectQuery(lock).WithArgs(int64(5)).WillReturnRows(sqlmock.NewRows([]string{"id", "status"}))
	mock.ExpectRollback()
	err := s.ModifyIssue(context.Background(), 5, func(*models.Issue) error {
		t.Fatal("fn must not run for a missing issue")
		return nil
	})
	assert.ErrorIs(t, err, models.ErrNotFound)

	mock.ExpectBegin()
	mock.ExpectQuery(lock).WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "labels"}).AddRow(5, "opened", "{bug}"))
	mock.ExpectExec(q("UPDATE issues SET")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	err = s.ModifyIssue(context.Background(), 5, func(is *models.Issue) error {
		assert.Equal(t, []string{"bug"}, []string(is.Labels))
		is.Status = models.IssueClosed
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestModifyIssueRollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(q("FOR UPDATE")).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(5))
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := s.ModifyIssue(context.Background(), 5, func(*models.Issue) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}
