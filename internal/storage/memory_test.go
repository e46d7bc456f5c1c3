package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gitlab-metrics-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func commit(sha, branch string, added, deleted int, at time.Time) models.Commit {
	return models.Commit{
		ProjectID: 1, SHA: sha, Branch: branch, AuthorName: "Ann", AuthorEmail: "ann@example.com",
		CommittedAt: at, LinesAdded: added, LinesDeleted: deleted, FilesChanged: 1,
		FileChanges: []models.FileChange{{FilePath: sha + ".go", ChangeType: models.ChangeAdded, LinesAdded: added}},
	}
}

func TestMemoryCommitsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	inserted, err := s.SaveCommits(ctx, []models.Commit{commit("a", "main", 50, 0, t0), commit("b", "main", 5, 5, t0)})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, inserted)

	inserted, err = s.SaveCommits(ctx, []models.Commit{commit("a", "main", 50, 0, t0)})
	require.NoError(t, err)
	assert.Empty(t, inserted)

	ok, err := s.SaveCommit(ctx, commit("b", "main", 5, 5, t0))
	require.NoError(t, err)
	assert.False(t, ok)

	existing, err := s.ExistingCommitSHAs(ctx, 1, []string{"a", "c"})
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"a": {}}, existing)

	commits, err := s.ListCommits(ctx, 1, t0.Add(-time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, commits, 2)
	for _, c := range commits {
		require.Len(t, c.FileChanges, 1)
		assert.Equal(t, c.SHA, c.FileChanges[0].CommitSHA)
	}
}

func TestMemoryBranchTotalsAndStats(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.SaveCommits(ctx, []models.Commit{
		commit("a", "feature", 50, 0, t0),
		commit("b", "feature", 5, 5, t0.Add(time.Hour)),
		commit("c", "main", 100, 100, t0),
		commit("d", "feature", 7, 7, t0.Add(-time.Hour)),
	})
	require.NoError(t, err)

	totals, err := s.BranchChangeTotals(ctx, 1, "feature", t0)
	require.NoError(t, err)
	assert.Equal(t, models.ChangeTotals{Additions: 55, Deletions: 5}, totals)

	stats, err := s.CommitStats(ctx, 1, t0, t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 3, stats[0].Commits)
	assert.Equal(t, 155, stats[0].LinesAdded)
}

func TestMemoryMergedIsTerminal(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	merged := t0.Add(time.Hour)
	require.NoError(t, s.SaveMergeRequest(ctx, models.MergeRequest{ID: 5, ProjectID: 1, Status: models.MRMerged, CreatedAt: t0, MergedAt: &merged}))
	require.NoError(t, s.SaveMergeRequest(ctx, models.MergeRequest{ID: 5, ProjectID: 1, Status: models.MROpened, Title: "late update"}))

	mr, err := s.GetMergeRequest(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, models.MRMerged, mr.Status)
	assert.Equal(t, "late update", mr.Title)
	require.NotNil(t, mr.MergedAt)
	assert.True(t, merged.Equal(*mr.MergedAt))
}

func TestMemoryReviewsDedupAndOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.SaveMergeRequest(ctx, models.MergeRequest{ID: 5, ProjectID: 1, Status: models.MROpened, CreatedAt: t0}))

	later := models.CodeReview{MergeRequestID: 5, ReviewerID: 2, Status: models.ReviewApproved, ReviewedAt: t0.Add(2 * time.Hour)}
	earlier := models.CodeReview{MergeRequestID: 5, ReviewerID: 2, Status: models.ReviewChangesRequested, ReviewedAt: t0.Add(time.Hour)}
	for _, r := range []models.CodeReview{later, earlier, later} {
		_, err := s.AddReview(ctx, r)
		require.NoError(t, err)
	}

	reviews, err := s.ListReviews(ctx, 5)
	require.NoError(t, err)
	require.Len(t, reviews, 2)
	assert.Equal(t, models.ReviewChangesRequested, reviews[0].Status)
	assert.Equal(t, models.ReviewApproved, reviews[1].Status)

	_, err = s.AddReview(ctx, models.CodeReview{MergeRequestID: 99})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryIssueLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.GetIssue(ctx, 1)
	assert.ErrorIs(t, err, models.ErrNotFound)

	created, err := s.CreateIssue(ctx, models.Issue{ID: 1, ProjectID: 3, Title: "a", CreatedAt: t0})
	require.NoError(t, err)
	assert.True(t, created)
	created, err = s.CreateIssue(ctx, models.Issue{ID: 1, ProjectID: 3, Title: "b", CreatedAt: t0})
	require.NoError(t, err)
	assert.False(t, created)

	called := false
	err = s.ModifyIssue(ctx, 2, func(*models.Issue) error { called = true; return nil })
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.False(t, called)

	require.NoError(t, s.ModifyIssue(ctx, 1, func(is *models.Issue) error {
		is.Title = "renamed"
		is.ProjectID = 99
		return nil
	}))
	is, err := s.GetIssue(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "renamed", is.Title)
	assert.Equal(t, int64(3), is.ProjectID)

	boom := errors.New("boom")
	assert.ErrorIs(t, s.ModifyIssue(ctx, 1, func(is *models.Issue) error {
		is.Title = "discarded"
		return boom
	}), boom)
	is, _ = s.GetIssue(ctx, 1)
	assert.Equal(t, "renamed", is.Title)
}

func TestMemoryModifySerializesWriters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.CreateIssue(ctx, models.Issue{ID: 1, ProjectID: 3, CreatedAt: t0})
	require.NoError(t, err)

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.ModifyIssue(ctx, 1, func(is *models.Issue) error {
				is.Labels = append(is.Labels, "x")
				return nil
			}))
		}()
		go func() {
			defer wg.Done()
			_, err := s.ModifyMergeRequest(ctx, 7, func(mr *models.MergeRequest, found bool) error {
				if !found {
					mr.ProjectID, mr.Status, mr.CreatedAt = 1, models.MROpened, t0
				}
				mr.Additions++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	is, err := s.GetIssue(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, is.Labels, writers)
	mr, err := s.GetMergeRequest(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, writers, mr.Additions)
}

func TestMemoryModifyMergeRequestKeepsMerged(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	merged := t0.Add(time.Hour)
	require.NoError(t, s.SaveMergeRequest(ctx, models.MergeRequest{ID: 5, ProjectID: 1, Status: models.MRMerged, CreatedAt: t0, MergedAt: &merged}))

	stored, err := s.ModifyMergeRequest(ctx, 5, func(mr *models.MergeRequest, found bool) error {
		assert.True(t, found)
		mr.Status = models.MRClosed
		mr.Title = "late"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.MRMerged, stored.Status)
	assert.Equal(t, "late", stored.Title)
}

func TestMemoryActiveBypass(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.ActiveBypass(ctx, 5)
	assert.ErrorIs(t, err, models.ErrNotFound)

	require.NoError(t, s.SaveBypass(ctx, models.EmergencyBypass{ID: "x", MergeRequestID: 5, AuthorizedAt: t0, Active: true, Reason: "outage"}))
	b, err := s.ActiveBypass(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "outage", b.Reason)
}
