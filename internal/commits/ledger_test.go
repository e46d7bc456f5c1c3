package commits

import (
	"context"
	"errors"
	"testing"
	"time"

	"gitlab-metrics-service/internal/config"
	"gitlab-metrics-service/internal/gitlab"
	"gitlab-metrics-service/internal/models"
	"gitlab-metrics-service/internal/quality"
	"gitlab-metrics-service/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQuality struct {
	requests []quality.Request
	err      error
}

func (f *fakeQuality) TriggerAnalysis(ctx context.Context, requestID string, req quality.Request) error {
	f.requests = append(f.requests, req)
	return f.err
}

// flakyStore fails every batch insert so the per-row fallback is used.
type flakyStore struct {
	*storage.MemoryStore
	batchCalls  int
	lookupFails bool
}

func (f *flakyStore) SaveCommits(ctx context.Context, commits []models.Commit) ([]string, error) {
	f.batchCalls++
	return nil, errors.New("deadlock detected")
}

func (f *flakyStore) ExistingCommitSHAs(ctx context.Context, projectID int64, shas []string) (map[string]struct{}, error) {
	if f.lookupFails {
		return nil, errors.New("timeout")
	}
	return f.MemoryStore.ExistingCommitSHAs(ctx, projectID, shas)
}

func ledgerCfg() config.LedgerConfig {
	return config.LedgerConfig{BatchSize: 2, BatchTimeout: time.Second}
}

func pushEvent(commits ...gitlab.Commit) *gitlab.PushEvent {
	return &gitlab.PushEvent{
		Ref:       "refs/heads/feature/login",
		ProjectID: 7,
		UserName:  "Pusher",
		UserEmail: "pusher@example.com",
		Project:   gitlab.Project{ID: 7, PathWithNamespace: "team/app"},
		Commits:   commits,
	}
}

func TestBranchFromRef(t *testing.T) {
	assert.Equal(t, "main", BranchFromRef("refs/heads/main"))
	assert.Equal(t, "feature/x", BranchFromRef("refs/heads/feature/x"))
	assert.Equal(t, "v1.0", BranchFromRef("refs/tags/v1.0"))
	assert.Equal(t, "other", BranchFromRef("other"))
	assert.Equal(t, "unknown", BranchFromRef(""))
}

func TestIsMergeCommit(t *testing.T) {
	for _, msg := range []string{
		"Merge branch 'feature' into 'main'",
		"  merge pull request #12 from x/y",
		"MERGE remote-tracking branch 'origin/main'",
	} {
		assert.True(t, IsMergeCommit(msg), msg)
	}
	for _, msg := range []string{"Fix merge conflict handling", "Merged docs", "Add merge branch support"} {
		assert.False(t, IsMergeCommit(msg), msg)
	}
}

func TestEstimateExample(t *testing.T) {
	s := storage.NewMemoryStore()
	l := NewLedger(s, &fakeQuality{}, ledgerCfg())

	n, err := l.ProcessPushEvent(context.Background(), "r1", pushEvent(gitlab.Commit{
		ID:        "abc",
		Message:   "Add login",
		Timestamp: "2024-03-01T10:00:00Z",
		Author:    gitlab.Author{Name: "Ann", Email: "ann@example.com"},
		Added:     []string{"a.go", "b.go", "c.go"},
		Modified:  []string{"d.go", "e.go"},
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	commits, err := s.ListCommits(context.Background(), 7, time.Time{}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, commits, 1)
	c := commits[0]
	assert.Equal(t, 160, c.LinesAdded)
	assert.Equal(t, 10, c.LinesDeleted)
	assert.Equal(t, 5, c.FilesChanged)
	assert.Equal(t, "feature/login", c.Branch)
	assert.Equal(t, "Ann", c.AuthorName)
	require.Len(t, c.FileChanges, 5)
	for _, fc := range c.FileChanges {
		assert.Equal(t, "abc", fc.CommitSHA)
	}
}

func TestReplayIsIdempotent(t *testing.T) {
	s := storage.NewMemoryStore()
	q := &fakeQuality{}
	l := NewLedger(s, q, ledgerCfg())
	ev := pushEvent(
		gitlab.Commit{ID: "a", Message: "one"},
		gitlab.Commit{ID: "b", Message: "two"},
		gitlab.Commit{ID: "a", Message: "one again"},
		gitlab.Commit{ID: "c", Message: "three", Removed: []string{"old.go"}},
	)

	n, err := l.ProcessPushEvent(context.Background(), "r1", ev)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, q.requests, 3)
	assert.Equal(t, "team:app", q.requests[0].ProjectKey)

	n, err = l.ProcessPushEvent(context.Background(), "r2", ev)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, q.requests, 3)
}

func TestMergeCommitsAreNeverRecorded(t *testing.T) {
	s := storage.NewMemoryStore()
	l := NewLedger(s, &fakeQuality{}, ledgerCfg())

	n, err := l.ProcessPushEvent(context.Background(), "r1", pushEvent(
		gitlab.Commit{ID: "m1", Message: "Merge branch 'dev' into 'main'"},
		gitlab.Commit{ID: "x1", Message: "Real work"},
	))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	existing, err := s.ExistingCommitSHAs(context.Background(), 7, []string{"m1", "x1"})
	require.NoError(t, err)
	assert.NotContains(t, existing, "m1")
	assert.Contains(t, existing, "x1")
}

func TestAuthorFallsBackToPusher(t *testing.T) {
	s := storage.NewMemoryStore()
	l := NewLedger(s, &fakeQuality{}, ledgerCfg())
	fixed := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	_, err := l.ProcessPushEvent(context.Background(), "r1", pushEvent(gitlab.Commit{ID: "a", Message: "x", Timestamp: "garbage"}))
	require.NoError(t, err)

	commits, err := s.ListCommits(context.Background(), 7, fixed, fixed.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, commits, 1)
	assert.Equal(t, "Pusher", commits[0].AuthorName)
	assert.Equal(t, "pusher@example.com", commits[0].AuthorEmail)
}

func TestBatchFailureFallsBackToSingleInserts(t *testing.T) {
	s := &flakyStore{MemoryStore: storage.NewMemoryStore(), lookupFails: true}
	q := &fakeQuality{err: errors.New("analyzer offline")}
	l := NewLedger(s, q, ledgerCfg())

	n, err := l.ProcessPushEvent(context.Background(), "r1", pushEvent(
		gitlab.Commit{ID: "a", Message: "1"},
		gitlab.Commit{ID: "b", Message: "2"},
		gitlab.Commit{ID: "c", Message: "3"},
	))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 2, s.batchCalls)
	assert.Len(t, q.requests, 3)

	n, err = l.ProcessPushEvent(context.Background(), "r2", pushEvent(gitlab.Commit{ID: "a", Message: "1"}))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNilEvent(t *testing.T) {
	l := NewLedger(storage.NewMemoryStore(), &fakeQuality{}, ledgerCfg())
	_, err := l.ProcessPushEvent(context.Background(), "r", nil)
	assert.ErrorIs(t, err, models.ErrMalformedPayload)
}
