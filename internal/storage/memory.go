package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"gitlab-metrics-service/internal/models"
)

type commitKey struct {
	projectID int64
	sha       string
}

type reviewKey struct {
	mrID       int64
	reviewerID int64
	status     models.ReviewStatus
	reviewedAt int64
}

// MemoryStore keeps everything in process. It backs the "memory" database
// driver and the service tests.
type MemoryStore struct {
	mu sync.RWMutex
	// modify serializes read-modify-write calls. It is held while fn runs,
	// so fn may read the store.
	modify sync.Mutex

	commits       map[commitKey]models.Commit
	issues        map[int64]models.Issue
	mergeRequests map[int64]models.MergeRequest
	reviews       map[int64][]models.CodeReview
	reviewKeys    map[reviewKey]struct{}
	bypasses      map[int64][]models.EmergencyBypass
	violations    map[int64][]models.PolicyViolation

	nextID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		commits:       make(map[commitKey]models.Commit),
		issues:        make(map[int64]models.Issue),
		mergeRequests: make(map[int64]models.MergeRequest),
		reviews:       make(map[int64][]models.CodeReview),
		reviewKeys:    make(map[reviewKey]struct{}),
		bypasses:      make(map[int64][]models.EmergencyBypass),
		violations:    make(map[int64][]models.PolicyViolation),
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) id() int64 {
	m.nextID++
	return m.nextID
}

func inRange(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}

func (m *MemoryStore) ExistingCommitSHAs(ctx context.Context, projectID int64, shas []string) (map[string]struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]struct{})
	for _, sha := range shas {
		if _, ok := m.commits[commitKey{projectID, sha}]; ok {
			out[sha] = struct{}{}
		}
	}
	return out, nil
}

func (m *MemoryStore) insertCommit(c models.Commit) bool {
	key := commitKey{c.ProjectID, c.SHA}
	if _, ok := m.commits[key]; ok {
		return false
	}
	changes := make([]models.FileChange, len(c.FileChanges))
	for i, fc := range c.FileChanges {
		fc.ID = m.id()
		fc.ProjectID = c.ProjectID
		fc.CommitSHA = c.SHA
		changes[i] = fc
	}
	c.FileChanges = changes
	m.commits[key] = c
	return true
}

func (m *MemoryStore) SaveCommits(ctx context.Context, commits []models.Commit) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var inserted []string
	for _, c := range commits {
		if m.insertCommit(c) {
			inserted = append(inserted, c.SHA)
		}
	}
	return inserted, nil
}

func (m *MemoryStore) SaveCommit(ctx context.Context, c models.Commit) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertCommit(c), nil
}

func (m *MemoryStore) ListCommits(ctx context.Context, projectID int64, from, to time.Time) ([]models.Commit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Commit
	for k, c := range m.commits {
		if k.projectID == projectID && inRange(c.CommittedAt, from, to) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CommittedAt.Before(out[j].CommittedAt) })
	return out, nil
}

func (m *MemoryStore) BranchChangeTotals(ctx context.Context, projectID int64, branch string, since time.Time) (models.ChangeTotals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var t models.ChangeTotals
	for k, c := range m.commits {
		if k.projectID == projectID && c.Branch == branch && !c.CommittedAt.Before(since) {
			t.Additions += c.LinesAdded
			t.Deletions += c.LinesDeleted
		}
	}
	return t, nil
}

func (m *MemoryStore) CommitStats(ctx context.Context, projectID int64, from, to time.Time) ([]models.DeveloperCommitStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	type author struct{ name, email string }
	byAuthor := make(map[author]*models.DeveloperCommitStats)
	for k, c := range m.commits {
		if k.projectID != projectID || !inRange(c.CommittedAt, from, to) {
			continue
		}
		a := author{c.AuthorName, c.AuthorEmail}
		st, ok := byAuthor[a]
		if !ok {
			st = &models.DeveloperCommitStats{AuthorName: a.name, AuthorEmail: a.email}
			byAuthor[a] = st
		}
		st.Commits++
		st.LinesAdded += c.LinesAdded
		st.LinesDeleted += c.LinesDeleted
		st.FilesChanged += c.FilesChanged
	}
	out := make([]models.DeveloperCommitStats, 0, len(byAuthor))
	for _, st := range byAuthor {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Commits != out[j].Commits {
			return out[i].Commits > out[j].Commits
		}
		return out[i].AuthorEmail < out[j].AuthorEmail
	})
	return out, nil
}

func (m *MemoryStore) GetIssue(ctx context.Context, id int64) (models.Issue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	is, ok := m.issues[id]
	if !ok {
		return models.Issue{}, models.ErrNotFound
	}
	return is, nil
}

func (m *MemoryStore) CreateIssue(ctx context.Context, is models.Issue) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.issues[is.ID]; ok {
		return false, nil
	}
	m.issues[is.ID] = is
	return true, nil
}

func (m *MemoryStore) ModifyIssue(ctx context.Context, id int64, fn func(*models.Issue) error) error {
	m.modify.Lock()
	defer m.modify.Unlock()

	old, err := m.GetIssue(ctx, id)
	if err != nil {
		return err
	}
	is := old
	if err := fn(&is); err != nil {
		return err
	}
	is.ID, is.IID, is.ProjectID, is.AuthorID, is.AuthorName, is.CreatedAt = old.ID, old.IID, old.ProjectID, old.AuthorID, old.AuthorName, old.CreatedAt

	m.mu.Lock()
	defer m.mu.Unlock()
	m.issues[id] = is
	return nil
}

func (m *MemoryStore) ListIssues(ctx context.Context, projectID int64, from, to time.Time) ([]models.Issue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Issue
	for _, is := range m.issues {
		if is.ProjectID == projectID && inRange(is.CreatedAt, from, to) {
			out = append(out, is)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) GetMergeRequest(ctx context.Context, id int64) (models.MergeRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mr, ok := m.mergeRequests[id]
	if !ok {
		return models.MergeRequest{}, models.ErrNotFound
	}
	return mr, nil
}

func (m *MemoryStore) SaveMergeRequest(ctx context.Context, mr models.MergeRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveMergeRequest(mr)
	return nil
}

func (m *MemoryStore) ModifyMergeRequest(ctx context.Context, id int64, fn func(*models.MergeRequest, bool) error) (models.MergeRequest, error) {
	m.modify.Lock()
	defer m.modify.Unlock()

	mr, err := m.GetMergeRequest(ctx, id)
	found := err == nil
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return mr, err
	}
	if err := fn(&mr, found); err != nil {
		return mr, err
	}
	mr.ID = id

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveMergeRequest(mr), nil
}

// saveMergeRequest upserts mr and returns the stored row. Callers hold mu.
func (m *MemoryStore) saveMergeRequest(mr models.MergeRequest) models.MergeRequest {
	if old, ok := m.mergeRequests[mr.ID]; ok {
		mr.IID, mr.ProjectID, mr.SourceProjectID, mr.AuthorID, mr.CreatedAt =
			old.IID, old.ProjectID, old.SourceProjectID, old.AuthorID, old.CreatedAt
		if old.Status == models.MRMerged {
			mr.Status = old.Status
			mr.MergedBy = old.MergedBy
			mr.ClosedAt = old.ClosedAt
		}
		if old.MergedAt != nil {
			mr.MergedAt = old.MergedAt
		}
		if old.MergedByID != nil {
			mr.MergedByID = old.MergedByID
		}
	}
	m.mergeRequests[mr.ID] = mr
	return mr
}

func (m *MemoryStore) ListMergeRequests(ctx context.Context, projectID int64, from, to time.Time) ([]models.MergeRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.MergeRequest
	for _, mr := range m.mergeRequests {
		if mr.ProjectID == projectID && inRange(mr.CreatedAt, from, to) {
			out = append(out, mr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) AddReview(ctx context.Context, r models.CodeReview) (models.CodeReview, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.mergeRequests[r.MergeRequestID]; !ok {
		return r, models.ErrNotFound
	}
	key := reviewKey{r.MergeRequestID, r.ReviewerID, r.Status, r.ReviewedAt.UnixNano()}
	if _, dup := m.reviewKeys[key]; dup {
		return r, nil
	}
	m.reviewKeys[key] = struct{}{}
	r.ID = m.id()
	list := append(m.reviews[r.MergeRequestID], r)
	sort.SliceStable(list, func(i, j int) bool { return list[i].ReviewedAt.Before(list[j].ReviewedAt) })
	m.reviews[r.MergeRequestID] = list
	return r, nil
}

func (m *MemoryStore) ListReviews(ctx context.Context, mergeRequestID int64) ([]models.CodeReview, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.CodeReview(nil), m.reviews[mergeRequestID]...), nil
}

func (m *MemoryStore) ListReviewsFor(ctx context.Context, ids []int64) (map[int64][]models.CodeReview, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int64][]models.CodeReview, len(ids))
	for _, id := range ids {
		if rs := m.reviews[id]; len(rs) > 0 {
			out[id] = append([]models.CodeReview(nil), rs...)
		}
	}
	return out, nil
}

func (m *MemoryStore) SaveBypass(ctx context.Context, b models.EmergencyBypass) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bypasses[b.MergeRequestID] = append(m.bypasses[b.MergeRequestID], b)
	return nil
}

func (m *MemoryStore) ActiveBypass(ctx context.Context, mergeRequestID int64) (models.EmergencyBypass, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *models.EmergencyBypass
	for i, b := range m.bypasses[mergeRequestID] {
		if b.Active && (latest == nil || b.AuthorizedAt.After(latest.AuthorizedAt)) {
			latest = &m.bypasses[mergeRequestID][i]
		}
	}
	if latest == nil {
		return models.EmergencyBypass{}, models.ErrNotFound
	}
	return *latest, nil
}

func (m *MemoryStore) SaveViolations(ctx context.Context, violations []models.PolicyViolation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range violations {
		v.ID = m.id()
		m.violations[v.MergeRequestID] = append(m.violations[v.MergeRequestID], v)
	}
	return nil
}

func (m *MemoryStore) ListViolations(ctx context.Context, mergeRequestID int64) ([]models.PolicyViolation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.PolicyViolation(nil), m.violations[mergeRequestID]...), nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLStore)(nil)
)
