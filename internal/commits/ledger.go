// Package commits records push events as commits with estimated change
// statistics. Recording is idempotent: a commit is stored at most once per
// project and merge commits are never stored.
package commits

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"gitlab-metrics-service/internal/config"
	"gitlab-metrics-service/internal/gitlab"
	"gitlab-metrics-service/internal/logging"
	"gitlab-metrics-service/internal/models"
	"gitlab-metrics-service/internal/quality"
	"gitlab-metrics-service/internal/storage"
)

// Per-file line estimates. Push hooks carry file names only.
const (
	addedFileLines    = 50
	removedFileLines  = 50
	modifiedFileLines = 5
)

var mergeCommitPattern = regexp.MustCompile(`(?i)^Merge\s+(branch|pull\s+request|remote-tracking\s+branch)`)

type QualityTrigger interface {
	TriggerAnalysis(ctx context.Context, requestID string, req quality.Request) error
}

type Ledger struct {
	store   storage.CommitStore
	quality QualityTrigger
	cfg     config.LedgerConfig
	now     func() time.Time
}

func NewLedger(store storage.CommitStore, quality QualityTrigger, cfg config.LedgerConfig) *Ledger {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = config.Default().Ledger.BatchSize
	}
	return &Ledger{store: store, quality: quality, cfg: cfg, now: time.Now}
}

// IsMergeCommit reports whether message is an auto-generated merge message.
func IsMergeCommit(message string) bool {
	return mergeCommitPattern.MatchString(strings.TrimSpace(message))
}

// BranchFromRef strips refs/heads/ or refs/tags/ from ref.
func BranchFromRef(ref string) string {
	switch {
	case ref == "":
		return "unknown"
	case strings.HasPrefix(ref, "refs/heads/"):
		return strings.TrimPrefix(ref, "refs/heads/")
	case strings.HasPrefix(ref, "refs/tags/"):
		return strings.TrimPrefix(ref, "refs/tags/")
	}
	return ref
}

// EstimateChanges builds the per-file change list for c.
func EstimateChanges(c gitlab.Commit) []models.FileChange {
	changes := make([]models.FileChange, 0, len(c.Added)+len(c.Modified)+len(c.Removed))
	for _, path := range c.Added {
		changes = append(changes, models.FileChange{FilePath: path, ChangeType: models.ChangeAdded, LinesAdded: addedFileLines})
	}
	for _, path := range c.Modified {
		changes = append(changes, models.FileChange{FilePath: path, ChangeType: models.ChangeModified, LinesAdded: modifiedFileLines, LinesDeleted: modifiedFileLines})
	}
	for _, path := range c.Removed {
		changes = append(changes, models.FileChange{FilePath: path, ChangeType: models.ChangeRemoved, LinesDeleted: removedFileLines})
	}
	return changes
}

// ProcessPushEvent records the commits in ev that are new and not merge
// commits, and returns how many were recorded by this call.
func (l *Ledger) ProcessPushEvent(ctx context.Context, requestID string, ev *gitlab.PushEvent) (int, error) {
	if ev == nil {
		return 0, fmt.Errorf("push event: %w", models.ErrMalformedPayload)
	}
	log := logging.FromContext(ctx)
	projectID := ev.ProjectID
	if projectID == 0 {
		projectID = ev.Project.ID
	}
	branch := BranchFromRef(ev.Ref)

	shas := make([]string, 0, len(ev.Commits))
	for _, c := range ev.Commits {
		shas = append(shas, c.ID)
	}
	existing, err := l.store.ExistingCommitSHAs(ctx, projectID, shas)
	if err != nil {
		// Inserts are conflict-safe, so an empty set only costs extra work.
		log.Warn("existing commit lookup failed", "project_id", projectID, "error", err)
		existing = map[string]struct{}{}
	}

	seen := make(map[string]struct{}, len(ev.Commits))
	var pending []models.Commit
	for _, c := range ev.Commits {
		if c.ID == "" {
			log.Warn("commit without id skipped", "project_id", projectID)
			continue
		}
		if _, ok := existing[c.ID]; ok {
			continue
		}
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		if IsMergeCommit(c.Message) {
			log.Debug("merge commit skipped", "sha", c.ID)
			continue
		}
		pending = append(pending, l.buildCommit(projectID, branch, ev, c))
	}

	var recorded []models.Commit
	for start := 0; start < len(pending); start += l.cfg.BatchSize {
		end := min(start+l.cfg.BatchSize, len(pending))
		recorded = append(recorded, l.saveBatch(ctx, pending[start:end])...)
	}

	key := quality.ProjectKey(ev.Project, projectID)
	for _, c := range recorded {
		req := quality.Request{ProjectID: projectID, ProjectKey: key, CommitSHA: c.SHA, Branch: branch, RequestedAt: l.now().UTC()}
		if err := l.quality.TriggerAnalysis(ctx, requestID, req); err != nil {
			log.Warn("quality trigger failed", "sha", c.SHA, "error", err)
		}
	}

	log.Info("push processed", "project_id", projectID, "branch", branch,
		"received", len(ev.Commits), "recorded", len(recorded))
	return len(recorded), nil
}

func (l *Ledger) buildCommit(projectID int64, branch string, ev *gitlab.PushEvent, c gitlab.Commit) models.Commit {
	changes := EstimateChanges(c)
	commit := models.Commit{
		ProjectID:    projectID,
		SHA:          c.ID,
		Branch:       branch,
		AuthorName:   c.Author.Name,
		AuthorEmail:  c.Author.Email,
		Message:      c.Message,
		FilesChanged: len(changes),
		FileChanges:  changes,
	}
	if commit.AuthorName == "" {
		commit.AuthorName = ev.UserName
	}
	if commit.AuthorEmail == "" {
		commit.AuthorEmail = ev.UserEmail
	}
	if ts, ok := gitlab.ParseTime(c.Timestamp); ok {
		commit.CommittedAt = ts
	} else {
		commit.CommittedAt = l.now().UTC()
	}
	for _, fc := range changes {
		commit.LinesAdded += fc.LinesAdded
		commit.LinesDeleted += fc.LinesDeleted
	}
	return commit
}

// saveBatch stores batch in one transaction, falling back to row by row
// inserts when the batch fails. It returns the commits actually inserted.
func (l *Ledger) saveBatch(ctx context.Context, batch []models.Commit) []models.Commit {
	log := logging.FromContext(ctx)
	bctx, cancel := ctx, context.CancelFunc(func() {})
	if l.cfg.BatchTimeout > 0 {
		bctx, cancel = context.WithTimeout(ctx, l.cfg.BatchTimeout)
	}
	inserted, err := l.store.SaveCommits(bctx, batch)
	cancel()
	if err == nil {
		return pick(batch, inserted)
	}

	log.Warn("batch insert failed, saving commits individually", "size", len(batch), "error", err)
	var out []models.Commit
	for _, c := range batch {
		ok, err := l.store.SaveCommit(ctx, c)
		if err != nil {
			log.Error("commit not recorded", "sha", c.SHA, "error", err)
			continue
		}
		if ok {
			out = append(out, c)
		}
	}
	return out
}

func pick(batch []models.Commit, shas []string) []models.Commit {
	want := make(map[string]struct{}, len(shas))
	for _, s := range shas {
		want[s] = struct{}{}
	}
	var out []models.Commit
	for _, c := range batch {
		if _, ok := want[c.SHA]; ok {
			out = append(out, c)
		}
	}
	return out
}
