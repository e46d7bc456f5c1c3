// Package gitlab holds the webhook payload shapes sent by GitLab.
package gitlab

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05 MST",
	"2006-01-02 15:04:05 -0700",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTime accepts the handful of layouts GitLab has used for hook
// timestamps. Zone-less values are read as UTC.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// Time decodes any layout ParseTime understands. Unparsable values decode
// to the zero time instead of failing the whole payload.
type Time struct {
	time.Time
}

func (t *Time) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	t.Time, _ = ParseTime(s)
	return nil
}

func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339))
}

// Ptr returns nil for the zero time.
func (t Time) Ptr() *time.Time {
	if t.IsZero() {
		return nil
	}
	v := t.Time
	return &v
}

// Labels accepts both the legacy list of names and the list of label objects.
type Labels []string

func (l *Labels) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*l = nil
		return nil
	}
	var names []string
	if err := json.Unmarshal(b, &names); err == nil {
		*l = names
		return nil
	}
	var objs []struct {
		Title string `json:"title"`
		Name  string `json:"name"`
	}
	if err := json.Unmarshal(b, &objs); err != nil {
		return err
	}
	out := make([]string, 0, len(objs))
	for _, o := range objs {
		if o.Title != "" {
			out = append(out, o.Title)
		} else if o.Name != "" {
			out = append(out, o.Name)
		}
	}
	*l = out
	return nil
}

type Project struct {
	ID                int64  `json:"id"`
	Name              string `json:"name"`
	PathWithNamespace string `json:"path_with_namespace"`
	WebURL            string `json:"web_url"`
}

type User struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

type Author struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type Commit struct {
	ID        string   `json:"id"`
	Message   string   `json:"message"`
	Timestamp string   `json:"timestamp"`
	URL       string   `json:"url"`
	Author    Author   `json:"author"`
	Added     []string `json:"added"`
	Modified  []string `json:"modified"`
	Removed   []string `json:"removed"`
}

type PushEvent struct {
	ObjectKind        string   `json:"object_kind"`
	Before            string   `json:"before"`
	After             string   `json:"after"`
	Ref               string   `json:"ref"`
	CheckoutSHA       string   `json:"checkout_sha"`
	UserID            int64    `json:"user_id"`
	UserName          string   `json:"user_name"`
	UserUsername      string   `json:"user_username"`
	UserEmail         string   `json:"user_email"`
	ProjectID         int64    `json:"project_id"`
	Project           Project  `json:"project"`
	Commits           []Commit `json:"commits"`
	TotalCommitsCount int      `json:"total_commits_count"`
}

type IssueAttributes struct {
	ID          int64   `json:"id"`
	IID         int64   `json:"iid"`
	ProjectID   int64   `json:"project_id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	State       string  `json:"state"`
	Action      string  `json:"action"`
	CreatedAt   Time    `json:"created_at"`
	UpdatedAt   Time    `json:"updated_at"`
	ClosedAt    Time    `json:"closed_at"`
	AuthorID    int64   `json:"author_id"`
	AssigneeID  *int64  `json:"assignee_id"`
	AssigneeIDs []int64 `json:"assignee_ids"`
	Labels      Labels  `json:"labels"`
	URL         string  `json:"url"`
}

// Assignee returns the first assignee id, if any.
func (a IssueAttributes) Assignee() *int64 {
	if a.AssigneeID != nil {
		return a.AssigneeID
	}
	if len(a.AssigneeIDs) > 0 {
		id := a.AssigneeIDs[0]
		return &id
	}
	return nil
}

type IssueEvent struct {
	ObjectKind       string          `json:"object_kind"`
	User             User            `json:"user"`
	Project          Project         `json:"project"`
	ObjectAttributes IssueAttributes `json:"object_attributes"`
	Labels           Labels          `json:"labels"`
	Assignee         *User           `json:"assignee"`
	Assignees        []User          `json:"assignees"`
}

// AssigneeName looks up the display name for id among the event's assignees.
func (e IssueEvent) AssigneeName(id int64) string {
	for _, u := range e.Assignees {
		if u.ID == id {
			return u.Name
		}
	}
	if e.Assignee != nil && (e.Assignee.ID == id || e.Assignee.ID == 0) {
		return e.Assignee.Name
	}
	return ""
}

// IssueLabels prefers the top-level labels and falls back to the ones
// nested in the attributes.
func (e IssueEvent) IssueLabels() []string {
	if len(e.Labels) > 0 {
		return e.Labels
	}
	return e.ObjectAttributes.Labels
}

type MergeRequestAttributes struct {
	ID              int64  `json:"id"`
	IID             int64  `json:"iid"`
	TargetBranch    string `json:"target_branch"`
	SourceBranch    string `json:"source_branch"`
	SourceProjectID int64  `json:"source_project_id"`
	TargetProjectID int64  `json:"target_project_id"`
	AuthorID        int64  `json:"author_id"`
	AssigneeID      *int64 `json:"assignee_id"`
	Title           string `json:"title"`
	Description     string `json:"description"`
	State           string `json:"state"`
	MergeStatus     string `json:"merge_status"`
	CreatedAt       Time   `json:"created_at"`
	UpdatedAt       Time   `json:"updated_at"`
	MergeCommitSHA  string `json:"merge_commit_sha"`
	Action          string `json:"action"`
	URL             string `json:"url"`
}

type MergeRequestEvent struct {
	ObjectKind       string                 `json:"object_kind"`
	User             User                   `json:"user"`
	Project          Project                `json:"project"`
	ObjectAttributes MergeRequestAttributes `json:"object_attributes"`
}
