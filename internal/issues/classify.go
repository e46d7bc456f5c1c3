package issues

import (
	"strings"

	"gitlab-metrics-service/internal/models"
)

type keywordRule[T any] struct {
	words []string
	value T
}

var (
	typeLabels = []keywordRule[models.IssueType]{
		{[]string{"bug", "defect"}, models.IssueBug},
		{[]string{"feature", "enhancement"}, models.IssueFeature},
		{[]string{"task", "chore"}, models.IssueTask},
	}
	typeKeywords = []keywordRule[models.IssueType]{
		{[]string{"bug", "error", "issue", "problem", "fail", "broken"}, models.IssueBug},
		{[]string{"feature", "enhancement", "improve", "add"}, models.IssueFeature},
	}

	priorityLabels = []keywordRule[models.IssuePriority]{
		{[]string{"critical", "urgent"}, models.PriorityCritical},
		{[]string{"high"}, models.PriorityHigh},
		{[]string{"low"}, models.PriorityLow},
	}
	priorityKeywords = []keywordRule[models.IssuePriority]{
		{[]string{"critical", "urgent", "asap"}, models.PriorityCritical},
		{[]string{"high", "important"}, models.PriorityHigh},
		{[]string{"low", "minor"}, models.PriorityLow},
	}

	severityLabels = []keywordRule[models.IssueSeverity]{
		{[]string{"blocker"}, models.SeverityBlocker},
		{[]string{"critical"}, models.SeverityCritical},
		{[]string{"major"}, models.SeverityMajor},
		{[]string{"minor"}, models.SeverityMinor},
	}
	severityKeywords = []keywordRule[models.IssueSeverity]{
		{[]string{"crash", "data loss", "security"}, models.SeverityBlocker},
		{[]string{"critical", "severe"}, models.SeverityCritical},
		{[]string{"major", "significant"}, models.SeverityMajor},
	}
)

// Classification is the derived type, priority and severity of an issue.
type Classification struct {
	Type     models.IssueType
	Priority models.IssuePriority
	Severity models.IssueSeverity
}

// Classify looks at labels first, in order, so the first label that maps to a
// value wins. Then it scans the title and description for keywords, and
// falls back to task / medium / minor.
func Classify(labels []string, title, description string) Classification {
	lower := make([]string, len(labels))
	for i, l := range labels {
		lower[i] = strings.ToLower(l)
	}
	text := strings.ToLower(title + " " + description)

	return Classification{
		Type:     pick(lower, text, typeLabels, typeKeywords, models.IssueTask),
		Priority: pick(lower, text, priorityLabels, priorityKeywords, models.PriorityMedium),
		Severity: pick(lower, text, severityLabels, severityKeywords, models.SeverityMinor),
	}
}

func pick[T any](labels []string, text string, byLabel, byKeyword []keywordRule[T], fallback T) T {
	for _, label := range labels {
		for _, rule := range byLabel {
			if containsAny(label, rule.words) {
				return rule.value
			}
		}
	}
	for _, rule := range byKeyword {
		if containsAny(text, rule.words) {
			return rule.value
		}
	}
	return fallback
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
