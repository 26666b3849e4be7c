package session

import "strings"

// CompletionPolicy decides whether a push event, short of reporting 100%,
// signals that the backup finished.
type CompletionPolicy interface {
	Completed(ev ProgressEvent) bool
}

// PolicyFunc adapts a function to CompletionPolicy.
type PolicyFunc func(ev ProgressEvent) bool

// Completed calls f.
func (f PolicyFunc) Completed(ev ProgressEvent) bool { return f(ev) }

// KeywordPolicy is the loose textual heuristic: a success-typed event whose
// message contains Keyword (case-insensitive) completes the session.
type KeywordPolicy struct {
	SuccessType string
	Keyword     string
}

// DefaultPolicy matches "completed" on "success" events.
func DefaultPolicy() KeywordPolicy {
	return KeywordPolicy{SuccessType: EventTypeSuccess, Keyword: "completed"}
}

// Completed implements CompletionPolicy.
func (p KeywordPolicy) Completed(ev ProgressEvent) bool {
	if p.Keyword == "" || ev.Type != p.SuccessType {
		return false
	}
	return strings.Contains(strings.ToLower(ev.Message), strings.ToLower(p.Keyword))
}
