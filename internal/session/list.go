package session

import (
	"sort"
	"strings"
)

// SortByRecent orders sessions by LastUpdated, newest first. Ties are broken
// by id so the order is stable across backends.
func SortByRecent(sessions []ChatSession) {
	sort.SliceStable(sessions, func(i, j int) bool {
		if sessions[i].LastUpdated != sessions[j].LastUpdated {
			return sessions[i].LastUpdated > sessions[j].LastUpdated
		}
		return sessions[i].ID < sessions[j].ID
	})
}

// Preview returns the content of the last non-system message, or "".
func Preview(s ChatSession) string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role != RoleSystem {
			return s.Messages[i].Content
		}
	}
	return ""
}

// Filter keeps the sessions whose title or preview contains term,
// case-insensitively. An empty term keeps everything.
func Filter(sessions []ChatSession, term string) []ChatSession {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return sessions
	}
	var out []ChatSession
	for _, s := range sessions {
		if strings.Contains(strings.ToLower(s.Title), term) ||
			strings.Contains(strings.ToLower(Preview(s)), term) {
			out = append(out, s)
		}
	}
	return out
}

// OwnedBy keeps the sessions that belong to userID.
func OwnedBy(sessions []ChatSession, userID string) []ChatSession {
	var out []ChatSession
	for _, s := range sessions {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out
}
