package session

import (
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// titleMaxRunes is the length of the user-message prefix used as a title.
	titleMaxRunes = 30
	titleEllipsis = "..."

	fallbackTitleLayout = "2006-01-02 15:04:05"
)

// GenerateTitle derives a sidebar label from the first user message.
// The content is cut to its first 30 runes and "..." is appended when
// anything was cut. Without a user message the title is built from now.
func GenerateTitle(msgs []Message, now time.Time) string {
	for _, m := range msgs {
		if m.Role != RoleUser {
			continue
		}
		if utf8.RuneCountInString(m.Content) <= titleMaxRunes {
			return strings.TrimSpace(m.Content)
		}
		runes := []rune(m.Content)
		return strings.TrimSpace(string(runes[:titleMaxRunes])) + titleEllipsis
	}
	return "Chat " + now.Format(fallbackTitleLayout)
}
