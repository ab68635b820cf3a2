package tui

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"

	"github.com/codexadarsh/edumentor-fullstack/internal/session"
)

const previewRunes = 60

// FormatSessionTime renders a session timestamp the way the history list
// shows it: the clock time for today, "Jan 2" earlier this year, and
// "Jan 2, 2006" before that.
func FormatSessionTime(t, now time.Time) string {
	t = t.In(now.Location())
	ty, tm, td := t.Date()
	ny, nm, nd := now.Date()
	switch {
	case ty == ny && tm == nm && td == nd:
		return t.Format("15:04")
	case ty == ny:
		return t.Format("Jan 2")
	default:
		return t.Format("Jan 2, 2006")
	}
}

// PreviewLine shortens a session preview to one line of at most 60 runes.
func PreviewLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= previewRunes {
		return s
	}
	return string([]rune(s)[:previewRunes]) + "..."
}

// FormatSessionList renders sessions as a two-line-per-entry listing.
func FormatSessionList(sessions []session.ChatSession, now time.Time) string {
	if len(sessions) == 0 {
		return "No saved chats."
	}
	var b strings.Builder
	for i, s := range sessions {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s  %s  (%s)", s.ID, s.Title, FormatSessionTime(s.UpdatedAt(), now))
		if p := PreviewLine(session.Preview(s)); p != "" {
			fmt.Fprintf(&b, "\n    %s", p)
		}
	}
	return b.String()
}

// FormatTranscript renders a whole session for `sessions show`.
func FormatTranscript(s session.ChatSession, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n%s · updated %s · %s\n",
		s.Title, s.ID,
		humanize.RelTime(s.UpdatedAt(), now, "ago", "from now"),
		pluralMessages(len(s.Messages)))
	for _, m := range s.Messages {
		fmt.Fprintf(&b, "\n[%s]\n%s\n", m.Role, m.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatUpload is the notice printed while a document is being read.
func FormatUpload(name string, size int) string {
	return fmt.Sprintf("Reading %s (%s)...", name, humanize.Bytes(uint64(size)))
}

func pluralMessages(n int) string {
	if n == 1 {
		return "1 message"
	}
	return humanize.Comma(int64(n)) + " messages"
}
